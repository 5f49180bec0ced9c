package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterPredictMetricsSeedsAllNames(t *testing.T) {
	a := New(0)
	a.RegisterPredictMetrics()

	for _, name := range []string{
		MetricQPS, MetricFailRate, MetricLatencyAvg,
		MetricLatencyMax, MetricLatencyCDF, MetricGPUOOM,
	} {
		_, ok := a.Read(name)
		assert.True(t, ok, "metric %s must exist before any Put", name)
	}
}

func TestObservePredictRecordsSuccessAndFailure(t *testing.T) {
	a := New(0)
	a.RegisterPredictMetrics()

	a.ObservePredict(10*time.Millisecond, nil)
	a.ObservePredict(30*time.Millisecond, errors.New("boom"))
	a.drainPending()
	a.tickAll()

	qps, ok := a.Read(MetricQPS)
	require.True(t, ok)
	assert.Equal(t, 2.0, qps.Values[len(qps.Values)-1])

	fail, ok := a.Read(MetricFailRate)
	require.True(t, ok)
	assert.Equal(t, 50.0, fail.Values[len(fail.Values)-1])

	lat, ok := a.Read(MetricLatencyAvg)
	require.True(t, ok)
	assert.InDelta(t, 20.0, lat.Values[len(lat.Values)-1], 0.001)

	latMax, ok := a.Read(MetricLatencyMax)
	require.True(t, ok)
	assert.InDelta(t, 30.0, latMax.Values[len(latMax.Values)-1], 0.001)
}

func TestObservePredictCountsOOM(t *testing.T) {
	a := New(0)
	a.RegisterPredictMetrics()

	a.ObservePredict(time.Millisecond, errors.New("CUDA out of memory"))
	a.ObservePredict(time.Millisecond, errors.New("plain failure"))
	a.drainPending()
	a.tickAll()

	oom, ok := a.Read(MetricGPUOOM)
	require.True(t, ok)
	assert.Equal(t, 1.0, oom.Values[len(oom.Values)-1])
}