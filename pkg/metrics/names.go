package metrics

import (
	"time"

	"github.com/grps-serving/grps/pkg/apperror"
)

// Fixed predict-path metric names. The leading asterisk groups
// the built-in series apart from user metrics on the monitor dashboard.
const (
	MetricQPS        = "*qps"
	MetricFailRate   = "*fail_rate(%)"
	MetricLatencyAvg = "*latency_avg(ms)"
	MetricLatencyMax = "*latency_max(ms)"
	MetricLatencyCDF = "*latency_cdf(ms)"
	MetricGPUOOM     = "*gpu_oom_count"
)

// RegisterPredictMetrics seeds the predict-path metric names with zeroed
// series at bootstrap, so the dashboard lists them before the first
// request arrives.
func (a *Aggregator) RegisterPredictMetrics() {
	a.Register(MetricQPS, KindInc)
	a.Register(MetricFailRate, KindAvg)
	a.Register(MetricLatencyAvg, KindAvg)
	a.Register(MetricLatencyMax, KindMax)
	a.Register(MetricLatencyCDF, KindCDF)
	a.Register(MetricGPUOOM, KindInc)
}

// ObservePredict records one predict completion from either transport:
// qps, fail rate (0 or 100 so the avg rollup yields a percentage),
// latency into the avg/max/cdf triple, and the OOM counter when the
// failure was raised as GPU-out-of-memory.
func (a *Aggregator) ObservePredict(duration time.Duration, err error) {
	ms := float64(duration.Microseconds()) / 1000

	a.Put(MetricQPS, KindInc, 1)
	a.Put(MetricLatencyAvg, KindAvg, ms)
	a.Put(MetricLatencyMax, KindMax, ms)
	a.Put(MetricLatencyCDF, KindCDF, ms)

	if err != nil {
		a.Put(MetricFailRate, KindAvg, 100)
		if apperror.IsOOM(err) {
			a.Put(MetricGPUOOM, KindInc, 1)
		}
		return
	}
	a.Put(MetricFailRate, KindAvg, 0)
}
