package batcher

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/grps-serving/grps/pkg/reqctx"
	"github.com/grps-serving/grps/pkg/wire"
)

// echoRunner records the size of every dispatched batch and echoes each
// input message back to its slot.
type echoRunner struct {
	mu    sync.Mutex
	sizes []int
}

func (r *echoRunner) run(msgs []*wire.GrpsMessage, _ []*reqctx.Context) ([]*wire.GrpsMessage, error) {
	r.mu.Lock()
	r.sizes = append(r.sizes, len(msgs))
	r.mu.Unlock()
	out := make([]*wire.GrpsMessage, len(msgs))
	copy(out, msgs)
	return out, nil
}

func (r *echoRunner) batchSizes() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]int, len(r.sizes))
	copy(out, r.sizes)
	return out
}

func concurrentInfer(t *testing.T, b *Batcher, n int) []*wire.GrpsMessage {
	t.Helper()
	outs := make([]*wire.GrpsMessage, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			outs[i], errs[i] = b.Infer(&wire.GrpsMessage{StrData: fmt.Sprintf("req-%d", i)}, reqctx.New())
		}(i)
	}
	wg.Wait()
	for i, err := range errs {
		require.NoError(t, err, "request %d", i)
	}
	return outs
}

func TestBatchTriggerBySize(t *testing.T) {
	runner := &echoRunner{}
	// A 5 s batch_timeout_us, so only reaching max_batch_size can close
	// the batch quickly.
	b := New(8, 5_000_000, 4, runner.run)
	b.Start()
	defer b.Stop()

	start := time.Now()
	concurrentInfer(t, b, 8)

	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, []int{8}, runner.batchSizes())
}

func TestBatchTriggerByTimeout(t *testing.T) {
	runner := &echoRunner{}
	// Large max_batch_size so only the timeout can close the batch.
	b := New(64, 20_000, 4, runner.run)
	b.Start()
	defer b.Stop()

	start := time.Now()
	out, err := b.Infer(&wire.GrpsMessage{StrData: "lonely"}, reqctx.New())
	require.NoError(t, err)
	assert.Equal(t, "lonely", out.StrData)
	// The single request must not wait much longer than batch_timeout_us.
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, []int{1}, runner.batchSizes())
}

func TestBatchSizesSumAndCap(t *testing.T) {
	runner := &echoRunner{}
	b := New(8, 10_000, 4, runner.run)
	b.Start()
	defer b.Stop()

	concurrentInfer(t, b, 20)

	total := 0
	for _, s := range runner.batchSizes() {
		assert.LessOrEqual(t, s, 8)
		total += s
	}
	assert.Equal(t, 20, total)
}

func TestOutputsMatchInputsInOrder(t *testing.T) {
	runner := &echoRunner{}
	b := New(4, 5_000, 2, runner.run)
	b.Start()
	defer b.Stop()

	outs := concurrentInfer(t, b, 10)
	for i, out := range outs {
		require.NotNil(t, out)
		assert.Equal(t, fmt.Sprintf("req-%d", i), out.StrData)
	}
}

func TestBatchFailureSharedFate(t *testing.T) {
	var calls int
	var mu sync.Mutex
	runner := func(msgs []*wire.GrpsMessage, ctxs []*reqctx.Context) ([]*wire.GrpsMessage, error) {
		mu.Lock()
		calls++
		first := calls == 1
		mu.Unlock()
		if first {
			return nil, fmt.Errorf("converter exploded")
		}
		out := make([]*wire.GrpsMessage, len(msgs))
		copy(out, msgs)
		return out, nil
	}

	b := New(8, 10_000, 2, runner)
	b.Start()
	defer b.Stop()

	// First batch: every request in it fails together.
	n := 4
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = b.Infer(&wire.GrpsMessage{}, reqctx.New())
		}(i)
	}
	wg.Wait()
	for i, err := range errs {
		require.Error(t, err, "request %d must share the batch's fate", i)
		assert.Contains(t, err.Error(), "converter exploded")
	}

	// A failing batch does not stop the batcher: the next one succeeds.
	out, err := b.Infer(&wire.GrpsMessage{StrData: "after"}, reqctx.New())
	require.NoError(t, err)
	assert.Equal(t, "after", out.StrData)
}

func TestPanickingRunnerFailsBatchOnly(t *testing.T) {
	var calls int
	var mu sync.Mutex
	runner := func(msgs []*wire.GrpsMessage, _ []*reqctx.Context) ([]*wire.GrpsMessage, error) {
		mu.Lock()
		calls++
		first := calls == 1
		mu.Unlock()
		if first {
			panic("user code panicked")
		}
		out := make([]*wire.GrpsMessage, len(msgs))
		copy(out, msgs)
		return out, nil
	}

	b := New(2, 1_000, 1, runner)
	b.Start()
	defer b.Stop()

	_, err := b.Infer(&wire.GrpsMessage{}, reqctx.New())
	require.Error(t, err)

	out, err := b.Infer(&wire.GrpsMessage{StrData: "ok"}, reqctx.New())
	require.NoError(t, err)
	assert.Equal(t, "ok", out.StrData)
}

func TestStopUnblocksPendingInfer(t *testing.T) {
	block := make(chan struct{})
	runner := func(msgs []*wire.GrpsMessage, _ []*reqctx.Context) ([]*wire.GrpsMessage, error) {
		<-block
		out := make([]*wire.GrpsMessage, len(msgs))
		copy(out, msgs)
		return out, nil
	}
	b := New(1, 1_000, 1, runner)
	b.Start()

	done := make(chan struct{})
	go func() {
		_, _ = b.Infer(&wire.GrpsMessage{}, reqctx.New())
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	close(block)
	b.Stop()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Infer did not return after Stop")
	}
}

func TestOnBatchObserver(t *testing.T) {
	runner := &echoRunner{}
	b := New(4, 5_000, 2, runner.run)
	var mu sync.Mutex
	var observed []int
	b.OnBatch = func(size int) {
		mu.Lock()
		observed = append(observed, size)
		mu.Unlock()
	}
	b.Start()
	defer b.Stop()

	concurrentInfer(t, b, 6)

	mu.Lock()
	defer mu.Unlock()
	total := 0
	for _, s := range observed {
		total += s
	}
	assert.Equal(t, 6, total)
	assert.Len(t, observed, len(runner.batchSizes()))
}
