// Package batcher implements the dynamic batcher: a single-producer
// many-consumer queue that coalesces concurrent single-item requests into
// batch invocations, timeout-or-size driven.
package batcher

import (
	"sync"
	"time"

	"github.com/grps-serving/grps/pkg/apperror"
	"github.com/grps-serving/grps/pkg/reqctx"
	"github.com/grps-serving/grps/pkg/wire"
)

// Runner executes one assembled batch: converter.batch_preprocess ->
// inferer.batch_infer -> converter.batch_postprocess in converter mode,
// or, for a customized inferer, a bare inferer.batch_infer call over the
// raw message list. It returns one output message
// per input, in the same order, or an error that fails the whole batch.
type Runner func(msgs []*wire.GrpsMessage, ctxs []*reqctx.Context) ([]*wire.GrpsMessage, error)

type task struct {
	msg *wire.GrpsMessage
	ctx *reqctx.Context
	out *wire.GrpsMessage
}

// Batcher owns one task queue, one scheduler goroutine and a worker pool
// for a single batched model.
type Batcher struct {
	mu      sync.Mutex
	cond    *sync.Cond
	queue   []*task
	stopped bool
	stopCh  chan struct{}
	doneCh  chan struct{}

	maxBatchSize int
	timeout      time.Duration

	sem    chan struct{}
	wg     sync.WaitGroup
	runner Runner

	// OnBatch, if set, observes each dispatched batch's size (wired to
	// the Prometheus batch-size histogram by the executor).
	OnBatch func(size int)
}

// New builds a Batcher for one model. workerPoolSize bounds how many
// batches of this model run their inferer concurrently, sized by the
// server's max_concurrency.
func New(maxBatchSize int, timeoutUs int, workerPoolSize int, runner Runner) *Batcher {
	if maxBatchSize < 1 {
		maxBatchSize = 1
	}
	if workerPoolSize < 1 {
		workerPoolSize = 1
	}
	b := &Batcher{
		maxBatchSize: maxBatchSize,
		timeout:      time.Duration(timeoutUs) * time.Microsecond,
		sem:          make(chan struct{}, workerPoolSize),
		runner:       runner,
		stopCh:       make(chan struct{}),
		doneCh:       make(chan struct{}),
	}
	b.cond = sync.NewCond(&b.mu)
	return b
}

// Start launches the scheduler goroutine.
func (b *Batcher) Start() {
	go b.schedulerLoop()
}

// Stop signals the scheduler to exit once its current batch assembly
// finishes; pending Infer callers unblock via their futures, seeing
// whatever error the context carries. Stop blocks until every
// in-flight worker goroutine has returned.
func (b *Batcher) Stop() {
	b.mu.Lock()
	b.stopped = true
	b.mu.Unlock()
	b.cond.Broadcast()
	<-b.doneCh
	b.wg.Wait()
}

// Infer is the caller side: install a completion future on ctx,
// enqueue the task, signal the scheduler, and block until the batch
// containing this request completes.
func (b *Batcher) Infer(msg *wire.GrpsMessage, ctx *reqctx.Context) (*wire.GrpsMessage, error) {
	future := reqctx.NewFuture()
	ctx.SetFuture(future)

	t := &task{msg: msg, ctx: ctx}
	b.mu.Lock()
	b.queue = append(b.queue, t)
	b.mu.Unlock()
	b.cond.Signal()

	future.Wait()

	if ctx.HasErr() {
		return nil, apperror.New(apperror.CodeInternal, ctx.ErrMsg())
	}
	return t.out, nil
}

// drainUpTo removes and returns up to n queued tasks. Caller must hold mu.
func (b *Batcher) drainUpTo(n int) []*task {
	if n > len(b.queue) {
		n = len(b.queue)
	}
	batch := b.queue[:n]
	b.queue = b.queue[n:]
	return batch
}

func (b *Batcher) schedulerLoop() {
	defer close(b.doneCh)
	for {
		b.mu.Lock()
		for len(b.queue) == 0 && !b.stopped {
			b.cond.Wait()
		}
		if len(b.queue) == 0 && b.stopped {
			b.mu.Unlock()
			return
		}
		batch := b.drainUpTo(b.maxBatchSize)
		b.mu.Unlock()

		if len(batch) < b.maxBatchSize && b.timeout > 0 {
			batch = b.fillUntilDeadline(batch)
		}

		if len(batch) == 0 {
			continue
		}
		b.dispatch(batch)
	}
}

// fillUntilDeadline fills a short batch up to the deadline: the deadline
// is computed once on entry; a timer wakes the condition variable at
// that instant so a short-arriving batch never blocks the scheduler past
// T microseconds even when nothing new shows up.
func (b *Batcher) fillUntilDeadline(batch []*task) []*task {
	deadline := time.Now().Add(b.timeout)
	timer := time.AfterFunc(b.timeout, func() {
		b.mu.Lock()
		b.cond.Broadcast()
		b.mu.Unlock()
	})
	defer timer.Stop()

	b.mu.Lock()
	defer b.mu.Unlock()
	for len(batch) < b.maxBatchSize {
		for len(b.queue) == 0 && !b.stopped && time.Now().Before(deadline) {
			b.cond.Wait()
		}
		if len(b.queue) > 0 {
			batch = append(batch, b.drainUpTo(b.maxBatchSize-len(batch))...)
			continue
		}
		break
	}
	return batch
}

func (b *Batcher) dispatch(batch []*task) {
	if b.OnBatch != nil {
		b.OnBatch(len(batch))
	}
	b.sem <- struct{}{}
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		defer func() { <-b.sem }()
		b.runBatch(batch)
	}()
}

func (b *Batcher) runBatch(batch []*task) {
	msgs := make([]*wire.GrpsMessage, len(batch))
	ctxs := make([]*reqctx.Context, len(batch))
	for i, t := range batch {
		msgs[i] = t.msg
		ctxs[i] = t.ctx
	}

	out, err := runSafely(b.runner, msgs, ctxs)
	if err != nil {
		for _, t := range batch {
			t.ctx.SetErrMsg(err.Error())
			t.ctx.NotifyFuture()
		}
		return
	}
	if len(out) != len(batch) {
		for _, t := range batch {
			t.ctx.SetErrMsg("batch runner returned a mismatched output count")
			t.ctx.NotifyFuture()
		}
		return
	}
	for i, t := range batch {
		t.out = out[i]
		t.ctx.NotifyFuture()
	}
}

// runSafely recovers a panicking runner so the panic fails only its own
// batch instead of crashing the worker goroutine, and with it the process:
// one bad request fails the whole batch, never the process.
func runSafely(run Runner, msgs []*wire.GrpsMessage, ctxs []*reqctx.Context) (out []*wire.GrpsMessage, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = apperror.New(apperror.CodeInternal, "batch runner panicked").WithDetails("recover", r)
		}
	}()
	return run(msgs, ctxs)
}
