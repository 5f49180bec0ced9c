package inferer

import (
	"sync"
	"sync/atomic"

	"github.com/grps-serving/grps/pkg/apperror"
	"github.com/grps-serving/grps/pkg/reqctx"
	"github.com/grps-serving/grps/pkg/tensor"
)

// TensorRTEngineFunc performs one worker's H2D copy -> execute_async_v2 ->
// D2H copy -> stream synchronize cycle against its bound device. It is the
// seam where a real TensorRT/CUDA binding would hook in; the dispatch,
// pooling and round-robin submission logic around it is real.
type TensorRTEngineFunc func(input *tensor.Bundle, device string) (*tensor.Bundle, error)

type trtJob struct {
	input  *tensor.Bundle
	result chan trtResult
}

type trtResult struct {
	out *tensor.Bundle
	err error
}

// trtWorker owns one CUDA-stream-equivalent job queue; device buffers
// inside engine grow on demand and are never shrunk.
type trtWorker struct {
	jobs   chan *trtJob
	device string
	engine TensorRTEngineFunc
}

func (w *trtWorker) run() {
	for job := range w.jobs {
		out, err := w.engine(job.input, w.device)
		job.result <- trtResult{out: out, err: err}
	}
}

// TensorRT owns a pool of N execution workers, one per requested CUDA
// stream, and dispatches requests round-robin across their queues under a
// submission lock.
type TensorRT struct {
	submitMu sync.Mutex
	next     atomic.Uint64

	device  string
	path    string
	loaded  bool
	workers []*trtWorker
	engine  TensorRTEngineFunc

	numStreams int
}

// NewTensorRT builds a pool of numStreams workers, each executing the
// given engine hook sequentially against its own stream.
func NewTensorRT(numStreams int, engine TensorRTEngineFunc) *TensorRT {
	if numStreams < 1 {
		numStreams = 1
	}
	return &TensorRT{numStreams: numStreams, engine: engine}
}

func (t *TensorRT) Init(path, device string, args map[string]any) error {
	t.path = path
	t.device = device
	t.workers = make([]*trtWorker, t.numStreams)
	for i := range t.workers {
		w := &trtWorker{jobs: make(chan *trtJob, 1), device: device, engine: t.engine}
		t.workers[i] = w
		go w.run()
	}
	return nil
}

func (t *TensorRT) Load() (bool, error) {
	if t.path == "" {
		return false, apperror.NewCritical(apperror.CodeModelLoad, "tensorrt: empty inferer_path")
	}
	if len(t.workers) == 0 {
		return false, apperror.NewCritical(apperror.CodeModelLoad, "tensorrt: Init was never called")
	}
	t.loaded = true
	return true, nil
}

// pickWorker dispatches round-robin under the submission lock.
func (t *TensorRT) pickWorker() *trtWorker {
	t.submitMu.Lock()
	defer t.submitMu.Unlock()
	idx := t.next.Add(1) - 1
	return t.workers[idx%uint64(len(t.workers))]
}

func (t *TensorRT) Infer(pre *tensor.Bundle, ctx *reqctx.Context) (*tensor.Bundle, error) {
	if !t.loaded {
		return nil, apperror.New(apperror.CodeUnavailable, "tensorrt: model not loaded")
	}
	if t.engine == nil {
		return nil, apperror.New(apperror.CodeInternal, "tensorrt: no engine hook configured")
	}

	worker := t.pickWorker()
	job := &trtJob{input: pre, result: make(chan trtResult, 1)}
	worker.jobs <- job
	res := <-job.result
	if res.err != nil {
		return nil, wrapExecutionError(res.err, "tensorrt")
	}
	return res.out, nil
}

func (t *TensorRT) BatchInfer(pre *tensor.Bundle, ctxs []*reqctx.Context) (*tensor.Bundle, error) {
	return t.Infer(pre, nil)
}

// ValidateDtype rejects the dtype subset TensorRT bindings do not support.
func (t *TensorRT) ValidateDtype(dtype tensor.DType) error {
	return tensor.ValidateTensorRTDtype(dtype)
}
