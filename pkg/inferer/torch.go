package inferer

import (
	"sync"

	"github.com/grps-serving/grps/pkg/apperror"
	"github.com/grps-serving/grps/pkg/reqctx"
	"github.com/grps-serving/grps/pkg/tensor"
)

// TorchInvokeFunc runs one forward pass on the target device. It is the
// seam where a real libtorch binding would hook in.
type TorchInvokeFunc func(input *tensor.Bundle, device string) (*tensor.Bundle, error)

// Torch loads a script-module onto a target device. device="original"
// preserves the module's own baked-in device bindings and moves inputs to
// inpDevice before invocation.
type Torch struct {
	mu sync.RWMutex

	path      string
	device    string
	inpDevice string
	loaded    bool

	invoke TorchInvokeFunc
}

func NewTorch(invoke TorchInvokeFunc) *Torch {
	return &Torch{invoke: invoke}
}

func (t *Torch) Init(path, device string, args map[string]any) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.path = path
	t.device = device
	if inp, ok := args["inp_device"].(string); ok {
		t.inpDevice = inp
	}
	return nil
}

func (t *Torch) Load() (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.path == "" {
		return false, apperror.NewCritical(apperror.CodeModelLoad, "torch: empty inferer_path")
	}
	t.loaded = true
	return true, nil
}

func (t *Torch) targetDevice() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.device == "original" && t.inpDevice != "" && t.inpDevice != "original" {
		return t.inpDevice
	}
	return t.device
}

func (t *Torch) isLoaded() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.loaded
}

func (t *Torch) Infer(pre *tensor.Bundle, ctx *reqctx.Context) (*tensor.Bundle, error) {
	if !t.isLoaded() {
		return nil, apperror.New(apperror.CodeUnavailable, "torch: model not loaded")
	}
	if t.invoke == nil {
		return nil, apperror.New(apperror.CodeInternal, "torch: no invoke hook configured")
	}
	out, err := t.invoke(pre, t.targetDevice())
	if err != nil {
		return nil, wrapExecutionError(err, "torch")
	}
	return out, nil
}

// BatchInfer runs the same forward pass: the batch dimension is already
// folded into pre's leading axis by the batch-preprocess step.
func (t *Torch) BatchInfer(pre *tensor.Bundle, ctxs []*reqctx.Context) (*tensor.Bundle, error) {
	return t.Infer(pre, nil)
}
