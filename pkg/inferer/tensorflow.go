package inferer

import (
	"sync"

	"github.com/grps-serving/grps/pkg/apperror"
	"github.com/grps-serving/grps/pkg/reqctx"
	"github.com/grps-serving/grps/pkg/tensor"
)

// TensorFlowInvokeFunc runs one forward pass of a loaded SavedModel in its
// device scope.
type TensorFlowInvokeFunc func(input *tensor.Bundle, device string) (*tensor.Bundle, error)

// TensorFlow loads a SavedModel into a device scope; its invoke hook
// receives the whole input bundle together with the configured device.
type TensorFlow struct {
	mu     sync.RWMutex
	path   string
	device string
	loaded bool
	invoke TensorFlowInvokeFunc
}

func NewTensorFlow(invoke TensorFlowInvokeFunc) *TensorFlow {
	return &TensorFlow{invoke: invoke}
}

func (tf *TensorFlow) Init(path, device string, args map[string]any) error {
	tf.mu.Lock()
	defer tf.mu.Unlock()
	tf.path = path
	tf.device = device
	return nil
}

func (tf *TensorFlow) Load() (bool, error) {
	tf.mu.Lock()
	defer tf.mu.Unlock()
	if tf.path == "" {
		return false, apperror.NewCritical(apperror.CodeModelLoad, "tensorflow: empty inferer_path")
	}
	tf.loaded = true
	return true, nil
}

func (tf *TensorFlow) isLoaded() bool {
	tf.mu.RLock()
	defer tf.mu.RUnlock()
	return tf.loaded
}

func (tf *TensorFlow) Infer(pre *tensor.Bundle, ctx *reqctx.Context) (*tensor.Bundle, error) {
	if !tf.isLoaded() {
		return nil, apperror.New(apperror.CodeUnavailable, "tensorflow: model not loaded")
	}
	if tf.invoke == nil {
		return nil, apperror.New(apperror.CodeInternal, "tensorflow: no invoke hook configured")
	}
	out, err := tf.invoke(pre, tf.device)
	if err != nil {
		return nil, wrapExecutionError(err, "tensorflow")
	}
	return out, nil
}

func (tf *TensorFlow) BatchInfer(pre *tensor.Bundle, ctxs []*reqctx.Context) (*tensor.Bundle, error) {
	return tf.Infer(pre, nil)
}
