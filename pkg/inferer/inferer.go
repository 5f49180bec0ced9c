// Package inferer implements the model inferer contract and its
// framework variants. No CUDA/libtorch/TensorFlow Go binding is linked
// into this build, so each variant implements the full dispatch and
// lifecycle contract and defers the actual tensor math to an injectable
// execution hook.
package inferer

import (
	"github.com/grps-serving/grps/pkg/apperror"
	"github.com/grps-serving/grps/pkg/reqctx"
	"github.com/grps-serving/grps/pkg/tensor"
)

// Inferer is the polymorphic contract every framework variant implements.
type Inferer interface {
	Init(path, device string, args map[string]any) error
	Load() (bool, error)
	Infer(preOutput *tensor.Bundle, ctx *reqctx.Context) (*tensor.Bundle, error)
	BatchInfer(preOutputBatched *tensor.Bundle, ctxs []*reqctx.Context) (*tensor.Bundle, error)
}

// DtypeValidator optionally restricts which dtypes a framework inferer's
// bundled tensor bridge accepts, e.g. TensorRT's rejected subset.
type DtypeValidator = tensor.DtypeValidator

// InferNeutral is the "no converter" recursive-wrap path:
// when a framework inferer is invoked directly with neutral tensors, it
// runs them through its own bundled bridge before calling Infer.
func InferNeutral(inf Inferer, validate DtypeValidator, tensors []*tensor.GenericTensor, ctx *reqctx.Context) ([]*tensor.GenericTensor, error) {
	if validate != nil {
		for _, t := range tensors {
			if err := validate(t.DType); err != nil {
				return nil, err
			}
		}
	}
	bundle, err := tensor.NeutralToFramework(tensors)
	if err != nil {
		return nil, err
	}
	out, err := inf.Infer(bundle, ctx)
	if err != nil {
		return nil, err
	}
	return tensor.FrameworkToNeutral(out), nil
}

func wrapExecutionError(err error, label string) error {
	if err == nil {
		return nil
	}
	if apperror.IsOOM(err) {
		return apperror.NewOOM(err, label+": execution failed")
	}
	return apperror.Wrap(err, apperror.CodeInternal, label+": execution failed")
}
