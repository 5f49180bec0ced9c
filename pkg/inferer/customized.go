package inferer

import (
	"github.com/grps-serving/grps/pkg/reqctx"
	"github.com/grps-serving/grps/pkg/wire"
)

// UserInferer is the customized inferer_type contract: unlike the three
// framework variants, user code operates on the whole neutral message
// directly, not on a framework-bound tensor.Bundle. Customized models are
// always configured with converter_type none, since user code owns its
// own tensor handling. A factory in the plugin registry produces a fresh
// instance per model entry that references it, so two entries sharing the
// same class keep independent state.
type UserInferer interface {
	Init(path, device string, args map[string]any) error
	Load() (bool, error)
	Infer(req *wire.GrpsMessage, ctx *reqctx.Context) (*wire.GrpsMessage, error)
	BatchInfer(reqs []*wire.GrpsMessage, ctxs []*reqctx.Context) ([]*wire.GrpsMessage, error)
}
