// Package executor owns the pipeline graph and routes
// one request through its nodes, delegating each model node to its
// batcher (if dynamic batching is configured), its bundled no-converter
// tensor bridge, or its converter's preprocess/infer/postprocess
// discipline.
package executor

import (
	"github.com/grps-serving/grps/pkg/apperror"
	"github.com/grps-serving/grps/pkg/batcher"
	"github.com/grps-serving/grps/pkg/config"
	"github.com/grps-serving/grps/pkg/inferer"
	"github.com/grps-serving/grps/pkg/plugin"
	"github.com/grps-serving/grps/pkg/reqctx"
	"github.com/grps-serving/grps/pkg/tensor"
	"github.com/grps-serving/grps/pkg/wire"
)

// ModelEntry is one loaded model: its inferer (framework or customized),
// its optional converter, and its optional dynamic batcher.
type ModelEntry struct {
	Key string

	Converter        tensor.Converter
	FrameworkInferer inferer.Inferer
	UserInferer      inferer.UserInferer
	ValidateDtype    tensor.DtypeValidator
	Batcher          *batcher.Batcher
}

// Process runs this model's node discipline for one request: delegate to
// the batcher if installed, otherwise run the single-request path
// directly.
func (m *ModelEntry) Process(msg *wire.GrpsMessage, ctx *reqctx.Context) (*wire.GrpsMessage, error) {
	if m.Batcher != nil {
		return m.Batcher.Infer(msg, ctx)
	}
	return m.processOne(msg, ctx)
}

func ctxErr(ctx *reqctx.Context) error {
	return apperror.New(apperror.CodeInternal, ctx.ErrMsg())
}

func (m *ModelEntry) processOne(msg *wire.GrpsMessage, ctx *reqctx.Context) (*wire.GrpsMessage, error) {
	if m.Converter == nil {
		if m.UserInferer != nil {
			out, err := m.UserInferer.Infer(msg, ctx)
			if err != nil {
				return nil, err
			}
			if ctx.HasErr() {
				return nil, ctxErr(ctx)
			}
			return out, nil
		}
		outTensors, err := inferer.InferNeutral(m.FrameworkInferer, m.ValidateDtype, msg.Tensors(), ctx)
		if err != nil {
			return nil, err
		}
		if ctx.HasErr() {
			return nil, ctxErr(ctx)
		}
		return msg.WithTensors(outTensors), nil
	}

	bundle, err := m.Converter.Preprocess(msg.Tensors(), ctx)
	if err != nil {
		return nil, err
	}
	if ctx.HasErr() {
		return nil, ctxErr(ctx)
	}

	outBundle, err := m.FrameworkInferer.Infer(bundle, ctx)
	if err != nil {
		return nil, err
	}
	if ctx.HasErr() {
		return nil, ctxErr(ctx)
	}

	outTensors, err := m.Converter.Postprocess(outBundle)
	if err != nil {
		return nil, err
	}
	return msg.WithTensors(outTensors), nil
}

// batchRun is the batcher.Runner this entry installs on its Batcher: it
// implements the batch worker loop (batch_preprocess -> batch_infer ->
// batch_postprocess, or a bare batch_infer call for a customized
// inferer). A framework inferer without a converter goes through a
// StandardConverter, its bundled bridge.
func (m *ModelEntry) batchRun(msgs []*wire.GrpsMessage, ctxs []*reqctx.Context) ([]*wire.GrpsMessage, error) {
	if m.Converter == nil && m.UserInferer != nil {
		return m.UserInferer.BatchInfer(msgs, ctxs)
	}

	bc := make([]tensor.BatchContext, len(ctxs))
	for i, c := range ctxs {
		bc[i] = c
	}
	perReq := make([][]*tensor.GenericTensor, len(msgs))
	for i, msg := range msgs {
		perReq[i] = msg.Tensors()
	}

	converter := m.Converter
	if converter == nil {
		converter = tensor.NewStandardConverter(m.ValidateDtype)
	}

	bundle, err := converter.BatchPreprocess(perReq, bc)
	if err != nil {
		return nil, err
	}
	if err := firstCtxErr(ctxs); err != nil {
		return nil, err
	}

	out, err := m.FrameworkInferer.BatchInfer(bundle, ctxs)
	if err != nil {
		return nil, err
	}
	if err := firstCtxErr(ctxs); err != nil {
		return nil, err
	}

	perOut, err := converter.BatchPostprocess(out, batchSizes(ctxs))
	if err != nil {
		return nil, err
	}

	outMsgs := make([]*wire.GrpsMessage, len(msgs))
	for i, msg := range msgs {
		outMsgs[i] = msg.WithTensors(perOut[i])
	}
	return outMsgs, nil
}

func firstCtxErr(ctxs []*reqctx.Context) error {
	for _, c := range ctxs {
		if c.HasErr() {
			return ctxErr(c)
		}
	}
	return nil
}

// batchSizes reads back the leading-dimension batch size BatchPreprocess
// recorded under the "batch_size" user_data key,
// defaulting to 1 for a request that never went through tensor
// batching (e.g. a customized model that ignored tensors entirely).
func batchSizes(ctxs []*reqctx.Context) []int {
	sizes := make([]int, len(ctxs))
	for i, c := range ctxs {
		if v, ok := c.GetUserData("batch_size"); ok {
			if n, ok := v.(int); ok {
				sizes[i] = n
				continue
			}
		}
		sizes[i] = 1
	}
	return sizes
}

// Executor owns the read-only model map and the sequential pipeline
// built at bootstrap.
type Executor struct {
	models   map[string]*ModelEntry
	pipeline []string
}

// Infer walks the pipeline nodes in declared order, short-circuiting on
// the first node that errors. It always terminates this request's RPC
// streaming generator on exit, guaranteeing the RPC handler observes a
// terminator frame even if the pipeline never started streaming.
func (e *Executor) Infer(req *wire.GrpsMessage, ctx *reqctx.Context) (*wire.GrpsMessage, error) {
	defer ctx.StopRPCStreamingGenerator()

	msg := req
	for _, key := range e.pipeline {
		entry, ok := e.models[key]
		if !ok {
			return nil, apperror.New(apperror.CodeInternal, "pipeline node references unknown model").WithField(key)
		}
		out, err := entry.Process(msg, ctx)
		if err != nil {
			return nil, err
		}
		msg = out
	}
	return msg, nil
}

// InferWithModelName is the pipeline-bypass single-model path the `model`
// request field selects.
func (e *Executor) InferWithModelName(name string, req *wire.GrpsMessage, ctx *reqctx.Context) (*wire.GrpsMessage, error) {
	defer ctx.StopRPCStreamingGenerator()

	entry, ok := e.models[name]
	if !ok {
		return nil, apperror.New(apperror.CodeNotFound, "model not found").WithField(name)
	}
	return entry.Process(req, ctx)
}

// Model looks up one loaded model by key, for /metadata/model.
func (e *Executor) Model(name string) (*ModelEntry, bool) {
	m, ok := e.models[name]
	return m, ok
}

// Stop drains every installed batcher's scheduler and worker pool.
func (e *Executor) Stop() {
	for _, m := range e.models {
		if m.Batcher != nil {
			m.Batcher.Stop()
		}
	}
}

// Hooks injects the seams a real deployment binds to framework bindings
// this build carries none of: the invoke
// functions Torch/TensorFlow/TensorRT inferers call, and the customized
// plugin registry.
type Hooks struct {
	Registry   *plugin.Registry
	TorchInvoke      inferer.TorchInvokeFunc
	TensorFlowInvoke inferer.TensorFlowInvokeFunc
	TensorRTEngine   inferer.TensorRTEngineFunc

	// MaxConcurrency sizes each model's dynamic-batcher worker pool,
	// matching the server's max_concurrency.
	MaxConcurrency int

	// OnBatch observes a dispatched batch's size, keyed by model.
	OnBatch func(modelKey string, size int)
}

func dtypeValidatorFor(t config.InfererType) tensor.DtypeValidator {
	if t == config.InfererTensorRT {
		return tensor.ValidateTensorRTDtype
	}
	return nil
}

func trtStreams(args map[string]any) int {
	switch v := args["streams"].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return 1
	}
}

// Build constructs an Executor from the inference config: it loads every
// model (framework or customized, per mc.InfererType), installs its
// converter and dynamic batcher, and compiles the sequential pipeline.
// Any load failure is fatal: bootstrap aborts before a socket opens.
func Build(cfg *config.InferenceConfig, hooks Hooks) (*Executor, error) {
	models := make(map[string]*ModelEntry, len(cfg.Models))

	for _, mc := range cfg.Models {
		entry := &ModelEntry{Key: mc.Key()}

		if err := buildInferer(entry, mc, hooks); err != nil {
			return nil, err
		}
		if err := buildConverter(entry, mc, hooks); err != nil {
			return nil, err
		}
		if mc.HasDynamicBatching() {
			b := batcher.New(mc.Batching.MaxBatchSize, mc.Batching.BatchTimeoutUs, hooks.MaxConcurrency, entry.batchRun)
			if hooks.OnBatch != nil {
				key := mc.Key()
				b.OnBatch = func(size int) { hooks.OnBatch(key, size) }
			}
			b.Start()
			entry.Batcher = b
		}

		models[mc.Key()] = entry
	}

	pipeline := make([]string, len(cfg.Pipeline.Nodes))
	for i, n := range cfg.Pipeline.Nodes {
		pipeline[i] = n.Model
	}

	return &Executor{models: models, pipeline: pipeline}, nil
}

func buildInferer(entry *ModelEntry, mc config.ModelConfig, hooks Hooks) error {
	if mc.InfererType == config.InfererCustomized {
		if hooks.Registry == nil {
			return apperror.NewCritical(apperror.CodeConfig, "customized inferer requires a plugin registry").WithField(mc.Key())
		}
		ui, err := hooks.Registry.NewInferer(mc.InfererName)
		if err != nil {
			return err
		}
		if err := ui.Init(mc.InfererPath, mc.Device, mc.InfererArgs); err != nil {
			return apperror.Wrap(err, apperror.CodeModelLoad, "customized inferer init failed").WithField(mc.Key())
		}
		ok, err := ui.Load()
		if err != nil {
			return apperror.Wrap(err, apperror.CodeModelLoad, "customized inferer failed to load").WithField(mc.Key())
		}
		if !ok {
			return apperror.NewCritical(apperror.CodeModelLoad, "customized inferer failed to load").WithField(mc.Key())
		}
		entry.UserInferer = ui
		return nil
	}

	args := mc.InfererArgs
	var fi inferer.Inferer
	switch mc.InfererType {
	case config.InfererTorch:
		fi = inferer.NewTorch(hooks.TorchInvoke)
		if mc.InpDevice != "" {
			merged := make(map[string]any, len(args)+1)
			for k, v := range args {
				merged[k] = v
			}
			merged["inp_device"] = mc.InpDevice
			args = merged
		}
	case config.InfererTensorFlow:
		fi = inferer.NewTensorFlow(hooks.TensorFlowInvoke)
	case config.InfererTensorRT:
		fi = inferer.NewTensorRT(trtStreams(mc.InfererArgs), hooks.TensorRTEngine)
	default:
		return apperror.NewCritical(apperror.CodeConfig, "unsupported inferer_type").WithField(mc.Key())
	}

	if err := fi.Init(mc.InfererPath, mc.Device, args); err != nil {
		return apperror.Wrap(err, apperror.CodeModelLoad, "inferer init failed").WithField(mc.Key())
	}
	ok, err := fi.Load()
	if err != nil {
		return apperror.Wrap(err, apperror.CodeModelLoad, "inferer failed to load").WithField(mc.Key())
	}
	if !ok {
		return apperror.NewCritical(apperror.CodeModelLoad, "inferer failed to load").WithField(mc.Key())
	}

	entry.FrameworkInferer = fi
	entry.ValidateDtype = dtypeValidatorFor(mc.InfererType)
	return nil
}

func buildConverter(entry *ModelEntry, mc config.ModelConfig, hooks Hooks) error {
	switch mc.ConverterType {
	case config.ConverterNone, "":
		return nil
	case config.InfererCustomized:
		if hooks.Registry == nil {
			return apperror.NewCritical(apperror.CodeConfig, "customized converter requires a plugin registry").WithField(mc.Key())
		}
		cv, err := hooks.Registry.NewConverter(mc.ConverterName)
		if err != nil {
			return err
		}
		entry.Converter = cv
		return nil
	case config.InfererTorch, config.InfererTensorFlow, config.InfererTensorRT:
		entry.Converter = tensor.NewStandardConverter(dtypeValidatorFor(mc.ConverterType))
		return nil
	default:
		return apperror.NewCritical(apperror.CodeConfig, "unsupported converter_type").WithField(mc.Key())
	}
}
