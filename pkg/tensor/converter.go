package tensor

// Converter is the bridge contract the executor and batcher drive: map a
// request's neutral tensors to a framework-bound Bundle and back, single
// and batched. A "none" converter_type model has no Converter of its own:
// a customized inferer receives the messages directly, and a framework
// inferer goes through its bundled bridge (a StandardConverter for a batch).
type Converter interface {
	Preprocess(tensors []*GenericTensor, ctx BatchContext) (*Bundle, error)
	Postprocess(out *Bundle) ([]*GenericTensor, error)
	BatchPreprocess(perRequest [][]*GenericTensor, ctxs []BatchContext) (*Bundle, error)
	BatchPostprocess(out *Bundle, sizes []int) ([][]*GenericTensor, error)
}

// StandardConverter is the torch/tensorflow/tensorrt converter_type: a
// thin wrapper over NeutralToFramework/FrameworkToNeutral with an
// optional per-framework dtype restriction (TensorRT's rejected subset).
type StandardConverter struct {
	Validate DtypeValidator
}

func NewStandardConverter(validate DtypeValidator) *StandardConverter {
	return &StandardConverter{Validate: validate}
}

func (c *StandardConverter) validateAll(tensors []*GenericTensor) error {
	if c.Validate == nil {
		return nil
	}
	for _, t := range tensors {
		if err := c.Validate(t.DType); err != nil {
			return err
		}
	}
	return nil
}

func (c *StandardConverter) Preprocess(tensors []*GenericTensor, _ BatchContext) (*Bundle, error) {
	if err := c.validateAll(tensors); err != nil {
		return nil, err
	}
	return NeutralToFramework(tensors)
}

func (c *StandardConverter) Postprocess(out *Bundle) ([]*GenericTensor, error) {
	return FrameworkToNeutral(out), nil
}

func (c *StandardConverter) BatchPreprocess(perRequest [][]*GenericTensor, ctxs []BatchContext) (*Bundle, error) {
	requests := make([]Request, len(perRequest))
	for i, tensors := range perRequest {
		if err := c.validateAll(tensors); err != nil {
			return nil, err
		}
		bundle, err := NeutralToFramework(tensors)
		if err != nil {
			return nil, err
		}
		requests[i] = Request{Tensors: bundle, Ctx: ctxs[i]}
	}
	return BatchPreprocess(requests)
}

func (c *StandardConverter) BatchPostprocess(out *Bundle, sizes []int) ([][]*GenericTensor, error) {
	bundles, err := BatchPostprocess(out, sizes)
	if err != nil {
		return nil, err
	}
	perRequest := make([][]*GenericTensor, len(bundles))
	for i, b := range bundles {
		perRequest[i] = FrameworkToNeutral(b)
	}
	return perRequest, nil
}
