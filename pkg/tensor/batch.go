package tensor

import (
	"github.com/grps-serving/grps/pkg/apperror"
)

// BatchContext is the minimal surface batch preprocessing needs from a
// request context: somewhere to record the leading-dimension batch size
// under the "batch_size" user_data key.
type BatchContext interface {
	SetUserData(key string, value any)
}

// Request is one request's tensor set, keyed the same way across a batch
// (either all named, via Bundle.Named, or all ordered via Bundle.Ordered).
type Request struct {
	Tensors *Bundle
	Ctx     BatchContext
}

// BatchPreprocess asserts every request in the batch contributes tensors
// with the same names, dtypes, rank and shape[1:] as the first request,
// records each request's batch_size, and concatenates along axis 0.
func BatchPreprocess(requests []Request) (*Bundle, error) {
	if len(requests) == 0 {
		return &Bundle{}, nil
	}

	first := requests[0].Tensors
	if first.IsNamed() {
		return batchPreprocessNamed(requests)
	}
	return batchPreprocessOrdered(requests)
}

func batchPreprocessOrdered(requests []Request) (*Bundle, error) {
	n := len(requests[0].Tensors.Ordered)
	groups := make([][]*GenericTensor, n)
	for i := range groups {
		groups[i] = make([]*GenericTensor, 0, len(requests))
	}

	for _, r := range requests {
		if len(r.Tensors.Ordered) != n {
			return nil, apperror.New(apperror.CodeBadRequest, "batch requests carry a differing tensor count")
		}
		var batchSize int
		for i, t := range r.Tensors.Ordered {
			if err := checkCompatible(requests[0].Tensors.Ordered[i], t); err != nil {
				return nil, err
			}
			groups[i] = append(groups[i], t)
			if i == 0 {
				batchSize = leadingDim(t)
			}
		}
		r.Ctx.SetUserData("batch_size", batchSize)
	}

	out := make([]*GenericTensor, n)
	for i, group := range groups {
		merged, err := concatTensors(group)
		if err != nil {
			return nil, err
		}
		out[i] = merged
	}
	return &Bundle{Ordered: out}, nil
}

func batchPreprocessNamed(requests []Request) (*Bundle, error) {
	names := make([]string, 0, len(requests[0].Tensors.Named))
	for name := range requests[0].Tensors.Named {
		names = append(names, name)
	}

	groups := make(map[string][]*GenericTensor, len(names))
	for _, name := range names {
		groups[name] = make([]*GenericTensor, 0, len(requests))
	}

	for _, r := range requests {
		var batchSize int
		for i, name := range names {
			t, ok := r.Tensors.Named[name]
			if !ok {
				return nil, apperror.New(apperror.CodeBadRequest, "batch request missing tensor").WithField(name)
			}
			if err := checkCompatible(requests[0].Tensors.Named[name], t); err != nil {
				return nil, err
			}
			groups[name] = append(groups[name], t)
			if i == 0 {
				batchSize = leadingDim(t)
			}
		}
		r.Ctx.SetUserData("batch_size", batchSize)
	}

	out := make(map[string]*GenericTensor, len(names))
	for _, name := range names {
		merged, err := concatTensors(groups[name])
		if err != nil {
			return nil, err
		}
		out[name] = merged
	}
	return &Bundle{Named: out}, nil
}

func leadingDim(t *GenericTensor) int {
	if len(t.Shape) == 0 {
		return 1
	}
	return int(t.Shape[0])
}

// checkCompatible asserts ref and t share name, dtype, rank and shape[1:].
func checkCompatible(ref, t *GenericTensor) error {
	if ref.Name != t.Name {
		return apperror.New(apperror.CodeBadRequest, "batch requests disagree on tensor name").
			WithDetails("want", ref.Name).WithDetails("got", t.Name)
	}
	if ref.DType != t.DType {
		return apperror.New(apperror.CodeBadRequest, "batch requests disagree on tensor dtype").WithField(ref.Name)
	}
	if len(ref.Shape) != len(t.Shape) {
		return apperror.New(apperror.CodeBadRequest, "batch requests disagree on tensor rank").WithField(ref.Name)
	}
	for i := 1; i < len(ref.Shape); i++ {
		if ref.Shape[i] != t.Shape[i] {
			return apperror.New(apperror.CodeBadRequest, "batch requests disagree on tensor shape[1:]").WithField(ref.Name)
		}
	}
	return nil
}

func concatSlice[T any](parts [][]T) []T {
	total := 0
	for _, p := range parts {
		total += len(p)
	}
	out := make([]T, 0, total)
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

func splitSlice[T any](flat []T, rowLen int, sizes []int) [][]T {
	out := make([][]T, len(sizes))
	offset := 0
	for i, n := range sizes {
		length := n * rowLen
		out[i] = flat[offset : offset+length]
		offset += length
	}
	return out
}

// concatTensors merges a group of shape/dtype-compatible tensors along
// axis 0.
func concatTensors(group []*GenericTensor) (*GenericTensor, error) {
	first := group[0]
	shape := append([]int32(nil), first.Shape...)
	var total int32
	for _, t := range group {
		total += leadingDimInt32(t)
	}
	if len(shape) > 0 {
		shape[0] = total
	}

	out := &GenericTensor{Name: first.Name, DType: first.DType, Shape: shape}
	switch first.DType {
	case DTUint8:
		out.FlatUint8 = concatSlice(collect(group, func(t *GenericTensor) []uint8 { return t.FlatUint8 }))
	case DTInt8:
		out.FlatInt8 = concatSlice(collect(group, func(t *GenericTensor) []int8 { return t.FlatInt8 }))
	case DTInt16:
		out.FlatInt16 = concatSlice(collect(group, func(t *GenericTensor) []int16 { return t.FlatInt16 }))
	case DTInt32:
		out.FlatInt32 = concatSlice(collect(group, func(t *GenericTensor) []int32 { return t.FlatInt32 }))
	case DTInt64:
		out.FlatInt64 = concatSlice(collect(group, func(t *GenericTensor) []int64 { return t.FlatInt64 }))
	case DTFloat16:
		out.FlatFloat16 = concatSlice(collect(group, func(t *GenericTensor) []uint16 { return t.FlatFloat16 }))
	case DTFloat32:
		out.FlatFloat32 = concatSlice(collect(group, func(t *GenericTensor) []float32 { return t.FlatFloat32 }))
	case DTFloat64:
		out.FlatFloat64 = concatSlice(collect(group, func(t *GenericTensor) []float64 { return t.FlatFloat64 }))
	case DTString:
		out.FlatString = concatSlice(collect(group, func(t *GenericTensor) []string { return t.FlatString }))
	default:
		return nil, apperror.New(apperror.CodeBadRequest, "unsupported dtype").WithDetails("dtype", string(first.DType))
	}
	return out, nil
}

func collect[T any](group []*GenericTensor, get func(*GenericTensor) []T) [][]T {
	out := make([][]T, len(group))
	for i, t := range group {
		out[i] = get(t)
	}
	return out
}

func leadingDimInt32(t *GenericTensor) int32 {
	if len(t.Shape) == 0 {
		return 1
	}
	return t.Shape[0]
}

// BatchPostprocess splits a concatenated output tensor set along axis 0
// using the batch sizes BatchPreprocess recorded, emitting one neutral
// response per context in input order.
func BatchPostprocess(output *Bundle, sizes []int) ([]*Bundle, error) {
	n := len(sizes)
	out := make([]*Bundle, n)

	if output.IsNamed() {
		perRequestMaps := make([]map[string]*GenericTensor, n)
		for i := range perRequestMaps {
			perRequestMaps[i] = make(map[string]*GenericTensor, len(output.Named))
		}
		for name, t := range output.Named {
			split, rowLen, err := splitTensor(t, sizes)
			if err != nil {
				return nil, err
			}
			for i, piece := range split {
				piece.Name = name
				perRequestMaps[i][name] = piece
			}
			_ = rowLen
		}
		for i := range out {
			out[i] = &Bundle{Named: perRequestMaps[i]}
		}
		return out, nil
	}

	perRequestOrdered := make([][]*GenericTensor, n)
	for i := range perRequestOrdered {
		perRequestOrdered[i] = make([]*GenericTensor, len(output.Ordered))
	}
	for pos, t := range output.Ordered {
		split, _, err := splitTensor(t, sizes)
		if err != nil {
			return nil, err
		}
		for i, piece := range split {
			perRequestOrdered[i][pos] = piece
		}
	}
	for i := range out {
		out[i] = &Bundle{Ordered: perRequestOrdered[i]}
	}
	return out, nil
}

func splitTensor(t *GenericTensor, sizes []int) ([]*GenericTensor, int, error) {
	rowLen := 1
	for _, s := range t.Shape[1:] {
		rowLen *= int(s)
	}

	pieces := make([]*GenericTensor, len(sizes))
	newShape := func(n int) []int32 {
		shape := append([]int32(nil), t.Shape...)
		if len(shape) > 0 {
			shape[0] = int32(n)
		}
		return shape
	}

	switch t.DType {
	case DTUint8:
		for i, part := range splitSlice(t.FlatUint8, rowLen, sizes) {
			pieces[i] = &GenericTensor{DType: t.DType, Shape: newShape(sizes[i]), FlatUint8: part}
		}
	case DTInt8:
		for i, part := range splitSlice(t.FlatInt8, rowLen, sizes) {
			pieces[i] = &GenericTensor{DType: t.DType, Shape: newShape(sizes[i]), FlatInt8: part}
		}
	case DTInt16:
		for i, part := range splitSlice(t.FlatInt16, rowLen, sizes) {
			pieces[i] = &GenericTensor{DType: t.DType, Shape: newShape(sizes[i]), FlatInt16: part}
		}
	case DTInt32:
		for i, part := range splitSlice(t.FlatInt32, rowLen, sizes) {
			pieces[i] = &GenericTensor{DType: t.DType, Shape: newShape(sizes[i]), FlatInt32: part}
		}
	case DTInt64:
		for i, part := range splitSlice(t.FlatInt64, rowLen, sizes) {
			pieces[i] = &GenericTensor{DType: t.DType, Shape: newShape(sizes[i]), FlatInt64: part}
		}
	case DTFloat16:
		for i, part := range splitSlice(t.FlatFloat16, rowLen, sizes) {
			pieces[i] = &GenericTensor{DType: t.DType, Shape: newShape(sizes[i]), FlatFloat16: part}
		}
	case DTFloat32:
		for i, part := range splitSlice(t.FlatFloat32, rowLen, sizes) {
			pieces[i] = &GenericTensor{DType: t.DType, Shape: newShape(sizes[i]), FlatFloat32: part}
		}
	case DTFloat64:
		for i, part := range splitSlice(t.FlatFloat64, rowLen, sizes) {
			pieces[i] = &GenericTensor{DType: t.DType, Shape: newShape(sizes[i]), FlatFloat64: part}
		}
	case DTString:
		for i, part := range splitSlice(t.FlatString, rowLen, sizes) {
			pieces[i] = &GenericTensor{DType: t.DType, Shape: newShape(sizes[i]), FlatString: part}
		}
	default:
		return nil, 0, apperror.New(apperror.CodeBadRequest, "unsupported dtype").WithDetails("dtype", string(t.DType))
	}
	return pieces, rowLen, nil
}
