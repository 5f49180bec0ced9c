package wire

import (
	"github.com/grps-serving/grps/pkg/apperror"
	"github.com/grps-serving/grps/pkg/tensor"
)

// NdarrayToTensor implements the HTTP-only "ndarray" sugar: a nested
// numeric array is wrapped as a single nameless float32 GenericTensor.
// The input is whatever encoding/json decoded a JSON array into — nested
// []any of float64 leaves (json.Number-free mode).
func NdarrayToTensor(nested any) (*tensor.GenericTensor, error) {
	var shape []int32
	var flat []float32

	var walk func(v any, depth int) error
	walk = func(v any, depth int) error {
		arr, ok := v.([]any)
		if !ok {
			f, ok := toFloat32(v)
			if !ok {
				return apperror.New(apperror.CodeBadRequest, "ndarray leaf is not numeric")
			}
			flat = append(flat, f)
			return nil
		}
		if depth >= len(shape) {
			shape = append(shape, int32(len(arr)))
		} else if int(shape[depth]) != len(arr) {
			return apperror.New(apperror.CodeBadRequest, "ndarray is not rectangular")
		}
		for _, e := range arr {
			if err := walk(e, depth+1); err != nil {
				return err
			}
		}
		return nil
	}

	if err := walk(nested, 0); err != nil {
		return nil, err
	}

	return &tensor.GenericTensor{DType: tensor.DTFloat32, Shape: shape, FlatFloat32: flat}, nil
}

func toFloat32(v any) (float32, bool) {
	switch n := v.(type) {
	case float64:
		return float32(n), true
	case float32:
		return n, true
	case int:
		return float32(n), true
	default:
		return 0, false
	}
}

// TensorToNdarray is the return-ndarray response path: it only
// applies when the first output tensor is float32, reshaping its flat
// values back into nested arrays per Shape.
func TensorToNdarray(t *tensor.GenericTensor) (any, bool) {
	if t == nil || t.DType != tensor.DTFloat32 {
		return nil, false
	}
	values := make([]any, len(t.FlatFloat32))
	for i, v := range t.FlatFloat32 {
		values[i] = float64(v)
	}
	return nestValues(values, t.Shape), true
}

func nestValues(flat []any, shape []int32) any {
	if len(shape) == 0 {
		if len(flat) == 1 {
			return flat[0]
		}
		return flat
	}
	if len(shape) == 1 {
		return flat
	}
	rowLen := 1
	for _, s := range shape[1:] {
		rowLen *= int(s)
	}
	out := make([]any, shape[0])
	for i := range out {
		out[i] = nestValues(flat[i*rowLen:(i+1)*rowLen], shape[1:])
	}
	return out
}
