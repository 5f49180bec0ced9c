// Package tensor implements the tensor bridge: the neutral GenericTensor
// wire format, its conversion to and from a framework-bound bundle, and the
// batched pre/postprocess helpers dynamic batching depends on.
package tensor

import (
	"fmt"
	"sort"

	"github.com/grps-serving/grps/pkg/apperror"
)

// DType is the stable generic-tensor dtype enum.
type DType string

const (
	DTUint8   DType = "DT_UINT8"
	DTInt8    DType = "DT_INT8"
	DTInt16   DType = "DT_INT16"
	DTInt32   DType = "DT_INT32"
	DTInt64   DType = "DT_INT64"
	DTFloat16 DType = "DT_FLOAT16"
	DTFloat32 DType = "DT_FLOAT32"
	DTFloat64 DType = "DT_FLOAT64"
	DTString  DType = "DT_STRING"
)

// GenericTensor is the wire-neutral tensor: exactly one Flat* field is
// populated, and its length must equal the product of Shape. Field tags
// double as the wire encoding for both HTTP JSON and the RPC JSON codec
// (pkg/wire) — this is the single Go type both surfaces serialize.
type GenericTensor struct {
	Name  string `json:"name,omitempty"`
	DType DType  `json:"dtype"`
	Shape []int32 `json:"shape"`

	FlatUint8   []uint8   `json:"flat_uint8,omitempty"`
	FlatInt8    []int8    `json:"flat_int8,omitempty"`
	FlatInt16   []int16   `json:"flat_int16,omitempty"`
	FlatInt32   []int32   `json:"flat_int32,omitempty"`
	FlatInt64   []int64   `json:"flat_int64,omitempty"`
	FlatFloat16 []uint16  `json:"flat_float16,omitempty"` // raw IEEE-754 half-precision bits; Go has no native float16
	FlatFloat32 []float32 `json:"flat_float32,omitempty"`
	FlatFloat64 []float64 `json:"flat_float64,omitempty"`
	FlatString  []string  `json:"flat_string,omitempty"`
}

// Len reports the populated flat array's length.
func (t *GenericTensor) Len() int {
	switch t.DType {
	case DTUint8:
		return len(t.FlatUint8)
	case DTInt8:
		return len(t.FlatInt8)
	case DTInt16:
		return len(t.FlatInt16)
	case DTInt32:
		return len(t.FlatInt32)
	case DTInt64:
		return len(t.FlatInt64)
	case DTFloat16:
		return len(t.FlatFloat16)
	case DTFloat32:
		return len(t.FlatFloat32)
	case DTFloat64:
		return len(t.FlatFloat64)
	case DTString:
		return len(t.FlatString)
	default:
		return 0
	}
}

func shapeProduct(shape []int32) int {
	p := 1
	for _, s := range shape {
		p *= int(s)
	}
	return p
}

// Validate checks that the flat array's length equals the shape product.
func (t *GenericTensor) Validate() error {
	want := shapeProduct(t.Shape)
	if got := t.Len(); got != want {
		return apperror.New(apperror.CodeBadRequest, "tensor flat array length does not match shape product").
			WithField(t.Name).
			WithDetails("want", want).
			WithDetails("got", got)
	}
	return nil
}

// Bundle is the framework-bound form a converter hands to an inferer:
// either a name->tensor map or an ordered list, never both.
type Bundle struct {
	Named   map[string]*GenericTensor
	Ordered []*GenericTensor
}

// IsNamed reports whether this bundle uses name-addressed tensors.
func (b *Bundle) IsNamed() bool { return b.Named != nil }

// NeutralToFramework builds a Bundle from a request's tensor list, applying
// the naming and shape rules.
func NeutralToFramework(tensors []*GenericTensor) (*Bundle, error) {
	if len(tensors) == 0 {
		return &Bundle{Ordered: nil}, nil
	}

	named := tensors[0].Name != ""
	for _, t := range tensors {
		if (t.Name != "") != named {
			return nil, apperror.New(apperror.CodeBadRequest, "tensors must be either all named or all nameless")
		}
		if err := t.Validate(); err != nil {
			return nil, err
		}
	}

	if !named {
		return &Bundle{Ordered: tensors}, nil
	}

	m := make(map[string]*GenericTensor, len(tensors))
	for _, t := range tensors {
		if _, dup := m[t.Name]; dup {
			return nil, apperror.New(apperror.CodeBadRequest, "duplicate tensor name").WithField(t.Name)
		}
		m[t.Name] = t
	}
	return &Bundle{Named: m}, nil
}

// FrameworkToNeutral converts an inferer's output Bundle back to the
// neutral wire form, applying the output-naming rules.
func FrameworkToNeutral(b *Bundle) []*GenericTensor {
	if b.IsNamed() {
		names := make([]string, 0, len(b.Named))
		for n := range b.Named {
			names = append(names, n)
		}
		sort.Strings(names)
		out := make([]*GenericTensor, 0, len(names))
		for _, n := range names {
			out = append(out, b.Named[n])
		}
		return out
	}

	if len(b.Ordered) == 1 {
		single := *b.Ordered[0]
		single.Name = "output"
		return []*GenericTensor{&single}
	}

	out := make([]*GenericTensor, len(b.Ordered))
	for i, t := range b.Ordered {
		named := *t
		named.Name = fmt.Sprintf("output_%d", i)
		out[i] = &named
	}
	return out
}

// DtypeValidator optionally restricts which dtypes a framework's bundled
// tensor bridge accepts, e.g. TensorRT's rejected subset.
type DtypeValidator func(DType) error

// tensorRTRejected lists the dtypes the TensorRT converter refuses.
var tensorRTRejected = map[DType]bool{
	DTInt16:   true,
	DTInt64:   true,
	DTFloat16: true,
	DTFloat64: true,
	DTString:  true,
}

// ValidateTensorRTDtype rejects the dtype subset the TensorRT bridge does
// not support.
func ValidateTensorRTDtype(dtype DType) error {
	if tensorRTRejected[dtype] {
		return apperror.New(apperror.CodeBadRequest, "dtype not supported by the TensorRT converter").
			WithDetails("dtype", string(dtype))
	}
	return nil
}
