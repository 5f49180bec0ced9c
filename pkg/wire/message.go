// Package wire implements the neutral wire message schema: the
// GrpsMessage Go struct is the single source of truth both the HTTP JSON
// surface and the RPC JSON codec serialize, so the two transports can
// never drift on field names or shapes.
package wire

import (
	"github.com/grps-serving/grps/pkg/tensor"
)

// Status enumerates GrpsStatus.Status.
type Status string

const (
	StatusSuccess Status = "SUCCESS"
	StatusFailure Status = "FAILURE"
)

// GrpsStatus is response-only: the server stamps it on every reply.
type GrpsStatus struct {
	Code   int32  `json:"code"`
	Msg    string `json:"msg"`
	Status Status `json:"status"`
}

// OK builds the canonical success status stamped on every
// non-streaming success response.
func OK() *GrpsStatus {
	return &GrpsStatus{Code: 200, Msg: "OK", Status: StatusSuccess}
}

// Fail builds a failure status carrying an HTTP/RPC-style numeric code
// and a human-readable (often stack-trace) message.
func Fail(code int32, msg string) *GrpsStatus {
	return &GrpsStatus{Code: code, Msg: msg, Status: StatusFailure}
}

// GenericTensorList is the wire shape of the gtensors field: an ordered
// tensor list wrapped in one object rather than a bare array.
type GenericTensorList struct {
	Tensors []*tensor.GenericTensor `json:"tensors"`
}

// GMap is GrpsGMap: a heterogeneous typed map with one subfield per
// supported value type.
type GMap struct {
	SS   map[string]string                `json:"s_s,omitempty"`
	SB   map[string][]byte                `json:"s_b,omitempty"`
	SI32 map[string]int32                 `json:"s_i32,omitempty"`
	SI64 map[string]int64                 `json:"s_i64,omitempty"`
	SF   map[string]float32               `json:"s_f,omitempty"`
	SD   map[string]float64               `json:"s_d,omitempty"`
	ST   map[string]*tensor.GenericTensor `json:"s_t,omitempty"`
}

// GrpsMessage is the neutral request/response body. Any
// non-empty subset of fields is a valid request; the server never
// mutates a field the request did not populate.
type GrpsMessage struct {
	Model    string              `json:"model,omitempty"`
	Status   *GrpsStatus         `json:"status,omitempty"`
	StrData  string              `json:"str_data,omitempty"`
	BinData  []byte              `json:"bin_data,omitempty"`
	GTensors *GenericTensorList  `json:"gtensors,omitempty"`
	GMap     *GMap               `json:"gmap,omitempty"`
}

// Tensors flattens GTensors to a plain slice, or nil if the message
// carries none, the shape the tensor and batching helpers expect.
func (m *GrpsMessage) Tensors() []*tensor.GenericTensor {
	if m == nil || m.GTensors == nil {
		return nil
	}
	return m.GTensors.Tensors
}

// WithTensors returns a shallow copy of m with its tensor list replaced —
// used by the executor/batcher to splice an inferer's output back onto a
// message without disturbing str_data/bin_data/gmap the user set.
func (m *GrpsMessage) WithTensors(tensors []*tensor.GenericTensor) *GrpsMessage {
	out := *m
	if len(tensors) == 0 {
		out.GTensors = nil
	} else {
		out.GTensors = &GenericTensorList{Tensors: tensors}
	}
	return &out
}

// Clone returns a shallow copy of m, or a fresh empty message if m is nil.
func Clone(m *GrpsMessage) *GrpsMessage {
	if m == nil {
		return &GrpsMessage{}
	}
	out := *m
	return &out
}
