package apperror

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
)

func TestHTTPStatusMapping(t *testing.T) {
	cases := map[ErrorCode]int{
		CodeBadRequest:  400,
		CodeNotFound:    404,
		CodeUnavailable: 503,
		CodeInternal:    500,
		CodeConfig:      500,
	}
	for code, want := range cases {
		e := New(code, "boom")
		assert.Equal(t, want, e.HTTPStatus())
	}
}

func TestRPCStatusCodeMapping(t *testing.T) {
	assert.EqualValues(t, 403, New(CodeUnavailable, "x").RPCStatusCode())
	assert.EqualValues(t, 404, New(CodeNotFound, "x").RPCStatusCode())
	assert.EqualValues(t, 500, New(CodeInternal, "x").RPCStatusCode())
}

func TestGRPCStatus(t *testing.T) {
	e := New(CodeBadRequest, "bad input")
	st := e.GRPCStatus()
	assert.Equal(t, codes.InvalidArgument, st.Code())
}

func TestIsAndCode(t *testing.T) {
	err := New(CodeNotFound, "missing")
	require.True(t, Is(err, CodeNotFound))
	require.False(t, Is(err, CodeBadRequest))
	assert.Equal(t, CodeNotFound, Code(err))
	assert.Equal(t, CodeInternal, Code(errors.New("plain")))
}

func TestIsOOM(t *testing.T) {
	assert.True(t, IsOOM(NewOOM(nil, "ran out")))
	assert.True(t, IsOOM(errors.New("CUDA out of memory: tried to allocate")))
	assert.False(t, IsOOM(errors.New("plain failure")))
	assert.False(t, IsOOM(nil))
}

func TestToGRPCRoundTrip(t *testing.T) {
	err := ToGRPC(New(CodeNotFound, "nope"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "nope")

	assert.Nil(t, ToGRPC(nil))
}
