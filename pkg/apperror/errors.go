// Package apperror provides the process-wide error taxonomy: a small set of
// named error kinds, each with a deterministic HTTP status and gRPC code,
// so the HTTP and RPC surfaces map a failure the same way regardless of
// which component raised it.
package apperror

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// ErrorCode names one of the error kinds.
type ErrorCode string

const (
	CodeConfig      ErrorCode = "CONFIG_ERROR"
	CodeModelLoad   ErrorCode = "MODEL_LOAD_ERROR"
	CodeBadRequest  ErrorCode = "BAD_REQUEST"
	CodeNotFound    ErrorCode = "NOT_FOUND"
	CodeUnavailable ErrorCode = "SERVICE_UNAVAILABLE"
	CodeInternal    ErrorCode = "INTERNAL_ERROR"
)

// Severity is a three-level criticality scale. New and Wrap build
// SeverityError errors; NewCritical builds SeverityCritical ones.
type Severity int

const (
	SeverityWarning Severity = iota
	SeverityError
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityWarning:
		return "warning"
	case SeverityCritical:
		return "critical"
	default:
		return "error"
	}
}

// Error is the application-wide error type. Every predict-path failure
// that reaches a transport should be (or be wrapped into) one of these so
// the HTTP and RPC surfaces can render it consistently.
type Error struct {
	Code     ErrorCode
	Message  string
	Field    string
	Details  map[string]any
	Cause    error
	Severity Severity
	// OOM is set when the inferer deliberately identified the failure as
	// GPU-out-of-memory, set deliberately instead of sniffed from text.
	OOM bool
}

func (e *Error) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("[%s] %s (field: %s)", e.Code, e.Message, e.Field)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// GRPCStatus lets any *Error be returned directly from a gRPC handler.
func (e *Error) GRPCStatus() *status.Status {
	return status.New(e.grpcCode(), e.Message)
}

func (e *Error) grpcCode() codes.Code {
	switch e.Code {
	case CodeBadRequest:
		return codes.InvalidArgument
	case CodeNotFound:
		return codes.NotFound
	case CodeUnavailable:
		return codes.Unavailable
	default:
		return codes.Internal
	}
}

// HTTPStatus maps the error kind to its HTTP status.
func (e *Error) HTTPStatus() int {
	switch e.Code {
	case CodeBadRequest:
		return http.StatusBadRequest
	case CodeNotFound:
		return http.StatusNotFound
	case CodeUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// RPCStatusCode maps the error kind to the numeric status code the RPC
// surface places in GrpsStatus.code. It is separate from the gRPC
// transport code GRPCStatus reports: the unary RPC methods carry their
// failures in GrpsMessage.status and return a transport OK.
func (e *Error) RPCStatusCode() int32 {
	switch e.Code {
	case CodeBadRequest:
		return 400
	case CodeNotFound:
		return 404
	case CodeUnavailable:
		return 403
	default:
		return 500
	}
}

func New(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message, Details: make(map[string]any), Severity: SeverityError}
}

func NewCritical(code ErrorCode, message string) *Error {
	e := New(code, message)
	e.Severity = SeverityCritical
	return e
}

func Wrap(cause error, code ErrorCode, message string) *Error {
	e := New(code, message)
	e.Cause = cause
	return e
}

// NewOOM builds an internal error flagged as GPU-out-of-memory; inferers
// call this instead of relying on substring sniffing.
func NewOOM(cause error, message string) *Error {
	e := Wrap(cause, CodeInternal, message)
	e.OOM = true
	return e
}

func (e *Error) WithDetails(key string, value any) *Error {
	e.Details[key] = value
	return e
}

func (e *Error) WithField(field string) *Error {
	e.Field = field
	return e
}

// Is reports whether err is an *Error with the given code.
func Is(err error, code ErrorCode) bool {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Code == code
	}
	return false
}

// Code extracts the ErrorCode, defaulting to CodeInternal for plain errors.
func Code(err error) ErrorCode {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return CodeInternal
}

// IsOOM reports whether err (an *Error, or any error whose chain contains
// one) was raised as GPU-out-of-memory. It also falls back to a substring
// check for plain errors surfaced by framework tensor libraries that don't
// go through NewOOM.
func IsOOM(err error) bool {
	var appErr *Error
	if errors.As(err, &appErr) && appErr.OOM {
		return true
	}
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "cuda out of memory") || strings.Contains(msg, "oom")
}

// ToGRPC converts any error into a gRPC status error.
func ToGRPC(err error) error {
	if err == nil {
		return nil
	}
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.GRPCStatus().Err()
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	return status.Error(codes.Internal, err.Error())
}
