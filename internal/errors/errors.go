// Package errors provides the platform's typed error taxonomy.
// Every code maps to an HTTP status for the API and to a gRPC status for the
// inference link, so a failure reported by the remote side keeps its meaning.
package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"

	"google.golang.org/genproto/googleapis/rpc/errdetails"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Code identifies a failure class.
type Code string

const (
	Unknown             Code = "UNKNOWN"
	Internal            Code = "INTERNAL"
	InvalidArgument     Code = "INVALID_ARGUMENT"
	ConfigInvalid       Code = "CONFIG_INVALID"
	DeviceUnavailable   Code = "DEVICE_UNAVAILABLE"
	AlreadyRecording    Code = "ALREADY_RECORDING"
	InvalidTransition   Code = "INVALID_TRANSITION"
	NotFound            Code = "NOT_FOUND"
	NotReady            Code = "NOT_READY"
	TranscriptionFailed Code = "TRANSCRIPTION_FAILED"
	ModelUnavailable    Code = "MODEL_UNAVAILABLE"
)

// Domain is the ErrorInfo domain attached to gRPC statuses.
const Domain = "minutemate.platform"

var grpcCodeMap = map[Code]codes.Code{
	Unknown:             codes.Unknown,
	Internal:            codes.Internal,
	InvalidArgument:     codes.InvalidArgument,
	ConfigInvalid:       codes.FailedPrecondition,
	DeviceUnavailable:   codes.Unavailable,
	AlreadyRecording:    codes.AlreadyExists,
	InvalidTransition:   codes.FailedPrecondition,
	NotFound:            codes.NotFound,
	NotReady:            codes.Unavailable,
	TranscriptionFailed: codes.Internal,
	ModelUnavailable:    codes.Unavailable,
}

var httpStatusMap = map[Code]int{
	Unknown:             http.StatusInternalServerError,
	Internal:            http.StatusInternalServerError,
	InvalidArgument:     http.StatusBadRequest,
	ConfigInvalid:       http.StatusInternalServerError,
	DeviceUnavailable:   http.StatusServiceUnavailable,
	AlreadyRecording:    http.StatusConflict,
	InvalidTransition:   http.StatusConflict,
	NotFound:            http.StatusNotFound,
	NotReady:            http.StatusTooEarly,
	TranscriptionFailed: http.StatusBadGateway,
	ModelUnavailable:    http.StatusServiceUnavailable,
}

// AppError is the base error type with structured code and metadata.
type AppError struct {
	Code     Code
	Message  string
	Metadata map[string]string
	Cause    error
}

// Error implements the error interface.
func (e *AppError) Error() string {
	s := fmt.Sprintf("[%s] %s", e.Code, e.Message)
	if len(e.Metadata) > 0 {
		s += fmt.Sprintf(" %v", e.Metadata)
	}
	if e.Cause != nil {
		s += fmt.Sprintf(" caused by: %v", e.Cause)
	}
	return s
}

// Unwrap returns the underlying cause for errors.Is/As.
func (e *AppError) Unwrap() error { return e.Cause }

// Is matches another *AppError by code, so sentinel-style comparisons work:
// errors.Is(err, errors.New(errors.NotFound, "")).
func (e *AppError) Is(target error) bool {
	t, ok := target.(*AppError)
	return ok && t.Code == e.Code
}

// HTTPStatus returns the HTTP status used at the API boundary.
func (e *AppError) HTTPStatus() int {
	if s, ok := httpStatusMap[e.Code]; ok {
		return s
	}
	return http.StatusInternalServerError
}

// GRPCCode returns the corresponding gRPC status code.
func (e *AppError) GRPCCode() codes.Code {
	if c, ok := grpcCodeMap[e.Code]; ok {
		return c
	}
	return codes.Unknown
}

// GRPCStatus returns a gRPC status with an ErrorInfo detail carrying the code.
func (e *AppError) GRPCStatus() *status.Status {
	st := status.New(e.GRPCCode(), e.Message)
	info := &errdetails.ErrorInfo{Reason: string(e.Code), Domain: Domain, Metadata: e.Metadata}
	if withDetail, err := st.WithDetails(info); err == nil {
		return withDetail
	}
	return st
}

// New creates a new AppError with the given code and message.
func New(code Code, msg string) *AppError {
	return &AppError{Code: code, Message: msg}
}

// Newf creates a new AppError with formatted message.
func Newf(code Code, format string, args ...any) *AppError {
	return &AppError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap wraps an existing error with an AppError.
func Wrap(err error, code Code, msg string) *AppError {
	return &AppError{Code: code, Message: msg, Cause: err}
}

// Wrapf wraps an existing error with formatted message.
func Wrapf(err error, code Code, format string, args ...any) *AppError {
	return &AppError{Code: code, Message: fmt.Sprintf(format, args...), Cause: err}
}

// WithMetadata adds metadata to an AppError.
func (e *AppError) WithMetadata(key, value string) *AppError {
	if e.Metadata == nil {
		e.Metadata = make(map[string]string)
	}
	e.Metadata[key] = value
	return e
}

// FromGRPCError extracts an AppError from a gRPC error. ErrorInfo details
// from our own domain win; otherwise the gRPC code is mapped best-effort.
func FromGRPCError(err error) *AppError {
	if err == nil {
		return nil
	}
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr
	}
	st, ok := status.FromError(err)
	if !ok {
		return &AppError{Code: Unknown, Message: err.Error(), Cause: err}
	}

	for _, detail := range st.Details() {
		if info, ok := detail.(*errdetails.ErrorInfo); ok && info.GetDomain() == Domain {
			return &AppError{Code: Code(info.GetReason()), Message: st.Message(), Metadata: info.GetMetadata(), Cause: err}
		}
	}
	return &AppError{Code: grpcToCode(st.Code()), Message: st.Message(), Cause: err}
}

func grpcToCode(c codes.Code) Code {
	switch c {
	case codes.InvalidArgument:
		return InvalidArgument
	case codes.NotFound:
		return NotFound
	case codes.Unavailable, codes.DeadlineExceeded, codes.ResourceExhausted:
		return ModelUnavailable
	case codes.AlreadyExists:
		return AlreadyRecording
	case codes.FailedPrecondition:
		return InvalidTransition
	case codes.Internal:
		return Internal
	default:
		return Unknown
	}
}

// CodeOf returns the code of the first AppError in err's chain, or Unknown.
func CodeOf(err error) Code {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.Code
	}
	return Unknown
}

// IsCode checks if an error chain carries a specific code.
func IsCode(err error, code Code) bool {
	var appErr *AppError
	return stderrors.As(err, &appErr) && appErr.Code == code
}

// HTTPStatus returns the HTTP status for any error; non-AppErrors are 500.
func HTTPStatus(err error) int {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.HTTPStatus()
	}
	return http.StatusInternalServerError
}
