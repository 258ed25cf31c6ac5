package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
	"testing"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func TestErrorString(t *testing.T) {
	err := New(NotFound, "meeting not found").WithMetadata("meeting_id", "abc")
	want := "[NOT_FOUND] meeting not found map[meeting_id:abc]"
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}

	wrapped := Wrap(stderrors.New("boom"), Internal, "archive")
	if wrapped.Error() != "[INTERNAL] archive caused by: boom" {
		t.Errorf("Error() = %q", wrapped.Error())
	}
}

func TestHTTPStatusMapping(t *testing.T) {
	tests := []struct {
		code Code
		want int
	}{
		{AlreadyRecording, http.StatusConflict},
		{InvalidTransition, http.StatusConflict},
		{NotFound, http.StatusNotFound},
		{NotReady, http.StatusTooEarly},
		{DeviceUnavailable, http.StatusServiceUnavailable},
		{ModelUnavailable, http.StatusServiceUnavailable},
		{TranscriptionFailed, http.StatusBadGateway},
		{InvalidArgument, http.StatusBadRequest},
		{Code("SOMETHING_ELSE"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(string(tt.code), func(t *testing.T) {
			if got := New(tt.code, "x").HTTPStatus(); got != tt.want {
				t.Errorf("HTTPStatus() = %d, want %d", got, tt.want)
			}
		})
	}

	if got := HTTPStatus(stderrors.New("plain")); got != http.StatusInternalServerError {
		t.Errorf("HTTPStatus(plain) = %d, want 500", got)
	}
}

func TestIsCodeThroughWrapping(t *testing.T) {
	inner := New(ModelUnavailable, "summarizer offline")
	err := fmt.Errorf("pipeline: %w", inner)

	if !IsCode(err, ModelUnavailable) {
		t.Error("IsCode should see through fmt wrapping")
	}
	if IsCode(err, TranscriptionFailed) {
		t.Error("IsCode matched the wrong code")
	}
	if CodeOf(err) != ModelUnavailable {
		t.Errorf("CodeOf() = %s, want %s", CodeOf(err), ModelUnavailable)
	}
	if !stderrors.Is(err, New(ModelUnavailable, "")) {
		t.Error("errors.Is should match by code")
	}
}

func TestGRPCRoundTrip(t *testing.T) {
	orig := New(TranscriptionFailed, "no speech").WithMetadata("meeting_id", "m1")
	st := orig.GRPCStatus()
	if st.Code() != codes.Internal {
		t.Errorf("grpc code = %v, want Internal", st.Code())
	}

	back := FromGRPCError(st.Err())
	if back.Code != TranscriptionFailed {
		t.Errorf("Code = %s, want %s", back.Code, TranscriptionFailed)
	}
	if back.Message != "no speech" {
		t.Errorf("Message = %q, want %q", back.Message, "no speech")
	}
	if back.Metadata["meeting_id"] != "m1" {
		t.Errorf("Metadata[meeting_id] = %q, want m1", back.Metadata["meeting_id"])
	}
}

func TestFromGRPCErrorFallback(t *testing.T) {
	tests := []struct {
		code codes.Code
		want Code
	}{
		{codes.Unavailable, ModelUnavailable},
		{codes.DeadlineExceeded, ModelUnavailable},
		{codes.InvalidArgument, InvalidArgument},
		{codes.Internal, Internal},
		{codes.PermissionDenied, Unknown},
	}
	for _, tt := range tests {
		got := FromGRPCError(status.Error(tt.code, "x"))
		if got.Code != tt.want {
			t.Errorf("FromGRPCError(%v) = %s, want %s", tt.code, got.Code, tt.want)
		}
	}

	if got := FromGRPCError(stderrors.New("not grpc")); got.Code != Unknown {
		t.Errorf("non-gRPC error code = %s, want UNKNOWN", got.Code)
	}
	if FromGRPCError(nil) != nil {
		t.Error("FromGRPCError(nil) should be nil")
	}
}
