package errors

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestReassembleError_Error(t *testing.T) {
	tests := []struct {
		name    string
		err     *ReassembleError
		wantStr string
	}{
		{
			name:    "basic error",
			err:     &ReassembleError{Code: "TEST_ERROR", Message: "test message"},
			wantStr: "[TEST_ERROR] test message",
		},
		{
			name: "error with cause",
			err: &ReassembleError{
				Code:    "TEST_ERROR",
				Message: "test message",
				Cause:   errors.New("underlying error"),
			},
			wantStr: "[TEST_ERROR] test message: underlying error",
		},
		{
			name: "error with details",
			err: &ReassembleError{
				Code:    "TEST_ERROR",
				Message: "test message",
				Details: map[string]interface{}{"chunk": "chunk_3.txt"},
			},
			wantStr: "chunk_3.txt",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.err.Error()
			if !strings.Contains(got, tt.wantStr) {
				t.Errorf("Error() = %q, want to contain %q", got, tt.wantStr)
			}
		})
	}
}

func TestReassembleError_WithCause(t *testing.T) {
	cause := errors.New("root cause")
	err := ErrIO.WithCause(cause)

	if err.Cause != cause {
		t.Errorf("WithCause() cause = %v, want %v", err.Cause, cause)
	}
	if !errors.Is(err, cause) {
		t.Error("WithCause() should allow errors.Is to reach the cause")
	}
	if ErrIO.Cause != nil {
		t.Error("WithCause() modified the sentinel")
	}
}

func TestReassembleError_WithDetail(t *testing.T) {
	base := ErrDecode.WithDetail("chunk", "chunk_1.txt")
	err := base.WithDetail("offset", 12)

	if err.Details["chunk"] != "chunk_1.txt" || err.Details["offset"] != 12 {
		t.Errorf("WithDetail() details = %v", err.Details)
	}
	if _, ok := base.Details["offset"]; ok {
		t.Error("WithDetail() modified the receiver's details")
	}
	if len(ErrDecode.Details) != 0 {
		t.Error("WithDetail() modified the sentinel")
	}
}

func TestReassembleError_WithMessage(t *testing.T) {
	err := ErrArchiveFormat.WithMessage("archive contains no entries")

	if err.Message != "archive contains no entries" {
		t.Errorf("WithMessage() message = %q", err.Message)
	}
	if err.Code != "ARCHIVE_FORMAT_ERROR" {
		t.Errorf("WithMessage() code = %q, want ARCHIVE_FORMAT_ERROR", err.Code)
	}
}

func TestReassembleError_Is(t *testing.T) {
	err := ErrIntegrity.WithMessage("digest mismatch").WithDetail("subject", "archive")
	wrapped := fmt.Errorf("verify: %w", err)

	if !errors.Is(wrapped, ErrIntegrity) {
		t.Error("errors.Is(wrapped, ErrIntegrity) = false, want true")
	}
	if errors.Is(wrapped, ErrIO) {
		t.Error("errors.Is(wrapped, ErrIO) = true, want false")
	}
}

func TestIsReassembleError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{name: "ReassembleError", err: ErrChunkNotFound, want: true},
		{name: "ReassembleError with cause", err: ErrChunkNotFound.WithCause(errors.New("test")), want: true},
		{name: "wrapped", err: fmt.Errorf("open: %w", ErrIO), want: true},
		{name: "standard error", err: errors.New("test"), want: false},
		{name: "nil", err: nil, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsReassembleError(tt.err); got != tt.want {
				t.Errorf("IsReassembleError() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestGetErrorCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{name: "decode", err: ErrDecode, want: "DECODE_ERROR"},
		{name: "with modifications", err: ErrManifestInvalid.WithDetail("version", 2), want: "MANIFEST_INVALID"},
		{name: "outermost wins", err: ErrIO.WithCause(ErrDecode), want: "IO_ERROR"},
		{name: "standard error", err: errors.New("test"), want: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := GetErrorCode(tt.err); got != tt.want {
				t.Errorf("GetErrorCode() = %q, want %q", got, tt.want)
			}
		})
	}
}
