package reassemble

import (
	"errors"
	"testing"

	"github.com/opencontainers/go-digest"
)

func TestNewDecodeError(t *testing.T) {
	cause := errors.New("illegal base64 data at input byte 4")
	err := NewDecodeError("chunk_1.txt", cause)

	if GetErrorCode(err) != "DECODE_ERROR" {
		t.Errorf("code = %q, want DECODE_ERROR", GetErrorCode(err))
	}
	if !errors.Is(err, cause) {
		t.Error("NewDecodeError() should wrap its cause")
	}

	if err := NewDecodeError("", cause); !errors.Is(err, ErrDecode) {
		t.Errorf("NewDecodeError(\"\") = %v, want DECODE_ERROR", err)
	}
}

func TestNewDigestMismatchError(t *testing.T) {
	want := digest.FromString("expected")
	got := digest.FromString("actual")
	err := NewDigestMismatchError("chunk_0.txt", want, got)

	if !errors.Is(err, ErrIntegrity) {
		t.Errorf("NewDigestMismatchError() = %v, want INTEGRITY_ERROR", err)
	}
}

func TestNewSizeMismatchError(t *testing.T) {
	err := NewSizeMismatchError("archive", 10, 9)

	if GetErrorCode(err) != "INTEGRITY_ERROR" {
		t.Errorf("code = %q, want INTEGRITY_ERROR", GetErrorCode(err))
	}
}

func TestNewIOError(t *testing.T) {
	cause := errors.New("disk full")
	err := NewIOError("app/main.py", cause)

	if !errors.Is(err, ErrIO) || !errors.Is(err, cause) {
		t.Errorf("NewIOError() = %v, want IO_ERROR wrapping cause", err)
	}
	if !IsReassembleError(err) {
		t.Error("IsReassembleError(NewIOError()) = false")
	}
}
