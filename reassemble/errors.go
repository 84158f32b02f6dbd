package reassemble

import (
	"github.com/opencontainers/go-digest"

	rerrors "github.com/flaneur2020/chunk-reassemble/reassemble/errors"
)

// Sentinels re-exported for errors.Is checks by callers of this package.
var (
	ErrDecode          = rerrors.ErrDecode
	ErrArchiveFormat   = rerrors.ErrArchiveFormat
	ErrIO              = rerrors.ErrIO
	ErrManifestInvalid = rerrors.ErrManifestInvalid
	ErrChunkNotFound   = rerrors.ErrChunkNotFound
	ErrIntegrity       = rerrors.ErrIntegrity
)

// NewDecodeError creates a base64 decode error, naming the chunk being read
// when the failure was detected.
func NewDecodeError(chunk string, cause error) error {
	err := rerrors.ErrDecode.WithCause(cause)
	if chunk != "" {
		err = err.WithDetail("chunk", chunk)
	}
	return err
}

// NewArchiveFormatError creates an archive format error
func NewArchiveFormatError(cause error) error {
	return rerrors.ErrArchiveFormat.WithCause(cause)
}

// NewIOError creates an I/O error for the given path or chunk name
func NewIOError(path string, cause error) error {
	return rerrors.ErrIO.
		WithDetail("path", path).
		WithCause(cause)
}

// NewManifestError creates a manifest error with a specific message
func NewManifestError(message string) *rerrors.ReassembleError {
	return rerrors.ErrManifestInvalid.WithMessage(message)
}

// NewDigestMismatchError creates an integrity error for a digest mismatch
func NewDigestMismatchError(subject string, want, got digest.Digest) error {
	return rerrors.ErrIntegrity.
		WithMessage("digest mismatch").
		WithDetail("subject", subject).
		WithDetail("want", want.String()).
		WithDetail("got", got.String())
}

// NewSizeMismatchError creates an integrity error for a size mismatch
func NewSizeMismatchError(subject string, want, got int64) error {
	return rerrors.ErrIntegrity.
		WithMessage("size mismatch").
		WithDetail("subject", subject).
		WithDetail("want", want).
		WithDetail("got", got)
}

// IsReassembleError checks if an error is, or wraps, a ReassembleError
func IsReassembleError(err error) bool {
	return rerrors.IsReassembleError(err)
}

// GetErrorCode extracts the error code from a ReassembleError
func GetErrorCode(err error) string {
	return rerrors.GetErrorCode(err)
}
