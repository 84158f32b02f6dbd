package errors

import (
	"errors"
	"fmt"
)

// Error types for reassemble operations
var (
	// ErrDecode is returned when the concatenated chunk text is not valid base64
	ErrDecode = &ReassembleError{Code: "DECODE_ERROR", Message: "invalid base64 chunk data"}

	// ErrArchiveFormat is returned when the decoded bytes are not a valid gzip/tar stream
	ErrArchiveFormat = &ReassembleError{Code: "ARCHIVE_FORMAT_ERROR", Message: "invalid archive"}

	// ErrIO is returned when reading a chunk or writing an extracted entry fails
	ErrIO = &ReassembleError{Code: "IO_ERROR", Message: "i/o failure"}

	// ErrManifestInvalid is returned when a manifest cannot be parsed or is inconsistent
	ErrManifestInvalid = &ReassembleError{Code: "MANIFEST_INVALID", Message: "invalid chunk manifest"}

	// ErrChunkNotFound is returned when a chunk named by the manifest is missing
	ErrChunkNotFound = &ReassembleError{Code: "CHUNK_NOT_FOUND", Message: "chunk not found"}

	// ErrIntegrity is returned when a chunk or the archive fails its digest or size check
	ErrIntegrity = &ReassembleError{Code: "INTEGRITY_ERROR", Message: "integrity check failed"}
)

// ReassembleError represents a structured error in reassemble operations
type ReassembleError struct {
	Code    string                 // Error code for programmatic handling
	Message string                 // Human-readable error message
	Cause   error                  // Underlying error, if any
	Details map[string]interface{} // Additional context
}

// Error implements the error interface
func (e *ReassembleError) Error() string {
	if e.Cause != nil {
		if len(e.Details) > 0 {
			return fmt.Sprintf("[%s] %s (details: %v): %v", e.Code, e.Message, e.Details, e.Cause)
		}
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	if len(e.Details) > 0 {
		return fmt.Sprintf("[%s] %s (details: %v)", e.Code, e.Message, e.Details)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error
func (e *ReassembleError) Unwrap() error {
	return e.Cause
}

// Is reports whether target is a ReassembleError with the same code, so
// errors.Is(err, ErrDecode) holds for any error derived from ErrDecode.
func (e *ReassembleError) Is(target error) bool {
	t, ok := target.(*ReassembleError)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// WithCause adds a cause to the error
func (e *ReassembleError) WithCause(cause error) *ReassembleError {
	return &ReassembleError{
		Code:    e.Code,
		Message: e.Message,
		Cause:   cause,
		Details: e.Details,
	}
}

// WithDetail adds a detail key-value pair to the error
func (e *ReassembleError) WithDetail(key string, value interface{}) *ReassembleError {
	details := make(map[string]interface{})
	for k, v := range e.Details {
		details[k] = v
	}
	details[key] = value
	return &ReassembleError{
		Code:    e.Code,
		Message: e.Message,
		Cause:   e.Cause,
		Details: details,
	}
}

// WithMessage overrides the error message
func (e *ReassembleError) WithMessage(message string) *ReassembleError {
	return &ReassembleError{
		Code:    e.Code,
		Message: message,
		Cause:   e.Cause,
		Details: e.Details,
	}
}

// IsReassembleError checks if an error is, or wraps, a ReassembleError
func IsReassembleError(err error) bool {
	var re *ReassembleError
	return errors.As(err, &re)
}

// GetErrorCode extracts the error code from the outermost ReassembleError in the chain
func GetErrorCode(err error) string {
	var re *ReassembleError
	if errors.As(err, &re) {
		return re.Code
	}
	return ""
}
