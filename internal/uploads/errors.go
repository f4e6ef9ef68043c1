package uploads

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidRequest is returned for malformed input, before any storage
	// or database mutation happens.
	ErrInvalidRequest = errors.New("invalid request")

	// ErrPartsNotFound is returned when a finalize names a chunk index that
	// was never transferred (or was already consumed by a commit).
	ErrPartsNotFound = errors.New("chunk parts not found")

	// ErrBackendUnavailable wraps storage failures other than missing keys.
	ErrBackendUnavailable = errors.New("storage backend unavailable")

	// ErrInvalidPayload is returned when the assembled text is not base64.
	ErrInvalidPayload = errors.New("invalid payload encoding")

	ErrSessionNotFound  = errors.New("upload session not found")
	ErrSessionForbidden = errors.New("upload session belongs to another user")
	ErrSessionClosed    = errors.New("upload session is closed")
)

// ChecksumMismatchError reports a finalize whose assembled text does not
// hash to the checksum the caller supplied. The parts are kept.
type ChecksumMismatchError struct {
	Expected string
	Actual   string
}

func (e *ChecksumMismatchError) Error() string {
	return fmt.Sprintf("checksum mismatch: expected %s, got %s", e.Expected, e.Actual)
}

// PayloadTooLargeError reports a decoded payload above the configured limit.
type PayloadTooLargeError struct {
	Size  int64
	Limit int64
}

func (e *PayloadTooLargeError) Error() string {
	return fmt.Sprintf("payload of %d bytes exceeds limit of %d bytes", e.Size, e.Limit)
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidRequest, fmt.Sprintf(format, args...))
}
