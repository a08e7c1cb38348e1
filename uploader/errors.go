package uploader

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidInput is returned for malformed sizes, ranges or configuration.
	ErrInvalidInput = errors.New("invalid input")
	// ErrNetwork is returned when a transfer fails below the HTTP layer.
	ErrNetwork = errors.New("network error")
	// ErrTimeout is returned when a part transfer exceeds its timeout.
	ErrTimeout = errors.New("timeout")
	// ErrProtocol is returned for non-success responses or responses without an ETag.
	ErrProtocol = errors.New("protocol error")
	// ErrCollaborator is returned when an object store call fails.
	ErrCollaborator = errors.New("object store error")
	// ErrCancelled is returned when the upload was cancelled.
	ErrCancelled = errors.New("upload cancelled")
	// ErrUploadNotFound is returned by object stores for unknown upload IDs.
	ErrUploadNotFound = errors.New("multipart upload not found")
	// ErrUploadInProgress is returned when UploadFile is called during an active session.
	ErrUploadInProgress = errors.New("an upload is already in progress")
)

// cancelledMessage is the fixed message surfaced for cancelled sessions.
const cancelledMessage = "Upload cancelled"

// HTTPStatusError is the HTTP status and body of a rejected transfer.
type HTTPStatusError struct {
	StatusCode int
	Body       string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("upload failed with status %d: %s", e.StatusCode, e.Body)
}

func collaboratorError(op string, err error) error {
	if errors.Is(err, ErrUploadNotFound) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%w: %s: %w", ErrCollaborator, op, err)
}

// retryable reports whether a failed part attempt may be tried again.
func retryable(err error) bool {
	if errors.Is(err, ErrCancelled) {
		return false
	}
	var statusErr *HTTPStatusError
	if errors.As(err, &statusErr) {
		return statusErr.StatusCode >= 500 || statusErr.StatusCode == 429 || statusErr.StatusCode == 408
	}
	return true
}
