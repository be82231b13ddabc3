// models/errors.go
package models

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrInvalidArgument   = errors.New("invalid argument")
	ErrCancelled         = errors.New("job cancelled")
)

// ValidationError reports a violated size or duration limit.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed on %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrInvalidArgument
}

type MetadataError struct {
	Path string
	Err  error
}

func (e *MetadataError) Error() string {
	return fmt.Sprintf("metadata extraction failed for %s: %v", e.Path, e.Err)
}

func (e *MetadataError) Unwrap() error { return e.Err }

type ThumbnailError struct {
	Err error
}

func (e *ThumbnailError) Error() string {
	return fmt.Sprintf("thumbnail generation failed: %v", e.Err)
}

func (e *ThumbnailError) Unwrap() error { return e.Err }

// EncodeError is a single-quality failure. It never fails a job by itself.
type EncodeError struct {
	Quality string
	Err     error
}

func (e *EncodeError) Error() string {
	return fmt.Sprintf("encode %s failed: %v", e.Quality, e.Err)
}

func (e *EncodeError) Unwrap() error { return e.Err }

type StorageError struct {
	Op     string
	Bucket string
	Key    string
	Err    error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s %s/%s: %v", e.Op, e.Bucket, e.Key, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

type CancellationError struct {
	VideoID uuid.UUID
}

func (e *CancellationError) Error() string {
	return fmt.Sprintf("video %s was cancelled", e.VideoID)
}

func (e *CancellationError) Is(target error) bool {
	return target == ErrCancelled
}

type NotFoundError struct {
	VideoID uuid.UUID
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("video %s not found", e.VideoID)
}

func (e *NotFoundError) Is(target error) bool {
	return target == ErrNotFound
}

type TransitionError struct {
	From VideoStatus
	To   VideoStatus
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("invalid transition: %s -> %s", e.From, e.To)
}

func (e *TransitionError) Is(target error) bool {
	return target == ErrInvalidTransition
}

// IsRetryable reports whether a whole-job failure may be handed back to the
// queue for another attempt.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	switch {
	case errors.Is(err, ErrCancelled),
		errors.Is(err, ErrNotFound),
		errors.Is(err, ErrInvalidArgument),
		errors.Is(err, ErrInvalidTransition):
		return false
	}
	var me *MetadataError
	return !errors.As(err, &me)
}
