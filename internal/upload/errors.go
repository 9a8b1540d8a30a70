package upload

import (
	"errors"
	"fmt"
)

var (
	ErrValidation            = errors.New("invalid request")
	ErrIndexOutOfRange       = errors.New("chunk index out of range")
	ErrProtocolInconsistency = errors.New("chunk metadata disagrees with upload")
	ErrStorage               = errors.New("chunk storage failed")
	ErrMerge                 = errors.New("merging chunks failed")
	ErrSessionMerging        = errors.New("upload already complete")
	ErrSessionIncomplete     = errors.New("upload has missing chunks")
	ErrUploadNotFound        = errors.New("upload not found or expired")
)

// ValidationError reports a missing or malformed request field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return e.Reason
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

func Invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

type IndexError struct {
	Index int
	Total int
}

func (e *IndexError) Error() string {
	return fmt.Sprintf("chunk index %d out of range [0, %d)", e.Index, e.Total)
}

func (e *IndexError) Is(target error) bool {
	return target == ErrIndexOutOfRange
}

// ProtocolError is returned when a chunk's totalChunks differs from the value
// fixed by the first chunk of the upload.
type ProtocolError struct {
	UploadID string
	Expected int
	Got      int
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("totalChunks mismatch for %s: upload has %d, chunk says %d", e.UploadID, e.Expected, e.Got)
}

func (e *ProtocolError) Is(target error) bool {
	return target == ErrProtocolInconsistency
}

type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("%v: %s: %v", ErrStorage, e.Op, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

func (e *StorageError) Is(target error) bool {
	return target == ErrStorage
}

// MergeError carries the index of the chunk that could not be appended.
// Index is -1 when the failure happened after every chunk was consumed.
type MergeError struct {
	Index int
	Err   error
}

func (e *MergeError) Error() string {
	if e.Index < 0 {
		return fmt.Sprintf("%v: %v", ErrMerge, e.Err)
	}
	return fmt.Sprintf("%v at chunk %d: %v", ErrMerge, e.Index, e.Err)
}

func (e *MergeError) Unwrap() error {
	return e.Err
}

func (e *MergeError) Is(target error) bool {
	return target == ErrMerge
}
