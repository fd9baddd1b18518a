package ingest

import (
	"errors"
	"fmt"
)

// Closed enumeration of domain errors. Handlers match these with errors.Is
// and map them to HTTP codes; anything not listed here is a transient store
// failure and safe to retry with the same inputs.
var (
	ErrNotFound            = errors.New("upload not found")
	ErrNotAuthorized       = errors.New("not authorized")
	ErrInvalidArgument     = errors.New("invalid argument")
	ErrQuotaExceeded       = errors.New("too many open uploads")
	ErrWrongState          = errors.New("operation not legal in current state")
	ErrAlreadyTerminal     = errors.New("upload already in a terminal state")
	ErrChunkConflict       = errors.New("chunk already written with different bytes")
	ErrNotAllReceived      = errors.New("upload has missing chunks")
	ErrSizeMismatch        = errors.New("declared size disagrees with assembled size")
	ErrNotComplete         = errors.New("upload is not complete")
	ErrRangeNotSatisfiable = errors.New("range outside assembled size")
)

// WrongStateError carries the state that made the operation illegal, so the
// client learns e.g. that its upload expired.
type WrongStateError struct {
	State string
}

func (e *WrongStateError) Error() string {
	return fmt.Sprintf("operation not legal in state %s", e.State)
}

func (e *WrongStateError) Is(target error) bool { return target == ErrWrongState }

// MissingChunksError enumerates the indices still absent when complete was
// attempted.
type MissingChunksError struct {
	Missing []int
}

func (e *MissingChunksError) Error() string {
	return fmt.Sprintf("%d chunk(s) missing", len(e.Missing))
}

func (e *MissingChunksError) Is(target error) bool { return target == ErrNotAllReceived }
