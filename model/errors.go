package model

import (
	"errors"
	"fmt"
)

var (
	ErrMalformedEvent      = fmt.Errorf("malformed event")
	ErrUnknownTargetUpdate = fmt.Errorf("update target not loaded")
	ErrWriteFailure        = fmt.Errorf("write failed")
	ErrSubscriptionLost    = fmt.Errorf("subscription lost")
	ErrScopeClosed         = fmt.Errorf("scope closed")
	ErrNotFound            = fmt.Errorf("record not found")
	ErrInvalidTable        = fmt.Errorf("invalid table")
)

// WriteFailure is reported to the caller of an optimistic write that the backend rejected.
// Payload is the original payload so the caller can restore its input.
type WriteFailure struct {
	// Temp id of the rolled back record (insert) or the target record id (update)
	Id      RecordID
	Payload Fields
	Err     error
}

// Error implements the error interface.
func (f *WriteFailure) Error() string {
	return fmt.Sprintf("%v (%s): %v", ErrWriteFailure, f.Id, f.Err)
}

func (f *WriteFailure) Unwrap() error {
	return f.Err
}

func (f *WriteFailure) Is(target error) bool {
	return target == ErrWriteFailure
}

// AsWriteFailure extracts a WriteFailure from the error chain.
func AsWriteFailure(err error) (*WriteFailure, bool) {
	var failure *WriteFailure
	if errors.As(err, &failure) {
		return failure, true
	}

	return nil, false
}
