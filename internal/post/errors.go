package post

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when no owner-scoped record matches.
	ErrNotFound = errors.New("post: not found")
	// ErrInvalidTransition is returned when a status change would leave a terminal state.
	ErrInvalidTransition = errors.New("post: invalid status transition")
	// ErrAllChannelsFailed marks a dispatch where every channel send failed.
	ErrAllChannelsFailed = errors.New("post: delivery failed on all channels")
)

// ValidationError is a rejected input. It never reaches the store.
// Fields optionally lists every failed field when more than one was checked.
type ValidationError struct {
	Field  string
	Reason string
	Fields map[string]string
}

// FieldMap returns Fields, or the single Field/Reason pair.
func (e *ValidationError) FieldMap() map[string]string {
	if len(e.Fields) > 0 {
		return e.Fields
	}
	if e.Field == "" {
		return nil
	}
	return map[string]string{e.Field: e.Reason}
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation: " + e.Reason
	}
	return "validation: " + e.Field + ": " + e.Reason
}

func Invalid(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// DeliveryError is a failed send to a single channel.
type DeliveryError struct {
	ChannelID string
	Err       error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("deliver to %s: %v", e.ChannelID, e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }

// StoreError wraps a persistence failure.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string { return "store " + e.Op + ": " + e.Err.Error() }

func (e *StoreError) Unwrap() error { return e.Err }

// WrapStore wraps err as a StoreError unless it is nil or already a domain error.
func WrapStore(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrInvalidTransition) {
		return err
	}
	var ve *ValidationError
	if errors.As(err, &ve) {
		return err
	}
	var se *StoreError
	if errors.As(err, &se) {
		return err
	}
	return &StoreError{Op: op, Err: err}
}

func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

func IsStore(err error) bool {
	var se *StoreError
	return errors.As(err, &se)
}
