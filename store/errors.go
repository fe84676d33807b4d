package store

import "fmt"

// ErrInternal is returned when the underlying log store fails.
type ErrInternal struct {
	Err error
}

func (e *ErrInternal) Error() string {
	return fmt.Sprintf("internal error: %v", e.Err)
}

func (e *ErrInternal) Unwrap() error {
	return e.Err
}

// ErrCorruptRecord is returned when a stored message cannot be decoded.
type ErrCorruptRecord struct {
	Key    string
	Reason string
}

func (e *ErrCorruptRecord) Error() string {
	return fmt.Sprintf("corrupt record at key %s: %s", e.Key, e.Reason)
}
