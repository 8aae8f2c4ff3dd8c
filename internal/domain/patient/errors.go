package patient

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned by a Store when no record matches a lookup.
	ErrNotFound = errors.New("patient not found")

	// ErrDuplicate matches any *DuplicateError via errors.Is.
	ErrDuplicate = errors.New("duplicate patient")

	// ErrIdentifierSpaceExhausted is returned by the Generator when every
	// sampled candidate within the attempt bound was already taken.
	ErrIdentifierSpaceExhausted = errors.New("external identifier space exhausted")

	// ErrInvalid is wrapped by Validate for records missing required fields.
	ErrInvalid = errors.New("invalid patient")
)

// MismatchError reports that an incoming record disagrees with the stored
// record for the same external identifier and auto-merge was off.
type MismatchError struct {
	Fields FieldSet
}

func (e *MismatchError) Error() string {
	return fmt.Sprintf("incoming record disagrees with stored record on: %s", e.Fields)
}

// DuplicateError reports that more than one stored record shares the
// incoming (first name, last name, birthday) key.
type DuplicateError struct {
	Count int
}

func (e *DuplicateError) Error() string {
	return fmt.Sprintf("%d stored patients share the same name and birthday", e.Count)
}

func (e *DuplicateError) Is(target error) bool {
	return target == ErrDuplicate
}

// StoreError wraps a persistence failure with the store operation that
// produced it.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("patient store %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error {
	return e.Err
}
