// Package validation checks candidate records against an ordered chain of
// validators. The first rejection wins; validators after it never run.
package validation

import (
	"errors"
	"fmt"
)

// Record is a flat key/value candidate, such as a flattened config file.
type Record map[string]string

// Get returns the value for key, or "" when absent.
func (r Record) Get(key string) string {
	return r[key]
}

// Validator approves a record by returning nil, or rejects it with a reason.
type Validator interface {
	Name() string
	Validate(r Record) error
}

// ValidatorFunc adapts a function to the Validator interface.
type ValidatorFunc struct {
	name string
	fn   func(Record) error
}

// Func returns a named Validator backed by fn.
func Func(name string, fn func(Record) error) ValidatorFunc {
	return ValidatorFunc{name: name, fn: fn}
}

// Name implements Validator.
func (f ValidatorFunc) Name() string { return f.name }

// Validate implements Validator.
func (f ValidatorFunc) Validate(r Record) error { return f.fn(r) }

// RejectError describes the first failed check.
type RejectError struct {
	Validator string
	Reason    string
}

func (e *RejectError) Error() string {
	return fmt.Sprintf("%s: %s", e.Validator, e.Reason)
}

// Reject builds a RejectError for the named validator.
func Reject(validator, reason string) *RejectError {
	return &RejectError{Validator: validator, Reason: reason}
}

// Recorder is told about every chain outcome. A nil error means the record
// was approved.
type Recorder interface {
	ObserveValidation(err error)
}

// asReject attributes a plain error from v to v.
func asReject(v Validator, err error) *RejectError {
	var re *RejectError
	if errors.As(err, &re) {
		return re
	}
	return Reject(v.Name(), err.Error())
}
