package utils

import (
	"github.com/ossrs/go-oryx-lib/errors"
)

// NewError creates a new error with a message
func NewError(msg string) error {
	return errors.New(msg)
}

// WrapError wraps an error with additional context. A nil err yields a
// plain error carrying msg.
func WrapError(err error, msg string) error {
	if err == nil {
		return errors.New(msg)
	}
	return errors.Wrapf(err, "%s", msg)
}

// TimeoutError creates a timeout error
func TimeoutError(operation string) error {
	return errors.Errorf("%s: operation timed out", operation)
}

// FirstError returns the first non-nil error.
func FirstError(errs ...error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}
