// Package codes defines the stable numeric result codes shared by the
// host, the engine and attached modules.
package codes

import (
	stderrors "errors"
	"fmt"

	"github.com/ossrs/go-oryx-lib/errors"
)

// ProtocolVersion is exchanged when a module attaches; both sides must agree.
const ProtocolVersion = 6

// Code is a stable numeric result. Zero is success, every failure is
// negative.
type Code int32

const (
	Success                  Code = 0
	Failure                  Code = -1
	InvalidParameters        Code = -2
	NoSuchModule             Code = -3
	ModuleNameTaken          Code = -4
	TooManyModules           Code = -5
	PortOutOfRange           Code = -6
	TooManyConnections       Code = -7
	CyclicDependency         Code = -8
	OutOfBufferSpace         Code = -9
	ProtocolVersionMismatch  Code = -10
	InsufficientMessageSpace Code = -11
	MessageTooLong           Code = -12
	EmptyMessage             Code = -13
)

var descriptions = map[Code]string{
	Success:                  "success",
	Failure:                  "failure",
	InvalidParameters:        "invalid parameters",
	NoSuchModule:             "no such module",
	ModuleNameTaken:          "module name taken",
	TooManyModules:           "too many modules",
	PortOutOfRange:           "port out of range",
	TooManyConnections:       "too many connections",
	CyclicDependency:         "cyclic dependency",
	OutOfBufferSpace:         "out of buffer space",
	ProtocolVersionMismatch:  "protocol version mismatch",
	InsufficientMessageSpace: "insufficient message space",
	MessageTooLong:           "message too long",
	EmptyMessage:             "empty message",
}

func (c Code) String() string {
	if s, ok := descriptions[c]; ok {
		return s
	}
	return fmt.Sprintf("unknown code %d", int32(c))
}

// Error is a failure carrying a stable code.
type Error struct {
	code Code
}

func (e *Error) Error() string { return e.code.String() }

// Code returns the numeric code.
func (e *Error) Code() Code { return e.code }

// Is matches any *Error with the same code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.code == e.code
}

// Sentinel errors, one per failure code.
var (
	ErrFailure                  = &Error{Failure}
	ErrInvalidParameters        = &Error{InvalidParameters}
	ErrNoSuchModule             = &Error{NoSuchModule}
	ErrModuleNameTaken          = &Error{ModuleNameTaken}
	ErrTooManyModules           = &Error{TooManyModules}
	ErrPortOutOfRange           = &Error{PortOutOfRange}
	ErrTooManyConnections       = &Error{TooManyConnections}
	ErrCyclicDependency         = &Error{CyclicDependency}
	ErrOutOfBufferSpace         = &Error{OutOfBufferSpace}
	ErrProtocolVersionMismatch  = &Error{ProtocolVersionMismatch}
	ErrInsufficientMessageSpace = &Error{InsufficientMessageSpace}
	ErrMessageTooLong           = &Error{MessageTooLong}
	ErrEmptyMessage             = &Error{EmptyMessage}
)

// FromCode maps a code back to its sentinel error; Success maps to nil and
// unknown codes to ErrFailure.
func FromCode(c Code) error {
	switch c {
	case Success:
		return nil
	case InvalidParameters:
		return ErrInvalidParameters
	case NoSuchModule:
		return ErrNoSuchModule
	case ModuleNameTaken:
		return ErrModuleNameTaken
	case TooManyModules:
		return ErrTooManyModules
	case PortOutOfRange:
		return ErrPortOutOfRange
	case TooManyConnections:
		return ErrTooManyConnections
	case CyclicDependency:
		return ErrCyclicDependency
	case OutOfBufferSpace:
		return ErrOutOfBufferSpace
	case ProtocolVersionMismatch:
		return ErrProtocolVersionMismatch
	case InsufficientMessageSpace:
		return ErrInsufficientMessageSpace
	case MessageTooLong:
		return ErrMessageTooLong
	case EmptyMessage:
		return ErrEmptyMessage
	}
	return ErrFailure
}

// Of extracts the code from err, looking through wrapping. nil is Success
// and errors without a code are Failure.
func Of(err error) Code {
	if err == nil {
		return Success
	}
	var ce *Error
	if stderrors.As(err, &ce) {
		return ce.code
	}
	if stderrors.As(errors.Cause(err), &ce) {
		return ce.code
	}
	return Failure
}
