// Package errors defines the failure taxonomy of the scripting engine.
// Every error the engine raises itself wraps one of the kind sentinels below,
// and every kind ultimately wraps ErrLuaError, so callers can match either a
// specific failure or the whole family with stdlib errors.Is. Errors returned
// by registered native functions and hooks are passed through unchanged.
package errors

import (
	"fmt"

	pkgerrors "github.com/pkg/errors"
)

// kindError is a taxonomy node: a named failure class that unwraps to its
// parent class.
type kindError struct {
	msg    string
	parent error
}

func (e *kindError) Error() string { return e.msg }
func (e *kindError) Unwrap() error { return e.parent }

// ErrLuaError is the root of the taxonomy. Unknown interpreter panics are
// rewrapped as this kind.
var ErrLuaError error = &kindError{msg: "lua error"}

var (
	// ErrFunBind covers every failure to bind a function into the
	// interpreter's table hierarchy, including duplicate names.
	ErrFunBind error = &kindError{"function bind error", ErrLuaError}

	// ErrNonExistantFunction is returned when a fully qualified name does
	// not resolve to a registered function.
	ErrNonExistantFunction error = &kindError{"nonexistant function", ErrLuaError}

	// ErrInvalidFunSignature is returned when a hook or undo/redo override
	// does not match the parameter signature of the function it targets.
	ErrInvalidFunSignature error = &kindError{"invalid function signature", ErrLuaError}

	// ErrProvenanceReenter is raised when provenance logging re-enters
	// itself and the reentry exception is enabled.
	ErrProvenanceReenter error = &kindError{"provenance reentry", ErrLuaError}

	// ErrProvenanceInvalidUndoOrRedo covers undo/redo replay failures that
	// are not attributable to either direction.
	ErrProvenanceInvalidUndoOrRedo error = &kindError{"invalid undo or redo", ErrLuaError}

	// ErrProvenanceInvalidUndo is returned when the undo pointer is at the
	// bottom of the stack or an undo replay fails.
	ErrProvenanceInvalidUndo error = &kindError{"invalid undo", ErrProvenanceInvalidUndoOrRedo}

	// ErrProvenanceInvalidRedo is returned when the redo pointer is at the
	// top of the stack or a redo replay fails.
	ErrProvenanceInvalidRedo error = &kindError{"invalid redo", ErrProvenanceInvalidUndoOrRedo}

	// ErrProvenanceFailedUndo is returned when the undo buffer does not
	// hold enough history to resolve deleted instances.
	ErrProvenanceFailedUndo error = &kindError{"failed undo", ErrLuaError}

	// ErrInvalidType is returned on any argument or return value whose type
	// does not match the registered signature.
	ErrInvalidType error = &kindError{"invalid type", ErrLuaError}

	// ErrUnequalNumParams is returned when the argument count does not
	// match the registered arity.
	ErrUnequalNumParams error = &kindError{"unequal number of parameters", ErrLuaError}

	// ErrUndoFuncAlreadySet is returned on a second setUndoFun for the
	// same function.
	ErrUndoFuncAlreadySet error = &kindError{"undo function already set", ErrLuaError}

	// ErrRedoFuncAlreadySet is returned on a second setRedoFun for the
	// same function.
	ErrRedoFuncAlreadySet error = &kindError{"redo function already set", ErrLuaError}

	// ErrNonExistantClassInstancePointer is returned when a raw pointer has
	// no association in the instance lookup table.
	ErrNonExistantClassInstancePointer error = &kindError{"nonexistant class instance pointer", ErrLuaError}
)

// Wrap annotates a taxonomy kind with a message. The result matches the kind
// (and all its ancestors) under errors.Is.
func Wrap(kind error, msg string) error {
	return pkgerrors.Wrap(kind, msg)
}

// Wrapf annotates a taxonomy kind with a formatted message.
func Wrapf(kind error, format string, args ...interface{}) error {
	return pkgerrors.Wrap(kind, fmt.Sprintf(format, args...))
}
