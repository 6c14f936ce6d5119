package script

import (
	scripterr "github.com/SCIInstitute/tuvok-scripting/errors"
)

// LastExec returns the argument vector of the most recent successful call of
// a registered function (or its defaults if it never ran). Stack-exempt
// functions keep no vector; LastExec returns nil for them.
func (e *Engine) LastExec(fqName string) ([]interface{}, error) {
	rec, ok := e.funcs[fqName]
	if !ok {
		return nil, scripterr.Wrapf(scripterr.ErrNonExistantFunction,
			"unable to find function %q", fqName)
	}
	return cloneVals(rec.lastExec), nil
}

// Defaults returns the defaults vector of a registered function.
func (e *Engine) Defaults(fqName string) ([]interface{}, error) {
	rec, ok := e.funcs[fqName]
	if !ok {
		return nil, scripterr.Wrapf(scripterr.ErrNonExistantFunction,
			"unable to find function %q", fqName)
	}
	return cloneVals(rec.defaults), nil
}

// NumExecs returns how many times a function has successfully executed.
func (e *Engine) NumExecs(fqName string) (int, error) {
	rec, ok := e.funcs[fqName]
	if !ok {
		return 0, scripterr.Wrapf(scripterr.ErrNonExistantFunction,
			"unable to find function %q", fqName)
	}
	return rec.numExec, nil
}

// UndoStackSize returns the number of records on the undo/redo stack.
func (e *Engine) UndoStackSize() int { return len(e.prov.urStack) }

// StackPointer returns the 1-based provenance stack pointer. Records above
// it are redo-available.
func (e *Engine) StackPointer() int { return e.prov.stackPointer }

// CommandDepth returns the current command-group nesting depth.
func (e *Engine) CommandDepth() int { return e.prov.commandDepth }

// ProvenanceDesc returns a copy of the textual provenance record.
func (e *Engine) ProvenanceDesc() []string {
	return append([]string(nil), e.prov.descList...)
}

// ProvenanceEnabled reports whether the provenance system is recording.
func (e *Engine) ProvenanceEnabled() bool { return e.prov.enabled }

// StackHeight returns the current evaluation stack height. Exposed for
// stack-balance verification.
func (e *Engine) StackHeight() int { return e.L.GetTop() }
