package script

import (
	"fmt"
	"reflect"

	"github.com/google/uuid"

	scripterr "github.com/SCIInstitute/tuvok-scripting/errors"
)

// StrictHook appends fn to the hook collection of an already registered
// function. The hook runs after every successful native call with the same
// arguments. Its parameter signature must match the hooked function's
// exactly; it may return nothing or a single error.
func (e *Engine) StrictHook(fn interface{}, name string) error {
	return e.strictHookInternal(fn, name, false, false, "")
}

// SetUndoFun installs a replacement for the default undo behaviour of a
// function. May be set at most once per function.
func (e *Engine) SetUndoFun(fn interface{}, name string) error {
	return e.strictHookInternal(fn, name, true, false, "")
}

// SetRedoFun installs a replacement for the default redo behaviour of a
// function. May be set at most once per function.
func (e *Engine) SetRedoFun(fn interface{}, name string) error {
	return e.strictHookInternal(fn, name, false, true, "")
}

func (e *Engine) strictHookInternal(fn interface{}, name string, registerUndo, registerRedo bool, subscriber string) error {
	rec, ok := e.funcs[name]
	if !ok {
		return scripterr.Wrapf(scripterr.ErrNonExistantFunction,
			"unable to find function %q with which to associate a hook", name)
	}

	v, params, ret, hasErr, err := analyzeCallable(fn)
	if err != nil {
		return err
	}
	if ret != nil {
		return scripterr.Wrap(scripterr.ErrInvalidFunSignature,
			"hooks may not return a value")
	}
	hookSig := buildParamSig(params)
	if hookSig != rec.paramSig {
		return scripterr.Wrapf(scripterr.ErrInvalidFunSignature,
			"hook's parameter signature %s must match the hooked function's %s",
			hookSig, rec.paramSig)
	}

	switch {
	case registerUndo:
		if rec.undoFn != nil {
			return scripterr.Wrapf(scripterr.ErrUndoFuncAlreadySet,
				"undo function already set on %s", name)
		}
		rec.undoFn = &hookEntry{fn: v, hasErr: hasErr}
	case registerRedo:
		if rec.redoFn != nil {
			return scripterr.Wrapf(scripterr.ErrRedoFuncAlreadySet,
				"redo function already set on %s", name)
		}
		rec.redoFn = &hookEntry{fn: v, hasErr: hasErr}
	case subscriber != "":
		rec.memberHooks = append(rec.memberHooks, memberHookEntry{
			subscriber: subscriber,
			fn:         v,
			hasErr:     hasErr,
		})
	default:
		id := fmt.Sprintf("h%d", rec.hookIndex)
		rec.hookIndex++
		rec.hooks = append(rec.hooks, hookEntry{id: id, fn: v, hasErr: hasErr})
	}
	return nil
}

// SetNullUndo marks a function so the native call is skipped on undo; child
// records are still traversed.
func (e *Engine) SetNullUndo(name string) error {
	rec, ok := e.funcs[name]
	if !ok {
		return scripterr.Wrapf(scripterr.ErrNonExistantFunction,
			"unable to find function %q with which to associate a null undo", name)
	}
	rec.nullUndo = true
	return nil
}

// SetNullRedo marks a function so the native call is skipped on redo.
func (e *Engine) SetNullRedo(name string) error {
	rec, ok := e.funcs[name]
	if !ok {
		return scripterr.Wrapf(scripterr.ErrNonExistantFunction,
			"unable to find function %q with which to associate a null redo", name)
	}
	rec.nullRedo = true
	return nil
}

// SetUndoRedoStackExempt keeps a function out of the undo/redo stack while
// still allowing provenance description logging.
func (e *Engine) SetUndoRedoStackExempt(name string) error {
	rec, ok := e.funcs[name]
	if !ok {
		return scripterr.Wrapf(scripterr.ErrNonExistantFunction,
			"unable to find function %q", name)
	}
	e.exemptFromStack(rec)
	return nil
}

func (e *Engine) exemptFromStack(rec *funcRecord) {
	rec.stackExempt = true
	rec.defaults = nil
	rec.lastExec = nil
}

// SetProvenanceExempt keeps a function out of both the undo/redo stack and
// the provenance description log.
func (e *Engine) SetProvenanceExempt(name string) error {
	if err := e.SetUndoRedoStackExempt(name); err != nil {
		return err
	}
	e.funcs[name].provExempt = true
	return nil
}

// doHooks invokes every static and member hook of a record with the call's
// arguments, in registration order. Hook failures are logged into the
// provenance description and propagated.
func (e *Engine) doHooks(rec *funcRecord, args []interface{}) error {
	in := make([]reflect.Value, len(args))
	for i, a := range args {
		in[i] = reflect.ValueOf(a)
	}

	numStatic := 0
	for _, h := range rec.hooks {
		if err := callHook(h.fn, h.hasErr, in); err != nil {
			e.prov.logExecFailure(fmt.Sprintf("Static Hook: %v", err))
			return err
		}
		numStatic++
	}

	numMember := 0
	for _, h := range rec.memberHooks {
		if err := callHook(h.fn, h.hasErr, in); err != nil {
			e.prov.logExecFailure(fmt.Sprintf("Member Hook: %v", err))
			return err
		}
		numMember++
	}

	if numStatic+numMember > 0 && !rec.provExempt {
		e.prov.logHooks(numStatic, numMember)
	}
	return nil
}

func callHook(fn reflect.Value, hasErr bool, in []reflect.Value) error {
	outs := fn.Call(in)
	if hasErr && !outs[0].IsNil() {
		return outs[0].Interface().(error)
	}
	return nil
}

// MemberReg registers functions and hooks on behalf of a single native
// subscriber and removes every one of them when closed. Use one per
// collaborating object so its bindings cannot outlive it.
type MemberReg struct {
	e          *Engine
	id         string
	registered []string
	hooked     []string
	closed     bool
}

// NewMemberReg creates a member registration scope with a fresh subscriber
// ID.
func (e *Engine) NewMemberReg() *MemberReg {
	return &MemberReg{e: e, id: uuid.NewString()}
}

// RegisterFunction registers a function and remembers it for removal on
// Close. fn is typically a bound method value.
func (m *MemberReg) RegisterFunction(fn interface{}, name, desc string, undoRedo bool) (string, error) {
	fq, err := m.e.RegisterFunction(fn, name, desc, undoRedo)
	if err != nil {
		return "", err
	}
	m.registered = append(m.registered, fq)
	return fq, nil
}

// StrictHook registers a member hook under this subscriber's ID.
func (m *MemberReg) StrictHook(fn interface{}, name string) error {
	if err := m.e.strictHookInternal(fn, name, false, false, m.id); err != nil {
		return err
	}
	m.hooked = append(m.hooked, name)
	return nil
}

// Close unregisters every function and removes every member hook this
// subscriber installed. Safe to call more than once.
func (m *MemberReg) Close() {
	if m.closed {
		return
	}
	m.closed = true
	for _, name := range m.hooked {
		if rec, ok := m.e.funcs[name]; ok {
			kept := rec.memberHooks[:0]
			for _, h := range rec.memberHooks {
				if h.subscriber != m.id {
					kept = append(kept, h)
				}
			}
			rec.memberHooks = kept
		}
	}
	m.hooked = nil
	for _, name := range m.registered {
		// The function may already be gone if the whole engine tore down.
		_ = m.e.UnregisterFunction(name)
	}
	m.registered = nil
}
