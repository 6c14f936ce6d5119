package script

import (
	"reflect"

	lua "github.com/yuin/gopher-lua"

	scripterr "github.com/SCIInstitute/tuvok-scripting/errors"
	"github.com/SCIInstitute/tuvok-scripting/marshal"
)

// makeProxy builds the thin interpreter-side callable for a record. The
// proxy pulls arguments off the evaluation stack, invokes the native
// callable, records provenance, fires hooks, and leaves the return value on
// the stack.
//
// Calling convention: the callable table itself arrives as the first stack
// value (__call), so user arguments start at position 2. Instance methods
// additionally tolerate a leading self argument so both dot and colon call
// styles work from script code.
func (e *Engine) makeProxy(rec *funcRecord) lua.LGFunction {
	return func(L *lua.LState) int {
		nret := 0
		if rec.retType != nil || rec.kind == funcConstructor {
			nret = 1
		}
		guard := e.newStackGuard(0, nret)
		defer guard.release()

		firstArg := 2
		numSupplied := L.GetTop() - firstArg + 1
		if rec.kind == funcMember && rec.instID != marshal.DefaultInstanceID &&
			numSupplied == len(rec.paramTypes)+1 {
			if tbl, ok := L.Get(firstArg).(*lua.LTable); ok && tableInstanceID(tbl) == rec.instID {
				firstArg++
				numSupplied--
			}
		}

		if e.opts.TypeChecks {
			if numSupplied != len(rec.paramTypes) {
				e.fail(L, scripterr.Wrapf(scripterr.ErrUnequalNumParams,
					"%s expects %d parameters, got %d",
					rec.fqName, len(rec.paramTypes), numSupplied))
			}
			for i, pt := range rec.paramTypes {
				if !marshal.TypeMatches(L, firstArg+i, pt) {
					e.fail(L, scripterr.Wrapf(scripterr.ErrInvalidType,
						"%s parameter %d expects %s",
						rec.fqName, i+1, marshal.TypeString(pt)))
				}
			}
		}

		args := make([]interface{}, len(rec.paramTypes))
		for i, pt := range rec.paramTypes {
			v, err := marshal.Get(L, firstArg+i, pt)
			if err != nil {
				e.fail(L, err)
			}
			args[i] = v
		}

		entry, err := e.prov.logExecutionBegin(rec, args)
		if err != nil {
			e.fail(L, err)
		}

		e.prov.beginCommand()
		ret, err := e.invokeNative(rec, args)
		e.prov.endCommand()
		if err != nil {
			e.prov.logExecFailure(err.Error())
			e.prov.discard(entry)
			e.fail(L, err)
		}

		e.prov.logExecutionEnd(rec, entry, args)

		if err := e.doHooks(rec, args); err != nil {
			// The provenance entry for the main call is left in place:
			// undoing it still restores the prior state.
			e.fail(L, err)
		}

		if nret == 1 {
			lv, err := marshal.ToLua(L, reflect.ValueOf(ret))
			if err != nil {
				e.fail(L, err)
			}
			L.Push(lv)
		}
		return nret
	}
}

func tableInstanceID(tbl *lua.LTable) marshal.IDType {
	mt, ok := tbl.Metatable.(*lua.LTable)
	if !ok {
		return marshal.DefaultInstanceID
	}
	id, ok := mt.RawGetString(marshal.MDGlobalInstanceID).(lua.LNumber)
	if !ok {
		return marshal.DefaultInstanceID
	}
	return marshal.IDType(id)
}

// invokeNative calls the record's native callable with unmarshalled
// arguments. Constructor records divert to the instance builder.
func (e *Engine) invokeNative(rec *funcRecord, args []interface{}) (interface{}, error) {
	if rec.kind == funcConstructor {
		return e.constructInstance(rec, args)
	}
	in := make([]reflect.Value, len(args))
	for i, a := range args {
		in[i] = reflect.ValueOf(a)
	}
	outs := rec.fn.Call(in)
	if rec.hasErr {
		if errVal := outs[len(outs)-1]; !errVal.IsNil() {
			return nil, errVal.Interface().(error)
		}
	}
	if rec.retType != nil {
		return outs[0].Interface(), nil
	}
	return nil, nil
}

// fail carries a typed Go error across the interpreter's panic path. It
// never returns.
func (e *Engine) fail(L *lua.LState, err error) {
	e.lastGoErr = err
	L.RaiseError("%s", err.Error())
}

// wrapLuaError converts an interpreter failure into a taxonomy error,
// recovering the typed Go error when the failure originated in a proxy.
func (e *Engine) wrapLuaError(err error) error {
	if err == nil {
		return nil
	}
	if goErr := e.lastGoErr; goErr != nil {
		e.lastGoErr = nil
		return goErr
	}
	if apiErr, ok := err.(*lua.ApiError); ok {
		return scripterr.Wrapf(scripterr.ErrLuaError, "%v", apiErr.Object)
	}
	return scripterr.Wrapf(scripterr.ErrLuaError, "%v", err)
}

// callRegistered pushes a record's callable table and arguments and invokes
// it through the interpreter, leaving nret values on the stack.
func (e *Engine) callRegistered(rec *funcRecord, args []interface{}, nret int) error {
	mt, ok := rec.table.Metatable.(*lua.LTable)
	if !ok {
		return scripterr.Wrapf(scripterr.ErrLuaError,
			"%s has no callable metatable", rec.fqName)
	}
	callFn, ok := mt.RawGetString("__call").(*lua.LFunction)
	if !ok {
		return scripterr.Wrapf(scripterr.ErrLuaError,
			"%s has an invalid function pointer", rec.fqName)
	}
	lvArgs := make([]lua.LValue, 0, len(args)+1)
	lvArgs = append(lvArgs, rec.table)
	for _, a := range args {
		lv, err := marshal.ToLua(e.L, reflect.ValueOf(a))
		if err != nil {
			return err
		}
		lvArgs = append(lvArgs, lv)
	}
	err := e.L.CallByParam(lua.P{Fn: callFn, NRet: nret, Protect: true}, lvArgs...)
	if err != nil {
		return e.wrapLuaError(err)
	}
	return nil
}

// Cexec invokes a registered function by fully qualified name with native
// arguments, discarding any return value.
func (e *Engine) Cexec(name string, args ...interface{}) error {
	guard := e.newStackGuard(0, 0)
	defer guard.release()

	rec, ok := e.funcs[name]
	if !ok {
		return scripterr.Wrapf(scripterr.ErrNonExistantFunction,
			"unable to find function %q", name)
	}
	if err := e.checkArgs(rec, args); err != nil {
		return err
	}
	return e.callRegistered(rec, args, 0)
}

// checkArgs performs the optional runtime arity and static type checks
// against the stored signature before anything touches the stack.
func (e *Engine) checkArgs(rec *funcRecord, args []interface{}) error {
	if !e.opts.TypeChecks {
		return nil
	}
	if len(args) != len(rec.paramTypes) {
		return scripterr.Wrapf(scripterr.ErrUnequalNumParams,
			"%s expects %d parameters, got %d",
			rec.fqName, len(rec.paramTypes), len(args))
	}
	for i, a := range args {
		if a == nil {
			return scripterr.Wrapf(scripterr.ErrInvalidType,
				"%s parameter %d is nil", rec.fqName, i+1)
		}
		if !marshal.CompatibleGoType(rec.paramTypes[i], reflect.TypeOf(a)) {
			return scripterr.Wrapf(scripterr.ErrInvalidType,
				"%s parameter %d expects %s, got %s",
				rec.fqName, i+1, marshal.TypeString(rec.paramTypes[i]),
				marshal.TypeString(reflect.TypeOf(a)))
		}
	}
	return nil
}

// cexecRet invokes a registered function and unmarshals its single return
// value as retType.
func (e *Engine) cexecRet(name string, retType reflect.Type, args ...interface{}) (interface{}, error) {
	guard := e.newStackGuard(0, 0)
	defer guard.release()

	rec, ok := e.funcs[name]
	if !ok {
		return nil, scripterr.Wrapf(scripterr.ErrNonExistantFunction,
			"unable to find function %q", name)
	}
	if err := e.checkArgs(rec, args); err != nil {
		return nil, err
	}
	if err := e.callRegistered(rec, args, 1); err != nil {
		return nil, err
	}
	ret, err := marshal.Get(e.L, -1, retType)
	e.L.Pop(1)
	if err != nil {
		return nil, err
	}
	return ret, nil
}

// CexecRet invokes a registered function and returns its single return
// value marshalled as T.
func CexecRet[T any](e *Engine, name string, args ...interface{}) (T, error) {
	var zero T
	ret, err := e.cexecRet(name, reflect.TypeOf(zero), args...)
	if err != nil {
		return zero, err
	}
	out, ok := ret.(T)
	if !ok {
		return zero, scripterr.Wrapf(scripterr.ErrInvalidType,
			"return value of %s is not %T", name, zero)
	}
	return out, nil
}

// Exec compiles and runs a script fragment.
func (e *Engine) Exec(cmd string) error {
	guard := e.newStackGuard(0, 0)
	defer guard.release()
	if err := e.L.DoString(cmd); err != nil {
		return e.wrapLuaError(err)
	}
	return nil
}

// execRet compiles "return <cmd>" and extracts the single resulting value.
func (e *Engine) execRet(cmd string, retType reflect.Type) (interface{}, error) {
	guard := e.newStackGuard(0, 0)
	defer guard.release()

	fn, err := e.L.LoadString("return " + cmd)
	if err != nil {
		return nil, e.wrapLuaError(err)
	}
	if err := e.L.CallByParam(lua.P{Fn: fn, NRet: 1, Protect: true}); err != nil {
		return nil, e.wrapLuaError(err)
	}
	ret, err := marshal.Get(e.L, -1, retType)
	e.L.Pop(1)
	if err != nil {
		return nil, err
	}
	return ret, nil
}

// ExecRet runs a script fragment and returns its value marshalled as T.
func ExecRet[T any](e *Engine, cmd string) (T, error) {
	var zero T
	ret, err := e.execRet(cmd, reflect.TypeOf(zero))
	if err != nil {
		return zero, err
	}
	out, ok := ret.(T)
	if !ok {
		return zero, scripterr.Wrapf(scripterr.ErrInvalidType,
			"result of %q is not %T", cmd, zero)
	}
	return out, nil
}

// SetDefaults overwrites a function's defaults and last-exec vectors with
// args. When call is true the function is additionally invoked with those
// arguments under a temporary provenance disable, so no undo/redo entry is
// produced for the defaulting call.
func (e *Engine) SetDefaults(name string, args []interface{}, call bool) error {
	rec, ok := e.funcs[name]
	if !ok {
		return scripterr.Wrapf(scripterr.ErrNonExistantFunction,
			"unable to find function %q", name)
	}
	if err := e.checkArgs(rec, args); err != nil {
		return err
	}
	coerced, err := coerceArgs(rec.paramTypes, args)
	if err != nil {
		return err
	}
	rec.defaults = cloneVals(coerced)
	rec.lastExec = cloneVals(coerced)

	if call {
		e.prov.setTempDisable(true)
		err := e.Cexec(name, args...)
		e.prov.setTempDisable(false)
		return err
	}
	return nil
}

// coerceArgs converts compatible numeric arguments to the declared
// parameter types so stored vectors replay with exact types.
func coerceArgs(params []reflect.Type, args []interface{}) ([]interface{}, error) {
	out := make([]interface{}, len(args))
	for i, a := range args {
		av := reflect.ValueOf(a)
		if av.Type() == params[i] {
			out[i] = a
			continue
		}
		if !av.Type().ConvertibleTo(params[i]) {
			return nil, scripterr.Wrapf(scripterr.ErrInvalidType,
				"parameter %d: cannot convert %s to %s",
				i+1, av.Type(), params[i])
		}
		out[i] = av.Convert(params[i]).Interface()
	}
	return out, nil
}
