package script

import (
	"fmt"
	"reflect"
	"strings"

	lua "github.com/yuin/gopher-lua"

	scripterr "github.com/SCIInstitute/tuvok-scripting/errors"
	"github.com/SCIInstitute/tuvok-scripting/marshal"
)

// Disposable is the optional destructor interface. When a class instance's
// native object implements it, Dispose is called on deleteClass unless the
// no-delete hint is set.
type Disposable interface {
	Dispose()
}

// RegisterClass publishes a class factory at "<className>.new". Invoking it
// constructs the native object, mints a fresh instance ID, builds the
// instance table under the class instance container, and hands a
// ClassRegistration to the register callback so the native class can attach
// its methods. The construction is undoable as a unit: undo destroys the
// instance, redo recreates it with the same ID.
//
// Factory shapes: func(P...) *T or func(P...) (*T, error). A factory failure
// yields the default (invalid) class handle.
func (e *Engine) RegisterClass(factory interface{}, className, desc string,
	register func(*ClassRegistration, interface{})) error {

	fqFunName := className + ".new"
	rec, err := e.newConstructorRecord(factory, fqFunName, desc)
	if err != nil {
		return err
	}
	rec.className = className
	rec.regCallback = register
	if err := e.bindRecord(rec); err != nil {
		return err
	}
	// Construction must not re-run when undoing; instance cleanup happens
	// inside provenance. Child undo items are still executed.
	if err := e.SetNullUndo(fqFunName); err != nil {
		return err
	}
	e.registeredClasses = append(e.registeredClasses, className)
	return nil
}

// newConstructorRecord validates the factory and builds a constructor
// record. The published signature advertises a classInstance return.
func (e *Engine) newConstructorRecord(factory interface{}, fqName, desc string) (*funcRecord, error) {
	v := reflect.ValueOf(factory)
	if !v.IsValid() || v.Kind() != reflect.Func {
		return nil, scripterr.Wrap(scripterr.ErrFunBind,
			"class factory is not a function")
	}
	t := v.Type()
	if t.IsVariadic() {
		return nil, scripterr.Wrap(scripterr.ErrFunBind,
			"variadic factories cannot be registered")
	}

	params := make([]reflect.Type, t.NumIn())
	for i := range params {
		params[i] = t.In(i)
		if err := marshal.SupportedType(params[i]); err != nil {
			return nil, err
		}
	}

	hasErr := false
	switch t.NumOut() {
	case 1:
	case 2:
		if t.Out(1) != errorType {
			return nil, scripterr.Wrap(scripterr.ErrFunBind,
				"factory's second return value must be an error")
		}
		hasErr = true
	default:
		return nil, scripterr.Wrap(scripterr.ErrFunBind,
			"factory must return the new instance and an optional error")
	}
	switch t.Out(0).Kind() {
	case reflect.Ptr, reflect.Interface:
	default:
		return nil, scripterr.Wrap(scripterr.ErrFunBind,
			"factory must return a pointer to the new instance")
	}

	rec := &funcRecord{
		fqName:     fqName,
		desc:       desc,
		kind:       funcConstructor,
		fn:         v,
		paramTypes: params,
		retType:    reflect.TypeOf(marshal.ClassInstance{}),
		hasErr:     hasErr,
		paramDocs:  make(map[int]paramDoc),
		instID:     marshal.DefaultInstanceID,
	}
	rec.paramSig = buildParamSig(params)
	rec.sig = "classInstance " + rec.paramSig
	rec.sigName = "classInstance " + fqName + rec.paramSig
	rec.defaults = make([]interface{}, len(params))
	for i, pt := range params {
		def, err := marshal.Default(pt)
		if err != nil {
			return nil, err
		}
		rec.defaults[i] = def
	}
	rec.lastExec = cloneVals(rec.defaults)
	return rec, nil
}

// newInstanceID mints the next instance ID. During redo of an
// instance-creating step a temporary range is active so recreated instances
// receive the IDs they had originally.
func (e *Engine) newInstanceID() marshal.IDType {
	if e.tempRange {
		id := e.tempCurrent
		e.tempCurrent++
		if e.tempCurrent > e.tempHigh {
			e.tempRange = false
		}
		e.vPrint("Class - Reuse: %d", id)
		return id
	}
	id := e.globalInstanceID
	e.globalInstanceID++
	e.vPrint("Class - New: %d", id)
	return id
}

func (e *Engine) setNextTempInstRange(low, high marshal.IDType) {
	e.tempRange = true
	e.tempLow = low
	e.tempHigh = high
	e.tempCurrent = low
}

// constructInstance performs the atomic construction sequence: mint an ID,
// call the native factory, build the instance table and its metatable,
// insert the pointer association, run the per-class registration callback,
// and record the creation on the current provenance step.
func (e *Engine) constructInstance(rec *funcRecord, args []interface{}) (interface{}, error) {
	id := e.newInstanceID()

	outs := rec.fn.Call(reflectArgs(args))
	if rec.hasErr {
		if errVal := outs[1]; !errVal.IsNil() {
			e.log.Warnf("constructor %s failed: %v", rec.fqName, errVal.Interface())
			return marshal.InvalidClassInstance(), nil
		}
	}
	ptrVal := outs[0]
	if ptrVal.IsNil() {
		e.log.Warnf("constructor %s returned nil", rec.fqName)
		return marshal.InvalidClassInstance(), nil
	}
	ptr := ptrVal.Interface()

	inst := marshal.NewClassInstance(id)

	instTbl := e.L.NewTable()
	mt := e.L.NewTable()
	mt.RawSetString(marshal.MDGlobalInstanceID, lua.LNumber(id))
	mt.RawSetString(marshal.MDFactoryName, lua.LString(rec.className))
	mt.RawSetString(marshal.MDNoDeleteHint, lua.LFalse)
	instTbl.Metatable = mt

	if err := e.bindClosureTable(inst.FQName(), instTbl); err != nil {
		return marshal.InvalidClassInstance(), err
	}

	e.instances[id] = &instanceRecord{
		id:        id,
		className: rec.className,
		ptr:       ptr,
		deleteFn: func() {
			if d, ok := ptr.(Disposable); ok {
				d.Dispose()
			}
		},
	}
	e.lookup[ptr] = id
	if lookupTbl, ok := e.resolve(marshal.ClassLookupTable).(*lua.LTable); ok {
		lookupTbl.RawSetInt(id, instTbl)
	}

	if rec.regCallback != nil {
		reg := &ClassRegistration{e: e, instID: id, ptr: ptr}
		rec.regCallback(reg, ptr)
	}

	e.prov.addCreatedInstance(id)
	return inst, nil
}

// GetLuaClassInstance resolves a raw native pointer back to its class
// instance handle.
func (e *Engine) GetLuaClassInstance(ptr interface{}) (marshal.ClassInstance, error) {
	id, ok := e.lookup[ptr]
	if !ok {
		return marshal.InvalidClassInstance(),
			scripterr.Wrap(scripterr.ErrNonExistantClassInstancePointer,
				"unable to find class instance")
	}
	return marshal.NewClassInstance(id), nil
}

// InstancePointer returns the raw native pointer of a live instance.
func (e *Engine) InstancePointer(inst marshal.ClassInstance) (interface{}, error) {
	irec, ok := e.instances[inst.GlobalID()]
	if !ok {
		return nil, scripterr.Wrapf(scripterr.ErrNonExistantClassInstancePointer,
			"instance %d is not alive", inst.GlobalID())
	}
	return irec.ptr, nil
}

// LiveInstanceIDs returns the IDs of every live instance, sorted.
func (e *Engine) LiveInstanceIDs() []marshal.IDType {
	return e.sortedInstanceIDs()
}

// deleteClassInstance destroys a class instance: the deletion is recorded on
// the current provenance step, the native destructor runs unless the
// no-delete hint is set, and every binding and lookup entry is removed.
// Reentrant: deleting an instance that is already gone is a no-op.
func (e *Engine) deleteClassInstance(inst marshal.ClassInstance) {
	irec, ok := e.instances[inst.GlobalID()]
	if !ok {
		return
	}
	id := irec.id
	fq := inst.FQName()

	// Erase the bindings before running the destructor so reentrant
	// deletes cannot get past the liveness check.
	for name := range e.funcs {
		if strings.HasPrefix(name, fq+".") {
			delete(e.funcs, name)
		}
	}
	if instContainer, ok := e.resolve(marshal.ClassInstanceTable).(*lua.LTable); ok {
		instContainer.RawSetString(
			fmt.Sprintf("%s%d", marshal.ClassInstancePrefix, id), lua.LNil)
	}
	if lookupTbl, ok := e.resolve(marshal.ClassLookupTable).(*lua.LTable); ok {
		lookupTbl.RawSetInt(id, lua.LNil)
	}
	delete(e.lookup, irec.ptr)
	delete(e.instances, id)

	e.prov.addDeletedInstance(id)

	if !irec.noDeleteHint && irec.deleteFn != nil {
		irec.deleteFn()
	}
}

// NotifyOfDeletion informs the engine that a native object is being torn
// down outside of deleteClass (for example a window closed by the user).
// The native destructor is not called again.
func (e *Engine) NotifyOfDeletion(inst marshal.ClassInstance) {
	irec, ok := e.instances[inst.GlobalID()]
	if !ok {
		// Not created by the scripting engine; nothing to do.
		return
	}
	irec.noDeleteHint = true
	if instTbl, ok := e.resolve(inst.FQName()).(*lua.LTable); ok {
		if mt, ok := instTbl.Metatable.(*lua.LTable); ok {
			mt.RawSetString(marshal.MDNoDeleteHint, lua.LTrue)
		}
	}
	if err := e.Cexec("deleteClass", inst); err != nil {
		e.log.Warnf("notifyOfDeletion: %v", err)
	}
}

// deleteAllClassInstances destroys every live instance and resets the
// instance and lookup tables. Runs first during teardown: destructors may
// reach back into still-registered functions.
func (e *Engine) deleteAllClassInstances() {
	for _, id := range e.sortedInstanceIDs() {
		e.deleteClassInstance(marshal.NewClassInstance(id))
	}
	if sys, ok := e.L.GetGlobal(marshal.SystemTable).(*lua.LTable); ok {
		inst := e.L.NewTable()
		sys.RawSetString("inst", inst)
		e.namespaces[marshal.ClassInstanceTable] = inst
		lookup := e.L.NewTable()
		sys.RawSetString("lookup", lookup)
		e.namespaces[marshal.ClassLookupTable] = lookup
	}
	e.instances = make(map[marshal.IDType]*instanceRecord)
	e.lookup = make(map[interface{}]marshal.IDType)
}

// cleanupClassConstructors drops the per-class registration callbacks and
// the ".new" entries.
func (e *Engine) cleanupClassConstructors() {
	for _, className := range e.registeredClasses {
		fq := className + ".new"
		rec, ok := e.funcs[fq]
		if !ok {
			continue
		}
		rec.regCallback = nil
		e.unbind(rec)
	}
	e.registeredClasses = nil
}

// ClassRegistration lets a native class attach methods onto its instance
// table during construction, and manage inheritance.
type ClassRegistration struct {
	e      *Engine
	instID marshal.IDType
	ptr    interface{}

	proxyFuncs []string
}

// CanRegister reports whether this registration is attached to an instance
// created through the scripting engine.
func (r *ClassRegistration) CanRegister() bool {
	return r.instID != marshal.DefaultInstanceID
}

// Instance returns the handle of the instance being registered.
func (r *ClassRegistration) Instance() marshal.ClassInstance {
	return marshal.NewClassInstance(r.instID)
}

// Function registers a member function on the instance table under its
// unqualified name. fn is typically a bound method value of the constructed
// object.
func (r *ClassRegistration) Function(fn interface{}, unqualifiedName, desc string, undoRedo bool) (string, error) {
	return r.register(fn, unqualifiedName, desc, undoRedo, false)
}

// FunctionProxy registers a function owned by another object on this
// instance table. Proxied methods are tracked so ClearProxyFunctions can
// wipe them.
func (r *ClassRegistration) FunctionProxy(fn interface{}, unqualifiedName, desc string, undoRedo bool) (string, error) {
	return r.register(fn, unqualifiedName, desc, undoRedo, true)
}

func (r *ClassRegistration) register(fn interface{}, unqualifiedName, desc string, undoRedo, proxy bool) (string, error) {
	if !r.CanRegister() {
		return "", scripterr.Wrap(scripterr.ErrLuaError,
			"check canRegister before registering functions: this class "+
				"instance was not created through the scripting engine")
	}
	fqName := r.Instance().FQName() + "." + unqualifiedName
	rec, err := r.e.newFuncRecord(fn, fqName, desc, funcMember)
	if err != nil {
		return "", err
	}
	rec.instID = r.instID
	if err := r.e.bindRecord(rec); err != nil {
		return "", err
	}
	if !undoRedo {
		r.e.exemptFromStack(rec)
	}
	if proxy {
		r.proxyFuncs = append(r.proxyFuncs, unqualifiedName)
	}
	return fqName, nil
}

// ClearProxyFunctions unregisters every proxied method.
func (r *ClassRegistration) ClearProxyFunctions() {
	for _, name := range r.proxyFuncs {
		_ = r.e.UnregisterFunction(r.Instance().FQName() + "." + name)
	}
	r.proxyFuncs = nil
}

// Inherit makes this instance inherit every method of another instance by
// chaining the instance table's metatable __index to the source table.
func (r *ClassRegistration) Inherit(from marshal.ClassInstance) error {
	ourTbl, ok := r.e.resolve(r.Instance().FQName()).(*lua.LTable)
	if !ok {
		return scripterr.Wrap(scripterr.ErrNonExistantClassInstancePointer,
			"can't find destination instance table")
	}
	theirTbl, ok := r.e.resolve(from.FQName()).(*lua.LTable)
	if !ok {
		return scripterr.Wrap(scripterr.ErrNonExistantClassInstancePointer,
			"can't find source instance table")
	}
	mt, ok := ourTbl.Metatable.(*lua.LTable)
	if !ok {
		return scripterr.Wrap(scripterr.ErrLuaError,
			"unable to find metatable for destination instance")
	}
	mt.RawSetString("__index", theirTbl)
	return nil
}

// InheritMethod copies one named method from another instance's table onto
// this instance's table.
func (r *ClassRegistration) InheritMethod(from marshal.ClassInstance, funcName string) error {
	ourTbl, ok := r.e.resolve(r.Instance().FQName()).(*lua.LTable)
	if !ok {
		return scripterr.Wrap(scripterr.ErrNonExistantClassInstancePointer,
			"can't find destination instance table")
	}
	theirTbl, ok := r.e.resolve(from.FQName()).(*lua.LTable)
	if !ok {
		return scripterr.Wrap(scripterr.ErrNonExistantClassInstancePointer,
			"can't find source instance table")
	}
	fn := theirTbl.RawGetString(funcName)
	if fn == lua.LNil {
		return scripterr.Wrapf(scripterr.ErrNonExistantFunction,
			"no function %q found in source instance table", funcName)
	}
	ourTbl.RawSetString(funcName, fn)
	return nil
}
