package script

import (
	"sort"
	"strings"

	lua "github.com/yuin/gopher-lua"

	scripterr "github.com/SCIInstitute/tuvok-scripting/errors"
	"github.com/SCIInstitute/tuvok-scripting/marshal"
)

// FuncDesc is the introspective summary of one registered function.
type FuncDesc struct {
	FQName   string
	Desc     string
	Sig      string
	SigName  string
	ParamSig string
}

// RegisterFunction binds a native free function at the interpreter path
// implied by name, auto-creating missing namespace tables. The function's
// arity, signature, defaults and last-exec vector are derived from its
// reflected type. When undoRedo is false the function is exempted from the
// undo/redo stack. Returns the fully qualified name it was bound under.
//
// Supported shapes: func(P...), func(P...) R, func(P...) error,
// func(P...) (R, error). A trailing error is the native failure channel.
func (e *Engine) RegisterFunction(fn interface{}, name, desc string, undoRedo bool) (string, error) {
	rec, err := e.newFuncRecord(fn, name, desc, funcFree)
	if err != nil {
		return "", err
	}
	if err := e.bindRecord(rec); err != nil {
		return "", err
	}
	if !undoRedo {
		e.exemptFromStack(rec)
	}
	return name, nil
}

// bindRecord creates the callable table for a record, binds it at the
// record's fully qualified path, and registers the record.
func (e *Engine) bindRecord(rec *funcRecord) error {
	guard := e.newStackGuard(0, 0)
	defer guard.release()

	if _, exists := e.funcs[rec.fqName]; exists {
		return scripterr.Wrapf(scripterr.ErrFunBind,
			"duplicate name %q already exists", rec.fqName)
	}

	tbl := e.L.NewTable()
	mt := e.L.NewTable()
	mt.RawSetString("__call", e.L.NewFunction(e.makeProxy(rec)))
	mt.RawSetString("isRegFunc", lua.LTrue)
	tbl.Metatable = mt

	// Introspective fields visible from script code.
	tbl.RawSetString("fqName", lua.LString(rec.fqName))
	tbl.RawSetString("desc", lua.LString(rec.desc))
	tbl.RawSetString("signature", lua.LString(rec.sig))
	tbl.RawSetString("sigName", lua.LString(rec.sigName))
	tbl.RawSetString("numParams", lua.LNumber(len(rec.paramTypes)))

	if err := e.bindClosureTable(rec.fqName, tbl); err != nil {
		return err
	}
	rec.table = tbl
	e.funcs[rec.fqName] = rec
	return nil
}

// bindClosureTable walks the dotted path of fqName through the globals
// table, creating missing namespace tables, and binds tbl at the leaf.
// Binding on top of, or beneath, an existing registered function fails.
func (e *Engine) bindClosureTable(fqName string, tbl *lua.LTable) error {
	segs := strings.Split(fqName, ".")
	for _, s := range segs {
		if s == "" {
			return scripterr.Wrapf(scripterr.ErrFunBind,
				"invalid name %q: empty path segment", fqName)
		}
	}

	root := segs[0]
	if len(segs) == 1 {
		if e.L.GetGlobal(root) != lua.LNil {
			return scripterr.Wrapf(scripterr.ErrFunBind,
				"duplicate name %q already exists in globals", root)
		}
		e.L.SetGlobal(root, tbl)
		e.registeredGlobals = append(e.registeredGlobals, root)
		return nil
	}

	cur := e.L.GetGlobal(root)
	switch v := cur.(type) {
	case *lua.LTable:
		if isRegisteredFunctionTable(v) {
			return scripterr.Wrap(scripterr.ErrFunBind,
				"can't register functions on top of other functions")
		}
	default:
		if cur != lua.LNil {
			return scripterr.Wrapf(scripterr.ErrFunBind,
				"module %q in the fully qualified name is not a table", root)
		}
		nt := e.L.NewTable()
		e.L.SetGlobal(root, nt)
		e.namespaces[root] = nt
		if root != marshal.SystemTable {
			e.registeredGlobals = append(e.registeredGlobals, root)
		}
		cur = nt
	}

	path := root
	for i := 1; i < len(segs); i++ {
		parent := cur.(*lua.LTable)
		seg := segs[i]
		path = path + "." + seg
		child := parent.RawGetString(seg)

		if i == len(segs)-1 {
			if child != lua.LNil {
				return scripterr.Wrapf(scripterr.ErrFunBind,
					"duplicate name %q already exists at last descendant", fqName)
			}
			parent.RawSetString(seg, tbl)
			return nil
		}

		switch v := child.(type) {
		case *lua.LTable:
			if isRegisteredFunctionTable(v) {
				return scripterr.Wrap(scripterr.ErrFunBind,
					"can't register functions on top of other functions")
			}
			cur = v
		default:
			if child != lua.LNil {
				return scripterr.Wrapf(scripterr.ErrFunBind,
					"module %q in the fully qualified name is not a table", path)
			}
			nt := e.L.NewTable()
			parent.RawSetString(seg, nt)
			e.namespaces[path] = nt
			cur = nt
		}
	}
	return nil
}

func isRegisteredFunctionTable(tbl *lua.LTable) bool {
	mt, ok := tbl.Metatable.(*lua.LTable)
	if !ok {
		return false
	}
	return mt.RawGetString("isRegFunc") == lua.LTrue
}

// UnregisterFunction removes a registered function: both the interpreter
// binding and the engine-side record.
func (e *Engine) UnregisterFunction(fqName string) error {
	rec, ok := e.funcs[fqName]
	if !ok {
		return scripterr.Wrapf(scripterr.ErrNonExistantFunction,
			"unable to find function %q", fqName)
	}
	e.unbind(rec)
	return nil
}

func (e *Engine) unbind(rec *funcRecord) {
	segs := strings.Split(rec.fqName, ".")
	if len(segs) == 1 {
		e.L.SetGlobal(rec.fqName, lua.LNil)
		e.removeRegisteredGlobal(rec.fqName)
	} else {
		parentPath := strings.Join(segs[:len(segs)-1], ".")
		if parent, ok := e.resolve(parentPath).(*lua.LTable); ok {
			parent.RawSetString(segs[len(segs)-1], lua.LNil)
		}
	}
	delete(e.funcs, rec.fqName)
}

func (e *Engine) removeRegisteredGlobal(name string) {
	for i, g := range e.registeredGlobals {
		if g == name {
			e.registeredGlobals = append(e.registeredGlobals[:i], e.registeredGlobals[i+1:]...)
			return
		}
	}
}

// unregisterAllFunctions drops every registration, including the system
// namespace's no-op marker, and removes the root-registered tables.
func (e *Engine) unregisterAllFunctions() {
	names := make([]string, 0, len(e.funcs))
	for name := range e.funcs {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if rec, ok := e.funcs[name]; ok {
			e.unbind(rec)
		}
	}
	for _, root := range e.registeredGlobals {
		e.L.SetGlobal(root, lua.LNil)
	}
	e.registeredGlobals = nil
	e.namespaces = make(map[string]*lua.LTable)
}

// AddParamInfo attaches a human-readable name and description to one
// parameter of a registered function. Parameters are indexed from 1; index 0
// documents the return value. Documentation never affects call semantics.
func (e *Engine) AddParamInfo(fqName string, paramID int, name, desc string) error {
	rec, ok := e.funcs[fqName]
	if !ok {
		return scripterr.Wrapf(scripterr.ErrNonExistantFunction,
			"unable to find function %q", fqName)
	}
	if paramID < 0 || paramID > len(rec.paramTypes) {
		e.log.Warnf("parameter index %d out of range for %s", paramID, fqName)
		return nil
	}
	rec.paramDocs[paramID] = paramDoc{name: name, desc: desc}
	return nil
}

// AddReturnInfo documents a function's return value.
func (e *Engine) AddReturnInfo(fqName, desc string) error {
	return e.AddParamInfo(fqName, 0, "", desc)
}

// GetAllFuncDescs returns descriptions of every registered function outside
// the system namespace, ordered by name.
func (e *Engine) GetAllFuncDescs() []FuncDesc {
	names := make([]string, 0, len(e.funcs))
	for name := range e.funcs {
		if hiddenName(name) {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)
	descs := make([]FuncDesc, 0, len(names))
	for _, name := range names {
		rec := e.funcs[name]
		descs = append(descs, FuncDesc{
			FQName:   rec.fqName,
			Desc:     rec.desc,
			Sig:      rec.sig,
			SigName:  rec.sigName,
			ParamSig: rec.paramSig,
		})
	}
	return descs
}

func hiddenName(name string) bool {
	return name == marshal.SystemTable ||
		strings.HasPrefix(name, marshal.SystemTable+".")
}

// CompleteCommand returns the registered names and namespaces whose parent
// path matches the prefix's parent path and whose last segment begins with
// the prefix's last segment. Used for command-line completion.
func (e *Engine) CompleteCommand(prefix string) []string {
	dir, leaf := splitPath(prefix)

	candidates := make(map[string]bool)
	for name := range e.funcs {
		candidates[name] = true
	}
	for path := range e.namespaces {
		candidates[path] = true
	}

	hideSystem := !strings.HasPrefix(prefix, marshal.SystemTable)
	var out []string
	for cand := range candidates {
		if hideSystem && hiddenName(cand) || cand == marshal.SystemTable && hideSystem {
			continue
		}
		cd, cl := splitPath(cand)
		if cd == dir && strings.HasPrefix(cl, leaf) {
			out = append(out, cand)
		}
	}
	sort.Strings(out)
	return out
}

func splitPath(name string) (dir, leaf string) {
	if idx := strings.LastIndex(name, "."); idx >= 0 {
		return name[:idx], name[idx+1:]
	}
	return "", name
}
