package script

import (
	"reflect"
	"strings"

	lua "github.com/yuin/gopher-lua"

	scripterr "github.com/SCIInstitute/tuvok-scripting/errors"
	"github.com/SCIInstitute/tuvok-scripting/marshal"
)

// funcKind discriminates what a record's native callable is.
type funcKind int

const (
	funcFree funcKind = iota
	funcMember
	funcConstructor
)

var errorType = reflect.TypeOf((*error)(nil)).Elem()

// paramDoc is optional per-parameter documentation. Index 1 is the first
// parameter; index 0 is the return value.
type paramDoc struct {
	name string
	desc string
}

type hookEntry struct {
	id     string
	fn     reflect.Value
	hasErr bool
}

type memberHookEntry struct {
	subscriber string
	fn         reflect.Value
	hasErr     bool
}

// funcRecord is the engine-owned metadata of one registered function. The
// interpreter-side callable table carries only the introspective strings;
// everything the dispatcher and the provenance system need lives here.
type funcRecord struct {
	fqName string
	desc   string
	kind   funcKind

	fn         reflect.Value
	paramTypes []reflect.Type
	retType    reflect.Type // nil when the callable returns no value
	hasErr     bool         // trailing error return present

	sig      string
	sigName  string
	paramSig string

	defaults []interface{}
	lastExec []interface{}
	numExec  int

	hooks       []hookEntry
	memberHooks []memberHookEntry
	hookIndex   int

	stackExempt bool
	provExempt  bool
	nullUndo    bool
	nullRedo    bool
	undoFn      *hookEntry
	redoFn      *hookEntry

	paramDocs map[int]paramDoc

	table *lua.LTable

	// Constructor records only.
	className   string
	regCallback func(*ClassRegistration, interface{})

	// Instance-method records only; DefaultInstanceID otherwise.
	instID marshal.IDType
}

// analyzeCallable validates a native callable and splits its reflected
// signature into parameters, an optional single return value, and an
// optional trailing error.
func analyzeCallable(fn interface{}) (reflect.Value, []reflect.Type, reflect.Type, bool, error) {
	v := reflect.ValueOf(fn)
	if !v.IsValid() || v.Kind() != reflect.Func {
		return reflect.Value{}, nil, nil, false,
			scripterr.Wrap(scripterr.ErrFunBind, "callable is not a function")
	}
	t := v.Type()
	if t.IsVariadic() {
		return reflect.Value{}, nil, nil, false,
			scripterr.Wrap(scripterr.ErrFunBind, "variadic functions cannot be registered")
	}

	params := make([]reflect.Type, t.NumIn())
	for i := range params {
		params[i] = t.In(i)
		if err := marshal.SupportedType(params[i]); err != nil {
			return reflect.Value{}, nil, nil, false, err
		}
	}

	var ret reflect.Type
	hasErr := false
	switch t.NumOut() {
	case 0:
	case 1:
		if t.Out(0) == errorType {
			hasErr = true
		} else {
			ret = t.Out(0)
		}
	case 2:
		if t.Out(1) != errorType {
			return reflect.Value{}, nil, nil, false, scripterr.Wrap(scripterr.ErrFunBind,
				"second return value must be an error")
		}
		ret = t.Out(0)
		hasErr = true
	default:
		return reflect.Value{}, nil, nil, false, scripterr.Wrap(scripterr.ErrFunBind,
			"at most one value and one error may be returned")
	}
	if ret != nil {
		if err := marshal.SupportedType(ret); err != nil {
			return reflect.Value{}, nil, nil, false, err
		}
	}
	return v, params, ret, hasErr, nil
}

// newFuncRecord builds a record for a free or member function, seeding the
// defaults and last-exec vectors from the parameter types' default values.
func (e *Engine) newFuncRecord(fn interface{}, fqName, desc string, kind funcKind) (*funcRecord, error) {
	v, params, ret, hasErr, err := analyzeCallable(fn)
	if err != nil {
		return nil, err
	}
	rec := &funcRecord{
		fqName:     fqName,
		desc:       desc,
		kind:       kind,
		fn:         v,
		paramTypes: params,
		retType:    ret,
		hasErr:     hasErr,
		paramDocs:  make(map[int]paramDoc),
		instID:     marshal.DefaultInstanceID,
	}
	rec.paramSig = buildParamSig(params)
	retName := "void"
	if ret != nil {
		retName = marshal.TypeString(ret)
	}
	rec.sig = retName + " " + rec.paramSig
	rec.sigName = retName + " " + fqName + rec.paramSig

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

func buildParamSig(params []reflect.Type) string {
	names := make([]string, len(params))
	for i, pt := range params {
		names[i] = marshal.TypeString(pt)
	}
	return "(" + strings.Join(names, ", ") + ")"
}

func cloneVals(vals []interface{}) []interface{} {
	if vals == nil {
		return nil
	}
	out := make([]interface{}, len(vals))
	copy(out, vals)
	return out
}

func unqualifiedName(fqName string) string {
	if idx := strings.LastIndex(fqName, "."); idx >= 0 {
		return fqName[idx+1:]
	}
	return fqName
}
