package marshal

import (
	"fmt"
	"reflect"
	"sort"
	"strconv"
	"strings"

	lua "github.com/yuin/gopher-lua"

	scripterr "github.com/SCIInstitute/tuvok-scripting/errors"
)

var (
	wideStringType    = reflect.TypeOf(WideString(nil))
	vec2Type          = reflect.TypeOf(Vec2{})
	vec3Type          = reflect.TypeOf(Vec3{})
	vec4Type          = reflect.TypeOf(Vec4{})
	mat2Type          = reflect.TypeOf(Mat2{})
	mat3Type          = reflect.TypeOf(Mat3{})
	mat4Type          = reflect.TypeOf(Mat4{})
	classInstanceType = reflect.TypeOf(ClassInstance{})
	tableRefType      = reflect.TypeOf(TableRef{})
)

// Push marshals v onto the top of the evaluation stack.
func Push(L *lua.LState, v interface{}) error {
	lv, err := ToLua(L, reflect.ValueOf(v))
	if err != nil {
		return err
	}
	L.Push(lv)
	return nil
}

// Get unmarshals the value at stack position pos into a Go value of type t.
func Get(L *lua.LState, pos int, t reflect.Type) (interface{}, error) {
	return FromLua(L, L.Get(pos), t)
}

// ToLua converts a Go value to its Lua representation.
func ToLua(L *lua.LState, rv reflect.Value) (lua.LValue, error) {
	if !rv.IsValid() {
		return lua.LNil, nil
	}
	switch rv.Type() {
	case wideStringType:
		return lua.LString(string(rv.Interface().(WideString))), nil
	case vec2Type, vec3Type, vec4Type:
		return vectorToLua(L, rv), nil
	case mat2Type, mat3Type, mat4Type:
		return matrixToLua(L, rv), nil
	case classInstanceType:
		inst := rv.Interface().(ClassInstance)
		if !inst.Valid() {
			return lua.LNil, nil
		}
		return ResolvePath(L, inst.FQName()), nil
	case tableRefType:
		ref := rv.Interface().(TableRef)
		if ref.Table == nil {
			return lua.LNil, nil
		}
		return ref.Table, nil
	}

	switch rv.Kind() {
	case reflect.Bool:
		return lua.LBool(rv.Bool()), nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return lua.LNumber(rv.Int()), nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return lua.LNumber(rv.Uint()), nil
	case reflect.Float32, reflect.Float64:
		return lua.LNumber(rv.Float()), nil
	case reflect.String:
		return lua.LString(rv.String()), nil
	case reflect.Slice:
		tbl := L.CreateTable(rv.Len(), 0)
		for i := 0; i < rv.Len(); i++ {
			elem, err := ToLua(L, rv.Index(i))
			if err != nil {
				return nil, err
			}
			tbl.RawSetInt(i+1, elem)
		}
		return tbl, nil
	case reflect.Struct:
		tbl := L.CreateTable(0, rv.NumField())
		t := rv.Type()
		for i := 0; i < t.NumField(); i++ {
			if !t.Field(i).IsExported() {
				continue
			}
			fv, err := ToLua(L, rv.Field(i))
			if err != nil {
				return nil, err
			}
			tbl.RawSetString(t.Field(i).Name, fv)
		}
		return tbl, nil
	}
	return nil, scripterr.Wrapf(scripterr.ErrInvalidType,
		"unsupported transit type %s", rv.Type())
}

// FromLua converts a Lua value to a Go value of type t.
func FromLua(L *lua.LState, lv lua.LValue, t reflect.Type) (interface{}, error) {
	switch t {
	case wideStringType:
		s, ok := lv.(lua.LString)
		if !ok {
			return nil, typeMismatch(t, lv)
		}
		return WideString(string(s)), nil
	case vec2Type, vec3Type, vec4Type:
		return vectorFromLua(lv, t)
	case mat2Type, mat3Type, mat4Type:
		return matrixFromLua(lv, t)
	case classInstanceType:
		return classInstanceFromLua(lv)
	case tableRefType:
		if lv == lua.LNil {
			return TableRef{}, nil
		}
		tbl, ok := lv.(*lua.LTable)
		if !ok {
			return nil, typeMismatch(t, lv)
		}
		return TableRef{Table: tbl}, nil
	}

	switch t.Kind() {
	case reflect.Bool:
		b, ok := lv.(lua.LBool)
		if !ok {
			return nil, typeMismatch(t, lv)
		}
		return bool(b), nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64:
		n, ok := lv.(lua.LNumber)
		if !ok {
			return nil, typeMismatch(t, lv)
		}
		out := reflect.New(t).Elem()
		switch t.Kind() {
		case reflect.Float32, reflect.Float64:
			out.SetFloat(float64(n))
		case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
			out.SetUint(uint64(n))
		default:
			out.SetInt(int64(n))
		}
		return out.Interface(), nil
	case reflect.String:
		s, ok := lv.(lua.LString)
		if !ok {
			return nil, typeMismatch(t, lv)
		}
		return string(s), nil
	case reflect.Slice:
		tbl, ok := lv.(*lua.LTable)
		if !ok {
			return nil, typeMismatch(t, lv)
		}
		n := tbl.Len()
		out := reflect.MakeSlice(t, n, n)
		for i := 1; i <= n; i++ {
			elem, err := FromLua(L, tbl.RawGetInt(i), t.Elem())
			if err != nil {
				return nil, scripterr.Wrapf(scripterr.ErrInvalidType,
					"element %d of %s: %v", i, TypeString(t), err)
			}
			out.Index(i - 1).Set(reflect.ValueOf(elem))
		}
		return out.Interface(), nil
	case reflect.Struct:
		tbl, ok := lv.(*lua.LTable)
		if !ok {
			return nil, typeMismatch(t, lv)
		}
		out := reflect.New(t).Elem()
		for i := 0; i < t.NumField(); i++ {
			f := t.Field(i)
			if !f.IsExported() {
				continue
			}
			fv := tbl.RawGetString(f.Name)
			if fv == lua.LNil {
				// Missing optional field: keep the per-type default.
				def, err := Default(f.Type)
				if err != nil {
					return nil, err
				}
				out.Field(i).Set(reflect.ValueOf(def))
				continue
			}
			goVal, err := FromLua(L, fv, f.Type)
			if err != nil {
				return nil, scripterr.Wrapf(scripterr.ErrInvalidType,
					"field %s of %s: %v", f.Name, TypeString(t), err)
			}
			out.Field(i).Set(reflect.ValueOf(goVal))
		}
		return out.Interface(), nil
	}
	return nil, scripterr.Wrapf(scripterr.ErrInvalidType,
		"unsupported transit type %s", t)
}

func typeMismatch(t reflect.Type, lv lua.LValue) error {
	return scripterr.Wrapf(scripterr.ErrInvalidType,
		"expected %s, got %s", TypeString(t), lv.Type().String())
}

func classInstanceFromLua(lv lua.LValue) (interface{}, error) {
	if lv == lua.LNil {
		return InvalidClassInstance(), nil
	}
	tbl, ok := lv.(*lua.LTable)
	if !ok {
		return nil, typeMismatch(classInstanceType, lv)
	}
	mt, ok := tbl.Metatable.(*lua.LTable)
	if !ok {
		return nil, scripterr.Wrap(scripterr.ErrInvalidType,
			"table is not a class instance")
	}
	id, ok := mt.RawGetString(MDGlobalInstanceID).(lua.LNumber)
	if !ok {
		return nil, scripterr.Wrap(scripterr.ErrInvalidType,
			"table is not a class instance")
	}
	return NewClassInstance(IDType(id)), nil
}

func vectorToLua(L *lua.LState, rv reflect.Value) lua.LValue {
	n := rv.Len()
	tbl := L.CreateTable(n, 0)
	for i := 0; i < n; i++ {
		tbl.RawSetInt(i+1, lua.LNumber(rv.Index(i).Float()))
	}
	return tbl
}

func vectorFromLua(lv lua.LValue, t reflect.Type) (interface{}, error) {
	tbl, ok := lv.(*lua.LTable)
	if !ok {
		return nil, typeMismatch(t, lv)
	}
	out := reflect.New(t).Elem()
	for i := 0; i < t.Len(); i++ {
		n, ok := tbl.RawGetInt(i + 1).(lua.LNumber)
		if !ok {
			return nil, scripterr.Wrapf(scripterr.ErrInvalidType,
				"%s component %d is not a number", TypeString(t), i+1)
		}
		out.Index(i).SetFloat(float64(n))
	}
	return out.Interface(), nil
}

func matrixToLua(L *lua.LState, rv reflect.Value) lua.LValue {
	n := rv.Len()
	tbl := L.CreateTable(n, 0)
	for i := 0; i < n; i++ {
		tbl.RawSetInt(i+1, vectorToLua(L, rv.Index(i)))
	}
	return tbl
}

func matrixFromLua(lv lua.LValue, t reflect.Type) (interface{}, error) {
	tbl, ok := lv.(*lua.LTable)
	if !ok {
		return nil, typeMismatch(t, lv)
	}
	out := reflect.New(t).Elem()
	for i := 0; i < t.Len(); i++ {
		row, ok := tbl.RawGetInt(i + 1).(*lua.LTable)
		if !ok {
			return nil, scripterr.Wrapf(scripterr.ErrInvalidType,
				"%s row %d is not a table", TypeString(t), i+1)
		}
		for j := 0; j < t.Elem().Len(); j++ {
			n, ok := row.RawGetInt(j + 1).(lua.LNumber)
			if !ok {
				return nil, scripterr.Wrapf(scripterr.ErrInvalidType,
					"%s element %d,%d is not a number", TypeString(t), i+1, j+1)
			}
			out.Index(i).Index(j).SetFloat(float64(n))
		}
	}
	return out.Interface(), nil
}

// ResolvePath walks a dotted fully qualified name through the globals table
// using raw accesses. Returns LNil when any segment is missing.
func ResolvePath(L *lua.LState, fqName string) lua.LValue {
	segments := strings.Split(fqName, ".")
	var cur lua.LValue = L.GetGlobal(segments[0])
	for _, seg := range segments[1:] {
		tbl, ok := cur.(*lua.LTable)
		if !ok {
			return lua.LNil
		}
		cur = tbl.RawGetString(seg)
	}
	return cur
}

// Default returns the default value for a transit type: the zero value for
// every type, and the invalid handle for ClassInstance.
func Default(t reflect.Type) (interface{}, error) {
	if err := SupportedType(t); err != nil {
		return nil, err
	}
	if t == classInstanceType {
		return InvalidClassInstance(), nil
	}
	return reflect.Zero(t).Interface(), nil
}

// SupportedType reports whether t belongs to the closed transit type set.
func SupportedType(t reflect.Type) error {
	switch t {
	case wideStringType, vec2Type, vec3Type, vec4Type,
		mat2Type, mat3Type, mat4Type, classInstanceType, tableRefType:
		return nil
	}
	switch t.Kind() {
	case reflect.Bool, reflect.String,
		reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64:
		return nil
	case reflect.Slice:
		return SupportedType(t.Elem())
	case reflect.Struct:
		for i := 0; i < t.NumField(); i++ {
			if !t.Field(i).IsExported() {
				continue
			}
			if err := SupportedType(t.Field(i).Type); err != nil {
				return err
			}
		}
		return nil
	}
	return scripterr.Wrapf(scripterr.ErrInvalidType,
		"unsupported transit type %s", t)
}

// TypeMatches reports whether the Lua value at stack position pos can be
// unmarshalled into t. Numeric widening between integer and float types is
// accepted silently; every other mismatch is rejected.
func TypeMatches(L *lua.LState, pos int, t reflect.Type) bool {
	lv := L.Get(pos)
	switch t {
	case wideStringType:
		return lv.Type() == lua.LTString
	case vec2Type, vec3Type, vec4Type, mat2Type, mat3Type, mat4Type, tableRefType:
		return lv.Type() == lua.LTTable
	case classInstanceType:
		return lv.Type() == lua.LTTable || lv == lua.LNil
	}
	switch t.Kind() {
	case reflect.Bool:
		return lv.Type() == lua.LTBool
	case reflect.String:
		return lv.Type() == lua.LTString
	case reflect.Slice, reflect.Struct:
		return lv.Type() == lua.LTTable
	default:
		return lv.Type() == lua.LTNumber
	}
}

// NumericKind reports whether k is an integer or float kind.
func NumericKind(k reflect.Kind) bool {
	switch k {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64:
		return true
	}
	return false
}

// CompatibleGoType reports whether a Go argument of type arg may be supplied
// for a parameter declared as param. Exact matches always pass; numeric
// types widen silently.
func CompatibleGoType(param, arg reflect.Type) bool {
	if param == arg {
		return true
	}
	return NumericKind(param.Kind()) && NumericKind(arg.Kind()) &&
		param != wideStringType && arg != wideStringType
}

// TypeString returns the canonical signature name of a transit type.
func TypeString(t reflect.Type) string {
	switch t {
	case wideStringType:
		return "wstring"
	case vec2Type:
		return "vec2"
	case vec3Type:
		return "vec3"
	case vec4Type:
		return "vec4"
	case mat2Type:
		return "mat2"
	case mat3Type:
		return "mat3"
	case mat4Type:
		return "mat4"
	case classInstanceType:
		return "classInstance"
	case tableRefType:
		return "table"
	}
	switch t.Kind() {
	case reflect.Bool:
		return "bool"
	case reflect.Float32:
		return "float"
	case reflect.Float64:
		return "double"
	case reflect.String:
		return "string"
	case reflect.Slice:
		return "table of " + TypeString(t.Elem())
	case reflect.Struct:
		return "record " + t.Name()
	default:
		return t.Kind().String()
	}
}

// ValueString renders a value the way the provenance log spells it.
func ValueString(v interface{}) string {
	if v == nil {
		return "nil"
	}
	rv := reflect.ValueOf(v)
	switch rv.Type() {
	case wideStringType:
		return "'" + string(v.(WideString)) + "'"
	case classInstanceType:
		inst := v.(ClassInstance)
		if !inst.Valid() {
			return "<invalid instance>"
		}
		return inst.FQName()
	case tableRefType:
		return "<table>"
	}
	switch rv.Kind() {
	case reflect.Bool:
		return strconv.FormatBool(rv.Bool())
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return strconv.FormatInt(rv.Int(), 10)
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return strconv.FormatUint(rv.Uint(), 10)
	case reflect.Float32:
		return strconv.FormatFloat(rv.Float(), 'g', -1, 32)
	case reflect.Float64:
		return strconv.FormatFloat(rv.Float(), 'g', -1, 64)
	case reflect.String:
		return "'" + rv.String() + "'"
	case reflect.Slice, reflect.Array:
		parts := make([]string, rv.Len())
		for i := range parts {
			parts[i] = ValueString(rv.Index(i).Interface())
		}
		return "{" + strings.Join(parts, ", ") + "}"
	case reflect.Struct:
		t := rv.Type()
		var parts []string
		for i := 0; i < t.NumField(); i++ {
			if !t.Field(i).IsExported() {
				continue
			}
			parts = append(parts, t.Field(i).Name+" = "+
				ValueString(rv.Field(i).Interface()))
		}
		return "{" + strings.Join(parts, ", ") + "}"
	}
	return fmt.Sprintf("%v", v)
}

// FormatValues renders a parameter vector for provenance output.
func FormatValues(vals []interface{}) string {
	parts := make([]string, len(vals))
	for i, v := range vals {
		parts[i] = ValueString(v)
	}
	return strings.Join(parts, ", ")
}

// SortedIDs returns a sorted copy of an instance ID set.
func SortedIDs(ids []IDType) []IDType {
	out := append([]IDType(nil), ids...)
	sort.Ints(out)
	return out
}
