// Package marshal converts Go values to and from the embedded Lua evaluation
// stack. It covers the closed set of transit types the scripting engine
// accepts in registered-function signatures, and produces the canonical type
// and value strings used in signatures and provenance logs.
package marshal

import (
	"fmt"

	lua "github.com/yuin/gopher-lua"
)

// Reserved interpreter identifiers. The system table hides engine-internal
// state from the user-facing namespace.
const (
	SystemTable         = "_sys_"
	ClassInstanceTable  = "_sys_.inst"
	ClassInstancePrefix = "m"
	ClassLookupTable    = "_sys_.lookup"
)

// Instance-metatable field names.
const (
	MDGlobalInstanceID = "globalID"
	MDFactoryName      = "factoryName"
	MDNoDeleteHint     = "deleteHint"
)

// IDType is the integral type used for logical class instance IDs.
type IDType = int

// DefaultInstanceID marks a handle that does not point at a live instance.
const DefaultInstanceID IDType = -1

// ClassInstance is a handle to a class instance created through the scripting
// engine. It transports across the evaluation stack as the instance table;
// only the integer ID is held natively.
type ClassInstance struct {
	id IDType
}

// NewClassInstance wraps an instance ID in a handle.
func NewClassInstance(id IDType) ClassInstance {
	return ClassInstance{id: id}
}

// InvalidClassInstance returns the handle produced by failed constructors.
func InvalidClassInstance() ClassInstance {
	return ClassInstance{id: DefaultInstanceID}
}

// GlobalID returns the globally unique instance ID.
func (c ClassInstance) GlobalID() IDType { return c.id }

// Valid reports whether the handle refers to a minted instance ID. It does
// not check liveness; a deleted instance's handle remains Valid.
func (c ClassInstance) Valid() bool { return c.id != DefaultInstanceID }

// FQName returns the fully qualified name of the instance table,
// e.g. "_sys_.inst.m1".
func (c ClassInstance) FQName() string {
	return fmt.Sprintf("%s.%s%d", ClassInstanceTable, ClassInstancePrefix, c.id)
}

// WideString is the wide-character transit type. It transits as a UTF-8
// string and round-trips bit-exactly for any sequence of valid Unicode code
// points; runes that are not valid code points (surrogates, values above
// U+10FFFF, negative values) come back as U+FFFD.
type WideString []rune

// Fixed-size numeric vectors.
type (
	Vec2 [2]float64
	Vec3 [3]float64
	Vec4 [4]float64
)

// Square numeric matrices, row major.
type (
	Mat2 [2][2]float64
	Mat3 [3][3]float64
	Mat4 [4][4]float64
)

// TableRef is the polymorphic table placeholder: it carries an arbitrary
// caller-visible Lua table through a native signature without interpreting
// its contents.
type TableRef struct {
	Table *lua.LTable
}

// Valid reports whether the reference carries a table.
func (t TableRef) Valid() bool { return t.Table != nil }
