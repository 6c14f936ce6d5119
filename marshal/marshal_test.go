package marshal

import (
	"errors"
	"reflect"
	"testing"

	"github.com/google/go-cmp/cmp"
	lua "github.com/yuin/gopher-lua"

	scripterr "github.com/SCIInstitute/tuvok-scripting/errors"
)

type tfPolygon struct {
	Name    string
	Opacity float64
	Points  []Vec2
}

func roundTrip(t *testing.T, L *lua.LState, v interface{}) interface{} {
	t.Helper()
	top := L.GetTop()
	if err := Push(L, v); err != nil {
		t.Fatalf("push %v: %v", v, err)
	}
	got, err := Get(L, -1, reflect.TypeOf(v))
	if err != nil {
		t.Fatalf("get %v: %v", v, err)
	}
	L.Pop(1)
	if L.GetTop() != top {
		t.Fatalf("stack not balanced: before %d, after %d", top, L.GetTop())
	}
	return got
}

func TestRoundTrip(t *testing.T) {
	L := lua.NewState()
	defer L.Close()

	values := []interface{}{
		true,
		false,
		int(42),
		int8(-7),
		int16(1234),
		int32(-70000),
		int64(1 << 40),
		uint(42),
		uint8(200),
		uint16(65000),
		uint32(1 << 30),
		uint64(1 << 40),
		float32(0.5),
		float64(3.14159),
		"iso surface",
		WideString("wide é世界"),
		Vec2{1, 2},
		Vec3{0.5, 0.25, 0.125},
		Vec4{1, 2, 3, 4},
		Mat2{{1, 0}, {0, 1}},
		Mat3{{1, 0, 0}, {0, 1, 0}, {0, 0, 1}},
		Mat4{{1, 0, 0, 0}, {0, 1, 0, 0}, {0, 0, 1, 0}, {0, 0, 0, 1}},
		[]float64{0.1, 0.2, 0.3},
		[]string{"a", "b"},
		[][]int{{1}, {2, 3}},
		tfPolygon{Name: "ramp", Opacity: 0.75, Points: []Vec2{{0, 0}, {1, 1}}},
	}
	for _, v := range values {
		got := roundTrip(t, L, v)
		if diff := cmp.Diff(v, got); diff != "" {
			t.Errorf("round trip mismatch for %T (-want +got):\n%s", v, diff)
		}
	}
}

func TestNumericWidening(t *testing.T) {
	L := lua.NewState()
	defer L.Close()

	if err := Push(L, 3); err != nil {
		t.Fatal(err)
	}
	got, err := Get(L, -1, reflect.TypeOf(float64(0)))
	if err != nil {
		t.Fatalf("int to double widening rejected: %v", err)
	}
	if got.(float64) != 3 {
		t.Errorf("widened value = %v, want 3", got)
	}
	L.Pop(1)

	if !TypeMatches(L, pushFor(t, L, 1.5), reflect.TypeOf(int32(0))) {
		t.Error("float to int widening should pass the type check")
	}
	L.Pop(1)
}

func pushFor(t *testing.T, L *lua.LState, v interface{}) int {
	t.Helper()
	if err := Push(L, v); err != nil {
		t.Fatal(err)
	}
	return L.GetTop()
}

func TestMismatchFailsWithInvalidType(t *testing.T) {
	L := lua.NewState()
	defer L.Close()

	cases := []struct {
		push interface{}
		want reflect.Type
	}{
		{"str", reflect.TypeOf(false)},
		{true, reflect.TypeOf("")},
		{1.5, reflect.TypeOf("")},
		{"str", reflect.TypeOf(int64(0))},
		{42, reflect.TypeOf(Vec3{})},
	}
	for _, c := range cases {
		pos := pushFor(t, L, c.push)
		if _, err := Get(L, pos, c.want); !errors.Is(err, scripterr.ErrInvalidType) {
			t.Errorf("push %T get %s: error = %v, want ErrInvalidType",
				c.push, c.want, err)
		}
		if TypeMatches(L, pos, c.want) {
			t.Errorf("TypeMatches(%T as %s) = true, want false", c.push, c.want)
		}
		L.Pop(1)
	}
}

func TestRecordMissingFieldDefaults(t *testing.T) {
	L := lua.NewState()
	defer L.Close()

	tbl := L.NewTable()
	tbl.RawSetString("Name", lua.LString("ramp"))
	L.Push(tbl)
	got, err := Get(L, -1, reflect.TypeOf(tfPolygon{}))
	if err != nil {
		t.Fatalf("get record: %v", err)
	}
	L.Pop(1)
	want := tfPolygon{Name: "ramp"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("record defaults mismatch (-want +got):\n%s", diff)
	}
}

func TestClassInstanceTransit(t *testing.T) {
	L := lua.NewState()
	defer L.Close()

	// Build the _sys_.inst.m4 table the way the engine lays it out.
	sys := L.NewTable()
	instTbl := L.NewTable()
	sys.RawSetString("inst", instTbl)
	L.SetGlobal(SystemTable, sys)

	inst := L.NewTable()
	mt := L.NewTable()
	mt.RawSetString(MDGlobalInstanceID, lua.LNumber(4))
	mt.RawSetString(MDFactoryName, lua.LString("ren"))
	inst.Metatable = mt
	instTbl.RawSetString("m4", inst)

	handle := NewClassInstance(4)
	if handle.FQName() != "_sys_.inst.m4" {
		t.Fatalf("fqName = %q", handle.FQName())
	}

	got := roundTrip(t, L, handle)
	if got.(ClassInstance).GlobalID() != 4 {
		t.Errorf("round trip id = %d, want 4", got.(ClassInstance).GlobalID())
	}

	// A plain table is not an instance.
	pos := pushFor(t, L, TableRef{Table: L.NewTable()})
	if _, err := Get(L, pos, reflect.TypeOf(ClassInstance{})); !errors.Is(err, scripterr.ErrInvalidType) {
		t.Errorf("plain table as instance: error = %v, want ErrInvalidType", err)
	}
	L.Pop(1)

	// nil unmarshals to the invalid handle (failed constructors return it).
	L.Push(lua.LNil)
	got2, err := Get(L, -1, reflect.TypeOf(ClassInstance{}))
	if err != nil {
		t.Fatalf("nil as instance: %v", err)
	}
	if got2.(ClassInstance).Valid() {
		t.Error("nil should produce the invalid handle")
	}
	L.Pop(1)
}

func TestDefaults(t *testing.T) {
	cases := []struct {
		t    reflect.Type
		want interface{}
	}{
		{reflect.TypeOf(false), false},
		{reflect.TypeOf(int64(0)), int64(0)},
		{reflect.TypeOf(float32(0)), float32(0)},
		{reflect.TypeOf(""), ""},
		{reflect.TypeOf(Vec3{}), Vec3{}},
		{reflect.TypeOf(ClassInstance{}), InvalidClassInstance()},
	}
	for _, c := range cases {
		got, err := Default(c.t)
		if err != nil {
			t.Fatalf("default %s: %v", c.t, err)
		}
		if !reflect.DeepEqual(got, c.want) {
			t.Errorf("default %s = %v, want %v", c.t, got, c.want)
		}
	}
}

func TestTypeStrings(t *testing.T) {
	cases := map[string]reflect.Type{
		"bool":             reflect.TypeOf(false),
		"int":              reflect.TypeOf(0),
		"float":            reflect.TypeOf(float32(0)),
		"double":           reflect.TypeOf(float64(0)),
		"string":           reflect.TypeOf(""),
		"wstring":          reflect.TypeOf(WideString(nil)),
		"vec3":             reflect.TypeOf(Vec3{}),
		"mat4":             reflect.TypeOf(Mat4{}),
		"table of double":  reflect.TypeOf([]float64(nil)),
		"record tfPolygon": reflect.TypeOf(tfPolygon{}),
		"classInstance":    reflect.TypeOf(ClassInstance{}),
		"table":            reflect.TypeOf(TableRef{}),
	}
	for want, typ := range cases {
		if got := TypeString(typ); got != want {
			t.Errorf("TypeString(%s) = %q, want %q", typ, got, want)
		}
	}
}

func TestValueStrings(t *testing.T) {
	cases := []struct {
		v    interface{}
		want string
	}{
		{true, "true"},
		{int64(-3), "-3"},
		{0.5, "0.5"},
		{"iso", "'iso'"},
		{Vec3{1, 2, 3}, "{1, 2, 3}"},
		{[]int{4, 5}, "{4, 5}"},
		{NewClassInstance(7), "_sys_.inst.m7"},
		{InvalidClassInstance(), "<invalid instance>"},
	}
	for _, c := range cases {
		if got := ValueString(c.v); got != c.want {
			t.Errorf("ValueString(%v) = %q, want %q", c.v, got, c.want)
		}
	}
	if got := FormatValues([]interface{}{0.5, "a"}); got != "0.5, 'a'" {
		t.Errorf("FormatValues = %q", got)
	}
}

func TestSupportedTypeRejectsExotics(t *testing.T) {
	bad := []reflect.Type{
		reflect.TypeOf(map[string]int(nil)),
		reflect.TypeOf(make(chan int)),
		reflect.TypeOf(&tfPolygon{}),
	}
	for _, typ := range bad {
		if err := SupportedType(typ); !errors.Is(err, scripterr.ErrInvalidType) {
			t.Errorf("SupportedType(%s) = %v, want ErrInvalidType", typ, err)
		}
	}
}
