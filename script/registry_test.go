package script

import (
	stderrors "errors"
	"testing"

	"github.com/google/go-cmp/cmp"

	scripterr "github.com/SCIInstitute/tuvok-scripting/errors"
)

func TestDuplicateRegistrationFails(t *testing.T) {
	eng := newTestEngine(t)

	if _, err := eng.RegisterFunction(func() {}, "render.start", "", true); err != nil {
		t.Fatal(err)
	}
	if _, err := eng.RegisterFunction(func() {}, "render.start", "", true); !stderrors.Is(err, scripterr.ErrFunBind) {
		t.Errorf("duplicate registration = %v, want ErrFunBind", err)
	}
	// Registering beneath an existing function is also a bind error.
	if _, err := eng.RegisterFunction(func() {}, "render.start.fast", "", true); !stderrors.Is(err, scripterr.ErrFunBind) {
		t.Errorf("registration on top of function = %v, want ErrFunBind", err)
	}
	// Registering a sibling inside an existing namespace is fine.
	if _, err := eng.RegisterFunction(func() {}, "render.stop", "", true); err != nil {
		t.Errorf("namespace sibling registration failed: %v", err)
	}
}

func TestUnregisterFunction(t *testing.T) {
	eng := newTestEngine(t)
	eng.SetExpectedException(true)

	if _, err := eng.RegisterFunction(func() {}, "render.start", "", true); err != nil {
		t.Fatal(err)
	}
	if err := eng.UnregisterFunction("render.start"); err != nil {
		t.Fatalf("unregister failed: %v", err)
	}
	if err := eng.Cexec("render.start"); !stderrors.Is(err, scripterr.ErrNonExistantFunction) {
		t.Errorf("call after unregister = %v, want ErrNonExistantFunction", err)
	}
	if err := eng.UnregisterFunction("render.start"); !stderrors.Is(err, scripterr.ErrNonExistantFunction) {
		t.Errorf("double unregister = %v, want ErrNonExistantFunction", err)
	}
	// The name can be reused.
	if _, err := eng.RegisterFunction(func() {}, "render.start", "", true); err != nil {
		t.Errorf("re-registration failed: %v", err)
	}
}

func TestNamespacesAutoCreated(t *testing.T) {
	eng := newTestEngine(t)

	if _, err := eng.RegisterFunction(func() {},
		"tuvok.renderer.setIsoValue", "", true); err != nil {
		t.Fatal(err)
	}
	if err := eng.Cexec("tuvok.renderer.setIsoValue"); err != nil {
		t.Errorf("deeply nested call failed: %v", err)
	}
	if got := eng.GetCmdPath("tuvok.renderer.setIsoValue.extra"); got != "tuvok.renderer.setIsoValue" {
		t.Errorf("GetCmdPath = %q", got)
	}
}

func TestCompleteCommand(t *testing.T) {
	eng := newTestEngine(t)

	for _, name := range []string{"render.start", "render.stop", "render.region.add"} {
		if _, err := eng.RegisterFunction(func() {}, name, "", true); err != nil {
			t.Fatal(err)
		}
	}

	cases := []struct {
		prefix string
		want   []string
	}{
		{"render.st", []string{"render.start", "render.stop"}},
		{"render.region.", []string{"render.region.add"}},
		{"render.x", nil},
	}
	for _, c := range cases {
		got := eng.CompleteCommand(c.prefix)
		if diff := cmp.Diff(c.want, got); diff != "" {
			t.Errorf("CompleteCommand(%q) (-want +got):\n%s", c.prefix, diff)
		}
	}

	// The system namespace stays hidden unless asked for explicitly.
	for _, cand := range eng.CompleteCommand("") {
		if cand == "_sys_" {
			t.Error("completion leaked the system namespace")
		}
	}
	if got := eng.CompleteCommand("_sys_.no"); len(got) != 1 || got[0] != SystemNopCommand {
		t.Errorf("explicit system completion = %v", got)
	}
}

func TestGetAllFuncDescsHidesSystemNamespace(t *testing.T) {
	eng := newTestEngine(t)

	if _, err := eng.RegisterFunction(func(v float32) {},
		"iso.set", "Sets the isovalue.", true); err != nil {
		t.Fatal(err)
	}
	found := false
	for _, d := range eng.GetAllFuncDescs() {
		if d.FQName == SystemNopCommand {
			t.Error("system no-op visible in the listing")
		}
		if d.FQName == "iso.set" {
			found = true
			if d.Sig != "void (float)" {
				t.Errorf("signature = %q, want %q", d.Sig, "void (float)")
			}
			if d.SigName != "void iso.set(float)" {
				t.Errorf("sigName = %q", d.SigName)
			}
		}
	}
	if !found {
		t.Error("registered function missing from the listing")
	}
}

func TestParamInfo(t *testing.T) {
	eng := newTestEngine(t)

	if _, err := eng.RegisterFunction(func(v float32) float32 { return v },
		"iso.set", "Sets the isovalue.", true); err != nil {
		t.Fatal(err)
	}
	if err := eng.AddParamInfo("iso.set", 1, "isovalue", "Target isosurface value."); err != nil {
		t.Fatalf("addParamInfo failed: %v", err)
	}
	if err := eng.AddReturnInfo("iso.set", "The previous isovalue."); err != nil {
		t.Fatalf("addReturnInfo failed: %v", err)
	}
	if err := eng.AddParamInfo("no.such.fn", 1, "x", ""); !stderrors.Is(err, scripterr.ErrNonExistantFunction) {
		t.Errorf("addParamInfo on unknown fn = %v, want ErrNonExistantFunction", err)
	}
	// Documentation never affects call semantics.
	if err := eng.Cexec("iso.set", float32(0.5)); err != nil {
		t.Errorf("call after documentation failed: %v", err)
	}
}

func TestHelpAndInfoThroughLogHooks(t *testing.T) {
	eng := newTestEngine(t)

	if _, err := eng.RegisterFunction(func(v float32) {},
		"iso.set", "Sets the isovalue.", true); err != nil {
		t.Fatal(err)
	}

	// help routes through log.info, so a hook on it observes the listing.
	var lines []string
	if err := eng.StrictHook(func(msg string) { lines = append(lines, msg) },
		"log.info"); err != nil {
		t.Fatal(err)
	}
	if err := eng.Cexec("help"); err != nil {
		t.Fatalf("help failed: %v", err)
	}
	found := false
	for _, line := range lines {
		if line == "'iso.set' -- Sets the isovalue." {
			found = true
		}
	}
	if !found {
		t.Errorf("help output missing registered function, got %d lines", len(lines))
	}

	// info on a function table prints its signature.
	lines = nil
	if err := eng.Exec("info(iso.set)"); err != nil {
		t.Fatalf("info failed: %v", err)
	}
	found = false
	for _, line := range lines {
		if line == "void iso.set(float)" {
			found = true
		}
	}
	if !found {
		t.Errorf("info output missing signature, got %v", lines)
	}
}

func TestVariadicRegistrationRejected(t *testing.T) {
	eng := newTestEngine(t)

	if _, err := eng.RegisterFunction(func(args ...int64) {}, "bad.fn", "", true); !stderrors.Is(err, scripterr.ErrFunBind) {
		t.Errorf("variadic registration = %v, want ErrFunBind", err)
	}
	if _, err := eng.RegisterFunction("not a function", "bad.fn", "", true); !stderrors.Is(err, scripterr.ErrFunBind) {
		t.Errorf("non-function registration = %v, want ErrFunBind", err)
	}
	if _, err := eng.RegisterFunction(func(ch chan int) {}, "bad.fn", "", true); !stderrors.Is(err, scripterr.ErrInvalidType) {
		t.Errorf("unsupported parameter = %v, want ErrInvalidType", err)
	}
}
