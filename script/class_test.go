package script

import (
	stderrors "errors"
	"testing"

	"github.com/google/go-cmp/cmp"

	scripterr "github.com/SCIInstitute/tuvok-scripting/errors"
	"github.com/SCIInstitute/tuvok-scripting/marshal"
)

// renderRegion is the mock native collaborator used by the class tests.
type renderRegion struct {
	iso      float32
	color    marshal.Vec3
	disposed bool
}

func (r *renderRegion) SetIso(v float32)        { r.iso = v }
func (r *renderRegion) SetColor(c marshal.Vec3) { r.color = c }
func (r *renderRegion) Iso() float32            { return r.iso }
func (r *renderRegion) Dispose()                { r.disposed = true }

// registerRenderRegion registers the mock class and returns a pointer to the
// most recently constructed instance.
func registerRenderRegion(t *testing.T, eng *Engine, className string) **renderRegion {
	t.Helper()
	var last *renderRegion
	err := eng.RegisterClass(func() *renderRegion {
		last = &renderRegion{}
		return last
	}, className, "Creates a render region.",
		func(reg *ClassRegistration, obj interface{}) {
			rr := obj.(*renderRegion)
			if _, err := reg.Function(rr.SetIso, "setIso", "Sets the isovalue.", true); err != nil {
				t.Fatalf("member registration failed: %v", err)
			}
			if _, err := reg.Function(rr.SetColor, "setColor", "Sets the color.", true); err != nil {
				t.Fatalf("member registration failed: %v", err)
			}
			if _, err := reg.Function(rr.Iso, "iso", "Returns the isovalue.", false); err != nil {
				t.Fatalf("member registration failed: %v", err)
			}
		})
	if err != nil {
		t.Fatalf("failed to register class: %v", err)
	}
	return &last
}

func TestClassConstruction(t *testing.T) {
	eng := newTestEngine(t)
	last := registerRenderRegion(t, eng, "ren")

	inst, err := CexecRet[marshal.ClassInstance](eng, "ren.new")
	if err != nil {
		t.Fatalf("ren.new failed: %v", err)
	}
	if !inst.Valid() {
		t.Fatal("constructor returned the invalid handle")
	}
	if *last == nil {
		t.Fatal("native constructor did not run")
	}
	if inst.FQName() != "_sys_.inst.m0" {
		t.Errorf("fqName = %q", inst.FQName())
	}
	if diff := cmp.Diff([]marshal.IDType{0}, eng.LiveInstanceIDs()); diff != "" {
		t.Errorf("live instances (-want +got):\n%s", diff)
	}

	// The instance's methods are callable by fully qualified name and from
	// script text, with either call style.
	if err := eng.Cexec(inst.FQName()+".setIso", float32(0.25)); err != nil {
		t.Fatalf("member cexec failed: %v", err)
	}
	if (*last).iso != 0.25 {
		t.Errorf("iso = %v", (*last).iso)
	}
	if err := eng.Exec("_sys_.inst.m0.setIso(0.5)"); err != nil {
		t.Fatalf("dot call failed: %v", err)
	}
	if (*last).iso != 0.5 {
		t.Errorf("iso = %v", (*last).iso)
	}
	if err := eng.Exec("_sys_.inst.m0:setIso(0.75)"); err != nil {
		t.Fatalf("colon call failed: %v", err)
	}
	if (*last).iso != 0.75 {
		t.Errorf("iso = %v", (*last).iso)
	}

	got, err := CexecRet[float32](eng, inst.FQName()+".iso")
	if err != nil {
		t.Fatalf("member cexecRet failed: %v", err)
	}
	if got != 0.75 {
		t.Errorf("iso() = %v", got)
	}
}

func TestPointerLookup(t *testing.T) {
	eng := newTestEngine(t)
	last := registerRenderRegion(t, eng, "ren")

	inst, err := CexecRet[marshal.ClassInstance](eng, "ren.new")
	if err != nil {
		t.Fatal(err)
	}
	found, err := eng.GetLuaClassInstance(*last)
	if err != nil {
		t.Fatalf("pointer lookup failed: %v", err)
	}
	if found.GlobalID() != inst.GlobalID() {
		t.Errorf("lookup id = %d, want %d", found.GlobalID(), inst.GlobalID())
	}

	if _, err := eng.GetLuaClassInstance(&renderRegion{}); !stderrors.Is(err, scripterr.ErrNonExistantClassInstancePointer) {
		t.Errorf("unregistered pointer lookup = %v, want ErrNonExistantClassInstancePointer", err)
	}
}

func TestDeleteClass(t *testing.T) {
	eng := newTestEngine(t)
	last := registerRenderRegion(t, eng, "ren")

	inst, err := CexecRet[marshal.ClassInstance](eng, "ren.new")
	if err != nil {
		t.Fatal(err)
	}
	ptr := *last

	if err := eng.Cexec("deleteClass", inst); err != nil {
		t.Fatalf("deleteClass failed: %v", err)
	}
	if !ptr.disposed {
		t.Error("native destructor did not run")
	}
	if len(eng.LiveInstanceIDs()) != 0 {
		t.Error("instance still live after deleteClass")
	}
	if _, err := eng.GetLuaClassInstance(ptr); !stderrors.Is(err, scripterr.ErrNonExistantClassInstancePointer) {
		t.Errorf("lookup after delete = %v, want ErrNonExistantClassInstancePointer", err)
	}

	// deleteClass is reentrant: deleting again is a silent no-op.
	if err := eng.Cexec("deleteClass", inst); err != nil {
		t.Errorf("second deleteClass failed: %v", err)
	}
}

func TestNotifyOfDeletion(t *testing.T) {
	eng := newTestEngine(t)
	last := registerRenderRegion(t, eng, "ren")

	inst, err := CexecRet[marshal.ClassInstance](eng, "ren.new")
	if err != nil {
		t.Fatal(err)
	}
	ptr := *last

	// The native object is being torn down on its own; the engine must not
	// call the destructor again.
	eng.NotifyOfDeletion(inst)
	if ptr.disposed {
		t.Error("destructor ran despite the no-delete hint")
	}
	if len(eng.LiveInstanceIDs()) != 0 {
		t.Error("instance still live after notifyOfDeletion")
	}
}

func TestClassUndoRedoScenario(t *testing.T) {
	eng := newTestEngine(t)
	last := registerRenderRegion(t, eng, "ren")

	inst, err := CexecRet[marshal.ClassInstance](eng, "ren.new")
	if err != nil {
		t.Fatal(err)
	}
	if err := eng.Cexec(inst.FQName()+".setColor", marshal.Vec3{1, 0, 0}); err != nil {
		t.Fatal(err)
	}
	if err := eng.Cexec(inst.FQName()+".setColor", marshal.Vec3{0, 1, 0}); err != nil {
		t.Fatal(err)
	}

	// Two undos roll the color back to its defaults; the instance stays
	// alive.
	if err := eng.Cexec("provenance.undo"); err != nil {
		t.Fatal(err)
	}
	if (*last).color != (marshal.Vec3{1, 0, 0}) {
		t.Errorf("color after first undo = %v", (*last).color)
	}
	if err := eng.Cexec("provenance.undo"); err != nil {
		t.Fatal(err)
	}
	if (*last).color != (marshal.Vec3{}) {
		t.Errorf("color after second undo = %v", (*last).color)
	}
	if diff := cmp.Diff([]marshal.IDType{0}, eng.LiveInstanceIDs()); diff != "" {
		t.Errorf("live instances (-want +got):\n%s", diff)
	}

	// One more undo destroys the instance.
	if err := eng.Cexec("provenance.undo"); err != nil {
		t.Fatal(err)
	}
	if len(eng.LiveInstanceIDs()) != 0 {
		t.Errorf("live instances after creation undo: %v", eng.LiveInstanceIDs())
	}

	// Redo recreates it with the same ID.
	if err := eng.Cexec("provenance.redo"); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]marshal.IDType{0}, eng.LiveInstanceIDs()); diff != "" {
		t.Errorf("live instances after redo (-want +got):\n%s", diff)
	}
}

func TestUndoOfDeletionReroll(t *testing.T) {
	eng := newTestEngine(t)
	last := registerRenderRegion(t, eng, "ren")

	inst, err := CexecRet[marshal.ClassInstance](eng, "ren.new")
	if err != nil {
		t.Fatal(err)
	}
	if err := eng.Cexec(inst.FQName()+".setColor", marshal.Vec3{0, 0, 1}); err != nil {
		t.Fatal(err)
	}
	if err := eng.Cexec("deleteClass", inst); err != nil {
		t.Fatal(err)
	}
	if len(eng.LiveInstanceIDs()) != 0 {
		t.Fatal("instance still live")
	}

	// Undoing the deletion walks history back to the creation and redoes
	// forward, recreating the instance with its ID and prior state.
	if err := eng.Cexec("provenance.undo"); err != nil {
		t.Fatalf("re-roll undo failed: %v", err)
	}
	if diff := cmp.Diff([]marshal.IDType{0}, eng.LiveInstanceIDs()); diff != "" {
		t.Errorf("live instances after re-roll (-want +got):\n%s", diff)
	}
	if (*last).color != (marshal.Vec3{0, 0, 1}) {
		t.Errorf("color after re-roll = %v, want the pre-deletion state", (*last).color)
	}

	// And the deletion is redo-available again.
	if err := eng.Cexec("provenance.redo"); err != nil {
		t.Fatalf("redo of deletion failed: %v", err)
	}
	if len(eng.LiveInstanceIDs()) != 0 {
		t.Error("instance live after redoing its deletion")
	}
}

func TestInstanceIDsAreMonotonic(t *testing.T) {
	eng := newTestEngine(t)
	registerRenderRegion(t, eng, "ren")

	a, err := CexecRet[marshal.ClassInstance](eng, "ren.new")
	if err != nil {
		t.Fatal(err)
	}
	b, err := CexecRet[marshal.ClassInstance](eng, "ren.new")
	if err != nil {
		t.Fatal(err)
	}
	if a.GlobalID() != 0 || b.GlobalID() != 1 {
		t.Errorf("ids = %d, %d, want 0, 1", a.GlobalID(), b.GlobalID())
	}
	// Deleting the first instance must not free its ID for reuse.
	if err := eng.Cexec("deleteClass", a); err != nil {
		t.Fatal(err)
	}
	c, err := CexecRet[marshal.ClassInstance](eng, "ren.new")
	if err != nil {
		t.Fatal(err)
	}
	if c.GlobalID() != 2 {
		t.Errorf("id after delete = %d, want 2", c.GlobalID())
	}
}

func TestGetClassUNIDCommands(t *testing.T) {
	eng := newTestEngine(t)
	registerRenderRegion(t, eng, "ren")

	inst, err := CexecRet[marshal.ClassInstance](eng, "ren.new")
	if err != nil {
		t.Fatal(err)
	}
	id, err := CexecRet[int](eng, "getClassUNID", inst)
	if err != nil {
		t.Fatalf("getClassUNID failed: %v", err)
	}
	if id != inst.GlobalID() {
		t.Errorf("id = %d, want %d", id, inst.GlobalID())
	}
	back, err := CexecRet[marshal.ClassInstance](eng, "getClassWithUNID", id)
	if err != nil {
		t.Fatalf("getClassWithUNID failed: %v", err)
	}
	if back.GlobalID() != inst.GlobalID() {
		t.Errorf("handle id = %d, want %d", back.GlobalID(), inst.GlobalID())
	}
}

func TestInheritance(t *testing.T) {
	eng := newTestEngine(t)
	registerRenderRegion(t, eng, "ren")

	base, err := CexecRet[marshal.ClassInstance](eng, "ren.new")
	if err != nil {
		t.Fatal(err)
	}

	// A second class that inherits everything from the base instance.
	type annotation struct{ label string }
	var lastAnn *annotation
	err = eng.RegisterClass(func() *annotation {
		lastAnn = &annotation{}
		return lastAnn
	}, "ann", "Creates an annotation.",
		func(reg *ClassRegistration, obj interface{}) {
			ann := obj.(*annotation)
			if _, err := reg.Function(func(s string) { ann.label = s },
				"setLabel", "Sets the label.", true); err != nil {
				t.Fatalf("member registration failed: %v", err)
			}
			if err := reg.Inherit(base); err != nil {
				t.Fatalf("inherit failed: %v", err)
			}
		})
	if err != nil {
		t.Fatal(err)
	}

	derived, err := CexecRet[marshal.ClassInstance](eng, "ann.new")
	if err != nil {
		t.Fatal(err)
	}

	// The derived instance resolves inherited methods through __index.
	if err := eng.Exec(derived.FQName() + ".setIso(0.125)"); err != nil {
		t.Fatalf("inherited call failed: %v", err)
	}
	// And its own methods still work.
	if err := eng.Exec(derived.FQName() + ".setLabel('tumor')"); err != nil {
		t.Fatalf("own method failed: %v", err)
	}
	if lastAnn.label != "tumor" {
		t.Errorf("label = %q", lastAnn.label)
	}
}

func TestSingleMethodInherit(t *testing.T) {
	eng := newTestEngine(t)
	last := registerRenderRegion(t, eng, "ren")

	base, err := CexecRet[marshal.ClassInstance](eng, "ren.new")
	if err != nil {
		t.Fatal(err)
	}
	basePtr := *last

	type probe struct{}
	err = eng.RegisterClass(func() *probe { return &probe{} },
		"probe", "Creates a probe.",
		func(reg *ClassRegistration, obj interface{}) {
			if err := reg.InheritMethod(base, "setIso"); err != nil {
				t.Fatalf("single-method inherit failed: %v", err)
			}
			if err := reg.InheritMethod(base, "noSuchMethod"); !stderrors.Is(err, scripterr.ErrNonExistantFunction) {
				t.Errorf("missing method inherit = %v, want ErrNonExistantFunction", err)
			}
		})
	if err != nil {
		t.Fatal(err)
	}

	derived, err := CexecRet[marshal.ClassInstance](eng, "probe.new")
	if err != nil {
		t.Fatal(err)
	}
	// The copied method still targets the source instance's receiver.
	if err := eng.Exec(derived.FQName() + ".setIso(0.375)"); err != nil {
		t.Fatalf("copied method failed: %v", err)
	}
	if basePtr.iso != 0.375 {
		t.Errorf("base iso = %v, want 0.375", basePtr.iso)
	}
}

func TestTeardownDisposesInstances(t *testing.T) {
	eng := newTestEngine(t)
	last := registerRenderRegion(t, eng, "ren")

	if _, err := CexecRet[marshal.ClassInstance](eng, "ren.new"); err != nil {
		t.Fatal(err)
	}
	ptr := *last
	eng.Close()
	if !ptr.disposed {
		t.Error("teardown did not run the instance destructor")
	}
}
