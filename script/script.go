// Package script implements the embedded scripting engine: a typed
// reflection bridge between native Go functions and an embedded Lua
// interpreter, class instance lifecycle management, and a provenance system
// with composable undo/redo.
//
// The engine is single-threaded. Every public entry point must be called
// from the goroutine that owns the engine; the evaluation stack is a shared
// mutable resource protected only by that invariant.
package script

import (
	"strings"

	"github.com/sirupsen/logrus"
	lua "github.com/yuin/gopher-lua"

	"github.com/SCIInstitute/tuvok-scripting/marshal"
)

// SystemNopCommand is the reserved no-op used to anchor command groups.
const SystemNopCommand = "_sys_.nop"

// Engine binds native functions and class lifetimes to the embedded Lua
// interpreter and records provenance for every mutating invocation.
type Engine struct {
	L    *lua.LState
	log  *logrus.Logger
	opts Options

	funcs      map[string]*funcRecord
	namespaces map[string]*lua.LTable

	// Root-level names registered in the globals table, excluding the
	// system namespace. Walked during teardown.
	registeredGlobals []string
	registeredClasses []string

	instances map[marshal.IDType]*instanceRecord
	lookup    map[interface{}]marshal.IDType

	prov *provenance

	globalInstanceID marshal.IDType
	tempRange        bool
	tempLow          marshal.IDType
	tempHigh         marshal.IDType
	tempCurrent      marshal.IDType

	verbose           bool
	expectedException bool
	closed            bool

	// Carries the typed Go error across the interpreter's panic path so
	// dispatch entry points can return it instead of a stringified copy.
	lastGoErr error
}

// instanceRecord is the native side of a class instance: the engine owns
// these; the interpreter holds only the instance table.
type instanceRecord struct {
	id           marshal.IDType
	className    string
	ptr          interface{}
	deleteFn     func()
	noDeleteHint bool
}

// New creates an engine with a fresh interpreter, the reserved system
// namespace, and the reflected command surface registered.
func New(setters ...Option) (*Engine, error) {
	e := &Engine{
		L:          lua.NewState(),
		log:        logrus.StandardLogger(),
		opts:       DefaultOptions(),
		funcs:      make(map[string]*funcRecord),
		namespaces: make(map[string]*lua.LTable),
		instances:  make(map[marshal.IDType]*instanceRecord),
		lookup:     make(map[interface{}]marshal.IDType),
	}
	for _, set := range setters {
		set(e)
	}
	e.verbose = e.opts.Verbose
	if e.verbose {
		e.log.SetLevel(logrus.DebugLevel)
	}
	e.prov = newProvenance(e)
	e.seedSystemTables()
	if err := e.registerSystemFunctions(); err != nil {
		e.L.Close()
		return nil, err
	}
	return e, nil
}

// Close tears the engine down in the required order: live instances first
// (their destructors may reach back into still-registered functions), then
// constructor callbacks, then function registrations, then the interpreter.
func (e *Engine) Close() {
	if e.closed {
		return
	}
	e.closed = true
	e.deleteAllClassInstances()
	e.cleanupClassConstructors()
	e.unregisterAllFunctions()
	e.L.Close()
}

// Logger returns the engine's logger.
func (e *Engine) Logger() *logrus.Logger { return e.log }

// SetExpectedException suppresses stack-guard warnings around intentional
// failures. Used by test scaffolding.
func (e *Engine) SetExpectedException(expected bool) {
	e.expectedException = expected
}

// SetTempProvDisable temporarily suppresses provenance recording. Used for
// block-scoped sections such as defaulting.
func (e *Engine) SetTempProvDisable(disable bool) {
	e.prov.setTempDisable(disable)
}

// BeginCommandGroup brackets the start of a sequence of calls that undo and
// redo as a unit. Internally a provenance-recorded no-op marker anchors the
// group and subsequent calls attach to it as children.
func (e *Engine) BeginCommandGroup() error {
	if err := e.Cexec(SystemNopCommand); err != nil {
		return err
	}
	e.prov.setLastItemAlsoRedoChildren()
	e.prov.beginCommand()
	return nil
}

// EndCommandGroup closes the group opened by BeginCommandGroup.
func (e *Engine) EndCommandGroup() {
	e.prov.endCommand()
}

// seedSystemTables creates _sys_, _sys_.inst and _sys_.lookup.
func (e *Engine) seedSystemTables() {
	sys := e.L.NewTable()
	e.L.SetGlobal(marshal.SystemTable, sys)
	e.namespaces[marshal.SystemTable] = sys

	inst := e.L.NewTable()
	sys.RawSetString("inst", inst)
	e.namespaces[marshal.ClassInstanceTable] = inst

	lookup := e.L.NewTable()
	sys.RawSetString("lookup", lookup)
	e.namespaces[marshal.ClassLookupTable] = lookup
}

// record returns the registered function record for a fully qualified name.
func (e *Engine) record(fqName string) (*funcRecord, bool) {
	rec, ok := e.funcs[fqName]
	return rec, ok
}

// resolve walks a dotted path through the globals table.
func (e *Engine) resolve(fqName string) lua.LValue {
	return marshal.ResolvePath(e.L, fqName)
}

// GetCmdPath returns the longest prefix of fqName that resolves to an
// existing table path in the interpreter.
func (e *Engine) GetCmdPath(fqName string) string {
	segs := strings.Split(fqName, ".")
	resolved := ""
	path := ""
	for i := range segs {
		if path == "" {
			path = segs[i]
		} else {
			path = path + "." + segs[i]
		}
		if _, ok := e.resolve(path).(*lua.LTable); !ok {
			break
		}
		resolved = path
	}
	return resolved
}

// vPrint logs a debug line when verbose mode is on.
func (e *Engine) vPrint(format string, args ...interface{}) {
	if e.verbose {
		e.log.Debugf(format, args...)
	}
}
