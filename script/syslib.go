package script

import (
	"fmt"
	"sort"
	"strings"

	"github.com/sirupsen/logrus"
	lua "github.com/yuin/gopher-lua"

	"github.com/SCIInstitute/tuvok-scripting/marshal"
)

// registerSystemFunctions publishes the fixed process-visible command
// surface. These functions are provenance exempt where noted: there is no
// reason to see them in the provenance log.
func (e *Engine) registerSystemFunctions() error {
	// The interpreter's own print would bypass the logging surface.
	e.L.SetGlobal("print", lua.LNil)

	type regEntry struct {
		fn         interface{}
		name       string
		desc       string
		undoRedo   bool
		provExempt bool
	}
	entries := []regEntry{
		{func() { e.printHelp() }, "help",
			"Same as log.printFunctions with an additional header.",
			false, true},
		{func(t marshal.TableRef) { e.infoHelp(t) }, "info",
			"Prints detailed help regarding a function.",
			false, true},
		{func(inst marshal.ClassInstance) { e.deleteClassInstance(inst) },
			"deleteClass",
			"Deletes a class instance.",
			true, false},
		{func(inst marshal.ClassInstance) int { return inst.GlobalID() },
			"getClassUNID",
			"Retrieves the unique ID of the given class.",
			false, false},
		{func(id int) marshal.ClassInstance { return marshal.NewClassInstance(id) },
			"getClassWithUNID",
			"Retrieves the class with the specified unique ID.",
			false, false},
		{func(msg string) { e.logInfo(msg) }, "print",
			"Logs general information.",
			false, true},
		{func(msg string) { e.logInfo(msg) }, "log.info",
			"Logs general information.",
			false, true},
		{func(msg string) { e.logWarn(msg) }, "log.warn",
			"Logs a warning.",
			false, true},
		{func(msg string) { e.logError(msg) }, "log.error",
			"Logs an error.",
			false, true},
		{func() { e.printFunctions() }, "log.printFunctions",
			"Prints all registered functions using 'log.info'.",
			false, true},
		{func(b bool) { e.enableVerboseMode(b) }, "luaVerboseMode",
			"Enables/disables verbose mode.",
			false, true},
		{func() {}, SystemNopCommand,
			"No-op function that helps to logically group commands in the " +
				"provenance system.",
			true, false},
	}
	for _, ent := range entries {
		if _, err := e.RegisterFunction(ent.fn, ent.name, ent.desc, ent.undoRedo); err != nil {
			return err
		}
		if ent.provExempt {
			if err := e.SetProvenanceExempt(ent.name); err != nil {
				return err
			}
		}
	}

	// Undo of deleteClass performs no action on the target; instance
	// resurrection is handled inside provenance. Child items still run.
	if err := e.SetNullUndo("deleteClass"); err != nil {
		return err
	}

	return e.prov.registerCommands()
}

func (e *Engine) logInfo(msg string) { e.log.Info(msg) }
func (e *Engine) logWarn(msg string) { e.log.Warn(msg) }

func (e *Engine) logError(msg string) { e.log.Error(msg) }

func (e *Engine) enableVerboseMode(enable bool) {
	e.verbose = enable
	if enable {
		e.log.SetLevel(logrus.DebugLevel)
	}
}

// printFunctions writes every visible registered function through log.info,
// so hooks on the logging surface observe the listing.
func (e *Engine) printFunctions() {
	for _, d := range e.GetAllFuncDescs() {
		_ = e.Cexec("log.info", fmt.Sprintf("'%s' -- %s", d.FQName, d.Desc))
	}
}

func (e *Engine) printHelp() {
	_ = e.Cexec("log.info", "")
	_ = e.Cexec("log.info", "------------------------------")
	_ = e.Cexec("log.info", "Scripting Interface")
	_ = e.Cexec("log.info", "List of all functions follows")
	_ = e.Cexec("log.info", "------------------------------")
	_ = e.Cexec("log.info", "")
	e.printFunctions()
	_ = e.Cexec("log.info", "")
	_ = e.Cexec("log.info", "Use the 'info' function to get additional "+
		"information on classes and functions. E.G. info(provenance.undo)")
}

// infoHelp prints detailed help for a registered function table or a class
// instance table.
func (e *Engine) infoHelp(t marshal.TableRef) {
	if t.Table == nil {
		_ = e.Cexec("log.info", "info expects a function or class instance")
		return
	}
	for _, rec := range e.funcs {
		if rec.table == t.Table {
			e.printFunctionInfo(rec)
			return
		}
	}
	if id := tableInstanceID(t.Table); id != marshal.DefaultInstanceID {
		e.printClassHelp(marshal.NewClassInstance(id), t.Table)
		return
	}
	_ = e.Cexec("log.info", "Unable to introspect the given value.")
}

func (e *Engine) printFunctionInfo(rec *funcRecord) {
	_ = e.Cexec("log.info", "")
	_ = e.Cexec("log.info", rec.sigName)
	if rec.desc != "" {
		_ = e.Cexec("log.info", rec.desc)
	}
	if doc, ok := rec.paramDocs[0]; ok && doc.desc != "" {
		_ = e.Cexec("log.info", "  returns: "+doc.desc)
	}
	for i := 1; i <= len(rec.paramTypes); i++ {
		doc, ok := rec.paramDocs[i]
		if !ok {
			continue
		}
		line := fmt.Sprintf("  param %d (%s)", i, doc.name)
		if doc.desc != "" {
			line += " -- " + doc.desc
		}
		_ = e.Cexec("log.info", line)
	}
}

func (e *Engine) printClassHelp(inst marshal.ClassInstance, tbl *lua.LTable) {
	factoryName := ""
	if mt, ok := tbl.Metatable.(*lua.LTable); ok {
		if name, ok := mt.RawGetString(marshal.MDFactoryName).(lua.LString); ok {
			factoryName = string(name)
		}
	}
	_ = e.Cexec("log.info", "")
	_ = e.Cexec("log.info", fmt.Sprintf(
		"Function listing follows for class created from '%s'", factoryName))
	_ = e.Cexec("log.info", "")

	prefix := inst.FQName() + "."
	var names []string
	for name := range e.funcs {
		if strings.HasPrefix(name, prefix) {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	for _, name := range names {
		rec := e.funcs[name]
		_ = e.Cexec("log.info", fmt.Sprintf("'%s' -- %s",
			unqualifiedName(rec.fqName), rec.desc))
	}
}
