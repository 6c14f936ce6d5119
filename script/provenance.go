package script

import (
	"fmt"
	"os"
	"reflect"
	"sort"
	"strings"

	scripterr "github.com/SCIInstitute/tuvok-scripting/errors"
	"github.com/SCIInstitute/tuvok-scripting/marshal"
)

// undoRedoItem is one provenance record: the target function, the parameter
// vector of the call prior to this one, the parameter vector of this call,
// any nested child calls, and the instance IDs created or deleted during
// this step.
type undoRedoItem struct {
	fqName     string
	undoParams []interface{}
	redoParams []interface{}
	children   []*undoRedoItem

	instCreations []marshal.IDType
	instDeletions []marshal.IDType

	// alsoRedoChildren forces explicit replay of children on redo. Set
	// only through the command-group no-op marker; everywhere else a
	// record's own replay is expected to re-drive its children.
	alsoRedoChildren bool
}

// provenance is the linear undo/redo engine, composited inside Engine. Not
// reentrant: logging and command depth assume a single dispatch at a time.
type provenance struct {
	e *Engine

	enabled      bool
	tempDisabled bool

	urStack []*undoRedoItem
	// stackPointer is 1-based in [0, len(urStack)]; records above it are
	// redo-available.
	stackPointer int
	commandDepth int

	logging            bool
	reentryThrows      bool
	urInFlight         bool
	undoingInstanceDel bool

	descLogEnabled bool
	descList       []string
}

func newProvenance(e *Engine) *provenance {
	return &provenance{
		e:              e,
		enabled:        e.opts.Provenance,
		reentryThrows:  e.opts.ReentryException,
		descLogEnabled: e.opts.DescLog,
	}
}

// provEntry is the handle to a just-begun provenance record, used to discard
// it when the native call fails.
type provEntry struct {
	item   *undoRedoItem
	parent *undoRedoItem
}

// logExecutionBegin starts the provenance record for a call: it writes the
// description log line, truncates redo history, and attaches the new record
// at depth 0 (top of stack) or as a child of the current top. The undo
// parameters are snapshotted from the record's last-exec vector before the
// native call mutates it.
func (p *provenance) logExecutionBegin(rec *funcRecord, args []interface{}) (*provEntry, error) {
	if rec.provExempt || !p.enabled || p.tempDisabled {
		return nil, nil
	}
	if p.logging {
		if p.reentryThrows {
			return nil, scripterr.Wrap(scripterr.ErrProvenanceReenter,
				"provenance reentry not allowed; consider disabling provenance.enableReentryException")
		}
		return nil, nil
	}
	p.logging = true
	defer func() { p.logging = false }()

	if p.descLogEnabled {
		desc := fmt.Sprintf("%s(%s) -- depth:%d",
			rec.fqName, marshal.FormatValues(args), p.commandDepth)
		if p.urInFlight {
			p.amendLastDesc(fmt.Sprintf(" -- Called: %q", desc))
		} else {
			p.descList = append(p.descList, desc)
		}
	}

	if rec.stackExempt || p.urInFlight {
		return nil, nil
	}

	// Drop redo-available records.
	p.urStack = p.urStack[:p.stackPointer]

	item := &undoRedoItem{
		fqName:     rec.fqName,
		undoParams: cloneVals(rec.lastExec),
		redoParams: cloneVals(args),
	}
	entry := &provEntry{item: item}
	if p.commandDepth == 0 || len(p.urStack) == 0 {
		p.urStack = append(p.urStack, item)
		p.stackPointer++
	} else {
		top := p.urStack[len(p.urStack)-1]
		top.children = append(top.children, item)
		entry.parent = top
	}
	return entry, nil
}

// logExecutionEnd finalises a successful call: the execution counter
// increments and, unless the function is stack exempt, its last-exec vector
// becomes the call's argument vector.
func (p *provenance) logExecutionEnd(rec *funcRecord, entry *provEntry, args []interface{}) {
	rec.numExec++
	if !rec.stackExempt {
		rec.lastExec = cloneVals(args)
	}
}

// discard removes a provenance record begun for a call whose native
// function failed; failed calls leave no undo/redo entry.
func (p *provenance) discard(entry *provEntry) {
	if entry == nil {
		return
	}
	if entry.parent != nil {
		children := entry.parent.children
		for i := len(children) - 1; i >= 0; i-- {
			if children[i] == entry.item {
				entry.parent.children = append(children[:i], children[i+1:]...)
				break
			}
		}
		return
	}
	if n := len(p.urStack); n > 0 && p.urStack[n-1] == entry.item {
		p.urStack = p.urStack[:n-1]
		p.stackPointer--
	}
}

// logExecFailure amends the last description log line with the failure
// reason.
func (p *provenance) logExecFailure(reason string) {
	amend := " -- FAILED"
	if reason != "" {
		amend += ": " + reason
	}
	p.amendLastDesc(amend)
}

// logHooks amends the last description log line with the number of hooks
// called.
func (p *provenance) logHooks(staticHooks, memberHooks int) {
	if !p.enabled || !p.descLogEnabled {
		return
	}
	p.amendLastDesc(fmt.Sprintf(" -- %d hook(s) called", staticHooks+memberHooks))
}

func (p *provenance) amendLastDesc(amend string) {
	if len(p.descList) == 0 {
		return
	}
	p.descList[len(p.descList)-1] += amend
}

func (p *provenance) setTempDisable(disable bool) { p.tempDisabled = disable }

func (p *provenance) setEnabled(enabled bool) {
	if !enabled && p.enabled {
		p.clear()
	}
	p.enabled = enabled
}

func (p *provenance) enableDescLog(enabled bool) {
	p.descLogEnabled = enabled
	if !enabled {
		p.descList = nil
	}
}

func (p *provenance) beginCommand() {
	if !p.enabled {
		return
	}
	p.commandDepth++
}

func (p *provenance) endCommand() {
	if !p.enabled {
		return
	}
	p.commandDepth--
}

func (p *provenance) setLastItemAlsoRedoChildren() {
	if len(p.urStack) > 0 {
		p.urStack[len(p.urStack)-1].alsoRedoChildren = true
	}
}

// addCreatedInstance records an instance creation on the current top-level
// step.
func (p *provenance) addCreatedInstance(id marshal.IDType) {
	if p.urInFlight || p.tempDisabled || !p.enabled {
		return
	}
	if p.stackPointer >= 1 && len(p.urStack) > 0 {
		top := p.urStack[len(p.urStack)-1]
		top.instCreations = marshal.SortedIDs(append(top.instCreations, id))
	}
}

// addDeletedInstance records an instance deletion on the current top-level
// step. The stack may be empty during engine teardown.
func (p *provenance) addDeletedInstance(id marshal.IDType) {
	if p.urInFlight || p.tempDisabled || !p.enabled {
		return
	}
	if p.stackPointer >= 1 && len(p.urStack) > 0 {
		top := p.urStack[len(p.urStack)-1]
		top.instDeletions = marshal.SortedIDs(append(top.instDeletions, id))
	}
}

// bruteRerollDetermineUndos walks backwards from undoIndex accumulating the
// set of instance IDs deleted along the way and subtracting those created,
// and returns how many undo steps resolve every dangling ID.
func (p *provenance) bruteRerollDetermineUndos(undoIndex int) (int, error) {
	numUndos := 0
	var unresolved []marshal.IDType
	resolved := false

	for undoIndex >= 0 {
		item := p.urStack[undoIndex]
		numUndos++ // Always undo once more than the resolved location.

		if len(item.instDeletions) > 0 {
			unresolved = marshal.SortedIDs(append(unresolved, item.instDeletions...))
			for i := 1; i < len(unresolved); i++ {
				if unresolved[i-1] == unresolved[i] {
					return 0, scripterr.Wrap(scripterr.ErrProvenanceFailedUndo,
						"duplicate global IDs in deletion history")
				}
			}
		}
		if len(item.instCreations) > 0 {
			unresolved = setDifference(unresolved, item.instCreations)
		}
		if len(unresolved) == 0 {
			resolved = true
			break
		}
		undoIndex--
	}

	if !resolved {
		return 0, scripterr.Wrap(scripterr.ErrProvenanceFailedUndo,
			"not enough information in undo buffer to undo specified operation")
	}
	return numUndos, nil
}

// setDifference returns a \ b for sorted slices.
func setDifference(a, b []marshal.IDType) []marshal.IDType {
	out := a[:0]
	i, j := 0, 0
	for i < len(a) {
		switch {
		case j >= len(b) || a[i] < b[j]:
			out = append(out, a[i])
			i++
		case a[i] == b[j]:
			i++
			j++
		default:
			j++
		}
	}
	return out
}

// issueUndo undoes the step beneath the stack pointer. A step that deleted
// instances triggers the brute re-roll: undo back to where every deleted
// instance was created, then redo forward to directly before the target.
func (p *provenance) issueUndo() error {
	if !p.enabled {
		return nil
	}
	if p.stackPointer == 0 {
		return scripterr.Wrap(scripterr.ErrProvenanceInvalidUndo,
			"undo pointer at bottom of stack")
	}

	undoIndex := p.stackPointer - 1
	item := p.urStack[undoIndex]

	numUndos := 1
	if len(item.instDeletions) > 0 {
		p.undoingInstanceDel = true
		n, err := p.bruteRerollDetermineUndos(undoIndex)
		if err != nil {
			p.undoingInstanceDel = false
			return err
		}
		numUndos = n
	}

	for i := 0; i < numUndos; i++ {
		if err := p.issueUndoInternal(); err != nil {
			p.undoingInstanceDel = false
			return err
		}
	}
	for i := 0; i < numUndos-1; i++ {
		if err := p.issueRedo(); err != nil {
			p.undoingInstanceDel = false
			return err
		}
	}
	p.undoingInstanceDel = false
	return nil
}

func (p *provenance) issueUndoInternal() error {
	if p.stackPointer == 0 {
		return scripterr.Wrap(scripterr.ErrProvenanceInvalidUndo,
			"undo pointer at bottom of stack")
	}
	item := p.urStack[p.stackPointer-1]

	if err := p.performUndoRedoOp(item.fqName, item.undoParams, true); err != nil {
		return scripterr.Wrapf(scripterr.ErrProvenanceInvalidUndo, "%v", err)
	}

	// Children are undone after the parent, in the order they were
	// recorded (the same order redo replays them in).
	for _, child := range item.children {
		if err := p.performUndoRedoOp(child.fqName, child.undoParams, true); err != nil {
			return scripterr.Wrapf(scripterr.ErrProvenanceInvalidUndo, "%v", err)
		}
	}

	// Instances created during this step no longer exist beneath it.
	if len(item.instCreations) > 0 {
		p.urInFlight = true
		for _, id := range item.instCreations {
			p.e.deleteClassInstance(marshal.NewClassInstance(id))
		}
		p.urInFlight = false
	}

	p.stackPointer--
	return nil
}

// issueRedo redoes the step at the stack pointer. A step that created
// instances seeds the ID-minting range first so recreated instances receive
// the IDs they had originally.
func (p *provenance) issueRedo() error {
	if !p.enabled {
		return nil
	}
	if p.stackPointer == len(p.urStack) {
		return scripterr.Wrap(scripterr.ErrProvenanceInvalidRedo,
			"redo pointer at top of stack")
	}
	item := p.urStack[p.stackPointer]

	if len(item.instCreations) > 0 {
		ids := item.instCreations
		p.e.setNextTempInstRange(ids[0], ids[len(ids)-1])
	}

	if err := p.performUndoRedoOp(item.fqName, item.redoParams, false); err != nil {
		return scripterr.Wrapf(scripterr.ErrProvenanceInvalidRedo, "%v", err)
	}

	if item.alsoRedoChildren {
		for _, child := range item.children {
			if err := p.performUndoRedoOp(child.fqName, child.redoParams, false); err != nil {
				return scripterr.Wrapf(scripterr.ErrProvenanceInvalidRedo, "%v", err)
			}
		}
	}
	// Otherwise child records exist solely to help undo; the function's own
	// execution re-drives them.

	p.stackPointer++
	return nil
}

// performUndoRedoOp replays params against the target function: the custom
// undo/redo override when installed, nothing when null undo/redo is set, and
// the function itself otherwise. The function's last-exec vector ends up
// matching what was just replayed.
func (p *provenance) performUndoRedoOp(fqName string, params []interface{}, isUndo bool) error {
	rec, ok := p.e.funcs[fqName]
	if !ok {
		if p.undoingInstanceDel {
			// The function belonged to an instance that no longer
			// exists; the re-roll will recreate and replay it.
			return nil
		}
		return scripterr.Wrapf(scripterr.ErrProvenanceInvalidUndoOrRedo,
			"function table %q does not exist", fqName)
	}

	skip := false
	var custom *hookEntry
	if isUndo {
		if rec.nullUndo {
			skip = true
		} else {
			custom = rec.undoFn
		}
	} else {
		if rec.nullRedo {
			skip = true
		} else {
			custom = rec.redoFn
		}
	}

	p.urInFlight = true
	defer func() { p.urInFlight = false }()

	switch {
	case skip:
		// No-op replacement; children are still walked by the caller.
	case custom != nil:
		if err := callHook(custom.fn, custom.hasErr, reflectArgs(params)); err != nil {
			return scripterr.Wrapf(scripterr.ErrProvenanceInvalidUndoOrRedo, "%v", err)
		}
	default:
		nret := 0
		if rec.retType != nil || rec.kind == funcConstructor {
			nret = 1
		}
		if err := p.e.callRegistered(rec, params, nret); err != nil {
			return scripterr.Wrapf(scripterr.ErrProvenanceInvalidUndoOrRedo, "%v", err)
		}
		if nret > 0 {
			p.e.L.Pop(nret)
		}
	}

	rec.lastExec = cloneVals(params)
	return nil
}

func reflectArgs(params []interface{}) []reflect.Value {
	in := make([]reflect.Value, len(params))
	for i, p := range params {
		in[i] = reflect.ValueOf(p)
	}
	return in
}

// clear drops all provenance history, resets every function's last-exec
// vector to its defaults, and forces an interpreter garbage collection
// cycle.
func (p *provenance) clear() {
	p.urStack = nil
	p.stackPointer = 0
	p.descList = nil
	for _, rec := range p.e.funcs {
		if !rec.stackExempt {
			rec.lastExec = cloneVals(rec.defaults)
		}
	}
	_ = p.e.Exec("collectgarbage('collect')")
}

// undoStackDesc renders the undo-available records, most recent first.
func (p *provenance) undoStackDesc() []string {
	var out []string
	for i := p.stackPointer - 1; i >= 0; i-- {
		item := p.urStack[i]
		out = append(out, fmt.Sprintf("%s(%s) -- %s(%s)",
			item.fqName, marshal.FormatValues(item.undoParams),
			item.fqName, marshal.FormatValues(item.redoParams)))
	}
	return out
}

// redoStackDesc renders the redo-available records, nearest first.
func (p *provenance) redoStackDesc() []string {
	var out []string
	for i := p.stackPointer; i < len(p.urStack); i++ {
		item := p.urStack[i]
		out = append(out, fmt.Sprintf("%s(%s) -- %s(%s)",
			item.fqName, marshal.FormatValues(item.redoParams),
			item.fqName, marshal.FormatValues(item.undoParams)))
	}
	return out
}

func (p *provenance) printUndoStack() {
	_ = p.e.Cexec("log.info", "")
	_ = p.e.Cexec("log.info", "Undo Stack (left is undo, right redo):")
	if !p.enabled {
		_ = p.e.Cexec("log.info", "** Provenance disabled.")
	}
	desc := p.undoStackDesc()
	for i := len(desc) - 1; i >= 0; i-- {
		_ = p.e.Cexec("log.info", desc[i])
	}
}

func (p *provenance) printRedoStack() {
	_ = p.e.Cexec("log.info", "")
	_ = p.e.Cexec("log.info", "Redo Stack (left is redo, right undo):")
	if !p.enabled {
		_ = p.e.Cexec("log.info", "** Provenance disabled.")
	}
	desc := p.redoStackDesc()
	for i := len(desc) - 1; i >= 0; i-- {
		_ = p.e.Cexec("log.info", desc[i])
	}
}

func (p *provenance) printProvRecord() {
	_ = p.e.Cexec("log.info", "")
	_ = p.e.Cexec("log.info", "Provenance Record:")
	if !p.enabled {
		_ = p.e.Cexec("log.info", "** Provenance disabled.")
	}
	for _, line := range p.descList {
		_ = p.e.Cexec("log.info", line)
	}
}

func (p *provenance) printProvRecordToFile(path string) error {
	var sb strings.Builder
	sb.WriteString("Provenance Record:\n")
	if !p.enabled {
		sb.WriteString("** Provenance disabled.\n")
	}
	for _, line := range p.descList {
		sb.WriteString(line)
		sb.WriteByte('\n')
	}
	if err := os.WriteFile(path, []byte(sb.String()), 0o644); err != nil {
		return scripterr.Wrapf(scripterr.ErrLuaError,
			"writing provenance record to %s: %v", path, err)
	}
	return nil
}

// registerCommands publishes the reflected provenance surface. These
// registrations persist for the lifetime of the engine.
func (p *provenance) registerCommands() error {
	type regEntry struct {
		fn       interface{}
		name     string
		desc     string
		undoRedo bool
	}
	entries := []regEntry{
		{func() error { return p.issueUndo() }, "provenance.undo",
			"Undoes last command.", false},
		{func() error { return p.issueRedo() }, "provenance.redo",
			"Redoes the last undo.", false},
		{func(b bool) { p.setEnabled(b) }, "provenance.enable",
			"Enable/Disable provenance. This is not an undoable action and " +
				"will clear your provenance history if disabled.", false},
		{func(b bool) { p.enableDescLog(b) }, "provenance.enableProvLog",
			"Enables/Disables provenance log (def: false).", false},
		{func() { p.clear() }, "provenance.clear",
			"Clears all provenance and undo/redo stacks. This is not an " +
				"undo-able action.", false},
		{func(b bool) { p.reentryThrows = b }, "provenance.enableReentryException",
			"Enables/Disables the provenance reentry exception.", true},
		{func() { p.printUndoStack() }, "provenance.logUndoStack",
			"Prints the contents of the undo stack to 'log.info'.", false},
		{func() { p.printRedoStack() }, "provenance.logRedoStack",
			"Prints the contents of the redo stack to 'log.info'.", false},
		{func() { p.printProvRecord() }, "provenance.logProvRecord_toConsole",
			"Prints the entire provenance record to 'log.info'.", false},
		{func(path string) error { return p.printProvRecordToFile(path) },
			"provenance.logProvRecord_toFile",
			"Prints the entire provenance record to a file.", false},
	}
	for _, ent := range entries {
		if _, err := p.e.RegisterFunction(ent.fn, ent.name, ent.desc, ent.undoRedo); err != nil {
			return err
		}
	}
	return nil
}

// sortedInstanceIDs is a convenience over the live instance map.
func (e *Engine) sortedInstanceIDs() []marshal.IDType {
	ids := make([]marshal.IDType, 0, len(e.instances))
	for id := range e.instances {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}
