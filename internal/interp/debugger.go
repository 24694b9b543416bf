// Package interp's pry support (spec.md §4.8): arming, the honor check
// run once per dispatch step, and the state a session carries between
// REPL commands. The REPL loop itself lives in debugger_cli.go, mirroring
// funxy's own vm/debugger.go-vs-vm/debugger_cli.go split between state
// and interactive surface.
package interp

import (
	"github.com/funvibe/icr/internal/rt"
)

// pryState is the debugger state spec.md §4.8 names: pry, pry_node,
// pry_max_target_frame.
type pryState struct {
	armed bool

	hasLast  bool
	lastFile string
	lastLine int

	// maxTargetFrame is absent (nil) for step, current real_frame_index
	// for next, current real_frame_index-1 for finish.
	maxTargetFrame *int

	// layout accumulates locals declared across a pry session's
	// successive REPL statements, fed back into MigrateLocals before
	// each new command is compiled so that a var one command introduces
	// is visible to the next — the same migration machinery a top-level
	// REPL re-entry between statements uses.
	layout *rt.LocalLayout

	// breakpoints layers source-line breakpoints on top of the mandatory
	// pry opcode arming, grounded on funxy's own Debugger.breakpoints/
	// ShouldBreak (vm/debugger.go): a line in this set auto-arms pry the
	// moment execution reaches it, without requiring a PRY instruction
	// at that point.
	breakpoints map[string]map[int]bool
}

// SourceLocator maps a compiled callable's opaque AST node id to a
// source file/line. It is an external collaborator (spec.md §6 leaves
// "node maps to a source location" to the compiler/analyzer); without
// one wired in, maybeBreakForPry falls back to treating each distinct
// node id as its own line, which is enough to exercise the re-entry
// machinery but not to show real source text.
type SourceLocator interface {
	Location(callable *rt.Callable, nodeID int) (file string, line int, ok bool)
}

// LocalsGatherer gathers the locals visible at a stopped location into a
// fresh meta-vars set (spec.md §4.8 step 3's "external gatherer").
type LocalsGatherer interface {
	GatherLocals(callable *rt.Callable, nodeID int) (*rt.MetaVars, int, error)
}

// ExprCompiler is the Compiler API (spec.md §6) as pry needs it: given
// the locals visible in the stopped frame and one line of REPL input,
// produce a callable ready to run against the child interpreter.
type ExprCompiler interface {
	Compile(owner *rt.Callable, layout *rt.LocalLayout, blockLevel int, src string) (*rt.Callable, *rt.MetaVars, error)
}

// armPry implements the PRY opcode: it only ever sets the flag. Nothing
// else about pry_node/pry_max_target_frame changes here.
func (ip *Interpreter) armPry() {
	if ip.pry == nil {
		ip.pry = &pryState{}
	}
	ip.pry.armed = true
}

// ArmPryOnStart arms pry before the first instruction runs, so the very
// first honored node stops the session (spec.md §6's "pry arming"
// driver property, spec.md §4.8). Equivalent to a PRY opcode at
// position zero of the entry callable.
func (ip *Interpreter) ArmPryOnStart() {
	ip.armPry()
}

// maybeBreakForPry is spec.md §4.8's per-step honor check: armed, the
// current node maps to a location, the frame is within
// pry_max_target_frame (if any), and that location's line differs from
// the last one we stopped at. It returns true iff a pry session ran to
// completion at this step (the caller's loop should re-check the top
// frame before continuing, since a finished session may have left the
// frame stack shallower than it found it).
func (ip *Interpreter) maybeBreakForPry() bool {
	f := ip.top()
	nodeID, ok := f.Callable.Nodes[f.IP]
	if !ok {
		return false
	}
	if ip.pry.maxTargetFrame != nil && f.RealFrameIndex > *ip.pry.maxTargetFrame {
		return false
	}

	file, line, ok := ip.locate(f.Callable, nodeID)
	if !ok {
		return false
	}
	if ip.pry.hasLast && ip.pry.lastFile == file && ip.pry.lastLine == line {
		return false
	}

	ip.runPrySession(f, nodeID, file, line)
	return true
}

// SetBreakpoint arms pry automatically the next time execution reaches
// file:line, mirroring funxy's own Debugger.SetBreakpoint.
func (ip *Interpreter) SetBreakpoint(file string, line int) {
	if ip.pry == nil {
		ip.pry = &pryState{}
	}
	if ip.pry.breakpoints == nil {
		ip.pry.breakpoints = make(map[string]map[int]bool)
	}
	if ip.pry.breakpoints[file] == nil {
		ip.pry.breakpoints[file] = make(map[int]bool)
	}
	ip.pry.breakpoints[file][line] = true
}

// RemoveBreakpoint undoes one SetBreakpoint call.
func (ip *Interpreter) RemoveBreakpoint(file string, line int) {
	if ip.pry == nil || ip.pry.breakpoints == nil {
		return
	}
	delete(ip.pry.breakpoints[file], line)
}

// ClearBreakpoints removes every breakpoint.
func (ip *Interpreter) ClearBreakpoints() {
	if ip.pry != nil {
		ip.pry.breakpoints = nil
	}
}

// hasBreakpoint reports whether execution should auto-arm pry at
// file:line. Its only caller is checkBreakpoint, which runs only while
// pry is unarmed.
func (ip *Interpreter) hasBreakpoint(file string, line int) bool {
	if ip.pry == nil || ip.pry.breakpoints == nil {
		return false
	}
	return ip.pry.breakpoints[file][line]
}

// checkBreakpoint auto-arms pry the moment execution reaches a
// breakpointed line, even though no PRY instruction sits there. Called
// once per step while unarmed; once armed, maybeBreakForPry takes over
// and this is skipped.
func (ip *Interpreter) checkBreakpoint() {
	f := ip.top()
	nodeID, ok := f.Callable.Nodes[f.IP]
	if !ok {
		return
	}
	file, line, ok := ip.locate(f.Callable, nodeID)
	if !ok {
		return
	}
	if ip.hasBreakpoint(file, line) {
		ip.pry.armed = true
	}
}

func (ip *Interpreter) locate(c *rt.Callable, nodeID int) (string, int, bool) {
	if ip.Locator != nil {
		return ip.Locator.Location(c, nodeID)
	}
	return c.File, nodeID, true
}

// saveScratch implements spec.md §4.8 step 2: everything on the live
// stack beyond the stopped frame's locals region may be clobbered by a
// nested pry evaluation, so it is copied out first.
func (ip *Interpreter) saveScratch(f *rt.Frame) []byte {
	from := f.StackBottom + f.Callable.MaxBytesize()
	top := ip.Stack.Top()
	if top <= from {
		return nil
	}
	scratch := ip.Stack.PeekAt(from, top-from)
	ip.Stack.SetTop(from)
	return scratch
}

// restoreScratch implements spec.md §4.8 step 7. The boundary is the
// locals region's size as of the end of the session, not as of the
// original stop: a session that introduced new pry-declared locals
// widened that region via MigrateLocals, and those bytes are meant to
// persist for the next stop, not be discarded along with the scratch
// restore.
func (ip *Interpreter) restoreScratch(f *rt.Frame, scratch []byte) {
	maxBytesize := f.Callable.MaxBytesize()
	if ip.pry.layout != nil {
		maxBytesize = ip.pry.layout.MaxBytesize
	}
	from := f.StackBottom + maxBytesize
	ip.Stack.SetTop(from)
	if len(scratch) > 0 {
		ip.Stack.GrowBy(len(scratch))
		ip.Stack.WriteAt(from, scratch)
	}
}

// newPryChild implements spec.md §4.8 step 4: a child interpreter
// sharing context and the live stack, so get_local/get_ivar_ptr against
// stopped-frame offsets resolve exactly as they would in the suspended
// frame itself.
func (ip *Interpreter) newPryChild() *Interpreter {
	return &Interpreter{
		Stack:  ip.Stack,
		Frames: make([]rt.Frame, 8),
		Ctx:    ip.Ctx,
		Bridge: ip.Bridge,
		Out:    ip.Out,
		parent: ip,
	}
}

// runExpr drives child through exactly one compiled REPL statement,
// its frame sharing stackBottom with the stopped frame so it sees that
// frame's locals (old and pry-introduced alike) at their real offsets.
func (child *Interpreter) runExpr(stackBottom int, callable *rt.Callable) (*RunResult, error) {
	child.NFrame = 0
	base := child.Stack.Top()
	child.Stack.GrowBy(callable.MaxBytesize() - (base - stackBottom))
	child.pushFrame(rt.Frame{
		Callable:              callable,
		StackBottom:           stackBottom,
		BlockCallerFrameIndex: -1,
		RealFrameIndex:        0,
	})
	return child.loop(0)
}
