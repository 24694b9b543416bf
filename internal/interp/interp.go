// Package interp is the execution engine (spec.md §4.2-§4.3): a
// computed-dispatch loop over internal/opcode's table, driving a raw
// internal/stack.Stack and an index-addressable internal/rt.Frame
// stack. Grounded on funxy's own internal/vm package — vm.go's step/
// Run/push/pop shape, vm_calls.go's frame-growth-and-setup pattern, and
// vm_exec.go's opcode switch — generalized from funxy's tagged
// Value/ObjClosure model to the byte-addressable stack and
// *rt.Callable model spec.md §3 describes.
package interp

import (
	"fmt"
	"io"
	"os"

	"github.com/funvibe/icr/internal/ctxhost"
	"github.com/funvibe/icr/internal/ffi"
	"github.com/funvibe/icr/internal/opcode"
	"github.com/funvibe/icr/internal/rt"
	"github.com/funvibe/icr/internal/stack"
)

// Interpreter owns the value stack and frame stack exclusively (spec.md
// §3's Ownership paragraph); Ctx owns everything else shared across
// instances.
type Interpreter struct {
	Stack  *stack.Stack
	Frames []rt.Frame
	NFrame int

	Ctx    ctxhost.Context
	Bridge *ffi.Bridge

	Out io.Writer

	// Trace toggles the per-instruction dump §4.2 step 1 describes.
	Trace bool

	// Stats, exposed to the driver (spec.md §6's "properties for ...
	// statistics").
	StatsOps           uint64
	StatsCalls         uint64
	StatsMaxFrameDepth int
	StatsFFIOutCalls   uint64

	pry *pryState

	// parent is set on a child interpreter spawned for a pry session
	// (spec.md §4.8 step 4). No code path reads it.
	parent *Interpreter

	// Locator, PryGatherer and PryCompiler are the external collaborators
	// spec.md §6 leaves to the compiler/analyzer: mapping an AST node id
	// to a source location, gathering the locals visible at a stopped
	// location, and compiling one REPL line against them. A driver that
	// doesn't wire these in still gets a working pry loop for continue/
	// step/next/finish/whereami/disassemble; only expression evaluation
	// needs them.
	Locator     SourceLocator
	PryGatherer LocalsGatherer
	PryCompiler ExprCompiler

	// PryIn is the pry REPL's input stream, defaulting to os.Stdin.
	PryIn io.Reader

	// PryPrompt is written before each pry REPL read. A driver that
	// detected a real terminal (spec.md §6 leaves "line-editor and
	// syntax highlighter" out of scope, but the prompt itself isn't one)
	// can wrap it in ANSI color; one that didn't can leave it plain.
	PryPrompt string

	// Argv is the Driver API's "argv" property (spec.md §6): the
	// interpreted program's synthesized argc/argv, element 0 always the
	// literal program name "icr" followed by each user-supplied
	// argument. The driver sets this before the first Run; the core
	// itself never reads it, only hands it back to whatever native call
	// or builtin a real compiler wires up to inspect it.
	Argv []string
}

// New creates an Interpreter with a stack of the given capacity (e.g.
// stack.DefaultCapacity) and an initial frame-array capacity.
func New(ctx ctxhost.Context, stackCapacity, initialFrameCount int) *Interpreter {
	ip := &Interpreter{
		Stack:     stack.New(stackCapacity, ctx.Align(1)),
		Frames:    make([]rt.Frame, initialFrameCount),
		Ctx:       ctx,
		Out:       os.Stdout,
		PryIn:     os.Stdin,
		PryPrompt: "(pry) ",
	}
	ip.Bridge = ffi.NewBridge(ip)
	if sc, ok := ctx.(*ctxhost.SimpleContext); ok {
		sc.SetFFIBridge(ip.Bridge)
	}
	return ip
}

// Close releases this interpreter's FFI bridge (every dlopen'd library
// and every inbound closure it ever wrapped). Safe to call once, after
// the interpreter is done being driven (spec.md §9's FFI closure-context
// lifetime open question, resolved in favor of explicit reclaim over
// leaking).
func (ip *Interpreter) Close() {
	ip.Bridge.Close()
}

func (ip *Interpreter) top() *rt.Frame {
	if ip.NFrame == 0 {
		fatalf("no active frame")
	}
	return &ip.Frames[ip.NFrame-1]
}

// growFrames grows the frame array using the same increment-or-double
// strategy as funxy's own callClosure (vm_calls.go).
func (ip *Interpreter) growFrames() {
	if ip.NFrame < len(ip.Frames) {
		return
	}
	if ip.NFrame >= rt.MaxFrameCount {
		fatalf("call stack depth exceeds %d", rt.MaxFrameCount)
	}
	growBy := rt.FrameGrowthIncrement
	if len(ip.Frames) > growBy {
		growBy = len(ip.Frames)
	}
	next := make([]rt.Frame, len(ip.Frames)+growBy)
	copy(next, ip.Frames[:ip.NFrame])
	ip.Frames = next
}

// pushFrame installs f as the new top frame and returns its index.
func (ip *Interpreter) pushFrame(f rt.Frame) int {
	ip.growFrames()
	idx := ip.NFrame
	ip.Frames[idx] = f
	ip.NFrame++
	if ip.NFrame > ip.StatsMaxFrameDepth {
		ip.StatsMaxFrameDepth = ip.NFrame
	}
	return idx
}

// RunResult is what the dispatch loop hands back once the frame stack
// empties out via a leave flavor (spec.md §4.3's "leave" tail
// behavior), carrying the raw return bytes.
type RunResult struct {
	Bytes []byte
}

// Run installs callable as the sole top-level frame (spec.md §6's
// interpret(ast, meta_vars) -> Value, minus the AST/meta_vars
// compilation step, which is the external compiler's job) and drives
// the dispatch loop to completion.
func (ip *Interpreter) Run(callable *rt.Callable) (res *RunResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			if e, ok := r.(error); ok {
				err = e
				return
			}
			panic(r)
		}
	}()

	base := ip.Stack.Top()
	ip.Stack.GrowBy(callable.MaxBytesize())
	ip.NFrame = 0
	ip.pushFrame(rt.Frame{
		Callable:              callable,
		IP:                    0,
		StackBottom:           base,
		BlockCallerFrameIndex: -1,
		RealFrameIndex:        0,
	})

	res, err = ip.loop(0)
	return res, err
}

// loop is the main dispatch loop (spec.md §4.2). target is the frame
// count at which a leave flavor should hand control back to this call
// to loop — 0 for a top-level Run, or the frame count captured just
// before InvokeFromNative pushed its own call, so a synchronous
// native->interpreted->native re-entry (§5's "Suspension points")
// unwinds only its own nested call, not the caller's.
func (ip *Interpreter) loop(target int) (*RunResult, error) {
	for {
		if ip.Trace {
			ip.traceStep()
		}
		if ip.pry != nil {
			if !ip.pry.armed && ip.NFrame > 0 {
				ip.checkBreakpoint()
			}
			if ip.pry.armed {
				if done := ip.maybeBreakForPry(); done {
					continue
				}
			}
		}

		done, result, err := ip.step(target)
		if err != nil {
			return nil, err
		}
		if done {
			return result, nil
		}
		ip.StatsOps++
	}
}

func (ip *Interpreter) traceStep() {
	f := ip.top()
	fmt.Fprintf(ip.Out, "[frame %d ip=%d op=%s] stack(top=%d): % x\n",
		ip.NFrame-1, f.IP, opcode.Name(opcode.Op(f.Callable.Code[f.IP])), ip.Stack.Top(),
		ip.Stack.Bytes()[:min(ip.Stack.Top(), 64)])
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

// InvokeFromNative implements ffi.CallDispatcher (spec.md §4.6): the
// inbound closure callback path. It builds interpreter-native argument
// bytes from args (already copied out of native memory by the cgo
// trampoline), performs the standard call setup against callableID at
// stackTop, and drives the loop until the matching leave_def.
func (ip *Interpreter) InvokeFromNative(stackTop int, callableID uint64, closureData uint64, args [][]byte) ([]byte, error) {
	callable := rt.FromID(callableID)
	if callable == nil {
		fatalf("inbound FFI callback: unknown callable id %d", callableID)
	}

	savedTop := ip.Stack.Top()
	ip.Stack.SetTop(stackTop)
	for _, a := range args {
		ip.Stack.Push(a)
	}

	savedFrameCount := ip.NFrame
	if err := ip.setupPlainCall(callable, false); err != nil {
		ip.Stack.SetTop(savedTop)
		return nil, err
	}

	res, err := ip.loop(savedFrameCount)
	ip.NFrame = savedFrameCount
	ip.Stack.SetTop(savedTop)
	if err != nil {
		return nil, err
	}
	return res.Bytes, nil
}
