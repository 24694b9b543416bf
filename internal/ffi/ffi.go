// Package ffi implements the interpreter's out-call bridge and inbound
// closure callback (spec.md §4.5, §4.6): marshalling stack-resident
// arguments to the native ABI via libffi, and re-entering the
// interpreter when native code invokes an interpreter-defined procedure.
//
// This is grounded on daios-ai-msg/ffi.go and builtin_ffi.go (a complete
// cgo+libffi bridge — real, working reference code, ungrounded as a
// whole-module source since it ships no go.mod of its own): dlopen/dlsym
// for symbol resolution, ffi_prep_cif/ffi_call for the forward call, and
// ffi_prep_closure_loc plus a runtime/cgo.Handle-carried context for the
// inbound callback trampoline.
package ffi

import (
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/funvibe/icr/internal/rt"
)

// MaxArgs is the bounded scratch-vector capacity for argument pointers
// spec.md §4.5 step 1 calls out ("a bounded scratch vector of argument
// pointers (cap e.g., 100; overflow is fatal)").
const MaxArgs = 100

// ErrTooManyArgs is the fatal error raised when an out-call's argument
// count exceeds MaxArgs.
var ErrTooManyArgs = fmt.Errorf("BUG: FFI argument count exceeds %d", MaxArgs)

// CallDispatcher re-enters the interpreter for an inbound closure
// callback (spec.md §4.6). It is implemented by internal/interp's
// Interpreter so this package never imports internal/interp (which
// would create an import cycle through internal/ctxhost).
type CallDispatcher interface {
	// InvokeFromNative performs the standard call setup against
	// callableID at the given stack-top snapshot, pushing args (already
	// marshalled into interpreter-native byte form) and driving the
	// dispatch loop until the matching leave_def. It returns the raw
	// return bytes.
	InvokeFromNative(stackTop int, callableID uint64, closureData uint64, args [][]byte) ([]byte, error)
}

// LibFunction describes one native callee (spec.md §4.5's
// preconditions): a prepared native call-interface handle, a function
// pointer, the ordered argument bytesizes, and — for any argument that
// is itself a procedure — its call interface, so that argument can be
// wrapped as a native callback.
type LibFunction struct {
	Name string

	Symbol     string // resolved via dlsym against Lib
	Lib        string // "" means the default/global namespace
	ArgSizes   []int
	ReturnSize int

	// ProcArgCIFs[i] is non-nil when argument i is a procedure that must
	// be wrapped as a native callback before the call.
	ProcArgCIFs []*CIF

	cif      *preparedCIF
	fnPtr    uintptr
	resolved bool
}

// CIF is the minimal call-interface description needed to prep a libffi
// closure for a callback argument: the callback's own argument/return
// widths, independent of the outer call's.
type CIF struct {
	ArgSizes   []int
	ReturnSize int
}

// Bridge owns every live native library handle and inbound closure this
// interpreter instance has created, and is the concrete type behind
// ctxhost.Context.FFIClosureFactory(). One Bridge per interpreter
// instance, matching spec.md §3's "Context exclusively owns ... FFI
// closure contexts" — here the Bridge is the thing the Context hands
// out, reclaimed on Close() rather than leaked (spec.md §9's open
// question, resolved in SPEC_FULL.md §5).
type Bridge struct {
	mu       sync.Mutex
	libs     map[string]nativeHandle
	closures map[uuid.UUID]*closureRecord
	dispatch CallDispatcher
}

type closureRecord struct {
	id          uuid.UUID
	callableID  uint64
	closureData uint64
	stackTop    int
	handle      nativeClosure
}

// NewBridge creates a Bridge bound to the interpreter that will service
// inbound callbacks via dispatch.
func NewBridge(dispatch CallDispatcher) *Bridge {
	return &Bridge{
		libs:     make(map[string]nativeHandle),
		closures: make(map[uuid.UUID]*closureRecord),
		dispatch: dispatch,
	}
}

// Resolve prepares fn's CIF and resolves its symbol, if not already
// done. Idempotent so the same *LibFunction can be reused across calls.
func (b *Bridge) Resolve(fn *LibFunction) error {
	if fn.resolved {
		return nil
	}
	lib, err := b.openLib(fn.Lib)
	if err != nil {
		return err
	}
	ptr, err := dlsym(lib, fn.Symbol)
	if err != nil {
		return err
	}
	cif, err := prepCIF(fn.ArgSizes, fn.ReturnSize)
	if err != nil {
		return err
	}
	fn.cif = cif
	fn.fnPtr = ptr
	fn.resolved = true
	return nil
}

func (b *Bridge) openLib(path string) (nativeHandle, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if h, ok := b.libs[path]; ok {
		return h, nil
	}
	h, err := dlopen(path)
	if err != nil {
		return nativeHandle{}, err
	}
	b.libs[path] = h
	return h, nil
}

// Invoke implements spec.md §4.5's out-call bridge. argPtrs[i] points at
// argument i's stack slot (already in declaration order, caller-owned
// memory — this package never allocates the operand stack). The
// returned []byte is the raw, unaligned return value.
func (b *Bridge) Invoke(fn *LibFunction, argPtrs []uintptr) ([]byte, error) {
	if len(argPtrs) > MaxArgs {
		return nil, ErrTooManyArgs
	}
	if err := b.Resolve(fn); err != nil {
		return nil, err
	}
	return doCall(fn.cif, fn.fnPtr, argPtrs, fn.ReturnSize)
}

// WrapProc installs a native callback handle for a procedure value
// (spec.md §4.5 step 2): callableID/closureData identify the
// interpreter-defined procedure; stackTop is the @stack_top snapshot
// (step 3) the callback resumes from; cif describes the callback's own
// argument/return widths as the *native* caller expects them. The
// returned pointer is what gets written into the argument slot in place
// of the {callable_id, closure_data} pair.
func (b *Bridge) WrapProc(callableID, closureData uint64, stackTop int, cif *CIF) (uintptr, error) {
	id := uuid.New()
	handle, err := prepClosure(cif, id)
	if err != nil {
		return 0, err
	}
	b.bindCallbackOwner(handle, id)
	b.mu.Lock()
	b.closures[id] = &closureRecord{id: id, callableID: callableID, closureData: closureData, stackTop: stackTop, handle: handle}
	b.mu.Unlock()
	return handle.codePtr, nil
}

// dispatchCallback is invoked from the libffi trampoline (see
// cgo_linux.go's exported thunk) with the closure id that identifies
// which interpreter-defined procedure to run, plus raw native argument
// pointers and a destination for the native-observed return value. The
// stack position it resumes at is the @stack_top snapshot captured when
// the closure was wrapped (spec.md §4.5 step 3), not whatever value the
// C trampoline happens to pass through.
func (b *Bridge) dispatchCallback(id uuid.UUID, argv [][]byte, retSize int) []byte {
	b.mu.Lock()
	rec, ok := b.closures[id]
	b.mu.Unlock()
	if !ok {
		panic(fmt.Sprintf("BUG: unknown FFI closure id %s", id))
	}
	out, err := b.dispatch.InvokeFromNative(rec.stackTop, rec.callableID, rec.closureData, argv)
	if err != nil {
		panic(fmt.Sprintf("BUG: inbound FFI callback re-entry failed: %v", err))
	}
	if len(out) != retSize && retSize != 0 {
		bugged := make([]byte, retSize)
		copy(bugged, out)
		return bugged
	}
	return out
}

// Close releases every native library handle and closure this Bridge
// created. Safe to call once, at interpreter shutdown.
func (b *Bridge) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, rec := range b.closures {
		freeClosure(rec.handle)
	}
	b.closures = nil
	for _, h := range b.libs {
		dlclose(h)
	}
	b.libs = nil
}

// ProcOnStack is the {callable_id, closure_data} pair layout spec.md
// §4.5 step 2 describes for a procedure value's slot, re-exported here
// under this package's own name as an alias of rt.ProcValue.
type ProcOnStack = rt.ProcValue
