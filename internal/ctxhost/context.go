// Package ctxhost implements the Context collaborator spec.md §6
// describes as consumed by the core: type-id assignment, aligned/inner
// size queries for types, the constants and class-var byte pools, and
// the FFI-closure factory. The type checker, compiler, and disassembler
// that would normally populate a real Context are out of this module's
// scope (spec.md §1); SimpleContext is a minimal, self-registering
// implementation sufficient to drive the interpreter and its tests.
package ctxhost

import (
	"fmt"
	"sync"

	"github.com/funvibe/icr/internal/rt"
)

// Context is the interface the core (internal/interp, internal/ffi)
// consumes. It matches spec.md §6's "Context API (consumed by the
// core)" line for line.
type Context interface {
	AlignedSizeofType(t rt.TypeID) int
	InnerSizeofType(t rt.TypeID) int
	Align(n int) int

	TypeID(name string) rt.TypeID
	TypeFromID(id rt.TypeID) (string, bool)

	Constants() *Pool
	ClassVars() *Pool

	// StringConst interns a string and returns a stable pointer-sized
	// handle usable as a constants-pool slot value for PUSH_STR.
	StringConst(s string) uint64
	StringFromConst(handle uint64) (string, bool)

	// FFIClosureFactory returns the opaque FFI-closure factory (spec.md
	// §6: "ffi_closure_context(interpreter, callable) -> opaque and
	// ffi_closure_fun"). The Context owns this collaborator exclusively
	// (spec.md §3's Ownership paragraph); the concrete type is
	// *ffi.Bridge, returned untyped, which keeps internal/ctxhost free of
	// a dependency on cgo. internal/interp itself uses its own
	// Interpreter.Bridge and does not call this method.
	FFIClosureFactory() any
}

// typeEntry is everything SimpleContext tracks about one registered
// type.
type typeEntry struct {
	id          rt.TypeID
	name        string
	innerSize   int
	alignedSize int
}

// SimpleContext is a process-local, goroutine-safe Context. Alignment is
// fixed at construction (spec.md §3's "rounded up to the context-defined
// alignment").
type SimpleContext struct {
	mu        sync.RWMutex
	alignment int
	byName    map[string]*typeEntry
	byID      map[rt.TypeID]*typeEntry
	nextID    rt.TypeID

	constants *Pool
	classVars *Pool

	strMu   sync.Mutex
	strings map[string]uint64
	byHandle map[uint64]string
	nextStr  uint64

	ffiBridge any
}

// SetFFIBridge installs the *ffi.Bridge this Context hands back through
// FFIClosureFactory. Kept untyped here so ctxhost never imports the cgo
// package.
func (c *SimpleContext) SetFFIBridge(b any) { c.ffiBridge = b }

func (c *SimpleContext) FFIClosureFactory() any { return c.ffiBridge }

// NewSimpleContext creates a Context with the given alignment (e.g. 8 on
// a 64-bit target, matching funxy's own pointer-sized Value
// representation).
func NewSimpleContext(alignment int) *SimpleContext {
	c := &SimpleContext{
		alignment: alignment,
		byName:    make(map[string]*typeEntry),
		byID:      make(map[rt.TypeID]*typeEntry),
		constants: NewPool(),
		classVars: NewPool(),
		strings:   make(map[string]uint64),
		byHandle:  make(map[uint64]string),
	}
	// Built-in primitive types every compiled program needs regardless
	// of what the (external) semantic analyzer declares.
	for name, size := range map[string]int{
		"Nil": 8, "Bool": 1, "Int32": 4, "Int64": 8,
		"Float32": 4, "Float64": 8, "Ptr": 8, "MixedUnion": 8 + 8,
	} {
		c.register(name, size)
	}
	return c
}

func (c *SimpleContext) register(name string, innerSize int) rt.TypeID {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.byName[name]; ok {
		return e.id
	}
	id := c.nextID
	c.nextID++
	e := &typeEntry{id: id, name: name, innerSize: innerSize, alignedSize: c.alignUnlocked(innerSize)}
	c.byName[name] = e
	c.byID[id] = e
	return id
}

// Register exposes registration for callers building a program that
// need a fresh type the built-ins don't cover.
func (c *SimpleContext) Register(name string, innerSize int) rt.TypeID {
	return c.register(name, innerSize)
}

func (c *SimpleContext) alignUnlocked(n int) int {
	a := c.alignment
	if a <= 0 {
		a = 1
	}
	return (n + a - 1) &^ (a - 1)
}

func (c *SimpleContext) Align(n int) int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.alignUnlocked(n)
}

func (c *SimpleContext) AlignedSizeofType(t rt.TypeID) int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if e, ok := c.byID[t]; ok {
		return e.alignedSize
	}
	panic(fmt.Sprintf("BUG: unknown type id %d", t))
}

func (c *SimpleContext) InnerSizeofType(t rt.TypeID) int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if e, ok := c.byID[t]; ok {
		return e.innerSize
	}
	panic(fmt.Sprintf("BUG: unknown type id %d", t))
}

func (c *SimpleContext) TypeID(name string) rt.TypeID {
	c.mu.RLock()
	e, ok := c.byName[name]
	c.mu.RUnlock()
	if ok {
		return e.id
	}
	return c.register(name, 8) // unknown types default to pointer-sized
}

func (c *SimpleContext) TypeFromID(id rt.TypeID) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if e, ok := c.byID[id]; ok {
		return e.name, true
	}
	return "", false
}

func (c *SimpleContext) Constants() *Pool { return c.constants }
func (c *SimpleContext) ClassVars() *Pool { return c.classVars }

// StringConst interns s and returns a stable handle. Handles are small
// dense integers (not pointers) so they survive gob/yaml round-trips
// cleanly if a host ever wants to log them.
func (c *SimpleContext) StringConst(s string) uint64 {
	c.strMu.Lock()
	defer c.strMu.Unlock()
	if h, ok := c.strings[s]; ok {
		return h
	}
	c.nextStr++
	h := c.nextStr
	c.strings[s] = h
	c.byHandle[h] = s
	return h
}

func (c *SimpleContext) StringFromConst(handle uint64) (string, bool) {
	c.strMu.Lock()
	defer c.strMu.Unlock()
	s, ok := c.byHandle[handle]
	return s, ok
}
