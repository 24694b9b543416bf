package rt

// Frame is one record on the call stack (spec.md §3's "Call Frame").
// Frames are stored in an index-addressable slice owned by the
// interpreter; code must refer to frames by index, never by pointer,
// since the slice can grow and reallocate (spec.md §9: "Frame references
// by index").
type Frame struct {
	Callable *Callable

	// IP is the live instruction pointer. The dispatch loop reads and
	// advances it in this record on every step, so a suspended frame's
	// IP is where it resumes.
	IP int

	// StackBottom is the address at which this frame's locals start.
	StackBottom int

	// SavedStack is this frame's "stack" pointer at the moment it was
	// suspended (by a call). It is not updated while the frame is the
	// active top frame; the live position then is Stack.Top().
	SavedStack int

	// BlockCallerFrameIndex is, for a frame entered via call_with_block,
	// the index of the frame that made that call (the block's lexical
	// call site), which call_block looks up to run the block; -1 for a
	// frame entered by a plain call. A block frame is a copy of the call
	// site's frame and carries the call site's own value.
	BlockCallerFrameIndex int

	// RealFrameIndex is the index of the original (non-yield-copy) frame,
	// used for non-local-return targeting (leave_def/break_block).
	RealFrameIndex int
}

// IsBlockFrame reports whether this frame is currently running yielded
// block code rather than its owning def's own body.
func (f *Frame) IsBlockFrame() bool { return f.Callable != nil && f.Callable.Kind == KindBlock }

// FrameGrowthIncrement mirrors funxy's own frame-array growth strategy
// (FrameGrowthIncrement in internal/vm/vm.go): grow by a fixed
// increment, or by the current length if that's larger, to keep
// reallocation frequency low without over-committing for small programs.
const FrameGrowthIncrement = 256

// MaxFrameCount is the call-stack depth (and thus recursion depth) cap,
// matching funxy's own MaxFrameCount guard against runaway recursion
// exhausting memory.
const MaxFrameCount = 8192
