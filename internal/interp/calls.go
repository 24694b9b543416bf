package interp

import "github.com/funvibe/icr/internal/rt"

// setupPlainCall implements spec.md §4.3's "Plain call": the top of the
// stack already holds callable.ArgsBytesize bytes of argument data.
// withBlock marks the new frame as a block-caller (call_with_block);
// the block's own call_block later looks the caller frame back up via
// this index.
func (ip *Interpreter) setupPlainCall(callable *rt.Callable, withBlock bool) error {
	argsSize := callable.ArgsBytesize
	stackBeforeArgs := ip.Stack.Top() - ip.Stack.Align(argsSize)
	if stackBeforeArgs < 0 {
		fatalf("call argument underflow: top=%d args_bytesize=%d", ip.Stack.Top(), argsSize)
	}
	width := callable.MaxBytesize() - argsSize
	if width < 0 {
		fatalf("negative clear width: %s max_bytesize=%d < args_bytesize=%d", callable.Name, callable.MaxBytesize(), argsSize)
	}

	callerIdx := ip.NFrame - 1
	if ip.NFrame > 0 {
		ip.top().SavedStack = stackBeforeArgs
	}

	ip.Stack.GrowBy(width)

	blockCaller := -1
	if withBlock {
		blockCaller = callerIdx
	}
	ip.pushFrame(rt.Frame{
		Callable:              callable,
		IP:                    0,
		StackBottom:           stackBeforeArgs,
		BlockCallerFrameIndex: blockCaller,
		RealFrameIndex:        ip.NFrame,
	})
	ip.StatsCalls++
	return nil
}

// setupCallBlock implements spec.md §4.3's "Block invocation": looking
// up the block's caller frame (the lexical call site, which owns both
// the block's compiled bytecode in its Constants and the locals region
// the block reads and writes), copying it into a new top frame with
// the block's own instructions substituted, and zero-filling the
// block's private locals sub-range after writing in the yielded
// arguments.
func (ip *Interpreter) setupCallBlock(constIdx int) error {
	yielding := ip.top()
	if yielding.BlockCallerFrameIndex < 0 {
		fatalf("call_block outside a block-accepting call (no block_caller_frame_index)")
	}
	callSite := ip.Frames[yielding.BlockCallerFrameIndex]

	if constIdx < 0 || constIdx >= len(callSite.Callable.Constants) {
		fatalf("call_block: constant index %d out of range", constIdx)
	}
	blockCallable, ok := callSite.Callable.Constants[constIdx].(*rt.Callable)
	if !ok || blockCallable.Kind != rt.KindBlock {
		fatalf("call_block: constant index %d is not a compiled block", constIdx)
	}

	argsSize := blockCallable.ArgsBytesize
	argBytes := ip.Stack.Pop(argsSize)

	yielding.SavedStack = ip.Stack.Top()

	localsBase := callSite.StackBottom + blockCallable.LocalsBytesizeStart
	ip.Stack.WriteAt(localsBase, argBytes)
	ip.Stack.ZeroRange(localsBase+len(argBytes), callSite.StackBottom+blockCallable.LocalsBytesizeEnd)

	newFrame := callSite
	newFrame.Callable = blockCallable
	newFrame.IP = 0
	ip.pushFrame(newFrame)
	ip.StatsCalls++
	return nil
}

// leaveTail is the shared tail behavior of leave/leave_def/break_block
// (spec.md §4.3): either this interpreter's own execution terminates
// (frame count reached target, returning the raw result bytes) or
// control returns to the new top frame with size bytes of result
// copied onto its restored stack.
func (ip *Interpreter) leaveTail(oldStackTop, size, target int) (bool, *RunResult) {
	if ip.NFrame <= target {
		aligned := ip.Stack.Align(size)
		src := oldStackTop - aligned
		data := ip.Stack.PeekAt(src, size)
		ip.Stack.ZeroRange(src, oldStackTop)
		ip.Stack.SetTop(src)
		return true, &RunResult{Bytes: data}
	}

	caller := ip.top()
	restoreTop := caller.SavedStack
	aligned := ip.Stack.Align(size)
	src := oldStackTop - aligned
	data := ip.Stack.PeekAt(src, size)
	ip.Stack.ZeroRange(restoreTop, oldStackTop)
	ip.Stack.SetTop(restoreTop)
	ip.Stack.Push(data)
	return false, nil
}

// doLeave implements "leave(size)": end of a non-def, non-block scope.
func (ip *Interpreter) doLeave(size, target int) (bool, *RunResult) {
	oldTop := ip.Stack.Top()
	ip.NFrame--
	return ip.leaveTail(oldTop, size, target)
}

// doLeaveDef implements the non-local "leave_def(size)": unwind through
// any yield-copied frames back to the def-frame's own real index.
func (ip *Interpreter) doLeaveDef(size, target int) (bool, *RunResult) {
	oldTop := ip.Stack.Top()
	real := ip.top().RealFrameIndex
	for ip.NFrame > real {
		ip.NFrame--
	}
	return ip.leaveTail(oldTop, size, target)
}

// doBreakBlock implements "break_block(size)": unwind one frame
// shallower than leave_def's target, giving break semantics inside a
// yielded block: the def that owns the block survives and receives the
// break value as the result of its call_with_block, and the yielding
// callee's remaining code does not run.
func (ip *Interpreter) doBreakBlock(size, target int) (bool, *RunResult) {
	oldTop := ip.Stack.Top()
	stopAt := ip.top().RealFrameIndex + 1
	for ip.NFrame > stopAt {
		ip.NFrame--
	}
	return ip.leaveTail(oldTop, size, target)
}
