package interp_test

import (
	"testing"

	"github.com/funvibe/icr/internal/asmtest"
	"github.com/funvibe/icr/internal/opcode"
	"github.com/funvibe/icr/internal/rt"
)

// TestCallWithBlockYieldsAndLeaveFallsThrough exercises spec.md §4.3's
// block invocation path end to end: main calls accept_block with a
// block, accept_block yields its argument through CALL_BLOCK, the
// block computes on the yielded value and falls through via a plain
// LEAVE (leaveTail's non-top-level branch), and accept_block resumes
// right after CALL_BLOCK to finish its own computation.
func TestCallWithBlockYieldsAndLeaveFallsThrough(t *testing.T) {
	ip := newTestInterp(t)

	main := asmtest.New("main").File("test.fx")
	blockVarOff := main.Local("y", 8, 4, 0, rt.ShapeNonUnion)

	block := asmtest.Block("blk")
	block.GetLocal(blockVarOff, 4).PushI32(1).Op(opcode.ADD_I32).Leave(4)
	blockCallable := block.ArgsBytesize(4).Build(rt.KindBlock)
	blockCallable.LocalsBytesizeStart = blockVarOff
	blockCallable.LocalsBytesizeEnd = blockVarOff + 4

	blockIdx := main.AddConstant(blockCallable)

	accept := asmtest.New("accept_block").File("test.fx")
	accept.ArgsBytesize(4)
	accept.GetLocal(0, 4).CallBlockIndex(blockIdx)
	accept.PushI32(1).Op(opcode.ADD_I32)
	accept.LeaveDef(4)
	acceptCallable := accept.Build(rt.KindDef)

	main.PushI32(5).CallWithBlock(acceptCallable).LeaveDef(4)
	program := main.Build(rt.KindDef)

	res, err := ip.Run(program)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	// yielded 5, block adds 1 -> 6, leave falls through, accept_block
	// adds 1 more -> 7.
	if got := decodeI32(res.Bytes); got != 7 {
		t.Errorf("result = %d; want 7", got)
	}
}

// TestBreakBlockUnwindsPastYieldingCall exercises doBreakBlock's
// non-local exit: a BREAK_BLOCK inside a yielded block unwinds to
// RealFrameIndex+1, the frame directly above the block's lexical call
// site (main), skipping the yielding call's (accept_block's) own
// remaining code entirely rather than merely falling back into it the
// way a plain LEAVE would.
func TestBreakBlockUnwindsPastYieldingCall(t *testing.T) {
	ip := newTestInterp(t)

	main := asmtest.New("main").File("test.fx")
	slotOff := main.Local("a", 8, 4, 0, rt.ShapeNonUnion)

	block := asmtest.Block("blkbreak")
	block.GetLocal(slotOff, 4).PushI32(100).Op(opcode.ADD_I32).BreakBlock(4)
	blockCallable := block.ArgsBytesize(4).Build(rt.KindBlock)
	blockCallable.LocalsBytesizeStart = slotOff
	blockCallable.LocalsBytesizeEnd = slotOff + 4

	blockIdx := main.AddConstant(blockCallable)

	accept := asmtest.New("accept_block").File("test.fx")
	accept.ArgsBytesize(4)
	accept.GetLocal(0, 4).CallBlockIndex(blockIdx)
	// Unreachable once break_block unwinds past this frame: if it ran,
	// it would corrupt the result and prove the unwind didn't skip far
	// enough.
	accept.PushI32(99999).Op(opcode.ADD_I32)
	accept.LeaveDef(4)
	acceptCallable := accept.Build(rt.KindDef)

	main.PushI32(7).CallWithBlock(acceptCallable).LeaveDef(4)
	program := main.Build(rt.KindDef)

	res, err := ip.Run(program)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := decodeI32(res.Bytes); got != 107 {
		t.Errorf("result = %d; want 107 (accept_block's trailing code must not run)", got)
	}
}
