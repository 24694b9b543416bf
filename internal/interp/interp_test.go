package interp_test

import (
	"encoding/binary"
	"testing"

	"github.com/funvibe/icr/internal/asmtest"
	"github.com/funvibe/icr/internal/ctxhost"
	"github.com/funvibe/icr/internal/interp"
	"github.com/funvibe/icr/internal/opcode"
	"github.com/funvibe/icr/internal/rt"
)

func newTestInterp(t *testing.T) *interp.Interpreter {
	t.Helper()
	ctx := ctxhost.NewSimpleContext(8)
	ip := interp.New(ctx, 64*1024, 8)
	t.Cleanup(ip.Close)
	return ip
}

func decodeI32(b []byte) int32 {
	return int32(binary.LittleEndian.Uint32(b))
}

func TestRunArithmeticAndLeaveDef(t *testing.T) {
	ip := newTestInterp(t)

	b := asmtest.New("add").File("test.fx")
	b.PushI32(2).PushI32(3).Op(opcode.ADD_I32).LeaveDef(4)
	program := b.Build(rt.KindDef)

	res, err := ip.Run(program)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := decodeI32(res.Bytes); got != 5 {
		t.Errorf("result = %d; want 5", got)
	}
}

func TestPlainCallAndReturn(t *testing.T) {
	ip := newTestInterp(t)

	callee := asmtest.New("double").File("test.fx")
	callee.ArgsBytesize(4) // the sole argument "n" lives at offset 0
	callee.GetLocal(0, 4).GetLocal(0, 4).Op(opcode.ADD_I32).LeaveDef(4)
	calleeCallable := callee.Build(rt.KindDef)

	caller := asmtest.New("main").File("test.fx")
	caller.PushI32(21).Call(calleeCallable).LeaveDef(4)
	program := caller.Build(rt.KindDef)

	res, err := ip.Run(program)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := decodeI32(res.Bytes); got != 42 {
		t.Errorf("result = %d; want 42", got)
	}
}

func TestJumpIfFalseSkipsBranch(t *testing.T) {
	ip := newTestInterp(t)

	b := asmtest.New("branch").File("test.fx")
	b.PushBool(false)
	patch := b.Label(opcode.JUMP_IF_FALSE)
	b.PushI32(111)
	elseLabel := b.Label(opcode.JUMP)
	onFalse := b.Here()
	b.PushI32(222)
	end := b.Here()
	b.Patch(patch, onFalse)
	b.Patch(elseLabel, end)
	b.LeaveDef(4)
	program := b.Build(rt.KindDef)

	res, err := ip.Run(program)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := decodeI32(res.Bytes); got != 222 {
		t.Errorf("result = %d; want 222", got)
	}
}

func TestRunawayRecursionSurfacesAsError(t *testing.T) {
	ip := newTestInterp(t)

	self := &rt.Callable{Kind: rt.KindDef}
	b := asmtest.New("recurse").File("test.fx")
	b.Call(self)
	b.LeaveDef(0)
	*self = *b.Build(rt.KindDef)

	_, err := ip.Run(self)
	if err == nil {
		t.Fatalf("expected an error once the frame-count cap is hit")
	}
}
