package interp

import (
	"bytes"
	"encoding/binary"
	"strings"
	"testing"

	"github.com/funvibe/icr/internal/asmtest"
	"github.com/funvibe/icr/internal/ctxhost"
	"github.com/funvibe/icr/internal/opcode"
	"github.com/funvibe/icr/internal/rt"
)

func decodeI32ForDebuggerTest(b []byte) int32 {
	return int32(binary.LittleEndian.Uint32(b))
}

func TestBreakpointAutoArmsAndContinueResumes(t *testing.T) {
	ctx := ctxhost.NewSimpleContext(8)
	ip := New(ctx, 4096, 4)
	defer ip.Close()

	var out bytes.Buffer
	ip.Out = &out
	ip.PryIn = strings.NewReader("continue\n")

	b := asmtest.New("main").File("main.fx")
	b.NodeAt(7).PushI32(1)
	b.PushI32(1).Op(opcode.ADD_I32).LeaveDef(4)
	program := b.Build(rt.KindDef)

	ip.SetBreakpoint("main.fx", 7)

	res, err := ip.Run(program)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if decodeI32ForDebuggerTest(res.Bytes) != 2 {
		t.Errorf("result = %d; want 2", decodeI32ForDebuggerTest(res.Bytes))
	}
	if n := strings.Count(out.String(), "stopped at"); n != 1 {
		t.Errorf("stopped %d times; want exactly 1 (the line-honor check must not re-fire for the same line)", n)
	}
}

func TestPryHonorsNodeSeenOnceUntilLineChanges(t *testing.T) {
	ctx := ctxhost.NewSimpleContext(8)
	ip := New(ctx, 4096, 4)
	defer ip.Close()

	var out bytes.Buffer
	ip.Out = &out
	ip.PryIn = strings.NewReader("step\ncontinue\n")

	b := asmtest.New("main").File("main.fx")
	b.NodeAt(1).PushI32(1)
	b.NodeAt(1).PushI32(2) // same node id: not honored a second time
	b.NodeAt(2).Op(opcode.ADD_I32)
	b.LeaveDef(4)
	program := b.Build(rt.KindDef)

	ip.armPry()

	res, err := ip.Run(program)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if decodeI32ForDebuggerTest(res.Bytes) != 3 {
		t.Errorf("result = %d; want 3", decodeI32ForDebuggerTest(res.Bytes))
	}
	n := strings.Count(out.String(), "stopped at")
	if n != 2 {
		t.Errorf("stopped %d times; want 2 (node 1 then node 2)", n)
	}
}

func TestDisassembleListsInstructions(t *testing.T) {
	b := asmtest.New("main").File("main.fx")
	b.PushI32(1).PushI32(2).Op(opcode.ADD_I32).LeaveDef(4)
	program := b.Build(rt.KindDef)

	out := Disassemble(program)
	for _, want := range []string{"PUSH_I32", "ADD_I32", "LEAVE_DEF"} {
		if !strings.Contains(out, want) {
			t.Errorf("disassembly missing %q:\n%s", want, out)
		}
	}
}

func TestEvalLineReportsMissingCompiler(t *testing.T) {
	ctx := ctxhost.NewSimpleContext(8)
	ip := New(ctx, 4096, 4)
	defer ip.Close()

	var out bytes.Buffer
	ip.Out = &out
	ip.PryIn = strings.NewReader("1 + 1\ncontinue\n")

	b := asmtest.New("main").File("main.fx")
	b.NodeAt(1).PushI32(1).LeaveDef(4)
	program := b.Build(rt.KindDef)
	ip.armPry()

	if _, err := ip.Run(program); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !strings.Contains(out.String(), "no expression evaluator configured") {
		t.Errorf("expected graceful fallback message, got %q", out.String())
	}
}
