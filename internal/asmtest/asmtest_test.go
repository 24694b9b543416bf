package asmtest

import (
	"testing"

	"github.com/funvibe/icr/internal/opcode"
	"github.com/funvibe/icr/internal/rt"
)

func TestBuildRecordsCodeConstantsAndNodes(t *testing.T) {
	b := New("f").File("f.fx")
	b.NodeAt(42).PushI32(7)
	b.PushStr("hello")
	c := b.Build(rt.KindDef)

	if c.Name != "f" || c.File != "f.fx" {
		t.Errorf("Name/File = %q/%q", c.Name, c.File)
	}
	if got := opcode.Op(c.Code[0]); got != opcode.PUSH_I32 {
		t.Errorf("first opcode = %s; want PUSH_I32", opcode.Name(got))
	}
	if nodeID, ok := c.Nodes[0]; !ok || nodeID != 42 {
		t.Errorf("Nodes[0] = %d,%v; want 42,true", nodeID, ok)
	}
	if len(c.Constants) != 1 || c.Constants[0] != "hello" {
		t.Errorf("Constants = %+v; want [\"hello\"]", c.Constants)
	}
}

func TestLabelAndPatch(t *testing.T) {
	b := New("f")
	patch := b.Label(opcode.JUMP)
	target := b.Here()
	b.PushI32(1)
	b.Patch(patch, target)
	c := b.Build(rt.KindDef)

	if got := opcode.Op(c.Code[0]); got != opcode.JUMP {
		t.Fatalf("first opcode = %s; want JUMP", opcode.Name(got))
	}
	if len(c.Code) < 5 {
		t.Fatalf("code too short to hold a patched operand: % x", c.Code)
	}
}

func TestLocalReportsOffsetsInDeclarationOrder(t *testing.T) {
	b := New("f")
	b.ArgsBytesize(4)
	off1 := b.Local("a", 8, 8, 0, rt.ShapeNonUnion)
	off2 := b.Local("b", 4, 4, 0, rt.ShapeNonUnion)
	if off1 != 4 {
		t.Errorf("first local offset = %d; want 4 (after the 4-byte args region)", off1)
	}
	if off2 != off1+8 {
		t.Errorf("second local offset = %d; want %d", off2, off1+8)
	}
}
