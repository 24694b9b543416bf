package interp

import (
	"testing"

	"github.com/funvibe/icr/internal/ctxhost"
	"github.com/funvibe/icr/internal/rt"
	"github.com/funvibe/icr/internal/stack"
)

func TestMigrateLocalsAppendsWithoutWidening(t *testing.T) {
	ctx := ctxhost.NewSimpleContext(8)
	stk := stack.New(4096, 8)

	old := &rt.LocalLayout{
		Vars: []rt.LocalVar{
			{Name: "x", Offset: 0, RawSize: 4, AlignedSize: 8, Type: ctx.TypeID("Int32"), Shape: rt.ShapeNonUnion},
		},
		MaxBytesize: 8,
	}
	base := stk.Top()
	stk.GrowBy(old.MaxBytesize)
	stk.WriteAt(base, []byte{7, 0, 0, 0})

	meta := &rt.MetaVars{Vars: []rt.MetaVar{
		{Name: "x", Type: ctx.TypeID("Int32"), Shape: rt.ShapeNonUnion, RawSize: 4, AlignedSize: 8},
		{Name: "y", Type: ctx.TypeID("Int64"), Shape: rt.ShapeNonUnion, RawSize: 8, AlignedSize: 8},
	}}

	next, err := MigrateLocals(ctx, stk, base, old, meta)
	if err != nil {
		t.Fatalf("MigrateLocals: %v", err)
	}
	if next.MaxBytesize != 16 {
		t.Errorf("MaxBytesize = %d; want 16", next.MaxBytesize)
	}
	xv := next.ByName("x", 0)
	if xv == nil || xv.Offset != 0 {
		t.Fatalf("x should keep offset 0, got %+v", xv)
	}
	if got := stk.PeekAt(base, 4); got[0] != 7 {
		t.Errorf("x bytes disturbed: % x", got)
	}
	yv := next.ByName("y", 0)
	if yv == nil || yv.Offset != 8 {
		t.Fatalf("y should be appended at offset 8, got %+v", yv)
	}
	if got := stk.PeekAt(base+8, 8); !allZero(got) {
		t.Errorf("brand-new var y not zero-filled: % x", got)
	}
}

func TestMigrateLocalsWidensNonUnionToMixedUnion(t *testing.T) {
	ctx := ctxhost.NewSimpleContext(8)
	stk := stack.New(4096, 8)

	int32Type := ctx.TypeID("Int32")
	old := &rt.LocalLayout{
		Vars: []rt.LocalVar{
			{Name: "v", Offset: 0, RawSize: 4, AlignedSize: 4, Type: int32Type, Shape: rt.ShapeNonUnion},
		},
		MaxBytesize: 4,
	}
	base := stk.Top()
	stk.GrowBy(old.MaxBytesize)
	stk.WriteAt(base, []byte{99, 0, 0, 0})

	newAlignedSize := rt.MixedUnionTagSize + 16
	// Pre-poison everything past the old slot's own bytes — including
	// the tail past what this row actually writes — so a missing
	// zero-fill shows up as leftover 0xff rather than the stack's
	// default zero value.
	poisonRange(stk, base+old.MaxBytesize, base+newAlignedSize)

	meta := &rt.MetaVars{Vars: []rt.MetaVar{
		{Name: "v", Type: int32Type, Shape: rt.ShapeMixedUnion, RawSize: rt.MixedUnionTagSize + 4, AlignedSize: newAlignedSize},
	}}

	next, err := MigrateLocals(ctx, stk, base, old, meta)
	if err != nil {
		t.Fatalf("MigrateLocals: %v", err)
	}
	vv := next.ByName("v", 0)
	if vv == nil {
		t.Fatalf("v missing from migrated layout")
	}
	tag := readU64(stk.PeekAt(base+vv.Offset, 8))
	if tag != uint64(int32Type) {
		t.Errorf("tag = %d; want %d", tag, int32Type)
	}
	payload := stk.PeekAt(base+vv.Offset+rt.MixedUnionTagSize, 4)
	if payload[0] != 99 {
		t.Errorf("payload = % x; want preserved 99 ...", payload)
	}
	tail := stk.PeekAt(base+vv.Offset+rt.MixedUnionTagSize+4, newAlignedSize-rt.MixedUnionTagSize-4)
	if !allZero(tail) {
		t.Errorf("tail past the written payload not zero-filled: % x", tail)
	}
}

// TestMigrateLocalsWidensReferenceUnionToMixedUnion covers the non-null
// pointer sub-case of the ShapeReferenceUnion/ShapeNilableReferenceUnion/
// ShapeVirtual row: the destination's header comes from the pointee's
// own type-id, not the old slot's static type, and any bytes past the
// tag+pointer this row writes must still be zero-filled to the new,
// wider aligned size.
func TestMigrateLocalsWidensReferenceUnionToMixedUnion(t *testing.T) {
	ctx := ctxhost.NewSimpleContext(8)
	stk := stack.New(4096, 8)

	int32Type := ctx.TypeID("Int32")

	objOff := stk.Top()
	stk.GrowBy(8)
	stk.WriteAt(objOff, u64Bytes(uint64(int32Type)))

	old := &rt.LocalLayout{
		Vars: []rt.LocalVar{
			{Name: "r", Offset: 0, RawSize: 8, AlignedSize: 8, Type: int32Type, Shape: rt.ShapeReferenceUnion},
		},
		MaxBytesize: 8,
	}
	base := stk.Top()
	stk.GrowBy(old.MaxBytesize)
	stk.WriteAt(base, u64Bytes(uint64(rt.AddrOf(stk.PointerAt(objOff)))))

	newAlignedSize := rt.MixedUnionTagSize + 16
	// Poison everything past the old pointer slot's own bytes, leaving
	// the pointer itself (which MigrateLocals must still read) intact.
	poisonRange(stk, base+old.MaxBytesize, base+newAlignedSize)

	meta := &rt.MetaVars{Vars: []rt.MetaVar{
		{Name: "r", Type: int32Type, Shape: rt.ShapeMixedUnion, RawSize: rt.MixedUnionTagSize + 8, AlignedSize: newAlignedSize},
	}}

	next, err := MigrateLocals(ctx, stk, base, old, meta)
	if err != nil {
		t.Fatalf("MigrateLocals: %v", err)
	}
	rv := next.ByName("r", 0)
	if rv == nil {
		t.Fatalf("r missing from migrated layout")
	}
	tag := readU64(stk.PeekAt(base+rv.Offset, 8))
	if tag != uint64(int32Type) {
		t.Errorf("tag = %d; want %d", tag, int32Type)
	}
	ptr := readU64(stk.PeekAt(base+rv.Offset+rt.MixedUnionTagSize, 8))
	if ptr != uint64(rt.AddrOf(stk.PointerAt(objOff))) {
		t.Errorf("pointer not preserved: %x", ptr)
	}
	tail := stk.PeekAt(base+rv.Offset+rt.MixedUnionTagSize+8, newAlignedSize-rt.MixedUnionTagSize-8)
	if !allZero(tail) {
		t.Errorf("tail past tag+pointer not zero-filled: % x", tail)
	}
}

// TestMigrateLocalsWidensNilReferenceUnionToMixedUnion covers the
// null-pointer sub-case: the whole destination slot, at its new (wider)
// aligned size, must be zeroed, not the old slot's narrower size.
func TestMigrateLocalsWidensNilReferenceUnionToMixedUnion(t *testing.T) {
	ctx := ctxhost.NewSimpleContext(8)
	stk := stack.New(4096, 8)

	int32Type := ctx.TypeID("Int32")
	old := &rt.LocalLayout{
		Vars: []rt.LocalVar{
			{Name: "r", Offset: 0, RawSize: 8, AlignedSize: 8, Type: int32Type, Shape: rt.ShapeNilableReferenceUnion},
		},
		MaxBytesize: 8,
	}
	base := stk.Top()
	stk.GrowBy(old.MaxBytesize)
	stk.WriteAt(base, u64Bytes(0)) // nil

	newAlignedSize := rt.MixedUnionTagSize + 16
	// Poison past the old slot; the nil pointer itself (all zero) stays
	// put so MigrateLocals reads a genuine nil, not poisoned garbage.
	poisonRange(stk, base+old.MaxBytesize, base+newAlignedSize)

	meta := &rt.MetaVars{Vars: []rt.MetaVar{
		{Name: "r", Type: int32Type, Shape: rt.ShapeMixedUnion, RawSize: rt.MixedUnionTagSize + 8, AlignedSize: newAlignedSize},
	}}

	next, err := MigrateLocals(ctx, stk, base, old, meta)
	if err != nil {
		t.Fatalf("MigrateLocals: %v", err)
	}
	rv := next.ByName("r", 0)
	if rv == nil {
		t.Fatalf("r missing from migrated layout")
	}
	got := stk.PeekAt(base+rv.Offset, newAlignedSize)
	if !allZero(got) {
		t.Errorf("nil-reference widening left stale bytes: % x", got)
	}
}

// TestMigrateLocalsWidensMixedUnionToWiderMixedUnion covers a shared
// variable that stays ShapeMixedUnion but whose aligned size grows (a
// new, larger union member became possible) — the row that only copies
// tag+old-payload and must zero-fill everything past it.
func TestMigrateLocalsWidensMixedUnionToWiderMixedUnion(t *testing.T) {
	ctx := ctxhost.NewSimpleContext(8)
	stk := stack.New(4096, 8)

	int32Type := ctx.TypeID("Int32")
	oldRawSize := rt.MixedUnionTagSize + 4
	old := &rt.LocalLayout{
		Vars: []rt.LocalVar{
			{Name: "v", Offset: 0, RawSize: oldRawSize, AlignedSize: rt.MixedUnionTagSize + 8, Type: int32Type, Shape: rt.ShapeMixedUnion},
		},
		MaxBytesize: rt.MixedUnionTagSize + 8,
	}
	base := stk.Top()
	stk.GrowBy(old.MaxBytesize)
	tagAndPayload := append(u64Bytes(uint64(int32Type)), []byte{42, 0, 0, 0}...)
	stk.WriteAt(base, tagAndPayload)

	newAlignedSize := rt.MixedUnionTagSize + 16
	// Poison past the old slot's own bytes; the tag+payload stays put so
	// MigrateLocals reads the real values, not poisoned garbage.
	poisonRange(stk, base+old.MaxBytesize, base+newAlignedSize)

	meta := &rt.MetaVars{Vars: []rt.MetaVar{
		{Name: "v", Type: int32Type, Shape: rt.ShapeMixedUnion, RawSize: oldRawSize, AlignedSize: newAlignedSize},
	}}

	next, err := MigrateLocals(ctx, stk, base, old, meta)
	if err != nil {
		t.Fatalf("MigrateLocals: %v", err)
	}
	vv := next.ByName("v", 0)
	if vv == nil {
		t.Fatalf("v missing from migrated layout")
	}
	got := stk.PeekAt(base+vv.Offset, oldRawSize)
	if string(got) != string(tagAndPayload) {
		t.Errorf("tag+payload not preserved: % x", got)
	}
	tail := stk.PeekAt(base+vv.Offset+oldRawSize, newAlignedSize-oldRawSize)
	if !allZero(tail) {
		t.Errorf("tail past old raw size not zero-filled: % x", tail)
	}
}

func TestMigrateLocalsFatalsOnUnsupportedPair(t *testing.T) {
	ctx := ctxhost.NewSimpleContext(8)
	stk := stack.New(4096, 8)

	old := &rt.LocalLayout{
		Vars: []rt.LocalVar{
			{Name: "v", Offset: 0, RawSize: 4, AlignedSize: 4, Type: ctx.TypeID("Int32"), Shape: rt.ShapeNonUnion},
		},
		MaxBytesize: 4,
	}
	base := stk.Top()
	stk.GrowBy(old.MaxBytesize)

	meta := &rt.MetaVars{Vars: []rt.MetaVar{
		{Name: "v", Type: ctx.TypeID("Int64"), Shape: rt.ShapeNonUnion, RawSize: 8, AlignedSize: 8},
	}}

	if _, err := MigrateLocals(ctx, stk, base, old, meta); err == nil {
		t.Fatalf("expected a MigrationError for a changed non-union type")
	}
}

func TestMigrateLocalsRejectsSameSizeTypeChange(t *testing.T) {
	ctx := ctxhost.NewSimpleContext(8)
	stk := stack.New(4096, 8)

	old := &rt.LocalLayout{
		Vars: []rt.LocalVar{
			{Name: "v", Offset: 0, RawSize: 4, AlignedSize: 8, Type: ctx.TypeID("Int32"), Shape: rt.ShapeNonUnion},
		},
		MaxBytesize: 8,
	}
	base := stk.Top()
	stk.GrowBy(old.MaxBytesize)

	// Bool happens to share Int32's 8-byte aligned size on this context,
	// so this exercises the "same size, different type" row rather than
	// the widening-table row.
	meta := &rt.MetaVars{Vars: []rt.MetaVar{
		{Name: "v", Type: ctx.TypeID("Bool"), Shape: rt.ShapeNonUnion, RawSize: 4, AlignedSize: 8},
	}}

	_, err := MigrateLocals(ctx, stk, base, old, meta)
	if err == nil {
		t.Fatalf("expected a TypeChangeError")
	}
	if _, ok := err.(*TypeChangeError); !ok {
		t.Errorf("err = %T; want *TypeChangeError", err)
	}
}

func allZero(b []byte) bool {
	for _, c := range b {
		if c != 0 {
			return false
		}
	}
	return true
}

// poisonRange fills [from, to) with non-zero bytes so a missing
// zero-fill in the code under test leaves visible evidence instead of
// blending into the stack's default zero-initialized memory.
func poisonRange(stk *stack.Stack, from, to int) {
	poison := make([]byte, to-from)
	for i := range poison {
		poison[i] = 0xff
	}
	stk.WriteAt(from, poison)
}
