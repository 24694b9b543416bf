package interp

import (
	"unsafe"

	"github.com/funvibe/icr/internal/ctxhost"
	"github.com/funvibe/icr/internal/rt"
	"github.com/funvibe/icr/internal/stack"
)

// MigrateLocals implements spec.md §4.4: reconciling a previous REPL
// run's locals region (already resident at [base, base+old.MaxBytesize)
// on stk) against a new semantic-analysis pass's meta-vars, installing
// a fresh LocalLayout and, when any shared variable's aligned size
// changed, widening its bytes per spec.md §4.4's table.
func MigrateLocals(ctx ctxhost.Context, stk *stack.Stack, base int, old *rt.LocalLayout, meta *rt.MetaVars) (*rt.LocalLayout, error) {
	oldVars := old.Level0()

	anyChanged := false
	for _, ov := range oldVars {
		if mv := meta.ByName(ov.Name); mv != nil && mv.AlignedSize != ov.AlignedSize {
			anyChanged = true
			break
		}
	}

	if !anyChanged {
		return installFreshLayout(stk, base, old, meta)
	}
	return widenLayout(ctx, stk, base, old.MaxBytesize, oldVars, meta)
}

// installFreshLayout covers spec.md §4.4 step 1: no aligned size
// changed, so existing bytes stay exactly where they are. Variables
// shared with the old layout keep their old offset; brand-new
// variables are appended after the old region and zero-filled, so that
// the whole of [base, base+MaxBytesize) is valid the moment this
// returns, the same invariant widenLayout gives its caller.
//
// A shared variable whose static type changed without its aligned size
// changing (spec.md §7's "Type mismatch on REPL re-entry for an
// existing var" row, distinct from the widening-table row: the bytes
// would fit either type, but the two types aren't the same type) is
// rejected rather than silently reinterpreted.
func installFreshLayout(stk *stack.Stack, base int, old *rt.LocalLayout, meta *rt.MetaVars) (*rt.LocalLayout, error) {
	next := &rt.LocalLayout{Vars: make([]rt.LocalVar, 0, len(meta.Vars))}
	cursor := old.MaxBytesize
	for _, mv := range meta.Vars {
		if ov := old.ByName(mv.Name, 0); ov != nil {
			if ov.Type != mv.Type {
				return nil, &TypeChangeError{VarName: mv.Name}
			}
			next.Vars = append(next.Vars, rt.LocalVar{
				Name: mv.Name, BlockLevel: 0, Offset: ov.Offset,
				RawSize: mv.RawSize, AlignedSize: mv.AlignedSize, Type: mv.Type, Shape: mv.Shape,
			})
			continue
		}
		stk.ZeroRange(base+cursor, base+cursor+mv.AlignedSize)
		next.Vars = append(next.Vars, rt.LocalVar{
			Name: mv.Name, BlockLevel: 0, Offset: cursor,
			RawSize: mv.RawSize, AlignedSize: mv.AlignedSize, Type: mv.Type, Shape: mv.Shape,
		})
		cursor += mv.AlignedSize
	}
	next.MaxBytesize = cursor
	return next, nil
}

// widenLayout covers spec.md §4.4 step 2: at least one shared variable
// grew. The entire old locals region is copied out to a scratch buffer
// first (spec.md: "copy the entire current-locals region out to a
// scratch buffer") so that writing the new, larger layout back onto
// the live stack can never overwrite old bytes still waiting to be
// read — the new layout's cursor advances faster than the old one's
// the moment any variable widens.
func widenLayout(ctx ctxhost.Context, stk *stack.Stack, base, oldMaxBytesize int, oldVars []rt.LocalVar, meta *rt.MetaVars) (*rt.LocalLayout, error) {
	scratch := stk.PeekAt(base, oldMaxBytesize)

	next := &rt.LocalLayout{Vars: make([]rt.LocalVar, 0, len(meta.Vars))}
	dstCursor := 0

	for _, ov := range oldVars {
		mv := meta.ByName(ov.Name)
		if mv == nil {
			// Dropped variable: its old bytes are simply not carried
			// forward into the new layout.
			continue
		}
		if mv.AlignedSize == ov.AlignedSize {
			stk.WriteAt(base+dstCursor, scratch[ov.Offset:ov.Offset+ov.AlignedSize])
			next.Vars = append(next.Vars, rt.LocalVar{
				Name: mv.Name, BlockLevel: 0, Offset: dstCursor,
				RawSize: mv.RawSize, AlignedSize: mv.AlignedSize, Type: mv.Type, Shape: mv.Shape,
			})
			dstCursor += mv.AlignedSize
			continue
		}

		if mv.Shape != rt.ShapeMixedUnion {
			return nil, &MigrationError{VarName: ov.Name, OldType: typeName(ctx, ov.Type), NewType: typeName(ctx, mv.Type)}
		}
		if err := widenOne(ctx, stk, scratch, ov.Offset, base+dstCursor, ov, mv.AlignedSize); err != nil {
			return nil, err
		}
		next.Vars = append(next.Vars, rt.LocalVar{
			Name: mv.Name, BlockLevel: 0, Offset: dstCursor,
			RawSize: mv.RawSize, AlignedSize: mv.AlignedSize, Type: mv.Type, Shape: mv.Shape,
		})
		dstCursor += mv.AlignedSize
	}

	// Brand-new variables with no old counterpart are appended and
	// zero-filled.
	for _, mv := range meta.Vars {
		found := false
		for _, ov := range oldVars {
			if ov.Name == mv.Name {
				found = true
				break
			}
		}
		if found {
			continue
		}
		stk.ZeroRange(base+dstCursor, base+dstCursor+mv.AlignedSize)
		next.Vars = append(next.Vars, rt.LocalVar{
			Name: mv.Name, BlockLevel: 0, Offset: dstCursor,
			RawSize: mv.RawSize, AlignedSize: mv.AlignedSize, Type: mv.Type, Shape: mv.Shape,
		})
		dstCursor += mv.AlignedSize
	}

	next.MaxBytesize = dstCursor
	return next, nil
}

// widenOne applies exactly one row of the widening table: scratch holds
// the frozen old bytes (srcOff relative to scratch's own start), dstOff
// is the absolute live-stack offset to write the widened value to.
// newAlignedSize is the destination slot's full width; every byte past
// whatever this row writes is zero-filled before returning, so a
// migrated slot is never left holding stale stack bytes.
func widenOne(ctx ctxhost.Context, stk *stack.Stack, scratch []byte, srcOff, dstOff int, ov rt.LocalVar, newAlignedSize int) error {
	written := 0
	switch ov.Shape {
	case rt.ShapeNonUnion:
		old := scratch[srcOff : srcOff+ov.RawSize]
		writeTag(stk, dstOff, uint64(ov.Type))
		stk.WriteAt(dstOff+rt.MixedUnionTagSize, old)
		written = rt.MixedUnionTagSize + ov.RawSize

	case rt.ShapeReferenceUnion, rt.ShapeNilableReferenceUnion, rt.ShapeVirtual:
		ptrBytes := scratch[srcOff : srcOff+8]
		if isZero(ptrBytes) {
			stk.ZeroRange(dstOff, dstOff+newAlignedSize)
			return nil
		}
		// Pointer values on the stack are process-absolute addresses (see
		// pushAddr), so the referent's header is read from native memory.
		addr := readU64(ptrBytes)
		header := make([]byte, rt.MixedUnionTagSize)
		copy(header, unsafe.Slice((*byte)(widthPtr(addr)), rt.MixedUnionTagSize))
		stk.WriteAt(dstOff, header)
		stk.WriteAt(dstOff+rt.MixedUnionTagSize, ptrBytes)
		written = rt.MixedUnionTagSize + 8

	case rt.ShapeMixedUnion:
		tag := scratch[srcOff : srcOff+rt.MixedUnionTagSize]
		oldPayload := scratch[srcOff+rt.MixedUnionTagSize : srcOff+ov.RawSize]
		stk.WriteAt(dstOff, tag)
		stk.WriteAt(dstOff+rt.MixedUnionTagSize, oldPayload)
		written = ov.RawSize

	default:
		return &MigrationError{VarName: ov.Name, OldType: typeName(ctx, ov.Type), NewType: "MixedUnion"}
	}
	if written < newAlignedSize {
		stk.ZeroRange(dstOff+written, dstOff+newAlignedSize)
	}
	return nil
}

func writeTag(stk *stack.Stack, off int, tag uint64) {
	var b [8]byte
	putU64(b[:], tag)
	stk.WriteAt(off, b[:])
}

func putU64(b []byte, v uint64) {
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * i))
	}
}

func isZero(b []byte) bool {
	for _, c := range b {
		if c != 0 {
			return false
		}
	}
	return true
}

func typeName(ctx ctxhost.Context, t rt.TypeID) string {
	if name, ok := ctx.TypeFromID(t); ok {
		return name
	}
	return "<unknown type>"
}
