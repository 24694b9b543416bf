// Package asmtest is a hand-assembler used only by _test.go files across
// this module: it builds *rt.Callable instruction streams directly,
// standing in for the external compiler spec.md §1 places outside the
// core's scope. No non-test file under internal/interp imports this
// package.
package asmtest

import (
	"encoding/binary"
	"math"

	"github.com/funvibe/icr/internal/opcode"
	"github.com/funvibe/icr/internal/rt"
)

// Builder accumulates one callable's bytecode, constants pool and local
// variable layout.
type Builder struct {
	name  string
	owner string
	file  string

	code      []byte
	constants []any
	nodes     map[int]int

	locals       rt.LocalLayout
	argsBytesize int
}

// New starts a fresh def-kind callable builder.
func New(name string) *Builder {
	return &Builder{name: name, nodes: make(map[int]int)}
}

// File sets the source file path recorded on the resulting Callable.
func (b *Builder) File(file string) *Builder {
	b.file = file
	return b
}

// Owner sets the enclosing type name recorded on the resulting Callable.
func (b *Builder) Owner(owner string) *Builder {
	b.owner = owner
	return b
}

// Local declares one local variable at block level 0, appending it at
// the next free offset and returning that offset.
func (b *Builder) Local(name string, alignedSize, rawSize int, typ rt.TypeID, shape rt.TypeShape) int {
	off := b.locals.MaxBytesize
	b.locals.Vars = append(b.locals.Vars, rt.LocalVar{
		Name: name, BlockLevel: 0, Offset: off,
		RawSize: rawSize, AlignedSize: alignedSize, Type: typ, Shape: shape,
	})
	b.locals.MaxBytesize += alignedSize
	return off
}

// ArgsBytesize reserves the leading region of the locals layout for
// incoming arguments, matching spec.md §3's call-frame convention that
// argument bytes occupy the start of a callable's locals region.
func (b *Builder) ArgsBytesize(n int) *Builder {
	b.argsBytesize = n
	b.locals.MaxBytesize = n
	return b
}

// NodeAt associates the instruction about to be emitted with the given
// opaque AST node id, letting a test exercise SourceLocator lookups and
// pry's per-line honor check.
func (b *Builder) NodeAt(nodeID int) *Builder {
	b.nodes[len(b.code)] = nodeID
	return b
}

func (b *Builder) emit(op opcode.Op, operand []byte) *Builder {
	b.code = append(b.code, byte(op))
	b.code = append(b.code, operand...)
	return b
}

// PushI32 emits PUSH_I32 v.
func (b *Builder) PushI32(v int32) *Builder {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], uint32(v))
	return b.emit(opcode.PUSH_I32, buf[:])
}

// PushI64 emits PUSH_I64 v.
func (b *Builder) PushI64(v int64) *Builder {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(v))
	return b.emit(opcode.PUSH_I64, buf[:])
}

// PushF64 emits PUSH_F64 v.
func (b *Builder) PushF64(v float64) *Builder {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], math.Float64bits(v))
	return b.emit(opcode.PUSH_F64, buf[:])
}

// PushBool emits PUSH_BOOL v.
func (b *Builder) PushBool(v bool) *Builder {
	var buf [1]byte
	if v {
		buf[0] = 1
	}
	return b.emit(opcode.PUSH_BOOL, buf[:])
}

// PushNil emits PUSH_NIL.
func (b *Builder) PushNil() *Builder { return b.emit(opcode.PUSH_NIL, nil) }

// PushStr appends s to the constants pool and emits PUSH_STR <index>.
func (b *Builder) PushStr(s string) *Builder {
	idx := b.addConstant(s)
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], uint32(idx))
	return b.emit(opcode.PUSH_STR, buf[:])
}

func offsetSize(off, size int) []byte {
	var buf [6]byte
	binary.LittleEndian.PutUint32(buf[0:4], uint32(off))
	binary.LittleEndian.PutUint16(buf[4:6], uint16(size))
	return buf[:]
}

// GetLocal emits GET_LOCAL off size.
func (b *Builder) GetLocal(off, size int) *Builder {
	return b.emit(opcode.GET_LOCAL, offsetSize(off, size))
}

// SetLocal emits SET_LOCAL off size.
func (b *Builder) SetLocal(off, size int) *Builder {
	return b.emit(opcode.SET_LOCAL, offsetSize(off, size))
}

// GetLocalPtr emits GET_LOCAL_PTR off.
func (b *Builder) GetLocalPtr(off int) *Builder {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], uint32(off))
	return b.emit(opcode.GET_LOCAL_PTR, buf[:])
}

// Jump emits JUMP target, where target is an instruction offset within
// this same callable. Since the caller usually doesn't know the target
// offset yet, use Label/Patch instead for forward jumps.
func (b *Builder) Jump(target int) *Builder {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], uint32(target))
	return b.emit(opcode.JUMP, buf[:])
}

// JumpIfFalse emits JUMP_IF_FALSE target.
func (b *Builder) JumpIfFalse(target int) *Builder {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], uint32(target))
	return b.emit(opcode.JUMP_IF_FALSE, buf[:])
}

// Here returns the current instruction offset, for computing jump
// targets by hand.
func (b *Builder) Here() int { return len(b.code) }

// Label reserves space for a JUMP/JUMP_IF_FALSE/JUMP_IF_TRUE whose
// target isn't known yet, returning a patch offset to pass to Patch.
func (b *Builder) Label(op opcode.Op) int {
	patchAt := len(b.code) + 1
	b.emit(op, make([]byte, 4))
	return patchAt
}

// Patch backfills a forward jump emitted via Label once its target
// offset is known.
func (b *Builder) Patch(patchAt, target int) *Builder {
	binary.LittleEndian.PutUint32(b.code[patchAt:patchAt+4], uint32(target))
	return b
}

// Call appends callee to the constants pool and emits CALL <index>.
func (b *Builder) Call(callee *rt.Callable) *Builder {
	idx := b.addConstant(callee)
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], uint32(idx))
	return b.emit(opcode.CALL, buf[:])
}

// CallWithBlock appends callee to the constants pool and emits
// CALL_WITH_BLOCK <index>, marking the pushed frame as a block caller so
// a later CALL_BLOCK inside callee can look it up via
// BlockCallerFrameIndex.
func (b *Builder) CallWithBlock(callee *rt.Callable) *Builder {
	idx := b.addConstant(callee)
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], uint32(idx))
	return b.emit(opcode.CALL_WITH_BLOCK, buf[:])
}

// CallBlock appends block to the constants pool and emits
// CALL_BLOCK <index>.
func (b *Builder) CallBlock(block *rt.Callable) *Builder {
	idx := b.addConstant(block)
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], uint32(idx))
	return b.emit(opcode.CALL_BLOCK, buf[:])
}

// AddConstant appends v to this builder's constants pool without
// emitting any instruction, returning its index. A block literal lives
// in the lexical call site's pool even though the CALL_BLOCK
// instruction referencing it is emitted into a different (callee)
// builder's code, so the two need separate ways to reach the same
// pool slot: this one to place it, CallBlockIndex to reference it.
func (b *Builder) AddConstant(v any) int {
	return b.addConstant(v)
}

// CallBlockIndex emits CALL_BLOCK <idx> against a constant index that
// already exists in some other builder's pool, rather than adding a
// new constant to this builder's own pool the way CallBlock does.
func (b *Builder) CallBlockIndex(idx int) *Builder {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], uint32(idx))
	return b.emit(opcode.CALL_BLOCK, buf[:])
}

// LibCall appends fn to the constants pool and emits LIB_CALL <index>.
func (b *Builder) LibCall(fn any) *Builder {
	idx := b.addConstant(fn)
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], uint32(idx))
	return b.emit(opcode.LIB_CALL, buf[:])
}

// Leave emits LEAVE size.
func (b *Builder) Leave(size int) *Builder {
	var buf [2]byte
	binary.LittleEndian.PutUint16(buf[:], uint16(size))
	return b.emit(opcode.LEAVE, buf[:])
}

// LeaveDef emits LEAVE_DEF size.
func (b *Builder) LeaveDef(size int) *Builder {
	var buf [2]byte
	binary.LittleEndian.PutUint16(buf[:], uint16(size))
	return b.emit(opcode.LEAVE_DEF, buf[:])
}

// BreakBlock emits BREAK_BLOCK size.
func (b *Builder) BreakBlock(size int) *Builder {
	var buf [2]byte
	binary.LittleEndian.PutUint16(buf[:], uint16(size))
	return b.emit(opcode.BREAK_BLOCK, buf[:])
}

// Pry emits PRY.
func (b *Builder) Pry() *Builder { return b.emit(opcode.PRY, nil) }

// Op emits a bare zero-operand opcode (ADD_I32, EQ_I32, and the like).
func (b *Builder) Op(op opcode.Op) *Builder { return b.emit(op, nil) }

func (b *Builder) addConstant(v any) int {
	b.constants = append(b.constants, v)
	return len(b.constants) - 1
}

// Block starts a fresh builder for a block body, sharing no state with
// its owning def's builder. The block kind is chosen at Build
// (rt.KindBlock); the caller wires LocalsBytesizeStart/End on the built
// Callable itself once both are known.
func Block(name string) *Builder {
	return New(name)
}

// Build finalizes the callable with the given kind: rt.KindDef for a
// def, rt.KindBlock for a block body.
func (b *Builder) Build(kind rt.CallableKind) *rt.Callable {
	return &rt.Callable{
		Kind:         kind,
		Owner:        b.owner,
		Name:         b.name,
		File:         b.file,
		ArgsBytesize: b.argsBytesize,
		Locals:       b.locals,
		Code:         b.code,
		Constants:    b.constants,
		Nodes:        b.nodes,
	}
}
