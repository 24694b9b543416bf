// Package opcode defines the interpreter's closed instruction set: a
// dense, code-generated-style table (spec.md §4.2) of opcode constants
// plus per-opcode metadata for tracing and the pry "disassemble" command.
// The actual decode-and-execute switch lives in internal/interp, matching
// spec.md §4.2's "Implementers are expected to materialize this as a
// dense switch ... over a small integer tag" — the same shape as funxy's
// own internal/vm/vm_exec.go executeOneOp switch.
package opcode

// Op is a single opcode byte — the first byte of every instruction.
type Op byte

const (
	// Constants
	PUSH_I32 Op = iota // operand: int32 immediate
	PUSH_I64           // operand: int64 immediate
	PUSH_F32           // operand: float32 immediate
	PUSH_F64           // operand: float64 immediate
	PUSH_BOOL          // operand: 1 byte (0/1)
	PUSH_NIL           // operand: none; pushes an 8-byte zeroed pointer slot
	PUSH_STR           // operand: 4-byte index into the callable's Constants pool

	// Local variables
	GET_LOCAL     // operand: 4-byte offset, 2-byte raw size
	SET_LOCAL     // operand: 4-byte offset, 2-byte raw size
	GET_LOCAL_PTR // operand: 4-byte offset

	// Instance variables
	GET_IVAR_PTR // operand: 4-byte offset (added to self, the local at index 0)

	// Constants pool (Context-owned)
	CONST_INIT_CHECK // operand: 4-byte slot index; pushes bool (true iff this call set it)
	GET_CONST        // operand: 4-byte slot index, 2-byte raw size
	SET_CONST        // operand: 4-byte slot index, 2-byte raw size
	GET_CONST_PTR    // operand: 4-byte slot index

	// Class-vars pool (Context-owned), mirrors the constants pool ops
	CLASSVAR_INIT_CHECK
	GET_CLASSVAR
	SET_CLASSVAR
	GET_CLASSVAR_PTR

	// Control flow
	JUMP          // operand: 4-byte absolute instruction offset
	JUMP_IF_FALSE // operand: 4-byte offset; pops bool
	JUMP_IF_TRUE  // operand: 4-byte offset; pops bool

	// Calls
	CALL           // operand: 4-byte Constants index of *rt.Callable (KindDef)
	CALL_WITH_BLOCK
	CALL_BLOCK     // operand: 4-byte index of *rt.Callable (KindBlock) in the block caller frame's Constants
	LIB_CALL       // operand: 4-byte Constants index of *ffi.LibFunction
	LEAVE          // operand: 2-byte raw size
	LEAVE_DEF      // operand: 2-byte raw size
	BREAK_BLOCK    // operand: 2-byte raw size

	// Atomic read-modify-write. No immediate operand: the element width
	// is itself a popped value (spec.md §4.2: "dispatched by pop'd
	// element width"). Pop order (last pushed, first popped): the
	// 8-byte operand value (widened; only the low `width` bytes are
	// applied), a 1-byte width tag in {1,2,4,8}, then the 8-byte target
	// pointer. Pushes the pre-operation value, widened to 8 bytes.
	ATOMICRMW_ADD
	ATOMICRMW_SUB
	ATOMICRMW_AND
	ATOMICRMW_OR
	ATOMICRMW_XOR
	ATOMICRMW_MIN
	ATOMICRMW_MAX
	ATOMICRMW_XCHG
	ATOMICRMW_CMPXCHG // pops {pointer, width, expected, desired}; pushes {old, swapped_bool}

	// Debugger
	PRY // arms the debugger

	// Arithmetic/comparison on the top of stack, for completeness of a
	// self-contained test program (not enumerated individually by
	// spec.md, which leaves "the final set" to the external compiler;
	// these give internal/asmtest enough to write exercising programs).
	ADD_I32
	ADD_I64
	ADD_F64
	SUB_I32
	MUL_I32
	LT_I32
	EQ_I32

	opCount
)

// Info is the per-opcode metadata spec.md §4.2 calls a "schema": the
// total operand byte width (for skipping past it while decoding) and
// whether the opcode pushes a result. Popped-input counts are not data
// here — they are implicit in each opcode's handler in internal/interp,
// same as funxy's handwritten executeOneOp cases.
type Info struct {
	Name        string
	OperandSize int // total bytes of immediate operand, 0 if variable/none
	Pushes      bool
}

// Table is indexed by Op and is the single source of truth for opcode
// names (tracing, disassembly) and fixed operand widths.
var Table = [opCount]Info{
	PUSH_I32: {"PUSH_I32", 4, true},
	PUSH_I64: {"PUSH_I64", 8, true},
	PUSH_F32: {"PUSH_F32", 4, true},
	PUSH_F64: {"PUSH_F64", 8, true},
	PUSH_BOOL: {"PUSH_BOOL", 1, true},
	PUSH_NIL:  {"PUSH_NIL", 0, true},
	PUSH_STR:  {"PUSH_STR", 4, true},

	GET_LOCAL:     {"GET_LOCAL", 6, true},
	SET_LOCAL:     {"SET_LOCAL", 6, false},
	GET_LOCAL_PTR: {"GET_LOCAL_PTR", 4, true},

	GET_IVAR_PTR: {"GET_IVAR_PTR", 4, true},

	CONST_INIT_CHECK: {"CONST_INIT_CHECK", 4, true},
	GET_CONST:        {"GET_CONST", 6, true},
	SET_CONST:        {"SET_CONST", 6, false},
	GET_CONST_PTR:    {"GET_CONST_PTR", 4, true},

	CLASSVAR_INIT_CHECK: {"CLASSVAR_INIT_CHECK", 4, true},
	GET_CLASSVAR:        {"GET_CLASSVAR", 6, true},
	SET_CLASSVAR:        {"SET_CLASSVAR", 6, false},
	GET_CLASSVAR_PTR:    {"GET_CLASSVAR_PTR", 4, true},

	JUMP:          {"JUMP", 4, false},
	JUMP_IF_FALSE: {"JUMP_IF_FALSE", 4, false},
	JUMP_IF_TRUE:  {"JUMP_IF_TRUE", 4, false},

	CALL:            {"CALL", 4, false},
	CALL_WITH_BLOCK: {"CALL_WITH_BLOCK", 4, false},
	CALL_BLOCK:      {"CALL_BLOCK", 4, false},
	LIB_CALL:        {"LIB_CALL", 4, false},
	LEAVE:           {"LEAVE", 2, false},
	LEAVE_DEF:       {"LEAVE_DEF", 2, false},
	BREAK_BLOCK:     {"BREAK_BLOCK", 2, false},

	ATOMICRMW_ADD:     {"ATOMICRMW_ADD", 0, true},
	ATOMICRMW_SUB:     {"ATOMICRMW_SUB", 0, true},
	ATOMICRMW_AND:     {"ATOMICRMW_AND", 0, true},
	ATOMICRMW_OR:      {"ATOMICRMW_OR", 0, true},
	ATOMICRMW_XOR:     {"ATOMICRMW_XOR", 0, true},
	ATOMICRMW_MIN:     {"ATOMICRMW_MIN", 0, true},
	ATOMICRMW_MAX:     {"ATOMICRMW_MAX", 0, true},
	ATOMICRMW_XCHG:    {"ATOMICRMW_XCHG", 0, true},
	ATOMICRMW_CMPXCHG: {"ATOMICRMW_CMPXCHG", 0, true},

	PRY: {"PRY", 0, false},

	ADD_I32: {"ADD_I32", 0, true},
	ADD_I64: {"ADD_I64", 0, true},
	ADD_F64: {"ADD_F64", 0, true},
	SUB_I32: {"SUB_I32", 0, true},
	MUL_I32: {"MUL_I32", 0, true},
	LT_I32:  {"LT_I32", 0, true},
	EQ_I32:  {"EQ_I32", 0, true},
}

// Name returns an opcode's mnemonic, or a hex fallback for an out-of-
// range byte (which can only happen against truncated/corrupt bytecode).
func Name(op Op) string {
	if int(op) < len(Table) && Table[op].Name != "" {
		return Table[op].Name
	}
	return "ILLEGAL"
}
