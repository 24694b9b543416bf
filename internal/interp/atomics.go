package interp

import (
	"sync/atomic"
	"unsafe"

	"github.com/funvibe/icr/internal/opcode"
)

// execAtomicRMW implements spec.md §4.7: width-dispatched, sequentially
// consistent read-modify-write on a stack-resident (or FFI-reachable)
// address. The operand width is itself a popped value, not an
// instruction operand (opcode.go's comment on the ATOMICRMW_* block);
// pop order mirrors the push order the compiler collaborator is
// expected to emit: pointer first, then width, then the RMW operand(s).
func (ip *Interpreter) execAtomicRMW(op opcode.Op) {
	if op == opcode.ATOMICRMW_CMPXCHG {
		desired := readU64(ip.Stack.Pop(8))
		expected := readU64(ip.Stack.Pop(8))
		width := int(ip.Stack.Pop(1)[0])
		addr := readU64(ip.Stack.Pop(8))

		old, swapped := atomicCmpSwap(addr, width, expected, desired)
		ip.pushAddr(old)
		ip.pushBool(swapped)
		return
	}

	operand := readU64(ip.Stack.Pop(8))
	width := int(ip.Stack.Pop(1)[0])
	addr := readU64(ip.Stack.Pop(8))

	old := atomicRMW(op, addr, width, operand)
	ip.pushAddr(old)
}

func widthPtr(addr uint64) unsafe.Pointer {
	return unsafe.Pointer(uintptr(addr))
}

// atomicRMW applies op to the width-byte value at addr and returns the
// pre-operation value, widened to 8 bytes. Widths 4 and 8 go straight
// through sync/atomic; widths 1 and 2 retry a CAS against the
// surrounding 4-byte-aligned word, the same technique
// internal/ctxhost's init-flag uses, since the platform offers no
// narrower atomic primitive.
func atomicRMW(op opcode.Op, addr uint64, width int, operand uint64) uint64 {
	switch width {
	case 8:
		p := (*uint64)(widthPtr(addr))
		for {
			old := atomic.LoadUint64(p)
			nv := applyRMW64(op, old, operand)
			if atomic.CompareAndSwapUint64(p, old, nv) {
				return old
			}
		}
	case 4:
		p := (*uint32)(widthPtr(addr))
		for {
			old := atomic.LoadUint32(p)
			nv := uint32(applyRMW64(op, uint64(old), operand))
			if atomic.CompareAndSwapUint32(p, old, nv) {
				return uint64(old)
			}
		}
	case 2, 1:
		return narrowRMW(op, addr, width, operand)
	default:
		fatalf("unsupported atomic RMW width %d", width)
	}
	return 0
}

// narrowRMW handles 1- and 2-byte widths by CAS-retrying the
// containing 4-byte-aligned word and splicing the narrow field in and
// out of it.
func narrowRMW(op opcode.Op, addr uint64, width int, operand uint64) uint64 {
	base := addr &^ 3
	shift := uint((addr - base) * 8)
	mask := uint32(1)<<(uint(width)*8) - 1

	p := (*uint32)(widthPtr(base))
	for {
		word := atomic.LoadUint32(p)
		oldField := (word >> shift) & mask
		newField := uint32(applyRMW64(op, uint64(oldField), operand)) & mask
		nv := (word &^ (mask << shift)) | (newField << shift)
		if atomic.CompareAndSwapUint32(p, word, nv) {
			return uint64(oldField)
		}
	}
}

func applyRMW64(op opcode.Op, old, operand uint64) uint64 {
	switch op {
	case opcode.ATOMICRMW_ADD:
		return old + operand
	case opcode.ATOMICRMW_SUB:
		return old - operand
	case opcode.ATOMICRMW_AND:
		return old & operand
	case opcode.ATOMICRMW_OR:
		return old | operand
	case opcode.ATOMICRMW_XOR:
		return old ^ operand
	case opcode.ATOMICRMW_MIN:
		if int64(operand) < int64(old) {
			return operand
		}
		return old
	case opcode.ATOMICRMW_MAX:
		if int64(operand) > int64(old) {
			return operand
		}
		return old
	case opcode.ATOMICRMW_XCHG:
		return operand
	default:
		fatalf("unsupported atomic RMW op %s", opcode.Name(op))
		return 0
	}
}

func atomicCmpSwap(addr uint64, width int, expected, desired uint64) (old uint64, swapped bool) {
	switch width {
	case 8:
		p := (*uint64)(widthPtr(addr))
		old = atomic.LoadUint64(p)
		if old == expected {
			swapped = atomic.CompareAndSwapUint64(p, expected, desired)
			if swapped {
				old = expected
			} else {
				old = atomic.LoadUint64(p)
			}
		}
		return old, swapped
	case 4:
		p := (*uint32)(widthPtr(addr))
		old = uint64(atomic.LoadUint32(p))
		if uint32(old) == uint32(expected) {
			swapped = atomic.CompareAndSwapUint32(p, uint32(expected), uint32(desired))
			if !swapped {
				old = uint64(atomic.LoadUint32(p))
			}
		}
		return old, swapped
	case 2, 1:
		base := addr &^ 3
		shift := uint((addr - base) * 8)
		mask := uint32(1)<<(uint(width)*8) - 1
		p := (*uint32)(widthPtr(base))
		for {
			word := atomic.LoadUint32(p)
			field := (word >> shift) & mask
			if field != uint32(expected)&mask {
				return uint64(field), false
			}
			nv := (word &^ (mask << shift)) | ((uint32(desired) & mask) << shift)
			if atomic.CompareAndSwapUint32(p, word, nv) {
				return uint64(field), true
			}
		}
	default:
		fatalf("unsupported atomic RMW width %d", width)
		return 0, false
	}
}
