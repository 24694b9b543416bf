package interp

import (
	"encoding/binary"
	"math"
	"unsafe"

	"github.com/funvibe/icr/internal/ffi"
	"github.com/funvibe/icr/internal/opcode"
	"github.com/funvibe/icr/internal/rt"
)

// step decodes and executes exactly one instruction (spec.md §4.2 step
// 3). target is the frame count a leave flavor should treat as this
// loop's termination (see loop's doc comment). done is true iff a
// leave flavor brought the frame count down to target, in which case
// result carries the produced bytes.
func (ip *Interpreter) step(target int) (done bool, result *RunResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			if e, ok := r.(error); ok {
				err = e
				return
			}
			panic(r)
		}
	}()

	f := ip.top()
	code := f.Callable.Code
	if f.IP >= len(code) {
		fatalf("instruction pointer past end of code in %s", f.Callable.Name)
	}
	op := opcode.Op(code[f.IP])
	f.IP++

	switch op {
	case opcode.PUSH_I32:
		v := int32(binary.LittleEndian.Uint32(ip.readOperand(f, 4)))
		var b [4]byte
		binary.LittleEndian.PutUint32(b[:], uint32(v))
		ip.Stack.Push(b[:])

	case opcode.PUSH_I64:
		v := int64(binary.LittleEndian.Uint64(ip.readOperand(f, 8)))
		var b [8]byte
		binary.LittleEndian.PutUint64(b[:], uint64(v))
		ip.Stack.Push(b[:])

	case opcode.PUSH_F32:
		ip.Stack.Push(ip.readOperand(f, 4))

	case opcode.PUSH_F64:
		ip.Stack.Push(ip.readOperand(f, 8))

	case opcode.PUSH_BOOL:
		ip.Stack.Push(ip.readOperand(f, 1))

	case opcode.PUSH_NIL:
		ip.Stack.Push(make([]byte, 8))

	case opcode.PUSH_STR:
		idx := readU32(ip.readOperand(f, 4))
		s, ok := f.Callable.Constants[idx].(string)
		if !ok {
			fatalf("push_str: constant %d is not a string", idx)
		}
		handle := ip.Ctx.StringConst(s)
		var b [8]byte
		binary.LittleEndian.PutUint64(b[:], handle)
		ip.Stack.Push(b[:])

	case opcode.GET_LOCAL:
		off, size := readOffsetSize(ip.readOperand(f, 6))
		ip.Stack.Push(ip.Stack.PeekAt(f.StackBottom+off, size))

	case opcode.SET_LOCAL:
		off, size := readOffsetSize(ip.readOperand(f, 6))
		v := ip.Stack.Pop(size)
		ip.Stack.WriteAt(f.StackBottom+off, v)

	case opcode.GET_LOCAL_PTR:
		off := readU32(ip.readOperand(f, 4))
		ip.pushRawPointer(ip.Stack.PointerAt(f.StackBottom + int(off)))

	case opcode.GET_IVAR_PTR:
		off := readU32(ip.readOperand(f, 4))
		selfAddr := readU64(ip.Stack.PeekAt(f.StackBottom, 8))
		ip.pushAddr(selfAddr + uint64(off))

	case opcode.CONST_INIT_CHECK:
		idx := readU32(ip.readOperand(f, 4))
		first := ip.Ctx.Constants().TestAndSetInit(int(idx))
		ip.pushBool(first)

	case opcode.GET_CONST:
		idx, size := readOffsetSize(ip.readOperand(f, 6))
		ip.Stack.Push(ip.Ctx.Constants().Get(idx, size))

	case opcode.SET_CONST:
		idx, size := readOffsetSize(ip.readOperand(f, 6))
		v := ip.Stack.Pop(size)
		ip.Ctx.Constants().Set(idx, v)

	case opcode.GET_CONST_PTR:
		idx := readU32(ip.readOperand(f, 4))
		ip.pushRawPointer(ip.Ctx.Constants().PointerTo(int(idx)))

	case opcode.CLASSVAR_INIT_CHECK:
		idx := readU32(ip.readOperand(f, 4))
		first := ip.Ctx.ClassVars().TestAndSetInit(int(idx))
		ip.pushBool(first)

	case opcode.GET_CLASSVAR:
		idx, size := readOffsetSize(ip.readOperand(f, 6))
		ip.Stack.Push(ip.Ctx.ClassVars().Get(idx, size))

	case opcode.SET_CLASSVAR:
		idx, size := readOffsetSize(ip.readOperand(f, 6))
		v := ip.Stack.Pop(size)
		ip.Ctx.ClassVars().Set(idx, v)

	case opcode.GET_CLASSVAR_PTR:
		idx := readU32(ip.readOperand(f, 4))
		ip.pushRawPointer(ip.Ctx.ClassVars().PointerTo(int(idx)))

	case opcode.JUMP:
		target := int(readU32(ip.readOperand(f, 4)))
		f.IP = target

	case opcode.JUMP_IF_FALSE:
		target := int(readU32(ip.readOperand(f, 4)))
		if !ip.popBool() {
			f.IP = target
		}

	case opcode.JUMP_IF_TRUE:
		target := int(readU32(ip.readOperand(f, 4)))
		if ip.popBool() {
			f.IP = target
		}

	case opcode.CALL:
		idx := readU32(ip.readOperand(f, 4))
		callee := constCallable(f.Callable, idx)
		if err := ip.setupPlainCall(callee, false); err != nil {
			return false, nil, err
		}

	case opcode.CALL_WITH_BLOCK:
		idx := readU32(ip.readOperand(f, 4))
		callee := constCallable(f.Callable, idx)
		if err := ip.setupPlainCall(callee, true); err != nil {
			return false, nil, err
		}

	case opcode.CALL_BLOCK:
		idx := int(readU32(ip.readOperand(f, 4)))
		if err := ip.setupCallBlock(idx); err != nil {
			return false, nil, err
		}

	case opcode.LIB_CALL:
		idx := readU32(ip.readOperand(f, 4))
		fn := constLibFunction(f.Callable, idx)
		if err := ip.doLibCall(fn); err != nil {
			return false, nil, err
		}

	case opcode.LEAVE:
		size := int(readU16(ip.readOperand(f, 2)))
		d, res := ip.doLeave(size, target)
		return d, res, nil

	case opcode.LEAVE_DEF:
		size := int(readU16(ip.readOperand(f, 2)))
		d, res := ip.doLeaveDef(size, target)
		return d, res, nil

	case opcode.BREAK_BLOCK:
		size := int(readU16(ip.readOperand(f, 2)))
		d, res := ip.doBreakBlock(size, target)
		return d, res, nil

	case opcode.ATOMICRMW_ADD, opcode.ATOMICRMW_SUB, opcode.ATOMICRMW_AND,
		opcode.ATOMICRMW_OR, opcode.ATOMICRMW_XOR, opcode.ATOMICRMW_MIN,
		opcode.ATOMICRMW_MAX, opcode.ATOMICRMW_XCHG, opcode.ATOMICRMW_CMPXCHG:
		ip.execAtomicRMW(op)

	case opcode.PRY:
		ip.armPry()

	case opcode.ADD_I32:
		ip.binI32(func(a, b int32) int32 { return a + b })
	case opcode.SUB_I32:
		ip.binI32(func(a, b int32) int32 { return a - b })
	case opcode.MUL_I32:
		ip.binI32(func(a, b int32) int32 { return a * b })
	case opcode.LT_I32:
		a, b := ip.popI32(), ip.popI32()
		ip.pushBool(b < a)
	case opcode.EQ_I32:
		a, b := ip.popI32(), ip.popI32()
		ip.pushBool(b == a)
	case opcode.ADD_I64:
		a := ip.popI64()
		b := ip.popI64()
		ip.pushI64(b + a)
	case opcode.ADD_F64:
		a := ip.popF64()
		b := ip.popF64()
		ip.pushF64(b + a)

	default:
		fatalf("illegal opcode %d at %s:%d", op, f.Callable.Name, f.IP-1)
	}

	return false, nil, nil
}

// readOperand reads n bytes at f.IP and advances past them.
func (ip *Interpreter) readOperand(f *rt.Frame, n int) []byte {
	if f.IP+n > len(f.Callable.Code) {
		fatalf("truncated bytecode in %s at %d", f.Callable.Name, f.IP)
	}
	b := f.Callable.Code[f.IP : f.IP+n]
	f.IP += n
	return b
}

func readU32(b []byte) uint32 { return binary.LittleEndian.Uint32(b) }
func readU64(b []byte) uint64 { return binary.LittleEndian.Uint64(b) }
func readU16(b []byte) uint16 { return binary.LittleEndian.Uint16(b) }

// readOffsetSize splits a 6-byte operand into a 4-byte offset and a
// 2-byte raw size, the encoding get_local/set_local/get_const/etc share.
func readOffsetSize(b []byte) (int, int) {
	return int(binary.LittleEndian.Uint32(b[0:4])), int(binary.LittleEndian.Uint16(b[4:6]))
}

func constCallable(owner *rt.Callable, idx uint32) *rt.Callable {
	if int(idx) >= len(owner.Constants) {
		fatalf("constant index %d out of range in %s", idx, owner.Name)
	}
	c, ok := owner.Constants[idx].(*rt.Callable)
	if !ok {
		fatalf("constant %d in %s is not a compiled callable", idx, owner.Name)
	}
	return c
}

func constLibFunction(owner *rt.Callable, idx uint32) *ffi.LibFunction {
	if int(idx) >= len(owner.Constants) {
		fatalf("constant index %d out of range in %s", idx, owner.Name)
	}
	fn, ok := owner.Constants[idx].(*ffi.LibFunction)
	if !ok {
		fatalf("constant %d in %s is not a library function", idx, owner.Name)
	}
	return fn
}

func (ip *Interpreter) pushBool(v bool) {
	if v {
		ip.Stack.Push([]byte{1})
	} else {
		ip.Stack.Push([]byte{0})
	}
}

func (ip *Interpreter) popBool() bool {
	return ip.Stack.Pop(1)[0] != 0
}

// pushAddr pushes a raw, process-absolute address as an 8-byte pointer
// value. Pointer values on the stack are real addresses (not
// stack-relative offsets) so that GET_IVAR_PTR-style arithmetic and the
// FFI bridge can both treat them uniformly as native memory addresses.
func (ip *Interpreter) pushAddr(addr uint64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], addr)
	ip.Stack.Push(b[:])
}

func (ip *Interpreter) pushRawPointer(p *byte) {
	ip.pushAddr(uint64(uintptr(unsafe.Pointer(p))))
}

func (ip *Interpreter) popI32() int32 {
	return int32(readU32(ip.Stack.Pop(4)))
}
func (ip *Interpreter) pushI32(v int32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], uint32(v))
	ip.Stack.Push(b[:])
}
func (ip *Interpreter) binI32(f func(a, b int32) int32) {
	a := ip.popI32()
	b := ip.popI32()
	ip.pushI32(f(b, a))
}

func (ip *Interpreter) popI64() int64 {
	return int64(readU64(ip.Stack.Pop(8)))
}
func (ip *Interpreter) pushI64(v int64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], uint64(v))
	ip.Stack.Push(b[:])
}

func (ip *Interpreter) popF64() float64 {
	return math.Float64frombits(readU64(ip.Stack.Pop(8)))
}
func (ip *Interpreter) pushF64(v float64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], math.Float64bits(v))
	ip.Stack.Push(b[:])
}
