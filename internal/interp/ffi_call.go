package interp

import (
	"encoding/binary"

	"github.com/funvibe/icr/internal/ffi"
	"github.com/funvibe/icr/internal/rt"
)

// doLibCall implements spec.md §4.5's out-call bridge against the top
// of the value stack: fn.ArgSizes bytes of argument data, in
// declaration order, already sit below the current top.
func (ip *Interpreter) doLibCall(fn *ffi.LibFunction) error {
	n := len(fn.ArgSizes)
	if n > ffi.MaxArgs {
		return ffi.ErrTooManyArgs
	}

	argsBytesize := 0
	for _, sz := range fn.ArgSizes {
		argsBytesize += ip.Stack.Align(sz)
	}
	stackBeforeArgs := ip.Stack.Top() - argsBytesize
	if stackBeforeArgs < 0 {
		fatalf("lib_call argument underflow: top=%d args_bytesize=%d", ip.Stack.Top(), argsBytesize)
	}

	argPtrs := make([]uintptr, n)
	offset := stackBeforeArgs
	for i, sz := range fn.ArgSizes {
		argPtrs[i] = rt.AddrOf(ip.Stack.PointerAt(offset))
		if i < len(fn.ProcArgCIFs) && fn.ProcArgCIFs[i] != nil {
			if err := ip.wrapProcArg(fn.ProcArgCIFs[i], offset); err != nil {
				return err
			}
		}
		offset += ip.Stack.Align(sz)
	}

	ip.StatsFFIOutCalls++
	retBytes, err := ip.Bridge.Invoke(fn, argPtrs)
	if err != nil {
		return err
	}

	ip.Stack.ZeroRange(stackBeforeArgs, ip.Stack.Top())
	ip.Stack.SetTop(stackBeforeArgs)
	ip.Stack.Push(retBytes)
	return nil
}

// wrapProcArg implements spec.md §4.5 step 2: the slot at stackOffset
// holds a {callable_id, closure_data} pair (rt.ProcValue); closure_data
// must be null (procedures passed across the FFI boundary are not
// themselves closures over captured state in this core). It is
// replaced in place with a native callback pointer.
func (ip *Interpreter) wrapProcArg(cif *ffi.CIF, stackOffset int) error {
	raw := ip.Stack.PeekAt(stackOffset, 16)
	callableID := binary.LittleEndian.Uint64(raw[0:8])
	closureData := binary.LittleEndian.Uint64(raw[8:16])
	if closureData != 0 {
		fatalf("FFI proc argument has non-null closure_data %d", closureData)
	}

	ptr, err := ip.Bridge.WrapProc(callableID, closureData, ip.Stack.Top(), cif)
	if err != nil {
		return err
	}

	var out [16]byte
	binary.LittleEndian.PutUint64(out[0:8], uint64(ptr))
	ip.Stack.WriteAt(stackOffset, out[:])
	return nil
}
