//go:build linux

package ffi

/*
#cgo LDFLAGS: -ldl
#cgo pkg-config: libffi
#include <ffi.h>
#include <dlfcn.h>
#include <stdlib.h>
#include <string.h>
#include <stdint.h>

static void* ms_dlopen(const char* path) {
	return dlopen(path, RTLD_LAZY | RTLD_LOCAL);
}
static const char* ms_dlerror(void) { return dlerror(); }
static void* ms_dlsym_clear(void* h, const char* name, char** err) {
	dlerror();
	void* p = dlsym(h, name);
	char* e = dlerror();
	if (e) { if (err) *err = e; return NULL; }
	if (err) *err = NULL;
	return p;
}
static int ms_dlclose(void* h) { return dlclose(h); }

static ffi_cif* ms_alloc_cif(void) { return (ffi_cif*)malloc(sizeof(ffi_cif)); }

static ffi_type* ms_type_for_size(int size) {
	switch (size) {
	case 1: return &ffi_type_uint8;
	case 2: return &ffi_type_uint16;
	case 4: return &ffi_type_uint32;
	case 8: return &ffi_type_uint64;
	default: return &ffi_type_pointer;
	}
}

static int ms_prep_cif(ffi_cif* cif, unsigned int nargs, ffi_type** atypes, int retSize) {
	ffi_type* rtype = retSize == 0 ? &ffi_type_void : ms_type_for_size(retSize);
	return ffi_prep_cif(cif, FFI_DEFAULT_ABI, nargs, rtype, atypes);
}

static void ms_call(ffi_cif* cif, void* fn, void* rvalue, void** avalue) {
	ffi_call(cif, (void (*)(void))fn, rvalue, avalue);
}

static void* ms_closure_alloc(void** executable) {
	return ffi_closure_alloc(sizeof(ffi_closure), executable);
}
static void ms_closure_free(void* closure) { ffi_closure_free(closure); }

extern void msFFICallback(ffi_cif*, void*, void**, uintptr_t);
static void ms_callback_thunk(ffi_cif* cif, void* ret, void** args, void* user) {
	msFFICallback(cif, ret, args, (uintptr_t)user);
}
static int ms_prep_closure(void* closure, ffi_cif* cif, void* userdata, void* executable) {
	return ffi_prep_closure_loc((ffi_closure*)closure, cif, ms_callback_thunk, userdata, executable);
}
*/
import "C"

import (
	"fmt"
	"runtime/cgo"
	"sync"
	"unsafe"

	"github.com/google/uuid"
)

type nativeHandle struct{ h unsafe.Pointer }

type nativeClosure struct {
	closure unsafe.Pointer
	codePtr uintptr
	handle  cgo.Handle
}

type preparedCIF struct {
	cif      *C.ffi_cif
	atypes   []*C.ffi_type
	argSizes []int
	retSize  int
}

func dlopen(path string) (nativeHandle, error) {
	if path == "" {
		return nativeHandle{h: nil}, nil
	}
	cs := C.CString(path)
	defer C.free(unsafe.Pointer(cs))
	h := C.ms_dlopen(cs)
	if h == nil {
		return nativeHandle{}, fmt.Errorf("dlopen(%q): %s", path, lastDLError())
	}
	return nativeHandle{h: h}, nil
}

func lastDLError() string {
	if e := C.ms_dlerror(); e != nil {
		return C.GoString(e)
	}
	return "unknown dlerror"
}

func dlsym(lib nativeHandle, name string) (uintptr, error) {
	cs := C.CString(name)
	defer C.free(unsafe.Pointer(cs))
	var cerr *C.char
	p := C.ms_dlsym_clear(lib.h, cs, &cerr)
	if cerr != nil {
		return 0, fmt.Errorf("dlsym(%q): %s", name, C.GoString(cerr))
	}
	return uintptr(p), nil
}

func dlclose(lib nativeHandle) {
	if lib.h != nil {
		C.ms_dlclose(lib.h)
	}
}

func prepCIF(argSizes []int, retSize int) (*preparedCIF, error) {
	n := len(argSizes)
	atypes := make([]*C.ffi_type, n)
	for i, sz := range argSizes {
		atypes[i] = C.ms_type_for_size(C.int(sz))
	}
	cif := C.ms_alloc_cif()
	var atypesPtr **C.ffi_type
	if n > 0 {
		atypesPtr = &atypes[0]
	}
	if st := C.ms_prep_cif(cif, C.uint(n), atypesPtr, C.int(retSize)); st != C.FFI_OK {
		return nil, fmt.Errorf("ffi_prep_cif failed: status %d", int(st))
	}
	return &preparedCIF{cif: cif, atypes: atypes, argSizes: argSizes, retSize: retSize}, nil
}

func doCall(cif *preparedCIF, fnPtr uintptr, argPtrs []uintptr, retSize int) ([]byte, error) {
	n := len(argPtrs)
	avalue := make([]unsafe.Pointer, n)
	for i, p := range argPtrs {
		avalue[i] = unsafe.Pointer(p)
	}
	retBuf := make([]byte, maxInt(retSize, 8))
	var avaluePtr *unsafe.Pointer
	if n > 0 {
		avaluePtr = &avalue[0]
	}
	C.ms_call(cif.cif, unsafe.Pointer(fnPtr), unsafe.Pointer(&retBuf[0]), avaluePtr)
	return retBuf[:retSize], nil
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// callbackRegistry maps the uintptr-sized userdata handed through the C
// thunk back to the (Bridge, uuid) pair dispatchCallback needs, since
// cgo.Handle values are themselves already unique per call — we store
// the owning Bridge alongside the closure id in a small side table keyed
// by the same handle.
var (
	callbackMu  sync.Mutex
	callbackReg = map[cgo.Handle]*callbackCtx{}
)

type callbackCtx struct {
	bridge *Bridge
	id     uuid.UUID
	argSizes []int
	retSize  int
}

func prepClosure(cif *CIF, id uuid.UUID) (nativeClosure, error) {
	n := len(cif.ArgSizes)
	atypes := make([]*C.ffi_type, n)
	for i, sz := range cif.ArgSizes {
		atypes[i] = C.ms_type_for_size(C.int(sz))
	}
	ffiCIF := C.ms_alloc_cif()
	var atypesPtr **C.ffi_type
	if n > 0 {
		atypesPtr = &atypes[0]
	}
	if st := C.ms_prep_cif(ffiCIF, C.uint(n), atypesPtr, C.int(cif.ReturnSize)); st != C.FFI_OK {
		return nativeClosure{}, fmt.Errorf("ffi_prep_cif (closure) failed: status %d", int(st))
	}

	var exec unsafe.Pointer
	closure := C.ms_closure_alloc((*unsafe.Pointer)(unsafe.Pointer(&exec)))
	if closure == nil {
		return nativeClosure{}, fmt.Errorf("ffi_closure_alloc: out of memory")
	}

	ctx := &callbackCtx{argSizes: cif.ArgSizes, retSize: cif.ReturnSize}
	h := cgo.NewHandle(ctx)
	callbackMu.Lock()
	callbackReg[h] = ctx
	callbackMu.Unlock()

	if st := C.ms_prep_closure(closure, ffiCIF, unsafe.Pointer(uintptr(h)), exec); st != C.FFI_OK {
		C.ms_closure_free(closure)
		h.Delete()
		return nativeClosure{}, fmt.Errorf("ffi_prep_closure_loc failed: status %d", int(st))
	}
	return nativeClosure{closure: closure, codePtr: uintptr(exec), handle: h}, nil
}

func freeClosure(nc nativeClosure) {
	callbackMu.Lock()
	delete(callbackReg, nc.handle)
	callbackMu.Unlock()
	C.ms_closure_free(nc.closure)
	nc.handle.Delete()
}

// bindCallbackOwner lets Bridge.WrapProc associate the just-prepared
// closure's id with this Bridge, so the exported thunk below can route
// back to dispatchCallback without a global Bridge registry.
func (b *Bridge) bindCallbackOwner(nc nativeClosure, id uuid.UUID) {
	callbackMu.Lock()
	if ctx, ok := callbackReg[nc.handle]; ok {
		ctx.bridge = b
		ctx.id = id
	}
	callbackMu.Unlock()
}

//export msFFICallback
func msFFICallback(cif *C.ffi_cif, ret unsafe.Pointer, args *unsafe.Pointer, user C.uintptr_t) {
	h := cgo.Handle(user)
	callbackMu.Lock()
	ctx, ok := callbackReg[h]
	callbackMu.Unlock()
	if !ok || ctx == nil || ctx.bridge == nil {
		return
	}
	n := len(ctx.argSizes)
	argv := (*[1 << 20]unsafe.Pointer)(unsafe.Pointer(args))[:n:n]
	in := make([][]byte, n)
	for i, sz := range ctx.argSizes {
		in[i] = make([]byte, sz)
		copy(in[i], unsafe.Slice((*byte)(argv[i]), sz))
	}
	out := ctx.bridge.dispatchCallback(ctx.id, in, ctx.retSize)
	if ctx.retSize > 0 && ret != nil {
		copy(unsafe.Slice((*byte)(ret), ctx.retSize), out)
	}
}
