//go:build !linux

package ffi

import (
	"fmt"

	"github.com/google/uuid"
)

// This build carries no cgo/libffi toolchain (spec.md's FFI bridge is a
// Linux-hosted feature, matching funxy's own platform split for
// terminal handling in internal/evaluator/builtins_term_*.go). Every
// entry point here fails loudly rather than silently no-opping, so a
// misconfigured build surfaces at first use rather than at a confusing
// downstream symptom.

type nativeHandle struct{}

type nativeClosure struct{}

type preparedCIF struct{}

var errUnsupportedPlatform = fmt.Errorf("BUG: FFI bridge is unsupported on this platform")

func dlopen(path string) (nativeHandle, error) {
	return nativeHandle{}, errUnsupportedPlatform
}

func dlsym(lib nativeHandle, name string) (uintptr, error) {
	return 0, errUnsupportedPlatform
}

func dlclose(lib nativeHandle) {}

func prepCIF(argSizes []int, retSize int) (*preparedCIF, error) {
	return nil, errUnsupportedPlatform
}

func doCall(cif *preparedCIF, fnPtr uintptr, argPtrs []uintptr, retSize int) ([]byte, error) {
	return nil, errUnsupportedPlatform
}

func prepClosure(cif *CIF, id uuid.UUID) (nativeClosure, error) {
	return nativeClosure{}, errUnsupportedPlatform
}

func freeClosure(nc nativeClosure) {}

func (b *Bridge) bindCallbackOwner(nc nativeClosure, id uuid.UUID) {}
