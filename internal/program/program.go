// Package program is the on-disk bytecode format cmd/icr loads and runs:
// a magic/version header followed by a gob-encoded *rt.Callable tree,
// grounded on funxy's own internal/vm/bundle.go Serialize/DeserializeAny
// pair. Producing this format is an external compiler's job (spec.md §1
// places "the compiler that lowers a typed AST into instructions" out of
// this module's scope); this package only carries the artifact across
// the boundary from wherever it was compiled to the driver that runs it.
//
// Constants that hold library bindings (*ffi.LibFunction) are not part
// of the wire format: a dlopen'd handle is only meaningful within the
// process that opened it, so LIB_CALL targets are carried as an
// externRef placeholder and resolved by LinkExterns after Decode.
package program

import (
	"bytes"
	"encoding/gob"
	"fmt"

	"github.com/funvibe/icr/internal/ffi"
	"github.com/funvibe/icr/internal/rt"
)

func init() {
	gob.Register(&rt.Callable{})
	gob.Register(int32(0))
	gob.Register(int64(0))
	gob.Register(float64(0))
	gob.Register(false)
	gob.Register("")
	gob.Register(externRef{})
}

var magic = [4]byte{'I', 'C', 'R', 'B'}

const formatVersion byte = 0x01

// externRef stands in for a *ffi.LibFunction constant in the wire
// format: the declaration a compiler would emit for a LIB_CALL target,
// minus the live dlopen/dlsym state ffi.LibFunction caches after
// Resolve, since that state is only meaningful within the process that
// resolved it. LinkExterns turns one of these back into a usable
// *ffi.LibFunction.
type externRef struct {
	Name       string
	Symbol     string
	Lib        string
	ArgSizes   []int
	ReturnSize int
}

// Encode serializes entry into the on-disk format. Any *ffi.LibFunction
// constant must already have been replaced by an externRef before
// calling this.
func Encode(entry *rt.Callable) ([]byte, error) {
	buf := new(bytes.Buffer)
	buf.Write(magic[:])
	buf.WriteByte(formatVersion)

	if err := gob.NewEncoder(buf).Encode(entry); err != nil {
		return nil, fmt.Errorf("program gob encoding failed: %w", err)
	}
	return buf.Bytes(), nil
}

// Decode parses the on-disk format, returning the entry callable with
// every externRef constant still in place (LinkExterns resolves them).
func Decode(data []byte) (*rt.Callable, error) {
	if len(data) < len(magic)+1 {
		return nil, fmt.Errorf("program data too short")
	}
	if !bytes.Equal(data[:len(magic)], magic[:]) {
		return nil, fmt.Errorf("invalid magic, expected %q", magic)
	}
	version := data[len(magic)]
	if version != formatVersion {
		return nil, fmt.Errorf("unsupported program format version %d (this binary supports %d)", version, formatVersion)
	}

	var entry rt.Callable
	if err := gob.NewDecoder(bytes.NewReader(data[len(magic)+1:])).Decode(&entry); err != nil {
		return nil, fmt.Errorf("program gob decoding failed: %w", err)
	}
	return &entry, nil
}

// LinkExterns walks c's constants pool and every nested *rt.Callable it
// reaches, resolving each externRef against bridge (dlopen + dlsym) and
// replacing it in place with the resulting *ffi.LibFunction. seen
// prevents infinite recursion through self-referential callables.
func LinkExterns(c *rt.Callable, bridge *ffi.Bridge) error {
	return linkExterns(c, bridge, make(map[*rt.Callable]bool))
}

func linkExterns(c *rt.Callable, bridge *ffi.Bridge, seen map[*rt.Callable]bool) error {
	if c == nil || seen[c] {
		return nil
	}
	seen[c] = true

	for i, cst := range c.Constants {
		switch v := cst.(type) {
		case externRef:
			fn := &ffi.LibFunction{
				Name: v.Name, Symbol: v.Symbol, Lib: v.Lib,
				ArgSizes: v.ArgSizes, ReturnSize: v.ReturnSize,
			}
			if err := bridge.Resolve(fn); err != nil {
				return fmt.Errorf("linking extern %q: %w", v.Name, err)
			}
			c.Constants[i] = fn
		case *rt.Callable:
			if err := linkExterns(v, bridge, seen); err != nil {
				return err
			}
		}
	}
	return nil
}
