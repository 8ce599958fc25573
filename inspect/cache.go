// Package inspect drives the interactive inspection dialogue: list a
// module's stack-IR, pick an instruction, rewrite the module so that
// running it dumps locals/globals/backtrace at that point, execute it,
// and decode the resulting cache file.
package inspect

import (
	"encoding/binary"
	"fmt"
	"math"

	werrors "github.com/wasmlab/wabidb/errors"
	"github.com/wasmlab/wabidb/wasm"
)

// VarValue is one decoded local/global value, tagged with its wasm
// type so the driver can format it without guessing.
type VarValue struct {
	Type wasm.ValType
	I32  int32
	I64  int64
	F32  float32
	F64  float64
	V128 [16]byte
}

// typeWidth returns the natural byte width the cache file reserves for
// t, per the fixed i32:4, i64:8, f32:4, f64:8, v128:16 layout.
func typeWidth(t wasm.ValType) (int, error) {
	switch t {
	case wasm.ValI32, wasm.ValF32:
		return 4, nil
	case wasm.ValI64, wasm.ValF64:
		return 8, nil
	case wasm.ValV128:
		return 16, nil
	default:
		return 0, werrors.Unsupported(werrors.PhaseInstrument, fmt.Sprintf("cache decode: type %s has no fixed width", t.String()))
	}
}

// DecodeValues decodes a dense little-endian concatenation of values
// whose types are given by types, in order -- the locals/globals cache
// file layout.
func DecodeValues(data []byte, types []wasm.ValType) ([]VarValue, error) {
	out := make([]VarValue, len(types))
	off := 0
	for i, t := range types {
		w, err := typeWidth(t)
		if err != nil {
			return nil, err
		}
		if off+w > len(data) {
			return nil, werrors.OutOfBounds(werrors.PhaseInstrument, nil, off, len(data))
		}
		v := VarValue{Type: t}
		switch t {
		case wasm.ValI32:
			v.I32 = int32(binary.LittleEndian.Uint32(data[off:]))
		case wasm.ValI64:
			v.I64 = int64(binary.LittleEndian.Uint64(data[off:]))
		case wasm.ValF32:
			v.F32 = math.Float32frombits(binary.LittleEndian.Uint32(data[off:]))
		case wasm.ValF64:
			v.F64 = math.Float64frombits(binary.LittleEndian.Uint64(data[off:]))
		case wasm.ValV128:
			copy(v.V128[:], data[off:off+16])
		}
		out[i] = v
		off += w
	}
	return out, nil
}

// BacktraceEntry is one live frame after decoding the backtrace cache
// file: the callee function index, or -2 if the call target could not
// be resolved to a known index.
type BacktraceEntry struct {
	FuncIdx int32
	Unknown bool
}

// DecodeBacktrace decodes a little-endian int32 stream where each call
// pushes its callee index (or -2 for unknown) and each return pushes
// -1 as a pop marker, and returns what remains on the stack after EOF,
// innermost entry last.
func DecodeBacktrace(data []byte) ([]BacktraceEntry, error) {
	if len(data)%4 != 0 {
		return nil, werrors.InvalidData(werrors.PhaseInstrument, nil, "backtrace cache file length is not a multiple of 4")
	}
	var stack []BacktraceEntry
	for off := 0; off+4 <= len(data); off += 4 {
		v := int32(binary.LittleEndian.Uint32(data[off:]))
		if v == -1 {
			if len(stack) > 0 {
				stack = stack[:len(stack)-1]
			}
			continue
		}
		stack = append(stack, BacktraceEntry{FuncIdx: v, Unknown: v == -2})
	}
	return stack, nil
}
