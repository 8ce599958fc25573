package inspect

import (
	"encoding/binary"
	"math"
	"testing"

	"github.com/wasmlab/wabidb/wasm"
)

func TestDecodeValuesDenseConcatenation(t *testing.T) {
	var data []byte
	data = binary.LittleEndian.AppendUint32(data, uint32(int32(-7)))
	data = binary.LittleEndian.AppendUint64(data, uint64(int64(42)))
	data = binary.LittleEndian.AppendUint32(data, math.Float32bits(1.5))

	got, err := DecodeValues(data, []wasm.ValType{wasm.ValI32, wasm.ValI64, wasm.ValF32})
	if err != nil {
		t.Fatalf("DecodeValues: %v", err)
	}
	if got[0].I32 != -7 || got[1].I64 != 42 || got[2].F32 != 1.5 {
		t.Errorf("got %+v", got)
	}
}

func TestDecodeValuesTruncatedDataIsError(t *testing.T) {
	if _, err := DecodeValues([]byte{1, 2}, []wasm.ValType{wasm.ValI64}); err == nil {
		t.Error("expected error for truncated data")
	}
}

func TestDecodeBacktracePushPopLeavesLiveStack(t *testing.T) {
	var data []byte
	push := func(v int32) {
		data = binary.LittleEndian.AppendUint32(data, uint32(v))
	}
	push(3)  // call func 3
	push(7)  // call func 7 from inside 3
	push(-1) // return from 7
	push(-2) // call unknown target
	// no matching pop for 3 or -2: both remain live

	got, err := DecodeBacktrace(data)
	if err != nil {
		t.Fatalf("DecodeBacktrace: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("len(got) = %d, want 2: %+v", len(got), got)
	}
	if got[0].FuncIdx != 3 || got[0].Unknown {
		t.Errorf("got[0] = %+v, want func 3", got[0])
	}
	if !got[1].Unknown {
		t.Errorf("got[1] = %+v, want unknown", got[1])
	}
}

func TestDecodeBacktraceMisalignedLengthIsError(t *testing.T) {
	if _, err := DecodeBacktrace([]byte{1, 2, 3}); err == nil {
		t.Error("expected error for length not a multiple of 4")
	}
}
