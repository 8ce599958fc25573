package stackir

import (
	"testing"

	"github.com/wasmlab/wabidb/wasm"
)

func constI32(v int32) wasm.Instruction {
	return wasm.Instruction{Opcode: wasm.OpI32Const, Imm: wasm.I32Imm{Value: v}}
}

func TestMakeStackInstClassifiesInstructions(t *testing.T) {
	instrs := []wasm.Instruction{
		constI32(1),
		constI32(2),
		{Opcode: wasm.OpI32Add},
		{Opcode: wasm.OpEnd},
	}
	l := MakeStackInst(instrs)
	if l.Len() != 4 {
		t.Fatalf("Len() = %d, want 4", l.Len())
	}

	var kinds []ExprKind
	IterInstructions(l, func(n *Node) { kinds = append(kinds, n.Kind) })

	want := []ExprKind{ExprConst, ExprConst, ExprBinary, ExprBr}
	if len(kinds) != len(want) {
		t.Fatalf("got %d kinds, want %d", len(kinds), len(want))
	}
	for i, k := range want {
		if kinds[i] != k {
			t.Errorf("kind[%d] = %v, want %v", i, kinds[i], k)
		}
	}
}

func TestMatchBinaryFindsTargetAndSplices(t *testing.T) {
	instrs := []wasm.Instruction{
		constI32(1),
		constI32(2),
		{Opcode: wasm.OpI32Add},
		{Opcode: wasm.OpEnd},
	}
	l := MakeStackInst(instrs)
	pattern := MatchBinary(wasm.OpI32Add)

	var target *Node
	IterInstructions(l, func(n *Node) {
		if target == nil && pattern.Matches(n) {
			target = n
		}
	})
	if target == nil {
		t.Fatal("expected to find i32.add")
	}

	l.SpliceBefore(target, []wasm.Instruction{{Opcode: wasm.OpNop}})
	l.SpliceAfter(target, []wasm.Instruction{{Opcode: wasm.OpDrop}})

	out := l.ToSlice()
	if len(out) != 6 {
		t.Fatalf("len(out) = %d, want 6", len(out))
	}
	if out[2].Opcode != wasm.OpNop {
		t.Errorf("out[2] = 0x%02x, want nop", out[2].Opcode)
	}
	if out[3].Opcode != wasm.OpI32Add {
		t.Errorf("out[3] = 0x%02x, want i32.add", out[3].Opcode)
	}
	if out[4].Opcode != wasm.OpDrop {
		t.Errorf("out[4] = 0x%02x, want drop", out[4].Opcode)
	}
}

func TestMatchControlFlowIgnoresNumericOps(t *testing.T) {
	n := &Node{Instr: wasm.Instruction{Opcode: wasm.OpI32Add}, Kind: ExprBinary}
	if MatchControlFlow().Matches(n) {
		t.Error("control-flow pattern should not match a binary op")
	}
	block := &Node{Instr: wasm.Instruction{Opcode: wasm.OpBlock}, Kind: ExprBlock}
	if !MatchControlFlow().Matches(block) {
		t.Error("control-flow pattern should match a block")
	}
}

func TestIterDefinedFunctionsSkipsImports(t *testing.T) {
	mod := &wasm.Module{
		Types: []wasm.FuncType{{}},
		Imports: []wasm.Import{
			{Module: "env", Name: "log", Desc: wasm.ImportDesc{Kind: wasm.KindFunc, TypeIdx: 0}},
		},
		Funcs: []uint32{0, 0},
		Code: []wasm.FuncBody{
			{Code: []byte{byte(wasm.OpEnd)}},
			{Code: []byte{byte(wasm.OpEnd)}},
		},
	}

	var indices []uint32
	if err := IterDefinedFunctions(mod, func(df DefinedFunction) error {
		indices = append(indices, df.Index)
		return nil
	}); err != nil {
		t.Fatalf("IterDefinedFunctions: %v", err)
	}
	if len(indices) != 2 || indices[0] != 1 || indices[1] != 2 {
		t.Errorf("indices = %v, want [1 2]", indices)
	}
}

func TestIsControlFlow(t *testing.T) {
	for _, k := range []ExprKind{ExprBlock, ExprLoop, ExprIf, ExprTryTable} {
		if !IsControlFlow(k) {
			t.Errorf("IsControlFlow(%v) = false, want true", k)
		}
	}
	for _, k := range []ExprKind{ExprBr, ExprCall, ExprBinary, ExprConst} {
		if IsControlFlow(k) {
			t.Errorf("IsControlFlow(%v) = true, want false", k)
		}
	}
}

func TestEndMarkerCarriesBlockResultType(t *testing.T) {
	i32 := wasm.ValI32
	instrs := []wasm.Instruction{
		{Opcode: wasm.OpBlock, Imm: wasm.BlockImm{Type: wasm.BlockTypeI32}},
		constI32(1),
		{Opcode: wasm.OpEnd},
		{Opcode: wasm.OpEnd}, // function-level end: no enclosing block, so no type
	}
	l := MakeStackInst(instrs)

	var results []*Node
	IterInstructions(l, func(n *Node) { results = append(results, n) })

	blockEnd := results[2]
	if !blockEnd.HasResult() || blockEnd.ResultType != i32 {
		t.Errorf("block end: HasResult=%v ResultType=%v, want true/i32", blockEnd.HasResult(), blockEnd.ResultType)
	}
	funcEnd := results[3]
	if funcEnd.HasResult() {
		t.Errorf("function end: HasResult=true, want false (no enclosing block)")
	}
}

func TestMatchTargetOpcodeAndTypeWildcards(t *testing.T) {
	add := wasm.OpI32Add
	i32 := wasm.ValI32
	f32 := wasm.ValF32

	n := &Node{Kind: ExprBinary, Instr: wasm.Instruction{Opcode: wasm.OpI32Add}, ResultType: wasm.ValI32, hasResult: true}

	if !MatchTarget(n, Target{Kind: ExprBinary}) {
		t.Error("kind-only pattern should match")
	}
	if !MatchTarget(n, Target{Kind: ExprBinary, Opcode: &add}) {
		t.Error("kind+opcode pattern should match")
	}
	if !MatchTarget(n, Target{Kind: ExprBinary, Type: &i32}) {
		t.Error("kind+type pattern should match")
	}
	if MatchTarget(n, Target{Kind: ExprBinary, Type: &f32}) {
		t.Error("mismatched type should not match")
	}
	if MatchTarget(n, Target{Kind: ExprUnary}) {
		t.Error("mismatched kind should not match")
	}

	idx, ok := MatchAny(n, []Target{{Kind: ExprCall}, {Kind: ExprBinary}})
	if !ok || idx != 1 {
		t.Errorf("MatchAny = (%d, %v), want (1, true)", idx, ok)
	}
}
