// Package stackir gives instrumentation code a per-function, splice-
// friendly view of a module's instructions. It sits directly on top of
// wasm.DecodeInstructions's already-flat per-function stream rather than
// re-deriving a tree: match-and-splice only ever needs "the instruction
// at this position and its neighbors," never nested scope information,
// so a doubly linked list of the existing wasm.Instruction values is
// enough.
package stackir

import (
	"fmt"

	"github.com/wasmlab/wabidb/wasm"
)

// ExprKind is the expression-kind taxonomy a target pattern matches
// against: Load, Store, Call, CallIndirect, Block, Loop, If, TryTable,
// Unary, Binary, Const, plus the variable-access and catch-all kinds
// that round out a flat instruction stream.
type ExprKind int

const (
	ExprOther ExprKind = iota
	ExprLoad
	ExprStore
	ExprCall
	ExprCallIndirect
	ExprBlock
	ExprLoop
	ExprIf
	ExprTryTable
	ExprUnary
	ExprBinary
	ExprConst
	ExprLocal
	ExprGlobal
	ExprBr // br/br_if/br_table/return/unreachable/end/else/nop: structural but not a container
)

// IsControlFlow reports whether kind is one of the structured container
// kinds {Block, If, Loop, TryTable} (and Try, folded into TryTable
// since the core only emits the newer try_table form). Br/return/
// unreachable/end/else are structural markers, not containers, and are
// deliberately excluded.
func IsControlFlow(kind ExprKind) bool {
	switch kind {
	case ExprBlock, ExprLoop, ExprIf, ExprTryTable:
		return true
	default:
		return false
	}
}

// OpClass tags the untyped opcode union operations match against: a
// pattern can pin an exact opcode (Unary/Binary with Op set), match any
// control-flow instruction regardless of which one, or match anything.
type OpClass int

const (
	ClassAny OpClass = iota
	ClassUnary
	ClassBinary
	ClassControlFlow
)

// StructOp is the tagged union a MatchTarget pattern is built from.
type StructOp struct {
	Class OpClass
	Op    byte // meaningful when Class is ClassUnary or ClassBinary
}

// AnyOp matches every instruction.
func AnyOp() StructOp { return StructOp{Class: ClassAny} }

// MatchUnary matches a specific unary opcode (e.g. wasm.OpI32Eqz).
func MatchUnary(op byte) StructOp { return StructOp{Class: ClassUnary, Op: op} }

// MatchBinary matches a specific binary opcode (e.g. wasm.OpI32Add).
func MatchBinary(op byte) StructOp { return StructOp{Class: ClassBinary, Op: op} }

// MatchControlFlow matches any structured container instruction
// (block/loop/if/try_table, see IsControlFlow); br and call do not match.
func MatchControlFlow() StructOp { return StructOp{Class: ClassControlFlow} }

// Matches reports whether an instruction's classified shape satisfies
// the pattern.
func (m StructOp) Matches(n *Node) bool {
	switch m.Class {
	case ClassAny:
		return true
	case ClassUnary:
		return n.Kind == ExprUnary && n.Instr.Opcode == m.Op
	case ClassBinary:
		return n.Kind == ExprBinary && n.Instr.Opcode == m.Op
	case ClassControlFlow:
		return IsControlFlow(n.Kind)
	default:
		return false
	}
}

// Target is the public, caller-facing match pattern: a kind plus
// optional opcode and result-type wildcards. It is the "(kind, opcode?,
// type?)" shape operations are built from; StructOp/OpClass above model
// the internal tagged union those optional fields select between.
type Target struct {
	Kind   ExprKind
	Opcode *byte
	Type   *wasm.ValType
}

// MatchTarget reports whether n satisfies pattern: kinds must match,
// and any non-nil Opcode/Type field must equal the instruction's own.
func MatchTarget(n *Node, pattern Target) bool {
	if n.Kind != pattern.Kind {
		return false
	}
	if pattern.Opcode != nil && n.Instr.Opcode != *pattern.Opcode {
		return false
	}
	if pattern.Type != nil {
		if !n.hasResult || n.ResultType != *pattern.Type {
			return false
		}
	}
	return true
}

// MatchAny reports whether n satisfies any of the given patterns, in
// order, short-circuiting on the first match (the caller's contract
// that target lists across operations are mutually exclusive is not
// enforced here; first match wins).
func MatchAny(n *Node, patterns []Target) (int, bool) {
	for i, p := range patterns {
		if MatchTarget(n, p) {
			return i, true
		}
	}
	return -1, false
}

// Node is one instruction inside a function's stack-IR list.
type Node struct {
	Instr      wasm.Instruction
	Kind       ExprKind
	ResultType wasm.ValType // zero value ValType(0) when the instruction has no result
	hasResult  bool
	prev, next *Node
}

func (n *Node) HasResult() bool { return n.hasResult }

// List is a doubly linked, splice-capable instruction stream for one
// function body.
type List struct {
	head, tail *Node
	len        int
}

// MakeStackInst builds a List from a decoded instruction slice,
// classifying each instruction as it goes. module is optional and is
// only needed to resolve a block/loop/if's result type when its block
// type is a type-section index rather than one of the inline basic
// types; callers building a fragment's own short, typically
// block-free instruction list can omit it.
//
// Per the end-marker rule: every control-flow marker carries result
// type "none", except the end marker, which carries the structure's
// own result type (computed here from a stack of the enclosing
// block/loop/if types, not from the end instruction itself).
func MakeStackInst(instrs []wasm.Instruction, module ...*wasm.Module) *List {
	var mod *wasm.Module
	if len(module) > 0 {
		mod = module[0]
	}
	l := &List{}
	var pending []endType
	for _, in := range instrs {
		n := &Node{Instr: in}
		switch in.Opcode {
		case wasm.OpBlock, wasm.OpLoop, wasm.OpIf:
			rt, has := blockResultType(in.Imm.(wasm.BlockImm).Type, mod)
			pending = append(pending, endType{rt, has})
			n.Kind = blockKind(in.Opcode)
		case wasm.OpTry, wasm.OpTryTable:
			var bt int32
			if imm, ok := in.Imm.(wasm.TryTableImm); ok {
				bt = imm.BlockType
			} else {
				bt = in.Imm.(wasm.BlockImm).Type
			}
			rt, has := blockResultType(bt, mod)
			pending = append(pending, endType{rt, has})
			n.Kind = ExprTryTable
		case wasm.OpDelegate:
			// delegate closes a legacy try without an end marker.
			if len(pending) > 0 {
				pending = pending[:len(pending)-1]
			}
			n.Kind, n.ResultType, n.hasResult = classify(in)
		case wasm.OpEnd:
			n.Kind = ExprBr
			if len(pending) > 0 {
				top := pending[len(pending)-1]
				pending = pending[:len(pending)-1]
				n.ResultType, n.hasResult = top.t, top.has
			}
		default:
			n.Kind, n.ResultType, n.hasResult = classify(in)
		}
		l.pushBack(n)
	}
	return l
}

type endType struct {
	t   wasm.ValType
	has bool
}

func blockKind(op byte) ExprKind {
	switch op {
	case wasm.OpBlock:
		return ExprBlock
	case wasm.OpLoop:
		return ExprLoop
	default:
		return ExprIf
	}
}

// blockResultType resolves a block type to a single basic result type,
// when it has exactly one. Multi-value block types (from an explicit
// (param)(result) signature with more than one result) report no
// result here rather than a list: the end-marker type is advisory for
// matching, not a full type-checker.
func blockResultType(bt int32, mod *wasm.Module) (wasm.ValType, bool) {
	switch bt {
	case wasm.BlockTypeVoid:
		return 0, false
	case wasm.BlockTypeI32:
		return wasm.ValI32, true
	case wasm.BlockTypeI64:
		return wasm.ValI64, true
	case wasm.BlockTypeF32:
		return wasm.ValF32, true
	case wasm.BlockTypeF64:
		return wasm.ValF64, true
	case wasm.BlockTypeV128:
		return wasm.ValV128, true
	default:
		if mod != nil && bt >= 0 && int(bt) < len(mod.Types) {
			results := mod.Types[bt].Results
			if len(results) == 1 {
				return results[0], true
			}
		}
		return 0, false
	}
}

func (l *List) pushBack(n *Node) {
	n.prev = l.tail
	n.next = nil
	if l.tail != nil {
		l.tail.next = n
	} else {
		l.head = n
	}
	l.tail = n
	l.len++
}

// Len returns the number of instructions currently in the list.
func (l *List) Len() int { return l.len }

// Front returns the first node, or nil if the list is empty.
func (l *List) Front() *Node { return l.head }

// ToSlice flattens the list back into the form
// wasm.EncodeInstructions expects.
func (l *List) ToSlice() []wasm.Instruction {
	out := make([]wasm.Instruction, 0, l.len)
	for n := l.head; n != nil; n = n.next {
		out = append(out, n.Instr)
	}
	return out
}

// SpliceBefore inserts pre immediately before target, in order.
func (l *List) SpliceBefore(target *Node, pre []wasm.Instruction) {
	for _, in := range pre {
		n := &Node{Instr: in}
		n.Kind, n.ResultType, n.hasResult = classify(in)
		l.insertBefore(target, n)
	}
}

// SpliceAfter inserts post immediately after target, in order.
func (l *List) SpliceAfter(target *Node, post []wasm.Instruction) {
	cursor := target
	for _, in := range post {
		n := &Node{Instr: in}
		n.Kind, n.ResultType, n.hasResult = classify(in)
		l.insertAfter(cursor, n)
		cursor = n
	}
}

// InsertAt inserts instrs so they occupy slice positions [k, k+len(instrs))
// in the post-insertion list: k=0 inserts before everything, k=Len()
// inserts after everything. k outside [0, Len()] is an error.
func (l *List) InsertAt(k int, instrs []wasm.Instruction) error {
	if k < 0 || k > l.len {
		return fmt.Errorf("position %d out of range [0, %d]", k, l.len)
	}
	if len(instrs) == 0 {
		return nil
	}
	if k == 0 {
		if l.head == nil {
			for _, in := range instrs {
				n := &Node{Instr: in}
				n.Kind, n.ResultType, n.hasResult = classify(in)
				l.pushBack(n)
			}
			return nil
		}
		l.SpliceBefore(l.head, instrs)
		return nil
	}
	target := l.head
	for i := 0; i < k-1; i++ {
		target = target.next
	}
	l.SpliceAfter(target, instrs)
	return nil
}

// Remove unlinks a single node.
func (l *List) Remove(n *Node) {
	if n.prev != nil {
		n.prev.next = n.next
	} else {
		l.head = n.next
	}
	if n.next != nil {
		n.next.prev = n.prev
	} else {
		l.tail = n.prev
	}
	n.prev, n.next = nil, nil
	l.len--
}

func (l *List) insertBefore(target, n *Node) {
	n.prev = target.prev
	n.next = target
	if target.prev != nil {
		target.prev.next = n
	} else {
		l.head = n
	}
	target.prev = n
	l.len++
}

func (l *List) insertAfter(target, n *Node) {
	n.next = target.next
	n.prev = target
	if target.next != nil {
		target.next.prev = n
	} else {
		l.tail = n
	}
	target.next = n
	l.len++
}

// IterInstructions walks the list front to back, calling visit for each
// node. visit may splice before/after the current node (via
// List.SpliceBefore/SpliceAfter) without disturbing the walk; it must
// not remove the node it was called with.
func IterInstructions(l *List, visit func(n *Node)) {
	for n := l.head; n != nil; {
		next := n.next
		visit(n)
		n = next
	}
}

// DefinedFunction pairs a function's index with its decoded body.
type DefinedFunction struct {
	Index uint32
	Type  wasm.FuncType
	Body  *wasm.FuncBody
}

// IterDefinedFunctions yields each function defined in the module (not
// imported), skipping import-only entries so callers never try to
// instrument a body that doesn't exist.
func IterDefinedFunctions(mod *wasm.Module, visit func(DefinedFunction) error) error {
	numFuncImports := uint32(0)
	for _, imp := range mod.Imports {
		if imp.Desc.Kind == wasm.KindFunc {
			numFuncImports++
		}
	}
	for i := range mod.Code {
		idx := numFuncImports + uint32(i)
		typeIdx := mod.Funcs[i]
		df := DefinedFunction{Index: idx, Type: mod.Types[typeIdx], Body: &mod.Code[i]}
		if err := visit(df); err != nil {
			return err
		}
	}
	return nil
}

// classify handles every instruction kind that doesn't need enclosing-
// scope context (block/loop/if/end are classified by MakeStackInst
// itself, since end's type depends on the block stack).
func classify(in wasm.Instruction) (ExprKind, wasm.ValType, bool) {
	switch in.Opcode {
	case wasm.OpElse, wasm.OpBr, wasm.OpBrIf, wasm.OpBrTable, wasm.OpReturn,
		wasm.OpUnreachable, wasm.OpNop:
		return ExprBr, 0, false

	case wasm.OpCall, wasm.OpReturnCall:
		return ExprCall, 0, false
	case wasm.OpCallIndirect, wasm.OpReturnCallIndirect:
		return ExprCallIndirect, 0, false

	case wasm.OpLocalGet, wasm.OpLocalSet, wasm.OpLocalTee:
		return ExprLocal, 0, in.Opcode != wasm.OpLocalSet

	case wasm.OpGlobalGet, wasm.OpGlobalSet:
		return ExprGlobal, 0, in.Opcode == wasm.OpGlobalGet

	case wasm.OpI32Const:
		return ExprConst, wasm.ValI32, true
	case wasm.OpI64Const:
		return ExprConst, wasm.ValI64, true
	case wasm.OpF32Const:
		return ExprConst, wasm.ValF32, true
	case wasm.OpF64Const:
		return ExprConst, wasm.ValF64, true

	case wasm.OpMemorySize, wasm.OpMemoryGrow:
		return ExprOther, wasm.ValI32, true
	}

	if isMemoryLoad(in.Opcode) {
		return ExprLoad, memoryResultType(in.Opcode), true
	}
	if isMemoryStore(in.Opcode) {
		return ExprStore, 0, false
	}
	if unaryResult, ok := unaryOps[in.Opcode]; ok {
		return ExprUnary, unaryResult, true
	}
	if binaryResult, ok := binaryOps[in.Opcode]; ok {
		return ExprBinary, binaryResult, true
	}
	return ExprOther, 0, false
}

func isMemoryLoad(op byte) bool {
	return op >= wasm.OpI32Load && op <= wasm.OpI64Load32U
}

func isMemoryStore(op byte) bool {
	return op >= wasm.OpI32Store && op <= wasm.OpI64Store32
}

func memoryResultType(op byte) wasm.ValType {
	switch op {
	case wasm.OpI32Load, wasm.OpI32Load8S, wasm.OpI32Load8U, wasm.OpI32Load16S, wasm.OpI32Load16U:
		return wasm.ValI32
	case wasm.OpI64Load, wasm.OpI64Load8S, wasm.OpI64Load8U, wasm.OpI64Load16S, wasm.OpI64Load16U,
		wasm.OpI64Load32S, wasm.OpI64Load32U:
		return wasm.ValI64
	case wasm.OpF32Load:
		return wasm.ValF32
	case wasm.OpF64Load:
		return wasm.ValF64
	default:
		return 0
	}
}

// unaryOps lists single-operand numeric opcodes and their result type:
// the eqz tests, bit counts, float unary math, and every int<->float
// conversion/reinterpret/sign-extend instruction.
var unaryOps = map[byte]wasm.ValType{
	wasm.OpI32Eqz: wasm.ValI32,
	wasm.OpI64Eqz: wasm.ValI32,

	wasm.OpI32Clz: wasm.ValI32, wasm.OpI32Ctz: wasm.ValI32, wasm.OpI32Popcnt: wasm.ValI32,
	wasm.OpI64Clz: wasm.ValI64, wasm.OpI64Ctz: wasm.ValI64, wasm.OpI64Popcnt: wasm.ValI64,

	wasm.OpF32Abs: wasm.ValF32, wasm.OpF32Neg: wasm.ValF32, wasm.OpF32Ceil: wasm.ValF32,
	wasm.OpF32Floor: wasm.ValF32, wasm.OpF32Trunc: wasm.ValF32, wasm.OpF32Nearest: wasm.ValF32,
	wasm.OpF32Sqrt: wasm.ValF32,
	wasm.OpF64Abs:  wasm.ValF64, wasm.OpF64Neg: wasm.ValF64, wasm.OpF64Ceil: wasm.ValF64,
	wasm.OpF64Floor: wasm.ValF64, wasm.OpF64Trunc: wasm.ValF64, wasm.OpF64Nearest: wasm.ValF64,
	wasm.OpF64Sqrt: wasm.ValF64,

	wasm.OpI32WrapI64:   wasm.ValI32,
	wasm.OpI32TruncF32S: wasm.ValI32, wasm.OpI32TruncF32U: wasm.ValI32,
	wasm.OpI32TruncF64S: wasm.ValI32, wasm.OpI32TruncF64U: wasm.ValI32,
	wasm.OpI64ExtendI32S: wasm.ValI64, wasm.OpI64ExtendI32U: wasm.ValI64,
	wasm.OpI64TruncF32S: wasm.ValI64, wasm.OpI64TruncF32U: wasm.ValI64,
	wasm.OpI64TruncF64S: wasm.ValI64, wasm.OpI64TruncF64U: wasm.ValI64,
	wasm.OpF32ConvertI32S: wasm.ValF32, wasm.OpF32ConvertI32U: wasm.ValF32,
	wasm.OpF32ConvertI64S: wasm.ValF32, wasm.OpF32ConvertI64U: wasm.ValF32,
	wasm.OpF32DemoteF64:   wasm.ValF32,
	wasm.OpF64ConvertI32S: wasm.ValF64, wasm.OpF64ConvertI32U: wasm.ValF64,
	wasm.OpF64ConvertI64S: wasm.ValF64, wasm.OpF64ConvertI64U: wasm.ValF64,
	wasm.OpF64PromoteF32:     wasm.ValF64,
	wasm.OpI32ReinterpretF32: wasm.ValI32, wasm.OpI64ReinterpretF64: wasm.ValI64,
	wasm.OpF32ReinterpretI32: wasm.ValF32, wasm.OpF64ReinterpretI64: wasm.ValF64,

	wasm.OpI32Extend8S: wasm.ValI32, wasm.OpI32Extend16S: wasm.ValI32,
	wasm.OpI64Extend8S: wasm.ValI64, wasm.OpI64Extend16S: wasm.ValI64, wasm.OpI64Extend32S: wasm.ValI64,
}

// binaryOps lists two-operand numeric opcodes (comparisons and
// arithmetic) and their result type.
var binaryOps = map[byte]wasm.ValType{
	wasm.OpI32Eq: wasm.ValI32, wasm.OpI32Ne: wasm.ValI32, wasm.OpI32LtS: wasm.ValI32, wasm.OpI32LtU: wasm.ValI32,
	wasm.OpI32GtS: wasm.ValI32, wasm.OpI32GtU: wasm.ValI32, wasm.OpI32LeS: wasm.ValI32, wasm.OpI32LeU: wasm.ValI32,
	wasm.OpI32GeS: wasm.ValI32, wasm.OpI32GeU: wasm.ValI32,

	wasm.OpI64Eq: wasm.ValI32, wasm.OpI64Ne: wasm.ValI32, wasm.OpI64LtS: wasm.ValI32, wasm.OpI64LtU: wasm.ValI32,
	wasm.OpI64GtS: wasm.ValI32, wasm.OpI64GtU: wasm.ValI32, wasm.OpI64LeS: wasm.ValI32, wasm.OpI64LeU: wasm.ValI32,
	wasm.OpI64GeS: wasm.ValI32, wasm.OpI64GeU: wasm.ValI32,

	wasm.OpF32Eq: wasm.ValI32, wasm.OpF32Ne: wasm.ValI32, wasm.OpF32Lt: wasm.ValI32,
	wasm.OpF32Gt: wasm.ValI32, wasm.OpF32Le: wasm.ValI32, wasm.OpF32Ge: wasm.ValI32,
	wasm.OpF64Eq: wasm.ValI32, wasm.OpF64Ne: wasm.ValI32, wasm.OpF64Lt: wasm.ValI32,
	wasm.OpF64Gt: wasm.ValI32, wasm.OpF64Le: wasm.ValI32, wasm.OpF64Ge: wasm.ValI32,

	wasm.OpI32Add: wasm.ValI32, wasm.OpI32Sub: wasm.ValI32, wasm.OpI32Mul: wasm.ValI32,
	wasm.OpI32DivS: wasm.ValI32, wasm.OpI32DivU: wasm.ValI32, wasm.OpI32RemS: wasm.ValI32, wasm.OpI32RemU: wasm.ValI32,
	wasm.OpI32And: wasm.ValI32, wasm.OpI32Or: wasm.ValI32, wasm.OpI32Xor: wasm.ValI32,
	wasm.OpI32Shl: wasm.ValI32, wasm.OpI32ShrS: wasm.ValI32, wasm.OpI32ShrU: wasm.ValI32,
	wasm.OpI32Rotl: wasm.ValI32, wasm.OpI32Rotr: wasm.ValI32,

	wasm.OpI64Add: wasm.ValI64, wasm.OpI64Sub: wasm.ValI64, wasm.OpI64Mul: wasm.ValI64,
	wasm.OpI64DivS: wasm.ValI64, wasm.OpI64DivU: wasm.ValI64, wasm.OpI64RemS: wasm.ValI64, wasm.OpI64RemU: wasm.ValI64,
	wasm.OpI64And: wasm.ValI64, wasm.OpI64Or: wasm.ValI64, wasm.OpI64Xor: wasm.ValI64,
	wasm.OpI64Shl: wasm.ValI64, wasm.OpI64ShrS: wasm.ValI64, wasm.OpI64ShrU: wasm.ValI64,
	wasm.OpI64Rotl: wasm.ValI64, wasm.OpI64Rotr: wasm.ValI64,

	wasm.OpF32Add: wasm.ValF32, wasm.OpF32Sub: wasm.ValF32, wasm.OpF32Mul: wasm.ValF32, wasm.OpF32Div: wasm.ValF32,
	wasm.OpF32Min: wasm.ValF32, wasm.OpF32Max: wasm.ValF32, wasm.OpF32Copysign: wasm.ValF32,

	wasm.OpF64Add: wasm.ValF64, wasm.OpF64Sub: wasm.ValF64, wasm.OpF64Mul: wasm.ValF64, wasm.OpF64Div: wasm.ValF64,
	wasm.OpF64Min: wasm.ValF64, wasm.OpF64Max: wasm.ValF64, wasm.OpF64Copysign: wasm.ValF64,
}
