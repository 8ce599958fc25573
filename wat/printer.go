package wat

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/wasmlab/wabidb/wasm"
	"github.com/wasmlab/wabidb/wat/internal/opcode"
)

// Print renders a module's AST back to WAT text. It is the left inverse
// Compile depends on: Compile(Print(m)) must re-parse to a module
// equivalent to m. Print only supports the instruction subset
// instrumentation fragments and the module editor actually emit —
// control flow, calls, locals/globals, linear memory, and the numeric
// instruction set. An unsupported opcode is reported as an error rather
// than silently dropped.
//
// Symbolic names come from the module's "name" custom section (see
// wasm.Module.NameSection); functions, memories, globals, and data
// segments without a name are printed with positional $-names so they
// still resolve in fragment text that calls them by name.
func Print(m *wasm.Module) (string, error) {
	names, err := m.NameSection()
	if err != nil {
		return "", fmt.Errorf("read name section: %w", err)
	}
	p := &printer{mod: m, names: names}
	p.printModule()
	if p.err != nil {
		return "", p.err
	}
	return p.buf.String(), nil
}

type printer struct {
	mod   *wasm.Module
	names *wasm.NameSection
	buf   strings.Builder
	err   error
}

func (p *printer) fail(err error) {
	if p.err == nil {
		p.err = err
	}
}

func (p *printer) w(format string, args ...any) {
	fmt.Fprintf(&p.buf, format, args...)
}

func (p *printer) funcName(idx uint32) string {
	if n, ok := p.names.Functions[idx]; ok && n != "" {
		return "$" + n
	}
	return "$func" + strconv.FormatUint(uint64(idx), 10)
}

func (p *printer) memName(idx uint32) string {
	if n, ok := p.names.Memories[idx]; ok && n != "" {
		return "$" + n
	}
	return "$mem" + strconv.FormatUint(uint64(idx), 10)
}

func (p *printer) globalName(idx uint32) string {
	if n, ok := p.names.Globals[idx]; ok && n != "" {
		return "$" + n
	}
	return "$global" + strconv.FormatUint(uint64(idx), 10)
}

func (p *printer) dataName(idx uint32) string {
	if n, ok := p.names.DataSegs[idx]; ok && n != "" {
		return "$" + n
	}
	return "$data" + strconv.FormatUint(uint64(idx), 10)
}

func (p *printer) printModule() {
	p.w("(module\n")

	numFuncImports := uint32(0)
	numMemImports := uint32(0)
	numGlobalImports := uint32(0)

	for _, imp := range p.mod.Imports {
		switch imp.Desc.Kind {
		case wasm.KindFunc:
			ft := p.mod.Types[imp.Desc.TypeIdx]
			p.w("  (import %q %q (func %s %s))\n", imp.Module, imp.Name, p.funcName(numFuncImports), p.funcSig(ft))
			numFuncImports++
		case wasm.KindMemory:
			p.w("  (import %q %q (memory %s %s))\n", imp.Module, imp.Name, p.memName(numMemImports), p.limits(imp.Desc.Memory.Limits))
			numMemImports++
		case wasm.KindGlobal:
			p.w("  (import %q %q (global %s %s))\n", imp.Module, imp.Name, p.globalName(numGlobalImports), p.globalType(*imp.Desc.Global))
			numGlobalImports++
		default:
			p.fail(fmt.Errorf("printer: unsupported import kind %d", imp.Desc.Kind))
			return
		}
	}

	for i, mem := range p.mod.Memories {
		idx := numMemImports + uint32(i)
		p.w("  (memory %s %s)\n", p.memName(idx), p.limits(mem.Limits))
	}

	for i, g := range p.mod.Globals {
		idx := numGlobalImports + uint32(i)
		instrs, err := wasm.DecodeInstructions(g.Init)
		if err != nil {
			p.fail(fmt.Errorf("printer: global %d init: %w", idx, err))
			return
		}
		p.w("  (global %s %s (%s))\n", p.globalName(idx), p.globalType(g.Type), p.instrLine(instrs))
	}

	for i, seg := range p.mod.Data {
		idx := uint32(i)
		lit := p.stringLiteral(seg.Init)
		switch seg.Flags {
		case 1: // passive
			p.w("  (data %s %s)\n", p.dataName(idx), lit)
		default: // active
			offInstrs, err := wasm.DecodeInstructions(seg.Offset)
			if err != nil {
				p.fail(fmt.Errorf("printer: data %d offset: %w", idx, err))
				return
			}
			p.w("  (data %s (%s) %s)\n", p.dataName(idx), p.instrLine(offInstrs), lit)
		}
	}

	for _, exp := range p.mod.Exports {
		var kw string
		switch exp.Kind {
		case wasm.KindFunc:
			kw = "func"
		case wasm.KindMemory:
			kw = "memory"
		case wasm.KindGlobal:
			kw = "global"
		default:
			continue
		}
		name := exp.Idx
		var ref string
		switch exp.Kind {
		case wasm.KindFunc:
			ref = p.funcName(name)
		case wasm.KindMemory:
			ref = p.memName(name)
		case wasm.KindGlobal:
			ref = p.globalName(name)
		}
		p.w("  (export %q (%s %s))\n", exp.Name, kw, ref)
	}

	if p.mod.Start != nil {
		p.w("  (start %s)\n", p.funcName(*p.mod.Start))
	}

	for i, body := range p.mod.Code {
		funcIdx := numFuncImports + uint32(i)
		typeIdx := p.mod.Funcs[i]
		ft := p.mod.Types[typeIdx]
		p.printFunc(funcIdx, ft, body)
		if p.err != nil {
			return
		}
	}

	p.w(")\n")
}

func (p *printer) funcSig(ft wasm.FuncType) string {
	var b strings.Builder
	if len(ft.Params) > 0 {
		parts := make([]string, len(ft.Params))
		for i, t := range ft.Params {
			parts[i] = t.String()
		}
		fmt.Fprintf(&b, "(param %s) ", strings.Join(parts, " "))
	}
	if len(ft.Results) > 0 {
		parts := make([]string, len(ft.Results))
		for i, t := range ft.Results {
			parts[i] = t.String()
		}
		fmt.Fprintf(&b, "(result %s)", strings.Join(parts, " "))
	}
	return strings.TrimSpace(b.String())
}

func (p *printer) limits(l wasm.Limits) string {
	s := strconv.FormatUint(l.Min, 10)
	if l.Max != nil {
		s += " " + strconv.FormatUint(*l.Max, 10)
	}
	if l.Shared {
		s += " shared"
	}
	return s
}

func (p *printer) globalType(gt wasm.GlobalType) string {
	if gt.Mutable {
		return "(mut " + gt.ValType.String() + ")"
	}
	return gt.ValType.String()
}

func (p *printer) stringLiteral(data []byte) string {
	var b strings.Builder
	b.WriteByte('"')
	for _, c := range data {
		switch {
		case c == '"' || c == '\\':
			fmt.Fprintf(&b, "\\%02x", c)
		case c >= 0x20 && c < 0x7f:
			b.WriteByte(c)
		default:
			fmt.Fprintf(&b, "\\%02x", c)
		}
	}
	b.WriteByte('"')
	return b.String()
}

func (p *printer) printFunc(funcIdx uint32, ft wasm.FuncType, body wasm.FuncBody) {
	p.w("  (func %s", p.funcName(funcIdx))
	if len(ft.Params) > 0 {
		parts := make([]string, len(ft.Params))
		for i, t := range ft.Params {
			parts[i] = t.String()
		}
		p.w(" (param %s)", strings.Join(parts, " "))
	}
	if len(ft.Results) > 0 {
		parts := make([]string, len(ft.Results))
		for i, t := range ft.Results {
			parts[i] = t.String()
		}
		p.w(" (result %s)", strings.Join(parts, " "))
	}
	for _, l := range body.Locals {
		for i := uint32(0); i < l.Count; i++ {
			p.w(" (local %s)", l.ValType.String())
		}
	}
	p.w("\n")

	instrs, err := wasm.DecodeInstructions(body.Code)
	if err != nil {
		p.fail(fmt.Errorf("printer: func %d: %w", funcIdx, err))
		return
	}
	// Code carries the function's own implicit closing "end"; every other
	// "end" in the stream closes a nested block/loop/if and must print.
	for i, instr := range instrs {
		if i == len(instrs)-1 && instr.Opcode == wasm.OpEnd {
			continue
		}
		line, err := p.instrText(instr)
		if err != nil {
			p.fail(fmt.Errorf("printer: func %d: %w", funcIdx, err))
			return
		}
		p.w("    %s\n", line)
	}
	p.w("  )\n")
}

// instrLine renders a short instruction sequence (e.g. an init
// expression) on one line, dropping any trailing "end".
func (p *printer) instrLine(instrs []wasm.Instruction) string {
	var parts []string
	for _, instr := range instrs {
		if instr.Opcode == wasm.OpEnd {
			continue
		}
		line, err := p.instrText(instr)
		if err != nil {
			p.fail(err)
			return ""
		}
		parts = append(parts, line)
	}
	return strings.Join(parts, " ")
}

func (p *printer) blockTypeText(bt int32) string {
	switch bt {
	case wasm.BlockTypeVoid:
		return ""
	case wasm.BlockTypeI32, wasm.BlockTypeI64, wasm.BlockTypeF32, wasm.BlockTypeF64, wasm.BlockTypeV128:
		return "(result " + blockTypeValType(bt).String() + ")"
	default:
		if bt >= 0 && int(bt) < len(p.mod.Types) {
			return p.funcSig(p.mod.Types[bt])
		}
		return ""
	}
}

func blockTypeValType(bt int32) wasm.ValType {
	switch bt {
	case wasm.BlockTypeI32:
		return wasm.ValI32
	case wasm.BlockTypeI64:
		return wasm.ValI64
	case wasm.BlockTypeF32:
		return wasm.ValF32
	case wasm.BlockTypeF64:
		return wasm.ValF64
	case wasm.BlockTypeV128:
		return wasm.ValV128
	default:
		return wasm.ValI32
	}
}

func memArgText(mnemonic string, imm wasm.MemoryImm, natural uint32) string {
	s := mnemonic
	if imm.Offset != 0 {
		s += " offset=" + strconv.FormatUint(imm.Offset, 10)
	}
	if imm.Align != natural {
		s += " align=" + strconv.FormatUint(1<<imm.Align, 10)
	}
	return s
}

// instrText renders a single flat (non-folded) instruction. Opcodes
// outside the control-flow / numeric / memory / call / variable subset
// return an error: the fragment builder and module editor never emit
// anything else, so a module containing one is outside what this
// printer needs to round-trip.
func (p *printer) instrText(instr wasm.Instruction) (string, error) {
	switch instr.Opcode {
	case wasm.OpUnreachable:
		return "unreachable", nil
	case wasm.OpNop:
		return "nop", nil
	case wasm.OpReturn:
		return "return", nil
	case wasm.OpDrop:
		return "drop", nil
	case wasm.OpSelect:
		return "select", nil
	case wasm.OpSelectType:
		imm := instr.Imm.(wasm.SelectTypeImm)
		parts := make([]string, len(imm.Types))
		for i, t := range imm.Types {
			parts[i] = t.String()
		}
		return "select (result " + strings.Join(parts, " ") + ")", nil

	case wasm.OpBlock:
		return "block " + p.blockTypeText(instr.Imm.(wasm.BlockImm).Type), nil
	case wasm.OpLoop:
		return "loop " + p.blockTypeText(instr.Imm.(wasm.BlockImm).Type), nil
	case wasm.OpIf:
		return "if " + p.blockTypeText(instr.Imm.(wasm.BlockImm).Type), nil
	case wasm.OpElse:
		return "else", nil
	case wasm.OpEnd:
		return "end", nil

	case wasm.OpBr:
		return "br " + fmtU32(instr.Imm.(wasm.BranchImm).LabelIdx), nil
	case wasm.OpBrIf:
		return "br_if " + fmtU32(instr.Imm.(wasm.BranchImm).LabelIdx), nil
	case wasm.OpBrTable:
		imm := instr.Imm.(wasm.BrTableImm)
		parts := make([]string, 0, len(imm.Labels)+1)
		for _, l := range imm.Labels {
			parts = append(parts, fmtU32(l))
		}
		parts = append(parts, fmtU32(imm.Default))
		return "br_table " + strings.Join(parts, " "), nil

	case wasm.OpCall:
		return "call " + p.funcName(instr.Imm.(wasm.CallImm).FuncIdx), nil
	case wasm.OpReturnCall:
		return "return_call " + p.funcName(instr.Imm.(wasm.CallImm).FuncIdx), nil
	case wasm.OpCallIndirect, wasm.OpReturnCallIndirect:
		imm := instr.Imm.(wasm.CallIndirectImm)
		mnem := "call_indirect"
		if instr.Opcode == wasm.OpReturnCallIndirect {
			mnem = "return_call_indirect"
		}
		sig := ""
		if int(imm.TypeIdx) < len(p.mod.Types) {
			sig = p.funcSig(p.mod.Types[imm.TypeIdx])
		}
		return fmt.Sprintf("%s %d %s", mnem, imm.TableIdx, sig), nil

	case wasm.OpLocalGet:
		return "local.get " + fmtU32(instr.Imm.(wasm.LocalImm).LocalIdx), nil
	case wasm.OpLocalSet:
		return "local.set " + fmtU32(instr.Imm.(wasm.LocalImm).LocalIdx), nil
	case wasm.OpLocalTee:
		return "local.tee " + fmtU32(instr.Imm.(wasm.LocalImm).LocalIdx), nil
	case wasm.OpGlobalGet:
		return "global.get " + p.globalName(instr.Imm.(wasm.GlobalImm).GlobalIdx), nil
	case wasm.OpGlobalSet:
		return "global.set " + p.globalName(instr.Imm.(wasm.GlobalImm).GlobalIdx), nil

	case wasm.OpMemorySize:
		return "memory.size", nil
	case wasm.OpMemoryGrow:
		return "memory.grow", nil

	case wasm.OpTableGet:
		return "table.get " + fmtU32(instr.Imm.(wasm.TableImm).TableIdx), nil
	case wasm.OpTableSet:
		return "table.set " + fmtU32(instr.Imm.(wasm.TableImm).TableIdx), nil
	case wasm.OpRefNull:
		return "ref.null " + heapTypeName(instr.Imm.(wasm.RefNullImm).HeapType), nil
	case wasm.OpRefFunc:
		return "ref.func " + p.funcName(instr.Imm.(wasm.RefFuncImm).FuncIdx), nil

	case wasm.OpI32Const:
		return "i32.const " + strconv.FormatInt(int64(instr.Imm.(wasm.I32Imm).Value), 10), nil
	case wasm.OpI64Const:
		return "i64.const " + strconv.FormatInt(instr.Imm.(wasm.I64Imm).Value, 10), nil
	case wasm.OpF32Const:
		return "f32.const " + strconv.FormatFloat(float64(instr.Imm.(wasm.F32Imm).Value), 'g', -1, 32), nil
	case wasm.OpF64Const:
		return "f64.const " + strconv.FormatFloat(instr.Imm.(wasm.F64Imm).Value, 'g', -1, 64), nil
	}

	// Plain arithmetic/comparison/conversion opcodes and bulk-memory ops
	// share a flat name table in the parser's opcode package; reuse it in
	// reverse rather than hand-listing ~120 mnemonics here.
	if name, ok := opcode.Name(instr.Opcode); ok {
		return name, nil
	}
	if name, ok := opcode.MemoryName(instr.Opcode); ok {
		imm := instr.Imm.(wasm.MemoryImm)
		natural := naturalAlign(instr.Opcode)
		return memArgText(name, imm, natural), nil
	}
	if miscImm, ok := instr.Imm.(wasm.MiscImm); ok {
		if name, ok := opcode.PrefixedName(miscImm.SubOpcode); ok {
			parts := []string{name}
			for _, v := range miscImm.Operands {
				parts = append(parts, strconv.FormatUint(uint64(v), 10))
			}
			return strings.Join(parts, " "), nil
		}
	}

	return "", fmt.Errorf("opcode 0x%02x not supported by the printer", instr.Opcode)
}

func fmtU32(v uint32) string {
	return strconv.FormatUint(uint64(v), 10)
}

func heapTypeName(ht int64) string {
	switch ht {
	case -16:
		return "func"
	case -17:
		return "extern"
	default:
		return strconv.FormatInt(ht, 10)
	}
}

func naturalAlign(op byte) uint32 {
	switch op {
	case wasm.OpI32Load, wasm.OpF32Load, wasm.OpI32Store, wasm.OpF32Store,
		wasm.OpI64Load32S, wasm.OpI64Load32U, wasm.OpI64Store32:
		return 2
	case wasm.OpI64Load, wasm.OpF64Load, wasm.OpI64Store, wasm.OpF64Store:
		return 3
	case wasm.OpI32Load16S, wasm.OpI32Load16U, wasm.OpI32Store16,
		wasm.OpI64Load16S, wasm.OpI64Load16U, wasm.OpI64Store16:
		return 1
	default:
		return 0
	}
}
