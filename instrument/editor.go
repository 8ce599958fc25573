package instrument

import (
	"fmt"
	"strings"

	werrors "github.com/wasmlab/wabidb/errors"
	"github.com/wasmlab/wabidb/wasm"
	"github.com/wasmlab/wabidb/wat"
)

// maxMemoryPages is the implementation ceiling add_memory clamps
// max_pages to, matching the 32-bit memory address space wazero and
// the wasm spec both cap memories at.
const maxMemoryPages = 65536

// AddGlobal appends a new global of the given type, mutability and
// initial value, registering name in the name section. Duplicate
// names are rejected.
func (ed *Instrumenter) AddGlobal(name string, t wasm.ValType, mutable bool, initial int64) error {
	if err := ed.requireLoaded("add_global"); err != nil {
		return err
	}
	if _, _, err := ed.findGlobalByName(name); err == nil {
		return werrors.InvalidInput(werrors.PhaseInstrument, fmt.Sprintf("global %q already exists", name))
	}
	init, err := encodeConstInit(t, initial)
	if err != nil {
		return err
	}
	idx := uint32(len(ed.mod.Globals))
	ed.mod.Globals = append(ed.mod.Globals, wasm.Global{
		Type: wasm.GlobalType{ValType: t, Mutable: mutable},
		Init: init,
	})
	ed.renameGlobal(idx, name)
	return nil
}

func encodeConstInit(t wasm.ValType, v int64) ([]byte, error) {
	var instr wasm.Instruction
	switch t {
	case wasm.ValI32:
		instr = wasm.Instruction{Opcode: wasm.OpI32Const, Imm: wasm.I32Imm{Value: int32(v)}}
	case wasm.ValI64:
		instr = wasm.Instruction{Opcode: wasm.OpI64Const, Imm: wasm.I64Imm{Value: v}}
	case wasm.ValF32:
		instr = wasm.Instruction{Opcode: wasm.OpF32Const, Imm: wasm.F32Imm{Value: float32(v)}}
	case wasm.ValF64:
		instr = wasm.Instruction{Opcode: wasm.OpF64Const, Imm: wasm.F64Imm{Value: float64(v)}}
	default:
		return nil, werrors.Unsupported(werrors.PhaseInstrument, fmt.Sprintf("add_global: initializer for type %s", t.String()))
	}
	body := wasm.EncodeInstructions([]wasm.Instruction{instr, {Opcode: wasm.OpEnd}})
	return body, nil
}

// AddFunctions compiles all of bodies in one textual round-trip,
// resolving forward references among them (a function earlier in the
// list may call one later in the list), and appends the result as new
// defined functions named by names. On parse or validate failure it
// runs the same backup/restore dance as the fragment builder and
// leaves the module untouched.
func (ed *Instrumenter) AddFunctions(names []string, bodiesAsText []string) error {
	if err := ed.requireLoaded("add_functions"); err != nil {
		return err
	}
	if len(names) != len(bodiesAsText) {
		return werrors.InvalidInput(werrors.PhaseInstrument, "add_functions: names and bodies length mismatch")
	}
	if len(names) == 0 {
		return nil
	}
	for _, name := range names {
		if _, _, err := ed.findFunctionByName(name); err == nil {
			return werrors.InvalidInput(werrors.PhaseInstrument, fmt.Sprintf("add_functions: function %q already exists", name))
		}
	}

	backup, err := wat.Print(ed.mod)
	if err != nil {
		return werrors.Wrap(werrors.PhaseInstrument, werrors.KindGeneration, err, "print host module for add_functions")
	}

	var synth strings.Builder
	for i, name := range names {
		synth.WriteString("  (func $")
		synth.WriteString(name)
		synth.WriteString("\n")
		synth.WriteString(bodiesAsText[i])
		synth.WriteString("\n  )\n")
	}

	text := backup
	closeParen := strings.LastIndexByte(text, ')')
	if closeParen < 0 {
		return werrors.InvalidData(werrors.PhaseInstrument, nil, "printed module has no closing paren")
	}
	text = text[:closeParen] + synth.String() + text[closeParen:]

	bin, err := wat.Compile(text)
	if err != nil {
		return recoverEdit(ed.mod, backup, err)
	}
	fresh, err := wasm.ParseModuleValidate(bin)
	if err != nil {
		return recoverEdit(ed.mod, backup, err)
	}

	ns, _ := fresh.NameSection()
	if ns == nil {
		ns = &wasm.NameSection{Functions: map[uint32]string{}}
	}
	numImported := uint32(fresh.NumImportedFuncs())
	originalDefined := len(fresh.Code) - len(names)
	for i, name := range names {
		ns.Functions[numImported+uint32(originalDefined+i)] = name
	}
	fresh.SetNameSection(ns)

	*ed.mod = *fresh
	return nil
}

func recoverEdit(mod *wasm.Module, backup string, cause error) error {
	bin, err := wat.Compile(backup)
	if err != nil {
		return werrors.Wrap(werrors.PhaseInstrument, werrors.KindGeneration, err, "module lost: backup text failed to recompile after edit failure")
	}
	restored, err := wasm.ParseModuleValidate(bin)
	if err != nil {
		return werrors.Wrap(werrors.PhaseInstrument, werrors.KindGeneration, err, "module lost: backup text failed to re-parse after edit failure")
	}
	*mod = *restored
	return werrors.Wrap(werrors.PhaseInstrument, werrors.KindGeneration, cause, "edit text failed to compile; host module restored from backup")
}

// AddMemory appends a new memory, refusing a second memory unless
// EnableMultiMemory is set, and clamping maxPages to maxMemoryPages.
func (ed *Instrumenter) AddMemory(name string, shared bool, initialPages, maxPages uint64) error {
	if err := ed.requireLoaded("add_memory"); err != nil {
		return err
	}
	if err := ed.guardSingleMemory(); err != nil {
		return err
	}
	if maxPages > maxMemoryPages {
		maxPages = maxMemoryPages
	}
	idx := uint32(len(ed.mod.Memories))
	ed.mod.Memories = append(ed.mod.Memories, wasm.MemoryType{
		Limits: wasm.Limits{Min: initialPages, Max: &maxPages, Shared: shared},
	})
	ed.renameMemory(idx, name)
	return nil
}

func (ed *Instrumenter) guardSingleMemory() error {
	if ed.cfg.EnableMultiMemory {
		return nil
	}
	if len(ed.mod.Memories)+ed.mod.NumImportedMemories() > 0 {
		return werrors.New(werrors.PhaseInstrument, werrors.KindInstrument).
			Detail("add_memory: module already has a memory and multi-memory is disabled").Build()
	}
	return nil
}

// AddPassiveDataSegment appends a passive data segment holding data
// (truncated/padded is never done: length must equal len(data)).
func (ed *Instrumenter) AddPassiveDataSegment(name string, data []byte, length int) error {
	if err := ed.requireLoaded("add_passive_data_segment"); err != nil {
		return err
	}
	if length != len(data) {
		return werrors.InvalidInput(werrors.PhaseInstrument, "add_passive_data_segment: length does not match data")
	}
	idx := uint32(len(ed.mod.Data))
	ed.mod.Data = append(ed.mod.Data, wasm.DataSegment{Flags: 1, Init: data})
	ed.renameDataSeg(idx, name)
	return nil
}

// AddImportFunction registers a new function import of type ft.
func (ed *Instrumenter) AddImportFunction(module, field, name string, ft wasm.FuncType) error {
	if err := ed.requireLoaded("add_import_function"); err != nil {
		return err
	}
	typeIdx := ed.mod.AddType(ft)
	ed.mod.Imports = append(ed.mod.Imports, wasm.Import{
		Module: module, Name: field,
		Desc: wasm.ImportDesc{Kind: wasm.KindFunc, TypeIdx: typeIdx},
	})
	idx := uint32(ed.mod.NumImportedFuncs() - 1)
	ed.renameFunction(idx, name)
	return nil
}

// AddImportGlobal registers a new global import.
func (ed *Instrumenter) AddImportGlobal(module, field, name string, t wasm.ValType, mutable bool) error {
	if err := ed.requireLoaded("add_import_global"); err != nil {
		return err
	}
	ed.mod.Imports = append(ed.mod.Imports, wasm.Import{
		Module: module, Name: field,
		Desc: wasm.ImportDesc{Kind: wasm.KindGlobal, Global: &wasm.GlobalType{ValType: t, Mutable: mutable}},
	})
	idx := uint32(ed.mod.NumImportedGlobals() - 1)
	ed.renameGlobal(idx, name)
	return nil
}

// AddImportMemory registers a new memory import, subject to the same
// multi-memory guard as AddMemory.
func (ed *Instrumenter) AddImportMemory(module, field, name string, shared bool, initialPages, maxPages uint64) error {
	if err := ed.requireLoaded("add_import_memory"); err != nil {
		return err
	}
	if err := ed.guardSingleMemory(); err != nil {
		return err
	}
	if maxPages > maxMemoryPages {
		maxPages = maxMemoryPages
	}
	ed.mod.Imports = append(ed.mod.Imports, wasm.Import{
		Module: module, Name: field,
		Desc: wasm.ImportDesc{Kind: wasm.KindMemory, Memory: &wasm.MemoryType{
			Limits: wasm.Limits{Min: initialPages, Max: &maxPages, Shared: shared},
		}},
	})
	idx := uint32(ed.mod.NumImportedMemories() - 1)
	ed.renameMemory(idx, name)
	return nil
}

// AddExport exports an existing module entry under externalName.
// kind is one of wasm.KindFunc/KindTable/KindMemory/KindGlobal/KindTag.
func (ed *Instrumenter) AddExport(kind byte, internalName, externalName string) error {
	if err := ed.requireLoaded("add_export"); err != nil {
		return err
	}
	var idx uint32
	var err error
	switch kind {
	case wasm.KindFunc:
		idx, _, err = ed.findFunctionByName(internalName)
	case wasm.KindGlobal:
		idx, _, err = ed.findGlobalByName(internalName)
	case wasm.KindMemory:
		idx, err = ed.findMemoryByName(internalName)
	default:
		return werrors.Unsupported(werrors.PhaseInstrument, fmt.Sprintf("add_export: kind %d", kind))
	}
	if err != nil {
		return err
	}
	ed.mod.Exports = append(ed.mod.Exports, wasm.Export{Name: externalName, Kind: kind, Idx: idx})
	return nil
}

// GetGlobalByName returns the index and definition of a global
// registered under name in the name section.
func (ed *Instrumenter) GetGlobalByName(name string) (uint32, *wasm.Global, error) {
	return ed.findGlobalByName(name)
}

// GetFunctionByName returns the index and body of a defined function
// registered under name.
func (ed *Instrumenter) GetFunctionByName(name string) (uint32, *wasm.FuncBody, error) {
	return ed.findFunctionByName(name)
}

// GetMemoryByName returns the index of a memory registered under name.
func (ed *Instrumenter) GetMemoryByName(name string) (uint32, error) {
	return ed.findMemoryByName(name)
}

// GetDataSegmentByName returns the index of a passive data segment
// registered under name.
func (ed *Instrumenter) GetDataSegmentByName(name string) (uint32, *wasm.DataSegment, error) {
	names, err := ed.mod.NameSection()
	if err != nil {
		return 0, nil, werrors.Wrap(werrors.PhaseInstrument, werrors.KindInstrument, err, "read name section")
	}
	if names != nil {
		for idx, n := range names.DataSegs {
			if n == name && int(idx) < len(ed.mod.Data) {
				return idx, &ed.mod.Data[idx], nil
			}
		}
	}
	return 0, nil, werrors.NotFound(werrors.PhaseInstrument, "data segment", name)
}

// GetExportByName returns the export entry registered under name.
func (ed *Instrumenter) GetExportByName(name string) (*wasm.Export, error) {
	for i := range ed.mod.Exports {
		if ed.mod.Exports[i].Name == name {
			return &ed.mod.Exports[i], nil
		}
	}
	return nil, werrors.NotFound(werrors.PhaseInstrument, "export", name)
}

// GetImportByName searches every import vector for an entry whose
// field name matches the given base name, regardless of which module
// it was imported from.
func (ed *Instrumenter) GetImportByName(name string) (*wasm.Import, error) {
	for i := range ed.mod.Imports {
		if ed.mod.Imports[i].Name == name {
			return &ed.mod.Imports[i], nil
		}
	}
	return nil, werrors.NotFound(werrors.PhaseInstrument, "import", name)
}

// GetStartFunction returns the index of the function exported as
// "_start", or ok=false if no such export exists.
func (ed *Instrumenter) GetStartFunction() (uint32, bool) {
	for _, exp := range ed.mod.Exports {
		if exp.Name == "_start" && exp.Kind == wasm.KindFunc {
			return exp.Idx, true
		}
	}
	return 0, false
}

func (ed *Instrumenter) findGlobalByName(name string) (uint32, *wasm.Global, error) {
	names, err := ed.mod.NameSection()
	if err != nil {
		return 0, nil, werrors.Wrap(werrors.PhaseInstrument, werrors.KindInstrument, err, "read name section")
	}
	numImported := uint32(ed.mod.NumImportedGlobals())
	if names != nil {
		for idx, n := range names.Globals {
			if n == name && idx >= numImported && int(idx-numImported) < len(ed.mod.Globals) {
				return idx, &ed.mod.Globals[idx-numImported], nil
			}
		}
	}
	return 0, nil, werrors.NotFound(werrors.PhaseInstrument, "global", name)
}

func (ed *Instrumenter) findMemoryByName(name string) (uint32, error) {
	names, err := ed.mod.NameSection()
	if err != nil {
		return 0, werrors.Wrap(werrors.PhaseInstrument, werrors.KindInstrument, err, "read name section")
	}
	if names != nil {
		for idx, n := range names.Memories {
			if n == name {
				return idx, nil
			}
		}
	}
	return 0, werrors.NotFound(werrors.PhaseInstrument, "memory", name)
}

func (ed *Instrumenter) renameGlobal(idx uint32, name string) {
	ed.renameInto(func(ns *wasm.NameSection) { ns.Globals[idx] = name })
}

func (ed *Instrumenter) renameMemory(idx uint32, name string) {
	ed.renameInto(func(ns *wasm.NameSection) { ns.Memories[idx] = name })
}

func (ed *Instrumenter) renameDataSeg(idx uint32, name string) {
	ed.renameInto(func(ns *wasm.NameSection) { ns.DataSegs[idx] = name })
}

func (ed *Instrumenter) renameFunction(idx uint32, name string) {
	ed.renameInto(func(ns *wasm.NameSection) { ns.Functions[idx] = name })
}

func (ed *Instrumenter) renameInto(set func(ns *wasm.NameSection)) {
	ns, _ := ed.mod.NameSection()
	if ns == nil {
		ns = &wasm.NameSection{
			Functions: map[uint32]string{},
			Memories:  map[uint32]string{},
			Globals:   map[uint32]string{},
			DataSegs:  map[uint32]string{},
		}
	}
	if ns.Functions == nil {
		ns.Functions = map[uint32]string{}
	}
	if ns.Memories == nil {
		ns.Memories = map[uint32]string{}
	}
	if ns.Globals == nil {
		ns.Globals = map[uint32]string{}
	}
	if ns.DataSegs == nil {
		ns.DataSegs = map[uint32]string{}
	}
	set(ns)
	ed.mod.SetNameSection(ns)
}

// resolveFunctionName names a function by absolute index idx,
// preferring the name section, falling back to an export name, and
// finally a synthetic $funcN -- the same precedence GetFunctionByName's
// callers rely on elsewhere, so every name handed out here is
// guaranteed to resolve back to its function.
func (ed *Instrumenter) resolveFunctionName(idx uint32) string {
	names, _ := ed.mod.NameSection()
	if names != nil {
		if n := names.Functions[idx]; n != "" {
			return n
		}
	}
	for _, exp := range ed.mod.Exports {
		if exp.Kind == wasm.KindFunc && exp.Idx == idx {
			return exp.Name
		}
	}
	return fmt.Sprintf("$func%d", idx)
}

// allDefinedFunctionNames resolves a name for every defined (non-
// imported) function via resolveFunctionName.
func (ed *Instrumenter) allDefinedFunctionNames() []string {
	numImported := uint32(ed.mod.NumImportedFuncs())
	out := make([]string, 0, len(ed.mod.Code))
	for i := range ed.mod.Code {
		out = append(out, ed.resolveFunctionName(numImported+uint32(i)))
	}
	return out
}

// resetScope populates the scope with every defined function's name,
// the default scope SetConfig establishes and ScopeClear restores.
func (ed *Instrumenter) resetScope() {
	names := ed.allDefinedFunctionNames()
	ed.scope = make(map[string]struct{}, len(names))
	for _, name := range names {
		ed.scope[name] = struct{}{}
	}
}

// ScopeAdd adds name to the instrumenter's function scope, the set of
// functions generic Instrument traversal is restricted to.
func (ed *Instrumenter) ScopeAdd(name string) {
	if ed.scope == nil {
		ed.scope = map[string]struct{}{}
	}
	ed.scope[name] = struct{}{}
}

// ScopeRemove removes name from the scope, if present.
func (ed *Instrumenter) ScopeRemove(name string) {
	delete(ed.scope, name)
}

// ScopeContains reports whether name is in the scope.
func (ed *Instrumenter) ScopeContains(name string) bool {
	_, ok := ed.scope[name]
	return ok
}

// ScopeClear restores the default scope: every defined function.
func (ed *Instrumenter) ScopeClear() {
	ed.resetScope()
}

// GetScope returns the scoped function names, in no particular order.
func (ed *Instrumenter) GetScope() []string {
	out := make([]string, 0, len(ed.scope))
	for name := range ed.scope {
		out = append(out, name)
	}
	return out
}
