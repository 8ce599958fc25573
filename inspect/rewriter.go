package inspect

import (
	"fmt"

	werrors "github.com/wasmlab/wabidb/errors"
	"github.com/wasmlab/wabidb/fragment"
	"github.com/wasmlab/wabidb/instrument"
	"github.com/wasmlab/wabidb/stackir"
	"github.com/wasmlab/wabidb/wasm"
)

// Scratch memory layout, relative to the base address __instr_load_data
// snapshots after growing the memory by one page.
const (
	scratchDotOffset      = 0
	scratchFilenameOffset = 1024
	scratchCiovecOffset   = 2048
	scratchWasiOffset     = 3072
	scratchIobufOffset    = 4096

	cacheFilename = "__instr_cache.file"
)

// WASI preview1 path_open literal arguments, per the fixed contract the
// instrumented binary must use to reopen its own cache file.
const (
	wasiDirflags             = 1
	wasiOflagsCreate         = 9 // CREAT (1) | TRUNC (8)
	wasiRightsReadWrite      = 0x42
	wasiFdflags              = 0
	wasiProcExitInspectionOK = 10
	wasiProcExitInternalFail = 12
)

// Rewriter prepares a loaded module for inspection and splices the
// command-specific payload at a chosen instruction. It wraps an
// instrument.Instrumenter already in state Valid.
type Rewriter struct {
	ins *instrument.Instrumenter
}

// NewRewriter wraps an already-loaded Instrumenter.
func NewRewriter(ins *instrument.Instrumenter) *Rewriter {
	return &Rewriter{ins: ins}
}

// wasiImport describes one of the six preview1 imports Prepare wires
// in, by canonical internal name and signature.
type wasiImport struct {
	name   string
	params []wasm.ValType
	result wasm.ValType
}

var wasiImports = []wasiImport{
	{"fd_prestat_get", []wasm.ValType{wasm.ValI32, wasm.ValI32}, wasm.ValI32},
	{"fd_prestat_dir_name", []wasm.ValType{wasm.ValI32, wasm.ValI32, wasm.ValI32}, wasm.ValI32},
	{"path_open", []wasm.ValType{wasm.ValI32, wasm.ValI32, wasm.ValI32, wasm.ValI32, wasm.ValI32, wasm.ValI64, wasm.ValI64, wasm.ValI32, wasm.ValI32}, wasm.ValI32},
	{"fd_write", []wasm.ValType{wasm.ValI32, wasm.ValI32, wasm.ValI32, wasm.ValI32}, wasm.ValI32},
	{"fd_close", []wasm.ValType{wasm.ValI32}, wasm.ValI32},
	{"proc_exit", []wasm.ValType{wasm.ValI32}, 0},
}

var scratchGlobals = []struct {
	name    string
	initial int64
}{
	{"__instr_base_addr", 0},
	{"__instr_wasi_ret_addr", scratchWasiOffset},
	{"__instr_iobuf_addr", scratchIobufOffset},
	{"__instr_iobuf_len", 0},
	{"__instr_fd", 0},
	{"__instr_page_guide", 1024},
}

// Prepare performs the shared, idempotent preparation described in the
// rewriter design: WASI imports, scratch globals, memory headroom,
// passive data segments for "." and the cache filename, and the
// byte-compare / find-cwd-fd / path_open-rw / load-data helpers. It is
// safe to call more than once; every step first checks whether its
// target already exists by name.
func (r *Rewriter) Prepare() error {
	ed := r.ins
	Logger().Sugar().Infof("inspect: preparing WASI imports, scratch globals, and memory headroom")

	for _, imp := range wasiImports {
		if _, err := ed.GetImportByName(imp.name); err == nil {
			continue
		}
		ft := wasm.FuncType{Params: imp.params}
		if imp.result != 0 {
			ft.Results = []wasm.ValType{imp.result}
		}
		if err := ed.AddImportFunction("wasi_snapshot_preview1", imp.name, imp.name, ft); err != nil {
			return werrors.Wrap(werrors.PhaseInstrument, werrors.KindInstrument, err, fmt.Sprintf("prepare: import %s", imp.name))
		}
	}

	for _, g := range scratchGlobals {
		if _, _, err := ed.GetGlobalByName(g.name); err == nil {
			continue
		}
		if err := ed.AddGlobal(g.name, wasm.ValI32, true, g.initial); err != nil {
			return werrors.Wrap(werrors.PhaseInstrument, werrors.KindInstrument, err, fmt.Sprintf("prepare: global %s", g.name))
		}
	}

	if err := r.ensureMemoryHeadroom(); err != nil {
		return err
	}

	if _, _, err := ed.GetDataSegmentByName("__instr_dot"); err != nil {
		if err := ed.AddPassiveDataSegment("__instr_dot", []byte("."), 1); err != nil {
			return werrors.Wrap(werrors.PhaseInstrument, werrors.KindInstrument, err, "prepare: \".\" data segment")
		}
	}
	if _, _, err := ed.GetDataSegmentByName("__instr_filename"); err != nil {
		name := []byte(cacheFilename)
		if err := ed.AddPassiveDataSegment("__instr_filename", name, len(name)); err != nil {
			return werrors.Wrap(werrors.PhaseInstrument, werrors.KindInstrument, err, "prepare: filename data segment")
		}
	}

	if _, _, err := ed.GetFunctionByName("__instr_load_data"); err == nil {
		return nil
	}
	return r.addHelperFunctions()
}

func (r *Rewriter) ensureMemoryHeadroom() error {
	mod := r.ins.Module()
	if len(mod.Memories) == 0 {
		return r.ins.AddMemory("__instr_mem", false, 1, 2)
	}
	mem := &mod.Memories[0]
	needed := mem.Limits.Min + 1
	if mem.Limits.Max == nil || *mem.Limits.Max < needed {
		max := needed
		mem.Limits.Max = &max
	}
	return nil
}

// addHelperFunctions compiles the four shared helpers in one textual
// round trip via add_functions, so __instr_find_cwd_fd can call
// __instr_streq and __instr_path_open_rw without a forward-declare
// dance.
func (r *Rewriter) addHelperFunctions() error {
	names := []string{
		"__instr_streq",
		"__instr_find_cwd_fd",
		"__instr_path_open_rw",
		"__instr_load_data",
	}
	bodies := []string{
		// __instr_streq(aPtr, bPtr, len) -> i32 (1 if equal)
		`(param i32 i32 i32) (result i32)
  (local $i i32)
  (local.set $i (i32.const 0))
  (block $done (result i32)
    (loop $next
      (if (i32.ge_u (local.get $i) (local.get 2))
        (then (return (i32.const 1))))
      (if (i32.ne
            (i32.load8_u (i32.add (local.get 0) (local.get $i)))
            (i32.load8_u (i32.add (local.get 1) (local.get $i))))
        (then (return (i32.const 0))))
      (local.set $i (i32.add (local.get $i) (i32.const 1)))
      (br $next))
    (i32.const 1))`,
		// __instr_find_cwd_fd() -> i32 (fd, or -1 if not found)
		`(result i32)
  (local $fd i32)
  (local.set $fd (i32.const 3))
  (block $done (result i32)
    (loop $next
      (if (i32.ne
            (call $fd_prestat_get (local.get $fd) (i32.add (global.get $__instr_base_addr) (i32.const ` + fmt.Sprint(scratchWasiOffset) + `)))
            (i32.const 0))
        (then (return (i32.const -1))))
      (call $fd_prestat_dir_name
        (local.get $fd)
        (i32.add (global.get $__instr_base_addr) (i32.const ` + fmt.Sprint(scratchFilenameOffset+64) + `))
        (i32.const 8))
      (if (call $__instr_streq
            (i32.add (global.get $__instr_base_addr) (i32.const ` + fmt.Sprint(scratchDotOffset) + `))
            (i32.add (global.get $__instr_base_addr) (i32.const ` + fmt.Sprint(scratchFilenameOffset+64) + `))
            (i32.const 1))
        (then (return (local.get $fd))))
      (local.set $fd (i32.add (local.get $fd) (i32.const 1)))
      (br $next))
    (i32.const -1))`,
		// __instr_path_open_rw(dirFd) -> i32 (opened fd, or -1)
		`(param i32) (result i32)
  (local $ret i32)
  (local.set $ret
    (call $path_open
      (local.get 0)
      (i32.const ` + fmt.Sprint(wasiDirflags) + `)
      (i32.add (global.get $__instr_base_addr) (i32.const ` + fmt.Sprint(scratchFilenameOffset) + `))
      (i32.const ` + fmt.Sprint(len(cacheFilename)) + `)
      (i32.const ` + fmt.Sprint(wasiOflagsCreate) + `)
      (i64.const ` + fmt.Sprint(wasiRightsReadWrite) + `)
      (i64.const ` + fmt.Sprint(wasiRightsReadWrite) + `)
      (i32.const ` + fmt.Sprint(wasiFdflags) + `)
      (i32.add (global.get $__instr_base_addr) (i32.const ` + fmt.Sprint(scratchWasiOffset) + `))))
  (if (i32.ne (local.get $ret) (i32.const 0))
    (then (return (i32.const -1))))
  (i32.load (i32.add (global.get $__instr_base_addr) (i32.const ` + fmt.Sprint(scratchWasiOffset) + `))))`,
		// __instr_load_data() -- growss memory by one page, snapshots the
		// base address, and copies the "." and filename data segments in.
		`
  (global.set $__instr_base_addr
    (i32.mul (memory.grow (i32.const 1)) (i32.const 65536)))
  (memory.init $__instr_dot
    (i32.add (global.get $__instr_base_addr) (i32.const ` + fmt.Sprint(scratchDotOffset) + `))
    (i32.const 0) (i32.const 1))
  (memory.init $__instr_filename
    (i32.add (global.get $__instr_base_addr) (i32.const ` + fmt.Sprint(scratchFilenameOffset) + `))
    (i32.const 0) (i32.const ` + fmt.Sprint(len(cacheFilename)) + `))
  (global.set $__instr_iobuf_addr
    (i32.add (global.get $__instr_base_addr) (i32.const ` + fmt.Sprint(scratchIobufOffset) + `)))
  (global.set $__instr_iobuf_len (i32.const 0))`,
	}
	if err := r.ins.AddFunctions(names, bodies); err != nil {
		return werrors.Wrap(werrors.PhaseInstrument, werrors.KindInstrument, err, "prepare: helper functions")
	}
	return r.addEpilogueHelper()
}

// addEpilogueHelper adds __instr_finish, the common epilogue every
// command-specific splice calls after writing its payload: build the
// ciovec, find the CWD fd, open the cache file, write, close, exit.
func (r *Rewriter) addEpilogueHelper() error {
	body := `
  (local $dirfd i32)
  (local $fd i32)
  (i32.store
    (i32.add (global.get $__instr_base_addr) (i32.const ` + fmt.Sprint(scratchCiovecOffset) + `))
    (global.get $__instr_iobuf_addr))
  (i32.store
    (i32.add (global.get $__instr_base_addr) (i32.const ` + fmt.Sprint(scratchCiovecOffset+4) + `))
    (global.get $__instr_iobuf_len))
  (local.set $dirfd (call $__instr_find_cwd_fd))
  (if (i32.lt_s (local.get $dirfd) (i32.const 0))
    (then (call $proc_exit (i32.const ` + fmt.Sprint(wasiProcExitInternalFail) + `))))
  (local.set $fd (call $__instr_path_open_rw (local.get $dirfd)))
  (if (i32.lt_s (local.get $fd) (i32.const 0))
    (then (call $proc_exit (i32.const ` + fmt.Sprint(wasiProcExitInternalFail) + `))))
  (global.set $__instr_fd (local.get $fd))
  (if (i32.ne
        (call $fd_write
          (global.get $__instr_fd)
          (i32.add (global.get $__instr_base_addr) (i32.const ` + fmt.Sprint(scratchCiovecOffset) + `))
          (i32.const 1)
          (i32.add (global.get $__instr_base_addr) (i32.const ` + fmt.Sprint(scratchWasiOffset) + `)))
        (i32.const 0))
    (then (call $proc_exit (i32.const ` + fmt.Sprint(wasiProcExitInternalFail) + `))))
  (drop (call $fd_close (global.get $__instr_fd)))
  (call $proc_exit (i32.const ` + fmt.Sprint(wasiProcExitInspectionOK) + `))`
	return r.ins.AddFunctions([]string{"__instr_finish"}, []string{body})
}

// numericWidth reports the natural byte width a value write sequence
// advances __instr_iobuf_len by, for the supported numeric types.
func numericWidth(t wasm.ValType) (int, bool) {
	switch t {
	case wasm.ValI32, wasm.ValF32:
		return 4, true
	case wasm.ValI64, wasm.ValF64:
		return 8, true
	case wasm.ValV128:
		return 16, true
	default:
		return 0, false
	}
}

// writeValueText returns the flat WAT instructions that append the
// value produced by pushText (an expression pushing the value onto the
// operand stack) to the I/O buffer at iobuf_addr+iobuf_len, and advance
// iobuf_len by the type's width.
func writeValueText(t wasm.ValType, pushText string) ([]string, error) {
	w, ok := numericWidth(t)
	if !ok {
		return nil, werrors.Unsupported(werrors.PhaseInstrument, fmt.Sprintf("inspection payload: type %s is not numeric", t.String()))
	}
	storeOp := map[wasm.ValType]string{
		wasm.ValI32: "i32.store", wasm.ValI64: "i64.store",
		wasm.ValF32: "f32.store", wasm.ValF64: "f64.store",
		wasm.ValV128: "v128.store",
	}[t]
	return []string{
		// __instr_iobuf_addr is already an absolute address (computed
		// from __instr_base_addr once, in __instr_load_data): only
		// __instr_iobuf_len, the running offset into it, is added here.
		"global.get $__instr_iobuf_addr",
		"global.get $__instr_iobuf_len",
		"i32.add",
		pushText,
		storeOp,
		"global.get $__instr_iobuf_len",
		fmt.Sprintf("i32.const %d", w),
		"i32.add",
		"global.set $__instr_iobuf_len",
	}, nil
}

// NamedValue is one local or global the driver wants dumped, paired
// with the textual expression that reads its current value.
type NamedValue struct {
	Name     string
	Type     wasm.ValType
	ReadExpr string // e.g. "local.get 2" or "global.get $counter"
}

// SpliceValues splices, at the given 1-based position inside funcName,
// a call to __instr_load_data, a write sequence per value in vars, and
// a closing call to __instr_finish. Used for both the "locals" and
// "globals" commands; the caller decides which set of NamedValues to
// pass.
func (r *Rewriter) SpliceValues(funcName string, pos int, vars []NamedValue) error {
	if err := r.Prepare(); err != nil {
		return err
	}
	var instrs []string
	instrs = append(instrs, "call $__instr_load_data")
	for _, v := range vars {
		seq, err := writeValueText(v.Type, v.ReadExpr)
		if err != nil {
			return err
		}
		instrs = append(instrs, seq...)
	}
	instrs = append(instrs, "call $__instr_finish")

	op := instrument.Operation{Post: fragment.Fragment{Instructions: instrs}}
	return r.ins.InstrumentFunction(op, funcName, pos)
}

// SpliceBacktrace instruments every in-scope defined function so every
// call/call_indirect writes its callee index (or -2 for an unresolved
// indirect target) before the call and a -1 pop marker after it. Only
// calls before the inspection line are hooked in the inspection
// function itself; every call in every other in-scope function is
// hooked regardless of position. It also ensures __instr_load_data
// runs once at startup, either by splicing it into the existing start
// function or by installing it as the module's start function.
func (r *Rewriter) SpliceBacktrace(funcName string, pos int, scope []string) error {
	if err := r.Prepare(); err != nil {
		return err
	}
	if err := r.ensureLoadDataRunsAtStart(); err != nil {
		return err
	}

	mod := r.ins.Module()
	inScope := func(name string) bool {
		if len(scope) == 0 {
			return true
		}
		for _, s := range scope {
			if s == name {
				return true
			}
		}
		return false
	}

	names, err := mod.NameSection()
	if err != nil {
		return werrors.Wrap(werrors.PhaseInstrument, werrors.KindInstrument, err, "backtrace: read name section")
	}
	numImported := uint32(mod.NumImportedFuncs())

	for i := range mod.Code {
		idx := numImported + uint32(i)
		name := ""
		if names != nil {
			name = names.Functions[idx]
		}
		if !inScope(name) {
			continue
		}
		limit := -1
		if name == funcName {
			limit = pos
		}
		if err := r.spliceCallSitesInFunction(&mod.Code[i], limit); err != nil {
			return werrors.Wrap(werrors.PhaseInstrument, werrors.KindInstrument, err, fmt.Sprintf("backtrace: function %s", name))
		}
	}

	if err := mod.Validate(); err != nil {
		return werrors.Wrap(werrors.PhaseValidate, werrors.KindValidate, err, "backtrace: validate module after splice")
	}
	return nil
}

// spliceCallSitesInFunction hooks every call/call_indirect in body, up
// to the limit-th instruction when limit >= 0 (the inspection function
// case), or every call when limit < 0.
func (r *Rewriter) spliceCallSitesInFunction(body *wasm.FuncBody, limit int) error {
	instrs, err := wasm.DecodeInstructions(body.Code)
	if err != nil {
		return err
	}
	list := stackir.MakeStackInst(instrs, r.ins.Module())

	type site struct {
		node       *stackir.Node
		calleeText string
	}
	var sites []site
	i := 0
	stackir.IterInstructions(list, func(n *stackir.Node) {
		i++
		if limit >= 0 && i > limit {
			return
		}
		switch n.Instr.Opcode {
		case wasm.OpCall:
			idx := n.Instr.Imm.(wasm.CallImm).FuncIdx
			sites = append(sites, site{node: n, calleeText: fmt.Sprintf("i32.const %d", idx)})
		case wasm.OpCallIndirect:
			sites = append(sites, site{node: n, calleeText: "i32.const -2"})
		}
	})
	if len(sites) == 0 {
		return nil
	}

	ops := make([]fragment.Operation, len(sites))
	for i, s := range sites {
		preSeq, err := writeValueText(wasm.ValI32, s.calleeText)
		if err != nil {
			return err
		}
		postSeq, err := writeValueText(wasm.ValI32, "i32.const -1")
		if err != nil {
			return err
		}
		ops[i] = fragment.Operation{
			Pre:  fragment.Fragment{Instructions: preSeq},
			Post: fragment.Fragment{Instructions: postSeq},
		}
	}
	compiled, err := fragment.Build(r.ins.Module(), ops)
	if err != nil {
		return err
	}
	for i, s := range sites {
		list.SpliceBefore(s.node, compiled[i].Pre)
		list.SpliceAfter(s.node, compiled[i].Post)
	}

	body.Code = wasm.EncodeInstructions(list.ToSlice())
	return nil
}

func (r *Rewriter) ensureLoadDataRunsAtStart() error {
	mod := r.ins.Module()
	startIdx, hasStart := func() (uint32, bool) {
		if mod.Start == nil {
			return 0, false
		}
		return *mod.Start, true
	}()
	loadIdx, _, err := r.ins.GetFunctionByName("__instr_load_data")
	if err != nil {
		return err
	}
	if !hasStart {
		mod.Start = &loadIdx
		return nil
	}
	if startIdx == loadIdx {
		return nil
	}
	op := instrument.Operation{Post: fragment.Fragment{Instructions: []string{"call $__instr_load_data"}}}
	return r.ins.InstrumentFunction(op, startFunctionName(mod, startIdx), 0)
}

func startFunctionName(mod *wasm.Module, idx uint32) string {
	names, _ := mod.NameSection()
	if names != nil {
		if n, ok := names.Functions[idx]; ok {
			return n
		}
	}
	return ""
}
