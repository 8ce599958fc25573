// Package instrument drives the instrumenter lifecycle: load a module,
// match stack-IR instructions against caller-supplied target patterns
// and splice compiled fragments around them, then write the edited
// binary back out. It follows the teacher's engine.Instance lifecycle
// shape (explicit state field, config-gated construction, no implicit
// re-entry) rather than hiding state behind a constructor-only API.
package instrument

import (
	"fmt"
	"os"

	werrors "github.com/wasmlab/wabidb/errors"
	"github.com/wasmlab/wabidb/fragment"
	"github.com/wasmlab/wabidb/stackir"
	"github.com/wasmlab/wabidb/wasm"
)

// State is the Instrumenter's lifecycle position. Operations attempted
// from the wrong state return invalid_state rather than panicking or
// silently no-opping.
type State int

const (
	Idle State = iota
	Valid
	Written
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Valid:
		return "valid"
	case Written:
		return "written"
	default:
		return "unknown"
	}
}

// Operation pairs a fragment.Operation with the stack-IR target
// patterns it should be spliced around. Pre is inserted before each
// matching instruction, Post after it.
type Operation struct {
	Targets []stackir.Target
	Pre     fragment.Fragment
	Post    fragment.Fragment
}

// Instrumenter holds one loaded module and its edit/write lifecycle.
// It is not safe for concurrent use.
type Instrumenter struct {
	cfg   Config
	state State
	mod   *wasm.Module
	scope map[string]struct{}
}

// New returns an Instrumenter in the Idle state.
func New() *Instrumenter {
	return &Instrumenter{state: Idle}
}

// State reports the current lifecycle state.
func (ins *Instrumenter) State() State { return ins.state }

// SetConfig opens cfg.Filename, parses and validates it, and moves the
// Instrumenter from Idle to Valid. Calling it from any other state is
// an invalid_state error; callers must Clear first.
func (ins *Instrumenter) SetConfig(cfg Config) error {
	if ins.state != Idle {
		return werrors.New(werrors.PhaseState, werrors.KindInvalidState).
			Detail("set_config called in state %s, want idle", ins.state).Build()
	}
	if cfg.Filename == "" || cfg.OutputPath == "" {
		return werrors.New(werrors.PhaseConfig, werrors.KindConfigError).
			Detail("config requires both Filename and OutputPath").Build()
	}
	data, err := os.ReadFile(cfg.Filename)
	if err != nil {
		return werrors.Wrap(werrors.PhaseConfig, werrors.KindOpenModule, err, fmt.Sprintf("open %s", cfg.Filename))
	}
	mod, err := wasm.ParseModuleValidate(data)
	if err != nil {
		return werrors.Wrap(werrors.PhaseConfig, werrors.KindOpenModule, err, fmt.Sprintf("parse %s", cfg.Filename))
	}
	ins.cfg = cfg
	ins.mod = mod
	ins.state = Valid
	ins.resetScope()
	Logger().Sugar().Infof("instrumenter: loaded %s (%d functions)", cfg.Filename, len(mod.Code))
	return nil
}

// Clear discards the loaded module and returns to Idle, regardless of
// the current state.
func (ins *Instrumenter) Clear() {
	ins.mod = nil
	ins.cfg = Config{}
	ins.state = Idle
	ins.scope = nil
}

// Module exposes the loaded module to the editor helpers in this
// package. Valid only in states Valid/Written.
func (ins *Instrumenter) Module() *wasm.Module { return ins.mod }

func (ins *Instrumenter) requireLoaded(op string) error {
	if ins.state != Valid && ins.state != Written {
		return werrors.New(werrors.PhaseState, werrors.KindInvalidState).
			Detail("%s called in state %s, want valid or written", op, ins.state).Build()
	}
	return nil
}

// Instrument compiles every operation's pre/post fragments once, then
// walks every defined function's stack-IR in module order, testing
// each instruction against every operation's target list in caller
// order. On the first target pattern an instruction satisfies, the
// corresponding pre fragment is spliced immediately before it and the
// post fragment immediately after; the matched instruction itself is
// left untouched and is never re-tested against a later operation.
// Freshly spliced instructions are never revisited, since the
// traversal captures each node's successor before invoking further
// splices (stackir.IterInstructions).
//
// The edited module is validated once, after every function has been
// walked. A validation failure is returned but the edits are NOT
// rolled back: the module is left in its edited, invalid state for the
// caller to inspect.
func (ins *Instrumenter) Instrument(operations []Operation) error {
	if err := ins.requireLoaded("instrument"); err != nil {
		return err
	}
	if len(operations) == 0 {
		return nil
	}

	fragOps := make([]fragment.Operation, len(operations))
	for i, op := range operations {
		fragOps[i] = fragment.Operation{Pre: op.Pre, Post: op.Post}
	}
	compiled, err := fragment.Build(ins.mod, fragOps)
	if err != nil {
		return err
	}

	err = stackir.IterDefinedFunctions(ins.mod, func(df stackir.DefinedFunction) error {
		if _, in := ins.scope[ins.resolveFunctionName(df.Index)]; !in {
			return nil
		}
		instrs, err := wasm.DecodeInstructions(df.Body.Code)
		if err != nil {
			return werrors.Wrap(werrors.PhaseInstrument, werrors.KindInstrument, err, fmt.Sprintf("decode function %d", df.Index))
		}
		list := stackir.MakeStackInst(instrs, ins.mod)

		stackir.IterInstructions(list, func(n *stackir.Node) {
			for i, op := range operations {
				if _, ok := stackir.MatchAny(n, op.Targets); ok {
					if len(compiled[i].Pre) > 0 {
						list.SpliceBefore(n, compiled[i].Pre)
					}
					if len(compiled[i].Post) > 0 {
						list.SpliceAfter(n, compiled[i].Post)
					}
					break
				}
			}
		})

		df.Body.Code = wasm.EncodeInstructions(list.ToSlice())
		return nil
	})
	if err != nil {
		return err
	}

	if err := ins.mod.Validate(); err != nil {
		return werrors.Wrap(werrors.PhaseValidate, werrors.KindValidate, err, "validate module after instrument")
	}
	return nil
}

// InstrumentFunction splices only op.Post's compiled fragment into the
// named function's stack-IR at a fixed position, ignoring op.Targets
// and op.Pre entirely: this is a positional edit, not a pattern match.
// pos is 1-based and reads as "insert after this many existing
// instructions"; pos=0 inserts before everything. Valid range is
// 0 <= pos <= len(stack-IR); anything else is an instrument_error.
//
// Unlike Instrument, this validates the module after every call, not
// once at the end -- kept asymmetric deliberately, matching a single
// targeted edit's narrower blast radius.
func (ins *Instrumenter) InstrumentFunction(op Operation, name string, pos int) error {
	if err := ins.requireLoaded("instrument_function"); err != nil {
		return err
	}

	idx, body, err := ins.findFunctionByName(name)
	if err != nil {
		return err
	}

	compiled, err := fragment.Build(ins.mod, []fragment.Operation{{Pre: op.Pre, Post: op.Post}})
	if err != nil {
		return err
	}
	post := compiled[0].Post

	instrs, err := wasm.DecodeInstructions(body.Code)
	if err != nil {
		return werrors.Wrap(werrors.PhaseInstrument, werrors.KindInstrument, err, fmt.Sprintf("decode function %d", idx))
	}
	list := stackir.MakeStackInst(instrs, ins.mod)

	if pos < 0 || pos > list.Len() {
		return werrors.New(werrors.PhaseInstrument, werrors.KindInstrument).
			Detail("instrument_function: position %d out of range [0, %d] for %s", pos, list.Len(), name).Build()
	}
	if err := list.InsertAt(pos, post); err != nil {
		return werrors.Wrap(werrors.PhaseInstrument, werrors.KindInstrument, err, "splice post fragment")
	}

	body.Code = wasm.EncodeInstructions(list.ToSlice())

	if err := ins.mod.Validate(); err != nil {
		return werrors.Wrap(werrors.PhaseValidate, werrors.KindValidate, err, fmt.Sprintf("validate module after instrument_function on %s", name))
	}
	return nil
}

func (ins *Instrumenter) findFunctionByName(name string) (uint32, *wasm.FuncBody, error) {
	names, err := ins.mod.NameSection()
	if err != nil {
		return 0, nil, werrors.Wrap(werrors.PhaseInstrument, werrors.KindInstrument, err, "read name section")
	}
	numImported := uint32(ins.mod.NumImportedFuncs())
	if names != nil {
		for idx, n := range names.Functions {
			if n == name && idx >= numImported {
				return idx, &ins.mod.Code[idx-numImported], nil
			}
		}
	}
	for _, exp := range ins.mod.Exports {
		if exp.Name == name && exp.Kind == wasm.KindFunc && exp.Idx >= numImported {
			return exp.Idx, &ins.mod.Code[exp.Idx-numImported], nil
		}
	}
	return 0, nil, werrors.NotFound(werrors.PhaseInstrument, "function", name)
}

// WriteBinary encodes the current module and writes it to
// cfg.OutputPath, moving the Instrumenter to Written. Valid from
// either Valid or Written (re-writing is allowed).
func (ins *Instrumenter) WriteBinary() error {
	if err := ins.requireLoaded("write_binary"); err != nil {
		return err
	}
	bin := ins.mod.Encode()
	if err := os.WriteFile(ins.cfg.OutputPath, bin, 0o644); err != nil {
		return werrors.Wrap(werrors.PhaseInstrument, werrors.KindInstrument, err, fmt.Sprintf("write %s", ins.cfg.OutputPath))
	}
	ins.state = Written
	Logger().Sugar().Infof("instrumenter: wrote %s (%d bytes)", ins.cfg.OutputPath, len(bin))
	return nil
}
