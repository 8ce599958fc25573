// Package fragment turns batches of textual wasm instruction fragments
// into compiled stack-IR, ready for the instrumenter to splice. It
// never hand-builds stack-IR for arbitrary instruction text: instead it
// appends synthetic functions to a printed copy of the host module,
// reparses, and lifts the resulting instruction streams back out —
// delegating parsing, type inference, and encoding to wat.Compile /
// wat.Print the way the instrumenter itself does for add_functions.
package fragment

import (
	"crypto/rand"
	"fmt"
	"strings"

	werrors "github.com/wasmlab/wabidb/errors"
	"github.com/wasmlab/wabidb/wasm"
	"github.com/wasmlab/wabidb/wat"
)

// Fragment is a user-supplied, ordered list of textual wasm
// instructions plus the annotations needed to type-check it in
// isolation.
type Fragment struct {
	// Instructions are flat-style wasm instructions, e.g. "i32.const 7",
	// "call $f". Empty fragments are legal (a no-op pre or post).
	Instructions []string
	// LocalTypes are the basic types of any additional locals the
	// fragment references beyond the host function's own.
	LocalTypes []wasm.ValType
	// StackContext is the basic-type sequence the fragment expects to
	// already be on the operand stack at the splice point.
	StackContext []wasm.ValType
}

// Operation pairs pre/post fragments. The target pattern list lives in
// package instrument, which is the only caller that needs to match
// instructions against it; the builder only compiles fragment text.
type Operation struct {
	Pre  Fragment
	Post Fragment
}

// Compiled holds one operation's compiled (pre, post) stack-IR,
// stack-context prefix already stripped and the trailing unreachable
// already dropped.
type Compiled struct {
	Pre  []wasm.Instruction
	Post []wasm.Instruction
}

// Build compiles every operation against mod in a single textual round
// trip. On success it returns one Compiled per input operation, in
// order, and mod is left unchanged. On failure mod is either left
// unchanged (parse error before any mutation) or restored from the
// pre-build text backup; if even the restore fails, the caller must
// treat mod as lost (the returned error's detail then starts with
// "module lost").
func Build(mod *wasm.Module, ops []Operation) ([]Compiled, error) {
	if len(ops) == 0 {
		return nil, nil
	}

	backup, err := wat.Print(mod)
	if err != nil {
		return nil, werrors.Wrap(werrors.PhaseFragment, werrors.KindGeneration, err, "print host module for fragment build")
	}

	prefix, err := randomPrefix(8)
	if err != nil {
		return nil, werrors.Wrap(werrors.PhaseFragment, werrors.KindGeneration, err, "generate synthetic-function prefix")
	}

	var synth strings.Builder
	for i, op := range ops {
		n := i + 1
		preName := fmt.Sprintf("%s%d_1", prefix, n)
		postName := fmt.Sprintf("%s%d_2", prefix, n)
		if err := writeSyntheticFunc(&synth, preName, op.Pre); err != nil {
			return nil, werrors.Wrap(werrors.PhaseFragment, werrors.KindGeneration, err, fmt.Sprintf("operation %d: pre fragment", n))
		}
		if err := writeSyntheticFunc(&synth, postName, op.Post); err != nil {
			return nil, werrors.Wrap(werrors.PhaseFragment, werrors.KindGeneration, err, fmt.Sprintf("operation %d: post fragment", n))
		}
	}

	text := backup
	// Splice the synthetic functions in just before the closing paren of
	// "(module ... )".
	closeParen := strings.LastIndexByte(text, ')')
	if closeParen < 0 {
		return nil, werrors.InvalidData(werrors.PhaseFragment, nil, "printed module has no closing paren")
	}
	text = text[:closeParen] + synth.String() + text[closeParen:]

	bin, err := wat.Compile(text)
	if err != nil {
		Logger().Sugar().Errorf("OperationBuilder: synthesized module failed to parse: %v", err)
		return nil, recover_(mod, backup, err)
	}

	fresh, err := wasm.ParseModuleValidate(bin)
	if err != nil {
		Logger().Sugar().Errorf("OperationBuilder: synthesized module failed to validate: %v", err)
		return nil, recover_(mod, backup, err)
	}

	// The synthetic functions were appended after every originally
	// defined function, two per operation in input order, so their
	// indices in fresh.Code are fully determined by position -- no name
	// lookup needed (the teacher's wat encoder doesn't emit a name
	// section, so one wouldn't be available here anyway).
	originalDefined := len(fresh.Code) - 2*len(ops)
	if originalDefined < 0 {
		return nil, werrors.InvalidData(werrors.PhaseFragment, nil, "synthesized module is missing synthetic functions")
	}

	out := make([]Compiled, len(ops))
	for i, op := range ops {
		preIdx := originalDefined + 2*i
		postIdx := preIdx + 1

		preInstrs, err := extractFragment(&fresh.Code[preIdx], len(op.Pre.StackContext))
		if err != nil {
			return nil, werrors.Wrap(werrors.PhaseFragment, werrors.KindGeneration, err, fmt.Sprintf("operation %d: extract pre", i+1))
		}
		postInstrs, err := extractFragment(&fresh.Code[postIdx], len(op.Post.StackContext))
		if err != nil {
			return nil, werrors.Wrap(werrors.PhaseFragment, werrors.KindGeneration, err, fmt.Sprintf("operation %d: extract post", i+1))
		}
		out[i] = Compiled{Pre: preInstrs, Post: postInstrs}
	}

	// mod itself was never mutated: the builder worked entirely on the
	// printed/reparsed fresh module and only hands back the compiled
	// instruction slices.
	return out, nil
}

// recover_ attempts the textual backup/restore dance. On success it
// returns the original parse/validate error wrapped as generation_error
// (the build still failed); on restore failure it returns a distinct
// "module lost" diagnostic, since the host module may now be
// unrecoverable.
func recover_(mod *wasm.Module, backup string, cause error) error {
	bin, err := wat.Compile(backup)
	if err != nil {
		return werrors.Wrap(werrors.PhaseFragment, werrors.KindGeneration, err, "module lost: backup text failed to recompile after build failure")
	}
	restored, err := wasm.ParseModuleValidate(bin)
	if err != nil {
		return werrors.Wrap(werrors.PhaseFragment, werrors.KindGeneration, err, "module lost: backup text failed to re-parse after build failure")
	}
	*mod = *restored
	return werrors.Wrap(werrors.PhaseFragment, werrors.KindGeneration, cause, "fragment text failed to compile; host module restored from backup")
}

func writeSyntheticFunc(b *strings.Builder, name string, f Fragment) error {
	b.WriteString("  (func $")
	b.WriteString(name)
	if len(f.LocalTypes) > 0 {
		b.WriteString(" (param")
		for _, t := range f.LocalTypes {
			b.WriteByte(' ')
			b.WriteString(t.String())
		}
		b.WriteByte(')')
	}
	if len(f.StackContext) > 0 {
		b.WriteString(" (result")
		for _, t := range f.StackContext {
			b.WriteByte(' ')
			b.WriteString(t.String())
		}
		b.WriteByte(')')
	}
	b.WriteString("\n")

	for _, t := range f.StackContext {
		zero, err := zeroConst(t)
		if err != nil {
			return err
		}
		b.WriteString("    ")
		b.WriteString(zero)
		b.WriteString("\n")
	}
	for _, instr := range f.Instructions {
		b.WriteString("    ")
		b.WriteString(instr)
		b.WriteString("\n")
	}
	b.WriteString("    unreachable\n  )\n")
	return nil
}

func zeroConst(t wasm.ValType) (string, error) {
	switch t {
	case wasm.ValI32:
		return "i32.const 0", nil
	case wasm.ValI64:
		return "i64.const 0", nil
	case wasm.ValF32:
		return "f32.const 0", nil
	case wasm.ValF64:
		return "f64.const 0", nil
	case wasm.ValV128:
		return "v128.const i32x4 0 0 0 0", nil
	default:
		return "", fmt.Errorf("stack context type %s is not a basic type", t.String())
	}
}

// extractFragment decodes a synthetic function's body and drops the
// leading stackContextLen priming constants and the trailing
// unreachable/end pair.
func extractFragment(body *wasm.FuncBody, stackContextLen int) ([]wasm.Instruction, error) {
	instrs, err := wasm.DecodeInstructions(body.Code)
	if err != nil {
		return nil, err
	}
	// Expect: stackContextLen priming consts, fragment instructions,
	// "unreachable", "end".
	if len(instrs) < stackContextLen+2 {
		return nil, fmt.Errorf("synthetic function body shorter than expected priming+unreachable+end")
	}
	last := instrs[len(instrs)-1]
	secondLast := instrs[len(instrs)-2]
	if last.Opcode != wasm.OpEnd || secondLast.Opcode != wasm.OpUnreachable {
		return nil, fmt.Errorf("synthetic function body missing trailing unreachable/end")
	}
	return instrs[stackContextLen : len(instrs)-2], nil
}

func randomPrefix(n int) (string, error) {
	const alphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ"
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	out := make([]byte, n)
	for i, b := range buf {
		out[i] = alphabet[int(b)%len(alphabet)]
	}
	return string(out), nil
}
