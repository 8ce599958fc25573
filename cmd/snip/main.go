// Command snip replaces every function unreachable from a given entry
// point -- every function with in-degree zero among the module's
// defined functions, except the named entry -- with a single
// unreachable body, and writes the result out.
package main

import (
	"fmt"
	"os"

	"github.com/wasmlab/wabidb/instrument"
	"github.com/wasmlab/wabidb/wasm"
)

func main() {
	if len(os.Args) != 4 {
		fmt.Fprintln(os.Stderr, "Usage: snip INFILE.wasm ENTRY-FUNCTION OUTFILE.wasm")
		os.Exit(1)
	}
	infile, entry, outfile := os.Args[1], os.Args[2], os.Args[3]

	ins := instrument.New()
	if err := ins.SetConfig(instrument.Config{Filename: infile, OutputPath: outfile}); err != nil {
		fmt.Fprintf(os.Stderr, "snip: %v\n", err)
		os.Exit(1)
	}

	mod := ins.Module()

	// GetScope enumerates every defined function right after SetConfig,
	// the same starting point the original snip sample reads.
	inDegree := map[string]int{}
	for _, name := range ins.GetScope() {
		inDegree[name] = 0
	}

	numImported := uint32(mod.NumImportedFuncs())
	names, err := mod.NameSection()
	if err != nil {
		fmt.Fprintf(os.Stderr, "snip: %v\n", err)
		os.Exit(1)
	}
	funcName := func(idx uint32) string {
		if names != nil {
			if n, ok := names.Functions[idx]; ok {
				return n
			}
		}
		return fmt.Sprintf("$func%d", idx)
	}

	for i := range mod.Code {
		cur := funcName(numImported + uint32(i))
		instrs, err := wasm.DecodeInstructions(mod.Code[i].Code)
		if err != nil {
			fmt.Fprintf(os.Stderr, "snip: decode function %d: %v\n", i, err)
			os.Exit(1)
		}
		for _, in := range instrs {
			if in.Opcode != wasm.OpCall {
				continue
			}
			target := funcName(in.Imm.(wasm.CallImm).FuncIdx)
			if target != cur {
				inDegree[target]++
			}
		}
	}

	ins.ScopeClear()
	for name, deg := range inDegree {
		if deg != 0 || name == entry {
			ins.ScopeRemove(name)
		}
	}

	unreachableBody := wasm.EncodeInstructions([]wasm.Instruction{
		{Opcode: wasm.OpUnreachable},
		{Opcode: wasm.OpEnd},
	})
	for _, name := range ins.GetScope() {
		_, body, err := ins.GetFunctionByName(name)
		if err != nil {
			fmt.Fprintf(os.Stderr, "snip: %v\n", err)
			os.Exit(1)
		}
		body.Code = unreachableBody
	}

	if err := mod.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "snip: validate after snipping: %v\n", err)
		os.Exit(1)
	}
	if err := ins.WriteBinary(); err != nil {
		fmt.Fprintf(os.Stderr, "snip: %v\n", err)
		os.Exit(1)
	}
}
