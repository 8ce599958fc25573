// Command instrcount tags every expression kind in a module with a
// counter bump and wires a prepare call into the start function, so
// that running the instrumented module under a counting memory dump
// produces a per-kind execution histogram -- useful both for plain
// instruction-mix profiling and for spotting the tight
// load/store/binary-op loops a cryptomining payload tends to have.
package main

import (
	"fmt"
	"os"

	"github.com/wasmlab/wabidb/fragment"
	"github.com/wasmlab/wabidb/instrument"
	"github.com/wasmlab/wabidb/stackir"
	"github.com/wasmlab/wabidb/wasm"
)

// kinds lists the expression kinds counted, in counter-slot order; the
// slot index is what "i32.const <slot>" feeds to __incInstr.
var kinds = []stackir.ExprKind{
	stackir.ExprLoad,
	stackir.ExprStore,
	stackir.ExprCall,
	stackir.ExprCallIndirect,
	stackir.ExprBlock,
	stackir.ExprLoop,
	stackir.ExprIf,
	stackir.ExprTryTable,
	stackir.ExprUnary,
	stackir.ExprBinary,
	stackir.ExprConst,
	stackir.ExprLocal,
	stackir.ExprGlobal,
	stackir.ExprBr,
	stackir.ExprOther,
}

const incInstrBody = `(param i32) (local i32)
local.get 0
i32.const 4
i32.mul
global.get $__count_base
i32.add
local.tee 1
local.get 1
i32.load
i32.const 1
i32.add
i32.store`

const prepareBody = `i32.const 1
memory.grow
i32.const 65536
i32.mul
global.set $__count_base`

func main() {
	if len(os.Args) != 3 {
		fmt.Fprintln(os.Stderr, "Usage: instrcount INFILE.wasm OUTFILE.wasm")
		os.Exit(1)
	}
	infile, outfile := os.Args[1], os.Args[2]

	ins := instrument.New()
	if err := ins.SetConfig(instrument.Config{Filename: infile, OutputPath: outfile}); err != nil {
		fmt.Fprintf(os.Stderr, "instrcount: %v\n", err)
		os.Exit(1)
	}
	if err := ins.AddGlobal("__count_base", wasm.ValI32, true, -1); err != nil {
		fmt.Fprintf(os.Stderr, "instrcount: %v\n", err)
		os.Exit(1)
	}
	if err := ins.AddFunctions([]string{"__incInstr", "__prepare"}, []string{incInstrBody, prepareBody}); err != nil {
		fmt.Fprintf(os.Stderr, "instrcount: %v\n", err)
		os.Exit(1)
	}

	ops := make([]instrument.Operation, len(kinds))
	for i, k := range kinds {
		ops[i] = instrument.Operation{
			Targets: []stackir.Target{{Kind: k}},
			Pre: fragment.Fragment{Instructions: []string{
				fmt.Sprintf("i32.const %d", i),
				"call $__incInstr",
			}},
		}
	}
	if err := ins.Instrument(ops); err != nil {
		fmt.Fprintf(os.Stderr, "instrcount: instrument: %v\n", err)
		os.Exit(1)
	}

	startIdx, ok := ins.GetStartFunction()
	if ok {
		names, err := ins.Module().NameSection()
		if err != nil {
			fmt.Fprintf(os.Stderr, "instrcount: %v\n", err)
			os.Exit(1)
		}
		startName := ""
		if names != nil {
			startName = names.Functions[startIdx]
		}
		if startName != "" {
			prepare := instrument.Operation{Post: fragment.Fragment{Instructions: []string{"call $__prepare"}}}
			if err := ins.InstrumentFunction(prepare, startName, 0); err != nil {
				fmt.Fprintf(os.Stderr, "instrcount: wire prepare call: %v\n", err)
				os.Exit(1)
			}
		}
	}

	if err := ins.WriteBinary(); err != nil {
		fmt.Fprintf(os.Stderr, "instrcount: %v\n", err)
		os.Exit(1)
	}
}
