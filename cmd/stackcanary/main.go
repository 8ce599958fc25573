// Command stackcanary pushes a random 64-bit canary onto a shadow
// stack at the entry of every function in scope, and checks it after
// every call and call_indirect, trapping on mismatch.
package main

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"os"
	"strconv"

	"github.com/wasmlab/wabidb/fragment"
	"github.com/wasmlab/wabidb/instrument"
	"github.com/wasmlab/wabidb/stackir"
	"github.com/wasmlab/wabidb/wasm"
)

func main() {
	if len(os.Args) != 3 {
		fmt.Fprintln(os.Stderr, "Usage: stackcanary INFILE.wasm OUTFILE.wasm")
		os.Exit(1)
	}
	infile, outfile := os.Args[1], os.Args[2]

	ins := instrument.New()
	if err := ins.SetConfig(instrument.Config{Filename: infile, OutputPath: outfile}); err != nil {
		fmt.Fprintf(os.Stderr, "stackcanary: %v\n", err)
		os.Exit(1)
	}

	if err := ins.AddGlobal("__stack_pointer", wasm.ValI32, true, 0); err != nil {
		// __stack_pointer commonly already exists in linked binaries; a
		// duplicate-name rejection here just means we reuse it.
		_ = err
	}

	canary := randomInt64()
	canaryLit := strconv.FormatInt(canary, 10)

	validate := instrument.Operation{
		Targets: []stackir.Target{
			{Kind: stackir.ExprCall},
			{Kind: stackir.ExprCallIndirect},
		},
		Post: fragment.Fragment{Instructions: []string{
			"global.get $__stack_pointer",
			"i64.load",
			"i64.const " + canaryLit,
			"i64.ne",
			"if",
			"unreachable",
			"end",
			"global.get $__stack_pointer",
			"i32.const 16",
			"i32.add",
			"global.set $__stack_pointer",
		}},
	}
	if err := ins.Instrument([]instrument.Operation{validate}); err != nil {
		fmt.Fprintf(os.Stderr, "stackcanary: validate pass: %v\n", err)
		os.Exit(1)
	}

	inject := instrument.Operation{
		Post: fragment.Fragment{Instructions: []string{
			"global.get $__stack_pointer",
			"i32.const 16",
			"i32.sub",
			"global.set $__stack_pointer",
			"global.get $__stack_pointer",
			"i64.const " + canaryLit,
			"i64.store",
		}},
	}
	for _, name := range ins.GetScope() {
		if err := ins.InstrumentFunction(inject, name, 0); err != nil {
			fmt.Fprintf(os.Stderr, "stackcanary: inject into %s: %v\n", name, err)
			os.Exit(1)
		}
	}

	if err := ins.WriteBinary(); err != nil {
		fmt.Fprintf(os.Stderr, "stackcanary: %v\n", err)
		os.Exit(1)
	}
}

func randomInt64() int64 {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		panic(err)
	}
	return int64(binary.LittleEndian.Uint64(buf[:]))
}
