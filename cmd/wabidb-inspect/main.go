// Command wabidb-inspect interactively picks a point in a wasm module's
// stack-IR and rewrites the module so running it dumps locals, globals,
// or a call backtrace at that point.
package main

import (
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/wasmlab/wabidb/inspect"
)

func main() {
	var (
		output  = flag.String("o", "", "Output path for the instrumented module (default: <infile>-inspect.wasm)")
		command = flag.String("command", "", "Runtime invocation to run against the instrumented module")
	)
	flag.StringVar(output, "output", "", "alias for -o")
	flag.StringVar(command, "cmd", "", "alias for -command")
	flag.Parse()

	if flag.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "Usage: wabidb-inspect [-o out.wasm] [-command \"runtime args...\"] INFILE.wasm")
		os.Exit(1)
	}
	infile := flag.Arg(0)
	if !strings.HasSuffix(infile, ".wasm") {
		fmt.Fprintf(os.Stderr, "wabidb-inspect: %s: input must end in .wasm\n", infile)
		os.Exit(1)
	}

	out := *output
	if out == "" {
		out = strings.TrimSuffix(infile, ".wasm") + "-inspect.wasm"
	}

	d, err := inspect.New(infile, out, *command)
	if err != nil {
		fmt.Fprintf(os.Stderr, "wabidb-inspect: %v\n", err)
		os.Exit(1)
	}
	if err := d.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "wabidb-inspect: %v\n", err)
		os.Exit(1)
	}
}
