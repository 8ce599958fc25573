// Package wabidb is a binary instrumentation toolkit for core
// WebAssembly modules: match instructions against a small pattern
// language and splice in compiled fragments, edit a module's globals,
// functions, memories, imports, exports, and data segments directly,
// and drive an interactive session that rewrites a module so running
// it dumps locals, globals, or a call backtrace at a chosen point.
//
// # Architecture Overview
//
//	wabidb/             Root package (this file)
//	├── wasm/            Core WASM binary decode/encode/validate
//	├── wat/             WAT text <-> WASM binary round trip
//	├── stackir/         Per-function splice-friendly instruction list
//	├── fragment/        Compiles WAT fragments via a textual round trip
//	├── instrument/      Match-and-splice engine and module editor
//	├── inspect/         Interactive inspection driver and rewriter
//	├── errors/          Structured error types
//	└── cmd/             wabidb-inspect, snip, stackcanary, instrcount
//
// # Quick Start
//
//	ins := instrument.New()
//	if err := ins.SetConfig(instrument.Config{Filename: "in.wasm", OutputPath: "out.wasm"}); err != nil {
//	    log.Fatal(err)
//	}
//	op := instrument.Operation{
//	    Targets: []stackir.Target{{Kind: stackir.ExprCall}},
//	    Pre:     fragment.Fragment{Instructions: []string{"i32.const 1", "call $count"}},
//	}
//	if err := ins.Instrument([]instrument.Operation{op}); err != nil {
//	    log.Fatal(err)
//	}
//	if err := ins.WriteBinary(); err != nil {
//	    log.Fatal(err)
//	}
package wabidb
