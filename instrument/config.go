package instrument

// Config names the input and output binaries and the wasm feature set
// the Instrumenter should enable, matching the plain-struct config
// style engine.Config/engine.CompileConfig use (no viper/env parsing at
// this layer: configuration is data, not a framework).
type Config struct {
	// Filename is the path to the input .wasm binary.
	Filename string
	// OutputPath is where WriteBinary writes the edited module.
	OutputPath string
	// EnableMultiMemory gates AddMemory/AddImportMemory's refusal of a
	// second memory: with it false (the default), a module may only
	// ever have one memory.
	EnableMultiMemory bool
}
