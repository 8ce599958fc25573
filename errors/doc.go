// Package errors provides the structured error type used across the
// instrumentation engine.
//
// Errors are categorized by Phase (where in the pipeline the error
// occurred) and Kind (error category). The Error type carries a field
// path, an offending value, and an optional cause chain.
//
// Use the Builder for structured error construction:
//
//	err := errors.New(errors.PhaseState, errors.KindInvalidState).
//		Detail("set_config called in state %s, want idle", state).
//		Build()
//
// Or use convenience constructors for common patterns:
//
//	err := errors.NotFound(errors.PhaseInstrument, "function", name)
//	err := errors.Wrap(errors.PhaseFragment, errors.KindGeneration, cause, "compile fragment")
//
// All errors implement the standard error interface and support errors.Is/As.
package errors
