// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package backends

import (
	"github.com/gomlx/gopjrt/dtypes"
)

// Executable is the API for compiled programs ready to execute.
//
// An Executable is immutable and can be executed concurrently, as long as each execution uses its own Context.
type Executable interface {
	// Name given to the program when it was compiled.
	Name() string

	// Program returns the text the executable was compiled from.
	Program() string

	// Inputs returns the element dtype of each parameter, in order.
	Inputs() []dtypes.DType

	// Output returns the element dtype of the flat result.
	Output() dtypes.DType

	// Execute the program with the given context. Inputs are flat slices (`[]T` for the corresponding parameter
	// dtype), one per parameter, in order: they are only read during the call and never retained.
	//
	// It returns a newly allocated flat slice owned by the caller.
	Execute(ctx Context, inputs ...any) (flat any, err error)

	// Finalize immediately frees resources associated to the executable. It may be called while executions are
	// in flight: those run to completion, and later calls to Execute fail.
	Finalize()
}

// Context is the state of one execution: it must not be used by more than one in-flight execution at a time,
// but it can be reused, sequentially, by many executions.
type Context interface {
	// ID is a unique identifier of the context, for logging.
	ID() string

	// MemoryUsage is the number of bytes allocated by the current (or last) execution using the context.
	MemoryUsage() uint64

	// Reset the memory accounting, before reusing the context.
	Reset()

	// Finalize releases the context.
	Finalize()
}
