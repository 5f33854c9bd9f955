// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package simplego

import (
	"slices"
	"sync/atomic"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/lazylife7157/knut/backends"
)

// Executable implements backends.Executable for a program compiled to Go closures.
type Executable struct {
	backend *Backend
	name    string
	text    string
	inputs  []dtypes.DType
	output  dtypes.DType

	// run is the program specialized for the element dtype. It is nil once finalized.
	run atomic.Pointer[runFunc]
}

// runFunc executes a program specialized for one element dtype.
type runFunc func(ctx *Context, inputs []any) (any, error)

// Compile time check.
var _ backends.Executable = (*Executable)(nil)

// Compile implements backends.Backend.
//
// All parameters of the program must be flat vectors of the same dtype, and it must return a flat vector
// of that same dtype.
func (b *Backend) Compile(name, program string) (backends.Executable, error) {
	if err := b.checkOk(); err != nil {
		return nil, err
	}
	root, err := parseProgram(program)
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to parse program %q", name)
	}
	if len(root.params) == 0 {
		return nil, errors.WithMessagef(compileErrorf(root, "program has no parameters"), "failed to compile program %q", name)
	}
	dtype := root.params[0].typ.leaf().dtype
	run, err := b.specialize(root, dtype)
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to compile program %q", name)
	}
	e := &Executable{
		backend: b,
		name:    name,
		text:    program,
		inputs:  make([]dtypes.DType, len(root.params)),
		output:  dtype,
	}
	e.run.Store(&run)
	for ii := range e.inputs {
		e.inputs[ii] = dtype
	}
	klog.V(1).Infof("SimpleGo: compiled %q with %d parameters of %s", name, len(e.inputs), dtype)
	return e, nil
}

// specialize compiles the program for the Go type corresponding to dtype.
func (b *Backend) specialize(root *programNode, dtype dtypes.DType) (runFunc, error) {
	switch dtype {
	case dtypes.Int8:
		return newRunner[int8](b, root, dtype)
	case dtypes.Int16:
		return newRunner[int16](b, root, dtype)
	case dtypes.Int32:
		return newRunner[int32](b, root, dtype)
	case dtypes.Int64:
		return newRunner[int64](b, root, dtype)
	case dtypes.Uint8:
		return newRunner[uint8](b, root, dtype)
	case dtypes.Uint16:
		return newRunner[uint16](b, root, dtype)
	case dtypes.Uint32:
		return newRunner[uint32](b, root, dtype)
	case dtypes.Uint64:
		return newRunner[uint64](b, root, dtype)
	case dtypes.Float32:
		return newRunner[float32](b, root, dtype)
	case dtypes.Float64:
		return newRunner[float64](b, root, dtype)
	}
	return nil, compileErrorf(root.params[0], "programs of %s not supported", scalarName(dtype))
}

func newRunner[T numeric](b *Backend, root *programNode, dtype dtypes.DType) (runFunc, error) {
	prog, err := compileProgram[T](b, root, dtype)
	if err != nil {
		return nil, err
	}
	return func(ctx *Context, inputs []any) (any, error) {
		if len(inputs) != prog.numParams {
			return nil, errors.Errorf("program takes %d inputs, %d given", prog.numParams, len(inputs))
		}
		f := &frame[T]{
			params: make([][]T, len(inputs)),
			ints:   make([]int64, prog.numInts),
			values: make([]T, prog.numValues),
			ctx:    ctx,
		}
		for ii, input := range inputs {
			flat, ok := input.([]T)
			if !ok {
				return nil, errors.Errorf("input #%d is a %T, but the program takes vec[%s] ([]%s)",
					ii, input, scalarName(dtype), dtype.GoType())
			}
			f.params[ii] = flat
		}
		var result *vector[T]
		err := exceptions.TryCatch[error](func() { result = prog.body(f) })
		if err != nil {
			return nil, err
		}
		values := result.values
		if prog.aliased {
			values = slices.Clone(values)
		}
		return values, nil
	}, nil
}

// Name implements backends.Executable.
func (e *Executable) Name() string { return e.name }

// Program implements backends.Executable.
func (e *Executable) Program() string { return e.text }

// Inputs implements backends.Executable.
func (e *Executable) Inputs() []dtypes.DType { return e.inputs }

// Output implements backends.Executable.
func (e *Executable) Output() dtypes.DType { return e.output }

// Finalize implements backends.Executable.
//
// Executions already in flight run to completion.
func (e *Executable) Finalize() {
	e.run.Store(nil)
}

// Execute implements backends.Executable.
//
// The memory usage of the context is reset at the start of the execution.
func (e *Executable) Execute(ctx backends.Context, inputs ...any) (flat any, err error) {
	run := e.run.Load()
	if run == nil {
		return nil, errors.Errorf("executable %q already finalized", e.name)
	}
	if err = e.backend.checkOk(); err != nil {
		return nil, err
	}
	goCtx, ok := ctx.(*Context)
	if !ok || goCtx == nil || goCtx.backend == nil {
		return nil, errors.Errorf("executable %q requires a valid context created by the SimpleGo (go) backend, got %T", e.name, ctx)
	}
	if !goCtx.inUse.CompareAndSwap(false, true) {
		return nil, errors.Errorf("context %s is already in use by another execution", goCtx.id)
	}
	defer goCtx.inUse.Store(false)
	goCtx.Reset()
	flat, err = (*run)(goCtx, inputs)
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to execute %q", e.name)
	}
	if klog.V(2).Enabled() {
		klog.Infof("SimpleGo: executed %q in context %s, %s allocated", e.name, goCtx.id, humanize.Bytes(goCtx.MemoryUsage()))
	}
	return flat, nil
}

// runLoop calls body for each iteration k in [0, n). If parallel, and the loop is large enough, the iterations are
// split among the backend workers, each with its own copy of the frame.
func runLoop[T numeric](backend *Backend, parallel bool, f *frame[T], n int, body func(f *frame[T], k int)) {
	if !parallel || n < backend.minParallelSize {
		for k := range n {
			body(f, k)
		}
		return
	}
	backend.pool.Chunks(n, func(start, end int) {
		chunkFrame := f.clone()
		for k := start; k < end; k++ {
			body(chunkFrame, k)
		}
	})
}
