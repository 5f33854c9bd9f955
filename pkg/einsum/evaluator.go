// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package einsum

import (
	"sync"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/gopjrt/dtypes/bfloat16"
	"github.com/pkg/errors"
	"github.com/x448/float16"
	"k8s.io/klog/v2"

	"github.com/lazylife7157/knut/backends"
	"github.com/lazylife7157/knut/pkg/core/tensors"
)

// Evaluator compiles einsum equations into programs and evaluates them with a backend.
//
// It caches compiled programs (see Compiler) and the backend executables, keyed by the program text, and keeps a
// free list of backend contexts so that each in-flight evaluation uses its own. Both caches are limited to
// Options.MaxCacheSize entries: evicted executables are finalized.
// It is safe for concurrent use.
type Evaluator struct {
	backend  backends.Backend
	compiler *Compiler

	executables *lruCache[backends.Executable] // program text -> backends.Executable

	muContexts   sync.Mutex
	freeContexts []backends.Context
	finalized    bool
}

// NewEvaluator returns an Evaluator that runs the programs with the given backend.
//
// The options configure the Compiler used, see Option.
func NewEvaluator(backend backends.Backend, opts ...Option) *Evaluator {
	compiler := NewCompiler(opts...)
	return &Evaluator{
		backend:     backend,
		compiler:    compiler,
		executables: newLRUCache(compiler.options.MaxCacheSize, backends.Executable.Finalize),
	}
}

// Backend used by the evaluator.
func (e *Evaluator) Backend() backends.Backend { return e.backend }

// Compiler used by the evaluator.
func (e *Evaluator) Compiler() *Compiler { return e.compiler }

// engineDType returns the dtype the program is generated for: half precision floats are promoted to float32.
func engineDType(dtype dtypes.DType) dtypes.DType {
	if dtype == dtypes.Float16 || dtype == dtypes.BFloat16 {
		return dtypes.Float32
	}
	return dtype
}

// Einsum evaluates the einsum equation over the operands, and returns a new tensor with the result.
//
// All operands must have the same dtype: the program is generated for the dtype of the first operand.
// Float16 and BFloat16 operands are evaluated in float32, and the result converted back.
//
// The operands are only read. A scalar result (empty output term) is returned with shape [1].
//
// Errors are *MalformedEquationError, *ShapeMismatchError, *InconsistentDimensionError, *UnsupportedDTypeError
// or *EngineError.
func (e *Evaluator) Einsum(equation string, operands ...*tensors.Tensor) (*tensors.Tensor, error) {
	if e.isFinalized() {
		return nil, errors.New("einsum.Evaluator already finalized")
	}
	if len(operands) == 0 {
		return nil, &MalformedEquationError{Equation: equation, Reason: "no operands given"}
	}
	operandsDims := make([][]int, len(operands))
	for ii, operand := range operands {
		if operand == nil || !operand.Ok() {
			return nil, &ShapeMismatchError{Operand: ii, Term: equation, Reason: "operand is nil or invalid"}
		}
		operandsDims[ii] = operand.Shape().Dimensions
	}
	dtype := operands[0].DType()
	compiled, err := e.compiler.Compile(equation, engineDType(dtype), operandsDims...)
	if err != nil {
		return nil, err
	}
	exec, owned, err := e.executable(compiled)
	if err != nil {
		return nil, err
	}
	if owned {
		defer exec.Finalize()
	}

	inputs := make([]any, len(operands))
	for ii, operand := range operands {
		inputs[ii] = promote(operand)
	}
	ctx, err := e.borrowContext()
	if err != nil {
		return nil, &EngineError{Backend: e.backend.Name(), Stage: StageExecute, Program: compiled.Program.String(), Err: err}
	}
	flat, err := exec.Execute(ctx, inputs...)
	if klog.V(2).Enabled() {
		klog.Infof("einsum %q executed in context %s: %s allocated", compiled.Spec.Equation, ctx.ID(),
			humanize.Bytes(ctx.MemoryUsage()))
	}
	e.returnContext(ctx)
	if err != nil {
		return nil, &EngineError{Backend: e.backend.Name(), Stage: StageExecute, Program: compiled.Program.String(), Err: err}
	}
	if dtype != engineDType(dtype) {
		promoted, ok := flat.([]float32)
		if !ok {
			return nil, &EngineError{Backend: e.backend.Name(), Stage: StageExecute, Program: compiled.Program.String(),
				Err: errors.Errorf("unexpected result from backend: got %T, wanted []float32", flat)}
		}
		flat = demote(promoted, dtype)
	}
	result, err := tensors.FromFlat(flat, compiled.OutputShape...)
	if err != nil {
		return nil, &EngineError{Backend: e.backend.Name(), Stage: StageExecute, Program: compiled.Program.String(),
			Err: errors.WithMessagef(err, "unexpected result from backend")}
	}
	return result, nil
}

// executable returns the backend executable for the compiled program, compiling it if it is not cached.
//
// If owned is true the executable was not cached, and the caller must finalize it after use.
func (e *Evaluator) executable(compiled *Compiled) (exec backends.Executable, owned bool, err error) {
	text := compiled.Program.String()
	if exec, found := e.executables.Load(text); found {
		return exec, false, nil
	}
	exec, err = e.backend.Compile("einsum "+compiled.Spec.Equation, text)
	if err != nil {
		return nil, false, &EngineError{Backend: e.backend.Name(), Stage: StageCompile, Program: text, Err: err}
	}
	klog.V(1).Infof("einsum %q: compiled program with backend %s", compiled.Spec.Equation, e.backend.Name())
	actual, loaded, stored := e.executables.LoadOrStore(text, exec)
	if loaded {
		// Compiled concurrently by another evaluation.
		exec.Finalize()
	} else if stored && e.isFinalized() {
		// Finalize ran concurrently, after the cache was cleared.
		for _, cached := range e.executables.Clear() {
			if cached != exec {
				cached.Finalize()
			}
		}
		return exec, true, nil
	}
	return actual, !stored, nil
}

func (e *Evaluator) isFinalized() bool {
	e.muContexts.Lock()
	defer e.muContexts.Unlock()
	return e.finalized
}

func (e *Evaluator) borrowContext() (backends.Context, error) {
	e.muContexts.Lock()
	if e.finalized {
		e.muContexts.Unlock()
		return nil, errors.New("einsum.Evaluator already finalized")
	}
	if n := len(e.freeContexts); n > 0 {
		ctx := e.freeContexts[n-1]
		e.freeContexts = e.freeContexts[:n-1]
		e.muContexts.Unlock()
		return ctx, nil
	}
	e.muContexts.Unlock()
	return e.backend.NewContext()
}

func (e *Evaluator) returnContext(ctx backends.Context) {
	ctx.Reset()
	e.muContexts.Lock()
	defer e.muContexts.Unlock()
	if e.finalized {
		ctx.Finalize()
		return
	}
	e.freeContexts = append(e.freeContexts, ctx)
}

// NumContexts returns the number of idle backend contexts kept by the evaluator.
func (e *Evaluator) NumContexts() int {
	e.muContexts.Lock()
	defer e.muContexts.Unlock()
	return len(e.freeContexts)
}

// Finalize releases the cached executables and contexts. The backend itself is not finalized.
// The Evaluator can't be used afterwards.
func (e *Evaluator) Finalize() {
	e.muContexts.Lock()
	contexts := e.freeContexts
	e.freeContexts = nil
	e.finalized = true
	e.muContexts.Unlock()
	for _, ctx := range contexts {
		ctx.Finalize()
	}
	executables := e.executables.Clear()
	for _, exec := range executables {
		exec.Finalize()
	}
	klog.V(1).Infof("einsum.Evaluator finalized: %d executables and %d contexts released", len(executables),
		len(contexts))
}

// NumExecutables returns the number of backend executables cached by the evaluator.
func (e *Evaluator) NumExecutables() int { return e.executables.Len() }

// promote returns the flat values of the operand to pass to the backend, converting half precision
// floats to float32.
func promote(operand *tensors.Tensor) any {
	switch flat := operand.Flat().(type) {
	case []float16.Float16:
		promoted := make([]float32, len(flat))
		for ii, v := range flat {
			promoted[ii] = v.Float32()
		}
		return promoted
	case []bfloat16.BFloat16:
		promoted := make([]float32, len(flat))
		for ii, v := range flat {
			promoted[ii] = v.Float32()
		}
		return promoted
	default:
		return flat
	}
}

// demote converts the float32 values back to the half precision dtype.
func demote(flat []float32, dtype dtypes.DType) any {
	if dtype == dtypes.Float16 {
		demoted := make([]float16.Float16, len(flat))
		for ii, v := range flat {
			demoted[ii] = float16.Fromfloat32(v)
		}
		return demoted
	}
	demoted := make([]bfloat16.BFloat16, len(flat))
	for ii, v := range flat {
		demoted[ii] = bfloat16.FromFloat32(v)
	}
	return demoted
}
