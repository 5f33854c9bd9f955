// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package einsum compiles Einstein summation equations into programs and evaluates them on tensors.
//
// An equation like "ij,jk->ik" names the axes of each operand with single lowercase letters: the input terms, one
// per operand, and the output term after "->". Labels absent from the output are summed over, labels repeated
// in one term select the diagonal. E.g.:
//
//   - "ij->ji": transpose.
//   - "ij,j->i": matrix-vector multiplication.
//   - "i,i->": dot product (scalar result, returned with shape [1]).
//   - "ijk,ikl->ijl": batched matrix multiplication.
//
// The pipeline is: Validator.Parse (equation syntax), ResolveDimensions (operand dimensions per label),
// CompileProgram (the program text, see Program) and finally the Evaluator, which compiles the program with a
// backend and executes it over the operands' flat data.
//
// Example:
//
//	x := tensors.FromFlatDataAndDimensions([]int32{0, 1, 2, 3, 4, 5}, 2, 3)
//	y := tensors.FromFlatDataAndDimensions([]int32{0, 1, 2}, 3)
//	result, err := einsum.Einsum("ij,j->i", x, y) // [5, 14]
package einsum

import (
	"sync"

	"github.com/pkg/errors"

	"github.com/lazylife7157/knut/backends"
	_ "github.com/lazylife7157/knut/backends/default"
	"github.com/lazylife7157/knut/pkg/core/tensors"
)

var (
	muDefault        sync.Mutex
	defaultEvaluator *Evaluator
)

// Default returns the Evaluator used by Einsum, creating it on the first call with the default backend
// (see backends.New).
func Default() (*Evaluator, error) {
	muDefault.Lock()
	defer muDefault.Unlock()
	if defaultEvaluator != nil {
		return defaultEvaluator, nil
	}
	backend, err := backends.New()
	if err != nil {
		return nil, errors.WithMessage(err, "einsum: failed to create default backend")
	}
	defaultEvaluator = NewEvaluator(backend)
	return defaultEvaluator, nil
}

// Einsum evaluates the equation over the operands with the Default evaluator. See Evaluator.Einsum.
func Einsum(equation string, operands ...*tensors.Tensor) (*tensors.Tensor, error) {
	evaluator, err := Default()
	if err != nil {
		return nil, err
	}
	return evaluator.Einsum(equation, operands...)
}
