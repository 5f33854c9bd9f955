// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package einsum

import (
	"fmt"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
)

// Error kinds, to be used with errors.Is.
var (
	ErrMalformedEquation = errors.New("malformed einsum equation")
	ErrShapeMismatch     = errors.New("einsum operand shape mismatch")
	ErrUnsupportedDType  = errors.New("einsum dtype not supported")
	ErrEngine            = errors.New("einsum engine failure")
)

// MalformedEquationError is returned when the equation doesn't follow the syntax
// `<term>(,<term>)*-><outterm>`, or when its number of input terms doesn't match the number of operands.
type MalformedEquationError struct {
	Equation string
	Reason   string
}

func (e *MalformedEquationError) Error() string {
	return fmt.Sprintf("malformed einsum equation %q: %s", e.Equation, e.Reason)
}

// Is implements errors.Is for ErrMalformedEquation.
func (e *MalformedEquationError) Is(target error) bool { return target == ErrMalformedEquation }

// ShapeMismatchError is returned when an input term's length differs from its operand's rank, or when the
// operands' dimensions are not valid.
type ShapeMismatchError struct {
	Operand    int
	Term       string
	Dimensions []int
	Reason     string
}

func (e *ShapeMismatchError) Error() string {
	return fmt.Sprintf("einsum operand #%d with dimensions %v doesn't match term %q: %s",
		e.Operand, e.Dimensions, e.Term, e.Reason)
}

// Is implements errors.Is for ErrShapeMismatch.
func (e *ShapeMismatchError) Is(target error) bool { return target == ErrShapeMismatch }

// InconsistentDimensionError is returned when an axis label is used more than once (in the same operand or
// in different operands) with different dimensions.
//
// It is a kind of shape mismatch: errors.Is(err, ErrShapeMismatch) is true.
type InconsistentDimensionError struct {
	Label    rune
	Previous int
	Size     int
	Operand  int
	Axis     int
}

func (e *InconsistentDimensionError) Error() string {
	return fmt.Sprintf("einsum axis %q has dimension %d, but operand #%d axis %d has dimension %d",
		e.Label, e.Previous, e.Operand, e.Axis, e.Size)
}

// Is implements errors.Is for ErrShapeMismatch.
func (e *InconsistentDimensionError) Is(target error) bool { return target == ErrShapeMismatch }

// UnsupportedDTypeError is returned when the operands' dtype has no counterpart in the program language.
type UnsupportedDTypeError struct {
	DType dtypes.DType
}

func (e *UnsupportedDTypeError) Error() string {
	return fmt.Sprintf("einsum doesn't support dtype %s", e.DType)
}

// Is implements errors.Is for ErrUnsupportedDType.
func (e *UnsupportedDTypeError) Is(target error) bool { return target == ErrUnsupportedDType }

// Engine stages reported in EngineError.Stage.
const (
	StageCompile = "compile"
	StageExecute = "execute"
)

// EngineError wraps a failure reported by the backend while compiling or executing the generated program.
// It is never retried.
type EngineError struct {
	Backend string
	Stage   string
	Program string
	Err     error
}

func (e *EngineError) Error() string {
	return fmt.Sprintf("backend %q failed to %s einsum program: %v", e.Backend, e.Stage, e.Err)
}

// Unwrap returns the error reported by the backend.
func (e *EngineError) Unwrap() error { return e.Err }

// Is implements errors.Is for ErrEngine.
func (e *EngineError) Is(target error) bool { return target == ErrEngine }
