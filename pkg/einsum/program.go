// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package einsum

import (
	"fmt"
	"slices"

	"github.com/gomlx/gopjrt/dtypes"

	"github.com/lazylife7157/knut/pkg/core/shapes"
)

var weldScalarNames = map[dtypes.DType]string{
	dtypes.Bool:    "bool",
	dtypes.Int8:    "i8",
	dtypes.Int16:   "i16",
	dtypes.Int32:   "i32",
	dtypes.Int64:   "i64",
	dtypes.Uint8:   "u8",
	dtypes.Uint16:  "u16",
	dtypes.Uint32:  "u32",
	dtypes.Uint64:  "u64",
	dtypes.Float32: "f32",
	dtypes.Float64: "f64",
}

// WeldScalarName returns the name of the scalar type in the program language for the given dtype.
func WeldScalarName(dtype dtypes.DType) (string, error) {
	name, found := weldScalarNames[dtype]
	if !found {
		return "", &UnsupportedDTypeError{DType: dtype}
	}
	return name, nil
}

// ParamName returns the name of the program parameter for the operand at position operandIdx.
func ParamName(operandIdx int) string {
	return fmt.Sprintf("arg%d", operandIdx)
}

// NewIndexFormula returns the row-major flat offset formula for an operand with the given term: the axis at
// position i has as stride the product of the dimensions of the axes at positions i+1 and after.
func NewIndexFormula(term string, dims DimensionMap) *IndexFormula {
	labels := []rune(term)
	termDims := make([]int, len(labels))
	for ii, label := range labels {
		termDims[ii] = dims[label]
	}
	strides := shapes.RowMajorStrides(termDims)
	formula := &IndexFormula{Terms: make([]Term, len(labels))}
	for ii, label := range labels {
		formula.Terms[ii] = Term{Label: label, Stride: strides[ii]}
	}
	return formula
}

// CompileProgram builds the program implementing the einsum described by spec, for the given dimensions and
// element dtype. It returns the program and the shape of its (flat) result.
//
// The program multiplies one element of each operand, sums the product over all the contracted axes (the
// SummationIndices, the first one being the outermost loop), and collects the sums in nested vectors, one
// level per output axis in output order, which are then flattened.
//
// It assumes spec and dims were validated (see Validator.Parse and ResolveDimensions), and that dtype is
// supported (see WeldScalarName).
func CompileProgram(spec *EquationSpec, dims DimensionMap, dtype dtypes.DType) (*Program, []int) {
	params := make([]*Param, len(spec.Inputs))
	factors := make([]Expr, len(spec.Inputs))
	for opIdx, term := range spec.Inputs {
		params[opIdx] = &Param{Name: ParamName(opIdx), Operand: opIdx, DType: dtype}
		factors[opIdx] = &Lookup{Param: params[opIdx], Index: NewIndexFormula(term, dims)}
	}
	var body Expr
	if len(factors) == 1 {
		body = factors[0]
	} else {
		body = &Product{Factors: factors}
	}

	// Fold from the innermost axis outwards.
	summation := SummationIndices(spec)
	for _, label := range slices.Backward(summation) {
		body = &Reduce{Label: label, Extent: dims[label], DType: dtype, Body: body}
	}

	if spec.IsScalar() {
		return newProgram(params, dtype, &Singleton{X: body}), OutputShape(spec, dims)
	}
	output := []rune(spec.Output)
	for _, label := range slices.Backward(output) {
		body = &Loop{Label: label, Extent: dims[label], Body: body}
	}
	for range len(output) - 1 {
		body = &Flatten{X: body}
	}
	return newProgram(params, dtype, body), OutputShape(spec, dims)
}
