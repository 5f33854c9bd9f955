// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package einsum

import (
	"fmt"
	"slices"
	"strings"
)

// DimensionMap maps each axis label to its dimension.
type DimensionMap map[rune]int

// String implements fmt.Stringer, with labels sorted.
func (dims DimensionMap) String() string {
	labels := make([]rune, 0, len(dims))
	for label := range dims {
		labels = append(labels, label)
	}
	slices.Sort(labels)
	parts := make([]string, 0, len(labels))
	for _, label := range labels {
		parts = append(parts, fmt.Sprintf("%c:%d", label, dims[label]))
	}
	return "{" + strings.Join(parts, " ") + "}"
}

// ResolveDimensions builds the DimensionMap by scanning each operand's dimensions against its term, in operand
// order and axis order.
//
// It returns a *ShapeMismatchError if the number of operands or the rank of an operand doesn't match the
// equation, or if a dimension is not positive.
//
// A label used more than once must have the same dimension everywhere, otherwise it returns an
// *InconsistentDimensionError. If opts.AllowInconsistentDimensions is set, the last dimension seen for a label
// silently wins instead.
func ResolveDimensions(spec *EquationSpec, operandsDims [][]int, opts Options) (DimensionMap, error) {
	if len(operandsDims) != len(spec.Inputs) {
		return nil, &ShapeMismatchError{
			Operand: len(operandsDims),
			Term:    spec.Equation,
			Reason:  fmt.Sprintf("equation has %d operands, got %d", len(spec.Inputs), len(operandsDims)),
		}
	}
	dims := make(DimensionMap)
	for opIdx, term := range spec.Inputs {
		opDims := operandsDims[opIdx]
		if len(opDims) != len(term) {
			return nil, &ShapeMismatchError{
				Operand:    opIdx,
				Term:       term,
				Dimensions: slices.Clone(opDims),
				Reason:     fmt.Sprintf("term has %d axes, operand has rank %d", len(term), len(opDims)),
			}
		}
		for axis, label := range term {
			size := opDims[axis]
			if size <= 0 {
				return nil, &ShapeMismatchError{
					Operand:    opIdx,
					Term:       term,
					Dimensions: slices.Clone(opDims),
					Reason:     fmt.Sprintf("axis %d has invalid dimension %d", axis, size),
				}
			}
			if previous, found := dims[label]; found && previous != size && !opts.AllowInconsistentDimensions {
				return nil, &InconsistentDimensionError{
					Label:    label,
					Previous: previous,
					Size:     size,
					Operand:  opIdx,
					Axis:     axis,
				}
			}
			dims[label] = size
		}
	}
	return dims, nil
}

// OutputShape returns the dimensions of the result, one per output label in output order.
// A scalar result (empty output term) is stored as a 1-element array, so it returns [1].
func OutputShape(spec *EquationSpec, dims DimensionMap) []int {
	if spec.IsScalar() {
		return []int{1}
	}
	shape := make([]int, 0, len(spec.Output))
	for _, label := range spec.Output {
		shape = append(shape, dims[label])
	}
	return shape
}

// SummationIndices returns the labels used in any input term but absent from the output: the contracted axes.
// They are returned deduplicated and in ascending order.
func SummationIndices(spec *EquationSpec) []rune {
	var indices []rune
	for _, term := range spec.Inputs {
		for _, label := range term {
			if !strings.ContainsRune(spec.Output, label) {
				indices = append(indices, label)
			}
		}
	}
	slices.Sort(indices)
	return slices.Compact(indices)
}
