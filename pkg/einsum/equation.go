// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package einsum

import (
	"fmt"
	"regexp"
	"strings"
)

// EquationSyntax is the regular expression a (trimmed) einsum equation must match.
const EquationSyntax = `^[a-z]+(,[a-z]+)*->[a-z]*$`

// EquationSpec is the parsed form of an einsum equation.
type EquationSpec struct {
	// Equation is the trimmed source equation.
	Equation string

	// Inputs holds one term per operand, each term is a string of single lowercase letters, one per axis.
	Inputs []string

	// Output term, possibly empty for a scalar result.
	Output string
}

// String implements fmt.Stringer.
func (s *EquationSpec) String() string {
	return fmt.Sprintf("%s->%s", strings.Join(s.Inputs, ","), s.Output)
}

// NumOperands is the number of input terms.
func (s *EquationSpec) NumOperands() int { return len(s.Inputs) }

// IsScalar returns whether the equation output is a scalar (empty output term).
func (s *EquationSpec) IsScalar() bool { return len(s.Output) == 0 }

// Validator parses and validates einsum equations.
//
// It holds the compiled syntax regular expression: create it once with NewValidator and reuse it.
// It is safe for concurrent use.
type Validator struct {
	syntax *regexp.Regexp
}

// NewValidator returns a Validator for the EquationSyntax.
func NewValidator() *Validator {
	return &Validator{syntax: regexp.MustCompile(EquationSyntax)}
}

// Parse validates the equation for the given number of operands and returns its parsed form.
//
// It returns a *MalformedEquationError if the equation doesn't match EquationSyntax, if the number of
// input terms is different from numOperands, if the output repeats a label or if it uses a label
// that doesn't appear in any of the inputs.
func (v *Validator) Parse(equation string, numOperands int) (*EquationSpec, error) {
	trimmed := strings.TrimSpace(equation)
	malformed := func(format string, args ...any) error {
		return &MalformedEquationError{Equation: equation, Reason: fmt.Sprintf(format, args...)}
	}
	if !v.syntax.MatchString(trimmed) {
		return nil, malformed("it must match %q", EquationSyntax)
	}
	inputsStr, output, _ := strings.Cut(trimmed, "->")
	inputs := strings.Split(inputsStr, ",")
	if len(inputs) != numOperands {
		return nil, malformed("it describes %d operands, but %d operands were given", len(inputs), numOperands)
	}
	for ii, label := range output {
		if strings.ContainsRune(output[:ii], label) {
			return nil, malformed("output axis %q appears more than once", label)
		}
		if !strings.ContainsRune(inputsStr, label) {
			return nil, malformed("output axis %q is not used by any of the operands", label)
		}
	}
	return &EquationSpec{
		Equation: trimmed,
		Inputs:   inputs,
		Output:   output,
	}, nil
}
