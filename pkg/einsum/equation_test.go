// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package einsum

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidatorParse(t *testing.T) {
	v := NewValidator()
	spec, err := v.Parse("  ij,jk->ik \n", 2)
	require.NoError(t, err)
	assert.Equal(t, "ij,jk->ik", spec.Equation)
	assert.Equal(t, []string{"ij", "jk"}, spec.Inputs)
	assert.Equal(t, "ik", spec.Output)
	assert.Equal(t, 2, spec.NumOperands())
	assert.False(t, spec.IsScalar())
	assert.Equal(t, "ij,jk->ik", spec.String())

	spec, err = v.Parse("i,i->", 2)
	require.NoError(t, err)
	assert.True(t, spec.IsScalar())
	assert.Equal(t, "", spec.Output)

	// Repeated labels in an input term are valid (diagonal).
	spec, err = v.Parse("ii->i", 1)
	require.NoError(t, err)
	assert.Equal(t, []string{"ii"}, spec.Inputs)
}

func TestValidatorParseErrors(t *testing.T) {
	v := NewValidator()
	for _, tc := range []struct {
		equation    string
		numOperands int
	}{
		{"", 1},
		{"ij", 1},
		{"ij->", 0},
		{"ij-ji", 1},
		{"iJ->i", 1},
		{"i1->i", 1},
		{"1j->j", 1},
		{"->i", 0},
		{"ij,->i", 2},
		{"i j->i", 1},
		{"ij->ji,", 1},
		{"...ij->ij", 1},
		{"ij,jk->ik", 1}, // Too few operands.
		{"ij,jk->ik", 3}, // Too many operands.
		{"ij->iij", 1},   // Repeated output label.
		{"ij,jk->iz", 2}, // Unknown output label.
	} {
		_, err := v.Parse(tc.equation, tc.numOperands)
		require.Errorf(t, err, "equation %q with %d operands", tc.equation, tc.numOperands)
		var malformed *MalformedEquationError
		assert.ErrorAs(t, err, &malformed)
		assert.True(t, errors.Is(err, ErrMalformedEquation))
		assert.Equal(t, tc.equation, malformed.Equation)
	}
}
