// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package simplego

import (
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokenize(t *testing.T) {
	tokens, err := tokenize("|arg0: vec[i32]| lookup(arg0, (i * 3L) + 1.5)")
	require.NoError(t, err)
	var texts []string
	for _, tok := range tokens[:len(tokens)-1] {
		texts = append(texts, tok.text)
	}
	assert.Equal(t, []string{"|", "arg0", ":", "vec", "[", "i32", "]", "|", "lookup", "(", "arg0", ",", "(", "i", "*",
		"3L", ")", "+", "1.5", ")"}, texts)
	assert.Equal(t, tokInt, tokens[15].kind)
	assert.Equal(t, tokFloat, tokens[18].kind)
	assert.Equal(t, tokEOF, tokens[len(tokens)-1].kind)

	_, err = tokenize("|x: vec[i32]| x - 1")
	var syntaxErr *SyntaxError
	require.ErrorAs(t, err, &syntaxErr)
	assert.Equal(t, 16, syntaxErr.Offset)
}

func TestParseProgram(t *testing.T) {
	root, err := parseProgram(
		"|arg0: vec[f32], arg1: vec[f32]| result(for(rangeiter(0L, 2L, 1L), merger[f32, +], |bld, i, elt| merge(bld, lookup(arg0, i) * lookup(arg1, i))))")
	require.NoError(t, err)
	require.Len(t, root.params, 2)
	assert.Equal(t, "arg1", root.params[1].name)
	assert.Equal(t, "vec[f32]", root.params[1].typ.String())

	result, ok := root.body.(*callNode)
	require.True(t, ok)
	assert.Equal(t, "result", result.fn)
	loop := result.args[0].(*callNode)
	assert.Equal(t, "for", loop.fn)
	builder := loop.args[1].(*builderNode)
	assert.Equal(t, "merger[f32, +]", builder.typ.String())
	lambda := loop.args[2].(*lambdaNode)
	assert.Equal(t, []string{"bld", "i", "elt"}, lambda.params)
	merge := lambda.body.(*callNode)
	product := merge.args[1].(*binaryNode)
	assert.Equal(t, byte('*'), product.op)

	// Literals.
	root, err = parseProgram("|x: vec[i64]| 1 + 2L * 3.5")
	require.NoError(t, err)
	sum := root.body.(*binaryNode)
	assert.Equal(t, dtypes.Int32, sum.x.(*literalNode).dtype)
	mul := sum.y.(*binaryNode)
	assert.Equal(t, dtypes.Int64, mul.x.(*literalNode).dtype)
	assert.Equal(t, int64(2), mul.x.(*literalNode).ival)
	assert.Equal(t, dtypes.Float64, mul.y.(*literalNode).dtype)
	assert.Equal(t, 3.5, mul.y.(*literalNode).fval)
}

func TestParseProgramErrors(t *testing.T) {
	for _, program := range []string{
		"",
		"x",
		"|x vec[i32]| x",
		"|x: vec[i33]| x",
		"|x: vec[i32]|",
		"|x: vec[i32]| x x",
		"|x: vec[i32]| lookup(x)",
		"|x: vec[i32]| lookup(x, 1L, 2L)",
		"|x: vec[i32]| result(merge(merger[i32, -], 1))",
		"|x: vec[i32]| (x",
		"|x: vec[i32]| 1.2.3",
	} {
		_, err := parseProgram(program)
		var syntaxErr *SyntaxError
		assert.ErrorAsf(t, err, &syntaxErr, "program %q should fail to parse", program)
	}
}
