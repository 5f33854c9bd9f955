// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package shapes

import (
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/require"
)

func TestShape(t *testing.T) {
	require.False(t, Shape{}.Ok())

	shape0 := Make(dtypes.Float64)
	require.True(t, shape0.Ok())
	require.Equal(t, 0, shape0.Rank())
	require.Len(t, shape0.Dimensions, 0)
	require.Equal(t, 1, shape0.Size())
	require.Equal(t, 8, int(shape0.Memory()))

	shape1 := Make(dtypes.Float32, 4, 3, 2)
	require.True(t, shape1.Ok())
	require.Equal(t, 3, shape1.Rank())
	require.Equal(t, 4*3*2, shape1.Size())
	require.Equal(t, 4*4*3*2, int(shape1.Memory()))

	require.Panics(t, func() { _ = Make(dtypes.Int32, 2, 0) })
}

func TestEqual(t *testing.T) {
	s := Make(dtypes.Int32, 2, 3)
	require.True(t, s.Equal(s.Clone()))
	require.False(t, s.Equal(Make(dtypes.Int64, 2, 3)))
	require.False(t, s.Equal(Make(dtypes.Int32, 3, 2)))
	require.False(t, s.Equal(Make(dtypes.Int32, 2, 3, 1)))
}

func TestRowMajorStrides(t *testing.T) {
	require.Equal(t, []int{15, 5, 1}, RowMajorStrides([]int{2, 3, 5}))
	require.Equal(t, []int{1}, RowMajorStrides([]int{7}))
	require.Nil(t, RowMajorStrides(nil))
	require.Equal(t, []int{3, 3, 1}, RowMajorStrides([]int{4, 1, 3}))
}
