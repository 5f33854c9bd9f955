// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package tensors implements a `Tensor`, a dense multidimensional array stored as a flat (1D) slice
// in row-major order, plus its shape (dtype and axes' dimensions).
//
// Tensors are the operands and results of einsum evaluations. They are passive containers: all the
// logic lives in the einsum compiler and in the backends.
//
// There are various ways to construct a Tensor:
//
//   - FromShape(shape shapes.Shape): creates a tensor with the given shape, and zero values.
//
//   - FromFlatDataAndDimensions[T dtypes.Supported](data []T, dimensions ...int): creates a Tensor with the
//     given dimensions and set the flattened values with the given data. Example:
//
//     t := FromFlatDataAndDimensions([]int32{1, 2, 3, 4}, 2, 2) // Tensor with [[1,2], [3,4]]
//
//   - FromFlat(flat any, dimensions ...int): takes ownership of a flat slice (no copy), the dtype is inferred from
//     the slice element type. Used to wrap buffers returned by a backend.
package tensors

import (
	"fmt"
	"reflect"
	"slices"
	"strings"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/lazylife7157/knut/pkg/core/shapes"
	"github.com/pkg/errors"
)

// Tensor represents a multidimensional array, defined by its shape (a dtypes.DType and its axes' dimensions)
// and its content stored as a flat slice of the Go type corresponding to the DType.
//
// A Tensor is immutable from the point of view of the einsum evaluation: operands are only read, and results
// are always freshly allocated.
type Tensor struct {
	shape shapes.Shape

	// flat is always a slice of the Go type corresponding to shape.DType.
	flat any
}

// FromShape returns a tensor with the given shape, with zero values.
func FromShape(shape shapes.Shape) *Tensor {
	if !shape.Ok() {
		exceptions.Panicf("tensors.FromShape(%s): invalid shape", shape)
	}
	goType := shape.DType.GoType()
	if goType == nil {
		exceptions.Panicf("tensors.FromShape(%s): dtype not supported", shape)
	}
	size := shape.Size()
	return &Tensor{
		shape: shape.Clone(),
		flat:  reflect.MakeSlice(reflect.SliceOf(goType), size, size).Interface(),
	}
}

// FromFlatDataAndDimensions creates a tensor with the given dimensions, filled with the flattened values given in `data`.
// The data is copied to the Tensor.
// The `DType` is inferred from the `data` type.
//
// It panics if the size of data is wrong for the shape.
func FromFlatDataAndDimensions[T dtypes.Supported](data []T, dimensions ...int) *Tensor {
	dtype := dtypes.FromGenericsType[T]()
	shape := shapes.Make(dtype, dimensions...)
	if len(data) != shape.Size() {
		exceptions.Panicf(
			"FromFlatDataAndDimensions(%s): data size is %d, but dimensions size is %d",
			shape,
			len(data),
			shape.Size(),
		)
	}
	t := FromShape(shape)
	var dummy T
	switch any(dummy).(type) {
	case int:
		// The tensor data is int32 or int64 depending on the platform: convert element by element.
		dst := reflect.ValueOf(t.flat)
		for ii, v := range data {
			dst.Index(ii).Set(reflect.ValueOf(v).Convert(dst.Type().Elem()))
		}
	default:
		copy(t.flat.([]T), data)
	}
	return t
}

// FromFlat creates a tensor that takes ownership of the given flat slice, without copying it.
// The dtype is inferred from the slice element type.
//
// It returns an error if flat is not a slice of a supported type, or if its length doesn't match the dimensions.
func FromFlat(flat any, dimensions ...int) (*Tensor, error) {
	flatT := reflect.TypeOf(flat)
	if flatT == nil || flatT.Kind() != reflect.Slice {
		return nil, errors.Errorf("tensors.FromFlat: expected a flat slice, got %T", flat)
	}
	dtype := dtypes.FromGoType(flatT.Elem())
	if dtype == dtypes.InvalidDType {
		return nil, errors.Errorf("tensors.FromFlat: unsupported element type %s", flatT.Elem())
	}
	for _, dim := range dimensions {
		if dim <= 0 {
			return nil, errors.Errorf("tensors.FromFlat: invalid dimensions %v", dimensions)
		}
	}
	shape := shapes.Make(dtype, dimensions...)
	if length := reflect.ValueOf(flat).Len(); length != shape.Size() {
		return nil, errors.Errorf("tensors.FromFlat(%s): flat data has %d elements, wanted %d", shape, length, shape.Size())
	}
	return &Tensor{shape: shape, flat: flat}, nil
}

// Shape of the tensor, includes DType.
func (t *Tensor) Shape() shapes.Shape { return t.shape }

// DType returns the DType of the tensor's shape.
// It is a shortcut to `Tensor.Shape().DType`.
func (t *Tensor) DType() dtypes.DType {
	if t == nil {
		return dtypes.InvalidDType
	}
	return t.shape.DType
}

// Rank returns the rank of the tensor's shape.
func (t *Tensor) Rank() int { return t.shape.Rank() }

// Size returns the number of elements in the tensor.
func (t *Tensor) Size() int { return t.shape.Size() }

// Memory returns the number of bytes used to store the tensor. An alias to Tensor.Shape().Memory().
func (t *Tensor) Memory() uintptr { return t.shape.Memory() }

// Ok returns whether the Tensor is in a valid state.
func (t *Tensor) Ok() bool {
	return t != nil && t.shape.Ok() && t.flat != nil
}

// Flat returns the flat slice (`[]T` for the tensor's dtype) backing the tensor.
//
// The slice is borrowed: it must not be mutated nor retained by the caller.
func (t *Tensor) Flat() any {
	return t.flat
}

// ConstFlatData calls accessFn with the flat data of the tensor, typed as `[]T`.
//
// It returns an error if T doesn't match the tensor's DType.
func ConstFlatData[T dtypes.Supported](t *Tensor, accessFn func(flat []T)) error {
	flat, ok := t.flat.([]T)
	if !ok {
		var dummy T
		return errors.Errorf("ConstFlatData[%T] is incompatible with Tensor's dtype %s", dummy, t.shape.DType)
	}
	accessFn(flat)
	return nil
}

// CopyFlatData returns a copy of the flat data of the Tensor.
//
// It returns an error if T doesn't match the tensor's DType.
func CopyFlatData[T dtypes.Supported](t *Tensor) ([]T, error) {
	var flatCopy []T
	err := ConstFlatData(t, func(flat []T) {
		flatCopy = slices.Clone(flat)
	})
	return flatCopy, err
}

// MustCopyFlatData is like CopyFlatData but panics on error.
func MustCopyFlatData[T dtypes.Supported](t *Tensor) []T {
	flat, err := CopyFlatData[T](t)
	if err != nil {
		panic(err)
	}
	return flat
}

// Reshape returns a new tensor sharing the same flat data, with new dimensions.
// The total size must not change.
func (t *Tensor) Reshape(dimensions ...int) (*Tensor, error) {
	for _, dim := range dimensions {
		if dim <= 0 {
			return nil, errors.Errorf("Reshape(%v): invalid dimensions for tensor %s", dimensions, t.shape)
		}
	}
	newShape := shapes.Make(t.shape.DType, dimensions...)
	if newShape.Size() != t.shape.Size() {
		return nil, errors.Errorf("Reshape(%v): size %d doesn't match tensor %s of size %d",
			dimensions, newShape.Size(), t.shape, t.shape.Size())
	}
	return &Tensor{shape: newShape, flat: t.flat}, nil
}

// Equal checks whether t and otherTensor have the same shape and the same values.
func (t *Tensor) Equal(otherTensor *Tensor) bool {
	if t == otherTensor {
		return true
	}
	if !t.Ok() || !otherTensor.Ok() || !t.shape.Equal(otherTensor.shape) {
		return false
	}
	return reflect.DeepEqual(t.flat, otherTensor.flat)
}

// MaxStringElements is the maximum number of elements printed by Tensor.String.
var MaxStringElements = 32

// String implements fmt.Stringer. Large tensors are truncated to MaxStringElements.
func (t *Tensor) String() string {
	if !t.Ok() {
		return "Tensor(invalid)"
	}
	flatV := reflect.ValueOf(t.flat)
	n := min(flatV.Len(), MaxStringElements)
	parts := make([]string, 0, n+1)
	for ii := range n {
		parts = append(parts, fmt.Sprintf("%v", flatV.Index(ii).Interface()))
	}
	if n < flatV.Len() {
		parts = append(parts, "...")
	}
	return fmt.Sprintf("%s: [%s]", t.shape, strings.Join(parts, " "))
}
