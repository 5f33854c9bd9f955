// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package simplego

import (
	"fmt"

	"github.com/gomlx/gopjrt/dtypes"
)

// typeKind enumerates the kinds of types of the program language.
type typeKind int

const (
	scalarKind typeKind = iota
	vecKind
	appenderKind
	mergerKind
)

// weldType is the type of a value in a program.
type weldType struct {
	kind  typeKind
	dtype dtypes.DType // For scalarKind.
	elem  *weldType    // For vecKind, appenderKind and mergerKind.
	op    byte         // For mergerKind: '+' or '*'.
}

func scalarType(dtype dtypes.DType) weldType { return weldType{kind: scalarKind, dtype: dtype} }

func vecType(elem weldType) weldType { return weldType{kind: vecKind, elem: &elem} }

var indexType = scalarType(dtypes.Int64)

func (t weldType) isScalar(dtype dtypes.DType) bool {
	return t.kind == scalarKind && t.dtype == dtype
}

// depth is the number of nested vectors, 0 for scalars.
func (t weldType) depth() int {
	if t.kind != vecKind {
		return 0
	}
	return 1 + t.elem.depth()
}

// leaf returns the innermost (scalar) type.
func (t weldType) leaf() weldType {
	if t.elem == nil {
		return t
	}
	return t.elem.leaf()
}

func (t weldType) equal(other weldType) bool {
	if t.kind != other.kind || t.dtype != other.dtype || t.op != other.op {
		return false
	}
	if t.elem == nil || other.elem == nil {
		return t.elem == other.elem
	}
	return t.elem.equal(*other.elem)
}

var scalarNames = map[string]dtypes.DType{
	"bool": dtypes.Bool,
	"i8":   dtypes.Int8,
	"i16":  dtypes.Int16,
	"i32":  dtypes.Int32,
	"i64":  dtypes.Int64,
	"u8":   dtypes.Uint8,
	"u16":  dtypes.Uint16,
	"u32":  dtypes.Uint32,
	"u64":  dtypes.Uint64,
	"f32":  dtypes.Float32,
	"f64":  dtypes.Float64,
}

func scalarName(dtype dtypes.DType) string {
	for name, d := range scalarNames {
		if d == dtype {
			return name
		}
	}
	return dtype.String()
}

func (t weldType) String() string {
	switch t.kind {
	case scalarKind:
		return scalarName(t.dtype)
	case vecKind:
		return fmt.Sprintf("vec[%s]", t.elem)
	case appenderKind:
		return fmt.Sprintf("appender[%s]", t.elem)
	case mergerKind:
		return fmt.Sprintf("merger[%s, %c]", t.elem, t.op)
	}
	return "?"
}

// node is a node of the parsed program.
type node interface {
	// offset of the node in the program text, for error messages.
	offset() int
}

type position int

func (p position) offset() int { return int(p) }

type (
	// programNode is the root: `|name: type, ...| body`.
	programNode struct {
		position
		params []*paramNode
		body   node
	}

	paramNode struct {
		position
		name string
		typ  weldType
	}

	identNode struct {
		position
		name string
	}

	literalNode struct {
		position
		dtype dtypes.DType
		ival  int64
		fval  float64
	}

	binaryNode struct {
		position
		op   byte
		x, y node
	}

	// callNode is one of the builtin functions: lookup, result, merge, flatten, rangeiter, for.
	callNode struct {
		position
		fn   string
		args []node
	}

	// builderNode is a new builder: `appender[T]` or `merger[T, op]`.
	builderNode struct {
		position
		typ weldType
	}

	// lambdaNode is a function literal `|b, i, x| body`, only used as the last argument of `for`.
	lambdaNode struct {
		position
		params []string
		body   node
	}
)
