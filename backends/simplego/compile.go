// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package simplego

import (
	"fmt"
	"unsafe"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"golang.org/x/exp/constraints"
)

// numeric are the Go types of the element dtypes a program can operate on.
type numeric interface {
	constraints.Integer | constraints.Float
}

// CompileError is returned when a program parses, but it is not well typed or uses unsupported constructs.
type CompileError struct {
	Offset int
	Msg    string
}

func (e *CompileError) Error() string {
	return fmt.Sprintf("compile error at offset %d: %s", e.Offset, e.Msg)
}

func compileErrorf(n node, format string, args ...any) error {
	return &CompileError{Offset: n.offset(), Msg: fmt.Sprintf(format, args...)}
}

// frame holds the values bound during the evaluation of a program: the parameters and the loop variables.
// Each goroutine evaluating part of a program has its own frame.
type frame[T numeric] struct {
	params [][]T
	ints   []int64
	values []T
	ctx    *Context
}

func (f *frame[T]) clone() *frame[T] {
	return &frame[T]{
		params: f.params,
		ints:   append([]int64(nil), f.ints...),
		values: append([]T(nil), f.values...),
		ctx:    f.ctx,
	}
}

// vector is the runtime value of a vec: values for a vec of scalars, children for nested vecs.
type vector[T numeric] struct {
	values   []T
	children []*vector[T]
}

type symbolKind int

const (
	paramSymbol symbolKind = iota
	intSymbol
	valueSymbol
	builderSymbol
)

type symbol struct {
	kind symbolKind
	slot int
	typ  weldType
}

// scope maps names to symbols, with lexical nesting.
type scope struct {
	parent  *scope
	symbols map[string]symbol
}

func newScope(parent *scope) *scope {
	return &scope{parent: parent, symbols: make(map[string]symbol)}
}

func (s *scope) lookup(name string) (symbol, bool) {
	for ; s != nil; s = s.parent {
		if sym, found := s.symbols[name]; found {
			return sym, true
		}
	}
	return symbol{}, false
}

// compiled is a type-checked node converted to a closure. fn is one of:
//
//   - func(*frame[T]) int64 for i64 scalars.
//   - func(*frame[T]) T for scalars of the program element dtype.
//   - func(*frame[T]) *vector[T] for vectors.
type compiled struct {
	typ weldType
	fn  any
}

// compiler converts a parsed program into closures over frames of element type T.
type compiler[T numeric] struct {
	backend   *Backend
	elemDType dtypes.DType
	elemSize  uint64
	numInts   int
	numValues int
}

// program is the compiled form of a programNode.
type program[T numeric] struct {
	numParams int
	numInts   int
	numValues int
	body      func(*frame[T]) *vector[T]
	aliased   bool // body returns a parameter as is.
}

func compileProgram[T numeric](backend *Backend, root *programNode, elemDType dtypes.DType) (*program[T], error) {
	var zero T
	c := &compiler[T]{backend: backend, elemDType: elemDType, elemSize: uint64(unsafe.Sizeof(zero))}
	sc := newScope(nil)
	for ii, param := range root.params {
		if param.typ.kind != vecKind || param.typ.depth() != 1 || param.typ.leaf().dtype != elemDType {
			return nil, compileErrorf(param, "parameter %q has type %s, all parameters must be of type vec[%s]",
				param.name, param.typ, scalarName(elemDType))
		}
		if _, found := sc.symbols[param.name]; found {
			return nil, compileErrorf(param, "parameter %q defined more than once", param.name)
		}
		sc.symbols[param.name] = symbol{kind: paramSymbol, slot: ii, typ: param.typ}
	}
	body, err := c.compile(root.body, sc, true)
	if err != nil {
		return nil, err
	}
	if body.typ.kind != vecKind || body.typ.depth() != 1 {
		return nil, compileErrorf(root.body, "program must return a flat vec[%s], got %s", scalarName(elemDType), body.typ)
	}
	_, aliased := root.body.(*identNode)
	return &program[T]{
		numParams: len(root.params),
		numInts:   c.numInts,
		numValues: c.numValues,
		body:      body.fn.(func(*frame[T]) *vector[T]),
		aliased:   aliased,
	}, nil
}

// checkScalar verifies that dtype is either the index type (i64) or the program element dtype.
func (c *compiler[T]) checkScalar(n node, typ weldType) error {
	if typ.kind != scalarKind || (typ.dtype != dtypes.Int64 && typ.dtype != c.elemDType) {
		return compileErrorf(n, "values of type %s not supported in a program of %s", typ, scalarName(c.elemDType))
	}
	return nil
}

// checkVector verifies that typ is a (possibly nested) vector of the program element dtype.
func (c *compiler[T]) checkVector(n node, typ weldType) error {
	if typ.kind != vecKind || typ.leaf().kind != scalarKind || typ.leaf().dtype != c.elemDType {
		return compileErrorf(n, "values of type %s not supported in a program of %s", typ, scalarName(c.elemDType))
	}
	return nil
}

// compile type-checks the node and converts it into a closure.
//
// outermost is true for the top-level loop of the program, the one that may be executed in parallel.
func (c *compiler[T]) compile(n node, sc *scope, outermost bool) (compiled, error) {
	switch n := n.(type) {
	case *literalNode:
		return c.compileLiteral(n)
	case *identNode:
		return c.compileIdent(n, sc)
	case *binaryNode:
		return c.compileBinary(n, sc)
	case *callNode:
		switch n.fn {
		case "lookup":
			return c.compileLookup(n, sc)
		case "flatten":
			return c.compileFlatten(n, sc, outermost)
		case "result":
			return c.compileResult(n, sc, outermost)
		default:
			return compiled{}, compileErrorf(n, "%s() can only be used inside result()", n.fn)
		}
	case *builderNode:
		return compiled{}, compileErrorf(n, "builder %s can only be used in for() or merge()", n.typ)
	case *lambdaNode:
		return compiled{}, compileErrorf(n, "functions can only be used as the last argument of for()")
	}
	return compiled{}, compileErrorf(n, "unknown expression %T", n)
}

func (c *compiler[T]) compileLiteral(n *literalNode) (compiled, error) {
	typ := scalarType(n.dtype)
	if err := c.checkScalar(n, typ); err != nil {
		return compiled{}, err
	}
	if n.dtype == dtypes.Int64 {
		value := n.ival
		return compiled{typ: typ, fn: func(*frame[T]) int64 { return value }}, nil
	}
	var value T
	if n.dtype == dtypes.Float64 || n.dtype == dtypes.Float32 {
		value = T(n.fval)
	} else {
		value = T(n.ival)
	}
	return compiled{typ: typ, fn: func(*frame[T]) T { return value }}, nil
}

func (c *compiler[T]) compileIdent(n *identNode, sc *scope) (compiled, error) {
	sym, found := sc.lookup(n.name)
	if !found {
		return compiled{}, compileErrorf(n, "undefined %q", n.name)
	}
	slot := sym.slot
	switch sym.kind {
	case paramSymbol:
		return compiled{typ: sym.typ, fn: func(f *frame[T]) *vector[T] { return &vector[T]{values: f.params[slot]} }}, nil
	case intSymbol:
		return compiled{typ: sym.typ, fn: func(f *frame[T]) int64 { return f.ints[slot] }}, nil
	case valueSymbol:
		return compiled{typ: sym.typ, fn: func(f *frame[T]) T { return f.values[slot] }}, nil
	}
	return compiled{}, compileErrorf(n, "builder %q can only be used as the first argument of merge()", n.name)
}

func binaryOp[T, S numeric](op byte, x, y func(*frame[T]) S) func(*frame[T]) S {
	if op == '+' {
		return func(f *frame[T]) S { return x(f) + y(f) }
	}
	return func(f *frame[T]) S { return x(f) * y(f) }
}

func (c *compiler[T]) compileBinary(n *binaryNode, sc *scope) (compiled, error) {
	x, err := c.compile(n.x, sc, false)
	if err != nil {
		return compiled{}, err
	}
	y, err := c.compile(n.y, sc, false)
	if err != nil {
		return compiled{}, err
	}
	if err = c.checkScalar(n.x, x.typ); err != nil {
		return compiled{}, err
	}
	if !x.typ.equal(y.typ) {
		return compiled{}, compileErrorf(n, "mismatched types %s %c %s", x.typ, n.op, y.typ)
	}
	if x.typ.dtype == dtypes.Int64 {
		return compiled{typ: x.typ, fn: binaryOp(n.op, x.fn.(func(*frame[T]) int64), y.fn.(func(*frame[T]) int64))}, nil
	}
	return compiled{typ: x.typ, fn: binaryOp(n.op, x.fn.(func(*frame[T]) T), y.fn.(func(*frame[T]) T))}, nil
}

func (c *compiler[T]) compileLookup(n *callNode, sc *scope) (compiled, error) {
	vec, err := c.compile(n.args[0], sc, false)
	if err != nil {
		return compiled{}, err
	}
	if err = c.checkVector(n.args[0], vec.typ); err != nil {
		return compiled{}, err
	}
	if vec.typ.depth() != 1 {
		return compiled{}, compileErrorf(n, "lookup() of nested vectors (%s) not supported", vec.typ)
	}
	index, err := c.compile(n.args[1], sc, false)
	if err != nil {
		return compiled{}, err
	}
	if !index.typ.equal(indexType) {
		return compiled{}, compileErrorf(n.args[1], "lookup() index must be i64, got %s", index.typ)
	}
	vecFn := vec.fn.(func(*frame[T]) *vector[T])
	valuesFn := func(f *frame[T]) []T { return vecFn(f).values }
	if id, ok := n.args[0].(*identNode); ok {
		// Parameters are read directly.
		if sym, _ := sc.lookup(id.name); sym.kind == paramSymbol {
			slot := sym.slot
			valuesFn = func(f *frame[T]) []T { return f.params[slot] }
		}
	}
	indexFn := index.fn.(func(*frame[T]) int64)
	return compiled{typ: *vec.typ.elem, fn: func(f *frame[T]) T {
		values := valuesFn(f)
		idx := indexFn(f)
		if idx < 0 || idx >= int64(len(values)) {
			exceptions.Panicf("lookup() index %d out of bounds for vector of length %d", idx, len(values))
		}
		return values[idx]
	}}, nil
}

func (c *compiler[T]) compileFlatten(n *callNode, sc *scope, outermost bool) (compiled, error) {
	x, err := c.compile(n.args[0], sc, outermost)
	if err != nil {
		return compiled{}, err
	}
	if x.typ.kind != vecKind || x.typ.depth() < 2 {
		return compiled{}, compileErrorf(n, "flatten() requires a nested vector, got %s", x.typ)
	}
	xFn := x.fn.(func(*frame[T]) *vector[T])
	innerIsFlat := x.typ.depth() == 2
	elemSize := c.elemSize
	return compiled{typ: *x.typ.elem, fn: func(f *frame[T]) *vector[T] {
		v := xFn(f)
		if innerIsFlat {
			total := 0
			for _, child := range v.children {
				total += len(child.values)
			}
			f.ctx.allocate(uint64(total) * elemSize)
			values := make([]T, 0, total)
			for _, child := range v.children {
				values = append(values, child.values...)
			}
			return &vector[T]{values: values}
		}
		total := 0
		for _, child := range v.children {
			total += len(child.children)
		}
		f.ctx.allocate(uint64(total) * pointerSize)
		children := make([]*vector[T], 0, total)
		for _, child := range v.children {
			children = append(children, child.children...)
		}
		return &vector[T]{children: children}
	}}, nil
}

const pointerSize = uint64(unsafe.Sizeof(uintptr(0)))

// compileResult handles `result(merge(builder, value))` and `result(for(iter, builder, |b, i, x| merge(b, value)))`.
func (c *compiler[T]) compileResult(n *callNode, sc *scope, outermost bool) (compiled, error) {
	call, ok := n.args[0].(*callNode)
	if !ok || (call.fn != "merge" && call.fn != "for") {
		return compiled{}, compileErrorf(n, "result() expects a merge() or for() expression")
	}
	builderArg := call.args[0]
	if call.fn == "for" {
		builderArg = call.args[1]
	}
	builder, ok := builderArg.(*builderNode)
	if !ok {
		return compiled{}, compileErrorf(call, "%s() expects a new builder (appender or merger)", call.fn)
	}
	elemType := *builder.typ.elem
	if builder.typ.kind == mergerKind {
		if err := c.checkScalar(builder, elemType); err != nil {
			return compiled{}, err
		}
	} else if elemType.kind == scalarKind {
		if !elemType.isScalar(c.elemDType) {
			return compiled{}, compileErrorf(builder, "appender of %s not supported in a program of %s", elemType, scalarName(c.elemDType))
		}
	} else if err := c.checkVector(builder, elemType); err != nil {
		return compiled{}, err
	}
	if call.fn == "merge" {
		return c.compileSingleMerge(call, builder, sc)
	}
	return c.compileFor(call, builder, sc, outermost)
}

func (c *compiler[T]) compileSingleMerge(call *callNode, builder *builderNode, sc *scope) (compiled, error) {
	elemType := *builder.typ.elem
	value, err := c.compile(call.args[1], sc, false)
	if err != nil {
		return compiled{}, err
	}
	if !value.typ.equal(elemType) {
		return compiled{}, compileErrorf(call.args[1], "merge() of %s into %s", value.typ, builder.typ)
	}
	if builder.typ.kind == mergerKind {
		// A merger with a single value results in the value itself.
		return value, nil
	}
	elemSize := c.elemSize
	if elemType.kind == scalarKind {
		valueFn := value.fn.(func(*frame[T]) T)
		return compiled{typ: vecType(elemType), fn: func(f *frame[T]) *vector[T] {
			f.ctx.allocate(elemSize)
			return &vector[T]{values: []T{valueFn(f)}}
		}}, nil
	}
	valueFn := value.fn.(func(*frame[T]) *vector[T])
	return compiled{typ: vecType(elemType), fn: func(f *frame[T]) *vector[T] {
		f.ctx.allocate(pointerSize)
		return &vector[T]{children: []*vector[T]{valueFn(f)}}
	}}, nil
}

// loopRange is the runtime description of the iterations of a for() loop.
type loopRange[T numeric] struct {
	start, stride int64
	count         int
	values        []T // Elements when iterating over a vector.
}

func (c *compiler[T]) compileFor(call *callNode, builder *builderNode, sc *scope, outermost bool) (compiled, error) {
	lambda, ok := call.args[2].(*lambdaNode)
	if !ok || len(lambda.params) != 3 {
		return compiled{}, compileErrorf(call.args[2], "for() expects a function |builder, index, element| as last argument")
	}
	inner := newScope(sc)
	inner.symbols[lambda.params[0]] = symbol{kind: builderSymbol, typ: builder.typ}
	indexSlot := c.numInts
	c.numInts++
	inner.symbols[lambda.params[1]] = symbol{kind: intSymbol, slot: indexSlot, typ: indexType}

	// Iterator: either rangeiter(start, end, stride) or a flat vector.
	var rangeFn func(f *frame[T]) loopRange[T]
	var bindElement func(f *frame[T], r loopRange[T], k int, index int64)
	if iter, isRange := call.args[0].(*callNode); isRange && iter.fn == "rangeiter" {
		bounds := make([]func(*frame[T]) int64, 3)
		for ii, arg := range iter.args {
			bound, err := c.compile(arg, sc, false)
			if err != nil {
				return compiled{}, err
			}
			if !bound.typ.equal(indexType) {
				return compiled{}, compileErrorf(arg, "rangeiter() arguments must be i64, got %s", bound.typ)
			}
			bounds[ii] = bound.fn.(func(*frame[T]) int64)
		}
		rangeFn = func(f *frame[T]) loopRange[T] {
			start, end, stride := bounds[0](f), bounds[1](f), bounds[2](f)
			if stride <= 0 {
				exceptions.Panicf("rangeiter() stride must be positive, got %d", stride)
			}
			count := int64(0)
			if end > start {
				count = (end - start + stride - 1) / stride
			}
			return loopRange[T]{start: start, stride: stride, count: int(count)}
		}
		elementSlot := c.numInts
		c.numInts++
		inner.symbols[lambda.params[2]] = symbol{kind: intSymbol, slot: elementSlot, typ: indexType}
		bindElement = func(f *frame[T], _ loopRange[T], _ int, value int64) { f.ints[elementSlot] = value }
	} else {
		vec, err := c.compile(call.args[0], sc, false)
		if err != nil {
			return compiled{}, err
		}
		if err = c.checkVector(call.args[0], vec.typ); err != nil {
			return compiled{}, err
		}
		if vec.typ.depth() != 1 {
			return compiled{}, compileErrorf(call.args[0], "for() over nested vectors (%s) not supported", vec.typ)
		}
		vecFn := vec.fn.(func(*frame[T]) *vector[T])
		elementSlot := c.numValues
		c.numValues++
		inner.symbols[lambda.params[2]] = symbol{kind: valueSymbol, slot: elementSlot, typ: *vec.typ.elem}
		rangeFn = func(f *frame[T]) loopRange[T] {
			values := vecFn(f).values
			return loopRange[T]{start: 0, stride: 1, count: len(values), values: values}
		}
		bindElement = func(f *frame[T], r loopRange[T], k int, _ int64) { f.values[elementSlot] = r.values[k] }
	}

	// Body: merge(builder, value).
	merge, ok := lambda.body.(*callNode)
	if !ok || merge.fn != "merge" {
		return compiled{}, compileErrorf(lambda.body, "for() function body must be merge(%s, value)", lambda.params[0])
	}
	if target, ok := merge.args[0].(*identNode); !ok || target.name != lambda.params[0] {
		return compiled{}, compileErrorf(merge.args[0], "merge() must target the loop builder %q", lambda.params[0])
	}
	value, err := c.compile(merge.args[1], inner, false)
	if err != nil {
		return compiled{}, err
	}
	elemType := *builder.typ.elem
	if !value.typ.equal(elemType) {
		return compiled{}, compileErrorf(merge.args[1], "merge() of %s into %s", value.typ, builder.typ)
	}

	iterate := func(f *frame[T], r loopRange[T], k int) {
		f.ints[indexSlot] = int64(k)
		bindElement(f, r, k, r.start+int64(k)*r.stride)
	}

	if builder.typ.kind == mergerKind {
		op := builder.typ.op
		if elemType.dtype == dtypes.Int64 {
			return compiled{typ: elemType, fn: mergerLoop(op, rangeFn, iterate, value.fn.(func(*frame[T]) int64))}, nil
		}
		return compiled{typ: elemType, fn: mergerLoop(op, rangeFn, iterate, value.fn.(func(*frame[T]) T))}, nil
	}

	parallel := outermost && c.backend != nil && c.backend.pool.IsEnabled()
	backend := c.backend
	elemSize := c.elemSize
	resultType := vecType(elemType)
	if elemType.kind == scalarKind {
		valueFn := value.fn.(func(*frame[T]) T)
		return compiled{typ: resultType, fn: func(f *frame[T]) *vector[T] {
			r := rangeFn(f)
			f.ctx.allocate(uint64(r.count) * elemSize)
			values := make([]T, r.count)
			runLoop(backend, parallel, f, r.count, func(f *frame[T], k int) {
				iterate(f, r, k)
				values[k] = valueFn(f)
			})
			return &vector[T]{values: values}
		}}, nil
	}
	valueFn := value.fn.(func(*frame[T]) *vector[T])
	return compiled{typ: resultType, fn: func(f *frame[T]) *vector[T] {
		r := rangeFn(f)
		f.ctx.allocate(uint64(r.count) * pointerSize)
		children := make([]*vector[T], r.count)
		runLoop(backend, parallel, f, r.count, func(f *frame[T], k int) {
			iterate(f, r, k)
			children[k] = valueFn(f)
		})
		return &vector[T]{children: children}
	}}, nil
}

func mergerLoop[T, S numeric](op byte, rangeFn func(*frame[T]) loopRange[T], iterate func(*frame[T], loopRange[T], int),
	valueFn func(*frame[T]) S) func(*frame[T]) S {
	var identity S
	if op == '*' {
		identity = 1
	}
	return func(f *frame[T]) S {
		r := rangeFn(f)
		acc := identity
		for k := range r.count {
			iterate(f, r, k)
			if op == '+' {
				acc += valueFn(f)
			} else {
				acc *= valueFn(f)
			}
		}
		return acc
	}
}
