// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package einsum

import (
	"fmt"
	"strings"

	"github.com/gomlx/gopjrt/dtypes"
)

// Type of a program expression: a scalar of DType (Depth == 0), or a vector nested Depth levels deep.
type Type struct {
	DType dtypes.DType
	Depth int
}

// ScalarType returns the scalar Type for dtype.
func ScalarType(dtype dtypes.DType) Type { return Type{DType: dtype} }

// VecOf returns a vector type whose elements are of type t.
func VecOf(t Type) Type { return Type{DType: t.DType, Depth: t.Depth + 1} }

// IsScalar returns whether t is a scalar type.
func (t Type) IsScalar() bool { return t.Depth == 0 }

// String renders the type in the program language, e.g.: "vec[vec[f32]]".
func (t Type) String() string {
	name, err := WeldScalarName(t.DType)
	if err != nil {
		name = "?" + t.DType.String()
	}
	for range t.Depth {
		name = "vec[" + name + "]"
	}
	return name
}

// Expr is a node of the expression tree of an einsum program.
//
// The tree is built by CompileProgram and rendered to the program text with String.
type Expr interface {
	// Type of the value the expression evaluates to.
	Type() Type

	// String renders the expression in the program language.
	String() string

	render(w *strings.Builder)
}

func renderToString(e Expr) string {
	var w strings.Builder
	e.render(&w)
	return w.String()
}

// Names used for the builder and element binders of the loop functions. They are longer than one
// character, so they never clash with an axis label.
const (
	builderBinder = "bld"
	elementBinder = "elt"
)

// Param is a program parameter: the flat data of one operand.
type Param struct {
	Name    string
	Operand int
	DType   dtypes.DType
}

func (p *Param) Type() Type                { return VecOf(ScalarType(p.DType)) }
func (p *Param) String() string            { return renderToString(p) }
func (p *Param) render(w *strings.Builder) { w.WriteString(p.Name) }

// Term is one axis' contribution to a flat offset: `axis * stride`.
type Term struct {
	Label  rune
	Stride int
}

// IndexFormula is the row-major flat offset of an element of an operand, for the current values of the axes'
// loop variables: the sum of its Terms.
type IndexFormula struct {
	Terms []Term
}

func (f *IndexFormula) Type() Type     { return ScalarType(dtypes.Int64) }
func (f *IndexFormula) String() string { return renderToString(f) }
func (f *IndexFormula) render(w *strings.Builder) {
	for ii, term := range f.Terms {
		if ii > 0 {
			w.WriteString(" + ")
		}
		fmt.Fprintf(w, "(%c * %dL)", term.Label, term.Stride)
	}
}

// Lookup reads the element of an operand at the flat offset given by Index.
type Lookup struct {
	Param *Param
	Index *IndexFormula
}

func (l *Lookup) Type() Type     { return ScalarType(l.Param.DType) }
func (l *Lookup) String() string { return renderToString(l) }
func (l *Lookup) render(w *strings.Builder) {
	w.WriteString("lookup(")
	l.Param.render(w)
	w.WriteString(", ")
	l.Index.render(w)
	w.WriteString(")")
}

// Product multiplies its factors, all scalars of the same dtype.
type Product struct {
	Factors []Expr
}

func (p *Product) Type() Type     { return p.Factors[0].Type() }
func (p *Product) String() string { return renderToString(p) }
func (p *Product) render(w *strings.Builder) {
	for ii, factor := range p.Factors {
		if ii > 0 {
			w.WriteString(" * ")
		}
		factor.render(w)
	}
}

// Reduce sums Body over all values of the axis Label in [0, Extent), binding the axis variable.
type Reduce struct {
	Label  rune
	Extent int
	DType  dtypes.DType
	Body   Expr
}

func (r *Reduce) Type() Type     { return ScalarType(r.DType) }
func (r *Reduce) String() string { return renderToString(r) }
func (r *Reduce) render(w *strings.Builder) {
	renderFor(w, r.Label, r.Extent, fmt.Sprintf("merger[%s, +]", ScalarType(r.DType)), r.Body)
}

// Loop builds a vector with the values of Body for each value of the axis Label in [0, Extent).
type Loop struct {
	Label  rune
	Extent int
	Body   Expr
}

func (l *Loop) Type() Type     { return VecOf(l.Body.Type()) }
func (l *Loop) String() string { return renderToString(l) }
func (l *Loop) render(w *strings.Builder) {
	renderFor(w, l.Label, l.Extent, fmt.Sprintf("appender[%s]", l.Body.Type()), l.Body)
}

func renderFor(w *strings.Builder, label rune, extent int, builder string, body Expr) {
	fmt.Fprintf(w, "result(for(rangeiter(0L, %dL, 1L), %s, |%s, %c, %s| merge(%s, ",
		extent, builder, builderBinder, label, elementBinder, builderBinder)
	body.render(w)
	w.WriteString(")))")
}

// Flatten concatenates the inner vectors of a nested vector, reducing its depth by one.
type Flatten struct {
	X Expr
}

func (f *Flatten) Type() Type     { t := f.X.Type(); t.Depth--; return t }
func (f *Flatten) String() string { return renderToString(f) }
func (f *Flatten) render(w *strings.Builder) {
	w.WriteString("flatten(")
	f.X.render(w)
	w.WriteString(")")
}

// Singleton wraps a scalar into a vector with one element.
type Singleton struct {
	X Expr
}

func (s *Singleton) Type() Type     { return VecOf(s.X.Type()) }
func (s *Singleton) String() string { return renderToString(s) }
func (s *Singleton) render(w *strings.Builder) {
	fmt.Fprintf(w, "result(merge(appender[%s], ", s.X.Type())
	s.X.render(w)
	w.WriteString("))")
}

// Program is the root of the expression tree: a function taking one flat vector per operand, whose Body
// evaluates to the flat result.
type Program struct {
	Params []*Param
	DType  dtypes.DType
	Body   Expr

	text string
}

func newProgram(params []*Param, dtype dtypes.DType, body Expr) *Program {
	p := &Program{Params: params, DType: dtype, Body: body}
	p.text = renderToString(p)
	return p
}

// NumParams returns the number of parameters of the program, one per operand.
func (p *Program) NumParams() int { return len(p.Params) }

// Type of the value returned by the program: always a flat vector.
func (p *Program) Type() Type { return p.Body.Type() }

// String returns the program text.
func (p *Program) String() string { return p.text }

func (p *Program) render(w *strings.Builder) {
	w.WriteString("|")
	for ii, param := range p.Params {
		if ii > 0 {
			w.WriteString(", ")
		}
		fmt.Fprintf(w, "%s: %s", param.Name, param.Type())
	}
	w.WriteString("| ")
	p.Body.render(w)
}
