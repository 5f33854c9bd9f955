// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package simplego

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
)

type tokenKind int

const (
	tokEOF tokenKind = iota
	tokIdent
	tokInt
	tokFloat
	tokPunct
)

type token struct {
	kind tokenKind
	text string
	pos  int
}

func (t token) String() string {
	if t.kind == tokEOF {
		return "end of program"
	}
	return strconv.Quote(t.text)
}

// SyntaxError is returned when a program text can't be parsed.
type SyntaxError struct {
	Offset int
	Msg    string
}

func (e *SyntaxError) Error() string {
	return fmt.Sprintf("syntax error at offset %d: %s", e.Offset, e.Msg)
}

// tokenize splits the program text into tokens.
func tokenize(text string) ([]token, error) {
	var tokens []token
	runes := []rune(text)
	for pos := 0; pos < len(runes); {
		r := runes[pos]
		switch {
		case unicode.IsSpace(r):
			pos++
		case unicode.IsLetter(r) || r == '_':
			start := pos
			for pos < len(runes) && (unicode.IsLetter(runes[pos]) || unicode.IsDigit(runes[pos]) || runes[pos] == '_') {
				pos++
			}
			tokens = append(tokens, token{kind: tokIdent, text: string(runes[start:pos]), pos: start})
		case unicode.IsDigit(r):
			start := pos
			kind := tokInt
			for pos < len(runes) && (unicode.IsDigit(runes[pos]) || runes[pos] == '.') {
				if runes[pos] == '.' {
					kind = tokFloat
				}
				pos++
			}
			// Integer suffix "L" for i64.
			if kind == tokInt && pos < len(runes) && runes[pos] == 'L' {
				pos++
			}
			tokens = append(tokens, token{kind: kind, text: string(runes[start:pos]), pos: start})
		case strings.ContainsRune("|,:[]()+*", r):
			tokens = append(tokens, token{kind: tokPunct, text: string(r), pos: pos})
			pos++
		default:
			return nil, &SyntaxError{Offset: pos, Msg: fmt.Sprintf("unexpected character %q", r)}
		}
	}
	tokens = append(tokens, token{kind: tokEOF, pos: len(runes)})
	return tokens, nil
}

// parser is a recursive descent parser for the program language.
type parser struct {
	tokens []token
	pos    int
}

// parseProgram parses the program text into its syntax tree.
func parseProgram(text string) (program *programNode, err error) {
	tokens, err := tokenize(text)
	if err != nil {
		return nil, err
	}
	p := &parser{tokens: tokens}
	program, err = p.program()
	if err != nil {
		return nil, err
	}
	if tok := p.peek(); tok.kind != tokEOF {
		return nil, p.errorf(tok, "unexpected %s after the end of the program", tok)
	}
	return program, nil
}

func (p *parser) peek() token { return p.tokens[p.pos] }

func (p *parser) next() token {
	tok := p.tokens[p.pos]
	if tok.kind != tokEOF {
		p.pos++
	}
	return tok
}

func (p *parser) errorf(tok token, format string, args ...any) error {
	return &SyntaxError{Offset: tok.pos, Msg: fmt.Sprintf(format, args...)}
}

func (p *parser) isPunct(text string) bool {
	tok := p.peek()
	return tok.kind == tokPunct && tok.text == text
}

func (p *parser) expect(text string) (token, error) {
	tok := p.next()
	if (tok.kind != tokPunct && tok.kind != tokIdent) || tok.text != text {
		return tok, p.errorf(tok, "expected %q, got %s", text, tok)
	}
	return tok, nil
}

func (p *parser) ident() (token, error) {
	tok := p.next()
	if tok.kind != tokIdent {
		return tok, p.errorf(tok, "expected identifier, got %s", tok)
	}
	return tok, nil
}

func (p *parser) program() (*programNode, error) {
	start, err := p.expect("|")
	if err != nil {
		return nil, err
	}
	program := &programNode{position: position(start.pos)}
	for !p.isPunct("|") {
		if len(program.params) > 0 {
			if _, err = p.expect(","); err != nil {
				return nil, err
			}
		}
		name, err := p.ident()
		if err != nil {
			return nil, err
		}
		if _, err = p.expect(":"); err != nil {
			return nil, err
		}
		typ, err := p.typ()
		if err != nil {
			return nil, err
		}
		program.params = append(program.params, &paramNode{position: position(name.pos), name: name.text, typ: typ})
	}
	p.next() // Closing "|".
	program.body, err = p.expr()
	if err != nil {
		return nil, err
	}
	return program, nil
}

func (p *parser) typ() (weldType, error) {
	tok, err := p.ident()
	if err != nil {
		return weldType{}, err
	}
	if tok.text == "vec" {
		if _, err = p.expect("["); err != nil {
			return weldType{}, err
		}
		elem, err := p.typ()
		if err != nil {
			return weldType{}, err
		}
		if _, err = p.expect("]"); err != nil {
			return weldType{}, err
		}
		return vecType(elem), nil
	}
	dtype, found := scalarNames[tok.text]
	if !found {
		return weldType{}, p.errorf(tok, "unknown type %s", tok)
	}
	return scalarType(dtype), nil
}

// expr parses sums: `term + term + ...`.
func (p *parser) expr() (node, error) {
	x, err := p.term()
	if err != nil {
		return nil, err
	}
	for p.isPunct("+") {
		opTok := p.next()
		y, err := p.term()
		if err != nil {
			return nil, err
		}
		x = &binaryNode{position: position(opTok.pos), op: '+', x: x, y: y}
	}
	return x, nil
}

// term parses products: `primary * primary * ...`.
func (p *parser) term() (node, error) {
	x, err := p.primary()
	if err != nil {
		return nil, err
	}
	for p.isPunct("*") {
		opTok := p.next()
		y, err := p.primary()
		if err != nil {
			return nil, err
		}
		x = &binaryNode{position: position(opTok.pos), op: '*', x: x, y: y}
	}
	return x, nil
}

var builtinArity = map[string]int{
	"lookup":    2,
	"result":    1,
	"merge":     2,
	"flatten":   1,
	"rangeiter": 3,
	"for":       3,
}

func (p *parser) primary() (node, error) {
	tok := p.next()
	switch tok.kind {
	case tokInt:
		return parseIntLiteral(tok)
	case tokFloat:
		value, err := strconv.ParseFloat(tok.text, 64)
		if err != nil {
			return nil, p.errorf(tok, "invalid float literal %s", tok)
		}
		return &literalNode{position: position(tok.pos), dtype: dtypes.Float64, fval: value}, nil
	case tokPunct:
		if tok.text == "(" {
			x, err := p.expr()
			if err != nil {
				return nil, err
			}
			if _, err = p.expect(")"); err != nil {
				return nil, err
			}
			return x, nil
		}
		if tok.text == "|" {
			return p.lambda(tok)
		}
	case tokIdent:
		switch tok.text {
		case "appender", "merger":
			return p.builder(tok)
		}
		if arity, isBuiltin := builtinArity[tok.text]; isBuiltin {
			return p.call(tok, arity)
		}
		return &identNode{position: position(tok.pos), name: tok.text}, nil
	}
	return nil, p.errorf(tok, "unexpected %s", tok)
}

func parseIntLiteral(tok token) (node, error) {
	text, dtype := tok.text, dtypes.Int32
	if strings.HasSuffix(text, "L") {
		text, dtype = strings.TrimSuffix(text, "L"), dtypes.Int64
	}
	value, err := strconv.ParseInt(text, 10, 64)
	if err != nil {
		return nil, &SyntaxError{Offset: tok.pos, Msg: fmt.Sprintf("invalid integer literal %s", tok)}
	}
	return &literalNode{position: position(tok.pos), dtype: dtype, ival: value}, nil
}

func (p *parser) call(fnTok token, arity int) (node, error) {
	if _, err := p.expect("("); err != nil {
		return nil, err
	}
	call := &callNode{position: position(fnTok.pos), fn: fnTok.text}
	for ii := range arity {
		if ii > 0 {
			if _, err := p.expect(","); err != nil {
				return nil, err
			}
		}
		arg, err := p.expr()
		if err != nil {
			return nil, err
		}
		call.args = append(call.args, arg)
	}
	if _, err := p.expect(")"); err != nil {
		return nil, errors.WithMessagef(err, "%s() takes %d arguments", fnTok.text, arity)
	}
	return call, nil
}

func (p *parser) builder(kindTok token) (node, error) {
	if _, err := p.expect("["); err != nil {
		return nil, err
	}
	elem, err := p.typ()
	if err != nil {
		return nil, err
	}
	b := &builderNode{position: position(kindTok.pos)}
	if kindTok.text == "appender" {
		b.typ = weldType{kind: appenderKind, elem: &elem}
	} else {
		if _, err = p.expect(","); err != nil {
			return nil, err
		}
		opTok := p.next()
		if opTok.kind != tokPunct || (opTok.text != "+" && opTok.text != "*") {
			return nil, p.errorf(opTok, "merger operation must be + or *, got %s", opTok)
		}
		b.typ = weldType{kind: mergerKind, elem: &elem, op: opTok.text[0]}
	}
	if _, err = p.expect("]"); err != nil {
		return nil, err
	}
	return b, nil
}

func (p *parser) lambda(start token) (node, error) {
	lambda := &lambdaNode{position: position(start.pos)}
	for !p.isPunct("|") {
		if len(lambda.params) > 0 {
			if _, err := p.expect(","); err != nil {
				return nil, err
			}
		}
		name, err := p.ident()
		if err != nil {
			return nil, err
		}
		lambda.params = append(lambda.params, name.text)
	}
	p.next() // Closing "|".
	body, err := p.expr()
	if err != nil {
		return nil, err
	}
	lambda.body = body
	return lambda, nil
}
