// Copyright (C) 2024 The Ramen Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

package rql

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/dfroger/ramen/internal/ast"
	"github.com/dfroger/ramen/internal/types"
)

// Parse reads one `SELECT ...` statement (spec.md §6) and returns the
// ast.Select it denotes. Callers wrap the result in an *ast.Aggregate to
// obtain a full ast.Operation for a graph node.
func Parse(src string) (*ast.Select, error) {
	toks, err := tokenize(src)
	if err != nil {
		return nil, err
	}
	p := &parser{toks: toks}
	sel, err := p.parseSelect()
	if err != nil {
		return nil, err
	}
	if p.cur().Kind != EOF {
		return nil, p.errorf("unexpected input after statement: %q", p.cur().Text)
	}
	return sel, nil
}

// ParseExpr reads a single expression (no SELECT wrapper) such as a YIELD
// operation's per-field value or a READ_CSV/LISTEN field default. It
// shares the same precedence chain and field-reference syntax Parse uses
// inside a SELECT's field list.
func ParseExpr(src string) (ast.Node, error) {
	toks, err := tokenize(src)
	if err != nil {
		return nil, err
	}
	p := &parser{toks: toks}
	e, err := p.parseExpr()
	if err != nil {
		return nil, err
	}
	if p.cur().Kind != EOF {
		return nil, p.errorf("unexpected input after expression: %q", p.cur().Text)
	}
	return e, nil
}

func tokenize(src string) ([]Token, error) {
	l := newLexer(src)
	var toks []Token
	for {
		t, err := l.next()
		if err != nil {
			return nil, err
		}
		toks = append(toks, t)
		if t.Kind == EOF {
			return toks, nil
		}
	}
}

type parser struct {
	toks []Token
	pos  int
}

func (p *parser) cur() Token { return p.toks[p.pos] }

func (p *parser) peek() Token {
	if p.pos+1 < len(p.toks) {
		return p.toks[p.pos+1]
	}
	return p.toks[len(p.toks)-1]
}

func (p *parser) advance() Token {
	t := p.toks[p.pos]
	if p.pos < len(p.toks)-1 {
		p.pos++
	}
	return t
}

func (p *parser) errorf(format string, args ...interface{}) error {
	return fmt.Errorf("rql: "+format+" (at position %d)", append(args, p.cur().Pos)...)
}

func (p *parser) isKeyword(kw string) bool {
	return p.cur().Kind == Ident && strings.EqualFold(p.cur().Text, kw)
}

func (p *parser) peekIsPunct(s string) bool {
	return p.peek().Kind == Punct && p.peek().Text == s
}

func (p *parser) isPunct(s string) bool {
	return p.cur().Kind == Punct && p.cur().Text == s
}

func (p *parser) eatKeyword(kw string) error {
	if !p.isKeyword(kw) {
		return p.errorf("expected %s, found %q", kw, p.cur().Text)
	}
	p.advance()
	return nil
}

func (p *parser) eatPunct(s string) error {
	if !p.isPunct(s) {
		return p.errorf("expected %q, found %q", s, p.cur().Text)
	}
	p.advance()
	return nil
}

// identRaw consumes any identifier token (keyword or not) as a plain
// name, used for AS aliases, FROM node names and field names, none of
// which are reserved.
func (p *parser) identRaw() (string, error) {
	if p.cur().Kind != Ident {
		return "", p.errorf("expected a name, found %q", p.cur().Text)
	}
	return p.advance().Text, nil
}

// ---- statement ----

func (p *parser) parseSelect() (*ast.Select, error) {
	if err := p.eatKeyword("SELECT"); err != nil {
		return nil, err
	}
	fields, allOthers, err := p.parseFieldList()
	if err != nil {
		return nil, err
	}
	sel := &ast.Select{Fields: fields, AllOthers: allOthers}

	if p.isKeyword("FROM") {
		p.advance()
		from, err := p.parseIdentList()
		if err != nil {
			return nil, err
		}
		sel.From = from
	}

	if p.isKeyword("WHERE") {
		p.advance()
		w, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		sel.Where = w
	}

	if p.isKeyword("GROUP") {
		p.advance()
		if err := p.eatKeyword("BY"); err != nil {
			return nil, err
		}
		key, err := p.parseExprList()
		if err != nil {
			return nil, err
		}
		sel.Key = key
	}

	if p.isKeyword("TOP") {
		p.advance()
		if p.cur().Kind != Number {
			return nil, p.errorf("expected an integer after TOP, found %q", p.cur().Text)
		}
		k, err := strconv.Atoi(p.advance().Text)
		if err != nil {
			return nil, p.errorf("invalid TOP count: %v", err)
		}
		if err := p.eatKeyword("BY"); err != nil {
			return nil, err
		}
		by, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		top := &ast.Top{K: k, By: by}
		if p.isKeyword("WHEN") {
			p.advance()
			when, err := p.parseExpr()
			if err != nil {
				return nil, err
			}
			top.When = when
		}
		sel.Top = top
	}

	if p.isKeyword("COMMIT") {
		p.advance()
		if p.isKeyword("AND") {
			p.advance()
			if err := p.eatKeyword("KEEP"); err != nil {
				return nil, err
			}
			if err := p.eatKeyword("ALL"); err != nil {
				return nil, err
			}
			sel.KeepAll = true
		}
		if err := p.eatKeyword("WHEN"); err != nil {
			return nil, err
		}
		when, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		sel.CommitWhen = when
	}

	if p.isKeyword("FLUSH") {
		p.advance()
		if err := p.eatKeyword("WHEN"); err != nil {
			return nil, err
		}
		when, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		sel.FlushWhen = when
	}

	if p.isKeyword("EXPORT") {
		p.advance()
		sel.Export = true
		if p.isKeyword("EVENT") {
			et, err := p.parseEventTime()
			if err != nil {
				return nil, err
			}
			sel.EventTime = et
		}
	}

	return sel, nil
}

func (p *parser) parseEventTime() (*ast.EventTime, error) {
	p.advance() // EVENT
	if err := p.eatKeyword("STARTING"); err != nil {
		return nil, err
	}
	if err := p.eatKeyword("AT"); err != nil {
		return nil, err
	}
	startField, err := p.identRaw()
	if err != nil {
		return nil, err
	}
	et := &ast.EventTime{StartField: startField, StartScale: 1}
	if p.isPunct("*") {
		p.advance()
		scale, err := p.parseNumberLiteral()
		if err != nil {
			return nil, err
		}
		et.StartScale = scale
	}
	switch {
	case p.isKeyword("WITH"):
		p.advance()
		if err := p.eatKeyword("DURATION"); err != nil {
			return nil, err
		}
		d, err := p.parseNumberLiteral()
		if err != nil {
			return nil, err
		}
		et.HasDuration = true
		et.Duration = d
	case p.isKeyword("AND"):
		p.advance()
		if err := p.eatKeyword("STOPPING"); err != nil {
			return nil, err
		}
		if err := p.eatKeyword("AT"); err != nil {
			return nil, err
		}
		stopField, err := p.identRaw()
		if err != nil {
			return nil, err
		}
		et.StopField = stopField
		et.StopScale = 1
		if p.isPunct("*") {
			p.advance()
			scale, err := p.parseNumberLiteral()
			if err != nil {
				return nil, err
			}
			et.StopScale = scale
		}
	}
	return et, nil
}

func (p *parser) parseNumberLiteral() (float64, error) {
	if p.cur().Kind != Number {
		return 0, p.errorf("expected a number, found %q", p.cur().Text)
	}
	tok := p.advance()
	v, err := strconv.ParseFloat(tok.Text, 64)
	if err != nil {
		return 0, p.errorf("invalid numeric literal %q: %v", tok.Text, err)
	}
	return v, nil
}

func (p *parser) parseFieldList() ([]ast.Binding, bool, error) {
	var fields []ast.Binding
	allOthers := false
	for {
		if p.isPunct("*") {
			p.advance()
			allOthers = true
		} else {
			e, err := p.parseExpr()
			if err != nil {
				return nil, false, err
			}
			as := ""
			if p.isKeyword("AS") {
				p.advance()
				name, err := p.identRaw()
				if err != nil {
					return nil, false, err
				}
				as = name
			}
			fields = append(fields, ast.Bind(e, as))
		}
		if p.isPunct(",") {
			p.advance()
			continue
		}
		break
	}
	return fields, allOthers, nil
}

func (p *parser) parseIdentList() ([]string, error) {
	var out []string
	for {
		name, err := p.identRaw()
		if err != nil {
			return nil, err
		}
		out = append(out, name)
		if p.isPunct(",") {
			p.advance()
			continue
		}
		break
	}
	return out, nil
}

func (p *parser) parseExprList() ([]ast.Node, error) {
	var out []ast.Node
	for {
		e, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		out = append(out, e)
		if p.isPunct(",") {
			p.advance()
			continue
		}
		break
	}
	return out, nil
}

// ---- expressions, precedence climbing low to high: OR, AND, NOT,
// comparison/LIKE, concat, additive, multiplicative, unary ----

func (p *parser) parseExpr() (ast.Node, error) { return p.parseOr() }

func (p *parser) parseOr() (ast.Node, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.isKeyword("OR") {
		p.advance()
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = ast.NewBinary(ast.OpOr, left, right)
	}
	return left, nil
}

func (p *parser) parseAnd() (ast.Node, error) {
	left, err := p.parseNot()
	if err != nil {
		return nil, err
	}
	for p.isKeyword("AND") {
		p.advance()
		right, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		left = ast.NewBinary(ast.OpAnd, left, right)
	}
	return left, nil
}

func (p *parser) parseNot() (ast.Node, error) {
	if p.isKeyword("NOT") {
		p.advance()
		operand, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		return ast.NewUnary(ast.OpNot, operand), nil
	}
	return p.parseComparison()
}

func (p *parser) parseComparison() (ast.Node, error) {
	left, err := p.parseConcat()
	if err != nil {
		return nil, err
	}
	for {
		var op ast.BinaryOp
		switch {
		case p.isPunct("="):
			op = ast.OpEq
		case p.isPunct("!="):
			op = ast.OpNe
		case p.isPunct("<="):
			op = ast.OpLe
		case p.isPunct(">="):
			op = ast.OpGe
		case p.isPunct("<"):
			op = ast.OpLt
		case p.isPunct(">"):
			op = ast.OpGt
		case p.isKeyword("LIKE"):
			op = ast.OpLike
		default:
			return left, nil
		}
		p.advance()
		right, err := p.parseConcat()
		if err != nil {
			return nil, err
		}
		left = ast.NewBinary(op, left, right)
	}
}

func (p *parser) parseConcat() (ast.Node, error) {
	left, err := p.parseAdditive()
	if err != nil {
		return nil, err
	}
	for p.isPunct("||") {
		p.advance()
		right, err := p.parseAdditive()
		if err != nil {
			return nil, err
		}
		left = ast.NewBinary(ast.OpConcat, left, right)
	}
	return left, nil
}

func (p *parser) parseAdditive() (ast.Node, error) {
	left, err := p.parseMultiplicative()
	if err != nil {
		return nil, err
	}
	for p.isPunct("+") || p.isPunct("-") {
		op := ast.OpAdd
		if p.cur().Text == "-" {
			op = ast.OpSub
		}
		p.advance()
		right, err := p.parseMultiplicative()
		if err != nil {
			return nil, err
		}
		left = ast.NewBinary(op, left, right)
	}
	return left, nil
}

func (p *parser) parseMultiplicative() (ast.Node, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for {
		var op ast.BinaryOp
		switch {
		case p.isPunct("*"):
			op = ast.OpMul
		case p.isPunct("//"):
			op = ast.OpIDiv
		case p.isPunct("/"):
			op = ast.OpDiv
		case p.isPunct("%"):
			op = ast.OpMod
		default:
			return left, nil
		}
		p.advance()
		right, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		left = ast.NewBinary(op, left, right)
	}
}

func (p *parser) parseUnary() (ast.Node, error) {
	if p.isPunct("-") {
		p.advance()
		operand, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return ast.NewUnary(ast.OpNeg, operand), nil
	}
	return p.parsePrimary()
}

func (p *parser) parsePrimary() (ast.Node, error) {
	tok := p.cur()
	switch tok.Kind {
	case Number:
		p.advance()
		return numberConst(tok)
	case String:
		p.advance()
		return ast.NewConst(tok.Text, types.String, tok.Text), nil
	case Punct:
		if tok.Text == "(" {
			p.advance()
			e, err := p.parseExpr()
			if err != nil {
				return nil, err
			}
			if err := p.eatPunct(")"); err != nil {
				return nil, err
			}
			return e, nil
		}
		return nil, p.errorf("unexpected token %q", tok.Text)
	case Ident:
		switch strings.ToUpper(tok.Text) {
		case "TRUE":
			p.advance()
			return ast.NewConst(tok.Text, types.Bool, true), nil
		case "FALSE":
			p.advance()
			return ast.NewConst(tok.Text, types.Bool, false), nil
		case "NULL":
			p.advance()
			return ast.NewConst(tok.Text, types.Any, nil), nil
		case "CASE":
			return p.parseCase()
		case "IF":
			return p.parseIf()
		case "COALESCE":
			return p.parseCoalesce()
		case "DEFINED":
			return p.parseDefined()
		}
		if p.peekIsPunct("(") {
			return p.parseCall()
		}
		return p.parseFieldRef()
	default:
		return nil, p.errorf("unexpected end of expression")
	}
}

func numberConst(tok Token) (ast.Node, error) {
	if tok.Suffix != "" {
		scalar, ok := types.ParseScalar(tok.Suffix)
		if !ok {
			return nil, fmt.Errorf("rql: unknown numeric literal suffix %q", tok.Suffix)
		}
		v, err := strconv.ParseFloat(tok.Text, 64)
		if err != nil {
			return nil, fmt.Errorf("rql: invalid numeric literal %q: %w", tok.Text, err)
		}
		if scalar == types.Float {
			return ast.NewConst(tok.Text+tok.Suffix, scalar, v), nil
		}
		return ast.NewConst(tok.Text+tok.Suffix, scalar, int64(v)), nil
	}
	if strings.Contains(tok.Text, ".") {
		v, err := strconv.ParseFloat(tok.Text, 64)
		if err != nil {
			return nil, fmt.Errorf("rql: invalid numeric literal %q: %w", tok.Text, err)
		}
		return ast.NewConst(tok.Text, types.Float, v), nil
	}
	v, err := strconv.ParseInt(tok.Text, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("rql: invalid integer literal %q: %w", tok.Text, err)
	}
	return ast.NewConst(tok.Text, types.Num, v), nil
}

// parseFieldRef resolves a (possibly dotted) field reference. Only the
// four reserved prefix words carry a dot form; every other bare name is
// an unqualified (PrefixIn) reference, per the in-first-bias rule of
// spec.md §4.D.
func (p *parser) parseFieldRef() (ast.Node, error) {
	first := p.advance()
	if !p.isPunct(".") {
		return ast.NewFieldRef(ast.PrefixIn, false, first.Text), nil
	}
	p.advance() // '.'

	var second string
	if p.isPunct("#") {
		p.advance()
		name, err := p.identRaw()
		if err != nil {
			return nil, err
		}
		second = "#" + name
	} else {
		name, err := p.identRaw()
		if err != nil {
			return nil, err
		}
		second = name
	}

	switch strings.ToUpper(first.Text) {
	case "IN":
		return ast.NewFieldRef(ast.PrefixIn, true, second), nil
	case "OUT":
		return ast.NewFieldRef(ast.PrefixOut, true, second), nil
	case "PREVIOUS":
		return ast.NewFieldRef(ast.PrefixPrevious, true, second), nil
	case "GROUP":
		switch {
		case second == "#count":
			return ast.NewFieldRef(ast.PrefixGroupCount, true, second), nil
		case strings.EqualFold(second, "first"):
			return ast.NewFieldRef(ast.PrefixGroupFirst, true, second), nil
		case strings.EqualFold(second, "last"):
			return ast.NewFieldRef(ast.PrefixGroupLast, true, second), nil
		default:
			return ast.NewFieldRef(ast.PrefixGroup, true, second), nil
		}
	default:
		return nil, fmt.Errorf("rql: %q is not a valid field reference prefix", first.Text)
	}
}

func (p *parser) parseCase() (ast.Node, error) {
	p.advance() // CASE
	var arms []ast.WhenThen
	for p.isKeyword("WHEN") {
		p.advance()
		cond, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		if err := p.eatKeyword("THEN"); err != nil {
			return nil, err
		}
		then, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		arms = append(arms, ast.WhenThen{When: cond, Then: then})
	}
	if len(arms) == 0 {
		return nil, p.errorf("CASE requires at least one WHEN arm")
	}
	var els ast.Node
	if p.isKeyword("ELSE") {
		p.advance()
		e, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		els = e
	}
	if err := p.eatKeyword("END"); err != nil {
		return nil, err
	}
	return ast.NewCase(arms, els), nil
}

// parseIf handles `IF cond THEN expr [ELSE expr]`, sugar for a
// single-arm CASE (implicitly NULL when no ELSE is given and cond is
// false).
func (p *parser) parseIf() (ast.Node, error) {
	p.advance() // IF
	cond, err := p.parseExpr()
	if err != nil {
		return nil, err
	}
	if err := p.eatKeyword("THEN"); err != nil {
		return nil, err
	}
	then, err := p.parseExpr()
	if err != nil {
		return nil, err
	}
	var els ast.Node
	if p.isKeyword("ELSE") {
		p.advance()
		e, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		els = e
	}
	return ast.NewCase([]ast.WhenThen{{When: cond, Then: then}}, els), nil
}

func (p *parser) parseCoalesce() (ast.Node, error) {
	p.advance() // COALESCE
	if err := p.eatPunct("("); err != nil {
		return nil, err
	}
	args, err := p.parseExprList()
	if err != nil {
		return nil, err
	}
	if err := p.eatPunct(")"); err != nil {
		return nil, err
	}
	return ast.NewCoalesce(args), nil
}

func (p *parser) parseDefined() (ast.Node, error) {
	p.advance() // DEFINED
	if err := p.eatPunct("("); err != nil {
		return nil, err
	}
	e, err := p.parseExpr()
	if err != nil {
		return nil, err
	}
	if err := p.eatPunct(")"); err != nil {
		return nil, err
	}
	return ast.NewUnary(ast.OpDefined, e), nil
}

// parseCall handles both stateful aggregate calls (SUM, LAG, ...) and
// generator calls (SPLIT, ...): the two share call syntax and are told
// apart only by whether the name resolves via ast.ParseStatefulOp,
// exactly as the type inference engine's own dispatch does (§4.C step 2).
func (p *parser) parseCall() (ast.Node, error) {
	name := p.advance().Text
	if err := p.eatPunct("("); err != nil {
		return nil, err
	}
	var args []ast.Node
	if !p.isPunct(")") {
		a, err := p.parseExprList()
		if err != nil {
			return nil, err
		}
		args = a
	}
	if err := p.eatPunct(")"); err != nil {
		return nil, err
	}
	if op, ok := ast.ParseStatefulOp(name); ok {
		return ast.NewStatefulCall(op, args), nil
	}
	return ast.NewGenerator(name, args), nil
}
