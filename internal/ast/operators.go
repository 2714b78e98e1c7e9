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

package ast

import (
	"fmt"
	"strings"

	"github.com/dfroger/ramen/internal/types"
)

// UnaryOp enumerates unary arithmetic/boolean operators.
type UnaryOp int

const (
	OpNeg UnaryOp = iota
	OpNot
	OpDefined // DEFINED(e) — never nullable, per spec.md §4.C step 2
)

type Unary struct {
	Op      UnaryOp
	Operand Node
	typ     *types.ExprType
}

func NewUnary(op UnaryOp, operand Node) *Unary {
	return &Unary{Op: op, Operand: operand, typ: types.NewExprType(unaryName(op))}
}

func unaryName(op UnaryOp) string {
	switch op {
	case OpNeg:
		return "-"
	case OpNot:
		return "NOT"
	case OpDefined:
		return "DEFINED"
	}
	return "?"
}

func (u *Unary) Type() *types.ExprType { return u.typ }
func (u *Unary) Children() []Node      { return []Node{u.Operand} }
func (u *Unary) String() string        { return fmt.Sprintf("%s(%s)", unaryName(u.Op), u.Operand) }
func (u *Unary) rewriteChildren(r Rewriter) Node {
	u.Operand = Rewrite(r, u.Operand)
	return u
}

// BinaryOp enumerates arithmetic, comparison, boolean and string operators.
type BinaryOp int

const (
	OpAdd BinaryOp = iota
	OpSub
	OpMul
	OpDiv    // float division
	OpIDiv   // integer division, `//` per §6
	OpMod
	OpEq
	OpNe
	OpLt
	OpLe
	OpGt
	OpGe
	OpAnd
	OpOr
	OpConcat
	OpLike
)

var binaryNames = map[BinaryOp]string{
	OpAdd: "+", OpSub: "-", OpMul: "*", OpDiv: "/", OpIDiv: "//", OpMod: "%",
	OpEq: "=", OpNe: "!=", OpLt: "<", OpLe: "<=", OpGt: ">", OpGe: ">=",
	OpAnd: "AND", OpOr: "OR", OpConcat: "||", OpLike: "LIKE",
}

func (op BinaryOp) String() string { return binaryNames[op] }

func (op BinaryOp) isComparison() bool {
	switch op {
	case OpEq, OpNe, OpLt, OpLe, OpGt, OpGe:
		return true
	}
	return false
}

func (op BinaryOp) isBoolean() bool { return op == OpAnd || op == OpOr }
func (op BinaryOp) isArithmetic() bool {
	switch op {
	case OpAdd, OpSub, OpMul, OpDiv, OpIDiv, OpMod:
		return true
	}
	return false
}

type Binary struct {
	Op          BinaryOp
	Left, Right Node
	typ         *types.ExprType
}

func NewBinary(op BinaryOp, left, right Node) *Binary {
	return &Binary{Op: op, Left: left, Right: right, typ: types.NewExprType(op.String())}
}

func (b *Binary) Type() *types.ExprType { return b.typ }
func (b *Binary) Children() []Node      { return []Node{b.Left, b.Right} }
func (b *Binary) String() string        { return fmt.Sprintf("(%s %s %s)", b.Left, b.Op, b.Right) }
func (b *Binary) rewriteChildren(r Rewriter) Node {
	b.Left = Rewrite(r, b.Left)
	b.Right = Rewrite(r, b.Right)
	return b
}

// IsComparison/IsBoolean/IsArithmetic expose the operator's category to the
// type inference engine's typing rules (make_op_typ, §4.C step 2).
func (b *Binary) IsComparison() bool  { return b.Op.isComparison() }
func (b *Binary) IsBoolean() bool     { return b.Op.isBoolean() }
func (b *Binary) IsArithmetic() bool  { return b.Op.isArithmetic() }

// WhenThen is one arm of a CASE expression.
type WhenThen struct {
	When, Then Node
}

// Case implements CASE WHEN ... THEN ... [ELSE ...] END. Without an ELSE
// arm the expression is always nullable (spec.md §4.C step 2).
type Case struct {
	Arms []WhenThen
	Else Node // nil if no ELSE clause
	typ  *types.ExprType
}

func NewCase(arms []WhenThen, els Node) *Case {
	return &Case{Arms: arms, Else: els, typ: types.NewExprType("CASE")}
}

func (c *Case) Type() *types.ExprType { return c.typ }
func (c *Case) Children() []Node {
	out := make([]Node, 0, len(c.Arms)*2+1)
	for _, a := range c.Arms {
		out = append(out, a.When, a.Then)
	}
	if c.Else != nil {
		out = append(out, c.Else)
	}
	return out
}
func (c *Case) String() string {
	var sb strings.Builder
	sb.WriteString("CASE")
	for _, a := range c.Arms {
		fmt.Fprintf(&sb, " WHEN %s THEN %s", a.When, a.Then)
	}
	if c.Else != nil {
		fmt.Fprintf(&sb, " ELSE %s", c.Else)
	}
	sb.WriteString(" END")
	return sb.String()
}
func (c *Case) rewriteChildren(r Rewriter) Node {
	for i := range c.Arms {
		c.Arms[i].When = Rewrite(r, c.Arms[i].When)
		c.Arms[i].Then = Rewrite(r, c.Arms[i].Then)
	}
	if c.Else != nil {
		c.Else = Rewrite(r, c.Else)
	}
	return c
}

// Coalesce implements COALESCE(e1, ..., en); I5 requires n>=1, all but the
// last nullable and the last non-nullable.
type Coalesce struct {
	Args []Node
	typ  *types.ExprType
}

func NewCoalesce(args []Node) *Coalesce {
	return &Coalesce{Args: args, typ: types.NewExprType("COALESCE")}
}

func (c *Coalesce) Type() *types.ExprType { return c.typ }
func (c *Coalesce) Children() []Node      { return c.Args }
func (c *Coalesce) String() string {
	parts := make([]string, len(c.Args))
	for i, a := range c.Args {
		parts[i] = a.String()
	}
	return "COALESCE(" + strings.Join(parts, ", ") + ")"
}
func (c *Coalesce) rewriteChildren(r Rewriter) Node {
	for i := range c.Args {
		c.Args[i] = Rewrite(r, c.Args[i])
	}
	return c
}

// Generator is a call that yields zero-or-more values per input tuple
// (e.g. SPLIT); a SELECT containing one or more generator calls produces
// the Cartesian product of their outputs as multiple OUT tuples (spec.md
// §4.D "Generators").
type Generator struct {
	Func string
	Args []Node
	typ  *types.ExprType
}

func NewGenerator(fn string, args []Node) *Generator {
	return &Generator{Func: fn, Args: args, typ: types.NewExprType(fn)}
}

func (g *Generator) Type() *types.ExprType { return g.typ }
func (g *Generator) Children() []Node      { return g.Args }
func (g *Generator) String() string {
	parts := make([]string, len(g.Args))
	for i, a := range g.Args {
		parts[i] = a.String()
	}
	return g.Func + "(" + strings.Join(parts, ", ") + ")"
}
func (g *Generator) rewriteChildren(r Rewriter) Node {
	for i := range g.Args {
		g.Args[i] = Rewrite(r, g.Args[i])
	}
	return g
}

// StatefulOp enumerates the stateful functions of spec.md §3/§4.D: plain
// aggregates plus the windowed/streaming functions.
type StatefulOp int

const (
	StMin StatefulOp = iota
	StMax
	StSum
	StAnd
	StOr
	StFirst
	StLast
	StPercentile
	StLag
	StMovingAvg
	StLinearRegression
	StExpSmooth
	StRemember
)

var statefulNames = map[StatefulOp]string{
	StMin: "MIN", StMax: "MAX", StSum: "SUM", StAnd: "AND_AGG", StOr: "OR_AGG",
	StFirst: "FIRST", StLast: "LAST", StPercentile: "PERCENTILE", StLag: "LAG",
	StMovingAvg: "MOVING_AVG", StLinearRegression: "LINEAR_REGRESSION",
	StExpSmooth: "SMOOTH", StRemember: "REMEMBER",
}

func (op StatefulOp) String() string { return statefulNames[op] }

// ParseStatefulOp resolves a (case-insensitive, per §6) function name.
func ParseStatefulOp(name string) (StatefulOp, bool) {
	up := strings.ToUpper(name)
	for op, n := range statefulNames {
		if n == up {
			return op, true
		}
	}
	return 0, false
}

// StatefulCall is an invocation of a stateful aggregate function. Args[0]
// for StLag is required to be a constant offset (spec.md §4.C failure
// modes: "constant-required argument not constant (e.g. LAG's offset)").
type StatefulCall struct {
	Op   StatefulOp
	Args []Node
	typ  *types.ExprType
}

func NewStatefulCall(op StatefulOp, args []Node) *StatefulCall {
	return &StatefulCall{Op: op, Args: args, typ: types.NewExprType(op.String())}
}

func (s *StatefulCall) Type() *types.ExprType { return s.typ }
func (s *StatefulCall) Children() []Node      { return s.Args }
func (s *StatefulCall) String() string {
	parts := make([]string, len(s.Args))
	for i, a := range s.Args {
		parts[i] = a.String()
	}
	return s.Op.String() + "(" + strings.Join(parts, ", ") + ")"
}
func (s *StatefulCall) rewriteChildren(r Rewriter) Node {
	for i := range s.Args {
		s.Args[i] = Rewrite(r, s.Args[i])
	}
	return s
}

// IsConst reports whether n is a literal constant, used by the type
// inference engine to validate "constant-required" arguments such as
// LAG's offset (spec.md §4.C).
func IsConst(n Node) bool {
	_, ok := n.(*Const)
	return ok
}
