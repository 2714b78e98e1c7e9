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

// Package ast implements the expression AST described in spec.md §3: a
// tagged variant over constants, field references, operators, CASE/COALESCE,
// generators and stateful aggregate functions. Every node carries its own
// *types.ExprType, mutated in place by the type inference engine (§4.C).
package ast

import (
	"fmt"

	"github.com/dfroger/ramen/internal/types"
)

// Node is satisfied by every expression AST node.
//
// (see also: expr.Node in the teacher's expr package)
type Node interface {
	// Type returns the node's expression type record. The same pointer is
	// returned on every call, so callers may mutate it via SetScalar /
	// SetNullable during type inference.
	Type() *types.ExprType
	// Children returns the node's direct operand subtrees, in evaluation
	// order, for Walk/Rewrite.
	Children() []Node
	String() string
}

// Visitor is invoked for each node encountered by Walk.
type Visitor interface {
	Visit(Node) Visitor
}

// Walk traverses an AST in depth-first order.
func Walk(v Visitor, n Node) {
	if n == nil {
		return
	}
	w := v.Visit(n)
	if w == nil {
		return
	}
	for _, c := range n.Children() {
		Walk(w, c)
	}
	w.Visit(nil)
}

// Rewriter rewrites nodes in depth-first order.
type Rewriter interface {
	Rewrite(Node) Node
}

// Rewrite applies r to every node of the tree rooted at n, bottom-up.
func Rewrite(r Rewriter, n Node) Node {
	if n == nil {
		return nil
	}
	if wr, ok := n.(interface{ rewriteChildren(Rewriter) Node }); ok {
		n = wr.rewriteChildren(r)
	}
	return r.Rewrite(n)
}

// Prefix identifies which tuple a field reference resolves against
// (spec.md §3, §4.D table): in, out, previous, group, or the implicit
// group.#count/group.first/group.last accessors.
type Prefix int

const (
	PrefixIn Prefix = iota
	PrefixOut
	PrefixPrevious
	PrefixGroup
	PrefixGroupCount
	PrefixGroupFirst
	PrefixGroupLast
)

func (p Prefix) String() string {
	switch p {
	case PrefixIn:
		return "in"
	case PrefixOut:
		return "out"
	case PrefixPrevious:
		return "previous"
	case PrefixGroup:
		return "group"
	case PrefixGroupCount:
		return "group.#count"
	case PrefixGroupFirst:
		return "group.first"
	case PrefixGroupLast:
		return "group.last"
	}
	return "?"
}

// FieldRef is a (possibly qualified) reference to a tuple field.
type FieldRef struct {
	Prefix Prefix
	// Qualified records whether the source text explicitly named a
	// prefix (`in.x`) as opposed to defaulting to `in` (`x`); resolution
	// may still rewrite an unqualified reference to `out` (§9 open
	// question: in-first bias).
	Qualified bool
	Field     string
	typ       *types.ExprType
}

func NewFieldRef(prefix Prefix, qualified bool, field string) *FieldRef {
	return &FieldRef{Prefix: prefix, Qualified: qualified, Field: field, typ: types.NewExprType(field)}
}

func (f *FieldRef) Type() *types.ExprType { return f.typ }
func (f *FieldRef) Children() []Node      { return nil }
func (f *FieldRef) String() string {
	if f.Qualified {
		return fmt.Sprintf("%s.%s", f.Prefix, f.Field)
	}
	return f.Field
}

// Const is a literal constant of a concrete scalar type (or NULL).
type Const struct {
	Value  interface{} // nil means NULL
	typ    *types.ExprType
}

func NewConst(name string, scalar types.Scalar, value interface{}) *Const {
	nullable := value == nil
	return &Const{Value: value, typ: types.WithHints(name, types.ScalarPtr(scalar), types.BoolPtr(nullable))}
}

func (c *Const) Type() *types.ExprType { return c.typ }
func (c *Const) Children() []Node      { return nil }
func (c *Const) String() string {
	if c.Value == nil {
		return "NULL"
	}
	return fmt.Sprintf("%v", c.Value)
}

// Param is a parametric hole (`$1`, `$2`, ...) bound at query-submission
// time; it is otherwise typed just like a constant.
type Param struct {
	Index int
	typ   *types.ExprType
}

func NewParam(index int) *Param {
	return &Param{Index: index, typ: types.NewExprType(fmt.Sprintf("$%d", index))}
}

func (p *Param) Type() *types.ExprType { return p.typ }
func (p *Param) Children() []Node      { return nil }
func (p *Param) String() string        { return fmt.Sprintf("$%d", p.Index) }
