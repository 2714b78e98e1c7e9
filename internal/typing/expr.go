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

package typing

import (
	"github.com/dfroger/ramen/internal/ast"
	"github.com/dfroger/ramen/internal/types"
)

// Clause identifies which clause an expression belongs to, gating which
// tuple prefixes it may reference (spec.md §4.D's accessor table).
type Clause int

const (
	ClauseWhereOrKey Clause = iota
	ClauseSelect
	ClauseCommitOrFlush
)

// ctx bundles the schemas an expression in a given clause may reference.
// "previous" and "group" share the shape of the output schema: previous
// is the last *committed* OUT tuple, group is this group's *running*
// (not-yet-committed) OUT-shaped state — see DESIGN.md for why group is
// modeled this way rather than as a distinct accumulator schema.
type ctx struct {
	node     NodeView
	clause   Clause
	rankCap  int // SELECT: out-field refs must have Rank < rankCap (I3)
	hasCap   bool
}

func typeOperation(n NodeView, op ast.Operation) (bool, error) {
	changed := false
	switch o := op.(type) {
	case *ast.Yield:
		for i, b := range o.Fields {
			c := &ctx{node: n, clause: ClauseSelect}
			if err := checkExpr(c, b.Expr, nil); err != nil {
				return changed, err
			}
			ch, err := bindOut(n, b, i, b.Expr.Type())
			if err != nil {
				return changed, err
			}
			changed = changed || ch
		}
		if !n.InSchema().FinishedTyping {
			n.InSchema().Finish()
			changed = true
		}
	case *ast.ReadCSV:
		for _, f := range o.Fields {
			out, err := n.OutSchema().Ensure(f.Name)
			if err != nil {
				return changed, err
			}
			before := out.String()
			if f.Type.Scalar != nil {
				out.SetScalar(*f.Type.Scalar)
			}
			if f.Type.Nullable != nil {
				out.SetNullable(*f.Type.Nullable)
			} else {
				out.SetNullable(false)
			}
			if out.String() != before {
				changed = true
			}
		}
		if !n.InSchema().FinishedTyping {
			n.InSchema().Finish()
			changed = true
		}
	case *ast.Listen:
		// protocol-specific schemas are installed by internal/collectd
		// ahead of typing; nothing to do here but finish the (empty)
		// input schema.
		if !n.InSchema().FinishedTyping {
			n.InSchema().Finish()
			changed = true
		}
	case *ast.Aggregate:
		c, err := typeAggregate(n, o)
		changed = changed || c
		if err != nil {
			return changed, err
		}
	}
	return changed, nil
}

func typeAggregate(n NodeView, a *ast.Aggregate) (bool, error) {
	changed := false
	s := &a.Select

	if s.Where != nil {
		c := &ctx{node: n, clause: ClauseWhereOrKey}
		if err := checkExpr(c, s.Where, types.WithHints("", types.ScalarPtr(types.Bool), types.BoolPtr(false))); err != nil {
			return changed, err
		}
		if s.Where.Type().Complete() {
			if *s.Where.Type().Scalar != types.Bool {
				return changed, &types.SyntaxError{Node: n.Name(), Msg: "WHERE clause must be boolean"}
			}
			if *s.Where.Type().Nullable {
				return changed, &types.SyntaxError{Node: n.Name(), Msg: "WHERE clause must not be nullable"}
			}
		}
	}
	for _, k := range s.Key {
		c := &ctx{node: n, clause: ClauseWhereOrKey}
		if err := checkExpr(c, k, nil); err != nil {
			return changed, err
		}
	}
	for i, b := range s.Fields {
		c := &ctx{node: n, clause: ClauseSelect, rankCap: i, hasCap: true}
		if err := checkExpr(c, b.Expr, nil); err != nil {
			return changed, err
		}
		ch, err := bindOut(n, b, i, b.Expr.Type())
		if err != nil {
			return changed, err
		}
		changed = changed || ch
	}
	if s.AllOthers && n.InSchema().FinishedTyping {
		for _, f := range n.InSchema().Fields() {
			if n.OutSchema().Has(f.Name) {
				continue
			}
			out, err := n.OutSchema().Ensure(f.Name)
			if err != nil {
				return changed, err
			}
			before := out.String()
			if f.Type.Scalar != nil {
				out.SetScalar(*f.Type.Scalar)
			}
			if f.Type.Nullable != nil {
				out.SetNullable(*f.Type.Nullable)
			}
			if out.String() != before {
				changed = true
			}
		}
	}
	if s.CommitWhen != nil {
		c := &ctx{node: n, clause: ClauseCommitOrFlush}
		if err := checkExpr(c, s.CommitWhen, types.WithHints("", types.ScalarPtr(types.Bool), nil)); err != nil {
			return changed, err
		}
	}
	if s.FlushWhen != nil {
		c := &ctx{node: n, clause: ClauseCommitOrFlush}
		if err := checkExpr(c, s.FlushWhen, types.WithHints("", types.ScalarPtr(types.Bool), nil)); err != nil {
			return changed, err
		}
	}
	if s.Top != nil {
		c := &ctx{node: n, clause: ClauseSelect, rankCap: len(s.Fields), hasCap: true}
		if err := checkExpr(c, s.Top.By, nil); err != nil {
			return changed, err
		}
		if s.Top.When != nil {
			if err := checkExpr(c, s.Top.When, types.WithHints("", types.ScalarPtr(types.Bool), nil)); err != nil {
				return changed, err
			}
		}
	}
	return changed, nil
}

// bindOut installs a SELECT binding's result type into the output schema,
// in source order (spec.md §4.C "Every SELECT field name appears in the
// output schema, in source order").
func bindOut(n NodeView, b ast.Binding, rank int, et *types.ExprType) (bool, error) {
	out, err := n.OutSchema().Ensure(b.Name())
	if err != nil {
		return false, err
	}
	before := out.String()
	if et.Scalar != nil {
		if err := out.SetScalar(*et.Scalar); err != nil {
			return false, err
		}
	}
	if et.Nullable != nil {
		if err := out.SetNullable(*et.Nullable); err != nil {
			return false, err
		}
	}
	return out.String() != before, nil
}

// checkExpr walks e recursively (spec.md §4.C step 2/3), propagating an
// expected type from context into operands and then applying each node's
// own typing rule on the way back up.
func checkExpr(c *ctx, e ast.Node, expected *types.ExprType) error {
	switch n := e.(type) {
	case *ast.FieldRef:
		return checkFieldRef(c, n)
	case *ast.Const:
		return nil
	case *ast.Param:
		if expected != nil && expected.Scalar != nil {
			n.Type().SetScalar(*expected.Scalar)
		}
		return nil
	case *ast.Unary:
		if err := checkExpr(c, n.Operand, nil); err != nil {
			return err
		}
		return typeUnary(n)
	case *ast.Binary:
		if err := checkExpr(c, n.Left, nil); err != nil {
			return err
		}
		if err := checkExpr(c, n.Right, nil); err != nil {
			return err
		}
		return typeBinary(n)
	case *ast.Case:
		return typeCase(c, n)
	case *ast.Coalesce:
		return typeCoalesce(c, n)
	case *ast.Generator:
		for _, a := range n.Args {
			if err := checkExpr(c, a, nil); err != nil {
				return err
			}
		}
		return nil
	case *ast.StatefulCall:
		return typeStateful(c, n)
	}
	return nil
}

func checkFieldRef(c *ctx, fr *ast.FieldRef) error {
	switch fr.Prefix {
	case ast.PrefixIn:
		et, err := c.node.InSchema().Ensure(fr.Field)
		if err != nil {
			return &types.SyntaxError{Node: c.node.Name(), Msg: "no such field " + fr.Field}
		}
		copyKnown(fr.Type(), et)
		return nil
	case ast.PrefixOut:
		if c.clause != ClauseSelect && c.clause != ClauseCommitOrFlush {
			return &types.SyntaxError{Node: c.node.Name(), Msg: "out.* is not accessible in this clause"}
		}
		out := c.node.OutSchema()
		if c.clause == ClauseSelect && c.hasCap {
			// I3: a reference to out may only resolve to fields
			// declared textually earlier in the same SELECT.
			found := false
			for _, f := range out.Fields() {
				if f.Name == fr.Field && f.Rank < c.rankCap {
					found = true
				}
			}
			if !found && out.FinishedTyping {
				return &types.SyntaxError{Node: c.node.Name(), Msg: "out." + fr.Field + " is not yet defined"}
			}
		}
		et, err := out.Ensure(fr.Field)
		if err != nil {
			return &types.SyntaxError{Node: c.node.Name(), Msg: "no such field out." + fr.Field}
		}
		copyKnown(fr.Type(), et)
		return nil
	case ast.PrefixPrevious, ast.PrefixGroup:
		// both share the output schema's shape (see ctx doc comment).
		et, err := c.node.OutSchema().Ensure(fr.Field)
		if err != nil {
			return &types.SyntaxError{Node: c.node.Name(), Msg: "no such field " + fr.Prefix.String() + "." + fr.Field}
		}
		copyKnown(fr.Type(), et)
		return nil
	case ast.PrefixGroupCount:
		fr.Type().SetScalar(types.U64)
		fr.Type().SetNullable(false)
		return nil
	case ast.PrefixGroupFirst, ast.PrefixGroupLast:
		fr.Type().SetScalar(types.Bool)
		fr.Type().SetNullable(false)
		return nil
	}
	return nil
}

// copyKnown propagates whatever of src's scalar/nullable is already known
// onto dst, without failing (dst starts out empty at the use site; the
// schema entry `src` is the authoritative, possibly-still-partial record).
func copyKnown(dst, src *types.ExprType) {
	if src.Scalar != nil {
		dst.SetScalar(*src.Scalar)
	}
	if src.Nullable != nil {
		dst.SetNullable(*src.Nullable)
	}
}

func typeUnary(u *ast.Unary) error {
	ot := u.Operand.Type()
	switch u.Op {
	case ast.OpNeg:
		if ot.Scalar != nil {
			if err := u.Type().SetScalar(*ot.Scalar); err != nil {
				return err
			}
		}
		if ot.Nullable != nil {
			u.Type().SetNullable(*ot.Nullable)
		}
	case ast.OpNot:
		u.Type().SetScalar(types.Bool)
		if ot.Nullable != nil {
			u.Type().SetNullable(*ot.Nullable)
		}
	case ast.OpDefined:
		// DEFINED is never nullable (spec.md §4.C step 2).
		u.Type().SetScalar(types.Bool)
		u.Type().SetNullable(false)
	}
	return nil
}

func typeBinary(b *ast.Binary) error {
	lt, rt := b.Left.Type(), b.Right.Type()
	switch {
	case b.IsComparison():
		b.Type().SetScalar(types.Bool)
		if lt.Scalar != nil && rt.Scalar != nil && types.IsNumeric(*lt.Scalar) && types.IsNumeric(*rt.Scalar) {
			if w, err := types.LargerType(*lt.Scalar, *rt.Scalar); err == nil {
				if *lt.Scalar != w {
					lt.SetScalar(w)
				}
				if *rt.Scalar != w {
					rt.SetScalar(w)
				}
			}
		}
	case b.IsBoolean():
		b.Type().SetScalar(types.Bool)
	case b.Op == ast.OpConcat || b.Op == ast.OpLike:
		b.Type().SetScalar(types.String)
	case b.IsArithmetic():
		if lt.Scalar != nil && rt.Scalar != nil {
			w, err := types.LargerType(*lt.Scalar, *rt.Scalar)
			if err != nil {
				return &types.TypeError{Node: "", Msg: err.Error()}
			}
			if b.Op == ast.OpDiv {
				w = types.Float
			}
			if b.Op == ast.OpIDiv && w == types.Float {
				return &types.TypeError{Msg: "integer division `//` requires integer operands"}
			}
			if err := b.Type().SetScalar(w); err != nil {
				return err
			}
			// widen the narrower operand in place, matching the
			// teacher's "widen the expected type" step.
			if *lt.Scalar != w {
				lt.SetScalar(w)
			}
			if *rt.Scalar != w {
				rt.SetScalar(w)
			}
		}
	}
	if lt.Nullable != nil && rt.Nullable != nil {
		b.Type().SetNullable(*lt.Nullable || *rt.Nullable)
	} else if lt.Nullable != nil && *lt.Nullable {
		b.Type().SetNullable(true)
	} else if rt.Nullable != nil && *rt.Nullable {
		b.Type().SetNullable(true)
	}
	return nil
}

func typeCase(c *ctx, cs *ast.Case) error {
	for _, arm := range cs.Arms {
		if err := checkExpr(c, arm.When, types.WithHints("", types.ScalarPtr(types.Bool), nil)); err != nil {
			return err
		}
		if err := checkExpr(c, arm.Then, nil); err != nil {
			return err
		}
	}
	anyNullable := cs.Else == nil // CASE without ELSE is always nullable
	for _, arm := range cs.Arms {
		tt := arm.Then.Type()
		if tt.Scalar != nil {
			cs.Type().SetScalar(*tt.Scalar)
		}
		if tt.Nullable != nil && *tt.Nullable {
			anyNullable = true
		}
	}
	if cs.Else != nil {
		if err := checkExpr(c, cs.Else, nil); err != nil {
			return err
		}
		et := cs.Else.Type()
		if et.Scalar != nil {
			cs.Type().SetScalar(*et.Scalar)
		}
		if et.Nullable != nil && *et.Nullable {
			anyNullable = true
		}
	}
	cs.Type().SetNullable(anyNullable)
	return nil
}

func typeCoalesce(c *ctx, co *ast.Coalesce) error {
	if len(co.Args) < 1 {
		return &types.SyntaxError{Msg: "COALESCE requires at least one argument"}
	}
	for _, a := range co.Args {
		if err := checkExpr(c, a, nil); err != nil {
			return err
		}
	}
	last := co.Args[len(co.Args)-1].Type()
	if last.Nullable != nil && *last.Nullable {
		return &types.SyntaxError{Msg: "COALESCE's last argument must not be nullable"}
	}
	for _, a := range co.Args[:len(co.Args)-1] {
		if a.Type().Scalar != nil {
			co.Type().SetScalar(*a.Type().Scalar)
		}
	}
	if last.Scalar != nil {
		co.Type().SetScalar(*last.Scalar)
	}
	co.Type().SetNullable(false)
	return nil
}

func typeStateful(c *ctx, s *ast.StatefulCall) error {
	for _, a := range s.Args {
		if err := checkExpr(c, a, nil); err != nil {
			return err
		}
	}
	if s.Op == ast.StLag {
		if len(s.Args) < 2 || !ast.IsConst(s.Args[1]) {
			return &types.SyntaxError{Node: c.node.Name(), Msg: "LAG's offset must be a constant"}
		}
	}
	if len(s.Args) == 0 {
		return nil
	}
	arg0 := s.Args[0].Type()
	switch s.Op {
	case ast.StMin, ast.StMax, ast.StFirst, ast.StLast, ast.StLag:
		if arg0.Scalar != nil {
			s.Type().SetScalar(*arg0.Scalar)
		}
		if arg0.Nullable != nil {
			s.Type().SetNullable(*arg0.Nullable)
		}
	case ast.StSum, ast.StMovingAvg, ast.StLinearRegression, ast.StExpSmooth, ast.StPercentile:
		s.Type().SetScalar(types.Float)
		s.Type().SetNullable(false)
	case ast.StAnd, ast.StOr:
		s.Type().SetScalar(types.Bool)
		s.Type().SetNullable(false)
	case ast.StRemember:
		s.Type().SetScalar(types.Bool)
		s.Type().SetNullable(false)
	}
	return nil
}
