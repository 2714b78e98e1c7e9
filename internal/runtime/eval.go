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

package runtime

import (
	"fmt"
	"strings"

	"github.com/dfroger/ramen/internal/ast"
)

// Env is the tuple environment an expression is evaluated against: the
// accessor table of spec.md §4.D (in/out/previous/group), restricted per
// clause by the typing pass already having rejected illegal references.
type Env struct {
	In       Tuple
	Out      Tuple // the candidate OUT tuple being built, fields so far
	Previous Tuple
	Group    Tuple // running (not-yet-committed) per-group state
	Count    uint64
	IsFirst  bool
	Accum    *Accumulators
}

// genState holds the extra OUT tuples produced by generator expansion
// (spec.md §4.D "Generators"): evaluating a SELECT with one or more
// generator calls yields the Cartesian product of their outputs.
type genState struct {
	values [][]Value // one slice of alternatives per generator call site
}

// Eval evaluates e against env, returning one value per generator
// combination (a plain expression yields exactly one).
func Eval(env *Env, e ast.Node) ([]Value, error) {
	switch n := e.(type) {
	case *ast.Const:
		if n.Value == nil {
			return []Value{Null()}, nil
		}
		switch v := n.Value.(type) {
		case string:
			return []Value{StrVal(v)}, nil
		case bool:
			return []Value{BoolVal(v)}, nil
		case int64:
			return []Value{NumVal(float64(v))}, nil
		case float64:
			return []Value{NumVal(v)}, nil
		default:
			return []Value{StrVal(fmt.Sprintf("%v", v))}, nil
		}
	case *ast.Param:
		return []Value{Null()}, nil
	case *ast.FieldRef:
		return []Value{lookupField(env, n)}, nil
	case *ast.Unary:
		vs, err := Eval(env, n.Operand)
		if err != nil {
			return nil, err
		}
		return mapVals(vs, func(v Value) Value { return evalUnary(n.Op, v) }), nil
	case *ast.Binary:
		ls, err := Eval(env, n.Left)
		if err != nil {
			return nil, err
		}
		rs, err := Eval(env, n.Right)
		if err != nil {
			return nil, err
		}
		out := make([]Value, 0, len(ls)*len(rs))
		for _, l := range ls {
			for _, r := range rs {
				out = append(out, evalBinary(n.Op, l, r))
			}
		}
		return out, nil
	case *ast.Case:
		for _, arm := range n.Arms {
			cs, err := Eval(env, arm.When)
			if err != nil {
				return nil, err
			}
			if cs[0].Bool() {
				return Eval(env, arm.Then)
			}
		}
		if n.Else != nil {
			return Eval(env, n.Else)
		}
		return []Value{Null()}, nil
	case *ast.Coalesce:
		for _, a := range n.Args[:len(n.Args)-1] {
			vs, err := Eval(env, a)
			if err != nil {
				return nil, err
			}
			if !vs[0].Null {
				return vs, nil
			}
		}
		return Eval(env, n.Args[len(n.Args)-1])
	case *ast.Generator:
		return evalGenerator(env, n)
	case *ast.StatefulCall:
		if env.Accum == nil {
			return []Value{Null()}, nil
		}
		return []Value{env.Accum.Value(n)}, nil
	}
	return []Value{Null()}, fmt.Errorf("eval: unsupported node %T", e)
}

func mapVals(vs []Value, f func(Value) Value) []Value {
	out := make([]Value, len(vs))
	for i, v := range vs {
		out[i] = f(v)
	}
	return out
}

func lookupField(env *Env, fr *ast.FieldRef) Value {
	switch fr.Prefix {
	case ast.PrefixIn:
		if v, ok := env.In[fr.Field]; ok {
			return v
		}
	case ast.PrefixOut:
		if v, ok := env.Out[fr.Field]; ok {
			return v
		}
		// in-first bias (spec.md §9 open question): fall back to `in`
		// only when `out` lacks the field.
		if v, ok := env.In[fr.Field]; ok {
			return v
		}
	case ast.PrefixPrevious:
		if v, ok := env.Previous[fr.Field]; ok {
			return v
		}
	case ast.PrefixGroup:
		if v, ok := env.Group[fr.Field]; ok {
			return v
		}
	case ast.PrefixGroupCount:
		return NumVal(float64(env.Count))
	case ast.PrefixGroupFirst:
		return BoolVal(env.IsFirst)
	case ast.PrefixGroupLast:
		return BoolVal(true)
	}
	return Null()
}

func evalUnary(op ast.UnaryOp, v Value) Value {
	switch op {
	case ast.OpNeg:
		if v.Null {
			return v
		}
		return NumVal(-v.Num)
	case ast.OpNot:
		if v.Null {
			return v
		}
		return BoolVal(!v.Bool())
	case ast.OpDefined:
		return BoolVal(!v.Null)
	}
	return Null()
}

func evalBinary(op ast.BinaryOp, l, r Value) Value {
	if (l.Null || r.Null) && op != ast.OpEq && op != ast.OpNe {
		return Null()
	}
	switch op {
	case ast.OpAdd:
		return NumVal(l.Num + r.Num)
	case ast.OpSub:
		return NumVal(l.Num - r.Num)
	case ast.OpMul:
		return NumVal(l.Num * r.Num)
	case ast.OpDiv:
		if r.Num == 0 {
			return Null()
		}
		return NumVal(l.Num / r.Num)
	case ast.OpIDiv:
		if r.Num == 0 {
			return Null()
		}
		return NumVal(float64(int64(l.Num) / int64(r.Num)))
	case ast.OpMod:
		if r.Num == 0 {
			return Null()
		}
		return NumVal(float64(int64(l.Num) % int64(r.Num)))
	case ast.OpEq:
		if l.Null || r.Null {
			return BoolVal(l.Null && r.Null)
		}
		return BoolVal(valsEqual(l, r))
	case ast.OpNe:
		if l.Null || r.Null {
			return BoolVal(!(l.Null && r.Null))
		}
		return BoolVal(!valsEqual(l, r))
	case ast.OpLt:
		return BoolVal(compareVals(l, r) < 0)
	case ast.OpLe:
		return BoolVal(compareVals(l, r) <= 0)
	case ast.OpGt:
		return BoolVal(compareVals(l, r) > 0)
	case ast.OpGe:
		return BoolVal(compareVals(l, r) >= 0)
	case ast.OpAnd:
		return BoolVal(l.Bool() && r.Bool())
	case ast.OpOr:
		return BoolVal(l.Bool() || r.Bool())
	case ast.OpConcat:
		return StrVal(l.String() + r.String())
	case ast.OpLike:
		return BoolVal(strings.Contains(l.String(), r.String()))
	}
	return Null()
}

func valsEqual(l, r Value) bool {
	if l.IsStr || r.IsStr {
		return l.String() == r.String()
	}
	return l.Num == r.Num
}

func compareVals(l, r Value) int {
	if l.IsStr || r.IsStr {
		return strings.Compare(l.String(), r.String())
	}
	switch {
	case l.Num < r.Num:
		return -1
	case l.Num > r.Num:
		return 1
	default:
		return 0
	}
}

func evalGenerator(env *Env, g *ast.Generator) ([]Value, error) {
	switch strings.ToUpper(g.Func) {
	case "SPLIT":
		if len(g.Args) < 2 {
			return []Value{Null()}, nil
		}
		src, err := Eval(env, g.Args[0])
		if err != nil {
			return nil, err
		}
		sep, err := Eval(env, g.Args[1])
		if err != nil {
			return nil, err
		}
		if src[0].Null {
			return []Value{Null()}, nil
		}
		parts := strings.Split(src[0].String(), sep[0].String())
		out := make([]Value, len(parts))
		for i, p := range parts {
			out[i] = StrVal(p)
		}
		return out, nil
	}
	return []Value{Null()}, nil
}
