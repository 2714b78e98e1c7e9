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
	"sort"

	"github.com/dfroger/ramen/internal/ast"
	"github.com/dfroger/ramen/internal/novelty"
)

// Accumulators holds the running state of every stateful function call
// site for a single group, keyed by AST node identity (the same parsed
// *ast.StatefulCall is shared across every group; each group owns its own
// Accumulators instance).
type Accumulators struct {
	states map[*ast.StatefulCall]*accState
}

func NewAccumulators() *Accumulators {
	return &Accumulators{states: make(map[*ast.StatefulCall]*accState)}
}

type accState struct {
	set      bool
	value    Value
	sum      float64
	count    float64
	history  []Value // LAG / MOVING_AVG window
	// linear regression running sums
	n, sx, sy, sxx, sxy float64
	// exponential smoothing
	smoothed float64
	filter   *novelty.Filter
}

func (a *Accumulators) state(call *ast.StatefulCall) *accState {
	s, ok := a.states[call]
	if !ok {
		s = &accState{}
		a.states[call] = s
	}
	return s
}

// Update folds one input tuple's contribution into every stateful call's
// state. It must run once per input tuple, before generator expansion
// (spec.md §4.D step 4).
func (a *Accumulators) Update(env *Env, calls []*ast.StatefulCall) error {
	for _, call := range calls {
		s := a.state(call)
		var arg Value
		if len(call.Args) > 0 {
			vs, err := Eval(env, call.Args[0])
			if err != nil {
				return err
			}
			arg = vs[0]
		}
		switch call.Op {
		case ast.StMin:
			if !arg.Null && (!s.set || compareVals(arg, s.value) < 0) {
				s.value, s.set = arg, true
			}
		case ast.StMax:
			if !arg.Null && (!s.set || compareVals(arg, s.value) > 0) {
				s.value, s.set = arg, true
			}
		case ast.StSum:
			if !arg.Null {
				s.sum += arg.Num
			}
			s.value, s.set = NumVal(s.sum), true
		case ast.StAnd:
			if !s.set {
				s.value = BoolVal(true)
			}
			s.value, s.set = BoolVal(s.value.Bool() && arg.Bool()), true
		case ast.StOr:
			s.value, s.set = BoolVal(s.value.Bool() || arg.Bool()), true
		case ast.StFirst:
			if !s.set {
				s.value, s.set = arg, true
			}
		case ast.StLast:
			s.value, s.set = arg, true
		case ast.StPercentile:
			s.history = append(s.history, arg)
			s.set = true
		case ast.StLag:
			s.history = append(s.history, arg)
			s.set = true
		case ast.StMovingAvg:
			s.history = append(s.history, arg)
			s.set = true
		case ast.StLinearRegression:
			if len(call.Args) >= 2 {
				xs, err := Eval(env, call.Args[1])
				if err != nil {
					return err
				}
				x := xs[0].Num
				y := arg.Num
				s.n++
				s.sx += x
				s.sy += y
				s.sxx += x * x
				s.sxy += x * y
				s.set = true
			}
		case ast.StExpSmooth:
			alpha := 0.3
			if len(call.Args) >= 2 {
				as, err := Eval(env, call.Args[1])
				if err == nil && !as[0].Null {
					alpha = as[0].Num
				}
			}
			if !s.set {
				s.smoothed = arg.Num
			} else {
				s.smoothed = alpha*arg.Num + (1-alpha)*s.smoothed
			}
			s.set = true
		case ast.StRemember:
			if s.filter == nil {
				dur := 3600.0
				if len(call.Args) >= 2 {
					ds, err := Eval(env, call.Args[1])
					if err == nil && !ds[0].Null {
						dur = ds[0].Num
					}
				}
				s.filter = novelty.New(dur, 8, 1)
			}
			var t float64
			if len(call.Args) >= 1 {
				ts, err := Eval(env, call.Args[0])
				if err == nil {
					t = ts[0].Num
				}
			}
			seen := false
			if len(call.Args) >= 3 {
				xs, err := Eval(env, call.Args[2])
				if err == nil {
					seen = s.filter.Remember(t, []byte(xs[0].String()))
				}
			}
			s.value, s.set = BoolVal(seen), true
		}
	}
	return nil
}

// Value returns the current (tentative) value of a stateful call's
// accumulator, for use while evaluating SELECT (spec.md §4.D step 5).
func (a *Accumulators) Value(call *ast.StatefulCall) Value {
	s := a.state(call)
	switch call.Op {
	case ast.StPercentile:
		return NumVal(percentileOf(s.history, percentileArg(call)))
	case ast.StLag:
		return lagOf(s.history, lagOffset(call))
	case ast.StMovingAvg:
		return NumVal(movingAvgOf(s.history, movingAvgWindow(call)))
	case ast.StLinearRegression:
		if s.n < 2 {
			return NumVal(0)
		}
		denom := s.n*s.sxx - s.sx*s.sx
		if denom == 0 {
			return NumVal(0)
		}
		slope := (s.n*s.sxy - s.sx*s.sy) / denom
		return NumVal(slope)
	case ast.StExpSmooth:
		return NumVal(s.smoothed)
	}
	if !s.set {
		return Null()
	}
	return s.value
}

func percentileArg(call *ast.StatefulCall) float64 {
	if len(call.Args) >= 2 {
		if c, ok := call.Args[1].(*ast.Const); ok {
			if f, ok := c.Value.(float64); ok {
				return f
			}
			if i, ok := c.Value.(int64); ok {
				return float64(i)
			}
		}
	}
	return 50
}

func percentileOf(vals []Value, p float64) float64 {
	if len(vals) == 0 {
		return 0
	}
	sorted := make([]float64, 0, len(vals))
	for _, v := range vals {
		if !v.Null {
			sorted = append(sorted, v.Num)
		}
	}
	if len(sorted) == 0 {
		return 0
	}
	sort.Float64s(sorted)
	idx := int(p / 100 * float64(len(sorted)-1))
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

func lagOffset(call *ast.StatefulCall) int {
	if len(call.Args) >= 2 {
		if c, ok := call.Args[1].(*ast.Const); ok {
			if i, ok := c.Value.(int64); ok {
				return int(i)
			}
		}
	}
	return 1
}

func lagOf(history []Value, offset int) Value {
	idx := len(history) - 1 - offset
	if idx < 0 || idx >= len(history) {
		return Null()
	}
	return history[idx]
}

func movingAvgWindow(call *ast.StatefulCall) int {
	if len(call.Args) >= 2 {
		if c, ok := call.Args[1].(*ast.Const); ok {
			if i, ok := c.Value.(int64); ok {
				return int(i)
			}
		}
	}
	return 5
}

func movingAvgOf(history []Value, window int) float64 {
	if window > len(history) {
		window = len(history)
	}
	if window == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range history[len(history)-window:] {
		if !v.Null {
			sum += v.Num
		}
	}
	return sum / float64(window)
}

// Calls collects every *ast.StatefulCall appearing anywhere in the
// operation's expressions (SELECT, WHERE, KEY, COMMIT/FLUSH), in a stable
// order, so Update can fold each input tuple into every accumulator
// exactly once regardless of how many places reference it.
func Calls(nodes ...ast.Node) []*ast.StatefulCall {
	var out []*ast.StatefulCall
	seen := map[*ast.StatefulCall]bool{}
	var walk func(n ast.Node)
	walk = func(n ast.Node) {
		if n == nil {
			return
		}
		if sc, ok := n.(*ast.StatefulCall); ok {
			if !seen[sc] {
				seen[sc] = true
				out = append(out, sc)
			}
		}
		for _, c := range n.Children() {
			walk(c)
		}
	}
	for _, n := range nodes {
		walk(n)
	}
	return out
}
