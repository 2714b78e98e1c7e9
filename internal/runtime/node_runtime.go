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

	"github.com/dfroger/ramen/internal/ast"
)

// NodeRuntime is the per-node processing unit a worker process drives:
// feed it one input tuple at a time, collect the OUT tuples it emits.
// (spec.md §3 "Operation", §4.D)
type NodeRuntime interface {
	Process(in Tuple) ([]Tuple, error)
}

// YieldRuntime emits its literal field list once; subsequent Process calls
// (there are none in practice, since YIELD has no input edge) are no-ops.
type YieldRuntime struct {
	op   *ast.Yield
	done bool
}

func NewYieldRuntime(op *ast.Yield) *YieldRuntime { return &YieldRuntime{op: op} }

// Tuples returns the operation's literal output, exactly once.
func (y *YieldRuntime) Tuples() ([]Tuple, error) {
	if y.done {
		return nil, nil
	}
	y.done = true
	out := Tuple{}
	env := &Env{Out: out}
	for _, b := range y.op.Fields {
		vs, err := Eval(env, b.Expr)
		if err != nil {
			return nil, err
		}
		out[b.Name()] = vs[0]
	}
	return []Tuple{out}, nil
}

func (y *YieldRuntime) Process(Tuple) ([]Tuple, error) {
	return nil, fmt.Errorf("yield node has no input edge")
}

// PassthroughRuntime is the trivial runtime shared by READ_CSV and LISTEN:
// those operations have no SELECT/WHERE/GROUP BY of their own in spec.md
// §3 (typing installs their schema directly), so every parsed input tuple
// is emitted unchanged.
type PassthroughRuntime struct{}

func (PassthroughRuntime) Process(in Tuple) ([]Tuple, error) { return []Tuple{in}, nil }

// AggregateRuntime implements the windowed group-by runtime of spec.md
// §4.D: the only operation kind with nontrivial per-tuple state.
type AggregateRuntime struct {
	sel    *ast.Select
	calls  []*ast.StatefulCall
	groups *GroupMap
	// total counts every input tuple the node has ever processed, the
	// value a TOP k clause's WHEN guard inspects via group.#count when
	// ranking is node-wide rather than per-group (spec.md §4.D).
	total uint64
}

func NewAggregateRuntime(op *ast.Aggregate) *AggregateRuntime {
	sel := op.Select
	nodes := make([]ast.Node, 0, len(sel.Fields)+len(sel.Key)+4)
	for _, b := range sel.Fields {
		nodes = append(nodes, b.Expr)
	}
	nodes = append(nodes, sel.Key...)
	if sel.Where != nil {
		nodes = append(nodes, sel.Where)
	}
	if sel.CommitWhen != nil {
		nodes = append(nodes, sel.CommitWhen)
	}
	if sel.FlushWhen != nil {
		nodes = append(nodes, sel.FlushWhen)
	}
	if sel.Top != nil {
		nodes = append(nodes, sel.Top.By)
		if sel.Top.When != nil {
			nodes = append(nodes, sel.Top.When)
		}
	}
	return &AggregateRuntime{
		sel:    &op.Select,
		calls:  Calls(nodes...),
		groups: NewGroupMap(),
	}
}

// Process implements spec.md §4.D's six-step per-tuple algorithm:
//  1. WHERE filters the input tuple.
//  2. KEY is evaluated to find/create the group.
//  3. the group's running stateful accumulators fold in the input tuple.
//  4. SELECT (with SELECT * inheritance and generator expansion) computes
//     the candidate OUT tuple(s).
//  5. COMMIT_WHEN decides whether to actually emit this round's OUT
//     tuple(s); KEEP ALL suppresses group removal.
//  6. FLUSH_WHEN (defaulting to COMMIT_WHEN) decides whether to apply
//     FLUSH_HOW to the group's contributor history.
func (r *AggregateRuntime) Process(in Tuple) ([]Tuple, error) {
	// step 1: WHERE
	if r.sel.Where != nil {
		env := &Env{In: in}
		vs, err := Eval(env, r.sel.Where)
		if err != nil {
			return nil, err
		}
		if !vs[0].Bool() {
			return nil, nil
		}
	}

	// step 2: KEY
	keyVals := make([]Value, len(r.sel.Key))
	for i, k := range r.sel.Key {
		env := &Env{In: in}
		vs, err := Eval(env, k)
		if err != nil {
			return nil, err
		}
		keyVals[i] = vs[0]
	}
	key := KeyOf(keyVals)
	g, created := r.groups.Lookup(key)
	g.Contributors = append(g.Contributors, in)
	g.Count++
	r.total++

	// step 3: fold input into every stateful accumulator
	accEnv := &Env{In: in, Previous: g.Previous, Accum: g.Accum, Count: g.Count, IsFirst: created}
	if err := g.Accum.Update(accEnv, r.calls); err != nil {
		return nil, err
	}

	// step 4: SELECT, with SELECT * inheritance and generator expansion
	outs, err := r.buildOut(in, g, created)
	if err != nil {
		return nil, err
	}
	if g.Previous == nil {
		// a group's `previous` is seeded from its own first computed OUT
		// tuple as soon as it exists, rather than staying nil until the
		// first COMMIT: this lets a COMMIT_WHEN clause compare against
		// `previous` from the group's very first input tuple onward
		// (spec.md §9 open question).
		g.Previous = outs[len(outs)-1]
	}

	// step 5: COMMIT_WHEN
	commit := true
	if r.sel.CommitWhen != nil {
		env := &Env{In: in, Out: outs[len(outs)-1], Previous: g.Previous, Group: g.Previous, Accum: g.Accum, Count: g.Count, IsFirst: created}
		vs, err := Eval(env, r.sel.CommitWhen)
		if err != nil {
			return nil, err
		}
		commit = vs[0].Bool()
	}

	var emitted []Tuple
	if commit {
		emitted = outs
		g.Previous = outs[len(outs)-1]
	}

	// step 6: FLUSH_WHEN / FLUSH_HOW
	flushCond := r.sel.CommitWhen
	if r.sel.FlushWhen != nil {
		flushCond = r.sel.FlushWhen
	}
	flush := commit
	if r.sel.FlushWhen != nil {
		env := &Env{In: in, Out: g.Previous, Previous: g.Previous, Accum: g.Accum, Count: g.Count}
		vs, err := Eval(env, flushCond)
		if err != nil {
			return nil, err
		}
		flush = vs[0].Bool()
	}
	if flush && !(commit && r.sel.KeepAll) {
		applyFlush(r.groups, g, r.sel.FlushHow, r.calls)
	}

	return emitted, nil
}

// buildOut evaluates the SELECT list (with SELECT * inheritance and
// generator Cartesian expansion) against the current input/group state.
func (r *AggregateRuntime) buildOut(in Tuple, g *GroupState, isFirst bool) ([]Tuple, error) {
	base := Tuple{}
	if r.sel.AllOthers {
		for k, v := range in {
			base[k] = v
		}
	}
	results := []Tuple{base}
	for _, b := range r.sel.Fields {
		env := &Env{In: in, Out: results[0], Previous: g.Previous, Group: g.Previous, Accum: g.Accum, Count: g.Count, IsFirst: isFirst}
		vs, err := Eval(env, b.Expr)
		if err != nil {
			return nil, err
		}
		name := b.Name()
		if len(vs) == 1 {
			for _, t := range results {
				t[name] = vs[0]
			}
			continue
		}
		// generator expansion: Cartesian product with existing results
		next := make([]Tuple, 0, len(results)*len(vs))
		for _, t := range results {
			for _, v := range vs {
				t2 := t.Clone()
				t2[name] = v
				next = append(next, t2)
			}
		}
		results = next
	}
	return results, nil
}

// Top applies a node's TOP k BY e WHEN cond clause across every group's
// current state, returning the ranked OUT tuples. The node's worker loop
// calls it after every input tuple; it returns nothing unless Top.When
// (when present) holds (spec.md §4.D: TOP ranks globally across groups,
// not within one).
func (r *AggregateRuntime) Top() ([]Tuple, error) {
	if r.sel.Top == nil {
		return nil, nil
	}
	if r.sel.Top.When != nil {
		env := &Env{Count: r.total}
		vs, err := Eval(env, r.sel.Top.When)
		if err != nil {
			return nil, err
		}
		if !vs[0].Bool() {
			return nil, nil
		}
	}
	entries := RankTop(r.groups.All(), r.sel.Top.By, r.sel.Top.K)
	out := make([]Tuple, len(entries))
	for i, e := range entries {
		out[i] = e.Out
	}
	return out, nil
}
