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
	"golang.org/x/exp/slices"

	"github.com/dfroger/ramen/internal/ast"
)

// applyFlush implements the FLUSH_HOW variants of spec.md §4.D. calls is
// the node's full stateful-call list, needed to replay surviving
// contributors through fresh accumulators after a Slide/KeepOnly/RemoveAll
// drops some of them (sneller's aggregates are append-only and has no
// analogue for this; this follows spec.md §4.D's description directly:
// a group "kept" with a smaller contributor set only makes sense if its
// running aggregate reflects just those tuples).
func applyFlush(m *GroupMap, g *GroupState, how ast.FlushHow, calls []*ast.StatefulCall) {
	switch how.Kind {
	case ast.FlushReset:
		m.Delete(g.Key)
	case ast.FlushSlide:
		n := how.N
		if n > len(g.Contributors) {
			n = len(g.Contributors)
		}
		g.Contributors = g.Contributors[n:]
		replayContributors(g, calls)
	case ast.FlushKeepOnly:
		g.Contributors = filterContributors(g.Contributors, how.Pred, true)
		replayContributors(g, calls)
	case ast.FlushRemoveAll:
		g.Contributors = filterContributors(g.Contributors, how.Pred, false)
		replayContributors(g, calls)
	}
}

func filterContributors(ts []Tuple, pred ast.Node, keepWhenTrue bool) []Tuple {
	kept := ts[:0:0]
	for _, t := range ts {
		env := &Env{In: t}
		vs, err := Eval(env, pred)
		if err != nil {
			continue
		}
		if vs[0].Bool() == keepWhenTrue {
			kept = append(kept, t)
		}
	}
	return kept
}

// replayContributors rebuilds a group's accumulator state from scratch by
// re-folding its surviving contributor tuples through every stateful call
// site, in order.
func replayContributors(g *GroupState, calls []*ast.StatefulCall) {
	g.Accum = NewAccumulators()
	g.Count = uint64(len(g.Contributors))
	for _, t := range g.Contributors {
		env := &Env{In: t, Accum: g.Accum, Count: g.Count}
		g.Accum.Update(env, calls)
	}
}

// TopEntry is one ranked row of a TOP k result.
type TopEntry struct {
	Key   string
	Out   Tuple
	Order Value
}

// RankTop evaluates `BY expr` against every group's latest OUT tuple and
// returns the top k, descending (spec.md §4.D "TOP k BY e WHEN cond").
func RankTop(groups []*GroupState, by ast.Node, k int) []TopEntry {
	entries := make([]TopEntry, 0, len(groups))
	for _, g := range groups {
		if g.Previous == nil {
			continue
		}
		env := &Env{Out: g.Previous, Previous: g.Previous, Accum: g.Accum, Count: g.Count}
		vs, err := Eval(env, by)
		if err != nil {
			continue
		}
		entries = append(entries, TopEntry{Key: g.Key, Out: g.Previous, Order: vs[0]})
	}
	slices.SortFunc(entries, func(a, b TopEntry) bool {
		return compareVals(a.Order, b.Order) > 0
	})
	if len(entries) > k {
		entries = entries[:k]
	}
	return entries
}
