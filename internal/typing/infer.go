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

// Package typing implements the fixed-point type inference engine of
// spec.md §4.C: it propagates scalar types and nullability between a
// node's input tuple schema, its expression AST, and its output tuple
// schema, across a whole graph of nodes, until no node's schemas change.
//
// This generalizes the teacher's per-expression `check(Hint) error` walk
// (expr/check.go) from a single already-typed expression to a whole-graph
// fixed point where a node's input schema is itself unknown until its
// parents are typed.
package typing

import (
	"github.com/dfroger/ramen/internal/ast"
	"github.com/dfroger/ramen/internal/types"
)

// NodeView is the minimal view of a graph node the inference engine needs.
// internal/graph's Node type implements this.
type NodeView interface {
	Name() string
	Parents() []NodeView
	InSchema() *ast.Schema
	OutSchema() *ast.Schema
	Operation() ast.Operation
}

// maxPasses bounds the fixed-point loop; spec.md §4.C guarantees
// termination in O(|fields| x |types| x |nodes|) monotone steps, so a
// generous multiple of node/field count is a safety valve, not a real
// limit for any well-formed graph.
const maxPasses = 10000

// Infer runs the fixed-point loop over nodes until no node's schemas
// change, then marks schemas finished per spec.md §4.C step 4. nodes must
// be closed under Parents() (a parent outside the set is assumed already
// finished — e.g. a node in an already-compiled layer).
func Infer(nodes []NodeView) error {
	for pass := 0; pass < maxPasses; pass++ {
		changed := false
		for _, n := range nodes {
			c, err := inferOnce(n)
			if err != nil {
				return err
			}
			changed = changed || c
		}
		if !changed {
			break
		}
	}
	for _, n := range nodes {
		if !n.InSchema().AllComplete() || !n.OutSchema().AllComplete() {
			return &types.SyntaxError{Node: n.Name(), Msg: "type inference did not converge: some fields remain untyped"}
		}
	}
	return nil
}

func allParentsFinished(n NodeView) bool {
	for _, p := range n.Parents() {
		if !p.OutSchema().FinishedTyping {
			return false
		}
	}
	return true
}

// inferOnce performs one pass of steps 1-4 over a single node and reports
// whether anything changed.
func inferOnce(n NodeView) (bool, error) {
	changed := false

	// Step 1: parent -> input inheritance.
	if !n.InSchema().FinishedTyping {
		for _, p := range n.Parents() {
			for _, f := range p.OutSchema().Fields() {
				in, err := n.InSchema().Ensure(f.Name)
				if err != nil {
					return changed, err
				}
				before := in.String()
				if f.Type.Scalar != nil {
					if err := in.SetScalar(*f.Type.Scalar); err != nil {
						return changed, err
					}
				}
				if f.Type.Nullable != nil {
					if err := in.SetNullable(*f.Type.Nullable); err != nil {
						return changed, err
					}
				}
				if in.String() != before {
					changed = true
				}
			}
		}
	}

	op := n.Operation()
	c, err := typeOperation(n, op)
	if err != nil {
		return changed, err
	}
	changed = changed || c

	// Step 4: completion.
	if !n.InSchema().FinishedTyping && allParentsFinished(n) {
		// one more pass already folded every parent field in above;
		// freezing now is safe because no further fields can appear.
		n.InSchema().Finish()
		changed = true
	}
	if !n.OutSchema().FinishedTyping && n.OutSchema().AllComplete() && outSchemaSettled(n, op) {
		n.OutSchema().Finish()
		changed = true
	}
	return changed, nil
}

// outSchemaSettled reports whether the output schema has received every
// field the operation will ever produce for it (explicit SELECT fields,
// plus SELECT * inheritance once the input schema is finished).
func outSchemaSettled(n NodeView, op ast.Operation) bool {
	agg, ok := op.(*ast.Aggregate)
	if !ok {
		return true
	}
	if agg.Select.AllOthers {
		if !n.InSchema().FinishedTyping {
			return false
		}
		for _, f := range n.InSchema().Fields() {
			if !n.OutSchema().Has(f.Name) {
				return false
			}
		}
	}
	return true
}
