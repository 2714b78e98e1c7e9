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

package graph

import (
	"github.com/dfroger/ramen/internal/ast"
	"github.com/dfroger/ramen/internal/types"
	"github.com/dfroger/ramen/internal/typing"
)

// nodeView adapts *Node (plus its resolved parents) to internal/typing's
// NodeView, keeping internal/typing free of any dependency on internal/graph.
type nodeView struct {
	n       *Node
	parents []typing.NodeView
}

func (v *nodeView) Name() string               { return v.n.FullyQualified() }
func (v *nodeView) Parents() []typing.NodeView { return v.parents }
func (v *nodeView) InSchema() *ast.Schema       { return v.n.inSchema }
func (v *nodeView) OutSchema() *ast.Schema      { return v.n.outSchema }
func (v *nodeView) Operation() ast.Operation    { return v.n.Operation }

// buildViews constructs a nodeView for every node in layer, resolving
// cross-layer parents against already-compiled layers in g (spec.md §4.E
// compile: "for each unsatisfied dependency ... fail with MissingDependency").
func buildViews(g *Graph, layer *Layer) ([]typing.NodeView, error) {
	self := make(map[*Node]*nodeView, len(layer.Nodes))
	for _, n := range layer.Nodes {
		self[n] = &nodeView{n: n}
	}
	views := make([]typing.NodeView, 0, len(layer.Nodes))
	for _, n := range layer.Nodes {
		v := self[n]
		for _, ref := range n.Parents {
			pLayerName, pNodeName := splitRef(layer.Name, ref)
			if pLayerName == layer.Name {
				pn, ok := layer.Nodes[pNodeName]
				if !ok {
					return nil, &types.NotFound{Kind: "node", Name: ref}
				}
				v.parents = append(v.parents, self[pn])
				continue
			}
			pl, ok := g.layers[pLayerName]
			if !ok || (pl.Status != Compiled && pl.Status != Running) {
				return nil, &types.MissingDependency{Layer: pLayerName, Node: pNodeName}
			}
			pn, err := g.resolveParent(layer.Name, ref)
			if err != nil {
				return nil, err
			}
			v.parents = append(v.parents, &nodeView{n: pn})
		}
		views = append(views, v)
	}
	return views, nil
}
