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

// Package graph implements component E: the graph supervisor that owns
// layers of nodes, runs type inference over them, compiles and launches
// one worker process per node, and tears them down again (spec.md §4.E).
package graph

import (
	"time"

	"github.com/dfroger/ramen/internal/ast"
)

// Node is a single named operator in a layer (spec.md §3 "Node").
type Node struct {
	Name      string
	LayerName string
	Operation ast.Operation
	// Parents lists the nodes this node reads from, as fully-qualified
	// `layer/node` names; a bare name means a parent in the same layer
	// (spec.md §3, I1/I2: cross-layer links may only point at already
	// existing layers, and cycles are only allowed within one layer).
	Parents  []string
	Children []string

	inSchema  *ast.Schema
	outSchema *ast.Schema

	// Signature is the content hash of the typed operation, used to key
	// compiled worker binaries for reuse (spec.md §4.C "Signature").
	Signature string

	// PID is set iff the layer is Running and this node's worker has
	// been spawned (spec.md §3 "A node's pid is present iff...").
	PID int

	LastReport   []byte
	LastReportAt time.Time
}

func NewNode(name, layer string, op ast.Operation, parents []string) *Node {
	return &Node{
		Name:      name,
		LayerName: layer,
		Operation: op,
		Parents:   parents,
		inSchema:  ast.NewSchema(),
		outSchema: ast.NewSchema(),
	}
}

func (n *Node) InSchema() *ast.Schema  { return n.inSchema }
func (n *Node) OutSchema() *ast.Schema { return n.outSchema }

// FullyQualified is the `layer/node` name spec.md §3 specifies.
func (n *Node) FullyQualified() string { return n.LayerName + "/" + n.Name }
