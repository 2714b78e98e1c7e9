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
	"sync"
	"time"

	"github.com/dfroger/ramen/internal/types"
)

// Status is a layer's position in the lifecycle spec.md §3 describes:
// Edition -> Compiling -> Compiled -> Running -> (back to) Compiled.
type Status int

const (
	Edition Status = iota
	Compiling
	Compiled
	Running
)

func (s Status) String() string {
	switch s {
	case Edition:
		return "edition"
	case Compiling:
		return "compiling"
	case Compiled:
		return "compiled"
	case Running:
		return "running"
	}
	return "?"
}

// Layer is a named, independently-lifecycled set of nodes (spec.md §3
// "Layer"). Cycles among its nodes are permitted (I2); links leaving the
// layer must target an already-existing layer (I1).
type Layer struct {
	Name  string
	Nodes map[string]*Node
	Status Status

	LastStarted time.Time
	LastStopped time.Time

	// Timeout, if non-zero, is the idle TTL after which timeout_layers
	// stops and removes this layer (spec.md §4.E), used for short-lived
	// ad-hoc time-series layers.
	Timeout time.Duration
	// idleSince is set each time the layer becomes Running-but-unused by
	// an export request; timeout_layers compares against it.
	idleSince time.Time
}

func newLayer(name string) *Layer {
	return &Layer{Name: name, Nodes: make(map[string]*Node), Status: Edition}
}

// Graph is the mapping layer-name -> layer of spec.md §3; layer names are
// globally unique. All mutation goes through Graph's methods, which hold
// mu for the duration — the supervisor is the sole mutator, per spec.md §5
// "the graph is owned by the supervisor... workers do not mutate it".
type Graph struct {
	mu     sync.Mutex
	layers map[string]*Layer
}

func New() *Graph {
	return &Graph{layers: make(map[string]*Layer)}
}

// CreateLayer adds a new layer in Edition status (PUT /graph, spec.md §6).
// It fails if the name is already in use.
func (g *Graph) CreateLayer(name string) (*Layer, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.layers[name]; ok {
		return nil, &types.InvalidCommand{Msg: "layer " + name + " already exists"}
	}
	l := newLayer(name)
	g.layers[name] = l
	return l, nil
}

// Layer returns a named layer, or NotFound.
func (g *Graph) Layer(name string) (*Layer, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	l, ok := g.layers[name]
	if !ok {
		return nil, &types.NotFound{Kind: "layer", Name: name}
	}
	return l, nil
}

// Layers returns every layer, for /graph (no layer segment) and for
// timeout_layers's periodic sweep.
func (g *Graph) Layers() []*Layer {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]*Layer, 0, len(g.layers))
	for _, l := range g.layers {
		out = append(out, l)
	}
	return out
}

// RemoveLayer deletes a layer entirely (used by timeout_layers after a
// successful stop).
func (g *Graph) RemoveLayer(name string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.layers, name)
}

// resolveParent looks up a (possibly cross-layer) fully- or bare-qualified
// parent reference relative to the layer it was declared in. Callers must
// already hold g.mu (it is always invoked from within a Supervisor
// operation that does).
func (g *Graph) resolveParent(fromLayer, ref string) (*Node, error) {
	layerName, nodeName := splitRef(fromLayer, ref)
	l, ok := g.layers[layerName]
	if !ok {
		return nil, &types.MissingDependency{Layer: layerName, Node: nodeName}
	}
	n, ok := l.Nodes[nodeName]
	if !ok {
		return nil, &types.NotFound{Kind: "node", Name: layerName + "/" + nodeName}
	}
	return n, nil
}

func splitRef(fromLayer, ref string) (layer, node string) {
	for i := 0; i < len(ref); i++ {
		if ref[i] == '/' {
			return ref[:i], ref[i+1:]
		}
	}
	return fromLayer, ref
}
