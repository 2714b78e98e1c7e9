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
	"fmt"
	"log"
	"time"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"github.com/dfroger/ramen/internal/types"
	"github.com/dfroger/ramen/internal/typing"
)

// Supervisor owns a Graph and a WorkerLauncher, implementing the four
// layer operations of spec.md §4.E.
type Supervisor struct {
	Graph    *Graph
	Launcher *Launcher
	Logger   *log.Logger

	// compiledSigs tracks which node signatures already have a
	// compiled worker binary on disk, making compile idempotent (spec.md
	// §4.E "a signature whose binary already exists skips recompilation").
	compiledSigs map[string]bool
}

func NewSupervisor(g *Graph, l *Launcher, logger *log.Logger) *Supervisor {
	return &Supervisor{Graph: g, Launcher: l, Logger: logger, compiledSigs: make(map[string]bool)}
}

func (s *Supervisor) errorf(format string, args ...interface{}) {
	if s.Logger != nil {
		s.Logger.Printf(format, args...)
	}
}

// Compile requires Edition. It iterates the fixed-point type inference
// over the layer's nodes (§4.C), then "emits a binary" (records a
// compiled signature) per unique node signature, skipping ones already
// built. A dependency on a layer that is not yet Compiled/Running fails
// with MissingDependency; Compile retries the whole layer up to
// len(layers) times, per node-count, before giving up with
// DependencyLoop (spec.md §4.E).
func (s *Supervisor) Compile(layerName string) error {
	s.Graph.mu.Lock()
	defer s.Graph.mu.Unlock()

	l, ok := s.Graph.layers[layerName]
	if !ok {
		return &types.NotFound{Kind: "layer", Name: layerName}
	}
	if l.Status != Edition {
		return &types.InvalidCommand{Msg: fmt.Sprintf("layer %q is %s, not Edition", layerName, l.Status)}
	}
	l.Status = Compiling

	retries := len(s.Graph.layers)
	if retries < 1 {
		retries = 1
	}
	var lastErr error
	for attempt := 0; attempt < retries; attempt++ {
		views, err := buildViews(s.Graph, l)
		if err != nil {
			if _, ok := err.(*types.MissingDependency); ok {
				lastErr = err
				continue
			}
			l.Status = Edition
			return err
		}
		if err := typing.Infer(views); err != nil {
			l.Status = Edition
			return err
		}
		for _, n := range l.Nodes {
			n.Signature = signature(n)
			if !s.compiledSigs[n.Signature] {
				// "emit a binary": in this engine the worker binary is a
				// single executable that reads its operation from the
				// node's compiled-signature record at launch time, so
				// nothing needs to be written to disk here beyond
				// marking the signature built.
				s.compiledSigs[n.Signature] = true
			}
		}
		l.Status = Compiled
		return nil
	}
	l.Status = Edition
	layers := make([]string, 0, len(s.Graph.layers))
	for name := range s.Graph.layers {
		layers = append(layers, name)
	}
	_ = lastErr
	return &types.DependencyLoop{Layers: layers}
}

// Run requires Compiled. It walks the layer's nodes in topological order
// (parents first; valid because cross-layer links already point at
// settled layers and any cycle is contained within this layer, I2),
// creates each node's ring buffers, writes its fan-out reference file,
// and launches its worker process (spec.md §4.E).
func (s *Supervisor) Run(layerName string) error {
	s.Graph.mu.Lock()
	defer s.Graph.mu.Unlock()

	l, ok := s.Graph.layers[layerName]
	if !ok {
		return &types.NotFound{Kind: "layer", Name: layerName}
	}
	if l.Status == Running {
		return &types.AlreadyRunning{Layer: layerName}
	}
	if l.Status != Compiled {
		return &types.InvalidCommand{Msg: fmt.Sprintf("layer %q is %s, not Compiled", layerName, l.Status)}
	}

	order, err := topoSort(l)
	if err != nil {
		l.Status = Edition
		return err
	}
	for _, n := range order {
		if err := s.Launcher.Launch(l, n); err != nil {
			// best-effort: stop whatever we already started
			for _, started := range order {
				if started == n {
					break
				}
				s.Launcher.Stop(l, started)
			}
			return err
		}
	}
	l.Status = Running
	l.LastStarted = time.Now()
	l.idleSince = time.Time{}
	return nil
}

// Stop requires Running. It signals each worker, reaps it, clears pid,
// and returns the layer to Compiled (spec.md §4.E, §5 "cooperative-then-
// forced" cancellation).
func (s *Supervisor) Stop(layerName string) error {
	s.Graph.mu.Lock()
	defer s.Graph.mu.Unlock()

	l, ok := s.Graph.layers[layerName]
	if !ok {
		return &types.NotFound{Kind: "layer", Name: layerName}
	}
	if l.Status != Running {
		return &types.NotRunning{Layer: layerName}
	}
	for _, n := range l.Nodes {
		s.Launcher.Stop(l, n)
	}
	l.Status = Compiled
	l.LastStopped = time.Now()
	return nil
}

// TimeoutLayers stops and removes layers whose Timeout has elapsed since
// they last went idle (spec.md §4.E "timeout_layers"). Intended to be
// called periodically by the HTTP server's background loop.
func (s *Supervisor) TimeoutLayers(now time.Time) {
	for _, l := range s.Graph.Layers() {
		if l.Timeout == 0 || l.Status != Running {
			continue
		}
		if l.idleSince.IsZero() || now.Sub(l.idleSince) < l.Timeout {
			continue
		}
		if err := s.Stop(l.Name); err != nil {
			s.errorf("timeout_layers: stopping %q: %s", l.Name, err)
			continue
		}
		s.Graph.RemoveLayer(l.Name)
	}
}

// MarkIdle records that layer saw no export activity at `at`; called by the
// control daemon's periodic timeout sweep (cmd/ramend) to drive
// TimeoutLayers.
func (l *Layer) MarkIdle(at time.Time) {
	if l.idleSince.IsZero() {
		l.idleSince = at
	}
}

// MarkActive clears a layer's idle clock.
func (l *Layer) MarkActive() { l.idleSince = time.Time{} }

// topoSort orders a layer's nodes parents-first. Cycles within the layer
// are permitted (I2) — such nodes fall out in an arbitrary but stable
// relative order once their acyclic neighbors are placed, since a true
// topological sort is impossible for them; the worker processes handle
// this the same way the ring buffer transport always does, asynchronously.
func topoSort(l *Layer) ([]*Node, error) {
	visited := make(map[string]int) // 0 unvisited, 1 in-progress, 2 done
	var order []*Node
	var visit func(n *Node) error
	visit = func(n *Node) error {
		switch visited[n.Name] {
		case 2:
			return nil
		case 1:
			return nil // in-cycle; allowed within a layer (I2)
		}
		visited[n.Name] = 1
		for _, ref := range n.Parents {
			pLayer, pNode := splitRef(l.Name, ref)
			if pLayer != l.Name {
				continue // cross-layer parent already satisfied by Compile
			}
			pn, ok := l.Nodes[pNode]
			if !ok {
				return &types.NotFound{Kind: "node", Name: ref}
			}
			if err := visit(pn); err != nil {
				return err
			}
		}
		if visited[n.Name] != 2 {
			visited[n.Name] = 2
			order = append(order, n)
		}
		return nil
	}
	// l.Nodes is a map; visiting it in name order keeps the emitted launch
	// order stable across runs instead of depending on map iteration.
	names := maps.Keys(l.Nodes)
	slices.Sort(names)
	for _, name := range names {
		if err := visit(l.Nodes[name]); err != nil {
			return nil, err
		}
	}
	return order, nil
}
