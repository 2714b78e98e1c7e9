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

package main

import (
	"context"
	"sync"

	"github.com/dfroger/ramen/internal/ast"
	"github.com/dfroger/ramen/internal/graph"
	"github.com/dfroger/ramen/internal/ring"
	"github.com/dfroger/ramen/internal/wire"
)

// exportManager drains every EXPORT-flagged node's export ring buffer
// into the shared export.Store, one goroutine per node, for as long as
// its layer is Running. A worker process writes its exported tuples to
// that ring the same way it writes to any fan-out target (see
// cmd/ramenworker's emit); this is simply another reader of it.
type exportManager struct {
	srv *Server

	mu     sync.Mutex
	cancel map[string]context.CancelFunc // keyed by node.FullyQualified()
}

func newExportManager(srv *Server) *exportManager {
	return &exportManager{srv: srv, cancel: make(map[string]context.CancelFunc)}
}

// start launches a consumer for every exporting node in l that isn't
// already being drained. Called right after Supervisor.Run succeeds.
func (m *exportManager) start(l *graph.Layer) {
	for _, n := range l.Nodes {
		agg, ok := n.Operation.(*ast.Aggregate)
		if !ok || !agg.Select.Export {
			continue
		}
		key := n.FullyQualified()
		m.mu.Lock()
		_, running := m.cancel[key]
		if !running {
			ctx, cancel := context.WithCancel(context.Background())
			m.cancel[key] = cancel
			path := m.srv.launcher.ExportPath(l.Name, n.Name)
			go m.drain(ctx, path, key)
		}
		m.mu.Unlock()
	}
}

// stop tears down every consumer belonging to l and drops its retained
// tuples. Called right after Supervisor.Stop succeeds.
func (m *exportManager) stop(l *graph.Layer) {
	for _, n := range l.Nodes {
		key := n.FullyQualified()
		m.mu.Lock()
		cancel, ok := m.cancel[key]
		if ok {
			delete(m.cancel, key)
		}
		m.mu.Unlock()
		if ok {
			cancel()
			m.srv.store.Drop(key)
		}
	}
}

func (m *exportManager) drain(ctx context.Context, path, key string) {
	buf, err := ring.Open(path)
	if err != nil {
		m.srv.logger.Printf("export: opening %s: %v", path, err)
		return
	}
	defer buf.Close()
	for {
		words, err := buf.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			m.srv.logger.Printf("export: reading %s: %v", path, err)
			continue
		}
		t, err := wire.DecodeTuple(words)
		if err != nil {
			m.srv.logger.Printf("export: decoding %s: %v", path, err)
			continue
		}
		m.srv.store.Append(key, t)
	}
}
