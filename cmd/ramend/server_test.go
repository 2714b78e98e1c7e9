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
	"bytes"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/dfroger/ramen/internal/export"
	"github.com/dfroger/ramen/internal/graph"
)

func newTestServer(t *testing.T) (*Server, *graph.Graph) {
	t.Helper()
	g := graph.New()
	launcher := graph.NewLauncher("/bin/true", t.TempDir(), "http://127.0.0.1:0", false)
	sup := graph.NewSupervisor(g, launcher, log.New(io.Discard, "", 0))
	store := export.NewStore(export.DefaultRetain)
	return NewServer(log.New(io.Discard, "", 0), g, sup, launcher, store, 0), g
}

func doJSON(t *testing.T, router http.Handler, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		r = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, r)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestPutGraphCreatesLayerWithDerivedChildren(t *testing.T) {
	srv, g := newTestServer(t)
	router := srv.Router()

	body := putGraphRequest{
		Name: "main",
		Nodes: []putNodeSpec{
			{Name: "src", Operation: operationSpec{Kind: "YIELD", Fields: []fieldSpec{{Name: "x", Expr: "1"}}}},
			{Name: "agg", Operation: operationSpec{Kind: "AGGREGATE", Query: "SELECT * FROM src"}, Parents: []string{"src"}},
		},
	}
	w := doJSON(t, router, http.MethodPut, "/graph", body)
	if w.Code != http.StatusOK {
		t.Fatalf("PUT /graph status = %d, body = %s", w.Code, w.Body.String())
	}

	l, err := g.Layer("main")
	if err != nil {
		t.Fatal(err)
	}
	src, ok := l.Nodes["src"]
	if !ok {
		t.Fatal("expected node src")
	}
	if len(src.Children) != 1 || src.Children[0] != "agg" {
		t.Fatalf("expected src's children to derive to [agg], got %v", src.Children)
	}
}

func TestPutGraphRejectsDuplicateName(t *testing.T) {
	srv, _ := newTestServer(t)
	router := srv.Router()

	body := putGraphRequest{Name: "main", Nodes: []putNodeSpec{
		{Name: "src", Operation: operationSpec{Kind: "YIELD", Fields: []fieldSpec{{Name: "x", Expr: "1"}}}},
	}}
	if w := doJSON(t, router, http.MethodPut, "/graph", body); w.Code != http.StatusOK {
		t.Fatalf("first PUT /graph status = %d", w.Code)
	}
	w := doJSON(t, router, http.MethodPut, "/graph", body)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("second PUT /graph with the same name: status = %d, want 400", w.Code)
	}
}

func TestPutGraphRejectsBadOperation(t *testing.T) {
	srv, g := newTestServer(t)
	router := srv.Router()

	body := putGraphRequest{Name: "main", Nodes: []putNodeSpec{
		{Name: "src", Operation: operationSpec{Kind: "LISTEN"}},
	}}
	w := doJSON(t, router, http.MethodPut, "/graph", body)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
	if _, err := g.Layer("main"); err == nil {
		t.Fatal("expected the half-built layer to be rolled back")
	}
}

func TestGraphLifecycleCompileRunStop(t *testing.T) {
	srv, _ := newTestServer(t)
	router := srv.Router()

	body := putGraphRequest{Name: "main", Nodes: []putNodeSpec{
		{Name: "src", Operation: operationSpec{Kind: "YIELD", Fields: []fieldSpec{{Name: "x", Expr: "1"}}}},
	}}
	if w := doJSON(t, router, http.MethodPut, "/graph", body); w.Code != http.StatusOK {
		t.Fatalf("PUT /graph status = %d", w.Code)
	}

	if w := doJSON(t, router, http.MethodGet, "/compile/main", nil); w.Code != http.StatusNoContent {
		t.Fatalf("GET /compile/main status = %d, body = %s", w.Code, w.Body.String())
	}
	if w := doJSON(t, router, http.MethodGet, "/run/main", nil); w.Code != http.StatusNoContent {
		t.Fatalf("GET /run/main status = %d, body = %s", w.Code, w.Body.String())
	}
	if w := doJSON(t, router, http.MethodGet, "/run/main", nil); w.Code != http.StatusConflict {
		t.Fatalf("second GET /run/main status = %d, want 409 (already running)", w.Code)
	}
	if w := doJSON(t, router, http.MethodGet, "/stop/main", nil); w.Code != http.StatusNoContent {
		t.Fatalf("GET /stop/main status = %d, body = %s", w.Code, w.Body.String())
	}
}

func TestHandleGraphUnknownLayerNotFound(t *testing.T) {
	srv, _ := newTestServer(t)
	router := srv.Router()
	w := doJSON(t, router, http.MethodGet, "/graph/nope", nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", w.Code)
	}
}

func TestHandleGraphAcceptsDotAndMermaid(t *testing.T) {
	srv, _ := newTestServer(t)
	router := srv.Router()
	body := putGraphRequest{Name: "main", Nodes: []putNodeSpec{
		{Name: "src", Operation: operationSpec{Kind: "YIELD", Fields: []fieldSpec{{Name: "x", Expr: "1"}}}},
	}}
	doJSON(t, router, http.MethodPut, "/graph", body)

	req := httptest.NewRequest(http.MethodGet, "/graph/main", nil)
	req.Header.Set("Accept", "text/vnd.graphviz")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusOK || w.Body.Len() == 0 {
		t.Fatalf("dot render: status = %d, body = %q", w.Code, w.Body.String())
	}

	req = httptest.NewRequest(http.MethodGet, "/graph/main", nil)
	req.Header.Set("Accept", "text/vnd.mermaid")
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusOK || w.Body.Len() == 0 {
		t.Fatalf("mermaid render: status = %d, body = %q", w.Code, w.Body.String())
	}
}

func TestHandleReportPopulatesLastReportAt(t *testing.T) {
	srv, _ := newTestServer(t)
	router := srv.Router()
	body := putGraphRequest{Name: "main", Nodes: []putNodeSpec{
		{Name: "src", Operation: operationSpec{Kind: "YIELD", Fields: []fieldSpec{{Name: "x", Expr: "1"}}}},
	}}
	doJSON(t, router, http.MethodPut, "/graph", body)

	req := httptest.NewRequest(http.MethodPut, "/report/main/src", bytes.NewReader([]byte(`{"processed":10}`)))
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusNoContent {
		t.Fatalf("PUT /report status = %d", w.Code)
	}

	w = doJSON(t, router, http.MethodGet, "/graph/main", nil)
	var dto layerDTO
	if err := json.Unmarshal(w.Body.Bytes(), &dto); err != nil {
		t.Fatal(err)
	}
	if dto.Nodes[0].LastReportAt == "" {
		t.Fatal("expected last_report_at to be populated after a report")
	}
}

func TestHandleReportUnknownNode(t *testing.T) {
	srv, _ := newTestServer(t)
	router := srv.Router()
	body := putGraphRequest{Name: "main", Nodes: []putNodeSpec{
		{Name: "src", Operation: operationSpec{Kind: "YIELD", Fields: []fieldSpec{{Name: "x", Expr: "1"}}}},
	}}
	doJSON(t, router, http.MethodPut, "/graph", body)

	w := doJSON(t, router, http.MethodPut, "/report/main/nope", nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", w.Code)
	}
}

func TestHandleExportEmptyBeforeAnyData(t *testing.T) {
	srv, _ := newTestServer(t)
	router := srv.Router()
	body := putGraphRequest{Name: "main", Nodes: []putNodeSpec{
		{Name: "src", Operation: operationSpec{Kind: "YIELD", Fields: []fieldSpec{{Name: "x", Expr: "1"}}}},
	}}
	doJSON(t, router, http.MethodPut, "/graph", body)

	w := doJSON(t, router, http.MethodGet, "/export/main/src", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	var recs []export.Record
	if err := json.Unmarshal(w.Body.Bytes(), &recs); err != nil {
		t.Fatal(err)
	}
	if len(recs) != 0 {
		t.Fatalf("expected no records yet, got %d", len(recs))
	}
}

func TestCompleteNodesPrefixMatch(t *testing.T) {
	srv, _ := newTestServer(t)
	router := srv.Router()
	body := putGraphRequest{Name: "main", Nodes: []putNodeSpec{
		{Name: "src", Operation: operationSpec{Kind: "YIELD", Fields: []fieldSpec{{Name: "x", Expr: "1"}}}},
		{Name: "sink", Operation: operationSpec{Kind: "AGGREGATE", Query: "SELECT * FROM src"}, Parents: []string{"src"}},
	}}
	doJSON(t, router, http.MethodPut, "/graph", body)

	w := doJSON(t, router, http.MethodPost, "/complete/nodes", completeRequest{Prefix: "main/s"})
	var resp completeResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if len(resp.Completions) != 2 {
		t.Fatalf("expected both nodes to match prefix main/s, got %v", resp.Completions)
	}
}

func TestCompleteFieldsPrefixMatch(t *testing.T) {
	srv, _ := newTestServer(t)
	router := srv.Router()
	body := putGraphRequest{Name: "main", Nodes: []putNodeSpec{
		{Name: "src", Operation: operationSpec{Kind: "YIELD", Fields: []fieldSpec{{Name: "abc", Expr: "1"}, {Name: "xyz", Expr: "2"}}}},
	}}
	doJSON(t, router, http.MethodPut, "/graph", body)
	// OutSchema is only populated by type inference, which runs on compile.
	if w := doJSON(t, router, http.MethodGet, "/compile/main", nil); w.Code != http.StatusNoContent {
		t.Fatalf("GET /compile/main status = %d, body = %s", w.Code, w.Body.String())
	}

	w := doJSON(t, router, http.MethodPost, "/complete/fields", completeRequest{Layer: "main", Node: "src", Prefix: "ab"})
	var resp completeResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if len(resp.Completions) != 1 || resp.Completions[0] != "abc" {
		t.Fatalf("unexpected completions: %v", resp.Completions)
	}
}

func TestHandleTimeSeriesRequiresEventTime(t *testing.T) {
	srv, _ := newTestServer(t)
	router := srv.Router()
	body := putGraphRequest{Name: "main", Nodes: []putNodeSpec{
		{Name: "src", Operation: operationSpec{Kind: "YIELD", Fields: []fieldSpec{{Name: "x", Expr: "1"}}}},
	}}
	doJSON(t, router, http.MethodPut, "/graph", body)

	w := doJSON(t, router, http.MethodPost, "/timeseries", timeSeriesRequest{Layer: "main", Node: "src"})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400 (node has no EVENT STARTING AT)", w.Code)
	}
}

func TestHandleTimeSeriesWithEventTime(t *testing.T) {
	srv, _ := newTestServer(t)
	router := srv.Router()
	body := putGraphRequest{Name: "main", Nodes: []putNodeSpec{
		{
			Name: "agg",
			Operation: operationSpec{
				Kind:  "AGGREGATE",
				Query: `SELECT ts, value FROM upstream EXPORT EVENT STARTING AT ts WITH DURATION 0`,
			},
		},
	}}
	if w := doJSON(t, router, http.MethodPut, "/graph", body); w.Code != http.StatusOK {
		t.Fatalf("PUT /graph status = %d, body = %s", w.Code, w.Body.String())
	}

	w := doJSON(t, router, http.MethodPost, "/timeseries", timeSeriesRequest{
		Layer: "main", Node: "agg", DataField: "value",
		From: 0, To: 10, MaxPoints: 5, Consolidation: "avg",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
}

func TestTimeoutSweepStopsIdleLayer(t *testing.T) {
	srv, g := newTestServer(t)
	router := srv.Router()
	body := putGraphRequest{Name: "main", Nodes: []putNodeSpec{
		{Name: "src", Operation: operationSpec{Kind: "YIELD", Fields: []fieldSpec{{Name: "x", Expr: "1"}}}},
	}}
	doJSON(t, router, http.MethodPut, "/graph", body)
	doJSON(t, router, http.MethodGet, "/compile/main", nil)
	doJSON(t, router, http.MethodGet, "/run/main", nil)

	l, err := g.Layer("main")
	if err != nil {
		t.Fatal(err)
	}
	l.Timeout = time.Millisecond

	srv.TimeoutSweep(time.Now())
	srv.TimeoutSweep(time.Now().Add(time.Hour))

	if l.Status == graph.Running {
		t.Fatal("expected the idle layer to have been stopped by the sweep")
	}
}
