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
	"encoding/json"
	"io"
	"log"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/dfroger/ramen/internal/ast"
	"github.com/dfroger/ramen/internal/export"
	"github.com/dfroger/ramen/internal/graph"
)

// Server bundles the daemon's singletons: one Graph/Supervisor/Launcher
// triple and one export.Store shared by every request handler, the same
// shape a daemon's request handlers commonly share.
type Server struct {
	logger    *log.Logger
	g         *graph.Graph
	sup       *graph.Supervisor
	launcher  *graph.Launcher
	store     *export.Store
	exports   *exportManager
	idleAfter time.Duration
}

func NewServer(logger *log.Logger, g *graph.Graph, sup *graph.Supervisor, launcher *graph.Launcher, store *export.Store, idleAfter time.Duration) *Server {
	srv := &Server{logger: logger, g: g, sup: sup, launcher: launcher, store: store, idleAfter: idleAfter}
	srv.exports = newExportManager(srv)
	return srv
}

// Router builds the mux.Router implementing every control-API route.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/graph", s.handleGraph).Methods(http.MethodGet)
	r.HandleFunc("/graph/{layer}", s.handleGraph).Methods(http.MethodGet)
	r.HandleFunc("/graph", s.handlePutGraph).Methods(http.MethodPut)
	r.HandleFunc("/compile", s.handleCompile).Methods(http.MethodGet)
	r.HandleFunc("/compile/{layer}", s.handleCompile).Methods(http.MethodGet)
	r.HandleFunc("/run", s.handleRun).Methods(http.MethodGet)
	r.HandleFunc("/run/{layer}", s.handleRun).Methods(http.MethodGet)
	r.HandleFunc("/start", s.handleRun).Methods(http.MethodGet)
	r.HandleFunc("/start/{layer}", s.handleRun).Methods(http.MethodGet)
	r.HandleFunc("/stop", s.handleStop).Methods(http.MethodGet)
	r.HandleFunc("/stop/{layer}", s.handleStop).Methods(http.MethodGet)
	r.HandleFunc("/export/{layer}/{node}", s.handleExport).Methods(http.MethodGet, http.MethodPost)
	r.HandleFunc("/report/{layer}/{node}", s.handleReport).Methods(http.MethodPut)
	r.HandleFunc("/complete/nodes", s.handleCompleteNodes).Methods(http.MethodPost)
	r.HandleFunc("/complete/fields", s.handleCompleteFields).Methods(http.MethodPost)
	r.HandleFunc("/timeseries", s.handleTimeSeries).Methods(http.MethodPost)
	return r
}

// TimeoutSweep calls Supervisor.TimeoutLayers and tears down the export
// consumers of any layer it stops, meant to be driven by a background
// ticker (see main.go).
func (s *Server) TimeoutSweep(now time.Time) {
	before := s.g.Layers()
	for _, l := range before {
		if l.Status == graph.Running {
			l.MarkIdle(now)
		}
	}
	s.sup.TimeoutLayers(now)
	for _, l := range before {
		if l.Status != graph.Running {
			s.exports.stop(l)
		}
	}
}

// --- /graph -----------------------------------------------------------

type nodeDTO struct {
	Name         string          `json:"name"`
	Operation    json.RawMessage `json:"operation"`
	Parents      []string        `json:"parents"`
	Children     []string        `json:"children"`
	InSchema     []string        `json:"in_schema"`
	OutSchema    []string        `json:"out_schema"`
	Signature    string          `json:"signature,omitempty"`
	PID          int             `json:"pid,omitempty"`
	LastReportAt string          `json:"last_report_at,omitempty"`
}

type layerDTO struct {
	Name        string    `json:"name"`
	Status      string    `json:"status"`
	Nodes       []nodeDTO `json:"nodes"`
	LastStarted string    `json:"last_started,omitempty"`
	LastStopped string    `json:"last_stopped,omitempty"`
}

func toNodeDTO(n *graph.Node) nodeDTO {
	opJSON, err := ast.MarshalOperation(n.Operation)
	if err != nil {
		opJSON = json.RawMessage(`null`)
	}
	dto := nodeDTO{
		Name:      n.Name,
		Operation: opJSON,
		Parents:   n.Parents,
		Children:  n.Children,
		InSchema:  n.InSchema().Names(),
		OutSchema: n.OutSchema().Names(),
		Signature: n.Signature,
		PID:       n.PID,
	}
	if !n.LastReportAt.IsZero() {
		dto.LastReportAt = n.LastReportAt.UTC().Format(time.RFC3339)
	}
	return dto
}

func toLayerDTO(l *graph.Layer) layerDTO {
	dto := layerDTO{Name: l.Name, Status: l.Status.String()}
	names := make([]string, 0, len(l.Nodes))
	for name := range l.Nodes {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		dto.Nodes = append(dto.Nodes, toNodeDTO(l.Nodes[name]))
	}
	if !l.LastStarted.IsZero() {
		dto.LastStarted = l.LastStarted.UTC().Format(time.RFC3339)
	}
	if !l.LastStopped.IsZero() {
		dto.LastStopped = l.LastStopped.UTC().Format(time.RFC3339)
	}
	return dto
}

// wantsDot and wantsMermaid implement the Accept-header content
// negotiation GET /graph[/layer] supports: JSON is the
// default, dot and mermaid are opt-in via Accept.
func wantsDot(r *http.Request) bool {
	a := r.Header.Get("Accept")
	return strings.Contains(a, "graphviz") || strings.Contains(a, "dot")
}

func wantsMermaid(r *http.Request) bool {
	return strings.Contains(r.Header.Get("Accept"), "mermaid")
}

func (s *Server) handleGraph(w http.ResponseWriter, r *http.Request) {
	layerName := mux.Vars(r)["layer"]

	if layerName != "" {
		l, err := s.g.Layer(layerName)
		if err != nil {
			writeError(w, err)
			return
		}
		switch {
		case wantsDot(r):
			w.Header().Set("Content-Type", "text/vnd.graphviz")
			graph.GraphvizLayer(l, w)
		case wantsMermaid(r):
			w.Header().Set("Content-Type", "text/plain")
			graph.MermaidLayer(l, w)
		default:
			writeJSON(w, toLayerDTO(l))
		}
		return
	}

	switch {
	case wantsDot(r):
		w.Header().Set("Content-Type", "text/vnd.graphviz")
		graph.Graphviz(s.g, w)
	case wantsMermaid(r):
		w.Header().Set("Content-Type", "text/plain")
		graph.Mermaid(s.g, w)
	default:
		layers := s.g.Layers()
		sort.Slice(layers, func(i, j int) bool { return layers[i].Name < layers[j].Name })
		dtos := make([]layerDTO, len(layers))
		for i, l := range layers {
			dtos[i] = toLayerDTO(l)
		}
		writeJSON(w, dtos)
	}
}

// --- PUT /graph ---------------------------------------------------------

type putNodeSpec struct {
	Name      string        `json:"name"`
	Operation operationSpec `json:"operation"`
	Parents   []string      `json:"parents,omitempty"`
}

type putGraphRequest struct {
	Name  string        `json:"name"`
	Nodes []putNodeSpec `json:"nodes"`
}

// handlePutGraph creates a new layer with the nodes the request body
// describes. Children are derived from the submitted Parents lists;
// Graph has no AddNode helper, so nodes are inserted directly into the
// layer's Nodes map the way the supervisor's own tests build fixtures.
func (s *Server) handlePutGraph(w http.ResponseWriter, r *http.Request) {
	var req putGraphRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, &badRequest{err})
		return
	}
	if req.Name == "" {
		writeError(w, &badRequest{errString("layer name is required")})
		return
	}

	l, err := s.g.CreateLayer(req.Name)
	if err != nil {
		writeError(w, err)
		return
	}
	if s.idleAfter > 0 {
		l.Timeout = s.idleAfter
	}

	nodes := make(map[string]*graph.Node, len(req.Nodes))
	for _, ns := range req.Nodes {
		if ns.Name == "" {
			s.g.RemoveLayer(req.Name)
			writeError(w, &badRequest{errString("every node needs a name")})
			return
		}
		op, err := decodeOperation(ns.Operation)
		if err != nil {
			s.g.RemoveLayer(req.Name)
			writeError(w, err)
			return
		}
		nodes[ns.Name] = graph.NewNode(ns.Name, req.Name, op, ns.Parents)
	}
	for name, n := range nodes {
		l.Nodes[name] = n
	}
	// derive Children from every node's Parents, same-layer only:
	// cross-layer fan-out is not modeled (internal/graph.Launcher).
	for _, n := range nodes {
		for _, p := range n.Parents {
			if strings.Contains(p, "/") {
				continue
			}
			if parent, ok := nodes[p]; ok {
				parent.Children = append(parent.Children, n.Name)
			}
		}
	}

	writeJSON(w, toLayerDTO(l))
}

type badRequest struct{ err error }

func (b *badRequest) Error() string { return b.err.Error() }

type errString string

func (e errString) Error() string { return string(e) }

// --- /compile, /run, /start, /stop --------------------------------------

func (s *Server) layersToAct(r *http.Request) []string {
	if name := mux.Vars(r)["layer"]; name != "" {
		return []string{name}
	}
	var names []string
	for _, l := range s.g.Layers() {
		names = append(names, l.Name)
	}
	return names
}

func (s *Server) handleCompile(w http.ResponseWriter, r *http.Request) {
	for _, name := range s.layersToAct(r) {
		if err := s.sup.Compile(name); err != nil {
			writeError(w, err)
			return
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	for _, name := range s.layersToAct(r) {
		if err := s.sup.Run(name); err != nil {
			writeError(w, err)
			return
		}
		if l, err := s.g.Layer(name); err == nil {
			s.exports.start(l)
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	for _, name := range s.layersToAct(r) {
		l, lookupErr := s.g.Layer(name)
		if err := s.sup.Stop(name); err != nil {
			writeError(w, err)
			return
		}
		if lookupErr == nil {
			s.exports.stop(l)
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- /export/{layer}/{node} ---------------------------------------------

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	key := vars["layer"] + "/" + vars["node"]

	if l, err := s.g.Layer(vars["layer"]); err == nil {
		l.MarkActive()
	}

	var since uint64
	var maxResults int
	var waitUpTo time.Duration

	q := r.URL.Query()
	if v := q.Get("since"); v != "" {
		since, _ = strconv.ParseUint(v, 10, 64)
	}
	if v := q.Get("max_results"); v != "" {
		maxResults, _ = strconv.Atoi(v)
	}
	if v := q.Get("wait_up_to"); v != "" {
		if secs, err := strconv.ParseFloat(v, 64); err == nil {
			waitUpTo = time.Duration(secs * float64(time.Second))
		}
	}

	if r.Method == http.MethodPost {
		var body struct {
			Since      uint64 `json:"since"`
			MaxResults int    `json:"max_results"`
			WaitUpToMS int64  `json:"wait_up_to_ms"`
		}
		if r.Body != nil {
			if err := json.NewDecoder(r.Body).Decode(&body); err == nil {
				since, maxResults = body.Since, body.MaxResults
				if body.WaitUpToMS > 0 {
					waitUpTo = time.Duration(body.WaitUpToMS) * time.Millisecond
				}
			}
		}
	}

	ctx := r.Context()
	recs, err := s.store.FoldTuples(ctx, key, since, maxResults, waitUpTo)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, recs)
}

// --- PUT /report/{layer}/{node} ------------------------------------------

func (s *Server) handleReport(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	l, err := s.g.Layer(vars["layer"])
	if err != nil {
		writeError(w, err)
		return
	}
	n, ok := l.Nodes[vars["node"]]
	if !ok {
		writeError(w, &notFoundNode{vars["layer"], vars["node"]})
		return
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, &badRequest{err})
		return
	}
	n.LastReport = body
	n.LastReportAt = time.Now()
	w.WriteHeader(http.StatusNoContent)
}

type notFoundNode struct{ layer, node string }

func (e *notFoundNode) Error() string { return "node " + e.layer + "/" + e.node + " not found" }

// --- /complete/nodes, /complete/fields ------------------------------------

type completeRequest struct {
	Layer  string `json:"layer,omitempty"`
	Node   string `json:"node,omitempty"`
	Prefix string `json:"prefix,omitempty"`
}

type completeResponse struct {
	Completions []string `json:"completions"`
}

func (s *Server) handleCompleteNodes(w http.ResponseWriter, r *http.Request) {
	var req completeRequest
	json.NewDecoder(r.Body).Decode(&req)

	var layers []*graph.Layer
	if req.Layer != "" {
		l, err := s.g.Layer(req.Layer)
		if err != nil {
			writeError(w, err)
			return
		}
		layers = []*graph.Layer{l}
	} else {
		layers = s.g.Layers()
	}

	var out []string
	for _, l := range layers {
		for name := range l.Nodes {
			full := l.Name + "/" + name
			if strings.HasPrefix(name, req.Prefix) || strings.HasPrefix(full, req.Prefix) {
				out = append(out, full)
			}
		}
	}
	sort.Strings(out)
	writeJSON(w, completeResponse{Completions: out})
}

func (s *Server) handleCompleteFields(w http.ResponseWriter, r *http.Request) {
	var req completeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, &badRequest{err})
		return
	}
	l, err := s.g.Layer(req.Layer)
	if err != nil {
		writeError(w, err)
		return
	}
	n, ok := l.Nodes[req.Node]
	if !ok {
		writeError(w, &notFoundNode{req.Layer, req.Node})
		return
	}
	var out []string
	for _, name := range n.OutSchema().Names() {
		if strings.HasPrefix(name, req.Prefix) {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	writeJSON(w, completeResponse{Completions: out})
}

// --- POST /timeseries ------------------------------------------------------

type timeSeriesRequest struct {
	Layer         string  `json:"layer"`
	Node          string  `json:"node"`
	DataField     string  `json:"data_field"`
	From          float64 `json:"from"`
	To            float64 `json:"to"`
	MaxPoints     int     `json:"max_points"`
	Consolidation string  `json:"consolidation"`
}

func (s *Server) handleTimeSeries(w http.ResponseWriter, r *http.Request) {
	var req timeSeriesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, &badRequest{err})
		return
	}
	l, err := s.g.Layer(req.Layer)
	if err != nil {
		writeError(w, err)
		return
	}
	n, ok := l.Nodes[req.Node]
	if !ok {
		writeError(w, &notFoundNode{req.Layer, req.Node})
		return
	}
	agg, ok := n.Operation.(*ast.Aggregate)
	if !ok || agg.Select.EventTime == nil {
		writeError(w, &badRequest{errString("node has no EVENT STARTING AT declaration, cannot be time-series queried")})
		return
	}
	cons, err := export.ParseConsolidation(req.Consolidation)
	if err != nil {
		writeError(w, &badRequest{err})
		return
	}

	key := req.Layer + "/" + req.Node
	recs, err := s.store.FoldTuples(context.Background(), key, 0, 0, 0)
	if err != nil {
		writeError(w, err)
		return
	}

	et := agg.Select.EventTime
	duration := et.Duration
	if !et.HasDuration {
		duration = 0
	}
	points := export.BuildTimeSeries(recs, export.TimeSeriesQuery{
		StartField:    et.StartField,
		StartScale:    et.StartScale,
		DataField:     req.DataField,
		Duration:      duration,
		MaxPoints:     req.MaxPoints,
		From:          req.From,
		To:            req.To,
		Consolidation: cons,
	})
	writeJSON(w, points)
}
