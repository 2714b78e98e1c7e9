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

// Command ramenworker is the single generic executable the supervisor
// forks once per running node. It never compiles a node-specific binary:
// instead it reads its assigned operation from the file the supervisor
// wrote alongside its ring buffers, reconstructs the matching runtime,
// and pumps tuples from its input ring buffer (or its external source)
// out to its fan-out set.
package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/dfroger/ramen/internal/ast"
	"github.com/dfroger/ramen/internal/collectd"
	"github.com/dfroger/ramen/internal/csvsrc"
	"github.com/dfroger/ramen/internal/ring"
	"github.com/dfroger/ramen/internal/runtime"
	"github.com/dfroger/ramen/internal/wire"
)

// collectdPort is the well-known collectd network-protocol UDP port; the
// collectd listener's own bind address is an external-collaborator
// concern this engine has no contract over, so a worker with a `LISTEN
// { protocol: "collectd" }` operation always binds the default port.
const collectdPort = 25826

func mustEnv(logger *log.Logger, name string) string {
	v := os.Getenv(name)
	if v == "" {
		logger.Fatalf("missing required environment variable %s", name)
	}
	return v
}

func main() {
	logger := log.New(os.Stdout, "", 0)

	inputPath := mustEnv(logger, "input_ringbuf")
	refPath := mustEnv(logger, "output_ringbufs_ref")
	opPath := mustEnv(logger, "operation_file")
	exportPath := os.Getenv("export_ringbuf")
	reportURL := mustEnv(logger, "report_url")
	debug, _ := strconv.ParseBool(os.Getenv("debug"))

	opData, err := os.ReadFile(opPath)
	if err != nil {
		logger.Fatalf("reading operation file: %v", err)
	}
	op, err := ast.UnmarshalOperation(opData)
	if err != nil {
		logger.Fatalf("decoding operation: %v", err)
	}

	inputBuf, err := ring.Open(inputPath)
	if err != nil {
		logger.Fatalf("opening input ring %s: %v", inputPath, err)
	}
	defer inputBuf.Close()

	var exportBuf *ring.Buffer
	if exportPath != "" {
		exportBuf, err = ring.Open(exportPath)
		if err != nil {
			logger.Printf("opening export ring %s: %v", exportPath, err)
		} else {
			defer exportBuf.Close()
		}
	}

	w := &worker{
		logger:    logger,
		debug:     debug,
		fanout:    newFanOut(refPath, logger),
		exportBuf: exportBuf,
		reporter:  newReporter(reportURL, logger),
	}
	defer w.reporter.stop()
	go w.fanout.watch(context.Background())
	go w.reporter.run(context.Background())

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	switch o := op.(type) {
	case *ast.Yield:
		w.runYield(ctx, o)
	case *ast.ReadCSV:
		w.runReadCSV(ctx, o)
	case *ast.Listen:
		w.runListen(ctx, o)
	case *ast.Aggregate:
		w.runAggregate(ctx, inputBuf, o)
	default:
		logger.Fatalf("unrecognized operation %T", op)
	}
}

// worker owns the shared plumbing every operation kind drives: the
// fan-out set, the optional export ring, and the periodic status report.
type worker struct {
	logger    *log.Logger
	debug     bool
	fanout    *fanOut
	exportBuf *ring.Buffer
	reporter  *reporter
}

func (w *worker) emit(tuples []runtime.Tuple, exported bool) {
	for _, t := range tuples {
		words := wire.EncodeTuple(t)
		w.fanout.broadcast(words)
		w.reporter.processed.Add(1)
		if exported && w.exportBuf != nil {
			if err := w.exportBuf.WriteMessage(context.Background(), words); err != nil {
				w.logger.Printf("writing export tuple: %v", err)
			}
		}
	}
}

func (w *worker) runYield(ctx context.Context, op *ast.Yield) {
	rt := runtime.NewYieldRuntime(op)
	tuples, err := rt.Tuples()
	if err != nil {
		w.logger.Fatalf("yield: %v", err)
	}
	w.emit(tuples, false)
	<-ctx.Done()
}

func (w *worker) runReadCSV(ctx context.Context, op *ast.ReadCSV) {
	f, err := os.Open(op.Source)
	if err != nil {
		w.logger.Fatalf("opening %s: %v", op.Source, err)
	}
	defer f.Close()
	chopper := csvsrc.New(op.Fields, 0, 0)
	rt := runtime.PassthroughRuntime{}
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		t, err := chopper.Next(f)
		if err != nil {
			if w.debug {
				w.logger.Printf("read_csv: %v (source exhausted)", err)
			}
			<-ctx.Done()
			return
		}
		out, err := rt.Process(t)
		if err != nil {
			w.logger.Printf("read_csv: %v", err)
			continue
		}
		w.emit(out, false)
	}
}

func (w *worker) runListen(ctx context.Context, op *ast.Listen) {
	if op.Protocol != "collectd" {
		w.logger.Fatalf("unsupported listen protocol %q", op.Protocol)
	}
	conn, err := net.ListenUDP("udp", &net.UDPAddr{Port: collectdPort})
	if err != nil {
		w.logger.Fatalf("listening on collectd port %d: %v", collectdPort, err)
	}
	defer conn.Close()
	go func() {
		<-ctx.Done()
		conn.Close()
	}()
	rt := runtime.PassthroughRuntime{}
	buf := make([]byte, 65536)
	for {
		n, _, err := conn.ReadFromUDP(buf)
		if err != nil {
			return
		}
		tuples, err := collectd.Decode(buf[:n])
		if err != nil {
			w.logger.Printf("listen: %v", err)
		}
		for _, t := range tuples {
			out, err := rt.Process(t)
			if err != nil {
				w.logger.Printf("listen: %v", err)
				continue
			}
			w.emit(out, false)
		}
	}
}

func (w *worker) runAggregate(ctx context.Context, inputBuf *ring.Buffer, op *ast.Aggregate) {
	rt := runtime.NewAggregateRuntime(op)
	for {
		words, err := inputBuf.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.logger.Printf("aggregate: reading input: %v", err)
			continue
		}
		in, err := wire.DecodeTuple(words)
		if err != nil {
			w.logger.Printf("aggregate: decoding input: %v", err)
			continue
		}
		out, err := rt.Process(in)
		if err != nil {
			w.logger.Printf("aggregate: %v", err)
			continue
		}
		w.emit(out, op.Select.Export)

		top, err := rt.Top()
		if err != nil {
			w.logger.Printf("aggregate: top: %v", err)
			continue
		}
		if len(top) > 0 {
			w.emit(top, op.Select.Export)
		}
	}
}

// fanOut owns one open ring.Buffer per destination listed in the
// supervisor's reference file, re-reading that file whenever it changes
// so a layer's fan-out topology can change without restarting workers.
type fanOut struct {
	refPath string
	logger  *log.Logger

	mu      sync.Mutex
	mtime   time.Time
	targets map[string]*ring.Buffer
}

func newFanOut(refPath string, logger *log.Logger) *fanOut {
	return &fanOut{refPath: refPath, logger: logger, targets: make(map[string]*ring.Buffer)}
}

func (f *fanOut) watch(ctx context.Context) {
	f.reload()
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			f.reload()
		}
	}
}

func (f *fanOut) reload() {
	info, err := os.Stat(f.refPath)
	if err != nil {
		return
	}
	f.mu.Lock()
	changed := !info.ModTime().Equal(f.mtime)
	f.mu.Unlock()
	if !changed {
		return
	}

	fh, err := os.Open(f.refPath)
	if err != nil {
		return
	}
	defer fh.Close()

	wanted := make(map[string]bool)
	sc := bufio.NewScanner(fh)
	for sc.Scan() {
		line := sc.Text()
		if line == "" {
			continue
		}
		wanted[line] = true
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	for path := range wanted {
		if _, ok := f.targets[path]; ok {
			continue
		}
		buf, err := ring.Open(path)
		if err != nil {
			f.logger.Printf("fanout: opening %s: %v", path, err)
			continue
		}
		f.targets[path] = buf
	}
	for path, buf := range f.targets {
		if !wanted[path] {
			buf.Close()
			delete(f.targets, path)
		}
	}
	f.mtime = info.ModTime()
}

func (f *fanOut) broadcast(words []uint32) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for path, buf := range f.targets {
		if err := buf.WriteMessage(context.Background(), words); err != nil {
			f.logger.Printf("fanout: writing to %s: %v", path, err)
		}
	}
}

// reporter PUTs a small JSON status blob to the supervisor's report
// endpoint, the worker's only outbound signal of liveness and progress.
type reporter struct {
	url       string
	logger    *log.Logger
	client    *http.Client
	processed atomic.Uint64
	done      chan struct{}
}

func newReporter(url string, logger *log.Logger) *reporter {
	return &reporter{url: url, logger: logger, client: &http.Client{Timeout: 5 * time.Second}, done: make(chan struct{})}
}

type reportBody struct {
	PID       int    `json:"pid"`
	Processed uint64 `json:"processed"`
	At        string `json:"at"`
}

func (r *reporter) run(ctx context.Context) {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.done:
			return
		case <-ticker.C:
			r.send()
		}
	}
}

func (r *reporter) send() {
	body := reportBody{PID: os.Getpid(), Processed: r.processed.Load(), At: time.Now().UTC().Format(time.RFC3339)}
	data, err := json.Marshal(body)
	if err != nil {
		return
	}
	req, err := http.NewRequest(http.MethodPut, r.url, bytes.NewReader(data))
	if err != nil {
		return
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := r.client.Do(req)
	if err != nil {
		if r.logger != nil {
			r.logger.Printf("report: %v", err)
		}
		return
	}
	resp.Body.Close()
}

func (r *reporter) stop() {
	select {
	case <-r.done:
	default:
		close(r.done)
	}
}
