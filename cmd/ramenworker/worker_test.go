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
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/dfroger/ramen/internal/ring"
	"github.com/dfroger/ramen/internal/runtime"
	"github.com/dfroger/ramen/internal/wire"
)

func discardLogger() *log.Logger { return log.New(io.Discard, "", 0) }

func TestFanOutReloadPicksUpAddedAndRemovedTargets(t *testing.T) {
	dir := t.TempDir()
	refPath := filepath.Join(dir, "ref")
	dstPath := filepath.Join(dir, "dst.ring")

	dst, err := ring.Create(dstPath, 64)
	if err != nil {
		t.Fatal(err)
	}
	defer dst.Close()

	if err := os.WriteFile(refPath, []byte(dstPath+"\n"), 0640); err != nil {
		t.Fatal(err)
	}

	f := newFanOut(refPath, discardLogger())
	f.reload()

	f.mu.Lock()
	_, ok := f.targets[dstPath]
	f.mu.Unlock()
	if !ok {
		t.Fatal("expected reload to open the target listed in the ref file")
	}

	f.broadcast([]uint32{1, 2, 3})
	got, err := dst.ReadMessage(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 3 || got[0] != 1 || got[1] != 2 || got[2] != 3 {
		t.Fatalf("unexpected message read back from target: %v", got)
	}

	// Emptying the ref file and forcing the mtime to change should drop
	// the target on the next reload.
	if err := os.WriteFile(refPath, nil, 0640); err != nil {
		t.Fatal(err)
	}
	future := time.Now().Add(time.Second)
	if err := os.Chtimes(refPath, future, future); err != nil {
		t.Fatal(err)
	}
	f.reload()

	f.mu.Lock()
	_, stillThere := f.targets[dstPath]
	f.mu.Unlock()
	if stillThere {
		t.Fatal("expected reload to drop a target no longer listed in the ref file")
	}
}

func TestFanOutReloadSkipsUnchangedFile(t *testing.T) {
	dir := t.TempDir()
	refPath := filepath.Join(dir, "ref")
	if err := os.WriteFile(refPath, nil, 0640); err != nil {
		t.Fatal(err)
	}

	f := newFanOut(refPath, discardLogger())
	f.reload()
	f.mu.Lock()
	mtime := f.mtime
	f.mu.Unlock()

	f.reload()
	f.mu.Lock()
	same := f.mtime.Equal(mtime)
	f.mu.Unlock()
	if !same {
		t.Fatal("expected a second reload with no file change to be a no-op")
	}
}

func TestWorkerEmitBroadcastsAndExports(t *testing.T) {
	dir := t.TempDir()
	dstPath := filepath.Join(dir, "dst.ring")
	dst, err := ring.Create(dstPath, 64)
	if err != nil {
		t.Fatal(err)
	}
	defer dst.Close()

	exportPath := filepath.Join(dir, "export.ring")
	exportBuf, err := ring.Create(exportPath, 64)
	if err != nil {
		t.Fatal(err)
	}
	defer exportBuf.Close()

	f := newFanOut(filepath.Join(dir, "ref"), discardLogger())
	f.mu.Lock()
	f.targets[dstPath] = dst
	f.mu.Unlock()

	w := &worker{
		logger:    discardLogger(),
		fanout:    f,
		exportBuf: exportBuf,
		reporter:  newReporter("http://127.0.0.1:0/report", discardLogger()),
	}

	tuple := runtime.Tuple{"x": runtime.NumVal(42)}
	w.emit([]runtime.Tuple{tuple}, true)

	if w.reporter.processed.Load() != 1 {
		t.Fatalf("expected processed count 1, got %d", w.reporter.processed.Load())
	}

	fanoutWords, err := dst.ReadMessage(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	got, err := wire.DecodeTuple(fanoutWords)
	if err != nil {
		t.Fatal(err)
	}
	if got["x"].Num != 42 {
		t.Fatalf("unexpected fan-out tuple: %+v", got)
	}

	exportWords, err := exportBuf.ReadMessage(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	exported, err := wire.DecodeTuple(exportWords)
	if err != nil {
		t.Fatal(err)
	}
	if exported["x"].Num != 42 {
		t.Fatalf("unexpected exported tuple: %+v", exported)
	}
}

func TestWorkerEmitSkipsExportWhenNotFlagged(t *testing.T) {
	dir := t.TempDir()
	exportPath := filepath.Join(dir, "export.ring")
	exportBuf, err := ring.Create(exportPath, 64)
	if err != nil {
		t.Fatal(err)
	}
	defer exportBuf.Close()

	w := &worker{
		logger:    discardLogger(),
		fanout:    newFanOut(filepath.Join(dir, "ref"), discardLogger()),
		exportBuf: exportBuf,
		reporter:  newReporter("http://127.0.0.1:0/report", discardLogger()),
	}
	w.emit([]runtime.Tuple{{"x": runtime.NumVal(1)}}, false)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := exportBuf.ReadMessage(ctx); err == nil {
		t.Fatal("expected no message to have been written to the export ring")
	}
}

func TestReporterSendPostsStatus(t *testing.T) {
	received := make(chan reportBody, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPut {
			t.Errorf("expected PUT, got %s", r.Method)
		}
		var body reportBody
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Error(err)
		}
		received <- body
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	r := newReporter(srv.URL, discardLogger())
	r.processed.Store(7)
	r.send()

	select {
	case body := <-received:
		if body.Processed != 7 {
			t.Fatalf("expected processed=7, got %d", body.Processed)
		}
		if body.PID != os.Getpid() {
			t.Fatalf("expected pid=%d, got %d", os.Getpid(), body.PID)
		}
	case <-time.After(time.Second):
		t.Fatal("reporter did not PUT its status within the deadline")
	}
}

func TestReporterStopIsIdempotent(t *testing.T) {
	r := newReporter("http://127.0.0.1:0/report", discardLogger())
	r.stop()
	r.stop()
	select {
	case <-r.done:
	default:
		t.Fatal("expected done to be closed after stop")
	}
}
