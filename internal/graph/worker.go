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
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/dfroger/ramen/internal/ast"
	"github.com/dfroger/ramen/internal/ring"
)

// defaultRingWords is the default data capacity (in 32-bit words) given
// to a freshly created ring buffer; spec.md leaves buffer sizing to the
// implementation.
const defaultRingWords = 1 << 16

// Launcher forks one worker subprocess per node, one OS process per
// running node as spec.md §5 requires, mirroring the teacher's
// tenant.Manager: lazily launched children, reaped by a dedicated
// goroutine, cleaned up deterministically on Stop.
type Launcher struct {
	// ExecPath is the worker binary (cmd/ramenworker) to fork.
	ExecPath string
	// RunDir holds ring buffer files and fan-out reference files, one
	// subdirectory per layer (spec.md §6 "Ring buffer file format").
	RunDir string
	// ReportURL is the base URL workers PUT telemetry reports to
	// (spec.md §6 "PUT /report/layer/node").
	ReportURL string
	Debug     bool
	// RingWords is the data capacity, in 32-bit words, given to each
	// freshly created ring buffer. Zero means defaultRingWords.
	RingWords uint32

	mu      sync.Mutex
	workers map[string]*workerProc // keyed by node.FullyQualified()
}

func NewLauncher(execPath, runDir, reportURL string, debug bool) *Launcher {
	return &Launcher{
		ExecPath:  execPath,
		RunDir:    runDir,
		ReportURL: reportURL,
		Debug:     debug,
		RingWords: defaultRingWords,
		workers:   make(map[string]*workerProc),
	}
}

func (l *Launcher) ringWords() uint32 {
	if l.RingWords == 0 {
		return defaultRingWords
	}
	return l.RingWords
}

type workerProc struct {
	cmd        *exec.Cmd
	inputPath  string
	exportPath string
	refPath    string
	opPath     string
}

func (l *Launcher) layerDir(layerName string) string {
	return filepath.Join(l.RunDir, layerName)
}

func (l *Launcher) ringPath(layerName, nodeName, suffix string) string {
	return filepath.Join(l.layerDir(layerName), nodeName+suffix)
}

// ExportPath returns the path of the export ring buffer Launch creates for
// an EXPORT-flagged node, the file the control daemon's export consumer
// opens to drain tuples into internal/export.Store.
func (l *Launcher) ExportPath(layerName, nodeName string) string {
	return l.ringPath(layerName, nodeName, ".export.ring")
}

// Launch creates n's input and export ring buffers, writes its fan-out
// reference file (the list of buffers its output must be copied into,
// one per line — re-read by the worker on modification so fan-out
// changes don't require a restart) and its operation file (the node's
// already-typed Operation, the only way the single generic worker
// binary learns what it was launched to run), and forks the worker
// process with its environment variables.
func (l *Launcher) Launch(layer *Layer, n *Node) error {
	if err := os.MkdirAll(l.layerDir(layer.Name), 0750); err != nil {
		return err
	}
	inputPath := l.ringPath(layer.Name, n.Name, ".input.ring")
	exportPath := l.ringPath(layer.Name, n.Name, ".export.ring")
	refPath := l.ringPath(layer.Name, n.Name, ".out_ringbuf_ref")
	opPath := l.ringPath(layer.Name, n.Name, ".operation.json")

	inputBuf, err := ring.Create(inputPath, l.ringWords())
	if err != nil {
		return fmt.Errorf("creating input ring for %s: %w", n.FullyQualified(), err)
	}
	inputBuf.Close()
	exportBuf, err := ring.Create(exportPath, l.ringWords())
	if err != nil {
		return fmt.Errorf("creating export ring for %s: %w", n.FullyQualified(), err)
	}
	exportBuf.Close()

	if err := l.writeFanOutRef(layer, n, refPath); err != nil {
		return err
	}
	if err := l.writeOperationFile(n, opPath); err != nil {
		return err
	}

	cmd := exec.Command(l.ExecPath)
	cmd.Env = append(os.Environ(),
		"input_ringbuf="+inputPath,
		"output_ringbufs_ref="+refPath,
		"operation_file="+opPath,
		"export_ringbuf="+exportPath,
		"report_url="+fmt.Sprintf("%s/report/%s/%s", l.ReportURL, layer.Name, n.Name),
		"debug="+strconv.FormatBool(l.Debug),
	)
	cmd.Stdout = os.Stderr
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("launching worker for %s: %w", n.FullyQualified(), err)
	}

	l.mu.Lock()
	key := n.FullyQualified()
	l.workers[key] = &workerProc{cmd: cmd, inputPath: inputPath, exportPath: exportPath, refPath: refPath, opPath: opPath}
	l.mu.Unlock()

	n.PID = cmd.Process.Pid
	go l.reap(key, cmd)
	return nil
}

// writeOperationFile serializes n's operation (already mutated in place
// by type inference) so the forked worker process, which shares no
// memory with the supervisor, can reconstruct the same runtime the
// supervisor inferred a signature for.
func (l *Launcher) writeOperationFile(n *Node, opPath string) error {
	data, err := ast.MarshalOperation(n.Operation)
	if err != nil {
		return fmt.Errorf("marshaling operation for %s: %w", n.FullyQualified(), err)
	}
	return os.WriteFile(opPath, data, 0640)
}

// writeFanOutRef lists, one per line, the input-ring paths of every
// child of n within the same layer (cross-layer fan-out is not modeled:
// children always live in the layer that declared them as a parent).
func (l *Launcher) writeFanOutRef(layer *Layer, n *Node, refPath string) error {
	f, err := os.Create(refPath)
	if err != nil {
		return err
	}
	defer f.Close()
	for _, c := range n.Children {
		_, cNode := splitRef(layer.Name, c)
		cn, ok := layer.Nodes[cNode]
		if !ok {
			continue
		}
		fmt.Fprintln(f, l.ringPath(layer.Name, cn.Name, ".input.ring"))
	}
	return nil
}

// reap waits for a worker's exit the way tenant.Manager.reap does: a
// dedicated goroutine per child, since *os.Process.Wait may only be
// called once and must not race with anything else observing exit state.
func (l *Launcher) reap(key string, cmd *exec.Cmd) {
	cmd.Wait()
	l.mu.Lock()
	delete(l.workers, key)
	l.mu.Unlock()
}

// Stop signals n's worker, kills it without waiting (the reap goroutine
// performs the actual Wait), and removes its ring buffer files (spec.md §5
// "unmap+unlink on stop").
func (l *Launcher) Stop(layer *Layer, n *Node) {
	key := n.FullyQualified()
	l.mu.Lock()
	wp, ok := l.workers[key]
	l.mu.Unlock()
	if ok {
		wp.cmd.Process.Signal(os.Interrupt)
		wp.cmd.Process.Kill()
		os.Remove(wp.inputPath)
		os.Remove(wp.exportPath)
		os.Remove(wp.refPath)
		os.Remove(wp.opPath)
	}
	n.PID = 0
}
