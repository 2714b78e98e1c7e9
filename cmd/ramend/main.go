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

// Command ramend is the control daemon: it owns the graph of layers and
// nodes, compiles and runs them via internal/graph.Supervisor, and
// exposes the whole lifecycle over HTTP. It never processes a single
// tuple itself — that is cmd/ramenworker's job, one process per node.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dfroger/ramen/internal/config"
	"github.com/dfroger/ramen/internal/export"
	"github.com/dfroger/ramen/internal/graph"
)

func main() {
	configPath := flag.String("config", "", "path to a ramen.yaml configuration file (optional)")
	listenAddr := flag.String("listen", "", "override the control API listen address")
	runDir := flag.String("rundir", "", "override the ring buffer / worker run directory")
	workerExec := flag.String("worker", "", "override the ramenworker executable path")
	debug := flag.Bool("debug", false, "enable verbose worker logging")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal(err)
	}
	if *listenAddr != "" {
		cfg.ListenAddr = *listenAddr
	}
	if *runDir != "" {
		cfg.RunDir = *runDir
	}
	if *workerExec != "" {
		cfg.WorkerExec = *workerExec
	}
	if *debug {
		cfg.Debug = true
	}

	logger := log.New(os.Stderr, "", log.Lshortfile)

	if err := os.MkdirAll(cfg.RunDir, 0750); err != nil {
		logger.Fatalf("creating run dir %s: %v", cfg.RunDir, err)
	}

	httpl, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		logger.Fatal(err)
	}

	reportBase := fmt.Sprintf("http://%s/report", httpl.Addr())
	g := graph.New()
	launcher := graph.NewLauncher(cfg.WorkerExec, cfg.RunDir, reportBase, cfg.Debug)
	if cfg.RingWords != 0 {
		launcher.RingWords = cfg.RingWords
	}
	sup := graph.NewSupervisor(g, launcher, logger)
	store := export.NewStore(cfg.ExportRetain)
	store.Logger = logger

	idleAfter := time.Duration(cfg.LayerTimeoutSeconds) * time.Second
	srv := NewServer(logger, g, sup, launcher, store, idleAfter)
	httpServer := &http.Server{Handler: srv.Router()}

	stopSweep := make(chan struct{})
	go func() {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-stopSweep:
				return
			case now := <-ticker.C:
				srv.TimeoutSweep(now)
			}
		}
	}()

	go func() {
		logger.Printf("ramen control daemon listening on %v", httpl.Addr())
		if err := httpServer.Serve(httpl); err != nil && err != http.ErrServerClosed {
			logger.Fatal(err)
		}
	}()

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	<-c
	close(stopSweep)

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	httpServer.Shutdown(ctx)
}
