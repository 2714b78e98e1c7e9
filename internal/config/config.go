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

// Package config implements the daemon's persisted configuration (spec.md
// §1 lists "configuration persistence" among the external-collaborator
// concerns the core is oblivious to). It is a thin YAML-over-JSON decode
// into a plain struct, the same shape the teacher's own tenant
// configuration files use, layered under command-line flag overrides.
package config

import (
	"fmt"
	"os"

	"sigs.k8s.io/yaml"
)

// Config is the daemon's full persisted configuration. Every field has a
// zero-value-safe default applied by Load, so an empty or absent file is
// a valid (if minimal) configuration.
type Config struct {
	// ListenAddr is the control API's HTTP listen address.
	ListenAddr string `json:"listenAddr,omitempty"`
	// RunDir holds ring buffer files, fan-out reference files and operation
	// files, one subdirectory per layer (internal/graph.Launcher).
	RunDir string `json:"runDir,omitempty"`
	// WorkerExec is the path to the ramenworker binary Launcher forks.
	WorkerExec string `json:"workerExec,omitempty"`
	// RingWords is the default data capacity (in uint32 words) of a
	// node's input and export ring buffers.
	RingWords uint32 `json:"ringWords,omitempty"`
	// ExportRetain is the default number of tuples internal/export.Store
	// retains per EXPORT node.
	ExportRetain int `json:"exportRetain,omitempty"`
	// LayerTimeoutSeconds, if nonzero, is the default idle TTL applied to
	// a layer that does not specify its own timeout (spec.md §4.E
	// "timeout_layers").
	LayerTimeoutSeconds int `json:"layerTimeoutSeconds,omitempty"`
	// Debug enables verbose worker logging (passed through as the
	// `debug` worker env var).
	Debug bool `json:"debug,omitempty"`
}

// Default returns the configuration used when no file is given and no
// flag overrides a field.
func Default() Config {
	return Config{
		ListenAddr:   "127.0.0.1:8280",
		RunDir:       "/tmp/ramen",
		WorkerExec:   "ramenworker",
		RingWords:    1 << 16,
		ExportRetain: 10000,
	}
}

// Load reads a YAML (or JSON, a valid YAML subset) configuration file at
// path and overlays it onto Default(). An empty path returns the default
// configuration unchanged, the same "config file is optional" contract
// the teacher's own tenant config loaders provide.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: reading %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: parsing %s: %w", path, err)
	}
	return cfg, nil
}
