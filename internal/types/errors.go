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

package types

import "fmt"

// SyntaxError is returned by the parser and the type inference engine; Node
// identifies the offending node/expression by name when known (spec.md §7).
type SyntaxError struct {
	Node string
	Msg  string
}

func (e *SyntaxError) Error() string {
	if e.Node != "" {
		return fmt.Sprintf("%s: %s", e.Node, e.Msg)
	}
	return e.Msg
}

// TypeError is returned by the type inference engine when two expression
// types cannot be reconciled.
type TypeError struct {
	Node string
	Msg  string
}

func (e *TypeError) Error() string {
	if e.Node != "" {
		return fmt.Sprintf("%s: %s", e.Node, e.Msg)
	}
	return e.Msg
}

// InvalidCommand is returned when a layer status transition is not allowed
// (e.g. stop when not running).
type InvalidCommand struct {
	Msg string
}

func (e *InvalidCommand) Error() string { return e.Msg }

// MissingDependency is returned by compile when a parent node lives in a
// layer that has not been typed yet.
type MissingDependency struct {
	Layer, Node string
}

func (e *MissingDependency) Error() string {
	return fmt.Sprintf("missing dependency: %s/%s is not yet compiled", e.Layer, e.Node)
}

// DependencyLoop is returned when compile's retry bound is exceeded,
// implying a cycle across layers (spec.md §4.E, I2).
type DependencyLoop struct {
	Layers []string
}

func (e *DependencyLoop) Error() string {
	return fmt.Sprintf("dependency loop involving layers %v", e.Layers)
}

// NotFound is returned for an unknown layer, node or field.
type NotFound struct {
	Kind, Name string
}

func (e *NotFound) Error() string { return fmt.Sprintf("%s %q not found", e.Kind, e.Name) }

// NoSpace is returned when a ring buffer cannot accept a message because
// it lacks the free space (spec.md §7). It is the layer/node-level
// counterpart of internal/ring.ErrNoSpace and does not wrap it.
type NoSpace struct {
	Layer, Node string
}

func (e *NoSpace) Error() string {
	return fmt.Sprintf("%s/%s: ring buffer has no space", e.Layer, e.Node)
}

// NotRunning is returned when an operation requires a layer to be Running
// but it is not (spec.md §7; idempotent stop ignores this).
type NotRunning struct {
	Layer string
}

func (e *NotRunning) Error() string { return fmt.Sprintf("layer %q is not running", e.Layer) }

// AlreadyRunning is returned when run/start is requested for a layer that
// is already Running (spec.md §7; idempotent start ignores this).
type AlreadyRunning struct {
	Layer string
}

func (e *AlreadyRunning) Error() string { return fmt.Sprintf("layer %q is already running", e.Layer) }

// Fatal wraps an unrecoverable runtime condition (ring buffer corruption,
// child process aborted); the supervisor stops the owning layer and logs.
type Fatal struct {
	Msg string
	Err error
}

func (e *Fatal) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("fatal: %s: %v", e.Msg, e.Err)
	}
	return fmt.Sprintf("fatal: %s", e.Msg)
}

func (e *Fatal) Unwrap() error { return e.Err }
