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

package ast

import "fmt"

// Binding is a `SELECT expr [AS name]` entry.
//
// (see also: expr.Binding in the teacher's expr package)
type Binding struct {
	Expr Node
	As   string
	// Explicit records whether `AS name` was written in source, as
	// opposed to a name derived from the expression (e.g. a bare field
	// reference `x` binds to out field `x`).
	Explicit bool
}

func Bind(e Node, as string) Binding { return Binding{Expr: e, As: as, Explicit: as != ""} }

// Name returns the output field name this binding produces.
func (b Binding) Name() string {
	if b.As != "" {
		return b.As
	}
	if fr, ok := b.Expr.(*FieldRef); ok {
		return fr.Field
	}
	return b.Expr.String()
}

// FlushHowKind enumerates the FLUSH_HOW variants of spec.md §4.D.
type FlushHowKind int

const (
	FlushReset FlushHowKind = iota
	FlushSlide
	FlushKeepOnly
	FlushRemoveAll
)

// FlushHow describes what happens to a group's contributing input tuples
// when FLUSH_WHEN fires.
type FlushHow struct {
	Kind FlushHowKind
	// N is the slide width for FlushSlide.
	N int
	// Pred is the predicate for FlushKeepOnly/FlushRemoveAll.
	Pred Node
}

// Top describes a `TOP k BY e WHEN cond` clause.
type Top struct {
	K    int
	By   Node
	When Node // nil if no WHEN guard
}

// EventTime records a node's `EVENT STARTING AT f [*scale] [WITH DURATION
// d | AND STOPPING AT f' [*scale]]` declaration (spec.md §4.F, §6). A node
// without EventTime cannot be time-series queried.
type EventTime struct {
	StartField  string
	StartScale  float64 // multiplier applied to the raw field value, default 1
	HasDuration bool
	Duration    float64
	StopField   string // set iff !HasDuration && StopField != ""
	StopScale   float64
}

// Select is the shared SELECT/WHERE/GROUP BY/TOP/COMMIT/FLUSH/EXPORT
// clause set used by AGGREGATE (and, trivially, by the other operation
// kinds that merely project their input).
type Select struct {
	Fields     []Binding
	AllOthers  bool // SELECT * inheritance (spec.md §3, §4.C)
	From       []string
	Where      Node // nil if absent
	Key        []Node
	Top        *Top
	CommitWhen Node
	KeepAll    bool // COMMIT ... AND KEEP ALL
	FlushWhen  Node // nil means "defaults to CommitWhen" (spec.md §4.D)
	FlushHow   FlushHow
	Export     bool
	EventTime  *EventTime
}

// Operation is the tagged variant over YIELD / READ_CSV / LISTEN /
// AGGREGATE from spec.md §3.
type Operation interface {
	isOperation()
	String() string
}

// Yield is a source without input: it emits one literal tuple per field
// list.
type Yield struct {
	Fields []Binding
}

func (*Yield) isOperation() {}
func (y *Yield) String() string { return fmt.Sprintf("YIELD %v", y.Fields) }

// ReadCSV is an external source with an explicit schema, reading records
// from Source (a file path or other locator interpreted by internal/csvsrc).
type ReadCSV struct {
	Fields []Field
	Source string
}

func (*ReadCSV) isOperation() {}
func (r *ReadCSV) String() string { return fmt.Sprintf("READ_CSV(%s)", r.Source) }

// Listen is an external source parsing a wire format (e.g. collectd).
type Listen struct {
	Protocol string
}

func (*Listen) isOperation() {}
func (l *Listen) String() string { return fmt.Sprintf("LISTEN %s", l.Protocol) }

// Aggregate is the full SELECT/WHERE/GROUP BY/.../EXPORT operation
// described by the Select clause above; it is the only non-trivial
// runtime (spec.md §4.D).
type Aggregate struct {
	Select Select
}

func (*Aggregate) isOperation() {}
func (a *Aggregate) String() string { return "AGGREGATE " + a.Select.String() }

func (s Select) String() string {
	return fmt.Sprintf("SELECT(%d fields, all_others=%v)", len(s.Fields), s.AllOthers)
}
