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

package runtime

import "strings"

// GroupState is the per-key running state described by spec.md §4.D: the
// running aggregate values for the group (Accum), the tuple last emitted
// for it (Previous), and the input tuples that have contributed to it
// since the last Reset/Slide (Contributors, needed by FLUSH_HOW).
type GroupState struct {
	Key          string
	Previous     Tuple // nil until the group's first OUT tuple is computed
	Accum        *Accumulators
	Count        uint64
	Contributors []Tuple
}

func newGroupState(key string) *GroupState {
	return &GroupState{Key: key, Accum: NewAccumulators()}
}

// GroupMap is the `key -> group_state` map of spec.md §4.D.
type GroupMap struct {
	groups map[string]*GroupState
}

func NewGroupMap() *GroupMap {
	return &GroupMap{groups: make(map[string]*GroupState)}
}

// Lookup returns the group for key, creating it (and reporting created =
// true) if absent.
func (m *GroupMap) Lookup(key string) (g *GroupState, created bool) {
	if g, ok := m.groups[key]; ok {
		return g, false
	}
	g = newGroupState(key)
	m.groups[key] = g
	return g, true
}

// All returns every group, for TOP k ranking and export snapshotting.
func (m *GroupMap) All() []*GroupState {
	out := make([]*GroupState, 0, len(m.groups))
	for _, g := range m.groups {
		out = append(out, g)
	}
	return out
}

// Delete removes a group entirely (FLUSH_HOW = Reset).
func (m *GroupMap) Delete(key string) { delete(m.groups, key) }

// KeyOf builds the composite group key string from a list of already
// evaluated KEY expression values, in order.
func KeyOf(vals []Value) string {
	var sb strings.Builder
	for i, v := range vals {
		if i > 0 {
			sb.WriteByte('\x1f')
		}
		sb.WriteString(v.String())
	}
	return sb.String()
}
