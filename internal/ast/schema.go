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

import (
	"fmt"

	"github.com/dfroger/ramen/internal/types"
)

// Field is one entry of a tuple schema: a name paired with an optional
// positional rank (used to keep SELECT field order stable) and the
// field's expression type.
type Field struct {
	Name string
	Rank int
	Type *types.ExprType
}

// Schema is the ordered mapping from field name to (rank?, expression
// type) described in spec.md §3. Field names are unique within a schema.
// Once FinishedTyping is set, the field set is frozen.
type Schema struct {
	order           []string
	fields          map[string]*Field
	FinishedTyping  bool
}

func NewSchema() *Schema {
	return &Schema{fields: make(map[string]*Field)}
}

// Has reports whether name is present in the schema.
func (s *Schema) Has(name string) bool {
	_, ok := s.fields[name]
	return ok
}

// Get returns the field's expression type, or nil if absent.
func (s *Schema) Get(name string) *types.ExprType {
	f, ok := s.fields[name]
	if !ok {
		return nil
	}
	return f.Type
}

// Ensure returns the field's expression type, creating an empty one
// (in schema order) if absent. It fails if the schema is finished and the
// field is missing (spec.md §4.C step 3, "if f is missing, fail").
func (s *Schema) Ensure(name string) (*types.ExprType, error) {
	if f, ok := s.fields[name]; ok {
		return f.Type, nil
	}
	if s.FinishedTyping {
		return nil, &types.NotFound{Kind: "field", Name: name}
	}
	et := types.NewExprType(name)
	s.fields[name] = &Field{Name: name, Rank: len(s.order), Type: et}
	s.order = append(s.order, name)
	return et, nil
}

// Names returns field names in schema (source) order.
func (s *Schema) Names() []string {
	out := make([]string, len(s.order))
	copy(out, s.order)
	return out
}

// Fields returns the schema's fields in source order.
func (s *Schema) Fields() []*Field {
	out := make([]*Field, len(s.order))
	for i, n := range s.order {
		out[i] = s.fields[n]
	}
	return out
}

// Len reports the number of fields.
func (s *Schema) Len() int { return len(s.order) }

// Finish marks the schema frozen. Fields complete before this call remain
// as-is; nothing further may be added.
func (s *Schema) Finish() { s.FinishedTyping = true }

// AllComplete reports whether every field's expression type is complete.
func (s *Schema) AllComplete() bool {
	for _, n := range s.order {
		if !s.fields[n].Type.Complete() {
			return false
		}
	}
	return true
}

func (s *Schema) String() string {
	out := "{"
	for i, n := range s.order {
		if i > 0 {
			out += ", "
		}
		out += fmt.Sprintf("%s", s.fields[n].Type)
	}
	return out + "}"
}
