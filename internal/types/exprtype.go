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

// ExprType is the mutable `{name, scalar_type?, nullable?}` record from
// spec.md §3. A nil *Scalar or *bool means "not yet known"; it is mutated
// in place by the type inference engine's fixed-point loop (§4.C).
type ExprType struct {
	Name     string
	Scalar   *Scalar
	Nullable *bool
}

// NewExprType creates an expression type with the given name and no hints.
func NewExprType(name string) *ExprType {
	return &ExprType{Name: name}
}

// WithHints creates an expression type pre-seeded with a scalar type and/or
// nullability, leaving either nil if the corresponding pointer is nil.
func WithHints(name string, scalar *Scalar, nullable *bool) *ExprType {
	return &ExprType{Name: name, Scalar: scalar, Nullable: nullable}
}

// Copy returns an independent copy of t.
func (t *ExprType) Copy() *ExprType {
	cp := &ExprType{Name: t.Name}
	if t.Scalar != nil {
		s := *t.Scalar
		cp.Scalar = &s
	}
	if t.Nullable != nil {
		n := *t.Nullable
		cp.Nullable = &n
	}
	return cp
}

// Complete reports whether both Scalar and Nullable are set (spec.md §3).
func (t *ExprType) Complete() bool {
	return t.Scalar != nil && t.Nullable != nil
}

// SetScalar widens t's scalar type to cover s, failing if s is incompatible
// with the type already recorded.
func (t *ExprType) SetScalar(s Scalar) error {
	if t.Scalar == nil {
		cp := s
		t.Scalar = &cp
		return nil
	}
	w, err := LargerType(*t.Scalar, s)
	if err != nil {
		return &TypeError{Msg: fmt.Sprintf("field %q: %s and %s are incompatible", t.Name, *t.Scalar, s)}
	}
	t.Scalar = &w
	return nil
}

// SetNullable sets t's nullability, failing if it has already been set to
// the opposite value (spec.md §4.A "set-nullable ... fails when already set
// to the opposite").
func (t *ExprType) SetNullable(n bool) error {
	if t.Nullable == nil {
		cp := n
		t.Nullable = &cp
		return nil
	}
	if *t.Nullable != n {
		return &TypeError{Msg: fmt.Sprintf("field %q: nullability already set to %v, cannot set to %v", t.Name, *t.Nullable, n)}
	}
	return nil
}

// Equal reports whether t and o have the same name, scalar type (when both
// known) and nullability (when both known).
func (t *ExprType) Equal(o *ExprType) bool {
	if t.Name != o.Name {
		return false
	}
	if (t.Scalar == nil) != (o.Scalar == nil) {
		return false
	}
	if t.Scalar != nil && *t.Scalar != *o.Scalar {
		return false
	}
	if (t.Nullable == nil) != (o.Nullable == nil) {
		return false
	}
	if t.Nullable != nil && *t.Nullable != *o.Nullable {
		return false
	}
	return true
}

func (t *ExprType) String() string {
	sc := "?"
	if t.Scalar != nil {
		sc = t.Scalar.String()
	}
	nn := "?"
	if t.Nullable != nil {
		if *t.Nullable {
			nn = "null"
		} else {
			nn = "not null"
		}
	}
	return fmt.Sprintf("%s:%s,%s", t.Name, sc, nn)
}

// Bool/ptr helpers used throughout the engine to build literal hints.
func BoolPtr(b bool) *bool     { return &b }
func ScalarPtr(s Scalar) *Scalar { return &s }
