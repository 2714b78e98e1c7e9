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

import "testing"

func TestExprTypeSetNullableConflict(t *testing.T) {
	et := NewExprType("x")
	if err := et.SetNullable(true); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := et.SetNullable(false); err == nil {
		t.Fatalf("expected conflicting SetNullable to fail")
	}
	if err := et.SetNullable(true); err != nil {
		t.Fatalf("re-setting same value should succeed: %v", err)
	}
}

func TestExprTypeCompleteness(t *testing.T) {
	et := NewExprType("y")
	if et.Complete() {
		t.Fatalf("fresh expr type must not be complete")
	}
	et.SetScalar(I32)
	if et.Complete() {
		t.Fatalf("expr type with only scalar set must not be complete")
	}
	et.SetNullable(false)
	if !et.Complete() {
		t.Fatalf("expr type with both fields set must be complete")
	}
}

func TestExprTypeCopyIndependent(t *testing.T) {
	et := NewExprType("z")
	et.SetScalar(U8)
	cp := et.Copy()
	cp.SetScalar(U16)
	if *et.Scalar != U8 {
		t.Fatalf("mutating copy affected original")
	}
	if *cp.Scalar != U16 {
		t.Fatalf("copy did not widen: %s", *cp.Scalar)
	}
}
