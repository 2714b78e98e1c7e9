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

func TestLargerTypeWidensAcrossSignedness(t *testing.T) {
	// spec.md §8: u8 fed alongside i16 ends up i32, the least widening
	// covering both.
	got, err := LargerType(U8, I16)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != I32 {
		t.Fatalf("got %s, want i32", got)
	}
}

func TestLargerTypeSameType(t *testing.T) {
	got, err := LargerType(I32, I32)
	if err != nil || got != I32 {
		t.Fatalf("got %s, %v", got, err)
	}
}

func TestLargerTypeBoolWidensToAnyInt(t *testing.T) {
	got, err := LargerType(Bool, I16)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != I16 {
		t.Fatalf("got %s, want i16", got)
	}
}

func TestCanCastNeverNarrows(t *testing.T) {
	if CanCast(I32, I8) {
		t.Fatalf("i32 must not narrow to i8")
	}
	if !CanCast(I8, I32) {
		t.Fatalf("i8 must widen to i32")
	}
	if CanCast(I8, Bool) {
		t.Fatalf("no integer narrows to bool")
	}
	if !CanCast(Bool, U8) {
		t.Fatalf("bool widens to any integer")
	}
}

func TestLargerTypeIncompatible(t *testing.T) {
	if _, err := LargerType(IPv4, I32); err == nil {
		t.Fatalf("expected error widening ip4 and i32")
	}
}

func TestParseScalarRoundTrip(t *testing.T) {
	for _, name := range []string{"u8", "i128", "ip4", "cidr6", "float", "bool", "string"} {
		sc, ok := ParseScalar(name)
		if !ok {
			t.Fatalf("ParseScalar(%q) failed", name)
		}
		if sc.String() != name {
			t.Fatalf("round trip mismatch: %q -> %s", name, sc)
		}
	}
}
