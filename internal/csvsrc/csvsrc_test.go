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

package csvsrc

import (
	"io"
	"strings"
	"testing"

	"github.com/dfroger/ramen/internal/ast"
	"github.com/dfroger/ramen/internal/types"
)

func field(name string, s types.Scalar) ast.Field {
	return ast.Field{Name: name, Type: types.WithHints(name, types.ScalarPtr(s), types.BoolPtr(false))}
}

func TestChopperSkipsHeaderAndParsesColumns(t *testing.T) {
	fields := []ast.Field{field("host", types.String), field("cpu", types.Float), field("ok", types.Bool)}
	c := New(fields, 0, 1)
	r := strings.NewReader("host,cpu,ok\nweb1,0.42,true\nweb2,0.91,false\n")

	row1, err := c.Next(r)
	if err != nil {
		t.Fatal(err)
	}
	if row1["host"].Str != "web1" || row1["cpu"].Num != 0.42 || !row1["ok"].Bool() {
		t.Fatalf("unexpected row: %+v", row1)
	}

	row2, err := c.Next(r)
	if err != nil {
		t.Fatal(err)
	}
	if row2["host"].Str != "web2" || row2["ok"].Bool() {
		t.Fatalf("unexpected row: %+v", row2)
	}

	if _, err := c.Next(r); err != io.EOF {
		t.Fatalf("expected io.EOF at end of input, got %v", err)
	}
}

func TestChopperMissingTrailingColumnIsNull(t *testing.T) {
	fields := []ast.Field{field("a", types.String), field("b", types.String)}
	c := New(fields, 0, 0)
	row, err := c.Next(strings.NewReader("x\n"))
	if err != nil {
		t.Fatal(err)
	}
	if row["a"].Str != "x" {
		t.Fatalf("expected a=x, got %+v", row["a"])
	}
	if !row["b"].Null {
		t.Fatalf("expected b to be NULL for a short row, got %+v", row["b"])
	}
}
