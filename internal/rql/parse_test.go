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

package rql

import (
	"testing"

	"github.com/dfroger/ramen/internal/ast"
)

func TestParseSimpleSelect(t *testing.T) {
	sel, err := Parse(`SELECT x, y AS renamed FROM upstream WHERE x > 0`)
	if err != nil {
		t.Fatal(err)
	}
	if len(sel.Fields) != 2 {
		t.Fatalf("expected 2 fields, got %d", len(sel.Fields))
	}
	if sel.Fields[0].Name() != "x" {
		t.Fatalf("field 0 name = %q", sel.Fields[0].Name())
	}
	if sel.Fields[1].Name() != "renamed" {
		t.Fatalf("field 1 name = %q", sel.Fields[1].Name())
	}
	if len(sel.From) != 1 || sel.From[0] != "upstream" {
		t.Fatalf("unexpected From: %v", sel.From)
	}
	if sel.Where == nil {
		t.Fatal("expected a WHERE clause")
	}
	bin, ok := sel.Where.(*ast.Binary)
	if !ok || bin.Op != ast.OpGt {
		t.Fatalf("expected x > 0, got %v", sel.Where)
	}
}

func TestParseStarWithAdditionalField(t *testing.T) {
	sel, err := Parse(`SELECT *, SUM(value) AS total`)
	if err != nil {
		t.Fatal(err)
	}
	if !sel.AllOthers {
		t.Fatal("expected AllOthers")
	}
	if len(sel.Fields) != 1 || sel.Fields[0].Name() != "total" {
		t.Fatalf("unexpected fields: %+v", sel.Fields)
	}
	call, ok := sel.Fields[0].Expr.(*ast.StatefulCall)
	if !ok || call.Op != ast.StSum {
		t.Fatalf("expected SUM(...), got %v", sel.Fields[0].Expr)
	}
}

func TestParseGroupByTopCommitFlushExport(t *testing.T) {
	src := `SELECT host, MAX(value) AS peak
	        FROM samples
	        GROUP BY host
	        TOP 10 BY peak WHEN group.#count > 1
	        COMMIT AND KEEP ALL WHEN DEFINED(peak)
	        FLUSH WHEN group.#count > 100
	        EXPORT EVENT STARTING AT ts*1000 WITH DURATION 60`
	sel, err := Parse(src)
	if err != nil {
		t.Fatal(err)
	}
	if len(sel.Key) != 1 {
		t.Fatalf("expected one GROUP BY key, got %d", len(sel.Key))
	}
	if sel.Top == nil || sel.Top.K != 10 {
		t.Fatalf("unexpected Top: %+v", sel.Top)
	}
	if sel.Top.When == nil {
		t.Fatal("expected a TOP ... WHEN guard")
	}
	if !sel.KeepAll || sel.CommitWhen == nil {
		t.Fatalf("expected COMMIT AND KEEP ALL WHEN, got KeepAll=%v CommitWhen=%v", sel.KeepAll, sel.CommitWhen)
	}
	if sel.FlushWhen == nil {
		t.Fatal("expected a FLUSH WHEN clause")
	}
	if !sel.Export || sel.EventTime == nil {
		t.Fatal("expected EXPORT EVENT ...")
	}
	if sel.EventTime.StartField != "ts" || sel.EventTime.StartScale != 1000 {
		t.Fatalf("unexpected EventTime: %+v", sel.EventTime)
	}
	if !sel.EventTime.HasDuration || sel.EventTime.Duration != 60 {
		t.Fatalf("unexpected EventTime duration: %+v", sel.EventTime)
	}
}

func TestParseFieldRefPrefixes(t *testing.T) {
	sel, err := Parse(`SELECT in.a, out.b, previous.c, group.d, group.#count AS n, group.first AS f, group.last AS l`)
	if err != nil {
		t.Fatal(err)
	}
	want := []struct {
		prefix ast.Prefix
		field  string
	}{
		{ast.PrefixIn, "a"},
		{ast.PrefixOut, "b"},
		{ast.PrefixPrevious, "c"},
		{ast.PrefixGroup, "d"},
		{ast.PrefixGroupCount, "#count"},
		{ast.PrefixGroupFirst, "first"},
		{ast.PrefixGroupLast, "last"},
	}
	if len(sel.Fields) != len(want) {
		t.Fatalf("expected %d fields, got %d", len(want), len(sel.Fields))
	}
	for i, w := range want {
		fr, ok := sel.Fields[i].Expr.(*ast.FieldRef)
		if !ok {
			t.Fatalf("field %d: not a FieldRef: %v", i, sel.Fields[i].Expr)
		}
		if fr.Prefix != w.prefix || fr.Field != w.field {
			t.Fatalf("field %d: got prefix=%v field=%q, want prefix=%v field=%q", i, fr.Prefix, fr.Field, w.prefix, w.field)
		}
	}
}

func TestParseBareFieldIsUnqualifiedIn(t *testing.T) {
	sel, err := Parse(`SELECT x`)
	if err != nil {
		t.Fatal(err)
	}
	fr, ok := sel.Fields[0].Expr.(*ast.FieldRef)
	if !ok || fr.Prefix != ast.PrefixIn || fr.Qualified {
		t.Fatalf("unexpected field ref: %+v", fr)
	}
}

func TestParseCaseAndCoalesceAndIf(t *testing.T) {
	sel, err := Parse(`SELECT CASE WHEN x > 0 THEN 1 ELSE 0 END AS sign,
	                           COALESCE(x, y, 0) AS first_set,
	                           IF x > 0 THEN x AS positive_part`)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := sel.Fields[0].Expr.(*ast.Case); !ok {
		t.Fatalf("expected a Case node, got %v", sel.Fields[0].Expr)
	}
	if c, ok := sel.Fields[1].Expr.(*ast.Coalesce); !ok || len(c.Args) != 3 {
		t.Fatalf("expected a 3-arg Coalesce, got %v", sel.Fields[1].Expr)
	}
	ifCase, ok := sel.Fields[2].Expr.(*ast.Case)
	if !ok || len(ifCase.Arms) != 1 || ifCase.Else != nil {
		t.Fatalf("expected a single-arm, else-less Case from IF/THEN, got %+v", ifCase)
	}
}

func TestParseOperatorPrecedence(t *testing.T) {
	sel, err := Parse(`SELECT a + b * c = d AND NOT e OR f`)
	if err != nil {
		t.Fatal(err)
	}
	// top level: OR
	or, ok := sel.Fields[0].Expr.(*ast.Binary)
	if !ok || or.Op != ast.OpOr {
		t.Fatalf("expected top-level OR, got %v", sel.Fields[0].Expr)
	}
	and, ok := or.Left.(*ast.Binary)
	if !ok || and.Op != ast.OpAnd {
		t.Fatalf("expected AND under OR, got %v", or.Left)
	}
	eq, ok := and.Left.(*ast.Binary)
	if !ok || eq.Op != ast.OpEq {
		t.Fatalf("expected = under AND, got %v", and.Left)
	}
	add, ok := eq.Left.(*ast.Binary)
	if !ok || add.Op != ast.OpAdd {
		t.Fatalf("expected + on the left of =, got %v", eq.Left)
	}
	mul, ok := add.Right.(*ast.Binary)
	if !ok || mul.Op != ast.OpMul {
		t.Fatalf("expected * to bind tighter than +, got %v", add.Right)
	}
}

func TestParseIntegerDivisionAndTypedLiteral(t *testing.T) {
	sel, err := Parse(`SELECT a // b, 1i16 AS small`)
	if err != nil {
		t.Fatal(err)
	}
	bin, ok := sel.Fields[0].Expr.(*ast.Binary)
	if !ok || bin.Op != ast.OpIDiv {
		t.Fatalf("expected // to parse as OpIDiv, got %v", sel.Fields[0].Expr)
	}
	c, ok := sel.Fields[1].Expr.(*ast.Const)
	if !ok {
		t.Fatalf("expected a Const, got %v", sel.Fields[1].Expr)
	}
	if _, isInt16 := c.Value.(int64); !isInt16 {
		t.Fatalf("expected an int64 value for 1i16, got %T", c.Value)
	}
}

func TestParseGeneratorCall(t *testing.T) {
	sel, err := Parse(`SELECT SPLIT(tags, ",") AS tag`)
	if err != nil {
		t.Fatal(err)
	}
	gen, ok := sel.Fields[0].Expr.(*ast.Generator)
	if !ok || gen.Func != "SPLIT" || len(gen.Args) != 2 {
		t.Fatalf("expected a 2-arg SPLIT generator, got %v", sel.Fields[0].Expr)
	}
}

func TestParseRejectsTrailingGarbage(t *testing.T) {
	if _, err := Parse(`SELECT x FROM y GARBAGE`); err == nil {
		t.Fatal("expected a parse error on trailing garbage")
	}
}
