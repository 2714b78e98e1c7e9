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

package main

import (
	"testing"

	"github.com/dfroger/ramen/internal/ast"
	"github.com/dfroger/ramen/internal/types"
)

func TestDecodeOperationYield(t *testing.T) {
	op, err := decodeOperation(operationSpec{
		Kind:   "YIELD",
		Fields: []fieldSpec{{Name: "x", Expr: "1"}, {Name: "y", Expr: "in.a + 1"}},
	})
	if err != nil {
		t.Fatal(err)
	}
	y, ok := op.(*ast.Yield)
	if !ok {
		t.Fatalf("expected *ast.Yield, got %T", op)
	}
	if len(y.Fields) != 2 || y.Fields[0].Name() != "x" || y.Fields[1].Name() != "y" {
		t.Fatalf("unexpected fields: %+v", y.Fields)
	}
}

func TestDecodeOperationYieldMissingExpr(t *testing.T) {
	_, err := decodeOperation(operationSpec{
		Kind:   "YIELD",
		Fields: []fieldSpec{{Name: "x"}},
	})
	if _, ok := err.(*types.SyntaxError); !ok {
		t.Fatalf("expected *types.SyntaxError, got %T: %v", err, err)
	}
}

func TestDecodeOperationReadCSV(t *testing.T) {
	op, err := decodeOperation(operationSpec{
		Kind:   "READ_CSV",
		Source: "/tmp/data.csv",
		Fields: []fieldSpec{{Name: "a"}, {Name: "b", Type: "i64"}},
	})
	if err != nil {
		t.Fatal(err)
	}
	rc, ok := op.(*ast.ReadCSV)
	if !ok {
		t.Fatalf("expected *ast.ReadCSV, got %T", op)
	}
	if rc.Source != "/tmp/data.csv" {
		t.Fatalf("unexpected source: %q", rc.Source)
	}
	if len(rc.Fields) != 2 || rc.Fields[0].Rank != 0 || rc.Fields[1].Rank != 1 {
		t.Fatalf("unexpected fields: %+v", rc.Fields)
	}
}

func TestDecodeOperationReadCSVRequiresSource(t *testing.T) {
	_, err := decodeOperation(operationSpec{
		Kind:   "READ_CSV",
		Fields: []fieldSpec{{Name: "a"}},
	})
	if _, ok := err.(*types.SyntaxError); !ok {
		t.Fatalf("expected *types.SyntaxError, got %T: %v", err, err)
	}
}

func TestDecodeOperationReadCSVUnknownType(t *testing.T) {
	_, err := decodeOperation(operationSpec{
		Kind:   "READ_CSV",
		Source: "/tmp/data.csv",
		Fields: []fieldSpec{{Name: "a", Type: "not_a_type"}},
	})
	if _, ok := err.(*types.SyntaxError); !ok {
		t.Fatalf("expected *types.SyntaxError, got %T: %v", err, err)
	}
}

func TestDecodeOperationListen(t *testing.T) {
	op, err := decodeOperation(operationSpec{Kind: "LISTEN", Protocol: "udp"})
	if err != nil {
		t.Fatal(err)
	}
	l, ok := op.(*ast.Listen)
	if !ok || l.Protocol != "udp" {
		t.Fatalf("unexpected operation: %+v", op)
	}
}

func TestDecodeOperationListenRequiresProtocol(t *testing.T) {
	_, err := decodeOperation(operationSpec{Kind: "LISTEN"})
	if _, ok := err.(*types.SyntaxError); !ok {
		t.Fatalf("expected *types.SyntaxError, got %T: %v", err, err)
	}
}

func TestDecodeOperationAggregate(t *testing.T) {
	op, err := decodeOperation(operationSpec{
		Kind:  "AGGREGATE",
		Query: `SELECT host, MAX(value) AS peak FROM samples GROUP BY host`,
	})
	if err != nil {
		t.Fatal(err)
	}
	agg, ok := op.(*ast.Aggregate)
	if !ok {
		t.Fatalf("expected *ast.Aggregate, got %T", op)
	}
	if len(agg.Select.Key) != 1 {
		t.Fatalf("expected one GROUP BY key, got %+v", agg.Select)
	}
}

func TestDecodeOperationAggregateBadQuery(t *testing.T) {
	_, err := decodeOperation(operationSpec{Kind: "AGGREGATE", Query: "SELECT FROM"})
	if err == nil {
		t.Fatal("expected a parse error")
	}
}

func TestDecodeOperationUnknownKind(t *testing.T) {
	_, err := decodeOperation(operationSpec{Kind: "BOGUS"})
	if _, ok := err.(*types.SyntaxError); !ok {
		t.Fatalf("expected *types.SyntaxError, got %T: %v", err, err)
	}
}
