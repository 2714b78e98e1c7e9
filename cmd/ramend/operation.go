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
	"fmt"

	"github.com/dfroger/ramen/internal/ast"
	"github.com/dfroger/ramen/internal/rql"
	"github.com/dfroger/ramen/internal/types"
)

// fieldSpec is one entry of a YIELD or READ_CSV operation's field list in
// a PUT /graph request body. Expr is used by YIELD (an expression over
// in./previous./group. fields, parsed with rql.ParseExpr); Type is used by
// READ_CSV (the column's declared scalar type, or absent to let type
// inference settle it from downstream use).
type fieldSpec struct {
	Name string `json:"name"`
	Expr string `json:"expr,omitempty"`
	Type string `json:"type,omitempty"`
}

// operationSpec is the JSON shape of a node's "operation" field in a PUT
// /graph request body, one of the four Operation variants.
type operationSpec struct {
	Kind     string      `json:"kind"`
	Fields   []fieldSpec `json:"fields,omitempty"`
	Source   string      `json:"source,omitempty"`
	Protocol string      `json:"protocol,omitempty"`
	// Query is a raw `SELECT ...` statement, used only by AGGREGATE:
	// the daemon does not reconstruct an ast.Select field-by-field from
	// JSON, it reuses the query parser.
	Query string `json:"query,omitempty"`
}

// decodeOperation builds the ast.Operation spec denotes, failing with a
// *types.SyntaxError identifying the offending field on malformed input.
func decodeOperation(spec operationSpec) (ast.Operation, error) {
	switch spec.Kind {
	case "YIELD":
		fields, err := decodeBindings(spec.Fields)
		if err != nil {
			return nil, err
		}
		return &ast.Yield{Fields: fields}, nil
	case "READ_CSV":
		fields, err := decodeCSVFields(spec.Fields)
		if err != nil {
			return nil, err
		}
		if spec.Source == "" {
			return nil, &types.SyntaxError{Msg: "READ_CSV requires a non-empty source"}
		}
		return &ast.ReadCSV{Fields: fields, Source: spec.Source}, nil
	case "LISTEN":
		if spec.Protocol == "" {
			return nil, &types.SyntaxError{Msg: "LISTEN requires a protocol"}
		}
		return &ast.Listen{Protocol: spec.Protocol}, nil
	case "AGGREGATE":
		sel, err := rql.Parse(spec.Query)
		if err != nil {
			return nil, err
		}
		return &ast.Aggregate{Select: *sel}, nil
	default:
		return nil, &types.SyntaxError{Msg: fmt.Sprintf("unknown operation kind %q", spec.Kind)}
	}
}

func decodeBindings(fields []fieldSpec) ([]ast.Binding, error) {
	out := make([]ast.Binding, 0, len(fields))
	for _, f := range fields {
		if f.Expr == "" {
			return nil, &types.SyntaxError{Node: f.Name, Msg: "field is missing its expr"}
		}
		n, err := rql.ParseExpr(f.Expr)
		if err != nil {
			return nil, fmt.Errorf("field %q: %w", f.Name, err)
		}
		out = append(out, ast.Bind(n, f.Name))
	}
	return out, nil
}

func decodeCSVFields(fields []fieldSpec) ([]ast.Field, error) {
	out := make([]ast.Field, 0, len(fields))
	for i, f := range fields {
		if f.Name == "" {
			return nil, &types.SyntaxError{Msg: fmt.Sprintf("csv field %d is missing a name", i)}
		}
		typ := types.NewExprType(f.Name)
		if f.Type != "" {
			scalar, ok := types.ParseScalar(f.Type)
			if !ok {
				return nil, &types.SyntaxError{Node: f.Name, Msg: fmt.Sprintf("unknown type %q", f.Type)}
			}
			if err := typ.SetScalar(scalar); err != nil {
				return nil, err
			}
		}
		out = append(out, ast.Field{Name: f.Name, Rank: i, Type: typ})
	}
	return out, nil
}
