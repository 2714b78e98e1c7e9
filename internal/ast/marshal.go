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
	"encoding/json"
	"fmt"

	"github.com/dfroger/ramen/internal/types"
)

// MarshalOperation and UnmarshalOperation give an *already-typed*
// Operation a stable external representation: the supervisor persists
// the graph it owns across restarts, and a launched worker process
// needs its own node's typed operation without re-running type
// inference in isolation (it has no view of the rest of the graph).
// Every ExprType hint already resolved by inference travels with its
// node, so a worker can reconstruct an internal/runtime.NodeRuntime
// directly from the decoded Operation.
type nodeDTO struct {
	Kind string `json:"kind"`

	// FieldRef
	Prefix    *Prefix `json:"prefix,omitempty"`
	Qualified bool    `json:"qualified,omitempty"`
	Field     string  `json:"field,omitempty"`

	// Const / Param
	ValueKind string      `json:"valueKind,omitempty"` // "null","string","bool","int64","float64"
	Value     interface{} `json:"value,omitempty"`
	Index     int         `json:"index,omitempty"`

	// Unary / Binary
	UnaryOp  *UnaryOp  `json:"unaryOp,omitempty"`
	BinaryOp *BinaryOp `json:"binaryOp,omitempty"`
	Operand  *nodeDTO  `json:"operand,omitempty"`
	Left     *nodeDTO  `json:"left,omitempty"`
	Right    *nodeDTO  `json:"right,omitempty"`

	// Case
	Arms []armDTO `json:"arms,omitempty"`
	Else *nodeDTO `json:"else,omitempty"`

	// Coalesce / Generator / StatefulCall
	Args     []*nodeDTO  `json:"args,omitempty"`
	Func     string      `json:"func,omitempty"`
	StateOp  *StatefulOp `json:"stateOp,omitempty"`

	// type hints, applicable to every node kind
	TypeName string        `json:"typeName,omitempty"`
	Scalar   *types.Scalar `json:"scalar,omitempty"`
	Nullable *bool         `json:"nullable,omitempty"`
}

type armDTO struct {
	When *nodeDTO `json:"when"`
	Then *nodeDTO `json:"then"`
}

func encodeNode(n Node) (*nodeDTO, error) {
	if n == nil {
		return nil, nil
	}
	d := &nodeDTO{TypeName: n.Type().Name, Scalar: n.Type().Scalar, Nullable: n.Type().Nullable}
	switch v := n.(type) {
	case *FieldRef:
		d.Kind = "field"
		p := v.Prefix
		d.Prefix = &p
		d.Qualified = v.Qualified
		d.Field = v.Field
	case *Const:
		d.Kind = "const"
		switch val := v.Value.(type) {
		case nil:
			d.ValueKind = "null"
		case string:
			d.ValueKind = "string"
			d.Value = val
		case bool:
			d.ValueKind = "bool"
			d.Value = val
		case int64:
			d.ValueKind = "int64"
			d.Value = val
		case float64:
			d.ValueKind = "float64"
			d.Value = val
		default:
			return nil, fmt.Errorf("ast: cannot marshal const of type %T", val)
		}
	case *Param:
		d.Kind = "param"
		d.Index = v.Index
	case *Unary:
		d.Kind = "unary"
		op := v.Op
		d.UnaryOp = &op
		operand, err := encodeNode(v.Operand)
		if err != nil {
			return nil, err
		}
		d.Operand = operand
	case *Binary:
		d.Kind = "binary"
		op := v.Op
		d.BinaryOp = &op
		left, err := encodeNode(v.Left)
		if err != nil {
			return nil, err
		}
		right, err := encodeNode(v.Right)
		if err != nil {
			return nil, err
		}
		d.Left, d.Right = left, right
	case *Case:
		d.Kind = "case"
		for _, a := range v.Arms {
			when, err := encodeNode(a.When)
			if err != nil {
				return nil, err
			}
			then, err := encodeNode(a.Then)
			if err != nil {
				return nil, err
			}
			d.Arms = append(d.Arms, armDTO{When: when, Then: then})
		}
		els, err := encodeNode(v.Else)
		if err != nil {
			return nil, err
		}
		d.Else = els
	case *Coalesce:
		d.Kind = "coalesce"
		args, err := encodeNodes(v.Args)
		if err != nil {
			return nil, err
		}
		d.Args = args
	case *Generator:
		d.Kind = "generator"
		d.Func = v.Func
		args, err := encodeNodes(v.Args)
		if err != nil {
			return nil, err
		}
		d.Args = args
	case *StatefulCall:
		d.Kind = "stateful"
		op := v.Op
		d.StateOp = &op
		args, err := encodeNodes(v.Args)
		if err != nil {
			return nil, err
		}
		d.Args = args
	default:
		return nil, fmt.Errorf("ast: cannot marshal node of type %T", n)
	}
	return d, nil
}

func encodeNodes(ns []Node) ([]*nodeDTO, error) {
	out := make([]*nodeDTO, len(ns))
	for i, n := range ns {
		d, err := encodeNode(n)
		if err != nil {
			return nil, err
		}
		out[i] = d
	}
	return out, nil
}

func decodeNode(d *nodeDTO) (Node, error) {
	if d == nil {
		return nil, nil
	}
	var n Node
	switch d.Kind {
	case "field":
		if d.Prefix == nil {
			return nil, fmt.Errorf("ast: field node missing prefix")
		}
		n = NewFieldRef(*d.Prefix, d.Qualified, d.Field)
	case "const":
		var value interface{}
		switch d.ValueKind {
		case "null":
			value = nil
		case "string":
			value, _ = d.Value.(string)
		case "bool":
			value, _ = d.Value.(bool)
		case "int64":
			value = int64(toFloat(d.Value))
		case "float64":
			value = toFloat(d.Value)
		default:
			return nil, fmt.Errorf("ast: const node has unknown valueKind %q", d.ValueKind)
		}
		scalar := types.Any
		if d.Scalar != nil {
			scalar = *d.Scalar
		}
		n = NewConst(d.TypeName, scalar, value)
	case "param":
		n = NewParam(d.Index)
	case "unary":
		if d.UnaryOp == nil {
			return nil, fmt.Errorf("ast: unary node missing op")
		}
		operand, err := decodeNode(d.Operand)
		if err != nil {
			return nil, err
		}
		n = NewUnary(*d.UnaryOp, operand)
	case "binary":
		if d.BinaryOp == nil {
			return nil, fmt.Errorf("ast: binary node missing op")
		}
		left, err := decodeNode(d.Left)
		if err != nil {
			return nil, err
		}
		right, err := decodeNode(d.Right)
		if err != nil {
			return nil, err
		}
		n = NewBinary(*d.BinaryOp, left, right)
	case "case":
		arms := make([]WhenThen, len(d.Arms))
		for i, a := range d.Arms {
			when, err := decodeNode(a.When)
			if err != nil {
				return nil, err
			}
			then, err := decodeNode(a.Then)
			if err != nil {
				return nil, err
			}
			arms[i] = WhenThen{When: when, Then: then}
		}
		els, err := decodeNode(d.Else)
		if err != nil {
			return nil, err
		}
		n = NewCase(arms, els)
	case "coalesce":
		args, err := decodeNodes(d.Args)
		if err != nil {
			return nil, err
		}
		n = NewCoalesce(args)
	case "generator":
		args, err := decodeNodes(d.Args)
		if err != nil {
			return nil, err
		}
		n = NewGenerator(d.Func, args)
	case "stateful":
		if d.StateOp == nil {
			return nil, fmt.Errorf("ast: stateful node missing op")
		}
		args, err := decodeNodes(d.Args)
		if err != nil {
			return nil, err
		}
		n = NewStatefulCall(*d.StateOp, args)
	default:
		return nil, fmt.Errorf("ast: unknown node kind %q", d.Kind)
	}
	if d.Scalar != nil {
		if err := n.Type().SetScalar(*d.Scalar); err != nil {
			return nil, err
		}
	}
	if d.Nullable != nil {
		if err := n.Type().SetNullable(*d.Nullable); err != nil {
			return nil, err
		}
	}
	return n, nil
}

func decodeNodes(ds []*nodeDTO) ([]Node, error) {
	out := make([]Node, len(ds))
	for i, d := range ds {
		n, err := decodeNode(d)
		if err != nil {
			return nil, err
		}
		out[i] = n
	}
	return out, nil
}

func toFloat(v interface{}) float64 {
	switch f := v.(type) {
	case float64:
		return f
	case int64:
		return float64(f)
	default:
		return 0
	}
}

// ---- operation-level envelope ----

type bindingDTO struct {
	Expr     *nodeDTO `json:"expr"`
	As       string   `json:"as,omitempty"`
	Explicit bool     `json:"explicit,omitempty"`
}

type fieldDTO struct {
	Name string        `json:"name"`
	Rank int           `json:"rank"`
	Type *typeHintsDTO `json:"type,omitempty"`
}

type typeHintsDTO struct {
	Name     string        `json:"name"`
	Scalar   *types.Scalar `json:"scalar,omitempty"`
	Nullable *bool         `json:"nullable,omitempty"`
}

type topDTO struct {
	K    int      `json:"k"`
	By   *nodeDTO `json:"by"`
	When *nodeDTO `json:"when,omitempty"`
}

type eventTimeDTO struct {
	StartField  string  `json:"startField"`
	StartScale  float64 `json:"startScale"`
	HasDuration bool    `json:"hasDuration,omitempty"`
	Duration    float64 `json:"duration,omitempty"`
	StopField   string  `json:"stopField,omitempty"`
	StopScale   float64 `json:"stopScale,omitempty"`
}

type flushHowDTO struct {
	Kind FlushHowKind `json:"kind"`
	N    int          `json:"n,omitempty"`
	Pred *nodeDTO     `json:"pred,omitempty"`
}

type selectDTO struct {
	Fields     []bindingDTO  `json:"fields,omitempty"`
	AllOthers  bool          `json:"allOthers,omitempty"`
	From       []string      `json:"from,omitempty"`
	Where      *nodeDTO      `json:"where,omitempty"`
	Key        []*nodeDTO    `json:"key,omitempty"`
	Top        *topDTO       `json:"top,omitempty"`
	CommitWhen *nodeDTO      `json:"commitWhen,omitempty"`
	KeepAll    bool          `json:"keepAll,omitempty"`
	FlushWhen  *nodeDTO      `json:"flushWhen,omitempty"`
	FlushHow   *flushHowDTO  `json:"flushHow,omitempty"`
	Export     bool          `json:"export,omitempty"`
	EventTime  *eventTimeDTO `json:"eventTime,omitempty"`
}

type operationDTO struct {
	Kind string `json:"kind"`

	// Yield
	Fields []bindingDTO `json:"fields,omitempty"`

	// ReadCSV
	CSVFields []fieldDTO `json:"csvFields,omitempty"`
	Source    string     `json:"source,omitempty"`

	// Listen
	Protocol string `json:"protocol,omitempty"`

	// Aggregate
	Select *selectDTO `json:"select,omitempty"`
}

func encodeBinding(b Binding) (bindingDTO, error) {
	e, err := encodeNode(b.Expr)
	if err != nil {
		return bindingDTO{}, err
	}
	return bindingDTO{Expr: e, As: b.As, Explicit: b.Explicit}, nil
}

func decodeBinding(d bindingDTO) (Binding, error) {
	e, err := decodeNode(d.Expr)
	if err != nil {
		return Binding{}, err
	}
	return Binding{Expr: e, As: d.As, Explicit: d.Explicit}, nil
}

func encodeBindings(bs []Binding) ([]bindingDTO, error) {
	out := make([]bindingDTO, len(bs))
	for i, b := range bs {
		d, err := encodeBinding(b)
		if err != nil {
			return nil, err
		}
		out[i] = d
	}
	return out, nil
}

func decodeBindings(ds []bindingDTO) ([]Binding, error) {
	out := make([]Binding, len(ds))
	for i, d := range ds {
		b, err := decodeBinding(d)
		if err != nil {
			return nil, err
		}
		out[i] = b
	}
	return out, nil
}

func encodeFieldType(t *types.ExprType) *typeHintsDTO {
	if t == nil {
		return nil
	}
	return &typeHintsDTO{Name: t.Name, Scalar: t.Scalar, Nullable: t.Nullable}
}

func decodeFieldType(d *typeHintsDTO) *types.ExprType {
	if d == nil {
		return nil
	}
	return types.WithHints(d.Name, d.Scalar, d.Nullable)
}

func encodeSelect(s Select) (*selectDTO, error) {
	fields, err := encodeBindings(s.Fields)
	if err != nil {
		return nil, err
	}
	key, err := encodeNodes(s.Key)
	if err != nil {
		return nil, err
	}
	where, err := encodeNode(s.Where)
	if err != nil {
		return nil, err
	}
	commitWhen, err := encodeNode(s.CommitWhen)
	if err != nil {
		return nil, err
	}
	flushWhen, err := encodeNode(s.FlushWhen)
	if err != nil {
		return nil, err
	}
	d := &selectDTO{
		Fields: fields, AllOthers: s.AllOthers, From: s.From,
		Where: where, Key: key, CommitWhen: commitWhen, KeepAll: s.KeepAll,
		FlushWhen: flushWhen, Export: s.Export,
	}
	if s.Top != nil {
		by, err := encodeNode(s.Top.By)
		if err != nil {
			return nil, err
		}
		when, err := encodeNode(s.Top.When)
		if err != nil {
			return nil, err
		}
		d.Top = &topDTO{K: s.Top.K, By: by, When: when}
	}
	if s.FlushHow.Pred != nil || s.FlushHow.Kind != FlushReset || s.FlushHow.N != 0 {
		pred, err := encodeNode(s.FlushHow.Pred)
		if err != nil {
			return nil, err
		}
		d.FlushHow = &flushHowDTO{Kind: s.FlushHow.Kind, N: s.FlushHow.N, Pred: pred}
	}
	if s.EventTime != nil {
		d.EventTime = &eventTimeDTO{
			StartField: s.EventTime.StartField, StartScale: s.EventTime.StartScale,
			HasDuration: s.EventTime.HasDuration, Duration: s.EventTime.Duration,
			StopField: s.EventTime.StopField, StopScale: s.EventTime.StopScale,
		}
	}
	return d, nil
}

func decodeSelect(d *selectDTO) (Select, error) {
	fields, err := decodeBindings(d.Fields)
	if err != nil {
		return Select{}, err
	}
	key, err := decodeNodes(d.Key)
	if err != nil {
		return Select{}, err
	}
	where, err := decodeNode(d.Where)
	if err != nil {
		return Select{}, err
	}
	commitWhen, err := decodeNode(d.CommitWhen)
	if err != nil {
		return Select{}, err
	}
	flushWhen, err := decodeNode(d.FlushWhen)
	if err != nil {
		return Select{}, err
	}
	sel := Select{
		Fields: fields, AllOthers: d.AllOthers, From: d.From,
		Where: where, Key: key, CommitWhen: commitWhen, KeepAll: d.KeepAll,
		FlushWhen: flushWhen, Export: d.Export,
	}
	if d.Top != nil {
		by, err := decodeNode(d.Top.By)
		if err != nil {
			return Select{}, err
		}
		when, err := decodeNode(d.Top.When)
		if err != nil {
			return Select{}, err
		}
		sel.Top = &Top{K: d.Top.K, By: by, When: when}
	}
	if d.FlushHow != nil {
		pred, err := decodeNode(d.FlushHow.Pred)
		if err != nil {
			return Select{}, err
		}
		sel.FlushHow = FlushHow{Kind: d.FlushHow.Kind, N: d.FlushHow.N, Pred: pred}
	}
	if d.EventTime != nil {
		sel.EventTime = &EventTime{
			StartField: d.EventTime.StartField, StartScale: d.EventTime.StartScale,
			HasDuration: d.EventTime.HasDuration, Duration: d.EventTime.Duration,
			StopField: d.EventTime.StopField, StopScale: d.EventTime.StopScale,
		}
	}
	return sel, nil
}

// MarshalOperation encodes a (typically already-typed) Operation as JSON.
func MarshalOperation(op Operation) ([]byte, error) {
	var d operationDTO
	switch v := op.(type) {
	case *Yield:
		d.Kind = "YIELD"
		fields, err := encodeBindings(v.Fields)
		if err != nil {
			return nil, err
		}
		d.Fields = fields
	case *ReadCSV:
		d.Kind = "READ_CSV"
		d.Source = v.Source
		for _, f := range v.Fields {
			d.CSVFields = append(d.CSVFields, fieldDTO{Name: f.Name, Rank: f.Rank, Type: encodeFieldType(f.Type)})
		}
	case *Listen:
		d.Kind = "LISTEN"
		d.Protocol = v.Protocol
	case *Aggregate:
		d.Kind = "AGGREGATE"
		sel, err := encodeSelect(v.Select)
		if err != nil {
			return nil, err
		}
		d.Select = sel
	default:
		return nil, fmt.Errorf("ast: cannot marshal operation of type %T", op)
	}
	return json.Marshal(d)
}

// UnmarshalOperation is the inverse of MarshalOperation.
func UnmarshalOperation(data []byte) (Operation, error) {
	var d operationDTO
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, err
	}
	switch d.Kind {
	case "YIELD":
		fields, err := decodeBindings(d.Fields)
		if err != nil {
			return nil, err
		}
		return &Yield{Fields: fields}, nil
	case "READ_CSV":
		fields := make([]Field, len(d.CSVFields))
		for i, f := range d.CSVFields {
			fields[i] = Field{Name: f.Name, Rank: f.Rank, Type: decodeFieldType(f.Type)}
		}
		return &ReadCSV{Fields: fields, Source: d.Source}, nil
	case "LISTEN":
		return &Listen{Protocol: d.Protocol}, nil
	case "AGGREGATE":
		if d.Select == nil {
			return nil, fmt.Errorf("ast: AGGREGATE operation missing select")
		}
		sel, err := decodeSelect(d.Select)
		if err != nil {
			return nil, err
		}
		return &Aggregate{Select: sel}, nil
	default:
		return nil, fmt.Errorf("ast: unknown operation kind %q", d.Kind)
	}
}
