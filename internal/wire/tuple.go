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

// Package wire converts runtime.Tuple values to and from the uint32-word
// payload a ring buffer message carries (spec.md §6: "payload is uint32
// words"). The spec leaves the exact tuple encoding to the implementation;
// this package picks a flat self-describing layout (field count, then per
// field a length-prefixed name and a tagged value) rather than adopting
// the teacher's ion columnar format, since ion's chunked/compressed
// column-group design targets large batched blocks read back by a query
// planner — machinery far heavier than framing one tuple at a time across
// an SPSC ring buffer.
package wire

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/dfroger/ramen/internal/runtime"
)

const (
	flagNull = 1 << 0
	flagStr  = 1 << 1
)

// EncodeTuple packs t into a flat []uint32 payload suitable for
// ring.Buffer.WriteMessage.
func EncodeTuple(t runtime.Tuple) []uint32 {
	out := []uint32{uint32(len(t))}
	for name, v := range t {
		out = appendString(out, name)
		out = appendValue(out, v)
	}
	return out
}

// DecodeTuple is the inverse of EncodeTuple.
func DecodeTuple(words []uint32) (runtime.Tuple, error) {
	if len(words) < 1 {
		return nil, fmt.Errorf("wire: empty tuple payload")
	}
	n := int(words[0])
	words = words[1:]
	t := make(runtime.Tuple, n)
	for i := 0; i < n; i++ {
		name, rest, err := readString(words)
		if err != nil {
			return nil, fmt.Errorf("wire: field %d name: %w", i, err)
		}
		v, rest2, err := readValue(rest)
		if err != nil {
			return nil, fmt.Errorf("wire: field %q value: %w", name, err)
		}
		t[name] = v
		words = rest2
	}
	return t, nil
}

func appendString(out []uint32, s string) []uint32 {
	b := []byte(s)
	out = append(out, uint32(len(b)))
	nwords := (len(b) + 3) / 4
	padded := make([]byte, nwords*4)
	copy(padded, b)
	for i := 0; i < nwords; i++ {
		out = append(out, binary.LittleEndian.Uint32(padded[i*4:]))
	}
	return out
}

func readString(words []uint32) (string, []uint32, error) {
	if len(words) < 1 {
		return "", nil, fmt.Errorf("truncated string length")
	}
	n := int(words[0])
	words = words[1:]
	nwords := (n + 3) / 4
	if len(words) < nwords {
		return "", nil, fmt.Errorf("truncated string payload")
	}
	buf := make([]byte, nwords*4)
	for i := 0; i < nwords; i++ {
		binary.LittleEndian.PutUint32(buf[i*4:], words[i])
	}
	return string(buf[:n]), words[nwords:], nil
}

func appendValue(out []uint32, v runtime.Value) []uint32 {
	switch {
	case v.Null:
		return append(out, flagNull)
	case v.IsStr:
		out = append(out, flagStr)
		return appendString(out, v.Str)
	default:
		out = append(out, 0)
		bits := math.Float64bits(v.Num)
		return append(out, uint32(bits), uint32(bits>>32))
	}
}

func readValue(words []uint32) (runtime.Value, []uint32, error) {
	if len(words) < 1 {
		return runtime.Value{}, nil, fmt.Errorf("truncated value flags")
	}
	flags := words[0]
	words = words[1:]
	switch {
	case flags&flagNull != 0:
		return runtime.Null(), words, nil
	case flags&flagStr != 0:
		s, rest, err := readString(words)
		if err != nil {
			return runtime.Value{}, nil, err
		}
		return runtime.StrVal(s), rest, nil
	default:
		if len(words) < 2 {
			return runtime.Value{}, nil, fmt.Errorf("truncated numeric value")
		}
		bits := uint64(words[0]) | uint64(words[1])<<32
		return runtime.NumVal(math.Float64frombits(bits)), words[2:], nil
	}
}
