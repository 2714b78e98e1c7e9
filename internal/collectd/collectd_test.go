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

package collectd

import (
	"encoding/binary"
	"math"
	"testing"
)

func stringPart(typ uint16, s string) []byte {
	payload := append([]byte(s), 0)
	return part(typ, payload)
}

func part(typ uint16, payload []byte) []byte {
	out := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint16(out[0:2], typ)
	binary.BigEndian.PutUint16(out[2:4], uint16(len(out)))
	copy(out[4:], payload)
	return out
}

func valuesPart(kinds []byte, vals []float64) []byte {
	payload := make([]byte, 2+len(kinds)+8*len(vals))
	binary.BigEndian.PutUint16(payload[0:2], uint16(len(kinds)))
	copy(payload[2:], kinds)
	data := payload[2+len(kinds):]
	for i, v := range vals {
		if kinds[i] == dsGauge {
			binary.LittleEndian.PutUint64(data[i*8:i*8+8], math.Float64bits(v))
		} else {
			binary.BigEndian.PutUint64(data[i*8:i*8+8], uint64(v))
		}
	}
	return part(typeValues, payload)
}

func TestDecodeSingleGaugeSample(t *testing.T) {
	var pkt []byte
	pkt = append(pkt, stringPart(typeHost, "web1.example.com")...)
	pkt = append(pkt, stringPart(typePlugin, "cpu")...)
	pkt = append(pkt, stringPart(typeType, "cpu_load")...)
	pkt = append(pkt, part(typeTime, be64(1700000000))...)
	pkt = append(pkt, valuesPart([]byte{dsGauge}, []float64{0.73})...)

	tuples, err := Decode(pkt)
	if err != nil {
		t.Fatal(err)
	}
	if len(tuples) != 1 {
		t.Fatalf("expected 1 tuple, got %d", len(tuples))
	}
	tp := tuples[0]
	if tp["host"].Str != "web1.example.com" {
		t.Fatalf("host = %q", tp["host"].Str)
	}
	if tp["plugin"].Str != "cpu" {
		t.Fatalf("plugin = %q", tp["plugin"].Str)
	}
	if tp["time"].Num != 1700000000 {
		t.Fatalf("time = %v", tp["time"].Num)
	}
	if tp["value"].Num != 0.73 {
		t.Fatalf("value = %v", tp["value"].Num)
	}
}

func TestDecodeMultiValueEmitsOneTuplePerDataSource(t *testing.T) {
	var pkt []byte
	pkt = append(pkt, stringPart(typeHost, "db1")...)
	pkt = append(pkt, valuesPart([]byte{dsCounter, dsDerive}, []float64{10, 20})...)

	tuples, err := Decode(pkt)
	if err != nil {
		t.Fatal(err)
	}
	if len(tuples) != 2 {
		t.Fatalf("expected 2 tuples, got %d", len(tuples))
	}
	if tuples[0]["ds_index"].Num != 0 || tuples[1]["ds_index"].Num != 1 {
		t.Fatalf("unexpected ds_index ordering: %v, %v", tuples[0]["ds_index"], tuples[1]["ds_index"])
	}
	if tuples[0]["value"].Num != 10 || tuples[1]["value"].Num != 20 {
		t.Fatalf("unexpected values: %v, %v", tuples[0]["value"], tuples[1]["value"])
	}
}

func TestDecodeTruncatedPacketErrors(t *testing.T) {
	if _, err := Decode([]byte{0, 0, 0}); err == nil {
		t.Fatal("expected an error on a truncated part header")
	}
}

func be64(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}
