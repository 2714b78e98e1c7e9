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

// Package collectd decodes the collectd binary network protocol, the
// `LISTEN { protocol: "collectd" }` external source operation (spec.md
// §3). Each UDP packet is a sequence of type-length-value "parts" that
// accumulate state (host, time, plugin, ...) until a values part is hit,
// at which point one tuple per contained value is emitted — the same
// part-accumulation reading the protocol's own reference decoders use.
//
// The part reader is structured the way the teacher's ion.unmarshal.go
// reads its own tagged binary format: a single cursor over a byte slice,
// one decode function per part kind, big-endian headers throughout.
package collectd

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/dfroger/ramen/internal/runtime"
)

// Part type codes, as defined by the collectd network protocol.
const (
	typeHost           = 0x0000
	typeTime           = 0x0001
	typePlugin         = 0x0002
	typePluginInstance = 0x0003
	typeType           = 0x0004
	typeTypeInstance   = 0x0005
	typeValues         = 0x0006
	typeInterval       = 0x0007
	typeTimeHR         = 0x0008
	typeIntervalHR     = 0x0009
)

// Value data source types within a values part.
const (
	dsCounter  = 0
	dsGauge    = 1
	dsDerive   = 2
	dsAbsolute = 3
)

// state accumulates the fields that precede a values part, per the
// protocol's "parts carry forward until overridden" rule.
type state struct {
	host           string
	time           float64
	plugin         string
	pluginInstance string
	typ            string
	typeInstance   string
	interval       float64
}

// Decode parses one collectd network packet into a tuple per metric
// value it carries (a values part with N data sources yields N tuples,
// one per data source, since each is independently a named time series).
func Decode(pkt []byte) ([]runtime.Tuple, error) {
	var st state
	var out []runtime.Tuple
	for len(pkt) > 0 {
		if len(pkt) < 4 {
			return out, fmt.Errorf("collectd: truncated part header")
		}
		partType := binary.BigEndian.Uint16(pkt[0:2])
		partLen := binary.BigEndian.Uint16(pkt[2:4])
		if int(partLen) < 4 || int(partLen) > len(pkt) {
			return out, fmt.Errorf("collectd: part length %d out of range", partLen)
		}
		payload := pkt[4:partLen]
		switch partType {
		case typeHost:
			st.host = cString(payload)
		case typePlugin:
			st.plugin = cString(payload)
		case typePluginInstance:
			st.pluginInstance = cString(payload)
		case typeType:
			st.typ = cString(payload)
		case typeTypeInstance:
			st.typeInstance = cString(payload)
		case typeTime:
			st.time = float64(beUint64(payload))
		case typeTimeHR:
			// high-resolution time is a 2^-30 second fixed-point value.
			st.time = float64(beUint64(payload)) / 1073741824.0
		case typeInterval:
			st.interval = float64(beUint64(payload))
		case typeIntervalHR:
			st.interval = float64(beUint64(payload)) / 1073741824.0
		case typeValues:
			vs, err := decodeValues(payload)
			if err != nil {
				return out, err
			}
			out = append(out, valuesToTuples(st, vs)...)
		}
		pkt = pkt[partLen:]
	}
	return out, nil
}

type value struct {
	source string
	kind   byte
	num    float64
}

func decodeValues(payload []byte) ([]value, error) {
	if len(payload) < 2 {
		return nil, fmt.Errorf("collectd: truncated values part")
	}
	n := int(binary.BigEndian.Uint16(payload[0:2]))
	kinds := payload[2:]
	if len(kinds) < n {
		return nil, fmt.Errorf("collectd: truncated value types")
	}
	data := kinds[n:]
	if len(data) < n*8 {
		return nil, fmt.Errorf("collectd: truncated value data")
	}
	out := make([]value, n)
	for i := 0; i < n; i++ {
		kind := kinds[i]
		raw := data[i*8 : i*8+8]
		var num float64
		if kind == dsGauge {
			num = math.Float64frombits(binary.LittleEndian.Uint64(raw))
		} else {
			num = float64(binary.BigEndian.Uint64(raw))
		}
		out[i] = value{kind: kind, num: num}
	}
	return out, nil
}

// valuesToTuples emits one tuple per value, carrying the full metric
// identity (host/plugin/type/...) alongside its reading, mirroring the
// flat "one row per data source" shape every collectd line-protocol
// bridge (graphite, influx, ...) converts to.
func valuesToTuples(st state, vs []value) []runtime.Tuple {
	tuples := make([]runtime.Tuple, len(vs))
	for i, v := range vs {
		tuples[i] = runtime.Tuple{
			"host":            runtime.StrVal(st.host),
			"time":            runtime.NumVal(st.time),
			"plugin":          runtime.StrVal(st.plugin),
			"plugin_instance": runtime.StrVal(st.pluginInstance),
			"type":            runtime.StrVal(st.typ),
			"type_instance":   runtime.StrVal(st.typeInstance),
			"interval":        runtime.NumVal(st.interval),
			"ds_index":        runtime.NumVal(float64(i)),
			"value":           runtime.NumVal(v.num),
		}
	}
	return tuples
}

func cString(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}

func beUint64(b []byte) uint64 {
	if len(b) < 8 {
		return 0
	}
	return binary.BigEndian.Uint64(b)
}
