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

package export

import (
	"fmt"

	"github.com/dfroger/ramen/internal/runtime"
)

// Consolidation is the per-bucket reduction build_timeseries applies
// (spec.md §4.F).
type Consolidation int

const (
	Min Consolidation = iota
	Max
	Avg
)

func ParseConsolidation(s string) (Consolidation, error) {
	switch s {
	case "min":
		return Min, nil
	case "max":
		return Max, nil
	case "avg":
		return Avg, nil
	}
	return 0, fmt.Errorf("export: unknown consolidation %q", s)
}

// Point is one bucket of a time-series response: Value.Null iff no
// retained tuple's event window overlapped the bucket (spec.md §4.F "an
// empty bucket yields NULL").
type Point struct {
	Time  float64
	Value runtime.Value
}

// TimeSeriesQuery is the full argument set of build_timeseries (spec.md
// §4.F).
type TimeSeriesQuery struct {
	StartField    string
	StartScale    float64 // multiplier applied to the raw start_field value; 0 defaults to 1
	DataField     string
	Duration      float64 // event duration in the same (scaled) units as StartField; 0 means point events
	MaxPoints     int
	From, To      float64
	Consolidation Consolidation
}

// BuildTimeSeries buckets recs into q.MaxPoints uniform buckets covering
// [q.From, q.To], assigning each tuple's event window
// [start, start+duration) to every bucket it overlaps, then consolidating
// per bucket (spec.md §4.F). A node with no EVENT STARTING AT declaration
// must not be passed here at all — the caller checks ast.EventTime != nil
// before calling, per "a node without event-time info cannot be
// time-series queried".
func BuildTimeSeries(recs []Record, q TimeSeriesQuery) []Point {
	if q.MaxPoints <= 0 || q.To <= q.From {
		return nil
	}
	scale := q.StartScale
	if scale == 0 {
		scale = 1
	}
	width := (q.To - q.From) / float64(q.MaxPoints)
	buckets := make([][]float64, q.MaxPoints)

	for _, r := range recs {
		sv, ok := r.Tuple[q.StartField]
		if !ok || sv.Null {
			continue
		}
		dv, ok := r.Tuple[q.DataField]
		if !ok || dv.Null {
			continue
		}
		start := sv.Num * scale
		end := start + q.Duration
		if end < q.From || (end == q.From && q.Duration > 0) || start >= q.To {
			continue
		}
		lo := bucketOf(start, q.From, width, q.MaxPoints)
		hi := bucketOf(end, q.From, width, q.MaxPoints)
		// end is exclusive: an event that lands exactly on a bucket
		// boundary does not occupy that bucket.
		if end-q.From == float64(hi)*width {
			hi--
		}
		if hi < lo {
			hi = lo
		}
		for b := lo; b <= hi; b++ {
			buckets[b] = append(buckets[b], dv.Num)
		}
	}

	out := make([]Point, q.MaxPoints)
	for i := range out {
		out[i].Time = q.From + float64(i)*width
		out[i].Value = consolidate(buckets[i], q.Consolidation)
	}
	return out
}

func bucketOf(t, from, width float64, maxPoints int) int {
	if t <= from {
		return 0
	}
	b := int((t - from) / width)
	if b >= maxPoints {
		b = maxPoints - 1
	}
	if b < 0 {
		b = 0
	}
	return b
}

func consolidate(vals []float64, c Consolidation) runtime.Value {
	if len(vals) == 0 {
		return runtime.Null()
	}
	switch c {
	case Min:
		m := vals[0]
		for _, v := range vals[1:] {
			if v < m {
				m = v
			}
		}
		return runtime.NumVal(m)
	case Max:
		m := vals[0]
		for _, v := range vals[1:] {
			if v > m {
				m = v
			}
		}
		return runtime.NumVal(m)
	default: // Avg
		var sum float64
		for _, v := range vals {
			sum += v
		}
		return runtime.NumVal(sum / float64(len(vals)))
	}
}
