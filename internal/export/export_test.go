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
	"context"
	"testing"
	"time"

	"github.com/dfroger/ramen/internal/runtime"
)

func tup(fields map[string]float64) runtime.Tuple {
	t := make(runtime.Tuple, len(fields))
	for k, v := range fields {
		t[k] = runtime.NumVal(v)
	}
	return t
}

func TestStoreFoldTuplesSinceAndCap(t *testing.T) {
	s := NewStore(3)
	for i := 0; i < 5; i++ {
		s.Append("main/agg", tup(map[string]float64{"x": float64(i)}))
	}
	// retention bound of 3: only the last 3 (seq 2,3,4) survive.
	recs, err := s.FoldTuples(context.Background(), "main/agg", 0, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 3 {
		t.Fatalf("expected 3 retained records, got %d", len(recs))
	}
	if recs[0].Seq != 2 {
		t.Fatalf("expected the oldest surviving seq to be 2, got %d", recs[0].Seq)
	}

	recs, err = s.FoldTuples(context.Background(), "main/agg", 3, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 2 {
		t.Fatalf("expected 2 records since seq 3, got %d", len(recs))
	}

	recs, err = s.FoldTuples(context.Background(), "main/agg", 0, 1, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 1 {
		t.Fatalf("expected max_results=1 to cap to 1 record, got %d", len(recs))
	}
}

func TestStoreFoldTuplesLongPollWakesOnAppend(t *testing.T) {
	s := NewStore(10)
	done := make(chan []Record, 1)
	go func() {
		recs, err := s.FoldTuples(context.Background(), "main/agg", 0, 0, time.Second)
		if err != nil {
			t.Error(err)
		}
		done <- recs
	}()

	time.Sleep(20 * time.Millisecond)
	s.Append("main/agg", tup(map[string]float64{"x": 1}))

	select {
	case recs := <-done:
		if len(recs) != 1 {
			t.Fatalf("expected 1 record after the append woke the poll, got %d", len(recs))
		}
	case <-time.After(2 * time.Second):
		t.Fatal("long-poll did not wake within the deadline")
	}
}

func TestStoreFoldTuplesLongPollTimesOut(t *testing.T) {
	s := NewStore(10)
	recs, err := s.FoldTuples(context.Background(), "main/agg", 0, 0, 20*time.Millisecond)
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 0 {
		t.Fatalf("expected no records, got %d", len(recs))
	}
}

func TestBuildTimeSeriesConsolidatesAndFillsEmptyBucketsWithNull(t *testing.T) {
	var recs []Record
	add := func(ts, v float64) {
		recs = append(recs, Record{Tuple: tup(map[string]float64{"ts": ts, "v": v})})
	}
	add(0, 10)
	add(1, 20)
	add(5, 100)
	// bucket 1 ([2,4)) is left empty deliberately

	pts := BuildTimeSeries(recs, TimeSeriesQuery{
		StartField: "ts", DataField: "v",
		MaxPoints: 3, From: 0, To: 6,
		Consolidation: Avg,
	})
	if len(pts) != 3 {
		t.Fatalf("expected 3 points, got %d", len(pts))
	}
	if pts[0].Value.Null || pts[0].Value.Num != 15 {
		t.Fatalf("bucket 0 avg(10,20) = 15, got %v", pts[0].Value)
	}
	if !pts[1].Value.Null {
		t.Fatalf("bucket 1 should be empty/NULL, got %v", pts[1].Value)
	}
	if pts[2].Value.Null || pts[2].Value.Num != 100 {
		t.Fatalf("bucket 2 = 100, got %v", pts[2].Value)
	}
}

func TestBuildTimeSeriesEventSpansMultipleBuckets(t *testing.T) {
	recs := []Record{{Tuple: tup(map[string]float64{"ts": 0, "v": 42})}}
	pts := BuildTimeSeries(recs, TimeSeriesQuery{
		StartField: "ts", DataField: "v",
		Duration:  3, // spans buckets 0, 1 and 2 of width 1
		MaxPoints: 4, From: 0, To: 4,
		Consolidation: Max,
	})
	for i := 0; i < 3; i++ {
		if pts[i].Value.Null || pts[i].Value.Num != 42 {
			t.Fatalf("bucket %d should carry the spanning event, got %v", i, pts[i].Value)
		}
	}
	if !pts[3].Value.Null {
		t.Fatalf("bucket 3 is outside the event window, want NULL, got %v", pts[3].Value)
	}
}
