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

package ring

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func mustCreate(t *testing.T, nbWords uint32) (*Buffer, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ring")
	b, err := Create(path, nbWords)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	t.Cleanup(func() { b.Close() })
	return b, path
}

func write(t *testing.T, b *Buffer, msg []uint32) {
	t.Helper()
	tx, err := b.Alloc(uint32(len(msg)))
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	if err := b.Commit(tx, msg); err != nil {
		t.Fatalf("Commit: %v", err)
	}
}

func read(t *testing.T, b *Buffer, n uint32) []uint32 {
	t.Helper()
	rtx, err := b.Reserve(n)
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	out := make([]uint32, n)
	b.Read(rtx, out)
	b.Release(rtx)
	return out
}

func TestFIFOPreservation(t *testing.T) {
	b, _ := mustCreate(t, 64)
	write(t, b, []uint32{1, 2, 3})
	write(t, b, []uint32{4, 5})
	got := read(t, b, 3)
	for i, w := range []uint32{1, 2, 3} {
		if got[i] != w {
			t.Fatalf("fifo violated: got %v", got)
		}
	}
	got2 := read(t, b, 2)
	for i, w := range []uint32{4, 5} {
		if got2[i] != w {
			t.Fatalf("fifo violated: got %v", got2)
		}
	}
}

func TestAllocTooLargeFailsPermanently(t *testing.T) {
	b, _ := mustCreate(t, 4)
	if _, err := b.Alloc(5); err != ErrTooLarge {
		t.Fatalf("expected ErrTooLarge, got %v", err)
	}
}

func TestFillToCapacityThenDrainRecovers(t *testing.T) {
	b, _ := mustCreate(t, 4)
	write(t, b, []uint32{1, 2, 3, 4})
	if _, err := b.Alloc(1); err != ErrNoSpace {
		t.Fatalf("expected ErrNoSpace when full, got %v", err)
	}
	read(t, b, 4)
	// after fully draining, the buffer must accept a full refill.
	write(t, b, []uint32{5, 6, 7, 8})
	got := read(t, b, 4)
	for i, w := range []uint32{5, 6, 7, 8} {
		if got[i] != w {
			t.Fatalf("got %v", got)
		}
	}
}

func TestInvariantHoldsAfterOperations(t *testing.T) {
	b, _ := mustCreate(t, 16)
	write(t, b, []uint32{1, 2, 3})
	if !b.Invariant() {
		t.Fatalf("invariant violated after write")
	}
	read(t, b, 3)
	if !b.Invariant() {
		t.Fatalf("invariant violated after read")
	}
}

func TestCrashBetweenAllocAndCommitLeavesDataUncorrupted(t *testing.T) {
	// simulate a producer crashing after Alloc (prod_head advanced) but
	// before Commit (prod_tail not advanced): the reader must never see
	// the partially-written message (spec.md §8 scenario 6).
	b, path := mustCreate(t, 16)
	write(t, b, []uint32{42})
	if _, err := b.Alloc(2); err != nil { // reserve but never commit
		t.Fatalf("Alloc: %v", err)
	}
	b.Close()

	reopened, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer reopened.Close()
	if reopened.Avail() != 1 {
		t.Fatalf("reader must only observe committed words, got avail=%d", reopened.Avail())
	}
	got := read(t, reopened, 1)
	if got[0] != 42 {
		t.Fatalf("got %v", got)
	}
}

func TestWriteMessageReadMessageRoundTrips(t *testing.T) {
	b, _ := mustCreate(t, 64)
	ctx := context.Background()
	if err := b.WriteMessage(ctx, []uint32{9, 8, 7}); err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}
	if err := b.WriteMessage(ctx, nil); err != nil {
		t.Fatalf("WriteMessage (empty payload): %v", err)
	}
	got, err := b.ReadMessage(ctx)
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	if len(got) != 3 || got[0] != 9 || got[1] != 8 || got[2] != 7 {
		t.Fatalf("unexpected first message: %v", got)
	}
	got2, err := b.ReadMessage(ctx)
	if err != nil {
		t.Fatalf("ReadMessage (second): %v", err)
	}
	if len(got2) != 0 {
		t.Fatalf("expected an empty payload, got %v", got2)
	}
}

func TestReadMessageReturnsOnContextCancel(t *testing.T) {
	b, _ := mustCreate(t, 8)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := b.ReadMessage(ctx); err != context.DeadlineExceeded {
		t.Fatalf("expected a deadline-exceeded error on an empty buffer, got %v", err)
	}
}

func TestOpenRejectsCorruptHeader(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ring")
	b, err := Create(path, 8)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	b.Close()
	if err := os.Truncate(path, 4); err != nil {
		t.Fatalf("truncate: %v", err)
	}
	if _, err := Open(path); err == nil {
		t.Fatalf("expected Open to reject a truncated file")
	}
}
