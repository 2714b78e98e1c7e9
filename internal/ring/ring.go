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

// Package ring implements the single-producer/single-consumer shared-memory
// ring buffer transport of spec.md §4.B: a memory-mapped file laid out as
// a fixed header followed by a circular array of uint32 words, synchronized
// purely through the four-cursor head/tail protocol (no mutexes).
//
// The mmap/unmap primitives are platform-gated the way the
// teacher gates them (tenant/dcache/file_linux.go / file_other.go): a
// `_linux.go` file using golang.org/x/sys/unix, and an `_other.go`
// fallback.
package ring

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"runtime"
	"sync/atomic"
	"time"
)

// headerWords is the number of uint32 words occupied by the header, laid
// out exactly as spec.md §4.B / §6 describe it:
// { nb_words, prod_head, prod_tail, cons_head, cons_tail, mmap_size_lo, mmap_size_hi }
const headerWords = 7

const headerBytes = headerWords * 4

// ErrNoSpace is returned by Alloc when the buffer does not have enough
// free space for the requested message (spec.md §4.B, §7).
var ErrNoSpace = errors.New("ring: no space")

// ErrTooLarge is returned when a message could never fit even in an empty
// buffer (spec.md §8 "messages larger than the buffer fail permanently").
var ErrTooLarge = errors.New("ring: message larger than buffer capacity")

// Buffer is a memory-mapped SPSC ring buffer of 32-bit words.
type Buffer struct {
	f   *os.File
	mem []byte

	nbWords uint32
}

// header field offsets, in words.
const (
	offNbWords = iota
	offProdHead
	offProdTail
	offConsHead
	offConsTail
	offSizeLo
	offSizeHi
)

func (b *Buffer) word(i uint32) uint32 {
	return binary.LittleEndian.Uint32(b.mem[i*4:])
}

func (b *Buffer) cas(i uint32, old, new uint32) bool {
	p := (*uint32)(ptrAt(b.mem, i*4))
	return atomic.CompareAndSwapUint32(p, old, new)
}

func (b *Buffer) load(i uint32) uint32 {
	p := (*uint32)(ptrAt(b.mem, i*4))
	return atomic.LoadUint32(p)
}

func (b *Buffer) store(i uint32, v uint32) {
	p := (*uint32)(ptrAt(b.mem, i*4))
	atomic.StoreUint32(p, v)
}

// Create allocates a new ring buffer file at path with capacity nbWords
// data words, recovering from (unlinking) any pre-existing file with the
// same name first, per spec.md §5 "Resource cleanup".
func Create(path string, nbWords uint32) (*Buffer, error) {
	os.Remove(path)
	size := int64(headerBytes) + int64(nbWords)*4
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return nil, err
	}
	if err := f.Truncate(size); err != nil {
		f.Close()
		os.Remove(path)
		return nil, err
	}
	mem, err := mmapFile(f, size)
	if err != nil {
		f.Close()
		os.Remove(path)
		return nil, err
	}
	b := &Buffer{f: f, mem: mem, nbWords: nbWords}
	b.store(offNbWords, nbWords)
	b.store(offSizeLo, uint32(size))
	b.store(offSizeHi, uint32(size>>32))
	return b, nil
}

// Open memory-maps an existing ring buffer file and validates its header
// per spec.md §4.B "Crash-safety": file size matches nb_words*4+header,
// and each cursor is < nb_words.
func Open(path string) (*Buffer, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0644)
	if err != nil {
		return nil, err
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	mem, err := mmapFile(f, st.Size())
	if err != nil {
		f.Close()
		return nil, err
	}
	b := &Buffer{f: f, mem: mem}
	nb := b.word(offNbWords)
	wantSize := int64(headerBytes) + int64(nb)*4
	if st.Size() != wantSize {
		unmapFile(mem)
		f.Close()
		return nil, fmt.Errorf("ring: corrupt header: file size %d, want %d", st.Size(), wantSize)
	}
	for _, off := range []uint32{offProdHead, offProdTail, offConsHead, offConsTail} {
		if b.word(off) >= 2*nb {
			unmapFile(mem)
			f.Close()
			return nil, fmt.Errorf("ring: corrupt header: cursor out of range")
		}
	}
	b.nbWords = nb
	return b, nil
}

// Close unmaps and closes the underlying file without removing it.
func (b *Buffer) Close() error {
	if err := unmapFile(b.mem); err != nil {
		return err
	}
	return b.f.Close()
}

// Unlink unmaps, closes and removes the backing file (spec.md §5 "unmap+
// unlink on stop").
func (b *Buffer) Unlink(path string) error {
	if err := b.Close(); err != nil {
		return err
	}
	return os.Remove(path)
}

// NbWords returns the buffer's data capacity in words.
func (b *Buffer) NbWords() uint32 { return b.nbWords }

// cursors returns the current cursor snapshot (unsynchronized relative to
// each other, but each individually atomic — matching the teacher's
// lock-free cursor reads).
type cursors struct{ prodHead, prodTail, consHead, consTail uint32 }

func (b *Buffer) snapshot() cursors {
	return cursors{
		prodHead: b.load(offProdHead),
		prodTail: b.load(offProdTail),
		consHead: b.load(offConsHead),
		consTail: b.load(offConsTail),
	}
}

// Tx is a reserved write transaction returned by Alloc.
type Tx struct {
	start uint32
	words uint32
}

// Alloc reserves space for a words-word message (producer side, step 1 of
// spec.md §4.B). It is safe to call only from the single producer.
func (b *Buffer) Alloc(words uint32) (Tx, error) {
	if words > b.nbWords {
		return Tx{}, ErrTooLarge
	}
	for {
		head := b.load(offProdHead)
		tail := b.load(offConsTail)
		free := b.nbWords - (head - tail)
		if free < words {
			return Tx{}, ErrNoSpace
		}
		if b.cas(offProdHead, head, head+words) {
			return Tx{start: head, words: words}, nil
		}
	}
}

// Commit copies msg (len(msg) words) into the reserved transaction and
// advances prod_tail so readers observe it (step 2 of spec.md §4.B).
func (b *Buffer) Commit(tx Tx, msg []uint32) error {
	if uint32(len(msg)) != tx.words {
		return fmt.Errorf("ring: commit length %d does not match reservation %d", len(msg), tx.words)
	}
	for i, w := range msg {
		idx := (tx.start + uint32(i)) % b.nbWords
		binary.LittleEndian.PutUint32(b.data()[idx*4:], w)
	}
	// single producer: no CAS needed to advance prod_tail past our own
	// reservation, but a spin-wait guards against out-of-order commits
	// if a future multi-writer variant reuses this code path.
	for !b.cas(offProdTail, tx.start, tx.start+tx.words) {
	}
	return nil
}

func (b *Buffer) data() []byte { return b.mem[headerBytes:] }

// Avail reports the number of words available to read (consumer side).
func (b *Buffer) Avail() uint32 {
	return b.load(offProdTail) - b.load(offConsHead)
}

// Free reports the number of words available to write (producer side).
func (b *Buffer) Free() uint32 {
	return b.nbWords - (b.load(offProdHead) - b.load(offConsTail))
}

// RTx is a reserved read transaction returned by Reserve.
type RTx struct {
	start uint32
	words uint32
}

// Reserve reserves words words to read (consumer side), symmetric with
// Alloc. Safe to call only from the single consumer.
func (b *Buffer) Reserve(words uint32) (RTx, error) {
	for {
		head := b.load(offConsHead)
		tail := b.load(offProdTail)
		avail := tail - head
		if avail < words {
			return RTx{}, ErrNoSpace
		}
		if b.cas(offConsHead, head, head+words) {
			return RTx{start: head, words: words}, nil
		}
	}
}

// Read copies the reserved words out of the buffer into out (len(out) ==
// rtx.words) without yet advancing cons_tail.
func (b *Buffer) Read(rtx RTx, out []uint32) {
	for i := range out {
		idx := (rtx.start + uint32(i)) % b.nbWords
		out[i] = binary.LittleEndian.Uint32(b.data()[idx*4:])
	}
}

// Release advances cons_tail past a completed read transaction, freeing
// the space for the producer to reuse.
func (b *Buffer) Release(rtx RTx) {
	for !b.cas(offConsTail, rtx.start, rtx.start+rtx.words) {
	}
}

// Invariant checks ∀ ring buffer state: 0 <= (prod_head - cons_tail) <=
// nb_words, per spec.md §8.
func (b *Buffer) Invariant() bool {
	c := b.snapshot()
	used := c.prodHead - c.consTail
	return used <= b.nbWords
}

// backoff is the spin/sleep schedule a blocking producer or consumer uses
// while waiting on the other end of a full/empty buffer (spec.md §5
// "Suspension/blocking points"): busy-spin briefly, then back off to
// amortize syscall overhead under sustained contention.
func backoff(attempt int) {
	if attempt < 64 {
		runtime.Gosched()
		return
	}
	d := time.Duration(attempt-64) * 50 * time.Microsecond
	if d > 5*time.Millisecond {
		d = 5 * time.Millisecond
	}
	time.Sleep(d)
}

// WriteMessage self-frames and writes one message (a length word followed
// by its payload words), blocking with backoff until the producer-side
// Alloc succeeds or ctx is done. This is the wire format workers use to
// exchange tuples over a ring buffer (spec.md §6 "payload is uint32
// words"): framing lives here, not in the caller, since every producer
// and consumer of the transport needs the same self-describing shape.
func (b *Buffer) WriteMessage(ctx context.Context, payload []uint32) error {
	msg := make([]uint32, len(payload)+1)
	msg[0] = uint32(len(payload))
	copy(msg[1:], payload)
	for attempt := 0; ; attempt++ {
		tx, err := b.Alloc(uint32(len(msg)))
		if err == nil {
			return b.Commit(tx, msg)
		}
		if err != ErrNoSpace {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		backoff(attempt)
	}
}

// ReadMessage blocks (with backoff) until a full self-framed message is
// available and returns its payload words, or an error if ctx is done
// first.
func (b *Buffer) ReadMessage(ctx context.Context) ([]uint32, error) {
	lenRtx, err := b.reserveBlocking(ctx, 1)
	if err != nil {
		return nil, err
	}
	var lenBuf [1]uint32
	b.Read(lenRtx, lenBuf[:])

	payloadRtx, err := b.reserveBlocking(ctx, lenBuf[0])
	if err != nil {
		return nil, err
	}
	payload := make([]uint32, lenBuf[0])
	b.Read(payloadRtx, payload)

	b.Release(lenRtx)
	b.Release(payloadRtx)
	return payload, nil
}

func (b *Buffer) reserveBlocking(ctx context.Context, words uint32) (RTx, error) {
	for attempt := 0; ; attempt++ {
		rtx, err := b.Reserve(words)
		if err == nil {
			return rtx, nil
		}
		if err != ErrNoSpace {
			return RTx{}, err
		}
		select {
		case <-ctx.Done():
			return RTx{}, ctx.Err()
		default:
		}
		backoff(attempt)
	}
}
