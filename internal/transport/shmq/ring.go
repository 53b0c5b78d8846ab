//go:build unix

package shmq

import (
	"encoding/binary"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/yairfalse/runtap/internal/transport"
	"golang.org/x/sys/unix"
)

// File layout. Head and tail live on separate cache lines; both are byte
// positions that only grow and are reduced modulo capacity on access.
const (
	headOffset     = 0
	tailOffset     = 64
	magicOffset    = 128
	capacityOffset = 136
	headerSize     = 192

	magic        = 0x72756e7461700001 // "runtap" + layout version 1
	recordHeader = 4
	wrapMarker   = 0xFFFFFFFF
	recordAlign  = 8

	// idleSpins bounds busy polling of an empty ring before sleeping
	idleSpins = 64
)

func align(n uint64) uint64 {
	return (n + recordAlign - 1) &^ (recordAlign - 1)
}

type ring struct {
	name string
	fd   int
	mem  []byte
	data []byte

	head *atomic.Uint64
	tail *atomic.Uint64

	mu     sync.Mutex
	closed bool
}

func newRing(name string, fd int, mem []byte) *ring {
	return &ring{
		name: name,
		fd:   fd,
		mem:  mem,
		data: mem[headerSize:],
		head: (*atomic.Uint64)(unsafe.Pointer(&mem[headOffset])),
		tail: (*atomic.Uint64)(unsafe.Pointer(&mem[tailOffset])),
	}
}

func (r *ring) init(capacity uint64) {
	r.head.Store(0)
	r.tail.Store(0)
	binary.LittleEndian.PutUint64(r.mem[capacityOffset:], capacity)
	(*atomic.Uint64)(unsafe.Pointer(&r.mem[magicOffset])).Store(magic)
}

func (r *ring) check(capacity uint64) error {
	if got := (*atomic.Uint64)(unsafe.Pointer(&r.mem[magicOffset])).Load(); got != magic {
		return fmt.Errorf("%w: bad magic %#x", ErrLayoutMismatch, got)
	}
	if got := binary.LittleEndian.Uint64(r.mem[capacityOffset:]); got != capacity {
		return fmt.Errorf("%w: capacity %d, expected %d", ErrLayoutMismatch, got, capacity)
	}
	return nil
}

func (r *ring) capacity() uint64 {
	return uint64(len(r.data))
}

func (r *ring) isClosed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

// enqueue writes one record. A record that does not fit before the end of
// the data area is preceded by a wrap marker and written at offset zero.
func (r *ring) enqueue(payload []byte) error {
	if r.isClosed() {
		return transport.ErrClosed
	}

	size := align(recordHeader + uint64(len(payload)))
	capacity := r.capacity()
	if size > capacity {
		return fmt.Errorf("%w: %s holds %d bytes, record needs %d", ErrMessageTooLarge, r.name, capacity, size)
	}

	head := r.head.Load()
	tail := r.tail.Load()
	off := head % capacity

	var pad uint64
	if remaining := capacity - off; size > remaining {
		pad = remaining
	}
	if head+pad+size-tail > capacity {
		return transport.ErrFull
	}

	if pad > 0 {
		binary.LittleEndian.PutUint32(r.data[off:], wrapMarker)
		off = 0
	}
	binary.LittleEndian.PutUint32(r.data[off:], uint32(len(payload)))
	copy(r.data[off+recordHeader:], payload)

	r.head.Store(head + pad + size)
	return nil
}

// dequeue returns the next record without copying it. The record stays in
// the ring until the buffer is released; buffers must be released in the
// order they were dequeued.
func (r *ring) dequeue(timeout time.Duration, cursor *uint64) (*transport.Buffer, error) {
	capacity := r.capacity()
	deadline := time.Now().Add(timeout)

	for spins := 0; ; spins++ {
		if r.isClosed() {
			return nil, transport.ErrClosed
		}

		pos := *cursor
		if tail := r.tail.Load(); pos < tail {
			pos = tail
		}
		head := r.head.Load()
		if pos != head {
			off := pos % capacity
			length := binary.LittleEndian.Uint32(r.data[off:])
			if length == wrapMarker {
				// The gap is freed together with the record that follows it
				next := pos + (capacity - off)
				if next >= head {
					return nil, r.corrupt(cursor, head, "wrap marker at %d ends past head %d", pos, head)
				}
				*cursor = next
				continue
			}

			end := pos + align(recordHeader+uint64(length))
			if uint64(length) > capacity-off-recordHeader || end > head {
				return nil, r.corrupt(cursor, head, "record at %d has length %d, head is %d", pos, length, head)
			}
			*cursor = end
			payload := r.data[off+recordHeader : off+recordHeader+uint64(length)]
			return transport.NewBuffer(payload, func() {
				if r.tail.Load() < end {
					r.tail.Store(end)
				}
			}), nil
		}

		if !time.Now().Before(deadline) {
			return nil, transport.ErrEmpty
		}
		if spins%idleSpins == idleSpins-1 {
			time.Sleep(100 * time.Microsecond)
		} else {
			runtime.Gosched()
		}
	}
}

// corrupt skips every unread record so the next dequeue starts at head.
// The skipped space is freed at once since no release will cover it.
func (r *ring) corrupt(cursor *uint64, head uint64, format string, args ...any) error {
	*cursor = head
	if r.tail.Load() < head {
		r.tail.Store(head)
	}
	return fmt.Errorf("%w %s: %s", ErrCorruptRecord, r.name, fmt.Sprintf(format, args...))
}

func (r *ring) close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true

	err := unix.Munmap(r.mem)
	if cerr := unix.Close(r.fd); err == nil {
		err = cerr
	}
	r.mem, r.data = nil, nil
	return err
}

type producer struct {
	ring *ring
}

func (p *producer) Enqueue(data []byte) error {
	return p.ring.enqueue(data)
}

func (p *producer) Close() error {
	return p.ring.close()
}

type consumer struct {
	ring   *ring
	cursor uint64
}

func (c *consumer) Dequeue(timeout time.Duration) (*transport.Buffer, error) {
	return c.ring.dequeue(timeout, &c.cursor)
}

func (c *consumer) Close() error {
	return c.ring.close()
}
