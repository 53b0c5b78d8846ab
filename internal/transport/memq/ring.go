package memq

import (
	"sync"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/yairfalse/runtap/internal/transport"
)

const (
	minSlots     = 64
	maxSlots     = 1 << 16
	bytesPerSlot = 32
)

type message struct {
	data []byte
}

var messagePool = sync.Pool{
	New: func() interface{} {
		return &message{data: make([]byte, 0, 256)}
	},
}

// ring is a single-producer single-consumer queue of byte messages bounded
// both by slot count and by the bytes held in queued and unreleased messages.
type ring struct {
	name     string
	slots    []atomic.Pointer[message]
	mask     uint64
	capacity int64

	_    [64 - unsafe.Sizeof(uint64(0))]byte
	head atomic.Uint64 // next write position

	_    [64 - unsafe.Sizeof(uint64(0))]byte
	tail atomic.Uint64 // next read position

	_     [64 - unsafe.Sizeof(uint64(0))]byte
	bytes atomic.Int64

	notify chan struct{}

	producer atomic.Bool
	consumer atomic.Bool

	produced atomic.Uint64
	consumed atomic.Uint64
	rejected atomic.Uint64
}

func newRing(name string, size int) *ring {
	slots := nextPowerOfTwo(uint64(size / bytesPerSlot))
	if slots < minSlots {
		slots = minSlots
	}
	if slots > maxSlots {
		slots = maxSlots
	}
	return &ring{
		name:     name,
		slots:    make([]atomic.Pointer[message], slots),
		mask:     slots - 1,
		capacity: int64(size),
		notify:   make(chan struct{}, 1),
	}
}

func nextPowerOfTwo(v uint64) uint64 {
	if v == 0 {
		return 1
	}
	v--
	v |= v >> 1
	v |= v >> 2
	v |= v >> 4
	v |= v >> 8
	v |= v >> 16
	v |= v >> 32
	return v + 1
}

func (r *ring) enqueue(data []byte) error {
	size := int64(len(data))
	if size > r.capacity {
		return errTooLarge(r.name, len(data), r.capacity)
	}

	head := r.head.Load()
	if head-r.tail.Load() >= uint64(len(r.slots)) || r.bytes.Load()+size > r.capacity {
		r.rejected.Add(1)
		return transport.ErrFull
	}

	msg := messagePool.Get().(*message)
	msg.data = append(msg.data[:0], data...)

	r.bytes.Add(size)
	r.slots[head&r.mask].Store(msg)
	r.head.Store(head + 1)
	r.produced.Add(1)

	select {
	case r.notify <- struct{}{}:
	default:
	}
	return nil
}

func (r *ring) dequeue(timeout time.Duration) (*transport.Buffer, error) {
	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		tail := r.tail.Load()
		if tail != r.head.Load() {
			msg := r.slots[tail&r.mask].Swap(nil)
			r.tail.Store(tail + 1)
			r.consumed.Add(1)

			size := int64(len(msg.data))
			return transport.NewBuffer(msg.data, func() {
				r.bytes.Add(-size)
				messagePool.Put(msg)
			}), nil
		}

		if timer == nil {
			if timeout <= 0 {
				return nil, transport.ErrEmpty
			}
			timer = time.NewTimer(timeout)
		}
		select {
		case <-r.notify:
		case <-timer.C:
			if r.tail.Load() == r.head.Load() {
				return nil, transport.ErrEmpty
			}
		}
	}
}

func (r *ring) len() int {
	return int(r.head.Load() - r.tail.Load())
}
