package transport

import (
	"sync"
	"sync/atomic"
	"time"
)

// fakeProvider records delivered events and feeds commands from a channel
type fakeProvider struct {
	producer *fakeProducer
	consumer *fakeConsumer

	producerErr error
	consumerErr error
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{
		producer: &fakeProducer{},
		consumer: &fakeConsumer{inbound: make(chan []byte, 64), done: make(chan struct{})},
	}
}

func (p *fakeProvider) Name() string { return "fake" }

func (p *fakeProvider) NewProducer(ep Endpoint) (Producer, error) {
	if p.producerErr != nil {
		return nil, p.producerErr
	}
	return p.producer, nil
}

func (p *fakeProvider) NewConsumer(ep Endpoint) (Consumer, error) {
	if p.consumerErr != nil {
		return nil, p.consumerErr
	}
	return p.consumer, nil
}

type fakeProducer struct {
	mu        sync.Mutex
	delivered [][]byte
	full      atomic.Bool
	attempts  atomic.Int64
	closed    atomic.Bool
	enqueueFn func([]byte) error
}

func (p *fakeProducer) Enqueue(data []byte) error {
	p.attempts.Add(1)
	if p.closed.Load() {
		return ErrClosed
	}
	if p.full.Load() {
		return ErrFull
	}
	if p.enqueueFn != nil {
		if err := p.enqueueFn(data); err != nil {
			return err
		}
	}
	p.mu.Lock()
	p.delivered = append(p.delivered, append([]byte(nil), data...))
	p.mu.Unlock()
	return nil
}

func (p *fakeProducer) Close() error {
	p.closed.Store(true)
	return nil
}

func (p *fakeProducer) messages() [][]byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([][]byte(nil), p.delivered...)
}

func (p *fakeProducer) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.delivered)
}

type fakeConsumer struct {
	inbound  chan []byte
	done     chan struct{}
	once     sync.Once
	released atomic.Int64
}

func (c *fakeConsumer) push(data []byte) {
	c.inbound <- data
}

func (c *fakeConsumer) Dequeue(timeout time.Duration) (*Buffer, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-c.done:
		return nil, ErrClosed
	case data := <-c.inbound:
		return NewBuffer(data, func() { c.released.Add(1) }), nil
	case <-timer.C:
		return nil, ErrEmpty
	}
}

func (c *fakeConsumer) Close() error {
	c.once.Do(func() { close(c.done) })
	return nil
}
