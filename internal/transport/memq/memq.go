// Package memq is an in-process transport provider. Endpoints are bounded
// rings shared by name inside one process, which makes it suitable for
// embedding and for tests.
package memq

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/yairfalse/runtap/internal/transport"
	"github.com/yairfalse/runtap/pkg/config"
	"go.uber.org/zap"
)

// ProviderName is the registry name of this provider
const ProviderName = "memq"

var (
	// ErrEndpointInUse is returned when a second producer or consumer attaches to an endpoint
	ErrEndpointInUse = errors.New("endpoint already has an attached peer")

	// ErrMessageTooLarge is returned for a message that can never fit the endpoint
	ErrMessageTooLarge = errors.New("message exceeds endpoint size")
)

func errTooLarge(name string, size int, capacity int64) error {
	return fmt.Errorf("%w: %s holds %d bytes, message has %d", ErrMessageTooLarge, name, capacity, size)
}

var defaultProvider = New(nil)

func init() {
	transport.Register(ProviderName, func(_ *config.Config, _ *zap.Logger) (transport.Provider, error) {
		return defaultProvider, nil
	})
}

// Default returns the process-wide provider used by the registry
func Default() *Provider {
	return defaultProvider
}

// Provider owns a set of named rings
type Provider struct {
	mu     sync.Mutex
	rings  map[string]*ring
	logger *zap.Logger
}

// New creates an isolated provider
func New(logger *zap.Logger) *Provider {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Provider{
		rings:  make(map[string]*ring),
		logger: logger.Named("memq"),
	}
}

func (p *Provider) Name() string {
	return ProviderName
}

// endpoint returns the ring for ep, creating it on first use. The size of
// an existing ring is kept.
func (p *Provider) endpoint(ep transport.Endpoint) (*ring, error) {
	if ep.Name == "" {
		return nil, fmt.Errorf("endpoint name is required")
	}
	if ep.Size <= 0 {
		return nil, fmt.Errorf("endpoint %s: size must be positive, got %d", ep.Name, ep.Size)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	r, ok := p.rings[ep.Name]
	if !ok {
		r = newRing(ep.Name, ep.Size)
		p.rings[ep.Name] = r
		p.logger.Debug("Endpoint created",
			zap.String("name", ep.Name),
			zap.Int("size", ep.Size),
			zap.Int("slots", len(r.slots)))
	}
	return r, nil
}

// NewProducer attaches the single producer of ep
func (p *Provider) NewProducer(ep transport.Endpoint) (transport.Producer, error) {
	r, err := p.endpoint(ep)
	if err != nil {
		return nil, err
	}
	if !r.producer.CompareAndSwap(false, true) {
		return nil, fmt.Errorf("%w: producer of %s", ErrEndpointInUse, ep.Name)
	}
	return &producer{ring: r}, nil
}

// NewConsumer attaches the single consumer of ep
func (p *Provider) NewConsumer(ep transport.Endpoint) (transport.Consumer, error) {
	r, err := p.endpoint(ep)
	if err != nil {
		return nil, err
	}
	if !r.consumer.CompareAndSwap(false, true) {
		return nil, fmt.Errorf("%w: consumer of %s", ErrEndpointInUse, ep.Name)
	}
	return &consumer{ring: r}, nil
}

// Stats describes one endpoint
type Stats struct {
	Name     string
	Queued   int
	Bytes    int64
	Capacity int64
	Produced uint64
	Consumed uint64
	Rejected uint64
}

// Stats returns the counters of the named endpoint
func (p *Provider) Stats(name string) (Stats, bool) {
	p.mu.Lock()
	r, ok := p.rings[name]
	p.mu.Unlock()
	if !ok {
		return Stats{}, false
	}
	return Stats{
		Name:     r.name,
		Queued:   r.len(),
		Bytes:    r.bytes.Load(),
		Capacity: r.capacity,
		Produced: r.produced.Load(),
		Consumed: r.consumed.Load(),
		Rejected: r.rejected.Load(),
	}, true
}

type producer struct {
	ring   *ring
	closed atomic.Bool
}

func (p *producer) Enqueue(data []byte) error {
	if p.closed.Load() {
		return transport.ErrClosed
	}
	return p.ring.enqueue(data)
}

func (p *producer) Close() error {
	if p.closed.CompareAndSwap(false, true) {
		p.ring.producer.Store(false)
	}
	return nil
}

type consumer struct {
	ring   *ring
	closed atomic.Bool
}

func (c *consumer) Dequeue(timeout time.Duration) (*transport.Buffer, error) {
	if c.closed.Load() {
		return nil, transport.ErrClosed
	}
	return c.ring.dequeue(timeout)
}

func (c *consumer) Close() error {
	if c.closed.CompareAndSwap(false, true) {
		c.ring.consumer.Store(false)
	}
	return nil
}
