package transport

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/yairfalse/runtap/pkg/config"
	"go.uber.org/zap"
)

var (
	// ErrFull means the endpoint cannot take the message right now; retry
	ErrFull = errors.New("endpoint full")

	// ErrEmpty means no message arrived within the poll timeout
	ErrEmpty = errors.New("endpoint empty")

	// ErrClosed is returned by endpoints and channels after Close
	ErrClosed = errors.New("endpoint closed")

	// ErrUnknownProvider is returned when no provider is registered under a name
	ErrUnknownProvider = errors.New("unknown provider")
)

// Endpoint identifies one direction of the external channel pair
type Endpoint struct {
	Name string
	Size int
}

func (e Endpoint) String() string {
	return fmt.Sprintf("%s[%d]", e.Name, e.Size)
}

// Producer writes whole messages into an endpoint. Enqueue returns ErrFull
// when the endpoint is temporarily out of space.
type Producer interface {
	Enqueue(data []byte) error
	Close() error
}

// Consumer reads whole messages from an endpoint. Dequeue returns ErrEmpty
// when nothing arrived within timeout. Every returned Buffer must be released.
type Consumer interface {
	Dequeue(timeout time.Duration) (*Buffer, error)
	Close() error
}

// Provider creates producers and consumers for named endpoints
type Provider interface {
	Name() string
	NewProducer(ep Endpoint) (Producer, error)
	NewConsumer(ep Endpoint) (Consumer, error)
}

// Buffer is a dequeued message. The bytes stay valid until Release.
type Buffer struct {
	data    []byte
	release func()
	once    sync.Once
}

// NewBuffer wraps data; release may be nil
func NewBuffer(data []byte, release func()) *Buffer {
	return &Buffer{data: data, release: release}
}

// Bytes returns the message payload
func (b *Buffer) Bytes() []byte {
	return b.data
}

// Len returns the payload size
func (b *Buffer) Len() int {
	return len(b.data)
}

// Release hands the memory back to the provider. It is safe to call twice.
func (b *Buffer) Release() {
	b.once.Do(func() {
		if b.release != nil {
			b.release()
		}
		b.data = nil
	})
}

// Factory builds a provider from configuration
type Factory func(cfg *config.Config, logger *zap.Logger) (Provider, error)

var (
	registryMu sync.RWMutex
	registry   = make(map[string]Factory)
)

// Register makes a provider available by name. Providers call it from init.
func Register(name string, factory Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()

	if factory == nil {
		panic("transport: Register factory is nil for " + name)
	}
	if _, dup := registry[name]; dup {
		panic("transport: Register called twice for " + name)
	}
	registry[name] = factory
}

// Registered returns the sorted names of all registered providers
func Registered() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()

	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Resolve builds the provider named by cfg.Provider
func Resolve(cfg *config.Config, logger *zap.Logger) (Provider, error) {
	registryMu.RLock()
	factory, ok := registry[cfg.Provider]
	registryMu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %q (registered: %v)", ErrUnknownProvider, cfg.Provider, Registered())
	}
	provider, err := factory(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s provider: %w", cfg.Provider, err)
	}
	return provider, nil
}
