// Package natsq carries the channel pair over NATS core subjects. Each
// endpoint name maps to the subject "runtap.<name>" and the endpoint size
// bounds the bytes a producer may have buffered and a consumer may hold
// pending.
package natsq

import (
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/yairfalse/runtap/internal/transport"
	"github.com/yairfalse/runtap/pkg/config"
	"go.uber.org/zap"
)

// ProviderName is the registry name of this provider
const ProviderName = "natsq"

// SubjectPrefix prefixes every endpoint subject
const SubjectPrefix = "runtap."

// pendingMessagesPerEndpoint limits queued messages of a consumer
const pendingMessagesPerEndpoint = 65536

// flushTimeout bounds the final flush of a closing producer
const flushTimeout = 2 * time.Second

// ErrMessageTooLarge reports a message that can never fit the endpoint or
// the server payload limit. Retrying it is pointless.
var ErrMessageTooLarge = errors.New("message larger than endpoint")

func init() {
	transport.Register(ProviderName, func(cfg *config.Config, logger *zap.Logger) (transport.Provider, error) {
		return New(cfg.NATS, logger), nil
	})
}

// Subject returns the subject an endpoint is carried on
func Subject(endpointName string) string {
	return SubjectPrefix + endpointName
}

// Provider opens one NATS connection per producer or consumer
type Provider struct {
	config config.NATSConfig
	logger *zap.Logger
}

// New creates a provider for the given server settings
func New(cfg config.NATSConfig, logger *zap.Logger) *Provider {
	if logger == nil {
		logger = zap.NewNop()
	}
	d := config.DefaultConfig().NATS
	if cfg.Name == "" {
		cfg.Name = d.Name
	}
	if cfg.ReconnectWait == 0 {
		cfg.ReconnectWait = d.ReconnectWait
	}
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = d.ConnectTimeout
	}
	return &Provider{config: cfg, logger: logger.Named("natsq")}
}

func (p *Provider) Name() string {
	return ProviderName
}

func (p *Provider) connect(role string, ep transport.Endpoint) (*nats.Conn, error) {
	if ep.Name == "" {
		return nil, fmt.Errorf("endpoint name is required")
	}
	if ep.Size <= 0 {
		return nil, fmt.Errorf("endpoint %s: size must be positive, got %d", ep.Name, ep.Size)
	}

	logger := p.logger.With(zap.String("endpoint", ep.Name), zap.String("role", role))
	opts := []nats.Option{
		nats.Name(fmt.Sprintf("%s-%s-%s", p.config.Name, role, ep.Name)),
		nats.MaxReconnects(p.config.MaxReconnects),
		nats.ReconnectWait(p.config.ReconnectWait),
		nats.Timeout(p.config.ConnectTimeout),
		nats.ReconnectBufSize(ep.Size),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			if err != nil {
				logger.Error("NATS disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("NATS reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			logger.Error("NATS error", zap.Error(err))
		}),
	}

	nc, err := nats.Connect(p.config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", p.config.URL, err)
	}
	return nc, nil
}

// NewProducer connects a publisher for ep
func (p *Provider) NewProducer(ep transport.Endpoint) (transport.Producer, error) {
	nc, err := p.connect("producer", ep)
	if err != nil {
		return nil, err
	}
	if maxPayload := nc.MaxPayload(); int64(ep.Size) > maxPayload {
		p.logger.Warn("Endpoint size exceeds server max payload, larger messages will be rejected",
			zap.String("endpoint", ep.Name),
			zap.Int("size", ep.Size),
			zap.Int64("max_payload", maxPayload))
	}
	return &producer{nc: nc, subject: Subject(ep.Name), limit: ep.Size}, nil
}

// NewConsumer subscribes to ep
func (p *Provider) NewConsumer(ep transport.Endpoint) (transport.Consumer, error) {
	nc, err := p.connect("consumer", ep)
	if err != nil {
		return nil, err
	}

	sub, err := nc.SubscribeSync(Subject(ep.Name))
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to subscribe to %s: %w", Subject(ep.Name), err)
	}
	if err := sub.SetPendingLimits(pendingMessagesPerEndpoint, ep.Size); err != nil {
		_ = sub.Unsubscribe()
		nc.Close()
		return nil, fmt.Errorf("failed to set pending limits on %s: %w", Subject(ep.Name), err)
	}
	// Make sure the subscription is registered before anyone publishes
	if err := nc.Flush(); err != nil {
		_ = sub.Unsubscribe()
		nc.Close()
		return nil, fmt.Errorf("failed to flush subscription on %s: %w", Subject(ep.Name), err)
	}

	return &consumer{nc: nc, sub: sub, logger: p.logger}, nil
}

type producer struct {
	nc      *nats.Conn
	subject string
	limit   int
}

func (p *producer) Enqueue(data []byte) error {
	if p.nc.IsClosed() {
		return transport.ErrClosed
	}
	// Oversized messages fail permanently, everything else may wait for room
	if len(data) > p.limit {
		return fmt.Errorf("%w: %s holds %d bytes, message has %d", ErrMessageTooLarge, p.subject, p.limit, len(data))
	}
	if buffered, err := p.nc.Buffered(); err == nil && buffered+len(data) > p.limit {
		return transport.ErrFull
	}

	err := p.nc.Publish(p.subject, data)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, nats.ErrReconnectBufExceeded):
		return transport.ErrFull
	case errors.Is(err, nats.ErrMaxPayload):
		return fmt.Errorf("%w: %s: %w", ErrMessageTooLarge, p.subject, err)
	case errors.Is(err, nats.ErrConnectionClosed):
		return transport.ErrClosed
	default:
		return fmt.Errorf("failed to publish to %s: %w", p.subject, err)
	}
}

func (p *producer) Close() error {
	if p.nc.IsClosed() {
		return nil
	}
	err := p.nc.FlushTimeout(flushTimeout)
	p.nc.Close()
	if err != nil {
		return fmt.Errorf("failed to flush %s: %w", p.subject, err)
	}
	return nil
}

type consumer struct {
	nc     *nats.Conn
	sub    *nats.Subscription
	logger *zap.Logger
}

func (c *consumer) Dequeue(timeout time.Duration) (*transport.Buffer, error) {
	msg, err := c.sub.NextMsg(timeout)
	switch {
	case err == nil:
		return transport.NewBuffer(msg.Data, nil), nil
	case errors.Is(err, nats.ErrTimeout):
		return nil, transport.ErrEmpty
	case errors.Is(err, nats.ErrSlowConsumer):
		c.logger.Warn("Messages were dropped by the server", zap.String("subject", c.sub.Subject))
		return nil, transport.ErrEmpty
	case errors.Is(err, nats.ErrBadSubscription), errors.Is(err, nats.ErrConnectionClosed):
		return nil, transport.ErrClosed
	default:
		return nil, err
	}
}

func (c *consumer) Close() error {
	if c.nc.IsClosed() {
		return nil
	}
	err := c.sub.Unsubscribe()
	c.nc.Close()
	if err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
		return fmt.Errorf("failed to unsubscribe %s: %w", c.sub.Subject, err)
	}
	return nil
}
