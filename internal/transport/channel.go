// Package transport moves encoded events out of the instrumented process and
// commands into it over a pair of named, bounded endpoints.
//
// A Channel owns exactly two tasks. The sender drains an in-memory FIFO into
// the events endpoint and retries while the endpoint is full; it never drops
// a message for lack of space. The receiver polls the commands endpoint,
// decodes each message and dispatches it. Both tasks observe a termination
// flag and are joined before the endpoints are released.
package transport

import (
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/yairfalse/runtap/pkg/codec"
	"github.com/yairfalse/runtap/pkg/config"
	"github.com/yairfalse/runtap/pkg/domain"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

// OutboundState is the state of the sending task
type OutboundState int32

const (
	StateIdle OutboundState = iota
	StateWaitingForWork
	StateDraining
	StateStopped
)

func (s OutboundState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateWaitingForWork:
		return "waiting_for_work"
	case StateDraining:
		return "draining"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("OutboundState(%d)", int32(s))
	}
}

// yieldsPerSleep bounds busy retries against a full endpoint before the
// sender sleeps for a millisecond.
const yieldsPerSleep = 64

// ChannelConfig configures a Channel
type ChannelConfig struct {
	Events   Endpoint
	Commands Endpoint

	SendWaitTimeout    time.Duration
	ReceivePollTimeout time.Duration
	ShutdownTimeout    time.Duration

	// ProcessID is written into channel-level replies
	ProcessID uint32

	Logger *zap.Logger
	Meter  metric.Meter
}

// ChannelConfigFrom maps the runtap configuration onto a ChannelConfig
func ChannelConfigFrom(cfg *config.Config, pid uint32, logger *zap.Logger) ChannelConfig {
	return ChannelConfig{
		Events:             Endpoint{Name: cfg.Events.Name, Size: cfg.Events.Size},
		Commands:           Endpoint{Name: cfg.Commands.Name, Size: cfg.Commands.Size},
		SendWaitTimeout:    cfg.SendWaitTimeout,
		ReceivePollTimeout: cfg.ReceivePollTimeout,
		ShutdownTimeout:    cfg.ShutdownTimeout,
		ProcessID:          pid,
		Logger:             logger,
	}
}

func (cc *ChannelConfig) setDefaults() {
	d := config.DefaultConfig()
	if cc.SendWaitTimeout <= 0 {
		cc.SendWaitTimeout = d.SendWaitTimeout
	}
	if cc.ReceivePollTimeout <= 0 {
		cc.ReceivePollTimeout = d.ReceivePollTimeout
	}
	if cc.ShutdownTimeout <= 0 {
		cc.ShutdownTimeout = d.ShutdownTimeout
	}
	if cc.Logger == nil {
		cc.Logger = zap.NewNop()
	}
	if cc.Meter == nil {
		cc.Meter = otel.Meter("runtap/transport")
	}
}

// Channel is the bidirectional transport between the instrumented process
// and the external analysis process.
type Channel struct {
	cfg      ChannelConfig
	logger   *zap.Logger
	provider string
	producer Producer
	consumer Consumer

	mu     sync.Mutex
	queue  [][]byte
	signal chan struct{}
	state  atomic.Int32

	handlerMu sync.RWMutex
	handler   CommandHandler

	terminating atomic.Bool
	aborting    atomic.Bool
	lifecycle   *lifecycle
	closeOnce   sync.Once
	closeErr    error

	stats     channelCounters
	metrics   *channelMetrics
	startTime time.Time
}

type channelCounters struct {
	enqueued     atomic.Int64
	delivered    atomic.Int64
	dropped      atomic.Int64
	retries      atomic.Int64
	received     atomic.Int64
	decodeErrors atomic.Int64
}

// New resolves the configured provider and opens a channel on it
func New(cfg *config.Config, pid uint32, logger *zap.Logger) (*Channel, error) {
	provider, err := Resolve(cfg, logger)
	if err != nil {
		return nil, err
	}
	return NewChannel(provider, ChannelConfigFrom(cfg, pid, logger))
}

// NewChannel opens both endpoints on provider and starts the sending and
// receiving tasks. Failure to open either endpoint is fatal: nothing is
// left running and the opened endpoint is released.
func NewChannel(provider Provider, cc ChannelConfig) (*Channel, error) {
	cc.setDefaults()
	logger := cc.Logger.Named("transport")

	producer, err := provider.NewProducer(cc.Events)
	if err != nil {
		return nil, fmt.Errorf("failed to open events endpoint %s: %w", cc.Events, err)
	}
	consumer, err := provider.NewConsumer(cc.Commands)
	if err != nil {
		if cerr := producer.Close(); cerr != nil {
			logger.Warn("Failed to release events endpoint", zap.Error(cerr))
		}
		return nil, fmt.Errorf("failed to open commands endpoint %s: %w", cc.Commands, err)
	}

	c := &Channel{
		cfg:       cc,
		logger:    logger,
		provider:  provider.Name(),
		producer:  producer,
		consumer:  consumer,
		signal:    make(chan struct{}, 1),
		lifecycle: newLifecycle(logger),
		metrics:   newChannelMetrics(cc.Meter, logger),
		startTime: time.Now(),
	}

	c.lifecycle.Start("sender", c.sendLoop)
	c.lifecycle.Start("receiver", c.receiveLoop)

	logger.Info("Channel started",
		zap.String("provider", c.provider),
		zap.Stringer("events", cc.Events),
		zap.Stringer("commands", cc.Commands))
	return c, nil
}

// Send encodes env and queues it for delivery
func (c *Channel) Send(env domain.EventEnvelope) error {
	data, err := codec.EncodeEvent(env)
	if err != nil {
		return err
	}
	return c.SendRaw(data)
}

// SendRaw queues an already encoded event. The caller must not modify data
// afterwards. Only a short mutex hold is spent on the caller's goroutine.
func (c *Channel) SendRaw(data []byte) error {
	c.mu.Lock()
	if c.terminating.Load() {
		c.mu.Unlock()
		return ErrClosed
	}
	c.queue = append(c.queue, data)
	c.mu.Unlock()

	c.stats.enqueued.Add(1)
	c.metrics.recordEnqueued(len(data))
	c.wake()
	return nil
}

func (c *Channel) wake() {
	select {
	case c.signal <- struct{}{}:
	default:
	}
}

// State returns the state of the sending task
func (c *Channel) State() OutboundState {
	return OutboundState(c.state.Load())
}

// Pending returns the number of queued, undelivered events
func (c *Channel) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queue)
}

// take swaps out the whole queue. It reports done when the channel is
// terminating and nothing is left to deliver.
func (c *Channel) take() (batch [][]byte, done bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	batch, c.queue = c.queue, nil
	return batch, len(batch) == 0 && c.terminating.Load()
}

func (c *Channel) sendLoop() {
	defer c.state.Store(int32(StateStopped))

	timer := time.NewTimer(c.cfg.SendWaitTimeout)
	defer timer.Stop()

	for {
		c.state.Store(int32(StateWaitingForWork))
		select {
		case <-c.signal:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
		case <-timer.C:
		}
		timer.Reset(c.cfg.SendWaitTimeout)

		c.state.Store(int32(StateDraining))
		for {
			batch, done := c.take()
			if done {
				return
			}
			if len(batch) == 0 {
				break
			}
			c.deliver(batch)
		}
		c.state.Store(int32(StateIdle))
	}
}

// deliver writes a batch in order. A full endpoint is retried; only an
// aborted shutdown or a non-retryable endpoint error drops messages.
func (c *Channel) deliver(batch [][]byte) {
	for i, data := range batch {
		if c.aborting.Load() {
			c.drop(len(batch)-i, "shutdown aborted")
			return
		}
		if err := c.deliverOne(data); err != nil {
			if errors.Is(err, ErrClosed) {
				c.drop(len(batch)-i, "events endpoint closed")
				return
			}
			c.drop(1, err.Error())
		}
	}
}

func (c *Channel) deliverOne(data []byte) error {
	var retries int64
	defer func() {
		if retries > 0 {
			c.stats.retries.Add(retries)
			c.metrics.recordRetries(retries)
		}
	}()

	for {
		err := c.producer.Enqueue(data)
		if err == nil {
			c.stats.delivered.Add(1)
			c.metrics.recordDelivered()
			return nil
		}
		if !errors.Is(err, ErrFull) {
			return err
		}
		if c.aborting.Load() {
			return ErrClosed
		}

		retries++
		if retries%yieldsPerSleep == 0 {
			time.Sleep(time.Millisecond)
		} else {
			runtime.Gosched()
		}
	}
}

func (c *Channel) drop(n int, reason string) {
	c.stats.dropped.Add(int64(n))
	c.metrics.recordDropped(n)
	c.logger.Error("Dropping events",
		zap.Int("count", n),
		zap.String("reason", reason))
}

func (c *Channel) receiveLoop() {
	for !c.terminating.Load() {
		buf, err := c.consumer.Dequeue(c.cfg.ReceivePollTimeout)
		if err != nil {
			switch {
			case errors.Is(err, ErrEmpty):
				runtime.Gosched()
			case errors.Is(err, ErrClosed):
				if !c.terminating.Load() {
					c.logger.Error("Commands endpoint closed unexpectedly")
				}
				return
			default:
				c.logger.Warn("Failed to poll commands endpoint", zap.Error(err))
				time.Sleep(c.cfg.ReceivePollTimeout)
			}
			continue
		}

		c.handleCommand(buf.Bytes())
		buf.Release()
	}
}

func (c *Channel) handleCommand(data []byte) {
	cmd, err := codec.DecodeCommand(data)
	if err != nil {
		c.stats.decodeErrors.Add(1)
		c.metrics.recordDecodeError()
		c.logger.Warn("Dropping malformed command",
			zap.Int("size", len(data)),
			zap.Error(err))
		return
	}

	c.stats.received.Add(1)
	c.metrics.recordCommand(cmd.Type())
	c.logger.Debug("Command received",
		zap.Stringer("command", cmd.Type()),
		zap.Uint64("command_id", cmd.Metadata.CommandID))

	if err := c.dispatch(cmd); err != nil {
		c.logger.Error("Command dispatch failed",
			zap.Stringer("command", cmd.Type()),
			zap.Uint64("command_id", cmd.Metadata.CommandID),
			zap.Error(err))
	}
}

// Close stops accepting events, delivers what is queued, joins both tasks
// and releases the endpoints. Pending events still blocked on a full
// endpoint after ShutdownTimeout are dropped.
func (c *Channel) Close() error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.terminating.Store(true)
		pending := len(c.queue)
		c.mu.Unlock()
		c.wake()

		c.logger.Info("Closing channel",
			zap.Int("pending", pending),
			zap.Duration("timeout", c.cfg.ShutdownTimeout))

		if err := c.lifecycle.Wait(c.cfg.ShutdownTimeout); err != nil {
			c.aborting.Store(true)
			c.lifecycle.Join()
		}

		var errs []error
		if err := c.producer.Close(); err != nil {
			errs = append(errs, fmt.Errorf("events endpoint: %w", err))
		}
		if err := c.consumer.Close(); err != nil {
			errs = append(errs, fmt.Errorf("commands endpoint: %w", err))
		}
		c.closeErr = errors.Join(errs...)

		c.logger.Info("Channel closed",
			zap.Int64("delivered", c.stats.delivered.Load()),
			zap.Int64("dropped", c.stats.dropped.Load()))
	})
	return c.closeErr
}
