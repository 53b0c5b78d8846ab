// Package profiler is the in-process side of runtap. A single Profiler owns
// the object identity tracker and the transport channel, turns runtime
// notifications into events and answers commands from the analysis side.
//
// Every entry point takes the id of the thread the notification was raised
// on. Hooks reach the profiler through the value they were registered with;
// there is no global instance.
package profiler

import (
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"

	"github.com/yairfalse/runtap/internal/objects"
	"github.com/yairfalse/runtap/internal/transport"
	"github.com/yairfalse/runtap/pkg/config"
	"github.com/yairfalse/runtap/pkg/domain"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// ErrClosed is returned by entry points after Close
var ErrClosed = errors.New("profiler closed")

// StackWalker captures the managed frames of a thread, innermost first
type StackWalker interface {
	CaptureStackTrace(threadID uint64) ([]domain.StackFrame, error)
}

// StackWalkerFunc adapts a function to StackWalker
type StackWalkerFunc func(threadID uint64) ([]domain.StackFrame, error)

func (f StackWalkerFunc) CaptureStackTrace(threadID uint64) ([]domain.StackFrame, error) {
	return f(threadID)
}

// Option configures a Profiler
type Option func(*Profiler)

// WithStackWalker sets the collaborator used to answer snapshot commands
func WithStackWalker(w StackWalker) Option {
	return func(p *Profiler) { p.walker = w }
}

// WithEmitGCRanges mirrors surviving and moved ranges as events
func WithEmitGCRanges(enabled bool) Option {
	return func(p *Profiler) { p.emitGCRanges = enabled }
}

// WithProcessID overrides the process id written into event headers
func WithProcessID(pid uint32) Option {
	return func(p *Profiler) { p.pid = pid }
}

// WithMeter sets the meter used by the object tracker
func WithMeter(meter metric.Meter) Option {
	return func(p *Profiler) { p.meter = meter }
}

// WithTracer sets the tracer used for command handling spans
func WithTracer(tracer trace.Tracer) Option {
	return func(p *Profiler) { p.tracer = tracer }
}

// Profiler is the single owned profiler instance
type Profiler struct {
	logger  *zap.Logger
	pid     uint32
	tracker *objects.Tracker
	channel *transport.Channel
	walker  StackWalker
	meter   metric.Meter
	tracer  trace.Tracer

	emitGCRanges bool

	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

// New opens the configured channel and builds a profiler on it
func New(cfg *config.Config, logger *zap.Logger, opts ...Option) (*Profiler, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	pid := uint32(os.Getpid())

	channel, err := transport.New(cfg, pid, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}

	opts = append([]Option{WithProcessID(pid), WithEmitGCRanges(cfg.EmitGCRanges)}, opts...)
	return NewWithChannel(channel, logger, opts...), nil
}

// NewWithChannel builds a profiler on an open channel and registers it as
// the channel's command handler. The profiler owns the channel from now on.
func NewWithChannel(channel *transport.Channel, logger *zap.Logger, opts ...Option) *Profiler {
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &Profiler{
		logger:  logger.Named("profiler"),
		pid:     uint32(os.Getpid()),
		channel: channel,
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.tracer == nil {
		p.tracer = otel.Tracer("runtap/profiler")
	}

	var trackerOpts []objects.Option
	if p.meter != nil {
		trackerOpts = append(trackerOpts, objects.WithMeter(p.meter))
	}
	p.tracker = objects.NewTracker(logger, trackerOpts...)

	channel.SetCommandHandler(p)

	p.logger.Info("Profiler created",
		zap.Uint32("pid", p.pid),
		zap.Bool("stack_walker", p.walker != nil),
		zap.Bool("emit_gc_ranges", p.emitGCRanges))
	return p
}

// Tracker returns the object identity tracker
func (p *Profiler) Tracker() *objects.Tracker {
	return p.tracker
}

// Channel returns the transport channel
func (p *Profiler) Channel() *transport.Channel {
	return p.channel
}

// Emit sends an unsolicited event raised on thread tid
func (p *Profiler) Emit(tid uint64, args domain.EventArgs) error {
	return p.send(domain.EventEnvelope{Metadata: domain.NewMetadata(p.pid, tid), Args: args})
}

// EmitReply sends an event answering commandID
func (p *Profiler) EmitReply(tid, commandID uint64, args domain.EventArgs) error {
	return p.send(domain.EventEnvelope{Metadata: domain.NewReplyMetadata(p.pid, tid, commandID), Args: args})
}

func (p *Profiler) send(env domain.EventEnvelope) error {
	if p.closed.Load() {
		return ErrClosed
	}
	if err := p.channel.Send(env); err != nil {
		p.logger.Error("Failed to send event",
			zap.Stringer("event", env.Type()),
			zap.Uint64("tid", env.Metadata.ThreadID),
			zap.Error(err))
		return err
	}
	return nil
}

// RuntimeInfo describes the host runtime reported at load
type RuntimeInfo struct {
	RuntimeType  uint32
	MajorVersion uint32
	MinorVersion uint32
	BuildVersion uint32
	QfeVersion   uint32
}

// Loaded reports that the profiler was attached to the runtime
func (p *Profiler) Loaded(tid uint64, info RuntimeInfo) error {
	return p.Emit(tid, domain.ProfilerLoadArgs{
		RuntimeType:  info.RuntimeType,
		MajorVersion: info.MajorVersion,
		MinorVersion: info.MinorVersion,
		BuildVersion: info.BuildVersion,
		QfeVersion:   info.QfeVersion,
	})
}

// Initialized reports that the profiler finished its setup
func (p *Profiler) Initialized(tid uint64) error {
	return p.Emit(tid, domain.ProfilerInitializeArgs{})
}

// Close emits ProfilerDestroy and closes the channel, which delivers every
// event queued before it.
func (p *Profiler) Close(tid uint64) error {
	p.closeOnce.Do(func() {
		if err := p.Emit(tid, domain.ProfilerDestroyArgs{}); err != nil {
			p.logger.Warn("Failed to emit profiler destroy", zap.Error(err))
		}
		p.closed.Store(true)
		p.channel.SetCommandHandler(nil)

		p.closeErr = p.channel.Close()
		p.logger.Info("Profiler closed",
			zap.Int("tracked_objects", p.tracker.Count()),
			zap.Error(p.closeErr))
	})
	return p.closeErr
}

// Health reports the health of the channel along with tracker state
func (p *Profiler) Health() *domain.HealthStatus {
	status := p.channel.Health()
	status.SetDetail("tracked_objects", p.tracker.Count())
	status.SetDetail("gc_in_progress", p.tracker.InCollection())
	return status
}
