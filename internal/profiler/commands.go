package profiler

import (
	"context"

	"github.com/yairfalse/runtap/internal/transport"
	"github.com/yairfalse/runtap/pkg/domain"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

var _ transport.CommandHandler = (*Profiler)(nil)

// replyThreadID is the thread id written into replies. Replies are emitted
// from the channel's receiving task, which is not a runtime thread.
const replyThreadID = 0

func (p *Profiler) startCommandSpan(name string, cmd domain.CommandMetadata, attrs ...attribute.KeyValue) trace.Span {
	attrs = append(attrs,
		attribute.Int64("runtap.command_id", int64(cmd.CommandID)),
		attribute.Int64("runtap.command_pid", int64(cmd.ProcessID)))
	_, span := p.tracer.Start(context.Background(), name, trace.WithAttributes(attrs...))
	return span
}

// OnCreateStackSnapshot answers with the frames of one thread. Nothing is
// sent when the thread cannot be walked.
func (p *Profiler) OnCreateStackSnapshot(cmd domain.CommandMetadata, targetThreadID uint64) {
	span := p.startCommandSpan("profiler.create_stack_snapshot", cmd,
		attribute.Int64("runtap.target_thread_id", int64(targetThreadID)))
	defer span.End()

	p.logger.Info("Creating stack snapshot",
		zap.Uint64("command_id", cmd.CommandID),
		zap.Uint64("thread", targetThreadID))

	if p.walker == nil {
		p.logger.Warn("Cannot create stack snapshot, no stack walker configured",
			zap.Uint64("command_id", cmd.CommandID))
		span.SetStatus(codes.Error, "no stack walker")
		return
	}

	frames, err := p.walker.CaptureStackTrace(targetThreadID)
	if err != nil {
		p.logger.Error("Failed to capture stack trace",
			zap.Uint64("command_id", cmd.CommandID),
			zap.Uint64("thread", targetThreadID),
			zap.Error(err))
		span.RecordError(err)
		span.SetStatus(codes.Error, "capture failed")
		return
	}
	span.SetAttributes(attribute.Int("runtap.frames", len(frames)))

	if err := p.EmitReply(replyThreadID, cmd.CommandID, domain.NewStackTraceSnapshot(targetThreadID, frames)); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "reply failed")
	}
}

// OnCreateStackSnapshots answers with one snapshot per requested thread.
// Threads that cannot be walked are reported with no frames.
func (p *Profiler) OnCreateStackSnapshots(cmd domain.CommandMetadata, targetThreadIDs []uint64) {
	span := p.startCommandSpan("profiler.create_stack_snapshots", cmd,
		attribute.Int("runtap.threads", len(targetThreadIDs)))
	defer span.End()

	p.logger.Info("Creating stack snapshots",
		zap.Uint64("command_id", cmd.CommandID),
		zap.Int("threads", len(targetThreadIDs)))

	if p.walker == nil {
		p.logger.Warn("Cannot create stack snapshots, no stack walker configured",
			zap.Uint64("command_id", cmd.CommandID))
		span.SetStatus(codes.Error, "no stack walker")
		return
	}

	snapshots := make([]domain.StackTraceSnapshotArgs, 0, len(targetThreadIDs))
	failed := 0
	for _, tid := range targetThreadIDs {
		frames, err := p.walker.CaptureStackTrace(tid)
		if err != nil {
			failed++
			p.logger.Warn("Failed to capture stack trace",
				zap.Uint64("command_id", cmd.CommandID),
				zap.Uint64("thread", tid),
				zap.Error(err))
			frames = nil
		}
		snapshots = append(snapshots, domain.NewStackTraceSnapshot(tid, frames))
	}
	span.SetAttributes(attribute.Int("runtap.failed_threads", failed))

	if err := p.EmitReply(replyThreadID, cmd.CommandID, domain.StackTraceSnapshotsArgs{Snapshots: snapshots}); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "reply failed")
	}
}
