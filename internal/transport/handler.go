package transport

import (
	"fmt"

	"github.com/yairfalse/runtap/pkg/domain"
	"go.uber.org/zap"
)

// CommandHandler receives the commands that need the instrumented process.
// Ping is answered by the channel itself and never reaches the handler.
type CommandHandler interface {
	OnCreateStackSnapshot(cmd domain.CommandMetadata, targetThreadID uint64)
	OnCreateStackSnapshots(cmd domain.CommandMetadata, targetThreadIDs []uint64)
}

// SetCommandHandler registers the handler; nil unregisters it. Without a
// handler inbound commands other than Ping are dropped.
func (c *Channel) SetCommandHandler(h CommandHandler) {
	c.handlerMu.Lock()
	defer c.handlerMu.Unlock()
	c.handler = h
}

func (c *Channel) commandHandler() CommandHandler {
	c.handlerMu.RLock()
	defer c.handlerMu.RUnlock()
	return c.handler
}

func (c *Channel) dispatch(cmd domain.CommandEnvelope) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("command handler panicked: %v", r)
		}
	}()

	if cmd.Type() == domain.CommandPing {
		return c.Send(domain.EventEnvelope{
			Metadata: domain.NewReplyMetadata(c.cfg.ProcessID, 0, cmd.Metadata.CommandID),
			Args:     domain.PongArgs{},
		})
	}

	h := c.commandHandler()
	if h == nil {
		c.logger.Debug("Dropping command, no handler registered",
			zap.Stringer("command", cmd.Type()),
			zap.Uint64("command_id", cmd.Metadata.CommandID))
		return nil
	}

	switch args := cmd.Args.(type) {
	case domain.CreateStackSnapshotArgs:
		h.OnCreateStackSnapshot(cmd.Metadata, args.TargetThreadID)
	case domain.CreateStackSnapshotsArgs:
		h.OnCreateStackSnapshots(cmd.Metadata, args.TargetThreadIDs)
	default:
		c.logger.Warn("Command has no dispatch case",
			zap.Stringer("command", cmd.Type()),
			zap.Uint64("command_id", cmd.Metadata.CommandID))
	}
	return nil
}
