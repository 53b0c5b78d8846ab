package cli

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/yairfalse/runtap/internal/transport"
	"github.com/yairfalse/runtap/pkg/codec"
	"github.com/yairfalse/runtap/pkg/domain"
	"go.uber.org/zap"
)

type sendOptions struct {
	pid    uint32
	tid    uint64
	wait   time.Duration
	output string
}

func newSendCommand(opts *options) *cobra.Command {
	so := &sendOptions{}

	cmd := &cobra.Command{
		Use:   "send",
		Short: "Send a command to the instrumented process",
		Long: `Publish one command on the commands endpoint.

The generated command id is printed. With --wait the reply carrying the
same command id is awaited on the events endpoint and printed as well.`,
		Example: `  # Check that the profiler is alive
  runtap send ping --wait 2s

  # Capture the stacks of two threads
  runtap send snapshots 1001 1002 --wait 5s`,
	}

	flags := cmd.PersistentFlags()
	flags.Uint32Var(&so.pid, "pid", 0, "process id written into the command header")
	flags.Uint64Var(&so.tid, "tid", 0, "thread id written into the command header")
	flags.DurationVar(&so.wait, "wait", 0, "wait this long for the reply (0 means do not wait)")
	flags.StringVarP(&so.output, "output", "o", "text", "reply output format (text, json)")

	cmd.AddCommand(&cobra.Command{
		Use:   "ping",
		Short: "Ask the profiler to answer with a Pong",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSend(cmd.Context(), opts, so, domain.PingArgs{})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "snapshot <thread-id>",
		Short: "Capture the managed stack of one thread",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ids, err := parseThreadIDs(args)
			if err != nil {
				return err
			}
			return runSend(cmd.Context(), opts, so, domain.CreateStackSnapshotArgs{TargetThreadID: ids[0]})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "snapshots <thread-id>...",
		Short: "Capture the managed stacks of several threads",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ids, err := parseThreadIDs(args)
			if err != nil {
				return err
			}
			return runSend(cmd.Context(), opts, so, domain.CreateStackSnapshotsArgs{TargetThreadIDs: ids})
		},
	})

	return cmd
}

func parseThreadIDs(args []string) ([]uint64, error) {
	ids := make([]uint64, 0, len(args))
	for _, arg := range args {
		id, err := strconv.ParseUint(arg, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid thread id %q: %w", arg, err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// newCommandID derives a command id from a random UUID
func newCommandID() uint64 {
	id := uuid.New()
	return binary.BigEndian.Uint64(id[:8])
}

func runSend(ctx context.Context, opts *options, so *sendOptions, args domain.CommandArgs) error {
	if so.output != "text" && so.output != "json" {
		return fmt.Errorf("unsupported output format %q", so.output)
	}
	if ctx == nil {
		ctx = context.Background()
	}

	cfg, logger, err := opts.setup()
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	provider, err := transport.Resolve(cfg, logger)
	if err != nil {
		return err
	}

	env := domain.CommandEnvelope{
		Metadata: domain.CommandMetadata{
			ProcessID: so.pid,
			ThreadID:  so.tid,
			CommandID: newCommandID(),
		},
		Args: args,
	}
	data, err := codec.EncodeCommand(env)
	if err != nil {
		return err
	}

	// Subscribe before publishing so the reply cannot be missed
	var events transport.Consumer
	if so.wait > 0 {
		events, err = provider.NewConsumer(transport.Endpoint{Name: cfg.Events.Name, Size: cfg.Events.Size})
		if err != nil {
			return fmt.Errorf("failed to open events endpoint %s: %w", cfg.Events.Name, err)
		}
		defer events.Close()
	}

	commands, err := provider.NewProducer(transport.Endpoint{Name: cfg.Commands.Name, Size: cfg.Commands.Size})
	if err != nil {
		return fmt.Errorf("failed to open commands endpoint %s: %w", cfg.Commands.Name, err)
	}
	defer commands.Close()

	retrier := transport.NewRetrier(transport.DefaultRetryConfig())
	if err := retrier.Execute(ctx, func(context.Context) error {
		return commands.Enqueue(data)
	}); err != nil {
		return fmt.Errorf("failed to send %s: %w", env.Type(), err)
	}

	logger.Debug("Command sent",
		zap.String("command", env.Type().String()),
		zap.Uint64("command_id", env.Metadata.CommandID))
	fmt.Fprintf(opts.out, "sent %s command_id=%d\n", env.Type(), env.Metadata.CommandID)

	if events == nil {
		return nil
	}

	reply, err := awaitReply(ctx, events, env.Metadata.CommandID, so.wait, cfg.ReceivePollTimeout, logger)
	if err != nil {
		return err
	}
	return printEvent(opts.out, reply, so.output)
}

// ErrNoReply is returned when --wait elapses without a matching reply
var ErrNoReply = errors.New("no reply received")

func awaitReply(ctx context.Context, events transport.Consumer, commandID uint64, wait, poll time.Duration, logger *zap.Logger) (domain.EventEnvelope, error) {
	deadline := time.Now().Add(wait)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return domain.EventEnvelope{}, fmt.Errorf("%w for command %d within %s", ErrNoReply, commandID, wait)
		}
		if err := ctx.Err(); err != nil {
			return domain.EventEnvelope{}, err
		}
		if remaining > poll {
			remaining = poll
		}

		buf, err := events.Dequeue(remaining)
		if err != nil {
			if errors.Is(err, transport.ErrEmpty) {
				continue
			}
			return domain.EventEnvelope{}, fmt.Errorf("failed to read events: %w", err)
		}
		env, err := codec.DecodeEvent(buf.Bytes())
		buf.Release()
		if err != nil {
			logger.Debug("Skipping undecodable event", zap.Error(err))
			continue
		}
		if env.Metadata.IsReply() && *env.Metadata.CommandID == commandID {
			return env, nil
		}
	}
}
