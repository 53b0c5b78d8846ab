package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/yairfalse/runtap/internal/transport"
	"github.com/yairfalse/runtap/pkg/codec"
	"github.com/yairfalse/runtap/pkg/domain"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

type listenOptions struct {
	count    int
	duration time.Duration
	output   string
}

func newListenCommand(opts *options) *cobra.Command {
	lo := &listenOptions{}

	cmd := &cobra.Command{
		Use:   "listen",
		Short: "Print events emitted by the instrumented process",
		Long: `Consume the events endpoint, decode every event and print it.

Events of kinds this build does not know are skipped, so a newer profiler
can stream to an older listener.`,
		Example: `  # Follow events over NATS
  runtap listen --provider natsq --nats-url nats://localhost:4222

  # Print the first 10 events as JSON
  runtap listen --count 10 --output json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runListen(cmd.Context(), opts, lo)
		},
	}

	cmd.Flags().IntVar(&lo.count, "count", 0, "stop after this many events (0 means unlimited)")
	cmd.Flags().DurationVar(&lo.duration, "duration", 0, "stop after this long (0 means until interrupted)")
	cmd.Flags().StringVarP(&lo.output, "output", "o", "text", "output format (text, json)")
	return cmd
}

func runListen(ctx context.Context, opts *options, lo *listenOptions) error {
	if lo.output != "text" && lo.output != "json" {
		return fmt.Errorf("unsupported output format %q", lo.output)
	}

	cfg, logger, err := opts.setup()
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	stopMetrics, err := startMetrics(cfg.MetricsAddr, logger)
	if err != nil {
		return err
	}
	defer stopMetrics()

	provider, err := transport.Resolve(cfg, logger)
	if err != nil {
		return err
	}
	consumer, err := provider.NewConsumer(transport.Endpoint{Name: cfg.Events.Name, Size: cfg.Events.Size})
	if err != nil {
		return fmt.Errorf("failed to open events endpoint %s: %w", cfg.Events.Name, err)
	}
	defer consumer.Close()

	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	if lo.duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, lo.duration)
		defer cancel()
	}

	received, _ := otel.Meter("runtap/cli").Int64Counter("runtap_listen_events_total",
		metric.WithDescription("Total events decoded by the listener"))

	logger.Info("Listening for events",
		zap.String("provider", provider.Name()),
		zap.String("endpoint", cfg.Events.Name))

	// Malformed streams would otherwise flood the log
	warnings := rate.NewLimiter(rate.Every(time.Second), 5)

	printed := 0
	for ctx.Err() == nil {
		buf, err := consumer.Dequeue(cfg.ReceivePollTimeout)
		if err != nil {
			if errors.Is(err, transport.ErrEmpty) {
				continue
			}
			return fmt.Errorf("failed to read events: %w", err)
		}

		env, err := codec.DecodeEvent(buf.Bytes())
		size := buf.Len()
		buf.Release()
		if err != nil {
			if codec.IsUnknownDiscriminator(err) {
				logger.Debug("Skipping event of unknown kind", zap.Error(err))
			} else if warnings.Allow() {
				logger.Warn("Skipping malformed event", zap.Int("size", size), zap.Error(err))
			}
			continue
		}

		if received != nil {
			received.Add(ctx, 1, metric.WithAttributes(attribute.String("event", env.Type().String())))
		}
		if err := printEvent(opts.out, env, lo.output); err != nil {
			return err
		}

		printed++
		if lo.count > 0 && printed >= lo.count {
			return nil
		}
	}
	return nil
}

type printedEvent struct {
	Type      string           `json:"type"`
	ProcessID uint32           `json:"pid"`
	ThreadID  uint64           `json:"tid"`
	CommandID *uint64          `json:"command_id,omitempty"`
	Args      domain.EventArgs `json:"args"`
}

func printEvent(w io.Writer, env domain.EventEnvelope, format string) error {
	if format == "json" {
		return json.NewEncoder(w).Encode(printedEvent{
			Type:      env.Type().String(),
			ProcessID: env.Metadata.ProcessID,
			ThreadID:  env.Metadata.ThreadID,
			CommandID: env.Metadata.CommandID,
			Args:      env.Args,
		})
	}

	reply := ""
	if env.Metadata.IsReply() {
		reply = fmt.Sprintf(" cmd=%d", *env.Metadata.CommandID)
	}
	name := eventColor(env).Sprintf("%-28s", env.Type())
	_, err := fmt.Fprintf(w, "%s pid=%d tid=%d%s %s\n",
		name, env.Metadata.ProcessID, env.Metadata.ThreadID, reply, formatArgs(env.Args))
	return err
}

func eventColor(env domain.EventEnvelope) *color.Color {
	if env.Metadata.IsReply() {
		return color.New(color.FgGreen)
	}
	switch env.Type() {
	case domain.EventGarbageCollectionStart, domain.EventGarbageCollectionFinish,
		domain.EventGarbageCollectionSurvivors, domain.EventGarbageCollectionCompaction:
		return color.New(color.FgYellow)
	case domain.EventObjectTracking, domain.EventObjectRemoved:
		return color.New(color.FgCyan)
	case domain.EventProfilerLoad, domain.EventProfilerInitialize, domain.EventProfilerDestroy:
		return color.New(color.Bold)
	default:
		return color.New(color.Reset)
	}
}

func formatArgs(args domain.EventArgs) string {
	data, err := json.Marshal(args)
	if err != nil {
		return fmt.Sprintf("%+v", args)
	}
	return string(data)
}
