// Package cli implements the runtap command line, the analysis side of the
// channel pair: it listens to events emitted by an instrumented process and
// issues commands to it.
package cli

import (
	"fmt"
	"io"
	"os"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/yairfalse/runtap/pkg/config"
	"github.com/yairfalse/runtap/pkg/logging"
	"go.uber.org/zap"

	// Providers register themselves with the transport registry
	_ "github.com/yairfalse/runtap/internal/transport/memq"
	_ "github.com/yairfalse/runtap/internal/transport/natsq"
	_ "github.com/yairfalse/runtap/internal/transport/shmq"
)

// options is the state shared by every subcommand of one invocation
type options struct {
	v       *viper.Viper
	cfgFile string
	session string
	out     io.Writer
}

// Execute runs the root command
func Execute() error {
	return NewRootCommand(os.Stdout).Execute()
}

// NewRootCommand builds the command tree writing results to out
func NewRootCommand(out io.Writer) *cobra.Command {
	opts := &options{v: config.NewViper(), out: out}

	root := &cobra.Command{
		Use:   "runtap",
		Short: "Listen to and command an instrumented runtime",
		Long: `runtap is the analysis side of the runtap channel pair.

It decodes the events streamed by an instrumented process and sends it
commands such as ping or stack snapshot requests.

Configuration sources (in priority order):
  1. Command line flags
  2. Environment variables (RUNTAP_*)
  3. Configuration file
  4. Defaults`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(out)

	flags := root.PersistentFlags()
	flags.StringVar(&opts.cfgFile, "config", "", "config file (YAML)")
	flags.StringVar(&opts.session, "session", "", "session id suffixed to both endpoint names")
	flags.String("provider", "", "transport provider (memq, natsq, shmq)")
	flags.String("log-level", "", "log level (debug, info, warn, error)")
	flags.String("nats-url", "", "NATS server URL for the natsq provider")
	flags.String("shm-dir", "", "directory of endpoint files for the shmq provider")
	flags.String("metrics-addr", "", "serve Prometheus metrics on this address")

	_ = opts.v.BindPFlag("provider", flags.Lookup("provider"))
	_ = opts.v.BindPFlag("log_level", flags.Lookup("log-level"))
	_ = opts.v.BindPFlag("nats.url", flags.Lookup("nats-url"))
	_ = opts.v.BindPFlag("shm.dir", flags.Lookup("shm-dir"))
	_ = opts.v.BindPFlag("metrics_addr", flags.Lookup("metrics-addr"))

	root.AddCommand(newListenCommand(opts))
	root.AddCommand(newSendCommand(opts))
	root.AddCommand(newConfigCommand(opts))
	root.AddCommand(newVersionCommand(opts))
	return root
}

// load reads the effective configuration
func (o *options) load() (*config.Config, error) {
	cfg, err := config.Load(o.v, o.cfgFile)
	if err != nil {
		return nil, err
	}
	if o.session != "" {
		id, err := uuid.Parse(o.session)
		if err != nil {
			return nil, fmt.Errorf("invalid session id %q: %w", o.session, err)
		}
		cfg = cfg.WithSession(id)
	}
	return cfg, nil
}

// setup loads the configuration and builds the logger
func (o *options) setup() (*config.Config, *zap.Logger, error) {
	cfg, err := o.load()
	if err != nil {
		return nil, nil, err
	}
	logger, err := logging.New(cfg.LogLevel)
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger, nil
}
