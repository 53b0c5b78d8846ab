package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/yairfalse/runtap/pkg/config"
	"gopkg.in/yaml.v3"
)

func newConfigCommand(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect runtap configuration",
		Long: `Show or validate the configuration that other commands would run with.

runtap works with no configuration file at all. Endpoint names, sizes and
provider settings can be overridden by a YAML file, RUNTAP_* environment
variables or flags.`,
		Example: `  # Show the effective configuration
  runtap config show

  # Show the built-in defaults as JSON
  runtap config show --defaults -o json

  # Validate a configuration file
  runtap config validate --config runtap.yaml`,
	}

	var (
		defaults bool
		output   string
	)
	show := &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.DefaultConfig()
			if !defaults {
				var err error
				if cfg, err = opts.load(); err != nil {
					return err
				}
			}
			return printConfig(opts, cfg, output)
		},
	}
	show.Flags().BoolVar(&defaults, "defaults", false, "print the built-in defaults instead")
	show.Flags().StringVarP(&output, "output", "o", "yaml", "output format (yaml, json)")

	validate := &cobra.Command{
		Use:   "validate",
		Short: "Check the configuration for errors",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := opts.load(); err != nil {
				return err
			}
			fmt.Fprintln(opts.out, "configuration is valid")
			return nil
		},
	}

	cmd.AddCommand(show, validate)
	return cmd
}

func printConfig(opts *options, cfg *config.Config, format string) error {
	switch format {
	case "yaml":
		data, err := yaml.Marshal(cfg)
		if err != nil {
			return fmt.Errorf("failed to marshal config: %w", err)
		}
		_, err = opts.out.Write(data)
		return err
	case "json":
		data, err := json.MarshalIndent(cfg, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal config: %w", err)
		}
		_, err = fmt.Fprintln(opts.out, string(data))
		return err
	default:
		return fmt.Errorf("unsupported output format %q", format)
	}
}
