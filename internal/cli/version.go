package cli

import (
	"fmt"
	"runtime"
	"strings"

	"github.com/spf13/cobra"
	"github.com/yairfalse/runtap/internal/transport"
)

// These will be set by build scripts
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

func newVersionCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show runtap version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(opts.out, "runtap %s\n", version)
			fmt.Fprintf(opts.out, "Git Commit: %s\n", gitCommit)
			fmt.Fprintf(opts.out, "Build Date: %s\n", buildDate)
			fmt.Fprintf(opts.out, "Go: %s %s/%s\n", runtime.Version(), runtime.GOOS, runtime.GOARCH)
			fmt.Fprintf(opts.out, "Providers: %s\n", strings.Join(transport.Registered(), ", "))
		},
	}
}
