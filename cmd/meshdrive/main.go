// Command meshdrive manages per-owner folders and files on top of a flat
// object store.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

// rootOptions holds the persistent flags shared by every command.
type rootOptions struct {
	cfgFile         string
	logLevel        string
	owner           string
	metricsTextfile string
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		stop()
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	rootCmd := &cobra.Command{
		Use:   "meshdrive",
		Short: "meshdrive - folders and files over an object store",
		Long: `meshdrive presents a per-owner tree of folders and files stored in a
flat object store (a local directory or an S3-compatible bucket).

Folders are zero-byte marker objects and files are keyed by owner, parent
path and a stamp-prefixed name, so the store itself stays flat.

Examples:
  meshdrive --owner alice mkdir Photos
  meshdrive --owner alice upload ./a.png Photos
  meshdrive --owner alice ls Photos
  meshdrive --owner alice share <key>
  meshdrive get --token <token> -o a.png`,
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			setupLogging(opts.logLevel)
		},
	}

	rootCmd.PersistentFlags().StringVarP(&opts.cfgFile, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().StringVarP(&opts.logLevel, "log-level", "l", "warn", "log level")
	rootCmd.PersistentFlags().StringVarP(&opts.owner, "owner", "u", "", "owner to act as (overrides identity.owner)")
	rootCmd.PersistentFlags().StringVar(&opts.metricsTextfile, "metrics-textfile", "", "write metrics in node_exporter textfile format on exit")

	rootCmd.AddCommand(
		newUploadCmd(opts),
		newLsCmd(opts),
		newMkdirCmd(opts),
		newRmCmd(opts),
		newGetCmd(opts),
		newShareCmd(opts),
		newResolveCmd(opts),
		newUsageCmd(opts),
		newReindexCmd(opts),
	)

	return rootCmd
}

func setupLogging(level string) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
}
