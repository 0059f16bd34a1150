package cmd

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/oshokin/abacus-daq/internal/service/stream"
)

var (
	// streamOptions collects the stream flags.
	streamOptions stream.Options

	// streamCmd runs an acquisition session.
	streamCmd = &cobra.Command{
		Use:   "stream [port]",
		Short: "Run an acquisition session.",
		Long: `Opens the counter and starts an interactive console for the session.

Settings come from the configuration file; flags override them. The port can be
given as an argument; without one the configured port is used, and without that
the first port a counter answers on.

With --headless streaming starts at once and runs until interrupted or until
--duration elapses. The data file and params ledger are finalized on exit; a
session that recorded no rows leaves no files behind.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			// Setup graceful shutdown handling.
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
			defer stop()

			if len(args) > 0 {
				streamOptions.Port = args[0]
			}

			return stream.Run(ctx, &streamOptions)
		},
	}
)

//nolint:gochecknoinits // Required by Cobra CLI framework architecture.
func init() {
	flags := streamCmd.Flags()

	flags.StringVarP(&streamOptions.ConfigPath, "config", "c", "", "path to configuration file (default abacus-settings.yaml if present)")
	flags.StringVarP(&streamOptions.Output, "output", "o", "", "data file; .dat or .csv")
	flags.IntVarP(&streamOptions.SamplingMs, "sampling", "s", 0, "sampling time in milliseconds")
	flags.IntVarP(&streamOptions.CoincidenceWindowNs, "coincidence", "w", 0, "coincidence window in nanoseconds")
	flags.StringVarP(&streamOptions.LogLevel, "log-level", "l", "", "log level: debug, info, warn, error")
	flags.BoolVar(&streamOptions.Simulate, "simulate", false, "use a simulated counter")
	flags.BoolVar(&streamOptions.Headless, "headless", false, "stream without the console")
	flags.DurationVarP(&streamOptions.Duration, "duration", "d", 0, "stop a headless session after this long")

	rootCmd.AddCommand(streamCmd)
}
