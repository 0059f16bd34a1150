package cmd

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/oshokin/abacus-daq/internal/device"
)

var (
	// identifyTimeout bounds the identity exchange on each port.
	identifyTimeout time.Duration
	// showAll lists every serial port, not only those a counter answers on.
	showAll bool

	// portsCmd lists serial ports.
	portsCmd = &cobra.Command{
		Use:   "ports",
		Short: "List ports a counter answers on.",
		Long: `Lists the system's serial ports and checks each with a read-only identity
request. Only ports that answer as a counter are printed unless --all is given.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
			defer stop()

			var (
				names []string
				err   error
			)

			if showAll {
				names, err = device.ListSerial()
			} else {
				names, err = device.Discover(ctx, device.WithTimeout(identifyTimeout))
			}

			if err != nil {
				return err
			}

			if len(names) == 0 {
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), "No counters found.")

				return nil
			}

			for _, name := range names {
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), name)
			}

			return nil
		},
	}
)

//nolint:gochecknoinits // Required by Cobra CLI framework architecture.
func init() {
	portsCmd.Flags().DurationVarP(&identifyTimeout, "timeout", "t", device.DefaultTimeout, "protocol timeout per port")
	portsCmd.Flags().BoolVarP(&showAll, "all", "a", false, "list every serial port without probing")

	rootCmd.AddCommand(portsCmd)
}
