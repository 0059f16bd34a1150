package cmd

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/spf13/cobra"

	"github.com/oshokin/abacus-daq/internal/config"
)

var (
	// initPath is where config init writes the settings file.
	initPath string
	// initForce allows overwriting an existing settings file.
	initForce bool

	// configCmd groups settings file commands.
	configCmd = &cobra.Command{
		Use:   "config",
		Short: "Manage the settings file.",
	}

	// configInitCmd writes a settings file with default values.
	configInitCmd = &cobra.Command{
		Use:   "init",
		Short: "Write a settings file with default values.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !initForce {
				if _, err := os.Stat(initPath); err == nil {
					return fmt.Errorf("%s already exists, use --force to overwrite", initPath)
				} else if !errors.Is(err, fs.ErrNotExist) {
					return fmt.Errorf("stat %s: %w", initPath, err)
				}
			}

			if err := config.Save(initPath, config.Default()); err != nil {
				return err
			}

			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Settings written to %s\n", initPath)

			return nil
		},
	}

	// configCheckCmd validates a settings file.
	configCheckCmd = &cobra.Command{
		Use:   "check [path]",
		Short: "Validate a settings file.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.DefaultConfigFilename
			if len(args) > 0 {
				path = args[0]
			}

			if _, err := config.Load(path); err != nil {
				return err
			}

			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s is valid\n", path)

			return nil
		},
	}
)

//nolint:gochecknoinits // Required by Cobra CLI framework architecture.
func init() {
	configInitCmd.Flags().StringVarP(&initPath, "config", "c", config.DefaultConfigFilename, "path to configuration file")
	configInitCmd.Flags().BoolVarP(&initForce, "force", "f", false, "overwrite an existing file")

	configCmd.AddCommand(configInitCmd, configCheckCmd)
	rootCmd.AddCommand(configCmd)
}
