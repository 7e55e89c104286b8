// Package commands builds the vidconv CLI.
package commands

import (
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/rasikakulasinghe/video-converter-android-sub001/pkg/config"
)

const cliExecutable = "vidconv"

// version is set at build time via -ldflags.
var version = "dev"

// manager is populated by the root PersistentPreRunE and read by the
// subcommands.
var manager *config.Manager

// NewCommand constructs the top-level vidconv CLI command, wiring global
// flags, configuration loading, and log setup.
func NewCommand() *cobra.Command {
	var (
		configFile     string
		verbosityCount int
		verbose        bool
	)

	cmd := &cobra.Command{
		Use:   cliExecutable,
		Short: "vidconv is a device-aware video conversion runner",
		Long: `vidconv runs a single video conversion at a time while watching device
resources (thermal state, battery, memory, storage) and throttling,
pausing, or aborting the job when thresholds are crossed.`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			manager = config.NewManager()
			if err := manager.Load(cmd.Flags(), configFile); err != nil {
				return fmt.Errorf("load configuration: %w", err)
			}
			cfg := manager.Get()

			if cfg.Log.Format != "json" {
				log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"})
			}

			// Explicit --verbose wins; otherwise -v count maps to levels,
			// falling back to the configured level with no flags at all.
			switch {
			case verbose || verbosityCount >= 2:
				zerolog.SetGlobalLevel(zerolog.DebugLevel)
			case verbosityCount == 1:
				zerolog.SetGlobalLevel(zerolog.InfoLevel)
			default:
				level, err := zerolog.ParseLevel(cfg.Log.Level)
				if err != nil {
					level = zerolog.InfoLevel
				}
				zerolog.SetGlobalLevel(level)
			}
			return nil
		},
	}

	cmd.SilenceUsage = true

	cmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "Configuration file path")
	cmd.PersistentFlags().CountVarP(&verbosityCount, "verbosity", "v", "Increase logging verbosity (repeatable)")
	cmd.PersistentFlags().BoolVar(&verbose, "verbose", false, "Enable verbose logging")

	config.BindFlags(cmd.PersistentFlags())

	cmd.AddCommand(newConvertCommand())
	cmd.AddCommand(newWatchCommand())
	cmd.AddCommand(newHistoryCommand())
	cmd.AddCommand(newVersionCommand())

	return cmd
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the vidconv version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("%s %s\n", cliExecutable, version)
		},
	}
}
