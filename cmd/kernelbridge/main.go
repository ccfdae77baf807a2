package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"kernelbridge/internal/capture"
	"kernelbridge/internal/config"
)

var (
	configPath string
	logLevel   string
)

var rootCmd = &cobra.Command{
	Use:   "kernelbridge",
	Short: "kernelbridge - notebook kernel for interpreters behind a native boundary",
	Long: `kernelbridge relays execute requests from a notebook front-end to an interpreter and
streams everything the interpreter prints or displays back, in order, before the result.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "YAML configuration file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error (overrides the config file)")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(evalCmd)
	rootCmd.AddCommand(displayCmd)
}

// loadConfig reads the configuration and installs the default logger. Logs go to a
// duplicate of stderr taken before any capture starts, so they never end up in the
// notebook.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if cmd.Flags().Changed("log-level") {
		cfg.RawLogLevel = logLevel
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}

	logFile, err := capture.DupStream(capture.Error)
	if err != nil {
		return nil, fmt.Errorf("failed to set up logging: %w", err)
	}
	logger := slog.New(slog.NewTextHandler(logFile, &slog.HandlerOptions{Level: cfg.LogLevel()}))
	slog.SetDefault(logger)
	return cfg, nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
