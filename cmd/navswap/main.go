package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/GriffinCanCode/navswap/internal/infrastructure/config"
	"github.com/GriffinCanCode/navswap/internal/infrastructure/logging"
)

type rootOptions struct {
	configFile string
	dev        bool
	logLevel   string
	logFile    string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:           "navswap",
		Short:         "Navigation process-swap coordinator",
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	flags := cmd.PersistentFlags()
	flags.StringVar(&opts.configFile, "config", "", "TOML configuration file")
	flags.BoolVar(&opts.dev, "dev", false, "development logging (console, debug level)")
	flags.StringVar(&opts.logLevel, "log-level", "", "log level override (debug, info, warn, error)")
	flags.StringVar(&opts.logFile, "log-file", "", "also write JSON logs to this rotating file")

	cmd.AddCommand(newRunCmd(opts), newValidateCmd(), newServeCmd(opts))
	return cmd
}

// load reads configuration and builds the logger. Logs go to stderr so run
// can print its report on stdout.
func (o *rootOptions) load() (*config.Config, *logging.Logger, error) {
	if o.configFile != "" {
		if err := os.Setenv(config.FileEnv, o.configFile); err != nil {
			return nil, nil, err
		}
	}
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}

	if o.dev {
		cfg.Logging.Development = true
		cfg.Logging.Level = "debug"
	}
	if o.logLevel != "" {
		cfg.Logging.Level = o.logLevel
	}
	if o.logFile != "" {
		cfg.Logging.File = o.logFile
	}

	logger, err := logging.New(logging.Config{
		Level:       cfg.Logging.Level,
		Development: cfg.Logging.Development,
		OutputPaths: []string{"stderr"},
		File:        logging.FileConfig{Path: cfg.Logging.File},
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create logger: %w", err)
	}
	return cfg, logger, nil
}
