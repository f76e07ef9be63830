package main

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/srg/pawrgate/pkg/config"
)

// configureLogger creates the logger for a command. --log-level wins over
// --verbose, which wins over the configured level.
func configureLogger(cmd *cobra.Command, cfg *config.Config, verboseFlagName string) (*logrus.Logger, error) {
	if levelStr, _ := cmd.Flags().GetString("log-level"); levelStr != "" {
		switch levelStr {
		case "debug", "info", "warn", "error":
			cfg.LogLevel = levelStr
		default:
			return nil, fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", levelStr)
		}
	} else if verbose, _ := cmd.Flags().GetBool(verboseFlagName); verbose {
		cfg.LogLevel = "debug"
	}

	logger := cfg.NewLogger()
	logger.SetOutput(os.Stderr)
	return logger, nil
}
