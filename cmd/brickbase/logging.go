package main

import (
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/srg/brickbase/pkg/config"
)

// loadConfig reads --config and applies --log-level on top of it.
// quietLevel is used when neither the file nor the flag chose a level.
func loadConfig(cmd *cobra.Command, quietLevel logrus.Level) (*config.Config, *logrus.Logger, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, nil, err
	}

	levelFlag, _ := cmd.Flags().GetString("log-level")
	if levelFlag != "" {
		if _, err := logrus.ParseLevel(levelFlag); err != nil {
			return nil, nil, fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", levelFlag)
		}
		cfg.LogLevel = levelFlag
	}

	logger := cfg.NewLogger()
	if levelFlag == "" && path == "" {
		logger.SetLevel(quietLevel)
	}
	logger.SetOutput(cmd.ErrOrStderr())
	return cfg, logger, nil
}
