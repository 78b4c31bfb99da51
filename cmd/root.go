package cmd

import (
	"fmt"
	"os"

	"github.com/example/appt-scheduler/internal/config"
	"github.com/example/appt-scheduler/internal/logging"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	Version   = "dev"
	CommitSHA = "none"
	BuildDate = "unknown"
)

var configFile string

func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "apptsched",
		Short:         "Polls an appointment site for open dates and books the earliest one in range",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configFile, "config", "", "optional YAML config file (env vars override it)")

	root.AddCommand(newVersionCmd())
	root.AddCommand(newKeysCmd())
	root.AddCommand(newServerCmd())
	root.AddCommand(newJobCmd())

	return root
}

func Execute() {
	if err := NewRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// setup loads config and builds the process logger.
func setup() (config.Config, *logrus.Logger, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return config.Config{}, nil, err
	}
	log, err := logging.New(cfg.LogLevel, cfg.LogFormat, os.Stderr)
	if err != nil {
		return config.Config{}, nil, err
	}
	return cfg, log, nil
}
