package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/thyrook/mnist-trainer/internal/config"
	"github.com/thyrook/mnist-trainer/internal/logger"
)

// app carries state shared by every subcommand once the root has run
type app struct {
	configPath string
	logLevel   string

	cfg      *config.Config
	log      *zap.Logger
	closeLog func() error
}

func main() {
	a := &app{}
	err := newRootCommand(a).Execute()
	// PersistentPostRun is skipped when a subcommand fails
	a.close()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "mnist-train",
		Short: "Train a convolutional digit classifier on MNIST",
		Long: `mnist-train ingests the MNIST IDX files into a local dataset, trains a
small convolutional network with a warmup then polynomial decay learning
rate schedule, and keeps the best epochs as resumable checkpoints.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.setup()
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			a.close()
		},
	}

	cmd.PersistentFlags().StringVarP(&a.configPath, "config", "c", "", "config file (.json, .yaml or .yml)")
	cmd.PersistentFlags().StringVar(&a.logLevel, "log-level", "", "override log level (debug|info|warn|error)")

	cmd.AddCommand(newIngestCommand(a))
	cmd.AddCommand(newTrainCommand(a))
	cmd.AddCommand(newEvaluateCommand(a))
	cmd.AddCommand(newCheckpointsCommand(a))
	cmd.AddCommand(newScheduleCommand(a))

	return cmd
}

func (a *app) setup() error {
	if a.configPath == "" {
		a.cfg = config.DefaultConfig()
	} else {
		cfg, err := config.Load(a.configPath)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		a.cfg = cfg
	}

	if a.logLevel != "" {
		a.cfg.Logging.Level = a.logLevel
	}

	log, closeLog, err := logger.Setup(logger.Level(a.cfg.Logging.Level), a.cfg.Logging.Path, a.cfg.Logging.Development)
	if err != nil {
		return fmt.Errorf("failed to set up logging: %w", err)
	}
	a.log = log
	a.closeLog = closeLog

	return nil
}

// close flushes and releases the logger. It is safe to call more than once.
func (a *app) close() {
	if a.closeLog == nil {
		return
	}
	if err := a.closeLog(); err != nil {
		fmt.Fprintf(os.Stderr, "failed to close log: %v\n", err)
	}
	a.closeLog = nil
}

// validate runs after subcommand flag overrides are applied
func (a *app) validate() error {
	if err := a.cfg.Validate(); err != nil {
		a.log.Error("Invalid configuration", zap.Error(err))
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}
