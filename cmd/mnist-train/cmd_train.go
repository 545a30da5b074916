package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/thyrook/mnist-trainer/internal/data"
	"github.com/thyrook/mnist-trainer/internal/logger"
	"github.com/thyrook/mnist-trainer/internal/model"
	"github.com/thyrook/mnist-trainer/internal/storage"
	"github.com/thyrook/mnist-trainer/internal/training"
)

type trainOptions struct {
	epochs    int
	batchSize int
	noResume  bool
	export    string
}

func newTrainCommand(a *app) *cobra.Command {
	opts := &trainOptions{}

	cmd := &cobra.Command{
		Use:   "train",
		Short: "Train the network, resuming from the latest checkpoint",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			flags := cmd.Flags()
			if flags.Changed("epochs") {
				a.cfg.Training.Epochs = opts.epochs
			}
			if flags.Changed("batch-size") {
				a.cfg.Model.BatchSize = opts.batchSize
			}
			if opts.noResume {
				a.cfg.Training.Resume = false
			}
			if flags.Changed("export") {
				a.cfg.Model.ExportPath = opts.export
			}
			if err := a.validate(); err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return runTrain(ctx, cmd, a)
		},
	}

	cmd.Flags().IntVar(&opts.epochs, "epochs", 0, "override training.epochs")
	cmd.Flags().IntVar(&opts.batchSize, "batch-size", 0, "override model.batch_size")
	cmd.Flags().BoolVar(&opts.noResume, "no-resume", false, "ignore existing checkpoints")
	cmd.Flags().StringVar(&opts.export, "export", "", "write final weights to this file")

	return cmd
}

func runTrain(ctx context.Context, cmd *cobra.Command, a *app) error {
	cfg := a.cfg
	if err := cfg.EnsureDirectories(); err != nil {
		return err
	}

	samples, err := loadSplit(a, data.SplitTrain)
	if err != nil {
		return err
	}

	loader, err := data.NewLoader(samples, data.LoaderOptions{
		BatchSize: cfg.Model.BatchSize,
		Shuffle:   cfg.Data.Shuffle,
		Seed:      cfg.Data.ShuffleSeed,
		Prefetch:  cfg.Data.Prefetch,
	}, a.log)
	if err != nil {
		return err
	}

	step, err := model.NewGraphStep(cfg.Model.BatchSize, 0)
	if err != nil {
		return err
	}
	defer step.Close()

	store, err := storage.NewCheckpointStore(cfg.Training.CheckpointDir, cfg.Training.MaxToKeep)
	if err != nil {
		return err
	}
	defer store.Close()

	session, err := training.NewSession(cfg, step, loader, store, a.log)
	if err != nil {
		return err
	}

	a.log.Info("Starting training",
		zap.String("run_id", session.RunID()),
		zap.Int("samples", loader.Len()),
		zap.Int("batches_per_epoch", loader.NumBatches()),
		zap.Int("start_epoch", session.StartEpoch()),
		zap.Int("epochs", cfg.Training.Epochs),
		zap.Bool("schedule", cfg.Schedule.Enabled))

	err = session.Run(ctx)
	if errors.Is(err, context.Canceled) {
		fmt.Fprintf(cmd.OutOrStdout(), "Interrupted; best loss %.4f kept in %s\n", session.BestLoss(), store.Dir())
		return nil
	}
	if err != nil {
		return err
	}

	if cfg.Model.ExportPath != "" {
		if err := step.Model().SaveModel(cfg.Model.ExportPath); err != nil {
			return fmt.Errorf("failed to export model: %w", err)
		}
		a.log.Info("Exported model", zap.String("path", cfg.Model.ExportPath))
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Training finished: %d epochs, best loss %.4f\n",
		len(session.History()), session.BestLoss())
	return nil
}

func loadSplit(a *app, split string) ([]data.Sample, error) {
	start := time.Now()

	ds, err := data.NewDataset(a.cfg.Data.DatasetPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open dataset: %w", err)
	}
	defer ds.Close()

	samples, err := ds.LoadAll(split)
	if err != nil {
		if errors.Is(err, data.ErrEmptyDataset) {
			return nil, fmt.Errorf("%w; run `mnist-train ingest` first", err)
		}
		return nil, err
	}

	logger.LogDataset(a.log, logger.DatasetMetrics{
		Operation: "load",
		Split:     split,
		Samples:   len(samples),
		Duration:  time.Since(start),
	})
	return samples, nil
}
