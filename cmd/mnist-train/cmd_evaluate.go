package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/thyrook/mnist-trainer/internal/data"
	"github.com/thyrook/mnist-trainer/internal/model"
	"github.com/thyrook/mnist-trainer/internal/storage"
	"github.com/thyrook/mnist-trainer/internal/training"
)

func newEvaluateCommand(a *app) *cobra.Command {
	var weightsPath string

	cmd := &cobra.Command{
		Use:   "evaluate",
		Short: "Score the latest checkpoint (or a weights file) on the test split",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.validate(); err != nil {
				return err
			}
			return runEvaluate(cmd, a, weightsPath)
		},
	}

	cmd.Flags().StringVar(&weightsPath, "weights", "", "weights file written by train --export (default: latest checkpoint)")

	return cmd
}

func runEvaluate(cmd *cobra.Command, a *app, weightsPath string) error {
	cfg := a.cfg

	samples, err := loadSplit(a, data.SplitTest)
	if err != nil {
		return err
	}

	loader, err := data.NewLoader(samples, data.LoaderOptions{
		BatchSize: cfg.Model.BatchSize,
		Prefetch:  cfg.Data.Prefetch,
	}, a.log)
	if err != nil {
		return err
	}

	net, source, err := loadNetwork(a, weightsPath)
	if err != nil {
		return err
	}
	defer net.Close()

	result, err := training.Evaluate(cmd.Context(), net, loader)
	if err != nil {
		return err
	}

	a.log.Info("Evaluation complete",
		zap.String("weights", source),
		zap.Int("samples", result.Samples),
		zap.Float64("loss", result.Loss),
		zap.Float64("accuracy", result.Accuracy))

	fmt.Fprintf(cmd.OutOrStdout(), "%s: loss %.4f, accuracy %.2f%% over %d samples\n",
		source, result.Loss, result.Accuracy*100, result.Samples)
	return nil
}

func loadNetwork(a *app, weightsPath string) (*model.MnistCNN, string, error) {
	batchSize := a.cfg.Model.BatchSize

	if weightsPath != "" {
		net, err := model.NewMnistCNNForInference(weightsPath, batchSize)
		return net, weightsPath, err
	}

	store, err := storage.NewCheckpointStore(a.cfg.Training.CheckpointDir, a.cfg.Training.MaxToKeep)
	if err != nil {
		return nil, "", err
	}
	defer store.Close()

	rec, found, err := store.Latest()
	if err != nil {
		return nil, "", err
	}
	if !found {
		return nil, "", fmt.Errorf("no checkpoint in %s", store.Dir())
	}

	net, err := model.NewMnistCNN(batchSize)
	if err != nil {
		return nil, "", err
	}
	if err := net.UnmarshalWeights(rec.ModelWeights); err != nil {
		net.Close()
		return nil, "", fmt.Errorf("checkpoint epoch %d: %w", rec.Epoch, err)
	}

	return net, fmt.Sprintf("checkpoint epoch %d", rec.Epoch), nil
}
