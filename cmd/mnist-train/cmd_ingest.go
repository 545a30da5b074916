package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/thyrook/mnist-trainer/internal/data"
	"github.com/thyrook/mnist-trainer/internal/logger"
)

func newIngestCommand(a *app) *cobra.Command {
	var datasetPath string

	cmd := &cobra.Command{
		Use:   "ingest",
		Short: "Load the MNIST IDX files into the local dataset",
		Long: `Reads the train and test image/label IDX files named in the config
(optionally gzip-compressed) and replaces both splits of the dataset.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Flags().Changed("dataset") {
				a.cfg.Data.DatasetPath = datasetPath
			}
			if err := a.validate(); err != nil {
				return err
			}
			return runIngest(cmd, a)
		},
	}

	cmd.Flags().StringVar(&datasetPath, "dataset", "", "dataset file to write")

	return cmd
}

func runIngest(cmd *cobra.Command, a *app) (err error) {
	if err := a.cfg.EnsureDirectories(); err != nil {
		return err
	}

	done := logger.StartOperation(a.log, "ingest", zap.String("dataset", a.cfg.Data.DatasetPath))
	defer func() { done(err) }()

	ds, err := data.NewDataset(a.cfg.Data.DatasetPath)
	if err != nil {
		return fmt.Errorf("failed to open dataset: %w", err)
	}
	defer ds.Close()

	splits := []struct {
		name   string
		images string
		labels string
	}{
		{data.SplitTrain, a.cfg.Data.TrainImages, a.cfg.Data.TrainLabels},
		{data.SplitTest, a.cfg.Data.TestImages, a.cfg.Data.TestLabels},
	}

	// Parse everything before touching the store so a bad file leaves the
	// existing dataset intact
	parsed := make([][]data.Sample, len(splits))
	for i, split := range splits {
		samples, err := data.LoadIDX(split.images, split.labels)
		if err != nil {
			return fmt.Errorf("split %s: %w", split.name, err)
		}
		parsed[i] = samples
	}

	for i, split := range splits {
		start := time.Now()

		if err := ds.Replace(split.name, parsed[i]); err != nil {
			return fmt.Errorf("split %s: %w", split.name, err)
		}

		logger.LogDataset(a.log, logger.DatasetMetrics{
			Operation: "ingest",
			Split:     split.name,
			Samples:   len(parsed[i]),
			Duration:  time.Since(start),
		})
	}

	stats, err := ds.GetStats()
	if err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Dataset %s: %d train, %d test (%.2f MB)\n",
		stats.FilePath, stats.TrainEntries, stats.TestEntries, float64(stats.FileSize)/1024/1024)
	return nil
}
