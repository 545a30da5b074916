package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/thyrook/mnist-trainer/internal/storage"
)

func newCheckpointsCommand(a *app) *cobra.Command {
	var dir string

	cmd := &cobra.Command{
		Use:   "checkpoints",
		Short: "List stored checkpoints, oldest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Flags().Changed("dir") {
				a.cfg.Training.CheckpointDir = dir
			}

			store, err := storage.NewCheckpointStore(a.cfg.Training.CheckpointDir, a.cfg.Training.MaxToKeep)
			if err != nil {
				return err
			}
			defer store.Close()

			records, err := store.List()
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if len(records) == 0 {
				fmt.Fprintf(out, "No checkpoints in %s\n", store.Dir())
				return nil
			}

			w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "EPOCH\tLOSS\tACCURACY\tLR\tSAVED\tRUN")
			for _, rec := range records {
				fmt.Fprintf(w, "%d\t%.4f\t%.2f%%\t%.6g\t%s\t%s\n",
					rec.Epoch, rec.Loss, rec.Accuracy*100, rec.LearningRate,
					rec.SavedAt.Format(time.RFC3339), rec.RunID)
			}
			return w.Flush()
		},
	}

	cmd.Flags().StringVar(&dir, "dir", "", "checkpoint directory (default from config)")

	return cmd
}
