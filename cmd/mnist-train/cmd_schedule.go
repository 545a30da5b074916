package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/thyrook/mnist-trainer/internal/training"
)

func newScheduleCommand(a *app) *cobra.Command {
	var from, to int

	cmd := &cobra.Command{
		Use:   "schedule",
		Short: "Print the learning rate for each epoch without training",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.validate(); err != nil {
				return err
			}
			if to <= 0 {
				to = a.cfg.Training.Epochs
			}
			if from < 1 || to < from {
				return fmt.Errorf("invalid epoch range %d..%d", from, to)
			}

			schedule, err := training.BuildSchedule(a.cfg, 0)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			for epoch := from; epoch <= to; epoch++ {
				fmt.Fprintf(out, "%d\t%.8g\n", epoch, schedule.RateFor(epoch-1))
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&from, "from", 1, "first epoch")
	cmd.Flags().IntVar(&to, "to", 0, "last epoch (default training.epochs)")

	return cmd
}
