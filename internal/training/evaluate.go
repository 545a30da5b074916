package training

import (
	"context"
	"fmt"

	"gorgonia.org/tensor"

	"github.com/thyrook/mnist-trainer/internal/data"
	"github.com/thyrook/mnist-trainer/internal/model"
)

// Predictor runs inference on a padded batch and returns row-major
// probabilities
type Predictor interface {
	Forward(inputs *tensor.Dense) ([]float64, error)
}

// EvalResult summarizes a pass over a held-out split
type EvalResult struct {
	Loss     float64
	Accuracy float64
	Samples  int
}

// Evaluate scores predictor on every batch. Loss is the per-sample mean
// cross-entropy, padding rows excluded.
func Evaluate(ctx context.Context, p Predictor, batches Batches) (*EvalResult, error) {
	acc := model.NewCategoricalAccuracy()
	var (
		totalLoss float64
		samples   int
	)

	err := batches.Each(ctx, func(b *data.Batch) error {
		predictions, err := p.Forward(b.Inputs)
		if err != nil {
			return fmt.Errorf("batch %d: %w", b.Index, err)
		}
		if err := acc.Update(predictions, b.Labels); err != nil {
			return fmt.Errorf("batch %d: %w", b.Index, err)
		}

		totalLoss += model.CrossEntropy(predictions, b.Labels) * float64(b.Size)
		samples += b.Size
		return nil
	})
	if err != nil {
		return nil, err
	}
	if samples == 0 {
		return nil, data.ErrEmptyDataset
	}

	return &EvalResult{
		Loss:     totalLoss / float64(samples),
		Accuracy: acc.Result(),
		Samples:  samples,
	}, nil
}
