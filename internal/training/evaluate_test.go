package training

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorgonia.org/tensor"

	"github.com/thyrook/mnist-trainer/internal/model"
)

// constantPredictor assigns probability 1 to the same class for every row
type constantPredictor struct {
	class int
	err   error
}

func (p constantPredictor) Forward(inputs *tensor.Dense) ([]float64, error) {
	if p.err != nil {
		return nil, p.err
	}
	rows := inputs.Shape()[0]
	out := make([]float64, rows*model.NumClasses)
	for i := 0; i < rows; i++ {
		out[i*model.NumClasses+p.class] = 1
	}
	return out, nil
}

func TestEvaluate(t *testing.T) {
	// Labels cycle 0..9, so class 0 is right for 2 of 20 samples
	result, err := Evaluate(context.Background(), constantPredictor{class: 0}, testLoader(t, 20, 6))
	require.NoError(t, err)

	assert.Equal(t, 20, result.Samples)
	assert.InDelta(t, 0.1, result.Accuracy, 1e-12)

	miss := -math.Log(1e-7)
	hit := -math.Log(1 + 1e-7)
	assert.InDelta(t, (18*miss+2*hit)/20, result.Loss, 1e-9)
}

func TestEvaluatePropagatesErrors(t *testing.T) {
	boom := errors.New("boom")
	_, err := Evaluate(context.Background(), constantPredictor{err: boom}, testLoader(t, 4, 2))
	assert.ErrorIs(t, err, boom)
}

func TestEvaluateCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := Evaluate(ctx, constantPredictor{}, testLoader(t, 4, 2))
	assert.ErrorIs(t, err, context.Canceled)
}
