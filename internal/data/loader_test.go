package data

import (
	"context"
	"errors"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func firstPixels(b *Batch) []int {
	data := b.Inputs.Data().([]float64)
	ids := make([]int, b.Size)
	for i := 0; i < b.Size; i++ {
		ids[i] = int(data[i*PixelsPerImage]*255 + 0.5)
	}
	return ids
}

func TestLoaderCoversEverySampleOnce(t *testing.T) {
	loader, err := NewLoader(syntheticSamples(23), LoaderOptions{
		BatchSize: 5,
		Shuffle:   true,
		Seed:      42,
		Prefetch:  2,
	}, zaptest.NewLogger(t))
	require.NoError(t, err)

	assert.Equal(t, 5, loader.NumBatches())
	assert.Equal(t, 23, loader.Len())

	var seen []int
	var sizes []int
	err = loader.Each(context.Background(), func(b *Batch) error {
		sizes = append(sizes, b.Size)
		seen = append(seen, firstPixels(b)...)
		assert.Equal(t, []int{5, 1, 28, 28}, []int(b.Inputs.Shape()))
		assert.Equal(t, []int{5, 10}, []int(b.Targets.Shape()))
		return nil
	})
	require.NoError(t, err)

	assert.Equal(t, []int{5, 5, 5, 5, 3}, sizes)

	sort.Ints(seen)
	for i := range seen {
		assert.Equal(t, i, seen[i])
	}
}

func TestLoaderShufflesBetweenEpochs(t *testing.T) {
	loader, err := NewLoader(syntheticSamples(50), LoaderOptions{BatchSize: 50, Shuffle: true, Seed: 1}, nil)
	require.NoError(t, err)

	var epochs [][]int
	for e := 0; e < 2; e++ {
		err := loader.Each(context.Background(), func(b *Batch) error {
			epochs = append(epochs, firstPixels(b))
			return nil
		})
		require.NoError(t, err)
	}

	assert.NotEqual(t, epochs[0], epochs[1])
}

func TestLoaderSequentialOrder(t *testing.T) {
	loader, err := NewLoader(syntheticSamples(6), LoaderOptions{BatchSize: 4}, nil)
	require.NoError(t, err)

	var seen []int
	require.NoError(t, loader.Each(context.Background(), func(b *Batch) error {
		seen = append(seen, firstPixels(b)...)
		return nil
	}))

	assert.Equal(t, []int{0, 1, 2, 3, 4, 5}, seen)
}

func TestLoaderPaddingAndTargets(t *testing.T) {
	loader, err := NewLoader(syntheticSamples(3), LoaderOptions{BatchSize: 4}, nil)
	require.NoError(t, err)

	require.NoError(t, loader.Each(context.Background(), func(b *Batch) error {
		targets := b.Targets.Data().([]float64)
		for row := 0; row < 4; row++ {
			sum := 0.0
			for _, v := range targets[row*NumClasses : (row+1)*NumClasses] {
				sum += v
			}
			if row < b.Size {
				assert.Equal(t, 1.0, sum)
				assert.Equal(t, 1.0, targets[row*NumClasses+b.Labels[row]])
			} else {
				assert.Equal(t, 0.0, sum, "padding row %d", row)
			}
		}

		inputs := b.Inputs.Data().([]float64)
		// Last pixel is 255 -> 1.0 after rescaling
		assert.Equal(t, 1.0, inputs[PixelsPerImage-1])
		return nil
	}))
}

func TestLoaderStopsOnCallbackError(t *testing.T) {
	loader, err := NewLoader(syntheticSamples(100), LoaderOptions{BatchSize: 2, Prefetch: 1}, nil)
	require.NoError(t, err)

	boom := errors.New("boom")
	calls := 0
	err = loader.Each(context.Background(), func(b *Batch) error {
		calls++
		if calls == 3 {
			return boom
		}
		return nil
	})

	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 3, calls)
}

func TestLoaderStopsOnCancel(t *testing.T) {
	loader, err := NewLoader(syntheticSamples(100), LoaderOptions{BatchSize: 2, Prefetch: 4}, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	calls := 0
	err = loader.Each(ctx, func(b *Batch) error {
		calls++
		if calls == 2 {
			cancel()
		}
		return nil
	})

	assert.ErrorIs(t, err, context.Canceled)
	assert.Less(t, calls, 50)
}

func TestNewLoaderValidation(t *testing.T) {
	_, err := NewLoader(nil, LoaderOptions{BatchSize: 2}, nil)
	assert.ErrorIs(t, err, ErrEmptyDataset)

	_, err = NewLoader(syntheticSamples(2), LoaderOptions{BatchSize: 0}, nil)
	assert.Error(t, err)

	_, err = NewLoader(syntheticSamples(2), LoaderOptions{BatchSize: 2, Prefetch: -1}, nil)
	assert.Error(t, err)
}

func TestNewBatchValidation(t *testing.T) {
	_, err := NewBatch(0, nil, 4)
	assert.Error(t, err)

	_, err = NewBatch(0, syntheticSamples(5), 4)
	assert.Error(t, err)

	_, err = NewBatch(0, []Sample{{Image: make([]byte, 3)}}, 4)
	assert.Error(t, err)
}
