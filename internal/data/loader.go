package data

import (
	"context"
	"fmt"
	"math/rand"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// LoaderOptions configures batching
type LoaderOptions struct {
	BatchSize int
	Shuffle   bool
	Seed      int64
	// Prefetch is how many batches are assembled ahead of the consumer
	Prefetch int
}

// Loader turns an in-memory split into shuffled, prefetched batches. Each
// call to Each is one epoch with a fresh permutation.
type Loader struct {
	samples []Sample
	opts    LoaderOptions
	rng     *rand.Rand
	logger  *zap.Logger
}

// NewLoader creates a loader over samples
func NewLoader(samples []Sample, opts LoaderOptions, logger *zap.Logger) (*Loader, error) {
	if len(samples) == 0 {
		return nil, ErrEmptyDataset
	}
	if opts.BatchSize <= 0 {
		return nil, fmt.Errorf("invalid batch size: %d", opts.BatchSize)
	}
	if opts.Prefetch < 0 {
		return nil, fmt.Errorf("invalid prefetch depth: %d", opts.Prefetch)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Loader{
		samples: samples,
		opts:    opts,
		rng:     rand.New(rand.NewSource(opts.Seed)),
		logger:  logger,
	}, nil
}

// Len returns the number of samples
func (l *Loader) Len() int {
	return len(l.samples)
}

// BatchSize returns the batch capacity
func (l *Loader) BatchSize() int {
	return l.opts.BatchSize
}

// NumBatches returns the number of batches per epoch, counting a final
// partial batch
func (l *Loader) NumBatches() int {
	return (len(l.samples) + l.opts.BatchSize - 1) / l.opts.BatchSize
}

// Each runs fn on every batch of one epoch. A producer goroutine builds
// batches up to Prefetch ahead; the epoch stops at the first error from fn
// or when ctx is cancelled.
func (l *Loader) Each(ctx context.Context, fn func(*Batch) error) error {
	order := l.order()
	numBatches := l.NumBatches()

	g, gctx := errgroup.WithContext(ctx)
	batches := make(chan *Batch, l.opts.Prefetch)

	g.Go(func() error {
		defer close(batches)

		for i := 0; i < numBatches; i++ {
			b, err := l.build(i, order)
			if err != nil {
				return err
			}

			select {
			case batches <- b:
			case <-gctx.Done():
				return gctx.Err()
			}
		}
		return nil
	})

	g.Go(func() error {
		for b := range batches {
			if err := gctx.Err(); err != nil {
				return err
			}
			if err := fn(b); err != nil {
				return err
			}
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	// A cancelled parent may have stopped the producer without an error
	// reaching the consumer first
	return ctx.Err()
}

func (l *Loader) order() []int {
	if l.opts.Shuffle {
		return l.rng.Perm(len(l.samples))
	}

	order := make([]int, len(l.samples))
	for i := range order {
		order[i] = i
	}
	return order
}

func (l *Loader) build(index int, order []int) (*Batch, error) {
	start := index * l.opts.BatchSize
	end := start + l.opts.BatchSize
	if end > len(order) {
		end = len(order)
	}

	samples := make([]Sample, 0, end-start)
	for _, idx := range order[start:end] {
		samples = append(samples, l.samples[idx])
	}

	b, err := NewBatch(index, samples, l.opts.BatchSize)
	if err != nil {
		l.logger.Error("Failed to build batch", zap.Int("batch", index), zap.Error(err))
		return nil, fmt.Errorf("batch %d: %w", index, err)
	}
	return b, nil
}
