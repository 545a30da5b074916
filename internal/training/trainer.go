package training

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorgonia.org/tensor"

	"github.com/thyrook/mnist-trainer/internal/config"
	"github.com/thyrook/mnist-trainer/internal/data"
	"github.com/thyrook/mnist-trainer/internal/logger"
	"github.com/thyrook/mnist-trainer/internal/model"
	"github.com/thyrook/mnist-trainer/internal/storage"
)

// TrainStep runs one optimization step on a batch. Implementations keep
// their own weights and optimizer; the session only drives the rate and
// snapshots state for checkpoints.
type TrainStep interface {
	Run(inputs, targets *tensor.Dense) (loss float64, predictions []float64, err error)
	SetLearningRate(lr float64)
	LearningRate() float64
	MarshalState() (weights []byte, optimizer []byte, err error)
	UnmarshalState(weights, optimizer []byte) error
}

// Batches is an epoch-at-a-time batch source
type Batches interface {
	Each(ctx context.Context, fn func(*data.Batch) error) error
	NumBatches() int
}

// Checkpointer persists and restores training records
type Checkpointer interface {
	Save(rec *storage.Record) error
	Latest() (*storage.Record, bool, error)
}

// EpochResult holds the metrics of one finished epoch
type EpochResult struct {
	Epoch        int
	Loss         float64
	Accuracy     float64
	LearningRate float64
	Checkpointed bool
}

// Session owns one training run: the schedule, the step, the batch source
// and the checkpoint store. It is driven from a single goroutine.
type Session struct {
	runID      string
	epochs     int
	logEvery   int
	startEpoch int
	bestLoss   float64
	restored   *storage.Record

	schedule model.Schedule
	step     TrainStep
	batches  Batches
	store    Checkpointer
	accuracy *model.CategoricalAccuracy
	history  []EpochResult
	logger   *zap.Logger
}

// NewSession prepares a run. When resume is enabled and the store holds a
// checkpoint, weights and optimizer state are restored, training continues
// at the following epoch and the schedule is shifted to match.
func NewSession(cfg *config.Config, step TrainStep, batches Batches, store Checkpointer, log *zap.Logger) (*Session, error) {
	if step == nil || batches == nil || store == nil {
		return nil, fmt.Errorf("step, batches and store are required")
	}
	if cfg.Training.Epochs <= 0 {
		return nil, &model.ConfigError{Field: "epochs", Value: cfg.Training.Epochs, Reason: "must be > 0"}
	}
	if log == nil {
		log = zap.NewNop()
	}

	runID := uuid.New().String()
	s := &Session{
		runID:      runID,
		epochs:     cfg.Training.Epochs,
		logEvery:   cfg.Training.LogEvery,
		startEpoch: 1,
		bestLoss:   math.Inf(1),
		step:       step,
		batches:    batches,
		store:      store,
		accuracy:   model.NewCategoricalAccuracy(),
		logger:     log.With(zap.String("run_id", runID)),
	}

	resumedEpoch := 0
	if cfg.Training.Resume {
		rec, found, err := store.Latest()
		if err != nil {
			return nil, fmt.Errorf("failed to read latest checkpoint: %w", err)
		}
		if found {
			if err := step.UnmarshalState(rec.ModelWeights, rec.OptimizerState); err != nil {
				return nil, fmt.Errorf("failed to restore checkpoint for epoch %d: %w", rec.Epoch, err)
			}
			s.restored = rec
			s.startEpoch = rec.Epoch + 1
			s.bestLoss = rec.Loss
			resumedEpoch = rec.Epoch

			s.logger.Info("Restored checkpoint",
				zap.Int("epoch", rec.Epoch),
				zap.Float64("loss", rec.Loss),
				zap.Float64("accuracy", rec.Accuracy),
				zap.String("from_run", rec.RunID))
		}
	}

	schedule, err := BuildSchedule(cfg, resumedEpoch)
	if err != nil {
		return nil, err
	}
	s.schedule = schedule

	return s, nil
}

// RunID identifies this run in logs and checkpoint records
func (s *Session) RunID() string {
	return s.runID
}

// StartEpoch is the first epoch Run trains, 1 for a fresh run
func (s *Session) StartEpoch() int {
	return s.startEpoch
}

// Restored returns the checkpoint the session resumed from, or nil
func (s *Session) Restored() *storage.Record {
	return s.restored
}

// BestLoss returns the lowest epoch loss seen, including a restored one
func (s *Session) BestLoss() float64 {
	return s.bestLoss
}

// History returns the results of every epoch trained so far
func (s *Session) History() []EpochResult {
	out := make([]EpochResult, len(s.history))
	copy(out, s.history)
	return out
}

// LossHistory returns the mean loss of every epoch trained so far
func (s *Session) LossHistory() []float64 {
	losses := make([]float64, len(s.history))
	for i, r := range s.history {
		losses[i] = r.Loss
	}
	return losses
}

// RateForEpoch returns the learning rate the session applies at epoch
func (s *Session) RateForEpoch(epoch int) float64 {
	return s.schedule.RateFor(epoch - s.startEpoch)
}

// Run trains from StartEpoch through the configured epoch count. It stops
// between batches when ctx is cancelled and aborts if a checkpoint cannot
// be written.
func (s *Session) Run(ctx context.Context) error {
	if s.startEpoch > s.epochs {
		s.logger.Info("Training already complete",
			zap.Int("last_epoch", s.startEpoch-1),
			zap.Int("epochs", s.epochs))
		return nil
	}

	done := logger.StartOperation(s.logger, "train",
		zap.Int("start_epoch", s.startEpoch),
		zap.Int("epochs", s.epochs))

	var err error
	for epoch := s.startEpoch; epoch <= s.epochs; epoch++ {
		if err = s.runEpoch(ctx, epoch); err != nil {
			break
		}
	}

	done(err)
	return err
}

// phase names the schedule segment an epoch falls in
func (s *Session) phase(epoch int) string {
	w, ok := s.schedule.(interface{ InWarmup(step int) bool })
	if !ok {
		return "constant"
	}
	if w.InWarmup(epoch - s.startEpoch) {
		return "warmup"
	}
	return "decay"
}

func (s *Session) runEpoch(ctx context.Context, epoch int) error {
	start := time.Now()

	lr := s.RateForEpoch(epoch)
	s.step.SetLearningRate(lr)
	s.logger.Info("Current learning rate",
		zap.Int("epoch", epoch),
		zap.Float64("lr", lr),
		zap.String("phase", s.phase(epoch)))

	s.accuracy.Reset()
	var (
		sumLoss float64
		batches int
		samples int
	)

	err := s.batches.Each(ctx, func(b *data.Batch) error {
		loss, predictions, err := s.step.Run(b.Inputs, b.Targets)
		if err != nil {
			return fmt.Errorf("epoch %d batch %d: %w", epoch, b.Index, err)
		}
		if err := s.accuracy.Update(predictions, b.Labels); err != nil {
			return fmt.Errorf("epoch %d batch %d: %w", epoch, b.Index, err)
		}

		sumLoss += loss
		batches++
		samples += b.Size

		if s.logEvery > 0 && batches%s.logEvery == 0 {
			s.logger.Debug("Batch progress",
				zap.Int("epoch", epoch),
				zap.Int("batch", batches),
				zap.Int("of", s.batches.NumBatches()),
				zap.Float64("loss", loss),
				zap.Float64("mean_loss", sumLoss/float64(batches)),
				zap.Float64("accuracy", s.accuracy.Result()))
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			s.logger.Warn("Training interrupted", zap.Int("epoch", epoch), zap.Int("batches_done", batches))
		}
		return err
	}
	if batches == 0 {
		return data.ErrEmptyDataset
	}

	result := EpochResult{
		Epoch:        epoch,
		Loss:         sumLoss / float64(batches),
		Accuracy:     s.accuracy.Result(),
		LearningRate: lr,
	}

	if result.Loss <= s.bestLoss {
		if err := s.checkpoint(result); err != nil {
			s.logger.Error("Failed to save checkpoint", zap.Int("epoch", epoch), zap.Error(err))
			return fmt.Errorf("failed to save checkpoint for epoch %d: %w", epoch, err)
		}
		s.bestLoss = result.Loss
		result.Checkpointed = true
	}

	s.history = append(s.history, result)

	logger.LogEpoch(s.logger, logger.EpochMetrics{
		Epoch:        epoch,
		Loss:         result.Loss,
		Accuracy:     result.Accuracy,
		LearningRate: lr,
		Batches:      batches,
		Samples:      samples,
		Duration:     time.Since(start),
		Checkpointed: result.Checkpointed,
	})

	return nil
}

func (s *Session) checkpoint(result EpochResult) error {
	weights, optimizer, err := s.step.MarshalState()
	if err != nil {
		return err
	}

	return s.store.Save(&storage.Record{
		RunID:          s.runID,
		Epoch:          result.Epoch,
		Loss:           result.Loss,
		Accuracy:       result.Accuracy,
		LearningRate:   result.LearningRate,
		ModelWeights:   weights,
		OptimizerState: optimizer,
	})
}
