package training

import (
	"github.com/thyrook/mnist-trainer/internal/config"
	"github.com/thyrook/mnist-trainer/internal/model"
)

// BuildSchedule turns the schedule section into a rate policy. A disabled
// schedule yields the constant model learning rate. Otherwise the rate
// warms up over WarmupEpochs and then decays polynomially to MinRate over
// the remaining epochs. resumedEpoch is the epoch restored from a
// checkpoint, 0 for a fresh run.
func BuildSchedule(cfg *config.Config, resumedEpoch int) (model.Schedule, error) {
	if !cfg.Schedule.Enabled {
		if cfg.Model.LearningRate <= 0 {
			return nil, &model.ConfigError{Field: "learning_rate", Value: cfg.Model.LearningRate, Reason: "must be > 0"}
		}
		return model.ConstantSchedule(cfg.Model.LearningRate), nil
	}

	decay, err := model.NewPolynomialDecay(
		cfg.Schedule.InitialRate,
		cfg.Schedule.MinRate,
		cfg.DecaySteps(),
		cfg.Schedule.Power,
	)
	if err != nil {
		return nil, err
	}
	decay.Cycle = cfg.Schedule.Cycle

	return model.NewWarmupDecay(cfg.Schedule.InitialRate, cfg.Schedule.WarmupEpochs, decay.RateFor, resumedEpoch)
}
