package model

import (
	"errors"
	"fmt"
	"math"
)

// ErrInvalidConfig is returned (wrapped in a *ConfigError) when a schedule
// is constructed with out-of-range parameters.
var ErrInvalidConfig = errors.New("invalid schedule configuration")

// ConfigError describes a rejected schedule parameter
type ConfigError struct {
	Field  string
	Value  any
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("%s: %s=%v %s", ErrInvalidConfig, e.Field, e.Value, e.Reason)
}

// Unwrap lets errors.Is match ErrInvalidConfig
func (e *ConfigError) Unwrap() error {
	return ErrInvalidConfig
}

// Schedule maps a step index to a learning rate
type Schedule interface {
	RateFor(step int) float64
}

// DecayFunc supplies the post-warmup learning rate at a step index
type DecayFunc func(step int) float64

// ConstantSchedule returns the same rate for every step
type ConstantSchedule float64

// RateFor returns the constant rate
func (c ConstantSchedule) RateFor(int) float64 {
	return float64(c)
}

// PolynomialDecay decays from InitialRate to EndRate over DecaySteps
// following (1 - step/DecaySteps)^Power.
type PolynomialDecay struct {
	InitialRate float64
	EndRate     float64
	DecaySteps  int
	Power       float64
	// Cycle restarts the decay beyond DecaySteps instead of holding EndRate
	Cycle bool
}

// NewPolynomialDecay validates the parameters and returns the decay
func NewPolynomialDecay(initialRate, endRate float64, decaySteps int, power float64) (*PolynomialDecay, error) {
	if initialRate <= 0 {
		return nil, &ConfigError{Field: "initial_rate", Value: initialRate, Reason: "must be > 0"}
	}
	if endRate < 0 {
		return nil, &ConfigError{Field: "end_rate", Value: endRate, Reason: "must be >= 0"}
	}
	if decaySteps <= 0 {
		return nil, &ConfigError{Field: "decay_steps", Value: decaySteps, Reason: "must be > 0"}
	}
	if power <= 0 {
		return nil, &ConfigError{Field: "power", Value: power, Reason: "must be > 0"}
	}

	return &PolynomialDecay{
		InitialRate: initialRate,
		EndRate:     endRate,
		DecaySteps:  decaySteps,
		Power:       power,
	}, nil
}

// RateFor returns the decayed rate at step
func (p *PolynomialDecay) RateFor(step int) float64 {
	if step < 0 {
		step = 0
	}

	decaySteps := float64(p.DecaySteps)
	s := float64(step)

	if p.Cycle {
		// Stretch the horizon to the next multiple of DecaySteps
		multiplier := math.Ceil(s / decaySteps)
		if multiplier == 0 {
			multiplier = 1
		}
		decaySteps *= multiplier
	} else if s > decaySteps {
		s = decaySteps
	}

	fraction := 1.0 - s/decaySteps
	return (p.InitialRate-p.EndRate)*math.Pow(fraction, p.Power) + p.EndRate
}

// WarmupDecay ramps the rate linearly from zero to initialRate over
// warmupLength steps, then hands over to the decay function counted from
// the end of warmup. resumedEpoch shifts every query so a restored run
// continues the schedule where it stopped.
//
// WarmupDecay is immutable and safe for concurrent use.
type WarmupDecay struct {
	initialRate  float64
	warmupLength int
	decay        DecayFunc
	resumedEpoch int
}

// NewWarmupDecay creates the schedule. resumedEpoch is 0 for fresh runs.
func NewWarmupDecay(initialRate float64, warmupLength int, decay DecayFunc, resumedEpoch int) (*WarmupDecay, error) {
	if initialRate <= 0 {
		return nil, &ConfigError{Field: "initial_rate", Value: initialRate, Reason: "must be > 0"}
	}
	if warmupLength < 0 {
		return nil, &ConfigError{Field: "warmup_length", Value: warmupLength, Reason: "must be >= 0"}
	}
	if resumedEpoch < 0 {
		return nil, &ConfigError{Field: "resumed_epoch", Value: resumedEpoch, Reason: "must be >= 0"}
	}
	if decay == nil {
		return nil, &ConfigError{Field: "decay_fn", Value: nil, Reason: "must be set"}
	}

	return &WarmupDecay{
		initialRate:  initialRate,
		warmupLength: warmupLength,
		decay:        decay,
		resumedEpoch: resumedEpoch,
	}, nil
}

// RateFor returns the learning rate for step
func (w *WarmupDecay) RateFor(step int) float64 {
	effective := step + w.resumedEpoch

	if w.warmupLength > 0 && effective < w.warmupLength {
		return w.initialRate * (float64(effective) / float64(w.warmupLength))
	}

	return w.decay(effective - w.warmupLength)
}

// InWarmup reports whether step still falls inside the warmup ramp
func (w *WarmupDecay) InWarmup(step int) bool {
	return step+w.resumedEpoch < w.warmupLength
}
