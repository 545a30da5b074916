package model

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
)

// CategoricalAccuracy accumulates top-1 accuracy over batches
type CategoricalAccuracy struct {
	correct int
	total   int
}

// NewCategoricalAccuracy returns an empty metric
func NewCategoricalAccuracy() *CategoricalAccuracy {
	return &CategoricalAccuracy{}
}

// Update scores the first len(labels) rows of a row-major
// [rows, NumClasses] probability matrix
func (a *CategoricalAccuracy) Update(predictions []float64, labels []int) error {
	if len(predictions) < len(labels)*NumClasses {
		return fmt.Errorf("predictions hold %d values, need %d", len(predictions), len(labels)*NumClasses)
	}

	for i, label := range labels {
		if Argmax(predictions[i*NumClasses:(i+1)*NumClasses]) == label {
			a.correct++
		}
	}
	a.total += len(labels)
	return nil
}

// Result returns the fraction correct, 0 before any update
func (a *CategoricalAccuracy) Result() float64 {
	if a.total == 0 {
		return 0
	}
	return float64(a.correct) / float64(a.total)
}

// Count returns the number of scored samples
func (a *CategoricalAccuracy) Count() int {
	return a.total
}

// Reset clears the metric
func (a *CategoricalAccuracy) Reset() {
	a.correct = 0
	a.total = 0
}

// Argmax returns the index of the largest probability
func Argmax(row []float64) int {
	if len(row) == 0 {
		return -1
	}
	return floats.MaxIdx(row)
}

// CrossEntropy returns the mean negative log-likelihood of labels under
// the first len(labels) rows of predictions
func CrossEntropy(predictions []float64, labels []int) float64 {
	if len(labels) == 0 {
		return 0
	}

	total := 0.0
	for i, label := range labels {
		total -= math.Log(predictions[i*NumClasses+label] + 1e-7)
	}
	return total / float64(len(labels))
}
