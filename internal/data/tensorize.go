package data

import (
	"fmt"

	"gorgonia.org/tensor"
)

// Batch is a fixed-size model input. Rows past Size are zero padding with
// all-zero targets.
type Batch struct {
	Index   int
	Size    int
	Inputs  *tensor.Dense // [capacity, 1, 28, 28], pixels scaled to [0, 1]
	Targets *tensor.Dense // [capacity, 10], one-hot
	Labels  []int
}

// NewBatch tensorizes samples into a batch of the given capacity
func NewBatch(index int, samples []Sample, capacity int) (*Batch, error) {
	if len(samples) == 0 {
		return nil, fmt.Errorf("empty batch")
	}
	if len(samples) > capacity {
		return nil, fmt.Errorf("batch of %d exceeds capacity %d", len(samples), capacity)
	}

	inputs := make([]float64, capacity*PixelsPerImage)
	targets := make([]float64, capacity*NumClasses)
	labels := make([]int, len(samples))

	for i, s := range samples {
		if len(s.Image) != PixelsPerImage {
			return nil, fmt.Errorf("sample %d: expected %d pixels, got %d", i, PixelsPerImage, len(s.Image))
		}
		if int(s.Label) >= NumClasses {
			return nil, fmt.Errorf("sample %d: label %d out of range", i, s.Label)
		}

		RescaleInto(inputs[i*PixelsPerImage:(i+1)*PixelsPerImage], s.Image)
		OneHotInto(targets[i*NumClasses:(i+1)*NumClasses], int(s.Label))
		labels[i] = int(s.Label)
	}

	return &Batch{
		Index: index,
		Size:  len(samples),
		Inputs: tensor.New(
			tensor.WithShape(capacity, 1, ImageSize, ImageSize),
			tensor.WithBacking(inputs),
		),
		Targets: tensor.New(
			tensor.WithShape(capacity, NumClasses),
			tensor.WithBacking(targets),
		),
		Labels: labels,
	}, nil
}

// RescaleInto writes pixels scaled by 1/255 into dst
func RescaleInto(dst []float64, pixels []byte) {
	for i, p := range pixels {
		dst[i] = float64(p) / 255.0
	}
}

// OneHotInto zeroes dst and sets dst[label]
func OneHotInto(dst []float64, label int) {
	for i := range dst {
		dst[i] = 0
	}
	dst[label] = 1.0
}
