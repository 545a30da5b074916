package model

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"os"
	"path/filepath"

	"gorgonia.org/gorgonia"
)

const modelType = "MnistCNN"

// ModelMetadata stores model information
type ModelMetadata struct {
	Version     string
	ModelType   string
	InputShape  []int
	OutputShape []int
}

// WeightTensor is one named parameter
type WeightTensor struct {
	Name  string
	Shape []int
	Data  []float64
}

// Weights returns a copy of every learnable parameter
func (m *MnistCNN) Weights() ([]WeightTensor, error) {
	learnables := m.Learnables()
	weights := make([]WeightTensor, 0, len(learnables))

	for _, n := range learnables {
		data, err := copyValue(n)
		if err != nil {
			return nil, err
		}
		shape := n.Shape()
		weights = append(weights, WeightTensor{
			Name:  n.Name(),
			Shape: append([]int(nil), shape...),
			Data:  data,
		})
	}

	return weights, nil
}

// SetWeights copies weights into the parameters in place. Names and shapes
// must match the graph.
func (m *MnistCNN) SetWeights(weights []WeightTensor) error {
	byName := make(map[string]*gorgonia.Node)
	for _, n := range m.Learnables() {
		byName[n.Name()] = n
	}

	if len(weights) != len(byName) {
		return fmt.Errorf("expected %d weight tensors, got %d", len(byName), len(weights))
	}

	for _, w := range weights {
		n, ok := byName[w.Name]
		if !ok {
			return fmt.Errorf("unknown weight %q", w.Name)
		}
		if !sameShape(n.Shape(), w.Shape) {
			return fmt.Errorf("weight %q: shape %v does not match %v", w.Name, w.Shape, n.Shape())
		}

		val := n.Value()
		if val == nil {
			return fmt.Errorf("weight %q has no value", w.Name)
		}
		dst, ok := val.Data().([]float64)
		if !ok || len(dst) != len(w.Data) {
			return fmt.Errorf("weight %q: expected %d values, got %d", w.Name, len(dst), len(w.Data))
		}
		copy(dst, w.Data)
	}

	return nil
}

func sameShape(a []int, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// MarshalWeights encodes metadata and parameters with gob
func (m *MnistCNN) MarshalWeights() ([]byte, error) {
	weights, err := m.Weights()
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	enc := gob.NewEncoder(&buf)

	metadata := ModelMetadata{
		Version:     "1.0",
		ModelType:   modelType,
		InputShape:  []int{1, ImageSize, ImageSize},
		OutputShape: []int{NumClasses},
	}
	if err := enc.Encode(metadata); err != nil {
		return nil, fmt.Errorf("failed to encode metadata: %w", err)
	}
	if err := enc.Encode(weights); err != nil {
		return nil, fmt.Errorf("failed to encode weights: %w", err)
	}

	return buf.Bytes(), nil
}

// UnmarshalWeights restores parameters written by MarshalWeights
func (m *MnistCNN) UnmarshalWeights(data []byte) error {
	dec := gob.NewDecoder(bytes.NewReader(data))

	var metadata ModelMetadata
	if err := dec.Decode(&metadata); err != nil {
		return fmt.Errorf("failed to decode metadata: %w", err)
	}
	if metadata.ModelType != modelType {
		return fmt.Errorf("invalid model type: %s", metadata.ModelType)
	}

	var weights []WeightTensor
	if err := dec.Decode(&weights); err != nil {
		return fmt.Errorf("failed to decode weights: %w", err)
	}

	return m.SetWeights(weights)
}

// SaveModel writes the weights to path
func (m *MnistCNN) SaveModel(path string) error {
	data, err := m.MarshalWeights()
	if err != nil {
		return err
	}

	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory: %w", err)
		}
	}

	return os.WriteFile(path, data, 0644)
}

// LoadModel loads weights saved by SaveModel
func (m *MnistCNN) LoadModel(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to open file: %w", err)
	}
	return m.UnmarshalWeights(data)
}

// NewMnistCNNForInference creates a model with the given batch size and
// loads weights from a file written by SaveModel
func NewMnistCNNForInference(path string, batchSize int) (*MnistCNN, error) {
	m, err := NewMnistCNN(batchSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create inference model: %w", err)
	}

	if err := m.LoadModel(path); err != nil {
		m.Close()
		return nil, fmt.Errorf("failed to load checkpoint: %w", err)
	}

	return m, nil
}
