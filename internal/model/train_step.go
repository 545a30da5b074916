package model

import (
	"bytes"
	"encoding/gob"
	"fmt"

	"gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

// OptimizerState is the part of the solver that survives a checkpoint.
// Gorgonia keeps Adam's moment estimates unexported, so a restored run
// restarts them from zero.
type OptimizerState struct {
	Kind         string
	LearningRate float64
	Iterations   int
}

// GraphStep runs one forward/backward pass and an Adam update per call
type GraphStep struct {
	model      *MnistCNN
	solver     gorgonia.Solver
	targetNode *gorgonia.Node
	lossNode   *gorgonia.Node

	learningRate float64
	iterations   int
}

// NewGraphStep builds the model, the cross-entropy loss and its gradients
func NewGraphStep(batchSize int, learningRate float64) (*GraphStep, error) {
	if learningRate < 0 {
		return nil, fmt.Errorf("invalid learning rate: %f", learningRate)
	}

	m, err := NewMnistCNN(batchSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create model: %w", err)
	}

	targetNode := gorgonia.NewMatrix(m.g, tensor.Float64,
		gorgonia.WithShape(batchSize, NumClasses),
		gorgonia.WithName("target"))

	lossNode, err := m.ComputeLoss(targetNode)
	if err != nil {
		m.Close()
		return nil, fmt.Errorf("failed to create loss node: %w", err)
	}

	if _, err := gorgonia.Grad(lossNode, m.Learnables()...); err != nil {
		m.Close()
		return nil, fmt.Errorf("failed to compute gradients: %w", err)
	}

	// Recreate VM now that the graph includes loss and gradients
	m.vm.Close()
	m.vm = gorgonia.NewTapeMachine(m.g, gorgonia.BindDualValues(m.Learnables()...))

	solver := gorgonia.NewAdamSolver(gorgonia.WithLearnRate(learningRate))

	return &GraphStep{
		model:        m,
		solver:       solver,
		targetNode:   targetNode,
		lossNode:     lossNode,
		learningRate: learningRate,
	}, nil
}

// ComputeLoss builds categorical cross-entropy averaged over the real
// samples in the batch. Padding rows carry all-zero targets, so dividing by
// the target sum ignores them.
func (m *MnistCNN) ComputeLoss(target *gorgonia.Node) (*gorgonia.Node, error) {
	eps := gorgonia.NewConstant(1e-7)

	probs, err := gorgonia.Add(m.output, eps)
	if err != nil {
		return nil, err
	}
	logProbs, err := gorgonia.Log(probs)
	if err != nil {
		return nil, err
	}
	prod, err := gorgonia.HadamardProd(target, logProbs)
	if err != nil {
		return nil, err
	}
	total, err := gorgonia.Sum(prod)
	if err != nil {
		return nil, err
	}
	count, err := gorgonia.Sum(target)
	if err != nil {
		return nil, err
	}
	mean, err := gorgonia.Div(total, count)
	if err != nil {
		return nil, err
	}
	return gorgonia.Neg(mean)
}

// Run trains on one batch and returns the batch loss and the predicted
// probabilities, row-major [batch, 10]
func (s *GraphStep) Run(inputs, targets *tensor.Dense) (float64, []float64, error) {
	if err := gorgonia.Let(s.model.input, inputs); err != nil {
		return 0, nil, fmt.Errorf("failed to set input: %w", err)
	}
	if err := gorgonia.Let(s.targetNode, targets); err != nil {
		return 0, nil, fmt.Errorf("failed to set target: %w", err)
	}

	defer s.model.vm.Reset()

	if err := s.model.vm.RunAll(); err != nil {
		return 0, nil, fmt.Errorf("failed to run forward/backward: %w", err)
	}

	loss, err := scalarValue(s.lossNode)
	if err != nil {
		return 0, nil, err
	}

	predictions, err := copyValue(s.model.output)
	if err != nil {
		return 0, nil, err
	}

	if err := s.solver.Step(gorgonia.NodesToValueGrads(s.model.Learnables())); err != nil {
		return 0, nil, fmt.Errorf("failed to update weights: %w", err)
	}
	s.iterations++

	return loss, predictions, nil
}

func scalarValue(n *gorgonia.Node) (float64, error) {
	val := n.Value()
	if val == nil {
		return 0, fmt.Errorf("%s value is nil", n.Name())
	}

	switch v := val.Data().(type) {
	case float64:
		return v, nil
	case []float64:
		if len(v) == 0 {
			return 0, fmt.Errorf("%s value array is empty", n.Name())
		}
		return v[0], nil
	default:
		return 0, fmt.Errorf("unexpected %s value type: %T", n.Name(), v)
	}
}

// SetLearningRate changes the solver's rate without resetting its moments
func (s *GraphStep) SetLearningRate(lr float64) {
	gorgonia.WithLearnRate(lr)(s.solver)
	s.learningRate = lr
}

// LearningRate returns the rate currently applied by the solver
func (s *GraphStep) LearningRate() float64 {
	return s.learningRate
}

// Model returns the underlying network
func (s *GraphStep) Model() *MnistCNN {
	return s.model
}

// MarshalState encodes the weights and the optimizer state
func (s *GraphStep) MarshalState() ([]byte, []byte, error) {
	weights, err := s.model.MarshalWeights()
	if err != nil {
		return nil, nil, err
	}

	var buf bytes.Buffer
	state := OptimizerState{
		Kind:         "adam",
		LearningRate: s.learningRate,
		Iterations:   s.iterations,
	}
	if err := gob.NewEncoder(&buf).Encode(state); err != nil {
		return nil, nil, fmt.Errorf("failed to encode optimizer state: %w", err)
	}

	return weights, buf.Bytes(), nil
}

// UnmarshalState restores what MarshalState wrote
func (s *GraphStep) UnmarshalState(weights, optimizer []byte) error {
	if err := s.model.UnmarshalWeights(weights); err != nil {
		return err
	}

	if len(optimizer) == 0 {
		return nil
	}

	var state OptimizerState
	if err := gob.NewDecoder(bytes.NewReader(optimizer)).Decode(&state); err != nil {
		return fmt.Errorf("failed to decode optimizer state: %w", err)
	}
	if state.Kind != "adam" {
		return fmt.Errorf("unsupported optimizer %q", state.Kind)
	}

	s.iterations = state.Iterations
	s.SetLearningRate(state.LearningRate)
	return nil
}

// Close releases the VM
func (s *GraphStep) Close() error {
	return s.model.Close()
}
