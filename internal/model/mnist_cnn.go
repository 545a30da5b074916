package model

import (
	"fmt"

	"gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

const (
	// ImageSize is the side length of an MNIST digit
	ImageSize = 28

	// NumClasses is the number of digit classes
	NumClasses = 10

	// flatSize is the number of features after the last convolution: 64 x 3 x 3
	flatSize = 64 * 3 * 3
)

// MnistCNN is the digit classifier:
// conv(32,3x3) -> maxpool -> conv(64,3x3) -> maxpool -> conv(64,3x3) ->
// dense(64) -> dense(10) -> softmax. All activations are ReLU.
type MnistCNN struct {
	g *gorgonia.ExprGraph

	// Input: [batch, 1, 28, 28], already rescaled to [0, 1]
	input *gorgonia.Node

	conv1W *gorgonia.Node // [32, 1, 3, 3]
	conv1B *gorgonia.Node // [32]
	conv2W *gorgonia.Node // [64, 32, 3, 3]
	conv2B *gorgonia.Node // [64]
	conv3W *gorgonia.Node // [64, 64, 3, 3]
	conv3B *gorgonia.Node // [64]

	fc1W *gorgonia.Node // [576, 64]
	fc1B *gorgonia.Node // [64]
	fc2W *gorgonia.Node // [64, 10]
	fc2B *gorgonia.Node // [10]

	output *gorgonia.Node

	batchSize int
	vm        gorgonia.VM
}

// NewMnistCNN builds the forward graph for the given batch size
func NewMnistCNN(batchSize int) (*MnistCNN, error) {
	if batchSize <= 0 {
		return nil, fmt.Errorf("invalid batch size: %d", batchSize)
	}

	g := gorgonia.NewGraph()

	input := gorgonia.NewTensor(g, tensor.Float64, 4,
		gorgonia.WithShape(batchSize, 1, ImageSize, ImageSize),
		gorgonia.WithName("input"))

	m := &MnistCNN{
		g:         g,
		input:     input,
		batchSize: batchSize,
	}

	m.conv1W, m.conv1B = convParams(g, "conv1", 32, 1)
	m.conv2W, m.conv2B = convParams(g, "conv2", 64, 32)
	m.conv3W, m.conv3B = convParams(g, "conv3", 64, 64)

	m.fc1W, m.fc1B = denseParams(g, "fc1", flatSize, 64)
	m.fc2W, m.fc2B = denseParams(g, "fc2", 64, NumClasses)

	// [B,1,28,28] -> [B,32,26,26] -> [B,32,13,13]
	x, err := convBlock(input, m.conv1W, m.conv1B)
	if err != nil {
		return nil, fmt.Errorf("conv1 failed: %w", err)
	}
	if x, err = gorgonia.MaxPool2D(x, tensor.Shape{2, 2}, []int{0, 0}, []int{2, 2}); err != nil {
		return nil, fmt.Errorf("pool1 failed: %w", err)
	}

	// -> [B,64,11,11] -> [B,64,5,5]
	if x, err = convBlock(x, m.conv2W, m.conv2B); err != nil {
		return nil, fmt.Errorf("conv2 failed: %w", err)
	}
	if x, err = gorgonia.MaxPool2D(x, tensor.Shape{2, 2}, []int{0, 0}, []int{2, 2}); err != nil {
		return nil, fmt.Errorf("pool2 failed: %w", err)
	}

	// -> [B,64,3,3]
	if x, err = convBlock(x, m.conv3W, m.conv3B); err != nil {
		return nil, fmt.Errorf("conv3 failed: %w", err)
	}

	flat, err := gorgonia.Reshape(x, tensor.Shape{batchSize, flatSize})
	if err != nil {
		return nil, fmt.Errorf("flatten failed: %w", err)
	}

	fc1 := gorgonia.Must(gorgonia.Mul(flat, m.fc1W))
	fc1 = gorgonia.Must(gorgonia.BroadcastAdd(fc1, m.fc1B, nil, []byte{0}))
	fc1 = gorgonia.Must(gorgonia.Rectify(fc1))

	logits := gorgonia.Must(gorgonia.Mul(fc1, m.fc2W))
	logits = gorgonia.Must(gorgonia.BroadcastAdd(logits, m.fc2B, nil, []byte{0}))

	if m.output, err = softmaxRows(logits); err != nil {
		return nil, fmt.Errorf("softmax failed: %w", err)
	}
	m.vm = gorgonia.NewTapeMachine(g)

	return m, nil
}

func convParams(g *gorgonia.ExprGraph, name string, out, in int) (*gorgonia.Node, *gorgonia.Node) {
	w := gorgonia.NewTensor(g, tensor.Float64, 4,
		gorgonia.WithShape(out, in, 3, 3),
		gorgonia.WithName(name+"_w"),
		gorgonia.WithInit(gorgonia.GlorotU(1.0)))
	b := gorgonia.NewTensor(g, tensor.Float64, 1,
		gorgonia.WithShape(out),
		gorgonia.WithName(name+"_b"),
		gorgonia.WithInit(gorgonia.Zeroes()))
	return w, b
}

func denseParams(g *gorgonia.ExprGraph, name string, in, out int) (*gorgonia.Node, *gorgonia.Node) {
	w := gorgonia.NewMatrix(g, tensor.Float64,
		gorgonia.WithShape(in, out),
		gorgonia.WithName(name+"_w"),
		gorgonia.WithInit(gorgonia.GlorotU(1.0)))
	b := gorgonia.NewVector(g, tensor.Float64,
		gorgonia.WithShape(out),
		gorgonia.WithName(name+"_b"),
		gorgonia.WithInit(gorgonia.Zeroes()))
	return w, b
}

// convBlock is a valid 3x3 convolution with bias and ReLU
func convBlock(x, w, b *gorgonia.Node) (*gorgonia.Node, error) {
	conv, err := gorgonia.Conv2d(x, w, tensor.Shape{3, 3}, []int{0, 0}, []int{1, 1}, []int{1, 1})
	if err != nil {
		return nil, err
	}
	conv, err = gorgonia.BroadcastAdd(conv, b, nil, []byte{0, 2, 3})
	if err != nil {
		return nil, err
	}
	return gorgonia.Rectify(conv)
}

// softmaxRows normalizes each row of a [batch, classes] matrix. The built-in
// SoftMax op differentiates incorrectly on batched input, so the graph is
// composed from ops with correct gradients.
func softmaxRows(logits *gorgonia.Node) (*gorgonia.Node, error) {
	rowMax, err := gorgonia.Max(logits, 1)
	if err != nil {
		return nil, err
	}
	shifted, err := gorgonia.BroadcastSub(logits, rowMax, nil, []byte{1})
	if err != nil {
		return nil, err
	}
	exp, err := gorgonia.Exp(shifted)
	if err != nil {
		return nil, err
	}
	total, err := gorgonia.Sum(exp, 1)
	if err != nil {
		return nil, err
	}
	return gorgonia.BroadcastHadamardDiv(exp, total, nil, []byte{1})
}

// BatchSize returns the batch dimension the graph was built with
func (m *MnistCNN) BatchSize() int {
	return m.batchSize
}

// Learnables returns all trainable parameters
func (m *MnistCNN) Learnables() gorgonia.Nodes {
	return gorgonia.Nodes{
		m.conv1W, m.conv1B,
		m.conv2W, m.conv2B,
		m.conv3W, m.conv3B,
		m.fc1W, m.fc1B,
		m.fc2W, m.fc2B,
	}
}

// Forward runs inference on a [batch, 1, 28, 28] tensor and returns the
// softmax probabilities, row-major [batch, 10].
func (m *MnistCNN) Forward(inputs *tensor.Dense) ([]float64, error) {
	if err := gorgonia.Let(m.input, inputs); err != nil {
		return nil, fmt.Errorf("failed to set input: %w", err)
	}

	if err := m.vm.RunAll(); err != nil {
		m.vm.Reset()
		return nil, fmt.Errorf("failed to run inference: %w", err)
	}
	defer m.vm.Reset()

	return copyValue(m.output)
}

// Close cleans up resources
func (m *MnistCNN) Close() error {
	if m.vm != nil {
		return m.vm.Close()
	}
	return nil
}

// copyValue copies a node's float64 backing out of the VM-owned memory
func copyValue(n *gorgonia.Node) ([]float64, error) {
	val := n.Value()
	if val == nil {
		return nil, fmt.Errorf("%s has no value", n.Name())
	}

	data, ok := val.Data().([]float64)
	if !ok {
		return nil, fmt.Errorf("%s: unexpected value type %T", n.Name(), val.Data())
	}

	out := make([]float64, len(data))
	copy(out, data)
	return out, nil
}
