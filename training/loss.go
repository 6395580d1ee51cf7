package training

import (
	"fmt"
	"math"

	"github.com/tsawler/go-lesionseg/tensor"
)

// Loss interface defines methods that all loss functions must implement
type Loss interface {
	Forward(predicted, target *tensor.Tensor) (float64, error)
	Backward(predicted, target *tensor.Tensor) (*tensor.Tensor, error)
}

const (
	bceLogFloor  = -100.0
	bceGradFloor = 1e-12
)

// BCELoss implements binary cross-entropy over probabilities in [0, 1]
// with mean reduction. Log terms are floored at -100 so saturated
// predictions give a large finite loss instead of Inf.
type BCELoss struct{}

// NewBCELoss creates a binary cross-entropy loss
func NewBCELoss() *BCELoss {
	return &BCELoss{}
}

func checkLossInputs(predicted, target *tensor.Tensor) ([]float32, []float32, error) {
	if !tensor.SameShape(predicted.Shape, target.Shape) {
		return nil, nil, fmt.Errorf("%w: prediction %v vs target %v", tensor.ErrShapeMismatch, predicted.Shape, target.Shape)
	}
	p, err := predicted.GetFloat32Data()
	if err != nil {
		return nil, nil, err
	}
	y, err := target.GetFloat32Data()
	if err != nil {
		return nil, nil, err
	}
	if len(p) == 0 {
		return nil, nil, fmt.Errorf("loss of an empty tensor is undefined")
	}
	return p, y, nil
}

func flooredLog(x float64) float64 {
	return math.Max(math.Log(x), bceLogFloor)
}

// Forward computes L = -mean(y*log(p) + (1-y)*log(1-p))
func (bce *BCELoss) Forward(predicted, target *tensor.Tensor) (float64, error) {
	p, y, err := checkLossInputs(predicted, target)
	if err != nil {
		return 0, err
	}
	var sum float64
	for i := range p {
		pi, yi := float64(p[i]), float64(y[i])
		sum -= yi*flooredLog(pi) + (1-yi)*flooredLog(1-pi)
	}
	return sum / float64(len(p)), nil
}

// Backward computes dL/dp = (p - y) / (p(1-p)) / N
func (bce *BCELoss) Backward(predicted, target *tensor.Tensor) (*tensor.Tensor, error) {
	p, y, err := checkLossInputs(predicted, target)
	if err != nil {
		return nil, err
	}
	n := float64(len(p))
	grad := make([]float32, len(p))
	for i := range p {
		pi, yi := float64(p[i]), float64(y[i])
		denom := math.Max(pi*(1-pi), bceGradFloor)
		grad[i] = float32((pi - yi) / denom / n)
	}
	return tensor.NewTensor(predicted.Shape, tensor.Float32, predicted.Device, grad)
}
