package models

import (
	"fmt"

	"github.com/tsawler/go-lesionseg/layers"
	"github.com/tsawler/go-lesionseg/tensor"
	"github.com/tsawler/go-lesionseg/training"
)

// SegmentationModel chains a FeatureExtractor and a DecoderHead.
type SegmentationModel struct {
	encoder FeatureExtractor
	decoder DecoderHead
}

// NewSegmentationModel pairs an encoder with a decoder.
func NewSegmentationModel(encoder FeatureExtractor, decoder DecoderHead) *SegmentationModel {
	return &SegmentationModel{encoder: encoder, decoder: decoder}
}

func (m *SegmentationModel) Encoder() FeatureExtractor { return m.encoder }
func (m *SegmentationModel) Decoder() DecoderHead      { return m.decoder }

// Extract runs the encoder.
func (m *SegmentationModel) Extract(input *tensor.Tensor) (*tensor.Tensor, error) {
	features, err := m.encoder.Forward(input)
	if err != nil {
		return nil, fmt.Errorf("encoder: %w", err)
	}
	return features, nil
}

// Decode runs the decoder on encoder features.
func (m *SegmentationModel) Decode(features *tensor.Tensor) (*tensor.Tensor, error) {
	out, err := m.decoder.Forward(features)
	if err != nil {
		return nil, fmt.Errorf("decoder: %w", err)
	}
	return out, nil
}

// Forward returns Decode(Extract(input)).
func (m *SegmentationModel) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	features, err := m.Extract(input)
	if err != nil {
		return nil, err
	}
	return m.Decode(features)
}

// Backward propagates through the decoder, and through the encoder only
// when it is not frozen. With a frozen encoder the returned gradient is the
// one w.r.t. the encoder features.
func (m *SegmentationModel) Backward(gradOutput *tensor.Tensor) (*tensor.Tensor, error) {
	grad, err := m.decoder.Backward(gradOutput)
	if err != nil {
		return nil, fmt.Errorf("decoder: %w", err)
	}
	if m.encoder.Frozen() {
		return grad, nil
	}
	grad, err = m.encoder.Backward(grad)
	if err != nil {
		return nil, fmt.Errorf("encoder: %w", err)
	}
	return grad, nil
}

func (m *SegmentationModel) all() []*tensor.Tensor {
	return append(m.encoder.Parameters(), m.decoder.Parameters()...)
}

// Parameters returns only the parameters that receive gradients, which is
// what the optimizer is given.
func (m *SegmentationModel) Parameters() []*tensor.Tensor {
	var params []*tensor.Tensor
	for _, p := range m.all() {
		if p.RequiresGrad() {
			params = append(params, p)
		}
	}
	return params
}

// FrozenParameters returns the parameters excluded from updates.
func (m *SegmentationModel) FrozenParameters() []*tensor.Tensor {
	var params []*tensor.Tensor
	for _, p := range m.all() {
		if !p.RequiresGrad() {
			params = append(params, p)
		}
	}
	return params
}

// ParameterCounts returns the number of trainable and frozen scalars.
func (m *SegmentationModel) ParameterCounts() (trainable, frozen int64) {
	return training.CountParameters(m.all())
}

// State returns every parameter and buffer under "encoder." and "decoder."
// prefixes.
func (m *SegmentationModel) State() []training.NamedTensor {
	var state []training.NamedTensor
	for _, part := range []struct {
		prefix string
		module training.Module
	}{{"encoder.", m.encoder}, {"decoder.", m.decoder}} {
		for _, nt := range training.StateOf(part.module) {
			state = append(state, training.NamedTensor{Name: part.prefix + nt.Name, Tensor: nt.Tensor})
		}
	}
	return state
}

type specified interface {
	Spec() *layers.ModelSpec
}

// Specs returns the compiled descriptions of the parts that have one.
func (m *SegmentationModel) Specs() []training.NamedSpec {
	var specs []training.NamedSpec
	if s, ok := m.encoder.(specified); ok {
		specs = append(specs, training.NamedSpec{Name: "encoder", Spec: s.Spec()})
	}
	if s, ok := m.decoder.(specified); ok {
		specs = append(specs, training.NamedSpec{Name: "decoder", Spec: s.Spec()})
	}
	return specs
}

func (m *SegmentationModel) Train() {
	m.encoder.Train()
	m.decoder.Train()
}

func (m *SegmentationModel) Eval() {
	m.encoder.Eval()
	m.decoder.Eval()
}

func (m *SegmentationModel) IsTraining() bool { return m.decoder.IsTraining() }
