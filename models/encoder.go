package models

import (
	"fmt"
	"math/rand"

	"github.com/tsawler/go-lesionseg/layers"
	"github.com/tsawler/go-lesionseg/tensor"
	"github.com/tsawler/go-lesionseg/training"
)

// DefaultEncoderChannels matches the feature width of a MobileNetV2 backbone.
const DefaultEncoderChannels = 1280

var encoderWidths = []int{16, 32, 64, 128}

// EncoderConfig sizes a ConvEncoder.
type EncoderConfig struct {
	InputSize   int // square input side, used to compile shapes
	OutChannels int // width of the last block; 0 means DefaultEncoderChannels
}

// ConvEncoder is a stack of five stride-2 blocks, each a 3x3 convolution
// followed by batch normalisation and LeakyReLU. Parameter names follow
// "features.<block>.<layer>.<param>" so pretrained weights can be loaded by
// name.
type ConvEncoder struct {
	spec   *layers.ModelSpec
	seq    *training.Sequential
	frozen bool
}

// NewConvEncoder compiles and instantiates the encoder.
func NewConvEncoder(cfg EncoderConfig, rng *rand.Rand, device tensor.DeviceType) (*ConvEncoder, error) {
	if cfg.OutChannels == 0 {
		cfg.OutChannels = DefaultEncoderChannels
	}
	if cfg.OutChannels < 0 || cfg.InputSize <= 0 {
		return nil, fmt.Errorf("invalid encoder config %+v", cfg)
	}

	builder := layers.NewModelBuilder([]int{1, 3, cfg.InputSize, cfg.InputSize})
	widths := append(append([]int(nil), encoderWidths...), cfg.OutChannels)
	for i, w := range widths {
		name := fmt.Sprintf("features.%d", i)
		builder.AddConv2D(w, 3, 2, 1, false, name+".conv").
			AddBatchNorm(w, 1e-5, 0.1, name+".bn").
			AddLeakyReLU(0.01, name+".act")
	}
	spec, err := builder.Compile()
	if err != nil {
		return nil, fmt.Errorf("failed to compile encoder: %w", err)
	}

	seq, err := training.BuildSequential(spec, rng, device)
	if err != nil {
		return nil, err
	}
	return &ConvEncoder{spec: spec, seq: seq}, nil
}

func (e *ConvEncoder) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	return e.seq.Forward(input)
}

func (e *ConvEncoder) Backward(gradOutput *tensor.Tensor) (*tensor.Tensor, error) {
	return e.seq.Backward(gradOutput)
}

func (e *ConvEncoder) Parameters() []*tensor.Tensor { return e.seq.Parameters() }
func (e *ConvEncoder) State() []training.NamedTensor { return e.seq.State() }
func (e *ConvEncoder) Train()                        { e.seq.Train() }
func (e *ConvEncoder) Eval()                         { e.seq.Eval() }
func (e *ConvEncoder) IsTraining() bool              { return e.seq.IsTraining() }

// Spec returns the compiled layer description.
func (e *ConvEncoder) Spec() *layers.ModelSpec { return e.spec }

func (e *ConvEncoder) OutChannels() int {
	return e.spec.OutputShape[1]
}

// OutputStride is the ratio of input to feature-map side.
func (e *ConvEncoder) OutputStride() int {
	return e.spec.InputShape[2] / e.spec.OutputShape[2]
}

// Freeze stops gradient flow into the encoder's parameters.
func (e *ConvEncoder) Freeze() {
	training.SetRequiresGrad(e.seq, false)
	e.frozen = true
}

// Unfreeze makes every encoder parameter trainable again.
func (e *ConvEncoder) Unfreeze() {
	training.SetRequiresGrad(e.seq, true)
	e.frozen = false
}

func (e *ConvEncoder) Frozen() bool { return e.frozen }
