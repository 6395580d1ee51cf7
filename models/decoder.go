package models

import (
	"fmt"
	"math/rand"

	"github.com/tsawler/go-lesionseg/layers"
	"github.com/tsawler/go-lesionseg/tensor"
	"github.com/tsawler/go-lesionseg/training"
)

// DefaultDecoderWidths are the output channels of the five decoder stages.
var DefaultDecoderWidths = []int{64, 32, 16, 8, 1}

// DecoderConfig sizes a MobileDecoder.
type DecoderConfig struct {
	InChannels  int
	FeatureSize int // side of the encoder feature map
	CropSize    int // side the decoder must reproduce
	Widths      []int
	// Dropout inserts a Dropout module after every hidden activation when
	// positive. Zero builds none.
	Dropout float32
}

// MobileDecoder upsamples encoder features by 2 per stage. Every stage is
// bilinear x2 (aligned corners) then a padded 3x3 convolution; hidden
// stages add batch normalisation and LeakyReLU, the last adds Sigmoid.
type MobileDecoder struct {
	spec   *layers.ModelSpec
	seq    *training.Sequential
	stages int
}

// NewMobileDecoder compiles the decoder and checks that
// FeatureSize * 2^stages == CropSize, failing with tensor.ErrShapeMismatch
// otherwise.
func NewMobileDecoder(cfg DecoderConfig, rng *rand.Rand, device tensor.DeviceType) (*MobileDecoder, error) {
	widths := cfg.Widths
	if len(widths) == 0 {
		widths = DefaultDecoderWidths
	}
	if widths[len(widths)-1] != 1 {
		return nil, fmt.Errorf("binary segmentation needs a single output channel, last decoder width is %d", widths[len(widths)-1])
	}
	if cfg.Dropout < 0 || cfg.Dropout >= 1 {
		return nil, fmt.Errorf("decoder dropout must be in [0, 1), got %g", cfg.Dropout)
	}

	builder := layers.NewModelBuilder([]int{1, cfg.InChannels, cfg.FeatureSize, cfg.FeatureSize})
	for i, w := range widths {
		name := fmt.Sprintf("stage%d", i+1)
		builder.AddUpsample(2, name+".up").
			AddConv2D(w, 3, 1, 1, true, name+".conv")
		if i == len(widths)-1 {
			builder.AddSigmoid(name + ".act")
			continue
		}
		builder.AddBatchNorm(w, 1e-5, 0.1, name+".bn").
			AddLeakyReLU(0.01, name+".act")
		if cfg.Dropout > 0 {
			builder.AddDropout(cfg.Dropout, name+".drop")
		}
	}

	spec, err := builder.Compile()
	if err != nil {
		return nil, fmt.Errorf("failed to compile decoder: %w", err)
	}
	if err := spec.RequireSpatial(cfg.CropSize, cfg.CropSize); err != nil {
		return nil, fmt.Errorf("%d decoder stages from %dx%d features: %w", len(widths), cfg.FeatureSize, cfg.FeatureSize, err)
	}

	seq, err := training.BuildSequential(spec, rng, device)
	if err != nil {
		return nil, err
	}
	return &MobileDecoder{spec: spec, seq: seq, stages: len(widths)}, nil
}

func (d *MobileDecoder) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	return d.seq.Forward(input)
}

func (d *MobileDecoder) Backward(gradOutput *tensor.Tensor) (*tensor.Tensor, error) {
	return d.seq.Backward(gradOutput)
}

func (d *MobileDecoder) Parameters() []*tensor.Tensor { return d.seq.Parameters() }
func (d *MobileDecoder) State() []training.NamedTensor { return d.seq.State() }
func (d *MobileDecoder) Train()                        { d.seq.Train() }
func (d *MobileDecoder) Eval()                         { d.seq.Eval() }
func (d *MobileDecoder) IsTraining() bool              { return d.seq.IsTraining() }

// Spec returns the compiled layer description.
func (d *MobileDecoder) Spec() *layers.ModelSpec { return d.spec }

func (d *MobileDecoder) Stages() int      { return d.stages }
func (d *MobileDecoder) OutChannels() int { return d.spec.OutputShape[1] }
