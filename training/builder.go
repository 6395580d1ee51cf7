package training

import (
	"fmt"
	"math/rand"

	"github.com/tsawler/go-lesionseg/layers"
	"github.com/tsawler/go-lesionseg/tensor"
)

// BuildSequential instantiates the modules described by a compiled model
// spec. Each module is named after its layer, so state names match the
// spec's parameter names. Frozen layers get parameters that do not
// require gradients.
func BuildSequential(spec *layers.ModelSpec, rng *rand.Rand, device tensor.DeviceType) (*Sequential, error) {
	if spec == nil || !spec.Compiled {
		return nil, fmt.Errorf("model spec must be compiled")
	}

	seq := NewSequential()
	for i, layer := range spec.Layers {
		module, err := buildLayer(layer, rng, device)
		if err != nil {
			return nil, fmt.Errorf("layer %d (%s): %w", i, layer.Name, err)
		}
		if !layer.Trainable {
			SetRequiresGrad(module, false)
		}
		seq.AddNamed(layer.Name, module)
	}
	return seq, nil
}

func buildLayer(layer layers.LayerSpec, rng *rand.Rand, device tensor.DeviceType) (Module, error) {
	switch layer.Type {
	case layers.Conv2D:
		return NewConv2D(
			layer.IntParam("input_channels", 0),
			layer.IntParam("output_channels", 0),
			layer.IntParam("kernel_size", 3),
			layer.IntParam("stride", 1),
			layer.IntParam("padding", 0),
			len(layer.ParameterNames) > 1,
			rng, device)
	case layers.BatchNorm:
		return NewBatchNorm2D(
			layer.IntParam("num_features", 0),
			float64(layer.FloatParam("eps", 1e-5)),
			float64(layer.FloatParam("momentum", 0.1)),
			device)
	case layers.LeakyReLU:
		return NewLeakyReLU(layer.FloatParam("negative_slope", 0.01)), nil
	case layers.Sigmoid:
		return NewSigmoid(), nil
	case layers.Upsample:
		return NewUpsample(layer.IntParam("scale", 2)), nil
	case layers.Dropout:
		return NewDropout(layer.FloatParam("rate", 0), rng)
	default:
		return nil, fmt.Errorf("unsupported layer type: %s", layer.Type)
	}
}
