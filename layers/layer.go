package layers

import (
	"fmt"
	"strings"

	"github.com/tsawler/go-lesionseg/tensor"
)

// LayerType represents the type of network layer
type LayerType int

const (
	Conv2D LayerType = iota
	BatchNorm
	LeakyReLU
	Sigmoid
	Upsample
	Dropout
)

func (lt LayerType) String() string {
	switch lt {
	case Conv2D:
		return "Conv2D"
	case BatchNorm:
		return "BatchNorm"
	case LeakyReLU:
		return "LeakyReLU"
	case Sigmoid:
		return "Sigmoid"
	case Upsample:
		return "Upsample"
	case Dropout:
		return "Dropout"
	default:
		return "Unknown"
	}
}

// LayerSpec is pure configuration for one layer. Shapes and parameter
// metadata are filled in by Compile.
type LayerSpec struct {
	Type       LayerType              `json:"type"`
	Name       string                 `json:"name"`
	Parameters map[string]interface{} `json:"parameters"`
	Trainable  bool                   `json:"trainable"`

	InputShape      []int    `json:"input_shape,omitempty"`
	OutputShape     []int    `json:"output_shape,omitempty"`
	ParameterShapes [][]int  `json:"parameter_shapes,omitempty"`
	ParameterNames  []string `json:"parameter_names,omitempty"`
	ParameterCount  int64    `json:"parameter_count,omitempty"`
}

// ModelSpec describes a compiled network as a list of layers.
type ModelSpec struct {
	Layers []LayerSpec `json:"layers"`

	TotalParameters     int64   `json:"total_parameters"`
	TrainableParameters int64   `json:"trainable_parameters"`
	ParameterShapes     [][]int `json:"parameter_shapes"`
	InputShape          []int   `json:"input_shape"`
	OutputShape         []int   `json:"output_shape"`
	Compiled            bool    `json:"compiled"`
}

// ModelBuilder helps construct network descriptions
type ModelBuilder struct {
	layers     []LayerSpec
	inputShape []int
	trainable  bool
}

// NewModelBuilder creates a builder for inputs of shape [N, C, H, W].
// Layers added afterwards are trainable until SetTrainable(false).
func NewModelBuilder(inputShape []int) *ModelBuilder {
	return &ModelBuilder{
		layers:     make([]LayerSpec, 0),
		inputShape: inputShape,
		trainable:  true,
	}
}

// SetTrainable marks subsequently added layers as trainable or frozen.
func (mb *ModelBuilder) SetTrainable(trainable bool) *ModelBuilder {
	mb.trainable = trainable
	return mb
}

// AddLayer adds a layer to the model
func (mb *ModelBuilder) AddLayer(layer LayerSpec) *ModelBuilder {
	layer.Trainable = mb.trainable
	mb.layers = append(mb.layers, layer)
	return mb
}

// AddConv2D adds a square-kernel convolution. Input channels are inferred.
func (mb *ModelBuilder) AddConv2D(outputChannels, kernelSize, stride, padding int, useBias bool, name string) *ModelBuilder {
	return mb.AddLayer(LayerSpec{
		Type: Conv2D,
		Name: name,
		Parameters: map[string]interface{}{
			"output_channels": outputChannels,
			"kernel_size":     kernelSize,
			"stride":          stride,
			"padding":         padding,
			"use_bias":        useBias,
		},
	})
}

// AddBatchNorm adds per-channel batch normalisation.
// eps: added to the variance (default 1e-5)
// momentum: running statistics update rate (default 0.1)
func (mb *ModelBuilder) AddBatchNorm(numFeatures int, eps, momentum float32, name string) *ModelBuilder {
	return mb.AddLayer(LayerSpec{
		Type: BatchNorm,
		Name: name,
		Parameters: map[string]interface{}{
			"num_features": numFeatures,
			"eps":          eps,
			"momentum":     momentum,
		},
	})
}

// AddLeakyReLU adds a Leaky ReLU activation
func (mb *ModelBuilder) AddLeakyReLU(negativeSlope float32, name string) *ModelBuilder {
	return mb.AddLayer(LayerSpec{
		Type: LeakyReLU,
		Name: name,
		Parameters: map[string]interface{}{
			"negative_slope": negativeSlope,
		},
	})
}

// AddSigmoid adds a Sigmoid activation
func (mb *ModelBuilder) AddSigmoid(name string) *ModelBuilder {
	return mb.AddLayer(LayerSpec{
		Type:       Sigmoid,
		Name:       name,
		Parameters: map[string]interface{}{},
	})
}

// AddUpsample adds bilinear upsampling with aligned corners.
func (mb *ModelBuilder) AddUpsample(scale int, name string) *ModelBuilder {
	return mb.AddLayer(LayerSpec{
		Type: Upsample,
		Name: name,
		Parameters: map[string]interface{}{
			"scale":         scale,
			"mode":          "bilinear",
			"align_corners": true,
		},
	})
}

// AddDropout adds an element-wise dropout layer active in training mode only.
func (mb *ModelBuilder) AddDropout(rate float32, name string) *ModelBuilder {
	return mb.AddLayer(LayerSpec{
		Type: Dropout,
		Name: name,
		Parameters: map[string]interface{}{
			"rate": rate,
		},
	})
}

// Compile computes shapes and parameter counts for every layer
func (mb *ModelBuilder) Compile() (*ModelSpec, error) {
	if len(mb.layers) == 0 {
		return nil, fmt.Errorf("cannot compile empty model")
	}
	if len(mb.inputShape) != 4 {
		return nil, fmt.Errorf("%w: model input must be [N, C, H, W], got %v", tensor.ErrShapeMismatch, mb.inputShape)
	}

	model := &ModelSpec{
		Layers:     make([]LayerSpec, len(mb.layers)),
		InputShape: append([]int(nil), mb.inputShape...),
	}

	currentShape := model.InputShape
	for i := range mb.layers {
		layer := mb.layers[i]
		params := make(map[string]interface{}, len(layer.Parameters))
		for k, v := range layer.Parameters {
			params[k] = v
		}
		layer.Parameters = params
		layer.InputShape = append([]int(nil), currentShape...)

		outputShape, names, shapes, count, err := computeLayerInfo(&layer, currentShape)
		if err != nil {
			return nil, fmt.Errorf("failed to compute layer %d (%s) info: %w", i, layer.Name, err)
		}

		layer.OutputShape = outputShape
		layer.ParameterNames = names
		layer.ParameterShapes = shapes
		layer.ParameterCount = count
		model.Layers[i] = layer

		model.ParameterShapes = append(model.ParameterShapes, shapes...)
		model.TotalParameters += count
		if layer.Trainable {
			model.TrainableParameters += count
		}
		currentShape = outputShape
	}

	model.OutputShape = currentShape
	model.Compiled = true
	return model, nil
}

func computeLayerInfo(layer *LayerSpec, inputShape []int) ([]int, []string, [][]int, int64, error) {
	switch layer.Type {
	case Conv2D:
		return computeConv2DInfo(layer, inputShape)
	case BatchNorm:
		return computeBatchNormInfo(layer, inputShape)
	case Upsample:
		scale, ok := layer.Parameters["scale"].(int)
		if !ok || scale < 1 {
			return nil, nil, nil, 0, fmt.Errorf("invalid scale parameter")
		}
		out := []int{inputShape[0], inputShape[1], inputShape[2] * scale, inputShape[3] * scale}
		return out, nil, nil, 0, nil
	case LeakyReLU, Sigmoid, Dropout:
		return append([]int(nil), inputShape...), nil, nil, 0, nil
	default:
		return nil, nil, nil, 0, fmt.Errorf("unsupported layer type: %s", layer.Type.String())
	}
}

func computeConv2DInfo(layer *LayerSpec, inputShape []int) ([]int, []string, [][]int, int64, error) {
	outputChannels, ok := layer.Parameters["output_channels"].(int)
	if !ok {
		return nil, nil, nil, 0, fmt.Errorf("missing output_channels parameter")
	}
	kernelSize, ok := layer.Parameters["kernel_size"].(int)
	if !ok {
		return nil, nil, nil, 0, fmt.Errorf("missing kernel_size parameter")
	}
	stride := getIntParam(layer.Parameters, "stride", 1)
	padding := getIntParam(layer.Parameters, "padding", 0)
	useBias := getBoolParam(layer.Parameters, "use_bias", true)

	inputChannels := inputShape[1]
	layer.Parameters["input_channels"] = inputChannels

	outH := tensor.ConvOutputSize(inputShape[2], kernelSize, stride, padding)
	outW := tensor.ConvOutputSize(inputShape[3], kernelSize, stride, padding)
	if outH <= 0 || outW <= 0 {
		return nil, nil, nil, 0, fmt.Errorf("%w: kernel %d does not fit %dx%d input", tensor.ErrShapeMismatch, kernelSize, inputShape[2], inputShape[3])
	}

	names := []string{layer.Name + ".weight"}
	shapes := [][]int{{outputChannels, inputChannels, kernelSize, kernelSize}}
	count := int64(outputChannels * inputChannels * kernelSize * kernelSize)
	if useBias {
		names = append(names, layer.Name+".bias")
		shapes = append(shapes, []int{outputChannels})
		count += int64(outputChannels)
	}

	return []int{inputShape[0], outputChannels, outH, outW}, names, shapes, count, nil
}

func computeBatchNormInfo(layer *LayerSpec, inputShape []int) ([]int, []string, [][]int, int64, error) {
	numFeatures, ok := layer.Parameters["num_features"].(int)
	if !ok {
		return nil, nil, nil, 0, fmt.Errorf("missing num_features parameter")
	}
	if numFeatures != inputShape[1] {
		return nil, nil, nil, 0, fmt.Errorf("%w: num_features (%d) doesn't match input channels (%d)", tensor.ErrShapeMismatch, numFeatures, inputShape[1])
	}

	// Running statistics are buffers and are not counted.
	names := []string{layer.Name + ".weight", layer.Name + ".bias"}
	shapes := [][]int{{numFeatures}, {numFeatures}}
	return append([]int(nil), inputShape...), names, shapes, int64(2 * numFeatures), nil
}

// RequireSpatial fails with tensor.ErrShapeMismatch unless the compiled
// output has the given height and width.
func (ms *ModelSpec) RequireSpatial(height, width int) error {
	if !ms.Compiled {
		return fmt.Errorf("model not compiled")
	}
	out := ms.OutputShape
	if len(out) != 4 || out[2] != height || out[3] != width {
		return fmt.Errorf("%w: model produces %v, expected spatial %dx%d", tensor.ErrShapeMismatch, out, height, width)
	}
	return nil
}

// NonTrainableParameters returns the count of frozen parameters.
func (ms *ModelSpec) NonTrainableParameters() int64 {
	return ms.TotalParameters - ms.TrainableParameters
}

// Summary returns a human-readable model summary
func (ms *ModelSpec) Summary() string {
	if !ms.Compiled {
		return "Model not compiled"
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Input Shape: %v\n", ms.InputShape)
	fmt.Fprintf(&sb, "Output Shape: %v\n", ms.OutputShape)
	fmt.Fprintf(&sb, "Total Parameters: %d (trainable %d)\n", ms.TotalParameters, ms.TrainableParameters)
	fmt.Fprintf(&sb, "Layers: %d\n", len(ms.Layers))
	for i, layer := range ms.Layers {
		fmt.Fprintf(&sb, "  %2d %-22s %-10s %v -> %v params=%d\n",
			i+1, layer.Name, layer.Type, layer.InputShape, layer.OutputShape, layer.ParameterCount)
	}
	return sb.String()
}

func getIntParam(params map[string]interface{}, key string, defaultValue int) int {
	if v, ok := params[key].(int); ok {
		return v
	}
	return defaultValue
}

func getBoolParam(params map[string]interface{}, key string, defaultValue bool) bool {
	if v, ok := params[key].(bool); ok {
		return v
	}
	return defaultValue
}

func getFloatParam(params map[string]interface{}, key string, defaultValue float32) float32 {
	switch v := params[key].(type) {
	case float32:
		return v
	case float64:
		return float32(v)
	}
	return defaultValue
}

// FloatParam reads a float parameter, tolerating JSON-decoded float64 values.
func (ls LayerSpec) FloatParam(key string, defaultValue float32) float32 {
	return getFloatParam(ls.Parameters, key, defaultValue)
}

// IntParam reads an int parameter, tolerating JSON-decoded float64 values.
func (ls LayerSpec) IntParam(key string, defaultValue int) int {
	if v, ok := ls.Parameters[key].(float64); ok {
		return int(v)
	}
	return getIntParam(ls.Parameters, key, defaultValue)
}
