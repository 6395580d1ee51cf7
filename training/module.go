package training

import (
	"fmt"
	"math"
	"math/rand"

	"github.com/tsawler/go-lesionseg/tensor"
)

// NewRNG returns a seeded random source for weight initialisation and dropout.
func NewRNG(seed int64) *rand.Rand {
	return rand.New(rand.NewSource(seed))
}

// Module interface defines methods that all neural network layers must implement
type Module interface {
	Forward(input *tensor.Tensor) (*tensor.Tensor, error)
	// Backward maps dL/d(output) of the most recent Forward to dL/d(input),
	// accumulating gradients into parameters that require them.
	Backward(gradOutput *tensor.Tensor) (*tensor.Tensor, error)
	Parameters() []*tensor.Tensor
	Train()
	Eval()
	IsTraining() bool
}

// NamedTensor is a parameter or buffer with its serialisation name.
type NamedTensor struct {
	Name   string
	Tensor *tensor.Tensor
}

// Stateful is implemented by modules that own parameters or buffers.
type Stateful interface {
	State() []NamedTensor
}

// StateOf returns the named state of a module, or nil if it has none.
func StateOf(m Module) []NamedTensor {
	if s, ok := m.(Stateful); ok {
		return s.State()
	}
	return nil
}

func newParameter(shape []int, data []float32, device tensor.DeviceType) (*tensor.Tensor, error) {
	p, err := tensor.NewTensor(shape, tensor.Float32, device, data)
	if err != nil {
		return nil, err
	}
	p.SetRequiresGrad(true)
	return p, nil
}

func requireForward(name string, cached *tensor.Tensor) error {
	if cached == nil {
		return fmt.Errorf("%s: Backward called before Forward", name)
	}
	return nil
}

// Conv2D implements a 2D convolution layer
type Conv2D struct {
	weight   *tensor.Tensor
	bias     *tensor.Tensor
	stride   int
	padding  int
	training bool
	input    *tensor.Tensor
}

// NewConv2D creates a Conv2D layer with Xavier-uniform weights and zero bias.
func NewConv2D(inputChannels, outputChannels, kernelSize, stride, padding int, bias bool, rng *rand.Rand, device tensor.DeviceType) (*Conv2D, error) {
	fanIn := float64(inputChannels * kernelSize * kernelSize)
	fanOut := float64(outputChannels * kernelSize * kernelSize)
	bound := math.Sqrt(6.0 / (fanIn + fanOut))

	weight, err := tensor.Uniform([]int{outputChannels, inputChannels, kernelSize, kernelSize}, bound, rng, device)
	if err != nil {
		return nil, fmt.Errorf("failed to create weight tensor: %w", err)
	}
	weight.SetRequiresGrad(true)

	conv := &Conv2D{
		weight:   weight,
		stride:   stride,
		padding:  padding,
		training: true,
	}

	if bias {
		conv.bias, err = newParameter([]int{outputChannels}, make([]float32, outputChannels), device)
		if err != nil {
			return nil, fmt.Errorf("failed to create bias tensor: %w", err)
		}
	}

	return conv, nil
}

// Forward performs 2D convolution
func (c *Conv2D) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	if len(input.Shape) != 4 {
		return nil, fmt.Errorf("%w: Conv2D expects 4D input [batch_size, channels, height, width], got shape %v", tensor.ErrShapeMismatch, input.Shape)
	}
	out, err := tensor.Conv2DForward(input, c.weight, c.bias, c.stride, c.padding)
	if err != nil {
		return nil, err
	}
	c.input = input
	return out, nil
}

// Backward skips parameter gradients for frozen weights.
func (c *Conv2D) Backward(gradOutput *tensor.Tensor) (*tensor.Tensor, error) {
	if err := requireForward("Conv2D", c.input); err != nil {
		return nil, err
	}
	grads, err := tensor.Conv2DBackward(c.input, c.weight, gradOutput, c.stride, c.padding, true)
	if err != nil {
		return nil, err
	}
	if c.weight.RequiresGrad() {
		if err := c.weight.AccumulateGrad(grads.Weight); err != nil {
			return nil, err
		}
	}
	if c.bias != nil && c.bias.RequiresGrad() {
		if err := c.bias.AccumulateGrad(grads.Bias); err != nil {
			return nil, err
		}
	}
	return grads.Input, nil
}

// Parameters returns the trainable parameters
func (c *Conv2D) Parameters() []*tensor.Tensor {
	params := []*tensor.Tensor{c.weight}
	if c.bias != nil {
		params = append(params, c.bias)
	}
	return params
}

func (c *Conv2D) State() []NamedTensor {
	state := []NamedTensor{{Name: "weight", Tensor: c.weight}}
	if c.bias != nil {
		state = append(state, NamedTensor{Name: "bias", Tensor: c.bias})
	}
	return state
}

func (c *Conv2D) Train()           { c.training = true }
func (c *Conv2D) Eval()            { c.training = false }
func (c *Conv2D) IsTraining() bool { return c.training }

// BatchNorm2D normalises each channel of an [N, C, H, W] input. Training mode
// uses batch statistics and updates the running estimates; eval mode uses
// the running estimates.
type BatchNorm2D struct {
	numFeatures int
	eps         float64
	momentum    float64
	gamma       *tensor.Tensor
	beta        *tensor.Tensor
	runningMean *tensor.Tensor
	runningVar  *tensor.Tensor
	training    bool

	xhat   []float32
	invStd []float32
	shape  []int
}

// NewBatchNorm2D creates a new Batch Normalization layer
func NewBatchNorm2D(numFeatures int, eps, momentum float64, device tensor.DeviceType) (*BatchNorm2D, error) {
	if eps <= 0 {
		eps = 1e-5
	}
	if momentum <= 0 {
		momentum = 0.1
	}

	ones := make([]float32, numFeatures)
	for i := range ones {
		ones[i] = 1
	}
	gamma, err := newParameter([]int{numFeatures}, ones, device)
	if err != nil {
		return nil, fmt.Errorf("failed to create gamma tensor: %w", err)
	}
	beta, err := newParameter([]int{numFeatures}, make([]float32, numFeatures), device)
	if err != nil {
		return nil, fmt.Errorf("failed to create beta tensor: %w", err)
	}
	runningMean, err := tensor.Zeros([]int{numFeatures}, tensor.Float32, device)
	if err != nil {
		return nil, fmt.Errorf("failed to create running mean tensor: %w", err)
	}
	runningVar, err := tensor.Ones([]int{numFeatures}, tensor.Float32, device)
	if err != nil {
		return nil, fmt.Errorf("failed to create running variance tensor: %w", err)
	}

	return &BatchNorm2D{
		numFeatures: numFeatures,
		eps:         eps,
		momentum:    momentum,
		gamma:       gamma,
		beta:        beta,
		runningMean: runningMean,
		runningVar:  runningVar,
		training:    true,
	}, nil
}

// Forward performs batch normalization
func (bn *BatchNorm2D) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	if len(input.Shape) != 4 || input.Shape[1] != bn.numFeatures {
		return nil, fmt.Errorf("%w: BatchNorm2D expects [N, %d, H, W], got %v", tensor.ErrShapeMismatch, bn.numFeatures, input.Shape)
	}
	x, err := input.GetFloat32Data()
	if err != nil {
		return nil, err
	}

	n, c := input.Shape[0], input.Shape[1]
	plane := input.Shape[2] * input.Shape[3]
	count := n * plane
	gamma := bn.gamma.Data.([]float32)
	beta := bn.beta.Data.([]float32)
	runMean := bn.runningMean.Data.([]float32)
	runVar := bn.runningVar.Data.([]float32)

	out := make([]float32, len(x))
	xhat := make([]float32, len(x))
	invStd := make([]float32, c)

	for ch := 0; ch < c; ch++ {
		var mean, variance float64
		if bn.training {
			for b := 0; b < n; b++ {
				base := (b*c + ch) * plane
				for _, v := range x[base : base+plane] {
					mean += float64(v)
				}
			}
			mean /= float64(count)
			for b := 0; b < n; b++ {
				base := (b*c + ch) * plane
				for _, v := range x[base : base+plane] {
					d := float64(v) - mean
					variance += d * d
				}
			}
			variance /= float64(count)

			// Running variance tracks the unbiased estimate.
			unbiased := variance
			if count > 1 {
				unbiased = variance * float64(count) / float64(count-1)
			}
			runMean[ch] = float32((1-bn.momentum)*float64(runMean[ch]) + bn.momentum*mean)
			runVar[ch] = float32((1-bn.momentum)*float64(runVar[ch]) + bn.momentum*unbiased)
		} else {
			mean = float64(runMean[ch])
			variance = float64(runVar[ch])
		}

		inv := 1 / math.Sqrt(variance+bn.eps)
		invStd[ch] = float32(inv)
		for b := 0; b < n; b++ {
			base := (b*c + ch) * plane
			for i := base; i < base+plane; i++ {
				h := float32((float64(x[i]) - mean) * inv)
				xhat[i] = h
				out[i] = gamma[ch]*h + beta[ch]
			}
		}
	}

	bn.xhat = xhat
	bn.invStd = invStd
	bn.shape = append(bn.shape[:0], input.Shape...)
	return tensor.NewTensor(input.Shape, tensor.Float32, input.Device, out)
}

// Backward differentiates through the batch statistics in training mode and
// treats the running statistics as constants in eval mode.
func (bn *BatchNorm2D) Backward(gradOutput *tensor.Tensor) (*tensor.Tensor, error) {
	if bn.xhat == nil {
		return nil, fmt.Errorf("BatchNorm2D: Backward called before Forward")
	}
	if !tensor.SameShape(gradOutput.Shape, bn.shape) {
		return nil, fmt.Errorf("%w: BatchNorm2D gradient %v, expected %v", tensor.ErrShapeMismatch, gradOutput.Shape, bn.shape)
	}
	gy, err := gradOutput.GetFloat32Data()
	if err != nil {
		return nil, err
	}

	n, c := bn.shape[0], bn.shape[1]
	plane := bn.shape[2] * bn.shape[3]
	count := float64(n * plane)
	gamma := bn.gamma.Data.([]float32)

	gx := make([]float32, len(gy))
	dGamma := make([]float32, c)
	dBeta := make([]float32, c)

	for ch := 0; ch < c; ch++ {
		var sumG, sumGX float64
		for b := 0; b < n; b++ {
			base := (b*c + ch) * plane
			for i := base; i < base+plane; i++ {
				sumG += float64(gy[i])
				sumGX += float64(gy[i]) * float64(bn.xhat[i])
			}
		}
		dBeta[ch] = float32(sumG)
		dGamma[ch] = float32(sumGX)

		scale := float64(gamma[ch]) * float64(bn.invStd[ch])
		for b := 0; b < n; b++ {
			base := (b*c + ch) * plane
			for i := base; i < base+plane; i++ {
				if bn.training {
					g := float64(gy[i]) - sumG/count - float64(bn.xhat[i])*sumGX/count
					gx[i] = float32(scale * g)
				} else {
					gx[i] = float32(scale * float64(gy[i]))
				}
			}
		}
	}

	if bn.gamma.RequiresGrad() {
		if err := bn.gamma.AccumulateGrad(dGamma); err != nil {
			return nil, err
		}
	}
	if bn.beta.RequiresGrad() {
		if err := bn.beta.AccumulateGrad(dBeta); err != nil {
			return nil, err
		}
	}
	return tensor.NewTensor(bn.shape, tensor.Float32, gradOutput.Device, gx)
}

// Parameters returns the trainable parameters
func (bn *BatchNorm2D) Parameters() []*tensor.Tensor {
	return []*tensor.Tensor{bn.gamma, bn.beta}
}

// State includes the running statistics alongside gamma and beta.
func (bn *BatchNorm2D) State() []NamedTensor {
	return []NamedTensor{
		{Name: "weight", Tensor: bn.gamma},
		{Name: "bias", Tensor: bn.beta},
		{Name: "running_mean", Tensor: bn.runningMean},
		{Name: "running_var", Tensor: bn.runningVar},
	}
}

func (bn *BatchNorm2D) Train()           { bn.training = true }
func (bn *BatchNorm2D) Eval()            { bn.training = false }
func (bn *BatchNorm2D) IsTraining() bool { return bn.training }

// LeakyReLU implements max(x, slope*x)
type LeakyReLU struct {
	slope    float32
	training bool
	input    *tensor.Tensor
}

// NewLeakyReLU creates a LeakyReLU module; slope 0 means the usual 0.01.
func NewLeakyReLU(slope float32) *LeakyReLU {
	if slope == 0 {
		slope = 0.01
	}
	return &LeakyReLU{slope: slope, training: true}
}

func (l *LeakyReLU) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	l.input = input
	return tensor.LeakyReLU(input, l.slope)
}

func (l *LeakyReLU) Backward(gradOutput *tensor.Tensor) (*tensor.Tensor, error) {
	if err := requireForward("LeakyReLU", l.input); err != nil {
		return nil, err
	}
	return tensor.LeakyReLUBackward(l.input, gradOutput, l.slope)
}

func (l *LeakyReLU) Parameters() []*tensor.Tensor { return nil }
func (l *LeakyReLU) Train()                       { l.training = true }
func (l *LeakyReLU) Eval()                        { l.training = false }
func (l *LeakyReLU) IsTraining() bool             { return l.training }

// Sigmoid squashes its input into (0, 1)
type Sigmoid struct {
	training bool
	output   *tensor.Tensor
}

func NewSigmoid() *Sigmoid {
	return &Sigmoid{training: true}
}

func (s *Sigmoid) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	out, err := tensor.Sigmoid(input)
	if err != nil {
		return nil, err
	}
	s.output = out
	return out, nil
}

func (s *Sigmoid) Backward(gradOutput *tensor.Tensor) (*tensor.Tensor, error) {
	if err := requireForward("Sigmoid", s.output); err != nil {
		return nil, err
	}
	return tensor.SigmoidBackward(s.output, gradOutput)
}

func (s *Sigmoid) Parameters() []*tensor.Tensor { return nil }
func (s *Sigmoid) Train()                       { s.training = true }
func (s *Sigmoid) Eval()                        { s.training = false }
func (s *Sigmoid) IsTraining() bool             { return s.training }

// Upsample performs bilinear interpolation with aligned corners by an
// integer scale factor.
type Upsample struct {
	scale      int
	training   bool
	inputShape []int
}

func NewUpsample(scale int) *Upsample {
	return &Upsample{scale: scale, training: true}
}

func (u *Upsample) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	out, err := tensor.UpsampleBilinear(input, u.scale)
	if err != nil {
		return nil, err
	}
	u.inputShape = append(u.inputShape[:0], input.Shape...)
	return out, nil
}

func (u *Upsample) Backward(gradOutput *tensor.Tensor) (*tensor.Tensor, error) {
	if u.inputShape == nil {
		return nil, fmt.Errorf("Upsample: Backward called before Forward")
	}
	return tensor.UpsampleBilinearBackward(gradOutput, u.inputShape, u.scale)
}

func (u *Upsample) Parameters() []*tensor.Tensor { return nil }
func (u *Upsample) Train()                       { u.training = true }
func (u *Upsample) Eval()                        { u.training = false }
func (u *Upsample) IsTraining() bool             { return u.training }

// Dropout zeroes elements with probability rate in training mode and
// rescales the survivors by 1/(1-rate). It is the identity in eval mode.
type Dropout struct {
	rate     float32
	rng      *rand.Rand
	training bool
	mask     []float32
}

func NewDropout(rate float32, rng *rand.Rand) (*Dropout, error) {
	if rate < 0 || rate >= 1 {
		return nil, fmt.Errorf("dropout rate must be in [0, 1), got %g", rate)
	}
	if rng == nil {
		return nil, fmt.Errorf("dropout requires a random source")
	}
	return &Dropout{rate: rate, rng: rng, training: true}, nil
}

func (d *Dropout) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	x, err := input.GetFloat32Data()
	if err != nil {
		return nil, err
	}
	if !d.training || d.rate == 0 {
		d.mask = nil
		return input, nil
	}
	keep := 1 / (1 - d.rate)
	mask := make([]float32, len(x))
	out := make([]float32, len(x))
	for i, v := range x {
		if d.rng.Float32() >= d.rate {
			mask[i] = keep
			out[i] = v * keep
		}
	}
	d.mask = mask
	return tensor.NewTensor(input.Shape, tensor.Float32, input.Device, out)
}

func (d *Dropout) Backward(gradOutput *tensor.Tensor) (*tensor.Tensor, error) {
	if d.mask == nil {
		return gradOutput, nil
	}
	g, err := gradOutput.GetFloat32Data()
	if err != nil {
		return nil, err
	}
	if len(g) != len(d.mask) {
		return nil, fmt.Errorf("%w: dropout gradient has %d elements, mask %d", tensor.ErrShapeMismatch, len(g), len(d.mask))
	}
	out := make([]float32, len(g))
	for i := range g {
		out[i] = g[i] * d.mask[i]
	}
	return tensor.NewTensor(gradOutput.Shape, tensor.Float32, gradOutput.Device, out)
}

func (d *Dropout) Parameters() []*tensor.Tensor { return nil }
func (d *Dropout) Train()                       { d.training = true }
func (d *Dropout) Eval()                        { d.training = false }
func (d *Dropout) IsTraining() bool             { return d.training }

// Sequential allows chaining multiple modules together
type Sequential struct {
	modules  []Module
	names    []string
	training bool
}

// NewSequential creates a container whose modules are named by position.
func NewSequential(modules ...Module) *Sequential {
	s := &Sequential{training: true}
	for _, m := range modules {
		s.Add(m)
	}
	return s
}

// Add appends a module named by its position.
func (s *Sequential) Add(module Module) {
	s.AddNamed(fmt.Sprintf("%d", len(s.modules)), module)
}

// AddNamed appends a module under an explicit name used as a state prefix.
func (s *Sequential) AddNamed(name string, module Module) {
	s.modules = append(s.modules, module)
	s.names = append(s.names, name)
}

// Len returns the number of modules.
func (s *Sequential) Len() int { return len(s.modules) }

// Forward passes input through all modules in sequence
func (s *Sequential) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	output := input
	var err error
	for i, module := range s.modules {
		output, err = module.Forward(output)
		if err != nil {
			return nil, fmt.Errorf("module %s forward failed: %w", s.names[i], err)
		}
	}
	return output, nil
}

// Backward runs the modules in reverse order.
func (s *Sequential) Backward(gradOutput *tensor.Tensor) (*tensor.Tensor, error) {
	grad := gradOutput
	var err error
	for i := len(s.modules) - 1; i >= 0; i-- {
		grad, err = s.modules[i].Backward(grad)
		if err != nil {
			return nil, fmt.Errorf("module %s backward failed: %w", s.names[i], err)
		}
	}
	return grad, nil
}

// Parameters returns all parameters from all modules
func (s *Sequential) Parameters() []*tensor.Tensor {
	var allParams []*tensor.Tensor
	for _, module := range s.modules {
		allParams = append(allParams, module.Parameters()...)
	}
	return allParams
}

// State returns the named state of every child, prefixed with its name.
func (s *Sequential) State() []NamedTensor {
	var state []NamedTensor
	for i, module := range s.modules {
		for _, nt := range StateOf(module) {
			state = append(state, NamedTensor{Name: s.names[i] + "." + nt.Name, Tensor: nt.Tensor})
		}
	}
	return state
}

// Train sets all modules to training mode
func (s *Sequential) Train() {
	s.training = true
	for _, module := range s.modules {
		module.Train()
	}
}

// Eval sets all modules to evaluation mode
func (s *Sequential) Eval() {
	s.training = false
	for _, module := range s.modules {
		module.Eval()
	}
}

func (s *Sequential) IsTraining() bool {
	return s.training
}

// SetRequiresGrad freezes or unfreezes every parameter of a module.
func SetRequiresGrad(m Module, requires bool) {
	for _, p := range m.Parameters() {
		p.SetRequiresGrad(requires)
	}
}

// CountParameters returns the number of trainable and frozen scalars.
func CountParameters(params []*tensor.Tensor) (trainable, frozen int64) {
	for _, p := range params {
		if p.RequiresGrad() {
			trainable += int64(p.NumElems)
		} else {
			frozen += int64(p.NumElems)
		}
	}
	return trainable, frozen
}
