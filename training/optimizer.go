package training

import (
	"fmt"
	"math"
	"sync"

	"github.com/tsawler/go-lesionseg/tensor"
)

// Optimizer interface defines the methods that all optimizers must implement
type Optimizer interface {
	Step() error      // Updates model parameters based on gradients
	ZeroGrad()        // Resets gradients to zero for all parameters
	GetLR() float64   // Gets current learning rate
	SetLR(lr float64) // Sets learning rate
	Snapshot() OptimizerSnapshot
	Restore(snapshot OptimizerSnapshot) error
}

// OptimizerBuffer is one per-parameter state buffer, addressed by the
// parameter's position in the optimizer's parameter list.
type OptimizerBuffer struct {
	Param int
	Kind  string
	Data  []float32
}

// OptimizerSnapshot captures everything needed to resume an optimizer.
type OptimizerSnapshot struct {
	Type            string
	Step            int64
	Hyperparameters map[string]float64
	Buffers         []OptimizerBuffer
}

func copyBuffer(dst []float32, b OptimizerBuffer, paramCount int) error {
	if b.Param < 0 || b.Param >= paramCount {
		return fmt.Errorf("buffer %q refers to parameter %d of %d", b.Kind, b.Param, paramCount)
	}
	if len(b.Data) != len(dst) {
		return fmt.Errorf("%w: buffer %q for parameter %d has %d elements, expected %d",
			tensor.ErrShapeMismatch, b.Kind, b.Param, len(b.Data), len(dst))
	}
	copy(dst, b.Data)
	return nil
}

// SGD implements Stochastic Gradient Descent optimizer
type SGD struct {
	parameters   []*tensor.Tensor
	learningRate float64
	momentum     float64
	weightDecay  float64
	dampening    float64
	nesterov     bool
	velocities   [][]float32
	mutex        sync.RWMutex
}

// NewSGD creates a new SGD optimizer
func NewSGD(parameters []*tensor.Tensor, lr, momentum, weightDecay, dampening float64, nesterov bool) *SGD {
	sgd := &SGD{
		parameters:   parameters,
		learningRate: lr,
		momentum:     momentum,
		weightDecay:  weightDecay,
		dampening:    dampening,
		nesterov:     nesterov,
		velocities:   make([][]float32, len(parameters)),
	}
	return sgd
}

// Step performs a single optimization step
func (sgd *SGD) Step() error {
	sgd.mutex.Lock()
	defer sgd.mutex.Unlock()

	for i, param := range sgd.parameters {
		if !param.RequiresGrad() || param.Grad() == nil {
			continue
		}
		w, err := param.GetFloat32Data()
		if err != nil {
			return fmt.Errorf("parameter %d: %w", i, err)
		}
		g := param.Grad().Data.([]float32)

		if sgd.momentum > 0 && sgd.velocities[i] == nil {
			sgd.velocities[i] = make([]float32, len(w))
		}
		vel := sgd.velocities[i]

		for j := range w {
			d := float64(g[j]) + sgd.weightDecay*float64(w[j])
			if sgd.momentum > 0 {
				v := sgd.momentum*float64(vel[j]) + (1-sgd.dampening)*d
				vel[j] = float32(v)
				if sgd.nesterov {
					d += sgd.momentum * v
				} else {
					d = v
				}
			}
			w[j] -= float32(sgd.learningRate * d)
		}
	}
	return nil
}

// ZeroGrad resets gradients to zero for all parameters
func (sgd *SGD) ZeroGrad() {
	tensor.ZeroGrad(sgd.parameters)
}

// GetLR returns the current learning rate
func (sgd *SGD) GetLR() float64 {
	sgd.mutex.RLock()
	defer sgd.mutex.RUnlock()
	return sgd.learningRate
}

// SetLR sets the learning rate
func (sgd *SGD) SetLR(lr float64) {
	sgd.mutex.Lock()
	defer sgd.mutex.Unlock()
	sgd.learningRate = lr
}

func (sgd *SGD) Snapshot() OptimizerSnapshot {
	sgd.mutex.RLock()
	defer sgd.mutex.RUnlock()

	snap := OptimizerSnapshot{
		Type: "SGD",
		Hyperparameters: map[string]float64{
			"lr":           sgd.learningRate,
			"momentum":     sgd.momentum,
			"weight_decay": sgd.weightDecay,
			"dampening":    sgd.dampening,
		},
	}
	for i, v := range sgd.velocities {
		if v != nil {
			snap.Buffers = append(snap.Buffers, OptimizerBuffer{Param: i, Kind: "velocity", Data: append([]float32(nil), v...)})
		}
	}
	return snap
}

func (sgd *SGD) Restore(snapshot OptimizerSnapshot) error {
	if snapshot.Type != "SGD" {
		return fmt.Errorf("cannot restore %s state into SGD", snapshot.Type)
	}
	sgd.mutex.Lock()
	defer sgd.mutex.Unlock()

	for _, b := range snapshot.Buffers {
		if b.Param < 0 || b.Param >= len(sgd.parameters) {
			return fmt.Errorf("buffer %q refers to parameter %d of %d", b.Kind, b.Param, len(sgd.parameters))
		}
		dst := make([]float32, sgd.parameters[b.Param].NumElems)
		if err := copyBuffer(dst, b, len(sgd.parameters)); err != nil {
			return err
		}
		sgd.velocities[b.Param] = dst
	}
	return nil
}

// Adam implements the Adam optimizer
type Adam struct {
	parameters  []*tensor.Tensor
	lr          float64
	beta1       float64
	beta2       float64
	eps         float64
	weightDecay float64
	step        int64
	m           [][]float32 // First moment estimates
	v           [][]float32 // Second moment estimates
	mutex       sync.RWMutex
}

// NewAdam creates a new Adam optimizer. Zero betas and eps take the usual
// defaults (0.9, 0.999, 1e-8).
func NewAdam(parameters []*tensor.Tensor, lr, beta1, beta2, eps, weightDecay float64) *Adam {
	if beta1 == 0 {
		beta1 = 0.9
	}
	if beta2 == 0 {
		beta2 = 0.999
	}
	if eps == 0 {
		eps = 1e-8
	}
	adam := &Adam{
		parameters:  parameters,
		lr:          lr,
		beta1:       beta1,
		beta2:       beta2,
		eps:         eps,
		weightDecay: weightDecay,
		m:           make([][]float32, len(parameters)),
		v:           make([][]float32, len(parameters)),
	}
	for i, param := range parameters {
		adam.m[i] = make([]float32, param.NumElems)
		adam.v[i] = make([]float32, param.NumElems)
	}
	return adam
}

// Step performs a single optimization step
func (adam *Adam) Step() error {
	adam.mutex.Lock()
	defer adam.mutex.Unlock()

	adam.step++

	// Bias correction factors
	bias1 := 1.0 - math.Pow(adam.beta1, float64(adam.step))
	bias2 := 1.0 - math.Pow(adam.beta2, float64(adam.step))

	for i, param := range adam.parameters {
		if !param.RequiresGrad() || param.Grad() == nil {
			continue
		}
		w, err := param.GetFloat32Data()
		if err != nil {
			return fmt.Errorf("parameter %d: %w", i, err)
		}
		g := param.Grad().Data.([]float32)
		m, v := adam.m[i], adam.v[i]

		for j := range w {
			grad := float64(g[j]) + adam.weightDecay*float64(w[j])
			mj := adam.beta1*float64(m[j]) + (1-adam.beta1)*grad
			vj := adam.beta2*float64(v[j]) + (1-adam.beta2)*grad*grad
			m[j], v[j] = float32(mj), float32(vj)

			mHat := mj / bias1
			vHat := vj / bias2
			w[j] -= float32(adam.lr * mHat / (math.Sqrt(vHat) + adam.eps))
		}
	}

	return nil
}

// ZeroGrad resets gradients to zero for all parameters
func (adam *Adam) ZeroGrad() {
	tensor.ZeroGrad(adam.parameters)
}

// GetLR returns the current learning rate
func (adam *Adam) GetLR() float64 {
	adam.mutex.RLock()
	defer adam.mutex.RUnlock()
	return adam.lr
}

// SetLR sets the learning rate
func (adam *Adam) SetLR(lr float64) {
	adam.mutex.Lock()
	defer adam.mutex.Unlock()
	adam.lr = lr
}

// Snapshot copies the moment estimates and step count.
func (adam *Adam) Snapshot() OptimizerSnapshot {
	adam.mutex.RLock()
	defer adam.mutex.RUnlock()

	snap := OptimizerSnapshot{
		Type: "Adam",
		Step: adam.step,
		Hyperparameters: map[string]float64{
			"lr":           adam.lr,
			"beta1":        adam.beta1,
			"beta2":        adam.beta2,
			"eps":          adam.eps,
			"weight_decay": adam.weightDecay,
		},
	}
	for i := range adam.parameters {
		snap.Buffers = append(snap.Buffers,
			OptimizerBuffer{Param: i, Kind: "m", Data: append([]float32(nil), adam.m[i]...)},
			OptimizerBuffer{Param: i, Kind: "v", Data: append([]float32(nil), adam.v[i]...)})
	}
	return snap
}

// Restore loads moment estimates and the step count from a snapshot.
func (adam *Adam) Restore(snapshot OptimizerSnapshot) error {
	if snapshot.Type != "Adam" {
		return fmt.Errorf("cannot restore %s state into Adam", snapshot.Type)
	}
	adam.mutex.Lock()
	defer adam.mutex.Unlock()

	for _, b := range snapshot.Buffers {
		var dst [][]float32
		switch b.Kind {
		case "m":
			dst = adam.m
		case "v":
			dst = adam.v
		default:
			return fmt.Errorf("unknown Adam buffer %q", b.Kind)
		}
		if b.Param < 0 || b.Param >= len(dst) {
			return fmt.Errorf("buffer %q refers to parameter %d of %d", b.Kind, b.Param, len(dst))
		}
		if err := copyBuffer(dst[b.Param], b, len(adam.parameters)); err != nil {
			return err
		}
	}
	adam.step = snapshot.Step
	return nil
}
