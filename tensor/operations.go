package tensor

import (
	"fmt"
	"math"
)

func checkCompatibility(t1, t2 *Tensor) error {
	if t1.DType != t2.DType {
		return fmt.Errorf("tensors must have same dtype: %s vs %s", t1.DType, t2.DType)
	}
	if t1.Device != t2.Device {
		return fmt.Errorf("tensors must be on same device: %s vs %s", t1.Device, t2.Device)
	}
	if !SameShape(t1.Shape, t2.Shape) {
		return fmt.Errorf("%w: %v vs %v", ErrShapeMismatch, t1.Shape, t2.Shape)
	}
	return nil
}

func elementwise(name string, t1, t2 *Tensor, f32 func(a, b float32) float32, i32 func(a, b int32) int32) (*Tensor, error) {
	if err := checkCompatibility(t1, t2); err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}

	result, err := Zeros(t1.Shape, t1.DType, t1.Device)
	if err != nil {
		return nil, err
	}

	switch t1.DType {
	case Float32:
		data1 := t1.Data.([]float32)
		data2 := t2.Data.([]float32)
		out := result.Data.([]float32)
		for i := range out {
			out[i] = f32(data1[i], data2[i])
		}
	case Int32:
		data1 := t1.Data.([]int32)
		data2 := t2.Data.([]int32)
		out := result.Data.([]int32)
		for i := range out {
			out[i] = i32(data1[i], data2[i])
		}
	default:
		return nil, fmt.Errorf("unsupported dtype for %s: %s", name, t1.DType)
	}

	return result, nil
}

func Add(t1, t2 *Tensor) (*Tensor, error) {
	return elementwise("Add", t1, t2,
		func(a, b float32) float32 { return a + b },
		func(a, b int32) int32 { return a + b })
}

func Sub(t1, t2 *Tensor) (*Tensor, error) {
	return elementwise("Sub", t1, t2,
		func(a, b float32) float32 { return a - b },
		func(a, b int32) int32 { return a - b })
}

func Mul(t1, t2 *Tensor) (*Tensor, error) {
	return elementwise("Mul", t1, t2,
		func(a, b float32) float32 { return a * b },
		func(a, b int32) int32 { return a * b })
}

// AddScaled computes dst += alpha*src in place.
func AddScaled(dst, src *Tensor, alpha float32) error {
	if err := checkCompatibility(dst, src); err != nil {
		return fmt.Errorf("AddScaled: %w", err)
	}
	d, err := dst.GetFloat32Data()
	if err != nil {
		return err
	}
	s := src.Data.([]float32)
	for i := range d {
		d[i] += alpha * s[i]
	}
	return nil
}

// Sum returns the sum of all Float32 elements in float64 precision.
func Sum(t *Tensor) (float64, error) {
	data, err := t.GetFloat32Data()
	if err != nil {
		return 0, err
	}
	var total float64
	for _, v := range data {
		total += float64(v)
	}
	return total, nil
}

func Sigmoid(t *Tensor) (*Tensor, error) {
	data, err := t.GetFloat32Data()
	if err != nil {
		return nil, err
	}
	out := make([]float32, len(data))
	for i, v := range data {
		out[i] = float32(1.0 / (1.0 + math.Exp(-float64(v))))
	}
	return NewTensor(t.Shape, Float32, t.Device, out)
}

// SigmoidBackward maps dL/dy to dL/dx given the sigmoid output y.
func SigmoidBackward(output, gradOut *Tensor) (*Tensor, error) {
	if err := checkCompatibility(output, gradOut); err != nil {
		return nil, fmt.Errorf("SigmoidBackward: %w", err)
	}
	y := output.Data.([]float32)
	g := gradOut.Data.([]float32)
	out := make([]float32, len(y))
	for i := range y {
		out[i] = g[i] * y[i] * (1 - y[i])
	}
	return NewTensor(output.Shape, Float32, output.Device, out)
}

func LeakyReLU(t *Tensor, slope float32) (*Tensor, error) {
	data, err := t.GetFloat32Data()
	if err != nil {
		return nil, err
	}
	out := make([]float32, len(data))
	for i, v := range data {
		if v > 0 {
			out[i] = v
		} else {
			out[i] = v * slope
		}
	}
	return NewTensor(t.Shape, Float32, t.Device, out)
}

// LeakyReLUBackward maps dL/dy to dL/dx given the layer input.
func LeakyReLUBackward(input, gradOut *Tensor, slope float32) (*Tensor, error) {
	if err := checkCompatibility(input, gradOut); err != nil {
		return nil, fmt.Errorf("LeakyReLUBackward: %w", err)
	}
	x := input.Data.([]float32)
	g := gradOut.Data.([]float32)
	out := make([]float32, len(x))
	for i := range x {
		if x[i] > 0 {
			out[i] = g[i]
		} else {
			out[i] = g[i] * slope
		}
	}
	return NewTensor(input.Shape, Float32, input.Device, out)
}
