package tensor

import (
	"errors"
	"math/rand"
	"testing"
)

func TestConvOutputSize(t *testing.T) {
	tests := []struct {
		in, kernel, stride, pad, expected int
	}{
		{128, 3, 1, 1, 128},
		{128, 3, 2, 1, 64},
		{8, 3, 2, 1, 4},
		{5, 3, 1, 0, 3},
	}
	for _, test := range tests {
		if got := ConvOutputSize(test.in, test.kernel, test.stride, test.pad); got != test.expected {
			t.Errorf("ConvOutputSize(%d, %d, %d, %d) = %d, expected %d",
				test.in, test.kernel, test.stride, test.pad, got, test.expected)
		}
	}
}

// naiveConv is a direct reference implementation.
func naiveConv(x, w, b []float32, n, c, h, wd, f, k, stride, pad int) []float32 {
	oh := ConvOutputSize(h, k, stride, pad)
	ow := ConvOutputSize(wd, k, stride, pad)
	out := make([]float32, n*f*oh*ow)
	for ni := 0; ni < n; ni++ {
		for fi := 0; fi < f; fi++ {
			for oy := 0; oy < oh; oy++ {
				for ox := 0; ox < ow; ox++ {
					var s float32
					if b != nil {
						s = b[fi]
					}
					for ci := 0; ci < c; ci++ {
						for ky := 0; ky < k; ky++ {
							for kx := 0; kx < k; kx++ {
								iy := oy*stride - pad + ky
								ix := ox*stride - pad + kx
								if iy < 0 || iy >= h || ix < 0 || ix >= wd {
									continue
								}
								s += x[((ni*c+ci)*h+iy)*wd+ix] * w[((fi*c+ci)*k+ky)*k+kx]
							}
						}
					}
					out[((ni*f+fi)*oh+oy)*ow+ox] = s
				}
			}
		}
	}
	return out
}

func randomTensor(t *testing.T, rng *rand.Rand, shape []int) *Tensor {
	t.Helper()
	tensor, err := Uniform(shape, 1, rng, CPU)
	if err != nil {
		t.Fatalf("Uniform failed: %v", err)
	}
	return tensor
}

func TestConv2DForwardMatchesReference(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	cases := []struct {
		name        string
		stride, pad int
		withBias    bool
	}{
		{"stride1 pad1 bias", 1, 1, true},
		{"stride2 pad1", 2, 1, false},
		{"stride1 pad0 bias", 1, 0, true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			x := randomTensor(t, rng, []int{2, 3, 6, 6})
			w := randomTensor(t, rng, []int{4, 3, 3, 3})
			var b *Tensor
			var bData []float32
			if tc.withBias {
				b = randomTensor(t, rng, []int{4})
				bData = b.Data.([]float32)
			}

			out, err := Conv2DForward(x, w, b, tc.stride, tc.pad)
			if err != nil {
				t.Fatalf("Conv2DForward failed: %v", err)
			}
			expected := naiveConv(x.Data.([]float32), w.Data.([]float32), bData, 2, 3, 6, 6, 4, 3, tc.stride, tc.pad)
			got := out.Data.([]float32)
			if len(got) != len(expected) {
				t.Fatalf("output size %d, expected %d", len(got), len(expected))
			}
			for i := range got {
				if !approxEqual(got[i], expected[i], 1e-4) {
					t.Fatalf("output[%d] = %f, expected %f", i, got[i], expected[i])
				}
			}
		})
	}
}

func TestConv2DShapeErrors(t *testing.T) {
	x := mustTensor(t, []int{1, 2, 4, 4}, make([]float32, 32))
	w := mustTensor(t, []int{1, 3, 3, 3}, make([]float32, 27))
	if _, err := Conv2DForward(x, w, nil, 1, 1); !errors.Is(err, ErrShapeMismatch) {
		t.Errorf("expected ErrShapeMismatch for channel mismatch, got %v", err)
	}
}

// lossOf returns sum(out * r) for a fixed random r, a scalar whose
// gradient with respect to out is r.
func lossOf(out []float32, r []float32) float64 {
	var s float64
	for i := range out {
		s += float64(out[i]) * float64(r[i])
	}
	return s
}

func TestConv2DBackwardFiniteDifference(t *testing.T) {
	rng := rand.New(rand.NewSource(11))
	x := randomTensor(t, rng, []int{2, 2, 5, 5})
	w := randomTensor(t, rng, []int{3, 2, 3, 3})
	b := randomTensor(t, rng, []int{3})
	const stride, pad = 2, 1

	out, err := Conv2DForward(x, w, b, stride, pad)
	if err != nil {
		t.Fatalf("Conv2DForward failed: %v", err)
	}
	r := randomTensor(t, rng, out.Shape)

	grads, err := Conv2DBackward(x, w, r, stride, pad, true)
	if err != nil {
		t.Fatalf("Conv2DBackward failed: %v", err)
	}

	const eps = 1e-2
	numeric := func(data []float32, i int) float64 {
		orig := data[i]
		data[i] = orig + eps
		plus, _ := Conv2DForward(x, w, b, stride, pad)
		data[i] = orig - eps
		minus, _ := Conv2DForward(x, w, b, stride, pad)
		data[i] = orig
		return (lossOf(plus.Data.([]float32), r.Data.([]float32)) - lossOf(minus.Data.([]float32), r.Data.([]float32))) / (2 * eps)
	}

	check := func(name string, data []float32, analytic []float32) {
		for _, i := range []int{0, len(data) / 3, len(data) / 2, len(data) - 1} {
			num := numeric(data, i)
			if d := num - float64(analytic[i]); d > 1e-2 || d < -1e-2 {
				t.Errorf("%s grad[%d]: analytic %f, numeric %f", name, i, analytic[i], num)
			}
		}
	}

	check("input", x.Data.([]float32), grads.Input.Data.([]float32))
	check("weight", w.Data.([]float32), grads.Weight)
	check("bias", b.Data.([]float32), grads.Bias)
}

func TestConv2DBackwardSkipsInput(t *testing.T) {
	rng := rand.New(rand.NewSource(5))
	x := randomTensor(t, rng, []int{1, 1, 4, 4})
	w := randomTensor(t, rng, []int{1, 1, 3, 3})
	g := randomTensor(t, rng, []int{1, 1, 4, 4})

	grads, err := Conv2DBackward(x, w, g, 1, 1, false)
	if err != nil {
		t.Fatalf("Conv2DBackward failed: %v", err)
	}
	if grads.Input != nil {
		t.Error("expected no input gradient")
	}
	if len(grads.Weight) != 9 {
		t.Errorf("weight gradient has %d elements", len(grads.Weight))
	}
}
