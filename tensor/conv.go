package tensor

import (
	"fmt"
)

// ConvOutputSize returns the spatial output size of a square-kernel convolution.
func ConvOutputSize(in, kernel, stride, padding int) int {
	return (in+2*padding-kernel)/stride + 1
}

type convGeometry struct {
	batch, channels, height, width int
	filters, kernel, stride, pad   int
	outH, outW                     int
}

func (g convGeometry) colRows() int { return g.channels * g.kernel * g.kernel }
func (g convGeometry) colCols() int { return g.outH * g.outW }

func newConvGeometry(input, weight *Tensor, stride, padding int) (convGeometry, error) {
	if len(input.Shape) != 4 {
		return convGeometry{}, fmt.Errorf("%w: conv2d expects [N, C, H, W] input, got %v", ErrShapeMismatch, input.Shape)
	}
	if len(weight.Shape) != 4 || weight.Shape[2] != weight.Shape[3] {
		return convGeometry{}, fmt.Errorf("%w: conv2d expects square [F, C, K, K] weight, got %v", ErrShapeMismatch, weight.Shape)
	}
	if weight.Shape[1] != input.Shape[1] {
		return convGeometry{}, fmt.Errorf("%w: weight expects %d input channels, input has %d", ErrShapeMismatch, weight.Shape[1], input.Shape[1])
	}
	if stride <= 0 || padding < 0 {
		return convGeometry{}, fmt.Errorf("invalid stride %d or padding %d", stride, padding)
	}
	g := convGeometry{
		batch:    input.Shape[0],
		channels: input.Shape[1],
		height:   input.Shape[2],
		width:    input.Shape[3],
		filters:  weight.Shape[0],
		kernel:   weight.Shape[2],
		stride:   stride,
		pad:      padding,
	}
	g.outH = ConvOutputSize(g.height, g.kernel, stride, padding)
	g.outW = ConvOutputSize(g.width, g.kernel, stride, padding)
	if g.outH <= 0 || g.outW <= 0 {
		return convGeometry{}, fmt.Errorf("%w: kernel %d does not fit input %dx%d", ErrShapeMismatch, g.kernel, g.height, g.width)
	}
	return g, nil
}

// im2col lays out every receptive field of one sample as a column.
// Row r = (c*K + ky)*K + kx matches the flattened [F, C, K, K] weight.
func im2col(src []float32, g convGeometry, cols []float32) {
	k := g.kernel
	plane := g.outH * g.outW
	for c := 0; c < g.channels; c++ {
		for ky := 0; ky < k; ky++ {
			for kx := 0; kx < k; kx++ {
				base := ((c*k+ky)*k + kx) * plane
				for oy := 0; oy < g.outH; oy++ {
					iy := oy*g.stride - g.pad + ky
					row := cols[base+oy*g.outW : base+(oy+1)*g.outW]
					if iy < 0 || iy >= g.height {
						for i := range row {
							row[i] = 0
						}
						continue
					}
					srcRow := src[(c*g.height+iy)*g.width:]
					for ox := range row {
						ix := ox*g.stride - g.pad + kx
						if ix < 0 || ix >= g.width {
							row[ox] = 0
						} else {
							row[ox] = srcRow[ix]
						}
					}
				}
			}
		}
	}
}

// col2im scatters column gradients back onto the sample, accumulating overlaps.
func col2im(cols []float32, g convGeometry, dst []float32) {
	k := g.kernel
	plane := g.outH * g.outW
	for c := 0; c < g.channels; c++ {
		for ky := 0; ky < k; ky++ {
			for kx := 0; kx < k; kx++ {
				base := ((c*k+ky)*k + kx) * plane
				for oy := 0; oy < g.outH; oy++ {
					iy := oy*g.stride - g.pad + ky
					if iy < 0 || iy >= g.height {
						continue
					}
					dstRow := dst[(c*g.height+iy)*g.width:]
					for ox := 0; ox < g.outW; ox++ {
						ix := ox*g.stride - g.pad + kx
						if ix >= 0 && ix < g.width {
							dstRow[ix] += cols[base+oy*g.outW+ox]
						}
					}
				}
			}
		}
	}
}

// Conv2DForward convolves input [N, C, H, W] with weight [F, C, K, K] and an
// optional bias [F], producing [N, F, OH, OW].
func Conv2DForward(input, weight, bias *Tensor, stride, padding int) (*Tensor, error) {
	g, err := newConvGeometry(input, weight, stride, padding)
	if err != nil {
		return nil, err
	}
	x, err := input.GetFloat32Data()
	if err != nil {
		return nil, err
	}
	w, err := weight.GetFloat32Data()
	if err != nil {
		return nil, err
	}
	var b []float32
	if bias != nil {
		if bias.NumElems != g.filters {
			return nil, fmt.Errorf("%w: bias has %d elements for %d filters", ErrShapeMismatch, bias.NumElems, g.filters)
		}
		b = bias.Data.([]float32)
	}

	rows, plane := g.colRows(), g.colCols()
	cols := make([]float32, rows*plane)
	out := make([]float32, g.batch*g.filters*plane)
	inSize := g.channels * g.height * g.width
	outSize := g.filters * plane

	for n := 0; n < g.batch; n++ {
		im2col(x[n*inSize:(n+1)*inSize], g, cols)
		dst := out[n*outSize : (n+1)*outSize]
		if b != nil {
			for f := 0; f < g.filters; f++ {
				fill := dst[f*plane : (f+1)*plane]
				for i := range fill {
					fill[i] = b[f]
				}
			}
		}
		beta := float32(0)
		if b != nil {
			beta = 1
		}
		gemm(false, false, g.filters, rows, w, rows, plane, cols, 1, beta, dst)
	}

	return NewTensor([]int{g.batch, g.filters, g.outH, g.outW}, Float32, input.Device, out)
}

// Conv2DGrads holds the gradients produced by Conv2DBackward.
type Conv2DGrads struct {
	Input  *Tensor
	Weight []float32
	Bias   []float32
}

// Conv2DBackward computes gradients of a convolution with respect to its
// input, weight and bias given dL/dout. The input gradient is skipped when
// needInput is false.
func Conv2DBackward(input, weight, gradOut *Tensor, stride, padding int, needInput bool) (*Conv2DGrads, error) {
	g, err := newConvGeometry(input, weight, stride, padding)
	if err != nil {
		return nil, err
	}
	want := []int{g.batch, g.filters, g.outH, g.outW}
	if !SameShape(gradOut.Shape, want) {
		return nil, fmt.Errorf("%w: conv2d output gradient %v, expected %v", ErrShapeMismatch, gradOut.Shape, want)
	}
	x := input.Data.([]float32)
	w := weight.Data.([]float32)
	gy, err := gradOut.GetFloat32Data()
	if err != nil {
		return nil, err
	}

	rows, plane := g.colRows(), g.colCols()
	cols := make([]float32, rows*plane)
	inSize := g.channels * g.height * g.width
	outSize := g.filters * plane

	grads := &Conv2DGrads{
		Weight: make([]float32, g.filters*rows),
		Bias:   make([]float32, g.filters),
	}
	var gx, gcols []float32
	if needInput {
		gx = make([]float32, g.batch*inSize)
		gcols = make([]float32, rows*plane)
	}

	for n := 0; n < g.batch; n++ {
		gyn := gy[n*outSize : (n+1)*outSize]
		for f := 0; f < g.filters; f++ {
			var s float32
			for _, v := range gyn[f*plane : (f+1)*plane] {
				s += v
			}
			grads.Bias[f] += s
		}

		im2col(x[n*inSize:(n+1)*inSize], g, cols)
		// dW += dY_n · cols^T
		gemm(false, true, g.filters, plane, gyn, rows, plane, cols, 1, 1, grads.Weight)

		if needInput {
			// dcols = W^T · dY_n
			gemm(true, false, g.filters, rows, w, g.filters, plane, gyn, 1, 0, gcols)
			col2im(gcols, g, gx[n*inSize:(n+1)*inSize])
		}
	}

	if needInput {
		grads.Input, err = NewTensor(input.Shape, Float32, input.Device, gx)
		if err != nil {
			return nil, err
		}
	}
	return grads, nil
}
