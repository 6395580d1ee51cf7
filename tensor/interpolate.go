package tensor

import (
	"fmt"
)

// alignedAxis maps each output coordinate to its two source neighbours and
// the weight of the upper one, with corner pixels of input and output aligned.
func alignedAxis(in, out int) (lo, hi []int, frac []float32) {
	lo = make([]int, out)
	hi = make([]int, out)
	frac = make([]float32, out)
	if out == 1 || in == 1 {
		return lo, hi, frac
	}
	scale := float64(in-1) / float64(out-1)
	for i := 0; i < out; i++ {
		src := float64(i) * scale
		l := int(src)
		if l > in-1 {
			l = in - 1
		}
		h := l + 1
		if h > in-1 {
			h = in - 1
		}
		lo[i] = l
		hi[i] = h
		frac[i] = float32(src - float64(l))
	}
	return lo, hi, frac
}

func upsampleShape(shape []int, scale int) ([]int, error) {
	if len(shape) != 4 {
		return nil, fmt.Errorf("%w: bilinear upsampling expects [N, C, H, W], got %v", ErrShapeMismatch, shape)
	}
	if scale < 1 {
		return nil, fmt.Errorf("invalid upsampling scale %d", scale)
	}
	return []int{shape[0], shape[1], shape[2] * scale, shape[3] * scale}, nil
}

// UpsampleBilinear enlarges the spatial dims of [N, C, H, W] by an integer
// factor using bilinear interpolation with aligned corners.
func UpsampleBilinear(input *Tensor, scale int) (*Tensor, error) {
	outShape, err := upsampleShape(input.Shape, scale)
	if err != nil {
		return nil, err
	}
	x, err := input.GetFloat32Data()
	if err != nil {
		return nil, err
	}
	h, w := input.Shape[2], input.Shape[3]
	oh, ow := outShape[2], outShape[3]
	y0, y1, fy := alignedAxis(h, oh)
	x0, x1, fx := alignedAxis(w, ow)

	planes := input.Shape[0] * input.Shape[1]
	out := make([]float32, planes*oh*ow)
	for p := 0; p < planes; p++ {
		src := x[p*h*w : (p+1)*h*w]
		dst := out[p*oh*ow : (p+1)*oh*ow]
		for oy := 0; oy < oh; oy++ {
			top := src[y0[oy]*w:]
			bottom := src[y1[oy]*w:]
			wy := fy[oy]
			for ox := 0; ox < ow; ox++ {
				wx := fx[ox]
				t := top[x0[ox]]*(1-wx) + top[x1[ox]]*wx
				b := bottom[x0[ox]]*(1-wx) + bottom[x1[ox]]*wx
				dst[oy*ow+ox] = t*(1-wy) + b*wy
			}
		}
	}
	return NewTensor(outShape, Float32, input.Device, out)
}

// UpsampleBilinearBackward routes dL/dout of UpsampleBilinear back to an
// input of shape inputShape.
func UpsampleBilinearBackward(gradOut *Tensor, inputShape []int, scale int) (*Tensor, error) {
	outShape, err := upsampleShape(inputShape, scale)
	if err != nil {
		return nil, err
	}
	if !SameShape(gradOut.Shape, outShape) {
		return nil, fmt.Errorf("%w: upsample gradient %v, expected %v", ErrShapeMismatch, gradOut.Shape, outShape)
	}
	g, err := gradOut.GetFloat32Data()
	if err != nil {
		return nil, err
	}
	h, w := inputShape[2], inputShape[3]
	oh, ow := outShape[2], outShape[3]
	y0, y1, fy := alignedAxis(h, oh)
	x0, x1, fx := alignedAxis(w, ow)

	planes := inputShape[0] * inputShape[1]
	gx := make([]float32, planes*h*w)
	for p := 0; p < planes; p++ {
		src := g[p*oh*ow : (p+1)*oh*ow]
		dst := gx[p*h*w : (p+1)*h*w]
		for oy := 0; oy < oh; oy++ {
			wy := fy[oy]
			top := y0[oy] * w
			bottom := y1[oy] * w
			for ox := 0; ox < ow; ox++ {
				v := src[oy*ow+ox]
				wx := fx[ox]
				dst[top+x0[ox]] += v * (1 - wy) * (1 - wx)
				dst[top+x1[ox]] += v * (1 - wy) * wx
				dst[bottom+x0[ox]] += v * wy * (1 - wx)
				dst[bottom+x1[ox]] += v * wy * wx
			}
		}
	}
	return NewTensor(inputShape, Float32, gradOut.Device, gx)
}
