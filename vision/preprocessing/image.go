package preprocessing

import (
	"fmt"
	"image"
	"image/color"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"math/rand"
	"os"

	"golang.org/x/image/draw"

	"github.com/tsawler/go-lesionseg/tensor"
)

// ImageNet statistics used to normalise encoder inputs.
var (
	ImageNetMean = [3]float32{0.485, 0.456, 0.406}
	ImageNetStd  = [3]float32{0.229, 0.224, 0.225}
)

// TransformConfig describes the sample pipeline: resize the shorter edge to
// ResizeTo, center-crop CropSize, flip horizontally with FlipProbability,
// and normalise the image channels with Mean and Std.
type TransformConfig struct {
	ResizeTo        int
	CropSize        int
	FlipProbability float64
	Mean            [3]float32
	Std             [3]float32
}

// DefaultTransformConfig returns the 128 pixel ImageNet pipeline.
func DefaultTransformConfig() TransformConfig {
	return TransformConfig{
		ResizeTo:        128,
		CropSize:        128,
		FlipProbability: 0.5,
		Mean:            ImageNetMean,
		Std:             ImageNetStd,
	}
}

// Validate checks sizes, the flip probability and the std values.
func (c TransformConfig) Validate() error {
	if c.ResizeTo <= 0 || c.CropSize <= 0 {
		return fmt.Errorf("resize (%d) and crop size (%d) must be positive", c.ResizeTo, c.CropSize)
	}
	if c.CropSize > c.ResizeTo {
		return fmt.Errorf("crop size %d exceeds resize %d", c.CropSize, c.ResizeTo)
	}
	if c.FlipProbability < 0 || c.FlipProbability > 1 {
		return fmt.Errorf("flip probability must be in [0, 1], got %g", c.FlipProbability)
	}
	for i, s := range c.Std {
		if s <= 0 {
			return fmt.Errorf("std[%d] must be positive, got %g", i, s)
		}
	}
	return nil
}

// ProcessedImage is a resized and cropped image in CHW layout with values
// in [0, 1].
type ProcessedImage struct {
	Data     []float32
	Width    int
	Height   int
	Channels int
}

// Clone returns a deep copy.
func (p *ProcessedImage) Clone() *ProcessedImage {
	c := *p
	c.Data = append([]float32(nil), p.Data...)
	return &c
}

// FlipHorizontal mirrors every channel in place.
func (p *ProcessedImage) FlipHorizontal() {
	for c := 0; c < p.Channels; c++ {
		for y := 0; y < p.Height; y++ {
			row := p.Data[(c*p.Height+y)*p.Width : (c*p.Height+y+1)*p.Width]
			for i, j := 0, len(row)-1; i < j; i, j = i+1, j-1 {
				row[i], row[j] = row[j], row[i]
			}
		}
	}
}

// Normalize applies (x-mean)/std per channel in place.
func (p *ProcessedImage) Normalize(mean, std [3]float32) error {
	if p.Channels != 3 {
		return fmt.Errorf("normalisation needs 3 channels, got %d", p.Channels)
	}
	plane := p.Width * p.Height
	for c := 0; c < 3; c++ {
		for i := c * plane; i < (c+1)*plane; i++ {
			p.Data[i] = (p.Data[i] - mean[c]) / std[c]
		}
	}
	return nil
}

// Tensor wraps the data as a [C, H, W] tensor without copying.
func (p *ProcessedImage) Tensor(device tensor.DeviceType) (*tensor.Tensor, error) {
	return tensor.NewTensor([]int{p.Channels, p.Height, p.Width}, tensor.Float32, device, p.Data)
}

// DecodeFile decodes a PNG, JPEG or GIF file.
func DecodeFile(path string) (image.Image, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	img, _, err := image.Decode(file)
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", path, err)
	}
	return img, nil
}

// ResizeShorter scales img bilinearly so that its shorter edge equals size,
// keeping the aspect ratio.
func ResizeShorter(img image.Image, size int) *image.RGBA {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	if w <= h {
		h = h * size / w
		w = size
	} else {
		w = w * size / h
		h = size
	}
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.BiLinear.Scale(dst, dst.Bounds(), img, b, draw.Src, nil)
	return dst
}

// CenterCrop returns the centered size x size window of img.
func CenterCrop(img *image.RGBA, size int) (*image.RGBA, error) {
	b := img.Bounds()
	if b.Dx() < size || b.Dy() < size {
		return nil, fmt.Errorf("%w: cannot crop %dx%d from %dx%d", tensor.ErrShapeMismatch, size, size, b.Dx(), b.Dy())
	}
	top := b.Min.Y + (b.Dy()-size+1)/2
	left := b.Min.X + (b.Dx()-size+1)/2
	return img.SubImage(image.Rect(left, top, left+size, top+size)).(*image.RGBA), nil
}

// ToCHW converts img to float32 planes in [0, 1]. Three channels keep RGB,
// one channel keeps luma.
func ToCHW(img *image.RGBA, channels int) (*ProcessedImage, error) {
	if channels != 1 && channels != 3 {
		return nil, fmt.Errorf("unsupported channel count %d", channels)
	}
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	out := &ProcessedImage{
		Data:     make([]float32, channels*w*h),
		Width:    w,
		Height:   h,
		Channels: channels,
	}
	plane := w * h
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			c := img.RGBAAt(b.Min.X+x, b.Min.Y+y)
			idx := y*w + x
			if channels == 1 {
				out.Data[idx] = float32(color.GrayModel.Convert(c).(color.Gray).Y) / 255
				continue
			}
			out.Data[idx] = float32(c.R) / 255
			out.Data[plane+idx] = float32(c.G) / 255
			out.Data[2*plane+idx] = float32(c.B) / 255
		}
	}
	return out, nil
}

// ImageProcessor runs the sample pipeline. Load is deterministic and its
// results may be cached; Finish draws the flip decision.
type ImageProcessor struct {
	cfg TransformConfig
}

// NewImageProcessor validates cfg.
func NewImageProcessor(cfg TransformConfig) (*ImageProcessor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &ImageProcessor{cfg: cfg}, nil
}

func (p *ImageProcessor) Config() TransformConfig { return p.cfg }

// Load decodes, resizes, crops and converts one file.
func (p *ImageProcessor) Load(path string, channels int) (*ProcessedImage, error) {
	img, err := DecodeFile(path)
	if err != nil {
		return nil, err
	}
	cropped, err := CenterCrop(ResizeShorter(img, p.cfg.ResizeTo), p.cfg.CropSize)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return ToCHW(cropped, channels)
}

// Finish copies a loaded image and mask, flips both or neither with one
// draw from rng, normalises the image and returns [3,S,S] and [1,S,S]
// tensors. A nil rng never flips.
func (p *ImageProcessor) Finish(img, mask *ProcessedImage, rng *rand.Rand, device tensor.DeviceType) (*tensor.Tensor, *tensor.Tensor, error) {
	if img.Width != mask.Width || img.Height != mask.Height {
		return nil, nil, fmt.Errorf("%w: image %dx%d, mask %dx%d",
			tensor.ErrShapeMismatch, img.Width, img.Height, mask.Width, mask.Height)
	}
	img, mask = img.Clone(), mask.Clone()

	if rng != nil && p.cfg.FlipProbability > 0 && rng.Float64() < p.cfg.FlipProbability {
		img.FlipHorizontal()
		mask.FlipHorizontal()
	}
	if err := img.Normalize(p.cfg.Mean, p.cfg.Std); err != nil {
		return nil, nil, err
	}

	imgTensor, err := img.Tensor(device)
	if err != nil {
		return nil, nil, err
	}
	maskTensor, err := mask.Tensor(device)
	if err != nil {
		return nil, nil, err
	}
	return imgTensor, maskTensor, nil
}
