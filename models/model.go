// Package models composes a feature extractor and a decoder head into a
// binary segmentation network.
package models

import (
	"fmt"
	"math/rand"

	"github.com/tsawler/go-lesionseg/tensor"
	"github.com/tsawler/go-lesionseg/training"
)

// FeatureExtractor is the encoder half of a segmentation model. It maps an
// [N, 3, S, S] image batch to [N, OutChannels, S/OutputStride, S/OutputStride].
type FeatureExtractor interface {
	training.Module
	OutChannels() int
	OutputStride() int
	Freeze()
	Unfreeze()
	Frozen() bool
}

// DecoderHead maps encoder features back to a per-pixel probability map.
type DecoderHead interface {
	training.Module
	Stages() int
	OutChannels() int
}

// Config describes a complete encoder/decoder pair.
type Config struct {
	CropSize        int
	EncoderChannels int
	FreezeEncoder   bool
	DecoderWidths   []int
	DecoderDropout  float32
	Seed            int64
	Device          tensor.DeviceType
}

// New builds a ConvEncoder and a MobileDecoder sized for cfg.CropSize.
// Encoder and decoder draw their initial weights from separate streams
// derived from cfg.Seed.
func New(cfg Config) (*SegmentationModel, error) {
	encoder, err := NewConvEncoder(EncoderConfig{
		InputSize:   cfg.CropSize,
		OutChannels: cfg.EncoderChannels,
	}, rand.New(rand.NewSource(cfg.Seed)), cfg.Device)
	if err != nil {
		return nil, fmt.Errorf("failed to build encoder: %w", err)
	}
	if cfg.FreezeEncoder {
		encoder.Freeze()
	} else {
		encoder.Unfreeze()
	}

	stride := encoder.OutputStride()
	if cfg.CropSize%stride != 0 {
		return nil, fmt.Errorf("%w: crop size %d is not a multiple of the encoder stride %d",
			tensor.ErrShapeMismatch, cfg.CropSize, stride)
	}

	decoder, err := NewMobileDecoder(DecoderConfig{
		InChannels:  encoder.OutChannels(),
		FeatureSize: cfg.CropSize / stride,
		CropSize:    cfg.CropSize,
		Widths:      cfg.DecoderWidths,
		Dropout:     cfg.DecoderDropout,
	}, rand.New(rand.NewSource(cfg.Seed+1)), cfg.Device)
	if err != nil {
		return nil, fmt.Errorf("failed to build decoder: %w", err)
	}

	return NewSegmentationModel(encoder, decoder), nil
}
