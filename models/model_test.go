package models

import (
	"errors"
	"reflect"
	"strings"
	"testing"

	"github.com/tsawler/go-lesionseg/layers"
	"github.com/tsawler/go-lesionseg/tensor"
	"github.com/tsawler/go-lesionseg/training"
)

func smallConfig(freeze bool) Config {
	return Config{
		CropSize:        32,
		EncoderChannels: 8,
		FreezeEncoder:   freeze,
		Seed:            7,
		Device:          tensor.CPU,
	}
}

func randomBatch(t *testing.T, seed int64, shape []int) *tensor.Tensor {
	t.Helper()
	x, err := tensor.Uniform(shape, 1, training.NewRNG(seed), tensor.CPU)
	if err != nil {
		t.Fatalf("Uniform failed: %v", err)
	}
	return x
}

func binaryMasks(t *testing.T, seed int64, shape []int) *tensor.Tensor {
	t.Helper()
	x := randomBatch(t, seed, shape)
	for i, v := range x.Data.([]float32) {
		if v > 0 {
			x.Data.([]float32)[i] = 1
		} else {
			x.Data.([]float32)[i] = 0
		}
	}
	return x
}

func TestNewSegmentationModel(t *testing.T) {
	model, err := New(smallConfig(true))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	encoder := model.Encoder().(*ConvEncoder)
	decoder := model.Decoder().(*MobileDecoder)
	if encoder.OutChannels() != 8 || encoder.OutputStride() != 32 {
		t.Errorf("Expected 8 channels at stride 32, got %d at %d", encoder.OutChannels(), encoder.OutputStride())
	}
	if decoder.Stages() != 5 || decoder.OutChannels() != 1 {
		t.Errorf("Expected 5 stages with 1 output channel, got %d/%d", decoder.Stages(), decoder.OutChannels())
	}

	trainable, frozen := model.ParameterCounts()
	if trainable != decoder.Spec().TotalParameters || frozen != encoder.Spec().TotalParameters {
		t.Errorf("Expected %d trainable and %d frozen, got %d and %d",
			decoder.Spec().TotalParameters, encoder.Spec().TotalParameters, trainable, frozen)
	}
	if len(model.Parameters()) != len(decoder.Parameters()) {
		t.Errorf("Parameters should list decoder parameters only, got %d", len(model.Parameters()))
	}
	if len(model.FrozenParameters()) != len(encoder.Parameters()) {
		t.Errorf("FrozenParameters should list encoder parameters, got %d", len(model.FrozenParameters()))
	}

	out, err := model.Forward(randomBatch(t, 1, []int{2, 3, 32, 32}))
	if err != nil {
		t.Fatalf("Forward failed: %v", err)
	}
	if !reflect.DeepEqual(out.Shape, []int{2, 1, 32, 32}) {
		t.Errorf("Expected output [2 1 32 32], got %v", out.Shape)
	}
	for i, v := range out.Data.([]float32) {
		if !(v > 0 && v < 1) {
			t.Fatalf("output[%d] = %f is not a probability", i, v)
		}
	}
}

func TestDecoderStageInvariant(t *testing.T) {
	cfg := smallConfig(true)
	cfg.CropSize = 48
	if _, err := New(cfg); !errors.Is(err, tensor.ErrShapeMismatch) {
		t.Errorf("Expected ErrShapeMismatch for crop 48, got %v", err)
	}

	_, err := NewMobileDecoder(DecoderConfig{InChannels: 8, FeatureSize: 4, CropSize: 64}, training.NewRNG(1), tensor.CPU)
	if !errors.Is(err, tensor.ErrShapeMismatch) {
		t.Errorf("Expected ErrShapeMismatch for 4x4 features and crop 64, got %v", err)
	}

	_, err = NewMobileDecoder(DecoderConfig{InChannels: 8, FeatureSize: 1, CropSize: 32, Widths: []int{8, 8, 8, 8, 2}}, training.NewRNG(1), tensor.CPU)
	if err == nil {
		t.Error("Expected error for a multi-channel output")
	}
}

func TestDecoderDropout(t *testing.T) {
	countDropout := func(spec *layers.ModelSpec) int {
		n := 0
		for _, l := range spec.Layers {
			if l.Type == layers.Dropout {
				n++
			}
		}
		return n
	}

	plain, err := NewMobileDecoder(DecoderConfig{InChannels: 8, FeatureSize: 1, CropSize: 32}, training.NewRNG(1), tensor.CPU)
	if err != nil {
		t.Fatalf("NewMobileDecoder failed: %v", err)
	}
	if n := countDropout(plain.Spec()); n != 0 {
		t.Errorf("Zero dropout should build no dropout modules, got %d", n)
	}

	dropped, err := NewMobileDecoder(DecoderConfig{InChannels: 8, FeatureSize: 1, CropSize: 32, Dropout: 0.5}, training.NewRNG(1), tensor.CPU)
	if err != nil {
		t.Fatalf("NewMobileDecoder failed: %v", err)
	}
	if n := countDropout(dropped.Spec()); n != 4 {
		t.Errorf("Expected a dropout after each hidden stage, got %d", n)
	}

	if _, err := NewMobileDecoder(DecoderConfig{InChannels: 8, FeatureSize: 1, CropSize: 32, Dropout: 1}, training.NewRNG(1), tensor.CPU); err == nil {
		t.Error("Expected error for dropout 1")
	}
}

func TestSegmentationModelState(t *testing.T) {
	model, err := New(smallConfig(true))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	state := model.State()
	if state[0].Name != "encoder.features.0.conv.weight" {
		t.Errorf("Unexpected first state entry %s", state[0].Name)
	}
	last := state[len(state)-1]
	if last.Name != "decoder.stage5.conv.bias" {
		t.Errorf("Unexpected last state entry %s", last.Name)
	}
	for _, nt := range state {
		if strings.HasPrefix(nt.Name, "encoder.features.4.bn.running") && nt.Tensor.NumElems != 8 {
			t.Errorf("%s has %d elements, expected 8", nt.Name, nt.Tensor.NumElems)
		}
	}

	specs := model.Specs()
	if len(specs) != 2 || specs[0].Name != "encoder" || specs[1].Name != "decoder" {
		t.Errorf("Unexpected specs %v", specs)
	}
}

func TestFrozenEncoderIsNotUpdated(t *testing.T) {
	for _, freeze := range []bool{true, false} {
		model, err := New(smallConfig(freeze))
		if err != nil {
			t.Fatalf("New failed: %v", err)
		}
		encoderWeight := append([]float32(nil), model.Encoder().Parameters()[0].Data.([]float32)...)
		decoderWeight := append([]float32(nil), model.Decoder().Parameters()[0].Data.([]float32)...)

		data := []*tensor.Tensor{}
		labels := []*tensor.Tensor{}
		for i := 0; i < 4; i++ {
			data = append(data, randomBatch(t, int64(10+i), []int{3, 32, 32}))
			labels = append(labels, binaryMasks(t, int64(20+i), []int{1, 32, 32}))
		}
		ds, err := training.NewSimpleDataset(data, labels)
		if err != nil {
			t.Fatalf("NewSimpleDataset failed: %v", err)
		}
		loader, err := training.NewDataLoader(ds, training.LoaderConfig{BatchSize: 2})
		if err != nil {
			t.Fatalf("NewDataLoader failed: %v", err)
		}

		opt := training.NewAdam(model.Parameters(), 0.01, 0, 0, 0, 0)
		trainer := training.NewTrainer(model, opt, training.NewBCELoss(), training.TrainingConfig{Epochs: 1, LearningRate: 0.01}, nil)
		if err := trainer.Train(loader, nil); err != nil {
			t.Fatalf("Train failed: %v", err)
		}

		encoderChanged := !reflect.DeepEqual(encoderWeight, model.Encoder().Parameters()[0].Data.([]float32))
		decoderChanged := !reflect.DeepEqual(decoderWeight, model.Decoder().Parameters()[0].Data.([]float32))
		if !decoderChanged {
			t.Errorf("freeze=%v: decoder weights should be updated", freeze)
		}
		if encoderChanged == freeze {
			t.Errorf("freeze=%v: encoder weights changed=%v", freeze, encoderChanged)
		}
		if freeze && model.Encoder().Parameters()[0].Grad() != nil {
			t.Error("Frozen encoder should not accumulate gradients")
		}
	}
}

func TestEncoderFreezeUnfreeze(t *testing.T) {
	frozenModel, err := New(smallConfig(true))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	fineTune, err := New(smallConfig(false))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	trainable, frozen := frozenModel.ParameterCounts()
	if frozen == 0 || !frozenModel.Encoder().Frozen() {
		t.Fatalf("Expected a frozen encoder, got %d frozen scalars", frozen)
	}
	if _, ftFrozen := fineTune.ParameterCounts(); ftFrozen != 0 || fineTune.Encoder().Frozen() {
		t.Errorf("Fine-tune model should have no frozen scalars, got %d", ftFrozen)
	}

	encoder := frozenModel.Encoder()
	encoder.Unfreeze()
	unfrozenTrainable, unfrozenFrozen := frozenModel.ParameterCounts()
	if encoder.Frozen() || unfrozenFrozen != 0 || unfrozenTrainable != trainable+frozen {
		t.Errorf("Unfreeze: expected %d trainable and 0 frozen, got %d and %d", trainable+frozen, unfrozenTrainable, unfrozenFrozen)
	}
	if len(frozenModel.Parameters()) != len(fineTune.Parameters()) {
		t.Errorf("Unfrozen model should expose the same parameters as a fine-tune model")
	}

	encoder.Freeze()
	if tr, fr := frozenModel.ParameterCounts(); tr != trainable || fr != frozen {
		t.Errorf("Freeze after Unfreeze: expected %d/%d, got %d/%d", trainable, frozen, tr, fr)
	}
}
