package layers

import (
	"errors"
	"reflect"
	"strings"
	"testing"

	"github.com/tsawler/go-lesionseg/tensor"
)

func decoderBuilder(inChannels, feature int) *ModelBuilder {
	builder := NewModelBuilder([]int{2, inChannels, feature, feature})
	widths := []int{64, 32, 16, 8}
	for i, w := range widths {
		name := "stage" + string(rune('1'+i))
		builder.AddUpsample(2, name+".up").
			AddConv2D(w, 3, 1, 1, true, name+".conv").
			AddBatchNorm(w, 1e-5, 0.1, name+".bn").
			AddLeakyReLU(0.01, name+".act")
	}
	return builder.AddUpsample(2, "stage5.up").
		AddConv2D(1, 3, 1, 1, true, "stage5.conv").
		AddSigmoid("stage5.act")
}

func TestLayerTypeString(t *testing.T) {
	tests := []struct {
		layerType LayerType
		expected  string
	}{
		{Conv2D, "Conv2D"},
		{BatchNorm, "BatchNorm"},
		{LeakyReLU, "LeakyReLU"},
		{Sigmoid, "Sigmoid"},
		{Upsample, "Upsample"},
		{Dropout, "Dropout"},
		{LayerType(99), "Unknown"},
	}
	for _, test := range tests {
		if got := test.layerType.String(); got != test.expected {
			t.Errorf("LayerType(%d).String() = %s, expected %s", test.layerType, got, test.expected)
		}
	}
}

func TestDecoderCompilation(t *testing.T) {
	model, err := decoderBuilder(1280, 4).Compile()
	if err != nil {
		t.Fatalf("Failed to compile decoder: %v", err)
	}

	if !reflect.DeepEqual(model.OutputShape, []int{2, 1, 128, 128}) {
		t.Errorf("Expected output shape [2 1 128 128], got %v", model.OutputShape)
	}
	if err := model.RequireSpatial(128, 128); err != nil {
		t.Errorf("RequireSpatial failed: %v", err)
	}

	// 5 conv layers plus 4 batch norms, channels 1280 -> 64 -> 32 -> 16 -> 8 -> 1.
	const expected = 761905
	if model.TotalParameters != expected {
		t.Errorf("Expected %d parameters, got %d", expected, model.TotalParameters)
	}
	if model.TrainableParameters != expected || model.NonTrainableParameters() != 0 {
		t.Errorf("Expected all parameters trainable, got %d trainable", model.TrainableParameters)
	}

	first := model.Layers[1]
	if first.Parameters["input_channels"] != 1280 {
		t.Errorf("Expected inferred input_channels 1280, got %v", first.Parameters["input_channels"])
	}
	if !reflect.DeepEqual(first.ParameterNames, []string{"stage1.conv.weight", "stage1.conv.bias"}) {
		t.Errorf("Unexpected parameter names %v", first.ParameterNames)
	}
}

func TestStageCountMustMatchCrop(t *testing.T) {
	// A 5x5 feature map cannot become 128x128 after five doublings.
	model, err := decoderBuilder(8, 5).Compile()
	if err != nil {
		t.Fatalf("Failed to compile: %v", err)
	}
	if err := model.RequireSpatial(128, 128); !errors.Is(err, tensor.ErrShapeMismatch) {
		t.Errorf("Expected ErrShapeMismatch, got %v", err)
	}
}

func TestFrozenLayersCounted(t *testing.T) {
	builder := NewModelBuilder([]int{1, 3, 8, 8}).
		SetTrainable(false).
		AddConv2D(4, 3, 2, 1, false, "encoder.conv").
		SetTrainable(true).
		AddConv2D(1, 3, 1, 1, true, "head.conv")

	model, err := builder.Compile()
	if err != nil {
		t.Fatalf("Failed to compile: %v", err)
	}
	if model.NonTrainableParameters() != 4*3*9 {
		t.Errorf("Expected %d frozen parameters, got %d", 4*3*9, model.NonTrainableParameters())
	}
	if model.TrainableParameters != 4*9+1 {
		t.Errorf("Expected %d trainable parameters, got %d", 4*9+1, model.TrainableParameters)
	}
	if !reflect.DeepEqual(model.OutputShape, []int{1, 1, 4, 4}) {
		t.Errorf("Unexpected output shape %v", model.OutputShape)
	}
}

func TestCompileErrors(t *testing.T) {
	t.Run("empty", func(t *testing.T) {
		if _, err := NewModelBuilder([]int{1, 3, 8, 8}).Compile(); err == nil {
			t.Error("Expected error for empty model")
		}
	})

	t.Run("batch norm width", func(t *testing.T) {
		_, err := NewModelBuilder([]int{1, 3, 8, 8}).AddBatchNorm(4, 1e-5, 0.1, "bn").Compile()
		if !errors.Is(err, tensor.ErrShapeMismatch) {
			t.Errorf("Expected ErrShapeMismatch, got %v", err)
		}
	})

	t.Run("non image input", func(t *testing.T) {
		_, err := NewModelBuilder([]int{1, 10}).AddSigmoid("s").Compile()
		if !errors.Is(err, tensor.ErrShapeMismatch) {
			t.Errorf("Expected ErrShapeMismatch, got %v", err)
		}
	})
}

func TestSummary(t *testing.T) {
	model, err := decoderBuilder(16, 4).Compile()
	if err != nil {
		t.Fatalf("Failed to compile: %v", err)
	}
	summary := model.Summary()
	for _, want := range []string{"stage1.conv", "stage5.act", "Output Shape: [2 1 128 128]"} {
		if !strings.Contains(summary, want) {
			t.Errorf("Summary missing %q:\n%s", want, summary)
		}
	}
}
