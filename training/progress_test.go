package training

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/tsawler/go-lesionseg/layers"
)

func TestProgressBar(t *testing.T) {
	var out bytes.Buffer
	pb := NewProgressBar(&out, "Epoch 1/3", 4)
	for i := 1; i <= 4; i++ {
		pb.Update(i, map[string]float64{"loss": 0.5, "iou": 0.25})
	}
	pb.Finish()

	text := out.String()
	if !strings.Contains(text, "Epoch 1/3") {
		t.Errorf("Missing description in %q", text)
	}
	if !strings.Contains(text, "4/4") || !strings.Contains(text, "100%") {
		t.Errorf("Missing completion in %q", text)
	}
	if !strings.HasSuffix(text, "\n") {
		t.Error("Finish should end the line")
	}
	last := text[strings.LastIndex(text, "\r"):]
	if strings.Index(last, "iou=0.2500") > strings.Index(last, "loss=0.5000") {
		t.Errorf("Metrics should be sorted by name: %q", last)
	}
}

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		d        time.Duration
		expected string
	}{
		{0, "00:00"},
		{-time.Second, "00:00"},
		{65 * time.Second, "01:05"},
		{12*time.Minute + time.Second, "12:01"},
	}
	for _, tt := range tests {
		if got := formatDuration(tt.d); got != tt.expected {
			t.Errorf("formatDuration(%v) = %s, expected %s", tt.d, got, tt.expected)
		}
	}
}

func TestModelArchitecturePrinter(t *testing.T) {
	encoder, err := layers.NewModelBuilder([]int{1, 3, 8, 8}).
		SetTrainable(false).
		AddConv2D(4, 3, 2, 1, false, "block1.conv").
		AddBatchNorm(4, 1e-5, 0.1, "block1.bn").
		AddLeakyReLU(0.01, "block1.act").
		Compile()
	if err != nil {
		t.Fatalf("Compile failed: %v", err)
	}
	decoder, err := layers.NewModelBuilder(encoder.OutputShape).
		AddUpsample(2, "stage1.up").
		AddConv2D(1, 3, 1, 1, true, "stage1.conv").
		AddDropout(0.1, "stage1.drop").
		AddSigmoid("stage1.act").
		Compile()
	if err != nil {
		t.Fatalf("Compile failed: %v", err)
	}

	var out bytes.Buffer
	printer := NewModelArchitecturePrinter("LesionSegmenter")
	printer.PrintArchitecture(&out, []NamedSpec{{"encoder", encoder}, {"decoder", decoder}},
		decoder.TotalParameters, encoder.TotalParameters)

	text := out.String()
	for _, want := range []string{
		"LesionSegmenter(",
		"(encoder): Sequential(",
		"(block1.conv): Conv2d(3, 4, kernel_size=(3, 3), stride=(2, 2), padding=(1, 1))",
		"(block1.bn): BatchNorm2d(4, eps=1e-05, momentum=0.1)",
		"(block1.act): LeakyReLU(negative_slope=0.01)",
		"(stage1.up): Upsample(scale_factor=2, mode='bilinear', align_corners=True)",
		"(stage1.drop): Dropout(p=0.1)",
		"(stage1.act): Sigmoid()",
		"Total params: 153",
		"Trainable params: 37",
		"Non-trainable params: 116",
		"Input size: 768 B",
	} {
		if !strings.Contains(text, want) {
			t.Errorf("Output missing %q:\n%s", want, text)
		}
	}
}
