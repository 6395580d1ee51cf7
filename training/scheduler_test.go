package training

import (
	"math"
	"testing"
)

func TestStepLRScheduler(t *testing.T) {
	scheduler := NewStepLRScheduler(2, 0.1)
	baseLR := 0.1

	tests := []struct {
		epoch      int
		expectedLR float64
	}{
		{0, 0.1},
		{1, 0.1},
		{2, 0.01},
		{3, 0.01},
		{4, 0.001},
		{6, 0.0001},
	}

	for _, tt := range tests {
		lr := scheduler.GetLR(tt.epoch, baseLR)
		if math.Abs(lr-tt.expectedLR) > 1e-10 {
			t.Errorf("Epoch %d: expected LR %g, got %g", tt.epoch, tt.expectedLR, lr)
		}
	}
}

func TestExponentialLRScheduler(t *testing.T) {
	scheduler := NewExponentialLRScheduler(0.9)
	for epoch, expected := range []float64{0.1, 0.09, 0.081, 0.0729} {
		lr := scheduler.GetLR(epoch, 0.1)
		if math.Abs(lr-expected) > 1e-10 {
			t.Errorf("Epoch %d: expected LR %g, got %g", epoch, expected, lr)
		}
	}
}

func TestCosineAnnealingLRScheduler(t *testing.T) {
	scheduler := NewCosineAnnealingLRScheduler(4, 0)
	tests := []struct {
		epoch      int
		expectedLR float64
	}{
		{0, 0.1},
		{2, 0.05},
		{4, 0},
		{7, 0},
	}
	for _, tt := range tests {
		lr := scheduler.GetLR(tt.epoch, 0.1)
		if math.Abs(lr-tt.expectedLR) > 1e-10 {
			t.Errorf("Epoch %d: expected LR %g, got %g", tt.epoch, tt.expectedLR, lr)
		}
	}
}

func TestReduceLROnPlateauScheduler(t *testing.T) {
	scheduler := NewReduceLROnPlateauScheduler(0.5, 2, 0.01, "min")

	if lr := scheduler.GetLR(0, 0.1); lr != 0.1 {
		t.Errorf("Before any Step the base LR should be used, got %g", lr)
	}

	steps := []struct {
		metric     float64
		expectedLR float64
	}{
		{1.0, 0.1},   // first observation
		{0.9, 0.1},   // improved
		{0.895, 0.1}, // within threshold, bad epoch 1
		{0.9, 0.05},  // bad epoch 2, reduce
		{0.95, 0.05},
		{0.7, 0.05}, // improved
	}
	for i, s := range steps {
		lr := scheduler.Step(s.metric, 0.1)
		if math.Abs(lr-s.expectedLR) > 1e-12 {
			t.Errorf("step %d: expected LR %g, got %g", i, s.expectedLR, lr)
		}
	}
	if lr := scheduler.GetLR(10, 0.1); math.Abs(lr-0.05) > 1e-12 {
		t.Errorf("GetLR should follow the reduced rate, got %g", lr)
	}
}

func TestNewScheduler(t *testing.T) {
	tests := []struct {
		name     string
		expected string
		wantErr  bool
	}{
		{"", "ConstantLR", false},
		{"constant", "ConstantLR", false},
		{"Step", "StepLR", false},
		{"exponential", "ExponentialLR", false},
		{"cosine", "CosineAnnealingLR", false},
		{"plateau", "ReduceLROnPlateau", false},
		{"warmup", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			scheduler, err := NewScheduler(tt.name, 10)
			if tt.wantErr {
				if err == nil {
					t.Error("Expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("NewScheduler failed: %v", err)
			}
			if scheduler.GetName() != tt.expected {
				t.Errorf("Expected %s, got %s", tt.expected, scheduler.GetName())
			}
		})
	}

	if lr := (&NoOpScheduler{}).GetLR(50, 0.001); lr != 0.001 {
		t.Errorf("Constant scheduler changed the LR to %g", lr)
	}
}
