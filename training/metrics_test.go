package training

import (
	"errors"
	"math"
	"testing"

	"github.com/tsawler/go-lesionseg/tensor"
)

func TestComputeIoUDice(t *testing.T) {
	tests := []struct {
		name     string
		pred     []float32
		truth    []float32
		wantIoU  float64
		wantDice float64
	}{
		{"identical binary", []float32{1, 1, 0, 0}, []float32{1, 1, 0, 0}, 2 / (2 + 1e-6), 4 / (4 + 1e-6)},
		{"disjoint", []float32{1, 0, 0, 0}, []float32{0, 1, 0, 0}, 0, 0},
		{"both empty", []float32{0, 0, 0, 0}, []float32{0, 0, 0, 0}, 0, 0},
		{"half overlap", []float32{1, 1, 0, 0}, []float32{0, 1, 1, 0}, 1 / (3 + 1e-6), 2 / (4 + 1e-6)},
		{"soft values", []float32{0.5, 0.5, 0, 0}, []float32{1, 0, 0, 0}, 0.5 / (1.5 + 1e-6), 1 / (2 + 1e-6)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ious, dices, err := ComputeIoUDice(mustTensor(t, []int{1, 1, 2, 2}, tt.pred), mustTensor(t, []int{1, 1, 2, 2}, tt.truth))
			if err != nil {
				t.Fatalf("ComputeIoUDice failed: %v", err)
			}
			if math.Abs(ious[0]-tt.wantIoU) > 1e-9 {
				t.Errorf("IoU = %.9f, expected %.9f", ious[0], tt.wantIoU)
			}
			if math.Abs(dices[0]-tt.wantDice) > 1e-9 {
				t.Errorf("Dice = %.9f, expected %.9f", dices[0], tt.wantDice)
			}
		})
	}

	t.Run("per sample", func(t *testing.T) {
		pred := mustTensor(t, []int{2, 2}, []float32{1, 0, 0, 1})
		truth := mustTensor(t, []int{2, 2}, []float32{1, 0, 1, 0})
		ious, _, err := ComputeIoUDice(pred, truth)
		if err != nil {
			t.Fatalf("ComputeIoUDice failed: %v", err)
		}
		if len(ious) != 2 || ious[0] < 0.99 || ious[1] != 0 {
			t.Errorf("Expected per-sample IoU [~1 0], got %v", ious)
		}
	})

	t.Run("shape mismatch", func(t *testing.T) {
		_, _, err := ComputeIoUDice(mustTensor(t, []int{1, 4}, make([]float32, 4)), mustTensor(t, []int{2, 2}, make([]float32, 4)))
		if !errors.Is(err, tensor.ErrShapeMismatch) {
			t.Errorf("Expected ErrShapeMismatch, got %v", err)
		}
	})
}

func TestComputeIoUDiceDiceAtLeastIoU(t *testing.T) {
	shapes := [][]int{
		{1, 1, 4, 4},
		{3, 1, 8, 8},
		{5, 1, 16, 16},
		{16, 1, 2, 2},
	}
	rng := NewRNG(11)
	for _, shape := range shapes {
		for trial := 0; trial < 50; trial++ {
			n := shape[0] * shape[1] * shape[2] * shape[3]
			pred := make([]float32, n)
			truth := make([]float32, n)
			binaryTruth := trial%2 == 0
			for i := range pred {
				pred[i] = rng.Float32()
				truth[i] = rng.Float32()
				if binaryTruth {
					truth[i] = float32(math.Round(float64(truth[i])))
				}
			}
			ious, dices, err := ComputeIoUDice(mustTensor(t, shape, pred), mustTensor(t, shape, truth))
			if err != nil {
				t.Fatalf("ComputeIoUDice(%v) failed: %v", shape, err)
			}
			if len(ious) != shape[0] || len(dices) != shape[0] {
				t.Fatalf("Expected %d scores, got %d and %d", shape[0], len(ious), len(dices))
			}
			for i := range ious {
				if dices[i] < ious[i] {
					t.Fatalf("shape %v trial %d sample %d: Dice %g < IoU %g", shape, trial, i, dices[i], ious[i])
				}
				if ious[i] < 0 || dices[i] > 1 {
					t.Fatalf("shape %v trial %d sample %d: scores out of range IoU %g Dice %g", shape, trial, i, ious[i], dices[i])
				}
			}
		}
	}
}

func TestOverlapAccumulatorWeighting(t *testing.T) {
	// 17 samples in batches of 5: the short last batch weighs 2/17.
	var acc OverlapAccumulator
	losses := []float64{1, 1, 1, 4}
	sizes := []int{5, 5, 5, 2}
	for b, n := range sizes {
		ious := make([]float64, n)
		dices := make([]float64, n)
		for i := range ious {
			ious[i] = float64(b)
			dices[i] = 1
		}
		if err := acc.Add(losses[b], ious, dices); err != nil {
			t.Fatalf("Add failed: %v", err)
		}
	}

	result, err := acc.Result()
	if err != nil {
		t.Fatalf("Result failed: %v", err)
	}
	if result.Samples != 17 || result.Batches != 4 {
		t.Errorf("Expected 17 samples in 4 batches, got %d in %d", result.Samples, result.Batches)
	}
	if want := (15.0 + 8.0) / 17.0; math.Abs(result.Loss-want) > 1e-12 {
		t.Errorf("Expected weighted loss %f, got %f (unweighted would be %f)", want, result.Loss, 7.0/4.0)
	}
	if want := (0*5 + 1*5 + 2*5 + 3*2) / 17.0; math.Abs(result.IoU-want) > 1e-12 {
		t.Errorf("Expected IoU %f, got %f", want, result.IoU)
	}
	if math.Abs(result.Dice-1) > 1e-12 {
		t.Errorf("Expected Dice 1, got %f", result.Dice)
	}

	acc.Reset()
	if _, err := acc.Result(); !errors.Is(err, ErrEmptyBatchProvider) {
		t.Errorf("Expected ErrEmptyBatchProvider after Reset, got %v", err)
	}
}

func TestOverlapAccumulatorEdges(t *testing.T) {
	var acc OverlapAccumulator
	if err := acc.Add(3, nil, nil); err != nil {
		t.Fatalf("Empty Add should be a no-op, got %v", err)
	}
	if acc.Batches() != 0 {
		t.Errorf("Empty batch should not be counted, got %d batches", acc.Batches())
	}
	for name, f := range map[string]func() (float64, error){
		"loss": acc.MeanLoss,
		"iou":  acc.MeanIoU,
		"dice": acc.MeanDice,
	} {
		if _, err := f(); !errors.Is(err, ErrEmptyBatchProvider) {
			t.Errorf("%s: expected ErrEmptyBatchProvider, got %v", name, err)
		}
	}
	if err := acc.Add(1, []float64{1}, nil); !errors.Is(err, tensor.ErrShapeMismatch) {
		t.Errorf("Expected ErrShapeMismatch for unequal score counts, got %v", err)
	}
}
