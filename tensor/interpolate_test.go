package tensor

import (
	"errors"
	"math/rand"
	"reflect"
	"testing"
)

func TestUpsampleBilinearAlignsCorners(t *testing.T) {
	x := mustTensor(t, []int{1, 1, 2, 2}, []float32{1, 2, 3, 4})

	y, err := UpsampleBilinear(x, 2)
	if err != nil {
		t.Fatalf("UpsampleBilinear failed: %v", err)
	}
	if !reflect.DeepEqual(y.Shape, []int{1, 1, 4, 4}) {
		t.Fatalf("output shape %v, expected [1 1 4 4]", y.Shape)
	}

	tests := []struct {
		row, col int
		expected float32
	}{
		{0, 0, 1},
		{0, 3, 2},
		{3, 0, 3},
		{3, 3, 4},
		{0, 1, 1 + 1.0/3},
		{1, 0, 1 + 2.0/3},
	}
	for _, test := range tests {
		got, _ := y.At(0, 0, test.row, test.col)
		if !approxEqual(got, test.expected, 1e-5) {
			t.Errorf("y[%d][%d] = %f, expected %f", test.row, test.col, got, test.expected)
		}
	}
}

func TestUpsampleBilinearChain(t *testing.T) {
	// Five doublings take a 4x4 feature map to 128x128.
	current := mustTensor(t, []int{1, 2, 4, 4}, make([]float32, 32))
	for i := 0; i < 5; i++ {
		next, err := UpsampleBilinear(current, 2)
		if err != nil {
			t.Fatalf("stage %d failed: %v", i, err)
		}
		current = next
	}
	if !reflect.DeepEqual(current.Shape, []int{1, 2, 128, 128}) {
		t.Errorf("final shape %v, expected [1 2 128 128]", current.Shape)
	}
}

func TestUpsampleBilinearBackwardIsAdjoint(t *testing.T) {
	rng := rand.New(rand.NewSource(21))
	x := randomTensor(t, rng, []int{2, 3, 3, 5})
	y, err := UpsampleBilinear(x, 2)
	if err != nil {
		t.Fatalf("UpsampleBilinear failed: %v", err)
	}
	g := randomTensor(t, rng, y.Shape)

	gx, err := UpsampleBilinearBackward(g, x.Shape, 2)
	if err != nil {
		t.Fatalf("UpsampleBilinearBackward failed: %v", err)
	}

	// <U x, g> must equal <x, U^T g>.
	lhs := lossOf(y.Data.([]float32), g.Data.([]float32))
	rhs := lossOf(x.Data.([]float32), gx.Data.([]float32))
	if d := lhs - rhs; d > 1e-3 || d < -1e-3 {
		t.Errorf("adjoint mismatch: %f vs %f", lhs, rhs)
	}
}

func TestUpsampleBilinearRejectsBadShapes(t *testing.T) {
	x := mustTensor(t, []int{4, 4}, make([]float32, 16))
	if _, err := UpsampleBilinear(x, 2); !errors.Is(err, ErrShapeMismatch) {
		t.Errorf("expected ErrShapeMismatch, got %v", err)
	}

	g := mustTensor(t, []int{1, 1, 4, 4}, make([]float32, 16))
	if _, err := UpsampleBilinearBackward(g, []int{1, 1, 3, 3}, 2); !errors.Is(err, ErrShapeMismatch) {
		t.Errorf("expected ErrShapeMismatch, got %v", err)
	}
}
