package training

import (
	"fmt"

	"gonum.org/v1/gonum/stat"

	"github.com/tsawler/go-lesionseg/tensor"
)

// OverlapEpsilon keeps IoU and Dice finite when both masks are empty.
const OverlapEpsilon = 1e-6

// ComputeIoUDice returns one soft IoU and one soft Dice score per sample of
// a prediction/ground-truth batch. Values are used as-is, without
// thresholding:
//
//	I    = Σ p·g
//	IoU  = I / (Σp + Σg - I + ε)
//	Dice = 2I / (Σp + Σg + ε)
func ComputeIoUDice(pred, truth *tensor.Tensor) (ious, dices []float64, err error) {
	if !tensor.SameShape(pred.Shape, truth.Shape) || len(pred.Shape) < 2 {
		return nil, nil, fmt.Errorf("%w: prediction %v vs ground truth %v", tensor.ErrShapeMismatch, pred.Shape, truth.Shape)
	}
	p, err := pred.GetFloat32Data()
	if err != nil {
		return nil, nil, err
	}
	g, err := truth.GetFloat32Data()
	if err != nil {
		return nil, nil, err
	}

	n := pred.Shape[0]
	per := pred.NumElems / n
	ious = make([]float64, n)
	dices = make([]float64, n)
	for s := 0; s < n; s++ {
		var inter, sumP, sumG float64
		for i := s * per; i < (s+1)*per; i++ {
			pi, gi := float64(p[i]), float64(g[i])
			inter += pi * gi
			sumP += pi
			sumG += gi
		}
		union := sumP + sumG - inter
		ious[s] = inter / (union + OverlapEpsilon)
		dices[s] = 2 * inter / (sumP + sumG + OverlapEpsilon)
	}
	return ious, dices, nil
}

// OverlapAccumulator gathers per-batch losses and per-sample overlap scores
// over one pass. All means are weighted by sample count, so a short final
// batch counts for exactly its own samples.
type OverlapAccumulator struct {
	batchLosses []float64
	batchSizes  []float64
	ious        []float64
	dices       []float64
}

// Add records a batch's mean loss and its per-sample scores.
func (a *OverlapAccumulator) Add(meanLoss float64, ious, dices []float64) error {
	if len(ious) != len(dices) {
		return fmt.Errorf("%w: %d IoU scores vs %d Dice scores", tensor.ErrShapeMismatch, len(ious), len(dices))
	}
	if len(ious) == 0 {
		return nil
	}
	a.batchLosses = append(a.batchLosses, meanLoss)
	a.batchSizes = append(a.batchSizes, float64(len(ious)))
	a.ious = append(a.ious, ious...)
	a.dices = append(a.dices, dices...)
	return nil
}

// Samples returns the number of samples recorded.
func (a *OverlapAccumulator) Samples() int {
	return len(a.ious)
}

// Batches returns the number of non-empty batches recorded.
func (a *OverlapAccumulator) Batches() int {
	return len(a.batchLosses)
}

// MeanLoss returns Σ(loss_b · n_b) / Σ n_b.
func (a *OverlapAccumulator) MeanLoss() (float64, error) {
	if a.Samples() == 0 {
		return 0, ErrEmptyBatchProvider
	}
	return stat.Mean(a.batchLosses, a.batchSizes), nil
}

// MeanIoU returns the mean of all per-sample IoU scores.
func (a *OverlapAccumulator) MeanIoU() (float64, error) {
	if a.Samples() == 0 {
		return 0, ErrEmptyBatchProvider
	}
	return stat.Mean(a.ious, nil), nil
}

// MeanDice returns the mean of all per-sample Dice scores.
func (a *OverlapAccumulator) MeanDice() (float64, error) {
	if a.Samples() == 0 {
		return 0, ErrEmptyBatchProvider
	}
	return stat.Mean(a.dices, nil), nil
}

// Result summarises the pass; it fails with ErrEmptyBatchProvider when no
// samples were seen.
func (a *OverlapAccumulator) Result() (EvalResult, error) {
	loss, err := a.MeanLoss()
	if err != nil {
		return EvalResult{}, err
	}
	iou, _ := a.MeanIoU()
	dice, _ := a.MeanDice()
	return EvalResult{
		Loss:    loss,
		IoU:     iou,
		Dice:    dice,
		Samples: a.Samples(),
		Batches: a.Batches(),
	}, nil
}

// Reset clears all recorded values.
func (a *OverlapAccumulator) Reset() {
	a.batchLosses = a.batchLosses[:0]
	a.batchSizes = a.batchSizes[:0]
	a.ious = a.ious[:0]
	a.dices = a.dices[:0]
}

// EvalResult holds the aggregates of a validation or evaluation pass.
type EvalResult struct {
	Loss    float64
	IoU     float64
	Dice    float64
	Samples int
	Batches int
}
