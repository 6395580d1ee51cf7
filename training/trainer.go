package training

import (
	"fmt"
	"io"
	"math"
	"time"

	"github.com/tsawler/go-lesionseg/internal/logger"
	"github.com/tsawler/go-lesionseg/tensor"
)

const component = "trainer"

// TrainingState is the phase the trainer is currently in.
type TrainingState int

const (
	StateIdle TrainingState = iota
	StateTrainingStep
	StateValidating
	StateReporting
)

func (s TrainingState) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateTrainingStep:
		return "TrainingStep"
	case StateValidating:
		return "Validating"
	case StateReporting:
		return "Reporting"
	default:
		return "Unknown"
	}
}

// TrainingConfig holds configuration for training
type TrainingConfig struct {
	Epochs       int
	LearningRate float64     // base rate handed to the scheduler
	Scheduler    LRScheduler // nil keeps LearningRate for every epoch
	Progress     io.Writer   // per-batch progress bar destination, nil disables it
}

// EpochMetrics holds the aggregates of one epoch. All means are weighted by
// sample count. Validation fields stay zero and are left out of the JSON
// form when no validation loader was given; ValidSamples tells the cases
// apart.
type EpochMetrics struct {
	Epoch        int           `json:"epoch"`
	TrainLoss    float64       `json:"train_loss"`
	ValidLoss    float64       `json:"valid_loss,omitempty"`
	TrainIoU     float64       `json:"train_iou"`
	ValidIoU     float64       `json:"valid_iou,omitempty"`
	TrainDice    float64       `json:"train_dice"`
	ValidDice    float64       `json:"valid_dice,omitempty"`
	TrainSamples int           `json:"train_samples"`
	ValidSamples int           `json:"valid_samples,omitempty"`
	Batches      int           `json:"batches"`
	Duration     time.Duration `json:"duration"`
	LearningRate float64       `json:"learning_rate"`
}

// EpochReporter receives every completed epoch.
type EpochReporter interface {
	ReportEpoch(metrics EpochMetrics) error
}

// Trainer manages the training process
type Trainer struct {
	model     Module
	optimizer Optimizer
	criterion Loss
	config    TrainingConfig
	log       logger.Logger
	reporters []EpochReporter
	history   []EpochMetrics
	state     TrainingState
}

// NewTrainer creates a new Trainer. A nil logger discards log output.
func NewTrainer(model Module, optimizer Optimizer, criterion Loss, config TrainingConfig, log logger.Logger) *Trainer {
	if log == nil {
		log = logger.Nop()
	}
	if config.Scheduler == nil {
		config.Scheduler = &NoOpScheduler{}
	}
	return &Trainer{
		model:     model,
		optimizer: optimizer,
		criterion: criterion,
		config:    config,
		log:       log,
		state:     StateIdle,
	}
}

// AddReporter registers a hook called at the end of each epoch.
func (t *Trainer) AddReporter(r EpochReporter) {
	t.reporters = append(t.reporters, r)
}

// State returns the current phase.
func (t *Trainer) State() TrainingState {
	return t.state
}

// History returns the metrics of all completed epochs.
func (t *Trainer) History() []EpochMetrics {
	return append([]EpochMetrics(nil), t.history...)
}

// Train runs the configured number of epochs. Each epoch trains over a
// fresh pass of trainLoader, validates on validLoader when it is not nil,
// then records and reports the epoch. Any error aborts the run.
func (t *Trainer) Train(trainLoader, validLoader *DataLoader) error {
	defer func() { t.state = StateIdle }()

	t.log.Info(component, "starting training", map[string]interface{}{
		"epochs":    t.config.Epochs,
		"samples":   trainLoader.NumSamples(),
		"batches":   trainLoader.Len(),
		"scheduler": t.config.Scheduler.GetName(),
	})

	for epoch := 0; epoch < t.config.Epochs; epoch++ {
		epochStart := time.Now()
		lr := t.config.Scheduler.GetLR(epoch, t.config.LearningRate)
		t.optimizer.SetLR(lr)

		t.state = StateTrainingStep
		train, err := t.trainEpoch(trainLoader, epoch)
		if err != nil {
			return fmt.Errorf("training epoch %d failed: %w", epoch+1, err)
		}

		metrics := EpochMetrics{
			Epoch:        epoch + 1,
			TrainLoss:    train.Loss,
			TrainIoU:     train.IoU,
			TrainDice:    train.Dice,
			TrainSamples: train.Samples,
			Batches:      train.Batches,
			LearningRate: lr,
		}

		if validLoader != nil {
			t.state = StateValidating
			valid, err := t.Validate(validLoader)
			if err != nil {
				return fmt.Errorf("validation epoch %d failed: %w", epoch+1, err)
			}
			metrics.ValidLoss = valid.Loss
			metrics.ValidIoU = valid.IoU
			metrics.ValidDice = valid.Dice
			metrics.ValidSamples = valid.Samples

			if plateau, ok := t.config.Scheduler.(PlateauScheduler); ok {
				plateau.Step(valid.Loss, lr)
			}
		}
		metrics.Duration = time.Since(epochStart)

		t.state = StateReporting
		if err := t.report(metrics); err != nil {
			return fmt.Errorf("reporting epoch %d failed: %w", epoch+1, err)
		}
	}

	return nil
}

func (t *Trainer) report(metrics EpochMetrics) error {
	t.history = append(t.history, metrics)
	t.log.Info(component, "epoch complete", map[string]interface{}{
		"epoch":      metrics.Epoch,
		"train_loss": metrics.TrainLoss,
		"valid_loss": metrics.ValidLoss,
		"train_iou":  metrics.TrainIoU,
		"valid_iou":  metrics.ValidIoU,
		"train_dice": metrics.TrainDice,
		"valid_dice": metrics.ValidDice,
		"lr":         metrics.LearningRate,
		"duration":   metrics.Duration,
	})
	for _, r := range t.reporters {
		if err := r.ReportEpoch(metrics); err != nil {
			return err
		}
	}
	return nil
}

// trainEpoch runs one training pass
func (t *Trainer) trainEpoch(loader *DataLoader, epoch int) (EvalResult, error) {
	t.model.Train()

	var bar *ProgressBar
	if t.config.Progress != nil {
		bar = NewProgressBar(t.config.Progress, fmt.Sprintf("Epoch %d/%d", epoch+1, t.config.Epochs), loader.Len())
	}

	done := make(chan struct{})
	defer close(done)

	var acc OverlapAccumulator
	for result := range loader.Iterator(done) {
		if result.Err != nil {
			return EvalResult{}, result.Err
		}
		batch := result.Batch

		t.optimizer.ZeroGrad()

		output, err := t.model.Forward(batch.Data)
		if err != nil {
			return EvalResult{}, fmt.Errorf("forward pass failed: %w", err)
		}
		loss, err := t.lossOf(output, batch.Labels)
		if err != nil {
			return EvalResult{}, err
		}

		grad, err := t.criterion.Backward(output, batch.Labels)
		if err != nil {
			return EvalResult{}, fmt.Errorf("loss gradient failed: %w", err)
		}
		if _, err := t.model.Backward(grad); err != nil {
			return EvalResult{}, fmt.Errorf("backward pass failed: %w", err)
		}
		if err := t.optimizer.Step(); err != nil {
			return EvalResult{}, fmt.Errorf("optimizer step failed: %w", err)
		}

		if err := t.accumulate(&acc, loss, output, batch.Labels); err != nil {
			return EvalResult{}, err
		}

		if bar != nil {
			meanLoss, _ := acc.MeanLoss()
			meanIoU, _ := acc.MeanIoU()
			bar.Update(acc.Batches(), map[string]float64{"loss": meanLoss, "iou": meanIoU})
		}
	}
	if bar != nil {
		bar.Finish()
	}

	return acc.Result()
}

// Validate runs the model in eval mode over loader without updating any
// weights. It fails with ErrEmptyBatchProvider when loader has no samples.
func (t *Trainer) Validate(loader *DataLoader) (EvalResult, error) {
	t.model.Eval()

	done := make(chan struct{})
	defer close(done)

	var acc OverlapAccumulator
	for result := range loader.Iterator(done) {
		if result.Err != nil {
			return EvalResult{}, result.Err
		}
		output, err := t.model.Forward(result.Batch.Data)
		if err != nil {
			return EvalResult{}, fmt.Errorf("forward pass failed: %w", err)
		}
		loss, err := t.lossOf(output, result.Batch.Labels)
		if err != nil {
			return EvalResult{}, err
		}
		if err := t.accumulate(&acc, loss, output, result.Batch.Labels); err != nil {
			return EvalResult{}, err
		}
	}
	return acc.Result()
}

// Evaluate scores the model on a held-out loader, typically the test set.
func (t *Trainer) Evaluate(loader *DataLoader) (EvalResult, error) {
	result, err := t.Validate(loader)
	if err != nil {
		return EvalResult{}, fmt.Errorf("evaluation failed: %w", err)
	}
	t.log.Info(component, "evaluation complete", map[string]interface{}{
		"loss":    result.Loss,
		"iou":     result.IoU,
		"dice":    result.Dice,
		"samples": result.Samples,
	})
	return result, nil
}

// Predict runs inference on a single batch
func (t *Trainer) Predict(input *tensor.Tensor) (*tensor.Tensor, error) {
	t.model.Eval()
	return t.model.Forward(input)
}

func (t *Trainer) lossOf(output, labels *tensor.Tensor) (float64, error) {
	loss, err := t.criterion.Forward(output, labels)
	if err != nil {
		return 0, fmt.Errorf("loss computation failed: %w", err)
	}
	if math.IsNaN(loss) || math.IsInf(loss, 0) {
		return 0, fmt.Errorf("%w: %v", ErrNonFiniteLoss, loss)
	}
	return loss, nil
}

func (t *Trainer) accumulate(acc *OverlapAccumulator, loss float64, output, labels *tensor.Tensor) error {
	ious, dices, err := ComputeIoUDice(output, labels)
	if err != nil {
		return fmt.Errorf("metric computation failed: %w", err)
	}
	return acc.Add(loss, ious, dices)
}
