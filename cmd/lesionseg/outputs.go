package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/tsawler/go-lesionseg/checkpoints"
	"github.com/tsawler/go-lesionseg/config"
	"github.com/tsawler/go-lesionseg/internal/logger"
	"github.com/tsawler/go-lesionseg/models"
	"github.com/tsawler/go-lesionseg/training"
)

// TestMetrics is the final evaluation written to test_metrics.json.
type TestMetrics struct {
	RunID   string  `json:"run_id"`
	Loss    float64 `json:"loss"`
	IoU     float64 `json:"iou"`
	Dice    float64 `json:"dice"`
	Samples int     `json:"samples"`
	Batches int     `json:"batches"`
}

type outputFile struct {
	name  string
	value interface{}
}

type outputs struct {
	dir   string
	runID string
	log   logger.Logger
}

func (o *outputs) writeJSON(name string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", name, err)
	}
	path := filepath.Join(o.dir, name)
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	o.log.Debug(component, "wrote output", map[string]interface{}{"path": path, "size": humanize.Bytes(uint64(len(data)))})
	return nil
}

// bestState summarises the history: the lowest validation loss and the
// highest validation IoU and Dice. Epochs without validation samples do not
// contribute, so a run without a validation split has no best scores.
func bestState(history []training.EpochMetrics, lr float64, freeze bool) checkpoints.TrainingState {
	state := checkpoints.TrainingState{LearningRate: lr, FreezeEncoder: freeze}
	validated := false
	for _, m := range history {
		state.Epoch = m.Epoch
		state.Step += int64(m.Batches)
		if m.ValidSamples == 0 {
			continue
		}
		if !validated || m.ValidLoss < state.BestValidLoss {
			state.BestValidLoss = m.ValidLoss
		}
		if m.ValidIoU > state.BestValidIoU {
			state.BestValidIoU = m.ValidIoU
		}
		if m.ValidDice > state.BestValidDice {
			state.BestValidDice = m.ValidDice
		}
		validated = true
	}
	return state
}

// write stores the curves, the test metrics, the mask samples, a JSON
// checkpoint and an ONNX export under the output directory. Comparisons are
// written only when a reference run was given.
func (o *outputs) write(cfg config.Config, model *models.SegmentationModel, optimizer training.Optimizer,
	history []training.EpochMetrics, collector *training.VisualizationCollector,
	result training.EvalResult, samples []training.MaskSample, comparisons []training.MaskComparison) error {

	if err := os.MkdirAll(o.dir, 0755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}

	files := []outputFile{
		{"training_curves.json", collector.GenerateTrainingCurvesPlot()},
		{"overlap_curves.json", collector.GenerateOverlapCurvesPlot()},
		{"learning_rate.json", collector.GenerateLearningRateSchedulePlot()},
		{"history.json", history},
		{"test_metrics.json", TestMetrics{
			RunID:   o.runID,
			Loss:    result.Loss,
			IoU:     result.IoU,
			Dice:    result.Dice,
			Samples: result.Samples,
			Batches: result.Batches,
		}},
		{"mask_samples.json", samples},
	}
	if comparisons != nil {
		files = append(files, outputFile{"mask_comparison.json", comparisons})
	}
	for _, f := range files {
		if err := o.writeJSON(f.name, f.value); err != nil {
			return err
		}
	}

	weights, err := checkpoints.ExtractWeights(model.State())
	if err != nil {
		return err
	}
	var parts []checkpoints.ModelPart
	for _, s := range model.Specs() {
		parts = append(parts, checkpoints.ModelPart{Name: s.Name, Spec: s.Spec})
	}

	ckpt := &checkpoints.Checkpoint{
		Model:          parts,
		Weights:        weights,
		TrainingState:  bestState(history, optimizer.GetLR(), cfg.FreezeEncoder),
		OptimizerState: checkpoints.FromSnapshot(optimizer.Snapshot()),
		History:        history,
		Metadata: checkpoints.CheckpointMetadata{
			RunID:       o.runID,
			Version:     "1.0.0",
			Framework:   "go-lesionseg",
			CreatedAt:   time.Now(),
			Description: fmt.Sprintf("%d epochs, freeze_encoder=%v", len(history), cfg.FreezeEncoder),
			Tags:        []string{"isic2016", "segmentation"},
		},
	}

	for _, format := range []checkpoints.CheckpointFormat{checkpoints.FormatJSON, checkpoints.FormatONNX} {
		path := filepath.Join(o.dir, "model."+format.Extension())
		if err := checkpoints.NewCheckpointSaver(format).SaveCheckpoint(ckpt, path); err != nil {
			return fmt.Errorf("failed to save %s checkpoint: %w", format, err)
		}
		fields := map[string]interface{}{"path": path, "format": format.String()}
		if info, err := os.Stat(path); err == nil {
			fields["size"] = humanize.Bytes(uint64(info.Size()))
		}
		o.log.Info(component, "checkpoint saved", fields)
	}
	return nil
}
