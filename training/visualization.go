package training

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// PlotType identifies the kind of chart a PlotData describes
type PlotType string

const (
	TrainingCurves       PlotType = "training_curves"
	OverlapCurves        PlotType = "overlap_curves"
	LearningRateSchedule PlotType = "learning_rate_schedule"
)

// PlotData is a self-describing, renderer-agnostic chart payload
type PlotData struct {
	PlotType  PlotType     `json:"plot_type"`
	Title     string       `json:"title"`
	Timestamp time.Time    `json:"timestamp"`
	ModelName string       `json:"model_name"`
	Series    []SeriesData `json:"series"`
	Config    PlotConfig   `json:"config"`
}

// SeriesData represents a single data series in a plot
type SeriesData struct {
	Name  string                 `json:"name"`
	Type  string                 `json:"type"` // "line" or "scatter"
	Data  []DataPoint            `json:"data"`
	Style map[string]interface{} `json:"style,omitempty"`
}

// DataPoint is one (x, y) sample of a series
type DataPoint struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// PlotConfig contains plot-specific configuration
type PlotConfig struct {
	XAxisLabel string `json:"x_axis_label"`
	YAxisLabel string `json:"y_axis_label"`
	YAxisScale string `json:"y_axis_scale"` // "linear" or "log"
	ShowLegend bool   `json:"show_legend"`
	ShowGrid   bool   `json:"show_grid"`
	Width      int    `json:"width"`
	Height     int    `json:"height"`
}

// VisualizationCollector records epoch history as plain series for an
// external plotting tool. It implements EpochReporter.
type VisualizationCollector struct {
	modelName string
	mu        sync.Mutex
	epochs    []EpochMetrics
}

// NewVisualizationCollector creates an empty collector
func NewVisualizationCollector(modelName string) *VisualizationCollector {
	return &VisualizationCollector{modelName: modelName}
}

// ReportEpoch appends one epoch's metrics.
func (vc *VisualizationCollector) ReportEpoch(metrics EpochMetrics) error {
	vc.mu.Lock()
	defer vc.mu.Unlock()
	vc.epochs = append(vc.epochs, metrics)
	return nil
}

// Epochs returns the recorded epochs in order.
func (vc *VisualizationCollector) Epochs() []EpochMetrics {
	vc.mu.Lock()
	defer vc.mu.Unlock()
	return append([]EpochMetrics(nil), vc.epochs...)
}

func (vc *VisualizationCollector) series(name, color string, dashed bool, value func(EpochMetrics) float64) SeriesData {
	s := SeriesData{
		Name:  name,
		Type:  "line",
		Data:  make([]DataPoint, 0, len(vc.epochs)),
		Style: map[string]interface{}{"color": color, "line_width": 2},
	}
	if dashed {
		s.Style["line_style"] = "dashed"
	}
	for _, e := range vc.epochs {
		s.Data = append(s.Data, DataPoint{X: float64(e.Epoch), Y: value(e)})
	}
	return s
}

func (vc *VisualizationCollector) hasValidation() bool {
	for _, e := range vc.epochs {
		if e.ValidSamples > 0 {
			return true
		}
	}
	return false
}

func (vc *VisualizationCollector) plot(kind PlotType, title, yLabel, yScale string, series []SeriesData) PlotData {
	return PlotData{
		PlotType:  kind,
		Title:     fmt.Sprintf("%s - %s", title, vc.modelName),
		Timestamp: time.Now(),
		ModelName: vc.modelName,
		Series:    series,
		Config: PlotConfig{
			XAxisLabel: "Epoch",
			YAxisLabel: yLabel,
			YAxisScale: yScale,
			ShowLegend: true,
			ShowGrid:   true,
			Width:      800,
			Height:     600,
		},
	}
}

// GenerateTrainingCurvesPlot returns training and validation loss per epoch.
func (vc *VisualizationCollector) GenerateTrainingCurvesPlot() PlotData {
	vc.mu.Lock()
	defer vc.mu.Unlock()

	series := []SeriesData{
		vc.series("Training Loss", "#FF6B6B", false, func(e EpochMetrics) float64 { return e.TrainLoss }),
	}
	if vc.hasValidation() {
		series = append(series,
			vc.series("Validation Loss", "#FF9F43", true, func(e EpochMetrics) float64 { return e.ValidLoss }))
	}
	return vc.plot(TrainingCurves, "Training Curves", "BCE Loss", "linear", series)
}

// GenerateOverlapCurvesPlot returns IoU and Dice per epoch.
func (vc *VisualizationCollector) GenerateOverlapCurvesPlot() PlotData {
	vc.mu.Lock()
	defer vc.mu.Unlock()

	series := []SeriesData{
		vc.series("Training IoU", "#4ECDC4", false, func(e EpochMetrics) float64 { return e.TrainIoU }),
		vc.series("Training Dice", "#5F27CD", false, func(e EpochMetrics) float64 { return e.TrainDice }),
	}
	if vc.hasValidation() {
		series = append(series,
			vc.series("Validation IoU", "#1DD1A1", true, func(e EpochMetrics) float64 { return e.ValidIoU }),
			vc.series("Validation Dice", "#341F97", true, func(e EpochMetrics) float64 { return e.ValidDice }))
	}
	return vc.plot(OverlapCurves, "Overlap Scores", "Score", "linear", series)
}

// GenerateLearningRateSchedulePlot returns the learning rate used per epoch.
func (vc *VisualizationCollector) GenerateLearningRateSchedulePlot() PlotData {
	vc.mu.Lock()
	defer vc.mu.Unlock()

	series := []SeriesData{
		vc.series("Learning Rate", "#6C5CE7", false, func(e EpochMetrics) float64 { return e.LearningRate }),
	}
	return vc.plot(LearningRateSchedule, "Learning Rate Schedule", "Learning Rate", "log", series)
}

// ToJSON converts plot data to JSON string
func (pd PlotData) ToJSON() (string, error) {
	jsonData, err := json.MarshalIndent(pd, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal plot data to JSON: %w", err)
	}
	return string(jsonData), nil
}

// MaskSample is one predicted probability map with its ground truth.
type MaskSample struct {
	Index      int       `json:"index"`
	Height     int       `json:"height"`
	Width      int       `json:"width"`
	Prediction []float32 `json:"prediction"`
	Label      []float32 `json:"label"`
}

// MaskComparison holds the predictions of two models for the same test
// sample, for example a frozen-encoder run next to a fine-tuned one.
type MaskComparison struct {
	Index     int       `json:"index"`
	Height    int       `json:"height"`
	Width     int       `json:"width"`
	Label     []float32 `json:"label"`
	Current   []float32 `json:"current"`
	Reference []float32 `json:"reference"`
}

// firstOfBatches puts every model in eval mode, walks the first limit
// batches of one fresh pass and hands fn the first sample of each batch
// together with each model's prediction for it, in model order.
func firstOfBatches(models []Module, loader *DataLoader, limit int, fn func(index, height, width int, label []float32, preds [][]float32)) error {
	for _, m := range models {
		m.Eval()
	}

	done := make(chan struct{})
	defer close(done)

	seen := 0
	for result := range loader.Iterator(done) {
		if result.Err != nil {
			return result.Err
		}
		batch := result.Batch
		label, err := batch.Labels.Slice(0, 1)
		if err != nil {
			return err
		}
		preds := make([][]float32, len(models))
		for i, m := range models {
			output, err := m.Forward(batch.Data)
			if err != nil {
				return fmt.Errorf("forward pass failed: %w", err)
			}
			pred, err := output.Slice(0, 1)
			if err != nil {
				return err
			}
			preds[i] = pred.Data.([]float32)
		}
		h, w := label.Shape[len(label.Shape)-2], label.Shape[len(label.Shape)-1]
		fn(batch.Indices[0], h, w, label.Data.([]float32), preds)
		if seen++; seen == limit {
			break
		}
	}
	return nil
}

// CollectMaskSamples runs model in eval mode over the first limit batches
// of a fresh pass and keeps the first sample of each. It is independent of
// metric computation and never updates weights.
func CollectMaskSamples(model Module, loader *DataLoader, limit int) ([]MaskSample, error) {
	if limit <= 0 {
		return nil, nil
	}
	var samples []MaskSample
	err := firstOfBatches([]Module{model}, loader, limit, func(index, h, w int, label []float32, preds [][]float32) {
		samples = append(samples, MaskSample{Index: index, Height: h, Width: w, Prediction: preds[0], Label: label})
	})
	if err != nil {
		return nil, err
	}
	return samples, nil
}

// CompareMaskSamples is CollectMaskSamples for two models on the same
// batches.
func CompareMaskSamples(current, reference Module, loader *DataLoader, limit int) ([]MaskComparison, error) {
	if limit <= 0 {
		return nil, nil
	}
	var pairs []MaskComparison
	err := firstOfBatches([]Module{current, reference}, loader, limit, func(index, h, w int, label []float32, preds [][]float32) {
		pairs = append(pairs, MaskComparison{
			Index:     index,
			Height:    h,
			Width:     w,
			Label:     label,
			Current:   preds[0],
			Reference: preds[1],
		})
	})
	if err != nil {
		return nil, err
	}
	return pairs, nil
}
