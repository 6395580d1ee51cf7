package checkpoints

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/tsawler/go-lesionseg/layers"
	"github.com/tsawler/go-lesionseg/tensor"
	"github.com/tsawler/go-lesionseg/training"
)

// CheckpointFormat defines the serialization format
type CheckpointFormat int

const (
	FormatJSON CheckpointFormat = iota
	FormatONNX
)

func (cf CheckpointFormat) String() string {
	switch cf {
	case FormatJSON:
		return "JSON"
	case FormatONNX:
		return "ONNX"
	default:
		return "Unknown"
	}
}

// Extension returns the file extension for the format, without the dot.
func (cf CheckpointFormat) Extension() string {
	if cf == FormatONNX {
		return "onnx"
	}
	return "json"
}

// Checkpoint represents a complete model state including weights, optimizer state, and training metadata
type Checkpoint struct {
	// Model architecture and weights
	Model   []ModelPart    `json:"model"`
	Weights []WeightTensor `json:"weights"`

	TrainingState  TrainingState           `json:"training_state"`
	OptimizerState *OptimizerState         `json:"optimizer_state,omitempty"`
	History        []training.EpochMetrics `json:"history,omitempty"`

	Metadata CheckpointMetadata `json:"metadata"`
}

// ModelPart is one named, compiled section of the network. Weight names of
// a part are prefixed with its name.
type ModelPart struct {
	Name string            `json:"name"`
	Spec *layers.ModelSpec `json:"spec"`
}

// WeightTensor represents a model parameter tensor with its data
type WeightTensor struct {
	Name  string    `json:"name"`
	Shape []int     `json:"shape"`
	Data  []float32 `json:"data"`
}

// TrainingState captures the progress of a completed run. The best
// validation scores are omitted for runs trained without a validation split.
type TrainingState struct {
	Epoch         int     `json:"epoch"`
	Step          int64   `json:"step"`
	LearningRate  float64 `json:"learning_rate"`
	BestValidLoss float64 `json:"best_valid_loss,omitempty"`
	BestValidIoU  float64 `json:"best_valid_iou,omitempty"`
	BestValidDice float64 `json:"best_valid_dice,omitempty"`
	FreezeEncoder bool    `json:"freeze_encoder"`
}

// OptimizerState captures optimizer-specific state (moments, velocities)
type OptimizerState struct {
	Type       string             `json:"type"` // "SGD", "Adam"
	Step       int64              `json:"step"`
	Parameters map[string]float64 `json:"parameters"`
	StateData  []OptimizerTensor  `json:"state_data"`
}

// OptimizerTensor is one per-parameter optimizer buffer
type OptimizerTensor struct {
	Param     int       `json:"param"`
	Data      []float32 `json:"data"`
	StateType string    `json:"state_type"` // "m", "v", "velocity"
}

// CheckpointMetadata contains checkpoint metadata
type CheckpointMetadata struct {
	RunID       string    `json:"run_id"`
	Version     string    `json:"version"`
	Framework   string    `json:"framework"`
	CreatedAt   time.Time `json:"created_at"`
	Description string    `json:"description,omitempty"`
	Tags        []string  `json:"tags,omitempty"`
}

// NewRunID returns a fresh identifier for a training run.
func NewRunID() string {
	return uuid.NewString()
}

// CheckpointSaver handles saving model checkpoints in various formats
type CheckpointSaver struct {
	format CheckpointFormat
}

// NewCheckpointSaver creates a new checkpoint saver for the specified format
func NewCheckpointSaver(format CheckpointFormat) *CheckpointSaver {
	return &CheckpointSaver{
		format: format,
	}
}

// SaveCheckpoint saves a complete model checkpoint. The ONNX format keeps
// only the graph and weights.
func (cs *CheckpointSaver) SaveCheckpoint(checkpoint *Checkpoint, path string) error {
	switch cs.format {
	case FormatJSON:
		return cs.saveJSON(checkpoint, path)
	case FormatONNX:
		return ExportWeights(path, checkpoint.Model, checkpoint.Weights)
	default:
		return fmt.Errorf("unsupported checkpoint format: %s", cs.format.String())
	}
}

// LoadCheckpoint loads a model checkpoint
func (cs *CheckpointSaver) LoadCheckpoint(path string) (*Checkpoint, error) {
	switch cs.format {
	case FormatJSON:
		return cs.loadJSON(path)
	case FormatONNX:
		weights, err := ImportWeights(path)
		if err != nil {
			return nil, err
		}
		return &Checkpoint{
			Weights:  weights,
			Metadata: CheckpointMetadata{Description: "imported from " + path},
		}, nil
	default:
		return nil, fmt.Errorf("unsupported checkpoint format: %s", cs.format.String())
	}
}

func (cs *CheckpointSaver) saveJSON(checkpoint *Checkpoint, path string) error {
	if checkpoint.Metadata.Framework == "" {
		checkpoint.Metadata.Framework = "go-lesionseg"
		checkpoint.Metadata.Version = "1.0.0"
	}
	if checkpoint.Metadata.RunID == "" {
		checkpoint.Metadata.RunID = NewRunID()
	}
	if checkpoint.Metadata.CreatedAt.IsZero() {
		checkpoint.Metadata.CreatedAt = time.Now()
	}

	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create checkpoint file: %w", err)
	}
	defer file.Close()

	encoder := json.NewEncoder(file)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(checkpoint); err != nil {
		return fmt.Errorf("failed to encode checkpoint: %w", err)
	}
	return file.Close()
}

func (cs *CheckpointSaver) loadJSON(path string) (*Checkpoint, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open checkpoint file: %w", err)
	}
	defer file.Close()

	var checkpoint Checkpoint
	if err := json.NewDecoder(file).Decode(&checkpoint); err != nil {
		return nil, fmt.Errorf("failed to decode checkpoint: %w", err)
	}
	return &checkpoint, nil
}

// ExtractWeights copies every named tensor of a model's state.
func ExtractWeights(state []training.NamedTensor) ([]WeightTensor, error) {
	weights := make([]WeightTensor, 0, len(state))
	for _, nt := range state {
		data, err := nt.Tensor.GetFloat32Data()
		if err != nil {
			return nil, fmt.Errorf("failed to extract %s: %w", nt.Name, err)
		}
		weights = append(weights, WeightTensor{
			Name:  nt.Name,
			Shape: append([]int(nil), nt.Tensor.Shape...),
			Data:  append([]float32(nil), data...),
		})
	}
	return weights, nil
}

// LoadWeights copies weights into the state tensors with the same name.
// Weights without a matching state entry are ignored. Every state entry
// must be covered; the names of uncovered entries are reported. A shape
// disagreement fails with tensor.ErrShapeMismatch. Nothing is copied
// unless every entry checks out.
func LoadWeights(state []training.NamedTensor, weights []WeightTensor) error {
	byName := make(map[string]WeightTensor, len(weights))
	for _, w := range weights {
		byName[w.Name] = w
	}

	var missing []string
	dsts := make([][]float32, len(state))
	srcs := make([][]float32, len(state))
	for i, nt := range state {
		w, ok := byName[nt.Name]
		if !ok {
			missing = append(missing, nt.Name)
			continue
		}
		if !tensor.SameShape(nt.Tensor.Shape, w.Shape) || len(w.Data) != nt.Tensor.NumElems {
			return fmt.Errorf("%w: weight %s has shape %v (%d values), model expects %v",
				tensor.ErrShapeMismatch, w.Name, w.Shape, len(w.Data), nt.Tensor.Shape)
		}
		dst, err := nt.Tensor.GetFloat32Data()
		if err != nil {
			return fmt.Errorf("weight %s: %w", nt.Name, err)
		}
		dsts[i], srcs[i] = dst, w.Data
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return fmt.Errorf("no weights for %d tensors: %s", len(missing), strings.Join(missing, ", "))
	}

	for i := range dsts {
		copy(dsts[i], srcs[i])
	}
	return nil
}

// FromSnapshot converts an optimizer snapshot to its serialisable form.
func FromSnapshot(snap training.OptimizerSnapshot) *OptimizerState {
	state := &OptimizerState{
		Type:       snap.Type,
		Step:       snap.Step,
		Parameters: snap.Hyperparameters,
	}
	for _, b := range snap.Buffers {
		state.StateData = append(state.StateData, OptimizerTensor{Param: b.Param, Data: b.Data, StateType: b.Kind})
	}
	return state
}

// Snapshot converts the stored state back for Optimizer.Restore.
func (s *OptimizerState) Snapshot() training.OptimizerSnapshot {
	snap := training.OptimizerSnapshot{
		Type:            s.Type,
		Step:            s.Step,
		Hyperparameters: s.Parameters,
	}
	for _, t := range s.StateData {
		snap.Buffers = append(snap.Buffers, training.OptimizerBuffer{Param: t.Param, Kind: t.StateType, Data: t.Data})
	}
	return snap
}
