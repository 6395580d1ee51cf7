package training

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/tsawler/go-lesionseg/layers"
)

// ProgressBar renders a single-line batch progress indicator
type ProgressBar struct {
	out         io.Writer
	description string
	total       int
	current     int
	startTime   time.Time
	width       int
	metrics     map[string]float64
}

// NewProgressBar creates a progress bar that redraws itself on out
func NewProgressBar(out io.Writer, description string, total int) *ProgressBar {
	return &ProgressBar{
		out:         out,
		description: description,
		total:       total,
		startTime:   time.Now(),
		width:       40,
		metrics:     make(map[string]float64),
	}
}

// Update advances the progress bar
func (pb *ProgressBar) Update(step int, metrics map[string]float64) {
	pb.current = step
	for k, v := range metrics {
		pb.metrics[k] = v
	}
	pb.render()
}

// Finish completes the progress bar
func (pb *ProgressBar) Finish() {
	pb.current = pb.total
	pb.render()
	fmt.Fprintln(pb.out)
}

func (pb *ProgressBar) render() {
	percentage := 1.0
	if pb.total > 0 {
		percentage = float64(pb.current) / float64(pb.total)
	}
	if percentage > 1.0 {
		percentage = 1.0
	}

	filled := int(percentage * float64(pb.width))
	bar := strings.Repeat("█", filled) + strings.Repeat(" ", pb.width-filled)

	elapsed := time.Since(pb.startTime)
	var eta time.Duration
	var rate float64
	if pb.current > 0 {
		rate = float64(pb.current) / elapsed.Seconds()
		eta = time.Duration(float64(elapsed)/percentage) - elapsed
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "\r%s: %3.0f%%|%s| %d/%d [%s<%s",
		pb.description, percentage*100, bar, pb.current, pb.total,
		formatDuration(elapsed), formatDuration(eta))
	if rate > 0 {
		fmt.Fprintf(&sb, ", %.2fbatch/s", rate)
	}

	keys := make([]string, 0, len(pb.metrics))
	for k := range pb.metrics {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&sb, ", %s=%.4f", k, pb.metrics[k])
	}
	sb.WriteString("]")

	fmt.Fprint(pb.out, sb.String())
}

// formatDuration formats duration as MM:SS
func formatDuration(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	minutes := int(d.Minutes())
	seconds := int(d.Seconds()) % 60
	return fmt.Sprintf("%02d:%02d", minutes, seconds)
}

// NamedSpec labels one compiled part of a composite model.
type NamedSpec struct {
	Name string
	Spec *layers.ModelSpec
}

// ModelArchitecturePrinter prints PyTorch-style model architecture
type ModelArchitecturePrinter struct {
	modelName string
}

// NewModelArchitecturePrinter creates a new model architecture printer
func NewModelArchitecturePrinter(modelName string) *ModelArchitecturePrinter {
	return &ModelArchitecturePrinter{modelName: modelName}
}

// PrintArchitecture writes every part's layers followed by the parameter
// summary. trainable and frozen are the live counts, which can differ from
// the specs when a part has been frozen or unfrozen after compilation.
func (p *ModelArchitecturePrinter) PrintArchitecture(w io.Writer, parts []NamedSpec, trainable, frozen int64) {
	fmt.Fprintf(w, "%s(\n", p.modelName)
	var activations int64
	var inputShape []int
	for _, part := range parts {
		fmt.Fprintf(w, "  (%s): Sequential(\n", part.Name)
		for _, layer := range part.Spec.Layers {
			fmt.Fprintf(w, "    %s\n", formatLayer(layer))
			activations += int64(numel(layer.OutputShape))
		}
		fmt.Fprintf(w, "  )\n")
		if inputShape == nil {
			inputShape = part.Spec.InputShape
		}
	}
	fmt.Fprintf(w, ")\n\n")

	fmt.Fprintf(w, "Total params: %s\n", humanize.Comma(trainable+frozen))
	fmt.Fprintf(w, "Trainable params: %s\n", humanize.Comma(trainable))
	fmt.Fprintf(w, "Non-trainable params: %s\n", humanize.Comma(frozen))
	fmt.Fprintf(w, "Input size: %s\n", humanize.IBytes(uint64(numel(inputShape))*4))
	// Forward activations are kept for the backward pass, hence x2.
	fmt.Fprintf(w, "Forward/backward pass size: %s\n", humanize.IBytes(uint64(activations)*4*2))
	fmt.Fprintf(w, "Params size: %s\n\n", humanize.IBytes(uint64(trainable+frozen)*4))
}

func formatLayer(layer layers.LayerSpec) string {
	switch layer.Type {
	case layers.Conv2D:
		k := layer.IntParam("kernel_size", 0)
		s := layer.IntParam("stride", 1)
		pad := layer.IntParam("padding", 0)
		return fmt.Sprintf("(%s): Conv2d(%d, %d, kernel_size=(%d, %d), stride=(%d, %d), padding=(%d, %d))",
			layer.Name, layer.IntParam("input_channels", 0), layer.IntParam("output_channels", 0), k, k, s, s, pad, pad)
	case layers.BatchNorm:
		return fmt.Sprintf("(%s): BatchNorm2d(%d, eps=%g, momentum=%g)",
			layer.Name, layer.IntParam("num_features", 0), layer.FloatParam("eps", 1e-5), layer.FloatParam("momentum", 0.1))
	case layers.LeakyReLU:
		return fmt.Sprintf("(%s): LeakyReLU(negative_slope=%g)", layer.Name, layer.FloatParam("negative_slope", 0.01))
	case layers.Upsample:
		return fmt.Sprintf("(%s): Upsample(scale_factor=%d, mode='bilinear', align_corners=True)", layer.Name, layer.IntParam("scale", 2))
	case layers.Dropout:
		return fmt.Sprintf("(%s): Dropout(p=%g)", layer.Name, layer.FloatParam("rate", 0))
	default:
		return fmt.Sprintf("(%s): %s()", layer.Name, layer.Type)
	}
}

func numel(shape []int) int {
	if len(shape) == 0 {
		return 0
	}
	n := 1
	for _, d := range shape {
		n *= d
	}
	return n
}
