// Package config holds the static run configuration. It is read once at
// startup and passed into constructors.
package config

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"
)

// DataConfig locates the ISIC directories. Relative directory names are
// resolved against Root.
type DataConfig struct {
	Root        string `toml:"root"`
	TrainImages string `toml:"train_images"`
	TrainMasks  string `toml:"train_masks"`
	TestImages  string `toml:"test_images"`
	TestMasks   string `toml:"test_masks"`
	MaskSuffix  string `toml:"mask_suffix"`
}

// Config is the complete run configuration.
type Config struct {
	Data DataConfig `toml:"data"`

	BatchSize          int     `toml:"batch_size"`
	NumClasses         int     `toml:"num_classes"`
	Epochs             int     `toml:"epochs"`
	LearningRate       float64 `toml:"learning_rate"`
	ValidationFraction float64 `toml:"validation_fraction"`

	Resize          int     `toml:"resize"`
	CropSize        int     `toml:"crop_size"`
	FlipProbability float64 `toml:"flip_probability"`
	FlipTest        bool    `toml:"flip_test"`

	DecoderWidths   []int   `toml:"decoder_widths"`
	DecoderDropout  float64 `toml:"decoder_dropout"`
	FreezeEncoder   bool    `toml:"freeze_encoder"`
	EncoderWeights  string  `toml:"encoder_weights"`
	EncoderChannels int     `toml:"encoder_channels"`

	Optimizer   string  `toml:"optimizer"`
	Momentum    float64 `toml:"momentum"`
	WeightDecay float64 `toml:"weight_decay"`
	Scheduler   string  `toml:"scheduler"`

	Device           string `toml:"device"`
	AllowCPUFallback bool   `toml:"allow_cpu_fallback"`
	Prefetch         int    `toml:"prefetch"`
	CacheSize        int    `toml:"cache_size"`
	Seed             int64  `toml:"seed"`

	OutputDir   string `toml:"output_dir"`
	MaskSamples int    `toml:"mask_samples"`
	LogLevel    string `toml:"log_level"`
	LogFormat   string `toml:"log_format"`

	// CompareCheckpoint names a JSON checkpoint of an earlier run whose
	// test predictions are written next to this run's.
	CompareCheckpoint string `toml:"compare_checkpoint"`
}

// DefaultConfig returns the frozen-encoder experiment settings.
func DefaultConfig() Config {
	return Config{
		Data: DataConfig{
			Root:        "data",
			TrainImages: "train",
			TrainMasks:  "train_masks",
			TestImages:  "test",
			TestMasks:   "test_masks",
			MaskSuffix:  "_Segmentation",
		},
		BatchSize:          16,
		NumClasses:         1,
		Epochs:             30,
		LearningRate:       0.001,
		ValidationFraction: 0.1,
		Resize:             128,
		CropSize:           128,
		FlipProbability:    0.5,
		FlipTest:           true,
		DecoderWidths:      []int{64, 32, 16, 8, 1},
		FreezeEncoder:      true,
		EncoderChannels:    1280,
		Optimizer:          "adam",
		Scheduler:          "constant",
		Device:             "cpu",
		Prefetch:           2,
		CacheSize:          512,
		Seed:               42,
		OutputDir:          "output",
		MaskSamples:        4,
		LogLevel:           "info",
		LogFormat:          "console",
	}
}

// Load reads a TOML file over the defaults. Keys the file sets replace the
// default values; unknown keys are an error.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()
	md, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		sort.Strings(keys)
		return Config{}, fmt.Errorf("unknown config keys in %s: %s", path, strings.Join(keys, ", "))
	}
	return cfg, nil
}

// Validate checks every field. It reports the first problem found.
func (c Config) Validate() error {
	switch {
	case c.NumClasses != 1:
		return fmt.Errorf("num_classes must be 1 for binary segmentation, got %d", c.NumClasses)
	case c.BatchSize <= 0:
		return fmt.Errorf("batch_size must be positive, got %d", c.BatchSize)
	case c.Epochs <= 0:
		return fmt.Errorf("epochs must be positive, got %d", c.Epochs)
	case c.LearningRate <= 0:
		return fmt.Errorf("learning_rate must be positive, got %g", c.LearningRate)
	case c.ValidationFraction < 0 || c.ValidationFraction >= 1:
		return fmt.Errorf("validation_fraction must be in [0, 1), got %g", c.ValidationFraction)
	case c.Resize <= 0 || c.CropSize <= 0:
		return fmt.Errorf("resize and crop_size must be positive, got %d and %d", c.Resize, c.CropSize)
	case c.CropSize > c.Resize:
		return fmt.Errorf("crop_size %d exceeds resize %d", c.CropSize, c.Resize)
	case c.FlipProbability < 0 || c.FlipProbability > 1:
		return fmt.Errorf("flip_probability must be in [0, 1], got %g", c.FlipProbability)
	case len(c.DecoderWidths) == 0:
		return fmt.Errorf("decoder_widths must not be empty")
	case c.DecoderWidths[len(c.DecoderWidths)-1] != c.NumClasses:
		return fmt.Errorf("last decoder width must equal num_classes (%d), got %d", c.NumClasses, c.DecoderWidths[len(c.DecoderWidths)-1])
	case c.DecoderDropout < 0 || c.DecoderDropout >= 1:
		return fmt.Errorf("decoder_dropout must be in [0, 1), got %g", c.DecoderDropout)
	case c.EncoderChannels <= 0:
		return fmt.Errorf("encoder_channels must be positive, got %d", c.EncoderChannels)
	case c.WeightDecay < 0 || c.Momentum < 0:
		return fmt.Errorf("weight_decay and momentum must not be negative")
	case c.Prefetch < 0 || c.CacheSize < 0:
		return fmt.Errorf("prefetch and cache_size must not be negative")
	case c.MaskSamples < 0:
		return fmt.Errorf("mask_samples must not be negative, got %d", c.MaskSamples)
	}

	for _, w := range c.DecoderWidths {
		if w <= 0 {
			return fmt.Errorf("decoder widths must be positive, got %v", c.DecoderWidths)
		}
	}

	switch strings.ToLower(c.Optimizer) {
	case "adam", "sgd":
	default:
		return fmt.Errorf("unknown optimizer %q (want adam or sgd)", c.Optimizer)
	}
	switch strings.ToLower(c.Scheduler) {
	case "", "constant", "none", "step", "exponential", "cosine", "plateau":
	default:
		return fmt.Errorf("unknown scheduler %q (want constant, step, exponential, cosine or plateau)", c.Scheduler)
	}
	switch strings.ToLower(c.LogFormat) {
	case "console", "json":
	default:
		return fmt.Errorf("unknown log_format %q (want console or json)", c.LogFormat)
	}
	return nil
}

func (c Config) resolve(dir string) string {
	if filepath.IsAbs(dir) || c.Data.Root == "" {
		return dir
	}
	return filepath.Join(c.Data.Root, dir)
}

// TrainDirs returns the training image and mask directories.
func (c Config) TrainDirs() (images, masks string) {
	return c.resolve(c.Data.TrainImages), c.resolve(c.Data.TrainMasks)
}

// TestDirs returns the test image and mask directories.
func (c Config) TestDirs() (images, masks string) {
	return c.resolve(c.Data.TestImages), c.resolve(c.Data.TestMasks)
}

// Summary lists the settings that shape a run, for logging.
func (c Config) Summary() map[string]interface{} {
	return map[string]interface{}{
		"batch_size":          c.BatchSize,
		"epochs":              c.Epochs,
		"learning_rate":       c.LearningRate,
		"validation_fraction": c.ValidationFraction,
		"crop_size":           c.CropSize,
		"freeze_encoder":      c.FreezeEncoder,
		"optimizer":           c.Optimizer,
		"scheduler":           c.Scheduler,
		"device":              c.Device,
		"seed":                c.Seed,
	}
}
