// Command lesionseg trains the encoder-decoder lesion segmentation model on
// an ISIC 2016 style dataset and evaluates it on the test split.
package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/tsawler/go-lesionseg/checkpoints"
	"github.com/tsawler/go-lesionseg/config"
	"github.com/tsawler/go-lesionseg/internal/logger"
	"github.com/tsawler/go-lesionseg/models"
	"github.com/tsawler/go-lesionseg/tensor"
	"github.com/tsawler/go-lesionseg/training"
	"github.com/tsawler/go-lesionseg/vision/dataset"
	"github.com/tsawler/go-lesionseg/vision/preprocessing"
)

const component = "main"

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "lesionseg: %v\n", err)
		os.Exit(1)
	}
}

// parseConfig loads the config file, if any, and applies the flags that
// were set on the command line.
func parseConfig(args []string) (config.Config, error) {
	fs := flag.NewFlagSet("lesionseg", flag.ContinueOnError)
	configPath := fs.String("config", "", "TOML configuration file")
	dataRoot := fs.String("data", "", "dataset root holding train, train_masks, test and test_masks")
	epochs := fs.Int("epochs", 0, "number of training epochs")
	lr := fs.Float64("lr", 0, "learning rate")
	batchSize := fs.Int("batch-size", 0, "batch size")
	freeze := fs.Bool("freeze-encoder", true, "keep encoder weights fixed")
	encoderWeights := fs.String("encoder-weights", "", "ONNX file with pretrained encoder initializers")
	device := fs.String("device", "", "cpu, gpu or auto")
	outputDir := fs.String("output", "", "directory for curves, metrics and checkpoints")
	logLevel := fs.String("log-level", "", "debug, info, warn or error")
	seed := fs.Int64("seed", 0, "seed for initialisation, split, shuffling and flips")
	compare := fs.String("compare", "", "JSON checkpoint of an earlier run to pair test predictions with")
	if err := fs.Parse(args); err != nil {
		return config.Config{}, err
	}

	cfg := config.DefaultConfig()
	if *configPath != "" {
		var err error
		if cfg, err = config.Load(*configPath); err != nil {
			return config.Config{}, err
		}
	}

	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "data":
			cfg.Data.Root = *dataRoot
		case "epochs":
			cfg.Epochs = *epochs
		case "lr":
			cfg.LearningRate = *lr
		case "batch-size":
			cfg.BatchSize = *batchSize
		case "freeze-encoder":
			cfg.FreezeEncoder = *freeze
		case "encoder-weights":
			cfg.EncoderWeights = *encoderWeights
		case "device":
			cfg.Device = *device
		case "output":
			cfg.OutputDir = *outputDir
		case "log-level":
			cfg.LogLevel = *logLevel
		case "seed":
			cfg.Seed = *seed
		case "compare":
			cfg.CompareCheckpoint = *compare
		}
	})

	if err := cfg.Validate(); err != nil {
		return config.Config{}, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func newLogger(cfg config.Config) (logger.Logger, error) {
	level, err := logger.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, err
	}
	if strings.EqualFold(cfg.LogFormat, "json") {
		return logger.NewZerolog(os.Stderr, level), nil
	}
	return logger.NewConsoleLogger(level), nil
}

// loaders builds the train, validation and test loaders. The validation
// loader is nil only when validation_fraction is 0; a positive fraction
// that selects no samples fails with training.ErrEmptyBatchProvider.
func loaders(cfg config.Config, device tensor.DeviceType, log logger.Logger) (train, valid, test *training.DataLoader, err error) {
	transform := preprocessing.DefaultTransformConfig()
	transform.ResizeTo = cfg.Resize
	transform.CropSize = cfg.CropSize
	transform.FlipProbability = cfg.FlipProbability

	trainImages, trainMasks := cfg.TrainDirs()
	full, err := dataset.NewISICDataset(dataset.ISICConfig{
		ImageDir:   trainImages,
		MaskDir:    trainMasks,
		MaskSuffix: cfg.Data.MaskSuffix,
		Transform:  transform,
		Seed:       cfg.Seed,
		CacheSize:  cfg.CacheSize,
		Device:     device,
	})
	if err != nil {
		return nil, nil, nil, fmt.Errorf("training data: %w", err)
	}

	testTransform := transform
	if !cfg.FlipTest {
		testTransform.FlipProbability = 0
	}
	testImages, testMasks := cfg.TestDirs()
	testSet, err := dataset.NewISICDataset(dataset.ISICConfig{
		ImageDir:   testImages,
		MaskDir:    testMasks,
		MaskSuffix: cfg.Data.MaskSuffix,
		Transform:  testTransform,
		Seed:       cfg.Seed + 1,
		CacheSize:  cfg.CacheSize,
		Device:     device,
	})
	if err != nil {
		return nil, nil, nil, fmt.Errorf("test data: %w", err)
	}

	trainSet, validSet, err := training.RandomSplit(full, cfg.ValidationFraction, cfg.Seed)
	if err != nil {
		return nil, nil, nil, err
	}
	log.Info(component, "datasets ready", map[string]interface{}{
		"train": trainSet.Len(),
		"valid": validSet.Len(),
		"test":  testSet.Len(),
	})

	train, err = training.NewDataLoader(trainSet, training.LoaderConfig{
		BatchSize: cfg.BatchSize,
		Shuffle:   true,
		Prefetch:  cfg.Prefetch,
		Seed:      cfg.Seed,
	})
	if err != nil {
		return nil, nil, nil, err
	}
	switch {
	case cfg.ValidationFraction == 0:
		log.Info(component, "validation_fraction is 0, validation disabled", nil)
	case validSet.Len() == 0:
		return nil, nil, nil, fmt.Errorf("validation split %g of %d samples: %w",
			cfg.ValidationFraction, full.Len(), training.ErrEmptyBatchProvider)
	default:
		valid, err = training.NewDataLoader(validSet, training.LoaderConfig{BatchSize: cfg.BatchSize, Prefetch: cfg.Prefetch})
		if err != nil {
			return nil, nil, nil, err
		}
	}
	test, err = training.NewDataLoader(testSet, training.LoaderConfig{BatchSize: cfg.BatchSize, Prefetch: cfg.Prefetch})
	if err != nil {
		return nil, nil, nil, err
	}
	return train, valid, test, nil
}

// loadEncoderWeights copies pretrained initializers into the encoder.
// Names may carry the "encoder." prefix of a full model export.
func loadEncoderWeights(encoder models.FeatureExtractor, path string) (int, error) {
	weights, err := checkpoints.ImportWeights(path)
	if err != nil {
		return 0, err
	}
	for i := range weights {
		weights[i].Name = strings.TrimPrefix(weights[i].Name, "encoder.")
	}
	state := training.StateOf(encoder)
	if err := checkpoints.LoadWeights(state, weights); err != nil {
		return 0, fmt.Errorf("encoder weights from %s: %w", path, err)
	}
	return len(state), nil
}

func modelConfig(cfg config.Config, freeze bool, device tensor.DeviceType) models.Config {
	return models.Config{
		CropSize:        cfg.CropSize,
		EncoderChannels: cfg.EncoderChannels,
		FreezeEncoder:   freeze,
		DecoderWidths:   cfg.DecoderWidths,
		DecoderDropout:  float32(cfg.DecoderDropout),
		Seed:            cfg.Seed,
		Device:          device,
	}
}

// loadReference rebuilds the model saved in a JSON checkpoint. The current
// architecture settings must match the ones the checkpoint was trained with.
func loadReference(cfg config.Config, device tensor.DeviceType, path string) (*models.SegmentationModel, error) {
	ckpt, err := checkpoints.NewCheckpointSaver(checkpoints.FormatJSON).LoadCheckpoint(path)
	if err != nil {
		return nil, err
	}
	reference, err := models.New(modelConfig(cfg, ckpt.TrainingState.FreezeEncoder, device))
	if err != nil {
		return nil, err
	}
	if err := checkpoints.LoadWeights(reference.State(), ckpt.Weights); err != nil {
		return nil, fmt.Errorf("reference checkpoint %s: %w", path, err)
	}
	return reference, nil
}

func newOptimizer(cfg config.Config, params []*tensor.Tensor) training.Optimizer {
	if strings.EqualFold(cfg.Optimizer, "sgd") {
		return training.NewSGD(params, cfg.LearningRate, cfg.Momentum, cfg.WeightDecay, 0, false)
	}
	return training.NewAdam(params, cfg.LearningRate, 0, 0, 0, cfg.WeightDecay)
}

func run(args []string, stdout io.Writer) error {
	cfg, err := parseConfig(args)
	if err != nil {
		return err
	}
	log, err := newLogger(cfg)
	if err != nil {
		return err
	}
	if err := execute(cfg, log, stdout); err != nil {
		log.Error(component, err, nil)
		return err
	}
	return nil
}

func execute(cfg config.Config, log logger.Logger, stdout io.Writer) error {
	runID := checkpoints.NewRunID()
	log.Info(component, "configuration loaded", cfg.Summary())

	requested, err := tensor.ParseDevice(cfg.Device)
	if err != nil {
		return err
	}
	device, err := tensor.ResolveDevice(requested, cfg.AllowCPUFallback)
	if err != nil {
		return err
	}
	if requested == tensor.GPU && device != tensor.GPU {
		log.Warning(component, "accelerator unavailable, running on CPU", map[string]interface{}{"requested": requested.String()})
	}
	log.Info(component, "device resolved", map[string]interface{}{"device": device.String()})

	trainLoader, validLoader, testLoader, err := loaders(cfg, device, log)
	if err != nil {
		return err
	}

	model, err := models.New(modelConfig(cfg, cfg.FreezeEncoder, device))
	if err != nil {
		return err
	}
	var reference *models.SegmentationModel
	if cfg.CompareCheckpoint != "" {
		if reference, err = loadReference(cfg, device, cfg.CompareCheckpoint); err != nil {
			return err
		}
	}
	if cfg.EncoderWeights != "" {
		n, err := loadEncoderWeights(model.Encoder(), cfg.EncoderWeights)
		if err != nil {
			return err
		}
		log.Info(component, "pretrained encoder loaded", map[string]interface{}{"path": cfg.EncoderWeights, "tensors": n})
	} else {
		log.Warning(component, "no encoder weights configured, encoder is randomly initialised", nil)
	}

	trainable, frozen := model.ParameterCounts()
	training.NewModelArchitecturePrinter("SegmentationModel").PrintArchitecture(stdout, model.Specs(), trainable, frozen)

	scheduler, err := training.NewScheduler(cfg.Scheduler, cfg.Epochs)
	if err != nil {
		return err
	}
	optimizer := newOptimizer(cfg, model.Parameters())
	trainer := training.NewTrainer(model, optimizer, training.NewBCELoss(), training.TrainingConfig{
		Epochs:       cfg.Epochs,
		LearningRate: cfg.LearningRate,
		Scheduler:    scheduler,
		Progress:     stdout,
	}, log)
	collector := training.NewVisualizationCollector("lesionseg")
	trainer.AddReporter(collector)

	if err := trainer.Train(trainLoader, validLoader); err != nil {
		return err
	}

	result, err := trainer.Evaluate(testLoader)
	if err != nil {
		return fmt.Errorf("test split: %w", err)
	}
	samples, err := training.CollectMaskSamples(model, testLoader, cfg.MaskSamples)
	if err != nil {
		return fmt.Errorf("collecting mask samples failed: %w", err)
	}

	var comparisons []training.MaskComparison
	if reference != nil {
		comparisons, err = training.CompareMaskSamples(model, reference, testLoader, cfg.MaskSamples)
		if err != nil {
			return fmt.Errorf("comparing with %s failed: %w", cfg.CompareCheckpoint, err)
		}
	}

	out := &outputs{dir: cfg.OutputDir, runID: runID, log: log}
	return out.write(cfg, model, optimizer, trainer.History(), collector, result, samples, comparisons)
}
