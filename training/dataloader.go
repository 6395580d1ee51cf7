package training

import (
	"fmt"
	"math/rand"
	"sync"

	"github.com/tsawler/go-lesionseg/tensor"
)

// Dataset interface defines methods that all datasets must implement
type Dataset interface {
	Len() int                                                           // Total number of samples
	Get(idx int) (data *tensor.Tensor, label *tensor.Tensor, err error) // Returns a single sample
}

// LoaderConfig controls batching for a DataLoader.
type LoaderConfig struct {
	BatchSize int
	Shuffle   bool
	// Prefetch is the number of batches Iterator may load ahead of the consumer.
	Prefetch int
	Seed     int64
}

// DataLoader provides batching and shuffling over a Dataset. A pass is
// started with Reset and consumed with Next until it returns nil.
type DataLoader struct {
	dataset  Dataset
	config   LoaderConfig
	rng      *rand.Rand
	indices  []int
	position int
	mutex    sync.Mutex
}

// NewDataLoader creates a new DataLoader
func NewDataLoader(dataset Dataset, config LoaderConfig) (*DataLoader, error) {
	if dataset == nil {
		return nil, fmt.Errorf("dataset is required")
	}
	if config.BatchSize <= 0 {
		return nil, fmt.Errorf("batch size must be positive, got %d", config.BatchSize)
	}
	if config.Prefetch < 0 {
		config.Prefetch = 0
	}

	indices := make([]int, dataset.Len())
	for i := range indices {
		indices[i] = i
	}

	return &DataLoader{
		dataset: dataset,
		config:  config,
		rng:     rand.New(rand.NewSource(config.Seed)),
		indices: indices,
	}, nil
}

// Batch represents a batch of data and labels
type Batch struct {
	Data    *tensor.Tensor
	Labels  *tensor.Tensor
	Indices []int // dataset indices of the stacked samples
}

// Size returns the number of samples in the batch.
func (b *Batch) Size() int {
	return len(b.Indices)
}

// Len returns the number of batches in an epoch
func (dl *DataLoader) Len() int {
	return (len(dl.indices) + dl.config.BatchSize - 1) / dl.config.BatchSize
}

// NumSamples returns the number of samples in one pass.
func (dl *DataLoader) NumSamples() int {
	return len(dl.indices)
}

// BatchSize returns the configured batch size.
func (dl *DataLoader) BatchSize() int {
	return dl.config.BatchSize
}

// Reset resets the data loader for a new epoch, reshuffling if configured.
func (dl *DataLoader) Reset() {
	dl.mutex.Lock()
	defer dl.mutex.Unlock()

	dl.position = 0
	if dl.config.Shuffle {
		dl.rng.Shuffle(len(dl.indices), func(i, j int) {
			dl.indices[i], dl.indices[j] = dl.indices[j], dl.indices[i]
		})
	}
}

// Next returns the next batch or nil if epoch is complete
func (dl *DataLoader) Next() (*Batch, error) {
	dl.mutex.Lock()
	defer dl.mutex.Unlock()

	if dl.position >= len(dl.indices) {
		return nil, nil
	}

	batchEnd := dl.position + dl.config.BatchSize
	if batchEnd > len(dl.indices) {
		batchEnd = len(dl.indices)
	}
	batchIndices := append([]int(nil), dl.indices[dl.position:batchEnd]...)
	dl.position = batchEnd

	batch, err := dl.loadBatch(batchIndices)
	if err != nil {
		return nil, fmt.Errorf("failed to load batch: %w", err)
	}
	return batch, nil
}

// HasNext returns true if there are more batches in the current epoch
func (dl *DataLoader) HasNext() bool {
	dl.mutex.Lock()
	defer dl.mutex.Unlock()
	return dl.position < len(dl.indices)
}

// loadBatch loads a batch of samples and stacks them into batched tensors
func (dl *DataLoader) loadBatch(indices []int) (*Batch, error) {
	if len(indices) == 0 {
		return nil, fmt.Errorf("empty batch indices")
	}

	var batchData, batchLabels *tensor.Tensor
	var dataShape, labelShape []int

	for i, idx := range indices {
		data, label, err := dl.dataset.Get(idx)
		if err != nil {
			return nil, fmt.Errorf("failed to load sample %d: %w", idx, err)
		}

		if i == 0 {
			dataShape, labelShape = data.Shape, label.Shape
			batchData, err = tensor.Zeros(append([]int{len(indices)}, dataShape...), data.DType, tensor.CPU)
			if err != nil {
				return nil, fmt.Errorf("failed to create batch data tensor: %w", err)
			}
			batchLabels, err = tensor.Zeros(append([]int{len(indices)}, labelShape...), label.DType, tensor.CPU)
			if err != nil {
				return nil, fmt.Errorf("failed to create batch labels tensor: %w", err)
			}
		} else if !tensor.SameShape(data.Shape, dataShape) || !tensor.SameShape(label.Shape, labelShape) {
			return nil, fmt.Errorf("%w: sample %d has shapes %v/%v, batch expects %v/%v",
				tensor.ErrShapeMismatch, idx, data.Shape, label.Shape, dataShape, labelShape)
		}

		if err := copyInto(batchData, data, i); err != nil {
			return nil, fmt.Errorf("failed to copy data for sample %d: %w", idx, err)
		}
		if err := copyInto(batchLabels, label, i); err != nil {
			return nil, fmt.Errorf("failed to copy label for sample %d: %w", idx, err)
		}
	}

	return &Batch{
		Data:    batchData,
		Labels:  batchLabels,
		Indices: indices,
	}, nil
}

// copyInto copies a sample tensor into a specific position in the batch tensor
func copyInto(batchTensor, sampleTensor *tensor.Tensor, batchIndex int) error {
	if batchTensor.DType != sampleTensor.DType {
		return fmt.Errorf("dtype mismatch: batch %s, sample %s", batchTensor.DType, sampleTensor.DType)
	}

	sampleSize := sampleTensor.NumElems
	offset := batchIndex * sampleSize

	switch batchTensor.DType {
	case tensor.Float32:
		copy(batchTensor.Data.([]float32)[offset:offset+sampleSize], sampleTensor.Data.([]float32))
	case tensor.Int32:
		copy(batchTensor.Data.([]int32)[offset:offset+sampleSize], sampleTensor.Data.([]int32))
	default:
		return fmt.Errorf("unsupported dtype for batch copying: %s", batchTensor.DType)
	}
	return nil
}

// BatchResult is one item produced by Iterator.
type BatchResult struct {
	Batch *Batch
	Err   error
}

// Iterator starts a new pass and loads batches on a producer goroutine,
// at most Prefetch batches ahead of the consumer. The sequence equals the
// one Reset/Next would produce. The channel is closed at the end of the
// pass, after an error, or once done is closed.
func (dl *DataLoader) Iterator(done <-chan struct{}) <-chan BatchResult {
	results := make(chan BatchResult, dl.config.Prefetch)

	go func() {
		defer close(results)

		dl.Reset()
		for {
			batch, err := dl.Next()
			if batch == nil && err == nil {
				return
			}
			select {
			case results <- BatchResult{Batch: batch, Err: err}:
			case <-done:
				return
			}
			if err != nil {
				return
			}
		}
	}()

	return results
}

// SimpleDataset provides a basic in-memory Dataset
type SimpleDataset struct {
	data   []*tensor.Tensor
	labels []*tensor.Tensor
}

// NewSimpleDataset creates a new SimpleDataset
func NewSimpleDataset(data, labels []*tensor.Tensor) (*SimpleDataset, error) {
	if len(data) != len(labels) {
		return nil, fmt.Errorf("data and labels must have the same length: got %d and %d", len(data), len(labels))
	}
	return &SimpleDataset{
		data:   data,
		labels: labels,
	}, nil
}

// Len returns the number of samples in the dataset
func (ds *SimpleDataset) Len() int {
	return len(ds.data)
}

// Get returns a sample at the given index
func (ds *SimpleDataset) Get(idx int) (data *tensor.Tensor, label *tensor.Tensor, err error) {
	if idx < 0 || idx >= len(ds.data) {
		return nil, nil, fmt.Errorf("%w: %d not in [0, %d)", ErrIndexOutOfRange, idx, len(ds.data))
	}
	return ds.data[idx], ds.labels[idx], nil
}
