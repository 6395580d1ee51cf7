package training

import (
	"errors"
	"reflect"
	"sort"
	"testing"

	"github.com/tsawler/go-lesionseg/tensor"
)

// constantDataset returns n samples whose data and label are filled with
// the sample index.
func constantDataset(t *testing.T, n int, shape []int) *SimpleDataset {
	t.Helper()
	size := 1
	for _, d := range shape {
		size *= d
	}
	data := make([]*tensor.Tensor, n)
	labels := make([]*tensor.Tensor, n)
	for i := 0; i < n; i++ {
		values := make([]float32, size)
		for j := range values {
			values[j] = float32(i)
		}
		data[i] = mustTensor(t, shape, values)
		labels[i] = mustTensor(t, shape, append([]float32(nil), values...))
	}
	ds, err := NewSimpleDataset(data, labels)
	if err != nil {
		t.Fatalf("NewSimpleDataset failed: %v", err)
	}
	return ds
}

func drain(t *testing.T, dl *DataLoader) []*Batch {
	t.Helper()
	var batches []*Batch
	dl.Reset()
	for {
		batch, err := dl.Next()
		if err != nil {
			t.Fatalf("Next failed: %v", err)
		}
		if batch == nil {
			return batches
		}
		batches = append(batches, batch)
	}
}

func TestDataLoaderBatching(t *testing.T) {
	t.Run("sequential order round trip", func(t *testing.T) {
		ds := constantDataset(t, 4, []int{1, 2, 2})
		dl, err := NewDataLoader(ds, LoaderConfig{BatchSize: 2})
		if err != nil {
			t.Fatalf("NewDataLoader failed: %v", err)
		}
		batches := drain(t, dl)
		if len(batches) != 2 {
			t.Fatalf("Expected 2 batches, got %d", len(batches))
		}
		for b, batch := range batches {
			if !reflect.DeepEqual(batch.Data.Shape, []int{2, 1, 2, 2}) {
				t.Errorf("batch %d: expected shape [2 1 2 2], got %v", b, batch.Data.Shape)
			}
			for s, idx := range batch.Indices {
				if idx != b*2+s {
					t.Errorf("batch %d sample %d: expected index %d, got %d", b, s, b*2+s, idx)
				}
				for _, v := range batch.Data.Data.([]float32)[s*4 : (s+1)*4] {
					if v != float32(idx) {
						t.Fatalf("sample %d carries value %f", idx, v)
					}
				}
			}
		}
	})

	t.Run("short final batch", func(t *testing.T) {
		dl, _ := NewDataLoader(constantDataset(t, 17, []int{1}), LoaderConfig{BatchSize: 5})
		if dl.Len() != 4 || dl.NumSamples() != 17 || dl.BatchSize() != 5 {
			t.Errorf("Expected 4 batches of 17 samples, got %d batches of %d", dl.Len(), dl.NumSamples())
		}
		batches := drain(t, dl)
		sizes := make([]int, len(batches))
		for i, b := range batches {
			sizes[i] = b.Size()
		}
		if !reflect.DeepEqual(sizes, []int{5, 5, 5, 2}) {
			t.Errorf("Expected batch sizes [5 5 5 2], got %v", sizes)
		}
		if dl.HasNext() {
			t.Error("HasNext should be false after the last batch")
		}
	})

	t.Run("seeded shuffle", func(t *testing.T) {
		order := func() []int {
			dl, _ := NewDataLoader(constantDataset(t, 10, []int{1}), LoaderConfig{BatchSize: 3, Shuffle: true, Seed: 42})
			var seen []int
			for _, b := range drain(t, dl) {
				seen = append(seen, b.Indices...)
			}
			return seen
		}
		first, second := order(), order()
		if !reflect.DeepEqual(first, second) {
			t.Errorf("Same seed gave different orders: %v vs %v", first, second)
		}
		sorted := append([]int(nil), first...)
		sort.Ints(sorted)
		if !reflect.DeepEqual(sorted, []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}) {
			t.Errorf("Shuffled pass is not a permutation: %v", first)
		}
	})

	t.Run("invalid config", func(t *testing.T) {
		if _, err := NewDataLoader(constantDataset(t, 1, []int{1}), LoaderConfig{}); err == nil {
			t.Error("Expected error for zero batch size")
		}
		if _, err := NewDataLoader(nil, LoaderConfig{BatchSize: 1}); err == nil {
			t.Error("Expected error for nil dataset")
		}
	})

	t.Run("inconsistent sample shapes", func(t *testing.T) {
		ds, _ := NewSimpleDataset(
			[]*tensor.Tensor{mustTensor(t, []int{1}, []float32{0}), mustTensor(t, []int{2}, []float32{0, 0})},
			[]*tensor.Tensor{mustTensor(t, []int{1}, []float32{0}), mustTensor(t, []int{2}, []float32{0, 0})})
		dl, _ := NewDataLoader(ds, LoaderConfig{BatchSize: 2})
		dl.Reset()
		if _, err := dl.Next(); !errors.Is(err, tensor.ErrShapeMismatch) {
			t.Errorf("Expected ErrShapeMismatch, got %v", err)
		}
	})
}

func TestDataLoaderIterator(t *testing.T) {
	t.Run("matches Next", func(t *testing.T) {
		cfg := LoaderConfig{BatchSize: 4, Shuffle: true, Prefetch: 2, Seed: 7}
		a, _ := NewDataLoader(constantDataset(t, 11, []int{1}), cfg)
		b, _ := NewDataLoader(constantDataset(t, 11, []int{1}), cfg)

		var viaNext, viaIterator []int
		for _, batch := range drain(t, a) {
			viaNext = append(viaNext, batch.Indices...)
		}
		done := make(chan struct{})
		defer close(done)
		for result := range b.Iterator(done) {
			if result.Err != nil {
				t.Fatalf("Iterator failed: %v", result.Err)
			}
			viaIterator = append(viaIterator, result.Batch.Indices...)
		}
		if !reflect.DeepEqual(viaNext, viaIterator) {
			t.Errorf("Iterator order %v differs from Next order %v", viaIterator, viaNext)
		}
	})

	t.Run("stops when done closes", func(t *testing.T) {
		dl, _ := NewDataLoader(constantDataset(t, 20, []int{1}), LoaderConfig{BatchSize: 1})
		done := make(chan struct{})
		results := dl.Iterator(done)
		<-results
		close(done)
		count := 0
		for range results {
			count++
		}
		if count >= 19 {
			t.Errorf("Producer kept going after done closed: %d more batches", count)
		}
	})

	t.Run("empty dataset", func(t *testing.T) {
		dl, _ := NewDataLoader(constantDataset(t, 0, []int{1}), LoaderConfig{BatchSize: 2})
		done := make(chan struct{})
		defer close(done)
		for range dl.Iterator(done) {
			t.Fatal("Empty dataset should yield no batches")
		}
	})
}

func TestSimpleDataset(t *testing.T) {
	if _, err := NewSimpleDataset(make([]*tensor.Tensor, 2), make([]*tensor.Tensor, 1)); err == nil {
		t.Error("Expected error for mismatched lengths")
	}
	ds := constantDataset(t, 3, []int{1})
	if _, _, err := ds.Get(3); !errors.Is(err, ErrIndexOutOfRange) {
		t.Errorf("Expected ErrIndexOutOfRange, got %v", err)
	}
	if _, _, err := ds.Get(-1); !errors.Is(err, ErrIndexOutOfRange) {
		t.Errorf("Expected ErrIndexOutOfRange, got %v", err)
	}
}

func TestRandomSplit(t *testing.T) {
	ds := constantDataset(t, 25, []int{1})

	train, val, err := RandomSplit(ds, 0.1, 42)
	if err != nil {
		t.Fatalf("RandomSplit failed: %v", err)
	}
	if val.Len() != 2 || train.Len() != 23 {
		t.Errorf("Expected 23/2 split, got %d/%d", train.Len(), val.Len())
	}

	all := append(train.Indices(), val.Indices()...)
	sort.Ints(all)
	for i, idx := range all {
		if idx != i {
			t.Fatalf("Split is not disjoint and exhaustive: %v", all)
		}
	}

	_, again, _ := RandomSplit(ds, 0.1, 42)
	if !reflect.DeepEqual(val.Indices(), again.Indices()) {
		t.Error("Same seed should give the same split")
	}

	data, _, err := val.Get(1)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if data.Data.([]float32)[0] != float32(val.Indices()[1]) {
		t.Error("Subset should read through to the parent index")
	}
	if _, _, err := val.Get(2); !errors.Is(err, ErrIndexOutOfRange) {
		t.Errorf("Expected ErrIndexOutOfRange, got %v", err)
	}

	for _, frac := range []float64{-0.1, 1, 1.5} {
		if _, _, err := RandomSplit(ds, frac, 1); err == nil {
			t.Errorf("Expected error for fraction %g", frac)
		}
	}

	if _, err := NewSubsetDataset(ds, []int{0, 25}); !errors.Is(err, ErrIndexOutOfRange) {
		t.Errorf("Expected ErrIndexOutOfRange, got %v", err)
	}
}
