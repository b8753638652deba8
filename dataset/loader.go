package dataset

import (
	"errors"
	"fmt"
	"math/rand"

	"golang.org/x/sync/errgroup"
)

// Sample is one encoded image and its one-hot label, both CHW.
type Sample struct {
	Image []float32 // 3 x H x W
	Label []float32 // classes x H x W
}

// Dataset is a random access collection of samples of a fixed shape.
type Dataset interface {
	Len() int
	Item(idx int) (Sample, error)
	Shape() (height, width, classes int)
}

// Batch is a stack of samples in NCHW order.
type Batch struct {
	Images  []float32
	Labels  []float32
	Size    int
	Height  int
	Width   int
	Classes int
}

// BatchSampler yields index batches over [0, n).
type BatchSampler struct {
	n         int
	batchSize int
	dropLast  bool
	shuffle   bool
	rng       *rand.Rand
	batches   [][]int
	pos       int
}

// NewBatchSampler creates a BatchSampler. With dropLast a trailing batch
// smaller than batchSize is skipped.
func NewBatchSampler(n, batchSize int, dropLast, shuffle bool, seed int64) (*BatchSampler, error) {
	if n < 0 {
		return nil, fmt.Errorf("invalid sample count %v", n)
	}
	if batchSize <= 0 {
		return nil, fmt.Errorf("batch size must be > 0 (got %v)", batchSize)
	}
	s := &BatchSampler{
		n:         n,
		batchSize: batchSize,
		dropLast:  dropLast,
		shuffle:   shuffle,
		rng:       rand.New(rand.NewSource(seed)),
	}
	s.Reset()
	return s, nil
}

// Reset starts a new pass, reshuffling when enabled.
func (s *BatchSampler) Reset() {
	idx := make([]int, s.n)
	for i := range idx {
		idx[i] = i
	}
	if s.shuffle {
		s.rng.Shuffle(len(idx), func(i, j int) { idx[i], idx[j] = idx[j], idx[i] })
	}

	s.batches = s.batches[:0]
	for start := 0; start < s.n; start += s.batchSize {
		end := start + s.batchSize
		if end > s.n {
			if s.dropLast {
				break
			}
			end = s.n
		}
		s.batches = append(s.batches, idx[start:end])
	}
	s.pos = 0
}

// Len returns number of batches per pass.
func (s *BatchSampler) Len() int { return len(s.batches) }

// HasNext reports whether a batch remains in the current pass.
func (s *BatchSampler) HasNext() bool { return s.pos < len(s.batches) }

// Next returns the next index batch.
func (s *BatchSampler) Next() ([]int, error) {
	if !s.HasNext() {
		return nil, errors.New("batch sampler exhausted")
	}
	b := s.batches[s.pos]
	s.pos++
	return b, nil
}

// DataLoader assembles batches from a Dataset in sampler order. The samples
// of one batch are decoded concurrently by up to workers goroutines.
type DataLoader struct {
	ds      Dataset
	sampler *BatchSampler
	workers int
}

// NewDataLoader creates a DataLoader.
func NewDataLoader(ds Dataset, s *BatchSampler, workers int) (*DataLoader, error) {
	if ds == nil || s == nil {
		return nil, errors.New("data loader needs a dataset and a sampler")
	}
	if s.n != ds.Len() {
		return nil, fmt.Errorf("sampler covers %v samples, dataset has %v", s.n, ds.Len())
	}
	if workers <= 0 {
		workers = 1
	}
	return &DataLoader{ds: ds, sampler: s, workers: workers}, nil
}

// Len returns number of batches per pass.
func (dl *DataLoader) Len() int { return dl.sampler.Len() }

// HasNext reports whether a batch remains.
func (dl *DataLoader) HasNext() bool { return dl.sampler.HasNext() }

// Reset starts a new pass.
func (dl *DataLoader) Reset() { dl.sampler.Reset() }

// Next loads the next batch.
func (dl *DataLoader) Next() (*Batch, error) {
	indices, err := dl.sampler.Next()
	if err != nil {
		return nil, err
	}

	samples := make([]Sample, len(indices))
	var g errgroup.Group
	g.SetLimit(dl.workers)
	for i, idx := range indices {
		i, idx := i, idx
		g.Go(func() error {
			s, err := dl.ds.Item(idx)
			if err != nil {
				return fmt.Errorf("sample %v: %w", idx, err)
			}
			samples[i] = s
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	h, w, c := dl.ds.Shape()
	b := &Batch{
		Images:  make([]float32, 0, len(samples)*3*h*w),
		Labels:  make([]float32, 0, len(samples)*c*h*w),
		Size:    len(samples),
		Height:  h,
		Width:   w,
		Classes: c,
	}
	for i, s := range samples {
		if len(s.Image) != 3*h*w || len(s.Label) != c*h*w {
			return nil, fmt.Errorf("sample %v: got image %v and label %v values, want %v and %v",
				indices[i], len(s.Image), len(s.Label), 3*h*w, c*h*w)
		}
		b.Images = append(b.Images, s.Image...)
		b.Labels = append(b.Labels, s.Label...)
	}

	return b, nil
}
