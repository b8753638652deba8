// Package trainer runs the epoch and batch loop of a segmentation model.
package trainer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sugarme/gotch"
	ts "github.com/sugarme/gotch/tensor"
	"go.uber.org/zap"

	"github.com/sugarme/roadseg/dataset"
	"github.com/sugarme/roadseg/history"
	"github.com/sugarme/roadseg/objective"
)

// Defaults of the training loop.
const (
	DefaultEpochs       = 6
	DefaultBatchSize    = 10
	DefaultDropoutKeep  = 0.8
	DefaultLearningRate = 0.001
)

// Config captures the knobs of the training loop.
type Config struct {
	Epochs       int
	BatchSize    int
	DropoutKeep  float64
	LearningRate float64
}

// DefaultConfig returns the default training knobs.
func DefaultConfig() Config {
	return Config{
		Epochs:       DefaultEpochs,
		BatchSize:    DefaultBatchSize,
		DropoutKeep:  DefaultDropoutKeep,
		LearningRate: DefaultLearningRate,
	}
}

func (c Config) validate() error {
	switch {
	case c.Epochs < 0:
		return fmt.Errorf("trainer: epochs must be >= 0 (got %v)", c.Epochs)
	case c.BatchSize <= 0:
		return fmt.Errorf("trainer: batch size must be > 0 (got %v)", c.BatchSize)
	case c.DropoutKeep <= 0 || c.DropoutKeep > 1:
		return fmt.Errorf("trainer: dropout keep must be in (0, 1] (got %v)", c.DropoutKeep)
	case c.LearningRate <= 0:
		return fmt.Errorf("trainer: learning rate must be > 0 (got %v)", c.LearningRate)
	}
	return nil
}

// Batch is one training batch on the target device. Run drops both tensors
// after the step consumed them.
type Batch struct {
	Images *ts.Tensor
	Labels *ts.Tensor
}

// Iterator walks the batches of one epoch.
type Iterator interface {
	HasNext() bool
	Next() (Batch, error)
}

// Source yields a fresh iterator per epoch.
type Source interface {
	Batches(batchSize int) (Iterator, error)
}

// Stepper performs one optimizer step.
type Stepper interface {
	Step(images, labels *ts.Tensor, keepProb, lr float64) (objective.StepResult, error)
}

// Options hooks into the loop. All fields are optional.
type Options struct {
	// Init runs once before the first epoch.
	Init func() error
	// Report receives every step record.
	Report func(history.Record)
	Logger *zap.Logger
}

// Run trains for cfg.Epochs epochs and returns the history of all steps in
// the order they ran.
func Run(ctx context.Context, cfg Config, src Source, step Stepper, opts Options) (history.History, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Init != nil {
		if err := opts.Init(); err != nil {
			return nil, fmt.Errorf("trainer: init: %w", err)
		}
	}

	var hist history.History
	for epoch := 0; epoch < cfg.Epochs; epoch++ {
		it, err := src.Batches(cfg.BatchSize)
		if err != nil {
			return hist, fmt.Errorf("trainer: epoch %d: %w", epoch, err)
		}

		start := time.Now()
		for batch := 0; it.HasNext(); batch++ {
			if err := ctx.Err(); err != nil {
				return hist, err
			}

			b, err := it.Next()
			if err != nil {
				return hist, fmt.Errorf("trainer: epoch %d batch %d: %w", epoch, batch, err)
			}
			res, err := step.Step(b.Images, b.Labels, cfg.DropoutKeep, cfg.LearningRate)
			b.Images.MustDrop()
			b.Labels.MustDrop()
			if err != nil {
				return hist, fmt.Errorf("trainer: epoch %d batch %d: %w", epoch, batch, err)
			}

			rec := history.Record{
				Epoch:        epoch,
				Batch:        batch,
				Step:         len(hist) + 1,
				Loss:         res.Loss,
				CrossEntropy: res.CrossEntropy,
				IoU:          res.IoU,
			}
			hist = append(hist, rec)
			logger.Info("step",
				zap.Int("epoch", epoch),
				zap.Int("batch", batch),
				zap.Float64("loss", res.Loss),
				zap.Float64("cross_entropy", res.CrossEntropy),
				zap.Float64("iou", res.IoU),
			)
			if opts.Report != nil {
				opts.Report(rec)
			}
		}
		logger.Debug("epoch done", zap.Int("epoch", epoch), zap.Duration("took", time.Since(start)))
	}

	return hist, nil
}

// Loader is implemented by datasets that build a fresh data loader per epoch,
// such as *dataset.KITTI.
type Loader interface {
	Batches(batchSize int) (*dataset.DataLoader, error)
}

// TensorSource turns the flat batches of a Loader into tensors on Device.
type TensorSource struct {
	Loader Loader
	Device gotch.Device
}

// Batches implements Source.
func (s TensorSource) Batches(batchSize int) (Iterator, error) {
	dl, err := s.Loader.Batches(batchSize)
	if err != nil {
		return nil, err
	}
	return &tensorIter{dl: dl, device: s.Device}, nil
}

type tensorIter struct {
	dl     *dataset.DataLoader
	device gotch.Device
}

func (it *tensorIter) HasNext() bool { return it.dl.HasNext() }

func (it *tensorIter) Next() (Batch, error) {
	b, err := it.dl.Next()
	if err != nil {
		return Batch{}, err
	}
	return ToTensors(b, it.device)
}

// ToTensors copies a flat batch into NCHW tensors on device.
func ToTensors(b *dataset.Batch, device gotch.Device) (Batch, error) {
	if b == nil || b.Size == 0 {
		return Batch{}, errors.New("empty batch")
	}
	n, h, w := int64(b.Size), int64(b.Height), int64(b.Width)
	if int64(len(b.Images)) != n*3*h*w || int64(len(b.Labels)) != n*int64(b.Classes)*h*w {
		return Batch{}, fmt.Errorf("batch of %d samples has %d image and %d label values", b.Size, len(b.Images), len(b.Labels))
	}

	images := ts.MustOfSlice(b.Images).MustView([]int64{n, 3, h, w}, true).MustTo(device, true)
	labels := ts.MustOfSlice(b.Labels).MustView([]int64{n, int64(b.Classes), h, w}, true).MustTo(device, true)
	return Batch{Images: images, Labels: labels}, nil
}
