// Package objective builds the pixel-wise training objective of a
// segmentation model and the Adam step that minimizes it.
package objective

import (
	"errors"
	"fmt"

	"github.com/sugarme/gotch"
	"github.com/sugarme/gotch/nn"
	ts "github.com/sugarme/gotch/tensor"
	"go.uber.org/zap"

	"github.com/sugarme/roadseg/metric"
)

// ErrShapeMismatch is returned when images and labels of a batch do not line
// up.
var ErrShapeMismatch = errors.New("batch shape mismatch")

// Scorer maps an image batch [bz 3 H W] to class scores [bz C H W].
type Scorer interface {
	Forward(x *ts.Tensor, keepProb float64, train bool) *ts.Tensor
	NumClasses() int64
}

// Config configures an Objective.
type Config struct {
	// LearningRate is the initial Adam learning rate. Step may override it.
	LearningRate float64
	// Regularize adds the scorer's L2 penalty, if it has one, to the
	// minimized loss.
	Regularize bool
	// Metric, when set, is updated with the predictions of every step.
	Metric metric.Metric
	Logger *zap.Logger
}

// StepResult reports one optimizer step.
type StepResult struct {
	Loss         float64 // minimized loss
	CrossEntropy float64
	IoU          float64 // metric value after the step, 0 without a metric
}

// Objective couples a Scorer with an Adam optimizer over a var store.
type Objective struct {
	scorer     Scorer
	opt        *nn.Optimizer
	numClasses int64
	cfg        Config
}

// New builds an Adam optimizer over all trainable variables of vs.
func New(vs *nn.VarStore, scorer Scorer, cfg Config) (*Objective, error) {
	if cfg.LearningRate <= 0 {
		return nil, fmt.Errorf("learning rate must be > 0 (got %v)", cfg.LearningRate)
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	opt, err := nn.DefaultAdamConfig().Build(vs, cfg.LearningRate)
	if err != nil {
		return nil, fmt.Errorf("build optimizer: %w", err)
	}

	return &Objective{
		scorer:     scorer,
		opt:        opt,
		numClasses: scorer.NumClasses(),
		cfg:        cfg,
	}, nil
}

// Flatten reshapes a [bz C H W] map to [bz*H*W C] rows, one per pixel.
// x is not dropped.
func Flatten(x *ts.Tensor, numClasses int64) *ts.Tensor {
	nhwc := x.MustPermute([]int64{0, 2, 3, 1}, false)
	return nhwc.MustReshape([]int64{-1, numClasses}, true)
}

// CrossEntropy returns the mean softmax cross-entropy of logits against
// one-hot labels, both of shape [N C], as a scalar tensor.
func CrossEntropy(logits, labels *ts.Tensor) *ts.Tensor {
	logp := logits.MustLogSoftmax(1, gotch.Float, false)
	prod := logp.MustMul(labels, true)
	rows := prod.MustSum1([]int64{1}, false, gotch.Float, true)
	mean := rows.MustMean(gotch.Float, true)

	return mean.MustMul1(ts.FloatScalar(-1), true)
}

// CheckBatch verifies images [bz 3 H W] and labels [bz numClasses H W].
func CheckBatch(images, labels []int64, numClasses int64) error {
	if len(images) != 4 || len(labels) != 4 {
		return fmt.Errorf("%w: images %v, labels %v", ErrShapeMismatch, images, labels)
	}
	if images[0] != labels[0] || images[2] != labels[2] || images[3] != labels[3] {
		return fmt.Errorf("%w: images %v, labels %v", ErrShapeMismatch, images, labels)
	}
	if labels[1] != numClasses {
		return fmt.Errorf("%w: labels have %v channels, want %v", ErrShapeMismatch, labels[1], numClasses)
	}
	return nil
}

// Step runs one training step on a batch with the given dropout keep
// probability and learning rate.
func (o *Objective) Step(images, labels *ts.Tensor, keepProb, lr float64) (StepResult, error) {
	var res StepResult
	if err := CheckBatch(images.MustSize(), labels.MustSize(), o.numClasses); err != nil {
		return res, err
	}
	if c, ok := o.scorer.(interface{ CheckInput([]int64) error }); ok {
		if err := c.CheckInput(images.MustSize()); err != nil {
			return res, err
		}
	}

	o.opt.SetLR(lr)

	scores := o.scorer.Forward(images, keepProb, true)
	logits := Flatten(scores, o.numClasses)
	scores.MustDrop()
	target := Flatten(labels, o.numClasses).MustTotype(gotch.Float, true)

	ce := CrossEntropy(logits, target)
	loss := ce
	if o.cfg.Regularize {
		if r, ok := o.scorer.(interface{ L2Penalty() *ts.Tensor }); ok {
			if penalty := r.L2Penalty(); penalty != nil {
				loss = ce.MustAdd(penalty, false)
				penalty.MustDrop()
			}
		}
	}

	o.opt.BackwardStep(loss)
	res.CrossEntropy = ce.Float64Values()[0]
	res.Loss = loss.Float64Values()[0]

	if o.cfg.Metric != nil {
		if err := o.updateMetric(logits, target); err != nil {
			o.cfg.Logger.Warn("metric update failed", zap.Error(err))
		}
		res.IoU = o.cfg.Metric.Value()
	}

	if loss != ce {
		loss.MustDrop()
	}
	ce.MustDrop()
	logits.MustDrop()
	target.MustDrop()

	return res, nil
}

func (o *Objective) updateMetric(logits, target *ts.Tensor) error {
	l := logits.MustDetach(false)
	pred, err := metric.ArgMax(l)
	l.MustDrop()
	if err != nil {
		return err
	}
	truth, err := metric.ArgMax(target)
	if err != nil {
		return err
	}
	return o.cfg.Metric.Update(pred, truth)
}
