package objective_test

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/sugarme/gotch"
	"github.com/sugarme/gotch/nn"
	ts "github.com/sugarme/gotch/tensor"

	"github.com/sugarme/roadseg/base"
	"github.com/sugarme/roadseg/metric"
	"github.com/sugarme/roadseg/objective"
)

// tinyScorer is a single 1x1 projection.
type tinyScorer struct {
	conv *nn.Conv2D
	reg  *base.L2
}

func newTinyScorer(vs *nn.VarStore, numClasses int64) *tinyScorer {
	reg := base.NewL2(base.L2Scale)
	return &tinyScorer{conv: base.Conv1x1(vs.Root().Sub("proj"), 3, numClasses, reg), reg: reg}
}

func (s *tinyScorer) Forward(x *ts.Tensor, keepProb float64, train bool) *ts.Tensor {
	return s.conv.Forward(x)
}

func (s *tinyScorer) NumClasses() int64 { return s.conv.Ws.MustSize()[0] }

func (s *tinyScorer) L2Penalty() *ts.Tensor { return s.reg.Penalty() }

// labels with class 1 everywhere
func roadLabels(bz, h, w int64) *ts.Tensor {
	bg := ts.MustZeros([]int64{bz, 1, h, w}, gotch.Float, gotch.CPU)
	road := ts.MustOnes([]int64{bz, 1, h, w}, gotch.Float, gotch.CPU)
	labels := ts.MustCat([]ts.Tensor{*bg, *road}, 1)
	bg.MustDrop()
	road.MustDrop()
	return labels
}

func TestFlatten(t *testing.T) {
	x := ts.MustRand([]int64{2, 3, 4, 6}, gotch.Float, gotch.CPU)
	flat := objective.Flatten(x, 3)
	assert.Equal(t, []int64{48, 3}, flat.MustSize())

	// row i holds the channel vector of pixel i in NHWC order
	want := x.MustSelect(0, 1, false).MustSelect(1, 2, true).MustSelect(1, 5, true) // x[1, :, 2, 5]
	got := flat.MustSelect(0, 1*24+2*6+5, false)
	assert.InDeltaSlice(t, want.Float64Values(), got.Float64Values(), 1e-6)

	for _, v := range []*ts.Tensor{x, flat, want, got} {
		v.MustDrop()
	}
}

func TestCrossEntropy(t *testing.T) {
	logits := ts.MustZeros([]int64{5, 2}, gotch.Float, gotch.CPU)
	labels := ts.MustOfSlice([]float32{1, 0, 0, 1, 1, 0, 0, 1, 1, 0}).MustView([]int64{5, 2}, true)

	loss := objective.CrossEntropy(logits, labels)
	assert.Equal(t, 1, len(loss.Float64Values()))
	assert.InDelta(t, math.Ln2, loss.Float64Values()[0], 1e-5)

	confident := ts.MustOfSlice([]float32{10, -10, -10, 10, 10, -10, -10, 10, 10, -10}).MustView([]int64{5, 2}, true)
	low := objective.CrossEntropy(confident, labels)
	assert.GreaterOrEqual(t, low.Float64Values()[0], 0.0)
	assert.Less(t, low.Float64Values()[0], 1e-3)

	for _, v := range []*ts.Tensor{logits, labels, loss, confident, low} {
		v.MustDrop()
	}
}

func TestCheckBatch(t *testing.T) {
	assert.NoError(t, objective.CheckBatch([]int64{4, 3, 32, 64}, []int64{4, 2, 32, 64}, 2))
	assert.ErrorIs(t, objective.CheckBatch([]int64{4, 3, 32, 64}, []int64{3, 2, 32, 64}, 2), objective.ErrShapeMismatch)
	assert.ErrorIs(t, objective.CheckBatch([]int64{4, 3, 32, 64}, []int64{4, 2, 16, 64}, 2), objective.ErrShapeMismatch)
	assert.ErrorIs(t, objective.CheckBatch([]int64{4, 3, 32, 64}, []int64{4, 3, 32, 64}, 2), objective.ErrShapeMismatch)
	assert.ErrorIs(t, objective.CheckBatch([]int64{3, 32, 64}, []int64{4, 2, 32, 64}, 2), objective.ErrShapeMismatch)
}

func TestStepReducesLoss(t *testing.T) {
	vs := nn.NewVarStore(gotch.CPU)
	scorer := newTinyScorer(vs, 2)
	iou := metric.NewMeanIoU(2)
	obj, err := objective.New(vs, scorer, objective.Config{LearningRate: 0.001, Regularize: true, Metric: iou})
	require.NoError(t, err)

	images := ts.MustRand([]int64{2, 3, 8, 8}, gotch.Float, gotch.CPU)
	labels := roadLabels(2, 8, 8)

	first, err := obj.Step(images, labels, 0.8, 0.05)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, first.CrossEntropy, 0.0)
	assert.GreaterOrEqual(t, first.Loss, first.CrossEntropy)
	assert.GreaterOrEqual(t, first.IoU, 0.0)

	var last objective.StepResult
	for i := 0; i < 50; i++ {
		last, err = obj.Step(images, labels, 0.8, 0.05)
		require.NoError(t, err)
	}
	assert.Less(t, last.CrossEntropy, first.CrossEntropy)

	images.MustDrop()
	labels.MustDrop()
}

func TestStepShapeMismatch(t *testing.T) {
	vs := nn.NewVarStore(gotch.CPU)
	obj, err := objective.New(vs, newTinyScorer(vs, 2), objective.Config{LearningRate: 0.001})
	require.NoError(t, err)

	images := ts.MustRand([]int64{2, 3, 8, 8}, gotch.Float, gotch.CPU)
	labels := roadLabels(1, 8, 8)
	_, err = obj.Step(images, labels, 0.8, 0.001)
	assert.ErrorIs(t, err, objective.ErrShapeMismatch)

	images.MustDrop()
	labels.MustDrop()
}

func TestNewRejectsLearningRate(t *testing.T) {
	vs := nn.NewVarStore(gotch.CPU)
	_, err := objective.New(vs, newTinyScorer(vs, 2), objective.Config{})
	assert.Error(t, err)
}
