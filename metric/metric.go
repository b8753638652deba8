package metric

import (
	"fmt"

	ts "github.com/sugarme/gotch/tensor"
)

// Metric is an accumulating segmentation accuracy metric over per-pixel
// class ids.
type Metric interface {
	Name() string
	Update(pred, target []int) error
	Value() float64
	Reset()
}

// MeanIoU is the mean intersection-over-union across classes, computed from
// a running confusion matrix. Classes absent from both prediction and target
// are left out of the mean.
type MeanIoU struct {
	numClasses int
	confusion  [][]int64 // [target][pred]
}

var _ Metric = (*MeanIoU)(nil)

// NewMeanIoU creates a MeanIoU for numClasses classes.
func NewMeanIoU(numClasses int) *MeanIoU {
	m := &MeanIoU{numClasses: numClasses}
	m.Reset()
	return m
}

// Name implements Metric.
func (m *MeanIoU) Name() string { return "mean_iou" }

// Update implements Metric.
func (m *MeanIoU) Update(pred, target []int) error {
	if len(pred) != len(target) {
		return fmt.Errorf("prediction and target length mismatch: %v vs %v", len(pred), len(target))
	}
	for i := range pred {
		p, t := pred[i], target[i]
		if p < 0 || p >= m.numClasses || t < 0 || t >= m.numClasses {
			return fmt.Errorf("class id out of range [0, %v): pred %v target %v", m.numClasses, p, t)
		}
		m.confusion[t][p]++
	}
	return nil
}

// Value implements Metric.
func (m *MeanIoU) Value() float64 {
	var (
		sum   float64
		valid int
	)
	for c := 0; c < m.numClasses; c++ {
		inter := m.confusion[c][c]
		var rowSum, colSum int64
		for k := 0; k < m.numClasses; k++ {
			rowSum += m.confusion[c][k]
			colSum += m.confusion[k][c]
		}
		union := rowSum + colSum - inter
		if union == 0 {
			continue
		}
		sum += float64(inter) / float64(union)
		valid++
	}
	if valid == 0 {
		return 0
	}
	return sum / float64(valid)
}

// Reset implements Metric.
func (m *MeanIoU) Reset() {
	m.confusion = make([][]int64, m.numClasses)
	for i := range m.confusion {
		m.confusion[i] = make([]int64, m.numClasses)
	}
}

// ArgMax returns the index of the largest value of every row of a
// [rows cols] tensor.
func ArgMax(x *ts.Tensor) ([]int, error) {
	size := x.MustSize()
	if len(size) != 2 {
		return nil, fmt.Errorf("expected 2D tensor, got shape %v", size)
	}
	rows, cols := int(size[0]), int(size[1])
	vals := x.Float64Values()

	ids := make([]int, rows)
	for r := 0; r < rows; r++ {
		row := vals[r*cols : (r+1)*cols]
		best := 0
		for c := 1; c < cols; c++ {
			if row[c] > row[best] {
				best = c
			}
		}
		ids[r] = best
	}
	return ids, nil
}

// IoU calculates intersection-over-union of binary masks.
func IoU(pred, target *ts.Tensor) float64 {
	inter, p, t := overlap(pred, target, 1)
	union := p + t - inter
	if union == 0 {
		return 0
	}
	return inter / union
}

// DiceCoeff calculates Dice coefficient of binary masks.
func DiceCoeff(pred, target *ts.Tensor) float64 {
	inter, p, t := overlap(pred, target, 1)
	if p+t == 0 {
		return 0
	}
	return 2 * inter / (p + t)
}

// JaccardIndex calculates mean IoU of class-id masks over numClasses.
func JaccardIndex(pred, target *ts.Tensor, numClasses int) float64 {
	m := NewMeanIoU(numClasses)
	if err := m.Update(toIDs(pred), toIDs(target)); err != nil {
		return 0
	}
	return m.Value()
}

// overlap counts pixels equal to class in both, in pred and in target.
func overlap(pred, target *ts.Tensor, class int) (inter, p, t float64) {
	pv, tv := toIDs(pred), toIDs(target)
	for i := range pv {
		pi, ti := pv[i] == class, i < len(tv) && tv[i] == class
		if pi {
			p++
		}
		if ti {
			t++
		}
		if pi && ti {
			inter++
		}
	}
	for i := len(pv); i < len(tv); i++ {
		if tv[i] == class {
			t++
		}
	}
	return inter, p, t
}

func toIDs(x *ts.Tensor) []int {
	vals := x.Float64Values()
	ids := make([]int, len(vals))
	for i, v := range vals {
		ids[i] = int(v + 0.5)
	}
	return ids
}
