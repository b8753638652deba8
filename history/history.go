// Package history stores per-step training losses as CSV and plots them.
package history

import (
	"errors"
	"fmt"
	"os"

	"github.com/go-gota/gota/dataframe"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
)

// ErrEmpty is returned when writing or plotting a history without records.
var ErrEmpty = errors.New("empty history")

// Record is the outcome of one training step.
type Record struct {
	Epoch        int     `dataframe:"epoch"`
	Batch        int     `dataframe:"batch"`
	Step         int     `dataframe:"step"`
	Loss         float64 `dataframe:"loss"`
	CrossEntropy float64 `dataframe:"cross_entropy"`
	IoU          float64 `dataframe:"iou"`
}

// History is the ordered list of records of a run.
type History []Record

// WriteCSV writes h to path with a header row.
func (h History) WriteCSV(path string) error {
	if len(h) == 0 {
		return ErrEmpty
	}
	df := dataframe.LoadStructs([]Record(h))
	if df.Err != nil {
		return df.Err
	}

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := df.WriteCSV(f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// ReadCSV reads a history written by WriteCSV.
func ReadCSV(path string) (History, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	df := dataframe.ReadCSV(f, dataframe.HasHeader(true))
	if df.Err != nil {
		return nil, df.Err
	}

	ints := make(map[string][]int, 3)
	for _, name := range []string{"epoch", "batch", "step"} {
		vals, err := df.Col(name).Int()
		if err != nil {
			return nil, fmt.Errorf("column %v: %w", name, err)
		}
		ints[name] = vals
	}
	loss := df.Col("loss").Float()
	ce := df.Col("cross_entropy").Float()
	iou := df.Col("iou").Float()

	h := make(History, df.Nrow())
	for i := range h {
		h[i] = Record{
			Epoch:        ints["epoch"][i],
			Batch:        ints["batch"][i],
			Step:         ints["step"][i],
			Loss:         loss[i],
			CrossEntropy: ce[i],
			IoU:          iou[i],
		}
	}
	return h, nil
}

// EpochMeans returns the mean loss of every epoch, indexed by epoch.
func (h History) EpochMeans() []float64 {
	var (
		sums   []float64
		counts []int
	)
	for _, r := range h {
		for len(sums) <= r.Epoch {
			sums = append(sums, 0)
			counts = append(counts, 0)
		}
		sums[r.Epoch] += r.Loss
		counts[r.Epoch]++
	}
	for i := range sums {
		if counts[i] > 0 {
			sums[i] /= float64(counts[i])
		}
	}
	return sums
}

// Plot saves a loss-per-step line chart to path. The format follows the file
// extension.
func (h History) Plot(path string) error {
	if len(h) == 0 {
		return ErrEmpty
	}
	p, err := plot.New()
	if err != nil {
		return err
	}
	p.Title.Text = "Training loss"
	p.X.Label.Text = "step"
	p.Y.Label.Text = "loss"

	xys := make(plotter.XYs, len(h))
	for i, r := range h {
		xys[i].X = float64(r.Step)
		xys[i].Y = r.Loss
	}
	line, err := plotter.NewLine(xys)
	if err != nil {
		return err
	}
	p.Add(line)

	return p.Save(6*vg.Inch, 4*vg.Inch, path)
}
