package encoder

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/sugarme/gotch"
	"github.com/sugarme/gotch/nn"
	ts "github.com/sugarme/gotch/tensor"
)

// Supported backbone names.
const (
	VGG16    = "vgg16"
	ResNet34 = "resnet34"
)

// ErrMissingTensors is returned when a pretrained file lacks parameters the
// backbone expects.
var ErrMissingTensors = errors.New("pretrained file is missing backbone tensors")

// Features holds the three backbone feature maps consumed by the decoder, in
// order of increasing semantic depth and decreasing resolution.
type Features struct {
	Shallow *ts.Tensor // 1/8 of input resolution
	Mid     *ts.Tensor // 1/16
	Deep    *ts.Tensor // 1/32
}

// Drop frees all feature tensors.
func (f Features) Drop() {
	for _, x := range []*ts.Tensor{f.Shallow, f.Mid, f.Deep} {
		if x != nil {
			x.MustDrop()
		}
	}
}

// Channels reports channel counts of Features.
type Channels struct {
	Shallow, Mid, Deep int64
}

// Encoder is encoder interface for a image segmentation model.
type Encoder interface {
	// ForwardFeatures runs the backbone on images in [0, 1]. Dropout with
	// probability 1-keepProb is applied to the deep features when train is
	// true.
	ForwardFeatures(x *ts.Tensor, keepProb float64, train bool) Features
	Channels() Channels
}

// New creates a randomly initialized backbone of the given kind at p.
func New(p *nn.Path, kind string) (Encoder, error) {
	switch kind {
	case VGG16:
		return NewVGG16(p), nil
	case ResNet34:
		return NewResNet34(p), nil
	default:
		return nil, fmt.Errorf("unknown backbone %q", kind)
	}
}

// Load builds the backbone of the given kind at the root of vs and restores
// its pretrained weights from path. It must run before any other variable is
// added to vs: every variable of vs has to be present in the file.
func Load(vs *nn.VarStore, kind, path string) (Encoder, error) {
	switch kind {
	case VGG16:
		return LoadVGG16(vs, path)
	case ResNet34:
		return LoadResNet34(vs, path)
	default:
		return nil, fmt.Errorf("unknown backbone %q", kind)
	}
}

// readTensors loads every tensor of a gotch .ot file on the CPU, keyed by
// name. Callers drop the result with dropAll.
func readTensors(path string) (map[string]*ts.Tensor, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("pretrained weights: %w", err)
	}
	named, err := ts.LoadMultiWithDevice(path, gotch.CPU)
	if err != nil {
		return nil, fmt.Errorf("read pretrained weights %v: %w", path, err)
	}
	file := make(map[string]*ts.Tensor, len(named))
	for _, nt := range named {
		file[nt.Name] = nt.Tensor
	}
	return file, nil
}

func dropAll(file map[string]*ts.Tensor) {
	for _, x := range file {
		x.MustDrop()
	}
}

// loadChecked restores every variable of vs from path. gotch's LoadPartial
// cannot cope with a variable absent from the file, so the names are checked
// against file first and any gap is reported as ErrMissingTensors.
func loadChecked(vs *nn.VarStore, path string, file map[string]*ts.Tensor) error {
	var absent []string
	for name, v := range vs.Variables() {
		if _, ok := file[name]; !ok {
			absent = append(absent, name)
		}
		v.MustDrop()
	}
	if len(absent) > 0 {
		sort.Strings(absent)
		return fmt.Errorf("%w: %v", ErrMissingTensors, strings.Join(absent, ", "))
	}

	if _, err := vs.LoadPartial(path); err != nil {
		return fmt.Errorf("load pretrained weights %v: %w", path, err)
	}
	return nil
}

func rgbNormalize(x *ts.Tensor) *ts.Tensor {
	meanVals := []float32{0.485, 0.456, 0.406} // image RGB mean
	sdVals := []float32{0.229, 0.224, 0.225}   // image RGB standard error

	device := x.MustDevice()
	mean := ts.MustOfSlice(meanVals).MustView([]int64{1, 3, 1, 1}, true).MustTo(device, true)
	sd := ts.MustOfSlice(sdVals).MustView([]int64{1, 3, 1, 1}, true).MustTo(device, true)

	// x = (x - mean)/sd
	n := x.MustSub(mean, false).MustDiv(sd, true)
	mean.MustDrop()
	sd.MustDrop()

	return n
}

// dropout consumes x.
func dropout(x *ts.Tensor, keepProb float64, train bool) *ts.Tensor {
	if !train || keepProb >= 1 {
		return x
	}
	d := ts.MustDropout(x, 1-keepProb, train)
	x.MustDrop()

	return d
}
