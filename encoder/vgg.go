package encoder

import (
	"fmt"
	"strings"

	"github.com/sugarme/gotch/nn"
	ts "github.com/sugarme/gotch/tensor"

	"github.com/sugarme/roadseg/base"
)

// vggConfig is the width of a VGG network.
type vggConfig struct {
	blocks [][]int64 // output channels of each 3x3 conv, grouped by pooling stage
	fc     int64     // output channels of fc6 and fc7
}

var vgg16 = vggConfig{
	blocks: [][]int64{
		{64, 64},
		{128, 128},
		{256, 256, 256},
		{512, 512, 512},
		{512, 512, 512},
	},
	fc: 4096,
}

// Linear layers of the torchvision classifier that become fc6 and fc7.
const (
	fc6Source = "classifier.0"
	fc7Source = "classifier.3"
)

// VGG16Encoder is a fully convolutional VGG16. Parameter names follow the
// torchvision layout (`features.N`) so pretrained `.ot` files load as is;
// the classifier is replaced by conv layers `fc6` and `fc7`.
type VGG16Encoder struct {
	cfg    vggConfig
	blocks [][]*nn.Conv2D
	fc6    *nn.Conv2D
	fc7    *nn.Conv2D
}

// NewVGG16 creates a randomly initialized VGG16Encoder at p.
func NewVGG16(p *nn.Path) *VGG16Encoder {
	v := newVGGFeatures(p, vgg16)
	v.addFC(p)
	return v
}

func newVGGFeatures(p *nn.Path, cfg vggConfig) *VGG16Encoder {
	fp := p.Sub("features")
	v := &VGG16Encoder{cfg: cfg}
	var (
		idx int
		cIn int64 = 3
	)
	for _, block := range cfg.blocks {
		var convs []*nn.Conv2D
		for _, cOut := range block {
			convs = append(convs, base.Conv2d(fp.Sub(fmt.Sprint(idx)), cIn, cOut, 3, 1, 1))
			idx += 2 // conv + relu
			cIn = cOut
		}
		idx++ // max pool
		v.blocks = append(v.blocks, convs)
	}
	return v
}

// pool5 is the channel count entering fc6.
func (v *VGG16Encoder) pool5() int64 {
	last := v.cfg.blocks[len(v.cfg.blocks)-1]
	return last[len(last)-1]
}

func (v *VGG16Encoder) addFC(p *nn.Path) {
	v.fc6 = base.Conv2d(p.Sub("fc6"), v.pool5(), v.cfg.fc, 7, 3, 1)
	v.fc7 = base.Conv2d(p.Sub("fc7"), v.cfg.fc, v.cfg.fc, 1, 0, 1)
}

// LoadVGG16 builds a VGG16Encoder at the root of vs and loads pretrained
// weights from path. fc6 and fc7 are convolutionalized from the
// `classifier.0` and `classifier.3` linear layers of the same file.
func LoadVGG16(vs *nn.VarStore, path string) (*VGG16Encoder, error) {
	return loadVGG(vs, path, vgg16)
}

func loadVGG(vs *nn.VarStore, path string, cfg vggConfig) (*VGG16Encoder, error) {
	file, err := readTensors(path)
	if err != nil {
		return nil, err
	}
	defer dropAll(file)

	// fc6 and fc7 are not in the file under their own names, so they are
	// created after the checked load.
	v := newVGGFeatures(vs.Root(), cfg)
	if err := loadChecked(vs, path, file); err != nil {
		return nil, err
	}
	v.addFC(vs.Root())
	if err := v.convolutionalize(file); err != nil {
		return nil, err
	}

	return v, nil
}

// convolutionalize copies the classifier linear layers of file into fc6 and
// fc7. Linear weights are stored [out, in] with `in` flattened from
// [C 7 7], which is exactly the layout of a [out C 7 7] conv kernel.
func (v *VGG16Encoder) convolutionalize(file map[string]*ts.Tensor) error {
	fc, c5 := v.cfg.fc, v.pool5()
	layers := []struct {
		src    string
		dst    *nn.Conv2D
		kernel []int64
	}{
		{fc6Source, v.fc6, []int64{fc, c5, 7, 7}},
		{fc7Source, v.fc7, []int64{fc, fc, 1, 1}},
	}

	var absent []string
	for _, l := range layers {
		for _, suffix := range []string{".weight", ".bias"} {
			if _, ok := file[l.src+suffix]; !ok {
				absent = append(absent, l.src+suffix)
			}
		}
	}
	if len(absent) > 0 {
		return fmt.Errorf("%w: %v", ErrMissingTensors, strings.Join(absent, ", "))
	}

	for _, l := range layers {
		w, b := file[l.src+".weight"], file[l.src+".bias"]
		want := []int64{l.kernel[0], l.kernel[1] * l.kernel[2] * l.kernel[3]}
		if got := w.MustSize(); !equalSize(got, want) {
			return fmt.Errorf("%v.weight has shape %v, want %v", l.src, got, want)
		}
		if got := b.MustSize(); !equalSize(got, want[:1]) {
			return fmt.Errorf("%v.bias has shape %v, want %v", l.src, got, want[:1])
		}

		ts.NoGrad(func() {
			k := w.MustContiguous(false).MustView(l.kernel, true)
			l.dst.Ws.Copy_(k)
			l.dst.Bs.Copy_(b)
			k.MustDrop()
		})
	}

	return nil
}

func equalSize(a, b []int64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// Channels implements Encoder.
func (v *VGG16Encoder) Channels() Channels {
	return Channels{
		Shallow: v.cfg.blocks[2][len(v.cfg.blocks[2])-1],
		Mid:     v.cfg.blocks[3][len(v.cfg.blocks[3])-1],
		Deep:    v.cfg.fc,
	}
}

// ForwardFeatures implements Encoder for VGG16Encoder. Shallow and Mid are
// the pool3 and pool4 outputs, Deep is fc7 after ReLU and dropout.
func (v *VGG16Encoder) ForwardFeatures(x *ts.Tensor, keepProb float64, train bool) Features {
	var f Features

	in := rgbNormalize(x)
	keep := false // `in` is a returned feature map
	for i, block := range v.blocks {
		h := in
		for j, conv := range block {
			c := conv.Forward(h)
			if j > 0 || !keep {
				h.MustDrop()
			}
			h = c.MustRelu(true)
		}
		pool := h.MustMaxPool2d([]int64{2, 2}, []int64{2, 2}, []int64{0, 0}, []int64{1, 1}, false, true)

		switch i {
		case 2:
			f.Shallow = pool
		case 3:
			f.Mid = pool
		}
		keep = i == 2 || i == 3
		in = pool
	}

	c6 := v.fc6.Forward(in)
	in.MustDrop()
	h6 := dropout(c6.MustRelu(true), keepProb, train)
	c7 := v.fc7.Forward(h6)
	h6.MustDrop()
	f.Deep = dropout(c7.MustRelu(true), keepProb, train)

	return f
}
