package encoder

import (
	"fmt"

	"github.com/sugarme/gotch/nn"
	ts "github.com/sugarme/gotch/tensor"

	"github.com/sugarme/roadseg/base"
)

// stage is one group of residual blocks sharing an output width.
type stage struct {
	name          string
	cIn, cOut     int64
	stride, count int64
}

var resnet34Stages = []stage{
	{"layer1", 64, 64, 1, 3},
	{"layer2", 64, 128, 2, 4},
	{"layer3", 128, 256, 2, 6},
	{"layer4", 256, 512, 2, 3},
}

// ResNet34Encoder exposes layer2, layer3 and layer4 of a ResNet34 as
// Shallow, Mid and Deep features.
type ResNet34Encoder struct {
	stem   ts.ModuleT
	stages []ts.ModuleT
}

// NewResNet34 creates a randomly initialized ResNet34Encoder at p.
// Parameter names follow torchvision so that converted weights load as is.
func NewResNet34(p *nn.Path) *ResNet34Encoder {
	e := &ResNet34Encoder{stem: newStem(p)} // conv1 and bn1 live at the root
	for _, s := range resnet34Stages {
		e.stages = append(e.stages, newStage(p.Sub(s.name), s))
	}
	return e
}

// LoadResNet34 builds a ResNet34Encoder at the root of vs and loads
// pretrained weights from path. The classifier (fc) is never created.
func LoadResNet34(vs *nn.VarStore, path string) (*ResNet34Encoder, error) {
	file, err := readTensors(path)
	if err != nil {
		return nil, err
	}
	defer dropAll(file)

	net := NewResNet34(vs.Root())
	if err := loadChecked(vs, path, file); err != nil {
		return nil, err
	}

	return net, nil
}

// Channels implements Encoder.
func (e *ResNet34Encoder) Channels() Channels {
	return Channels{Shallow: 128, Mid: 256, Deep: 512}
}

// ForwardFeatures implements Encoder for ResNet34Encoder.
//
// Strides: stem /4, layer1 /4, layer2 /8, layer3 /16, layer4 /32.
func (e *ResNet34Encoder) ForwardFeatures(x *ts.Tensor, keepProb float64, train bool) Features {
	xn := rgbNormalize(x)
	h := e.stem.ForwardT(xn, train)
	xn.MustDrop()

	outs := make([]*ts.Tensor, len(e.stages))
	for i, s := range e.stages {
		outs[i] = s.ForwardT(h, train)
		if i < 2 {
			// stem and layer1 outputs are not tapped
			h.MustDrop()
		}
		h = outs[i]
	}

	return Features{
		Shallow: outs[1],
		Mid:     outs[2],
		Deep:    dropout(outs[3], keepProb, train),
	}
}

func newStem(p *nn.Path) ts.ModuleT {
	seq := nn.SeqT()
	seq.Add(base.Conv2dNoBias(p.Sub("conv1"), 3, 64, 7, 3, 2))
	seq.Add(nn.BatchNorm2D(p.Sub("bn1"), 64, nn.DefaultBatchNormConfig()))
	seq.AddFn(nn.NewFunc(func(xs *ts.Tensor) *ts.Tensor {
		return xs.MustRelu(false)
	}))
	seq.AddFn(nn.NewFunc(func(xs *ts.Tensor) *ts.Tensor {
		return xs.MustMaxPool2d([]int64{3, 3}, []int64{2, 2}, []int64{1, 1}, []int64{1, 1}, false, false)
	}))

	return seq
}

func newStage(p *nn.Path, s stage) ts.ModuleT {
	seq := nn.SeqT()
	seq.Add(newResidual(p.Sub("0"), s.cIn, s.cOut, s.stride))
	for i := int64(1); i < s.count; i++ {
		seq.Add(newResidual(p.Sub(fmt.Sprint(i)), s.cOut, s.cOut, 1))
	}

	return seq
}

// residual is a ResNet basic block: two 3x3 conv-bn pairs plus a shortcut
// that is projected when the shape changes.
type residual struct {
	conv1, conv2 *nn.Conv2D
	bn1, bn2     *nn.BatchNorm
	shortcut     *nn.SequentialT // nil for identity
}

func newResidual(p *nn.Path, cIn, cOut, stride int64) *residual {
	r := &residual{
		conv1: base.Conv2dNoBias(p.Sub("conv1"), cIn, cOut, 3, 1, stride),
		bn1:   nn.BatchNorm2D(p.Sub("bn1"), cOut, nn.DefaultBatchNormConfig()),
		conv2: base.Conv2dNoBias(p.Sub("conv2"), cOut, cOut, 3, 1, 1),
		bn2:   nn.BatchNorm2D(p.Sub("bn2"), cOut, nn.DefaultBatchNormConfig()),
	}
	if stride != 1 || cIn != cOut {
		ds := p.Sub("downsample")
		r.shortcut = nn.SeqT()
		r.shortcut.Add(base.Conv2dNoBias(ds.Sub("0"), cIn, cOut, 1, 0, stride))
		r.shortcut.Add(nn.BatchNorm2D(ds.Sub("1"), cOut, nn.DefaultBatchNormConfig()))
	}
	return r
}

// ForwardT implements ts.ModuleT. x is not consumed.
func (r *residual) ForwardT(x *ts.Tensor, train bool) *ts.Tensor {
	a := r.conv1.ForwardT(x, train)
	b := r.bn1.ForwardT(a, train)
	a.MustDrop()
	b = b.MustRelu(true)
	a = r.conv2.ForwardT(b, train)
	b.MustDrop()
	b = r.bn2.ForwardT(a, train)
	a.MustDrop()

	var sum *ts.Tensor
	if r.shortcut != nil {
		sc := r.shortcut.ForwardT(x, train)
		sum = sc.MustAdd(b, true)
	} else {
		sum = x.MustAdd(b, false)
	}
	b.MustDrop()

	return sum.MustRelu(true)
}
