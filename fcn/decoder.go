package fcn

import (
	"sync/atomic"

	"github.com/sugarme/gotch/nn"
	ts "github.com/sugarme/gotch/tensor"
	"go.uber.org/zap"

	"github.com/sugarme/roadseg/base"
	"github.com/sugarme/roadseg/encoder"
)

// Skip branch scales. They balance the activation magnitudes of the shallower
// maps against the upsampled deep branch before the additive fusion.
const (
	MidScale     = 1e-2
	ShallowScale = 1e-4
)

// Decoder is the FCN-8 head. It projects the three backbone maps to
// numClasses channels and fuses them coarse to fine with upsampling of x2, x2
// and x8, which restores the 1/32 backbone resolution to the input size.
type Decoder struct {
	numClasses int64

	deepProj    *nn.Conv2D
	midProj     *nn.Conv2D
	shallowProj *nn.Conv2D
	up2a        *nn.ConvTranspose2D // kernel 4, stride 2
	up2b        *nn.ConvTranspose2D // kernel 4, stride 2
	up8         *nn.ConvTranspose2D // kernel 16, stride 8

	reg    *base.L2
	logger *zap.Logger
	traced atomic.Bool
}

// NewDecoder creates a Decoder at p with freshly initialized weights.
func NewDecoder(p *nn.Path, ch encoder.Channels, numClasses int64, logger *zap.Logger) *Decoder {
	if logger == nil {
		logger = zap.NewNop()
	}
	reg := base.NewL2(base.L2Scale)

	return &Decoder{
		numClasses:  numClasses,
		deepProj:    base.Conv1x1(p.Sub("deep_proj"), ch.Deep, numClasses, reg),
		midProj:     base.Conv1x1(p.Sub("mid_proj"), ch.Mid, numClasses, reg),
		shallowProj: base.Conv1x1(p.Sub("shallow_proj"), ch.Shallow, numClasses, reg),
		up2a:        base.UpConv(p.Sub("up2a"), numClasses, numClasses, 4, 2, reg),
		up2b:        base.UpConv(p.Sub("up2b"), numClasses, numClasses, 4, 2, reg),
		up8:         base.UpConv(p.Sub("up8"), numClasses, numClasses, 16, 8, reg),
		reg:         reg,
		logger:      logger,
	}
}

// NumClasses returns the output channel count.
func (d *Decoder) NumClasses() int64 {
	return d.numClasses
}

// Forward fuses features into a class score map of shape
// [bz numClasses H W]. Input features are not dropped. Stage shapes are
// logged at debug level on the first call.
func (d *Decoder) Forward(f encoder.Features) *ts.Tensor {
	first := d.traced.CompareAndSwap(false, true)

	deep := d.deepProj.Forward(f.Deep)
	stage1 := d.up2a.Forward(deep) // [bz C H/16 W/16]
	deep.MustDrop()
	if first {
		d.trace("deep", stage1)
	}

	mid := d.midProj.Forward(f.Mid).MustMul1(ts.FloatScalar(MidScale), true)
	fused2 := stage1.MustAdd(mid, true)
	mid.MustDrop()
	stage2 := d.up2b.Forward(fused2) // [bz C H/8 W/8]
	fused2.MustDrop()
	if first {
		d.trace("mid", stage2)
	}

	shallow := d.shallowProj.Forward(f.Shallow).MustMul1(ts.FloatScalar(ShallowScale), true)
	fused3 := shallow.MustAdd(stage2, true)
	stage2.MustDrop()
	out := d.up8.Forward(fused3) // [bz C H W]
	fused3.MustDrop()
	if first {
		d.trace("shallow", out)
	}

	return out
}

func (d *Decoder) trace(stage string, x *ts.Tensor) {
	d.logger.Debug("fusion stage", zap.String("stage", stage), zap.Int64s("shape", x.MustSize()))
}

// L2Penalty returns the regularization term of all decoder weights.
func (d *Decoder) L2Penalty() *ts.Tensor {
	return d.reg.Penalty()
}
