package base

import (
	"fmt"

	"github.com/sugarme/gotch"
	"github.com/sugarme/gotch/nn"
	ts "github.com/sugarme/gotch/tensor"
)

// L2Scale is the weight regularization coefficient used by the decoder
// primitives.
const L2Scale = 1e-3

// L2 collects weight tensors and computes their L2 penalty
// scale * sum(w^2) / 2.
type L2 struct {
	Scale   float64
	weights []*ts.Tensor
}

// NewL2 creates an empty L2 regularizer.
func NewL2(scale float64) *L2 {
	return &L2{Scale: scale}
}

// Register adds a weight tensor to the regularizer.
func (r *L2) Register(w *ts.Tensor) {
	if r == nil || w == nil {
		return
	}
	r.weights = append(r.weights, w)
}

// Len returns number of registered weights.
func (r *L2) Len() int {
	if r == nil {
		return 0
	}
	return len(r.weights)
}

// Penalty returns a scalar tensor holding the penalty of all registered
// weights. It returns nil when nothing is registered.
func (r *L2) Penalty() *ts.Tensor {
	if r.Len() == 0 {
		return nil
	}

	var sum *ts.Tensor
	for _, w := range r.weights {
		sq := w.MustMul(w, false).MustSum(gotch.Float, true)
		if sum == nil {
			sum = sq
			continue
		}
		sum = sum.MustAdd(sq, true)
		sq.MustDrop()
	}

	return sum.MustMul1(ts.FloatScalar(r.Scale/2), true)
}

// Conv2d creates Conv2D module.
func Conv2d(p *nn.Path, cIn, cOut, ksize, padding, stride int64) *nn.Conv2D {
	config := nn.DefaultConv2DConfig()
	config.Stride = []int64{stride, stride}
	config.Padding = []int64{padding, padding}

	return nn.NewConv2D(p, cIn, cOut, ksize, config)
}

// Conv2dNoBias creates Conv2D with no bias.
func Conv2dNoBias(p *nn.Path, cIn, cOut, ksize, padding, stride int64) *nn.Conv2D {
	config := nn.DefaultConv2DConfig()
	config.Bias = false
	config.Stride = []int64{stride, stride}
	config.Padding = []int64{padding, padding}

	return nn.NewConv2D(p, cIn, cOut, ksize, config)
}

// Conv1x1 creates a per-pixel linear projection to cOut channels.
// Its weight is registered with reg when reg is not nil.
func Conv1x1(p *nn.Path, cIn, cOut int64, reg *L2) *nn.Conv2D {
	conv := Conv2d(p, cIn, cOut, 1, 0, 1)
	reg.Register(conv.Ws)

	return conv
}

// TransposePadding returns padding and output padding that make a transposed
// convolution with kernel ksize and the given stride scale its input by
// exactly stride ("same" padding).
//
// out = (in-1)*stride - 2*padding + ksize + outPadding = in*stride
func TransposePadding(ksize, stride int64) (padding, outPadding int64) {
	d := ksize - stride
	if d < 0 {
		return 0, -d
	}
	padding = (d + 1) / 2
	outPadding = 2*padding - d

	return padding, outPadding
}

// UpConv creates a learned transposed-convolution upsampling module that
// scales spatial dimensions by stride. Its weight is registered with reg when
// reg is not nil.
func UpConv(p *nn.Path, cIn, cOut, ksize, stride int64, reg *L2) *nn.ConvTranspose2D {
	if ksize < 1 || stride < 1 {
		panic(fmt.Sprintf("invalid upsampling kernel %v or stride %v", ksize, stride))
	}
	padding, outPadding := TransposePadding(ksize, stride)

	config := &nn.ConvTranspose2DConfig{
		Stride:        []int64{stride, stride},
		Padding:       []int64{padding, padding},
		OutputPadding: []int64{outPadding, outPadding},
		Dilation:      []int64{1, 1},
		Groups:        1,
		Bias:          true,
		WsInit:        nn.NewKaimingUniformInit(),
		BsInit:        nn.NewConstInit(0),
	}

	conv := nn.NewConvTranspose2D(p, cIn, cOut, []int64{ksize, ksize}, config)
	reg.Register(conv.Ws)

	return conv
}
