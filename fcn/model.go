package fcn

import (
	"errors"
	"fmt"
	"strings"

	"github.com/sugarme/gotch/nn"
	ts "github.com/sugarme/gotch/tensor"
	"go.uber.org/zap"

	"github.com/sugarme/roadseg/encoder"
)

// DecoderPath is the var store path holding decoder parameters.
const DecoderPath = "decoder"

// Stride is the total downsampling factor of the backbone. Input height and
// width must be multiples of it.
const Stride = 32

// DefaultKeepProb is the dropout keep probability used by ForwardT in
// training mode.
const DefaultKeepProb = 0.8

// ErrInputShape is returned for images the network cannot score.
var ErrInputShape = errors.New("invalid input shape")

// Model is a FCN-8 segmentation model: a backbone encoder plus a Decoder.
// Ref: https://arxiv.org/abs/1411.4038
type Model struct {
	encoder  encoder.Encoder
	decoder  *Decoder
	KeepProb float64
}

// New attaches a freshly initialized Decoder to enc. Decoder parameters live
// under DecoderPath of vs.
func New(vs *nn.VarStore, enc encoder.Encoder, numClasses int64, logger *zap.Logger) *Model {
	dec := NewDecoder(vs.Root().Sub(DecoderPath), enc.Channels(), numClasses, logger)

	return &Model{
		encoder:  enc,
		decoder:  dec,
		KeepProb: DefaultKeepProb,
	}
}

// NumClasses returns the number of output channels.
func (m *Model) NumClasses() int64 {
	return m.decoder.NumClasses()
}

// CheckInput validates a [bz 3 H W] image batch size.
func (m *Model) CheckInput(size []int64) error {
	if len(size) != 4 || size[1] != 3 {
		return fmt.Errorf("%w: want [bz 3 H W], got %v", ErrInputShape, size)
	}
	if size[2]%Stride != 0 || size[3]%Stride != 0 {
		return fmt.Errorf("%w: height and width must be multiples of %v, got %v", ErrInputShape, Stride, size)
	}
	return nil
}

// Forward scores images x [bz 3 H W] in [0, 1] and returns logits of shape
// [bz numClasses H W].
func (m *Model) Forward(x *ts.Tensor, keepProb float64, train bool) *ts.Tensor {
	features := m.encoder.ForwardFeatures(x, keepProb, train)
	out := m.decoder.Forward(features)
	features.Drop()

	return out
}

// ForwardT implements ts.ModuleT for Model.
func (m *Model) ForwardT(x *ts.Tensor, train bool) *ts.Tensor {
	keepProb := 1.0
	if train {
		keepProb = m.KeepProb
	}
	return m.Forward(x, keepProb, train)
}

// L2Penalty returns the decoder weight regularization term.
func (m *Model) L2Penalty() *ts.Tensor {
	return m.decoder.L2Penalty()
}

// FreezeEncoder stops gradient tracking for every parameter of vs outside
// DecoderPath and returns how many tensors were frozen.
func FreezeEncoder(vs *nn.VarStore) (int, error) {
	var (
		count int
		err   error
	)
	// Variables returns shallow clones sharing the stored tensors.
	for name, v := range vs.Variables() {
		if err == nil && !strings.HasPrefix(name, DecoderPath+".") {
			var frozen *ts.Tensor
			if frozen, err = v.SetRequiresGrad(false, false); err != nil {
				err = fmt.Errorf("freeze %v: %w", name, err)
			} else {
				frozen.MustDrop()
				count++
			}
		}
		v.MustDrop()
	}

	return count, err
}
