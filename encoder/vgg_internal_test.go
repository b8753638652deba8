package encoder

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/sugarme/gotch"
	"github.com/sugarme/gotch/nn"
	ts "github.com/sugarme/gotch/tensor"
)

// tinyVGG has the VGG16 topology at a fraction of its width.
var tinyVGG = vggConfig{
	blocks: [][]int64{{4, 4}, {4, 4}, {8, 8, 8}, {8, 8, 8}, {8, 8, 8}},
	fc:     16,
}

// pretrainedFile saves torchvision-style weights of cfg: features convs plus
// the classifier linear layers.
func pretrainedFile(t *testing.T, cfg vggConfig, withClassifier bool) (src *nn.VarStore, path string, l6, l7 *nn.Linear) {
	src = nn.NewVarStore(gotch.CPU)
	v := newVGGFeatures(src.Root(), cfg)
	if withClassifier {
		cp := src.Root().Sub("classifier")
		l6 = nn.NewLinear(cp.Sub("0"), v.pool5()*7*7, cfg.fc, nn.DefaultLinearConfig())
		l7 = nn.NewLinear(cp.Sub("3"), cfg.fc, cfg.fc, nn.DefaultLinearConfig())
	}
	path = filepath.Join(t.TempDir(), "vgg.ot")
	require.NoError(t, src.Save(path))
	return src, path, l6, l7
}

func values(t *testing.T, vs *nn.VarStore, name string) []float64 {
	vars := vs.Variables()
	defer func() {
		for _, v := range vars {
			v.MustDrop()
		}
	}()
	x, ok := vars[name]
	require.True(t, ok, name)
	return x.Float64Values()
}

func TestLoadVGGConvolutionalizesClassifier(t *testing.T) {
	src, path, l6, l7 := pretrainedFile(t, tinyVGG, true)

	vs := nn.NewVarStore(gotch.CPU)
	v, err := loadVGG(vs, path, tinyVGG)
	require.NoError(t, err)
	assert.Equal(t, Channels{Shallow: 8, Mid: 8, Deep: 16}, v.Channels())

	assert.InDeltaSlice(t, values(t, src, "features.0.weight"), values(t, vs, "features.0.weight"), 1e-6)

	ts.NoGrad(func() {
		// fc6 at the centre of a 7x7 map sees the whole pool5 window, which
		// is the classifier.0 dot product.
		p5 := ts.MustRand([]int64{1, 8, 7, 7}, gotch.Float, gotch.CPU)
		got := v.fc6.Forward(p5).MustSelect(2, 3, true).MustSelect(2, 3, true)
		flat := p5.MustView([]int64{1, 8 * 7 * 7}, false)
		want := l6.Forward(flat)
		assert.InDeltaSlice(t, want.Float64Values(), got.Float64Values(), 1e-4)

		h := ts.MustRand([]int64{1, 16}, gotch.Float, gotch.CPU)
		h4 := h.MustView([]int64{1, 16, 1, 1}, false)
		got7 := v.fc7.Forward(h4).MustView([]int64{1, 16}, true)
		want7 := l7.Forward(h)
		assert.InDeltaSlice(t, want7.Float64Values(), got7.Float64Values(), 1e-4)

		for _, x := range []*ts.Tensor{p5, got, flat, want, h, h4, got7, want7} {
			x.MustDrop()
		}
	})
}

func TestLoadVGGMissingClassifier(t *testing.T) {
	_, path, _, _ := pretrainedFile(t, tinyVGG, false)

	vs := nn.NewVarStore(gotch.CPU)
	_, err := loadVGG(vs, path, tinyVGG)
	require.ErrorIs(t, err, ErrMissingTensors)
	assert.Contains(t, err.Error(), fc6Source+".weight")
}

func TestLoadVGGWrongWidth(t *testing.T) {
	_, path, _, _ := pretrainedFile(t, tinyVGG, true)

	wide := tinyVGG
	wide.fc = 32
	_, err := loadVGG(nn.NewVarStore(gotch.CPU), path, wide)
	assert.Error(t, err)
}
