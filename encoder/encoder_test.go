package encoder_test

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/sugarme/gotch"
	"github.com/sugarme/gotch/nn"
	ts "github.com/sugarme/gotch/tensor"

	"github.com/sugarme/roadseg/base"
	"github.com/sugarme/roadseg/encoder"
)

func TestFeatureShapes(t *testing.T) {
	tests := []struct {
		kind string
		want encoder.Channels
	}{
		{encoder.VGG16, encoder.Channels{Shallow: 256, Mid: 512, Deep: 4096}},
		{encoder.ResNet34, encoder.Channels{Shallow: 128, Mid: 256, Deep: 512}},
	}

	for _, tt := range tests {
		t.Run(tt.kind, func(t *testing.T) {
			vs := nn.NewVarStore(gotch.CPU)
			enc, err := encoder.New(vs.Root(), tt.kind)
			require.NoError(t, err)
			assert.Equal(t, tt.want, enc.Channels())

			x := ts.MustRand([]int64{1, 3, 64, 96}, gotch.Float, gotch.CPU)
			ts.NoGrad(func() {
				f := enc.ForwardFeatures(x, 0.8, true)
				assert.Equal(t, []int64{1, tt.want.Shallow, 8, 12}, f.Shallow.MustSize())
				assert.Equal(t, []int64{1, tt.want.Mid, 4, 6}, f.Mid.MustSize())
				assert.Equal(t, []int64{1, tt.want.Deep, 2, 3}, f.Deep.MustSize())
				f.Drop()
			})
			x.MustDrop()
		})
	}
}

func TestNewUnknownBackbone(t *testing.T) {
	vs := nn.NewVarStore(gotch.CPU)
	_, err := encoder.New(vs.Root(), "alexnet")
	assert.Error(t, err)
}

func TestLoadMissingFile(t *testing.T) {
	vs := nn.NewVarStore(gotch.CPU)
	_, err := encoder.Load(vs, encoder.VGG16, filepath.Join(t.TempDir(), "vgg16.ot"))
	assert.Error(t, err)
}

func TestLoadMissingTensors(t *testing.T) {
	// a file holding only the first conv of the backbone
	partial := nn.NewVarStore(gotch.CPU)
	base.Conv2d(partial.Root().Sub("features").Sub("0"), 3, 64, 3, 1, 1)
	path := filepath.Join(t.TempDir(), "partial.ot")
	require.NoError(t, partial.Save(path))

	vs := nn.NewVarStore(gotch.CPU)
	_, err := encoder.Load(vs, encoder.VGG16, path)
	require.Error(t, err)
	assert.ErrorIs(t, err, encoder.ErrMissingTensors)
}

func TestLoadResNetMissingTensors(t *testing.T) {
	partial := nn.NewVarStore(gotch.CPU)
	base.Conv2dNoBias(partial.Root().Sub("conv1"), 3, 64, 7, 3, 2)
	path := filepath.Join(t.TempDir(), "resnet34.ot")
	require.NoError(t, partial.Save(path))

	_, err := encoder.Load(nn.NewVarStore(gotch.CPU), encoder.ResNet34, path)
	require.ErrorIs(t, err, encoder.ErrMissingTensors)
	assert.Contains(t, err.Error(), "layer1.0.conv1.weight")
}
