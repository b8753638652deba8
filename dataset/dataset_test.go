package dataset_test

import (
	"fmt"
	"image"
	"image/color"
	"image/png"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/sugarme/roadseg/dataset"
)

var road = color.RGBA{R: 255, G: 0, B: 255, A: 255}

func writePNG(t *testing.T, path string, img image.Image) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()
	require.NoError(t, png.Encode(f, img))
}

func fill(w, h int, c color.Color) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, c)
		}
	}
	return img
}

// groundTruth marks the left half as road.
func groundTruth(w, h int) *image.RGBA {
	img := fill(w, h, dataset.Background)
	for y := 0; y < h; y++ {
		for x := 0; x < w/2; x++ {
			img.Set(x, y, road)
		}
	}
	return img
}

// makeKITTI writes n training pairs and one test image under a temp data dir.
func makeKITTI(t *testing.T, n, w, h int) string {
	t.Helper()
	dataDir := t.TempDir()
	train := filepath.Join(dataDir, dataset.TrainingDir)
	for i := 0; i < n; i++ {
		name := []string{"um", "umm", "uu"}[i%3]
		id := fmt.Sprintf("%06d", i)
		writePNG(t, filepath.Join(train, dataset.ImageDir, name+"_"+id+".png"), fill(w, h, color.RGBA{R: 10, G: 20, B: 30, A: 255}))
		writePNG(t, filepath.Join(train, dataset.LabelDir, name+"_road_"+id+".png"), groundTruth(w, h))
		// lane labels are ignored
		if name == "um" {
			writePNG(t, filepath.Join(train, dataset.LabelDir, name+"_lane_"+id+".png"), groundTruth(w, h))
		}
	}
	writePNG(t, filepath.Join(dataDir, dataset.TestingDir, dataset.ImageDir, "um_000000.png"), fill(w, h, color.White))
	return dataDir
}

func TestCheckKITTI(t *testing.T) {
	dataDir := makeKITTI(t, 3, 8, 4)
	assert.NoError(t, dataset.CheckKITTI(dataDir))

	assert.Error(t, dataset.CheckKITTI(t.TempDir()))

	require.NoError(t, os.RemoveAll(filepath.Join(dataDir, dataset.TestingDir)))
	assert.Error(t, dataset.CheckKITTI(dataDir))
}

func TestCheckKITTIEmptyDir(t *testing.T) {
	dataDir := makeKITTI(t, 2, 8, 4)
	dir := filepath.Join(dataDir, dataset.TestingDir, dataset.ImageDir)
	require.NoError(t, os.RemoveAll(dir))
	require.NoError(t, os.MkdirAll(dir, 0755))

	assert.ErrorIs(t, dataset.CheckKITTI(dataDir), dataset.ErrNoImages)
}

func TestTrainingPairs(t *testing.T) {
	dataDir := makeKITTI(t, 3, 8, 4)
	pairs, err := dataset.TrainingPairs(filepath.Join(dataDir, dataset.TrainingDir))
	require.NoError(t, err)
	require.Len(t, pairs, 3)

	for _, p := range pairs {
		img := filepath.Base(p.Image)
		label := filepath.Base(p.Label)
		assert.Contains(t, label, "_road_")
		assert.Equal(t, img, strings.Replace(label, "_road_", "_", 1))
	}

	// an image without label
	writePNG(t, filepath.Join(dataDir, dataset.TrainingDir, dataset.ImageDir, "um_000009.png"), fill(8, 4, color.Black))
	_, err = dataset.TrainingPairs(filepath.Join(dataDir, dataset.TrainingDir))
	assert.Error(t, err)
}

func TestEncodeLabel(t *testing.T) {
	out := dataset.EncodeLabel(groundTruth(4, 2), dataset.Background)
	hw := 8
	require.Len(t, out, 2*hw)

	// row-major: columns 0,1 are road, 2,3 background
	wantBg := []float32{0, 0, 1, 1, 0, 0, 1, 1}
	assert.Equal(t, wantBg, out[:hw])
	for i := 0; i < hw; i++ {
		assert.Equal(t, float32(1), out[i]+out[hw+i], "pixel %v must be one-hot", i)
	}
}

func TestEncodeImage(t *testing.T) {
	out := dataset.EncodeImage(fill(3, 2, color.RGBA{R: 255, G: 51, B: 0, A: 255}))
	require.Len(t, out, 18)
	assert.InDelta(t, 1.0, out[0], 1e-6)
	assert.InDelta(t, 0.2, out[6], 1e-6)
	assert.InDelta(t, 0.0, out[12], 1e-6)
}

func TestResizeLabelKeepsColours(t *testing.T) {
	gt := dataset.ResizeLabel(groundTruth(16, 8), 8, 4)
	assert.Equal(t, image.Rect(0, 0, 8, 4), gt.Bounds())

	out := dataset.EncodeLabel(gt, dataset.Background)
	var roadPixels float32
	for _, v := range out[32:] {
		roadPixels += v
	}
	assert.Equal(t, float32(16), roadPixels)
}

func TestAugmentFlipsTogether(t *testing.T) {
	img := groundTruth(6, 2)
	gt := groundTruth(6, 2)
	rng := rand.New(rand.NewSource(1))
	for i := 0; i < 10; i++ {
		a, b := dataset.Augment(img, gt, rng)
		assert.Equal(t, img.Bounds().Size(), a.Bounds().Size())
		// image and label left columns still agree on road vs background
		ca := color.RGBAModel.Convert(a.At(0, 0)).(color.RGBA)
		cb := color.RGBAModel.Convert(b.At(0, 0)).(color.RGBA)
		assert.Equal(t, cb.B > cb.G, ca.B > ca.G)
	}
}

func TestBatchSampler(t *testing.T) {
	s, err := dataset.NewBatchSampler(7, 3, false, true, 42)
	require.NoError(t, err)
	assert.Equal(t, 3, s.Len())

	var seen []int
	var sizes []int
	for s.HasNext() {
		b, err := s.Next()
		require.NoError(t, err)
		seen = append(seen, b...)
		sizes = append(sizes, len(b))
	}
	sort.Ints(seen)
	assert.Equal(t, []int{0, 1, 2, 3, 4, 5, 6}, seen)
	assert.Equal(t, []int{3, 3, 1}, sizes)

	_, err = s.Next()
	assert.Error(t, err)

	s.Reset()
	assert.True(t, s.HasNext())

	drop, err := dataset.NewBatchSampler(7, 3, true, false, 0)
	require.NoError(t, err)
	assert.Equal(t, 2, drop.Len())
	first, _ := drop.Next()
	assert.Equal(t, []int{0, 1, 2}, first)

	empty, err := dataset.NewBatchSampler(0, 3, false, true, 1)
	require.NoError(t, err)
	assert.False(t, empty.HasNext())

	_, err = dataset.NewBatchSampler(3, 0, false, true, 1)
	assert.Error(t, err)
}

func TestBatchSamplerDeterministic(t *testing.T) {
	order := func() [][]int {
		s, err := dataset.NewBatchSampler(10, 4, false, true, 7)
		require.NoError(t, err)
		var out [][]int
		for s.HasNext() {
			b, _ := s.Next()
			out = append(out, append([]int(nil), b...))
		}
		return out
	}
	assert.Equal(t, order(), order())
}

func TestKITTIBatches(t *testing.T) {
	defer goleak.VerifyNone(t)

	dataDir := makeKITTI(t, 3, 16, 8)
	ds, err := dataset.NewKITTI(filepath.Join(dataDir, dataset.TrainingDir), dataset.KITTIOptions{
		Width: 8, Height: 4, Augment: true, Seed: 3, Workers: 2,
	})
	require.NoError(t, err)
	assert.Equal(t, 3, ds.Len())

	for epoch := 0; epoch < 2; epoch++ {
		dl, err := ds.Batches(2)
		require.NoError(t, err)
		assert.Equal(t, 2, dl.Len())

		total := 0
		for dl.HasNext() {
			b, err := dl.Next()
			require.NoError(t, err)
			assert.Equal(t, 4, b.Height)
			assert.Equal(t, 8, b.Width)
			assert.Equal(t, 2, b.Classes)
			assert.Len(t, b.Images, b.Size*3*4*8)
			assert.Len(t, b.Labels, b.Size*2*4*8)
			total += b.Size
		}
		assert.Equal(t, 3, total)
	}
}

type brokenDataset struct{}

func (brokenDataset) Len() int { return 2 }
func (brokenDataset) Item(idx int) (dataset.Sample, error) {
	return dataset.Sample{Image: []float32{1}}, nil
}
func (brokenDataset) Shape() (int, int, int) { return 1, 1, 2 }

func TestDataLoaderRejectsMalformedSample(t *testing.T) {
	s, err := dataset.NewBatchSampler(2, 2, false, false, 1)
	require.NoError(t, err)
	dl, err := dataset.NewDataLoader(brokenDataset{}, s, 2)
	require.NoError(t, err)

	_, err = dl.Next()
	assert.Error(t, err)

	other, _ := dataset.NewBatchSampler(5, 2, false, false, 1)
	_, err = dataset.NewDataLoader(brokenDataset{}, other, 1)
	assert.Error(t, err)
}

func TestReadImageUnsupported(t *testing.T) {
	path := filepath.Join(t.TempDir(), "frame.bmp")
	require.NoError(t, os.WriteFile(path, []byte("BM"), 0o644))

	_, err := dataset.ReadImage(path)
	require.Error(t, err)
	assert.Equal(t, `unsupported image format ".bmp"`, err.Error())
}
