// Package inference runs a trained scorer over the held-out KITTI images and
// writes road overlays.
package inference

import (
	"fmt"
	"image"
	"image/color"
	"os"
	"path/filepath"
	"time"

	"github.com/disintegration/imaging"
	"github.com/sugarme/gotch"
	ts "github.com/sugarme/gotch/tensor"
	"go.uber.org/zap"
	"golang.org/x/image/draw"

	"github.com/sugarme/roadseg/dataset"
)

// RoadClass is the class index whose probability marks road pixels.
const RoadClass = 1

// Threshold is the road probability above which a pixel is painted.
const Threshold = 0.5

// Overlay colour and mask opacity.
var (
	Green     = color.RGBA{0, 255, 0, 255}
	MaskAlpha = color.Alpha{127}
)

// Scorer maps an image batch [bz 3 H W] to class scores [bz C H W].
type Scorer interface {
	Forward(x *ts.Tensor, keepProb float64, train bool) *ts.Tensor
}

// Options configures SaveSamples.
type Options struct {
	Width, Height int
	Device        gotch.Device
	Logger        *zap.Logger
}

// SaveSamples writes one overlay per test image of dataDir into a new
// timestamped directory under runsDir and returns that directory.
func SaveSamples(runsDir, dataDir string, scorer Scorer, opts Options) (string, error) {
	if opts.Width <= 0 || opts.Height <= 0 {
		return "", fmt.Errorf("invalid image shape %vx%v", opts.Width, opts.Height)
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Device == (gotch.Device{}) {
		opts.Device = gotch.CPU
	}

	files, err := dataset.TestImages(dataDir)
	if err != nil {
		return "", err
	}

	outDir := filepath.Join(runsDir, fmt.Sprintf("%d", time.Now().UnixNano()))
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return "", err
	}
	logger.Info("saving test images", zap.String("dir", outDir), zap.Int("count", len(files)))

	for _, file := range files {
		img, err := dataset.ReadImage(file)
		if err != nil {
			return outDir, err
		}
		img = dataset.Resize(img, opts.Width, opts.Height)

		mask := RoadMask(scorer, img, opts.Device)
		out, err := Overlay(img, mask)
		if err != nil {
			return outDir, err
		}
		if err := imaging.Save(out, filepath.Join(outDir, filepath.Base(file))); err != nil {
			return outDir, err
		}
	}

	return outDir, nil
}

// RoadMask scores a single image and returns, in row-major order, whether
// each pixel is road.
func RoadMask(scorer Scorer, img image.Image, device gotch.Device) []bool {
	b := img.Bounds()
	w, h := int64(b.Dx()), int64(b.Dy())
	x := ts.MustOfSlice(dataset.EncodeImage(img)).MustView([]int64{1, 3, h, w}, true).MustTo(device, true)

	var probs []float64
	ts.NoGrad(func() {
		logits := scorer.Forward(x, 1.0, false)
		road := logits.MustSoftmax(1, gotch.Float, true).MustSelect(1, RoadClass, true)
		cpu := road.MustTo(gotch.CPU, true)
		probs = cpu.Float64Values()
		cpu.MustDrop()
	})
	x.MustDrop()

	mask := make([]bool, len(probs))
	for i, p := range probs {
		mask[i] = p > Threshold
	}
	return mask
}

// Overlay blends green over the masked pixels of img.
func Overlay(img image.Image, mask []bool) (*image.RGBA, error) {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	if len(mask) != w*h {
		return nil, fmt.Errorf("mask has %v values for a %vx%v image", len(mask), w, h)
	}

	rec := image.Rect(0, 0, w, h)
	dst := image.NewRGBA(rec)
	draw.Draw(dst, rec, img, b.Min, draw.Src)

	alpha := image.NewAlpha(rec)
	for i, road := range mask {
		if road {
			alpha.SetAlpha(i%w, i/w, MaskAlpha)
		}
	}
	draw.DrawMask(dst, rec, image.NewUniform(Green), image.Point{}, alpha, image.Point{}, draw.Over)

	return dst, nil
}
