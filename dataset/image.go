package dataset

import (
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"math/rand"
	"os"
	"path/filepath"

	"github.com/chai2010/tiff"
	"github.com/disintegration/imaging"
	"github.com/nfnt/resize"
)

// ReadImage reads image from file.
func ReadImage(filename string) (image.Image, error) {
	ext := filepath.Ext(filename)
	f, err := os.Open(filename)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	switch ext {
	case ".png", ".PNG":
		return png.Decode(f)
	case ".jpg", ".jpeg", ".JPG", ".JPEG":
		return jpeg.Decode(f)
	case ".tiff", ".tif", ".TIFF", ".TIF":
		return tiff.Decode(f)
	default:
		err = fmt.Errorf("unsupported image format %q", ext)
		return nil, err
	}
}

// Resize scales an image to w x h with bilinear interpolation.
func Resize(img image.Image, w, h int) image.Image {
	if b := img.Bounds(); b.Dx() == w && b.Dy() == h {
		return img
	}
	return imaging.Resize(img, w, h, imaging.Linear)
}

// ResizeLabel scales a ground-truth image to w x h with nearest neighbour
// sampling, keeping label colours exact.
func ResizeLabel(img image.Image, w, h int) image.Image {
	if b := img.Bounds(); b.Dx() == w && b.Dy() == h {
		return img
	}
	return resize.Resize(uint(w), uint(h), img, resize.NearestNeighbor)
}

// Augment randomly flips image and label together and jitters the image
// brightness by up to 20%.
func Augment(img, gt image.Image, rng *rand.Rand) (image.Image, image.Image) {
	if rng.Float64() < 0.5 {
		img = imaging.FlipH(img)
		gt = imaging.FlipH(gt)
	}
	img = imaging.AdjustBrightness(img, rng.Float64()*40-20)

	return img, gt
}

// EncodeImage converts an image to CHW float32 RGB values in [0, 1].
func EncodeImage(img image.Image) []float32 {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	hw := w * h
	out := make([]float32, 3*hw)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			c := color.NRGBAModel.Convert(img.At(b.Min.X+x, b.Min.Y+y)).(color.NRGBA)
			i := y*w + x
			out[i] = float32(c.R) / 255
			out[hw+i] = float32(c.G) / 255
			out[2*hw+i] = float32(c.B) / 255
		}
	}
	return out
}

// EncodeLabel converts a ground-truth image to a two-channel CHW one-hot
// map: channel 0 marks pixels of colour bg, channel 1 every other pixel.
func EncodeLabel(gt image.Image, bg color.RGBA) []float32 {
	b := gt.Bounds()
	w, h := b.Dx(), b.Dy()
	hw := w * h
	out := make([]float32, NumClasses*hw)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			c := color.RGBAModel.Convert(gt.At(b.Min.X+x, b.Min.Y+y)).(color.RGBA)
			i := y*w + x
			if c.R == bg.R && c.G == bg.G && c.B == bg.B {
				out[i] = 1
			} else {
				out[hw+i] = 1
			}
		}
	}
	return out
}
