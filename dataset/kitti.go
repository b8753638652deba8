// Package dataset reads the KITTI road dataset and serves it as shuffled
// mini-batches of normalized images and one-hot label maps.
package dataset

import (
	"errors"
	"fmt"
	"image/color"
	"math/rand"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"sync/atomic"
	"time"
)

// Dataset layout under the data directory.
const (
	TrainingDir = "data_road/training"
	TestingDir  = "data_road/testing"
	ImageDir    = "image_2"
	LabelDir    = "gt_image_2"
)

// NumClasses is the number of classes encoded by KITTI ground truth:
// background and road.
const NumClasses = 2

// Background is the ground-truth colour of non-road pixels.
var Background = color.RGBA{R: 255, G: 0, B: 0, A: 255}

// ErrNoImages is returned when an image directory holds no PNG files.
var ErrNoImages = errors.New("no images found")

// label file names carry a `_road_` or `_lane_` infix the image names lack
var labelInfix = regexp.MustCompile(`_(lane|road)_`)

// Pair is a training image and its ground-truth label.
type Pair struct {
	Image string
	Label string
}

// CheckKITTI verifies that dataDir holds the KITTI road training and testing
// sets.
func CheckKITTI(dataDir string) error {
	trainImages, err := globPNG(filepath.Join(dataDir, TrainingDir, ImageDir))
	if err != nil {
		return err
	}
	trainLabels, err := globPNG(filepath.Join(dataDir, TrainingDir, LabelDir))
	if err != nil {
		return err
	}
	if _, err := globPNG(filepath.Join(dataDir, TestingDir, ImageDir)); err != nil {
		return err
	}

	roads := 0
	for _, l := range trainLabels {
		if isRoadLabel(l) {
			roads++
		}
	}
	if roads != len(trainImages) {
		return fmt.Errorf("found %v training images but %v road labels", len(trainImages), roads)
	}
	return nil
}

// TrainingPairs pairs every image under dir/image_2 with its road label under
// dir/gt_image_2.
func TrainingPairs(dir string) ([]Pair, error) {
	images, err := globPNG(filepath.Join(dir, ImageDir))
	if err != nil {
		return nil, err
	}
	labels, err := globPNG(filepath.Join(dir, LabelDir))
	if err != nil {
		return nil, err
	}

	byImage := make(map[string]string, len(labels))
	for _, l := range labels {
		if !isRoadLabel(l) {
			continue
		}
		byImage[labelInfix.ReplaceAllString(filepath.Base(l), "_")] = l
	}

	pairs := make([]Pair, 0, len(images))
	for _, img := range images {
		l, ok := byImage[filepath.Base(img)]
		if !ok {
			return nil, fmt.Errorf("no road label for %v", img)
		}
		pairs = append(pairs, Pair{Image: img, Label: l})
	}
	return pairs, nil
}

// TestImages lists the held-out images under dataDir.
func TestImages(dataDir string) ([]string, error) {
	return globPNG(filepath.Join(dataDir, TestingDir, ImageDir))
}

func isRoadLabel(path string) bool {
	m := labelInfix.FindStringSubmatch(filepath.Base(path))
	return m != nil && m[1] == "road"
}

func globPNG(dir string) ([]string, error) {
	if _, err := os.Stat(dir); err != nil {
		return nil, fmt.Errorf("dataset directory: %w", err)
	}
	files, err := filepath.Glob(filepath.Join(dir, "*.png"))
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("%w in %v", ErrNoImages, dir)
	}
	sort.Strings(files)
	return files, nil
}

// KITTIOptions configures a KITTI dataset.
type KITTIOptions struct {
	Width, Height int
	Augment       bool
	Seed          int64 // 0 picks a time based seed
	Workers       int
}

// KITTI implements Dataset over training pairs.
type KITTI struct {
	pairs []Pair
	opts  KITTIOptions
	epoch int64
	calls atomic.Int64
}

var _ Dataset = (*KITTI)(nil)

// NewKITTI creates a dataset from the training directory dir.
func NewKITTI(dir string, opts KITTIOptions) (*KITTI, error) {
	if opts.Width <= 0 || opts.Height <= 0 {
		return nil, fmt.Errorf("invalid image size %vx%v", opts.Width, opts.Height)
	}
	if opts.Seed == 0 {
		opts.Seed = time.Now().UnixNano()
	}
	pairs, err := TrainingPairs(dir)
	if err != nil {
		return nil, err
	}

	return &KITTI{pairs: pairs, opts: opts}, nil
}

// Len implements Dataset.
func (k *KITTI) Len() int { return len(k.pairs) }

// Shape implements Dataset.
func (k *KITTI) Shape() (height, width, classes int) {
	return k.opts.Height, k.opts.Width, NumClasses
}

// Item implements Dataset.
func (k *KITTI) Item(idx int) (Sample, error) {
	p := k.pairs[idx]
	img, err := ReadImage(p.Image)
	if err != nil {
		return Sample{}, err
	}
	gt, err := ReadImage(p.Label)
	if err != nil {
		return Sample{}, err
	}

	img = Resize(img, k.opts.Width, k.opts.Height)
	gt = ResizeLabel(gt, k.opts.Width, k.opts.Height)
	if k.opts.Augment {
		rng := rand.New(rand.NewSource(k.opts.Seed + k.calls.Add(1)))
		img, gt = Augment(img, gt, rng)
	}

	return Sample{
		Image: EncodeImage(img),
		Label: EncodeLabel(gt, Background),
	}, nil
}

// Batches returns a loader over one epoch in a fresh shuffled order. The last
// batch may be smaller than batchSize.
func (k *KITTI) Batches(batchSize int) (*DataLoader, error) {
	k.epoch++
	s, err := NewBatchSampler(k.Len(), batchSize, false, true, k.opts.Seed+k.epoch)
	if err != nil {
		return nil, err
	}
	return NewDataLoader(k, s, k.opts.Workers)
}
