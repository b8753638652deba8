// Package config holds the knobs of a roadseg run.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/sugarme/roadseg/dataset"
	"github.com/sugarme/roadseg/encoder"
	"github.com/sugarme/roadseg/fcn"
	"github.com/sugarme/roadseg/trainer"
)

// Config captures the runtime knobs of a training run.
type Config struct {
	NumClasses  int    `yaml:"num_classes"`
	ImageHeight int    `yaml:"image_height"`
	ImageWidth  int    `yaml:"image_width"`
	DataDir     string `yaml:"data_dir"`
	RunsDir     string `yaml:"runs_dir"`

	// Backbone is vgg16 or resnet34.
	Backbone   string `yaml:"backbone"`
	WeightsURL string `yaml:"weights_url"` // empty selects the default release URL

	Epochs         int     `yaml:"epochs"`
	BatchSize      int     `yaml:"batch_size"`
	DropoutKeep    float64 `yaml:"dropout_keep"`
	LearningRate   float64 `yaml:"learning_rate"`
	Regularize     bool    `yaml:"regularize"`
	FreezeBackbone bool    `yaml:"freeze_backbone"`
	Augment        bool    `yaml:"augment"`
	TrackIoU       bool    `yaml:"track_iou"`

	Workers int   `yaml:"workers"`
	Seed    int64 `yaml:"seed"`
	Cuda    bool  `yaml:"cuda"` // use a GPU when one is present

	// Checkpoint, when set, is where the trained var store is saved.
	Checkpoint string `yaml:"checkpoint"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		NumClasses:   dataset.NumClasses,
		ImageHeight:  160,
		ImageWidth:   576,
		DataDir:      "./data",
		RunsDir:      "./runs",
		Backbone:     encoder.VGG16,
		Epochs:       trainer.DefaultEpochs,
		BatchSize:    trainer.DefaultBatchSize,
		DropoutKeep:  trainer.DefaultDropoutKeep,
		LearningRate: trainer.DefaultLearningRate,
		Regularize:   true,
		Workers:      4,
		Cuda:         true,
	}
}

// Load reads a YAML file over the defaults and validates the result. An
// empty path returns the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes cfg as YAML.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// Validate verifies the config is runnable.
func (c *Config) Validate() error {
	var errs []error
	if c.NumClasses != dataset.NumClasses {
		errs = append(errs, fmt.Errorf("num_classes must be %d (got %d)", dataset.NumClasses, c.NumClasses))
	}
	if c.ImageHeight <= 0 || c.ImageHeight%fcn.Stride != 0 {
		errs = append(errs, fmt.Errorf("image_height must be a positive multiple of %d (got %d)", fcn.Stride, c.ImageHeight))
	}
	if c.ImageWidth <= 0 || c.ImageWidth%fcn.Stride != 0 {
		errs = append(errs, fmt.Errorf("image_width must be a positive multiple of %d (got %d)", fcn.Stride, c.ImageWidth))
	}
	if c.DataDir == "" {
		errs = append(errs, errors.New("data_dir is required"))
	}
	if c.RunsDir == "" {
		errs = append(errs, errors.New("runs_dir is required"))
	}
	if c.Backbone != encoder.VGG16 && c.Backbone != encoder.ResNet34 {
		errs = append(errs, fmt.Errorf("unknown backbone %q", c.Backbone))
	}
	if c.Epochs < 0 {
		errs = append(errs, fmt.Errorf("epochs must be >= 0 (got %d)", c.Epochs))
	}
	if c.BatchSize <= 0 {
		errs = append(errs, fmt.Errorf("batch_size must be > 0 (got %d)", c.BatchSize))
	}
	if c.DropoutKeep <= 0 || c.DropoutKeep > 1 {
		errs = append(errs, fmt.Errorf("dropout_keep must be in (0, 1] (got %v)", c.DropoutKeep))
	}
	if c.LearningRate <= 0 {
		errs = append(errs, fmt.Errorf("learning_rate must be > 0 (got %v)", c.LearningRate))
	}
	if c.Workers <= 0 {
		errs = append(errs, fmt.Errorf("workers must be > 0 (got %d)", c.Workers))
	}
	return errors.Join(errs...)
}

// Overrides captures CLI supplied values. Empty strings, non-positive numbers
// and nil pointers leave the config untouched; pointers carry values whose
// zero is meaningful.
type Overrides struct {
	DataDir      string
	RunsDir      string
	Backbone     string
	Checkpoint   string
	BatchSize    int
	Workers      int
	DropoutKeep  float64
	LearningRate float64

	Epochs *int   // 0 skips training
	Seed   *int64 // 0 selects a time based seed

	Regularize     *bool
	FreezeBackbone *bool
	Augment        *bool
	TrackIoU       *bool
	Cuda           *bool
}

// ApplyOverrides updates c with every set override.
func (c *Config) ApplyOverrides(o Overrides) {
	setString(&c.DataDir, o.DataDir)
	setString(&c.RunsDir, o.RunsDir)
	setString(&c.Backbone, o.Backbone)
	setString(&c.Checkpoint, o.Checkpoint)
	if o.BatchSize > 0 {
		c.BatchSize = o.BatchSize
	}
	if o.Workers > 0 {
		c.Workers = o.Workers
	}
	if o.Epochs != nil {
		c.Epochs = *o.Epochs
	}
	if o.Seed != nil {
		c.Seed = *o.Seed
	}
	if o.DropoutKeep > 0 {
		c.DropoutKeep = o.DropoutKeep
	}
	if o.LearningRate > 0 {
		c.LearningRate = o.LearningRate
	}
	setBool(&c.Regularize, o.Regularize)
	setBool(&c.FreezeBackbone, o.FreezeBackbone)
	setBool(&c.Augment, o.Augment)
	setBool(&c.TrackIoU, o.TrackIoU)
	setBool(&c.Cuda, o.Cuda)
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func setBool(dst *bool, v *bool) {
	if v != nil {
		*dst = *v
	}
}

// Train returns the training loop knobs.
func (c *Config) Train() trainer.Config {
	return trainer.Config{
		Epochs:       c.Epochs,
		BatchSize:    c.BatchSize,
		DropoutKeep:  c.DropoutKeep,
		LearningRate: c.LearningRate,
	}
}

// KITTI returns the dataset options.
func (c *Config) KITTI() dataset.KITTIOptions {
	return dataset.KITTIOptions{
		Width:   c.ImageWidth,
		Height:  c.ImageHeight,
		Augment: c.Augment,
		Seed:    c.Seed,
		Workers: c.Workers,
	}
}
