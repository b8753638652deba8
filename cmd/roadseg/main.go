package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/sugarme/roadseg/config"
)

var (
	// Global flags
	verbose    bool
	configPath string
	flags      config.Overrides

	logger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "roadseg",
	Short: "FCN-8 road segmentation on the KITTI road dataset",
	Long: `roadseg trains a fully convolutional network (FCN-8) on top of a
pretrained VGG16 or ResNet34 backbone to label every pixel of a road scene
as road or background, and writes overlays of its predictions on the KITTI
test images.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		zc := zap.NewProductionConfig()
		if verbose {
			zc.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = zc.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
	pf.StringVarP(&configPath, "config", "c", "", "YAML config file (default: built-in defaults)")
	pf.StringVar(&flags.DataDir, "data-dir", "", "Directory holding data_road/ and vgg/")
	pf.StringVar(&flags.RunsDir, "runs-dir", "", "Directory for inference outputs")
	pf.StringVar(&flags.Backbone, "backbone", "", "Backbone: vgg16 or resnet34")
	pf.StringVar(&flags.Checkpoint, "checkpoint", "", "Checkpoint file to save (train) or load (infer)")
	pf.IntVar(&flags.Workers, "workers", 0, "Image decoding workers")
	pf.Bool("cuda", true, "Use a GPU when one is present")

	rootCmd.AddCommand(trainCmd)
	rootCmd.AddCommand(inferCmd)
	rootCmd.AddCommand(downloadCmd)
	rootCmd.AddCommand(checkCmd)
}

// loadConfig reads --config and applies the flags the user set.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	o := flags
	o.Epochs = changedInt(cmd, "epochs")
	o.Seed = changedInt64(cmd, "seed")
	o.Regularize = changedBool(cmd, "regularize")
	o.FreezeBackbone = changedBool(cmd, "freeze-backbone")
	o.Augment = changedBool(cmd, "augment")
	o.TrackIoU = changedBool(cmd, "track-iou")
	o.Cuda = changedBool(cmd, "cuda")
	cfg.ApplyOverrides(o)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func changedBool(cmd *cobra.Command, name string) *bool {
	f := cmd.Flags().Lookup(name)
	if f == nil || !f.Changed {
		return nil
	}
	v, err := cmd.Flags().GetBool(name)
	if err != nil {
		return nil
	}
	return &v
}

func changedInt(cmd *cobra.Command, name string) *int {
	f := cmd.Flags().Lookup(name)
	if f == nil || !f.Changed {
		return nil
	}
	v, err := cmd.Flags().GetInt(name)
	if err != nil {
		return nil
	}
	return &v
}

func changedInt64(cmd *cobra.Command, name string) *int64 {
	f := cmd.Flags().Lookup(name)
	if f == nil || !f.Changed {
		return nil
	}
	v, err := cmd.Flags().GetInt64(name)
	if err != nil {
		return nil
	}
	return &v
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		if logger != nil {
			logger.Error("roadseg failed", zap.Error(err))
			_ = logger.Sync()
		} else {
			fmt.Fprintln(os.Stderr, err)
		}
		os.Exit(1)
	}
}
