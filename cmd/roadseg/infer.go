package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/sugarme/gotch/nn"
	"go.uber.org/zap"

	"github.com/sugarme/roadseg/encoder"
	"github.com/sugarme/roadseg/fcn"
	"github.com/sugarme/roadseg/inference"
	"github.com/sugarme/roadseg/preflight"
)

var inferCmd = &cobra.Command{
	Use:   "infer",
	Short: "Write overlays of the test images from a saved checkpoint",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		if cfg.Checkpoint == "" {
			return errors.New("infer needs --checkpoint")
		}
		device := preflight.SelectDevice(cfg.Cuda, logger)

		vs := nn.NewVarStore(device)
		enc, err := encoder.New(vs.Root(), cfg.Backbone)
		if err != nil {
			return err
		}
		model := fcn.New(vs, enc, int64(cfg.NumClasses), logger)
		if err := vs.Load(cfg.Checkpoint); err != nil {
			return fmt.Errorf("load checkpoint: %w", err)
		}

		outDir, err := inference.SaveSamples(cfg.RunsDir, cfg.DataDir, model, inference.Options{
			Width:  cfg.ImageWidth,
			Height: cfg.ImageHeight,
			Device: device,
			Logger: logger,
		})
		if err != nil {
			return err
		}
		logger.Info("overlays written", zap.String("dir", outDir))
		return nil
	},
}
