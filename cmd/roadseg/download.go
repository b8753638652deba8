package main

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sugarme/roadseg/pretrained"
)

var downloadCmd = &cobra.Command{
	Use:   "download",
	Short: "Fetch the pretrained backbone weights",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signalContext()
		defer cancel()

		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		path, err := pretrained.MaybeDownload(ctx, cfg.DataDir, cfg.Backbone, cfg.WeightsURL, logger)
		if err != nil {
			return err
		}
		logger.Info("weights ready", zap.String("path", path))
		return nil
	},
}
