package main

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sugarme/roadseg/dataset"
	"github.com/sugarme/roadseg/preflight"
)

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Verify the runtime, the config and the dataset layout",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		if err := preflight.CheckEngine(logger); err != nil {
			return err
		}
		preflight.SelectDevice(cfg.Cuda, logger)
		if err := dataset.CheckKITTI(cfg.DataDir); err != nil {
			return err
		}
		logger.Info("dataset ok", zap.String("data_dir", cfg.DataDir))
		return nil
	},
}
