package main

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"github.com/sugarme/gotch/nn"
	"go.uber.org/zap"

	"github.com/sugarme/roadseg/config"
	"github.com/sugarme/roadseg/dataset"
	"github.com/sugarme/roadseg/encoder"
	"github.com/sugarme/roadseg/fcn"
	"github.com/sugarme/roadseg/history"
	"github.com/sugarme/roadseg/inference"
	"github.com/sugarme/roadseg/metric"
	"github.com/sugarme/roadseg/objective"
	"github.com/sugarme/roadseg/preflight"
	"github.com/sugarme/roadseg/pretrained"
	"github.com/sugarme/roadseg/trainer"
)

var trainCmd = &cobra.Command{
	Use:   "train",
	Short: "Train the model, then write overlays of the test images",
	Long: `Checks the runtime and the dataset, downloads the backbone weights
when missing, trains for the configured number of epochs and writes the
loss history, the loss curve and one overlay per test image into a new
directory under runs_dir.`,
	Args: cobra.NoArgs,
	RunE: runTrain,
}

func init() {
	f := trainCmd.Flags()
	f.Int("epochs", 0, "Number of epochs (0: write overlays of the untrained model)")
	f.IntVar(&flags.BatchSize, "batch-size", 0, "Images per batch")
	f.Float64Var(&flags.LearningRate, "lr", 0, "Adam learning rate")
	f.Float64Var(&flags.DropoutKeep, "keep", 0, "Dropout keep probability")
	f.Int64("seed", 0, "Shuffle and augmentation seed (0: time based)")
	f.Bool("regularize", true, "Add the decoder L2 penalty to the loss")
	f.Bool("freeze-backbone", false, "Train the decoder only")
	f.Bool("augment", false, "Random flips and brightness jitter")
	f.Bool("track-iou", false, "Report mean IoU of every step")
}

func runTrain(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext()
	defer cancel()

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if err := preflight.CheckEngine(logger); err != nil {
		return err
	}
	device := preflight.SelectDevice(cfg.Cuda, logger)

	if err := dataset.CheckKITTI(cfg.DataDir); err != nil {
		return err
	}
	weights, err := pretrained.MaybeDownload(ctx, cfg.DataDir, cfg.Backbone, cfg.WeightsURL, logger)
	if err != nil {
		return err
	}

	vs := nn.NewVarStore(device)
	enc, err := encoder.Load(vs, cfg.Backbone, weights)
	if err != nil {
		return fmt.Errorf("load backbone: %w", err)
	}
	model := fcn.New(vs, enc, int64(cfg.NumClasses), logger)
	model.KeepProb = cfg.DropoutKeep
	if cfg.FreezeBackbone {
		n, err := fcn.FreezeEncoder(vs)
		if err != nil {
			return err
		}
		logger.Info("backbone frozen", zap.Int("tensors", n))
	}

	ocfg := objective.Config{
		LearningRate: cfg.LearningRate,
		Regularize:   cfg.Regularize,
		Logger:       logger,
	}
	if cfg.TrackIoU {
		ocfg.Metric = metric.NewMeanIoU(cfg.NumClasses)
	}
	obj, err := objective.New(vs, model, ocfg)
	if err != nil {
		return err
	}

	kitti, err := dataset.NewKITTI(filepath.Join(cfg.DataDir, dataset.TrainingDir), cfg.KITTI())
	if err != nil {
		return err
	}
	logger.Info("training",
		zap.String("backbone", cfg.Backbone),
		zap.Int("images", kitti.Len()),
		zap.Int("epochs", cfg.Epochs),
		zap.Int("batch_size", cfg.BatchSize),
	)

	start := time.Now()
	hist, err := trainer.Run(ctx, cfg.Train(), trainer.TensorSource{Loader: kitti, Device: device}, obj, trainer.Options{
		Init: func() error {
			logger.Debug("variables", zap.Int("count", len(vs.Variables())))
			return nil
		},
		Logger: logger,
	})
	if err != nil {
		return err
	}
	logger.Info("training done", zap.Int("steps", len(hist)), zap.Duration("took", time.Since(start)))

	if cfg.Checkpoint != "" {
		if err := vs.Save(cfg.Checkpoint); err != nil {
			return fmt.Errorf("save checkpoint: %w", err)
		}
		logger.Info("checkpoint saved", zap.String("path", cfg.Checkpoint))
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
	return saveHistory(hist, outDir, cfg)
}

func saveHistory(hist history.History, dir string, cfg *config.Config) error {
	if len(hist) == 0 {
		logger.Warn("no training steps ran, history not written")
		return nil
	}
	if err := hist.WriteCSV(filepath.Join(dir, "history.csv")); err != nil {
		return err
	}
	if err := hist.Plot(filepath.Join(dir, "loss.png")); err != nil {
		return err
	}
	for epoch, loss := range hist.EpochMeans() {
		logger.Info("epoch loss", zap.Int("epoch", epoch), zap.Float64("mean_loss", loss))
	}
	return cfg.Save(filepath.Join(dir, "roadseg.yaml"))
}
