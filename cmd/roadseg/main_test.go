package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestLoadConfigFlags(t *testing.T) {
	logger = zap.NewNop()
	defer func() { flags.DataDir = "" }()

	require.NoError(t, trainCmd.Flags().Set("epochs", "3"))
	require.NoError(t, trainCmd.Flags().Set("regularize", "false"))
	flags.DataDir = "/kitti"

	cfg, err := loadConfig(trainCmd)
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.Epochs)
	assert.False(t, cfg.Regularize)
	assert.Equal(t, "/kitti", cfg.DataDir)
	// not set on the command line
	assert.False(t, cfg.Augment)
	assert.Equal(t, 10, cfg.BatchSize)
}

func TestCheckMissingDataset(t *testing.T) {
	rootCmd.SetArgs([]string{"check", "--data-dir", t.TempDir()})
	assert.Error(t, rootCmd.Execute())
}

func TestInferNeedsCheckpoint(t *testing.T) {
	rootCmd.SetArgs([]string{"infer", "--data-dir", t.TempDir()})
	err := rootCmd.Execute()
	assert.ErrorContains(t, err, "checkpoint")
}

func TestLoadConfigZeroEpochs(t *testing.T) {
	logger = zap.NewNop()

	require.NoError(t, trainCmd.Flags().Set("epochs", "0"))
	require.NoError(t, trainCmd.Flags().Set("seed", "0"))

	cfg, err := loadConfig(trainCmd)
	require.NoError(t, err)
	assert.Equal(t, 0, cfg.Epochs)
	assert.Equal(t, int64(0), cfg.Seed)
}
