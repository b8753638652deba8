// Package pretrained fetches backbone weights in gotch's .ot format.
package pretrained

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"

	"go.uber.org/zap"
)

// Dir is the weights directory under the data directory.
const Dir = "vgg"

// BaseURL hosts the converted torchvision weights.
const BaseURL = "https://github.com/LaurentMazare/ocaml-torch/releases/download/v0.1-unstable"

// URL returns the default download location of a backbone.
func URL(kind string) string {
	return BaseURL + "/" + kind + ".ot"
}

// Path returns where the weights of a backbone live under dataDir.
func Path(dataDir, kind string) string {
	return filepath.Join(dataDir, Dir, kind+".ot")
}

// MaybeDownload makes sure the weights of kind exist under dataDir, fetching
// them from url otherwise. It returns the weight file path.
func MaybeDownload(ctx context.Context, dataDir, kind, url string, logger *zap.Logger) (string, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	path := Path(dataDir, kind)
	if _, err := os.Stat(path); err == nil {
		logger.Debug("pretrained weights present", zap.String("path", path))
		return path, nil
	}
	if url == "" {
		url = URL(kind)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", err
	}

	logger.Info("downloading pretrained weights", zap.String("url", url), zap.String("path", path))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("download %v: %w", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", fmt.Errorf("download %v: %s", url, resp.Status)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), kind+"-*.part")
	if err != nil {
		return "", err
	}
	defer os.Remove(tmp.Name())

	n, err := io.Copy(tmp, resp.Body)
	if err != nil {
		tmp.Close()
		return "", fmt.Errorf("download %v: %w", url, err)
	}
	if err := tmp.Close(); err != nil {
		return "", err
	}
	if resp.ContentLength >= 0 && n != resp.ContentLength {
		return "", fmt.Errorf("download %v: got %d of %d bytes", url, n, resp.ContentLength)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return "", err
	}

	logger.Info("pretrained weights saved", zap.String("path", path), zap.Int64("bytes", n))
	return path, nil
}
