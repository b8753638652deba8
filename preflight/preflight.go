// Package preflight checks the runtime before a training run starts.
package preflight

import (
	"errors"
	"fmt"
	"runtime/debug"

	"github.com/sugarme/gotch"
	"go.uber.org/zap"
	"golang.org/x/mod/semver"
)

// EngineModule is the module path of the tensor library.
const EngineModule = "github.com/sugarme/gotch"

// MinEngineVersion is the oldest gotch release with the APIs used here.
const MinEngineVersion = "v0.3.2"

// ErrVersion is returned when a version is below the minimum.
var ErrVersion = errors.New("version too old")

// CheckVersion fails unless have >= min. Both are semantic versions with or
// without the leading "v".
func CheckVersion(have, min string) error {
	h, m := canonical(have), canonical(min)
	if !semver.IsValid(h) {
		return fmt.Errorf("invalid version %q", have)
	}
	if !semver.IsValid(m) {
		return fmt.Errorf("invalid minimum version %q", min)
	}
	if semver.Compare(h, m) < 0 {
		return fmt.Errorf("%w: have %v, need %v or newer", ErrVersion, have, min)
	}
	return nil
}

func canonical(v string) string {
	if v != "" && v[0] != 'v' {
		v = "v" + v
	}
	return v
}

// EngineVersion reports the gotch version linked into the binary. ok is
// false when build info is unavailable or the module is replaced locally.
func EngineVersion() (version string, ok bool) {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return "", false
	}
	for _, dep := range info.Deps {
		if dep.Path != EngineModule {
			continue
		}
		if dep.Replace != nil {
			dep = dep.Replace
		}
		if dep.Version == "" || dep.Version == "(devel)" {
			return "", false
		}
		return dep.Version, true
	}
	return "", false
}

// CheckEngine verifies the linked gotch version. An unknown version is
// logged and accepted.
func CheckEngine(logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	v, ok := EngineVersion()
	if !ok {
		logger.Warn("unable to determine gotch version")
		return nil
	}
	logger.Info("gotch version", zap.String("version", v))
	return CheckVersion(v, MinEngineVersion)
}

// SelectDevice returns the first CUDA device when cuda is set and a GPU is
// present, the CPU otherwise. A missing GPU is never fatal: running on the
// CPU is logged as a warning.
func SelectDevice(cuda bool, logger *zap.Logger) gotch.Device {
	if logger == nil {
		logger = zap.NewNop()
	}
	device := gotch.CPU
	if cuda {
		// gotch.NewCuda exits the process without a GPU; CudaIfAvailable
		// falls back to the receiver.
		device = gotch.CPU.CudaIfAvailable()
	}

	switch {
	case device != gotch.CPU:
		logger.Info("using GPU", zap.String("device", device.Name))
	case cuda:
		logger.Warn("no GPU found, training on the CPU will be slow")
	default:
		logger.Warn("GPU disabled, training on the CPU will be slow")
	}
	return device
}
