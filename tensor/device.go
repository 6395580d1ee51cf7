package tensor

import (
	"fmt"
	"strings"
)

// acceleratorAvailable reports whether a GPU backend is compiled in.
// This build ships the CPU kernels only.
var acceleratorAvailable = func() bool { return false }

// ParseDevice maps a configuration name to a device request.
func ParseDevice(name string) (DeviceType, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "cpu":
		return CPU, nil
	case "gpu":
		return GPU, nil
	case "auto":
		return Auto, nil
	default:
		return CPU, fmt.Errorf("unknown device %q", name)
	}
}

// ResolveDevice decides once, before any pass, which device runs the model.
// A GPU request fails with ErrDeviceUnavailable unless allowFallback is set,
// in which case it resolves to CPU. Auto takes the GPU when one is
// available and CPU otherwise, regardless of allowFallback.
func ResolveDevice(requested DeviceType, allowFallback bool) (DeviceType, error) {
	switch requested {
	case CPU:
		return CPU, nil
	case GPU:
		if acceleratorAvailable() {
			return GPU, nil
		}
		if allowFallback {
			return CPU, nil
		}
		return CPU, fmt.Errorf("%w: %s requested but no accelerator backend is available", ErrDeviceUnavailable, requested)
	case Auto:
		if acceleratorAvailable() {
			return GPU, nil
		}
		return CPU, nil
	default:
		return CPU, fmt.Errorf("%w: unknown device %s", ErrDeviceUnavailable, requested)
	}
}
