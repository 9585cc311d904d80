// Package platform detects host capabilities Helix depends on: the GPU
// telemetry tool, vendor CLI binaries, and per-OS subprocess handling.
package platform

import (
	"context"
	"fmt"
	"os/exec"
	"runtime"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Platform represents the detected system platform.
type Platform string

const (
	PlatformAppleSilicon Platform = "apple_silicon"
	PlatformMacOSIntel   Platform = "macos_intel"
	PlatformLinuxCUDA    Platform = "linux_cuda"
	PlatformLinuxCPU     Platform = "linux_cpu"
	PlatformWindowsCUDA  Platform = "windows_cuda"
	PlatformWindows      Platform = "windows"
	PlatformUnknown      Platform = "unknown"
)

// Info contains platform detection results.
type Info struct {
	Platform      Platform          `json:"platform"`
	OS            string            `json:"os"`
	Arch          string            `json:"arch"`
	NvidiaSMI     string            `json:"nvidia_smi,omitempty"`
	CUDAAvailable bool              `json:"cuda_available"`
	CLIs          map[string]string `json:"clis"`
	DetectedAt    time.Time         `json:"detected_at"`
}

// String returns a human-readable description of the platform.
func (i *Info) String() string {
	return fmt.Sprintf("%s/%s (%s) - CUDA: %v", i.OS, i.Arch, i.Platform, i.CUDAAvailable)
}

// KnownCLIs are the vendor CLIs the cloud-CLI adapter can drive.
var KnownCLIs = []string{"claude", "gemini", "codex"}

var (
	cached   *Info
	cachedMu sync.Mutex
)

// Detect probes the host once and caches the result.
func Detect(ctx context.Context) *Info {
	cachedMu.Lock()
	defer cachedMu.Unlock()
	if cached != nil {
		return cached
	}

	info := &Info{
		OS:         runtime.GOOS,
		Arch:       runtime.GOARCH,
		CLIs:       make(map[string]string),
		DetectedAt: time.Now(),
	}

	if path, err := exec.LookPath("nvidia-smi"); err == nil {
		info.NvidiaSMI = path
		probeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		info.CUDAAvailable = exec.CommandContext(probeCtx, path, "-L").Run() == nil
		cancel()
	}
	for _, name := range KnownCLIs {
		if path, err := FindCLI(name); err == nil {
			info.CLIs[name] = path
		}
	}
	info.Platform = classify(info)

	log.Debug().
		Str("platform", string(info.Platform)).
		Bool("cuda", info.CUDAAvailable).
		Int("clis", len(info.CLIs)).
		Msg("platform detected")

	cached = info
	return info
}

// Invalidate drops the cached detection result.
func Invalidate() {
	cachedMu.Lock()
	cached = nil
	cachedMu.Unlock()
}

func classify(info *Info) Platform {
	switch info.OS {
	case "darwin":
		if info.Arch == "arm64" {
			return PlatformAppleSilicon
		}
		return PlatformMacOSIntel
	case "linux":
		if info.CUDAAvailable {
			return PlatformLinuxCUDA
		}
		return PlatformLinuxCPU
	case "windows":
		if info.CUDAAvailable {
			return PlatformWindowsCUDA
		}
		return PlatformWindows
	default:
		return PlatformUnknown
	}
}
