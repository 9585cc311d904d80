package thermal

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/host"
)

// ErrNoSensor is returned when no temperature source exists.
var ErrNoSensor = errors.New("no temperature sensor")

const nvidiaQuery = "index,name,temperature.gpu,utilization.gpu,memory.used,memory.total"

// NvidiaSMI samples GPUs through the nvidia-smi CSV query interface.
type NvidiaSMI struct {
	Binary  string
	Timeout time.Duration
}

// NewNvidiaSMI creates a sampler using nvidia-smi from PATH.
func NewNvidiaSMI() *NvidiaSMI {
	return &NvidiaSMI{Binary: "nvidia-smi", Timeout: 5 * time.Second}
}

func runCommand(ctx context.Context, bin string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, bin, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("%s: %w: %s", bin, err, strings.TrimSpace(stderr.String()))
	}
	return stdout.Bytes(), nil
}

// SampleGPUs implements GPUSampler. A missing binary means no NVIDIA GPU and
// yields no samples.
func (n *NvidiaSMI) SampleGPUs(ctx context.Context) ([]Sample, error) {
	if _, err := exec.LookPath(n.Binary); err != nil {
		return nil, nil
	}
	ctx, cancel := context.WithTimeout(ctx, n.Timeout)
	defer cancel()
	out, err := runCommand(ctx, n.Binary, "--query-gpu="+nvidiaQuery, "--format=csv,noheader,nounits")
	if err != nil {
		return nil, err
	}
	return ParseNvidiaSMI(string(out))
}

// ParseNvidiaSMI parses "index, name, temp, util, mem.used, mem.total"
// lines. Fields reported as "[N/A]" read as zero.
func ParseNvidiaSMI(out string) ([]Sample, error) {
	var samples []Sample
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		parts := strings.Split(line, ",")
		if len(parts) < 6 {
			return nil, fmt.Errorf("unexpected nvidia-smi output format: %s", line)
		}
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
		}
		temp, err := strconv.ParseFloat(parts[2], 64)
		if err != nil {
			return nil, fmt.Errorf("parse gpu temperature %q: %w", parts[2], err)
		}
		samples = append(samples, Sample{
			Device:     "gpu" + parts[0],
			Kind:       DeviceGPU,
			Name:       parts[1],
			TempC:      temp,
			UtilPct:    number(parts[3]),
			MemUsedMB:  number(parts[4]),
			MemTotalMB: number(parts[5]),
		})
	}
	return samples, nil
}

func number(s string) float64 {
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0
	}
	return v
}

// HostSensors samples CPU utilization and package temperature via gopsutil.
type HostSensors struct{}

// NewHostSensors creates the CPU sampler.
func NewHostSensors() *HostSensors { return &HostSensors{} }

// cpuSensorHints are sensor-key fragments that identify CPU package sensors
// across Intel, AMD and Apple hosts.
var cpuSensorHints = []string{"coretemp", "k10temp", "zenpower", "cpu", "package", "tdie", "tctl"}

// SampleCPU implements CPUSampler.
func (HostSensors) SampleCPU(ctx context.Context) (Sample, error) {
	s := Sample{Device: "cpu", Kind: DeviceCPU}
	if pct, err := cpu.PercentWithContext(ctx, 0, false); err == nil && len(pct) > 0 {
		s.UtilPct = pct[0]
	}
	temps, err := host.SensorsTemperaturesWithContext(ctx)
	if len(temps) == 0 {
		if err == nil {
			err = ErrNoSensor
		}
		return s, fmt.Errorf("read cpu sensors: %w", err)
	}
	var best float64
	for _, t := range temps {
		key := strings.ToLower(t.SensorKey)
		for _, h := range cpuSensorHints {
			if strings.Contains(key, h) && t.Temperature > best {
				best = t.Temperature
			}
		}
	}
	if best == 0 {
		return s, fmt.Errorf("read cpu sensors: %w", ErrNoSensor)
	}
	s.TempC = best
	return s, nil
}
