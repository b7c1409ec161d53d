package resource

import (
	"context"
	"fmt"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

// Reading is one raw utilization measurement from the telemetry boundary.
type Reading struct {
	CPUPct   float64
	MemPct   float64
	AccelPct *float64
}

// Sampler provides raw utilization readings on demand. The Monitor wraps a
// Sampler with thresholding logic only; tests substitute a fake.
type Sampler interface {
	Sample(ctx context.Context) (Reading, error)
}

// AcceleratorProbe optionally reports accelerator (GPU/NPU) utilization.
// Deployments without one leave it nil and the accel percentage is omitted
// from snapshots.
type AcceleratorProbe func(ctx context.Context) (float64, error)

// SystemSampler reads CPU and memory utilization through gopsutil.
type SystemSampler struct {
	accel AcceleratorProbe
}

// NewSystemSampler creates the production sampler. probe may be nil.
func NewSystemSampler(probe AcceleratorProbe) *SystemSampler {
	return &SystemSampler{accel: probe}
}

func (s *SystemSampler) Sample(ctx context.Context) (Reading, error) {
	cpuPercentages, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil {
		return Reading{}, fmt.Errorf("failed to read CPU utilization: %w", err)
	}
	var cpuPct float64
	if len(cpuPercentages) > 0 {
		cpuPct = cpuPercentages[0]
	}

	vmStat, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return Reading{}, fmt.Errorf("failed to read memory utilization: %w", err)
	}

	reading := Reading{CPUPct: cpuPct, MemPct: vmStat.UsedPercent}
	if s.accel != nil {
		accelPct, err := s.accel(ctx)
		if err != nil {
			// Accelerator telemetry is best-effort; CPU/memory still count.
			return reading, nil
		}
		reading.AccelPct = &accelPct
	}
	return reading, nil
}
