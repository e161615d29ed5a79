package monitoring

import (
	"context"
	"time"

	"github.com/core-tools/hsu-supervisor/pkg/errors"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/mem"
)

// SystemStats are host-wide usage percentages.
type SystemStats struct {
	CPUPercent    float64 `json:"cpu_percent"`
	MemoryPercent float64 `json:"memory_percent"`
	DiskPercent   float64 `json:"disk_percent"`
}

type SystemSampler interface {
	Sample(ctx context.Context) (SystemStats, error)
}

type systemSampler struct {
	cpuWindow time.Duration
	diskPath  string
}

// NewSystemSampler measures CPU over cpuWindow, which blocks the caller, and
// disk usage of the filesystem holding diskPath.
func NewSystemSampler(cpuWindow time.Duration, diskPath string) SystemSampler {
	if diskPath == "" {
		diskPath = "/"
	}
	return &systemSampler{
		cpuWindow: cpuWindow,
		diskPath:  diskPath,
	}
}

func (s *systemSampler) Sample(ctx context.Context) (SystemStats, error) {
	var stats SystemStats

	percents, err := cpu.PercentWithContext(ctx, s.cpuWindow, false)
	if err != nil {
		return stats, errors.NewIOError("failed to sample CPU usage", err)
	}
	if len(percents) > 0 {
		stats.CPUPercent = percents[0]
	}

	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return stats, errors.NewIOError("failed to sample memory usage", err)
	}
	stats.MemoryPercent = vm.UsedPercent

	usage, err := disk.UsageWithContext(ctx, s.diskPath)
	if err != nil {
		return stats, errors.NewIOError("failed to sample disk usage", err).WithContext("path", s.diskPath)
	}
	stats.DiskPercent = usage.UsedPercent

	return stats, nil
}
