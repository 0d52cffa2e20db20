package resource

import (
	"context"
	"fmt"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/mem"
)

// Sample is one reading of system utilization, in percent.
type Sample struct {
	CPU    float64
	Memory float64
	Disk   float64
	At     time.Time
}

// Sampler reads current system utilization.
type Sampler interface {
	Sample(ctx context.Context) (Sample, error)
}

// PsutilSampler samples the host with gopsutil. CPU usage is measured over
// CPUWindow; disk usage is that of the filesystem holding DiskPath.
type PsutilSampler struct {
	DiskPath  string
	CPUWindow time.Duration
}

// NewPsutilSampler creates a sampler for the filesystem containing diskPath.
func NewPsutilSampler(diskPath string) *PsutilSampler {
	if diskPath == "" {
		diskPath = "/"
	}
	return &PsutilSampler{DiskPath: diskPath, CPUWindow: 200 * time.Millisecond}
}

func (p *PsutilSampler) Sample(ctx context.Context) (Sample, error) {
	cpus, err := cpu.PercentWithContext(ctx, p.CPUWindow, false)
	if err != nil {
		return Sample{}, fmt.Errorf("failed to sample cpu: %w", err)
	}
	if len(cpus) == 0 {
		return Sample{}, fmt.Errorf("failed to sample cpu: no data")
	}

	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return Sample{}, fmt.Errorf("failed to sample memory: %w", err)
	}

	du, err := disk.UsageWithContext(ctx, p.DiskPath)
	if err != nil {
		return Sample{}, fmt.Errorf("failed to sample disk %s: %w", p.DiskPath, err)
	}

	return Sample{
		CPU:    cpus[0],
		Memory: vm.UsedPercent,
		Disk:   du.UsedPercent,
		At:     time.Now(),
	}, nil
}
