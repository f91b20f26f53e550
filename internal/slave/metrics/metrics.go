// Package metrics collects host resource utilization for heartbeat
// reporting, using gopsutil to read real figures rather than returning
// zero values.
package metrics

import (
	"context"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/load"
	"github.com/shirou/gopsutil/v4/mem"

	"github.com/d8ops/controlplane/internal/model"
)

// Collect returns a snapshot of current host resource usage. Any individual
// collector that fails leaves its field at zero rather than failing the
// whole heartbeat — a slave reporting partial metrics is still reachable.
func Collect(ctx context.Context) model.ResourceUsage {
	var usage model.ResourceUsage

	if percents, err := cpu.PercentWithContext(ctx, 200*time.Millisecond, false); err == nil && len(percents) > 0 {
		usage.CPUPercent = percents[0]
	}

	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		usage.MemoryPercent = vm.UsedPercent
	}

	if du, err := disk.UsageWithContext(ctx, "/"); err == nil {
		usage.DiskPercent = du.UsedPercent
	}

	if avg, err := load.AvgWithContext(ctx); err == nil {
		usage.LoadAverage1m = avg.Load1
	}

	return usage
}
