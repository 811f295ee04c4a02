// Package metrics samples host resource utilization for inclusion in the
// worker's auth metadata, so the orchestrator can see at a glance which
// workers are under load.
package metrics

import (
	"context"
	"fmt"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/mem"
)

// Snapshot is a point-in-time read of host resource usage. Percentages are
// 0-100.
type Snapshot struct {
	CPUPercent  float64
	MemPercent  float64
	DiskPercent float64
}

// Collect samples CPU, memory, and disk usage for the root filesystem. A
// failed sub-probe leaves that field at zero rather than aborting the whole
// snapshot — partial metrics beat none.
func Collect(ctx context.Context) Snapshot {
	var snap Snapshot

	if percents, err := cpu.PercentWithContext(ctx, 200*time.Millisecond, false); err == nil && len(percents) > 0 {
		snap.CPUPercent = percents[0]
	}

	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		snap.MemPercent = vm.UsedPercent
	}

	if du, err := disk.UsageWithContext(ctx, "/"); err == nil {
		snap.DiskPercent = du.UsedPercent
	}

	return snap
}

// ToMetadata renders the snapshot as string fields suitable for a Frame's
// metadata map, which carries only strings.
func (s Snapshot) ToMetadata() map[string]string {
	return map[string]string{
		"cpu_percent":  fmt.Sprintf("%.1f", s.CPUPercent),
		"mem_percent":  fmt.Sprintf("%.1f", s.MemPercent),
		"disk_percent": fmt.Sprintf("%.1f", s.DiskPercent),
	}
}
