package realtime

import (
	"context"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"

	logx "github.com/dygje/tgpro/pkg/logx"
)

type SystemStats struct {
	CPUPercent      float64 `json:"cpu_percent"`
	MemoryPercent   float64 `json:"memory_percent"`
	MemoryAvailable uint64  `json:"memory_available"`
	DiskPercent     float64 `json:"disk_percent"`
	DiskFree        uint64  `json:"disk_free"`
}

// StatsSource samples host metrics.
type StatsSource func(ctx context.Context) (SystemStats, error)

// SampleSystem reads cpu, memory and root disk usage via gopsutil.
// CPU usage is measured since the previous call.
func SampleSystem(ctx context.Context) (SystemStats, error) {
	var st SystemStats
	pct, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil {
		return st, err
	}
	if len(pct) > 0 {
		st.CPUPercent = pct[0]
	}
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return st, err
	}
	st.MemoryPercent = vm.UsedPercent
	st.MemoryAvailable = vm.Available

	du, err := disk.UsageWithContext(ctx, "/")
	if err != nil {
		return st, err
	}
	st.DiskPercent = du.UsedPercent
	st.DiskFree = du.Free
	return st, nil
}

func (h *Hub) systemStatsEvent(ctx context.Context) (Event, error) {
	st, err := h.stats(ctx)
	if err != nil {
		return nil, err
	}
	return Event{
		"type":             TypeSystemStats,
		"cpu_percent":      st.CPUPercent,
		"memory_percent":   st.MemoryPercent,
		"memory_available": st.MemoryAvailable,
		"disk_percent":     st.DiskPercent,
		"disk_free":        st.DiskFree,
	}, nil
}

// PublishSystemStats samples once and queues the result for the monitoring channel.
func (h *Hub) PublishSystemStats(ctx context.Context) error {
	ev, err := h.systemStatsEvent(ctx)
	if err != nil {
		return err
	}
	h.EnqueueTo(ChannelMonitoring, ev)
	return nil
}

// RunStats publishes system stats every interval while monitoring observers
// are connected. interval <= 0 disables the sampler.
func (h *Hub) RunStats(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		return nil
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
		}
		if len(h.snapshot(ChannelMonitoring)) == 0 {
			continue
		}
		if err := h.PublishSystemStats(ctx); err != nil {
			h.log.Warn("system stats sample failed", logx.Err(err))
		}
	}
}
