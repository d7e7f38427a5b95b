package coordination

import (
	"context"
	"log"
	"time"

	"github.com/quantarc/tradeengine/store"
)

// Monitor periodically sweeps RUNNING control records with expired
// heartbeats and finalizes them as FAILED. The read-time stale detector
// already converges individual tasks; the sweep catches locks nobody is
// asking about.
type Monitor struct {
	manager  *Manager
	interval time.Duration
	// OnStale, when set, is invoked for each record the sweep finalizes.
	// The control plane hooks task reconciliation here.
	OnStale func(ctx context.Context, c *store.WorkerControl)
}

func NewMonitor(m *Manager, interval time.Duration) *Monitor {
	return &Monitor{manager: m, interval: interval}
}

func (m *Monitor) Start(ctx context.Context) {
	go m.loop(ctx)
}

func (m *Monitor) loop(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	log.Printf("LockMonitor: starting (interval %v, stale threshold %v)", m.interval, m.manager.StaleThreshold)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sweep(ctx)
		}
	}
}

func (m *Monitor) sweep(ctx context.Context) {
	now := time.Now()
	for _, status := range []string{store.ControlRunning, store.ControlStopRequested} {
		controls, err := m.manager.store.ListControlsByStatus(ctx, status)
		if err != nil {
			log.Printf("LockMonitor: list failed: %v", err)
			return
		}
		for _, c := range controls {
			if !m.manager.IsStale(c, now) {
				continue
			}
			log.Printf("LockMonitor: lock %s/%s stale (last heartbeat %v), finalizing as FAILED",
				c.TaskName, c.InstanceKey, c.LastHeartbeatAt)
			if err := m.manager.store.FinalizeControl(ctx, c.TaskName, c.InstanceKey, store.ControlFailed, "worker heartbeat expired"); err != nil {
				log.Printf("LockMonitor: finalize failed: %v", err)
				continue
			}
			if m.OnStale != nil {
				m.OnStale(ctx, c)
			}
		}
	}
}
