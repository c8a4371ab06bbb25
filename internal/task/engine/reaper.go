package engine

import (
	"time"

	logx "github.com/dygje/tgpro/pkg/logx"
)

// Reap drops terminal tasks whose last update is older than the retention
// window from the live index. The task table keeps them.
func (s *Service) Reap(now time.Time) int {
	s.mu.Lock()
	cutoff := now.Add(-s.cfg.Retention)
	n := 0
	for id, t := range s.tasks {
		if t.snap.Status.Terminal() && t.snap.UpdatedAt.Before(cutoff) {
			delete(s.tasks, id)
			n++
		}
	}
	s.mu.Unlock()
	if n > 0 {
		s.reaped.Add(uint64(n))
	}
	return n
}

func (s *Service) reapTick() {
	n := s.Reap(s.now())
	st := s.Stats()
	if n > 0 {
		s.log.Info("reaped finished tasks", logx.Int("count", n), logx.Int("remaining", st.TotalTasks))
	}
	if s.deps.Hub != nil {
		s.deps.Hub.AddMonitoringEvent("task_stats", map[string]any{
			"active_tasks": st.TotalTasks,
			"queue_size":   st.QueueSize,
			"by_status":    st.ByStatus,
			"reaped":       n,
		})
	}
}
