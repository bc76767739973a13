package jobs

import (
	"context"
	"time"

	"github.com/jackzampolin/bookdrop/internal/metrics"
)

// recoverRecords requeues work left behind by a previous process. Nothing is in
// flight before the workers start, so every downloading or converting
// record is abandoned.
func (m *Manager) recoverRecords() {
	requeued := m.store.RequeueAbandoned(0)
	for _, rec := range requeued {
		m.logger.Info("recovered interrupted download", "book_id", rec.ID, "state", rec.State)
	}

	pushed := 0
	for _, rec := range m.store.Queued() {
		if err := m.queue.Push(rec.ID, rec.Priority); err != nil {
			m.logger.Warn("could not queue recovered download", "book_id", rec.ID, "error", err)
			continue
		}
		pushed++
	}
	if pushed > 0 || len(requeued) > 0 {
		m.logger.Info("recovered downloads", "queued", pushed, "requeued", len(requeued))
	}
	m.updateGauges()
}

// maintain runs the periodic sweep until ctx is cancelled.
func (m *Manager) maintain(ctx context.Context) {
	defer m.wg.Done()

	for {
		timer := time.NewTimer(m.Policy().PollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			m.sweep()
		}
	}
}

// sweep expires old terminal records and rescues stale ones. A queued record
// missing from the queue with no retry timer pending is pushed again.
func (m *Manager) sweep() {
	policy := m.Policy()

	if expired := m.store.ExpireTerminal(policy.StatusTimeout); len(expired) > 0 {
		m.logger.Debug("expired finished downloads", "count", len(expired))
	}

	if policy.StaleAfter > 0 {
		for _, rec := range m.store.RequeueAbandoned(policy.StaleAfter) {
			m.logger.Warn("requeued stale download", "book_id", rec.ID, "state", rec.State)
		}
	}

	for _, rec := range m.store.Queued() {
		if m.queue.Contains(rec.ID) || m.timers.Pending(rec.ID) {
			continue
		}
		if err := m.queue.Push(rec.ID, rec.Priority); err != nil {
			m.logger.Debug("queue full during sweep", "book_id", rec.ID, "error", err)
			break
		}
	}

	m.updateGauges()
}

func (m *Manager) updateGauges() {
	for state, n := range m.store.Counts() {
		metrics.RecordsByState.WithLabelValues(string(state)).Set(float64(n))
	}
	metrics.QueueDepth.Set(float64(m.queue.Len()))
	metrics.InFlight.Set(float64(len(m.store.InFlightIDs())))
}
