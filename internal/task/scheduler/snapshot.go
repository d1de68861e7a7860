package scheduler

import "time"

// Metrics returns a snapshot of the scheduler counters and queue depths.
func (s *Scheduler) Metrics() Metrics {
	s.mu.Lock()
	defer s.mu.Unlock()

	lengths := make(map[Priority]int, len(dequeueOrder))
	for _, p := range dequeueOrder {
		lengths[p] = s.queues[p].Len()
	}
	m := Metrics{
		Enqueued:       s.enqueued,
		Completed:      s.completed,
		Failed:         s.failed,
		Cancelled:      s.cancelled,
		QueueFull:      s.queueFull,
		TotalExecution: s.execTotal,
		QueueLengths:   lengths,
		Pending:        len(s.pending),
		Active:         len(s.active),
		History:        len(s.history),
	}
	if ran := s.completed + s.failed; ran > 0 {
		m.AverageDuration = s.execTotal / time.Duration(ran)
	}
	return m
}

// TaskState reports the state of a pending, running or recently finished
// task. Finished tasks are found only while they remain in history.
func (s *Scheduler) TaskState(id string) (State, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if el, ok := s.pending[id]; ok {
		return el.Value.(*Task).State(), true
	}
	if t, ok := s.active[id]; ok {
		return t.State(), true
	}
	for i := len(s.history) - 1; i >= 0; i-- {
		if s.history[i].TaskID == id {
			return s.history[i].State, true
		}
	}
	return 0, false
}

// History returns up to limit most recent results, oldest first.
// limit <= 0 returns all retained results.
func (s *Scheduler) History(limit int) []Result {
	s.mu.Lock()
	defer s.mu.Unlock()

	h := s.history
	if limit > 0 && len(h) > limit {
		h = h[len(h)-limit:]
	}
	out := make([]Result, len(h))
	copy(out, h)
	return out
}

// RecoveryState lists every Pending task in dequeue order. Running and
// finished tasks are excluded. The scheduler does not persist this itself.
func (s *Scheduler) RecoveryState() []RecoveryRecord {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]RecoveryRecord, 0, len(s.pending))
	for _, p := range dequeueOrder {
		for el := s.queues[p].Front(); el != nil; el = el.Next() {
			t := el.Value.(*Task)
			m := t.meta
			out = append(out, RecoveryRecord{
				ID:              m.ID,
				Name:            m.Name,
				Priority:        t.priority,
				CreatedAt:       m.CreatedAt,
				InvestigationID: m.InvestigationID,
				SessionID:       m.SessionID,
				Dependencies:    append([]string(nil), m.Dependencies...),
				Version:         m.Version,
			})
		}
	}
	return out
}
