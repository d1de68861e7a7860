package scheduler

import (
	"container/list"
	"context"
	"errors"
	"sync"
	"time"

	"codemarshal/internal/eventbus"
	logx "codemarshal/pkg/logx"
)

// Status event types emitted through the Notifier.
const (
	EventQueueFull          = "queue_full"
	EventTaskEnqueued       = "task_enqueued"
	EventTaskStarted        = "task_started"
	EventTaskCompleted      = "task_completed"
	EventTaskFailed         = "task_failed"
	EventTaskCancelled      = "task_cancelled"
	EventQueueCleared       = "queue_cleared"
	EventSchedulerStarted   = "scheduler_started"
	EventSchedulerCompleted = "scheduler_completed"
)

const (
	defaultQueueCapacity = 1000
	defaultHistorySize   = 1000
	defaultRunAllPause   = 10 * time.Millisecond
)

// Scheduler holds four bounded FIFO queues, one per Priority, and runs tasks
// on the caller's goroutine.
//
// One mutex guards queues, the active set, history and metrics. Task
// functions always run outside it.
type Scheduler struct {
	mu sync.Mutex

	queues  [Immediate + 1]*list.List // indexed by Priority
	pending map[string]*list.Element
	active  map[string]*Task
	history []Result

	enqueued  uint64
	completed uint64
	failed    uint64
	cancelled uint64
	queueFull uint64
	execTotal time.Duration

	capacity    int
	historySize int
	pause       time.Duration

	notifier *eventbus.Notifier
	log      logx.Logger
	warn     *logx.Throttle
	now      func() time.Time
}

// New constructs an empty scheduler.
func New(opt Options) *Scheduler {
	if opt.QueueCapacity <= 0 {
		opt.QueueCapacity = defaultQueueCapacity
	}
	if opt.HistorySize <= 0 {
		opt.HistorySize = defaultHistorySize
	}
	if opt.RunAllPause == 0 {
		opt.RunAllPause = defaultRunAllPause
	}
	if opt.RunAllPause < 0 {
		opt.RunAllPause = 0
	}
	if opt.Logger.IsZero() {
		opt.Logger = logx.Nop()
	}
	if opt.Clock == nil {
		opt.Clock = time.Now
	}
	s := &Scheduler{
		pending:     make(map[string]*list.Element),
		active:      make(map[string]*Task),
		capacity:    opt.QueueCapacity,
		historySize: opt.HistorySize,
		pause:       opt.RunAllPause,
		notifier:    opt.Notifier,
		log:         opt.Logger,
		warn:        logx.NewThrottle(5*time.Second, 1),
		now:         opt.Clock,
	}
	for _, p := range dequeueOrder {
		s.queues[p] = list.New()
	}
	return s
}

// Enqueue adds t to its priority queue.
//
// Immediate tasks go to the head of the Immediate queue, so the most recent
// Immediate task runs first; every other level is FIFO. Enqueue returns
// false when the queue is full, when t is not Pending, or when a task with
// the same ID is already pending or running. Work is never dropped silently.
func (s *Scheduler) Enqueue(t *Task) bool {
	if t == nil || t.fn == nil {
		s.log.Warn("enqueue rejected: task has no function")
		return false
	}
	if !t.priority.valid() {
		s.log.Warn("enqueue rejected: invalid priority", logx.String("task", t.label()), logx.Int("priority", int(t.priority)))
		return false
	}
	id := t.ID()

	s.mu.Lock()
	if st := t.State(); st != Pending {
		s.mu.Unlock()
		s.log.Debug("enqueue rejected: task not pending", logx.String("task", t.label()), logx.String("state", st.String()))
		return false
	}
	if _, dup := s.pending[id]; dup || s.active[id] != nil {
		s.mu.Unlock()
		s.log.Debug("enqueue rejected: duplicate task id", logx.String("task", t.label()), logx.String("id", id))
		return false
	}
	q := s.queues[t.priority]
	if q.Len() >= s.capacity {
		s.queueFull++
		depth := q.Len()
		s.mu.Unlock()

		s.warn.Warn(s.log, EventQueueFull+":"+t.priority.String(), "enqueue rejected: queue full",
			logx.String("task", t.label()),
			logx.String("priority", t.priority.String()),
			logx.Int("capacity", s.capacity),
		)
		s.emit(EventQueueFull, map[string]any{
			"task_id":  id,
			"name":     t.meta.Name,
			"priority": t.priority.String(),
			"depth":    depth,
			"capacity": s.capacity,
		})
		return false
	}

	var el *list.Element
	if t.priority == Immediate {
		el = q.PushFront(t)
	} else {
		el = q.PushBack(t)
	}
	s.pending[id] = el
	s.enqueued++
	depth := q.Len()
	s.mu.Unlock()

	s.emit(EventTaskEnqueued, map[string]any{
		"task_id":  id,
		"name":     t.meta.Name,
		"priority": t.priority.String(),
		"depth":    depth,
	})
	return true
}

// Dequeue pops the next task, scanning Immediate, High, Medium, Low in that
// order, and marks it Running. Each pending task is handed out once.
//
// A dequeued task must be passed to Execute; RunNext does both.
func (s *Scheduler) Dequeue() (*Task, bool) {
	s.mu.Lock()
	t := s.popLocked()
	s.mu.Unlock()
	if t == nil {
		return nil, false
	}
	s.emit(EventTaskStarted, map[string]any{
		"task_id":  t.ID(),
		"name":     t.meta.Name,
		"priority": t.priority.String(),
	})
	return t, true
}

func (s *Scheduler) popLocked() *Task {
	for _, p := range dequeueOrder {
		q := s.queues[p]
		for el := q.Front(); el != nil; el = q.Front() {
			q.Remove(el)
			t := el.Value.(*Task)
			delete(s.pending, t.ID())
			if !t.transition(Pending, Running) {
				continue
			}
			s.active[t.ID()] = t
			return t
		}
	}
	return nil
}

// Execute runs a task obtained from Dequeue on the calling goroutine.
//
// An error or panic from the task becomes a Failed result; nothing
// propagates to the caller. It returns false if t is not a Running task of
// this scheduler or has already been executed.
func (s *Scheduler) Execute(ctx context.Context, t *Task) (*Result, bool) {
	if t == nil {
		return nil, false
	}
	s.mu.Lock()
	owned := s.active[t.ID()] == t && t.State() == Running
	s.mu.Unlock()
	if !owned || !t.claimed.CompareAndSwap(false, true) {
		return nil, false
	}

	start := s.now()
	out, err := t.run(ctx)
	end := s.now()

	res := &Result{
		TaskID:    t.ID(),
		Name:      t.meta.Name,
		Priority:  t.priority,
		StartedAt: start,
		EndedAt:   end,
		Duration:  end.Sub(start),
	}
	if err != nil {
		res.State = Failed
		res.Error = err.Error()
		t.transition(Running, Failed)
	} else {
		res.State = Completed
		res.Output = out
		t.transition(Running, Completed)
	}

	s.mu.Lock()
	delete(s.active, t.ID())
	if res.State == Failed {
		s.failed++
	} else {
		s.completed++
	}
	s.execTotal += res.Duration
	s.appendHistoryLocked(*res)
	s.mu.Unlock()

	fields := map[string]any{
		"task_id":     res.TaskID,
		"name":        res.Name,
		"priority":    res.Priority.String(),
		"duration_ms": res.Duration.Milliseconds(),
	}
	if res.State == Failed {
		var pe *PanicError
		if errors.As(err, &pe) {
			s.log.Warn("task panicked", logx.String("task", t.label()), logx.Err(err), logx.Stack(pe.Stack))
		} else {
			s.log.Warn("task failed", logx.String("task", t.label()), logx.Duration("took", res.Duration), logx.Err(err))
		}
		fields["error"] = res.Error
		s.emit(EventTaskFailed, fields)
	} else {
		s.log.Debug("task completed", logx.String("task", t.label()), logx.Duration("took", res.Duration))
		s.emit(EventTaskCompleted, fields)
	}
	return res, true
}

// RunNext dequeues one task and executes it. It returns false when every
// queue is empty.
func (s *Scheduler) RunNext(ctx context.Context) (*Result, bool) {
	t, ok := s.Dequeue()
	if !ok {
		return nil, false
	}
	return s.Execute(ctx, t)
}

// RunAll drains the queues, pausing briefly between tasks so concurrent
// producers can enqueue. Failing tasks never stop the loop; a cancelled ctx
// stops it between tasks. It returns the number of tasks executed.
func (s *Scheduler) RunAll(ctx context.Context) int {
	start := s.now()
	s.emit(EventSchedulerStarted, map[string]any{"pending": s.pendingCount()})

	executed, failed := 0, 0
	for ctx.Err() == nil {
		res, ok := s.RunNext(ctx)
		if !ok {
			break
		}
		executed++
		if res.State == Failed {
			failed++
		}
		if s.pause > 0 && !sleepCtx(ctx, s.pause) {
			break
		}
	}

	took := s.now().Sub(start)
	if executed > 0 {
		s.log.Debug("run all finished", logx.Int("executed", executed), logx.Int("failed", failed), logx.Duration("took", took))
	}
	s.emit(EventSchedulerCompleted, map[string]any{
		"executed":    executed,
		"failed":      failed,
		"remaining":   s.pendingCount(),
		"duration_ms": took.Milliseconds(),
	})
	return executed
}

// CancelTask cancels a Pending task. Running and finished tasks cannot be
// cancelled; the call returns false and leaves them untouched.
func (s *Scheduler) CancelTask(id string) bool {
	s.mu.Lock()
	el, ok := s.pending[id]
	if !ok {
		s.mu.Unlock()
		return false
	}
	t := el.Value.(*Task)
	if !t.transition(Pending, Cancelled) {
		s.mu.Unlock()
		return false
	}
	s.queues[t.priority].Remove(el)
	delete(s.pending, id)
	s.cancelled++
	now := s.now()
	s.appendHistoryLocked(Result{
		TaskID:    id,
		Name:      t.meta.Name,
		Priority:  t.priority,
		State:     Cancelled,
		StartedAt: now,
		EndedAt:   now,
	})
	s.mu.Unlock()

	s.log.Debug("task cancelled", logx.String("task", t.label()))
	s.emit(EventTaskCancelled, map[string]any{
		"task_id":  id,
		"name":     t.meta.Name,
		"priority": t.priority.String(),
	})
	return true
}

// ClearPending drops pending tasks from the given levels, or from every level
// when none is given, and marks them Cancelled. Each dropped task gets a
// Cancelled history result, as with CancelTask. Meant for reset and
// recovery: it can cut in-flight workflows.
func (s *Scheduler) ClearPending(levels ...Priority) int {
	if len(levels) == 0 {
		levels = dequeueOrder[:]
	}

	s.mu.Lock()
	now := s.now()
	byLevel := make(map[string]any, len(levels))
	total := 0
	for _, p := range levels {
		if !p.valid() {
			continue
		}
		q := s.queues[p]
		n := 0
		for el := q.Front(); el != nil; el = q.Front() {
			q.Remove(el)
			t := el.Value.(*Task)
			delete(s.pending, t.ID())
			if t.transition(Pending, Cancelled) {
				n++
				s.appendHistoryLocked(Result{
					TaskID:    t.ID(),
					Name:      t.meta.Name,
					Priority:  t.priority,
					State:     Cancelled,
					StartedAt: now,
					EndedAt:   now,
				})
			}
		}
		byLevel[p.String()] = n
		total += n
	}
	s.cancelled += uint64(total)
	s.mu.Unlock()

	s.log.Info("pending tasks cleared", logx.Int("removed", total))
	s.emit(EventQueueCleared, map[string]any{
		"removed":  total,
		"by_level": byLevel,
	})
	return total
}

func (s *Scheduler) appendHistoryLocked(r Result) {
	s.history = append(s.history, r)
	if len(s.history) > s.historySize {
		s.history = s.history[len(s.history)-s.historySize:]
	}
}

func (s *Scheduler) pendingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

func (s *Scheduler) emit(eventType string, data map[string]any) {
	s.notifier.Notify(eventType, data)
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
