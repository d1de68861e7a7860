package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"codemarshal/internal/eventbus"
	logx "codemarshal/pkg/logx"
)

type eventLog struct {
	mu     sync.Mutex
	events []string
}

func (l *eventLog) notify(eventType string, _ map[string]any) {
	l.mu.Lock()
	l.events = append(l.events, eventType)
	l.mu.Unlock()
}

func (l *eventLog) count(eventType string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, e := range l.events {
		if e == eventType {
			n++
		}
	}
	return n
}

func newTestScheduler(t *testing.T, opt Options) (*Scheduler, *eventLog) {
	t.Helper()
	ev := &eventLog{}
	if opt.RunAllPause == 0 {
		opt.RunAllPause = -1
	}
	opt.Notifier = eventbus.NewNotifier(ev.notify, nil, logx.Nop())
	return New(opt), ev
}

func named(name string, p Priority) *Task {
	return NewTask(Metadata{Name: name}, p, func(context.Context) (string, error) { return name, nil })
}

func failing(name string, p Priority) *Task {
	return NewTask(Metadata{Name: name}, p, func(context.Context) (any, error) { return nil, errors.New(name + " broke") })
}

func panicking(name string, p Priority) *Task {
	return NewTask(Metadata{Name: name}, p, func(context.Context) (any, error) { panic(name) })
}

func TestDequeueOrder(t *testing.T) {
	s, _ := newTestScheduler(t, Options{})
	for _, tk := range []*Task{
		named("a", Low),
		named("b", Medium),
		named("c", Immediate),
		named("d", High),
		named("e", Immediate),
	} {
		require.True(t, s.Enqueue(tk))
	}

	var got []string
	for {
		tk, ok := s.Dequeue()
		if !ok {
			break
		}
		assert.Equal(t, Running, tk.State())
		got = append(got, tk.Metadata().Name)
	}
	assert.Equal(t, []string{"e", "c", "d", "b", "a"}, got)
}

func TestFIFOWithinLevel(t *testing.T) {
	s, _ := newTestScheduler(t, Options{})
	for i := 0; i < 5; i++ {
		require.True(t, s.Enqueue(named(fmt.Sprint(i), Medium)))
	}
	for i := 0; i < 5; i++ {
		res, ok := s.RunNext(context.Background())
		require.True(t, ok)
		assert.Equal(t, fmt.Sprint(i), res.Output)
	}
}

func TestCancelPendingTask(t *testing.T) {
	s, ev := newTestScheduler(t, Options{})
	keep := named("keep", Low)
	drop := named("drop", Low)
	require.True(t, s.Enqueue(keep))
	require.True(t, s.Enqueue(drop))

	require.True(t, s.CancelTask(drop.ID()))
	assert.Equal(t, Cancelled, drop.State())
	assert.False(t, s.CancelTask(drop.ID()), "already cancelled")

	tk, ok := s.Dequeue()
	require.True(t, ok)
	assert.Equal(t, keep.ID(), tk.ID())
	_, ok = s.Dequeue()
	assert.False(t, ok, "cancelled task is never dequeued")

	st, ok := s.TaskState(drop.ID())
	require.True(t, ok)
	assert.Equal(t, Cancelled, st)
	assert.Equal(t, 1, ev.count(EventTaskCancelled))
	assert.Equal(t, uint64(1), s.Metrics().Cancelled)
}

func TestCancelRunningOrFinishedTaskFails(t *testing.T) {
	s, _ := newTestScheduler(t, Options{})
	running := named("running", High)
	done := named("done", Low)
	require.True(t, s.Enqueue(running))
	require.True(t, s.Enqueue(done))

	tk, ok := s.Dequeue()
	require.True(t, ok)
	require.Same(t, running, tk)
	assert.False(t, s.CancelTask(running.ID()))
	assert.Equal(t, Running, running.State())

	_, ok = s.Execute(context.Background(), tk)
	require.True(t, ok)
	_, ok = s.RunNext(context.Background())
	require.True(t, ok)

	assert.False(t, s.CancelTask(done.ID()))
	assert.Equal(t, Completed, done.State())
	assert.False(t, s.CancelTask("unknown"))
}

func TestRunAllSurvivesFailures(t *testing.T) {
	s, ev := newTestScheduler(t, Options{})
	tasks := []*Task{
		named("ok1", Low),
		failing("bad1", High),
		named("ok2", Immediate),
		panicking("bad2", Medium),
		named("ok3", Medium),
		failing("bad3", Low),
	}
	for _, tk := range tasks {
		require.True(t, s.Enqueue(tk))
	}

	n := s.RunAll(context.Background())
	assert.Equal(t, len(tasks), n)

	m := s.Metrics()
	assert.Equal(t, uint64(3), m.Completed)
	assert.Equal(t, uint64(3), m.Failed)
	assert.Zero(t, m.Pending)
	assert.Zero(t, m.Active)
	for _, l := range m.QueueLengths {
		assert.Zero(t, l)
	}

	assert.Equal(t, 1, ev.count(EventSchedulerStarted))
	assert.Equal(t, 1, ev.count(EventSchedulerCompleted))
	assert.Equal(t, 3, ev.count(EventTaskFailed))
	assert.Equal(t, 3, ev.count(EventTaskCompleted))
	assert.Equal(t, 6, ev.count(EventTaskStarted))
}

func TestFailedResultCarriesErrorText(t *testing.T) {
	s, _ := newTestScheduler(t, Options{})
	require.True(t, s.Enqueue(failing("x", Low)))
	res, ok := s.RunNext(context.Background())
	require.True(t, ok)
	assert.Equal(t, Failed, res.State)
	assert.Equal(t, "x broke", res.Error)
	assert.Nil(t, res.Output)

	require.True(t, s.Enqueue(panicking("p", Low)))
	res, ok = s.RunNext(context.Background())
	require.True(t, ok)
	assert.Equal(t, Failed, res.State)
	assert.Contains(t, res.Error, "task panicked: p")
}

func TestRecoveryStateListsOnlyPending(t *testing.T) {
	s, _ := newTestScheduler(t, Options{})
	meta := Metadata{Name: "warmup", InvestigationID: "inv", SessionID: "sess", Dependencies: []string{"x"}, Version: 3}
	warm := NewTask(meta, Medium, func(context.Context) (int, error) { return 1, nil })
	require.True(t, s.Enqueue(named("first", Immediate)))
	require.True(t, s.Enqueue(warm))
	require.True(t, s.Enqueue(named("last", Low)))

	_, ok := s.Dequeue()
	require.True(t, ok)

	a := s.RecoveryState()
	b := s.RecoveryState()
	assert.Equal(t, a, b)
	require.Len(t, a, 2)
	assert.Equal(t, warm.ID(), a[0].ID)
	assert.Equal(t, Medium, a[0].Priority)
	assert.Equal(t, "inv", a[0].InvestigationID)
	assert.Equal(t, "sess", a[0].SessionID)
	assert.Equal(t, []string{"x"}, a[0].Dependencies)
	assert.Equal(t, 3, a[0].Version)
	assert.Equal(t, "last", a[1].Name)

	raw, err := json.Marshal(a[0])
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"priority":"medium"`)

	var back RecoveryRecord
	require.NoError(t, json.Unmarshal(raw, &back))
	assert.Equal(t, Medium, back.Priority)
}

func TestQueueFullRejects(t *testing.T) {
	s, ev := newTestScheduler(t, Options{QueueCapacity: 2})
	require.True(t, s.Enqueue(named("1", High)))
	require.True(t, s.Enqueue(named("2", High)))
	assert.False(t, s.Enqueue(named("3", High)))
	assert.True(t, s.Enqueue(named("4", Low)), "other levels are independent")

	assert.Equal(t, 1, ev.count(EventQueueFull))
	m := s.Metrics()
	assert.Equal(t, uint64(1), m.QueueFull)
	assert.Equal(t, 2, m.QueueLengths[High])
	assert.Equal(t, 3, m.Pending)
}

func TestEnqueueRejectsInvalidTasks(t *testing.T) {
	s, _ := newTestScheduler(t, Options{})
	tk := named("once", Low)
	require.True(t, s.Enqueue(tk))
	assert.False(t, s.Enqueue(tk), "duplicate")

	twin := NewTask(Metadata{ID: tk.ID()}, High, func(context.Context) (any, error) { return nil, nil })
	assert.False(t, s.Enqueue(twin), "duplicate id")

	assert.False(t, s.Enqueue(nil))
	assert.False(t, s.Enqueue(NewTask[any](Metadata{}, Low, nil)))
	assert.False(t, s.Enqueue(named("bad", Priority(9))))

	_, ok := s.RunNext(context.Background())
	require.True(t, ok)
	assert.False(t, s.Enqueue(tk), "finished task cannot be re-enqueued")
}

func TestExecuteOnlyOnce(t *testing.T) {
	s, _ := newTestScheduler(t, Options{})
	var runs atomic.Int32
	tk := NewTask(Metadata{}, Low, func(context.Context) (any, error) {
		runs.Add(1)
		return nil, nil
	})
	require.True(t, s.Enqueue(tk))

	_, ok := s.Execute(context.Background(), tk)
	assert.False(t, ok, "pending task must be dequeued first")

	got, ok := s.Dequeue()
	require.True(t, ok)
	_, ok = s.Execute(context.Background(), got)
	require.True(t, ok)
	_, ok = s.Execute(context.Background(), got)
	assert.False(t, ok)
	assert.Equal(t, int32(1), runs.Load())
}

func TestHistoryIsCapped(t *testing.T) {
	s, _ := newTestScheduler(t, Options{HistorySize: 3})
	for i := 0; i < 5; i++ {
		require.True(t, s.Enqueue(named(fmt.Sprint(i), Low)))
	}
	require.Equal(t, 5, s.RunAll(context.Background()))

	h := s.History(0)
	require.Len(t, h, 3)
	assert.Equal(t, []string{"2", "3", "4"}, []string{h[0].Name, h[1].Name, h[2].Name})
	assert.Len(t, s.History(2), 2)
	assert.Equal(t, 3, s.Metrics().History)
}

func TestTaskState(t *testing.T) {
	s, _ := newTestScheduler(t, Options{})
	tk := named("x", Low)
	_, ok := s.TaskState(tk.ID())
	assert.False(t, ok)

	require.True(t, s.Enqueue(tk))
	st, ok := s.TaskState(tk.ID())
	require.True(t, ok)
	assert.Equal(t, Pending, st)

	_, ok = s.RunNext(context.Background())
	require.True(t, ok)
	st, ok = s.TaskState(tk.ID())
	require.True(t, ok)
	assert.Equal(t, Completed, st)
}

func TestClearPending(t *testing.T) {
	s, ev := newTestScheduler(t, Options{})
	low := named("low", Low)
	require.True(t, s.Enqueue(low))
	require.True(t, s.Enqueue(named("high", High)))
	require.True(t, s.Enqueue(named("imm", Immediate)))

	assert.Equal(t, 1, s.ClearPending(Low))
	assert.Equal(t, Cancelled, low.State())
	assert.Len(t, s.RecoveryState(), 2)

	st, ok := s.TaskState(low.ID())
	assert.True(t, ok, "cleared task stays visible through history")
	assert.Equal(t, Cancelled, st)
	require.Len(t, s.History(0), 1)
	assert.Equal(t, low.ID(), s.History(0)[0].TaskID)

	assert.Equal(t, 2, s.ClearPending())
	assert.Empty(t, s.RecoveryState())
	assert.Equal(t, 2, ev.count(EventQueueCleared))
	assert.Equal(t, uint64(3), s.Metrics().Cancelled)
}

func TestConcurrentConsumersRunEachTaskOnce(t *testing.T) {
	s, _ := newTestScheduler(t, Options{})
	const total = 300
	counts := make([]atomic.Int32, total)
	for i := 0; i < total; i++ {
		i := i
		p := Priority(i%4 + 1)
		require.True(t, s.Enqueue(NewTask(Metadata{}, p, func(context.Context) (int, error) {
			counts[i].Add(1)
			return i, nil
		})))
	}

	var wg sync.WaitGroup
	var executed atomic.Int64
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			executed.Add(int64(s.RunAll(context.Background())))
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(total), executed.Load())
	for i := range counts {
		assert.Equal(t, int32(1), counts[i].Load(), "task %d", i)
	}
	assert.Equal(t, uint64(total), s.Metrics().Completed)
}

func TestRunAllStopsOnCancelledContext(t *testing.T) {
	s, _ := newTestScheduler(t, Options{})
	require.True(t, s.Enqueue(named("a", Low)))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.Zero(t, s.RunAll(ctx))
	assert.Equal(t, 1, s.Metrics().Pending)
}

func TestNewTaskGeneratesVersion7ID(t *testing.T) {
	tk := named("x", Low)
	id, err := uuid.Parse(tk.ID())
	require.NoError(t, err)
	assert.Equal(t, uuid.Version(7), id.Version())
	assert.Equal(t, 1, tk.Metadata().Version)
	assert.False(t, tk.Metadata().CreatedAt.IsZero())
}

func TestParsePriority(t *testing.T) {
	for _, p := range dequeueOrder {
		got, err := ParsePriority(p.String())
		require.NoError(t, err)
		assert.Equal(t, p, got)
	}
	_, err := ParsePriority("urgent")
	assert.Error(t, err)
}

func TestDefaultSingleton(t *testing.T) {
	ResetDefault()
	t.Cleanup(ResetDefault)

	a := Default()
	assert.Same(t, a, Default())
	ResetDefault()
	assert.NotSame(t, a, Default())

	custom := New(Options{QueueCapacity: 1})
	SetDefault(custom)
	assert.Same(t, custom, Default())
}
