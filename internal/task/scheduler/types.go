package scheduler

import (
	"context"
	"fmt"
	"runtime/debug"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"codemarshal/internal/eventbus"
	logx "codemarshal/pkg/logx"
)

// Priority orders the four queues. Higher values run first.
type Priority int

const (
	Low Priority = iota + 1
	Medium
	High
	Immediate
)

// dequeueOrder is the fixed scan order used by Dequeue.
var dequeueOrder = [...]Priority{Immediate, High, Medium, Low}

func (p Priority) String() string {
	switch p {
	case Low:
		return "low"
	case Medium:
		return "medium"
	case High:
		return "high"
	case Immediate:
		return "immediate"
	default:
		return fmt.Sprintf("priority(%d)", int(p))
	}
}

func (p Priority) valid() bool { return p >= Low && p <= Immediate }

// ParsePriority is the inverse of Priority.String (case-insensitive).
func ParsePriority(s string) (Priority, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "low":
		return Low, nil
	case "medium":
		return Medium, nil
	case "high":
		return High, nil
	case "immediate":
		return Immediate, nil
	default:
		return 0, fmt.Errorf("unknown priority %q", s)
	}
}

func (p Priority) MarshalText() ([]byte, error) {
	if !p.valid() {
		return nil, fmt.Errorf("invalid priority %d", int(p))
	}
	return []byte(p.String()), nil
}

func (p *Priority) UnmarshalText(b []byte) error {
	v, err := ParsePriority(string(b))
	if err != nil {
		return err
	}
	*p = v
	return nil
}

// State is a task's lifecycle position.
//
//	Pending -> Running -> Completed | Failed
//	Pending -> Cancelled
type State int32

const (
	Pending State = iota + 1
	Running
	Completed
	Failed
	Cancelled
)

func (s State) String() string {
	switch s {
	case Pending:
		return "pending"
	case Running:
		return "running"
	case Completed:
		return "completed"
	case Failed:
		return "failed"
	case Cancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool { return s == Completed || s == Failed || s == Cancelled }

// Metadata describes a task. It is copied on construction and never mutated.
type Metadata struct {
	// ID is generated (UUIDv7) when empty.
	ID              string
	Name            string
	CreatedAt       time.Time
	InvestigationID string
	SessionID       string
	Dependencies    []string
	Version         int
}

// Func is the unit of work carried by a Task.
type Func func(ctx context.Context) (any, error)

// Task is a prioritized unit of work. Create with NewTask.
type Task struct {
	meta     Metadata
	priority Priority
	fn       Func
	state    atomic.Int32
	claimed  atomic.Bool
}

// NewTask wraps fn as a Pending task.
func NewTask[T any](meta Metadata, priority Priority, fn func(ctx context.Context) (T, error)) *Task {
	if meta.ID == "" {
		meta.ID = newTaskID()
	}
	if meta.CreatedAt.IsZero() {
		meta.CreatedAt = time.Now()
	}
	if meta.Version <= 0 {
		meta.Version = 1
	}
	meta.Dependencies = append([]string(nil), meta.Dependencies...)

	t := &Task{meta: meta, priority: priority}
	if fn != nil {
		t.fn = func(ctx context.Context) (any, error) { return fn(ctx) }
	}
	t.state.Store(int32(Pending))
	return t
}

func newTaskID() string {
	if id, err := uuid.NewV7(); err == nil {
		return id.String()
	}
	return uuid.NewString()
}

func (t *Task) ID() string         { return t.meta.ID }
func (t *Task) Priority() Priority { return t.priority }
func (t *Task) State() State       { return State(t.state.Load()) }

// Metadata returns a copy of the task's metadata.
func (t *Task) Metadata() Metadata {
	m := t.meta
	m.Dependencies = append([]string(nil), t.meta.Dependencies...)
	return m
}

// label is the name used in logs and events.
func (t *Task) label() string {
	if t.meta.Name != "" {
		return t.meta.Name
	}
	return t.meta.ID
}

func (t *Task) transition(from, to State) bool {
	return t.state.CompareAndSwap(int32(from), int32(to))
}

// run executes fn, converting a panic into an error.
func (t *Task) run(ctx context.Context) (out any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Value: r, Stack: string(debug.Stack())}
		}
	}()
	return t.fn(ctx)
}

// PanicError is the Result error for a task whose function panicked.
type PanicError struct {
	Value any
	Stack string
}

func (e *PanicError) Error() string { return fmt.Sprintf("task panicked: %v", e.Value) }

// Result is the outcome of one executed or cancelled task.
type Result struct {
	TaskID    string
	Name      string
	Priority  Priority
	State     State
	Output    any
	Error     string
	StartedAt time.Time
	EndedAt   time.Time
	Duration  time.Duration
}

// RecoveryRecord is the metadata of a Pending task, enough for an external
// collaborator to rebuild the queue after a restart.
type RecoveryRecord struct {
	ID              string    `json:"id"`
	Name            string    `json:"name,omitempty"`
	Priority        Priority  `json:"priority"`
	CreatedAt       time.Time `json:"created_at"`
	InvestigationID string    `json:"investigation_id,omitempty"`
	SessionID       string    `json:"session_id,omitempty"`
	Dependencies    []string  `json:"dependencies,omitempty"`
	Version         int       `json:"version"`
}

// Metrics is a point-in-time view of scheduler counters.
type Metrics struct {
	Enqueued        uint64
	Completed       uint64
	Failed          uint64
	Cancelled       uint64
	QueueFull       uint64
	TotalExecution  time.Duration
	AverageDuration time.Duration

	QueueLengths map[Priority]int
	Pending      int
	Active       int
	History      int
}

// Options configures a Scheduler.
type Options struct {
	// QueueCapacity bounds each priority queue. <= 0 means 1000.
	QueueCapacity int
	// HistorySize caps retained results. <= 0 means 1000.
	HistorySize int
	// RunAllPause is slept between RunAll iterations. 0 means 10ms, < 0 disables.
	RunAllPause time.Duration

	Notifier *eventbus.Notifier
	Logger   logx.Logger

	// Clock overrides time.Now (tests).
	Clock func() time.Time
}
