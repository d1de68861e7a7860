package maintenance

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"codemarshal/internal/cache"
	"codemarshal/internal/task/scheduler"
	logx "codemarshal/pkg/logx"
)

// Job names double as task names in the scheduler.
const (
	JobIntegrity        = "cache.integrity"
	JobTransientSweep   = "cache.transient_sweep"
	JobRecoverySnapshot = "scheduler.recovery_snapshot"
)

// Config selects which jobs run and when. An empty spec disables a job.
type Config struct {
	Enabled          bool
	Timezone         string
	IntegrityCheck   string
	TransientSweep   string
	RecoverySnapshot string
}

// Cache is what the cache jobs call.
type Cache interface {
	VerifyIntegrity() []string
	InvalidateByType(t cache.EntryType) int
}

// Deps wires the service. Recovery may be nil, which disables the snapshot
// job.
type Deps struct {
	Scheduler *scheduler.Scheduler
	Cache     Cache
	Recovery  BlobStore
	Logger    logx.Logger
	Clock     func() time.Time
}

// JobInfo describes a registered job.
type JobInfo struct {
	Name     string
	Spec     string
	Priority scheduler.Priority
	Next     time.Time
	Prev     time.Time
}

type job struct {
	name     string
	spec     string
	priority scheduler.Priority
	run      scheduler.Func
	entry    cron.EntryID

	mu   sync.Mutex
	last string // id of the last enqueued task
}

// Service fires upkeep jobs on a cron clock. Each firing enqueues a task;
// the scheduler's consumers run it. A job whose previous task is still
// pending or running is skipped.
type Service struct {
	mu      sync.Mutex
	cfg     Config
	deps    Deps
	loc     *time.Location
	jobs    []*job
	c       *cron.Cron
	running bool

	log  logx.Logger
	warn *logx.Throttle
}

// New validates cfg and prepares the jobs. It does not start the clock.
func New(cfg Config, deps Deps) (*Service, error) {
	if deps.Scheduler == nil {
		return nil, fmt.Errorf("maintenance: scheduler is required")
	}
	if deps.Logger.IsZero() {
		deps.Logger = logx.Nop()
	}
	if deps.Clock == nil {
		deps.Clock = time.Now
	}

	loc := time.Local
	if tz := strings.TrimSpace(cfg.Timezone); tz != "" {
		l, err := time.LoadLocation(tz)
		if err != nil {
			return nil, fmt.Errorf("maintenance.timezone: %w", err)
		}
		loc = l
	}

	s := &Service{
		cfg:  cfg,
		deps: deps,
		loc:  loc,
		log:  deps.Logger.With(logx.String("comp", "maintenance")),
		warn: logx.NewThrottle(time.Minute, 1),
	}

	add := func(name, spec string, p scheduler.Priority, run scheduler.Func) error {
		spec = strings.TrimSpace(spec)
		if spec == "" || run == nil {
			return nil
		}
		if err := ValidateSpec(spec); err != nil {
			return fmt.Errorf("maintenance %s: %w", name, err)
		}
		s.jobs = append(s.jobs, &job{name: name, spec: spec, priority: p, run: run})
		return nil
	}
	var integrity, sweep, snapshot scheduler.Func
	if deps.Cache != nil {
		integrity = s.integrityJob
		sweep = s.sweepJob
	}
	if deps.Recovery != nil {
		snapshot = s.snapshotJob
	}
	if err := add(JobIntegrity, cfg.IntegrityCheck, scheduler.High, integrity); err != nil {
		return nil, err
	}
	if err := add(JobTransientSweep, cfg.TransientSweep, scheduler.Low, sweep); err != nil {
		return nil, err
	}
	if err := add(JobRecoverySnapshot, cfg.RecoverySnapshot, scheduler.Medium, snapshot); err != nil {
		return nil, err
	}
	return s, nil
}

// Start registers the jobs and starts the cron clock. Calling Start on a
// running or disabled service is a no-op.
func (s *Service) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running || !s.cfg.Enabled {
		return nil
	}

	c := cron.New(cron.WithParser(Parser), cron.WithLocation(s.loc))
	now := s.deps.Clock().In(s.loc)
	for _, j := range s.jobs {
		sched, err := Compile(j.spec, now, j.name)
		if err != nil {
			return fmt.Errorf("maintenance %s: %w", j.name, err)
		}
		j.entry = c.Schedule(sched, cron.FuncJob(func() { s.fire(j) }))
	}
	c.Start()
	s.c = c
	s.running = true
	s.log.Info("maintenance started", logx.String("tz", s.loc.String()), logx.Int("jobs", len(s.jobs)))
	return nil
}

// Stop halts the clock and waits for in-flight firings or ctx. Tasks already
// enqueued stay in the scheduler.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	c := s.c
	s.c = nil
	s.running = false
	s.mu.Unlock()

	select {
	case <-c.Stop().Done():
		s.log.Info("maintenance stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Trigger enqueues the named job now, outside its schedule. It returns false
// for unknown jobs, skipped firings and rejected enqueues.
func (s *Service) Trigger(name string) bool {
	for _, j := range s.jobs {
		if j.name == name {
			return s.fire(j)
		}
	}
	return false
}

// Jobs lists registered jobs. Next and Prev are zero until Start.
func (s *Service) Jobs() []JobInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]JobInfo, 0, len(s.jobs))
	for _, j := range s.jobs {
		info := JobInfo{Name: j.name, Spec: j.spec, Priority: j.priority}
		if s.c != nil {
			e := s.c.Entry(j.entry)
			info.Next, info.Prev = e.Next, e.Prev
		}
		out = append(out, info)
	}
	return out
}

func (s *Service) fire(j *job) bool {
	j.mu.Lock()
	defer j.mu.Unlock()

	sched := s.deps.Scheduler
	if j.last != "" {
		if st, ok := sched.TaskState(j.last); ok && !st.Terminal() {
			s.log.Debug("maintenance skipped (previous run not finished)",
				logx.String("job", j.name), logx.String("state", st.String()))
			return false
		}
	}

	t := scheduler.NewTask[any](scheduler.Metadata{Name: j.name}, j.priority, j.run)
	if !sched.Enqueue(t) {
		s.warn.Warn(s.log, "enqueue:"+j.name, "maintenance enqueue rejected",
			logx.String("job", j.name), logx.String("priority", j.priority.String()))
		return false
	}
	j.last = t.ID()
	return true
}

func (s *Service) integrityJob(context.Context) (any, error) {
	issues := s.deps.Cache.VerifyIntegrity()
	return len(issues), nil
}

func (s *Service) sweepJob(context.Context) (any, error) {
	n := s.deps.Cache.InvalidateByType(cache.TypeTransientData)
	if n > 0 {
		s.log.Debug("transient entries swept", logx.Int("count", n))
	}
	return n, nil
}

func (s *Service) snapshotJob(ctx context.Context) (any, error) {
	tasks := s.deps.Scheduler.RecoveryState()
	if err := SaveRecovery(ctx, s.deps.Recovery, tasks, s.deps.Clock()); err != nil {
		return nil, fmt.Errorf("save recovery snapshot: %w", err)
	}
	return len(tasks), nil
}
