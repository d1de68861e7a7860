package config

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleYAML = `
logging:
  level: debug
  console: true
cache:
  max_size: 64MiB
  default_size_estimate: 2KiB
  persist: true
scheduler:
  queue_capacity: 50
  run_all_pause: 5ms
consumers:
  workers: 4
storage:
  driver: sqlite
  path: ./state.db
maintenance:
  enabled: true
  timezone: UTC
  integrity_check: "@every 10m"
  transient_sweep: "@hourly"
  recovery_snapshot: "@every 1m"
telemetry:
  enabled: true
`

func TestDecodeYAMLAndResolve(t *testing.T) {
	cfg, err := Decode("codemarshal.yaml", []byte(sampleYAML))
	require.NoError(t, err)

	r, err := cfg.Resolve()
	require.NoError(t, err)
	assert.Equal(t, int64(64<<20), r.Cache.MaxBytes)
	assert.Equal(t, int64(2048), r.Cache.DefaultSizeEstimate)
	assert.True(t, r.Cache.Persist)
	assert.Equal(t, 50, r.Scheduler.QueueCapacity)
	assert.Equal(t, 1000, r.Scheduler.HistorySize)
	assert.Equal(t, 5*time.Millisecond, r.Scheduler.RunAllPause)
	assert.Equal(t, 4, r.Consumers.Workers)
	assert.Equal(t, 250*time.Millisecond, r.Consumers.IdlePoll)
	assert.Equal(t, "sqlite", r.Storage.Driver)
	assert.Equal(t, 5*time.Second, r.Storage.BusyTimeout)
	assert.Equal(t, "@hourly", r.Maintenance.TransientSweep)
	assert.Equal(t, "codemarshal", r.Telemetry.Meter)
}

func TestResolveDefaults(t *testing.T) {
	cfg, err := Decode("c.json", []byte(`{}`))
	require.NoError(t, err)
	r, err := cfg.Resolve()
	require.NoError(t, err)

	assert.Equal(t, int64(256<<20), r.Cache.MaxBytes)
	assert.Equal(t, int64(1024), r.Cache.DefaultSizeEstimate)
	assert.Equal(t, 1000, r.Scheduler.QueueCapacity)
	assert.Equal(t, 10*time.Millisecond, r.Scheduler.RunAllPause)
	assert.Equal(t, 2, r.Consumers.Workers)
	assert.Empty(t, r.Storage.Driver)
	assert.True(t, r.Maintenance.Enabled)
	assert.Empty(t, r.Maintenance.RecoverySnapshot, "no storage, no snapshot job")
}

func TestDecodeIsStrict(t *testing.T) {
	_, err := Decode("c.json", []byte(`{"cache":{"max_bytes":1}}`))
	assert.Error(t, err, "unknown field")

	_, err = Decode("c.json", []byte(`{} {}`))
	assert.Error(t, err, "trailing data")

	_, err = Decode("c.yml", []byte("cache: [unclosed"))
	assert.Error(t, err)

	cfg, err := Decode("c.yml", []byte(""))
	require.NoError(t, err)
	assert.NotNil(t, cfg)
}

func TestResolveReportsAllErrors(t *testing.T) {
	cfg := &Config{
		Logging:   LoggingConfig{Level: "loud"},
		Cache:     CacheConfig{MaxSize: "lots", Persist: true},
		Scheduler: SchedulerConfig{QueueCapacity: -1, RunAllPause: "soon"},
		Consumers: ConsumersConfig{Workers: 1000},
		Storage:   &StorageConfig{Driver: "redis"},
		Maintenance: &MaintenanceConfig{
			Enabled:  true,
			Timezone: "Mars/Olympus",
		},
	}
	err := cfg.Validate()
	require.Error(t, err)
	for _, want := range []string{
		"logging.level",
		"cache.max_size",
		"scheduler.queue_capacity",
		"scheduler.run_all_pause",
		"consumers.workers",
		"storage.driver",
		"cache.persist requires a storage driver",
		"maintenance.timezone",
	} {
		assert.Contains(t, err.Error(), want)
	}
}

func TestParseBytesOrDefault(t *testing.T) {
	n, err := ParseBytesOrDefault("x", "", 7)
	require.NoError(t, err)
	assert.Equal(t, int64(7), n)

	n, err = ParseBytesOrDefault("x", "256MB", 0)
	require.NoError(t, err)
	assert.Equal(t, int64(256_000_000), n)

	n, err = ParseBytesOrDefault("x", "4096", 0)
	require.NoError(t, err)
	assert.Equal(t, int64(4096), n)

	_, err = ParseBytesOrDefault("x", "0", 1)
	assert.Error(t, err)
}

func TestSummarizeChange(t *testing.T) {
	a := &Config{Logging: LoggingConfig{Level: "info"}}
	b := &Config{Logging: LoggingConfig{Level: "debug"}}

	changed, attrs, restart := SummarizeChange(a, b)
	assert.Equal(t, []string{"logging"}, changed)
	assert.NotEmpty(t, attrs)
	assert.False(t, restart)

	c := *b
	c.Scheduler.QueueCapacity = 10
	changed, _, restart = SummarizeChange(b, &c)
	assert.Equal(t, []string{"scheduler"}, changed)
	assert.True(t, restart)

	changed, _, _ = SummarizeChange(b, b)
	assert.Empty(t, changed)
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
}

func TestManagerLoadRejectsInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "codemarshal.json")
	writeFile(t, path, `{"consumers":{"workers":-3}}`)

	m := NewManager(path)
	_, err := m.Load()
	assert.Error(t, err)
	assert.Nil(t, m.Get())
}

func TestManagerPublishKeepsNewest(t *testing.T) {
	m := NewManager("unused.json")
	ch := m.Subscribe(1)

	first := &Config{Logging: LoggingConfig{Level: "info"}}
	second := &Config{Logging: LoggingConfig{Level: "debug"}}
	m.publish(first)
	m.publish(second)

	assert.Same(t, second, <-ch)
	m.Unsubscribe(ch)
	_, open := <-ch
	assert.False(t, open)
}

func TestManagerWatchReloads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "codemarshal.json")
	writeFile(t, path, `{"logging":{"level":"info"}}`)

	m := NewManager(path)
	_, err := m.Load()
	require.NoError(t, err)

	var validated atomic.Int32
	m.SetValidator(func(context.Context, *Config) error {
		validated.Add(1)
		return nil
	})
	ch := m.Subscribe(4)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		_ = m.Watch(ctx)
		close(done)
	}()

	// Give the watcher a moment to register before writing.
	time.Sleep(100 * time.Millisecond)
	writeFile(t, path, `{"logging":{"level":"debug"}}`)

	select {
	case cfg := <-ch:
		assert.Equal(t, "debug", cfg.Logging.Level)
		assert.Equal(t, "debug", m.Get().Logging.Level)
	case <-time.After(5 * time.Second):
		t.Fatal("config reload not published")
	}
	assert.GreaterOrEqual(t, validated.Load(), int32(1))

	cancel()
	<-done
}
