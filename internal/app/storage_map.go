package app

import (
	"errors"
	"fmt"

	"codemarshal/internal/config"
	"codemarshal/internal/maintenance"
	"codemarshal/internal/storage"
)

func mapStorageConfig(r *config.Resolved) (storage.Config, bool) {
	if r == nil || r.Storage.Driver == "" {
		return storage.Config{}, false
	}
	return storage.Config{
		Driver:      r.Storage.Driver,
		Path:        r.Storage.Path,
		BusyTimeout: r.Storage.BusyTimeout,
	}, true
}

func mapMaintenanceConfig(r *config.Resolved) maintenance.Config {
	m := r.Maintenance
	return maintenance.Config{
		Enabled:          m.Enabled,
		Timezone:         m.Timezone,
		IntegrityCheck:   m.IntegrityCheck,
		TransientSweep:   m.TransientSweep,
		RecoverySnapshot: m.RecoverySnapshot,
	}
}

// validateSchedules checks maintenance specs, which config.Resolve leaves
// to the maintenance package.
func validateSchedules(m config.MaintenanceConfig) error {
	var errs []error
	for _, f := range []struct{ path, spec string }{
		{"maintenance.integrity_check", m.IntegrityCheck},
		{"maintenance.transient_sweep", m.TransientSweep},
		{"maintenance.recovery_snapshot", m.RecoverySnapshot},
	} {
		if err := maintenance.ValidateSpec(f.spec); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", f.path, err))
		}
	}
	return errors.Join(errs...)
}

// Resolve fully validates cfg, including maintenance schedules.
func Resolve(cfg *config.Config) (*config.Resolved, error) {
	r, err := cfg.Resolve()
	if err != nil {
		return nil, err
	}
	if err := validateSchedules(r.Maintenance); err != nil {
		return nil, err
	}
	return r, nil
}

// CheckConfig loads and validates the file at path without starting
// anything.
func CheckConfig(path string) (*config.Resolved, error) {
	cfg, err := config.NewManager(path).Load()
	if err != nil {
		return nil, err
	}
	return Resolve(cfg)
}
