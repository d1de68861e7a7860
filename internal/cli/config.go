package cli

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"codemarshal/internal/app"
	"codemarshal/internal/config"
)

// CheckResult is the json output of config check.
type CheckResult struct {
	Valid  bool     `json:"valid"`
	Path   string   `json:"path"`
	Errors []string `json:"errors,omitempty"`

	CacheMaxBytes int64  `json:"cache_max_bytes,omitempty"`
	QueueCapacity int    `json:"queue_capacity,omitempty"`
	Consumers     int    `json:"consumers,omitempty"`
	Storage       string `json:"storage,omitempty"`
	Maintenance   bool   `json:"maintenance,omitempty"`
}

// NewConfigCommand creates the config command group.
func NewConfigCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect configuration",
	}
	cmd.AddCommand(&cobra.Command{
		Use:           "check",
		Short:         "Validate the config file without starting anything",
		Args:          cobra.NoArgs,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConfigCheck(rootOpts, cmd.OutOrStdout())
		},
	})
	return cmd
}

func runConfigCheck(opts *RootOptions, w io.Writer) error {
	res, err := app.CheckConfig(opts.ConfigPath)
	out := CheckResult{Valid: err == nil, Path: opts.ConfigPath}
	if err != nil {
		out.Errors = splitErrors(err)
	} else {
		fillCheckResult(&out, res)
	}

	if opts.Format == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if encErr := enc.Encode(out); encErr != nil {
			return encErr
		}
	} else {
		writeCheckText(w, out)
	}
	if err != nil {
		return fmt.Errorf("config invalid: %s", opts.ConfigPath)
	}
	return nil
}

func fillCheckResult(out *CheckResult, r *config.Resolved) {
	out.CacheMaxBytes = r.Cache.MaxBytes
	out.QueueCapacity = r.Scheduler.QueueCapacity
	out.Consumers = r.Consumers.Workers
	out.Storage = r.Storage.Driver
	out.Maintenance = r.Maintenance.Enabled
}

func writeCheckText(w io.Writer, out CheckResult) {
	if !out.Valid {
		fmt.Fprintf(w, "config invalid: %s\n", out.Path)
		for _, e := range out.Errors {
			fmt.Fprintf(w, "  - %s\n", e)
		}
		return
	}
	storage := out.Storage
	if storage == "" {
		storage = "disabled"
	}
	fmt.Fprintf(w, "config ok: %s\n", out.Path)
	fmt.Fprintf(w, "  cache:       %s\n", humanize.IBytes(uint64(out.CacheMaxBytes)))
	fmt.Fprintf(w, "  queues:      %d per priority\n", out.QueueCapacity)
	fmt.Fprintf(w, "  consumers:   %d\n", out.Consumers)
	fmt.Fprintf(w, "  storage:     %s\n", storage)
	fmt.Fprintf(w, "  maintenance: %t\n", out.Maintenance)
}

// splitErrors flattens errors.Join output into one line per problem.
func splitErrors(err error) []string {
	if j, ok := err.(interface{ Unwrap() []error }); ok {
		var out []string
		for _, e := range j.Unwrap() {
			out = append(out, splitErrors(e)...)
		}
		return out
	}
	return []string{err.Error()}
}
