// Package cli holds the codemarshal cobra commands.
package cli

import (
	"fmt"
	"slices"

	"github.com/spf13/cobra"
)

const defaultConfigPath = "./codemarshal.json"

// RootOptions holds global flags.
type RootOptions struct {
	ConfigPath string
	Format     string // "text" | "json"
}

var validFormats = []string{"text", "json"}

// NewRootCommand builds the codemarshal command tree.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "codemarshal",
		Short: "CodeMarshal coordination layer",
		Long:  "Runs the versioned artifact cache and the priority task scheduler that sequence CodeMarshal analysis work.",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !slices.Contains(validFormats, opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, validFormats)
			}
			return nil
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", defaultConfigPath, "path to config file (json or yaml)")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")

	cmd.AddCommand(NewServeCommand(opts))
	cmd.AddCommand(NewConfigCommand(opts))
	return cmd
}
