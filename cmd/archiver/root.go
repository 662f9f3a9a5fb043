package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// exitCodeError ends the process with code after the command has already
// reported the problem itself.
type exitCodeError struct {
	code int
}

func (e *exitCodeError) Error() string {
	return fmt.Sprintf("exit status %d", e.code)
}

// NewRootCmd creates the root command with all subcommands attached.
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "site-archiver",
		Short: "Archive websites for offline use",
		Long: `site-archiver crawls one or more configured websites breadth-first and stores
every page, stylesheet, script and image it finds inside the allowed domains
under a per-domain directory tree.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringP("config", "c", "config.yaml", "Path to config file")

	cmd.AddCommand(NewCrawlCmd())
	cmd.AddCommand(NewValidateCmd())
	cmd.AddCommand(NewListSitesCmd())

	return cmd
}

// Execute runs the root command and exits non-zero on failure.
func Execute() {
	err := NewRootCmd().Execute()
	if err == nil {
		return
	}
	var exitErr *exitCodeError
	if errors.As(err, &exitErr) {
		os.Exit(exitErr.code)
	}
	fmt.Fprintln(os.Stderr, "Error:", err)
	os.Exit(1)
}

func configPathFlag(cmd *cobra.Command) string {
	path, err := cmd.Flags().GetString("config")
	if err != nil || path == "" {
		return "config.yaml"
	}
	return path
}
