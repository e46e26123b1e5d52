package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

// configPath is the --config flag shared by all commands.
var configPath string

// ExitError carries a process exit code without an error message, for runs
// that completed but found problems.
type ExitError struct {
	Code int
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("exit status %d", e.Code)
}

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "lintforge",
		Short: "lintforge - a text linter with sandboxed WebAssembly rules",
		Long: `lintforge lints Markdown and other text files with rules compiled to
WebAssembly. Each rule runs in its own sandbox with a bounded instruction
budget and bounded memory, so a faulty rule cannot take down the linter.

Rules are plain wasm modules run by a metered interpreter, or Extism
plugins run by the Extism runtime.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().String("log-level", "", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-format", "", "log format (json, console)")

	rootCmd.AddCommand(newLintCommand(version))
	rootCmd.AddCommand(newRulesCommand(version))
	rootCmd.AddCommand(newCacheCommand(version))

	return rootCmd
}
