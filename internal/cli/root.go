// Package cli implements orchestratord's cobra command tree, a thin driver
// over the internal packages for local/manual runs. It mirrors the
// teacher's internal/cli/root.go: a persistent --config flag, init()
// registered subcommands, and RunE handlers that wrap errors rather than
// panic.
package cli

import (
	"github.com/spf13/cobra"
)

// Version is set at build time via ldflags.
var Version = "dev"

var configPath string

var rootCmd = &cobra.Command{
	Use:   "orchestratord",
	Short: "Run and integrate coding-agent task attempts",
	Long: `orchestratord provisions a git worktree per task attempt, runs a chain of
scripts and coding-agent sessions inside it, streams their output, and
integrates the result back into the project either as a direct squash-merge
or as a pull request.`,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "orchestratord.yaml", "path to orchestratord config file")
	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Printf("orchestratord %s\n", Version)
	},
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}
