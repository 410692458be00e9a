package cli

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/vibe-kanban/orchestrator/internal/git"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

// statusCmd inspects an attempt's worktree directly via git, independent of
// any in-memory pipeline state (which a separate CLI invocation would not
// share with `start`/`logs` anyway).
var statusCmd = &cobra.Command{
	Use:   "status <worktree-dir> <base-branch>",
	Short: "Report a worktree's clean/dirty state and commits ahead of base",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		dir, base := args[0], args[1]
		repo := git.NewRepo(dir)

		clean, err := repo.IsCleanTracked(dir)
		if err != nil {
			return fmt.Errorf("checking worktree cleanliness: %w", err)
		}

		head, err := repo.HeadCommit("HEAD")
		if err != nil {
			return fmt.Errorf("resolving HEAD: %w", err)
		}

		commits, err := repo.CommitsBetween(base, "HEAD")
		if err != nil {
			return fmt.Errorf("listing commits ahead of %s: %w", base, err)
		}

		state := "clean"
		if !clean {
			state = "dirty (uncommitted tracked changes)"
		}
		cmd.Printf("HEAD %s is %s, %d commit(s) ahead of %s\n", head, state, len(commits), base)
		return nil
	},
}
