package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/vibe-kanban/orchestrator/internal/integration"
	"github.com/vibe-kanban/orchestrator/internal/store"
)

var (
	rebaseRemoteURL string
	rebaseToken     string
)

func init() {
	rebaseCmd.Flags().StringVar(&rebaseRemoteURL, "remote-url", "", "remote URL to fetch a remote-style new base (e.g. origin/main) from")
	rebaseCmd.Flags().StringVar(&rebaseToken, "token", "", "token for the authenticated fetch (defaults to $GITHUB_TOKEN)")
	rootCmd.AddCommand(rebaseCmd)
}

// rebaseCmd rebases an attempt's worktree onto the current tip of a new base
// branch, resolved to a commit in mainRepoDir before the rebase runs.
var rebaseCmd = &cobra.Command{
	Use:   "rebase <main-repo-dir> <worktree-dir> <branch> <old-base> <new-base>",
	Short: "Rebase an attempt's branch onto a new base branch",
	Args:  cobra.ExactArgs(5),
	RunE: func(cmd *cobra.Command, args []string) error {
		mainRepoDir, worktreeDir, branch, oldBase, newBase := args[0], args[1], args[2], args[3], args[4]

		repo := store.NewMemoryRepository()
		attempt := &store.TaskAttempt{ID: uuid.New(), Branch: branch, BaseBranch: oldBase}
		repo.PutAttempt(attempt)

		merger := integration.NewMerger(repo, mainRepoDir)

		token := rebaseToken
		if token == "" {
			token = os.Getenv("GITHUB_TOKEN")
		}
		newBaseSHA, err := merger.ResolveNewBaseSHA(newBase, rebaseRemoteURL, token)
		if err != nil {
			return fmt.Errorf("resolving %s: %w", newBase, err)
		}
		if err := merger.RebaseOntoNewBase(context.Background(), attempt, worktreeDir, newBase, newBaseSHA); err != nil {
			return fmt.Errorf("rebasing: %w", err)
		}

		cmd.Printf("%s rebased onto %s (%s)\n", branch, newBase, newBaseSHA)
		return nil
	},
}
