package cli

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/vibe-kanban/orchestrator/internal/integration"
	"github.com/vibe-kanban/orchestrator/internal/store"
)

func init() {
	rootCmd.AddCommand(mergeCmd)
}

// mergeCmd squash-merges an already-finished attempt's branch directly into
// its base, independent of any pipeline run that may have produced it.
var mergeCmd = &cobra.Command{
	Use:   "merge <main-repo-dir> <worktree-dir> <branch> <base-branch> <task-title>",
	Short: "Squash-merge an attempt's branch back into its base branch",
	Args:  cobra.ExactArgs(5),
	RunE: func(cmd *cobra.Command, args []string) error {
		mainRepoDir, worktreeDir, branch, base, title := args[0], args[1], args[2], args[3], args[4]

		repo := store.NewMemoryRepository()
		task := &store.Task{ID: uuid.New(), Title: title, Status: store.TaskInReview}
		repo.PutTask(task)
		attempt := &store.TaskAttempt{ID: uuid.New(), TaskID: task.ID, Branch: branch, BaseBranch: base}
		repo.PutAttempt(attempt)

		merger := integration.NewMerger(repo, mainRepoDir)
		merge, err := merger.SquashMergeBack(context.Background(), attempt, worktreeDir, task)
		if err != nil {
			return fmt.Errorf("merging: %w", err)
		}

		cmd.Printf("merged %s into %s: %s\n", branch, base, merge.MergeCommit)
		return nil
	},
}
