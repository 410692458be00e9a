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
	prOwner string
	prRepo  string
	prToken string
)

func init() {
	prCmd.Flags().StringVar(&prOwner, "owner", "", "GitHub repository owner")
	prCmd.Flags().StringVar(&prRepo, "repo", "", "GitHub repository name")
	prCmd.Flags().StringVar(&prToken, "token", "", "GitHub token (defaults to $GITHUB_TOKEN)")
	prCmd.MarkFlagRequired("owner")
	prCmd.MarkFlagRequired("repo")
	rootCmd.AddCommand(prCmd)
}

// prCmd pushes an attempt's branch via an ephemeral authenticated remote
// and opens a pull request against base.
var prCmd = &cobra.Command{
	Use:   "pr <worktree-dir> <branch> <remote-url> <base> <title> <body>",
	Short: "Push an attempt's branch and open a pull request",
	Args:  cobra.ExactArgs(6),
	RunE: func(cmd *cobra.Command, args []string) error {
		worktreeDir, branch, remoteURL, base, title, body := args[0], args[1], args[2], args[3], args[4], args[5]

		token := prToken
		if token == "" {
			token = os.Getenv("GITHUB_TOKEN")
		}
		if token == "" {
			return fmt.Errorf("no token: pass --token or set GITHUB_TOKEN")
		}

		repo := store.NewMemoryRepository()
		attempt := &store.TaskAttempt{ID: uuid.New(), Branch: branch, BaseBranch: base}
		repo.PutAttempt(attempt)

		ctx := context.Background()
		gh := integration.NewGitHubClient(ctx, token)
		pm := integration.NewPusherMerger(repo, worktreeDir, gh, prOwner, prRepo)

		merge, err := pm.PushAndOpenPR(ctx, attempt, remoteURL, token, base, title, body)
		if err != nil {
			return fmt.Errorf("opening pull request: %w", err)
		}

		cmd.Printf("opened %s\n", merge.PRURL)
		return nil
	},
}
