package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/vibe-kanban/orchestrator/internal/pipeline"
	"github.com/vibe-kanban/orchestrator/internal/store"
	"github.com/vibe-kanban/orchestrator/internal/worktree"
)

var (
	startProfile    string
	startBaseBranch string
)

func init() {
	startCmd.Flags().StringVar(&startProfile, "profile", "", "executor profile to run the coding agent step with (defaults to the first configured profile)")
	startCmd.Flags().StringVar(&startBaseBranch, "base", "main", "base branch the attempt's worktree is created from")
	rootCmd.AddCommand(startCmd)
}

var startCmd = &cobra.Command{
	Use:   "start <task-title> [description]",
	Short: "Provision a worktree and run one task attempt's action chain to completion",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadAndValidateConfig(configPath)
		if err != nil {
			return err
		}

		profile, err := resolveProfile(cfg, startProfile)
		if err != nil {
			return err
		}

		title := args[0]
		description := ""
		if len(args) == 2 {
			description = args[1]
		}

		repo, attempt, task := seedAttempt(cfg, profile, startBaseBranch, title, description)

		ctx := context.Background()
		project, err := repo.GetProject(ctx, task.ProjectID)
		if err != nil {
			return err
		}

		prompt := pipeline.ComposePrompt(cfg.ResolvePreamble(), pipeline.DerivePrompt(task))
		action := pipeline.BuildActionChain(project, prompt, store.ProfileVariant{Profile: profile})

		mgr := pipeline.NewManager(repo, cfg.BuildRegistry())
		mgr.SetPermissions(cfg.Permissions)

		proc, err := mgr.StartExecutionProcess(ctx, attempt, action, pipeline.RunReasonForAction(action))
		if err != nil {
			return fmt.Errorf("starting execution process: %w", err)
		}

		if err := followChain(ctx, cmd, mgr, repo, attempt, action, proc.ID, streamAll); err != nil {
			return err
		}

		finalTask, err := repo.GetTask(ctx, attempt.TaskID)
		if err != nil {
			return err
		}
		cmd.Printf("\nattempt %s: task now %s, worktree %s\n", attempt.ID, finalTask.Status, worktree.PathFor(attempt.Branch))
		return nil
	},
}

func printLogMsg(cmd *cobra.Command, msg store.LogMsg) {
	switch msg.Kind {
	case store.LogFinished:
		cmd.Println("--- finished ---")
	case store.LogSessionID:
		cmd.Printf("[session %s]\n", msg.SessionID)
	case store.LogJSONPatch:
		cmd.Printf("[patch] %d op(s)\n", len(msg.Patch))
	default:
		cmd.Println(msg.Content)
	}
}
