package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/vibe-kanban/orchestrator/internal/pipeline"
	"github.com/vibe-kanban/orchestrator/internal/store"
)

var (
	logsProfile    string
	logsBaseBranch string
	logsNormalized bool
	logsRaw        bool
)

func init() {
	logsCmd.Flags().StringVar(&logsProfile, "profile", "", "executor profile to run the coding agent step with (defaults to the first configured profile)")
	logsCmd.Flags().StringVar(&logsBaseBranch, "base", "main", "base branch the attempt's worktree is created from")
	logsCmd.Flags().BoolVar(&logsNormalized, "normalized", false, "only print JSON_PATCH/SESSION_ID/FINISHED messages, not raw stdout/stderr")
	logsCmd.Flags().BoolVar(&logsRaw, "raw", false, "only print STDOUT/STDERR/FINISHED messages, not normalized protocol output")
	logsCmd.MarkFlagsMutuallyExclusive("normalized", "raw")
	rootCmd.AddCommand(logsCmd)
}

// logsCmd runs an attempt's whole action chain exactly like start, but
// prints only the raw MsgStore stream of every link (replay then tail) with
// no trailing status line, isolating the log-bus subscription from the
// status-reporting concern start combines it with.
var logsCmd = &cobra.Command{
	Use:   "logs <task-title> [description]",
	Short: "Run one task attempt's action chain and stream its log bus",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadAndValidateConfig(configPath)
		if err != nil {
			return err
		}

		profile, err := resolveProfile(cfg, logsProfile)
		if err != nil {
			return err
		}

		title := args[0]
		description := ""
		if len(args) == 2 {
			description = args[1]
		}

		repo, attempt, task := seedAttempt(cfg, profile, logsBaseBranch, title, description)

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

		mode := streamAll
		switch {
		case logsNormalized:
			mode = streamNormalized
		case logsRaw:
			mode = streamRaw
		}
		return followChain(ctx, cmd, mgr, repo, attempt, action, proc.ID, mode)
	},
}
