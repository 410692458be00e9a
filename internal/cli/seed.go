package cli

import (
	"github.com/google/uuid"
	"github.com/vibe-kanban/orchestrator/internal/config"
	"github.com/vibe-kanban/orchestrator/internal/git"
	"github.com/vibe-kanban/orchestrator/internal/store"
)

// seedAttempt builds a fresh in-memory Project/Task/TaskAttempt from cfg for
// a single CLI invocation. Concrete DB-backed persistence is out of scope
// (see SPEC_FULL.md §0), so every orchestratord command that drives a run
// operates against its own short-lived MemoryRepository rather than a
// shared daemon's store.
func seedAttempt(cfg *config.Config, profile, baseBranch, title, description string) (*store.MemoryRepository, *store.TaskAttempt, *store.Task) {
	repo := store.NewMemoryRepository()

	project := cfg.Project.ToStoreProject()
	repo.PutProject(project)

	task := &store.Task{ID: uuid.New(), ProjectID: project.ID, Title: title, Description: description, Status: store.TaskTodo}
	repo.PutTask(task)

	attempt := &store.TaskAttempt{
		ID:         uuid.New(),
		TaskID:     task.ID,
		Profile:    profile,
		BaseBranch: baseBranch,
	}
	attempt.Branch = git.DeriveBranchName(git.AttemptHex4(attempt.ID.String()), title)
	repo.PutAttempt(attempt)

	return repo, attempt, task
}
