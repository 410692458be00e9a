package containerref

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/vibe-kanban/orchestrator/internal/store"
)

func TestResolveReturnsAttemptTaskProjectTriple(t *testing.T) {
	repo := store.NewMemoryRepository()
	project := &store.Project{ID: uuid.New()}
	repo.PutProject(project)
	task := &store.Task{ID: uuid.New(), ProjectID: project.ID}
	repo.PutTask(task)
	attempt := &store.TaskAttempt{ID: uuid.New(), TaskID: task.ID}
	attempt.ContainerRef = attempt.ID.String()
	repo.PutAttempt(attempt)

	resolver := NewResolver(repo, repo)
	got, err := resolver.Resolve(context.Background(), attempt.ID.String())
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got.AttemptID != attempt.ID || got.TaskID != task.ID || got.ProjectID != project.ID {
		t.Fatalf("unexpected resolution: %+v", got)
	}
}

func TestResolveRejectsUnboundContainerRef(t *testing.T) {
	repo := store.NewMemoryRepository()
	project := &store.Project{ID: uuid.New()}
	repo.PutProject(project)
	task := &store.Task{ID: uuid.New(), ProjectID: project.ID}
	repo.PutTask(task)
	attempt := &store.TaskAttempt{ID: uuid.New(), TaskID: task.ID}
	repo.PutAttempt(attempt)

	resolver := NewResolver(repo, repo)
	if _, err := resolver.Resolve(context.Background(), attempt.ID.String()); err == nil {
		t.Fatalf("expected an error for an attempt whose worktree was never provisioned")
	}
}

func TestResolveRejectsMalformedRef(t *testing.T) {
	repo := store.NewMemoryRepository()
	resolver := NewResolver(repo, repo)
	if _, err := resolver.Resolve(context.Background(), "not-a-uuid"); err == nil {
		t.Fatalf("expected an error for a malformed reference")
	}
}

func TestResolveReturnsNotFoundForUnknownAttempt(t *testing.T) {
	repo := store.NewMemoryRepository()
	resolver := NewResolver(repo, repo)
	if _, err := resolver.Resolve(context.Background(), uuid.New().String()); err == nil {
		t.Fatalf("expected an error for an unknown attempt id")
	}
}
