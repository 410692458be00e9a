// Package containerref resolves an opaque container reference string into
// the attempt/task/project triple it identifies. It exists so every other
// component addresses "the container" by an opaque handle rather than a
// concrete attempt id, leaving room for a future remote-container backend
// to change what a ref actually names without touching its callers.
package containerref

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/vibe-kanban/orchestrator/internal/store"
)

// Resolved names the attempt/task/project a container reference identifies.
type Resolved struct {
	AttemptID uuid.UUID
	TaskID    uuid.UUID
	ProjectID uuid.UUID
}

// Resolver resolves container references. Today ref is always an attempt
// id's string form; the interface exists so a remote-container backend can
// swap the mapping (e.g. ref -> a sandbox id looked up in its own table)
// without its callers changing.
type Resolver interface {
	Resolve(ctx context.Context, ref string) (*Resolved, error)
}

// localResolver is the only Resolver implementation in scope: ref is always
// an attempt id.
type localResolver struct {
	attempts store.AttemptRepository
	tasks    store.TaskRepository
}

// NewResolver builds the local (ref == attempt_id) Resolver.
func NewResolver(attempts store.AttemptRepository, tasks store.TaskRepository) Resolver {
	return &localResolver{attempts: attempts, tasks: tasks}
}

// Resolve implements Resolver.
func (r *localResolver) Resolve(ctx context.Context, ref string) (*Resolved, error) {
	attemptID, err := uuid.Parse(ref)
	if err != nil {
		return nil, fmt.Errorf("containerref: %q is not a valid container reference: %w", ref, err)
	}

	attempt, err := r.attempts.GetAttempt(ctx, attemptID)
	if err != nil {
		return nil, fmt.Errorf("containerref: resolving attempt %s: %w", attemptID, err)
	}

	// Today a container_ref is exactly the attempt id, but the check runs
	// against the persisted field rather than trusting the parsed ref
	// outright — an attempt whose worktree was never provisioned has no
	// container_ref bound yet and must not resolve.
	if attempt.ContainerRef == "" || attempt.ContainerRef != ref {
		return nil, fmt.Errorf("containerref: %q is not a bound container reference: %w", ref, store.ErrNotFound)
	}

	task, err := r.tasks.GetTask(ctx, attempt.TaskID)
	if err != nil {
		return nil, fmt.Errorf("containerref: resolving task %s: %w", attempt.TaskID, err)
	}

	return &Resolved{AttemptID: attempt.ID, TaskID: task.ID, ProjectID: task.ProjectID}, nil
}
