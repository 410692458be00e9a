package store

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

// ErrNotFound is returned by repository lookups that find no matching row.
var ErrNotFound = errors.New("store: not found")

// ProjectRepository is the typed CRUD surface the core needs over projects.
// The relational store's concrete engine is out of scope; this interface is
// what the core depends on.
type ProjectRepository interface {
	GetProject(ctx context.Context, id uuid.UUID) (*Project, error)
}

// TaskRepository is the typed CRUD surface the core needs over tasks.
type TaskRepository interface {
	GetTask(ctx context.Context, id uuid.UUID) (*Task, error)
	UpdateTaskStatus(ctx context.Context, id uuid.UUID, status TaskStatus) error
}

// AttemptRepository is the typed CRUD surface the core needs over attempts.
type AttemptRepository interface {
	GetAttempt(ctx context.Context, id uuid.UUID) (*TaskAttempt, error)
	UpdateAttempt(ctx context.Context, attempt *TaskAttempt) error
}

// ProcessRepository is the typed CRUD surface the core needs over execution
// processes and their sessions.
type ProcessRepository interface {
	CreateProcess(ctx context.Context, p *ExecutionProcess) error
	GetProcess(ctx context.Context, id uuid.UUID) (*ExecutionProcess, error)
	// UpdateProcessStatus performs the idempotent terminal write described in
	// spec §9: a write is a no-op if the stored row is already terminal.
	UpdateProcessStatus(ctx context.Context, id uuid.UUID, status ProcessStatus, exitCode *int) error
	ListRunning(ctx context.Context) ([]*ExecutionProcess, error)

	CreateSession(ctx context.Context, s *ExecutorSession) error
	GetSessionByProcess(ctx context.Context, processID uuid.UUID) (*ExecutorSession, error)
	// UpdateSessionID records the session identifier a coding agent reported
	// on its log stream, so follow-up requests can resume the session.
	UpdateSessionID(ctx context.Context, processID uuid.UUID, sessionID string) error
}

// LogRepository is the durable log table raw process output is appended to,
// both realtime (per captured line) and as an exit-time history flush.
type LogRepository interface {
	AppendProcessLog(ctx context.Context, processID uuid.UUID, msg LogMsg) error
	ListProcessLogs(ctx context.Context, processID uuid.UUID) ([]LogMsg, error)
}

// MergeRepository is the typed CRUD surface the core needs over merges.
type MergeRepository interface {
	CreateMerge(ctx context.Context, m *Merge) error
	UpdateMergePRStatus(ctx context.Context, id uuid.UUID, status PRStatus) error
}

// Repository is the full persistence surface consumed by the core. A single
// concrete type typically implements all of these against one database; they
// are kept as separate interfaces so components can depend on only the slice
// they need.
type Repository interface {
	ProjectRepository
	TaskRepository
	AttemptRepository
	ProcessRepository
	LogRepository
	MergeRepository
}
