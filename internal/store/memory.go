package store

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// MemoryRepository is an in-process Repository implementation. It exists so
// the core packages and their tests have a concrete, dependency-free
// Repository to run against; a real deployment supplies its own
// database-backed implementation instead.
type MemoryRepository struct {
	mu sync.Mutex

	projects map[uuid.UUID]*Project
	tasks    map[uuid.UUID]*Task
	attempts map[uuid.UUID]*TaskAttempt
	procs    map[uuid.UUID]*ExecutionProcess
	sessions map[uuid.UUID]*ExecutorSession // keyed by ExecutionProcessID
	merges   map[uuid.UUID]*Merge
	logs     map[uuid.UUID][]LogMsg // keyed by ExecutionProcessID
}

// NewMemoryRepository returns an empty MemoryRepository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		projects: make(map[uuid.UUID]*Project),
		tasks:    make(map[uuid.UUID]*Task),
		attempts: make(map[uuid.UUID]*TaskAttempt),
		procs:    make(map[uuid.UUID]*ExecutionProcess),
		sessions: make(map[uuid.UUID]*ExecutorSession),
		merges:   make(map[uuid.UUID]*Merge),
		logs:     make(map[uuid.UUID][]LogMsg),
	}
}

// PutProject registers a project for lookup; a test/seeding helper, not part
// of Repository.
func (m *MemoryRepository) PutProject(p *Project) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *p
	m.projects[p.ID] = &cp
}

// PutTask registers a task for lookup; a test/seeding helper.
func (m *MemoryRepository) PutTask(t *Task) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *t
	m.tasks[t.ID] = &cp
}

// PutAttempt registers an attempt for lookup; a test/seeding helper.
func (m *MemoryRepository) PutAttempt(a *TaskAttempt) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *a
	m.attempts[a.ID] = &cp
}

func (m *MemoryRepository) GetProject(_ context.Context, id uuid.UUID) (*Project, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.projects[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (m *MemoryRepository) GetTask(_ context.Context, id uuid.UUID) (*Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (m *MemoryRepository) UpdateTaskStatus(_ context.Context, id uuid.UUID, status TaskStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return ErrNotFound
	}
	t.Status = status
	return nil
}

func (m *MemoryRepository) GetAttempt(_ context.Context, id uuid.UUID) (*TaskAttempt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.attempts[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *a
	return &cp, nil
}

func (m *MemoryRepository) UpdateAttempt(_ context.Context, attempt *TaskAttempt) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.attempts[attempt.ID]; !ok {
		return ErrNotFound
	}
	cp := *attempt
	m.attempts[attempt.ID] = &cp
	return nil
}

func (m *MemoryRepository) CreateProcess(_ context.Context, p *ExecutionProcess) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *p
	m.procs[p.ID] = &cp
	return nil
}

func (m *MemoryRepository) GetProcess(_ context.Context, id uuid.UUID) (*ExecutionProcess, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.procs[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *p
	return &cp, nil
}

// UpdateProcessStatus is the idempotent terminal write from spec §9: once a
// process row is terminal, further writes are no-ops, modeling
// `UPDATE ... WHERE status='RUNNING'`.
func (m *MemoryRepository) UpdateProcessStatus(_ context.Context, id uuid.UUID, status ProcessStatus, exitCode *int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.procs[id]
	if !ok {
		return ErrNotFound
	}
	if p.Status.IsTerminal() {
		return nil
	}
	p.Status = status
	p.ExitCode = exitCode
	if status.IsTerminal() {
		now := nowFunc()
		p.CompletedAt = &now
	}
	return nil
}

func (m *MemoryRepository) ListRunning(_ context.Context) ([]*ExecutionProcess, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*ExecutionProcess
	for _, p := range m.procs {
		if p.Status == ProcessRunning {
			cp := *p
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *MemoryRepository) CreateSession(_ context.Context, s *ExecutorSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *s
	m.sessions[s.ExecutionProcessID] = &cp
	return nil
}

func (m *MemoryRepository) GetSessionByProcess(_ context.Context, processID uuid.UUID) (*ExecutorSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[processID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *s
	return &cp, nil
}

func (m *MemoryRepository) UpdateSessionID(_ context.Context, processID uuid.UUID, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[processID]
	if !ok {
		return ErrNotFound
	}
	s.SessionID = sessionID
	return nil
}

func (m *MemoryRepository) AppendProcessLog(_ context.Context, processID uuid.UUID, msg LogMsg) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.logs[processID] = append(m.logs[processID], msg)
	return nil
}

func (m *MemoryRepository) ListProcessLogs(_ context.Context, processID uuid.UUID) ([]LogMsg, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]LogMsg, len(m.logs[processID]))
	copy(out, m.logs[processID])
	return out, nil
}

func (m *MemoryRepository) CreateMerge(_ context.Context, mg *Merge) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *mg
	m.merges[mg.ID] = &cp
	return nil
}

func (m *MemoryRepository) UpdateMergePRStatus(_ context.Context, id uuid.UUID, status PRStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	mg, ok := m.merges[id]
	if !ok {
		return ErrNotFound
	}
	mg.PRStatus = status
	return nil
}

var _ Repository = (*MemoryRepository)(nil)
