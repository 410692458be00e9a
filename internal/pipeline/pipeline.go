// Package pipeline runs one TaskAttempt's action chain end to end: it
// persists each ExecutionProcess, spawns it asynchronously, watches it to
// completion, and dispatches (or halts) the chain's next link. It is the
// orchestrator's analogue of the teacher's RunOnce/processConcern loop in
// internal/engine/engine.go, generalized from a polling daemon that revisits
// every concern on a fixed interval to an event-driven per-attempt chain
// triggered once per action.
package pipeline

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/vibe-kanban/orchestrator/internal/config"
	"github.com/vibe-kanban/orchestrator/internal/executor"
	"github.com/vibe-kanban/orchestrator/internal/git"
	"github.com/vibe-kanban/orchestrator/internal/msgstore"
	"github.com/vibe-kanban/orchestrator/internal/store"
	"github.com/vibe-kanban/orchestrator/internal/supervisor"
	"github.com/vibe-kanban/orchestrator/internal/worktree"
)

// exitPollInterval is the exit monitor's polling cadence.
const exitPollInterval = 250 * time.Millisecond

// msgStoreGracePeriod is how long a finished process's MsgStore stays
// registered after FINISHED, so a subscriber arriving just after the exit
// can still replay history and observe the terminal state.
const msgStoreGracePeriod = 30 * time.Second

// running tracks one in-flight (or just-finished) ExecutionProcess so logs
// and StopExecution can reach it by id — the orchestrator's analogue of the
// teacher's LogManager file handle table, keyed by process rather than
// concern name.
type running struct {
	proc  *supervisor.Process
	store *msgstore.MsgStore
	// stopRequested suppresses next_action dispatch once StopExecution has
	// been called, even if the process happens to exit cleanly afterward.
	stopRequested bool
}

// Manager coordinates execution processes for every attempt it is asked to
// run. One Manager is long-lived for the orchestrator's process lifetime.
type Manager struct {
	repo     store.Repository
	registry *executor.Registry
	// permissions, when set, is written as .claude/settings.json into every
	// worktree before a coding-agent action runs in it.
	permissions *config.Permissions
	// notifier, when set, fires once per finalized attempt, after its task
	// has moved to IN_REVIEW.
	notifier func(task *store.Task)

	mu        sync.Mutex
	processes map[uuid.UUID]*running
	// devServers tracks each attempt's dev-server process id so it can be
	// killed on DeleteAttempt/worktree teardown rather than living in an
	// unbounded global registry — the fix to the dev-server lifetime issue
	// recorded as an Open Question resolution.
	devServers map[uuid.UUID]uuid.UUID
	// current tracks the most recently dispatched process id for each
	// attempt, across every link of its action chain, so a caller that
	// wants to follow a whole chain (rather than just the one process it
	// started) can discover each successive link as monitor dispatches it.
	current map[uuid.UUID]uuid.UUID
}

// NewManager wires repo (persistence) and reg (profile -> Spawner lookup)
// into a fresh Manager.
func NewManager(repo store.Repository, reg *executor.Registry) *Manager {
	return &Manager{
		repo:       repo,
		registry:   reg,
		processes:  make(map[uuid.UUID]*running),
		devServers: make(map[uuid.UUID]uuid.UUID),
		current:    make(map[uuid.UUID]uuid.UUID),
	}
}

// SetPermissions configures the .claude/settings.json permissions block
// written into every worktree this Manager provisions from now on.
func (m *Manager) SetPermissions(p *config.Permissions) {
	m.permissions = p
}

// SetNotifier registers fn to be called each time an attempt finalizes (its
// task just moved to IN_REVIEW). Must be set before any chain is started.
func (m *Manager) SetNotifier(fn func(task *store.Task)) {
	m.notifier = fn
}

// MsgStore returns the live MsgStore for a running (or recently finished)
// process, or nil if none is registered (e.g. the process predates this
// Manager instance, as can happen after a restart — see Reconcile).
func (m *Manager) MsgStore(processID uuid.UUID) *msgstore.MsgStore {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.processes[processID]; ok {
		return r.store
	}
	return nil
}

// CurrentProcess returns the most recently dispatched process id for
// attemptID, or false if no link of its chain has ever run. A caller
// following a whole action chain (e.g. the CLI's `start` command) polls this
// after observing one link's process reach a terminal status, to discover
// the next link as soon as monitor dispatches it.
func (m *Manager) CurrentProcess(attemptID uuid.UUID) (uuid.UUID, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.current[attemptID]
	return id, ok
}

// StartExecutionProcess persists a RUNNING ExecutionProcess for action,
// provisions the attempt's worktree, spawns the action via the Spawner
// registry, and asynchronously monitors it to completion. It returns as
// soon as the process is persisted and spawned — it never blocks for the
// child to exit, matching spec §4.F.
func (m *Manager) StartExecutionProcess(ctx context.Context, attempt *store.TaskAttempt, action *store.ExecutorAction, reason store.RunReason) (*store.ExecutionProcess, error) {
	if attempt.WorktreeDeleted {
		return nil, fmt.Errorf("pipeline: attempt %s has a deleted worktree; no further spawns", attempt.ID)
	}
	proc := &store.ExecutionProcess{
		ID:             uuid.New(),
		TaskAttemptID:  attempt.ID,
		RunReason:      reason,
		ExecutorAction: action,
		Status:         store.ProcessRunning,
		CreatedAt:      nowFunc(),
	}
	if err := m.repo.CreateProcess(ctx, proc); err != nil {
		return nil, fmt.Errorf("pipeline: persisting process: %w", err)
	}

	task, err := m.repo.GetTask(ctx, attempt.TaskID)
	if err != nil {
		return nil, fmt.Errorf("pipeline: loading task: %w", err)
	}
	if reason != store.RunReasonDevServer && task.Status == store.TaskTodo {
		if err := m.repo.UpdateTaskStatus(ctx, task.ID, store.TaskInProgress); err != nil {
			return nil, fmt.Errorf("pipeline: advancing task to IN_PROGRESS: %w", err)
		}
	}

	project, err := m.repo.GetProject(ctx, task.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("pipeline: loading project: %w", err)
	}

	mgr := worktree.NewManager(project.GitRepoPath)
	dir, created, err := mgr.Ensure(attempt)
	if err != nil {
		zero := -1
		_ = m.repo.UpdateProcessStatus(ctx, proc.ID, store.ProcessFailed, &zero)
		return nil, fmt.Errorf("pipeline: provisioning worktree: %w", err)
	}
	if created {
		if _, err := worktree.MaterializeCopyFiles(project, dir); err != nil {
			zero := -1
			_ = m.repo.UpdateProcessStatus(ctx, proc.ID, store.ProcessFailed, &zero)
			return nil, fmt.Errorf("pipeline: materializing copy_files: %w", err)
		}
	}
	if err := materializeTaskImages(dir, task, action); err != nil {
		zero := -1
		_ = m.repo.UpdateProcessStatus(ctx, proc.ID, store.ProcessFailed, &zero)
		return nil, fmt.Errorf("pipeline: materializing task images: %w", err)
	}
	// Ensure populates attempt.ContainerRef (and, for a reused worktree, may
	// leave Branch/ContainerRef already set) in-memory only — persist it so
	// the container reference resolver can validate against the stored row.
	if err := m.repo.UpdateAttempt(ctx, attempt); err != nil {
		zero := -1
		_ = m.repo.UpdateProcessStatus(ctx, proc.ID, store.ProcessFailed, &zero)
		return nil, fmt.Errorf("pipeline: persisting attempt container_ref: %w", err)
	}

	if action.Kind != store.ActionScriptRequest {
		if err := worktree.MaterializePermissions(dir, m.permissions); err != nil {
			zero := -1
			_ = m.repo.UpdateProcessStatus(ctx, proc.ID, store.ProcessFailed, &zero)
			return nil, fmt.Errorf("pipeline: writing worktree permissions: %w", err)
		}
	}

	ms := msgstore.New(0)
	// Realtime durable logging: every captured stdout/stderr line is
	// appended to the log table as it arrives, not only at exit.
	ms.SetAppendCallback(func(msg store.LogMsg) {
		_ = m.repo.AppendProcessLog(ctx, proc.ID, msg)
	})
	if action.Kind == store.ActionCodingAgentInitialRequest {
		ms.Push(executor.InitialMessagePatch(action.AgentInit.Prompt))
	}
	if action.Kind != store.ActionScriptRequest {
		m.watchSessionID(ctx, proc.ID, ms)
	}

	if sess := sessionRequestFor(action); sess != nil {
		_ = m.repo.CreateSession(ctx, &store.ExecutorSession{
			ID:                 uuid.New(),
			TaskAttemptID:      attempt.ID,
			ExecutionProcessID: proc.ID,
			Prompt:             sess.Prompt,
			SessionID:          sess.SessionID,
		})
	}

	child, err := executor.BuildChain(m.registry, dir, action, ms)
	if err != nil {
		zero := -1
		_ = m.repo.UpdateProcessStatus(ctx, proc.ID, store.ProcessFailed, &zero)
		ms.Push(store.LogMsg{Kind: store.LogStderr, Content: err.Error()})
		ms.PushFinished()
		return nil, fmt.Errorf("pipeline: spawning action: %w", err)
	}

	r := &running{proc: child, store: ms}
	m.mu.Lock()
	m.processes[proc.ID] = r
	m.current[attempt.ID] = proc.ID
	if reason == store.RunReasonDevServer {
		m.devServers[attempt.ID] = proc.ID
	}
	m.mu.Unlock()

	go m.monitor(ctx, attempt, proc, action, reason, dir, r)

	return proc, nil
}

// materializeTaskImages copies the task's attached images into the worktree
// and canonicalizes the action's agent prompt so image references point at
// their materialized in-worktree paths. Script actions carry no prompt and
// are left untouched.
func materializeTaskImages(dir string, task *store.Task, action *store.ExecutorAction) error {
	if len(task.Images) == 0 {
		return nil
	}
	switch action.Kind {
	case store.ActionCodingAgentInitialRequest:
		rewritten, err := worktree.MaterializeImages(dir, action.AgentInit.Prompt, task.Images)
		if err != nil {
			return err
		}
		action.AgentInit.Prompt = rewritten
	case store.ActionCodingAgentFollowUpRequest:
		rewritten, err := worktree.MaterializeImages(dir, action.AgentFollow.Prompt, task.Images)
		if err != nil {
			return err
		}
		action.AgentFollow.Prompt = rewritten
	}
	return nil
}

// watchSessionID subscribes to ms and persists the first SESSION_ID the
// agent reports onto the process's ExecutorSession row, so a later
// follow-up request knows what to resume. The subscription drains until
// FINISHED regardless, keeping the watcher from ever blocking the bus.
func (m *Manager) watchSessionID(ctx context.Context, processID uuid.UUID, ms *msgstore.MsgStore) {
	_, stream := ms.HistoryPlusStream()
	go func() {
		recorded := false
		for msg := range stream {
			if msg.Kind == store.LogSessionID && !recorded {
				recorded = true
				_ = m.repo.UpdateSessionID(ctx, processID, msg.SessionID)
			}
		}
	}()
}

// sessionRequestFor extracts the prompt/session-id pair an ExecutorSession
// should be recorded with, or nil for a ScriptRequest.
func sessionRequestFor(action *store.ExecutorAction) *store.CodingAgentFollowUpRequest {
	switch action.Kind {
	case store.ActionCodingAgentInitialRequest:
		return &store.CodingAgentFollowUpRequest{Prompt: action.AgentInit.Prompt}
	case store.ActionCodingAgentFollowUpRequest:
		return action.AgentFollow
	default:
		return nil
	}
}

// monitor polls child at exitPollInterval until it terminates, then
// performs the single-shot on-exit handling: computes the terminal status,
// flushes FINISHED to the MsgStore, auto-commits on success, and either
// dispatches action.NextAction or finalizes the attempt to IN_REVIEW.
func (m *Manager) monitor(ctx context.Context, attempt *store.TaskAttempt, proc *store.ExecutionProcess, action *store.ExecutorAction, reason store.RunReason, dir string, r *running) {
	ticker := time.NewTicker(exitPollInterval)
	defer ticker.Stop()

	var exitCode int
	for range ticker.C {
		code, exited := r.proc.TryWait()
		if exited {
			exitCode = code
			break
		}
	}

	r.store.PushFinished()

	m.mu.Lock()
	stopRequested := r.stopRequested
	m.mu.Unlock()

	// A signal-terminated child reports exit code -1 (no real exit code):
	// when the kill was requested through StopExecution that is KILLED, but
	// an un-requested signal death lands in FAILED with the other nonzero
	// exits — the supervisor's wait error counts as a captured error, so
	// the exit is not treated as a clean no-code termination.
	status := store.ProcessCompleted
	switch {
	case stopRequested:
		status = store.ProcessKilled
	case exitCode != 0:
		status = store.ProcessFailed
	}

	code := exitCode
	_ = m.repo.UpdateProcessStatus(ctx, proc.ID, status, &code)

	// Flush the non-raw remainder of the store's history (JSON_PATCH,
	// SESSION_ID) to the durable log table; raw stdout/stderr lines were
	// already appended realtime by the store's append callback.
	for _, msg := range r.store.History() {
		if msg.Kind == store.LogStdout || msg.Kind == store.LogStderr || msg.Kind == store.LogFinished {
			continue
		}
		_ = m.repo.AppendProcessLog(ctx, proc.ID, msg)
	}

	// The MsgStore stays registered for a grace interval so a subscriber
	// arriving just after exit can still replay history and observe the
	// terminal FINISHED state.
	time.AfterFunc(msgStoreGracePeriod, func() {
		m.mu.Lock()
		delete(m.processes, proc.ID)
		m.mu.Unlock()
	})

	if reason == store.RunReasonDevServer {
		// Dev-server processes never advance task status regardless of
		// outcome (spec: "DEV_SERVER never advances task status").
		return
	}

	if status == store.ProcessCompleted {
		if _, err := commitWorktreeChanges(dir, attempt.Branch, commitSubjectFor(reason, attempt)); err != nil {
			fmt.Fprintf(os.Stderr, "pipeline: auto-commit for attempt %s: %v\n", attempt.ID, err)
		}
	}

	if status != store.ProcessCompleted {
		// Spec §7: on FAILED/KILLED, next_action is not attempted and
		// finalization does not run — the task stays IN_PROGRESS so the
		// user can see the failure and retry.
		return
	}

	if action.NextAction != nil {
		if _, err := m.StartExecutionProcess(ctx, attempt, action.NextAction, RunReasonForAction(action.NextAction)); err != nil {
			// Failing to dispatch the next link leaves the task IN_PROGRESS,
			// same as any other failure to complete the chain.
			fmt.Fprintf(os.Stderr, "pipeline: dispatching next_action for attempt %s: %v\n", attempt.ID, err)
		}
		return
	}

	m.finalize(ctx, attempt)
}

func commitSubjectFor(reason store.RunReason, attempt *store.TaskAttempt) string {
	return fmt.Sprintf("%s (%s)", reason, attempt.Branch)
}

func commitWorktreeChanges(dir, branch, message string) (bool, error) {
	wt := git.NewRepo(dir)
	clean, err := wt.IsCleanTracked(dir)
	if err != nil {
		return false, err
	}
	if clean {
		return false, nil
	}
	wt.EnsureIdentity()
	if _, err := wt.StageAll(); err != nil {
		return false, err
	}
	if _, err := wt.Commit(message); err != nil {
		return false, err
	}
	return true, nil
}

// finalize moves the owning Task to IN_REVIEW once an attempt's chain has
// completed and produced no further next_action link (spec §4.F/§7: only a
// COMPLETED chain with no next_action finalizes; FAILED/KILLED leave the
// task in IN_PROGRESS for the user to retry).
func (m *Manager) finalize(ctx context.Context, attempt *store.TaskAttempt) {
	task, err := m.repo.GetTask(ctx, attempt.TaskID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "pipeline: loading task to finalize attempt %s: %v\n", attempt.ID, err)
		return
	}
	if task.Status == store.TaskInProgress {
		if err := m.repo.UpdateTaskStatus(ctx, task.ID, store.TaskInReview); err == nil {
			task.Status = store.TaskInReview
			if m.notifier != nil {
				m.notifier(task)
			}
		}
	}
}

// StopExecution kills a running process and suppresses any next_action
// dispatch that would otherwise follow a clean exit racing the kill signal.
func (m *Manager) StopExecution(ctx context.Context, processID uuid.UUID) error {
	m.mu.Lock()
	r, ok := m.processes[processID]
	if ok {
		r.stopRequested = true
	}
	m.mu.Unlock()

	if !ok {
		return fmt.Errorf("pipeline: no running process registered for %s", processID)
	}
	return r.proc.Kill()
}

// Reconcile scans persisted RUNNING processes at boot and marks them FAILED
// — this orchestrator does not attempt to resume or re-adopt a child
// process across a restart (spec Non-goals: no crash-recovery), but it must
// not leave those rows permanently stuck in RUNNING.
func (m *Manager) Reconcile(ctx context.Context) (int, error) {
	stale, err := m.repo.ListRunning(ctx)
	if err != nil {
		return 0, fmt.Errorf("pipeline: listing running processes: %w", err)
	}
	for _, p := range stale {
		zero := -1
		if err := m.repo.UpdateProcessStatus(ctx, p.ID, store.ProcessFailed, &zero); err != nil {
			return 0, fmt.Errorf("pipeline: reconciling process %s: %w", p.ID, err)
		}
	}
	return len(stale), nil
}

// StopDevServer kills an attempt's currently-registered dev server (if
// any), used by DeleteAttempt/worktree teardown so a forgotten dev server
// can never outlive the attempt that started it.
func (m *Manager) StopDevServer(ctx context.Context, attemptID uuid.UUID) error {
	m.mu.Lock()
	processID, ok := m.devServers[attemptID]
	if ok {
		delete(m.devServers, attemptID)
	}
	m.mu.Unlock()
	if !ok {
		return nil
	}
	return m.StopExecution(ctx, processID)
}

// DeleteAttempt retires an attempt's worktree: its dev server (if any) and
// current process are killed, worktree_deleted is set true and persisted —
// after which no further spawn is ever accepted for the attempt — and the
// directory itself is removed best-effort, never blocking the state
// transition on a filesystem failure.
func (m *Manager) DeleteAttempt(ctx context.Context, attempt *store.TaskAttempt) error {
	_ = m.StopDevServer(ctx, attempt.ID)

	m.mu.Lock()
	currentID, hasCurrent := m.current[attempt.ID]
	delete(m.current, attempt.ID)
	m.mu.Unlock()
	if hasCurrent {
		_ = m.StopExecution(ctx, currentID)
	}

	attempt.WorktreeDeleted = true
	if err := m.repo.UpdateAttempt(ctx, attempt); err != nil {
		return fmt.Errorf("pipeline: persisting worktree_deleted: %w", err)
	}

	task, err := m.repo.GetTask(ctx, attempt.TaskID)
	if err != nil {
		return nil
	}
	project, err := m.repo.GetProject(ctx, task.ProjectID)
	if err != nil {
		return nil
	}
	if attempt.Branch != "" {
		mgr := worktree.NewManager(project.GitRepoPath)
		if err := mgr.Teardown(worktree.PathFor(attempt.Branch)); err != nil {
			fmt.Fprintf(os.Stderr, "pipeline: tearing down worktree for attempt %s: %v\n", attempt.ID, err)
		}
	}
	return nil
}
