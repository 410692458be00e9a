package pipeline

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/vibe-kanban/orchestrator/internal/executor"
	"github.com/vibe-kanban/orchestrator/internal/store"
)

func runGit(t *testing.T, dir string, args ...string) string {
	t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		t.Fatalf("git %s: %s: %v", strings.Join(args, " "), string(out), err)
	}
	return strings.TrimSpace(string(out))
}

func seedProject(t *testing.T) (string, *store.MemoryRepository, *store.Task, *store.TaskAttempt) {
	t.Helper()
	repoDir := t.TempDir()
	runGit(t, repoDir, "init", "-b", "main")
	runGit(t, repoDir, "config", "user.name", "tester")
	runGit(t, repoDir, "config", "user.email", "tester@example.com")
	if err := os.WriteFile(filepath.Join(repoDir, "README.md"), []byte("hi\n"), 0644); err != nil {
		t.Fatal(err)
	}
	runGit(t, repoDir, "add", "-A")
	runGit(t, repoDir, "commit", "-m", "initial commit")

	repo := store.NewMemoryRepository()
	project := &store.Project{ID: uuid.New(), Name: "demo", GitRepoPath: repoDir}
	repo.PutProject(project)

	task := &store.Task{ID: uuid.New(), ProjectID: project.ID, Title: "Fix bug", Status: store.TaskTodo}
	repo.PutTask(task)

	attempt := &store.TaskAttempt{ID: uuid.New(), TaskID: task.ID, BaseBranch: "main", Branch: "vk-a1b2-fix-bug"}
	repo.PutAttempt(attempt)

	return repoDir, repo, task, attempt
}

func waitForTerminal(t *testing.T, repo *store.MemoryRepository, processID uuid.UUID, timeout time.Duration) *store.ExecutionProcess {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		p, err := repo.GetProcess(context.Background(), processID)
		if err != nil {
			t.Fatalf("GetProcess: %v", err)
		}
		if p.Status.IsTerminal() {
			return p
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("timed out waiting for process to reach a terminal status")
	return nil
}

func TestStartExecutionProcessRunsScriptAndAdvancesTask(t *testing.T) {
	_, repo, task, attempt := seedProject(t)
	mgr := NewManager(repo, executor.NewRegistry())
	ctx := context.Background()

	action := &store.ExecutorAction{
		Kind:   store.ActionScriptRequest,
		Script: &store.ScriptRequest{Script: "echo building > out.txt", Language: "bash", Context: store.ScriptContextSetup},
	}

	proc, err := mgr.StartExecutionProcess(ctx, attempt, action, store.RunReasonSetupScript)
	if err != nil {
		t.Fatalf("StartExecutionProcess: %v", err)
	}

	got := waitForTerminal(t, repo, proc.ID, 5*time.Second)
	if got.Status != store.ProcessCompleted {
		t.Fatalf("expected COMPLETED, got %s", got.Status)
	}

	reloadedTask, err := repo.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if reloadedTask.Status != store.TaskInReview {
		t.Fatalf("expected task IN_REVIEW after chain with no next_action, got %s", reloadedTask.Status)
	}
}

func TestStartExecutionProcessDispatchesNextAction(t *testing.T) {
	_, repo, _, attempt := seedProject(t)
	mgr := NewManager(repo, executor.NewRegistry())
	ctx := context.Background()

	second := &store.ExecutorAction{
		Kind:   store.ActionScriptRequest,
		Script: &store.ScriptRequest{Script: "echo cleanup", Language: "bash", Context: store.ScriptContextCleanup},
	}
	first := &store.ExecutorAction{
		Kind:       store.ActionScriptRequest,
		Script:     &store.ScriptRequest{Script: "echo setup", Language: "bash", Context: store.ScriptContextSetup},
		NextAction: second,
	}

	proc, err := mgr.StartExecutionProcess(ctx, attempt, first, store.RunReasonSetupScript)
	if err != nil {
		t.Fatalf("StartExecutionProcess: %v", err)
	}
	firstDone := waitForTerminal(t, repo, proc.ID, 5*time.Second)
	if firstDone.Status != store.ProcessCompleted {
		t.Fatalf("expected first action COMPLETED, got %s", firstDone.Status)
	}

	// Give the async next_action dispatch a moment to persist its own
	// ExecutionProcess row before scanning for it.
	deadline := time.Now().Add(5 * time.Second)
	var foundSecond bool
	for time.Now().Before(deadline) {
		running, _ := repo.ListRunning(ctx)
		if len(running) > 0 {
			foundSecond = true
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if !foundSecond {
		t.Fatalf("expected next_action to have been dispatched as a new running process")
	}
}

func TestStartExecutionProcessFailsOnNonZeroExit(t *testing.T) {
	_, repo, task, attempt := seedProject(t)
	mgr := NewManager(repo, executor.NewRegistry())
	ctx := context.Background()

	action := &store.ExecutorAction{
		Kind:   store.ActionScriptRequest,
		Script: &store.ScriptRequest{Script: "exit 3", Language: "bash"},
		NextAction: &store.ExecutorAction{
			Kind:   store.ActionScriptRequest,
			Script: &store.ScriptRequest{Script: "echo should-not-run", Language: "bash"},
		},
	}
	proc, err := mgr.StartExecutionProcess(ctx, attempt, action, store.RunReasonSetupScript)
	if err != nil {
		t.Fatalf("StartExecutionProcess: %v", err)
	}
	got := waitForTerminal(t, repo, proc.ID, 5*time.Second)
	if got.Status != store.ProcessFailed {
		t.Fatalf("expected FAILED, got %s", got.Status)
	}
	if got.ExitCode == nil || *got.ExitCode != 3 {
		t.Fatalf("expected exit code 3, got %v", got.ExitCode)
	}

	// Spec §7: a FAILED process must not dispatch next_action, must not
	// finalize, and must leave the task IN_PROGRESS for the user to retry.
	time.Sleep(300 * time.Millisecond)
	if running, _ := repo.ListRunning(ctx); len(running) != 0 {
		t.Fatalf("expected next_action not dispatched after FAILED, found %d running processes", len(running))
	}
	reloadedTask, err := repo.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if reloadedTask.Status != store.TaskInProgress {
		t.Fatalf("expected task to remain IN_PROGRESS after FAILED process, got %s", reloadedTask.Status)
	}
}

func TestDevServerNeverAdvancesTaskStatus(t *testing.T) {
	_, repo, task, attempt := seedProject(t)
	mgr := NewManager(repo, executor.NewRegistry())
	ctx := context.Background()

	action := &store.ExecutorAction{
		Kind:   store.ActionScriptRequest,
		Script: &store.ScriptRequest{Script: "echo serving", Language: "bash"},
	}
	proc, err := mgr.StartExecutionProcess(ctx, attempt, action, store.RunReasonDevServer)
	if err != nil {
		t.Fatalf("StartExecutionProcess: %v", err)
	}
	waitForTerminal(t, repo, proc.ID, 5*time.Second)

	reloaded, err := repo.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if reloaded.Status != store.TaskTodo {
		t.Fatalf("expected task status untouched by dev server (still TODO), got %s", reloaded.Status)
	}
}

func TestStopExecutionMarksKilledAndSkipsReview(t *testing.T) {
	_, repo, _, attempt := seedProject(t)
	mgr := NewManager(repo, executor.NewRegistry())
	ctx := context.Background()

	action := &store.ExecutorAction{
		Kind:   store.ActionScriptRequest,
		Script: &store.ScriptRequest{Script: "sleep 30", Language: "bash"},
	}
	proc, err := mgr.StartExecutionProcess(ctx, attempt, action, store.RunReasonCodingAgent)
	if err != nil {
		t.Fatalf("StartExecutionProcess: %v", err)
	}

	time.Sleep(100 * time.Millisecond)
	if err := mgr.StopExecution(ctx, proc.ID); err != nil {
		t.Fatalf("StopExecution: %v", err)
	}

	got := waitForTerminal(t, repo, proc.ID, 5*time.Second)
	if got.Status != store.ProcessKilled {
		t.Fatalf("expected KILLED, got %s", got.Status)
	}
}

func TestStopDevServerKillsRegisteredProcessOnly(t *testing.T) {
	_, repo, _, attempt := seedProject(t)
	mgr := NewManager(repo, executor.NewRegistry())
	ctx := context.Background()

	if err := mgr.StopDevServer(ctx, attempt.ID); err != nil {
		t.Fatalf("StopDevServer with none registered should be a no-op, got: %v", err)
	}

	action := &store.ExecutorAction{
		Kind:   store.ActionScriptRequest,
		Script: &store.ScriptRequest{Script: "sleep 30", Language: "bash"},
	}
	proc, err := mgr.StartExecutionProcess(ctx, attempt, action, store.RunReasonDevServer)
	if err != nil {
		t.Fatalf("StartExecutionProcess: %v", err)
	}
	time.Sleep(100 * time.Millisecond)

	if err := mgr.StopDevServer(ctx, attempt.ID); err != nil {
		t.Fatalf("StopDevServer: %v", err)
	}
	got := waitForTerminal(t, repo, proc.ID, 5*time.Second)
	if got.Status != store.ProcessKilled {
		t.Fatalf("expected KILLED, got %s", got.Status)
	}
}

func TestReconcileMarksOrphanedRunningProcessesFailed(t *testing.T) {
	_, repo, _, attempt := seedProject(t)
	ctx := context.Background()

	orphan := &store.ExecutionProcess{ID: uuid.New(), TaskAttemptID: attempt.ID, Status: store.ProcessRunning}
	if err := repo.CreateProcess(ctx, orphan); err != nil {
		t.Fatalf("CreateProcess: %v", err)
	}

	mgr := NewManager(repo, executor.NewRegistry())
	n, err := mgr.Reconcile(ctx)
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 reconciled process, got %d", n)
	}

	got, err := repo.GetProcess(ctx, orphan.ID)
	if err != nil {
		t.Fatalf("GetProcess: %v", err)
	}
	if got.Status != store.ProcessFailed {
		t.Fatalf("expected orphaned process marked FAILED, got %s", got.Status)
	}
}

func TestAutoCommitOnSuccessfulScript(t *testing.T) {
	repoDir, repo, _, attempt := seedProject(t)
	mgr := NewManager(repo, executor.NewRegistry())
	ctx := context.Background()

	action := &store.ExecutorAction{
		Kind:   store.ActionScriptRequest,
		Script: &store.ScriptRequest{Script: "echo data > generated.txt", Language: "bash"},
	}
	proc, err := mgr.StartExecutionProcess(ctx, attempt, action, store.RunReasonSetupScript)
	if err != nil {
		t.Fatalf("StartExecutionProcess: %v", err)
	}
	waitForTerminal(t, repo, proc.ID, 5*time.Second)

	worktreePath := filepath.Join(os.TempDir(), "vibe-kanban", "worktrees", attempt.Branch)
	log := runGit(t, worktreePath, "log", "--oneline", "-1")
	if !strings.Contains(log, string(store.RunReasonSetupScript)) {
		t.Fatalf("expected auto-commit message referencing run reason, got %q", log)
	}
	_ = repoDir
}

func TestProcessOutputPersistedToDurableLog(t *testing.T) {
	_, repo, _, attempt := seedProject(t)
	mgr := NewManager(repo, executor.NewRegistry())
	ctx := context.Background()

	action := &store.ExecutorAction{
		Kind:   store.ActionScriptRequest,
		Script: &store.ScriptRequest{Script: "echo durable-line", Language: "bash"},
	}
	proc, err := mgr.StartExecutionProcess(ctx, attempt, action, store.RunReasonSetupScript)
	if err != nil {
		t.Fatalf("StartExecutionProcess: %v", err)
	}
	waitForTerminal(t, repo, proc.ID, 5*time.Second)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		logs, err := repo.ListProcessLogs(ctx, proc.ID)
		if err != nil {
			t.Fatalf("ListProcessLogs: %v", err)
		}
		for _, l := range logs {
			if l.Kind == store.LogStdout && strings.Contains(l.Content, "durable-line") {
				return
			}
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("expected the script's stdout line to reach the durable log table")
}

func TestStartExecutionProcessRejectsDeletedWorktree(t *testing.T) {
	_, repo, _, attempt := seedProject(t)
	mgr := NewManager(repo, executor.NewRegistry())

	attempt.WorktreeDeleted = true
	action := &store.ExecutorAction{
		Kind:   store.ActionScriptRequest,
		Script: &store.ScriptRequest{Script: "true", Language: "bash"},
	}
	if _, err := mgr.StartExecutionProcess(context.Background(), attempt, action, store.RunReasonSetupScript); err == nil {
		t.Fatalf("expected spawn rejection for a deleted worktree")
	}
}

func TestDeleteAttemptMarksDeletedAndBlocksFurtherSpawns(t *testing.T) {
	_, repo, _, attempt := seedProject(t)
	mgr := NewManager(repo, executor.NewRegistry())
	ctx := context.Background()

	action := &store.ExecutorAction{
		Kind:   store.ActionScriptRequest,
		Script: &store.ScriptRequest{Script: "true", Language: "bash"},
	}
	proc, err := mgr.StartExecutionProcess(ctx, attempt, action, store.RunReasonSetupScript)
	if err != nil {
		t.Fatalf("StartExecutionProcess: %v", err)
	}
	waitForTerminal(t, repo, proc.ID, 5*time.Second)

	if err := mgr.DeleteAttempt(ctx, attempt); err != nil {
		t.Fatalf("DeleteAttempt: %v", err)
	}

	stored, err := repo.GetAttempt(ctx, attempt.ID)
	if err != nil {
		t.Fatalf("GetAttempt: %v", err)
	}
	if !stored.WorktreeDeleted {
		t.Fatalf("expected worktree_deleted persisted true")
	}

	if _, err := mgr.StartExecutionProcess(ctx, attempt, action, store.RunReasonSetupScript); err == nil {
		t.Fatalf("expected no further spawns after DeleteAttempt")
	}
}

func TestNotifierFiresOnceOnFinalize(t *testing.T) {
	_, repo, task, attempt := seedProject(t)
	mgr := NewManager(repo, executor.NewRegistry())
	ctx := context.Background()

	notified := make(chan store.TaskStatus, 1)
	mgr.SetNotifier(func(finalized *store.Task) {
		notified <- finalized.Status
	})

	action := &store.ExecutorAction{
		Kind:   store.ActionScriptRequest,
		Script: &store.ScriptRequest{Script: "true", Language: "bash"},
	}
	proc, err := mgr.StartExecutionProcess(ctx, attempt, action, store.RunReasonCodingAgent)
	if err != nil {
		t.Fatalf("StartExecutionProcess: %v", err)
	}
	waitForTerminal(t, repo, proc.ID, 5*time.Second)

	select {
	case status := <-notified:
		if status != store.TaskInReview {
			t.Fatalf("expected notification with IN_REVIEW, got %s", status)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("expected the finalize notifier to fire")
	}
	_ = task
}

func TestStartExecutionProcessMaterializesCopyFiles(t *testing.T) {
	repoDir, repo, task, attempt := seedProject(t)
	ctx := context.Background()

	if err := os.WriteFile(filepath.Join(repoDir, ".env"), []byte("SECRET=1\n"), 0644); err != nil {
		t.Fatal(err)
	}
	project, err := repo.GetProject(ctx, task.ProjectID)
	if err != nil {
		t.Fatalf("GetProject: %v", err)
	}
	project.CopyFiles = ".env"
	repo.PutProject(project)

	mgr := NewManager(repo, executor.NewRegistry())
	action := &store.ExecutorAction{
		Kind:   store.ActionScriptRequest,
		Script: &store.ScriptRequest{Script: "true", Language: "bash"},
	}
	proc, err := mgr.StartExecutionProcess(ctx, attempt, action, store.RunReasonSetupScript)
	if err != nil {
		t.Fatalf("StartExecutionProcess: %v", err)
	}
	waitForTerminal(t, repo, proc.ID, 5*time.Second)

	worktreePath := filepath.Join(os.TempDir(), "vibe-kanban", "worktrees", attempt.Branch)
	data, err := os.ReadFile(filepath.Join(worktreePath, ".env"))
	if err != nil {
		t.Fatalf("expected .env materialized into the worktree: %v", err)
	}
	if !strings.Contains(string(data), "SECRET=1") {
		t.Fatalf("unexpected .env content: %q", data)
	}
}

func TestStartExecutionProcessMaterializesTaskImages(t *testing.T) {
	_, repo, task, attempt := seedProject(t)
	ctx := context.Background()

	imgPath := filepath.Join(t.TempDir(), "screenshot.png")
	if err := os.WriteFile(imgPath, []byte("png-bytes"), 0644); err != nil {
		t.Fatal(err)
	}
	task.Images = []string{imgPath}
	repo.PutTask(task)

	reg := executor.NewRegistry()
	reg.Register("claude", &executor.CLISpawner{Command: "true"})
	mgr := NewManager(repo, reg)

	action := &store.ExecutorAction{
		Kind: store.ActionCodingAgentInitialRequest,
		AgentInit: &store.CodingAgentInitialRequest{
			Prompt:         "See screenshot.png for the bug",
			ProfileVariant: store.ProfileVariant{Profile: "claude"},
		},
	}
	proc, err := mgr.StartExecutionProcess(ctx, attempt, action, store.RunReasonCodingAgent)
	if err != nil {
		t.Fatalf("StartExecutionProcess: %v", err)
	}
	waitForTerminal(t, repo, proc.ID, 5*time.Second)

	worktreePath := filepath.Join(os.TempDir(), "vibe-kanban", "worktrees", attempt.Branch)
	materialized := filepath.Join(worktreePath, ".vibe-kanban", "images", "screenshot.png")
	if _, err := os.Stat(materialized); err != nil {
		t.Fatalf("expected image materialized at %s: %v", materialized, err)
	}

	sess, err := repo.GetSessionByProcess(ctx, proc.ID)
	if err != nil {
		t.Fatalf("GetSessionByProcess: %v", err)
	}
	if !strings.Contains(sess.Prompt, filepath.Join(".vibe-kanban", "images", "screenshot.png")) {
		t.Fatalf("expected session prompt canonicalized to the materialized path, got %q", sess.Prompt)
	}
}
