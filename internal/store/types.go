// Package store defines the orchestrator's data model and the repository
// interfaces the execution pipeline depends on. The relational store itself
// (schema, migrations, SQL driver) is out of scope; callers of this package
// supply a concrete Repository, typically backed by the application's own
// database layer.
package store

import (
	"time"

	"github.com/google/uuid"
)

// TaskStatus is the lifecycle state of a Task.
type TaskStatus string

const (
	TaskTodo       TaskStatus = "TODO"
	TaskInProgress TaskStatus = "IN_PROGRESS"
	TaskInReview   TaskStatus = "IN_REVIEW"
	TaskDone       TaskStatus = "DONE"
	TaskCancelled  TaskStatus = "CANCELLED"
)

// RunReason identifies why an ExecutionProcess was started.
type RunReason string

const (
	RunReasonSetupScript   RunReason = "SETUP_SCRIPT"
	RunReasonCodingAgent   RunReason = "CODING_AGENT"
	RunReasonCleanupScript RunReason = "CLEANUP_SCRIPT"
	RunReasonDevServer     RunReason = "DEV_SERVER"
)

// ProcessStatus is the lifecycle state of an ExecutionProcess. RUNNING is the
// only non-terminal state; once terminal a process never changes status.
type ProcessStatus string

const (
	ProcessRunning   ProcessStatus = "RUNNING"
	ProcessCompleted ProcessStatus = "COMPLETED"
	ProcessFailed    ProcessStatus = "FAILED"
	ProcessKilled    ProcessStatus = "KILLED"
)

// IsTerminal reports whether s is one of the terminal ProcessStatus values.
func (s ProcessStatus) IsTerminal() bool {
	switch s {
	case ProcessCompleted, ProcessFailed, ProcessKilled:
		return true
	}
	return false
}

// MergeKind distinguishes a direct squash-merge-back from a pull request.
type MergeKind string

const (
	MergeDirect MergeKind = "DIRECT"
	MergePR     MergeKind = "PR"
)

// PRStatus tracks a pull-request Merge's lifecycle. Transitions are monotone:
// OPEN -> {MERGED, CLOSED}.
type PRStatus string

const (
	PRStatusOpen   PRStatus = "OPEN"
	PRStatusMerged PRStatus = "MERGED"
	PRStatusClosed PRStatus = "CLOSED"
)

// Project is the caller-managed repository configuration an attempt is run
// against. It is immutable from the core's perspective during an attempt.
type Project struct {
	ID            uuid.UUID
	Name          string
	GitRepoPath   string
	SetupScript   string
	DevScript     string
	CleanupScript string
	// CopyFiles is a newline-separated list of glob patterns copied from
	// GitRepoPath into a freshly provisioned worktree.
	CopyFiles string
}

// Task is one unit of work against a Project.
type Task struct {
	ID                uuid.UUID
	ProjectID         uuid.UUID
	Title             string
	Description       string
	Status            TaskStatus
	ParentTaskAttempt *uuid.UUID
	// Images holds the on-disk paths of images attached to the task; each is
	// materialized into the attempt's worktree at a stable relative path and
	// the agent prompt canonicalized to match before the agent spawns.
	Images []string
}

// TaskAttempt is one execution of a Task against a dedicated worktree/branch.
type TaskAttempt struct {
	ID              uuid.UUID
	TaskID          uuid.UUID
	Profile         string
	BaseBranch      string
	Branch          string
	ContainerRef    string
	WorktreeDeleted bool
}

// ProfileVariant selects a Spawner and, optionally, a named variant of its
// behavior (e.g. a Claude "plan" vs "default" profile).
type ProfileVariant struct {
	Profile string
	Variant string
}

// ExecutorActionKind tags the variant held by an ExecutorAction.
type ExecutorActionKind string

const (
	ActionScriptRequest              ExecutorActionKind = "SCRIPT_REQUEST"
	ActionCodingAgentInitialRequest  ExecutorActionKind = "CODING_AGENT_INITIAL_REQUEST"
	ActionCodingAgentFollowUpRequest ExecutorActionKind = "CODING_AGENT_FOLLOW_UP_REQUEST"
)

// ScriptContext names which project script a ScriptRequest came from.
type ScriptContext string

const (
	ScriptContextSetup   ScriptContext = "setup_script"
	ScriptContextCleanup ScriptContext = "cleanup_script"
	ScriptContextPlain   ScriptContext = "script"
)

// ExecutorAction is a tagged union describing one step of an action chain.
// Exactly one of the *Request fields is populated, selected by Kind. NextAction
// forms a singly-linked chain; by construction it cannot cycle, and chains
// observed in practice never exceed depth 4.
type ExecutorAction struct {
	Kind ExecutorActionKind

	Script      *ScriptRequest
	AgentInit   *CodingAgentInitialRequest
	AgentFollow *CodingAgentFollowUpRequest

	NextAction *ExecutorAction
}

// ScriptRequest runs a shell script in the worktree.
type ScriptRequest struct {
	Script   string
	Language string
	Context  ScriptContext
}

// CodingAgentInitialRequest starts a fresh coding-agent session.
type CodingAgentInitialRequest struct {
	Prompt         string
	ProfileVariant ProfileVariant
}

// CodingAgentFollowUpRequest resumes a prior coding-agent session.
type CodingAgentFollowUpRequest struct {
	Prompt         string
	ProfileVariant ProfileVariant
	SessionID      string
}

// Depth returns the number of actions in the chain starting at a, counting a
// itself.
func (a *ExecutorAction) Depth() int {
	n := 0
	for cur := a; cur != nil; cur = cur.NextAction {
		n++
	}
	return n
}

// ExecutionProcess is one spawned child process belonging to a TaskAttempt.
type ExecutionProcess struct {
	ID              uuid.UUID
	TaskAttemptID   uuid.UUID
	RunReason       RunReason
	ExecutorAction  *ExecutorAction
	Status          ProcessStatus
	ExitCode        *int
	CreatedAt       time.Time
	CompletedAt     *time.Time
}

// ExecutorSession exists iff its ExecutionProcess's action is a coding-agent
// variant; it records the prompt that started (or resumed) the session.
type ExecutorSession struct {
	ID                uuid.UUID
	TaskAttemptID     uuid.UUID
	ExecutionProcessID uuid.UUID
	Prompt            string
	SessionID         string
}

// Merge records an integration of a TaskAttempt's branch back into a target
// branch, either as a direct squash-merge commit or as a pull request.
type Merge struct {
	ID            uuid.UUID
	TaskAttemptID uuid.UUID
	Kind          MergeKind
	TargetBranch  string
	MergeCommit   string
	PRNumber      int
	PRURL         string
	PRStatus      PRStatus
	PRMergedAt    *time.Time
}

// LogMsgKind tags a LogMsg's payload interpretation.
type LogMsgKind string

const (
	LogStdout    LogMsgKind = "STDOUT"
	LogStderr    LogMsgKind = "STDERR"
	LogJSONPatch LogMsgKind = "JSON_PATCH"
	LogSessionID LogMsgKind = "SESSION_ID"
	LogFinished  LogMsgKind = "FINISHED"
)

// PatchOp is one RFC-6902-like JSON-PATCH operation.
type PatchOp struct {
	Op    string      `json:"op"`
	Path  string      `json:"path"`
	Value interface{} `json:"value,omitempty"`
}

// LogMsg is one entry in a MsgStore. FINISHED is guaranteed to be the last
// message a subscriber ever sees for a given execution.
type LogMsg struct {
	Kind      LogMsgKind
	Content   string
	Timestamp time.Time
	SessionID string
	Patch     []PatchOp
}
