// Package executor runs one ExecutorAction chain against a worktree,
// dispatching each link to a profile-resolved Spawner. It generalizes the
// teacher's single cfg.Agent.Command/Args invocation
// (internal/engine/engine.go's invokeAgent) into a registry keyed by
// profile name, because this orchestrator supports several coding-agent
// CLIs rather than one configured agent per repo.
package executor

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/vibe-kanban/orchestrator/internal/msgstore"
	"github.com/vibe-kanban/orchestrator/internal/store"
	"github.com/vibe-kanban/orchestrator/internal/supervisor"
)

// Spawner starts one ExecutorAction in dir, streaming its output into ms,
// and returns the spawned process plus the session id it reports (empty if
// the action isn't a coding-agent variant or the CLI never reports one).
type Spawner interface {
	Spawn(dir string, action *store.ExecutorAction, ms *msgstore.MsgStore) (*supervisor.Process, error)
}

// Registry resolves a ProfileVariant.Profile to its Spawner, mirroring the
// teacher's single cfg.Agent field generalized to a lookup table.
type Registry struct {
	mu       sync.RWMutex
	spawners map[string]Spawner
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{spawners: make(map[string]Spawner)}
}

// Register associates profile (e.g. "claude", "codex", "amp", "cursor",
// "gemini", "opencode") with a Spawner.
func (r *Registry) Register(profile string, s Spawner) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.spawners[profile] = s
}

// Resolve looks up the Spawner for profile.
func (r *Registry) Resolve(profile string) (Spawner, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.spawners[profile]
	if !ok {
		return nil, fmt.Errorf("executor: no spawner registered for profile %q", profile)
	}
	return s, nil
}

// CLISpawner shells out to a configured CLI command, the generalized form
// of the teacher's cfg.Agent.Command/Args — one instance is registered per
// profile (Claude/Codex/Amp/Cursor/Gemini/Opencode), each just a thin
// argument-shape difference over the same supervisor.Spawn call.
type CLISpawner struct {
	// Command is the executable, e.g. "claude", "codex", "amp".
	Command string
	// InitialArgs/FollowUpArgs are appended before the prompt is passed via
	// stdin, letting each CLI's flag conventions (e.g. a --resume flag for
	// follow-ups) differ without a new Spawner type per profile.
	InitialArgs  []string
	FollowUpArgs func(sessionID string) []string
}

// Spawn implements Spawner.
func (c *CLISpawner) Spawn(dir string, action *store.ExecutorAction, ms *msgstore.MsgStore) (*supervisor.Process, error) {
	var prompt string
	var args []string

	switch action.Kind {
	case store.ActionCodingAgentInitialRequest:
		prompt = action.AgentInit.Prompt
		args = c.InitialArgs
	case store.ActionCodingAgentFollowUpRequest:
		prompt = action.AgentFollow.Prompt
		args = c.FollowUpArgs(action.AgentFollow.SessionID)
	default:
		return nil, fmt.Errorf("executor: CLISpawner cannot handle action kind %q", action.Kind)
	}

	proc, err := supervisor.Spawn(supervisor.Spec{
		Command: c.Command,
		Args:    args,
		Dir:     dir,
		Stdin:   prompt,
	})
	if err != nil {
		return nil, err
	}
	ms.SpawnForwarder(&normalizingChild{proc: proc, ms: ms})
	return proc, nil
}

// ScriptSpawner runs a ScriptRequest's script through an interpreter
// (Language selects the shebang-equivalent binary, e.g. "bash"/"python3"),
// mirroring the teacher's own literal shell invocation in commitChanges'
// sibling code path but generalized to an arbitrary Language.
type ScriptSpawner struct{}

// Spawn implements Spawner.
func (s *ScriptSpawner) Spawn(dir string, action *store.ExecutorAction, ms *msgstore.MsgStore) (*supervisor.Process, error) {
	if action.Kind != store.ActionScriptRequest {
		return nil, fmt.Errorf("executor: ScriptSpawner cannot handle action kind %q", action.Kind)
	}
	req := action.Script
	interpreter := req.Language
	if interpreter == "" {
		interpreter = "bash"
	}

	proc, err := supervisor.Spawn(supervisor.Spec{
		Command: interpreter,
		Args:    []string{"-c", req.Script},
		Dir:     dir,
	})
	if err != nil {
		return nil, err
	}
	ms.SpawnForwarder(proc)
	return proc, nil
}

// normalizingChild wraps a supervisor.Process so its stdout is translated
// through NormalizeLine before reaching the MsgStore (turning a coding
// agent's line-delimited JSON and SESSION_ID markers into JSON_PATCH /
// SESSION_ID LogMsgs instead of raw STDOUT passthrough), and its stderr
// lines additionally emit a diagnostic JSON_PATCH entry so a normalized-only
// subscriber still sees the agent's error output in its timeline.
type normalizingChild struct {
	proc *supervisor.Process
	ms   *msgstore.MsgStore
}

func (c *normalizingChild) Stdout() <-chan string {
	out := make(chan string)
	go func() {
		defer close(out)
		for line := range c.proc.Stdout() {
			msg := NormalizeLine(line)
			switch msg.Kind {
			case store.LogJSONPatch, store.LogSessionID:
				c.ms.Push(msg)
			default:
				out <- line
			}
		}
	}()
	return out
}

func (c *normalizingChild) Stderr() <-chan string {
	out := make(chan string)
	go func() {
		defer close(out)
		for line := range c.proc.Stderr() {
			c.ms.Push(DiagnosticPatch(line))
			out <- line
		}
	}()
	return out
}

func (c *normalizingChild) Done() <-chan struct{} { return c.proc.Done() }

// NormalizeLine converts one line of a coding agent's stdout into a LogMsg.
// A line that parses as JSON becomes a JSON_PATCH replacing the session's
// "/output" pointer with the decoded value; a line of the exact form
// "SESSION_ID: <id>" becomes a SESSION_ID message; anything else passes
// through unchanged as STDOUT (handled by the caller, not here).
func NormalizeLine(line string) store.LogMsg {
	trimmed := strings.TrimSpace(line)

	if id, ok := strings.CutPrefix(trimmed, "SESSION_ID: "); ok {
		return store.LogMsg{Kind: store.LogSessionID, SessionID: strings.TrimSpace(id)}
	}

	var decoded interface{}
	if trimmed != "" && json.Unmarshal([]byte(trimmed), &decoded) == nil {
		return store.LogMsg{
			Kind: store.LogJSONPatch,
			Patch: []store.PatchOp{
				{Op: "add", Path: "/output/-", Value: decoded},
			},
		}
	}

	return store.LogMsg{Kind: store.LogStdout, Content: line}
}

// DiagnosticPatch builds the JSON_PATCH entry a coding agent's stderr line
// is normalized into: an append to the conversation document's diagnostics
// array, so error output renders in a normalized subscriber's timeline
// without being mistaken for agent protocol output.
func DiagnosticPatch(line string) store.LogMsg {
	return store.LogMsg{
		Kind: store.LogJSONPatch,
		Patch: []store.PatchOp{
			{Op: "add", Path: "/diagnostics/-", Value: line},
		},
	}
}

// InitialMessagePatch builds the synthetic JSON_PATCH op that records a
// coding agent session's starting user prompt in its log, so a UI replaying
// history sees the user's message even though the agent CLI itself never
// echoes it. Pushing this is idempotent in the sense that it is only ever
// constructed once per ExecutionProcess, at dispatch time — callers must
// not call it again on retry/resume.
func InitialMessagePatch(prompt string) store.LogMsg {
	return store.LogMsg{
		Kind: store.LogJSONPatch,
		Patch: []store.PatchOp{
			{Op: "add", Path: "/entries/-", Value: map[string]string{
				"role":    "user",
				"content": prompt,
			}},
		},
	}
}

// BuildChain resolves a Spawner and Spawn's one ExecutorAction link,
// without following NextAction — the pipeline package owns chain
// traversal so it can persist/observe each link's ExecutionProcess
// independently.
func BuildChain(reg *Registry, dir string, action *store.ExecutorAction, ms *msgstore.MsgStore) (*supervisor.Process, error) {
	var profile string
	switch action.Kind {
	case store.ActionCodingAgentInitialRequest:
		profile = action.AgentInit.ProfileVariant.Profile
	case store.ActionCodingAgentFollowUpRequest:
		profile = action.AgentFollow.ProfileVariant.Profile
	case store.ActionScriptRequest:
		return (&ScriptSpawner{}).Spawn(dir, action, ms)
	default:
		return nil, fmt.Errorf("executor: unknown action kind %q", action.Kind)
	}

	spawner, err := reg.Resolve(profile)
	if err != nil {
		return nil, err
	}
	return spawner.Spawn(dir, action, ms)
}
