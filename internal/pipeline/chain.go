package pipeline

import (
	"fmt"

	"github.com/vibe-kanban/orchestrator/internal/store"
)

// DerivePrompt builds a coding agent's initial prompt from a task's title
// and description: "Title: <title>\n\nDescription: <desc>", or just the
// title when the task has no description.
func DerivePrompt(task *store.Task) string {
	if task.Description == "" {
		return task.Title
	}
	return fmt.Sprintf("Title: %s\n\nDescription: %s", task.Title, task.Description)
}

// ComposePrompt prepends a non-interactive-mode preamble to a task-derived
// prompt, separated by a blank line. An empty preamble yields the prompt
// unchanged.
func ComposePrompt(preamble, prompt string) string {
	if preamble == "" {
		return prompt
	}
	return preamble + "\n\n" + prompt
}

// BuildActionChain constructs the ExecutorAction chain a fresh task attempt
// runs: Script(setup) -> CodingAgentInitial(prompt) -> [Script(cleanup)],
// with the setup and cleanup links omitted when project has no corresponding
// script configured.
func BuildActionChain(project *store.Project, prompt string, variant store.ProfileVariant) *store.ExecutorAction {
	agent := &store.ExecutorAction{
		Kind:      store.ActionCodingAgentInitialRequest,
		AgentInit: &store.CodingAgentInitialRequest{Prompt: prompt, ProfileVariant: variant},
	}

	if project.CleanupScript != "" {
		agent.NextAction = &store.ExecutorAction{
			Kind:   store.ActionScriptRequest,
			Script: &store.ScriptRequest{Script: project.CleanupScript, Context: store.ScriptContextCleanup},
		}
	}

	if project.SetupScript == "" {
		return agent
	}

	return &store.ExecutorAction{
		Kind:       store.ActionScriptRequest,
		Script:     &store.ScriptRequest{Script: project.SetupScript, Context: store.ScriptContextSetup},
		NextAction: agent,
	}
}

// RunReasonForAction maps an ExecutorAction's kind (and, for a
// ScriptRequest, its Context) to the RunReason an ExecutionProcess spawned
// from it should be recorded with.
func RunReasonForAction(action *store.ExecutorAction) store.RunReason {
	switch action.Kind {
	case store.ActionScriptRequest:
		if action.Script.Context == store.ScriptContextCleanup {
			return store.RunReasonCleanupScript
		}
		return store.RunReasonSetupScript
	default:
		return store.RunReasonCodingAgent
	}
}
