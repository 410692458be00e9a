package cli

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/vibe-kanban/orchestrator/internal/pipeline"
	"github.com/vibe-kanban/orchestrator/internal/store"
)

// chainPollInterval bounds how often followChain checks for the next link's
// process id or terminal status once the current link's stream has closed.
const chainPollInterval = 25 * time.Millisecond

// streamMode selects which MsgStore sub-stream followChain subscribes to.
type streamMode int

const (
	streamAll streamMode = iota
	streamRaw
	streamNormalized
)

// followChain prints every log link of the action chain rooted at action as
// the pipeline dispatches it: it streams the currently running process's
// MsgStore to completion, then — if that process is the one CLISpawner
// started for action and completed cleanly, and action has a NextAction —
// waits for the pipeline to dispatch the next link and repeats. It returns
// once the chain halts, either because its last link finished or because a
// link ended FAILED/KILLED.
func followChain(ctx context.Context, cmd *cobra.Command, mgr *pipeline.Manager, repo *store.MemoryRepository, attempt *store.TaskAttempt, action *store.ExecutorAction, firstProcID uuid.UUID, mode streamMode) error {
	cur := action
	procID := firstProcID

	for {
		ms := mgr.MsgStore(procID)
		if ms == nil {
			return nil
		}
		var history []store.LogMsg
		var stream <-chan store.LogMsg
		switch mode {
		case streamRaw:
			history, stream = ms.RawStream()
		case streamNormalized:
			history, stream = ms.NormalizedStream()
		default:
			history, stream = ms.HistoryPlusStream()
		}
		for _, msg := range history {
			printLogMsg(cmd, msg)
		}
		for msg := range stream {
			printLogMsg(cmd, msg)
		}

		if cur.NextAction == nil {
			return nil
		}

		proc, err := waitForTerminal(ctx, repo, procID)
		if err != nil {
			return err
		}
		if proc.Status != store.ProcessCompleted {
			return nil
		}

		procID = waitForNextProcess(mgr, attempt.ID, procID)
		cur = cur.NextAction
	}
}

// waitForTerminal polls the repository until processID's stored status is
// terminal. A process's MsgStore FINISHED sentinel closes before the
// process row itself is marked terminal, so a caller deciding whether to
// follow a NextAction must wait on the row, not just the stream.
func waitForTerminal(ctx context.Context, repo *store.MemoryRepository, processID uuid.UUID) (*store.ExecutionProcess, error) {
	for {
		proc, err := repo.GetProcess(ctx, processID)
		if err != nil {
			return nil, err
		}
		if proc.Status.IsTerminal() {
			return proc, nil
		}
		time.Sleep(chainPollInterval)
	}
}

// waitForNextProcess polls Manager.CurrentProcess for attemptID until it
// reports a process id other than prevID, i.e. until monitor has dispatched
// the chain's next link.
func waitForNextProcess(mgr *pipeline.Manager, attemptID, prevID uuid.UUID) uuid.UUID {
	for {
		if id, ok := mgr.CurrentProcess(attemptID); ok && id != prevID {
			return id
		}
		time.Sleep(chainPollInterval)
	}
}
