// Package msgstore is the per-process log bus: a bounded history plus a
// broadcast fan-out to any number of live subscribers. It generalizes the
// teacher's LogManager (internal/engine/engine.go) from per-concern append-only
// files to an in-memory bounded history with replay-then-tail semantics,
// because callers here are live HTTP/SSE subscribers rather than `tail -f`.
package msgstore

import (
	"sync"

	"github.com/vibe-kanban/orchestrator/internal/store"
)

// DefaultHistoryBytes bounds in-memory history per MsgStore (spec §4.B).
const DefaultHistoryBytes = 100 * 1024 * 1024

// subscriberQueueSize bounds each subscriber's channel. A full queue gets the
// subscriber disconnected rather than blocking the single writer, so one
// slow subscriber can never stall the producer or its peers.
const subscriberQueueSize = 1024

// MsgStore is a single-writer, multi-reader log bus scoped to one
// ExecutionProcess. It owns no file handle (unlike the teacher's
// per-concern log file) — history lives in memory, bounded by byte size.
type MsgStore struct {
	mu sync.Mutex

	history     []store.LogMsg
	historySize int
	maxBytes    int

	finished bool
	subs     map[int]chan store.LogMsg
	nextSub  int

	// appendFn, when set, is invoked synchronously for every raw
	// STDOUT/STDERR push — the realtime durable-logging hook the pipeline
	// points at its log table.
	appendFn func(store.LogMsg)

	closed bool
}

// New creates an empty MsgStore bounded at maxBytes of history (0 uses
// DefaultHistoryBytes).
func New(maxBytes int) *MsgStore {
	if maxBytes <= 0 {
		maxBytes = DefaultHistoryBytes
	}
	return &MsgStore{
		maxBytes: maxBytes,
		subs:     make(map[int]chan store.LogMsg),
	}
}

func msgByteSize(m store.LogMsg) int {
	n := len(m.Content) + len(m.SessionID) + 16
	for _, p := range m.Patch {
		n += len(p.Op) + len(p.Path) + 32
	}
	return n
}

// Push appends msg to history and fans it out to every live subscriber.
// Pushing after FINISHED has been recorded is a no-op: FINISHED is
// guaranteed to be the last message any subscriber ever observes.
func (s *MsgStore) Push(msg store.LogMsg) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pushLocked(msg)
}

// SetAppendCallback registers fn to be called for every raw STDOUT/STDERR
// message pushed from now on, so each captured line reaches durable storage
// as it arrives rather than only at process exit. Must be set before the
// forwarder starts pushing; there is no callback replay for history already
// recorded.
func (s *MsgStore) SetAppendCallback(fn func(store.LogMsg)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.appendFn = fn
}

func (s *MsgStore) pushLocked(msg store.LogMsg) {
	if s.finished {
		return
	}
	if msg.Kind == store.LogFinished {
		s.finished = true
	}

	if s.appendFn != nil && (msg.Kind == store.LogStdout || msg.Kind == store.LogStderr) {
		s.appendFn(msg)
	}

	s.history = append(s.history, msg)
	s.historySize += msgByteSize(msg)
	s.trimLocked()

	for id, ch := range s.subs {
		select {
		case ch <- msg:
			if msg.Kind == store.LogFinished {
				close(ch)
				delete(s.subs, id)
			}
		default:
			// Slow subscriber: disconnect rather than evict history it
			// already missed — spec backpressure is "disconnected", never a
			// silent gap in the stream.
			close(ch)
			delete(s.subs, id)
		}
	}
}

// trimLocked drops the oldest history entries until historySize fits within
// maxBytes. FINISHED is never trimmed because it is always the last entry
// and every subscriber must still be able to replay it.
func (s *MsgStore) trimLocked() {
	for s.historySize > s.maxBytes && len(s.history) > 1 {
		dropped := s.history[0]
		s.history = s.history[1:]
		s.historySize -= msgByteSize(dropped)
	}
}

// PushFinished records the terminal FINISHED sentinel. Idempotent: calling
// it more than once (e.g. both an exit-monitor callback and a defer) has no
// effect after the first call.
func (s *MsgStore) PushFinished() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finished {
		return
	}
	s.pushLocked(store.LogMsg{Kind: store.LogFinished})
}

// History returns a copy of the currently retained messages without
// subscribing, used by the pipeline's exit-time flush to the durable log
// table.
func (s *MsgStore) History() []store.LogMsg {
	s.mu.Lock()
	defer s.mu.Unlock()
	snapshot := make([]store.LogMsg, len(s.history))
	copy(snapshot, s.history)
	return snapshot
}

// Finished reports whether FINISHED has already been recorded.
func (s *MsgStore) Finished() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.finished
}

// HistoryPlusStream replays buffered history synchronously into the
// returned slice, then returns a channel that streams every subsequent
// Push live. The channel is closed once FINISHED is delivered, or
// immediately if FINISHED was already recorded before this call (the
// snapshot itself then already contains it).
func (s *MsgStore) HistoryPlusStream() ([]store.LogMsg, <-chan store.LogMsg) {
	s.mu.Lock()
	defer s.mu.Unlock()

	snapshot := make([]store.LogMsg, len(s.history))
	copy(snapshot, s.history)

	if s.finished {
		ch := make(chan store.LogMsg)
		close(ch)
		return snapshot, ch
	}

	ch := make(chan store.LogMsg, subscriberQueueSize)
	id := s.nextSub
	s.nextSub++
	s.subs[id] = ch
	return snapshot, ch
}

// RawStream filters history-plus-stream down to raw process output:
// STDOUT, STDERR, and the FINISHED terminator, dropping JSON_PATCH and
// SESSION_ID protocol messages.
func (s *MsgStore) RawStream() ([]store.LogMsg, <-chan store.LogMsg) {
	return s.filteredStream(isRawKind)
}

// NormalizedStream filters history-plus-stream down to the subset
// meaningful to a UI timeline: JSON_PATCH, SESSION_ID, and FINISHED,
// dropping raw STDOUT/STDERR passthrough. The executor's normalizer
// (internal/executor) is responsible for turning STDOUT lines into
// JSON_PATCH messages before they reach here.
func (s *MsgStore) NormalizedStream() ([]store.LogMsg, <-chan store.LogMsg) {
	return s.filteredStream(isNormalizedKind)
}

// filteredStream is the shared replay-then-tail form behind RawStream and
// NormalizedStream: history entries and live messages both pass through
// keep, with FINISHED always surviving as the terminator.
func (s *MsgStore) filteredStream(keep func(store.LogMsgKind) bool) ([]store.LogMsg, <-chan store.LogMsg) {
	snapshot, live := s.HistoryPlusStream()

	filteredSnapshot := make([]store.LogMsg, 0, len(snapshot))
	for _, m := range snapshot {
		if keep(m.Kind) {
			filteredSnapshot = append(filteredSnapshot, m)
		}
	}

	out := make(chan store.LogMsg, subscriberQueueSize)
	go func() {
		defer close(out)
		for m := range live {
			if keep(m.Kind) {
				out <- m
			}
		}
	}()
	return filteredSnapshot, out
}

func isNormalizedKind(k store.LogMsgKind) bool {
	switch k {
	case store.LogJSONPatch, store.LogSessionID, store.LogFinished:
		return true
	default:
		return false
	}
}

func isRawKind(k store.LogMsgKind) bool {
	switch k {
	case store.LogStdout, store.LogStderr, store.LogFinished:
		return true
	default:
		return false
	}
}

// LineWriter adapts one stdout/stderr callback into an io.Writer-compatible
// forwarder the Child Supervisor can hand a pty's read loop, mirroring the
// teacher's getLogFile-backed writer but pushing LogMsg values instead of
// appending bytes to a file.
type LineWriter struct {
	Store *MsgStore
	Kind  store.LogMsgKind
}

// Write pushes p as a single LogMsg of the configured Kind. Callers are
// expected to pass already-line-buffered chunks (internal/supervisor does
// the buffering), matching the teacher's line-oriented invokeAgent capture.
func (w *LineWriter) Write(p []byte) (int, error) {
	w.Store.Push(store.LogMsg{Kind: w.Kind, Content: string(p)})
	return len(p), nil
}

// SpawnForwarder wires a child process's stdout/stderr callbacks (as
// produced by internal/supervisor.Process) directly into this store, and
// pushes FINISHED once the forwarding goroutine observes the done channel
// close. child is typed as an interface here to avoid an import cycle with
// internal/supervisor; the concrete *supervisor.Process satisfies it.
type ChildStreams interface {
	Stdout() <-chan string
	Stderr() <-chan string
	Done() <-chan struct{}
}

// SpawnForwarder drains child's stdout/stderr channels into this store
// until Done() fires, then records FINISHED exactly once. It is safe to
// call PushFinished again afterward; it will simply no-op.
func (s *MsgStore) SpawnForwarder(child ChildStreams) {
	go func() {
		stdout := child.Stdout()
		stderr := child.Stderr()
		for {
			select {
			case line, ok := <-stdout:
				if !ok {
					stdout = nil
					break
				}
				s.Push(store.LogMsg{Kind: store.LogStdout, Content: line})
			case line, ok := <-stderr:
				if !ok {
					stderr = nil
					break
				}
				s.Push(store.LogMsg{Kind: store.LogStderr, Content: line})
			case <-child.Done():
				s.drainRemaining(stdout, stderr)
				s.PushFinished()
				return
			}
		}
	}()
}

// drainRemaining flushes any already-buffered lines after Done() fires, so
// the final output isn't lost to a select race between Done and the output
// channels.
func (s *MsgStore) drainRemaining(stdout, stderr <-chan string) {
	for stdout != nil || stderr != nil {
		select {
		case line, ok := <-stdout:
			if !ok {
				stdout = nil
				continue
			}
			s.Push(store.LogMsg{Kind: store.LogStdout, Content: line})
		case line, ok := <-stderr:
			if !ok {
				stderr = nil
				continue
			}
			s.Push(store.LogMsg{Kind: store.LogStderr, Content: line})
		default:
			return
		}
	}
}
