// Package executor layers retry, per-attempt timeout, and same-command loop
// protection on top of the raw RPC client.
package executor

import (
	"sync"
	"time"
)

// historyCap bounds each session's command history; the oldest entry is
// evicted first.
const historyCap = 50

// PendingCommand describes the command currently being attempted for a
// session. At most one exists per session at any instant.
type PendingCommand struct {
	Command   string
	StartTime time.Time
	Retries   int
}

// Store holds per-session command history and pending-command state. It is
// injected so multiple subsystem instances can coexist in one process; the
// executor is its only writer.
type Store interface {
	// AppendHistory records a command for the session, evicting the oldest
	// entry beyond the history cap.
	AppendHistory(sessionID, command string)
	// CountCommand returns how many history entries exactly match command.
	CountCommand(sessionID, command string) int
	// History returns the session's commands, oldest first.
	History(sessionID string) []string

	// BeginCommand registers a pending command for the session. It returns
	// false if the session already has one.
	BeginCommand(sessionID, command string, start time.Time) bool
	// SetRetries updates the pending command's retry counter.
	SetRetries(sessionID string, retries int)
	// EndCommand clears the session's pending command.
	EndCommand(sessionID string)
	// Pending returns the session's pending command, if any.
	Pending(sessionID string) (PendingCommand, bool)

	// ClearSession drops all state for the session.
	ClearSession(sessionID string)
}

// MemoryStore is the in-memory Store implementation.
type MemoryStore struct {
	mu      sync.Mutex
	history map[string][]string
	pending map[string]PendingCommand
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		history: make(map[string][]string),
		pending: make(map[string]PendingCommand),
	}
}

func (s *MemoryStore) AppendHistory(sessionID, command string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries := append(s.history[sessionID], command)
	if len(entries) > historyCap {
		entries = entries[len(entries)-historyCap:]
	}
	s.history[sessionID] = entries
}

func (s *MemoryStore) CountCommand(sessionID, command string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	count := 0
	for _, entry := range s.history[sessionID] {
		if entry == command {
			count++
		}
	}
	return count
}

func (s *MemoryStore) History(sessionID string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]string, len(s.history[sessionID]))
	copy(out, s.history[sessionID])
	return out
}

func (s *MemoryStore) BeginCommand(sessionID, command string, start time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, busy := s.pending[sessionID]; busy {
		return false
	}
	s.pending[sessionID] = PendingCommand{
		Command:   command,
		StartTime: start,
	}
	return true
}

func (s *MemoryStore) SetRetries(sessionID string, retries int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if pc, ok := s.pending[sessionID]; ok {
		pc.Retries = retries
		s.pending[sessionID] = pc
	}
}

func (s *MemoryStore) EndCommand(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.pending, sessionID)
}

func (s *MemoryStore) Pending(sessionID string) (PendingCommand, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pc, ok := s.pending[sessionID]
	return pc, ok
}

func (s *MemoryStore) ClearSession(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.history, sessionID)
	delete(s.pending, sessionID)
}
