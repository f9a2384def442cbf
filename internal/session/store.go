package session

import (
	"sync"

	"gangban/internal/chat"
)

// HistoryState tracks one role's server-history hydration.
type HistoryState int

const (
	HistoryNotStarted HistoryState = iota
	HistoryLoading
	HistoryLoaded
	HistoryFailed
)

func (s HistoryState) String() string {
	switch s {
	case HistoryNotStarted:
		return "not_started"
	case HistoryLoading:
		return "loading"
	case HistoryLoaded:
		return "loaded"
	case HistoryFailed:
		return "failed"
	default:
		return "unknown"
	}
}

type partition struct {
	threadID      string
	messages      []chat.Message
	bannerVisible bool
	lastSafety    *chat.Safety
	history       HistoryState
	historyErr    string
	// epoch is bumped by every clear; results captured under an older
	// epoch are dropped.
	epoch uint64
}

// Store is the per-role session state. Every write names its role
// explicitly; the active role is only read by the send path, which captures
// it once under the lock.
type Store struct {
	mu         sync.RWMutex
	userID     string
	active     chat.Role
	parts      chat.PerRole[partition]
	sessionErr string
	closed     bool
}

func NewStore(userID string, initial chat.Role) *Store {
	if !initial.Valid() {
		initial = chat.Companion
	}
	s := &Store{userID: userID, active: initial}
	for _, role := range chat.Roles {
		s.parts[role].threadID = chat.DefaultThreadID(userID, role)
	}
	return s
}

func (s *Store) UserID() string {
	return s.userID
}

func (s *Store) ActiveRole() chat.Role {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.active
}

func (s *Store) SetActiveRole(role chat.Role) {
	if !role.Valid() {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.active = role
}

func (s *Store) AppendMessage(role chat.Role, msg chat.Message) {
	s.mutate(role, func(p *partition) {
		p.messages = append(p.messages, msg)
	})
}

func (s *Store) SetSafety(role chat.Role, safety chat.Safety) {
	s.mutate(role, func(p *partition) {
		p.lastSafety = &safety
	})
}

func (s *Store) SetBanner(role chat.Role, visible bool) {
	s.mutate(role, func(p *partition) {
		p.bannerVisible = visible
	})
}

// ReplaceThreadID swaps the role's thread wholesale. Empty ids are ignored.
func (s *Store) ReplaceThreadID(role chat.Role, id string) {
	if id == "" {
		return
	}
	s.mutate(role, func(p *partition) {
		p.threadID = id
	})
}

// ClearRole empties the role's log and safety state and makes its history
// eligible for hydration again. The thread id is left alone.
func (s *Store) ClearRole(role chat.Role) {
	s.resetRole(role, "")
}

// resetRole clears the role and, when threadID is set, moves it to that
// thread in the same critical section. Hydrations and replies started
// before the reset no longer apply.
func (s *Store) resetRole(role chat.Role, threadID string) {
	s.mutate(role, func(p *partition) {
		if threadID != "" {
			p.threadID = threadID
		}
		p.messages = nil
		p.lastSafety = nil
		p.bannerVisible = false
		p.history = HistoryNotStarted
		p.historyErr = ""
		p.epoch++
	})
}

func (s *Store) ThreadID(role chat.Role) string {
	if !role.Valid() {
		return ""
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.parts[role].threadID
}

// Messages returns a copy of the role's log.
func (s *Store) Messages(role chat.Role) []chat.Message {
	if !role.Valid() {
		return nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]chat.Message(nil), s.parts[role].messages...)
}

// Epoch counts the clears the role has been through.
func (s *Store) Epoch(role chat.Role) uint64 {
	if !role.Valid() {
		return 0
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.parts[role].epoch
}

func (s *Store) Banner(role chat.Role) bool {
	if !role.Valid() {
		return false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.parts[role].bannerVisible
}

func (s *Store) Safety(role chat.Role) *chat.Safety {
	if !role.Valid() {
		return nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.parts[role].lastSafety == nil {
		return nil
	}
	safety := *s.parts[role].lastSafety
	return &safety
}

// History returns the role's hydration state and its last failure, if any.
func (s *Store) History(role chat.Role) (HistoryState, string) {
	if !role.Valid() {
		return HistoryNotStarted, ""
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.parts[role].history, s.parts[role].historyErr
}

// SetError records the single session-wide error.
func (s *Store) SetError(msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.sessionErr = msg
}

func (s *Store) Err() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sessionErr
}

func (s *Store) DismissError() {
	s.SetError("")
}

// Close makes every later mutation a no-op.
func (s *Store) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
}

func (s *Store) Closed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.closed
}

func (s *Store) mutate(role chat.Role, fn func(p *partition)) {
	if !role.Valid() {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	fn(&s.parts[role])
}

// beginHydration moves the role to Loading and returns the thread to fetch
// with the partition epoch. It reports false when the role is already
// loading or loaded.
func (s *Store) beginHydration(role chat.Role) (string, uint64, bool) {
	if !role.Valid() {
		return "", 0, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return "", 0, false
	}
	p := &s.parts[role]
	switch p.history {
	case HistoryLoading, HistoryLoaded:
		return "", 0, false
	}
	p.history = HistoryLoading
	p.historyErr = ""
	return p.threadID, p.epoch, true
}

// applyHydration merges a hydrated log into the role and reports whether the
// local log was empty at apply time. Safety is only applied in that case.
func (s *Store) applyHydration(role chat.Role, epoch uint64, threadID string, hydrated []chat.Message, latest *chat.Safety, banner bool) (wasEmpty bool, applied bool) {
	if !role.Valid() {
		return false, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, false
	}
	p := &s.parts[role]
	if p.epoch != epoch {
		return false, false
	}
	if threadID != "" {
		p.threadID = threadID
	}
	wasEmpty = len(p.messages) == 0
	p.messages = mergeHistory(hydrated, p.messages)
	if wasEmpty {
		if latest != nil {
			safety := *latest
			p.lastSafety = &safety
		} else {
			p.lastSafety = nil
		}
		p.bannerVisible = banner
	}
	p.history = HistoryLoaded
	p.historyErr = ""
	return wasEmpty, true
}

func (s *Store) failHydration(role chat.Role, epoch uint64, msg string) bool {
	applied := false
	s.mutate(role, func(p *partition) {
		if p.epoch != epoch {
			return
		}
		applied = true
		p.history = HistoryFailed
		p.historyErr = msg
	})
	return applied
}

// captureSend appends the optimistic user message to the active role and
// returns that role with its thread and epoch, in one critical section.
func (s *Store) captureSend(msg chat.Message) (chat.Role, string, uint64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, "", 0, false
	}
	role := s.active
	p := &s.parts[role]
	p.messages = append(p.messages, msg)
	return role, p.threadID, p.epoch, true
}

// applyReply lands a confirmed reply on the captured role unless the role
// was cleared since the send. The banner only ever goes up here.
func (s *Store) applyReply(role chat.Role, epoch uint64, msg chat.Message, threadID string, safety chat.Safety) bool {
	if !role.Valid() {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	p := &s.parts[role]
	if p.epoch != epoch {
		return false
	}
	p.messages = append(p.messages, msg)
	if threadID != "" {
		p.threadID = threadID
	}
	p.lastSafety = &safety
	if safety.ShowCrisisBanner {
		p.bannerVisible = true
	}
	return true
}

// mergeHistory concatenates hydrated then local and keeps the first
// occurrence of every id.
func mergeHistory(hydrated, local []chat.Message) []chat.Message {
	if len(local) == 0 {
		return append([]chat.Message(nil), hydrated...)
	}
	seen := make(map[string]struct{}, len(hydrated)+len(local))
	merged := make([]chat.Message, 0, len(hydrated)+len(local))
	for _, batch := range [][]chat.Message{hydrated, local} {
		for _, msg := range batch {
			if _, ok := seen[msg.ID]; ok {
				continue
			}
			seen[msg.ID] = struct{}{}
			merged = append(merged, msg)
		}
	}
	return merged
}
