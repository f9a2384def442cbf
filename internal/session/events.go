package session

import (
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"gangban/internal/chat"
)

type EventKind string

const (
	EventActiveRole     EventKind = "active_role"
	EventMessages       EventKind = "messages"
	EventSafety         EventKind = "safety"
	EventThread         EventKind = "thread"
	EventHistory        EventKind = "history"
	EventRecommendation EventKind = "recommendation"
	EventSelection      EventKind = "selection"
	EventError          EventKind = "error"
	EventBusy           EventKind = "busy"
	EventCleared        EventKind = "cleared"
)

// Event describes a state change. Consumers re-read the Manager snapshot;
// events carry just enough to decide whether that is worth doing.
type Event struct {
	Kind   EventKind `json:"kind"`
	Role   chat.Role `json:"role"`
	ID     string    `json:"id,omitempty"`
	Detail string    `json:"detail,omitempty"`
	At     time.Time `json:"at"`
}

type Notifier interface {
	Notify(Event)
}

type NotifierFunc func(Event)

func (f NotifierFunc) Notify(ev Event) {
	f(ev)
}

type nopNotifier struct{}

func (nopNotifier) Notify(Event) {}

func emit(n Notifier, kind EventKind, role chat.Role, id, detail string) {
	if n == nil {
		return
	}
	n.Notify(Event{Kind: kind, Role: role, ID: id, Detail: detail, At: time.Now().UTC()})
}

// tokenFactory hands out optimistic message ids that are unique for the
// process lifetime.
type tokenFactory struct {
	seed    string
	counter uint64
}

func newTokenFactory(seed string) *tokenFactory {
	clean := strings.TrimSpace(seed)
	if clean == "" {
		clean = strings.SplitN(uuid.NewString(), "-", 2)[0]
	}
	return &tokenFactory{seed: clean}
}

func (f *tokenFactory) next(prefix string) string {
	n := atomic.AddUint64(&f.counter, 1)
	return fmt.Sprintf("%s-%s-%d", prefix, f.seed, n)
}
