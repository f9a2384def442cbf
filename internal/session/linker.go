package session

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"gangban/internal/api"
	"gangban/internal/chat"
)

// ErrNoLinkedQuery is recorded when an assistant turn has no preceding user
// message to query with.
var ErrNoLinkedQuery = errors.New("No linked user query found for this turn.")

type EntryState int

const (
	EntryUntried EntryState = iota
	EntryPending
	EntryReady
	EntryFailed
)

func (s EntryState) String() string {
	switch s {
	case EntryUntried:
		return "untried"
	case EntryPending:
		return "pending"
	case EntryReady:
		return "ready"
	case EntryFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Entry is the cached recommendation state for one assistant reply.
type Entry struct {
	State     EntryState
	Result    *api.RecommendationResponse
	Err       string
	Permanent bool
}

type CoordinateSource interface {
	Current() chat.Coordinates
}

type RecommendationBackend interface {
	PostRecommendations(ctx context.Context, req api.RecommendationRequest) (*api.RecommendationResponse, error)
	PostRecommendationHistory(ctx context.Context, req api.RecommendationHistoryRequest) (*api.RecommendationHistoryResponse, error)
}

// Linker caches local_guide recommendations keyed by assistant reply id.
type Linker struct {
	store      *Store
	backend    RecommendationBackend
	coords     CoordinateSource
	maxResults int
	travelMode string
	notify     Notifier
	logger     zerolog.Logger

	mu         sync.Mutex
	entries    map[string]Entry
	selected   string
	generation uint64
}

func NewLinker(store *Store, backend RecommendationBackend, coords CoordinateSource, cfg Config, notify Notifier, logger zerolog.Logger) *Linker {
	cfg = cfg.withDefaults()
	if notify == nil {
		notify = nopNotifier{}
	}
	return &Linker{
		store:      store,
		backend:    backend,
		coords:     coords,
		maxResults: cfg.MaxResults,
		travelMode: cfg.TravelMode,
		notify:     notify,
		logger:     logger,
		entries:    map[string]Entry{},
	}
}

// EnsureLinked fetches recommendations for the turn unless its entry is
// pending, ready, or permanently failed. The query is the user message that
// preceded the reply.
func (l *Linker) EnsureLinked(ctx context.Context, assistantID string) error {
	query, ok := chat.PrecedingUserQuery(l.store.Messages(chat.LocalGuide), assistantID)
	if !ok {
		l.mu.Lock()
		entry := l.entries[assistantID]
		if entry.State == EntryPending || entry.State == EntryReady {
			l.mu.Unlock()
			return nil
		}
		l.entries[assistantID] = Entry{State: EntryFailed, Err: ErrNoLinkedQuery.Error(), Permanent: true}
		l.mu.Unlock()
		emit(l.notify, EventRecommendation, chat.LocalGuide, assistantID, EntryFailed.String())
		return ErrNoLinkedQuery
	}
	return l.link(ctx, assistantID, query)
}

func (l *Linker) link(ctx context.Context, assistantID, query string) error {
	if assistantID == "" {
		return nil
	}
	gen, ok := l.claim(assistantID)
	if !ok {
		return nil
	}
	emit(l.notify, EventRecommendation, chat.LocalGuide, assistantID, EntryPending.String())

	coords := chat.Coordinates{}
	if l.coords != nil {
		coords = l.coords.Current()
	}
	resp, err := l.backend.PostRecommendations(ctx, api.RecommendationRequest{
		UserID:        l.store.UserID(),
		Role:          chat.LocalGuide.String(),
		Query:         query,
		Latitude:      coords.Latitude,
		Longitude:     coords.Longitude,
		ChatRequestID: assistantID,
		MaxResults:    l.maxResults,
		TravelMode:    l.travelMode,
	})

	entry := Entry{State: EntryReady, Result: resp}
	if err != nil {
		entry = Entry{State: EntryFailed, Err: err.Error(), Permanent: permanent(err)}
	}
	if !l.complete(gen, assistantID, entry) {
		return nil
	}
	emit(l.notify, EventRecommendation, chat.LocalGuide, assistantID, entry.State.String())
	if err != nil {
		l.logger.Debug().Err(err).Str("request_id", assistantID).Bool("permanent", entry.Permanent).Msg("recommendation fetch failed")
		return errors.Wrapf(err, "link recommendations for %s", assistantID)
	}
	return nil
}

func (l *Linker) claim(id string) (uint64, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.store.Closed() {
		return 0, false
	}
	entry := l.entries[id]
	switch entry.State {
	case EntryPending, EntryReady:
		return 0, false
	case EntryFailed:
		if entry.Permanent {
			return 0, false
		}
	}
	l.entries[id] = Entry{State: EntryPending}
	return l.generation, true
}

func (l *Linker) complete(gen uint64, id string, entry Entry) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if gen != l.generation || l.store.Closed() {
		return false
	}
	l.entries[id] = entry
	return true
}

// Select marks a turn as explicitly chosen and links it.
func (l *Linker) Select(ctx context.Context, assistantID string) error {
	l.selectID(assistantID)
	return l.EnsureLinked(ctx, assistantID)
}

func (l *Linker) selectID(assistantID string) {
	l.mu.Lock()
	l.selected = assistantID
	l.mu.Unlock()
	emit(l.notify, EventSelection, chat.LocalGuide, assistantID, "")
}

// Reconcile links the displayed turn when nothing has been tried for it yet.
func (l *Linker) Reconcile(ctx context.Context) error {
	turn, ok := l.SelectedTurn()
	if !ok {
		return nil
	}
	if l.Entry(turn.AssistantMessageID).State != EntryUntried {
		return nil
	}
	return l.EnsureLinked(ctx, turn.AssistantMessageID)
}

func (l *Linker) Turns() []chat.Turn {
	return chat.DeriveTurns(l.store.Messages(chat.LocalGuide))
}

// SelectedTurn is the explicit selection while it still names a turn, the
// newest turn otherwise.
func (l *Linker) SelectedTurn() (chat.Turn, bool) {
	turns := l.Turns()
	if len(turns) == 0 {
		return chat.Turn{}, false
	}
	l.mu.Lock()
	selected := l.selected
	l.mu.Unlock()
	if selected != "" {
		for _, turn := range turns {
			if turn.AssistantMessageID == selected {
				return turn, true
			}
		}
	}
	return turns[len(turns)-1], true
}

func (l *Linker) Entry(assistantID string) Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.entries[assistantID]
}

// Restore loads previously computed recommendations for the given replies
// in one batch call and selects the newest of them.
func (l *Linker) Restore(ctx context.Context, assistantIDs []string) error {
	return l.restore(ctx, l.currentGeneration(), assistantIDs)
}

// restore applies results only while the cache is still at gen.
func (l *Linker) restore(ctx context.Context, gen uint64, assistantIDs []string) error {
	if len(assistantIDs) == 0 {
		return nil
	}

	resp, err := l.backend.PostRecommendationHistory(ctx, api.RecommendationHistoryRequest{
		UserID:     l.store.UserID(),
		Role:       chat.LocalGuide.String(),
		RequestIDs: assistantIDs,
	})
	if err == nil {
		l.mu.Lock()
		if gen == l.generation && !l.store.Closed() {
			for i := range resp.Results {
				result := resp.Results[i]
				if l.entries[result.RequestID].State == EntryPending {
					continue
				}
				l.entries[result.RequestID] = Entry{State: EntryReady, Result: &result}
			}
		}
		l.mu.Unlock()
		emit(l.notify, EventRecommendation, chat.LocalGuide, "", "restored")
	}
	if l.currentGeneration() != gen {
		return nil
	}
	l.selectID(assistantIDs[len(assistantIDs)-1])
	if err != nil {
		return errors.Wrap(err, "restore recommendations")
	}
	return nil
}

func (l *Linker) currentGeneration() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.generation
}

// Reset drops every entry and the selection. Fetches still in flight are
// discarded when they land.
func (l *Linker) Reset() {
	l.mu.Lock()
	l.entries = map[string]Entry{}
	l.selected = ""
	l.generation++
	l.mu.Unlock()
	emit(l.notify, EventRecommendation, chat.LocalGuide, "", "reset")
}

func permanent(err error) bool {
	var statusErr *api.StatusError
	if errors.As(err, &statusErr) {
		return statusErr.Permanent()
	}
	return false
}
