package session

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"gangban/internal/api"
	"gangban/internal/chat"
	"gangban/internal/geo"
)

const (
	DefaultHistoryLimit = 50
	DefaultMaxResults   = 5
	DefaultTravelMode   = "walking"
)

type Config struct {
	UserID            string
	InitialRole       chat.Role
	HistoryLimit      int
	MaxResults        int
	TravelMode        string
	CoordinateTimeout time.Duration
	// Seed prefixes optimistic message ids; random when empty.
	Seed string
}

func (c Config) withDefaults() Config {
	if c.HistoryLimit <= 0 {
		c.HistoryLimit = DefaultHistoryLimit
	}
	if c.MaxResults <= 0 {
		c.MaxResults = DefaultMaxResults
	}
	if c.TravelMode == "" {
		c.TravelMode = DefaultTravelMode
	}
	if c.CoordinateTimeout <= 0 {
		c.CoordinateTimeout = geo.DefaultTimeout
	}
	if !c.InitialRole.Valid() {
		c.InitialRole = chat.Companion
	}
	return c
}

// Backend is the server surface the session needs. *api.Client satisfies it.
type Backend interface {
	ChatBackend
	HistoryBackend
	RecommendationBackend
	ClearHistory(ctx context.Context, role chat.Role, req api.ClearHistoryRequest) (*api.ClearHistoryResponse, error)
}

// Manager wires the store, hydrator, dispatcher, linker and coordinate
// resolver into one session for one user.
type Manager struct {
	cfg        Config
	store      *Store
	backend    Backend
	resolver   *geo.Resolver
	hydrator   *Hydrator
	dispatcher *Dispatcher
	linker     *Linker
	notify     Notifier
	logger     zerolog.Logger
}

type Option func(*Manager)

func WithNotifier(n Notifier) Option {
	return func(m *Manager) {
		if n != nil {
			m.notify = n
		}
	}
}

func WithLogger(logger zerolog.Logger) Option {
	return func(m *Manager) {
		m.logger = logger
	}
}

func WithResolver(r *geo.Resolver) Option {
	return func(m *Manager) {
		if r != nil {
			m.resolver = r
		}
	}
}

func NewManager(cfg Config, backend Backend, options ...Option) *Manager {
	cfg = cfg.withDefaults()
	m := &Manager{
		cfg:     cfg,
		backend: backend,
		notify:  nopNotifier{},
		logger:  log.Logger.With().Str("component", "session").Logger(),
	}
	for _, option := range options {
		option(m)
	}
	if m.resolver == nil {
		m.resolver = geo.NewResolver(nil, geo.WithLogger(m.logger))
	}
	m.store = NewStore(cfg.UserID, cfg.InitialRole)
	m.linker = NewLinker(m.store, backend, m.resolver, cfg, m.notify, m.logger)
	m.hydrator = NewHydrator(m.store, backend, m.linker, cfg, m.notify, m.logger)
	m.dispatcher = NewDispatcher(m.store, backend, m.linker, cfg, m.notify, m.logger)
	return m
}

func (m *Manager) Store() *Store {
	return m.store
}

func (m *Manager) Linker() *Linker {
	return m.linker
}

func (m *Manager) Config() Config {
	return m.cfg
}

// Start resolves coordinates and hydrates the initial role concurrently.
// Coordinate resolution never fails, so the error is the hydration error.
// The group has no shared context: a failed hydration must not cut the
// coordinate probe short.
func (m *Manager) Start(ctx context.Context) error {
	var g errgroup.Group
	g.Go(func() error {
		m.resolver.Resolve(ctx, m.cfg.CoordinateTimeout)
		return nil
	})
	role := m.store.ActiveRole()
	g.Go(func() error {
		return m.hydrator.Hydrate(ctx, role)
	})
	return g.Wait()
}

// SwitchRole activates role and hydrates it if it has never loaded. In-flight
// work for other roles is left alone.
func (m *Manager) SwitchRole(ctx context.Context, role chat.Role) error {
	if !role.Valid() {
		return errors.Errorf("invalid role %d", int(role))
	}
	m.SetActiveRole(role)
	return m.hydrator.Hydrate(ctx, role)
}

// SetActiveRole switches roles without touching the network.
func (m *Manager) SetActiveRole(role chat.Role) {
	if !role.Valid() {
		return
	}
	m.store.SetActiveRole(role)
	emit(m.notify, EventActiveRole, role, "", "")
}

func (m *Manager) Hydrate(ctx context.Context, role chat.Role) error {
	return m.hydrator.Hydrate(ctx, role)
}

func (m *Manager) Send(ctx context.Context, text string, attachment *chat.Attachment) error {
	return m.dispatcher.Send(ctx, text, attachment)
}

func (m *Manager) Busy() bool {
	return m.dispatcher.Busy()
}

// SelectTurn selects the n-th local_guide turn (0-based) and links it.
func (m *Manager) SelectTurn(ctx context.Context, index int) error {
	turns := m.linker.Turns()
	if index < 0 || index >= len(turns) {
		return errors.Errorf("turn %d out of range (have %d)", index+1, len(turns))
	}
	return m.linker.Select(ctx, turns[index].AssistantMessageID)
}

func (m *Manager) Reconcile(ctx context.Context) error {
	return m.linker.Reconcile(ctx)
}

// Clear deletes the active role's server history and resets its local
// partition. Other roles are untouched.
func (m *Manager) Clear(ctx context.Context) error {
	role := m.store.ActiveRole()
	m.store.DismissError()
	resp, err := m.backend.ClearHistory(ctx, role, api.ClearHistoryRequest{
		UserID:   m.store.UserID(),
		Role:     role.String(),
		ThreadID: m.store.ThreadID(role),
	})
	if err != nil {
		m.store.SetError(errors.Cause(err).Error())
		emit(m.notify, EventError, role, "", errors.Cause(err).Error())
		return errors.Wrapf(err, "clear %s history", role)
	}
	m.store.resetRole(role, resp.NewThreadID)
	if role == chat.LocalGuide {
		m.linker.Reset()
	}
	m.logger.Info().
		Str("role", role.String()).
		Str("thread_id", resp.NewThreadID).
		Int("cleared_turns", resp.ClearedTurnCount).
		Int("cleared_recommendations", resp.ClearedRecommendationCount).
		Msg("history cleared")
	emit(m.notify, EventCleared, role, resp.NewThreadID, "")
	return nil
}

func (m *Manager) DismissError() {
	m.store.DismissError()
	emit(m.notify, EventError, m.store.ActiveRole(), "", "")
}

// DismissBanner hides the active role's crisis banner.
func (m *Manager) DismissBanner() {
	role := m.store.ActiveRole()
	m.store.SetBanner(role, false)
	emit(m.notify, EventSafety, role, "", "dismissed")
}

func (m *Manager) Coordinates() chat.Coordinates {
	return m.resolver.Current()
}

// Close stops every late result from landing in the session.
func (m *Manager) Close() {
	m.store.Close()
	m.resolver.Close()
}

// RecommendationView is the selected local_guide turn with its cache entry.
type RecommendationView struct {
	Turn  chat.Turn
	Entry Entry
}

// Snapshot is a consistent read model of the active role for rendering.
type Snapshot struct {
	ActiveRole     chat.Role
	ThreadID       string
	Messages       []chat.Message
	Banner         bool
	Safety         *chat.Safety
	History        HistoryState
	HistoryErr     string
	Err            string
	Busy           bool
	Turns          []chat.Turn
	Selected       *RecommendationView
	Coordinates    chat.Coordinates
	MessagesByRole chat.PerRole[int]
}

func (m *Manager) Snapshot() Snapshot {
	role := m.store.ActiveRole()
	state, historyErr := m.store.History(role)
	snap := Snapshot{
		ActiveRole:  role,
		ThreadID:    m.store.ThreadID(role),
		Messages:    m.store.Messages(role),
		Banner:      m.store.Banner(role),
		Safety:      m.store.Safety(role),
		History:     state,
		HistoryErr:  historyErr,
		Err:         m.store.Err(),
		Busy:        m.dispatcher.Busy(),
		Coordinates: m.resolver.Current(),
	}
	for _, r := range chat.Roles {
		snap.MessagesByRole[r] = len(m.store.Messages(r))
	}
	if role == chat.LocalGuide {
		snap.Turns = chat.DeriveTurns(snap.Messages)
		if turn, ok := m.linker.SelectedTurn(); ok {
			snap.Selected = &RecommendationView{Turn: turn, Entry: m.linker.Entry(turn.AssistantMessageID)}
		}
	}
	return snap
}
