package session

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"gangban/internal/api"
	"gangban/internal/chat"
)

// HydrationTick separates a hydrated assistant reply from its user message
// so the pair keeps its order on timestamp ties.
const HydrationTick = time.Millisecond

type HistoryBackend interface {
	GetHistory(ctx context.Context, role chat.Role, q api.HistoryQuery) (*api.HistoryResponse, error)
}

type Hydrator struct {
	store   *Store
	backend HistoryBackend
	linker  *Linker
	limit   int
	notify  Notifier
	logger  zerolog.Logger
	now     func() time.Time
}

func NewHydrator(store *Store, backend HistoryBackend, linker *Linker, cfg Config, notify Notifier, logger zerolog.Logger) *Hydrator {
	cfg = cfg.withDefaults()
	if notify == nil {
		notify = nopNotifier{}
	}
	return &Hydrator{
		store:   store,
		backend: backend,
		linker:  linker,
		limit:   cfg.HistoryLimit,
		notify:  notify,
		logger:  logger,
		now:     time.Now,
	}
}

// Hydrate loads the role's server history once. Calls made while the role is
// loading or after it loaded are no-ops; a failed load may be retried.
func (h *Hydrator) Hydrate(ctx context.Context, role chat.Role) error {
	if !role.Valid() {
		return errors.Errorf("invalid role %d", int(role))
	}
	threadID, epoch, ok := h.store.beginHydration(role)
	if !ok {
		return nil
	}
	var linkGen uint64
	if role == chat.LocalGuide && h.linker != nil {
		linkGen = h.linker.currentGeneration()
	}
	emit(h.notify, EventHistory, role, threadID, HistoryLoading.String())

	resp, err := h.backend.GetHistory(ctx, role, api.HistoryQuery{
		UserID:   h.store.UserID(),
		ThreadID: threadID,
		Limit:    h.limit,
	})
	if err != nil {
		if !h.store.failHydration(role, epoch, errors.Cause(err).Error()) {
			return nil
		}
		emit(h.notify, EventHistory, role, threadID, HistoryFailed.String())
		h.logger.Warn().Err(err).Str("role", role.String()).Str("thread_id", threadID).Msg("history hydration failed")
		return errors.Wrapf(err, "hydrate %s", role)
	}

	hydrated, latest, banner := h.convert(resp.Turns)
	wasEmpty, applied := h.store.applyHydration(role, epoch, resp.ThreadID, hydrated, latest, banner)
	if !applied {
		return nil
	}
	h.logger.Debug().
		Str("role", role.String()).
		Str("thread_id", resp.ThreadID).
		Int("turns", len(resp.Turns)).
		Bool("replaced", wasEmpty).
		Msg("history hydrated")
	emit(h.notify, EventThread, role, resp.ThreadID, "")
	emit(h.notify, EventMessages, role, "", "")
	if wasEmpty {
		emit(h.notify, EventSafety, role, "", "")
	}
	emit(h.notify, EventHistory, role, resp.ThreadID, HistoryLoaded.String())

	if role == chat.LocalGuide && h.linker != nil {
		ids := make([]string, 0, len(resp.Turns))
		for _, turn := range resp.Turns {
			ids = append(ids, turn.RequestID)
		}
		if err := h.linker.restore(ctx, linkGen, ids); err != nil {
			h.store.SetError(errors.Cause(err).Error())
			emit(h.notify, EventError, role, "", errors.Cause(err).Error())
			h.logger.Warn().Err(err).Msg("recommendation restore failed")
		}
	}
	return nil
}

// convert turns each server turn into a user and an assistant message and
// picks the safety state the history implies.
func (h *Hydrator) convert(turns []api.HistoryTurn) ([]chat.Message, *chat.Safety, bool) {
	messages := make([]chat.Message, 0, len(turns)*2)
	banner := false
	for _, turn := range turns {
		ts, ok := api.ParseTimestamp(turn.CreatedAt)
		if !ok {
			ts = h.now()
		}
		messages = append(messages,
			chat.Message{ID: turn.RequestID + "-user", Author: chat.AuthorUser, Text: turn.UserMessage, CreatedAt: ts},
			chat.Message{ID: turn.RequestID, Author: chat.AuthorAssistant, Text: turn.AssistantReply, CreatedAt: ts.Add(HydrationTick)},
		)
		if turn.Safety.ShowCrisisBanner {
			banner = true
		}
	}
	if len(turns) == 0 {
		return messages, nil, false
	}
	latest := turns[len(turns)-1].Safety
	return messages, &latest, banner
}
