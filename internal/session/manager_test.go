package session

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gangban/internal/api"
	"gangban/internal/chat"
	"gangban/internal/geo"
)

func historyOf(turns ...api.HistoryTurn) func(context.Context, chat.Role, api.HistoryQuery) (*api.HistoryResponse, error) {
	return func(_ context.Context, role chat.Role, q api.HistoryQuery) (*api.HistoryResponse, error) {
		return &api.HistoryResponse{UserID: q.UserID, Role: role.String(), ThreadID: "canonical-" + role.String(), Turns: turns}, nil
	}
}

func TestHydrateOneTurnProducesTwoMessages(t *testing.T) {
	backend := &fakeBackend{historyFn: historyOf(api.HistoryTurn{
		RequestID:      "r1",
		CreatedAt:      "2026-03-01T10:00:00Z",
		UserMessage:    "hello",
		AssistantReply: "hi there",
		Safety:         chat.Safety{RiskLevel: "low"},
	})}
	m := newTestManager(t, backend, chat.StudyGuide)

	require.NoError(t, m.Hydrate(context.Background(), chat.StudyGuide))

	messages := m.Store().Messages(chat.StudyGuide)
	require.Len(t, messages, 2)
	assert.Equal(t, "r1-user", messages[0].ID)
	assert.Equal(t, chat.AuthorUser, messages[0].Author)
	assert.Equal(t, "r1", messages[1].ID)
	assert.Equal(t, chat.AuthorAssistant, messages[1].Author)
	assert.Equal(t, messages[0].CreatedAt.Add(time.Millisecond), messages[1].CreatedAt)
	assert.Equal(t, "canonical-study_guide", m.Store().ThreadID(chat.StudyGuide))
	require.NotNil(t, m.Store().Safety(chat.StudyGuide))
	assert.Equal(t, "low", m.Store().Safety(chat.StudyGuide).RiskLevel)
	state, _ := m.Store().History(chat.StudyGuide)
	assert.Equal(t, HistoryLoaded, state)
}

func TestHydrateUnparsableTimestampUsesNow(t *testing.T) {
	backend := &fakeBackend{historyFn: historyOf(api.HistoryTurn{RequestID: "r1", CreatedAt: "yesterday", UserMessage: "a", AssistantReply: "b"})}
	m := newTestManager(t, backend, chat.Companion)
	fixed := time.Date(2026, 5, 4, 3, 2, 1, 0, time.UTC)
	m.hydrator.now = func() time.Time { return fixed }

	require.NoError(t, m.Hydrate(context.Background(), chat.Companion))
	messages := m.Store().Messages(chat.Companion)
	require.Len(t, messages, 2)
	assert.Equal(t, fixed, messages[0].CreatedAt)
	assert.Equal(t, fixed.Add(HydrationTick), messages[1].CreatedAt)
}

func TestHydrateIsIdempotent(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	backend := &fakeBackend{}
	backend.historyFn = func(_ context.Context, role chat.Role, q api.HistoryQuery) (*api.HistoryResponse, error) {
		close(started)
		<-release
		return &api.HistoryResponse{ThreadID: q.ThreadID}, nil
	}
	m := newTestManager(t, backend, chat.Companion)

	done := make(chan error, 1)
	go func() { done <- m.Hydrate(context.Background(), chat.Companion) }()
	<-started
	require.NoError(t, m.Hydrate(context.Background(), chat.Companion), "concurrent call is a no-op")
	close(release)
	require.NoError(t, <-done)
	require.NoError(t, m.Hydrate(context.Background(), chat.Companion), "repeated call is a no-op")

	assert.Equal(t, 1, backend.historyCount())
}

func TestHydrateFailureIsRoleScopedAndRetriable(t *testing.T) {
	backend := &fakeBackend{}
	backend.historyFn = func(context.Context, chat.Role, api.HistoryQuery) (*api.HistoryResponse, error) {
		return nil, &api.StatusError{Op: "Chat history", StatusCode: http.StatusServiceUnavailable}
	}
	m := newTestManager(t, backend, chat.Companion)

	err := m.Hydrate(context.Background(), chat.Companion)
	require.Error(t, err)
	assert.True(t, api.IsStatus(err, http.StatusServiceUnavailable))
	state, msg := m.Store().History(chat.Companion)
	assert.Equal(t, HistoryFailed, state)
	assert.Equal(t, "Chat history request failed with status 503", msg)
	assert.Empty(t, m.Store().Err(), "history failures are not session errors")

	backend.mu.Lock()
	backend.historyFn = nil
	backend.mu.Unlock()
	require.NoError(t, m.Hydrate(context.Background(), chat.Companion))
	state, _ = m.Store().History(chat.Companion)
	assert.Equal(t, HistoryLoaded, state)
	assert.Equal(t, 2, backend.historyCount())
}

func TestHydrateMergesWithSendDuringFetch(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	backend := &fakeBackend{}
	backend.historyFn = func(context.Context, chat.Role, api.HistoryQuery) (*api.HistoryResponse, error) {
		close(started)
		<-release
		return &api.HistoryResponse{ThreadID: "canon", Turns: []api.HistoryTurn{
			{RequestID: "old", CreatedAt: "2026-01-01T00:00:00Z", UserMessage: "q", AssistantReply: "a", Safety: chat.Safety{ShowCrisisBanner: true}},
		}}, nil
	}
	backend.chatFn = func(_ context.Context, _ chat.Role, req api.ChatRequest) (*api.ChatResponse, error) {
		return &api.ChatResponse{RequestID: "new", ThreadID: req.ThreadID, Reply: "fine", Safety: chat.Safety{RiskLevel: "low"}}, nil
	}
	m := newTestManager(t, backend, chat.Companion)

	done := make(chan error, 1)
	go func() { done <- m.Hydrate(context.Background(), chat.Companion) }()
	<-started
	require.NoError(t, m.Send(context.Background(), "hi", nil))
	close(release)
	require.NoError(t, <-done)

	got := ids(m.Store().Messages(chat.Companion))
	assert.Equal(t, []string{"old-user", "old", "user-t-1", "new"}, got)
	assert.False(t, m.Store().Banner(chat.Companion), "history safety ignored when local log was non-empty")
	assert.Equal(t, "low", m.Store().Safety(chat.Companion).RiskLevel)
}

func TestSendValidation(t *testing.T) {
	m := newTestManager(t, &fakeBackend{}, chat.Companion)
	assert.ErrorIs(t, m.Send(context.Background(), "   ", nil), ErrEmptyMessage)
	assert.Empty(t, m.Store().Messages(chat.Companion))
}

func TestSendRejectsWhileInFlight(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	backend := &fakeBackend{}
	backend.chatFn = func(_ context.Context, _ chat.Role, req api.ChatRequest) (*api.ChatResponse, error) {
		close(started)
		<-release
		return &api.ChatResponse{RequestID: "r", ThreadID: req.ThreadID}, nil
	}
	m := newTestManager(t, backend, chat.Companion)

	done := make(chan error, 1)
	go func() { done <- m.Send(context.Background(), "one", nil) }()
	<-started
	assert.True(t, m.Busy())
	assert.ErrorIs(t, m.Send(context.Background(), "two", nil), ErrSendInFlight)
	close(release)
	require.NoError(t, <-done)
	assert.False(t, m.Busy())
	assert.Equal(t, []string{"user-t-1", "r"}, ids(m.Store().Messages(chat.Companion)))
}

func TestSendAttachmentOnly(t *testing.T) {
	backend := &fakeBackend{}
	m := newTestManager(t, backend, chat.Companion)
	att := &chat.Attachment{MimeType: "image/png", Base64Data: "AAAA", Filename: "cat.png"}

	require.NoError(t, m.Send(context.Background(), "", att))
	messages := m.Store().Messages(chat.Companion)
	require.Len(t, messages, 2)
	assert.Equal(t, "(image)", messages[0].Text)
	assert.Equal(t, "cat.png", messages[0].AttachmentPreview)
	require.Len(t, backend.chatCalls, 1)
	assert.Equal(t, "Please analyze this image.", backend.chatCalls[0].Message)
	assert.Equal(t, att, backend.chatCalls[0].Attachment)
}

func TestSendFailureKeepsOptimisticMessage(t *testing.T) {
	backend := &fakeBackend{}
	backend.chatFn = func(context.Context, chat.Role, api.ChatRequest) (*api.ChatResponse, error) {
		return nil, &api.StatusError{Op: "Chat", StatusCode: http.StatusBadGateway}
	}
	m := newTestManager(t, backend, chat.LocalGuide)

	err := m.Send(context.Background(), "hello", nil)
	require.Error(t, err)
	assert.Equal(t, "Chat request failed with status 502", errors.Cause(err).Error())
	assert.Equal(t, []string{"user-t-1"}, ids(m.Store().Messages(chat.LocalGuide)))
	assert.Equal(t, "Chat request failed with status 502", m.Store().Err())
	assert.False(t, m.Busy())
	assert.Zero(t, backend.recCount())

	m.DismissError()
	assert.Empty(t, m.Store().Err())
}

func TestSendAppliesToRoleCapturedAtCall(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	backend := &fakeBackend{}
	backend.chatFn = func(_ context.Context, role chat.Role, req api.ChatRequest) (*api.ChatResponse, error) {
		close(started)
		<-release
		return &api.ChatResponse{RequestID: "r1", ThreadID: "rotated", Reply: "reply", Safety: chat.Safety{ShowCrisisBanner: true}}, nil
	}
	m := newTestManager(t, backend, chat.Companion)

	done := make(chan error, 1)
	go func() { done <- m.Send(context.Background(), "hello", nil) }()
	<-started
	require.NoError(t, m.SwitchRole(context.Background(), chat.StudyGuide))
	close(release)
	require.NoError(t, <-done)

	assert.Equal(t, chat.StudyGuide, m.Store().ActiveRole())
	assert.Equal(t, []string{"user-t-1", "r1"}, ids(m.Store().Messages(chat.Companion)))
	assert.Equal(t, "rotated", m.Store().ThreadID(chat.Companion))
	assert.True(t, m.Store().Banner(chat.Companion))
	assert.Empty(t, m.Store().Messages(chat.StudyGuide))
	assert.False(t, m.Store().Banner(chat.StudyGuide))
	assert.Equal(t, "demo-user-study_guide-thread", m.Store().ThreadID(chat.StudyGuide))
	assert.Equal(t, "demo-user-companion-thread", backend.chatCalls[0].ThreadID)
	assert.Equal(t, chat.Companion, backend.chatRoles[0])
}

func TestSendNeverTouchesOtherRoles(t *testing.T) {
	backend := &fakeBackend{}
	m := newTestManager(t, backend, chat.Companion)
	m.Store().AppendMessage(chat.StudyGuide, chat.Message{ID: "s", Author: chat.AuthorUser})
	m.Store().SetBanner(chat.LocalGuide, true)

	for _, role := range chat.Roles {
		m.Store().SetActiveRole(role)
		before := map[chat.Role][]string{}
		banners := map[chat.Role]bool{}
		for _, other := range chat.Roles {
			before[other] = ids(m.Store().Messages(other))
			banners[other] = m.Store().Banner(other)
		}
		require.NoError(t, m.Send(context.Background(), "ping", nil))
		for _, other := range chat.Roles {
			if other == role {
				continue
			}
			assert.Equal(t, before[other], ids(m.Store().Messages(other)))
			assert.Equal(t, banners[other], m.Store().Banner(other))
		}
	}
}

func TestCompanionCrisisBannerScenario(t *testing.T) {
	backend := &fakeBackend{}
	backend.chatFn = func(_ context.Context, _ chat.Role, req api.ChatRequest) (*api.ChatResponse, error) {
		return &api.ChatResponse{RequestID: "c1", ThreadID: req.ThreadID, Reply: "I'm here with you.", Safety: chat.Safety{RiskLevel: "high", ShowCrisisBanner: true}}, nil
	}
	m := newTestManager(t, backend, chat.Companion)

	require.NoError(t, m.Send(context.Background(), "Today feels difficult.", nil))
	messages := m.Store().Messages(chat.Companion)
	require.Len(t, messages, 2)
	assert.Equal(t, chat.AuthorUser, messages[0].Author)
	assert.Equal(t, "Today feels difficult.", messages[0].Text)
	assert.Equal(t, chat.AuthorAssistant, messages[1].Author)
	assert.True(t, m.Snapshot().Banner)

	require.NoError(t, m.SwitchRole(context.Background(), chat.LocalGuide))
	assert.False(t, m.Snapshot().Banner)
	require.NoError(t, m.SwitchRole(context.Background(), chat.Companion))
	assert.True(t, m.Snapshot().Banner)

	backend.chatFn = func(_ context.Context, _ chat.Role, req api.ChatRequest) (*api.ChatResponse, error) {
		return &api.ChatResponse{RequestID: "c2", ThreadID: req.ThreadID, Reply: "ok"}, nil
	}
	require.NoError(t, m.Send(context.Background(), "Thanks.", nil))
	assert.True(t, m.Snapshot().Banner, "a safe reply does not lower the banner")

	m.DismissBanner()
	assert.False(t, m.Snapshot().Banner)
}

func TestLocalGuideRecommendationScenario(t *testing.T) {
	backend := &fakeBackend{historyFn: historyOf(api.HistoryTurn{
		RequestID: "Y", CreatedAt: "2026-03-01T10:00:00Z", UserMessage: "museums nearby", AssistantReply: "Try the museum.",
	})}
	backend.chatFn = func(_ context.Context, _ chat.Role, req api.ChatRequest) (*api.ChatResponse, error) {
		return &api.ChatResponse{RequestID: "X", ThreadID: req.ThreadID, Reply: "<think>plan</think>Walk the harbour."}, nil
	}
	m := newTestManager(t, backend, chat.LocalGuide)

	require.NoError(t, m.Start(context.Background()))
	require.Len(t, backend.restoreCalls, 1)
	assert.Equal(t, []string{"Y"}, backend.restoreCalls[0].RequestIDs)

	require.NoError(t, m.Send(context.Background(), "half-day walk plan", nil))
	require.Equal(t, 1, backend.recCount())
	req := backend.recCalls[0]
	assert.Equal(t, "X", req.ChatRequestID)
	assert.Equal(t, "half-day walk plan", req.Query)
	assert.Equal(t, "local_guide", req.Role)
	assert.Equal(t, 5, req.MaxResults)
	assert.Equal(t, "walking", req.TravelMode)
	assert.Equal(t, geo.HongKong.Latitude, req.Latitude)
	assert.Equal(t, geo.HongKong.Longitude, req.Longitude)

	snap := m.Snapshot()
	require.NotNil(t, snap.Selected)
	assert.Equal(t, "X", snap.Selected.Turn.AssistantMessageID)
	assert.Equal(t, "Walk the harbour.", snap.Selected.Turn.AssistantPreview)
	assert.Equal(t, EntryReady, snap.Selected.Entry.State)
	require.Len(t, snap.Turns, 2)

	require.NoError(t, m.SelectTurn(context.Background(), 0))
	require.NoError(t, m.SelectTurn(context.Background(), 0))
	require.Equal(t, 2, backend.recCount())
	assert.Equal(t, "Y", backend.recCalls[1].ChatRequestID)
	assert.Equal(t, "museums nearby", backend.recCalls[1].Query)
	assert.Equal(t, "Y", m.Snapshot().Selected.Turn.AssistantMessageID)

	assert.Error(t, m.SelectTurn(context.Background(), 5))
}

func TestEnsureLinkedSingleFetchWhilePending(t *testing.T) {
	release := make(chan struct{})
	backend := &fakeBackend{}
	backend.recFn = func(_ context.Context, req api.RecommendationRequest) (*api.RecommendationResponse, error) {
		<-release
		return &api.RecommendationResponse{RequestID: "rec"}, nil
	}
	m := newTestManager(t, backend, chat.LocalGuide)
	m.Store().AppendMessage(chat.LocalGuide, chat.Message{ID: "u", Author: chat.AuthorUser, Text: "coffee"})
	m.Store().AppendMessage(chat.LocalGuide, chat.Message{ID: "a", Author: chat.AuthorAssistant, Text: "ok"})

	done := make(chan error, 1)
	go func() { done <- m.Linker().EnsureLinked(context.Background(), "a") }()
	require.Eventually(t, func() bool { return backend.recCount() == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, EntryPending, m.Linker().Entry("a").State)
	require.NoError(t, m.Linker().EnsureLinked(context.Background(), "a"))
	close(release)
	require.NoError(t, <-done)

	require.NoError(t, m.Linker().EnsureLinked(context.Background(), "a"))
	assert.Equal(t, 1, backend.recCount())
	assert.Equal(t, EntryReady, m.Linker().Entry("a").State)
}

func TestEnsureLinkedWithoutQueryIsPermanent(t *testing.T) {
	backend := &fakeBackend{}
	m := newTestManager(t, backend, chat.LocalGuide)
	m.Store().AppendMessage(chat.LocalGuide, chat.Message{ID: "orphan", Author: chat.AuthorAssistant, Text: "hi"})

	err := m.Linker().Select(context.Background(), "orphan")
	assert.ErrorIs(t, err, ErrNoLinkedQuery)
	entry := m.Linker().Entry("orphan")
	assert.Equal(t, EntryFailed, entry.State)
	assert.True(t, entry.Permanent)
	assert.Equal(t, "No linked user query found for this turn.", entry.Err)
	assert.Zero(t, backend.recCount())

	require.NoError(t, m.Reconcile(context.Background()))
	assert.Zero(t, backend.recCount())
}

func TestFailedRecommendationRetryOnReselect(t *testing.T) {
	status := http.StatusInternalServerError
	backend := &fakeBackend{}
	backend.recFn = func(context.Context, api.RecommendationRequest) (*api.RecommendationResponse, error) {
		return nil, &api.StatusError{Op: "Recommendation", StatusCode: status}
	}
	m := newTestManager(t, backend, chat.LocalGuide)
	m.Store().AppendMessage(chat.LocalGuide, chat.Message{ID: "u", Author: chat.AuthorUser, Text: "parks"})
	m.Store().AppendMessage(chat.LocalGuide, chat.Message{ID: "a", Author: chat.AuthorAssistant, Text: "ok"})

	require.Error(t, m.Linker().Select(context.Background(), "a"))
	entry := m.Linker().Entry("a")
	assert.Equal(t, EntryFailed, entry.State)
	assert.False(t, entry.Permanent)
	assert.Equal(t, "Recommendation request failed with status 500", entry.Err)
	assert.Empty(t, m.Store().Err(), "recommendation failures stay out of chat state")

	require.NoError(t, m.Reconcile(context.Background()))
	assert.Equal(t, 1, backend.recCount(), "reconcile does not retry recorded failures")

	status = http.StatusUnprocessableEntity
	require.Error(t, m.Linker().Select(context.Background(), "a"))
	assert.Equal(t, 2, backend.recCount())
	assert.True(t, m.Linker().Entry("a").Permanent)

	require.NoError(t, m.Linker().Select(context.Background(), "a"))
	assert.Equal(t, 2, backend.recCount(), "permanent failures are not refetched")
}

func TestReconcileLinksUntriedSelection(t *testing.T) {
	backend := &fakeBackend{}
	m := newTestManager(t, backend, chat.LocalGuide)
	require.NoError(t, m.Reconcile(context.Background()))
	assert.Zero(t, backend.recCount())

	m.Store().AppendMessage(chat.LocalGuide, chat.Message{ID: "u", Author: chat.AuthorUser, Text: "tea"})
	m.Store().AppendMessage(chat.LocalGuide, chat.Message{ID: "a", Author: chat.AuthorAssistant, Text: "ok"})
	require.NoError(t, m.Reconcile(context.Background()))
	require.NoError(t, m.Reconcile(context.Background()))
	assert.Equal(t, 1, backend.recCount())
}

func TestRestoreFailureDoesNotBlockHydration(t *testing.T) {
	backend := &fakeBackend{historyFn: historyOf(
		api.HistoryTurn{RequestID: "a", CreatedAt: "2026-03-01T10:00:00Z", UserMessage: "q1", AssistantReply: "r1"},
		api.HistoryTurn{RequestID: "b", CreatedAt: "2026-03-01T11:00:00Z", UserMessage: "q2", AssistantReply: "r2"},
	)}
	backend.restoreFn = func(context.Context, api.RecommendationHistoryRequest) (*api.RecommendationHistoryResponse, error) {
		return nil, &api.StatusError{Op: "Recommendation history", StatusCode: http.StatusInternalServerError}
	}
	m := newTestManager(t, backend, chat.LocalGuide)

	require.NoError(t, m.Hydrate(context.Background(), chat.LocalGuide))
	assert.Len(t, m.Store().Messages(chat.LocalGuide), 4)
	assert.Equal(t, "Recommendation history request failed with status 500", m.Store().Err())
	turn, ok := m.Linker().SelectedTurn()
	require.True(t, ok)
	assert.Equal(t, "b", turn.AssistantMessageID)
}

func TestRestorePopulatesEntries(t *testing.T) {
	backend := &fakeBackend{historyFn: historyOf(
		api.HistoryTurn{RequestID: "a", CreatedAt: "2026-03-01T10:00:00Z", UserMessage: "q1", AssistantReply: "r1"},
		api.HistoryTurn{RequestID: "b", CreatedAt: "2026-03-01T11:00:00Z", UserMessage: "q2", AssistantReply: "r2"},
	)}
	backend.restoreFn = func(_ context.Context, req api.RecommendationHistoryRequest) (*api.RecommendationHistoryResponse, error) {
		return &api.RecommendationHistoryResponse{Results: []api.RecommendationResponse{
			{RequestID: "a", Context: api.RecommendationContext{WeatherCondition: "sunny"}},
		}}, nil
	}
	m := newTestManager(t, backend, chat.LocalGuide)
	require.NoError(t, m.Hydrate(context.Background(), chat.LocalGuide))

	entry := m.Linker().Entry("a")
	require.Equal(t, EntryReady, entry.State)
	assert.Equal(t, "sunny", entry.Result.Context.WeatherCondition)
	assert.Equal(t, EntryUntried, m.Linker().Entry("b").State)

	require.NoError(t, m.Reconcile(context.Background()))
	assert.Equal(t, 1, backend.recCount())
	assert.Equal(t, "b", backend.recCalls[0].ChatRequestID)
	assert.Equal(t, "q2", backend.recCalls[0].Query)
}

func TestClearLocalGuideLeavesOtherRolesUntouched(t *testing.T) {
	backend := &fakeBackend{}
	m := newTestManager(t, backend, chat.Companion)
	require.NoError(t, m.Send(context.Background(), "hello", nil))
	require.NoError(t, m.SwitchRole(context.Background(), chat.LocalGuide))
	backend.chatFn = func(_ context.Context, _ chat.Role, req api.ChatRequest) (*api.ChatResponse, error) {
		return &api.ChatResponse{RequestID: "g1", ThreadID: "guide-thread-2", Reply: "walk", Safety: chat.Safety{ShowCrisisBanner: true}}, nil
	}
	require.NoError(t, m.Send(context.Background(), "walk plan", nil))
	require.Equal(t, EntryReady, m.Linker().Entry("g1").State)
	companionBefore := ids(m.Store().Messages(chat.Companion))

	require.NoError(t, m.Clear(context.Background()))

	require.Len(t, backend.clearCalls, 1)
	assert.Equal(t, "local_guide", backend.clearCalls[0].Role)
	assert.Equal(t, "guide-thread-2", backend.clearCalls[0].ThreadID)
	assert.Equal(t, "fresh-local_guide", m.Store().ThreadID(chat.LocalGuide))
	assert.Empty(t, m.Store().Messages(chat.LocalGuide))
	assert.False(t, m.Store().Banner(chat.LocalGuide))
	assert.Nil(t, m.Store().Safety(chat.LocalGuide))
	assert.Equal(t, EntryUntried, m.Linker().Entry("g1").State)
	_, ok := m.Linker().SelectedTurn()
	assert.False(t, ok)

	assert.Equal(t, companionBefore, ids(m.Store().Messages(chat.Companion)))
	assert.Equal(t, "demo-user-companion-thread", m.Store().ThreadID(chat.Companion))
	assert.Empty(t, m.Store().Messages(chat.StudyGuide))
}

func TestClearFailureSurfacesSessionError(t *testing.T) {
	backend := &fakeBackend{}
	backend.clearFn = func(context.Context, chat.Role, api.ClearHistoryRequest) (*api.ClearHistoryResponse, error) {
		return nil, &api.StatusError{Op: "Clear history", StatusCode: http.StatusInternalServerError}
	}
	m := newTestManager(t, backend, chat.Companion)
	m.Store().AppendMessage(chat.Companion, chat.Message{ID: "keep"})

	require.Error(t, m.Clear(context.Background()))
	assert.Equal(t, "Clear history request failed with status 500", m.Store().Err())
	assert.Equal(t, []string{"keep"}, ids(m.Store().Messages(chat.Companion)))
}

func TestResetDiscardsInFlightRecommendation(t *testing.T) {
	release := make(chan struct{})
	backend := &fakeBackend{}
	backend.recFn = func(context.Context, api.RecommendationRequest) (*api.RecommendationResponse, error) {
		<-release
		return &api.RecommendationResponse{RequestID: "late"}, nil
	}
	m := newTestManager(t, backend, chat.LocalGuide)
	m.Store().AppendMessage(chat.LocalGuide, chat.Message{ID: "u", Author: chat.AuthorUser, Text: "q"})
	m.Store().AppendMessage(chat.LocalGuide, chat.Message{ID: "a", Author: chat.AuthorAssistant})

	done := make(chan error, 1)
	go func() { done <- m.Linker().EnsureLinked(context.Background(), "a") }()
	require.Eventually(t, func() bool { return backend.recCount() == 1 }, time.Second, time.Millisecond)
	m.Linker().Reset()
	close(release)
	require.NoError(t, <-done)
	assert.Equal(t, EntryUntried, m.Linker().Entry("a").State)
}

func TestCloseIgnoresLateReply(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	backend := &fakeBackend{}
	backend.chatFn = func(_ context.Context, _ chat.Role, req api.ChatRequest) (*api.ChatResponse, error) {
		close(started)
		<-release
		return &api.ChatResponse{RequestID: "late", ThreadID: "t"}, nil
	}
	m := newTestManager(t, backend, chat.Companion)

	done := make(chan error, 1)
	go func() { done <- m.Send(context.Background(), "bye", nil) }()
	<-started
	m.Close()
	close(release)
	require.NoError(t, <-done)
	assert.Equal(t, []string{"user-t-1"}, ids(m.Store().Messages(chat.Companion)))
	assert.ErrorIs(t, m.Send(context.Background(), "again", nil), ErrClosed)
}

func TestStartUsesProbeCoordinates(t *testing.T) {
	backend := &fakeBackend{}
	resolver := geo.NewResolver(geo.StaticProbe(chat.Coordinates{Latitude: 1.5, Longitude: 2.5}))
	notifier := &recordingNotifier{}
	m := newTestManager(t, backend, chat.Companion, WithResolver(resolver), WithNotifier(notifier))

	require.NoError(t, m.Start(context.Background()))
	assert.Equal(t, chat.Coordinates{Latitude: 1.5, Longitude: 2.5}, m.Coordinates())
	assert.Equal(t, 1, backend.historyCount())
	assert.Contains(t, notifier.kinds(), EventHistory)
}

func TestSnapshotCountsMessagesPerRole(t *testing.T) {
	m := newTestManager(t, &fakeBackend{}, chat.StudyGuide)
	require.NoError(t, m.Send(context.Background(), "derivatives", nil))
	snap := m.Snapshot()
	assert.Equal(t, chat.StudyGuide, snap.ActiveRole)
	assert.Equal(t, 2, snap.MessagesByRole[chat.StudyGuide])
	assert.Zero(t, snap.MessagesByRole[chat.Companion])
	assert.Nil(t, snap.Selected)
	assert.Equal(t, geo.HongKong, snap.Coordinates)
}

func TestStartKeepsProbingWhenHistoryFails(t *testing.T) {
	backend := &fakeBackend{}
	backend.historyFn = func(context.Context, chat.Role, api.HistoryQuery) (*api.HistoryResponse, error) {
		return nil, &api.StatusError{Op: "Chat history", StatusCode: http.StatusBadGateway}
	}
	resolver := geo.NewResolver(geo.ProbeFunc(func(ctx context.Context) (*chat.Coordinates, error) {
		select {
		case <-time.After(50 * time.Millisecond):
			return &chat.Coordinates{Latitude: 1, Longitude: 2}, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}))
	m := newTestManager(t, backend, chat.Companion, WithResolver(resolver))

	require.Error(t, m.Start(context.Background()))
	assert.Equal(t, chat.Coordinates{Latitude: 1, Longitude: 2}, m.Coordinates())
	state, _ := m.Store().History(chat.Companion)
	assert.Equal(t, HistoryFailed, state)
}

func TestClearDuringHydrationKeepsRoleCleared(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	backend := &fakeBackend{}
	backend.historyFn = func(context.Context, chat.Role, api.HistoryQuery) (*api.HistoryResponse, error) {
		close(started)
		<-release
		return &api.HistoryResponse{ThreadID: "old-thread", Turns: []api.HistoryTurn{
			{RequestID: "r1", CreatedAt: "2026-01-01T00:00:00Z", UserMessage: "dim sum", AssistantReply: "try this", Safety: chat.Safety{ShowCrisisBanner: true}},
		}}, nil
	}
	backend.restoreFn = func(_ context.Context, req api.RecommendationHistoryRequest) (*api.RecommendationHistoryResponse, error) {
		return &api.RecommendationHistoryResponse{Results: []api.RecommendationResponse{{RequestID: "r1"}}}, nil
	}
	m := newTestManager(t, backend, chat.LocalGuide)

	done := make(chan error, 1)
	go func() { done <- m.Hydrate(context.Background(), chat.LocalGuide) }()
	<-started
	require.NoError(t, m.Clear(context.Background()))
	close(release)
	require.NoError(t, <-done)

	assert.Equal(t, "fresh-local_guide", m.Store().ThreadID(chat.LocalGuide))
	assert.Empty(t, m.Store().Messages(chat.LocalGuide))
	assert.False(t, m.Store().Banner(chat.LocalGuide))
	state, _ := m.Store().History(chat.LocalGuide)
	assert.Equal(t, HistoryNotStarted, state)
	assert.Equal(t, EntryUntried, m.Linker().Entry("r1").State)
	backend.mu.Lock()
	assert.Empty(t, backend.restoreCalls)
	backend.mu.Unlock()
}

func TestClearDuringSendDropsLateReply(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	backend := &fakeBackend{}
	backend.chatFn = func(_ context.Context, _ chat.Role, req api.ChatRequest) (*api.ChatResponse, error) {
		close(started)
		<-release
		return &api.ChatResponse{RequestID: "late", ThreadID: req.ThreadID, Reply: "old", Safety: chat.Safety{ShowCrisisBanner: true}}, nil
	}
	m := newTestManager(t, backend, chat.LocalGuide)

	done := make(chan error, 1)
	go func() { done <- m.Send(context.Background(), "harbour", nil) }()
	<-started
	require.NoError(t, m.Clear(context.Background()))
	close(release)
	require.NoError(t, <-done)

	assert.Equal(t, "fresh-local_guide", m.Store().ThreadID(chat.LocalGuide))
	assert.Empty(t, m.Store().Messages(chat.LocalGuide))
	assert.False(t, m.Store().Banner(chat.LocalGuide))
	assert.Zero(t, backend.recCount())
	_, ok := m.Linker().SelectedTurn()
	assert.False(t, ok)
}

func TestSendClearsStaleSessionError(t *testing.T) {
	backend := &fakeBackend{}
	backend.chatFn = func(context.Context, chat.Role, api.ChatRequest) (*api.ChatResponse, error) {
		return nil, &api.StatusError{Op: "Chat", StatusCode: http.StatusBadGateway}
	}
	m := newTestManager(t, backend, chat.Companion)

	require.Error(t, m.Send(context.Background(), "first", nil))
	require.Equal(t, "Chat request failed with status 502", m.Store().Err())

	backend.mu.Lock()
	backend.chatFn = nil
	backend.mu.Unlock()
	require.NoError(t, m.Send(context.Background(), "second", nil))
	assert.Empty(t, m.Store().Err())
	assert.Equal(t, []string{"user-t-1", "user-t-2", "reply-1"}, ids(m.Store().Messages(chat.Companion)))
}
