package session

import (
	"context"
	"strings"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"gangban/internal/api"
	"gangban/internal/chat"
)

var (
	ErrEmptyMessage = errors.New("message is empty")
	ErrSendInFlight = errors.New("a message is already being sent")
	ErrClosed       = errors.New("session is closed")
)

const (
	imagePlaceholder = "(image)"
	imagePrompt      = "Please analyze this image."
)

type ChatBackend interface {
	PostChat(ctx context.Context, role chat.Role, req api.ChatRequest) (*api.ChatResponse, error)
}

// SendRequest is everything the reply path may touch. It is captured before
// any I/O so a role switch during the call cannot redirect the reply.
type SendRequest struct {
	Target        chat.Role
	ThreadID      string
	Text          string
	Message       string
	Attachment    *chat.Attachment
	UserMessageID string
	// Epoch is the target partition's epoch at capture time.
	Epoch uint64
}

type Dispatcher struct {
	store   *Store
	backend ChatBackend
	linker  *Linker
	tokens  *tokenFactory
	busy    atomic.Bool
	notify  Notifier
	logger  zerolog.Logger
	now     func() time.Time
}

func NewDispatcher(store *Store, backend ChatBackend, linker *Linker, cfg Config, notify Notifier, logger zerolog.Logger) *Dispatcher {
	if notify == nil {
		notify = nopNotifier{}
	}
	return &Dispatcher{
		store:   store,
		backend: backend,
		linker:  linker,
		tokens:  newTokenFactory(cfg.Seed),
		notify:  notify,
		logger:  logger,
		now:     time.Now,
	}
}

func (d *Dispatcher) Busy() bool {
	return d.busy.Load()
}

// Send posts text (and an optional image) to the active role. The user
// message is appended immediately and never rolled back.
func (d *Dispatcher) Send(ctx context.Context, text string, attachment *chat.Attachment) error {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" && attachment == nil {
		return ErrEmptyMessage
	}
	if !d.busy.CompareAndSwap(false, true) {
		return ErrSendInFlight
	}
	defer func() {
		d.busy.Store(false)
		emit(d.notify, EventBusy, d.store.ActiveRole(), "", "idle")
	}()
	if d.store.Err() != "" {
		d.store.DismissError()
		emit(d.notify, EventError, d.store.ActiveRole(), "", "")
	}

	req, ok := d.prepare(trimmed, attachment)
	if !ok {
		return ErrClosed
	}
	emit(d.notify, EventBusy, req.Target, "", "sending")
	emit(d.notify, EventMessages, req.Target, req.UserMessageID, "")
	return d.dispatch(ctx, req)
}

func (d *Dispatcher) prepare(trimmed string, attachment *chat.Attachment) (SendRequest, bool) {
	req := SendRequest{
		Text:          trimmed,
		Message:       trimmed,
		Attachment:    attachment,
		UserMessageID: d.tokens.next("user"),
	}
	msg := chat.Message{
		ID:        req.UserMessageID,
		Author:    chat.AuthorUser,
		Text:      trimmed,
		CreatedAt: d.now(),
	}
	if attachment != nil {
		msg.AttachmentPreview = attachmentPreview(attachment)
		if trimmed == "" {
			msg.Text = imagePlaceholder
			req.Message = imagePrompt
		}
	}
	role, threadID, epoch, ok := d.store.captureSend(msg)
	if !ok {
		return SendRequest{}, false
	}
	req.Target = role
	req.ThreadID = threadID
	req.Epoch = epoch
	return req, true
}

func (d *Dispatcher) dispatch(ctx context.Context, req SendRequest) error {
	log := d.logger.With().Str("role", req.Target.String()).Str("thread_id", req.ThreadID).Logger()

	resp, err := d.backend.PostChat(ctx, req.Target, api.ChatRequest{
		UserID:     d.store.UserID(),
		ThreadID:   req.ThreadID,
		Message:    req.Message,
		Attachment: req.Attachment,
	})
	if err != nil {
		if d.store.Epoch(req.Target) != req.Epoch {
			log.Debug().Err(err).Msg("send failed after the role was cleared")
			return errors.Wrap(err, "send message")
		}
		d.store.SetError(errors.Cause(err).Error())
		emit(d.notify, EventError, req.Target, "", errors.Cause(err).Error())
		log.Warn().Err(err).Msg("chat send failed")
		return errors.Wrap(err, "send message")
	}

	reply := chat.Message{
		ID:        resp.RequestID,
		Author:    chat.AuthorAssistant,
		Text:      resp.Reply,
		CreatedAt: d.now(),
	}
	if !d.store.applyReply(req.Target, req.Epoch, reply, resp.ThreadID, resp.Safety) {
		log.Debug().Str("request_id", resp.RequestID).Msg("reply dropped, role cleared or session closed")
		return nil
	}
	log.Debug().
		Str("request_id", resp.RequestID).
		Str("runtime", resp.Runtime).
		Str("provider", resp.Provider).
		Bool("crisis_banner", resp.Safety.ShowCrisisBanner).
		Msg("reply received")
	emit(d.notify, EventMessages, req.Target, resp.RequestID, "")
	emit(d.notify, EventThread, req.Target, resp.ThreadID, "")
	emit(d.notify, EventSafety, req.Target, resp.RequestID, "")

	if req.Target == chat.LocalGuide && d.linker != nil {
		d.linker.selectID(resp.RequestID)
		if err := d.linker.link(ctx, resp.RequestID, req.Message); err != nil {
			log.Debug().Err(err).Str("request_id", resp.RequestID).Msg("recommendations unavailable for new turn")
		}
	}
	return nil
}

func attachmentPreview(att *chat.Attachment) string {
	if att.Filename != "" {
		return att.Filename
	}
	return att.MimeType
}
