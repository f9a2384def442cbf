package events

import (
	"context"
	"encoding/json"
	"sync/atomic"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"gangban/internal/session"
)

const Topic = "session.events"

// Bus fans session events out to any number of subscribers over an
// in-process watermill channel. It implements session.Notifier.
type Bus struct {
	pubsub *gochannel.GoChannel
	logger zerolog.Logger
	closed atomic.Bool
}

func NewBus(logger zerolog.Logger) *Bus {
	return &Bus{
		pubsub: gochannel.NewGoChannel(gochannel.Config{
			OutputChannelBuffer: 256,
		}, NewWatermillLogger(logger)),
		logger: logger,
	}
}

func (b *Bus) Notify(ev session.Event) {
	if err := b.Publish(ev); err != nil {
		b.logger.Debug().Err(err).Str("kind", string(ev.Kind)).Msg("dropping session event")
	}
}

func (b *Bus) Publish(ev session.Event) error {
	if b.closed.Load() {
		return errors.New("event bus closed")
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return errors.Wrap(err, "encode session event")
	}
	msg := message.NewMessage(watermill.NewUUID(), payload)
	return errors.Wrap(b.pubsub.Publish(Topic, msg), "publish session event")
}

// Subscribe returns decoded events until ctx is done or the bus closes.
func (b *Bus) Subscribe(ctx context.Context) (<-chan session.Event, error) {
	messages, err := b.pubsub.Subscribe(ctx, Topic)
	if err != nil {
		return nil, errors.Wrap(err, "subscribe to session events")
	}
	out := make(chan session.Event, 64)
	go func() {
		defer close(out)
		for msg := range messages {
			var ev session.Event
			if err := json.Unmarshal(msg.Payload, &ev); err != nil {
				b.logger.Warn().Err(err).Str("message_id", msg.UUID).Msg("bad session event payload")
				msg.Ack()
				continue
			}
			msg.Ack()
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func (b *Bus) Close() error {
	if !b.closed.CompareAndSwap(false, true) {
		return nil
	}
	return errors.Wrap(b.pubsub.Close(), "close event bus")
}

type watermillLogger struct {
	logger zerolog.Logger
}

// NewWatermillLogger routes watermill's own logging into zerolog. Info is
// demoted to debug because watermill logs every subscribe at info.
func NewWatermillLogger(logger zerolog.Logger) watermill.LoggerAdapter {
	return &watermillLogger{logger: logger}
}

func (w *watermillLogger) Error(msg string, err error, fields watermill.LogFields) {
	w.logger.Error().Fields(map[string]interface{}(fields)).Err(err).Msg(msg)
}

func (w *watermillLogger) Info(msg string, fields watermill.LogFields) {
	w.logger.Debug().Fields(map[string]interface{}(fields)).Msg(msg)
}

func (w *watermillLogger) Debug(msg string, fields watermill.LogFields) {
	w.logger.Debug().Fields(map[string]interface{}(fields)).Msg(msg)
}

func (w *watermillLogger) Trace(msg string, fields watermill.LogFields) {
	w.logger.Trace().Fields(map[string]interface{}(fields)).Msg(msg)
}

func (w *watermillLogger) With(fields watermill.LogFields) watermill.LoggerAdapter {
	return &watermillLogger{logger: w.logger.With().Fields(map[string]interface{}(fields)).Logger()}
}
