// Package dispatch routes decoded push events to the component that owns
// the affected state: messages for the active conversation go to the
// stream, everything else updates the directory, typing signals feed the
// tracker. Event processing never propagates errors; a malformed event is
// counted and skipped so the push channel cannot wedge the sync state.
package dispatch

import (
	"context"

	"go.uber.org/zap"

	"github.com/Phuociter/medichat/internal/bus"
	"github.com/Phuociter/medichat/internal/directory"
	"github.com/Phuociter/medichat/internal/metrics"
	"github.com/Phuociter/medichat/internal/store"
	"github.com/Phuociter/medichat/internal/stream"
	"github.com/Phuociter/medichat/internal/transport"
	"github.com/Phuociter/medichat/internal/typing"
)

const previewLen = 100

// Dispatcher fans pushed events out to the stream, directory, and typing
// tracker.
type Dispatcher struct {
	bus     *bus.Bus
	stream  *stream.Synchronizer
	dir     *directory.Directory
	tracker *typing.Tracker
	logger  *zap.Logger

	unsubscribe func()
	done        chan struct{}
}

// New creates a dispatcher.
func New(b *bus.Bus, s *stream.Synchronizer, d *directory.Directory, tracker *typing.Tracker, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		bus:     b,
		stream:  s,
		dir:     d,
		tracker: tracker,
		logger:  logger,
	}
}

// Start subscribes to the push namespace and begins routing.
func (d *Dispatcher) Start(ctx context.Context) {
	ch, cancel := d.bus.Subscribe("push.", 256)
	d.unsubscribe = cancel
	d.done = make(chan struct{})

	go func() {
		defer close(d.done)
		for {
			select {
			case <-ctx.Done():
				return
			case evt, ok := <-ch:
				if !ok {
					return
				}
				d.handle(evt)
			}
		}
	}()
}

// Stop unsubscribes and waits for the routing loop to drain.
func (d *Dispatcher) Stop() {
	if d.unsubscribe == nil {
		return
	}
	d.unsubscribe()
	// The loop may be blocked on the channel; closing the subscription
	// leaves it selecting on ctx, which the daemon cancels on shutdown.
}

func (d *Dispatcher) handle(evt bus.Event) {
	switch evt.Kind {
	case "push.message":
		payload, ok := evt.Payload.(transport.MessageEvent)
		if !ok {
			d.drop(evt)
			return
		}
		d.handleMessage(payload)
	case "push.conversation":
		payload, ok := evt.Payload.(transport.ConversationEvent)
		if !ok {
			d.drop(evt)
			return
		}
		metrics.PushEvents.WithLabelValues("conversation").Inc()
		d.dir.ApplyInboundEvent(payload.ToPatch(), d.stream.Active())
	case "push.typing":
		payload, ok := evt.Payload.(transport.TypingEvent)
		if !ok {
			d.drop(evt)
			return
		}
		metrics.PushEvents.WithLabelValues("typing").Inc()
		d.tracker.Apply(payload.ConversationID, payload.UserID, payload.Typing)
	}
}

// handleMessage routes one pushed message. The stream only accepts it for
// the active conversation; the directory patch applies either way so the
// sidebar preview and unread count stay current.
func (d *Dispatcher) handleMessage(payload transport.MessageEvent) {
	msg := payload.ToStore()
	if msg.ConversationID == "" || msg.MsgID == "" {
		d.logger.Warn("dropping message event without IDs")
		metrics.PushDropped.WithLabelValues("malformed").Inc()
		return
	}
	metrics.PushEvents.WithLabelValues("message").Inc()

	active := d.stream.Active()
	if msg.ConversationID == active {
		d.stream.MergeInbound(&msg)
	}

	delta := 0
	if !msg.FromMe && msg.ConversationID != active {
		delta = 1
	}
	d.dir.ApplyInboundEvent(store.ConversationPatch{
		ID:                 msg.ConversationID,
		LastMessageAt:      msg.Timestamp,
		LastMessagePreview: truncate(msg.Body, previewLen),
		UnreadDelta:        delta,
	}, active)
}

func (d *Dispatcher) drop(evt bus.Event) {
	d.logger.Warn("dropping push event with unexpected payload", zap.String("kind", evt.Kind))
	metrics.PushDropped.WithLabelValues("malformed").Inc()
}

func truncate(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}
