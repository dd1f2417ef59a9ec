package dispatch

import (
	"context"
	"testing"
	"time"

	"github.com/Phuociter/medichat/internal/bus"
	"github.com/Phuociter/medichat/internal/directory"
	"github.com/Phuociter/medichat/internal/gateway"
	"github.com/Phuociter/medichat/internal/store"
	"github.com/Phuociter/medichat/internal/stream"
	"github.com/Phuociter/medichat/internal/transport"
	"github.com/Phuociter/medichat/internal/typing"
)

type nilGateway struct{}

func (nilGateway) FetchConversations(ctx context.Context, page, size int) ([]store.Conversation, error) {
	return nil, nil
}

func (nilGateway) FetchMessages(ctx context.Context, conversationID string, page, size int) (*gateway.MessagePage, error) {
	return &gateway.MessagePage{}, nil
}

func (nilGateway) SendMessage(ctx context.Context, req gateway.SendRequest) (*store.Message, error) {
	return nil, nil
}

func (nilGateway) MarkConversationRead(ctx context.Context, conversationID string) error {
	return nil
}

type fixture struct {
	bus     *bus.Bus
	stream  *stream.Synchronizer
	dir     *directory.Directory
	tracker *typing.Tracker
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	b := bus.New()
	gw := nilGateway{}
	s := stream.New(nil, gw, b, nil, "self", 15*time.Second, 50)
	dir := directory.New(nil, gw, b, nil)
	tracker := typing.NewTracker(5 * time.Second)

	d := New(b, s, dir, tracker, nil)
	ctx, cancel := context.WithCancel(context.Background())
	d.Start(ctx)
	t.Cleanup(func() {
		cancel()
		d.Stop()
	})
	return &fixture{bus: b, stream: s, dir: dir, tracker: tracker}
}

func waitFor(t *testing.T, desc string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", desc)
}

func pushMessage(b *bus.Bus, conv, id, body string, fromMe bool, ts int64) {
	b.Publish(bus.Event{
		Kind:      "push.message",
		Timestamp: time.Now(),
		Payload: transport.MessageEvent{
			ConversationID: conv,
			Message:        transport.PushMessage{ID: id, SenderID: "u2", Body: body, FromMe: fromMe, Timestamp: ts},
		},
	})
}

func TestMessageForActiveConversationEntersStream(t *testing.T) {
	f := newFixture(t)
	f.stream.SetActive("c1")

	pushMessage(f.bus, "c1", "m1", "hello", false, 1000)

	waitFor(t, "stream merge", func() bool { return len(f.stream.Snapshot()) == 1 })

	// The active conversation never gains unread.
	waitFor(t, "directory update", func() bool { return f.dir.Get("c1") != nil })
	if c := f.dir.Get("c1"); c.UnreadCount != 0 {
		t.Errorf("unread = %d, want 0 for active conversation", c.UnreadCount)
	}
	if c := f.dir.Get("c1"); c.LastMessagePreview != "hello" {
		t.Errorf("preview = %q, want hello", c.LastMessagePreview)
	}
}

func TestMessageForInactiveConversationBumpsUnread(t *testing.T) {
	f := newFixture(t)
	f.stream.SetActive("c1")

	pushMessage(f.bus, "c2", "m1", "waiting room update", false, 1000)
	pushMessage(f.bus, "c2", "m2", "second", false, 2000)

	waitFor(t, "unread bump", func() bool {
		c := f.dir.Get("c2")
		return c != nil && c.UnreadCount == 2
	})

	if len(f.stream.Snapshot()) != 0 {
		t.Error("inactive conversation message must not enter the stream")
	}
}

func TestOwnEchoDoesNotBumpUnread(t *testing.T) {
	f := newFixture(t)
	f.stream.SetActive("c1")

	// Echo of a message this account sent from another device.
	pushMessage(f.bus, "c2", "m1", "from my other device", true, 1000)

	waitFor(t, "directory update", func() bool { return f.dir.Get("c2") != nil })
	if c := f.dir.Get("c2"); c.UnreadCount != 0 {
		t.Errorf("unread = %d, want 0 for own echo", c.UnreadCount)
	}
}

func TestConversationEventPatchesDirectory(t *testing.T) {
	f := newFixture(t)

	unread := 4
	f.bus.Publish(bus.Event{
		Kind:      "push.conversation",
		Timestamp: time.Now(),
		Payload: transport.ConversationEvent{
			ID: "c3", Title: "Dr. Okafor", LastMessageAt: 7000, UnreadCount: &unread,
		},
	})

	waitFor(t, "conversation patch", func() bool {
		c := f.dir.Get("c3")
		return c != nil && c.UnreadCount == 4 && c.Title == "Dr. Okafor"
	})
}

func TestTypingEventFeedsTracker(t *testing.T) {
	f := newFixture(t)

	f.bus.Publish(bus.Event{
		Kind:      "push.typing",
		Timestamp: time.Now(),
		Payload:   transport.TypingEvent{ConversationID: "c1", UserID: "u2", Typing: true},
	})

	waitFor(t, "tracker update", func() bool {
		typists := f.tracker.Typists("c1")
		return len(typists) == 1 && typists[0] == "u2"
	})
}

func TestMalformedEventIsSkipped(t *testing.T) {
	f := newFixture(t)
	f.stream.SetActive("c1")

	// Wrong payload type, then a missing-ID message; neither may wedge the
	// dispatcher.
	f.bus.Publish(bus.Event{Kind: "push.message", Timestamp: time.Now(), Payload: "garbage"})
	pushMessage(f.bus, "c1", "", "no id", false, 1000)

	pushMessage(f.bus, "c1", "m1", "still alive", false, 2000)
	waitFor(t, "dispatcher still routing", func() bool { return len(f.stream.Snapshot()) == 1 })
}
