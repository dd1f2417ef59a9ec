package stream

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/Phuociter/medichat/internal/bus"
	"github.com/Phuociter/medichat/internal/gateway"
	"github.com/Phuociter/medichat/internal/store"
)

type fakeGateway struct {
	pages map[int]*gateway.MessagePage
	err   error
}

func (f *fakeGateway) FetchConversations(ctx context.Context, page, size int) ([]store.Conversation, error) {
	return nil, nil
}

func (f *fakeGateway) FetchMessages(ctx context.Context, conversationID string, page, size int) (*gateway.MessagePage, error) {
	if f.err != nil {
		return nil, f.err
	}
	p, ok := f.pages[page]
	if !ok {
		return &gateway.MessagePage{}, nil
	}
	return p, nil
}

func (f *fakeGateway) SendMessage(ctx context.Context, req gateway.SendRequest) (*store.Message, error) {
	return nil, errors.New("not implemented")
}

func (f *fakeGateway) MarkConversationRead(ctx context.Context, conversationID string) error {
	return nil
}

func testDB(t *testing.T) *store.DB {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func newTestSync(t *testing.T, gw gateway.Client) *Synchronizer {
	t.Helper()
	return New(testDB(t), gw, bus.New(), nil, "self", 15*time.Second, 50)
}

func msgIDs(msgs []store.Message) []string {
	ids := make([]string, len(msgs))
	for i, m := range msgs {
		ids[i] = m.MsgID
	}
	return ids
}

func TestLoadPageAppendsOlderAndSkipsOverlap(t *testing.T) {
	gw := &fakeGateway{pages: map[int]*gateway.MessagePage{
		0: {
			Messages: []store.Message{
				{ConversationID: "c1", MsgID: "m3", Body: "three", Timestamp: 3000},
				{ConversationID: "c1", MsgID: "m2", Body: "two", Timestamp: 2000},
			},
			TotalCount: 3, HasMore: true,
		},
		1: {
			// Overlapping page: m2 repeats after a concurrent insert shifted
			// the server-side pagination.
			Messages: []store.Message{
				{ConversationID: "c1", MsgID: "m2", Body: "two", Timestamp: 2000},
				{ConversationID: "c1", MsgID: "m1", Body: "one", Timestamp: 1000},
			},
			TotalCount: 3, HasMore: false,
		},
	}}
	s := newTestSync(t, gw)
	s.SetActive("c1")

	if _, err := s.LoadPage(context.Background(), "c1", 0); err != nil {
		t.Fatal(err)
	}
	if _, err := s.LoadPage(context.Background(), "c1", 1); err != nil {
		t.Fatal(err)
	}

	snap := s.Snapshot()
	if got := msgIDs(snap); len(got) != 3 || got[0] != "m3" || got[1] != "m2" || got[2] != "m1" {
		t.Errorf("snapshot order = %v, want [m3 m2 m1]", got)
	}
	if s.TotalCount() != 3 || s.HasMore() {
		t.Errorf("total = %d, hasMore = %v, want 3/false", s.TotalCount(), s.HasMore())
	}
}

func TestLoadPageWrongConversation(t *testing.T) {
	s := newTestSync(t, &fakeGateway{})
	s.SetActive("c1")

	if _, err := s.LoadPage(context.Background(), "c2", 0); !errors.Is(err, ErrNotActive) {
		t.Errorf("err = %v, want ErrNotActive", err)
	}
}

func TestMergeInboundInsertsPeerMessage(t *testing.T) {
	s := newTestSync(t, &fakeGateway{})
	s.SetActive("c1")

	s.MergeInbound(&store.Message{ConversationID: "c1", MsgID: "m1", SenderID: "u2", Body: "hi", Status: store.StatusReceived, Timestamp: 1000})
	s.MergeInbound(&store.Message{ConversationID: "c1", MsgID: "m2", SenderID: "u2", Body: "again", Status: store.StatusReceived, Timestamp: 2000})

	snap := s.Snapshot()
	if got := msgIDs(snap); len(got) != 2 || got[0] != "m2" {
		t.Errorf("snapshot = %v, want newest first [m2 m1]", got)
	}
	if s.TotalCount() != 2 {
		t.Errorf("total = %d, want 2", s.TotalCount())
	}
}

func TestMergeInboundDedupsDurableID(t *testing.T) {
	s := newTestSync(t, &fakeGateway{})
	s.SetActive("c1")

	m := &store.Message{ConversationID: "c1", MsgID: "m1", SenderID: "u2", Body: "hi", Timestamp: 1000}
	s.MergeInbound(m)
	dup := *m
	s.MergeInbound(&dup)

	if len(s.Snapshot()) != 1 {
		t.Errorf("got %d entries, want 1 (duplicate durable ID must be dropped)", len(s.Snapshot()))
	}
}

func TestMergeInboundIgnoresInactiveConversation(t *testing.T) {
	s := newTestSync(t, &fakeGateway{})
	s.SetActive("c1")

	s.MergeInbound(&store.Message{ConversationID: "c2", MsgID: "m1", Body: "elsewhere", Timestamp: 1000})

	if len(s.Snapshot()) != 0 {
		t.Error("message for inactive conversation must not enter the stream")
	}
}

func TestInsertProvisionalForInactiveConversationStaysOut(t *testing.T) {
	s := newTestSync(t, &fakeGateway{})
	s.SetActive("c1")

	s.InsertProvisional(&store.Message{ConversationID: "c2", MsgID: "prov_1", Body: "hi", FromMe: true, Status: store.StatusPending, Timestamp: 1000})

	if len(s.Snapshot()) != 0 {
		t.Error("provisional for another conversation must not enter the active list")
	}
	// It still reaches the cache db so the send survives and reconciles.
	m, err := s.db.GetMessageByMsgID("prov_1")
	if err != nil {
		t.Fatal(err)
	}
	if m == nil || m.ConversationID != "c2" {
		t.Errorf("cached row = %+v, want prov_1 under c2", m)
	}
}

func TestMergeInboundReplacesProvisionalEcho(t *testing.T) {
	s := newTestSync(t, &fakeGateway{})
	s.SetActive("c1")

	merged, cancel := s.bus.Subscribe("stream.merged_provisional", 4)
	defer cancel()

	prov := &store.Message{ConversationID: "c1", MsgID: "prov_1", SenderID: "self", Body: "hello", FromMe: true, Status: store.StatusPending, Timestamp: 10_000}
	s.InsertProvisional(prov)
	s.MergeInbound(&store.Message{ConversationID: "c1", MsgID: "m-older", SenderID: "u2", Body: "earlier", Timestamp: 5000})

	// The push echo arrives 2s later with the durable ID.
	s.MergeInbound(&store.Message{ConversationID: "c1", MsgID: "srv-1", SenderID: "self", Body: "hello", FromMe: true, Status: store.StatusSent, Timestamp: 12_000})

	snap := s.Snapshot()
	if len(snap) != 2 {
		t.Fatalf("got %d entries, want 2 (echo must replace, not insert)", len(snap))
	}
	// The provisional entry keeps its slot below the later-arrived peer
	// message; only its identity and status change.
	if got := msgIDs(snap); got[0] != "m-older" || got[1] != "srv-1" {
		t.Errorf("order = %v, want [m-older srv-1] with position preserved", got)
	}
	if snap[1].Status != store.StatusSent {
		t.Errorf("status = %q, want sent", snap[1].Status)
	}

	select {
	case evt := <-merged:
		payload := evt.Payload.(map[string]string)
		if payload["provisional_id"] != "prov_1" || payload["durable_id"] != "srv-1" {
			t.Errorf("merge event payload = %v", payload)
		}
	default:
		t.Error("expected stream.merged_provisional event")
	}
}

func TestMergeInboundOutsideWindowInsertsNewEntry(t *testing.T) {
	s := newTestSync(t, &fakeGateway{})
	s.SetActive("c1")

	prov := &store.Message{ConversationID: "c1", MsgID: "prov_1", SenderID: "self", Body: "ok", FromMe: true, Status: store.StatusPending, Timestamp: 10_000}
	s.InsertProvisional(prov)

	// Same body 20s later is a genuinely distinct message.
	s.MergeInbound(&store.Message{ConversationID: "c1", MsgID: "srv-9", SenderID: "self", Body: "ok", FromMe: true, Status: store.StatusSent, Timestamp: 30_000})

	if len(s.Snapshot()) != 2 {
		t.Errorf("got %d entries, want 2 (outside dedup window both survive)", len(s.Snapshot()))
	}
}

func TestReconcileConfirmedReplacesInPlace(t *testing.T) {
	s := newTestSync(t, &fakeGateway{})
	s.SetActive("c1")

	s.MergeInbound(&store.Message{ConversationID: "c1", MsgID: "m1", SenderID: "u2", Body: "old", Timestamp: 1000})
	s.InsertProvisional(&store.Message{ConversationID: "c1", MsgID: "prov_1", Body: "hi", FromMe: true, Status: store.StatusPending, Timestamp: 2000})

	s.Reconcile("prov_1", Confirmed(&store.Message{ConversationID: "c1", MsgID: "srv-1", Body: "hi", FromMe: true, Status: store.StatusSent, Timestamp: 2100}))

	snap := s.Snapshot()
	if got := msgIDs(snap); len(got) != 2 || got[0] != "srv-1" || got[1] != "m1" {
		t.Errorf("snapshot = %v, want [srv-1 m1] with position preserved", got)
	}
	if snap[0].Status != store.StatusSent || snap[0].Timestamp != 2100 {
		t.Errorf("reconciled entry = %+v, want sent/2100", snap[0])
	}
}

func TestReconcileConfirmedRedundantAfterEcho(t *testing.T) {
	s := newTestSync(t, &fakeGateway{})
	s.SetActive("c1")

	s.InsertProvisional(&store.Message{ConversationID: "c1", MsgID: "prov_1", Body: "hi", FromMe: true, Status: store.StatusPending, Timestamp: 2000})
	// Server normalized the body, so the echo missed the content match and
	// inserted as a fresh entry.
	s.MergeInbound(&store.Message{ConversationID: "c1", MsgID: "srv-1", Body: "hi.", FromMe: true, Status: store.StatusSent, Timestamp: 2100})

	s.Reconcile("prov_1", Confirmed(&store.Message{ConversationID: "c1", MsgID: "srv-1", Body: "hi.", FromMe: true, Status: store.StatusSent, Timestamp: 2100}))

	snap := s.Snapshot()
	if got := msgIDs(snap); len(got) != 1 || got[0] != "srv-1" {
		t.Errorf("snapshot = %v, want only [srv-1]", got)
	}
}

func TestReconcileFailedMarksInPlace(t *testing.T) {
	s := newTestSync(t, &fakeGateway{})
	s.SetActive("c1")

	s.InsertProvisional(&store.Message{ConversationID: "c1", MsgID: "prov_1", Body: "hi", FromMe: true, Status: store.StatusPending, Timestamp: 2000})
	s.Reconcile("prov_1", Failed(errors.New("network timeout")))

	snap := s.Snapshot()
	if len(snap) != 1 || snap[0].Status != store.StatusFailed {
		t.Fatalf("snapshot = %+v, want single failed entry", snap)
	}
	if snap[0].ErrorDetail != "network timeout" {
		t.Errorf("error detail = %q", snap[0].ErrorDetail)
	}
	if snap[0].MsgID != "prov_1" {
		t.Errorf("failed entry must keep its provisional ID, got %q", snap[0].MsgID)
	}
}

func TestReconcileAfterConversationSwitch(t *testing.T) {
	s := newTestSync(t, &fakeGateway{})
	s.SetActive("c1")
	s.InsertProvisional(&store.Message{ConversationID: "c1", MsgID: "prov_1", Body: "hi", FromMe: true, Status: store.StatusPending, Timestamp: 2000})

	// The user opens another conversation while the send is in flight.
	s.SetActive("c2")

	s.Reconcile("prov_1", Confirmed(&store.Message{ConversationID: "c1", MsgID: "srv-1", Body: "hi", FromMe: true, Status: store.StatusSent, Timestamp: 2100}))

	if m, _ := s.db.GetMessageByMsgID("prov_1"); m != nil {
		t.Error("provisional row still in cache db after reconcile")
	}
	m, err := s.db.GetMessageByMsgID("srv-1")
	if err != nil {
		t.Fatal(err)
	}
	if m == nil || m.Status != store.StatusSent {
		t.Errorf("durable row = %+v, want sent", m)
	}
}

func TestSetStatusForRetry(t *testing.T) {
	s := newTestSync(t, &fakeGateway{})
	s.SetActive("c1")
	s.InsertProvisional(&store.Message{ConversationID: "c1", MsgID: "prov_1", Body: "hi", FromMe: true, Status: store.StatusFailed, ErrorDetail: "boom", Timestamp: 2000})

	s.SetStatus("prov_1", store.StatusPending, "")

	snap := s.Snapshot()
	if snap[0].Status != store.StatusPending || snap[0].ErrorDetail != "" {
		t.Errorf("entry = %+v, want pending with cleared error", snap[0])
	}
}

func TestRemoveProvisional(t *testing.T) {
	s := newTestSync(t, &fakeGateway{})
	s.SetActive("c1")
	s.InsertProvisional(&store.Message{ConversationID: "c1", MsgID: "prov_1", Body: "hi", FromMe: true, Status: store.StatusFailed, Timestamp: 2000})

	s.RemoveProvisional("prov_1")

	if len(s.Snapshot()) != 0 {
		t.Error("entry still present after discard")
	}
	if m, _ := s.db.GetMessageByMsgID("prov_1"); m != nil {
		t.Error("cache db row still present after discard")
	}
}

func TestBindConversationForNewThread(t *testing.T) {
	s := newTestSync(t, &fakeGateway{})
	s.SetActive("")
	s.InsertProvisional(&store.Message{MsgID: "prov_1", Body: "first", FromMe: true, Status: store.StatusPending, Timestamp: 2000})

	s.BindConversation("c-new")

	if s.Active() != "c-new" {
		t.Errorf("active = %q, want c-new", s.Active())
	}
	if snap := s.Snapshot(); snap[0].ConversationID != "c-new" {
		t.Errorf("entry conversation = %q, want c-new", snap[0].ConversationID)
	}
}
