package store

import (
	"path/filepath"
	"testing"
)

func testDB(t *testing.T) *DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestMigrateIdempotent(t *testing.T) {
	db := testDB(t)

	// testDB already ran Migrate, so run it again to check idempotency.
	result, err := db.Migrate()
	if err != nil {
		t.Fatal(err)
	}
	if result.Changed {
		t.Error("second Migrate() should report Changed=false")
	}
	if result.Version != 2 {
		t.Errorf("version = %d, want 2 (init + fts)", result.Version)
	}
}

func TestConversationUpsertAndList(t *testing.T) {
	db := testDB(t)

	conv := &Conversation{ID: "c1", Title: "Dr. Reyes", LastMessageAt: 1000, LastMessagePreview: "hello"}
	if err := db.UpsertConversation(conv); err != nil {
		t.Fatal(err)
	}

	// Update title.
	conv.Title = "Dr. Reyes (Pediatrics)"
	if err := db.UpsertConversation(conv); err != nil {
		t.Fatal(err)
	}

	if err := db.UpsertConversation(&Conversation{ID: "c2", LastMessageAt: 2000}); err != nil {
		t.Fatal(err)
	}

	convs, err := db.ListConversations(10, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(convs) != 2 {
		t.Fatalf("got %d conversations, want 2", len(convs))
	}
	// Most recent first.
	if convs[0].ID != "c2" || convs[1].ID != "c1" {
		t.Errorf("order = [%s %s], want [c2 c1]", convs[0].ID, convs[1].ID)
	}
	if convs[1].Title != "Dr. Reyes (Pediatrics)" {
		t.Errorf("title = %q, want updated title", convs[1].Title)
	}
}

func TestGetConversationMissing(t *testing.T) {
	db := testDB(t)

	c, err := db.GetConversation("missing")
	if err != nil {
		t.Fatal(err)
	}
	if c != nil {
		t.Error("expected nil for missing conversation")
	}
}

func TestMessageUpsertIdempotent(t *testing.T) {
	db := testDB(t)

	msg := &Message{ConversationID: "c1", MsgID: "m1", Body: "hello", Status: StatusReceived, Timestamp: 1000}
	if err := db.UpsertMessage(msg); err != nil {
		t.Fatal(err)
	}
	// Upsert again should not create a duplicate.
	msg.Body = "hello updated"
	if err := db.UpsertMessage(msg); err != nil {
		t.Fatal(err)
	}

	msgs, err := db.ListMessages("c1", 0, 100)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 {
		t.Fatalf("got %d messages, want 1 (idempotent upsert failed)", len(msgs))
	}
	if msgs[0].Body != "hello updated" {
		t.Errorf("body = %q, want hello updated", msgs[0].Body)
	}
}

func TestMessageAttachmentsRoundTrip(t *testing.T) {
	db := testDB(t)

	msg := &Message{
		ConversationID: "c1", MsgID: "m1", Body: "scan attached",
		Attachments: []Attachment{{Name: "xray.png", Size: 2048, ContentType: "image/png", URL: "https://files/xray.png"}},
		Status:      StatusReceived, Timestamp: 1000,
	}
	if err := db.UpsertMessage(msg); err != nil {
		t.Fatal(err)
	}

	msgs, err := db.ListMessages("c1", 0, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 || len(msgs[0].Attachments) != 1 {
		t.Fatalf("got %d messages with %d attachments, want 1/1", len(msgs), len(msgs[0].Attachments))
	}
	if msgs[0].Attachments[0].Name != "xray.png" || msgs[0].Attachments[0].Size != 2048 {
		t.Errorf("attachment = %+v, want xray.png/2048", msgs[0].Attachments[0])
	}
}

func TestReplaceMessageID(t *testing.T) {
	db := testDB(t)

	prov := &Message{ConversationID: "c1", MsgID: "prov_abc", Body: "hi", FromMe: true, Status: StatusPending, Timestamp: 1000}
	if err := db.UpsertMessage(prov); err != nil {
		t.Fatal(err)
	}

	durable := &Message{ConversationID: "c1", MsgID: "srv-1", Body: "hi", FromMe: true, Status: StatusSent, Timestamp: 1200}
	if err := db.ReplaceMessageID("prov_abc", durable); err != nil {
		t.Fatal(err)
	}

	if m, _ := db.GetMessageByMsgID("prov_abc"); m != nil {
		t.Error("provisional entry still present after replace")
	}
	m, err := db.GetMessageByMsgID("srv-1")
	if err != nil {
		t.Fatal(err)
	}
	if m == nil {
		t.Fatal("durable entry missing after replace")
	}
	if m.Status != StatusSent {
		t.Errorf("status = %q, want sent", m.Status)
	}

	msgs, _ := db.ListMessages("c1", 0, 10)
	if len(msgs) != 1 {
		t.Errorf("got %d messages, want 1 (replace must not duplicate)", len(msgs))
	}
}

func TestUpdateMessageStatus(t *testing.T) {
	db := testDB(t)

	if err := db.UpsertMessage(&Message{ConversationID: "c1", MsgID: "prov_x", Body: "hi", Status: StatusPending, Timestamp: 1000}); err != nil {
		t.Fatal(err)
	}
	if err := db.UpdateMessageStatus("prov_x", StatusFailed, "network timeout"); err != nil {
		t.Fatal(err)
	}

	m, _ := db.GetMessageByMsgID("prov_x")
	if m == nil || m.Status != StatusFailed || m.ErrorDetail != "network timeout" {
		t.Errorf("got %+v, want failed/network timeout", m)
	}
}

func TestPendingSendLifecycle(t *testing.T) {
	db := testDB(t)

	p := &PendingSend{ProvisionalID: "prov_1", ConversationID: "c1", Body: "hello", SubmittedAt: 1000}
	if err := db.InsertPendingSend(p); err != nil {
		t.Fatal(err)
	}

	entries, err := db.ListPendingSends()
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].Status != PendingInflight {
		t.Fatalf("got %d entries (status %q), want 1 inflight", len(entries), entries[0].Status)
	}

	if err := db.MarkPendingFailed("prov_1", "boom"); err != nil {
		t.Fatal(err)
	}
	entries, _ = db.ListPendingSends()
	if entries[0].Status != PendingFailed || entries[0].ErrorMessage != "boom" {
		t.Errorf("got %+v, want failed/boom", entries[0])
	}

	if err := db.MarkPendingInflight("prov_1"); err != nil {
		t.Fatal(err)
	}
	entries, _ = db.ListPendingSends()
	if entries[0].Status != PendingInflight {
		t.Errorf("status = %q, want inflight after retry", entries[0].Status)
	}
	if entries[0].RetryCount != 1 {
		t.Errorf("retry_count = %d, want 1", entries[0].RetryCount)
	}

	if err := db.DeletePendingSend("prov_1"); err != nil {
		t.Fatal(err)
	}
	entries, _ = db.ListPendingSends()
	if len(entries) != 0 {
		t.Errorf("got %d entries after delete, want 0", len(entries))
	}
}

func TestSearchMessages(t *testing.T) {
	db := testDB(t)

	if err := db.UpsertMessage(&Message{ConversationID: "c1", MsgID: "m1", Body: "allergy results are in", Status: StatusReceived, Timestamp: 1000}); err != nil {
		t.Fatal(err)
	}
	if err := db.UpsertMessage(&Message{ConversationID: "c1", MsgID: "m2", Body: "see you tomorrow", Status: StatusReceived, Timestamp: 2000}); err != nil {
		t.Fatal(err)
	}

	results, err := db.SearchMessages("allergy", "", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 1 {
		t.Fatalf("got %d results, want 1", len(results))
	}
	if results[0].Message.MsgID != "m1" {
		t.Errorf("msg_id = %q, want m1", results[0].Message.MsgID)
	}
}
