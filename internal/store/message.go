package store

import (
	"database/sql"
	"encoding/json"
	"time"
)

// UpsertMessage inserts or updates a message (idempotent on conversation_id + msg_id).
func (db *DB) UpsertMessage(m *Message) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO messages (conversation_id, msg_id, sender_id, sender_name, body, attachments, from_me, status, error_detail, timestamp, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(conversation_id, msg_id) DO UPDATE SET
			sender_name = excluded.sender_name,
			body = excluded.body,
			attachments = excluded.attachments,
			status = excluded.status,
			error_detail = excluded.error_detail`,
		m.ConversationID, m.MsgID, m.SenderID, m.SenderName, m.Body, encodeAttachments(m.Attachments),
		m.FromMe, m.Status, m.ErrorDetail, m.Timestamp, now)
	return err
}

// ListMessages returns messages for a conversation using keyset pagination
// by timestamp, newest first.
func (db *DB) ListMessages(conversationID string, beforeTs int64, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 50
	}
	if beforeTs <= 0 {
		beforeTs = time.Now().UnixMilli() + 1
	}
	rows, err := db.Query(`
		SELECT id, conversation_id, msg_id, sender_id, sender_name, body, attachments, from_me, status, error_detail, timestamp
		FROM messages
		WHERE conversation_id = ? AND timestamp < ?
		ORDER BY timestamp DESC
		LIMIT ?`, conversationID, beforeTs, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanMessages(rows)
}

// GetMessageByMsgID returns a message by its durable or provisional ID.
func (db *DB) GetMessageByMsgID(msgID string) (*Message, error) {
	row := db.QueryRow(`
		SELECT id, conversation_id, msg_id, sender_id, sender_name, body, attachments, from_me, status, error_detail, timestamp
		FROM messages
		WHERE msg_id = ?`, msgID)

	var m Message
	var atts string
	err := row.Scan(&m.ID, &m.ConversationID, &m.MsgID, &m.SenderID, &m.SenderName, &m.Body, &atts,
		&m.FromMe, &m.Status, &m.ErrorDetail, &m.Timestamp)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	m.Attachments = decodeAttachments(atts)
	return &m, nil
}

// ReplaceMessageID swaps a provisional entry's identity for its durable
// counterpart in place, preserving the row (and so its local ordering).
func (db *DB) ReplaceMessageID(provisionalID string, durable *Message) error {
	_, err := db.Exec(`
		UPDATE messages
		SET msg_id = ?, conversation_id = ?, status = ?, error_detail = '', attachments = ?, timestamp = ?
		WHERE msg_id = ?`,
		durable.MsgID, durable.ConversationID, durable.Status, encodeAttachments(durable.Attachments),
		durable.Timestamp, provisionalID)
	return err
}

// UpdateMessageStatus sets a message's delivery status and error detail.
func (db *DB) UpdateMessageStatus(msgID, status, errorDetail string) error {
	_, err := db.Exec(`UPDATE messages SET status = ?, error_detail = ? WHERE msg_id = ?`, status, errorDetail, msgID)
	return err
}

// DeleteMessageByMsgID removes a message entirely. Only the send pipeline's
// discard and redundant-provisional cleanup use this.
func (db *DB) DeleteMessageByMsgID(msgID string) error {
	_, err := db.Exec(`DELETE FROM messages WHERE msg_id = ?`, msgID)
	return err
}

func scanMessages(rows *sql.Rows) ([]Message, error) {
	var msgs []Message
	for rows.Next() {
		var m Message
		var atts string
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.MsgID, &m.SenderID, &m.SenderName, &m.Body, &atts,
			&m.FromMe, &m.Status, &m.ErrorDetail, &m.Timestamp); err != nil {
			return nil, err
		}
		m.Attachments = decodeAttachments(atts)
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

func encodeAttachments(atts []Attachment) string {
	if len(atts) == 0 {
		return "[]"
	}
	data, err := json.Marshal(atts)
	if err != nil {
		return "[]"
	}
	return string(data)
}

func decodeAttachments(data string) []Attachment {
	if data == "" || data == "[]" {
		return nil
	}
	var atts []Attachment
	if err := json.Unmarshal([]byte(data), &atts); err != nil {
		return nil
	}
	return atts
}
