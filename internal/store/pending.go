package store

import "time"

// InsertPendingSend records a new in-flight send keyed by provisional ID.
func (db *DB) InsertPendingSend(p *PendingSend) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO pending_sends (provisional_id, conversation_id, recipient_id, body, attachments, retry_count, status, submitted_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ProvisionalID, p.ConversationID, p.RecipientID, p.Body, encodeAttachments(p.Attachments),
		p.RetryCount, PendingInflight, p.SubmittedAt, now)
	return err
}

// MarkPendingInflight transitions a record back to inflight (retry path)
// and bumps its retry count.
func (db *DB) MarkPendingInflight(provisionalID string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		UPDATE pending_sends
		SET status = ?, error_message = '', retry_count = retry_count + 1, updated_at = ?
		WHERE provisional_id = ?`, PendingInflight, now, provisionalID)
	return err
}

// MarkPendingFailed records a terminal-until-retried failure.
func (db *DB) MarkPendingFailed(provisionalID, errMsg string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		UPDATE pending_sends SET status = ?, error_message = ?, updated_at = ?
		WHERE provisional_id = ?`, PendingFailed, errMsg, now, provisionalID)
	return err
}

// DeletePendingSend removes a record after reconciliation or discard.
func (db *DB) DeletePendingSend(provisionalID string) error {
	_, err := db.Exec(`DELETE FROM pending_sends WHERE provisional_id = ?`, provisionalID)
	return err
}

// ListPendingSends returns all pending-send records, oldest first.
func (db *DB) ListPendingSends() ([]PendingSend, error) {
	rows, err := db.Query(`
		SELECT id, provisional_id, conversation_id, recipient_id, body, attachments, retry_count, status, error_message, submitted_at
		FROM pending_sends ORDER BY submitted_at ASC`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var entries []PendingSend
	for rows.Next() {
		var p PendingSend
		var atts string
		if err := rows.Scan(&p.ID, &p.ProvisionalID, &p.ConversationID, &p.RecipientID, &p.Body, &atts,
			&p.RetryCount, &p.Status, &p.ErrorMessage, &p.SubmittedAt); err != nil {
			return nil, err
		}
		p.Attachments = decodeAttachments(atts)
		entries = append(entries, p)
	}
	return entries, rows.Err()
}
