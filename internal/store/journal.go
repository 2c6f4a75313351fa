package store

import (
	"database/sql"
	"errors"
	"time"
)

// RecordSend adds a send intent to the journal with pending status.
// Recording the same correlation id twice is a no-op.
func (db *DB) RecordSend(correlationID, conversationID, body, msgType string, now time.Time) error {
	ts := now.UnixMilli()
	_, err := db.Exec(`
		INSERT INTO send_journal (correlation_id, conversation_id, body, type, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(correlation_id) DO NOTHING`,
		correlationID, conversationID, body, msgType, StatusPending, ts, ts)
	return err
}

// UpdateSendStatus records a status transition for a journaled send.
// serverID and errMsg are only written when non-empty.
func (db *DB) UpdateSendStatus(correlationID string, status Status, serverID, errMsg string, now time.Time) error {
	_, err := db.Exec(`
		UPDATE send_journal SET
			status = ?,
			server_id = CASE WHEN ? != '' THEN ? ELSE server_id END,
			error_message = CASE WHEN ? != '' THEN ? ELSE error_message END,
			updated_at = ?
		WHERE correlation_id = ?`,
		status, serverID, serverID, errMsg, errMsg, now.UnixMilli(), correlationID)
	return err
}

// GetSend returns the journal entry for a correlation id, or nil if absent.
func (db *DB) GetSend(correlationID string) (*JournalEntry, error) {
	var e JournalEntry
	err := db.QueryRow(`
		SELECT id, correlation_id, server_id, conversation_id, body, type, status, error_message
		FROM send_journal WHERE correlation_id = ?`, correlationID).
		Scan(&e.ID, &e.CorrelationID, &e.ServerID, &e.ConversationID, &e.Body, &e.Type, &e.Status, &e.ErrorMessage)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// UnresolvedSends returns journaled sends that never reached a terminal
// status, oldest first. Used at startup to surface messages that were
// in flight when the previous process exited.
func (db *DB) UnresolvedSends() ([]JournalEntry, error) {
	rows, err := db.Query(`
		SELECT id, correlation_id, server_id, conversation_id, body, type, status, error_message
		FROM send_journal WHERE status = ? ORDER BY created_at ASC`, StatusPending)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var entries []JournalEntry
	for rows.Next() {
		var e JournalEntry
		if err := rows.Scan(&e.ID, &e.CorrelationID, &e.ServerID, &e.ConversationID, &e.Body, &e.Type, &e.Status, &e.ErrorMessage); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
