package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// SaveSnapshot persists the message list for a partner, replacing any
// previous snapshot. The snapshot expires ttl after now.
func (db *DB) SaveSnapshot(partnerID string, msgs []Message, hasMore bool, now time.Time, ttl time.Duration) error {
	payload, err := json.Marshal(msgs)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	more := 0
	if hasMore {
		more = 1
	}
	_, err = db.Exec(`
		INSERT INTO snapshots (partner_id, payload, has_more, saved_at, expires_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(partner_id) DO UPDATE SET
			payload = excluded.payload,
			has_more = excluded.has_more,
			saved_at = excluded.saved_at,
			expires_at = excluded.expires_at`,
		partnerID, string(payload), more, now.UnixMilli(), now.Add(ttl).UnixMilli())
	return err
}

// LoadSnapshot returns the stored snapshot for a partner, or nil if none
// exists or it has expired. Expired rows are deleted on read.
func (db *DB) LoadSnapshot(partnerID string, now time.Time) ([]Message, bool, error) {
	var payload string
	var more int
	var expiresAt int64
	err := db.QueryRow(`
		SELECT payload, has_more, expires_at FROM snapshots WHERE partner_id = ?`,
		partnerID).Scan(&payload, &more, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	if now.UnixMilli() >= expiresAt {
		_, _ = db.Exec(`DELETE FROM snapshots WHERE partner_id = ?`, partnerID)
		return nil, false, nil
	}

	var msgs []Message
	if err := json.Unmarshal([]byte(payload), &msgs); err != nil {
		return nil, false, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	return msgs, more == 1, nil
}

// DeleteSnapshot removes the snapshot for a partner if present.
func (db *DB) DeleteSnapshot(partnerID string) error {
	_, err := db.Exec(`DELETE FROM snapshots WHERE partner_id = ?`, partnerID)
	return err
}

// PruneSnapshots removes all expired snapshots.
func (db *DB) PruneSnapshots(now time.Time) error {
	_, err := db.Exec(`DELETE FROM snapshots WHERE expires_at <= ?`, now.UnixMilli())
	return err
}
