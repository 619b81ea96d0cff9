package store

import (
	"time"

	"gitlab.com/xx_network/primitives/id"
)

// BeginHandshake records that a handshake call of kind is being issued for
// contact. A contact has at most one entry per kind; a new call replaces the
// previous entry.
func (db *DB) BeginHandshake(contact *id.ID, kind HandshakeKind) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO handshake_outbox (contact_id, kind, status, error_message, created_at, updated_at)
		VALUES (?, ?, ?, '', ?, ?)
		ON CONFLICT(contact_id, kind) DO UPDATE SET
			status = excluded.status,
			error_message = '',
			updated_at = excluded.updated_at`,
		contact.Marshal(), kind, OutboxSending, now, now)
	return err
}

// FinishHandshake records the transport outcome of a handshake call.
func (db *DB) FinishHandshake(contact *id.ID, kind HandshakeKind, callErr error) error {
	status, msg := OutboxSent, ""
	if callErr != nil {
		status, msg = OutboxFailed, callErr.Error()
	}
	_, err := db.Exec(`
		UPDATE handshake_outbox SET status = ?, error_message = ?, updated_at = ?
		WHERE contact_id = ? AND kind = ?`,
		status, msg, time.Now().UnixMilli(), contact.Marshal(), kind)
	return err
}

// RequeueInFlightHandshakes moves entries left in sending by a previous
// process back to queued so they are replayed on the next reconnect.
func (db *DB) RequeueInFlightHandshakes() (int64, error) {
	res, err := db.Exec(`UPDATE handshake_outbox SET status = ?, updated_at = ? WHERE status = ?`,
		OutboxQueued, time.Now().UnixMilli(), OutboxSending)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// QueuedHandshakes returns entries waiting to be replayed, oldest first.
func (db *DB) QueuedHandshakes() ([]HandshakeEntry, error) {
	rows, err := db.Query(`
		SELECT id, contact_id, kind, status, error_message, created_at
		FROM handshake_outbox WHERE status = ? ORDER BY created_at ASC`, OutboxQueued)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var entries []HandshakeEntry
	for rows.Next() {
		var e HandshakeEntry
		var contact []byte
		if err := rows.Scan(&e.ID, &contact, &e.Kind, &e.Status, &e.ErrorMessage, &e.CreatedAt); err != nil {
			return nil, err
		}
		if e.ContactID, err = parseID(contact); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// DropHandshakes removes every outbox entry for contact.
func (db *DB) DropHandshakes(contact *id.ID) error {
	_, err := db.Exec(`DELETE FROM handshake_outbox WHERE contact_id = ?`, contact.Marshal())
	return err
}
