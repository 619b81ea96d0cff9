package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/xxmessenger/courier/internal/bus"
)

const messageColumns = `id, network_id, sender_id, recipient_id, group_id, date, status, text,
	reply_message_id, round_id, round_url, file_transfer_id, attempt, is_unread`

func scanMessage(s scanner) (*Message, error) {
	var m Message
	var sender, recipient, group []byte
	if err := s.Scan(&m.ID, &m.NetworkID, &sender, &recipient, &group, &m.Date,
		&m.Status, &m.Text, &m.ReplyMessageID, &m.RoundID, &m.RoundURL,
		&m.FileTransferID, &m.Attempt, &m.IsUnread); err != nil {
		return nil, err
	}
	var err error
	if m.SenderID, err = parseID(sender); err != nil {
		return nil, err
	}
	if m.RecipientID, err = parseID(recipient); err != nil {
		return nil, err
	}
	if m.GroupID, err = parseID(group); err != nil {
		return nil, err
	}
	return &m, nil
}

func validateMessage(m *Message) error {
	if m.SenderID == nil {
		return fmt.Errorf("message has no sender")
	}
	if (m.RecipientID == nil) == (m.GroupID == nil) {
		return fmt.Errorf("message needs exactly one of recipient and group")
	}
	return nil
}

// InsertMessage stores a new message and assigns m.ID.
func (db *DB) InsertMessage(m *Message) error {
	if err := validateMessage(m); err != nil {
		return err
	}
	if m.Attempt == 0 {
		m.Attempt = 1
	}
	res, err := db.Exec(`
		INSERT INTO messages (network_id, sender_id, recipient_id, group_id, date, status, text,
			reply_message_id, round_id, round_url, file_transfer_id, attempt, is_unread)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		blobArg(m.NetworkID), m.SenderID.Marshal(), idArg(m.RecipientID), idArg(m.GroupID),
		m.Date, m.Status, m.Text, blobArg(m.ReplyMessageID), m.RoundID, m.RoundURL,
		blobArg(m.FileTransferID), m.Attempt, m.IsUnread)
	if err != nil {
		return err
	}
	if m.ID, err = res.LastInsertId(); err != nil {
		return err
	}
	db.notify(bus.StoreMessages)
	return nil
}

func getMessage(q querier, mid int64) (*Message, error) {
	m, err := scanMessage(q.QueryRow(`SELECT `+messageColumns+` FROM messages WHERE id = ?`, mid))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return m, err
}

// GetMessage returns a message by local id, or nil when there is none.
func (db *DB) GetMessage(mid int64) (*Message, error) {
	return getMessage(db.DB, mid)
}

// GetMessageByNetworkID returns the message the network knows by nid.
func (db *DB) GetMessageByNetworkID(nid []byte) (*Message, error) {
	m, err := scanMessage(db.QueryRow(`SELECT `+messageColumns+` FROM messages WHERE network_id = ?`, nid))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return m, err
}

// UpdateMessage re-reads a message inside a write transaction, applies fn and
// persists it. Returns (nil, nil) without calling fn when it does not exist.
func (db *DB) UpdateMessage(mid int64, fn func(m *Message) error) (*Message, error) {
	var updated *Message
	err := db.withTx(func(tx *sql.Tx) error {
		m, err := getMessage(tx, mid)
		if err != nil || m == nil {
			return err
		}
		if err := fn(m); err != nil {
			return err
		}
		if err := validateMessage(m); err != nil {
			return err
		}
		if _, err := tx.Exec(`
			UPDATE messages SET network_id = ?, date = ?, status = ?, text = ?,
				reply_message_id = ?, round_id = ?, round_url = ?, file_transfer_id = ?,
				attempt = ?, is_unread = ?
			WHERE id = ?`,
			blobArg(m.NetworkID), m.Date, m.Status, m.Text, blobArg(m.ReplyMessageID),
			m.RoundID, m.RoundURL, blobArg(m.FileTransferID), m.Attempt, m.IsUnread, m.ID); err != nil {
			return err
		}
		updated = m
		return nil
	})
	if err != nil {
		return nil, err
	}
	if updated != nil {
		db.notify(bus.StoreMessages)
	}
	return updated, nil
}

func (q MessageQuery) where() *where {
	var w where
	w.in("status", stringValues(q.Status))
	if q.Conversation != nil {
		raw := q.Conversation.Marshal()
		w.add("group_id IS NULL AND (recipient_id = ? OR sender_id = ?)", raw, raw)
	}
	if q.GroupID != nil {
		w.add("group_id = ?", q.GroupID.Marshal())
	}
	if len(q.FileTransferID) > 0 {
		w.add("file_transfer_id = ?", q.FileTransferID)
	}
	return &w
}

// FetchMessages returns messages matching q, newest first.
func (db *DB) FetchMessages(q MessageQuery) ([]Message, error) {
	w := q.where()
	query := `SELECT ` + messageColumns + ` FROM messages` + w.String() + ` ORDER BY date DESC, id DESC`
	args := w.args
	if q.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, q.Limit)
	}

	rows, err := db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var msgs []Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, *m)
	}
	return msgs, rows.Err()
}

// DeleteMessages removes the messages matching q.
func (db *DB) DeleteMessages(q MessageQuery) (int64, error) {
	w := q.where()
	if len(w.conds) == 0 {
		return 0, fmt.Errorf("delete messages: refusing to delete without a filter")
	}
	res, err := db.Exec(`DELETE FROM messages`+w.String(), w.args...)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err == nil && n > 0 {
		db.notify(bus.StoreMessages)
	}
	return n, err
}

// SubscribeMessages streams the messages matching q after every change.
func (db *DB) SubscribeMessages(ctx context.Context, q MessageQuery) (<-chan []Message, error) {
	return watch(ctx, db, bus.StoreMessages, func() ([]Message, error) {
		return db.FetchMessages(q)
	})
}

// MessageCount returns the total number of messages.
func (db *DB) MessageCount() (int64, error) {
	var count int64
	err := db.QueryRow(`SELECT COUNT(*) FROM messages`).Scan(&count)
	return count, err
}

// SendingMessages returns every outbound message still waiting for a round
// outcome whose file transfer, if any, has not completed.
func (db *DB) SendingMessages() ([]Message, error) {
	rows, err := db.Query(`
		SELECT `+messageColumns+` FROM messages m
		WHERE m.status = ?
		  AND (m.file_transfer_id IS NULL OR NOT EXISTS (
			SELECT 1 FROM file_transfers ft
			WHERE ft.id = m.file_transfer_id AND ft.progress >= 1))
		ORDER BY m.date ASC`, Sending)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var msgs []Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, *m)
	}
	return msgs, rows.Err()
}
