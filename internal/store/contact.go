package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/xxmessenger/courier/internal/bus"
	"gitlab.com/xx_network/primitives/id"
)

const contactColumns = `id, marshaled, username, email, phone, nickname, photo,
	auth_status, is_recent, is_blocked, is_banned, created_at`

func scanContact(s scanner) (*Contact, error) {
	var c Contact
	var rawID []byte
	if err := s.Scan(&rawID, &c.Marshaled, &c.Username, &c.Email, &c.Phone,
		&c.Nickname, &c.Photo, &c.AuthStatus, &c.IsRecent, &c.IsBlocked,
		&c.IsBanned, &c.CreatedAt); err != nil {
		return nil, err
	}
	uid, err := parseID(rawID)
	if err != nil {
		return nil, err
	}
	c.ID = uid
	return &c, nil
}

func saveContact(q querier, c *Contact) error {
	if c.ID == nil {
		return fmt.Errorf("save contact: missing id")
	}
	if c.AuthStatus == "" {
		c.AuthStatus = Stranger
	}
	_, err := q.Exec(`
		INSERT INTO contacts (id, marshaled, username, email, phone, nickname, photo,
			auth_status, is_recent, is_blocked, is_banned, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			marshaled = excluded.marshaled,
			username = excluded.username,
			email = excluded.email,
			phone = excluded.phone,
			nickname = excluded.nickname,
			photo = excluded.photo,
			auth_status = excluded.auth_status,
			is_recent = excluded.is_recent,
			is_blocked = excluded.is_blocked,
			is_banned = excluded.is_banned,
			created_at = excluded.created_at,
			updated_at = excluded.updated_at`,
		c.ID.Marshal(), blobArg(c.Marshaled), c.Username, c.Email, c.Phone, c.Nickname,
		blobArg(c.Photo), c.AuthStatus, c.IsRecent, c.IsBlocked, c.IsBanned,
		c.CreatedAt, time.Now().UnixMilli())
	return err
}

func getContact(q querier, uid *id.ID) (*Contact, error) {
	c, err := scanContact(q.QueryRow(`SELECT `+contactColumns+` FROM contacts WHERE id = ?`, uid.Marshal()))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return c, err
}

// SaveContact inserts or replaces a contact row.
func (db *DB) SaveContact(c *Contact) error {
	if err := saveContact(db.DB, c); err != nil {
		return err
	}
	db.notify(bus.StoreContacts)
	return nil
}

// GetContact returns a contact by id, or nil when there is none.
func (db *DB) GetContact(uid *id.ID) (*Contact, error) {
	return getContact(db.DB, uid)
}

// FetchContacts returns the contacts matching q ordered by creation time.
func (db *DB) FetchContacts(q ContactQuery) ([]Contact, error) {
	var w where
	w.in("id", idValues(q.IDs))
	w.in("auth_status", stringValues(q.AuthStatus))
	if q.Username != "" {
		w.add("username = ?", q.Username)
	}
	if q.IsRecent != nil {
		w.add("is_recent = ?", *q.IsRecent)
	}

	rows, err := db.Query(`SELECT `+contactColumns+` FROM contacts`+w.String()+` ORDER BY created_at ASC`, w.args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var contacts []Contact
	for rows.Next() {
		c, err := scanContact(rows)
		if err != nil {
			return nil, err
		}
		contacts = append(contacts, *c)
	}
	return contacts, rows.Err()
}

// UpdateContact re-reads the contact inside a write transaction, applies fn
// and persists the result. It returns (nil, nil) without calling fn when the
// contact does not exist. Errors from fn abort the write and are returned.
func (db *DB) UpdateContact(uid *id.ID, fn func(c *Contact) error) (*Contact, error) {
	var updated *Contact
	err := db.withTx(func(tx *sql.Tx) error {
		c, err := getContact(tx, uid)
		if err != nil || c == nil {
			return err
		}
		if err := fn(c); err != nil {
			return err
		}
		if err := saveContact(tx, c); err != nil {
			return err
		}
		updated = c
		return nil
	})
	if err != nil {
		return nil, err
	}
	if updated != nil {
		db.notify(bus.StoreContacts)
	}
	return updated, nil
}

// UpsertContact is UpdateContact for rows that may not exist yet: fn gets a
// fresh Contact carrying only uid when there is no row, with found=false.
func (db *DB) UpsertContact(uid *id.ID, fn func(c *Contact, found bool) error) (*Contact, error) {
	var updated *Contact
	err := db.withTx(func(tx *sql.Tx) error {
		c, err := getContact(tx, uid)
		if err != nil {
			return err
		}
		found := c != nil
		if !found {
			c = &Contact{ID: uid, AuthStatus: Stranger, CreatedAt: time.Now().UnixMilli()}
		}
		if err := fn(c, found); err != nil {
			return err
		}
		if err := saveContact(tx, c); err != nil {
			return err
		}
		updated = c
		return nil
	})
	if err != nil {
		return nil, err
	}
	db.notify(bus.StoreContacts)
	return updated, nil
}

// BulkUpdateContactStatus moves every contact in status from to status to.
func (db *DB) BulkUpdateContactStatus(from, to AuthStatus) (int64, error) {
	res, err := db.Exec(`UPDATE contacts SET auth_status = ?, updated_at = ? WHERE auth_status = ?`,
		to, time.Now().UnixMilli(), from)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err == nil && n > 0 {
		db.notify(bus.StoreContacts)
	}
	return n, err
}

// DeleteContact removes a contact row.
func (db *DB) DeleteContact(uid *id.ID) (int64, error) {
	res, err := db.Exec(`DELETE FROM contacts WHERE id = ?`, uid.Marshal())
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err == nil && n > 0 {
		db.notify(bus.StoreContacts)
	}
	return n, err
}

// DeleteContactInStatus removes the contact only while it is still in
// status, so a concurrent transition wins over the delete.
func (db *DB) DeleteContactInStatus(uid *id.ID, status AuthStatus) (int64, error) {
	res, err := db.Exec(`DELETE FROM contacts WHERE id = ? AND auth_status = ?`, uid.Marshal(), status)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err == nil && n > 0 {
		db.notify(bus.StoreContacts)
	}
	return n, err
}

// SubscribeContacts streams the rows matching q, starting with the current
// result and followed by a fresh result after every contacts change.
func (db *DB) SubscribeContacts(ctx context.Context, q ContactQuery) (<-chan []Contact, error) {
	return watch(ctx, db, bus.StoreContacts, func() ([]Contact, error) {
		return db.FetchContacts(q)
	})
}

// ContactCount returns the number of contacts in the given statuses, or all
// contacts when none are given.
func (db *DB) ContactCount(statuses ...AuthStatus) (int64, error) {
	var w where
	w.in("auth_status", stringValues(statuses))
	var count int64
	err := db.QueryRow(`SELECT COUNT(*) FROM contacts`+w.String(), w.args...).Scan(&count)
	return count, err
}
