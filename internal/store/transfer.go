package store

import (
	"database/sql"
	"fmt"

	"github.com/xxmessenger/courier/internal/bus"
)

const transferColumns = `id, contact_id, name, type, progress, failed, is_incoming, created_at`

func scanTransfer(s scanner) (*FileTransfer, error) {
	var ft FileTransfer
	var contact []byte
	if err := s.Scan(&ft.ID, &contact, &ft.Name, &ft.Type, &ft.Progress, &ft.Failed,
		&ft.IsIncoming, &ft.CreatedAt); err != nil {
		return nil, err
	}
	var err error
	if ft.ContactID, err = parseID(contact); err != nil {
		return nil, err
	}
	return &ft, nil
}

func getTransfer(q querier, tid []byte) (*FileTransfer, error) {
	ft, err := scanTransfer(q.QueryRow(`SELECT `+transferColumns+` FROM file_transfers WHERE id = ?`, tid))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return ft, err
}

// SaveFileTransfer inserts a transfer, or updates name and type of an
// existing one. Progress only moves through UpdateTransferProgress.
func (db *DB) SaveFileTransfer(ft *FileTransfer) error {
	if len(ft.ID) == 0 || ft.ContactID == nil {
		return fmt.Errorf("save file transfer: missing id or contact")
	}
	_, err := db.Exec(`
		INSERT INTO file_transfers (id, contact_id, name, type, progress, failed, is_incoming, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			type = excluded.type`,
		ft.ID, ft.ContactID.Marshal(), ft.Name, ft.Type, ft.Progress, ft.Failed, ft.IsIncoming, ft.CreatedAt)
	if err != nil {
		return err
	}
	db.notify(bus.StoreFileTransfers)
	return nil
}

// GetFileTransfer returns a transfer by id, or nil when there is none.
func (db *DB) GetFileTransfer(tid []byte) (*FileTransfer, error) {
	return getTransfer(db.DB, tid)
}

// UpdateTransferProgress advances a transfer. Progress never decreases and a
// terminal transfer (complete or failed) is left untouched; in that case the
// stored row is returned together with ErrSkipUpdate.
func (db *DB) UpdateTransferProgress(tid []byte, progress float64, failed bool) (*FileTransfer, error) {
	var current *FileTransfer
	var changed bool
	err := db.withTx(func(tx *sql.Tx) error {
		ft, err := getTransfer(tx, tid)
		if err != nil || ft == nil {
			return err
		}
		current = ft
		if ft.Done() {
			return nil
		}
		if progress > 1 {
			progress = 1
		}
		if progress > ft.Progress {
			ft.Progress = progress
		}
		ft.Failed = failed
		if _, err := tx.Exec(`UPDATE file_transfers SET progress = ?, failed = ? WHERE id = ?`,
			ft.Progress, ft.Failed, ft.ID); err != nil {
			return err
		}
		changed = true
		return nil
	})
	if err != nil {
		return nil, err
	}
	if current != nil && !changed {
		return current, ErrSkipUpdate
	}
	if changed {
		db.notify(bus.StoreFileTransfers)
	}
	return current, nil
}

// FetchFileTransfers returns the transfers matching q.
func (db *DB) FetchFileTransfers(q TransferQuery) ([]FileTransfer, error) {
	var w where
	if q.ContactID != nil {
		w.add("contact_id = ?", q.ContactID.Marshal())
	}
	if q.Incoming != nil {
		w.add("is_incoming = ?", *q.Incoming)
	}

	rows, err := db.Query(`SELECT `+transferColumns+` FROM file_transfers`+w.String()+` ORDER BY created_at ASC`, w.args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var transfers []FileTransfer
	for rows.Next() {
		ft, err := scanTransfer(rows)
		if err != nil {
			return nil, err
		}
		transfers = append(transfers, *ft)
	}
	return transfers, rows.Err()
}
