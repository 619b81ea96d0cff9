package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/xxmessenger/courier/internal/bus"
	"gitlab.com/xx_network/primitives/id"
)

const groupColumns = `id, name, leader_id, created_at, auth_status, serialized`

func scanGroup(s scanner) (*Group, error) {
	var g Group
	var rawID, leader []byte
	if err := s.Scan(&rawID, &g.Name, &leader, &g.CreatedAt, &g.AuthStatus, &g.Serialized); err != nil {
		return nil, err
	}
	var err error
	if g.ID, err = parseID(rawID); err != nil {
		return nil, err
	}
	if g.LeaderID, err = parseID(leader); err != nil {
		return nil, err
	}
	return &g, nil
}

// SaveGroup inserts or updates a group row.
func (db *DB) SaveGroup(g *Group) error {
	if g.ID == nil || g.LeaderID == nil {
		return fmt.Errorf("save group: missing id or leader")
	}
	_, err := db.Exec(`
		INSERT INTO chat_groups (id, name, leader_id, created_at, auth_status, serialized)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			leader_id = excluded.leader_id,
			auth_status = excluded.auth_status,
			serialized = COALESCE(excluded.serialized, chat_groups.serialized)`,
		g.ID.Marshal(), g.Name, g.LeaderID.Marshal(), g.CreatedAt, g.AuthStatus, blobArg(g.Serialized))
	if err != nil {
		return err
	}
	db.notify(bus.StoreGroups)
	return nil
}

// GetGroup returns a group by id, or nil when there is none.
func (db *DB) GetGroup(gid *id.ID) (*Group, error) {
	g, err := scanGroup(db.QueryRow(`SELECT `+groupColumns+` FROM chat_groups WHERE id = ?`, gid.Marshal()))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return g, err
}

// FetchGroups returns groups in the given statuses, or all groups.
func (db *DB) FetchGroups(statuses ...GroupStatus) ([]Group, error) {
	var w where
	w.in("auth_status", stringValues(statuses))
	rows, err := db.Query(`SELECT `+groupColumns+` FROM chat_groups`+w.String()+` ORDER BY created_at DESC`, w.args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var groups []Group
	for rows.Next() {
		g, err := scanGroup(rows)
		if err != nil {
			return nil, err
		}
		groups = append(groups, *g)
	}
	return groups, rows.Err()
}

// DeleteGroup removes a group, its members and its messages in one transaction.
func (db *DB) DeleteGroup(gid *id.ID) error {
	raw := gid.Marshal()
	err := db.withTx(func(tx *sql.Tx) error {
		if _, err := tx.Exec(`DELETE FROM messages WHERE group_id = ?`, raw); err != nil {
			return fmt.Errorf("delete group messages: %w", err)
		}
		if _, err := tx.Exec(`DELETE FROM group_members WHERE group_id = ?`, raw); err != nil {
			return fmt.Errorf("delete group members: %w", err)
		}
		if _, err := tx.Exec(`DELETE FROM chat_groups WHERE id = ?`, raw); err != nil {
			return fmt.Errorf("delete group: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	db.notify(bus.StoreMessages)
	db.notify(bus.StoreGroupMembers)
	db.notify(bus.StoreGroups)
	return nil
}

const memberColumns = `group_id, contact_id, status, username, photo`

func scanMember(s scanner) (*GroupMember, error) {
	var gm GroupMember
	var group, contact []byte
	if err := s.Scan(&group, &contact, &gm.Status, &gm.Username, &gm.Photo); err != nil {
		return nil, err
	}
	var err error
	if gm.GroupID, err = parseID(group); err != nil {
		return nil, err
	}
	if gm.ContactID, err = parseID(contact); err != nil {
		return nil, err
	}
	return &gm, nil
}

// SaveGroupMember inserts or updates a group member row.
func (db *DB) SaveGroupMember(gm *GroupMember) error {
	if gm.GroupID == nil || gm.ContactID == nil {
		return fmt.Errorf("save group member: missing group or contact id")
	}
	_, err := db.Exec(`
		INSERT INTO group_members (group_id, contact_id, status, username, photo)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(group_id, contact_id) DO UPDATE SET
			status = excluded.status,
			username = excluded.username,
			photo = COALESCE(excluded.photo, group_members.photo)`,
		gm.GroupID.Marshal(), gm.ContactID.Marshal(), gm.Status, gm.Username, blobArg(gm.Photo))
	if err != nil {
		return err
	}
	db.notify(bus.StoreGroupMembers)
	return nil
}

// ResolveMember marks every membership of contact as usernameSet with the
// given username. Returns the number of rows changed.
func (db *DB) ResolveMember(contact *id.ID, username string) (int64, error) {
	res, err := db.Exec(`UPDATE group_members SET status = ?, username = ? WHERE contact_id = ?`,
		MemberUsernameSet, username, contact.Marshal())
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err == nil && n > 0 {
		db.notify(bus.StoreGroupMembers)
	}
	return n, err
}

// FetchGroupMembers returns members matching q.
func (db *DB) FetchGroupMembers(q MemberQuery) ([]GroupMember, error) {
	var w where
	if q.GroupID != nil {
		w.add("group_id = ?", q.GroupID.Marshal())
	}
	w.in("status", stringValues(q.Status))

	rows, err := db.Query(`SELECT `+memberColumns+` FROM group_members`+w.String()+` ORDER BY username ASC`, w.args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var members []GroupMember
	for rows.Next() {
		gm, err := scanMember(rows)
		if err != nil {
			return nil, err
		}
		members = append(members, *gm)
	}
	return members, rows.Err()
}

// SubscribeGroupMembers streams the members matching q after every change.
func (db *DB) SubscribeGroupMembers(ctx context.Context, q MemberQuery) (<-chan []GroupMember, error) {
	return watch(ctx, db, bus.StoreGroupMembers, func() ([]GroupMember, error) {
		return db.FetchGroupMembers(q)
	})
}
