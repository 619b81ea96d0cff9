package store

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"

	_ "github.com/mattn/go-sqlite3"
	"github.com/xxmessenger/courier/internal/bus"
	"gitlab.com/xx_network/primitives/id"
)

// ErrSkipUpdate may be returned by an Update* mutator to abandon the write
// without treating it as a failure. The Update* call returns it unchanged.
var ErrSkipUpdate = errors.New("update skipped")

// DB wraps the sqlite database that holds the durable client view.
// Every write is announced on Changes so subscriptions can refresh.
type DB struct {
	*sql.DB
	changes *bus.Bus
}

// Open creates a new SQLite connection with WAL mode and recommended pragmas.
// Transactions begin IMMEDIATE so read-modify-write cycles from concurrent
// callbacks serialize on the database write lock.
func Open(path string) (*DB, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on&_txlock=immediate")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}
	return &DB{DB: db, changes: bus.New()}, nil
}

// Changes returns the bus on which table change notifications are published.
func (db *DB) Changes() *bus.Bus {
	return db.changes
}

func (db *DB) notify(kind string) {
	db.changes.Emit(kind, nil)
}

func (db *DB) withTx(fn func(tx *sql.Tx) error) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

type scanner interface {
	Scan(dest ...any) error
}

type querier interface {
	QueryRow(query string, args ...any) *sql.Row
	Query(query string, args ...any) (*sql.Rows, error)
	Exec(query string, args ...any) (sql.Result, error)
}

// idArg converts an optional id into a bind value, NULL when absent.
func idArg(uid *id.ID) any {
	if uid == nil {
		return nil
	}
	return uid.Marshal()
}

func blobArg(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return b
}

func parseID(raw []byte) (*id.ID, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	uid, err := id.Unmarshal(raw)
	if err != nil {
		return nil, fmt.Errorf("decode id: %w", err)
	}
	return uid, nil
}

// where accumulates AND-ed conditions for the Fetch* queries.
type where struct {
	conds []string
	args  []any
}

func (w *where) add(cond string, args ...any) {
	w.conds = append(w.conds, cond)
	w.args = append(w.args, args...)
}

func (w *where) in(column string, values []any) {
	if len(values) == 0 {
		return
	}
	marks := strings.TrimSuffix(strings.Repeat("?,", len(values)), ",")
	w.add(column+" IN ("+marks+")", values...)
}

func (w *where) String() string {
	if len(w.conds) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(w.conds, " AND ")
}

func idValues(ids []*id.ID) []any {
	out := make([]any, 0, len(ids))
	for _, uid := range ids {
		out = append(out, uid.Marshal())
	}
	return out
}

func stringValues[T ~string](vs []T) []any {
	out := make([]any, 0, len(vs))
	for _, v := range vs {
		out = append(out, string(v))
	}
	return out
}
