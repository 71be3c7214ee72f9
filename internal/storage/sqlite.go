package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	_ "github.com/glebarez/go-sqlite"
)

// SQLite is a Backend persisting stores as rows of a single SQLite database.
type SQLite struct {
	db         *sql.DB
	writeMutex *sync.Mutex
}

// OpenSQLite opens the database file at filename, creating the schema when
// needed. An empty filename opens a private in-memory database.
func OpenSQLite(filename string) (*SQLite, error) {
	if filename == "" {
		filename = ":memory:"
	}
	db, err := sql.Open("sqlite", filename)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %q: %w", filename, err)
	}
	// a single connection keeps ":memory:" databases coherent and
	// serializes writers the way SQLite wants anyway
	db.SetMaxOpenConns(1)

	stmts := []string{
		`CREATE TABLE IF NOT EXISTS stores (name TEXT PRIMARY KEY)`,
		`CREATE TABLE IF NOT EXISTS entries (
			store TEXT NOT NULL,
			key TEXT NOT NULL,
			status INTEGER NOT NULL,
			header BLOB,
			body BLOB,
			stored_at INTEGER NOT NULL,
			PRIMARY KEY (store, key)
		)`,
		`CREATE INDEX IF NOT EXISTS entries_stored_at_idx ON entries (store, stored_at)`,
		`PRAGMA journal_mode=WAL`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("init sqlite schema: %w", err)
		}
	}
	return &SQLite{db: db, writeMutex: &sync.Mutex{}}, nil
}

func (s *SQLite) Open(ctx context.Context, name string) (Store, error) {
	if !validName(name) {
		return nil, ErrInvalidName
	}
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	if _, err := s.db.ExecContext(ctx, `INSERT OR IGNORE INTO stores (name) VALUES (?)`, name); err != nil {
		return nil, wrapClosed(err)
	}
	return &sqliteStore{name: name, owner: s}, nil
}

func (s *SQLite) Names(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT name FROM stores ORDER BY name`)
	if err != nil {
		return nil, wrapClosed(err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		out = append(out, name)
	}
	return out, rows.Err()
}

func (s *SQLite) Delete(ctx context.Context, name string) (bool, error) {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, wrapClosed(err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM entries WHERE store = ?`, name); err != nil {
		return false, err
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM stores WHERE name = ?`, name)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, tx.Commit()
}

func (s *SQLite) Close() error {
	return s.db.Close()
}

func wrapClosed(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrConnDone) || err.Error() == "sql: database is closed" {
		return ErrClosed
	}
	return err
}

type sqliteStore struct {
	name  string
	owner *SQLite
}

func (s *sqliteStore) Name() string { return s.name }

func (s *sqliteStore) Get(ctx context.Context, key string) (*Entry, bool, error) {
	var (
		ent      = Entry{Key: key}
		header   []byte
		storedAt int64
	)
	err := s.owner.db.QueryRowContext(ctx,
		`SELECT status, header, body, stored_at FROM entries WHERE store = ? AND key = ?`,
		s.name, key,
	).Scan(&ent.Status, &header, &ent.Body, &storedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, wrapClosed(err)
	}
	ent.Header = make(http.Header)
	if len(header) > 0 {
		if err := decodeGob(header, &ent.Header); err != nil {
			return nil, false, fmt.Errorf("decode %s/%s header: %w", s.name, key, err)
		}
	}
	ent.StoredAt = time.Unix(0, storedAt).UTC()
	return &ent, true, nil
}

func (s *sqliteStore) Put(ctx context.Context, ent *Entry) error {
	header, err := encodeGob(ent.Header)
	if err != nil {
		return err
	}
	s.owner.writeMutex.Lock()
	defer s.owner.writeMutex.Unlock()
	_, err = s.owner.db.ExecContext(ctx, `INSERT OR REPLACE INTO entries
		(store, key, status, header, body, stored_at) VALUES (?, ?, ?, ?, ?, ?)`,
		s.name, ent.Key, ent.Status, header, ent.Body, ent.StoredAt.UnixNano())
	return wrapClosed(err)
}

func (s *sqliteStore) Delete(ctx context.Context, key string) (bool, error) {
	s.owner.writeMutex.Lock()
	defer s.owner.writeMutex.Unlock()
	res, err := s.owner.db.ExecContext(ctx, `DELETE FROM entries WHERE store = ? AND key = ?`, s.name, key)
	if err != nil {
		return false, wrapClosed(err)
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (s *sqliteStore) Walk(ctx context.Context, fn func(Meta) bool) error {
	rows, err := s.owner.db.QueryContext(ctx,
		`SELECT key, length(body), stored_at FROM entries WHERE store = ? ORDER BY key`, s.name)
	if err != nil {
		return wrapClosed(err)
	}
	// collect first: the single connection must be released before fn
	// calls back into the store
	var metas []Meta
	for rows.Next() {
		var (
			m        Meta
			size     sql.NullInt64
			storedAt int64
		)
		if err := rows.Scan(&m.Key, &size, &storedAt); err != nil {
			rows.Close()
			return err
		}
		m.Size = size.Int64
		m.StoredAt = time.Unix(0, storedAt).UTC()
		metas = append(metas, m)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return err
	}
	rows.Close()

	for _, m := range metas {
		if !fn(m) {
			return nil
		}
	}
	return nil
}

func (s *sqliteStore) Size(ctx context.Context) (int64, error) {
	var total sql.NullInt64
	err := s.owner.db.QueryRowContext(ctx,
		`SELECT SUM(length(body)) FROM entries WHERE store = ?`, s.name).Scan(&total)
	if err != nil {
		return 0, wrapClosed(err)
	}
	return total.Int64, nil
}

func (s *sqliteStore) Clear(ctx context.Context) error {
	s.owner.writeMutex.Lock()
	defer s.owner.writeMutex.Unlock()
	_, err := s.owner.db.ExecContext(ctx, `DELETE FROM entries WHERE store = ?`, s.name)
	return wrapClosed(err)
}
