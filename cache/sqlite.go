package cache

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"sync"
	"time"

	_ "github.com/glebarez/go-sqlite"
)

const memoryDSN = "file::memory:?cache=shared"

// SQLiteStorage persists stores in a single SQLite database.
// Every store shares the entries table; rows are scoped by store name.
type SQLiteStorage struct {
	db         *sql.DB
	writeMutex *sync.Mutex
}

// NewSQLiteStorage opens (creating if needed) the database in the given file.
// If file name is empty, a new in-memory db is opened.
func NewSQLiteStorage(filename string) (*SQLiteStorage, error) {
	inMemory := filename == "" || filename == memoryDSN
	if inMemory {
		filename = memoryDSN
	}
	db, err := sql.Open("sqlite", withPragmas(filename))
	if err != nil {
		return nil, err
	}
	if inMemory {
		// every pooled connection would otherwise race on the shared cache lock
		db.SetMaxOpenConns(1)
	}
	for _, stmt := range []string{
		`CREATE TABLE IF NOT EXISTS stores (
			name TEXT PRIMARY KEY,
			created_at INTEGER
		)`,
		`CREATE TABLE IF NOT EXISTS entries (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			store TEXT NOT NULL,
			key TEXT NOT NULL,
			stored_at INTEGER,
			bytes BLOB,
			UNIQUE (store, key)
		)`,
		"CREATE INDEX IF NOT EXISTS entries_store_idx ON entries (store, id)",
	} {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, err
		}
	}
	return &SQLiteStorage{
		db:         db,
		writeMutex: &sync.Mutex{},
	}, nil
}

func withPragmas(dsn string) string {
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep + "_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
}

func (s *SQLiteStorage) Open(ctx context.Context, name string) (Store, error) {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	_, err := s.db.ExecContext(ctx,
		"INSERT OR IGNORE INTO stores (name, created_at) VALUES (?, ?)",
		name, time.Now().UnixNano())
	if err != nil {
		return nil, err
	}
	return &sqliteStore{name: name, s: s}, nil
}

func (s *SQLiteStorage) Get(ctx context.Context, name string) (Store, bool, error) {
	ok, err := s.Has(ctx, name)
	if err != nil || !ok {
		return nil, false, err
	}
	return &sqliteStore{name: name, s: s}, true, nil
}

func (s *SQLiteStorage) Has(ctx context.Context, name string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, "SELECT 1 FROM stores WHERE name = ?", name).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return err == nil, err
}

func (s *SQLiteStorage) Names(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT name FROM stores ORDER BY rowid")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanStrings(rows)
}

func (s *SQLiteStorage) Delete(ctx context.Context, name string) (bool, error) {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, "DELETE FROM entries WHERE store = ?", name); err != nil {
		return false, err
	}
	res, err := tx.ExecContext(ctx, "DELETE FROM stores WHERE name = ?", name)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, tx.Commit()
}

func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}

type sqliteStore struct {
	name string
	s    *SQLiteStorage
}

func (st *sqliteStore) Name() string {
	return st.name
}

func (st *sqliteStore) Match(ctx context.Context, key string) (Entry, bool, error) {
	var storedAt int64
	entry := Entry{Key: key}
	err := st.s.db.QueryRowContext(ctx,
		"SELECT stored_at, bytes FROM entries WHERE store = ? AND key = ?",
		st.name, key).Scan(&storedAt, &entry.Bytes)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, err
	}
	entry.StoredAt = time.Unix(0, storedAt)
	return entry, true, nil
}

func (st *sqliteStore) Put(ctx context.Context, entry Entry) error {
	return st.PutAll(ctx, []Entry{entry})
}

func (st *sqliteStore) PutAll(ctx context.Context, entries []Entry) error {
	st.s.writeMutex.Lock()
	defer st.s.writeMutex.Unlock()
	tx, err := st.s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	var one int
	err = tx.QueryRowContext(ctx, "SELECT 1 FROM stores WHERE name = ?", st.name).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrStoreNotFound
	} else if err != nil {
		return err
	}
	// INSERT OR REPLACE deletes the conflicting row, so the new row gets a fresh id
	// and moves to the end of the insertion order.
	for _, e := range entries {
		_, err := tx.ExecContext(ctx,
			"INSERT OR REPLACE INTO entries (store, key, stored_at, bytes) VALUES (?, ?, ?, ?)",
			st.name, e.Key, e.StoredAt.UnixNano(), e.Bytes)
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (st *sqliteStore) Delete(ctx context.Context, key string) (bool, error) {
	st.s.writeMutex.Lock()
	defer st.s.writeMutex.Unlock()
	res, err := st.s.db.ExecContext(ctx, "DELETE FROM entries WHERE store = ? AND key = ?", st.name, key)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (st *sqliteStore) Keys(ctx context.Context) ([]string, error) {
	rows, err := st.s.db.QueryContext(ctx, "SELECT key FROM entries WHERE store = ? ORDER BY id", st.name)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanStrings(rows)
}

func scanStrings(rows *sql.Rows) ([]string, error) {
	out := make([]string, 0)
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}
