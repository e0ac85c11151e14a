package state

import (
	"database/sql"
	"errors"
	"fmt"

	_ "modernc.org/sqlite"
)

const sqliteSchema = `
PRAGMA journal_mode=WAL;
CREATE TABLE IF NOT EXISTS kv (
  key TEXT PRIMARY KEY,
  value BLOB NOT NULL
) WITHOUT ROWID;
`

// scanPage bounds how many rows one Scan query materializes.
const scanPage = 256

// SQLiteStore persists partition state in one SQLite database file.
// TEXT keys use the BINARY collation, so ordering matches MemoryStore.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (creating if needed) the database at path.
func OpenSQLite(path string) (*SQLiteStore, error) {
	dsn := fmt.Sprintf("file:%s?mode=rwc&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite store %s: %w", path, err)
	}
	db.SetMaxOpenConns(1) // SQLite single writer

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("ensure sqlite schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Get(key string) ([]byte, bool, error) {
	var value []byte
	err := s.db.QueryRow("SELECT value FROM kv WHERE key = ?", key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, s.wrap("get", err)
	}
	return value, true, nil
}

func (s *SQLiteStore) Put(key string, value []byte) error {
	if value == nil {
		value = []byte{}
	}
	_, err := s.db.Exec(
		"INSERT INTO kv (key, value) VALUES (?, ?) ON CONFLICT(key) DO UPDATE SET value = excluded.value",
		key, value)
	return s.wrap("put", err)
}

func (s *SQLiteStore) Delete(key string) error {
	_, err := s.db.Exec("DELETE FROM kv WHERE key = ?", key)
	return s.wrap("delete", err)
}

// Scan pages through the table so no result set is held open while fn runs.
func (s *SQLiteStore) Scan(from string, fn ScanFunc) error {
	cursor := from
	inclusive := true
	for {
		page, err := s.page(cursor, inclusive)
		if err != nil {
			return err
		}
		for _, e := range page {
			if !fn(e.Key, e.Value) {
				return nil
			}
		}
		if len(page) < scanPage {
			return nil
		}
		cursor = page[len(page)-1].Key
		inclusive = false
	}
}

func (s *SQLiteStore) page(from string, inclusive bool) ([]Entry, error) {
	query := "SELECT key, value FROM kv WHERE key > ? ORDER BY key LIMIT ?"
	if inclusive {
		query = "SELECT key, value FROM kv WHERE key >= ? ORDER BY key LIMIT ?"
	}
	rows, err := s.db.Query(query, from, scanPage)
	if err != nil {
		return nil, s.wrap("scan", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.Key, &e.Value); err != nil {
			return nil, s.wrap("scan", err)
		}
		out = append(out, e)
	}
	return out, s.wrap("scan", rows.Err())
}

func (s *SQLiteStore) Export() ([]Entry, error) {
	var out []Entry
	err := s.Scan("", func(key string, value []byte) bool {
		out = append(out, Entry{Key: key, Value: value})
		return true
	})
	return out, err
}

func (s *SQLiteStore) Import(entries []Entry) error {
	tx, err := s.db.Begin()
	if err != nil {
		return s.wrap("import", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec("DELETE FROM kv"); err != nil {
		return s.wrap("import", err)
	}
	stmt, err := tx.Prepare("INSERT OR REPLACE INTO kv (key, value) VALUES (?, ?)")
	if err != nil {
		return s.wrap("import", err)
	}
	defer stmt.Close()
	for _, e := range entries {
		value := e.Value
		if value == nil {
			value = []byte{}
		}
		if _, err := stmt.Exec(e.Key, value); err != nil {
			return s.wrap("import", err)
		}
	}
	return s.wrap("import", tx.Commit())
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrConnDone) || err.Error() == "sql: database is closed" {
		return fmt.Errorf("sqlite %s: %w", op, ErrStoreClosed)
	}
	return fmt.Errorf("sqlite %s: %w", op, err)
}
