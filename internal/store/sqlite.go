package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"regexp"

	"github.com/orris-inc/sshfwd/internal/logger"

	_ "modernc.org/sqlite"
)

var tableName = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

// OpenSQLite opens the database at path, creating it with owner-only
// permissions when missing.
func OpenSQLite(path string) (*sql.DB, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_RDONLY, 0o600)
		if err == nil {
			_ = f.Close()
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// One writer at a time keeps whole-collection replaces serialized.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	logger.Debug("sqlite store opened", "path", path)
	return db, nil
}

// Table stores a collection as JSON documents in one SQLite table, one row
// per record, ordered by insertion position.
type Table[T Keyed] struct {
	db   *sql.DB
	name string
}

// NewTable creates the table if needed.
func NewTable[T Keyed](db *sql.DB, name string) (*Table[T], error) {
	if !tableName.MatchString(name) {
		return nil, fmt.Errorf("invalid table name %q", name)
	}

	schema := fmt.Sprintf(`
	CREATE TABLE IF NOT EXISTS %s (
		id TEXT PRIMARY KEY,
		position INTEGER NOT NULL,
		data TEXT NOT NULL
	);`, name)

	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("create table %s: %w", name, err)
	}
	return &Table[T]{db: db, name: name}, nil
}

// Load reads every row in stored order.
func (t *Table[T]) Load() ([]T, error) {
	rows, err := t.db.Query(fmt.Sprintf(`SELECT data FROM %s ORDER BY position`, t.name))
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", t.name, err)
	}
	defer rows.Close()

	items := []T{}
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("scan %s: %w", t.name, err)
		}
		var item T
		if err := json.Unmarshal([]byte(data), &item); err != nil {
			return nil, fmt.Errorf("decode %s row: %w", t.name, err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate %s: %w", t.name, err)
	}
	return items, nil
}

// Save replaces all rows in a single transaction.
func (t *Table[T]) Save(items []T) error {
	tx, err := t.db.Begin()
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(fmt.Sprintf(`DELETE FROM %s`, t.name)); err != nil {
		return fmt.Errorf("clear %s: %w", t.name, err)
	}

	stmt, err := tx.Prepare(fmt.Sprintf(`INSERT INTO %s (id, position, data) VALUES (?, ?, ?)`, t.name))
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	for i, item := range items {
		data, err := json.Marshal(item)
		if err != nil {
			return fmt.Errorf("encode %s: %w", item.Key(), err)
		}
		if _, err := stmt.Exec(item.Key(), i, string(data)); err != nil {
			return fmt.Errorf("insert %s: %w", item.Key(), err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit %s: %w", t.name, err)
	}
	return nil
}
