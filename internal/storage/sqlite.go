package storage

import (
	"bytes"
	"database/sql"
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "modernc.org/sqlite" // registers the "sqlite" driver
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// SQLiteDB implements Engine on a single SQLite key/value table.
type SQLiteDB struct {
	db *sql.DB
}

// NewSQLite opens (or creates) a SQLite database file and applies the schema
// migrations.
func NewSQLite(path string) (*SQLiteDB, error) {
	dsn := path + "?_pragma=journal_mode=WAL&_pragma=busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database at %s: %w", path, err)
	}
	// One connection: transactions are serialized by the table locks anyway.
	db.SetMaxOpenConns(1)

	if err := applyMigrations(db); err != nil {
		db.Close()
		return nil, err
	}
	return &SQLiteDB{db: db}, nil
}

func applyMigrations(db *sql.DB) error {
	sourceDriver, err := iofs.New(migrationFS, "migrations")
	if err != nil {
		return fmt.Errorf("create source driver: %w", err)
	}

	driver, err := sqlite.WithInstance(db, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("create sqlite driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("create migrate instance: %w", err)
	}

	err = m.Up()
	if err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("run migrations: %w", err)
	}
	return nil
}

// Begin opens a SQL transaction.
func (s *SQLiteDB) Begin(write bool) (EngineTxn, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("sqlite begin: %w", err)
	}
	return &sqliteTxn{tx: tx, write: write}, nil
}

// Close closes the database.
func (s *SQLiteDB) Close() error {
	return s.db.Close()
}

type sqliteTxn struct {
	tx    *sql.Tx
	write bool
}

func (t *sqliteTxn) Get(key []byte) ([]byte, error) {
	var v []byte
	err := t.tx.QueryRow(`SELECT v FROM kv WHERE k = ?`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite get: %w", err)
	}
	return v, nil
}

func (t *sqliteTxn) Set(key, value []byte) error {
	_, err := t.tx.Exec(
		`INSERT INTO kv (k, v) VALUES (?, ?) ON CONFLICT (k) DO UPDATE SET v = excluded.v`,
		key, value,
	)
	if err != nil {
		return fmt.Errorf("sqlite set: %w", err)
	}
	return nil
}

func (t *sqliteTxn) Delete(key []byte) error {
	if _, err := t.tx.Exec(`DELETE FROM kv WHERE k = ?`, key); err != nil {
		return fmt.Errorf("sqlite delete: %w", err)
	}
	return nil
}

func (t *sqliteTxn) Iterate(prefix []byte, fn func(key, value []byte) error) error {
	query := `SELECT k, v FROM kv WHERE k >= ? ORDER BY k`
	args := []any{prefix}
	if end := prefixEnd(prefix); end != nil {
		query = `SELECT k, v FROM kv WHERE k >= ? AND k < ? ORDER BY k`
		args = append(args, end)
	}

	rows, err := t.tx.Query(query, args...)
	if err != nil {
		return fmt.Errorf("sqlite iterate: %w", err)
	}
	var pairs []kv
	for rows.Next() {
		var p kv
		if err := rows.Scan(&p.key, &p.value); err != nil {
			rows.Close()
			return fmt.Errorf("sqlite scan: %w", err)
		}
		if !bytes.HasPrefix(p.key, prefix) {
			continue
		}
		pairs = append(pairs, p)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return fmt.Errorf("sqlite iterate: %w", err)
	}
	rows.Close()

	for _, p := range pairs {
		if err := fn(p.key, p.value); err != nil {
			return err
		}
	}
	return nil
}

func (t *sqliteTxn) Commit() error {
	if !t.write {
		return t.tx.Rollback()
	}
	if err := t.tx.Commit(); err != nil {
		return fmt.Errorf("sqlite commit: %w", err)
	}
	return nil
}

func (t *sqliteTxn) Discard() {
	_ = t.tx.Rollback()
}

// prefixEnd returns the smallest key greater than every key with the given
// prefix, or nil when no such key exists.
func prefixEnd(prefix []byte) []byte {
	end := append([]byte(nil), prefix...)
	for i := len(end) - 1; i >= 0; i-- {
		if end[i] < 0xff {
			end[i]++
			return end[:i+1]
		}
	}
	return nil
}
