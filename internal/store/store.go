// Package store is the persistence layer. One logical schema runs on two
// backends: embedded sqlite for single-node installs and PostgreSQL for
// server deployments. Queries are written with ? placeholders and rebound
// to $N for PostgreSQL; timestamps are bound per backend (ISO-8601 strings
// on sqlite, native timestamptz on PostgreSQL).
package store

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"

	"github.com/almudeerhq/almudeer/internal/config"
)

// Backend identifies the active database engine.
type Backend string

const (
	SQLite   Backend = "sqlite"
	Postgres Backend = "postgresql"
)

const sqliteTimeLayout = "2006-01-02T15:04:05.000Z"

// Cipher seals and opens credential payloads. Satisfied by vault.Vault;
// a nil cipher stores payloads in the clear (tests only).
type Cipher interface {
	Encrypt(plaintext string) (string, error)
	Decrypt(ciphertext string) (string, error)
}

// DB wraps database/sql with backend-aware binding helpers. All
// repositories hang off this type, one file per entity.
type DB struct {
	sql     *sql.DB
	backend Backend
	cipher  Cipher
}

// WithCipher installs the credential cipher and returns the DB.
func (d *DB) WithCipher(c Cipher) *DB {
	d.cipher = c
	return d
}

// Open connects to the configured backend and verifies the connection.
func Open(cfg config.Database) (*DB, error) {
	switch Backend(cfg.Type) {
	case SQLite:
		dsn := cfg.Path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
		db, err := sql.Open("sqlite", dsn)
		if err != nil {
			return nil, fmt.Errorf("open sqlite: %w", err)
		}
		// A single writer avoids SQLITE_BUSY under concurrent ingest.
		db.SetMaxOpenConns(1)
		if err := db.Ping(); err != nil {
			return nil, fmt.Errorf("ping sqlite: %w", err)
		}
		return &DB{sql: db, backend: SQLite}, nil

	case Postgres:
		db, err := sql.Open("pgx", cfg.URL)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		db.SetMaxOpenConns(10)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(30 * time.Minute)
		if err := db.Ping(); err != nil {
			return nil, fmt.Errorf("ping postgres: %w", err)
		}
		return &DB{sql: db, backend: Postgres}, nil

	default:
		return nil, fmt.Errorf("unknown DB_TYPE %q", cfg.Type)
	}
}

// Backend returns the active engine.
func (d *DB) Backend() Backend { return d.backend }

// Close releases the underlying pool.
func (d *DB) Close() error { return d.sql.Close() }

// Ping verifies the connection.
func (d *DB) Ping(ctx context.Context) error { return d.sql.PingContext(ctx) }

// SQL exposes the raw handle for the migration runner.
func (d *DB) SQL() *sql.DB { return d.sql }

// Rebind translates ? placeholders to $N for PostgreSQL. Question marks
// inside single-quoted literals are left alone.
func (d *DB) Rebind(query string) string {
	if d.backend != Postgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	inLiteral := false
	for i := 0; i < len(query); i++ {
		c := query[i]
		switch {
		case c == '\'':
			inLiteral = !inLiteral
			b.WriteByte(c)
		case c == '?' && !inLiteral:
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}

// BindTime converts a timestamp to the backend's storage form. sqlite gets
// a fixed-width UTC string so lexicographic and chronological order agree.
func (d *DB) BindTime(t time.Time) any {
	if d.backend == SQLite {
		return t.UTC().Format(sqliteTimeLayout)
	}
	return t.UTC()
}

// BindTimePtr is BindTime for nullable columns.
func (d *DB) BindTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return d.BindTime(*t)
}

// BindBool converts a bool to the backend's storage form (0/1 on sqlite).
func (d *DB) BindBool(b bool) any {
	if d.backend == SQLite {
		if b {
			return 1
		}
		return 0
	}
	return b
}

// Execute runs a statement after placeholder rebinding.
func (d *DB) Execute(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return d.sql.ExecContext(ctx, d.Rebind(query), args...)
}

// FetchOne runs a single-row query after placeholder rebinding.
func (d *DB) FetchOne(ctx context.Context, query string, args ...any) *sql.Row {
	return d.sql.QueryRowContext(ctx, d.Rebind(query), args...)
}

// FetchAll runs a multi-row query after placeholder rebinding.
func (d *DB) FetchAll(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return d.sql.QueryContext(ctx, d.Rebind(query), args...)
}

// Tx is the slice of DB available inside WithTx. Rebinding and time
// binding behave exactly as on DB.
type Tx struct {
	tx *sql.Tx
	db *DB
}

// Execute runs a statement inside the transaction.
func (t *Tx) Execute(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return t.tx.ExecContext(ctx, t.db.Rebind(query), args...)
}

// FetchOne runs a single-row query inside the transaction.
func (t *Tx) FetchOne(ctx context.Context, query string, args ...any) *sql.Row {
	return t.tx.QueryRowContext(ctx, t.db.Rebind(query), args...)
}

// FetchAll runs a multi-row query inside the transaction.
func (t *Tx) FetchAll(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return t.tx.QueryContext(ctx, t.db.Rebind(query), args...)
}

// WithTx runs fn inside a short-lived transaction, committing on nil and
// rolling back on error or panic.
func (d *DB) WithTx(ctx context.Context, fn func(*Tx) error) error {
	tx, err := d.sql.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			tx.Rollback()
			panic(p)
		}
	}()
	if err := fn(&Tx{tx: tx, db: d}); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// NullTime scans timestamps from either backend: native time.Time from
// PostgreSQL, ISO-8601 text from sqlite.
type NullTime struct {
	Time  time.Time
	Valid bool
}

// Scan implements sql.Scanner.
func (n *NullTime) Scan(v any) error {
	n.Time, n.Valid = time.Time{}, false
	switch x := v.(type) {
	case nil:
		return nil
	case time.Time:
		n.Time, n.Valid = x.UTC(), true
		return nil
	case []byte:
		return n.parse(string(x))
	case string:
		return n.parse(x)
	default:
		return fmt.Errorf("store: cannot scan %T into NullTime", v)
	}
}

var timeLayouts = []string{
	sqliteTimeLayout,
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

func (n *NullTime) parse(s string) error {
	if s == "" {
		return nil
	}
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			n.Time, n.Valid = t.UTC(), true
			return nil
		}
	}
	return fmt.Errorf("store: unrecognized timestamp %q", s)
}

// Ptr returns the scanned time as a pointer, nil when NULL.
func (n NullTime) Ptr() *time.Time {
	if !n.Valid {
		return nil
	}
	t := n.Time
	return &t
}

func nilStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// inPlaceholders renders "?, ?, ?" for IN clauses of n values.
func inPlaceholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func strOr(ns sql.NullString) string {
	if ns.Valid {
		return ns.String
	}
	return ""
}
