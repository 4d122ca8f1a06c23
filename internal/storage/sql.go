package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

const sqlOperationTimeout = 5 * time.Second

// sqlDialect carries the driver-specific pieces of the shared SQL store.
type sqlDialect struct {
	driver      string
	createTable string // fmt with one %s table placeholder
	selectRow   string
	upsertRow   string
}

var sqliteDialect = sqlDialect{
	driver: "sqlite",
	createTable: `CREATE TABLE IF NOT EXISTS %s (
		id INTEGER PRIMARY KEY,
		reprocess_time INTEGER
	)`,
	selectRow: "SELECT reprocess_time FROM %s WHERE id = ?",
	upsertRow: `INSERT INTO %s (id, reprocess_time) VALUES (?, ?)
		ON CONFLICT (id) DO UPDATE SET reprocess_time = excluded.reprocess_time`,
}

var postgresDialect = sqlDialect{
	driver: "postgres",
	createTable: `CREATE TABLE IF NOT EXISTS %s (
		id BIGINT PRIMARY KEY,
		reprocess_time BIGINT
	)`,
	selectRow: "SELECT reprocess_time FROM %s WHERE id = $1",
	upsertRow: `INSERT INTO %s (id, reprocess_time) VALUES ($1, $2)
		ON CONFLICT (id) DO UPDATE SET reprocess_time = EXCLUDED.reprocess_time`,
}

type sqlBackend struct {
	dsn     string
	dialect sqlDialect
}

// NewSQLiteBackend builds the default embedded backend. The DSN is either
// a bare file path or a file: DSN understood by the sqlite driver.
func NewSQLiteBackend(dsn string) (Backend, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	if !strings.HasPrefix(dsn, "file:") {
		dsn = "file:" + dsn
	}
	if !strings.Contains(dsn, "?") {
		// WAL keeps concurrent per-category open/close cycles from
		// tripping over the default rollback journal locking.
		dsn += "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	}
	return &sqlBackend{dsn: dsn, dialect: sqliteDialect}, nil
}

// NewPostgresBackend builds a backend over a postgres:// DSN.
func NewPostgresBackend(dsn string) (Backend, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	return &sqlBackend{dsn: dsn, dialect: postgresDialect}, nil
}

func (b *sqlBackend) Open(ctx context.Context) (Store, error) {
	db, err := sql.Open(b.dialect.driver, b.dsn)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &sqlStore{db: db, dialect: b.dialect, ready: map[string]struct{}{}}, nil
}

type sqlStore struct {
	db      *sql.DB
	dialect sqlDialect

	mu     sync.Mutex
	ready  map[string]struct{}
	closed bool
}

func (s *sqlStore) GetStorageInfo(ctx context.Context, table string, id int64) (StorageInfo, error) {
	if err := s.ensureTable(ctx, table); err != nil {
		return StorageInfo{}, err
	}
	ctx, cancel := context.WithTimeout(ctx, sqlOperationTimeout)
	defer cancel()

	query := fmt.Sprintf(s.dialect.selectRow, quoteIdentifier(table))
	var reprocessMillis sql.NullInt64
	err := s.db.QueryRowContext(ctx, query, id).Scan(&reprocessMillis)
	if errors.Is(err, sql.ErrNoRows) {
		return StorageInfo{}, nil
	}
	if err != nil {
		return StorageInfo{}, err
	}
	info := StorageInfo{Exists: true}
	if reprocessMillis.Valid {
		at := time.UnixMilli(reprocessMillis.Int64)
		info.ReprocessTime = &at
	}
	return info, nil
}

func (s *sqlStore) Upsert(ctx context.Context, table string, id int64, delayMinutes int) error {
	if err := s.ensureTable(ctx, table); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, sqlOperationTimeout)
	defer cancel()

	var reprocessMillis sql.NullInt64
	if at := reprocessAt(time.Now(), delayMinutes); at != nil {
		reprocessMillis = sql.NullInt64{Int64: at.UnixMilli(), Valid: true}
	}
	query := fmt.Sprintf(s.dialect.upsertRow, quoteIdentifier(table))
	_, err := s.db.ExecContext(ctx, query, id, reprocessMillis)
	return err
}

func (s *sqlStore) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	return s.db.Close()
}

func (s *sqlStore) ensureTable(ctx context.Context, table string) error {
	if !validTable(table) {
		return fmt.Errorf("%w: table %q", ErrInvalidInput, table)
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if _, ok := s.ready[table]; ok {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, sqlOperationTimeout)
	defer cancel()
	query := fmt.Sprintf(s.dialect.createTable, quoteIdentifier(table))
	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return err
	}
	s.mu.Lock()
	s.ready[table] = struct{}{}
	s.mu.Unlock()
	return nil
}

func quoteIdentifier(identifier string) string {
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}
