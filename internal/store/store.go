package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

const poolSize = 4

// Sentinel errors callers branch on.
var (
	ErrNotFound = errors.New("not found")
	ErrExists   = errors.New("already exists")
)

// Default settings seeded into a fresh database. A zero default keeps new
// clients unlimited until an operator decides otherwise.
const (
	SettingDefaultDailyLimitMB = "default_daily_limit_mb"
	SettingDefaultExpireDays   = "default_expire_days"
)

// Store is the panel's authoritative state: node registry, client
// directory, assignments and the traffic ledger. All mutations run inside
// a single IMMEDIATE transaction, so SQLite's single-writer rule
// serializes concurrent updates to the same entity.
type Store struct {
	pool *sqlitex.Pool
}

// Open creates or opens the database at path and ensures the schema.
// Use Close when done.
func Open(path string) (*Store, error) {
	pool, err := sqlitex.NewPool(path, sqlitex.PoolOptions{
		PoolSize:    poolSize,
		PrepareConn: prepareConn,
	})
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}

	s := &Store{pool: pool}
	if err := s.init(context.Background()); err != nil {
		_ = pool.Close()
		return nil, err
	}
	return s, nil
}

// Close releases all database connections.
func (s *Store) Close() error {
	return s.pool.Close()
}

func prepareConn(conn *sqlite.Conn) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	}
	for _, pragma := range pragmas {
		if err := sqlitex.ExecuteTransient(conn, pragma, nil); err != nil {
			return fmt.Errorf("%s: %w", pragma, err)
		}
	}
	return nil
}

func (s *Store) init(ctx context.Context) error {
	return s.withConn(ctx, func(conn *sqlite.Conn) error {
		if err := sqlitex.ExecuteScript(conn, schema, nil); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
		seed := map[string]string{
			SettingDefaultDailyLimitMB: "0",
			SettingDefaultExpireDays:   "0",
		}
		for key, value := range seed {
			err := sqlitex.Execute(conn,
				`INSERT OR IGNORE INTO settings (key, value) VALUES (?, ?)`,
				&sqlitex.ExecOptions{Args: []any{key, value}})
			if err != nil {
				return fmt.Errorf("seed setting %s: %w", key, err)
			}
		}
		return nil
	})
}

func (s *Store) withConn(ctx context.Context, fn func(conn *sqlite.Conn) error) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)
	return fn(conn)
}

// withTx runs fn inside an IMMEDIATE transaction. The transaction commits
// when fn returns nil and rolls back otherwise.
func (s *Store) withTx(ctx context.Context, fn func(conn *sqlite.Conn) error) (err error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)

	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return err
	}
	defer endTransaction(&err)

	return fn(conn)
}

func rowExists(conn *sqlite.Conn, query string, args ...any) (bool, error) {
	found := false
	err := sqlitex.Execute(conn, query, &sqlitex.ExecOptions{
		Args: args,
		ResultFunc: func(*sqlite.Stmt) error {
			found = true
			return nil
		},
	})
	return found, err
}

func translateConstraint(err error) error {
	if err == nil {
		return nil
	}
	switch sqlite.ErrCode(err) {
	case sqlite.ResultConstraintUnique, sqlite.ResultConstraintPrimaryKey:
		return ErrExists
	}
	return err
}

// Timestamps are stored as RFC3339 UTC with second precision, so string
// order equals time order and SQL comparisons against formatTime values
// are safe.
func formatTime(t time.Time) string {
	return t.UTC().Truncate(time.Second).Format(time.RFC3339)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

// dayKey is the UTC calendar day used for daily rollups.
func dayKey(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}
