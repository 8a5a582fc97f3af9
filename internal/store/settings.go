package store

import (
	"context"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

// Setting reads one settings value, falling back to def when unset.
func (s *Store) Setting(ctx context.Context, key, def string) (string, error) {
	value := def
	err := s.withConn(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, `SELECT value FROM settings WHERE key = ?`,
			&sqlitex.ExecOptions{
				Args: []any{key},
				ResultFunc: func(stmt *sqlite.Stmt) error {
					value = stmt.ColumnText(0)
					return nil
				},
			})
	})
	if err != nil {
		return def, err
	}
	return value, nil
}

// SetSetting stores one settings value, replacing any previous one.
func (s *Store) SetSetting(ctx context.Context, key, value string) error {
	return s.withTx(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn,
			`INSERT INTO settings (key, value) VALUES (?, ?)
			 ON CONFLICT (key) DO UPDATE SET value = excluded.value`,
			&sqlitex.ExecOptions{Args: []any{key, value}})
	})
}
