package store

import (
	"context"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"proxyfleet/internal/model"
)

const clientColumns = `id, email, status, daily_limit_mb, expires_at, total_uplink, total_downlink, created_at, updated_at`

// CreateClient stores a caller-minted credential. The directory never
// generates ids; it only records and authorizes them. Returns ErrExists
// when the id or email is already taken.
func (s *Store) CreateClient(ctx context.Context, c model.Client) error {
	var expires any
	if !c.ExpiresAt.IsZero() {
		expires = formatTime(c.ExpiresAt)
	}
	err := s.withTx(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, `INSERT INTO clients
			(id, email, status, daily_limit_mb, expires_at, total_uplink, total_downlink, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, 0, 0, ?, ?)`,
			&sqlitex.ExecOptions{Args: []any{
				c.ID, c.Email, c.Status, c.DailyLimitMB, expires,
				formatTime(c.CreatedAt), formatTime(c.UpdatedAt),
			}})
	})
	return translateConstraint(err)
}

// GetClient fetches one client by ID.
func (s *Store) GetClient(ctx context.Context, id string) (model.Client, error) {
	var client model.Client
	err := s.withConn(ctx, func(conn *sqlite.Conn) error {
		c, err := getClientConn(conn, id)
		if err != nil {
			return err
		}
		client = c
		return nil
	})
	return client, err
}

// ListClients returns every directory entry, oldest first.
func (s *Store) ListClients(ctx context.Context) ([]model.Client, error) {
	var clients []model.Client
	err := s.withConn(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, `SELECT `+clientColumns+` FROM clients ORDER BY created_at, id`,
			&sqlitex.ExecOptions{
				ResultFunc: func(stmt *sqlite.Stmt) error {
					clients = append(clients, scanClient(stmt))
					return nil
				},
			})
	})
	if err != nil {
		return nil, err
	}
	return clients, nil
}

// ClientUpdate mutates a subset of directory fields. Nil means untouched.
type ClientUpdate struct {
	Status       *string
	DailyLimitMB *int64
	ExtendDays   *int
}

// UpdateClient applies the update and returns the new record. Extending an
// expired or never-expiring client starts the extension at `at`.
func (s *Store) UpdateClient(ctx context.Context, id string, upd ClientUpdate, at time.Time) (model.Client, error) {
	var out model.Client
	err := s.withTx(ctx, func(conn *sqlite.Conn) error {
		c, err := getClientConn(conn, id)
		if err != nil {
			return err
		}
		if upd.Status != nil {
			c.Status = *upd.Status
		}
		if upd.DailyLimitMB != nil {
			c.DailyLimitMB = *upd.DailyLimitMB
		}
		if upd.ExtendDays != nil && *upd.ExtendDays > 0 {
			base := c.ExpiresAt
			if base.IsZero() || base.Before(at) {
				base = at
			}
			c.ExpiresAt = base.AddDate(0, 0, *upd.ExtendDays)
		}
		c.UpdatedAt = at

		var expires any
		if !c.ExpiresAt.IsZero() {
			expires = formatTime(c.ExpiresAt)
		}
		err = sqlitex.Execute(conn,
			`UPDATE clients SET status = ?, daily_limit_mb = ?, expires_at = ?, updated_at = ? WHERE id = ?`,
			&sqlitex.ExecOptions{Args: []any{c.Status, c.DailyLimitMB, expires, formatTime(at), id}})
		if err != nil {
			return err
		}
		out = c
		return nil
	})
	if err != nil {
		return model.Client{}, err
	}
	return out, nil
}

// DeleteClient removes a client along with its assignments, traffic logs
// and rollups.
func (s *Store) DeleteClient(ctx context.Context, id string) error {
	return s.withTx(ctx, func(conn *sqlite.Conn) error {
		err := sqlitex.Execute(conn, `DELETE FROM clients WHERE id = ?`,
			&sqlitex.ExecOptions{Args: []any{id}})
		if err != nil {
			return err
		}
		if conn.Changes() == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// Assign links a client to a node. Repeats are no-ops.
func (s *Store) Assign(ctx context.Context, clientID, nodeID string, at time.Time) error {
	return s.withTx(ctx, func(conn *sqlite.Conn) error {
		if err := requireClientAndNode(conn, clientID, nodeID); err != nil {
			return err
		}
		return sqlitex.Execute(conn,
			`INSERT OR IGNORE INTO assignments (client_id, node_id, created_at) VALUES (?, ?, ?)`,
			&sqlitex.ExecOptions{Args: []any{clientID, nodeID, formatTime(at)}})
	})
}

// Unassign removes the link. Removing an absent link is a no-op.
func (s *Store) Unassign(ctx context.Context, clientID, nodeID string) error {
	return s.withTx(ctx, func(conn *sqlite.Conn) error {
		if err := requireClientAndNode(conn, clientID, nodeID); err != nil {
			return err
		}
		return sqlitex.Execute(conn,
			`DELETE FROM assignments WHERE client_id = ? AND node_id = ?`,
			&sqlitex.ExecOptions{Args: []any{clientID, nodeID}})
	})
}

// AssignmentSnapshot returns the eligible clients assigned to a node as of
// one point in time. Blocked, expired and over-daily-limit clients are
// filtered out. The single SELECT keeps the list consistent under
// concurrent directory edits.
func (s *Store) AssignmentSnapshot(ctx context.Context, nodeID string, at time.Time) ([]model.ClientDescriptor, error) {
	out := []model.ClientDescriptor{}
	err := s.withConn(ctx, func(conn *sqlite.Conn) error {
		ok, err := rowExists(conn, `SELECT 1 FROM nodes WHERE id = ?`, nodeID)
		if err != nil {
			return err
		}
		if !ok {
			return ErrNotFound
		}
		return sqlitex.Execute(conn, `
			SELECT c.id, c.email
			FROM clients c
			JOIN assignments a ON a.client_id = c.id
			LEFT JOIN daily_traffic dt ON dt.client_id = c.id AND dt.day = ?
			WHERE a.node_id = ?
			  AND c.status = ?
			  AND (c.expires_at IS NULL OR c.expires_at > ?)
			  AND (c.daily_limit_mb = 0 OR COALESCE(dt.total_bytes, 0) < c.daily_limit_mb * 1048576)
			ORDER BY c.email`,
			&sqlitex.ExecOptions{
				Args: []any{dayKey(at), nodeID, model.ClientActive, formatTime(at)},
				ResultFunc: func(stmt *sqlite.Stmt) error {
					out = append(out, model.ClientDescriptor{
						ID:    stmt.ColumnText(0),
						Email: stmt.ColumnText(1),
					})
					return nil
				},
			})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func requireClientAndNode(conn *sqlite.Conn, clientID, nodeID string) error {
	ok, err := rowExists(conn, `SELECT 1 FROM clients WHERE id = ?`, clientID)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotFound
	}
	ok, err = rowExists(conn, `SELECT 1 FROM nodes WHERE id = ?`, nodeID)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotFound
	}
	return nil
}

func getClientConn(conn *sqlite.Conn, id string) (model.Client, error) {
	var client model.Client
	found := false
	err := sqlitex.Execute(conn, `SELECT `+clientColumns+` FROM clients WHERE id = ?`,
		&sqlitex.ExecOptions{
			Args: []any{id},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				client = scanClient(stmt)
				found = true
				return nil
			},
		})
	if err != nil {
		return model.Client{}, err
	}
	if !found {
		return model.Client{}, ErrNotFound
	}
	return client, nil
}

func scanClient(stmt *sqlite.Stmt) model.Client {
	c := model.Client{
		ID:            stmt.ColumnText(0),
		Email:         stmt.ColumnText(1),
		Status:        stmt.ColumnText(2),
		DailyLimitMB:  stmt.ColumnInt64(3),
		TotalUplink:   stmt.ColumnInt64(5),
		TotalDownlink: stmt.ColumnInt64(6),
		CreatedAt:     parseTime(stmt.ColumnText(7)),
		UpdatedAt:     parseTime(stmt.ColumnText(8)),
	}
	if !stmt.ColumnIsNull(4) {
		c.ExpiresAt = parseTime(stmt.ColumnText(4))
	}
	return c
}
