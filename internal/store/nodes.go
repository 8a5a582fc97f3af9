package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"proxyfleet/internal/model"
)

const nodeColumns = `id, name, ip, country_code, country_name, city, isp, xray_version, status, last_heartbeat_at, last_metrics, registered_at`

// RegisterNode stores a new node and returns its freshly minted ID. Every
// call creates a new entry: re-registration is a new identity, and
// cleaning up abandoned entries is an operator action.
func (s *Store) RegisterNode(ctx context.Context, n model.Node, at time.Time) (string, error) {
	id := uuid.NewString()
	err := s.withTx(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, `INSERT INTO nodes
			(id, name, ip, country_code, country_name, city, isp, xray_version, status, registered_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			&sqlitex.ExecOptions{Args: []any{
				id, n.Name, n.IP, n.CountryCode, n.CountryName, n.City, n.ISP,
				n.XrayVersion, model.StatusUnknown, formatTime(at),
			}})
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

// GetNode fetches one node by ID.
func (s *Store) GetNode(ctx context.Context, id string) (model.Node, error) {
	var node model.Node
	found := false
	err := s.withConn(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, `SELECT `+nodeColumns+` FROM nodes WHERE id = ?`,
			&sqlitex.ExecOptions{
				Args: []any{id},
				ResultFunc: func(stmt *sqlite.Stmt) error {
					node = scanNode(stmt)
					found = true
					return nil
				},
			})
	})
	if err != nil {
		return model.Node{}, err
	}
	if !found {
		return model.Node{}, ErrNotFound
	}
	return node, nil
}

// ListNodes returns every registered node, oldest first.
func (s *Store) ListNodes(ctx context.Context) ([]model.Node, error) {
	var nodes []model.Node
	err := s.withConn(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, `SELECT `+nodeColumns+` FROM nodes ORDER BY registered_at, id`,
			&sqlitex.ExecOptions{
				ResultFunc: func(stmt *sqlite.Stmt) error {
					nodes = append(nodes, scanNode(stmt))
					return nil
				},
			})
	})
	if err != nil {
		return nil, err
	}
	return nodes, nil
}

// DeleteNode removes a node. Assignments and traffic logs referencing it
// go with it.
func (s *Store) DeleteNode(ctx context.Context, id string) error {
	return s.withTx(ctx, func(conn *sqlite.Conn) error {
		err := sqlitex.Execute(conn, `DELETE FROM nodes WHERE id = ?`,
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

// UpdateHeartbeat applies a heartbeat with last-writer-wins semantics:
// whatever arrives latest overwrites status, timestamp and metrics.
func (s *Store) UpdateHeartbeat(ctx context.Context, id, status string, metrics *model.NodeMetrics, at time.Time) error {
	var metricsJSON any
	if metrics != nil {
		raw, err := json.Marshal(metrics)
		if err != nil {
			return err
		}
		metricsJSON = string(raw)
	}
	return s.withTx(ctx, func(conn *sqlite.Conn) error {
		err := sqlitex.Execute(conn,
			`UPDATE nodes SET status = ?, last_heartbeat_at = ?, last_metrics = ? WHERE id = ?`,
			&sqlitex.ExecOptions{Args: []any{status, formatTime(at), metricsJSON, id}})
		if err != nil {
			return err
		}
		if conn.Changes() == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// MarkOffline flips online nodes whose last heartbeat predates cutoff to
// offline and returns how many changed. Nodes that never heartbeated stay
// unknown.
func (s *Store) MarkOffline(ctx context.Context, cutoff time.Time) (int, error) {
	var changed int
	err := s.withTx(ctx, func(conn *sqlite.Conn) error {
		err := sqlitex.Execute(conn,
			`UPDATE nodes SET status = ? WHERE status = ? AND last_heartbeat_at IS NOT NULL AND last_heartbeat_at < ?`,
			&sqlitex.ExecOptions{Args: []any{model.StatusOffline, model.StatusOnline, formatTime(cutoff)}})
		if err != nil {
			return err
		}
		changed = conn.Changes()
		return nil
	})
	return changed, err
}

func scanNode(stmt *sqlite.Stmt) model.Node {
	n := model.Node{
		ID:          stmt.ColumnText(0),
		Name:        stmt.ColumnText(1),
		IP:          stmt.ColumnText(2),
		CountryCode: stmt.ColumnText(3),
		CountryName: stmt.ColumnText(4),
		City:        stmt.ColumnText(5),
		ISP:         stmt.ColumnText(6),
		XrayVersion: stmt.ColumnText(7),
		Status:      stmt.ColumnText(8),
	}
	if !stmt.ColumnIsNull(9) {
		n.LastHeartbeatAt = parseTime(stmt.ColumnText(9))
	}
	if !stmt.ColumnIsNull(10) {
		var m model.NodeMetrics
		if err := json.Unmarshal([]byte(stmt.ColumnText(10)), &m); err == nil {
			n.LastMetrics = &m
		}
	}
	n.RegisteredAt = parseTime(stmt.ColumnText(11))
	return n
}
