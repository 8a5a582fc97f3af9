package store

import (
	"context"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"proxyfleet/internal/model"
)

// RecordTraffic folds one node report into the ledger: an append-only log
// row, the day's rollup and the client's cumulative totals, all in one
// transaction. Unknown emails and empty deltas are skipped rather than
// failing the report. Reports are at-least-once: a retried report counts
// again, there is no dedup key.
func (s *Store) RecordTraffic(ctx context.Context, nodeID string, report map[string]model.TrafficDelta, at time.Time) error {
	return s.withTx(ctx, func(conn *sqlite.Conn) error {
		ok, err := rowExists(conn, `SELECT 1 FROM nodes WHERE id = ?`, nodeID)
		if err != nil {
			return err
		}
		if !ok {
			return ErrNotFound
		}

		day := dayKey(at)
		ts := formatTime(at)
		for email, d := range report {
			if d.Uplink < 0 {
				d.Uplink = 0
			}
			if d.Downlink < 0 {
				d.Downlink = 0
			}
			if d.Uplink == 0 && d.Downlink == 0 {
				continue
			}

			var clientID string
			err := sqlitex.Execute(conn, `SELECT id FROM clients WHERE email = ?`,
				&sqlitex.ExecOptions{
					Args: []any{email},
					ResultFunc: func(stmt *sqlite.Stmt) error {
						clientID = stmt.ColumnText(0)
						return nil
					},
				})
			if err != nil {
				return err
			}
			if clientID == "" {
				// Unassigned or deleted client still counted by the
				// node's runtime. Nothing to attribute it to.
				continue
			}

			err = sqlitex.Execute(conn,
				`INSERT INTO traffic_logs (client_id, node_id, uplink, downlink, recorded_at) VALUES (?, ?, ?, ?, ?)`,
				&sqlitex.ExecOptions{Args: []any{clientID, nodeID, d.Uplink, d.Downlink, ts}})
			if err != nil {
				return err
			}

			err = sqlitex.Execute(conn,
				`INSERT INTO daily_traffic (client_id, day, total_bytes) VALUES (?, ?, ?)
				 ON CONFLICT (client_id, day) DO UPDATE SET total_bytes = total_bytes + excluded.total_bytes`,
				&sqlitex.ExecOptions{Args: []any{clientID, day, d.Uplink + d.Downlink}})
			if err != nil {
				return err
			}

			err = sqlitex.Execute(conn,
				`UPDATE clients SET total_uplink = total_uplink + ?, total_downlink = total_downlink + ? WHERE id = ?`,
				&sqlitex.ExecOptions{Args: []any{d.Uplink, d.Downlink, clientID}})
			if err != nil {
				return err
			}
		}
		return nil
	})
}

// Stats are the panel's dashboard counters.
type Stats struct {
	Nodes         int
	NodesOnline   int
	Clients       int
	ClientsActive int
	TrafficToday  int64
}

// Stats counts the fleet and directory and sums today's rollups.
func (s *Store) Stats(ctx context.Context, at time.Time) (Stats, error) {
	var stats Stats
	err := s.withConn(ctx, func(conn *sqlite.Conn) error {
		counts := []struct {
			query string
			args  []any
			dst   *int
		}{
			{`SELECT COUNT(*) FROM nodes`, nil, &stats.Nodes},
			{`SELECT COUNT(*) FROM nodes WHERE status = ?`, []any{model.StatusOnline}, &stats.NodesOnline},
			{`SELECT COUNT(*) FROM clients`, nil, &stats.Clients},
			{`SELECT COUNT(*) FROM clients WHERE status = ?`, []any{model.ClientActive}, &stats.ClientsActive},
		}
		for _, c := range counts {
			dst := c.dst
			err := sqlitex.Execute(conn, c.query, &sqlitex.ExecOptions{
				Args: c.args,
				ResultFunc: func(stmt *sqlite.Stmt) error {
					*dst = stmt.ColumnInt(0)
					return nil
				},
			})
			if err != nil {
				return err
			}
		}
		return sqlitex.Execute(conn,
			`SELECT COALESCE(SUM(total_bytes), 0) FROM daily_traffic WHERE day = ?`,
			&sqlitex.ExecOptions{
				Args: []any{dayKey(at)},
				ResultFunc: func(stmt *sqlite.Stmt) error {
					stats.TrafficToday = stmt.ColumnInt64(0)
					return nil
				},
			})
	})
	return stats, err
}
