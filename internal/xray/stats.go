package xray

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"proxyfleet/internal/model"
)

// QueryTraffic reads per-client byte counters from the local xray API and
// resets them in the same call. Each successful query is therefore a
// distinct delta window; the caller must fold the result into its pending
// report before attempting any network I/O, or the window is lost.
func (m *Manager) QueryTraffic(ctx context.Context, binary, apiAddr string) (map[string]model.TrafficDelta, error) {
	out, err := m.output(ctx, binary, "api", "statsquery",
		"--server="+apiAddr, "-pattern", "user>>>", "-reset")
	if err != nil {
		return nil, err
	}
	return ParseStats(out)
}

type statEntry struct {
	Name  string          `json:"name"`
	Value json.RawMessage `json:"value"`
}

// ParseStats converts statsquery output into per-email deltas. Counter
// names look like "user>>>alice@node>>>traffic>>>uplink". Depending on the
// core version, int64 values arrive as JSON strings or numbers; entries
// with any other shape are skipped.
func ParseStats(out string) (map[string]model.TrafficDelta, error) {
	var payload struct {
		Stat []statEntry `json:"stat"`
	}
	if err := json.Unmarshal([]byte(out), &payload); err != nil {
		return nil, fmt.Errorf("parse statsquery output: %w", err)
	}

	deltas := map[string]model.TrafficDelta{}
	for _, s := range payload.Stat {
		parts := strings.Split(s.Name, ">>>")
		if len(parts) != 4 || parts[0] != "user" || parts[2] != "traffic" {
			continue
		}
		value, err := parseStatValue(s.Value)
		if err != nil || value <= 0 {
			continue
		}
		email := parts[1]
		d := deltas[email]
		switch parts[3] {
		case "uplink":
			d.Uplink += value
		case "downlink":
			d.Downlink += value
		default:
			continue
		}
		deltas[email] = d
	}
	return deltas, nil
}

func parseStatValue(raw json.RawMessage) (int64, error) {
	s := strings.Trim(strings.TrimSpace(string(raw)), `"`)
	if s == "" {
		return 0, nil
	}
	return strconv.ParseInt(s, 10, 64)
}
