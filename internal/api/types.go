package api

import (
	"time"

	"proxyfleet/internal/model"
)

// Agent self-reported statuses carried in a heartbeat.
const (
	AgentOK       = "ok"
	AgentDegraded = "degraded"
)

// RegisterNodeRequest is sent by an agent when joining the panel. Every
// field except Name is advisory metadata.
type RegisterNodeRequest struct {
	Name        string `json:"name"`
	IP          string `json:"ip,omitempty"`
	CountryCode string `json:"country_code,omitempty"`
	CountryName string `json:"country_name,omitempty"`
	City        string `json:"city,omitempty"`
	ISP         string `json:"isp,omitempty"`
	XrayVersion string `json:"xray_version,omitempty"`
}

// RegisterNodeResponse returns the panel-assigned node ID.
type RegisterNodeResponse struct {
	NodeID string `json:"node_id"`
}

// HeartbeatRequest reports agent liveness and enforcement health.
type HeartbeatRequest struct {
	Status  string             `json:"status"`
	Metrics *model.NodeMetrics `json:"metrics,omitempty"`
}

// TrafficReport maps client email to the bytes moved since the node's
// last successful report.
type TrafficReport map[string]model.TrafficDelta

// NodeRecord is the wire form of a registered node.
type NodeRecord struct {
	ID              string             `json:"id"`
	Name            string             `json:"name"`
	IP              string             `json:"ip,omitempty"`
	CountryCode     string             `json:"country_code,omitempty"`
	CountryName     string             `json:"country_name,omitempty"`
	City            string             `json:"city,omitempty"`
	ISP             string             `json:"isp,omitempty"`
	XrayVersion     string             `json:"xray_version,omitempty"`
	Status          string             `json:"status"`
	LastHeartbeatAt *time.Time         `json:"last_heartbeat_at,omitempty"`
	Metrics         *model.NodeMetrics `json:"metrics,omitempty"`
	RegisteredAt    time.Time          `json:"registered_at"`
}

// RegisterClientRequest creates a directory entry for a credential the
// caller already minted. Limit fields are pointers so an omitted value can
// fall back to the panel's configured defaults.
type RegisterClientRequest struct {
	ID           string `json:"id"`
	Email        string `json:"email"`
	DailyLimitMB *int64 `json:"daily_limit_mb,omitempty"`
	ExpireDays   *int   `json:"expire_days,omitempty"`
}

// UpdateClientRequest mutates directory fields. Nil fields are untouched.
type UpdateClientRequest struct {
	Status       *string `json:"status,omitempty"`
	DailyLimitMB *int64  `json:"daily_limit_mb,omitempty"`
	ExtendDays   *int    `json:"extend_days,omitempty"`
}

// ClientRecord is the wire form of a directory entry with its ledger.
type ClientRecord struct {
	ID            string     `json:"id"`
	Email         string     `json:"email"`
	Status        string     `json:"status"`
	DailyLimitMB  int64      `json:"daily_limit_mb"`
	ExpiresAt     *time.Time `json:"expires_at,omitempty"`
	TotalUplink   int64      `json:"total_uplink"`
	TotalDownlink int64      `json:"total_downlink"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// StatsResponse summarizes the fleet and directory.
type StatsResponse struct {
	Nodes         int   `json:"nodes"`
	NodesOnline   int   `json:"nodes_online"`
	Clients       int   `json:"clients"`
	ClientsActive int   `json:"clients_active"`
	TrafficToday  int64 `json:"traffic_today_bytes"`
}
