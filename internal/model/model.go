package model

import "time"

// Node statuses as tracked by the panel.
const (
	StatusOnline  = "online"
	StatusOffline = "offline"
	StatusUnknown = "unknown"
)

// Client directory statuses.
const (
	ClientActive  = "active"
	ClientBlocked = "blocked"
)

// Node represents a registered proxy server in the fleet.
type Node struct {
	ID              string
	Name            string
	IP              string
	CountryCode     string
	CountryName     string
	City            string
	ISP             string
	XrayVersion     string
	Status          string    // online|offline|unknown
	LastHeartbeatAt time.Time // zero until the first heartbeat arrives
	LastMetrics     *NodeMetrics
	RegisteredAt    time.Time
}

// NodeMetrics is the advisory sample a node attaches to a heartbeat.
// Nothing on the panel keys decisions off these values.
type NodeMetrics struct {
	CPUPct          float64 `json:"cpu_pct"`
	MemPct          float64 `json:"mem_pct"`
	EnforcedClients int     `json:"enforced_clients"`
}

// Client is one credential in the directory.
type Client struct {
	ID            string
	Email         string
	Status        string    // active|blocked
	DailyLimitMB  int64     // 0 means unlimited
	ExpiresAt     time.Time // zero means never
	TotalUplink   int64
	TotalDownlink int64
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// ClientDescriptor is the projection a node needs to enforce a client.
type ClientDescriptor struct {
	ID    string `json:"id"`
	Email string `json:"email"`
}

// TrafficDelta is bytes moved since the node last reset its counters.
type TrafficDelta struct {
	Uplink   int64 `json:"uplink"`
	Downlink int64 `json:"downlink"`
}
