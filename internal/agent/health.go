package agent

import (
	"context"
	"net"
	"time"
)

const (
	inboundDialTimeout  = time.Second
	inboundPollInterval = 200 * time.Millisecond
	inboundWait         = 5 * time.Second
)

// checkInbound dials the xray inbound once. True means a listener
// accepted the connection; nothing is written on it.
func checkInbound(addr string, timeout time.Duration) bool {
	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}

// waitInbound polls addr until a dial succeeds or timeout passes. Used
// right after a restart, when systemd reports active before the inbound
// socket is bound.
func waitInbound(ctx context.Context, addr string, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for {
		if checkInbound(addr, inboundDialTimeout) {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(inboundPollInterval):
		}
	}
}
