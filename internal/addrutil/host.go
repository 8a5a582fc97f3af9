package addrutil

import (
	"net"
	"strconv"
	"strings"
)

// Host extracts the host part of an address that may or may not carry a
// port. STUN-mapped addresses arrive as "ip:port" with an ephemeral NAT
// port, HTTP remote addresses as "ip:port", and operator-supplied values
// as bare IPs or hostnames. All of them reduce to the host.
func Host(addr string) string {
	a := strings.TrimSpace(addr)
	if a == "" {
		return ""
	}

	// Fast path: "host:port" (IPv4 or bracketed IPv6).
	if h, _, err := net.SplitHostPort(a); err == nil {
		return h
	}

	// Handle unbracketed IPv6 "host:port" by peeling off the last ":port".
	// The peeled host must still parse as an IP, otherwise the input was a
	// raw IPv6 address whose final group just looks like a port.
	if strings.Count(a, ":") > 1 && !strings.HasPrefix(a, "[") {
		if last := strings.LastIndexByte(a, ':'); last > 0 && last < len(a)-1 {
			host := a[:last]
			port := a[last+1:]
			if _, err := strconv.Atoi(port); err == nil && net.ParseIP(host) != nil {
				return host
			}
		}
	}

	// If there's no port at all, accept raw IPs/hosts.
	if strings.Contains(a, ":") {
		// Likely raw IPv6 without port.
		return strings.Trim(a, "[]")
	}
	return a
}
