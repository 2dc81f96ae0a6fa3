package addrutil

import (
	"net"
	"strconv"
	"strings"
)

// WithDefaultPort appends port to addr when addr carries none.
//
// Agents are usually configured with a bare aggregator host ("gpu-head" or
// "10.0.0.5"); the aggregator listens on a well-known port, so the address is
// completed here instead of forcing every config to repeat it.
func WithDefaultPort(addr string, port int) string {
	a := strings.TrimSpace(addr)
	if a == "" || port <= 0 {
		return a
	}
	if _, _, err := net.SplitHostPort(a); err == nil {
		return a
	}
	if ip := net.ParseIP(strings.Trim(a, "[]")); ip != nil {
		return net.JoinHostPort(ip.String(), strconv.Itoa(port))
	}
	if strings.Contains(a, ":") {
		return a
	}
	return net.JoinHostPort(a, strconv.Itoa(port))
}

// HostFromAddr returns the host part of addr, accepting "host:port",
// bracketed and unbracketed IPv6 forms, or a bare host.
func HostFromAddr(addr string) string {
	a := strings.TrimSpace(addr)
	if a == "" {
		return ""
	}

	if h, _, err := net.SplitHostPort(a); err == nil {
		return h
	}

	// Unbracketed IPv6 "host:port": peel off the last ":port".
	if strings.Count(a, ":") > 1 && !strings.HasPrefix(a, "[") && net.ParseIP(a) == nil {
		if last := strings.LastIndexByte(a, ':'); last > 0 && last < len(a)-1 {
			if _, err := strconv.Atoi(a[last+1:]); err == nil {
				return a[:last]
			}
		}
	}

	if strings.Contains(a, ":") {
		return strings.Trim(a, "[]")
	}
	return a
}
