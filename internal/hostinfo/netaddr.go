package hostinfo

import (
	"context"
	"errors"
	"net"
	"strings"
)

const unknownIP = "unknown"

// outboundIP returns the source address the kernel would pick for traffic to
// the internet. UDP connect sends no packets.
func outboundIP() (string, error) {
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return "", err
	}
	defer conn.Close()
	addr, ok := conn.LocalAddr().(*net.UDPAddr)
	if !ok || addr.IP == nil {
		return "", errors.New("no local udp address")
	}
	return addr.IP.String(), nil
}

// firstIPv4 returns the first non-loopback IPv4 address, skipping lo* interfaces.
func firstIPv4(ifaces []Interface) string {
	for _, iface := range ifaces {
		if strings.HasPrefix(iface.Name, "lo") {
			continue
		}
		for _, a := range iface.Addrs {
			ip := net.ParseIP(a)
			if ip == nil {
				if parsed, _, err := net.ParseCIDR(a); err == nil {
					ip = parsed
				}
			}
			if ip == nil || ip.To4() == nil || ip.IsLoopback() {
				continue
			}
			return ip.String()
		}
	}
	return ""
}

func (c *Collector) localIP(ctx context.Context) string {
	if ip, err := c.outbound(); err == nil && ip != "" {
		return ip
	}
	ifaces, err := c.sampler.Interfaces(ctx)
	if err != nil {
		c.degraded("interfaces", err)
		return unknownIP
	}
	if ip := firstIPv4(ifaces); ip != "" {
		return ip
	}
	return unknownIP
}
