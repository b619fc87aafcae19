package dnsutil

import (
	"log/slog"
	"net"
)

// probeAddr is only used to pick a route; UDP "connect" sends no packets.
const probeAddr = "198.18.0.1:53"

const loopbackIPv4 = "127.0.0.1"

// OutboundIPv4 returns the IPv4 address the host would use for outgoing traffic.
// Falls back to the first global interface address, then to 127.0.0.1.
func OutboundIPv4() string {
	if conn, err := net.Dial("udp4", probeAddr); err == nil {
		defer conn.Close()
		if addr, ok := conn.LocalAddr().(*net.UDPAddr); ok {
			if ip4 := addr.IP.To4(); ip4 != nil && !ip4.IsUnspecified() && !ip4.IsLoopback() {
				return ip4.String()
			}
		}
	} else {
		slog.Debug("myIpAddress: no default route for probe", "error", err)
	}
	return interfaceIPv4()
}

func interfaceIPv4() string {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		slog.Warn("myIpAddress: failed to get interface addresses", "error", err)
		return loopbackIPv4
	}
	for _, address := range addrs {
		ipnet, ok := address.(*net.IPNet)
		if !ok || ipnet.IP == nil {
			continue
		}
		ip := ipnet.IP
		if ip.IsLoopback() || ip.IsLinkLocalUnicast() || ip.IsUnspecified() || ip.IsMulticast() {
			continue
		}
		if ip4 := ip.To4(); ip4 != nil {
			return ip4.String()
		}
	}
	slog.Warn("myIpAddress: could not find a non-loopback IPv4 address, falling back to 127.0.0.1")
	return loopbackIPv4
}
