package geo

import (
	"net/netip"
	"strings"
)

// NormalizeIP canonicalizes a client address for storage and scoring. IPv6 loopback becomes 127.0.0.1,
// IPv4-mapped IPv6 is unwrapped, and zones are dropped. Other IPv6 addresses and unparsable input
// return "" so they count as unknown.
func NormalizeIP(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	if i := strings.IndexByte(raw, '%'); i >= 0 {
		raw = raw[:i]
	}
	addr, err := netip.ParseAddr(raw)
	if err != nil {
		return ""
	}
	if addr == netip.IPv6Loopback() {
		return "127.0.0.1"
	}
	addr = addr.Unmap()
	if !addr.Is4() {
		return ""
	}
	return addr.String()
}

// routable reports whether ip is worth a geo lookup.
func routable(ip string) bool {
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return false
	}
	return !(addr.IsLoopback() || addr.IsPrivate() || addr.IsLinkLocalUnicast() || addr.IsUnspecified())
}
