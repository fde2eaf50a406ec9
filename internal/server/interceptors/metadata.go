package interceptors

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
)

var clientIPKey = contextKey{"client_ip"}

// TrustedProxies lists the peers whose x-forwarded-for and x-real-ip headers are believed.
type TrustedProxies []netip.Prefix

// ParseTrustedProxies parses a comma-separated list of CIDRs or single addresses. Empty yields none.
func ParseTrustedProxies(list string) (TrustedProxies, error) {
	var out TrustedProxies
	for _, raw := range strings.Split(list, ",") {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		if strings.Contains(raw, "/") {
			p, err := netip.ParsePrefix(raw)
			if err != nil {
				return nil, fmt.Errorf("trusted proxy %q: %w", raw, err)
			}
			out = append(out, p.Masked())
			continue
		}
		a, err := netip.ParseAddr(raw)
		if err != nil {
			return nil, fmt.Errorf("trusted proxy %q: %w", raw, err)
		}
		a = a.Unmap()
		out = append(out, netip.PrefixFrom(a, a.BitLen()))
	}
	return out, nil
}

// Contains reports whether ip falls inside one of the trusted networks.
func (t TrustedProxies) Contains(ip string) bool {
	a, err := netip.ParseAddr(ip)
	if err != nil {
		return false
	}
	a = a.Unmap()
	for _, p := range t {
		if p.Contains(a) {
			return true
		}
	}
	return false
}

// ClientIPUnary resolves the caller address once per request and stores it for ClientIP.
func ClientIPUnary(trusted TrustedProxies) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		return handler(WithClientIP(ctx, ResolveClientIP(ctx, trusted)), req)
	}
}

// WithClientIP returns a context whose ClientIP is ip.
func WithClientIP(ctx context.Context, ip string) context.Context {
	return context.WithValue(ctx, clientIPKey, ip)
}

// ClientIP returns the address stored by ClientIPUnary, else the peer address, or "unknown".
// Forwarding headers are never read here.
func ClientIP(ctx context.Context) string {
	if ip, ok := ctx.Value(clientIPKey).(string); ok && ip != "" {
		return ip
	}
	if ip := peerIP(ctx); ip != "" {
		return ip
	}
	return "unknown"
}

// ResolveClientIP returns the peer address unless the peer is a trusted proxy. Behind a trusted proxy
// x-forwarded-for is walked right to left and the first untrusted hop is the client; x-real-ip is the
// fallback when the chain is absent.
func ResolveClientIP(ctx context.Context, trusted TrustedProxies) string {
	peerAddr := peerIP(ctx)
	if peerAddr == "" {
		return "unknown"
	}
	if !trusted.Contains(peerAddr) {
		return peerAddr
	}
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return peerAddr
	}
	if vals := md.Get("x-forwarded-for"); len(vals) > 0 {
		hops := strings.Split(strings.Join(vals, ","), ",")
		for i := len(hops) - 1; i >= 0; i-- {
			hop := strings.TrimSpace(hops[i])
			if hop == "" {
				continue
			}
			if !trusted.Contains(hop) || i == 0 {
				return hop
			}
		}
	}
	if vals := md.Get("x-real-ip"); len(vals) > 0 {
		if s := strings.TrimSpace(vals[0]); s != "" {
			return s
		}
	}
	return peerAddr
}

func peerIP(ctx context.Context) string {
	p, ok := peer.FromContext(ctx)
	if !ok || p.Addr == nil {
		return ""
	}
	if host, _, err := net.SplitHostPort(p.Addr.String()); err == nil {
		return host
	}
	return p.Addr.String()
}

// UserAgent returns the caller's user agent. A client-supplied x-user-agent wins over the
// transport's own user-agent header, which gRPC prefixes with its version string.
func UserAgent(ctx context.Context) string {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return ""
	}
	for _, key := range []string{"x-user-agent", "user-agent"} {
		if vals := md.Get(key); len(vals) > 0 {
			if s := strings.TrimSpace(vals[0]); s != "" {
				return s
			}
		}
	}
	return ""
}
