package ratelimit

import (
	"fmt"
	"net"
	"net/http"
	"strings"
)

// IPExtractor resolves the client IP from a request. Precedence: the trusted
// edge-proxy header, X-Real-IP, the first hop of X-Forwarded-For, then the
// raw socket address.
type IPExtractor struct {
	TrustedHeader string
}

// ClientIP returns the best-effort client address, never empty.
func (e IPExtractor) ClientIP(r *http.Request) string {
	if e.TrustedHeader != "" {
		if v := strings.TrimSpace(r.Header.Get(e.TrustedHeader)); v != "" {
			return v
		}
	}
	if v := strings.TrimSpace(r.Header.Get("X-Real-IP")); v != "" {
		return v
	}
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		if first = strings.TrimSpace(first); first != "" {
			return first
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// Identity combines the client IP with an authenticated subject, when
// present, so one NATed address cannot starve every user behind it.
func Identity(ip, subjectID string) string {
	if subjectID == "" {
		return ip
	}
	return fmt.Sprintf("%s:%s", ip, subjectID)
}

// Whitelist holds IPs and CIDR ranges that bypass rate limiting entirely.
type Whitelist struct {
	ips  map[string]bool
	nets []*net.IPNet
}

// NewWhitelist parses a list of IPs and CIDR ranges, skipping entries that
// parse as neither.
func NewWhitelist(entries []string) *Whitelist {
	w := &Whitelist{ips: make(map[string]bool)}
	for _, e := range entries {
		if _, ipNet, err := net.ParseCIDR(e); err == nil {
			w.nets = append(w.nets, ipNet)
			continue
		}
		if ip := net.ParseIP(e); ip != nil {
			w.ips[ip.String()] = true
		}
	}
	return w
}

// Contains reports whether ip is whitelisted.
func (w *Whitelist) Contains(ip string) bool {
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return false
	}
	if w.ips[parsed.String()] {
		return true
	}
	for _, ipNet := range w.nets {
		if ipNet.Contains(parsed) {
			return true
		}
	}
	return false
}
