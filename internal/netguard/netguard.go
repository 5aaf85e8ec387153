// Package netguard holds the edge middleware: CORS and the client IP allow-list.
package netguard

import (
	"encoding/json"
	"net"
	"net/http"
	"net/netip"
	"strings"

	"github.com/rs/cors"
	"go.uber.org/zap"
)

// exemptPaths skip the allow-list when the socket peer is loopback, so local
// health checks and scrapers keep working behind a restrictive list.
var exemptPaths = map[string]struct{}{
	"/api/health": {},
	"/metrics":    {},
}

// CORS returns the rs/cors handler for origins. A wildcard disables credentials.
func CORS(origins []string) *cors.Cors {
	wildcard := len(origins) == 0
	for _, origin := range origins {
		if strings.TrimSpace(origin) == "*" {
			wildcard = true
		}
	}
	opts := cors.Options{
		AllowedMethods: []string{
			http.MethodGet, http.MethodPost, http.MethodHead,
			http.MethodPatch, http.MethodDelete, http.MethodPut,
		},
		AllowedHeaders: []string{"Content-Type", "Authorization", "X-Request-ID"},
		ExposedHeaders: []string{"X-Request-ID", "Content-Disposition"},
	}
	if wildcard {
		opts.AllowedOrigins = []string{"*"}
	} else {
		opts.AllowedOrigins = origins
		opts.AllowCredentials = true
	}
	return cors.New(opts)
}

type Guard struct {
	allowed []netip.Prefix
	trusted []netip.Prefix
	logger  *zap.Logger
}

func NewGuard(allowed, trusted []netip.Prefix, logger *zap.Logger) *Guard {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Guard{allowed: allowed, trusted: trusted, logger: logger}
}

// Enabled reports whether an allow-list is configured.
func (g *Guard) Enabled() bool {
	return len(g.allowed) > 0
}

func (g *Guard) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !g.Enabled() {
			next.ServeHTTP(w, r)
			return
		}
		peer := peerAddr(r)
		if _, exempt := exemptPaths[r.URL.Path]; exempt && peer.IsLoopback() {
			next.ServeHTTP(w, r)
			return
		}
		client := g.ClientIP(r)
		if !g.Allowed(client) {
			g.logger.Warn("request blocked by ip allow-list",
				zap.String("client_ip", client.String()),
				zap.String("peer", peer.String()),
				zap.String("path", r.URL.Path),
			)
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusForbidden)
			_ = json.NewEncoder(w).Encode(map[string]any{
				"code":  "IP_NOT_ALLOWED",
				"error": "Requests from this address are not allowed",
			})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Allowed reports whether addr falls inside the allow-list. An empty list allows everything.
func (g *Guard) Allowed(addr netip.Addr) bool {
	if !g.Enabled() {
		return true
	}
	return addr.IsValid() && contains(g.allowed, addr)
}

// ClientIP is the socket peer, unless the peer is a trusted proxy. Then the
// right-most X-Forwarded-For entry that is not itself trusted wins. An
// unparsable entry yields the zero Addr.
func (g *Guard) ClientIP(r *http.Request) netip.Addr {
	peer := peerAddr(r)
	if !peer.IsValid() || !contains(g.trusted, peer) {
		return peer
	}

	var hops []string
	for _, header := range r.Header.Values("X-Forwarded-For") {
		for _, part := range strings.Split(header, ",") {
			if part = strings.TrimSpace(part); part != "" {
				hops = append(hops, part)
			}
		}
	}

	client := peer
	for i := len(hops) - 1; i >= 0; i-- {
		addr, err := netip.ParseAddr(hops[i])
		if err != nil {
			return netip.Addr{}
		}
		addr = addr.Unmap()
		client = addr
		if !contains(g.trusted, addr) {
			return addr
		}
	}
	return client
}

func peerAddr(r *http.Request) netip.Addr {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	addr, err := netip.ParseAddr(host)
	if err != nil {
		return netip.Addr{}
	}
	return addr.Unmap()
}

func contains(prefixes []netip.Prefix, addr netip.Addr) bool {
	for _, prefix := range prefixes {
		if prefix.Contains(addr) {
			return true
		}
	}
	return false
}
