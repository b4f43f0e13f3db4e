package gateway

import (
	"net"
	"net/http"
	"strings"
)

func (s *Server) authorize(r *http.Request) bool {
	token := s.cfg.Holder.Current().Gateway.Token
	if token == "" {
		return false
	}
	authz := strings.TrimSpace(r.Header.Get("Authorization"))
	const prefix = "Bearer "
	if !strings.HasPrefix(authz, prefix) {
		return false
	}
	supplied := strings.TrimSpace(strings.TrimPrefix(authz, prefix))
	return supplied != "" && supplied == token
}

// clientAddr resolves the caller's address. X-Forwarded-For is only honored
// when the direct peer is a configured trusted proxy; otherwise the peer
// address wins, so untrusted clients cannot spoof their origin.
func (s *Server) clientAddr(r *http.Request) string {
	peer, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		peer = r.RemoteAddr
	}

	trusted := false
	for _, proxy := range s.cfg.Holder.Current().Gateway.TrustedProxies {
		if proxy == peer {
			trusted = true
			break
		}
	}
	if !trusted {
		return peer
	}

	forwarded := r.Header.Get("X-Forwarded-For")
	if forwarded == "" {
		return peer
	}
	hops := strings.Split(forwarded, ",")
	return strings.TrimSpace(hops[len(hops)-1])
}
