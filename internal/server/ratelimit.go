package server

import (
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
)

// allowUpload applies the per-IP upload limit. When the client is over its
// limit it writes a 429 with Retry-After and returns false.
func (s *Server) allowUpload(w http.ResponseWriter, r *http.Request) bool {
	ip := getIP(r)
	ok, retry := s.uploads.Allow(ip)
	if ok {
		return true
	}
	s.logger.Debug().Str("ip", ip).Dur("retry", retry).Msg("upload rate limited")
	w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(retry.Seconds()))))
	writeError(w, http.StatusTooManyRequests, "too many uploads, try again later")
	return false
}

// getIP extracts the client IP from a request, respecting X-Forwarded-For
// for proxied deployments.
func getIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if idx := strings.Index(xff, ","); idx != -1 {
			return strings.TrimSpace(xff[:idx])
		}
		return strings.TrimSpace(xff)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
