package intake

import (
	"net"
	"net/http"
	"strings"
)

// UnknownClientKey is used when no origin can be determined.
const UnknownClientKey = "unknown"

// ClientKey derives the rate-limit bucket for r. When trustProxy is set the
// first X-Forwarded-For entry wins; the header is client-controlled, so
// this is only sound behind a proxy that overwrites it.
func ClientKey(r *http.Request, trustProxy bool) string {
	if trustProxy {
		if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
			first, _, _ := strings.Cut(fwd, ",")
			if first = strings.TrimSpace(first); first != "" {
				return first
			}
		}
	}
	if r.RemoteAddr != "" {
		if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil && host != "" {
			return host
		}
		return r.RemoteAddr
	}
	return UnknownClientKey
}
