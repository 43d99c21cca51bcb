package middleware

import (
	"net"
	"net/http"
	"strings"
)

// VirtualHost rewrites virtual-host-style requests (Host: {zone}.example)
// into path-style before routing, so the router only ever sees
// /{bucket}/{key} paths. The rewrite happens after signature verification;
// the canonical request was built from the URL the client signed.
func VirtualHost(zone string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			host := r.Host
			if h, _, err := net.SplitHostPort(host); err == nil {
				host = h
			}
			if strings.HasPrefix(host, zone+".") {
				r.URL.Path = "/" + zone + r.URL.Path
			}
			next.ServeHTTP(w, r)
		})
	}
}
