package main

import (
	"net/http"
	"net/http/httputil"
	"net/url"
)

// newBackendProxy builds the http.Handler tunneled requests are dispatched
// into: a reverse proxy onto the locally configured backend. Any host
// application that already speaks net/http can sit behind it unchanged.
func newBackendProxy(backendURL string) http.Handler {
	target, err := url.Parse(backendURL)
	if err != nil || target.Scheme == "" || target.Host == "" {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "tunnel-relay: invalid backend URL", http.StatusBadGateway)
		})
	}
	return httputil.NewSingleHostReverseProxy(target)
}
