// Package proxyhandler implements the HTTP and WebSocket forwarding path:
// it resolves an inbound Host header against the latest route snapshot and
// forwards the request to the matching backend, tagging every response
// (including error responses) with the liveness sentinel header.
package proxyhandler

import (
	"fmt"
	"log"
	"net"
	"net/http"
	"net/http/httputil"
	"strconv"
	"strings"

	"github.com/portless-dev/portless/internal/probe"
	"github.com/portless-dev/portless/internal/reloader"
	"github.com/portless-dev/portless/internal/routestore"
)

// Handler routes inbound requests by Host header to the backend registered
// for that hostname, using the reloader's latest snapshot.
type Handler struct {
	reloader  *reloader.Reloader
	proxyPort uint16
	log       *log.Logger
	transport *http.Transport
}

// New constructs a Handler that resolves routes from rl and reports
// proxyPort in forwarded-port headers and route listings.
func New(rl *reloader.Reloader, proxyPort uint16, logger *log.Logger) *Handler {
	return &Handler{
		reloader:  rl,
		proxyPort: proxyPort,
		log:       logger,
		transport: &http.Transport{DialContext: dialTransportAddress},
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set(probe.SentinelHeader, "1")

	hostname, ok := extractHostname(r.Host)
	if !ok {
		http.Error(w, "bad request: missing or malformed Host header", http.StatusBadRequest)
		return
	}

	snap := h.reloader.Snapshot()
	route, found := snap.Find(hostname)
	if !found {
		h.writeUnknownRoute(w, hostname, snap)
		return
	}

	if isWebSocketUpgrade(r) {
		h.serveWebSocket(w, r, route)
		return
	}
	h.serveHTTP(w, r, route)
}

func (h *Handler) serveHTTP(w http.ResponseWriter, r *http.Request, route routestore.Route) {
	rp := &httputil.ReverseProxy{
		Transport: h.transport,
		Director: func(req *http.Request) {
			backendHost := fmt.Sprintf("localhost:%d", route.Port)
			req.URL.Scheme = "http"
			req.URL.Host = backendHost
			req.Host = backendHost
			// httputil.ReverseProxy appends the client address to
			// X-Forwarded-For itself once Director returns, so only the
			// other X-Forwarded-* headers are kept from applyForwardedHeaders.
			prior, hadPrior := req.Header["X-Forwarded-For"]
			h.applyForwardedHeaders(req.Header, r)
			if hadPrior {
				req.Header["X-Forwarded-For"] = prior
			} else {
				req.Header.Del("X-Forwarded-For")
			}
		},
		ModifyResponse: func(resp *http.Response) error {
			resp.Header.Set(probe.SentinelHeader, "1")
			return nil
		},
		ErrorHandler: func(w http.ResponseWriter, req *http.Request, err error) {
			if h.log != nil {
				h.log.Printf("proxyhandler: %s -> :%d: %v", req.Host, route.Port, err)
			}
			w.Header().Set(probe.SentinelHeader, "1")
			http.Error(w, "bad gateway: backend unreachable", http.StatusBadGateway)
		},
	}
	rp.ServeHTTP(w, r)
}

func (h *Handler) writeUnknownRoute(w http.ResponseWriter, hostname string, snap *reloader.Snapshot) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusBadGateway)
	fmt.Fprintf(w, "no route for %s\n", hostname)
	if snap.Empty() {
		fmt.Fprint(w, "no active routes\n")
		return
	}
	fmt.Fprint(w, "active routes:\n")
	for _, route := range snap.Routes {
		fmt.Fprintf(w, "  %s\n", routestore.FormatURL(route.Hostname, h.proxyPort))
	}
}

// applyForwardedHeaders sets X-Forwarded-* on dst from the original inbound
// request orig, leaving any value a client already supplied untouched.
func (h *Handler) applyForwardedHeaders(dst http.Header, orig *http.Request) {
	if dst.Get("X-Forwarded-Proto") == "" {
		dst.Set("X-Forwarded-Proto", "http")
	}
	if dst.Get("X-Forwarded-Host") == "" {
		dst.Set("X-Forwarded-Host", orig.Host)
	}
	if dst.Get("X-Forwarded-Port") == "" {
		_, port, err := net.SplitHostPort(orig.Host)
		if err != nil {
			port = strconv.Itoa(int(h.proxyPort))
		}
		dst.Set("X-Forwarded-Port", port)
	}
	if ip, _, err := net.SplitHostPort(orig.RemoteAddr); err == nil {
		if prior := dst.Get("X-Forwarded-For"); prior != "" {
			dst.Set("X-Forwarded-For", prior+", "+ip)
		} else {
			dst.Set("X-Forwarded-For", ip)
		}
	}
}

// extractHostname normalizes a Host header for route lookup: strip the
// port, lower-case, reject empty.
func extractHostname(hostHeader string) (string, bool) {
	if hostHeader == "" {
		return "", false
	}
	host := hostHeader
	if h, _, err := net.SplitHostPort(hostHeader); err == nil {
		host = h
	}
	host = strings.ToLower(host)
	if host == "" {
		return "", false
	}
	return host, true
}

// isWebSocketUpgrade reports whether r carries the header pair that marks a
// WebSocket upgrade request, matching tokens case-insensitively since
// Connection is a comma-separated header-name list, not a single value.
func isWebSocketUpgrade(r *http.Request) bool {
	if !strings.EqualFold(r.Header.Get("Upgrade"), "websocket") {
		return false
	}
	for _, token := range strings.Split(r.Header.Get("Connection"), ",") {
		if strings.EqualFold(strings.TrimSpace(token), "upgrade") {
			return true
		}
	}
	return false
}
