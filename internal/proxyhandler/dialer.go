package proxyhandler

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/portless-dev/portless/internal/portlesserr"
)

// DialTimeout bounds a single loopback-family dial attempt.
const DialTimeout = 2 * time.Second

// DialBackend connects to the backend listening on port, trying the IPv4
// loopback address first and falling back to the IPv6 loopback address if
// that fails. This tolerates dev servers that only bind one family.
func DialBackend(ctx context.Context, port uint16) (net.Conn, error) {
	dialer := &net.Dialer{Timeout: DialTimeout}

	addr4 := net.JoinHostPort("127.0.0.1", strconv.Itoa(int(port)))
	if conn, err := dialer.DialContext(ctx, "tcp4", addr4); err == nil {
		return conn, nil
	}

	addr6 := net.JoinHostPort("::1", strconv.Itoa(int(port)))
	conn, err := dialer.DialContext(ctx, "tcp6", addr6)
	if err != nil {
		return nil, portlesserr.New(portlesserr.BackendUnreachable, "proxyhandler.DialBackend", err)
	}
	return conn, nil
}

// dialTransportAddress is used as an http.Transport's DialContext: the
// address is "localhost:<port>" as set by the Director, so the port is
// parsed out of it and handed to DialBackend.
func dialTransportAddress(ctx context.Context, network, address string) (net.Conn, error) {
	_, portStr, err := net.SplitHostPort(address)
	if err != nil {
		return nil, fmt.Errorf("proxyhandler: malformed backend address %q: %w", address, err)
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return nil, fmt.Errorf("proxyhandler: malformed backend port %q: %w", portStr, err)
	}
	return DialBackend(ctx, uint16(port))
}
