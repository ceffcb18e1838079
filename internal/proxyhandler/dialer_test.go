package proxyhandler

import (
	"context"
	"errors"
	"net"
	"testing"

	"github.com/portless-dev/portless/internal/portlesserr"
)

func TestDialBackend_Success(t *testing.T) {
	l, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("net.Listen() error = %v", err)
	}
	defer l.Close()
	go func() {
		conn, err := l.Accept()
		if err == nil {
			conn.Close()
		}
	}()

	port := uint16(l.Addr().(*net.TCPAddr).Port)
	conn, err := DialBackend(context.Background(), port)
	if err != nil {
		t.Fatalf("DialBackend() error = %v", err)
	}
	conn.Close()
}

func TestDialBackend_FallsBackToIPv6(t *testing.T) {
	l, err := net.Listen("tcp6", "[::1]:0")
	if err != nil {
		t.Skipf("IPv6 loopback not available in this environment: %v", err)
	}
	defer l.Close()
	go func() {
		conn, err := l.Accept()
		if err == nil {
			conn.Close()
		}
	}()

	port := uint16(l.Addr().(*net.TCPAddr).Port)

	// Nothing is listening on the IPv4 loopback for this port, so
	// DialBackend's first (tcp4) attempt must fail over to tcp6 rather
	// than giving up.
	conn, err := DialBackend(context.Background(), port)
	if err != nil {
		t.Fatalf("DialBackend() error = %v, want a successful fallback to IPv6", err)
	}
	conn.Close()
}

func TestDialBackend_NothingListening(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("net.Listen() error = %v", err)
	}
	port := uint16(l.Addr().(*net.TCPAddr).Port)
	l.Close() // now nothing is listening on port

	_, err = DialBackend(context.Background(), port)
	if err == nil {
		t.Fatalf("DialBackend() error = nil, want an error")
	}
	var perr *portlesserr.Error
	if !errors.As(err, &perr) {
		t.Fatalf("DialBackend() error type = %T, want *portlesserr.Error", err)
	}
	if perr.Kind != portlesserr.BackendUnreachable {
		t.Errorf("Kind = %v, want %v", perr.Kind, portlesserr.BackendUnreachable)
	}
}

func TestDialTransportAddress_MalformedAddress(t *testing.T) {
	if _, err := dialTransportAddress(context.Background(), "tcp", "not-a-valid-address"); err == nil {
		t.Errorf("dialTransportAddress() error = nil, want an error for a malformed address")
	}
}
