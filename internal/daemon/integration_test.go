package daemon

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/portless-dev/portless/internal/probe"
)

func freeTCPPort(t *testing.T) uint16 {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("net.Listen() error = %v", err)
	}
	defer l.Close()
	return uint16(l.Addr().(*net.TCPAddr).Port)
}

// TestRun_IdleShutdownEndToEnd drives Run itself through its full actor
// composition rather than its extracted pieces: bind, metadata files
// present while live, grace period, idle deadline, and clean exit with
// metadata files removed once the registry has stayed empty.
func TestRun_IdleShutdownEndToEnd(t *testing.T) {
	dir := t.TempDir()
	port := freeTCPPort(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- Run(ctx, Config{
			StateDir:     dir,
			Port:         port,
			GracePeriod:  30 * time.Millisecond,
			IdleDeadline: 60 * time.Millisecond,
		})
	}()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && !probe.IsRunning(port) {
		time.Sleep(10 * time.Millisecond)
	}
	if !probe.IsRunning(port) {
		t.Fatal("daemon did not start answering within 2s")
	}

	if _, err := os.Stat(filepath.Join(dir, pidFileName)); err != nil {
		t.Errorf("proxy.pid missing while the daemon is running: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, portFileName)); err != nil {
		t.Errorf("proxy.port missing while the daemon is running: %v", err)
	}

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run() error = %v, want nil for an idle shutdown", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Run() did not exit after the empty registry's idle deadline elapsed")
	}

	if probe.IsRunning(port) {
		t.Error("daemon is still answering after Run() returned")
	}
	if _, err := os.Stat(filepath.Join(dir, pidFileName)); !os.IsNotExist(err) {
		t.Errorf("proxy.pid still exists after idle shutdown: err = %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, portFileName)); !os.IsNotExist(err) {
		t.Errorf("proxy.port still exists after idle shutdown: err = %v", err)
	}
}

// TestRun_SecondInstanceRefusesToBind exercises Run's own liveness check:
// a second Run against a port a live daemon is already answering on must
// fail fast with ProxyNotRunning rather than trying to bind.
func TestRun_SecondInstanceRefusesToBind(t *testing.T) {
	dir := t.TempDir()
	port := freeTCPPort(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- Run(ctx, Config{
			StateDir:     dir,
			Port:         port,
			GracePeriod:  time.Hour,
			IdleDeadline: time.Hour,
		})
	}()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && !probe.IsRunning(port) {
		time.Sleep(10 * time.Millisecond)
	}
	if !probe.IsRunning(port) {
		t.Fatal("first daemon did not start answering within 2s")
	}

	err := Run(context.Background(), Config{StateDir: t.TempDir(), Port: port})
	if err == nil {
		t.Fatal("second Run() against a live port returned nil, want an error")
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("first daemon did not exit after ctx cancellation")
	}
}
