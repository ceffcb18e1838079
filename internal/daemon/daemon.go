// Package daemon implements the long-lived reverse-proxy process: it binds
// the listening port, serves the route handler, watches the registry for
// idleness, and shuts itself down when signalled or when idle.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/oklog/run"

	"github.com/portless-dev/portless/internal/portlesserr"
	"github.com/portless-dev/portless/internal/probe"
	"github.com/portless-dev/portless/internal/proxyhandler"
	"github.com/portless-dev/portless/internal/reloader"
	"github.com/portless-dev/portless/internal/routestore"
)

const (
	pidFileName  = "proxy.pid"
	portFileName = "proxy.port"

	// GracePeriod is the unconditional post-startup window during which
	// idle shutdown is disabled.
	GracePeriod = 10 * time.Second
	// IdleDeadline is how long an empty registry is tolerated once the
	// grace period has elapsed.
	IdleDeadline = 5 * time.Second

	shutdownDrain = 2 * time.Second
)

// Config configures a single daemon run. GracePeriod and IdleDeadline
// default to the package constants of the same name when left zero; tests
// override them to exercise the idle-shutdown path without waiting out the
// production timings.
type Config struct {
	StateDir     string
	Port         uint16
	Logger       *log.Logger
	GracePeriod  time.Duration
	IdleDeadline time.Duration
}

// Run binds the proxy port, serves traffic until signalled or idle, and
// returns once shutdown is complete. A non-nil error from Run that is not a
// run.SignalError indicates a startup failure; callers should exit non-zero.
func Run(ctx context.Context, cfg Config) error {
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "", 0)
	}
	grace := cfg.GracePeriod
	if grace == 0 {
		grace = GracePeriod
	}
	idle := cfg.IdleDeadline
	if idle == 0 {
		idle = IdleDeadline
	}

	if probe.IsRunning(cfg.Port) {
		return portlesserr.New(portlesserr.ProxyNotRunning, "daemon.Run",
			fmt.Errorf("a live daemon is already answering on port %d", cfg.Port))
	}

	addr := fmt.Sprintf(":%d", cfg.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return portlesserr.New(portlesserr.ProxyNotRunning, "daemon.Run", fmt.Errorf("bind %s: %w", addr, err))
	}

	store, err := routestore.New(cfg.StateDir)
	if err != nil {
		listener.Close()
		return err
	}

	if err := writeMetadata(cfg.StateDir, cfg.Port); err != nil {
		listener.Close()
		return err
	}
	defer removeMetadata(cfg.StateDir)

	rl := reloader.New(store, logger)
	handler := proxyhandler.New(rl, cfg.Port, logger)
	server := &http.Server{Handler: handler}

	logger.Printf("portlessd listening on %s", listener.Addr())
	logger.Printf("state dir %s", cfg.StateDir)

	var g run.Group

	g.Add(func() error {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}, func(error) {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownDrain)
		defer cancel()
		server.Shutdown(shutdownCtx)
	})

	{
		reloadCtx, cancel := context.WithCancel(ctx)
		g.Add(func() error {
			return rl.Run(reloadCtx)
		}, func(error) {
			cancel()
		})
	}

	{
		idleCtx, cancel := context.WithCancel(ctx)
		g.Add(func() error {
			waitIdle(idleCtx, rl, grace, idle, logger)
			return nil
		}, func(error) {
			cancel()
		})
	}

	g.Add(run.SignalHandler(ctx, syscall.SIGINT, syscall.SIGTERM))

	if err := g.Run(); err != nil {
		var sigErr run.SignalError
		if errors.As(err, &sigErr) {
			return portlesserr.New(portlesserr.SignalInterrupt, "daemon.Run", err)
		}
		return err
	}
	return nil
}

// Stop reads the pid file under stateDir and sends it SIGTERM, waiting
// briefly for the process to exit. A stale pid (the process is already
// dead) is cleaned up silently rather than reported as an error.
func Stop(stateDir string) error {
	pid, err := readPID(stateDir)
	if err != nil {
		return err
	}
	if pid == 0 {
		return nil
	}

	if err := syscall.Kill(pid, syscall.SIGTERM); err != nil {
		if errors.Is(err, syscall.ESRCH) {
			removeMetadata(stateDir)
			return nil
		}
		return portlesserr.New(portlesserr.ProxyNotRunning, "daemon.Stop", err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if syscall.Kill(pid, syscall.Signal(0)) != nil {
			break
		}
		time.Sleep(100 * time.Millisecond)
	}

	removeMetadata(stateDir)
	return nil
}

func writeMetadata(stateDir string, port uint16) error {
	if err := os.WriteFile(filepath.Join(stateDir, pidFileName), []byte(strconv.Itoa(os.Getpid())+"\n"), 0o644); err != nil {
		return portlesserr.New(portlesserr.RegistryIO, "daemon.writeMetadata", err)
	}
	if err := os.WriteFile(filepath.Join(stateDir, portFileName), []byte(strconv.Itoa(int(port))+"\n"), 0o644); err != nil {
		return portlesserr.New(portlesserr.RegistryIO, "daemon.writeMetadata", err)
	}
	return nil
}

func removeMetadata(stateDir string) {
	os.Remove(filepath.Join(stateDir, pidFileName))
	os.Remove(filepath.Join(stateDir, portFileName))
}

func readPID(stateDir string) (int, error) {
	data, err := os.ReadFile(filepath.Join(stateDir, pidFileName))
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, portlesserr.New(portlesserr.RegistryIO, "daemon.readPID", err)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, nil
	}
	return pid, nil
}
