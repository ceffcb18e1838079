// Package routestore persists the hostname-to-backend route map as a JSON
// file guarded by a cross-process advisory lock, with dead-PID filtering on
// every read.
package routestore

import (
	"encoding/json"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v3"

	"github.com/portless-dev/portless/internal/portlesserr"
)

const (
	registryFile = "routes.json"
	lockDir      = "routes.lock"

	lockMaxRetries   = 20
	lockRetryDelay   = 50 * time.Millisecond
	staleLockAfter   = 10 * time.Second
	registryFileMode = 0o644
	registryDirMode  = 0o755
)

// Store is a handle on the registry rooted at a state directory. It is safe
// for concurrent use by unrelated processes sharing the same directory.
type Store struct {
	dir string
}

// New returns a Store rooted at dir, creating dir if it does not exist.
func New(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, registryDirMode); err != nil {
		return nil, portlesserr.New(portlesserr.RegistryIO, "routestore.New", err)
	}
	return &Store{dir: dir}, nil
}

func (s *Store) routesPath() string { return filepath.Join(s.dir, registryFile) }
func (s *Store) lockPath() string   { return filepath.Join(s.dir, lockDir) }

// Load reads the registry and drops entries whose PID is no longer a live
// process. A missing file is treated as an empty registry; a malformed file
// is also treated as empty, on the assumption that a future write will
// overwrite it.
//
// Load does not acquire the lock: it is a read-only snapshot that may race
// with writers. When filterDead is true and stale entries were removed, the
// cleaned list is written back — callers must only pass true while already
// holding the lock (Add and Remove do this internally).
func (s *Store) Load(filterDead bool) ([]Route, error) {
	data, err := os.ReadFile(s.routesPath())
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, portlesserr.New(portlesserr.RegistryIO, "routestore.Load", err)
	}
	if len(data) == 0 {
		return nil, nil
	}

	var routes []Route
	if err := json.Unmarshal(data, &routes); err != nil {
		return nil, nil
	}

	alive := make([]Route, 0, len(routes))
	for _, r := range routes {
		if isPIDAlive(r.PID) {
			alive = append(alive, r)
		}
	}

	if filterDead && len(alive) != len(routes) {
		if err := s.save(alive); err != nil {
			return alive, err
		}
	}

	return alive, nil
}

// Add registers route, replacing any prior entry with the same hostname.
func (s *Store) Add(route Route) error {
	if err := s.withLock(func() error {
		routes, err := s.Load(true)
		if err != nil {
			return err
		}
		routes = removeHostname(routes, route.Hostname)
		routes = append(routes, route)
		return s.save(routes)
	}); err != nil {
		return err
	}
	return nil
}

// Remove deletes the entry for hostname, if any. Removing a hostname that
// does not exist is a successful no-op.
func (s *Store) Remove(hostname string) error {
	return s.withLock(func() error {
		routes, err := s.Load(true)
		if err != nil {
			return err
		}
		routes = removeHostname(routes, hostname)
		return s.save(routes)
	})
}

func removeHostname(routes []Route, hostname string) []Route {
	out := routes[:0:0]
	for _, r := range routes {
		if r.Hostname != hostname {
			out = append(out, r)
		}
	}
	return out
}

// save writes routes to the registry file via a temp-file-then-rename swap
// so that concurrent readers never observe a partially written file.
func (s *Store) save(routes []Route) error {
	data, err := json.MarshalIndent(routes, "", "  ")
	if err != nil {
		return portlesserr.New(portlesserr.RegistryIO, "routestore.save", err)
	}

	tmp, err := os.CreateTemp(s.dir, "routes-*.json.tmp")
	if err != nil {
		return portlesserr.New(portlesserr.RegistryIO, "routestore.save", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath) // no-op once the rename below succeeds

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return portlesserr.New(portlesserr.RegistryIO, "routestore.save", err)
	}
	if err := tmp.Close(); err != nil {
		return portlesserr.New(portlesserr.RegistryIO, "routestore.save", err)
	}
	if err := os.Chmod(tmpPath, registryFileMode); err != nil {
		return portlesserr.New(portlesserr.RegistryIO, "routestore.save", err)
	}
	if err := os.Rename(tmpPath, s.routesPath()); err != nil {
		return portlesserr.New(portlesserr.RegistryIO, "routestore.save", err)
	}
	return nil
}

// withLock acquires the directory lock, runs fn, and releases the lock on
// every exit path, including when fn fails.
func (s *Store) withLock(fn func() error) error {
	if err := s.acquireLock(); err != nil {
		return err
	}
	defer s.releaseLock()
	return fn()
}

// acquireLock attempts mkdir in a constant-backoff retry loop. If the lock
// directory exists but its mtime is older than staleLockAfter, its holder is
// presumed dead and the lock is forcibly removed before retrying.
func (s *Store) acquireLock() error {
	policy := backoff.WithMaxRetries(backoff.NewConstantBackOff(lockRetryDelay), lockMaxRetries-1)

	op := func() error {
		err := os.Mkdir(s.lockPath(), registryDirMode)
		if err == nil {
			return nil
		}
		if !os.IsExist(err) {
			return backoff.Permanent(portlesserr.New(portlesserr.RegistryIO, "routestore.acquireLock", err))
		}
		if s.lockIsStale() {
			os.RemoveAll(s.lockPath())
		}
		return err // retryable
	}

	if err := backoff.Retry(op, policy); err != nil {
		if perr, ok := err.(*portlesserr.Error); ok {
			return perr
		}
		return portlesserr.New(portlesserr.RegistryLocked, "routestore.acquireLock", err)
	}
	return nil
}

func (s *Store) releaseLock() {
	os.RemoveAll(s.lockPath())
}

func (s *Store) lockIsStale() bool {
	info, err := os.Stat(s.lockPath())
	if err != nil {
		return false
	}
	return time.Since(info.ModTime()) > staleLockAfter
}

// isPIDAlive sends signal 0 to pid: a no-op kill probe that reports only
// whether the target process exists and is signalable. A PID reuse blind
// spot is accepted: the worst case is a route briefly pointing at an
// unrelated process, surfaced as a 502 on the next failed dial.
func isPIDAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := syscall.Kill(pid, syscall.Signal(0))
	// EPERM means the process exists but we can't signal it; still alive.
	return err == nil || err == syscall.EPERM
}
