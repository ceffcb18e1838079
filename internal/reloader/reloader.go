// Package reloader periodically re-reads the route registry from disk and
// publishes the result as an immutable snapshot, so request handlers never
// touch the filesystem on the hot path.
package reloader

import (
	"context"
	"log"
	"sync/atomic"
	"time"

	"github.com/portless-dev/portless/internal/routestore"
)

// Interval is how often the registry is re-read from disk.
const Interval = 100 * time.Millisecond

// Snapshot is an immutable point-in-time copy of the registry.
type Snapshot struct {
	Routes []routestore.Route
}

// Find returns the route for hostname, if present in the snapshot.
func (s *Snapshot) Find(hostname string) (routestore.Route, bool) {
	if s == nil {
		return routestore.Route{}, false
	}
	for _, r := range s.Routes {
		if r.Hostname == hostname {
			return r, true
		}
	}
	return routestore.Route{}, false
}

// Empty reports whether the snapshot has no routes.
func (s *Snapshot) Empty() bool {
	return s == nil || len(s.Routes) == 0
}

// Reloader holds the latest snapshot behind an atomic pointer swap: a
// single-writer, many-reader "latest value" publication where readers never
// block the writer and immediately observe the most recent snapshot.
type Reloader struct {
	store *routestore.Store
	log   *log.Logger
	value atomic.Value // *Snapshot
}

// New constructs a Reloader over store. The initial snapshot is loaded
// synchronously so Snapshot() never returns nil once New returns.
func New(store *routestore.Store, logger *log.Logger) *Reloader {
	r := &Reloader{store: store, log: logger}
	r.reload()
	return r
}

// Snapshot returns the most recently published snapshot.
func (r *Reloader) Snapshot() *Snapshot {
	v, _ := r.value.Load().(*Snapshot)
	if v == nil {
		return &Snapshot{}
	}
	return v
}

// Run re-reads the registry every Interval until ctx is cancelled. It never
// returns a parse error as a failure: a malformed registry yields an empty
// snapshot (handled by routestore.Load) and the loop continues.
func (r *Reloader) Run(ctx context.Context) error {
	ticker := time.NewTicker(Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			r.reload()
		}
	}
}

func (r *Reloader) reload() {
	routes, err := r.store.Load(false)
	if err != nil {
		// A transient filesystem error leaves the previous snapshot in
		// place rather than spuriously publishing an empty one, which
		// could trip the daemon's idle-shutdown deadline.
		if r.log != nil {
			r.log.Printf("reloader: load registry: %v", err)
		}
		return
	}
	r.value.Store(&Snapshot{Routes: routes})
}
