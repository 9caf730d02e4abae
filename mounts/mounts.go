// Package mounts resolves catalogue names to the shard holding them.
// There are two routing tables: the mount table, which maps namespace
// path prefixes to shards, and the time-shard table, which maps the
// timestamp embedded in a file identity to the shard holding its
// identity record. Both are cached in memory and refreshed lazily.
package mounts

import (
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/facebookgo/clock"
	"github.com/pkg/errors"

	"github.com/ndlib/gridcat/metrics"
)

// ErrNotFound means no routing entry covers the given path or time.
var ErrNotFound = errors.New("mounts: no shard covers this name")

// Ref names a table on a shard host. It is how the rest of the
// catalogue addresses a shard.
type Ref struct {
	Host  int
	Table int
}

// Entry is one mount table row. Prefix is an absolute directory path
// with a trailing slash.
type Entry struct {
	Index  int
	Prefix string
	Ref
}

// Resolver caches the mount table and answers longest-prefix lookups
// against it. Load fetches the whole table; Probe, if set, returns the
// time the table last changed so edits show up before the TTL runs
// out. Both are called with the resolver's write lock held.
type Resolver struct {
	Load  func() ([]Entry, error)
	Probe func() (time.Time, error)

	m       sync.RWMutex
	fresh   staleness
	entries []Entry // sorted by prefix length, longest first
}

// NewResolver returns a resolver over the given loader, using the
// default refresh intervals and the wall clock.
func NewResolver(load func() ([]Entry, error)) *Resolver {
	return &Resolver{Load: load, fresh: newStaleness(clock.New())}
}

// SetClock replaces the clock used for staleness decisions. Tests use
// it with a mock clock. Call before any lookup.
func (r *Resolver) SetClock(c clock.Clock) {
	r.fresh.clock = c
}

// Invalidate marks the cache stale. The next lookup reloads it.
func (r *Resolver) Invalidate() {
	r.m.Lock()
	r.fresh.invalidate()
	r.m.Unlock()
}

// refresh reloads the mount table if it is stale. A load failure
// leaves any previously cached table in service.
func (r *Resolver) refresh() error {
	r.m.RLock()
	need := r.fresh.maybeStale(len(r.entries) == 0, r.Probe != nil)
	r.m.RUnlock()
	if !need {
		return nil
	}
	r.m.Lock()
	defer r.m.Unlock()
	if !r.fresh.stale(len(r.entries) == 0, r.Probe) {
		return nil
	}
	entries, err := r.Load()
	if err != nil {
		if len(r.entries) == 0 {
			return errors.Wrap(err, "loading mount table")
		}
		log.Printf("Mounts: reload: %s", err.Error())
		return nil
	}
	for i := range entries {
		entries[i].Prefix = canonical(entries[i].Prefix)
	}
	sort.Slice(entries, func(i, j int) bool {
		if len(entries[i].Prefix) != len(entries[j].Prefix) {
			return len(entries[i].Prefix) > len(entries[j].Prefix)
		}
		return entries[i].Prefix < entries[j].Prefix
	})
	r.entries = entries
	r.fresh.loaded()
	metrics.MountReloads.WithLabelValues("mounts").Inc()
	return nil
}

// canonical gives a prefix both a leading and a trailing slash.
func canonical(p string) string {
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	if !strings.HasSuffix(p, "/") {
		p += "/"
	}
	return p
}

// Resolve returns the mount entry holding the given absolute path.
// The deepest matching prefix wins. Resolving a mount directory
// itself returns that mount, not its parent.
func (r *Resolver) Resolve(path string) (Entry, error) {
	if err := r.refresh(); err != nil {
		return Entry{}, err
	}
	p := path
	if !strings.HasSuffix(p, "/") {
		p += "/"
	}
	r.m.RLock()
	defer r.m.RUnlock()
	for _, e := range r.entries {
		if strings.HasPrefix(p, e.Prefix) {
			return e, nil
		}
	}
	return Entry{}, ErrNotFound
}

// ResolveExact returns the entry whose prefix is exactly the given
// directory, or ErrNotFound.
func (r *Resolver) ResolveExact(prefix string) (Entry, error) {
	if err := r.refresh(); err != nil {
		return Entry{}, err
	}
	p := canonical(prefix)
	r.m.RLock()
	defer r.m.RUnlock()
	for _, e := range r.entries {
		if e.Prefix == p {
			return e, nil
		}
	}
	return Entry{}, ErrNotFound
}

// AllUnder returns every mount rooted at or below the given directory,
// deepest first. Recursive namespace operations use it to visit every
// shard a subtree spans.
func (r *Resolver) AllUnder(prefix string) ([]Entry, error) {
	if err := r.refresh(); err != nil {
		return nil, err
	}
	p := canonical(prefix)
	r.m.RLock()
	defer r.m.RUnlock()
	var result []Entry
	for _, e := range r.entries {
		if strings.HasPrefix(e.Prefix, p) {
			result = append(result, e)
		}
	}
	return result, nil
}

// All returns a copy of the cached mount table.
func (r *Resolver) All() ([]Entry, error) {
	if err := r.refresh(); err != nil {
		return nil, err
	}
	r.m.RLock()
	defer r.m.RUnlock()
	return append([]Entry(nil), r.entries...), nil
}
