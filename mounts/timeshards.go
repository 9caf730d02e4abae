package mounts

import (
	"log"
	"sort"
	"sync"

	"github.com/facebookgo/clock"
	"github.com/pkg/errors"

	"github.com/ndlib/gridcat/metrics"
)

// TimeEntry is one time-shard table row. Start is the index time at
// which this shard began receiving new identities.
type TimeEntry struct {
	Index int
	Start int64
	Ref
}

// TimeResolver caches the time-shard table and maps identity index
// times to shards. Unlike the mount table there is no change probe.
// New rows are appended ahead of the times they will serve, so a
// slightly stale table still routes correctly and the TTL alone
// bounds how long a lookup can lag.
type TimeResolver struct {
	Load func() ([]TimeEntry, error)

	m       sync.RWMutex
	fresh   staleness
	entries []TimeEntry // sorted by Start, ascending
}

// NewTimeResolver returns a resolver over the given loader using the
// default TTL and the wall clock.
func NewTimeResolver(load func() ([]TimeEntry, error)) *TimeResolver {
	return &TimeResolver{Load: load, fresh: newStaleness(clock.New())}
}

// SetClock replaces the clock used for staleness decisions. Call
// before any lookup.
func (r *TimeResolver) SetClock(c clock.Clock) {
	r.fresh.clock = c
}

// Invalidate marks the cache stale. The next lookup reloads it.
func (r *TimeResolver) Invalidate() {
	r.m.Lock()
	r.fresh.invalidate()
	r.m.Unlock()
}

func (r *TimeResolver) refresh() error {
	r.m.RLock()
	need := r.fresh.maybeStale(len(r.entries) == 0, false)
	r.m.RUnlock()
	if !need {
		return nil
	}
	r.m.Lock()
	defer r.m.Unlock()
	if !r.fresh.stale(len(r.entries) == 0, nil) {
		return nil
	}
	entries, err := r.Load()
	if err != nil {
		if len(r.entries) == 0 {
			return errors.Wrap(err, "loading time-shard table")
		}
		log.Printf("Mounts: time-shard reload: %s", err.Error())
		return nil
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Start < entries[j].Start
	})
	r.entries = entries
	r.fresh.loaded()
	metrics.MountReloads.WithLabelValues("timeshards").Inc()
	return nil
}

// Resolve returns the shard whose time range covers the given index
// time. That is the last entry starting at or before it. Times before
// the first entry fall back to the earliest shard, which also holds
// any identities minted before the table was first split.
func (r *TimeResolver) Resolve(indexTime int64) (TimeEntry, error) {
	if err := r.refresh(); err != nil {
		return TimeEntry{}, err
	}
	r.m.RLock()
	defer r.m.RUnlock()
	if len(r.entries) == 0 {
		return TimeEntry{}, ErrNotFound
	}
	i := sort.Search(len(r.entries), func(i int) bool {
		return r.entries[i].Start > indexTime
	})
	if i == 0 {
		return r.entries[0], nil
	}
	return r.entries[i-1], nil
}

// Latest returns the shard receiving newly minted identities.
func (r *TimeResolver) Latest() (TimeEntry, error) {
	if err := r.refresh(); err != nil {
		return TimeEntry{}, err
	}
	r.m.RLock()
	defer r.m.RUnlock()
	if len(r.entries) == 0 {
		return TimeEntry{}, ErrNotFound
	}
	return r.entries[len(r.entries)-1], nil
}

// All returns a copy of the cached time-shard table, oldest first.
func (r *TimeResolver) All() ([]TimeEntry, error) {
	if err := r.refresh(); err != nil {
		return nil, err
	}
	r.m.RLock()
	defer r.m.RUnlock()
	return append([]TimeEntry(nil), r.entries...), nil
}
