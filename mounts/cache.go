package mounts

import (
	"log"
	"time"

	"github.com/facebookgo/clock"
)

const (
	// DefaultTTL is how long a loaded routing table is trusted
	// without any change signal.
	DefaultTTL = 5 * time.Minute

	// DefaultProbeGap is the least time between two change probes.
	DefaultProbeGap = 5 * time.Second
)

// staleness tracks when a cached table was loaded and when it was last
// probed for changes. The holder's lock guards all fields.
type staleness struct {
	clock     clock.Clock
	ttl       time.Duration
	gap       time.Duration
	lastLoad  time.Time
	lastProbe time.Time
}

func newStaleness(c clock.Clock) staleness {
	return staleness{clock: c, ttl: DefaultTTL, gap: DefaultProbeGap}
}

// maybeStale is the cheap check done under a read lock. It reports
// true when the table is empty, past its TTL, or due for a probe; the
// write path then settles the question.
func (s *staleness) maybeStale(empty, probing bool) bool {
	if empty || s.lastLoad.IsZero() {
		return true
	}
	now := s.clock.Now()
	if now.Sub(s.lastLoad) > s.ttl {
		return true
	}
	return probing && now.Sub(s.lastProbe) >= s.gap
}

// stale decides whether a reload is needed, probing for changes when
// one is due. Call with the write lock held.
func (s *staleness) stale(empty bool, probe func() (time.Time, error)) bool {
	if empty || s.lastLoad.IsZero() {
		return true
	}
	now := s.clock.Now()
	if probe != nil && now.Sub(s.lastProbe) >= s.gap {
		s.lastProbe = now
		changed, err := probe()
		if err != nil {
			log.Printf("Mounts: probe: %s", err.Error())
		} else if changed.After(s.lastLoad) {
			s.lastLoad = time.Time{}
			return true
		}
	}
	return now.Sub(s.lastLoad) > s.ttl
}

func (s *staleness) loaded() {
	now := s.clock.Now()
	s.lastLoad = now
	s.lastProbe = now
}

func (s *staleness) invalidate() {
	s.lastLoad = time.Time{}
}
