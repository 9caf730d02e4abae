package mounts

import (
	"testing"
	"time"

	"github.com/facebookgo/clock"
	"github.com/pkg/errors"
)

func staticLoader(entries []Entry, loads *int) func() ([]Entry, error) {
	return func() ([]Entry, error) {
		*loads++
		return append([]Entry(nil), entries...), nil
	}
}

var testMounts = []Entry{
	{Index: 1, Prefix: "/a/", Ref: Ref{Host: 1, Table: 1}},
	{Index: 2, Prefix: "/a/b/", Ref: Ref{Host: 1, Table: 2}},
	{Index: 3, Prefix: "/data/2024", Ref: Ref{Host: 2, Table: 7}},
}

func TestLongestPrefix(t *testing.T) {
	var table = []struct {
		path  string
		index int // 0 means not found
	}{
		{"/a/x", 1},
		{"/a/b", 2},  // the mount directory belongs to its own shard
		{"/a/bc", 1}, // no partial segment matches
		{"/a/b/c/d", 2},
		{"/data/2024/run/file.root", 3},
		{"/data/2024", 3},
		{"/data", 0},
		{"/zzz", 0},
	}
	var loads int
	r := NewResolver(staticLoader(testMounts, &loads))
	for _, tab := range table {
		e, err := r.Resolve(tab.path)
		if tab.index == 0 {
			if err != ErrNotFound {
				t.Errorf("%s: received %v, expected ErrNotFound", tab.path, err)
			}
			continue
		}
		if err != nil {
			t.Errorf("%s: received %s", tab.path, err.Error())
			continue
		}
		if e.Index != tab.index {
			t.Errorf("%s: resolved to mount %d, expected %d", tab.path, e.Index, tab.index)
		}
	}
	if loads != 1 {
		t.Errorf("loaded %d times, expected 1", loads)
	}
}

func TestReloadAfterTTL(t *testing.T) {
	var loads int
	mock := clock.NewMock()
	mock.Add(time.Hour)
	r := NewResolver(staticLoader(testMounts, &loads))
	r.SetClock(mock)

	r.Resolve("/a/x")
	r.Resolve("/a/y")
	if loads != 1 {
		t.Fatalf("loaded %d times, expected 1", loads)
	}
	mock.Add(DefaultTTL - time.Second)
	r.Resolve("/a/x")
	if loads != 1 {
		t.Errorf("reloaded before TTL ran out")
	}
	mock.Add(2 * time.Second)
	r.Resolve("/a/x")
	if loads != 2 {
		t.Errorf("loaded %d times after TTL, expected 2", loads)
	}
}

func TestProbeNoticesChange(t *testing.T) {
	var loads, probes int
	var changed time.Time
	mock := clock.NewMock()
	mock.Add(time.Hour)
	r := NewResolver(staticLoader(testMounts, &loads))
	r.SetClock(mock)
	r.Probe = func() (time.Time, error) {
		probes++
		return changed, nil
	}

	r.Resolve("/a/x")
	if loads != 1 {
		t.Fatalf("loaded %d times, expected 1", loads)
	}

	// a probe seeing no change does not cause a reload
	mock.Add(DefaultProbeGap + time.Second)
	r.Resolve("/a/x")
	if probes != 1 || loads != 1 {
		t.Errorf("probes = %d, loads = %d, expected 1, 1", probes, loads)
	}

	// probes are throttled
	changed = mock.Now()
	r.Resolve("/a/x")
	if probes != 1 || loads != 1 {
		t.Errorf("probe not throttled: probes = %d, loads = %d", probes, loads)
	}

	// once the throttle passes, the change forces a reload well
	// before the TTL runs out
	mock.Add(DefaultProbeGap + time.Second)
	r.Resolve("/a/x")
	if probes != 2 || loads != 2 {
		t.Errorf("change not noticed: probes = %d, loads = %d, expected 2, 2", probes, loads)
	}
}

func TestInvalidate(t *testing.T) {
	var loads int
	r := NewResolver(staticLoader(testMounts, &loads))
	r.Resolve("/a/x")
	r.Invalidate()
	r.Resolve("/a/x")
	if loads != 2 {
		t.Errorf("loaded %d times, expected 2", loads)
	}
}

func TestLoadErrorKeepsServing(t *testing.T) {
	var loads int
	var fail bool
	mock := clock.NewMock()
	mock.Add(time.Hour)
	r := NewResolver(func() ([]Entry, error) {
		loads++
		if fail {
			return nil, errors.New("router down")
		}
		return append([]Entry(nil), testMounts...), nil
	})
	r.SetClock(mock)

	// an error on first load is reported
	fail = true
	if _, err := r.Resolve("/a/x"); err == nil {
		t.Errorf("first load error not reported")
	}

	fail = false
	if _, err := r.Resolve("/a/x"); err != nil {
		t.Fatalf("received %s", err.Error())
	}

	// later errors leave the old table in service
	fail = true
	mock.Add(DefaultTTL + time.Second)
	e, err := r.Resolve("/a/b/c")
	if err != nil {
		t.Fatalf("received %s", err.Error())
	}
	if e.Index != 2 {
		t.Errorf("resolved to mount %d, expected 2", e.Index)
	}
	if loads != 3 {
		t.Errorf("loaded %d times, expected 3", loads)
	}
}

func TestAllUnder(t *testing.T) {
	var loads int
	r := NewResolver(staticLoader(testMounts, &loads))
	under, err := r.AllUnder("/a")
	if err != nil {
		t.Fatalf("received %s", err.Error())
	}
	if len(under) != 2 {
		t.Fatalf("received %d mounts, expected 2", len(under))
	}
	// deepest first
	if under[0].Index != 2 || under[1].Index != 1 {
		t.Errorf("received order %d, %d", under[0].Index, under[1].Index)
	}
}

func TestTimeResolve(t *testing.T) {
	shards := []TimeEntry{
		{Index: 1, Start: 10, Ref: Ref{Host: 1, Table: 1}},
		{Index: 2, Start: 20, Ref: Ref{Host: 1, Table: 2}},
		{Index: 3, Start: 30, Ref: Ref{Host: 2, Table: 3}},
	}
	r := NewTimeResolver(func() ([]TimeEntry, error) {
		return append([]TimeEntry(nil), shards...), nil
	})
	var table = []struct {
		at    int64
		index int
	}{
		{5, 1}, // before the first boundary falls back to the earliest shard
		{10, 1},
		{19, 1},
		{20, 2},
		{25, 2},
		{99, 3},
	}
	for _, tab := range table {
		e, err := r.Resolve(tab.at)
		if err != nil {
			t.Errorf("time %d: received %s", tab.at, err.Error())
			continue
		}
		if e.Index != tab.index {
			t.Errorf("time %d: resolved to shard %d, expected %d", tab.at, e.Index, tab.index)
		}
	}
	latest, err := r.Latest()
	if err != nil {
		t.Fatalf("received %s", err.Error())
	}
	if latest.Index != 3 {
		t.Errorf("latest is shard %d, expected 3", latest.Index)
	}
}

func TestTimeResolverEmpty(t *testing.T) {
	r := NewTimeResolver(func() ([]TimeEntry, error) { return nil, nil })
	if _, err := r.Resolve(5); err != ErrNotFound {
		t.Errorf("received %v, expected ErrNotFound", err)
	}
}

func TestTimeResolverTTL(t *testing.T) {
	var loads int
	mock := clock.NewMock()
	mock.Add(time.Hour)
	r := NewTimeResolver(func() ([]TimeEntry, error) {
		loads++
		return []TimeEntry{{Index: 1, Start: 0}}, nil
	})
	r.SetClock(mock)

	r.Resolve(5)
	r.Resolve(6)
	if loads != 1 {
		t.Fatalf("loaded %d times, expected 1", loads)
	}
	mock.Add(DefaultTTL + time.Second)
	r.Resolve(5)
	if loads != 2 {
		t.Errorf("loaded %d times after TTL, expected 2", loads)
	}
}
