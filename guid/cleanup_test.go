package guid

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ndlib/gridcat/mounts"
)

func waitFor(t *testing.T, what string, f func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !f() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func (c *Cleaner) workerRunning(kind cleanKind) bool {
	c.m.Lock()
	defer c.m.Unlock()
	return c.running[kind]
}

func TestCleanerDrains(t *testing.T) {
	store := NewMemory()
	refA := mounts.Ref{Host: 1, Table: 1}
	refB := mounts.Ref{Host: 2, Table: 9}
	for id := int64(1); id <= 120; id++ {
		store.InsertRef(refA, id, "/data/a")
		store.InsertReplica(refB, id, 1, "root://x/p")
	}

	c := NewCleaner(store)
	c.poll = time.Millisecond
	c.idleLimit = 3
	defer c.Stop()

	// both kinds, on different shards, batched past the chunk size
	for id := int64(1); id <= 120; id++ {
		c.Enqueue(cleanRefs, refA, id)
		c.Enqueue(cleanReplicas, refB, id)
	}

	waitFor(t, "rows to be deleted", func() bool {
		refs, _ := store.Refs(refA, 60)
		pfns, _ := store.Replicas(refB, 60)
		return len(refs) == 0 && len(pfns) == 0
	})
	refs, _ := store.Refs(refA, 120)
	if len(refs) != 0 {
		t.Errorf("ref rows left: %v", refs)
	}
}

func TestCleanerIdleExitAndRestart(t *testing.T) {
	store := NewMemory()
	ref := mounts.Ref{Host: 1, Table: 1}
	c := NewCleaner(store)
	c.poll = time.Millisecond
	c.idleLimit = 2
	defer c.Stop()

	store.InsertRef(ref, 1, "/data/a")
	c.Enqueue(cleanRefs, ref, 1)
	waitFor(t, "first drain", func() bool {
		refs, _ := store.Refs(ref, 1)
		return len(refs) == 0
	})

	// with nothing to do the worker goes away
	waitFor(t, "worker to exit", func() bool {
		return !c.workerRunning(cleanRefs)
	})

	// and the next enqueue brings it back
	store.InsertRef(ref, 2, "/data/b")
	c.Enqueue(cleanRefs, ref, 2)
	waitFor(t, "second drain", func() bool {
		refs, _ := store.Refs(ref, 2)
		return len(refs) == 0
	})
}

// flakyStore refuses the first few delete calls and then behaves.
type flakyStore struct {
	Store
	mu       sync.Mutex
	failures int
}

func (f *flakyStore) DeleteRefRows(ref mounts.Ref, guidIDs []int64) (int64, error) {
	f.mu.Lock()
	if f.failures > 0 {
		f.failures--
		f.mu.Unlock()
		return 0, errors.New("shard unavailable")
	}
	f.mu.Unlock()
	return f.Store.DeleteRefRows(ref, guidIDs)
}

func TestCleanerRetriesFailedBatch(t *testing.T) {
	mem := NewMemory()
	ref := mounts.Ref{Host: 1, Table: 1}
	store := &flakyStore{Store: mem, failures: 2}
	c := NewCleaner(store)
	c.poll = time.Millisecond
	c.idleLimit = 2
	defer c.Stop()

	mem.InsertRef(ref, 1, "/data/a")
	c.Enqueue(cleanRefs, ref, 1)

	// the refused batch is kept and removed once the shard recovers
	waitFor(t, "row to be deleted after retries", func() bool {
		refs, _ := mem.Refs(ref, 1)
		return len(refs) == 0
	})
	waitFor(t, "queue to empty", func() bool {
		return c.pending(cleanRefs) == 0
	})
}

func TestCleanerStopFlushesAndFallsBack(t *testing.T) {
	store := NewMemory()
	ref := mounts.Ref{Host: 1, Table: 1}
	c := NewCleaner(store)
	c.poll = time.Millisecond

	store.InsertRef(ref, 1, "/data/a")
	c.Enqueue(cleanRefs, ref, 1)
	c.Stop()
	refs, _ := store.Refs(ref, 1)
	if len(refs) != 0 {
		t.Errorf("rows left after Stop: %v", refs)
	}

	// after Stop, removal happens on the caller
	store.InsertRef(ref, 2, "/data/b")
	c.Enqueue(cleanRefs, ref, 2)
	refs, _ = store.Refs(ref, 2)
	if len(refs) != 0 {
		t.Errorf("rows left after post-Stop enqueue: %v", refs)
	}
}
