package guid

import (
	"log"
	"sync"
	"time"

	"github.com/ndlib/gridcat/metrics"
	"github.com/ndlib/gridcat/mounts"
	"github.com/ndlib/gridcat/shards"
)

// Deleting an identity leaves its reference and location rows behind
// so the delete itself stays cheap. A Cleaner collects the row ids in
// bounded queues, one per shard table and row kind, and background
// workers remove them in batches. A worker with nothing to do for
// long enough exits; the next enqueue starts a fresh one.

type cleanKind string

const (
	cleanRefs     cleanKind = "refs"
	cleanReplicas cleanKind = "replicas"
)

const (
	defaultQueueCap  = 1000
	defaultPoll      = time.Second
	defaultIdleLimit = 30
)

// Cleaner runs the deferred row removal.
type Cleaner struct {
	store     Store
	queueCap  int
	poll      time.Duration
	idleLimit int

	m       sync.Mutex
	queues  map[cleanKind]map[mounts.Ref]chan int64
	retry   map[cleanKind]map[mounts.Ref][]int64
	depth   map[cleanKind]int
	running map[cleanKind]bool
	stop    chan struct{}
	wg      sync.WaitGroup
}

// NewCleaner returns a cleaner deleting through the given store.
func NewCleaner(store Store) *Cleaner {
	return &Cleaner{
		store:     store,
		queueCap:  defaultQueueCap,
		poll:      defaultPoll,
		idleLimit: defaultIdleLimit,
		queues: map[cleanKind]map[mounts.Ref]chan int64{
			cleanRefs:     {},
			cleanReplicas: {},
		},
		retry: map[cleanKind]map[mounts.Ref][]int64{
			cleanRefs:     {},
			cleanReplicas: {},
		},
		depth:   map[cleanKind]int{},
		running: map[cleanKind]bool{},
		stop:    make(chan struct{}),
	}
}

// Enqueue queues the rows of one identity for removal. It blocks when
// the shard's queue is full, so deletions are never dropped. After
// Stop the rows are removed on the calling goroutine instead.
func (c *Cleaner) Enqueue(kind cleanKind, ref mounts.Ref, guidID int64) {
	c.m.Lock()
	select {
	case <-c.stop:
		c.m.Unlock()
		if _, err := c.remove(kind, ref, []int64{guidID}); err != nil {
			log.Printf("Cleanup: %s of guid row %d: %s", kind, guidID, err.Error())
		}
		return
	default:
	}
	q, ok := c.queues[kind][ref]
	if !ok {
		q = make(chan int64, c.queueCap)
		c.queues[kind][ref] = q
	}
	// counted before the send so an idle worker never exits between
	// our unlock and the value landing in the channel
	c.depth[kind]++
	if !c.running[kind] {
		c.running[kind] = true
		c.wg.Add(1)
		go c.worker(kind)
	}
	metrics.CleanupDepth.WithLabelValues(string(kind)).Set(float64(c.depth[kind]))
	c.m.Unlock()
	q <- guidID
}

// Stop drains the queues and shuts the workers down.
func (c *Cleaner) Stop() {
	c.m.Lock()
	select {
	case <-c.stop:
	default:
		close(c.stop)
	}
	c.m.Unlock()
	c.wg.Wait()
}

func (c *Cleaner) pending(kind cleanKind) int {
	c.m.Lock()
	defer c.m.Unlock()
	return c.depth[kind]
}

func (c *Cleaner) worker(kind cleanKind) {
	defer c.wg.Done()
	idle := 0
	for {
		if n := c.drain(kind); n > 0 {
			idle = 0
			continue
		}
		idle++
		if idle >= c.idleLimit {
			// exit unless something arrived since the drain
			c.m.Lock()
			if c.depth[kind] == 0 {
				c.running[kind] = false
				c.m.Unlock()
				return
			}
			c.m.Unlock()
			idle = 0
			continue
		}
		select {
		case <-c.stop:
			c.drain(kind)
			c.m.Lock()
			c.running[kind] = false
			c.m.Unlock()
			return
		case <-time.After(c.poll):
		}
	}
}

// drain empties every queue of the kind and deletes the collected
// rows in batches. It returns how many identities it removed. A batch
// the store refuses is held back and tried again on a later pass.
func (c *Cleaner) drain(kind cleanKind) int {
	c.m.Lock()
	refs := make([]mounts.Ref, 0, len(c.queues[kind]))
	chans := make([]chan int64, 0, len(c.queues[kind]))
	for ref, q := range c.queues[kind] {
		refs = append(refs, ref)
		chans = append(chans, q)
	}
	c.m.Unlock()

	total := 0
	for i, q := range chans {
		c.m.Lock()
		ids := c.retry[kind][refs[i]]
		delete(c.retry[kind], refs[i])
		c.m.Unlock()
	gather:
		for {
			select {
			case id := <-q:
				ids = append(ids, id)
			default:
				break gather
			}
		}
		if len(ids) == 0 {
			continue
		}
		c.m.Lock()
		c.depth[kind] -= len(ids)
		c.m.Unlock()
		n, err := c.remove(kind, refs[i], ids)
		if err != nil {
			log.Printf("Cleanup: %s on shard %v: %s", kind, refs[i], err.Error())
			c.m.Lock()
			c.retry[kind][refs[i]] = ids
			c.depth[kind] += len(ids)
			c.m.Unlock()
			continue
		}
		total += len(ids)
		metrics.CleanupDeletes.WithLabelValues(string(kind)).Add(float64(n))
	}
	metrics.CleanupDepth.WithLabelValues(string(kind)).Set(float64(c.pending(kind)))
	return total
}

func (c *Cleaner) remove(kind cleanKind, ref mounts.Ref, ids []int64) (int64, error) {
	var total int64
	err := shards.Chunk(len(ids), func(lo, hi int) error {
		var n int64
		var err error
		if kind == cleanRefs {
			n, err = c.store.DeleteRefRows(ref, ids[lo:hi])
		} else {
			n, err = c.store.DeleteReplicaRows(ref, ids[lo:hi])
		}
		total += n
		return err
	})
	return total, err
}
