package guid

import (
	"sync"

	"github.com/google/uuid"

	"github.com/ndlib/gridcat/mounts"
)

// Usage aggregates replica counts for one storage element.
type Usage struct {
	Files int64
	Size  int64
}

// Store is the persistence layer for identity records. A ref selects
// which shard table a call touches. Lookups return nil for absent
// identities; updates and deletes return how many rows they changed,
// with zero meaning the record was already gone.
type Store interface {
	Lookup(ref mounts.Ref, id uuid.UUID) (*GUID, error)
	// LookupMany takes at most shards.MaxQueryLength ids; callers
	// chunk longer lists.
	LookupMany(ref mounts.Ref, ids []uuid.UUID) ([]*GUID, error)
	Insert(ref mounts.Ref, g *GUID) (int64, error)
	Update(ref mounts.Ref, g *GUID) (int64, error)
	Delete(ref mounts.Ref, guidID int64) (int64, error)

	Replicas(ref mounts.Ref, guidID int64) ([]PFN, error)
	InsertReplica(ref mounts.Ref, guidID int64, seNumber int, pfn string) error
	DeleteReplica(ref mounts.Ref, guidID int64, seNumber int) (int64, error)

	Refs(ref mounts.Ref, guidID int64) ([]string, error)
	InsertRef(ref mounts.Ref, guidID int64, path string) error
	DeleteRef(ref mounts.Ref, guidID int64, path string) (int64, error)

	// bulk removals used by the cleanup workers
	DeleteRefRows(ref mounts.Ref, guidIDs []int64) (int64, error)
	DeleteReplicaRows(ref mounts.Ref, guidIDs []int64) (int64, error)

	UsageBySE(ref mounts.Ref) (map[int]Usage, error)
}

// OrphanStore records replicas whose identity is gone, until an
// external reclaimer removes the physical files.
type OrphanStore interface {
	AddOrphans(rows []Orphan) error
	ClearOrphan(id uuid.UUID, seNumber int) (int64, error)
	Orphans(limit int) ([]Orphan, error)
}

// Memory is a Store and OrphanStore entirely in memory. It is used
// by tests in this module and is not mutex locked against lost
// updates beyond serializing individual calls.
type Memory struct {
	m       sync.RWMutex
	tables  map[mounts.Ref]*memTable
	nextID  int64
	orphans []Orphan
}

type memTable struct {
	byUUID   map[uuid.UUID]GUID
	replicas map[int64][]PFN
	refs     map[int64][]string
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{tables: make(map[mounts.Ref]*memTable)}
}

func (ms *Memory) table(ref mounts.Ref) *memTable {
	t, ok := ms.tables[ref]
	if !ok {
		t = &memTable{
			byUUID:   make(map[uuid.UUID]GUID),
			replicas: make(map[int64][]PFN),
			refs:     make(map[int64][]string),
		}
		ms.tables[ref] = t
	}
	return t
}

func copyGUID(g GUID) *GUID {
	g.SEs = append([]int(nil), g.SEs...)
	return &g
}

func (ms *Memory) Lookup(ref mounts.Ref, id uuid.UUID) (*GUID, error) {
	ms.m.RLock()
	defer ms.m.RUnlock()
	t := ms.tables[ref]
	if t == nil {
		return nil, nil
	}
	g, ok := t.byUUID[id]
	if !ok {
		return nil, nil
	}
	return copyGUID(g), nil
}

func (ms *Memory) LookupMany(ref mounts.Ref, ids []uuid.UUID) ([]*GUID, error) {
	ms.m.RLock()
	defer ms.m.RUnlock()
	t := ms.tables[ref]
	if t == nil {
		return nil, nil
	}
	var result []*GUID
	for _, id := range ids {
		if g, ok := t.byUUID[id]; ok {
			result = append(result, copyGUID(g))
		}
	}
	return result, nil
}

func (ms *Memory) Insert(ref mounts.Ref, g *GUID) (int64, error) {
	ms.m.Lock()
	defer ms.m.Unlock()
	ms.nextID++
	t := ms.table(ref)
	saved := *copyGUID(*g)
	saved.GUIDId = ms.nextID
	t.byUUID[g.ID] = saved
	return ms.nextID, nil
}

func (ms *Memory) Update(ref mounts.Ref, g *GUID) (int64, error) {
	ms.m.Lock()
	defer ms.m.Unlock()
	t := ms.table(ref)
	old, ok := t.byUUID[g.ID]
	if !ok || old.GUIDId != g.GUIDId {
		return 0, nil
	}
	t.byUUID[g.ID] = *copyGUID(*g)
	return 1, nil
}

func (ms *Memory) Delete(ref mounts.Ref, guidID int64) (int64, error) {
	ms.m.Lock()
	defer ms.m.Unlock()
	t := ms.table(ref)
	for id, g := range t.byUUID {
		if g.GUIDId == guidID {
			delete(t.byUUID, id)
			return 1, nil
		}
	}
	return 0, nil
}

func (ms *Memory) Replicas(ref mounts.Ref, guidID int64) ([]PFN, error) {
	ms.m.RLock()
	defer ms.m.RUnlock()
	t := ms.tables[ref]
	if t == nil {
		return nil, nil
	}
	return append([]PFN(nil), t.replicas[guidID]...), nil
}

func (ms *Memory) InsertReplica(ref mounts.Ref, guidID int64, seNumber int, pfn string) error {
	ms.m.Lock()
	defer ms.m.Unlock()
	t := ms.table(ref)
	t.replicas[guidID] = append(t.replicas[guidID], PFN{SENumber: seNumber, PFN: pfn})
	return nil
}

func (ms *Memory) DeleteReplica(ref mounts.Ref, guidID int64, seNumber int) (int64, error) {
	ms.m.Lock()
	defer ms.m.Unlock()
	t := ms.table(ref)
	var kept []PFN
	var n int64
	for _, p := range t.replicas[guidID] {
		if p.SENumber == seNumber {
			n++
			continue
		}
		kept = append(kept, p)
	}
	t.replicas[guidID] = kept
	return n, nil
}

func (ms *Memory) Refs(ref mounts.Ref, guidID int64) ([]string, error) {
	ms.m.RLock()
	defer ms.m.RUnlock()
	t := ms.tables[ref]
	if t == nil {
		return nil, nil
	}
	return append([]string(nil), t.refs[guidID]...), nil
}

func (ms *Memory) InsertRef(ref mounts.Ref, guidID int64, path string) error {
	ms.m.Lock()
	defer ms.m.Unlock()
	t := ms.table(ref)
	t.refs[guidID] = append(t.refs[guidID], path)
	return nil
}

func (ms *Memory) DeleteRef(ref mounts.Ref, guidID int64, path string) (int64, error) {
	ms.m.Lock()
	defer ms.m.Unlock()
	t := ms.table(ref)
	var kept []string
	var n int64
	for _, p := range t.refs[guidID] {
		if p == path {
			n++
			continue
		}
		kept = append(kept, p)
	}
	t.refs[guidID] = kept
	return n, nil
}

func (ms *Memory) DeleteRefRows(ref mounts.Ref, guidIDs []int64) (int64, error) {
	ms.m.Lock()
	defer ms.m.Unlock()
	t := ms.table(ref)
	var n int64
	for _, id := range guidIDs {
		n += int64(len(t.refs[id]))
		delete(t.refs, id)
	}
	return n, nil
}

func (ms *Memory) DeleteReplicaRows(ref mounts.Ref, guidIDs []int64) (int64, error) {
	ms.m.Lock()
	defer ms.m.Unlock()
	t := ms.table(ref)
	var n int64
	for _, id := range guidIDs {
		n += int64(len(t.replicas[id]))
		delete(t.replicas, id)
	}
	return n, nil
}

func (ms *Memory) UsageBySE(ref mounts.Ref) (map[int]Usage, error) {
	ms.m.RLock()
	defer ms.m.RUnlock()
	result := make(map[int]Usage)
	t := ms.tables[ref]
	if t == nil {
		return result, nil
	}
	sizes := make(map[int64]int64)
	for _, g := range t.byUUID {
		sizes[g.GUIDId] = g.Size
	}
	for guidID, pfns := range t.replicas {
		for _, p := range pfns {
			u := result[p.SENumber]
			u.Files++
			u.Size += sizes[guidID]
			result[p.SENumber] = u
		}
	}
	return result, nil
}

func (ms *Memory) AddOrphans(rows []Orphan) error {
	ms.m.Lock()
	ms.orphans = append(ms.orphans, rows...)
	ms.m.Unlock()
	return nil
}

func (ms *Memory) ClearOrphan(id uuid.UUID, seNumber int) (int64, error) {
	ms.m.Lock()
	defer ms.m.Unlock()
	var kept []Orphan
	var n int64
	for _, o := range ms.orphans {
		if o.ID == id && o.SENumber == seNumber {
			n++
			continue
		}
		kept = append(kept, o)
	}
	ms.orphans = kept
	return n, nil
}

func (ms *Memory) Orphans(limit int) ([]Orphan, error) {
	ms.m.RLock()
	defer ms.m.RUnlock()
	if limit <= 0 || limit > len(ms.orphans) {
		limit = len(ms.orphans)
	}
	return append([]Orphan(nil), ms.orphans[:limit]...), nil
}

var (
	_ Store       = (*Memory)(nil)
	_ OrphanStore = (*Memory)(nil)
)
