package namespace

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ndlib/gridcat/mounts"
)

// Memory is a Store held entirely in memory, used by tests.
type Memory struct {
	m      sync.RWMutex
	tables map[mounts.Ref]*memTable
	nextID int64
}

type memTable struct {
	byRel map[string]Entry
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{tables: make(map[mounts.Ref]*memTable)}
}

func (ms *Memory) table(ref mounts.Ref) *memTable {
	t, ok := ms.tables[ref]
	if !ok {
		t = &memTable{byRel: make(map[string]Entry)}
		ms.tables[ref] = t
	}
	return t
}

func (ms *Memory) Lookup(ref mounts.Ref, rel string) (*Entry, error) {
	ms.m.RLock()
	defer ms.m.RUnlock()
	t := ms.tables[ref]
	if t == nil {
		return nil, nil
	}
	e, ok := t.byRel[rel]
	if !ok {
		return nil, nil
	}
	return &e, nil
}

func (ms *Memory) LookupMany(ref mounts.Ref, rels []string) ([]*Entry, error) {
	ms.m.RLock()
	defer ms.m.RUnlock()
	t := ms.tables[ref]
	if t == nil {
		return nil, nil
	}
	var result []*Entry
	for _, rel := range rels {
		if e, ok := t.byRel[rel]; ok {
			found := e
			result = append(result, &found)
		}
	}
	return result, nil
}

func (ms *Memory) ByGUID(ref mounts.Ref, id uuid.UUID) (*Entry, error) {
	ms.m.RLock()
	defer ms.m.RUnlock()
	t := ms.tables[ref]
	if t == nil {
		return nil, nil
	}
	for _, e := range t.byRel {
		if e.GUID == id {
			found := e
			return &found, nil
		}
	}
	return nil, nil
}

func (ms *Memory) List(ref mounts.Ref, parentID int64) ([]*Entry, error) {
	ms.m.RLock()
	defer ms.m.RUnlock()
	t := ms.tables[ref]
	if t == nil {
		return nil, nil
	}
	var result []*Entry
	for _, e := range t.byRel {
		if e.Parent == parentID && e.EntryID != parentID {
			found := e
			result = append(result, &found)
		}
	}
	return result, nil
}

func (ms *Memory) Insert(ref mounts.Ref, e *Entry) (int64, error) {
	ms.m.Lock()
	defer ms.m.Unlock()
	t := ms.table(ref)
	if _, ok := t.byRel[e.Path]; ok {
		return 0, ErrExists
	}
	ms.nextID++
	saved := *e
	saved.EntryID = ms.nextID
	t.byRel[e.Path] = saved
	return ms.nextID, nil
}

func (ms *Memory) Update(ref mounts.Ref, e *Entry) (int64, error) {
	ms.m.Lock()
	defer ms.m.Unlock()
	t := ms.table(ref)
	for rel, old := range t.byRel {
		if old.EntryID == e.EntryID {
			if rel != e.Path {
				delete(t.byRel, rel)
			}
			t.byRel[e.Path] = *e
			return 1, nil
		}
	}
	return 0, nil
}

func (ms *Memory) SetExpire(ref mounts.Ref, entryID int64, expire time.Time) (int64, error) {
	ms.m.Lock()
	defer ms.m.Unlock()
	t := ms.table(ref)
	for rel, old := range t.byRel {
		if old.EntryID == entryID {
			old.Expire = expire
			t.byRel[rel] = old
			return 1, nil
		}
	}
	return 0, nil
}

func (ms *Memory) Delete(ref mounts.Ref, entryID int64) (int64, error) {
	ms.m.Lock()
	defer ms.m.Unlock()
	t := ms.table(ref)
	for rel, old := range t.byRel {
		if old.EntryID == entryID {
			delete(t.byRel, rel)
			return 1, nil
		}
	}
	return 0, nil
}

var _ Store = (*Memory)(nil)
