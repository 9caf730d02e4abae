package booking

import (
	"sync"

	"github.com/google/uuid"
)

// Store is the persistence layer for booking rows. Rows are matched
// by the (identity, storage element, location) triple; owner is part
// of the predicate wherever the protocol demands it, so a zero
// affected-row count means someone else got there first.
type Store interface {
	// Find returns the live row for the triple, or nil. With several
	// rows the one expiring last wins.
	Find(id uuid.UUID, seName, pfn string) (*Entry, error)
	// Matching returns every unexpired row for the triple held by
	// the owner.
	Matching(id uuid.UUID, seName, pfn, owner string) ([]*Entry, error)
	Insert(e *Entry) error
	Renew(id uuid.UUID, seName, pfn, owner string, expire int64) (int64, error)
	Tombstone(id uuid.UUID, seName, pfn, owner string, until int64) (int64, error)
	TombstoneJob(jobID, until int64) (int64, error)
	SetExisting(id uuid.UUID, seName, pfn, owner string, mark int) (int64, error)
	Delete(id uuid.UUID, seName, pfn, owner string) (int64, error)
	// SweepTombstones removes negative-lease leftovers for the triple.
	SweepTombstones(id uuid.UUID, seName, pfn string) (int64, error)
	ByJob(jobID int64) ([]*Entry, error)
	ByPFN(pfn string) ([]*Entry, error)
}

// Memory is a Store held entirely in memory, used by tests.
type Memory struct {
	m    sync.Mutex
	rows []*Entry
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{}
}

var _ Store = (*Memory)(nil)

func matches(e *Entry, id uuid.UUID, seName, pfn string) bool {
	return e.GUID == id && e.SEName == seName && e.PFN == pfn
}

func (ms *Memory) Find(id uuid.UUID, seName, pfn string) (*Entry, error) {
	ms.m.Lock()
	defer ms.m.Unlock()
	var best *Entry
	for _, e := range ms.rows {
		if matches(e, id, seName, pfn) && e.Expire > 0 {
			if best == nil || e.Expire > best.Expire {
				best = e
			}
		}
	}
	if best == nil {
		return nil, nil
	}
	found := *best
	return &found, nil
}

func (ms *Memory) Matching(id uuid.UUID, seName, pfn, owner string) ([]*Entry, error) {
	ms.m.Lock()
	defer ms.m.Unlock()
	var result []*Entry
	for _, e := range ms.rows {
		if matches(e, id, seName, pfn) && e.Owner == owner && e.Expire > 0 {
			found := *e
			result = append(result, &found)
		}
	}
	return result, nil
}

func (ms *Memory) Insert(e *Entry) error {
	ms.m.Lock()
	defer ms.m.Unlock()
	saved := *e
	ms.rows = append(ms.rows, &saved)
	return nil
}

func (ms *Memory) Renew(id uuid.UUID, seName, pfn, owner string, expire int64) (int64, error) {
	ms.m.Lock()
	defer ms.m.Unlock()
	var n int64
	for _, e := range ms.rows {
		if matches(e, id, seName, pfn) && e.Owner == owner && e.Expire > 0 {
			e.Expire = expire
			n++
		}
	}
	return n, nil
}

func (ms *Memory) Tombstone(id uuid.UUID, seName, pfn, owner string, until int64) (int64, error) {
	ms.m.Lock()
	defer ms.m.Unlock()
	var n int64
	for _, e := range ms.rows {
		if matches(e, id, seName, pfn) && e.Owner == owner && e.Expire > 0 {
			e.Expire = until
			n++
		}
	}
	return n, nil
}

func (ms *Memory) TombstoneJob(jobID, until int64) (int64, error) {
	ms.m.Lock()
	defer ms.m.Unlock()
	var n int64
	for _, e := range ms.rows {
		if e.JobID == jobID && e.Expire > 0 {
			e.Expire = until
			n++
		}
	}
	return n, nil
}

func (ms *Memory) SetExisting(id uuid.UUID, seName, pfn, owner string, mark int) (int64, error) {
	ms.m.Lock()
	defer ms.m.Unlock()
	var n int64
	for _, e := range ms.rows {
		if matches(e, id, seName, pfn) && e.Owner == owner && e.Expire > 0 {
			e.Existing = mark
			n++
		}
	}
	return n, nil
}

func (ms *Memory) Delete(id uuid.UUID, seName, pfn, owner string) (int64, error) {
	ms.m.Lock()
	defer ms.m.Unlock()
	return ms.remove(func(e *Entry) bool {
		return matches(e, id, seName, pfn) && e.Owner == owner
	}), nil
}

func (ms *Memory) SweepTombstones(id uuid.UUID, seName, pfn string) (int64, error) {
	ms.m.Lock()
	defer ms.m.Unlock()
	return ms.remove(func(e *Entry) bool {
		return matches(e, id, seName, pfn) && e.Expire < 0
	}), nil
}

func (ms *Memory) remove(gone func(*Entry) bool) int64 {
	var n int64
	keep := ms.rows[:0]
	for _, e := range ms.rows {
		if gone(e) {
			n++
			continue
		}
		keep = append(keep, e)
	}
	ms.rows = keep
	return n
}

func (ms *Memory) ByJob(jobID int64) ([]*Entry, error) {
	ms.m.Lock()
	defer ms.m.Unlock()
	var result []*Entry
	for _, e := range ms.rows {
		if e.JobID == jobID {
			found := *e
			result = append(result, &found)
		}
	}
	return result, nil
}

func (ms *Memory) ByPFN(pfn string) ([]*Entry, error) {
	ms.m.Lock()
	defer ms.m.Unlock()
	var result []*Entry
	for _, e := range ms.rows {
		if e.PFN == pfn {
			found := *e
			result = append(result, &found)
		}
	}
	return result, nil
}
