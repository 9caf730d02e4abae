package guid

import (
	"sync"

	"github.com/google/uuid"
)

// singleflight collapses concurrent lookups of the same identity into
// one shard query.
type singleflight struct {
	F        func(uuid.UUID) (*GUID, error) // function to fetch data
	mu       sync.Mutex                     // controls everything below
	inflight map[uuid.UUID]*fetchrequest    // requests in progress
}

type fetchrequest struct {
	wg     sync.WaitGroup
	result *GUID
	err    error
}

func (s *singleflight) Get(id uuid.UUID) (*GUID, error) {
	// the first goroutine asking for a given identity does the
	// work. Others wait until the record is ready.
	s.mu.Lock()
	if r, ok := s.inflight[id]; ok {
		// identity is already being fetched
		s.mu.Unlock()
		r.wg.Wait()
		return r.result, r.err
	}
	// set up a flight record and then call the function
	r := &fetchrequest{}
	r.wg.Add(1)
	if s.inflight == nil {
		s.inflight = make(map[uuid.UUID]*fetchrequest)
	}
	s.inflight[id] = r
	s.mu.Unlock()
	defer func() {
		// at end we signal and remove the inflight record
		r.wg.Done()
		s.mu.Lock()
		delete(s.inflight, id)
		s.mu.Unlock()
	}()

	r.result, r.err = s.F(id)
	return r.result, r.err
}
