package guid

import (
	"log"
	"strings"

	"github.com/facebookgo/clock"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/ndlib/gridcat/auth"
	"github.com/ndlib/gridcat/metrics"
	"github.com/ndlib/gridcat/mounts"
	"github.com/ndlib/gridcat/se"
	"github.com/ndlib/gridcat/shards"
)

// SEDirectory is the part of the storage element directory the
// registry needs. *se.Directory satisfies it.
type SEDirectory interface {
	SE(number int) (se.SE, error)
	AddUsage(number int, files, size int64) error
}

// Registry is the entry point for identity operations. It routes each
// identity to its time shard, keeps the storage usage counters in
// step with replica changes, and feeds the deferred cleanup queues.
type Registry struct {
	store   Store
	orphans OrphanStore
	times   *mounts.TimeResolver
	sedir   SEDirectory
	gen     *Generator
	clock   clock.Clock
	cleaner *Cleaner
	flight  singleflight
}

// NewRegistry wires a registry over the given store and routing
// tables.
func NewRegistry(store Store, orphans OrphanStore, times *mounts.TimeResolver, sedir SEDirectory) *Registry {
	c := clock.New()
	r := &Registry{
		store:   store,
		orphans: orphans,
		times:   times,
		sedir:   sedir,
		gen:     NewGenerator(c),
		clock:   c,
		cleaner: NewCleaner(store),
	}
	r.flight.F = r.lookup
	return r
}

// SetClock replaces the clock used for stamping new identities and
// records. Call before any use.
func (r *Registry) SetClock(c clock.Clock) {
	r.clock = c
	r.gen = NewGenerator(c)
}

// Stop shuts down the background cleanup workers.
func (r *Registry) Stop() {
	r.cleaner.Stop()
}

func (r *Registry) refFor(id uuid.UUID) (mounts.Ref, error) {
	e, err := r.times.Resolve(IndexTime(id))
	if err != nil {
		return mounts.Ref{}, err
	}
	return e.Ref, nil
}

// New mints an identity owned by the given principal. It is not in
// the catalogue until Register is called.
func (r *Registry) New(p auth.Principal) *GUID {
	return &GUID{
		ID:    r.gen.New(),
		Owner: p.Name,
		Group: p.DefaultGroup(),
		Perm:  "755",
		Type:  'f',
		CTime: r.clock.Now(),
	}
}

// Lookup returns the identity record, or nil when it is not
// registered. Concurrent lookups of the same identity share one
// shard query.
func (r *Registry) Lookup(id uuid.UUID) (*GUID, error) {
	g, err := r.flight.Get(id)
	if err != nil {
		return nil, err
	}
	if g == nil {
		metrics.Lookups.WithLabelValues("guid", "miss").Inc()
	} else {
		metrics.Lookups.WithLabelValues("guid", "hit").Inc()
	}
	return g, nil
}

func (r *Registry) lookup(id uuid.UUID) (*GUID, error) {
	ref, err := r.refFor(id)
	if err != nil {
		return nil, err
	}
	return r.store.Lookup(ref, id)
}

// LookupMany returns the records of every registered identity in the
// list, in no particular order. Shard queries are batched.
func (r *Registry) LookupMany(ids []uuid.UUID) ([]*GUID, error) {
	byRef := make(map[mounts.Ref][]uuid.UUID)
	for _, id := range ids {
		ref, err := r.refFor(id)
		if err != nil {
			return nil, err
		}
		byRef[ref] = append(byRef[ref], id)
	}
	var result []*GUID
	for ref, list := range byRef {
		err := shards.Chunk(len(list), func(lo, hi int) error {
			found, err := r.store.LookupMany(ref, list[lo:hi])
			result = append(result, found...)
			return err
		})
		if err != nil {
			return nil, err
		}
	}
	return result, nil
}

// Register inserts a freshly minted identity into its time shard.
func (r *Registry) Register(g *GUID) error {
	ref, err := r.refFor(g.ID)
	if err != nil {
		return err
	}
	id, err := r.store.Insert(ref, g)
	if err != nil {
		return errors.Wrapf(err, "registering %s", g.ID)
	}
	g.GUIDId = id
	return nil
}

// Update writes a changed record back. A record someone else already
// removed is left alone.
func (r *Registry) Update(g *GUID) error {
	ref, err := r.refFor(g.ID)
	if err != nil {
		return err
	}
	n, err := r.store.Update(ref, g)
	if err != nil {
		return errors.Wrapf(err, "updating %s", g.ID)
	}
	if n == 0 {
		log.Printf("GUID: update of %s changed nothing", g.ID)
	}
	return nil
}

// Chmod changes an identity's permission bits. Only the owner may do
// this.
func (r *Registry) Chmod(p auth.Principal, g *GUID, perm string) error {
	if !(auth.Perms{}).IsOwner(g, p) {
		return auth.ErrDenied
	}
	g.Perm = perm
	return r.Update(g)
}

// Chown changes an identity's owner and group. Only the owner may do
// this. An empty group leaves the group alone.
func (r *Registry) Chown(p auth.Principal, g *GUID, owner, group string) error {
	if !(auth.Perms{}).IsOwner(g, p) {
		return auth.ErrDenied
	}
	g.Owner = owner
	if group != "" {
		g.Group = group
	}
	return r.Update(g)
}

// Replicas returns the registered locations of an identity.
func (r *Registry) Replicas(g *GUID) ([]PFN, error) {
	ref, err := r.refFor(g.ID)
	if err != nil {
		return nil, err
	}
	pfns, err := r.store.Replicas(ref, g.GUIDId)
	for i := range pfns {
		pfns[i].ID = g.ID
	}
	return pfns, err
}

// AddReplica registers a new location of an identity and charges the
// storage element's usage counters. The membership list on the record
// is written first and rolled back if the location row fails.
func (r *Registry) AddReplica(g *GUID, s se.SE, pfn string) error {
	if !g.Exists() {
		return ErrNotRegistered
	}
	if g.HasReplicaOn(s.Number) {
		return ErrDuplicateReplica
	}
	ref, err := r.refFor(g.ID)
	if err != nil {
		return err
	}
	g.addSE(s.Number)
	if _, err := r.store.Update(ref, g); err != nil {
		g.removeSE(s.Number)
		return errors.Wrapf(err, "adding %s to replica list of %s", s.Name, g.ID)
	}
	if err := r.store.InsertReplica(ref, g.GUIDId, s.Number, pfn); err != nil {
		g.removeSE(s.Number)
		if _, err2 := r.store.Update(ref, g); err2 != nil {
			log.Printf("GUID: rollback of replica list of %s: %s", g.ID, err2.Error())
		}
		return errors.Wrapf(err, "adding replica of %s on %s", g.ID, s.Name)
	}
	if err := r.sedir.AddUsage(s.Number, 1, g.Size); err != nil {
		log.Printf("GUID: usage counters of se %d: %s", s.Number, err.Error())
	}
	return nil
}

// RemoveReplica drops a location of an identity and releases its
// usage. With purge set, an addressable physical file is recorded as
// an orphan for later reclaim. Removing a location that is not there
// is a no-op.
func (r *Registry) RemoveReplica(g *GUID, s se.SE, purge bool) error {
	ref, err := r.refFor(g.ID)
	if err != nil {
		return err
	}
	pfns, err := r.store.Replicas(ref, g.GUIDId)
	if err != nil {
		return err
	}
	var found *PFN
	for i := range pfns {
		if pfns[i].SENumber == s.Number {
			found = &pfns[i]
			break
		}
	}
	if found == nil && !g.HasReplicaOn(s.Number) {
		return nil
	}
	g.removeSE(s.Number)
	if _, err := r.store.Update(ref, g); err != nil {
		g.addSE(s.Number)
		return errors.Wrapf(err, "removing %s from replica list of %s", s.Name, g.ID)
	}
	if found != nil {
		if _, err := r.store.DeleteReplica(ref, g.GUIDId, s.Number); err != nil {
			return errors.Wrapf(err, "removing replica of %s on %s", g.ID, s.Name)
		}
		if purge && s.Addressable() && strings.HasPrefix(found.PFN, "root://") {
			if err := r.orphans.AddOrphans([]Orphan{{ID: g.ID, SENumber: s.Number, Size: g.Size}}); err != nil {
				log.Printf("GUID: orphan of %s on se %d: %s", g.ID, s.Number, err.Error())
			}
		}
	}
	if err := r.sedir.AddUsage(s.Number, -1, -g.Size); err != nil {
		log.Printf("GUID: usage counters of se %d: %s", s.Number, err.Error())
	}
	return nil
}

// Delete removes an identity record. Reference and location rows are
// left to the background cleanup workers. With purge set, every
// addressable physical replica is recorded as an orphan first.
func (r *Registry) Delete(g *GUID, purge bool) error {
	if !g.Exists() {
		return ErrNotRegistered
	}
	ref, err := r.refFor(g.ID)
	if err != nil {
		return err
	}
	pfns, err := r.store.Replicas(ref, g.GUIDId)
	if err != nil {
		return err
	}
	if purge {
		var rows []Orphan
		for _, p := range pfns {
			s, err := r.sedir.SE(p.SENumber)
			if err != nil {
				continue
			}
			if s.Addressable() && strings.HasPrefix(p.PFN, "root://") {
				rows = append(rows, Orphan{ID: g.ID, SENumber: p.SENumber, Size: g.Size})
			}
		}
		if len(rows) > 0 {
			if err := r.orphans.AddOrphans(rows); err != nil {
				return errors.Wrapf(err, "recording orphans of %s", g.ID)
			}
		}
	}
	for _, p := range pfns {
		if err := r.sedir.AddUsage(p.SENumber, -1, -g.Size); err != nil {
			log.Printf("GUID: usage counters of se %d: %s", p.SENumber, err.Error())
		}
	}
	n, err := r.store.Delete(ref, g.GUIDId)
	if err != nil {
		return errors.Wrapf(err, "deleting %s", g.ID)
	}
	if n == 0 {
		log.Printf("GUID: delete of %s changed nothing", g.ID)
	}
	r.cleaner.Enqueue(cleanRefs, ref, g.GUIDId)
	r.cleaner.Enqueue(cleanReplicas, ref, g.GUIDId)
	g.GUIDId = 0
	return nil
}

// AddRef records that a namespace path references this identity.
func (r *Registry) AddRef(g *GUID, path string) error {
	ref, err := r.refFor(g.ID)
	if err != nil {
		return err
	}
	return r.store.InsertRef(ref, g.GUIDId, path)
}

// RemoveRef drops a single namespace reference of an identity.
func (r *Registry) RemoveRef(g *GUID, path string) error {
	ref, err := r.refFor(g.ID)
	if err != nil {
		return err
	}
	_, err = r.store.DeleteRef(ref, g.GUIDId, path)
	return err
}

// Refs returns the namespace paths referencing this identity.
func (r *Registry) Refs(g *GUID) ([]string, error) {
	ref, err := r.refFor(g.ID)
	if err != nil {
		return nil, err
	}
	return r.store.Refs(ref, g.GUIDId)
}

// RealIdentities resolves archive indirection. Locations pointing at
// another identity are followed one level, so the result names the
// identities whose physical files actually hold the data.
func (r *Registry) RealIdentities(g *GUID) ([]*GUID, error) {
	pfns, err := r.Replicas(g)
	if err != nil {
		return nil, err
	}
	seen := map[uuid.UUID]bool{}
	var ids []uuid.UUID
	for _, p := range pfns {
		id := g.ID
		if ref, ok := p.ReferencedID(); ok {
			id = ref
		}
		if !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}
	if len(ids) == 1 && ids[0] == g.ID {
		return []*GUID{g}, nil
	}
	return r.LookupMany(ids)
}

// UsageBySE aggregates replica counts and bytes per storage element
// over every time shard.
func (r *Registry) UsageBySE() (map[int]Usage, error) {
	entries, err := r.times.All()
	if err != nil {
		return nil, err
	}
	result := make(map[int]Usage)
	seen := map[mounts.Ref]bool{}
	for _, e := range entries {
		if seen[e.Ref] {
			continue
		}
		seen[e.Ref] = true
		part, err := r.store.UsageBySE(e.Ref)
		if err != nil {
			return nil, err
		}
		for n, u := range part {
			t := result[n]
			t.Files += u.Files
			t.Size += u.Size
			result[n] = t
		}
	}
	return result, nil
}

// ClearPendingPurge forgets a scheduled orphan reclaim, for when the
// same location is about to be overwritten anyway.
func (r *Registry) ClearPendingPurge(id uuid.UUID, seNumber int) error {
	_, err := r.orphans.ClearOrphan(id, seNumber)
	return err
}
