package namespace

import (
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/facebookgo/clock"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/ndlib/gridcat/auth"
	"github.com/ndlib/gridcat/guid"
	"github.com/ndlib/gridcat/metrics"
	"github.com/ndlib/gridcat/mounts"
	"github.com/ndlib/gridcat/shards"
)

// ErrNotFound means the path has no entry.
var ErrNotFound = errors.New("namespace: no such entry")

// IdentityRegistry is the part of the identity registry the catalog
// needs for reference bookkeeping. *guid.Registry satisfies it.
type IdentityRegistry interface {
	Lookup(id uuid.UUID) (*guid.GUID, error)
	AddRef(g *guid.GUID, path string) error
	RemoveRef(g *guid.GUID, path string) error
	Refs(g *guid.GUID) ([]string, error)
	Delete(g *guid.GUID, purge bool) error
}

// Catalog answers namespace operations, routing each path to its
// shard through the mount table.
type Catalog struct {
	mounts *mounts.Resolver
	store  Store
	authz  auth.Authorizer
	ids    IdentityRegistry
	clock  clock.Clock
}

// NewCatalog wires a catalog over the given routing table and store.
func NewCatalog(m *mounts.Resolver, store Store, authz auth.Authorizer, ids IdentityRegistry) *Catalog {
	return &Catalog{mounts: m, store: store, authz: authz, ids: ids, clock: clock.New()}
}

// SetClock replaces the clock used for timestamps. Call before use.
func (c *Catalog) SetClock(cl clock.Clock) {
	c.clock = cl
}

// locate cleans a path and finds its mount. The returned relative
// path is in file form: no trailing slash, empty for the mount root.
func (c *Catalog) locate(path string) (mounts.Entry, string, string, error) {
	abs := Clean(path)
	m, err := c.mounts.Resolve(abs)
	if err != nil {
		return mounts.Entry{}, "", "", err
	}
	rel := strings.TrimSuffix(strings.TrimPrefix(abs+"/", m.Prefix), "/")
	return m, abs, rel, nil
}

// take turns a stored entry into an absolute one.
func take(m mounts.Entry, e *Entry) *Entry {
	e.Path = strings.TrimSuffix(m.Prefix+e.Path, "/")
	e.ref = m.Ref
	e.exists = true
	return e
}

// load reads the entry for a relative path, trying the file form
// first and the directory form second.
func (c *Catalog) load(m mounts.Entry, rel string) (*Entry, error) {
	if rel == "" {
		// the mount root row
		return c.store.Lookup(m.Ref, "")
	}
	e, err := c.store.Lookup(m.Ref, rel)
	if err != nil || e != nil {
		return e, err
	}
	return c.store.Lookup(m.Ref, rel+"/")
}

// Lookup returns the entry at a path, or nil when there is none.
func (c *Catalog) Lookup(path string) (*Entry, error) {
	m, _, rel, err := c.locate(path)
	if err != nil {
		return nil, err
	}
	e, err := c.load(m, rel)
	if err != nil {
		return nil, err
	}
	if e == nil {
		metrics.Lookups.WithLabelValues("lfn", "miss").Inc()
		return nil, nil
	}
	metrics.Lookups.WithLabelValues("lfn", "hit").Inc()
	return take(m, e), nil
}

// LookupMany returns the entries existing among the given paths, in
// no particular order. Shard queries are batched.
func (c *Catalog) LookupMany(paths []string) ([]*Entry, error) {
	type group struct {
		m    mounts.Entry
		rels []string
	}
	groups := make(map[mounts.Ref]*group)
	for _, path := range paths {
		m, _, rel, err := c.locate(path)
		if err == mounts.ErrNotFound {
			continue
		}
		if err != nil {
			return nil, err
		}
		g, ok := groups[m.Ref]
		if !ok {
			g = &group{m: m}
			groups[m.Ref] = g
		}
		// ask for both the file and the directory form
		g.rels = append(g.rels, rel, rel+"/")
	}
	var result []*Entry
	for _, g := range groups {
		err := shards.Chunk(len(g.rels), func(lo, hi int) error {
			found, err := c.store.LookupMany(g.m.Ref, g.rels[lo:hi])
			for _, e := range found {
				result = append(result, take(g.m, e))
			}
			return err
		})
		if err != nil {
			return nil, err
		}
	}
	return result, nil
}

// List returns the children of a directory the principal can read.
func (c *Catalog) List(p auth.Principal, path string) ([]*Entry, error) {
	e, err := c.Lookup(path)
	if err != nil {
		return nil, err
	}
	if e == nil {
		return nil, ErrNotFound
	}
	if !e.IsDirectory() {
		return nil, ErrNotDirectory
	}
	if !c.authz.CanRead(e, p) {
		return nil, auth.ErrDenied
	}
	m, err := c.mounts.ResolveExact(e.Path)
	if err != nil && err != mounts.ErrNotFound {
		return nil, err
	}
	children, err := c.store.List(e.ref, e.EntryID)
	if err != nil {
		return nil, err
	}
	var result []*Entry
	for _, child := range children {
		result = append(result, take(mountFor(m, e), child))
	}
	return result, nil
}

// mountFor picks the mount whose prefix builds absolute child paths.
// A directory that is itself a mount root lists from its own mount.
func mountFor(exact mounts.Entry, e *Entry) mounts.Entry {
	if exact.Prefix != "" {
		return exact
	}
	return mounts.Entry{Prefix: e.Path + "/", Ref: e.ref}
}

// ensureDir returns the directory entry at the path, creating it and
// any missing parents inside the same mount.
func (c *Catalog) ensureDir(p auth.Principal, path string) (*Entry, error) {
	m, abs, rel, err := c.locate(path)
	if err != nil {
		return nil, err
	}
	e, err := c.load(m, rel)
	if err != nil {
		return nil, err
	}
	if e != nil {
		if !e.IsDirectory() {
			return nil, ErrNotDirectory
		}
		return take(m, e), nil
	}
	var parentID int64
	if rel != "" {
		parent, err := c.ensureDir(p, Parent(abs))
		if err != nil {
			return nil, err
		}
		parentID = parent.EntryID
	}
	stored := rel + "/"
	if rel == "" {
		stored = ""
	}
	entry := &Entry{
		Parent: parentID,
		Path:   stored,
		Owner:  p.Name,
		Group:  p.DefaultGroup(),
		Perm:   "755",
		Type:   TypeDirectory,
		CTime:  c.clock.Now(),
	}
	id, err := c.store.Insert(m.Ref, entry)
	if err != nil {
		return nil, errors.Wrapf(err, "creating directory %s", abs)
	}
	entry.EntryID = id
	return take(m, entry), nil
}

// Mkdir creates a directory. With parents set, missing intermediate
// directories are created as well, like mkdir -p.
func (c *Catalog) Mkdir(p auth.Principal, path string, parents bool) (*Entry, error) {
	abs := Clean(path)
	e, err := c.Lookup(abs)
	if err != nil {
		return nil, err
	}
	if e != nil {
		if parents && e.IsDirectory() {
			return e, nil
		}
		return nil, ErrExists
	}
	if err := c.checkParentWrite(p, abs, parents); err != nil {
		return nil, err
	}
	return c.ensureDir(p, abs)
}

// checkParentWrite verifies the principal may write to the nearest
// existing ancestor. Without create set, the direct parent must
// already exist.
func (c *Catalog) checkParentWrite(p auth.Principal, abs string, create bool) error {
	dir := strings.TrimSuffix(Parent(abs), "/")
	if dir == "" {
		dir = "/"
	}
	for {
		e, err := c.Lookup(dir)
		if err != nil && err != mounts.ErrNotFound {
			return err
		}
		if e != nil {
			if !e.IsDirectory() {
				return ErrNotDirectory
			}
			if !c.authz.CanWrite(e, p) {
				return auth.ErrDenied
			}
			return nil
		}
		if !create {
			return ErrNotFound
		}
		if dir == "/" {
			// no mount root exists yet, nothing to check against
			return nil
		}
		dir = strings.TrimSuffix(Parent(dir), "/")
		if dir == "" {
			dir = "/"
		}
	}
}

// CheckWrite verifies the principal may create or overwrite the
// path, consulting the entry itself when it exists and the nearest
// existing ancestor otherwise.
func (c *Catalog) CheckWrite(p auth.Principal, path string) error {
	e, err := c.Lookup(path)
	if err != nil && err != mounts.ErrNotFound {
		return err
	}
	if e != nil {
		if !c.authz.CanWrite(e, p) {
			return auth.ErrDenied
		}
		return nil
	}
	return c.checkParentWrite(p, Clean(path), true)
}

// Register inserts a file entry. Missing parent directories are
// created. The identity's reference list gains the new path.
func (c *Catalog) Register(p auth.Principal, e *Entry) error {
	m, abs, rel, err := c.locate(e.Path)
	if err != nil {
		return err
	}
	if rel == "" {
		return ErrExists
	}
	if old, err := c.load(m, rel); err != nil {
		return err
	} else if old != nil {
		return ErrExists
	}
	if err := c.checkParentWrite(p, abs, true); err != nil {
		return err
	}
	parent, err := c.ensureDir(p, Parent(abs))
	if err != nil {
		return err
	}
	if e.Type == 0 {
		e.Type = TypeFile
	}
	if e.Owner == "" {
		e.Owner = p.Name
		e.Group = p.DefaultGroup()
	}
	if e.Perm == "" {
		e.Perm = "755"
	}
	if e.CTime.IsZero() {
		e.CTime = c.clock.Now()
	}
	if e.GUID != uuid.Nil && e.GUIDTime == "" {
		e.GUIDTime = fmt.Sprintf("%08x", guid.IndexTime(e.GUID))
	}
	e.Parent = parent.EntryID
	e.Path = rel
	id, err := c.store.Insert(m.Ref, e)
	if err != nil {
		return errors.Wrapf(err, "registering %s", abs)
	}
	e.EntryID = id
	take(m, e)
	if e.GUID != uuid.Nil && c.ids != nil {
		g, err := c.ids.Lookup(e.GUID)
		if err == nil && g != nil {
			if err := c.ids.AddRef(g, abs); err != nil {
				log.Printf("Namespace: reference of %s from %s: %s", e.GUID, abs, err.Error())
			}
		}
	}
	return nil
}

// Touch updates the timestamp of an entry, creating an empty file
// without an identity when the path is free.
func (c *Catalog) Touch(p auth.Principal, path string) (*Entry, error) {
	e, err := c.Lookup(path)
	if err != nil {
		return nil, err
	}
	if e != nil {
		if !c.authz.CanWrite(e, p) {
			return nil, auth.ErrDenied
		}
		e.CTime = c.clock.Now()
		return e, c.update(e)
	}
	e = &Entry{Path: Clean(path), Type: TypeFile}
	if err := c.Register(p, e); err != nil {
		return nil, err
	}
	return e, nil
}

// update writes a loaded entry back to its shard.
func (c *Catalog) update(e *Entry) error {
	if !e.exists {
		return ErrNotFound
	}
	m, err := c.mounts.Resolve(e.Path)
	if err != nil {
		return err
	}
	stored := *e
	stored.Path = strings.TrimSuffix(strings.TrimPrefix(e.Path+"/", m.Prefix), "/")
	if !e.IsFile() {
		if stored.Path != "" {
			stored.Path += "/"
		}
	}
	n, err := c.store.Update(e.ref, &stored)
	if err != nil {
		return errors.Wrapf(err, "updating %s", e.Path)
	}
	if n == 0 {
		log.Printf("Namespace: update of %s changed nothing", e.Path)
	}
	return nil
}

// SetExpiry schedules an entry for expiry. With extend set the
// current expiry is only ever pushed later, never pulled in.
func (c *Catalog) SetExpiry(p auth.Principal, path string, when time.Time, extend bool) error {
	e, err := c.Lookup(path)
	if err != nil {
		return err
	}
	if e == nil {
		return ErrNotFound
	}
	if !c.authz.CanWrite(e, p) {
		return auth.ErrDenied
	}
	if extend && !e.Expire.IsZero() && e.Expire.After(when) {
		return nil
	}
	_, err = c.store.SetExpire(e.ref, e.EntryID, when)
	return err
}

// Chmod changes the permission string of an entry. Only the owner may.
func (c *Catalog) Chmod(p auth.Principal, path, perm string) error {
	e, err := c.Lookup(path)
	if err != nil {
		return err
	}
	if e == nil {
		return ErrNotFound
	}
	if !c.authz.IsOwner(e, p) {
		return auth.ErrDenied
	}
	e.Perm = perm
	return c.update(e)
}

// Chown changes ownership of an entry. Only the owner may.
func (c *Catalog) Chown(p auth.Principal, path, owner, group string) error {
	e, err := c.Lookup(path)
	if err != nil {
		return err
	}
	if e == nil {
		return ErrNotFound
	}
	if !c.authz.IsOwner(e, p) {
		return auth.ErrDenied
	}
	e.Owner = owner
	if group != "" {
		e.Group = group
	}
	return c.update(e)
}
