package namespace

import (
	"log"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/ndlib/gridcat/auth"
	"github.com/ndlib/gridcat/mounts"
)

// Remove deletes an entry. A non-empty directory needs recursive set,
// and the walk crosses into mounts rooted below the directory. With
// purge set, a file whose identity has no references left afterwards
// takes its replicas down with it.
func (c *Catalog) Remove(p auth.Principal, path string, recursive, purge bool) error {
	e, err := c.Lookup(path)
	if err != nil {
		return err
	}
	if e == nil {
		return ErrNotFound
	}
	if err := c.checkParentWrite(p, e.Path, false); err != nil {
		if err == ErrNotFound {
			// removing a mount root, nothing above it to ask
			err = nil
		}
		if err != nil {
			return err
		}
	}
	if !e.IsDirectory() {
		return c.removeFile(e, purge)
	}
	children, err := c.store.List(e.ref, e.EntryID)
	if err != nil {
		return err
	}
	sub, err := c.mounts.AllUnder(e.Path)
	if err != nil {
		return err
	}
	// the entry's own mount does not count as a submount
	self, _ := c.mounts.Resolve(e.Path)
	n := 0
	for _, m := range sub {
		if m.Ref != self.Ref {
			sub[n] = m
			n++
		}
	}
	sub = sub[:n]
	if !recursive && (len(children) > 0 || len(sub) > 0) {
		return ErrNotEmpty
	}
	// deepest mounts first, then the subtree in this shard
	for _, m := range sub {
		if err := c.removeMount(m, purge); err != nil {
			return err
		}
	}
	return c.removeTree(e, purge)
}

// removeMount wipes everything stored in a mount, root row included.
func (c *Catalog) removeMount(m mounts.Entry, purge bool) error {
	root, err := c.store.Lookup(m.Ref, "")
	if err != nil {
		return err
	}
	if root == nil {
		return nil
	}
	return c.removeTree(take(m, root), purge)
}

// removeTree deletes a directory and everything below it in the same
// mount. Submounts are the caller's problem.
func (c *Catalog) removeTree(e *Entry, purge bool) error {
	m, err := c.mounts.Resolve(e.Path)
	if err != nil {
		return err
	}
	children, err := c.store.List(e.ref, e.EntryID)
	if err != nil {
		return err
	}
	for _, child := range children {
		take(m, child)
		if child.IsDirectory() {
			err = c.removeTree(child, purge)
		} else {
			err = c.removeFile(child, purge)
		}
		if err != nil {
			return err
		}
	}
	_, err = c.store.Delete(e.ref, e.EntryID)
	return errors.Wrapf(err, "removing directory %s", e.Path)
}

// removeFile drops a file row and detaches it from its identity.
func (c *Catalog) removeFile(e *Entry, purge bool) error {
	if _, err := c.store.Delete(e.ref, e.EntryID); err != nil {
		return errors.Wrapf(err, "removing %s", e.Path)
	}
	if e.GUID == uuid.Nil || c.ids == nil {
		return nil
	}
	g, err := c.ids.Lookup(e.GUID)
	if err != nil || g == nil {
		return nil
	}
	if err := c.ids.RemoveRef(g, e.Path); err != nil {
		log.Printf("Namespace: dereference of %s from %s: %s", e.GUID, e.Path, err.Error())
		return nil
	}
	if !purge {
		return nil
	}
	refs, err := c.ids.Refs(g)
	if err != nil {
		log.Printf("Namespace: references of %s: %s", e.GUID, err.Error())
		return nil
	}
	if len(refs) == 0 {
		if err := c.ids.Delete(g, true); err != nil {
			log.Printf("Namespace: purge of %s: %s", e.GUID, err.Error())
		}
	}
	return nil
}
