package namespace

import (
	"log"
	"strings"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/ndlib/gridcat/auth"
)

// Move renames an entry. A file staying inside its mount is a row
// update; anything else is a copy of the subtree followed by a
// remove, since rows cannot hop between shards in place.
func (c *Catalog) Move(p auth.Principal, oldPath, newPath string) (*Entry, error) {
	src, err := c.Lookup(oldPath)
	if err != nil {
		return nil, err
	}
	if src == nil {
		return nil, ErrNotFound
	}
	dst := Clean(newPath)
	if dst == src.Path {
		return src, nil
	}
	if src.IsDirectory() && strings.HasPrefix(dst+"/", src.Path+"/") {
		return nil, errors.New("namespace: cannot move a directory into itself")
	}
	if e, err := c.Lookup(dst); err != nil {
		return nil, err
	} else if e != nil {
		return nil, ErrExists
	}
	if err := c.checkParentWrite(p, src.Path, false); err != nil {
		return nil, err
	}
	if err := c.checkParentWrite(p, dst, true); err != nil {
		return nil, err
	}
	srcMount, _, _, err := c.locate(src.Path)
	if err != nil {
		return nil, err
	}
	dstMount, _, dstRel, err := c.locate(dst)
	if err != nil {
		return nil, err
	}
	if src.IsFile() && srcMount.Ref == dstMount.Ref {
		parent, err := c.ensureDir(p, Parent(dst))
		if err != nil {
			return nil, err
		}
		moveRef(c.ids, src.GUID, src.Path, dst)
		stored := *src
		stored.Parent = parent.EntryID
		stored.Path = dstRel
		if _, err := c.store.Update(src.ref, &stored); err != nil {
			return nil, errors.Wrapf(err, "moving %s", src.Path)
		}
		src.Parent = parent.EntryID
		src.Path = dst
		return src, nil
	}
	moved, err := c.copyTree(p, src, dst)
	if err != nil {
		return nil, err
	}
	// identities keep their replicas, so never purge here
	if src.IsDirectory() {
		if err := c.removeTree(src, false); err != nil {
			return nil, err
		}
	} else if err := c.removeFile(src, false); err != nil {
		return nil, err
	}
	return moved, nil
}

// copyTree recreates an entry and its descendants under a new path,
// keeping ownership, permissions and identity attachments.
func (c *Catalog) copyTree(p auth.Principal, src *Entry, dst string) (*Entry, error) {
	if src.IsFile() {
		e := &Entry{
			Path:   dst,
			Owner:  src.Owner,
			Group:  src.Group,
			Perm:   src.Perm,
			Size:   src.Size,
			Type:   src.Type,
			GUID:   src.GUID,
			MD5:    src.MD5,
			CTime:  src.CTime,
			Expire: src.Expire,
			JobID:  src.JobID,
		}
		return e, c.Register(p, e)
	}
	dir, err := c.ensureDir(p, dst)
	if err != nil {
		return nil, err
	}
	dir.Owner = src.Owner
	dir.Group = src.Group
	dir.Perm = src.Perm
	if err := c.update(dir); err != nil {
		return nil, err
	}
	children, err := c.List(p, src.Path)
	if err != nil {
		return nil, err
	}
	for _, child := range children {
		name := Base(child.Path)
		if _, err := c.copyTree(p, child, dst+"/"+name); err != nil {
			return nil, err
		}
	}
	return dir, nil
}

// moveRef repoints an identity reference from one path to another.
func moveRef(ids IdentityRegistry, id uuid.UUID, from, to string) {
	if id == uuid.Nil || ids == nil {
		return
	}
	g, err := ids.Lookup(id)
	if err != nil || g == nil {
		return
	}
	if err := ids.AddRef(g, to); err != nil {
		log.Printf("Namespace: reference of %s from %s: %s", id, to, err.Error())
	}
	if err := ids.RemoveRef(g, from); err != nil {
		log.Printf("Namespace: dereference of %s from %s: %s", id, from, err.Error())
	}
}
