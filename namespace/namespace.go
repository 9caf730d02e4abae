// Package namespace is the logical file hierarchy of the catalogue.
// Entries map paths to identities; which shard holds an entry is
// decided by the mount table.
package namespace

import (
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/ndlib/gridcat/mounts"
)

var (
	// ErrExists means the path is already taken.
	ErrExists = errors.New("namespace: entry already exists")

	// ErrNotEmpty means a directory still has children.
	ErrNotEmpty = errors.New("namespace: directory not empty")

	// ErrNotDirectory means a path component is not a directory.
	ErrNotDirectory = errors.New("namespace: not a directory")
)

// Entry types. Archive members are ordinary files whose identity
// resolves through archive indirection.
const (
	TypeFile       = byte('f')
	TypeDirectory  = byte('d')
	TypeCollection = byte('c')
)

// Entry is one namespace record. Path is absolute; directory paths
// carry a trailing slash in storage but not here.
type Entry struct {
	EntryID int64
	Parent  int64
	Path    string
	Owner   string
	Group   string
	Perm    string
	Size    int64
	Type    byte
	// GUID is the identity the entry points at, uuid.Nil for
	// directories.
	GUID uuid.UUID
	// GUIDTime caches the identity's routing key as hex, so bulk
	// jobs can route without parsing the identity.
	GUIDTime   string
	MD5        string
	CTime      time.Time
	Expire     time.Time
	JobID      int64
	Replicated bool
	Broken     bool

	ref    mounts.Ref
	exists bool
}

// Exists reports whether the entry was read from the catalogue.
func (e *Entry) Exists() bool {
	return e.exists
}

// Ref returns the shard holding this entry.
func (e *Entry) Ref() mounts.Ref {
	return e.ref
}

func (e *Entry) IsDirectory() bool { return e.Type == TypeDirectory }
func (e *Entry) IsFile() bool      { return e.Type == TypeFile }

func (e *Entry) GetOwner() string       { return e.Owner }
func (e *Entry) GetGroup() string       { return e.Group }
func (e *Entry) GetPermissions() string { return e.Perm }

// Store is the persistence layer for namespace entries. Paths at this
// level are relative to the mount prefix; directory rows keep a
// trailing slash and the mount root row has the empty relative path.
// Lookups return nil for absent paths.
type Store interface {
	Lookup(ref mounts.Ref, rel string) (*Entry, error)
	// LookupMany takes at most shards.MaxQueryLength relative
	// paths; callers chunk longer lists.
	LookupMany(ref mounts.Ref, rels []string) ([]*Entry, error)
	ByGUID(ref mounts.Ref, id uuid.UUID) (*Entry, error)
	List(ref mounts.Ref, parentID int64) ([]*Entry, error)
	Insert(ref mounts.Ref, e *Entry) (int64, error)
	Update(ref mounts.Ref, e *Entry) (int64, error)
	SetExpire(ref mounts.Ref, entryID int64, expire time.Time) (int64, error)
	Delete(ref mounts.Ref, entryID int64) (int64, error)
}
