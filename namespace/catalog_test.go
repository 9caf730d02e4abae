package namespace

import (
	"testing"
	"time"

	"github.com/facebookgo/clock"
	"github.com/google/uuid"

	"github.com/ndlib/gridcat/auth"
	"github.com/ndlib/gridcat/guid"
	"github.com/ndlib/gridcat/mounts"
)

func TestPathHelpers(t *testing.T) {
	var table = []struct {
		input, clean, parent, base string
	}{
		{"/alice/data/file", "/alice/data/file", "/alice/data/", "file"},
		{"/alice//data/./file", "/alice/data/file", "/alice/data/", "file"},
		{"/alice/data/../other", "/alice/other", "/alice/", "other"},
		{"alice/data", "/alice/data", "/alice/", "data"},
		{"/alice/data/", "/alice/data", "/alice/", "data"},
		{"/", "/", "/", ""},
	}
	for _, tab := range table {
		if c := Clean(tab.input); c != tab.clean {
			t.Errorf("Clean(%s): received %s, expected %s", tab.input, c, tab.clean)
		}
		if p := Parent(tab.clean); p != tab.parent {
			t.Errorf("Parent(%s): received %s, expected %s", tab.clean, p, tab.parent)
		}
		if b := Base(tab.clean); b != tab.base {
			t.Errorf("Base(%s): received %s, expected %s", tab.clean, b, tab.base)
		}
	}
}

// fakeIDs is an in-memory identity registry recording reference
// changes so the catalog side of the bookkeeping is visible.
type fakeIDs struct {
	ids     map[uuid.UUID]*guid.GUID
	refs    map[uuid.UUID][]string
	deleted map[uuid.UUID]bool
}

func newFakeIDs() *fakeIDs {
	return &fakeIDs{
		ids:     make(map[uuid.UUID]*guid.GUID),
		refs:    make(map[uuid.UUID][]string),
		deleted: make(map[uuid.UUID]bool),
	}
}

func (f *fakeIDs) add(id uuid.UUID) *guid.GUID {
	g := &guid.GUID{ID: id, Owner: "alice", Group: "alice", GUIDId: int64(len(f.ids) + 1)}
	f.ids[id] = g
	return g
}

func (f *fakeIDs) Lookup(id uuid.UUID) (*guid.GUID, error) {
	return f.ids[id], nil
}

func (f *fakeIDs) AddRef(g *guid.GUID, path string) error {
	f.refs[g.ID] = append(f.refs[g.ID], path)
	return nil
}

func (f *fakeIDs) RemoveRef(g *guid.GUID, path string) error {
	var keep []string
	for _, r := range f.refs[g.ID] {
		if r != path {
			keep = append(keep, r)
		}
	}
	f.refs[g.ID] = keep
	return nil
}

func (f *fakeIDs) Refs(g *guid.GUID) ([]string, error) {
	return f.refs[g.ID], nil
}

func (f *fakeIDs) Delete(g *guid.GUID, purge bool) error {
	f.deleted[g.ID] = true
	delete(f.ids, g.ID)
	return nil
}

var (
	alice = auth.Principal{Name: "alice", Groups: []string{"alice"}}
	bob   = auth.Principal{Name: "bob", Groups: []string{"bob"}}
)

// testCatalog builds a catalog over two mounts, the second nested
// inside the first.
func testCatalog(t *testing.T) (*Catalog, *fakeIDs, *clock.Mock) {
	table := []mounts.Entry{
		{Index: 1, Prefix: "/alice/", Ref: mounts.Ref{Host: 1, Table: 1}},
		{Index: 2, Prefix: "/alice/archive/", Ref: mounts.Ref{Host: 1, Table: 2}},
	}
	resolver := mounts.NewResolver(func() ([]mounts.Entry, error) {
		return table, nil
	})
	mock := clock.NewMock()
	mock.Add(time.Hour)
	resolver.SetClock(mock)
	ids := newFakeIDs()
	c := NewCatalog(resolver, NewMemory(), auth.Perms{}, ids)
	c.SetClock(mock)
	return c, ids, mock
}

func TestMkdirLookup(t *testing.T) {
	c, _, _ := testCatalog(t)
	dir, err := c.Mkdir(alice, "/alice/data/2026/run1", true)
	if err != nil {
		t.Fatalf("received %v, expected no error", err)
	}
	if dir.Path != "/alice/data/2026/run1" {
		t.Errorf("received %s, expected /alice/data/2026/run1", dir.Path)
	}
	// every intermediate directory exists now
	for _, path := range []string{"/alice", "/alice/data", "/alice/data/2026"} {
		e, err := c.Lookup(path)
		if err != nil || e == nil {
			t.Fatalf("Lookup(%s): received %v, %v", path, e, err)
		}
		if !e.IsDirectory() {
			t.Errorf("%s: received type %c, expected d", path, e.Type)
		}
		if e.Owner != "alice" {
			t.Errorf("%s: received owner %s, expected alice", path, e.Owner)
		}
	}
	// a second mkdir of the same path is only fine with parents set
	if _, err := c.Mkdir(alice, "/alice/data/2026/run1", true); err != nil {
		t.Errorf("received %v, expected no error", err)
	}
	if _, err := c.Mkdir(alice, "/alice/data/2026/run1", false); err != ErrExists {
		t.Errorf("received %v, expected ErrExists", err)
	}
	// without parents, missing intermediates are an error
	if _, err := c.Mkdir(alice, "/alice/other/deep", false); err != ErrNotFound {
		t.Errorf("received %v, expected ErrNotFound", err)
	}
}

func TestRegisterAndRefs(t *testing.T) {
	c, ids, _ := testCatalog(t)
	id := uuid.MustParse("0ee636ca-4ffe-11ee-9a28-0242ac120002")
	ids.add(id)
	e := &Entry{Path: "/alice/data/f1", Size: 1024, GUID: id, MD5: "abc"}
	if err := c.Register(alice, e); err != nil {
		t.Fatalf("received %v, expected no error", err)
	}
	if e.GUIDTime == "" {
		t.Error("received empty routing key, expected hex time")
	}
	got, err := c.Lookup("/alice/data/f1")
	if err != nil || got == nil {
		t.Fatalf("received %v, %v", got, err)
	}
	if got.GUID != id || got.Size != 1024 {
		t.Errorf("received %v/%d, expected %v/1024", got.GUID, got.Size, id)
	}
	if len(ids.refs[id]) != 1 || ids.refs[id][0] != "/alice/data/f1" {
		t.Errorf("received refs %v, expected [/alice/data/f1]", ids.refs[id])
	}
	// the path is taken now
	if err := c.Register(alice, &Entry{Path: "/alice/data/f1", GUID: id}); err != ErrExists {
		t.Errorf("received %v, expected ErrExists", err)
	}
}

func TestLookupManyMixed(t *testing.T) {
	c, _, _ := testCatalog(t)
	if _, err := c.Mkdir(alice, "/alice/data", true); err != nil {
		t.Fatal(err)
	}
	for _, name := range []string{"a", "b", "c"} {
		if err := c.Register(alice, &Entry{Path: "/alice/data/" + name}); err != nil {
			t.Fatal(err)
		}
	}
	paths := []string{"/alice/data/a", "/alice/data", "/alice/data/missing", "/alice/data/c"}
	found, err := c.LookupMany(paths)
	if err != nil {
		t.Fatalf("received %v, expected no error", err)
	}
	if len(found) != 3 {
		t.Fatalf("received %d entries, expected 3", len(found))
	}
	seen := make(map[string]bool)
	for _, e := range found {
		seen[e.Path] = true
	}
	for _, want := range []string{"/alice/data/a", "/alice/data", "/alice/data/c"} {
		if !seen[want] {
			t.Errorf("missing %s in %v", want, seen)
		}
	}
}

func TestListDirectory(t *testing.T) {
	c, _, _ := testCatalog(t)
	if _, err := c.Mkdir(alice, "/alice/data/sub", true); err != nil {
		t.Fatal(err)
	}
	if err := c.Register(alice, &Entry{Path: "/alice/data/f1"}); err != nil {
		t.Fatal(err)
	}
	children, err := c.List(alice, "/alice/data")
	if err != nil {
		t.Fatalf("received %v, expected no error", err)
	}
	if len(children) != 2 {
		t.Fatalf("received %d children, expected 2", len(children))
	}
	names := make(map[string]byte)
	for _, child := range children {
		names[child.Path] = child.Type
	}
	if names["/alice/data/sub"] != TypeDirectory || names["/alice/data/f1"] != TypeFile {
		t.Errorf("received %v", names)
	}
	if _, err := c.List(alice, "/alice/data/f1"); err != ErrNotDirectory {
		t.Errorf("received %v, expected ErrNotDirectory", err)
	}
}

func TestRemovePurge(t *testing.T) {
	c, ids, _ := testCatalog(t)
	id := uuid.MustParse("1ab636ca-4ffe-11ee-9a28-0242ac120002")
	ids.add(id)
	for _, path := range []string{"/alice/data/f1", "/alice/data/f2"} {
		if err := c.Register(alice, &Entry{Path: path, GUID: id}); err != nil {
			t.Fatal(err)
		}
	}
	// two references, removing one leaves the identity alone
	if err := c.Remove(alice, "/alice/data/f1", false, true); err != nil {
		t.Fatalf("received %v, expected no error", err)
	}
	if ids.deleted[id] {
		t.Error("identity deleted while a reference remains")
	}
	if err := c.Remove(alice, "/alice/data/f2", false, true); err != nil {
		t.Fatalf("received %v, expected no error", err)
	}
	if !ids.deleted[id] {
		t.Error("identity not deleted with the last reference")
	}
	if e, _ := c.Lookup("/alice/data/f1"); e != nil {
		t.Errorf("received %v, expected nil", e)
	}
}

func TestRemoveRecursive(t *testing.T) {
	c, _, _ := testCatalog(t)
	// a tree spanning both mounts
	if err := c.Register(alice, &Entry{Path: "/alice/data/f1"}); err != nil {
		t.Fatal(err)
	}
	if err := c.Register(alice, &Entry{Path: "/alice/archive/2024/f2"}); err != nil {
		t.Fatal(err)
	}
	if err := c.Remove(alice, "/alice/data", false, false); err != ErrNotEmpty {
		t.Errorf("received %v, expected ErrNotEmpty", err)
	}
	if err := c.Remove(alice, "/alice", true, false); err != nil {
		t.Fatalf("received %v, expected no error", err)
	}
	for _, path := range []string{"/alice/data/f1", "/alice/archive/2024/f2", "/alice/archive/2024", "/alice/data", "/alice"} {
		if e, _ := c.Lookup(path); e != nil {
			t.Errorf("%s still exists after recursive remove", path)
		}
	}
}

func TestMoveFileSameMount(t *testing.T) {
	c, ids, _ := testCatalog(t)
	id := uuid.MustParse("2bc636ca-4ffe-11ee-9a28-0242ac120002")
	ids.add(id)
	if err := c.Register(alice, &Entry{Path: "/alice/data/old", GUID: id, Size: 7}); err != nil {
		t.Fatal(err)
	}
	moved, err := c.Move(alice, "/alice/data/old", "/alice/data/sub/new")
	if err != nil {
		t.Fatalf("received %v, expected no error", err)
	}
	if moved.Path != "/alice/data/sub/new" || moved.Size != 7 {
		t.Errorf("received %s/%d, expected /alice/data/sub/new/7", moved.Path, moved.Size)
	}
	if e, _ := c.Lookup("/alice/data/old"); e != nil {
		t.Error("old path still resolves after move")
	}
	if len(ids.refs[id]) != 1 || ids.refs[id][0] != "/alice/data/sub/new" {
		t.Errorf("received refs %v, expected [/alice/data/sub/new]", ids.refs[id])
	}
}

func TestMoveTreeAcrossMounts(t *testing.T) {
	c, ids, _ := testCatalog(t)
	id := uuid.MustParse("3cd636ca-4ffe-11ee-9a28-0242ac120002")
	ids.add(id)
	if err := c.Register(alice, &Entry{Path: "/alice/data/run/f1", GUID: id}); err != nil {
		t.Fatal(err)
	}
	if _, err := c.Move(alice, "/alice/data/run", "/alice/archive/run"); err != nil {
		t.Fatalf("received %v, expected no error", err)
	}
	got, err := c.Lookup("/alice/archive/run/f1")
	if err != nil || got == nil {
		t.Fatalf("received %v, %v", got, err)
	}
	if got.GUID != id {
		t.Errorf("received %v, expected %v", got.GUID, id)
	}
	if got.Ref() != (mounts.Ref{Host: 1, Table: 2}) {
		t.Errorf("received ref %v, expected the archive shard", got.Ref())
	}
	if e, _ := c.Lookup("/alice/data/run"); e != nil {
		t.Error("source directory still resolves after move")
	}
	// the identity survives with its reference repointed
	if ids.deleted[id] {
		t.Error("identity deleted by a move")
	}
	if len(ids.refs[id]) != 1 || ids.refs[id][0] != "/alice/archive/run/f1" {
		t.Errorf("received refs %v, expected [/alice/archive/run/f1]", ids.refs[id])
	}
	// moving a directory into itself is refused
	if _, err := c.Mkdir(alice, "/alice/data2", true); err != nil {
		t.Fatal(err)
	}
	if _, err := c.Move(alice, "/alice/data2", "/alice/data2/sub"); err == nil {
		t.Error("received no error moving a directory into itself")
	}
}

func TestPermissionChecks(t *testing.T) {
	c, _, _ := testCatalog(t)
	if _, err := c.Mkdir(alice, "/alice/private", true); err != nil {
		t.Fatal(err)
	}
	if err := c.Chmod(alice, "/alice/private", "700"); err != nil {
		t.Fatal(err)
	}
	if err := c.Register(bob, &Entry{Path: "/alice/private/f"}); err != auth.ErrDenied {
		t.Errorf("received %v, expected ErrDenied", err)
	}
	if err := c.Chmod(bob, "/alice/private", "777"); err != auth.ErrDenied {
		t.Errorf("received %v, expected ErrDenied", err)
	}
	if _, err := c.List(bob, "/alice/private"); err != auth.ErrDenied {
		t.Errorf("received %v, expected ErrDenied", err)
	}
	// admin bypasses everything
	admin := auth.Principal{Name: "admin"}
	if err := c.Register(admin, &Entry{Path: "/alice/private/f"}); err != nil {
		t.Errorf("received %v, expected no error", err)
	}
	if err := c.Chown(admin, "/alice/private/f", "bob", "bob"); err != nil {
		t.Errorf("received %v, expected no error", err)
	}
	e, _ := c.Lookup("/alice/private/f")
	if e == nil || e.Owner != "bob" {
		t.Errorf("received %v, expected owner bob", e)
	}
}

func TestExpiryExtendOnly(t *testing.T) {
	c, _, mock := testCatalog(t)
	if err := c.Register(alice, &Entry{Path: "/alice/data/f"}); err != nil {
		t.Fatal(err)
	}
	far := mock.Now().Add(48 * time.Hour)
	near := mock.Now().Add(time.Hour)
	if err := c.SetExpiry(alice, "/alice/data/f", far, false); err != nil {
		t.Fatal(err)
	}
	// extending to an earlier time keeps the later one
	if err := c.SetExpiry(alice, "/alice/data/f", near, true); err != nil {
		t.Fatal(err)
	}
	e, _ := c.Lookup("/alice/data/f")
	if !e.Expire.Equal(far) {
		t.Errorf("received %v, expected %v", e.Expire, far)
	}
	// a plain set pulls it in
	if err := c.SetExpiry(alice, "/alice/data/f", near, false); err != nil {
		t.Fatal(err)
	}
	e, _ = c.Lookup("/alice/data/f")
	if !e.Expire.Equal(near) {
		t.Errorf("received %v, expected %v", e.Expire, near)
	}
}

func TestTouch(t *testing.T) {
	c, _, mock := testCatalog(t)
	e, err := c.Touch(alice, "/alice/data/f")
	if err != nil {
		t.Fatalf("received %v, expected no error", err)
	}
	if !e.IsFile() || e.GUID != uuid.Nil {
		t.Errorf("received %v, expected a bare file", e)
	}
	first := e.CTime
	mock.Add(time.Minute)
	e, err = c.Touch(alice, "/alice/data/f")
	if err != nil {
		t.Fatalf("received %v, expected no error", err)
	}
	if !e.CTime.After(first) {
		t.Errorf("received %v, expected after %v", e.CTime, first)
	}
}
