package booking

import (
	"testing"
	"time"

	"github.com/facebookgo/clock"
	"github.com/google/uuid"

	"github.com/ndlib/gridcat/auth"
	"github.com/ndlib/gridcat/guid"
	"github.com/ndlib/gridcat/mounts"
	"github.com/ndlib/gridcat/namespace"
	"github.com/ndlib/gridcat/se"
)

var (
	alice = auth.Principal{Name: "alice", Groups: []string{"alice"}}
	bob   = auth.Principal{Name: "bob", Groups: []string{"bob"}}

	seEOS = se.SE{
		Number:      7,
		Name:        "ALICE::CERN::EOS",
		StoragePath: "/eos",
		IODaemons:   "root://eos.cern.ch:1094",
	}
	seDisk = se.SE{
		Number:      8,
		Name:        "ALICE::FZK::DISK",
		StoragePath: "/disk",
		IODaemons:   "root://disk.fzk.de:1094",
	}
)

type fakeSEDir struct{}

func (fakeSEDir) SEByName(name string) (se.SE, error) {
	switch name {
	case seEOS.Name:
		return seEOS, nil
	case seDisk.Name:
		return seDisk, nil
	}
	return se.SE{}, se.ErrUnknownSE
}

// fakeIdentities holds identity records in a map and attaches
// replicas by mutating the membership list directly.
type fakeIdentities struct {
	ids     map[uuid.UUID]*guid.GUID
	cleared int
}

func newFakeIdentities() *fakeIdentities {
	return &fakeIdentities{ids: make(map[uuid.UUID]*guid.GUID)}
}

func (f *fakeIdentities) Lookup(id uuid.UUID) (*guid.GUID, error) {
	return f.ids[id], nil
}

func (f *fakeIdentities) Register(g *guid.GUID) error {
	g.GUIDId = int64(len(f.ids) + 1)
	f.ids[g.ID] = g
	return nil
}

func (f *fakeIdentities) AddReplica(g *guid.GUID, s se.SE, pfn string) error {
	if g.HasReplicaOn(s.Number) {
		return guid.ErrDuplicateReplica
	}
	g.SEs = append(g.SEs, s.Number)
	f.ids[g.ID] = g
	return nil
}

func (f *fakeIdentities) ClearPendingPurge(id uuid.UUID, seNumber int) error {
	f.cleared++
	return nil
}

func testTable(t *testing.T) (*Table, *fakeIdentities, *namespace.Catalog, *auth.Limits, *clock.Mock) {
	mock := clock.NewMock()
	mock.Add(time.Hour)
	resolver := mounts.NewResolver(func() ([]mounts.Entry, error) {
		return []mounts.Entry{
			{Index: 1, Prefix: "/alice/", Ref: mounts.Ref{Host: 1, Table: 1}},
		}, nil
	})
	resolver.SetClock(mock)
	cat := namespace.NewCatalog(resolver, namespace.NewMemory(), auth.Perms{}, nil)
	cat.SetClock(mock)
	ids := newFakeIdentities()
	quota := &auth.Limits{}
	quota.SetLimit("alice", 100, 1<<30)
	table := NewTable(NewMemory(), ids, cat, fakeSEDir{}, auth.Perms{}, quota)
	table.SetClock(mock)
	return table, ids, cat, quota, mock
}

func request(id uuid.UUID, lfn string) Request {
	return Request{
		LFN:    lfn,
		GUID:   id,
		PFN:    "root://eos.cern.ch:1094//eos/01/12345/" + id.String(),
		SEName: seEOS.Name,
		Size:   2048,
		MD5:    "d41d8cd98f00b204e9800998ecf8427e",
		JobID:  42,
	}
}

func TestBookRenewAndConflict(t *testing.T) {
	table, _, _, quota, mock := testTable(t)
	quota.SetLimit("bob", 10, 1<<30)
	id := uuid.New()
	req := request(id, "/alice/data/f1")
	if err := table.Book(alice, req); err != nil {
		t.Fatalf("received %v, expected no error", err)
	}
	// a retry by the same owner renews, it does not conflict
	mock.Add(time.Hour)
	if err := table.Book(alice, req); err != nil {
		t.Errorf("received %v, expected renewed lease", err)
	}
	rows, _ := table.store.ByPFN(req.PFN)
	if len(rows) != 1 {
		t.Fatalf("received %d rows, expected 1", len(rows))
	}
	if want := mock.Now().Add(DefaultLease).Unix(); rows[0].Expire != want {
		t.Errorf("received expiry %d, expected %d", rows[0].Expire, want)
	}
	if err := table.Book(bob, req); err != ErrLeaseConflict {
		t.Errorf("received %v, expected ErrLeaseConflict", err)
	}
	// once the lease runs out anyone may book
	mock.Add(DefaultLease + time.Minute)
	req.LFN = "/alice/data/f1b"
	if err := table.Book(bob, req); err != nil {
		t.Errorf("received %v, expected no error after expiry", err)
	}
}

func TestBookQuota(t *testing.T) {
	table, _, _, quota, _ := testTable(t)
	// bob has no quota row at all
	if err := table.Book(bob, request(uuid.New(), "/alice/pub/f")); err != ErrQuotaExceeded {
		t.Errorf("received %v, expected ErrQuotaExceeded", err)
	}
	quota.SetLimit("alice", 0, 1<<30)
	if err := table.Book(alice, request(uuid.New(), "/alice/data/f")); err != ErrQuotaExceeded {
		t.Errorf("received %v, expected ErrQuotaExceeded", err)
	}
}

func TestBookExistingIdentity(t *testing.T) {
	table, ids, _, _, _ := testTable(t)
	id := uuid.New()
	ids.ids[id] = &guid.GUID{
		ID: id, Owner: "alice", Group: "alice", Perm: "755",
		Size: 2048, MD5: "d41d8cd98f00b204e9800998ecf8427e",
		GUIDId: 1, SEs: []int{seEOS.Number},
	}
	// replica already on EOS
	if err := table.Book(alice, request(id, "")); err != guid.ErrDuplicateReplica {
		t.Errorf("received %v, expected ErrDuplicateReplica", err)
	}
	req := request(id, "")
	req.SEName = seDisk.Name
	req.Size = 1
	if err := table.Book(alice, req); err != ErrConflictingContent {
		t.Errorf("received %v, expected ErrConflictingContent", err)
	}
	req.Size = 2048
	// bob has only read access to alice's identity
	if err := table.Book(bob, req); err != auth.ErrDenied {
		t.Errorf("received %v, expected ErrDenied", err)
	}
	// an extra replica of an existing identity needs no quota
	if err := table.Book(alice, req); err != nil {
		t.Errorf("received %v, expected no error", err)
	}
}

func TestCommitPromotes(t *testing.T) {
	table, ids, cat, _, _ := testTable(t)
	id := uuid.New()
	req := request(id, "/alice/data/f1")
	if err := table.Book(alice, req); err != nil {
		t.Fatal(err)
	}
	e, err := table.Commit(alice, id, req.SEName, req.PFN)
	if err != nil {
		t.Fatalf("received %v, expected no error", err)
	}
	if e == nil || e.Path != "/alice/data/f1" {
		t.Fatalf("received %v, expected promoted entry", e)
	}
	got, err := cat.Lookup("/alice/data/f1")
	if err != nil || got == nil {
		t.Fatalf("received %v, %v", got, err)
	}
	if got.GUID != id || got.Size != 2048 || got.Owner != "alice" {
		t.Errorf("received %v, expected identity attributes copied", got)
	}
	g := ids.ids[id]
	if g == nil || !g.HasReplicaOn(seEOS.Number) {
		t.Errorf("received %v, expected replica on %d", g, seEOS.Number)
	}
	// resolved rows are gone; a second commit has nothing to do
	e, err = table.Commit(alice, id, req.SEName, req.PFN)
	if err != nil || e != nil {
		t.Errorf("received %v, %v, expected nil, nil", e, err)
	}
}

func TestCommitRequiresOwner(t *testing.T) {
	table, _, cat, _, _ := testTable(t)
	id := uuid.New()
	req := request(id, "/alice/data/f1")
	if err := table.Book(alice, req); err != nil {
		t.Fatal(err)
	}
	// someone else cannot resolve alice's lease
	if _, err := table.Commit(bob, id, req.SEName, req.PFN); err != auth.ErrDenied {
		t.Errorf("received %v, expected ErrDenied", err)
	}
	if e, err := cat.Lookup("/alice/data/f1"); err != nil || e != nil {
		t.Errorf("received %v, %v, expected no entry", e, err)
	}
	g, err := table.BookedPFN(req.PFN)
	if err != nil || g == nil {
		t.Fatalf("received %v, %v, expected the lease to survive", g, err)
	}
	// the owner still can
	e, err := table.Commit(alice, id, req.SEName, req.PFN)
	if err != nil || e == nil {
		t.Errorf("received %v, %v, expected promoted entry", e, err)
	}
}

func TestBookBareIdentityPath(t *testing.T) {
	table, ids, cat, _, _ := testTable(t)
	id := uuid.New()
	// a path naming only the identity registers a replica without
	// creating a catalogue entry
	req := request(id, "/"+id.String())
	if err := table.Book(alice, req); err != nil {
		t.Fatal(err)
	}
	rows, err := table.store.ByPFN(req.PFN)
	if err != nil || len(rows) != 1 {
		t.Fatalf("received %d rows, %v", len(rows), err)
	}
	if rows[0].LFN != "" {
		t.Errorf("received lfn %q, expected none", rows[0].LFN)
	}
	e, err := table.Commit(alice, id, req.SEName, req.PFN)
	if err != nil {
		t.Fatalf("received %v, expected no error", err)
	}
	if e != nil {
		t.Errorf("received %v, expected nothing to promote", e)
	}
	g := ids.ids[id]
	if g == nil || !g.HasReplicaOn(seEOS.Number) {
		t.Fatalf("received %v, expected registered identity with replica", g)
	}
	if e, _ := cat.Lookup("/" + id.String()); e != nil {
		t.Errorf("received %v, expected no entry", e)
	}
}

func TestCommitReplicaOnly(t *testing.T) {
	table, ids, _, _, _ := testTable(t)
	id := uuid.New()
	ids.ids[id] = &guid.GUID{
		ID: id, Owner: "alice", Group: "alice", Perm: "755",
		Size: 2048, MD5: "d41d8cd98f00b204e9800998ecf8427e",
		GUIDId: 1, SEs: []int{seEOS.Number},
	}
	req := request(id, "")
	req.SEName = seDisk.Name
	if err := table.Book(alice, req); err != nil {
		t.Fatal(err)
	}
	e, err := table.Commit(alice, id, req.SEName, req.PFN)
	if err != nil {
		t.Fatalf("received %v, expected no error", err)
	}
	if e != nil {
		t.Errorf("received %v, expected nothing to promote", e)
	}
	if !ids.ids[id].HasReplicaOn(seDisk.Number) {
		t.Error("replica not attached by commit")
	}
}

func TestRejectAndRebook(t *testing.T) {
	table, _, _, _, _ := testTable(t)
	id := uuid.New()
	req := request(id, "/alice/data/f1")
	if err := table.Book(alice, req); err != nil {
		t.Fatal(err)
	}
	if err := table.Reject(alice, id, req.SEName, req.PFN); err != nil {
		t.Fatalf("received %v, expected no error", err)
	}
	g, err := table.BookedPFN(req.PFN)
	if err != nil || g != nil {
		t.Errorf("received %v, %v, expected tombstoned booking", g, err)
	}
	// rejecting again is a no-op, not an error
	if err := table.Reject(alice, id, req.SEName, req.PFN); err != nil {
		t.Errorf("received %v, expected no error", err)
	}
	// the tombstone does not block a fresh booking
	if err := table.Book(alice, req); err != nil {
		t.Errorf("received %v, expected no error", err)
	}
}

func TestKeepMarksRow(t *testing.T) {
	table, _, _, _, _ := testTable(t)
	id := uuid.New()
	req := request(id, "/alice/data/f1")
	if err := table.Book(alice, req); err != nil {
		t.Fatal(err)
	}
	if err := table.Keep(alice, id, req.SEName, req.PFN); err != nil {
		t.Fatalf("received %v, expected no error", err)
	}
	rows, err := table.store.ByPFN(req.PFN)
	if err != nil || len(rows) != 1 {
		t.Fatalf("received %d rows, %v", len(rows), err)
	}
	if rows[0].Existing != markKept {
		t.Errorf("received existing %d, expected %d", rows[0].Existing, markKept)
	}
	// kept rows stay booked, promising the requested content
	g, _ := table.BookedPFN(req.PFN)
	if g == nil {
		t.Fatal("kept booking no longer active")
	}
	if g.ID != id || g.Owner != "alice" || g.Size != req.Size {
		t.Errorf("received %s %s %d, expected %s alice %d", g.ID, g.Owner, g.Size, id, req.Size)
	}
}

func TestResubmitJobReleasesLeases(t *testing.T) {
	table, _, _, _, _ := testTable(t)
	reqA := request(uuid.New(), "/alice/out/a")
	reqB := request(uuid.New(), "/alice/out/b")
	reqB.PFN += ".b"
	for _, req := range []Request{reqA, reqB} {
		if err := table.Book(alice, req); err != nil {
			t.Fatal(err)
		}
	}
	if err := table.ResubmitJob(42); err != nil {
		t.Fatalf("received %v, expected no error", err)
	}
	for _, pfn := range []string{reqA.PFN, reqB.PFN} {
		g, _ := table.BookedPFN(pfn)
		if g != nil {
			t.Errorf("%s still booked after resubmit", pfn)
		}
	}
	// the previous owner can simply book again
	if err := table.Book(alice, reqA); err != nil {
		t.Errorf("received %v, expected no error", err)
	}
}

func TestRegisterOutputs(t *testing.T) {
	table, _, cat, _, mock := testTable(t)
	reqA := request(uuid.New(), "/alice/out/a")
	reqB := request(uuid.New(), "/alice/out/b")
	reqB.PFN += ".b"
	for _, req := range []Request{reqA, reqB} {
		if err := table.Book(alice, req); err != nil {
			t.Fatal(err)
		}
	}
	if err := table.RegisterOutputs(alice, 42); err != nil {
		t.Fatalf("received %v, expected no error", err)
	}
	keep := mock.Now().Add(RetentionWindow)
	for _, path := range []string{"/alice/out/a", "/alice/out/b"} {
		e, err := cat.Lookup(path)
		if err != nil || e == nil {
			t.Fatalf("%s: received %v, %v", path, e, err)
		}
		if !e.Expire.Equal(keep) {
			t.Errorf("%s: received expiry %v, expected %v", path, e.Expire, keep)
		}
	}
	// everything resolved, nothing left for the job
	rows, _ := table.store.ByJob(42)
	if len(rows) != 0 {
		t.Errorf("received %d rows, expected none", len(rows))
	}
}
