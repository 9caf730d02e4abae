// Package booking is the write reservation protocol. A writer books a
// target before moving any bytes, holds the lease while the transfer
// runs, and then commits, rejects, or keeps the reservation.
package booking

import (
	"log"
	"time"

	"github.com/facebookgo/clock"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/ndlib/gridcat/auth"
	"github.com/ndlib/gridcat/guid"
	"github.com/ndlib/gridcat/metrics"
	"github.com/ndlib/gridcat/namespace"
	"github.com/ndlib/gridcat/se"
)

var (
	// ErrLeaseConflict means another writer holds an active booking
	// for the same target. The caller may wait for the lease to run
	// out or give up.
	ErrLeaseConflict = errors.New("booking: target is booked by someone else")

	// ErrConflictingContent means the booked size or checksum does
	// not match what the catalogue already records for the identity.
	ErrConflictingContent = errors.New("booking: conflicting size or checksum")

	// ErrQuotaExceeded means the owner has no room for a new file.
	ErrQuotaExceeded = errors.New("booking: quota exceeded")
)

// Lease and retention defaults, in seconds where stored.
const (
	DefaultLease    = 24 * time.Hour
	RejectHold      = 30 * 24 * time.Hour
	RetentionWindow = 14 * 24 * time.Hour
)

// Existing marker values. Kept rows survive a commit sweep until a
// later registration step picks them up.
const (
	markNew     = 0
	markReplica = 1
	markKept    = 10
)

// Entry is one reservation row. Expire is a signed unix time:
// positive rows hold an active lease, negative rows are tombstones
// waiting for routine cleanup.
type Entry struct {
	LFN      string
	Owner    string
	Group    string
	MD5      string
	Expire   int64
	Size     int64
	PFN      string
	SEName   string
	GUID     uuid.UUID
	JobID    int64
	Existing int
}

// Active reports whether the lease is live at the given time.
func (e *Entry) Active(now time.Time) bool {
	return e.Expire > now.Unix()
}

// Identities is the part of the identity registry the booking table
// uses. *guid.Registry satisfies it.
type Identities interface {
	Lookup(id uuid.UUID) (*guid.GUID, error)
	Register(g *guid.GUID) error
	AddReplica(g *guid.GUID, s se.SE, pfn string) error
	ClearPendingPurge(id uuid.UUID, seNumber int) error
}

// Namespace is the part of the catalog the booking table uses.
// *namespace.Catalog satisfies it.
type Namespace interface {
	Lookup(path string) (*namespace.Entry, error)
	Register(p auth.Principal, e *namespace.Entry) error
	CheckWrite(p auth.Principal, path string) error
	SetExpiry(p auth.Principal, path string, when time.Time, extend bool) error
}

// SEDirectory resolves storage element names. *se.Directory satisfies
// it.
type SEDirectory interface {
	SEByName(name string) (se.SE, error)
}

// Table runs the reservation protocol over a booking store.
type Table struct {
	store Store
	ids   Identities
	ns    Namespace
	sedir SEDirectory
	authz auth.Authorizer
	quota auth.Quota
	clock clock.Clock
}

// NewTable wires a booking table. Pass auth.NoQuota{} to disable
// quota enforcement.
func NewTable(store Store, ids Identities, ns Namespace, sedir SEDirectory, authz auth.Authorizer, quota auth.Quota) *Table {
	return &Table{
		store: store,
		ids:   ids,
		ns:    ns,
		sedir: sedir,
		authz: authz,
		quota: quota,
		clock: clock.New(),
	}
}

// SetClock replaces the clock used for leases. Call before use.
func (t *Table) SetClock(c clock.Clock) {
	t.clock = c
}

// Request is what a writer asks to book.
type Request struct {
	LFN    string
	GUID   uuid.UUID
	PFN    string
	SEName string
	Size   int64
	MD5    string
	JobID  int64
}

// Book reserves a (identity, storage element, location) triple for
// the principal. Booking the same triple again renews the lease, so
// a retried transfer does not lock itself out.
func (t *Table) Book(p auth.Principal, req Request) error {
	err := t.book(p, req)
	outcome := "ok"
	if err != nil {
		outcome = "fail"
	}
	metrics.BookingOps.WithLabelValues("book", outcome).Inc()
	return err
}

func (t *Table) book(p auth.Principal, req Request) error {
	lfn := ""
	if req.LFN != "" {
		lfn = namespace.Clean(req.LFN)
		// a path naming the bare identity asks for a replica with no
		// catalogue entry of its own
		if lfn == "/"+req.GUID.String() {
			lfn = ""
		}
	}
	if lfn != "" {
		if err := t.ns.CheckWrite(p, lfn); err != nil {
			return err
		}
	}
	mark := markNew
	g, err := t.ids.Lookup(req.GUID)
	if err != nil {
		return err
	}
	if g != nil {
		if !t.authz.CanWrite(g, p) {
			return auth.ErrDenied
		}
		if (req.Size != 0 && req.Size != g.Size) ||
			(req.MD5 != "" && g.MD5 != "" && req.MD5 != g.MD5) {
			return ErrConflictingContent
		}
		s, err := t.sedir.SEByName(req.SEName)
		if err != nil {
			return err
		}
		if g.HasReplicaOn(s.Number) {
			return guid.ErrDuplicateReplica
		}
		mark = markReplica
	} else {
		ok, err := t.quota.CanUpload(p.Name, 1, req.Size)
		if err != nil {
			return err
		}
		if !ok {
			return ErrQuotaExceeded
		}
	}
	now := t.clock.Now()
	if _, err := t.store.SweepTombstones(req.GUID, req.SEName, req.PFN); err != nil {
		return err
	}
	if s, err := t.sedir.SEByName(req.SEName); err == nil {
		if err := t.ids.ClearPendingPurge(req.GUID, s.Number); err != nil {
			log.Printf("Booking: clearing purge of %s on %s: %s", req.GUID, req.SEName, err.Error())
		}
	}
	existing, err := t.store.Find(req.GUID, req.SEName, req.PFN)
	if err != nil {
		return err
	}
	expire := now.Add(DefaultLease).Unix()
	if existing != nil && existing.Active(now) {
		if !t.authz.CanBecome(p, existing.Owner) {
			return ErrLeaseConflict
		}
		_, err := t.store.Renew(req.GUID, req.SEName, req.PFN, existing.Owner, expire)
		return err
	}
	entry := &Entry{
		LFN:      lfn,
		Owner:    p.Name,
		Group:    p.DefaultGroup(),
		MD5:      req.MD5,
		Expire:   expire,
		Size:     req.Size,
		PFN:      req.PFN,
		SEName:   req.SEName,
		GUID:     req.GUID,
		JobID:    req.JobID,
		Existing: mark,
	}
	return t.store.Insert(entry)
}

// Reject tombstones the principal's booking. A booking someone else
// already resolved is not an error, there is just nothing to do.
func (t *Table) Reject(p auth.Principal, id uuid.UUID, seName, pfn string) error {
	until := -(t.clock.Now().Add(RejectHold).Unix())
	n, err := t.store.Tombstone(id, seName, pfn, p.Name, until)
	outcome := "ok"
	if err != nil {
		outcome = "fail"
	}
	metrics.BookingOps.WithLabelValues("reject", outcome).Inc()
	if err == nil && n == 0 {
		log.Printf("Booking: reject of %s on %s matched nothing", id, seName)
	}
	return err
}

// Keep flags the booking so a later registration step can promote it,
// without committing it now.
func (t *Table) Keep(p auth.Principal, id uuid.UUID, seName, pfn string) error {
	n, err := t.store.SetExisting(id, seName, pfn, p.Name, markKept)
	outcome := "ok"
	if err != nil {
		outcome = "fail"
	}
	metrics.BookingOps.WithLabelValues("keep", outcome).Inc()
	if err == nil && n == 0 {
		log.Printf("Booking: keep of %s on %s matched nothing", id, seName)
	}
	return err
}

// Commit resolves a booking after a successful transfer: the replica
// joins the identity, every distinct namespace path on the matching
// rows is promoted into a catalogue entry, and the rows go away. A
// replica-only booking promotes nothing and returns nil, nil.
func (t *Table) Commit(p auth.Principal, id uuid.UUID, seName, pfn string) (*namespace.Entry, error) {
	e, err := t.commit(p, id, seName, pfn)
	outcome := "ok"
	if err != nil {
		outcome = "fail"
	}
	metrics.BookingOps.WithLabelValues("commit", outcome).Inc()
	return e, err
}

func (t *Table) commit(p auth.Principal, id uuid.UUID, seName, pfn string) (*namespace.Entry, error) {
	held, err := t.store.Find(id, seName, pfn)
	if err != nil {
		return nil, err
	}
	if held == nil {
		// someone else resolved it already
		return nil, nil
	}
	if !t.authz.CanBecome(p, held.Owner) {
		return nil, auth.ErrDenied
	}
	rows, err := t.store.Matching(id, seName, pfn, held.Owner)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	g, err := t.ids.Lookup(id)
	if err != nil {
		return nil, err
	}
	if g == nil {
		g = t.identityFrom(rows[0])
		if err := t.ids.Register(g); err != nil {
			return nil, err
		}
	}
	s, err := t.sedir.SEByName(seName)
	if err != nil {
		return nil, err
	}
	err = t.ids.AddReplica(g, s, pfn)
	if err == guid.ErrDuplicateReplica {
		// a concurrent commit attached it first, which is fine
		err = nil
	}
	if err != nil {
		return nil, err
	}
	var promoted *namespace.Entry
	for _, row := range rows {
		if row.LFN == "" {
			continue
		}
		e, err := t.promote(p, g, row)
		if err != nil {
			return nil, err
		}
		if promoted == nil {
			promoted = e
		}
	}
	if _, err := t.store.Delete(id, seName, pfn, held.Owner); err != nil {
		return nil, err
	}
	return promoted, nil
}

// identityFrom builds the identity record a brand-new booking row
// promises, for registration through AddReplica's store path.
func (t *Table) identityFrom(row *Entry) *guid.GUID {
	return &guid.GUID{
		ID:    row.GUID,
		Owner: row.Owner,
		Group: row.Group,
		Perm:  "755",
		Size:  row.Size,
		MD5:   row.MD5,
		Type:  'f',
		CTime: t.clock.Now(),
	}
}

// promote turns a booking row into a catalogue entry, copying the
// identity's attributes onto it. An entry already present stays as
// it is.
func (t *Table) promote(p auth.Principal, g *guid.GUID, row *Entry) (*namespace.Entry, error) {
	existing, err := t.ns.Lookup(row.LFN)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}
	e := &namespace.Entry{
		Path:  row.LFN,
		Owner: row.Owner,
		Group: row.Group,
		Perm:  g.Perm,
		Size:  g.Size,
		Type:  namespace.TypeFile,
		GUID:  g.ID,
		MD5:   g.MD5,
		CTime: t.clock.Now(),
		JobID: row.JobID,
	}
	if err := t.ns.Register(p, e); err != nil && err != namespace.ErrExists {
		return nil, err
	}
	return e, nil
}

// ResubmitJob tombstones every active booking the job holds, so a
// resubmitted job does not fight its previous attempt's leases.
func (t *Table) ResubmitJob(jobID int64) error {
	until := -(t.clock.Now().Add(RejectHold).Unix())
	n, err := t.store.TombstoneJob(jobID, until)
	outcome := "ok"
	if err != nil {
		outcome = "fail"
	}
	metrics.BookingOps.WithLabelValues("resubmit", outcome).Inc()
	if err == nil {
		log.Printf("Booking: released %d bookings of job %d", n, jobID)
	}
	return err
}

// RegisterOutputs commits every booking the job still holds and
// extends the retention of the resulting entries.
func (t *Table) RegisterOutputs(p auth.Principal, jobID int64) error {
	rows, err := t.store.ByJob(jobID)
	if err != nil {
		return err
	}
	now := t.clock.Now()
	keep := now.Add(RetentionWindow)
	type key struct {
		id  uuid.UUID
		se  string
		pfn string
	}
	done := make(map[key]bool)
	for _, row := range rows {
		if !row.Active(now) {
			continue
		}
		k := key{row.GUID, row.SEName, row.PFN}
		if done[k] {
			continue
		}
		done[k] = true
		e, err := t.Commit(p, row.GUID, row.SEName, row.PFN)
		if err != nil {
			return errors.Wrapf(err, "registering output %s of job %d", row.PFN, jobID)
		}
		if e != nil {
			if err := t.ns.SetExpiry(p, e.Path, keep, true); err != nil {
				log.Printf("Booking: retention of %s: %s", e.Path, err.Error())
			}
		}
	}
	return nil
}

// BookedPFN returns the provisional identity promised by an active
// booking at the location, or nil when nothing is booked there. The
// transfer layer asks before accepting an unsolicited upload, and
// checks the received bytes against the returned size and checksum.
func (t *Table) BookedPFN(pfn string) (*guid.GUID, error) {
	rows, err := t.store.ByPFN(pfn)
	if err != nil {
		return nil, err
	}
	now := t.clock.Now()
	var best *Entry
	for _, row := range rows {
		if row.Active(now) && (best == nil || row.Expire > best.Expire) {
			best = row
		}
	}
	if best == nil {
		return nil, nil
	}
	return t.identityFrom(best), nil
}
