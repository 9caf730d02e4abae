package booking

import (
	"database/sql"

	"github.com/google/uuid"

	"github.com/ndlib/gridcat/shards"
)

// This file implements the booking Store against the QL embedded
// database, for development servers.

type qlStore struct {
	db *sql.DB
}

var _ Store = &qlStore{}

// NewQlStore returns a store over the given router database.
func NewQlStore(db *sql.DB) *qlStore {
	return &qlStore{db: db}
}

func (qs *qlStore) Find(id uuid.UUID, seName, pfn string) (*Entry, error) {
	query := `SELECT ` + bookingColumns + ` FROM booking
		WHERE guid == ?1 AND se_name == ?2 AND pfn == ?3 AND expiretime > 0
		ORDER BY expiretime DESC LIMIT 1`
	e, err := scanBooking(qs.db.QueryRow(query, id.String(), seName, pfn))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return e, err
}

func (qs *qlStore) Matching(id uuid.UUID, seName, pfn, owner string) ([]*Entry, error) {
	query := `SELECT ` + bookingColumns + ` FROM booking
		WHERE guid == ?1 AND se_name == ?2 AND pfn == ?3 AND owner == ?4 AND expiretime > 0`
	rows, err := qs.db.Query(query, id.String(), seName, pfn, owner)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return gatherBookings(rows)
}

func (qs *qlStore) Insert(e *Entry) error {
	query := `INSERT INTO booking (` + bookingColumns + `)
		VALUES (?1, ?2, ?3, ?4, ?5, ?6, ?7, ?8, ?9, ?10, ?11)`
	_, err := shards.Exec(qs.db, query, e.LFN, e.Owner, e.Group, e.MD5,
		e.Expire, e.Size, e.PFN, e.SEName, e.GUID.String(), e.JobID, e.Existing)
	return err
}

func (qs *qlStore) Renew(id uuid.UUID, seName, pfn, owner string, expire int64) (int64, error) {
	query := `UPDATE booking SET expiretime = ?1
		WHERE guid == ?2 AND se_name == ?3 AND pfn == ?4 AND owner == ?5 AND expiretime > 0`
	return shards.Exec(qs.db, query, expire, id.String(), seName, pfn, owner)
}

func (qs *qlStore) Tombstone(id uuid.UUID, seName, pfn, owner string, until int64) (int64, error) {
	query := `UPDATE booking SET expiretime = ?1
		WHERE guid == ?2 AND se_name == ?3 AND pfn == ?4 AND owner == ?5 AND expiretime > 0`
	return shards.Exec(qs.db, query, until, id.String(), seName, pfn, owner)
}

func (qs *qlStore) TombstoneJob(jobID, until int64) (int64, error) {
	query := `UPDATE booking SET expiretime = ?1 WHERE jobid == ?2 AND expiretime > 0`
	return shards.Exec(qs.db, query, until, jobID)
}

func (qs *qlStore) SetExisting(id uuid.UUID, seName, pfn, owner string, mark int) (int64, error) {
	query := `UPDATE booking SET existing = ?1
		WHERE guid == ?2 AND se_name == ?3 AND pfn == ?4 AND owner == ?5 AND expiretime > 0`
	return shards.Exec(qs.db, query, mark, id.String(), seName, pfn, owner)
}

func (qs *qlStore) Delete(id uuid.UUID, seName, pfn, owner string) (int64, error) {
	query := `DELETE FROM booking WHERE guid == ?1 AND se_name == ?2 AND pfn == ?3 AND owner == ?4`
	return shards.Exec(qs.db, query, id.String(), seName, pfn, owner)
}

func (qs *qlStore) SweepTombstones(id uuid.UUID, seName, pfn string) (int64, error) {
	query := `DELETE FROM booking
		WHERE guid == ?1 AND se_name == ?2 AND pfn == ?3 AND expiretime < 0`
	return shards.Exec(qs.db, query, id.String(), seName, pfn)
}

func (qs *qlStore) ByJob(jobID int64) ([]*Entry, error) {
	query := `SELECT ` + bookingColumns + ` FROM booking WHERE jobid == ?1`
	rows, err := qs.db.Query(query, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return gatherBookings(rows)
}

func (qs *qlStore) ByPFN(pfn string) ([]*Entry, error) {
	query := `SELECT ` + bookingColumns + ` FROM booking WHERE pfn == ?1`
	rows, err := qs.db.Query(query, pfn)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return gatherBookings(rows)
}
