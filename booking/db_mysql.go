package booking

import (
	"database/sql"

	"github.com/google/uuid"
)

// This file implements the booking Store against MySQL. Booking rows
// live on the router database, not on the shards.

type msqlStore struct {
	db *sql.DB
}

var _ Store = &msqlStore{}

// NewMySQLStore returns a store over the given router database.
func NewMySQLStore(db *sql.DB) *msqlStore {
	return &msqlStore{db: db}
}

const bookingColumns = `lfn, owner, gowner, md5sum, expiretime, fsize, pfn, se_name, guid, jobid, existing`

func scanBooking(rows interface {
	Scan(dest ...interface{}) error
}) (*Entry, error) {
	var e Entry
	var id string
	err := rows.Scan(&e.LFN, &e.Owner, &e.Group, &e.MD5, &e.Expire,
		&e.Size, &e.PFN, &e.SEName, &id, &e.JobID, &e.Existing)
	if err != nil {
		return nil, err
	}
	e.GUID, err = uuid.Parse(id)
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func gatherBookings(rows *sql.Rows) ([]*Entry, error) {
	var result []*Entry
	for rows.Next() {
		e, err := scanBooking(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, e)
	}
	return result, rows.Err()
}

func (ms *msqlStore) Find(id uuid.UUID, seName, pfn string) (*Entry, error) {
	query := `SELECT ` + bookingColumns + ` FROM booking
		WHERE guid = ? AND se_name = ? AND pfn = ? AND expiretime > 0
		ORDER BY expiretime DESC LIMIT 1`
	e, err := scanBooking(ms.db.QueryRow(query, id.String(), seName, pfn))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return e, err
}

func (ms *msqlStore) Matching(id uuid.UUID, seName, pfn, owner string) ([]*Entry, error) {
	query := `SELECT ` + bookingColumns + ` FROM booking
		WHERE guid = ? AND se_name = ? AND pfn = ? AND owner = ? AND expiretime > 0`
	rows, err := ms.db.Query(query, id.String(), seName, pfn, owner)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return gatherBookings(rows)
}

func (ms *msqlStore) Insert(e *Entry) error {
	query := `INSERT INTO booking (` + bookingColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := ms.db.Exec(query, e.LFN, e.Owner, e.Group, e.MD5, e.Expire,
		e.Size, e.PFN, e.SEName, e.GUID.String(), e.JobID, e.Existing)
	return err
}

func (ms *msqlStore) Renew(id uuid.UUID, seName, pfn, owner string, expire int64) (int64, error) {
	query := `UPDATE booking SET expiretime = ?
		WHERE guid = ? AND se_name = ? AND pfn = ? AND owner = ? AND expiretime > 0`
	result, err := ms.db.Exec(query, expire, id.String(), seName, pfn, owner)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

func (ms *msqlStore) Tombstone(id uuid.UUID, seName, pfn, owner string, until int64) (int64, error) {
	query := `UPDATE booking SET expiretime = ?
		WHERE guid = ? AND se_name = ? AND pfn = ? AND owner = ? AND expiretime > 0`
	result, err := ms.db.Exec(query, until, id.String(), seName, pfn, owner)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

func (ms *msqlStore) TombstoneJob(jobID, until int64) (int64, error) {
	query := `UPDATE booking SET expiretime = ? WHERE jobid = ? AND expiretime > 0`
	result, err := ms.db.Exec(query, until, jobID)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

func (ms *msqlStore) SetExisting(id uuid.UUID, seName, pfn, owner string, mark int) (int64, error) {
	query := `UPDATE booking SET existing = ?
		WHERE guid = ? AND se_name = ? AND pfn = ? AND owner = ? AND expiretime > 0`
	result, err := ms.db.Exec(query, mark, id.String(), seName, pfn, owner)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

func (ms *msqlStore) Delete(id uuid.UUID, seName, pfn, owner string) (int64, error) {
	query := `DELETE FROM booking WHERE guid = ? AND se_name = ? AND pfn = ? AND owner = ?`
	result, err := ms.db.Exec(query, id.String(), seName, pfn, owner)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

func (ms *msqlStore) SweepTombstones(id uuid.UUID, seName, pfn string) (int64, error) {
	query := `DELETE FROM booking
		WHERE guid = ? AND se_name = ? AND pfn = ? AND expiretime < 0`
	result, err := ms.db.Exec(query, id.String(), seName, pfn)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

func (ms *msqlStore) ByJob(jobID int64) ([]*Entry, error) {
	query := `SELECT ` + bookingColumns + ` FROM booking WHERE jobid = ?`
	rows, err := ms.db.Query(query, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return gatherBookings(rows)
}

func (ms *msqlStore) ByPFN(pfn string) ([]*Entry, error) {
	query := `SELECT ` + bookingColumns + ` FROM booking WHERE pfn = ?`
	rows, err := ms.db.Query(query, pfn)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return gatherBookings(rows)
}
