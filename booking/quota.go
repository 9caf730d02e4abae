package booking

import (
	"database/sql"

	"github.com/ndlib/gridcat/auth"
	"github.com/ndlib/gridcat/shards"
)

// DBQuota enforces per-owner file and byte limits from the quotas
// table on the router database. An owner without a row may not
// upload anything.
type DBQuota struct {
	db     *sql.DB
	driver string
}

var _ auth.Quota = &DBQuota{}

// NewDBQuota returns a quota reading from the given router database.
// Driver is "mysql" or "ql".
func NewDBQuota(db *sql.DB, driver string) *DBQuota {
	return &DBQuota{db: db, driver: driver}
}

func (q *DBQuota) row(owner string) (files, maxFiles, size, maxSize int64, err error) {
	query := `SELECT nb_files, max_files, total_size, max_size FROM quotas WHERE owner = ?`
	if q.driver == "ql" {
		query = `SELECT nb_files, max_files, total_size, max_size FROM quotas WHERE owner == ?1`
	}
	err = q.db.QueryRow(query, owner).Scan(&files, &maxFiles, &size, &maxSize)
	return
}

// CanUpload reports whether the owner still has room for the given
// number of files and bytes. The limit itself is still allowed.
func (q *DBQuota) CanUpload(owner string, files, size int64) (bool, error) {
	nb, maxFiles, total, maxSize, err := q.row(owner)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return nb+files <= maxFiles && total+size <= maxSize, nil
}

// Charge adds to the owner's usage counters. Charging an owner
// without a quota row does nothing.
func (q *DBQuota) Charge(owner string, files, size int64) error {
	query := `UPDATE quotas SET nb_files = nb_files + ?, total_size = total_size + ? WHERE owner = ?`
	if q.driver == "ql" {
		query = `UPDATE quotas SET nb_files = nb_files + ?1, total_size = total_size + ?2 WHERE owner == ?3`
		_, err := shards.Exec(q.db, query, files, size, owner)
		return err
	}
	_, err := q.db.Exec(query, files, size, owner)
	return err
}

// SetLimit creates or replaces the owner's quota row.
func (q *DBQuota) SetLimit(owner string, maxFiles, maxSize int64) error {
	var n int64
	var err error
	if q.driver == "ql" {
		n, err = shards.Exec(q.db,
			`UPDATE quotas SET max_files = ?1, max_size = ?2 WHERE owner == ?3`,
			maxFiles, maxSize, owner)
		if err == nil && n == 0 {
			_, err = shards.Exec(q.db,
				`INSERT INTO quotas (owner, nb_files, max_files, total_size, max_size) VALUES (?1, 0, ?2, 0, ?3)`,
				owner, maxFiles, maxSize)
		}
		return err
	}
	result, err := q.db.Exec(
		`UPDATE quotas SET max_files = ?, max_size = ? WHERE owner = ?`,
		maxFiles, maxSize, owner)
	if err != nil {
		return err
	}
	n, err = result.RowsAffected()
	if err == nil && n == 0 {
		_, err = q.db.Exec(
			`INSERT INTO quotas (owner, nb_files, max_files, total_size, max_size) VALUES (?, 0, ?, 0, ?)`,
			owner, maxFiles, maxSize)
	}
	return err
}
