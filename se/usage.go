package se

import (
	"database/sql"

	"github.com/pkg/errors"

	"github.com/ndlib/gridcat/shards"
)

// Usage counters track how many files and bytes each storage element
// holds. They are adjusted as replicas come and go, so the numbers
// are advisory rather than exact.

// AddUsage adjusts the counters of a storage element. files and size
// may be negative when a replica is removed.
func (d *Directory) AddUsage(number int, files, size int64) error {
	var n int64
	var err error
	if d.driver == "mysql" {
		n, err = shards.Exec(d.db,
			`UPDATE se_usage SET nb_files = nb_files + ?, total_size = total_size + ? WHERE se_number = ?`,
			files, size, number)
		if err == nil && n == 0 {
			_, err = shards.Exec(d.db,
				`INSERT INTO se_usage (se_number, nb_files, total_size) VALUES (?, ?, ?)`,
				number, files, size)
		}
	} else {
		n, err = shards.Exec(d.db,
			`UPDATE se_usage SET nb_files = nb_files + ?1, total_size = total_size + ?2 WHERE se_number == ?3`,
			files, size, number)
		if err == nil && n == 0 {
			_, err = shards.Exec(d.db,
				`INSERT INTO se_usage (se_number, nb_files, total_size) VALUES (?1, ?2, ?3)`,
				number, files, size)
		}
	}
	return errors.Wrapf(err, "adjusting usage of se %d", number)
}

// Usage returns the advisory counters for a storage element. An
// element without counters reads as empty.
func (d *Directory) Usage(number int) (files, size int64, err error) {
	query := `SELECT nb_files, total_size FROM se_usage WHERE se_number = ?`
	if d.driver != "mysql" {
		query = `SELECT nb_files, total_size FROM se_usage WHERE se_number == ?1`
	}
	err = d.db.QueryRow(query, number).Scan(&files, &size)
	if err == sql.ErrNoRows {
		return 0, 0, nil
	}
	return files, size, errors.Wrapf(err, "reading usage of se %d", number)
}
