package mounts

import (
	"database/sql"
	"strconv"
	"time"

	"github.com/pkg/errors"

	"github.com/ndlib/gridcat/shards"
)

// SQL loaders for the two routing tables. The queries carry no
// parameters, so the same text works against both mysql and ql.

// MountLoader reads the whole mount table from the router database.
func MountLoader(db *sql.DB) func() ([]Entry, error) {
	return func() ([]Entry, error) {
		rows, err := db.Query(`SELECT mount_index, host_index, table_index, prefix FROM mounts`)
		if err != nil {
			return nil, err
		}
		defer rows.Close()
		var entries []Entry
		for rows.Next() {
			var e Entry
			if err := rows.Scan(&e.Index, &e.Host, &e.Table, &e.Prefix); err != nil {
				return nil, err
			}
			entries = append(entries, e)
		}
		return entries, rows.Err()
	}
}

// TimeShardLoader reads the time-shard table. The start time is
// stored as a hex string; only its first eight digits carry the index
// time, matching the identity layout.
func TimeShardLoader(db *sql.DB) func() ([]TimeEntry, error) {
	return func() ([]TimeEntry, error) {
		rows, err := db.Query(`SELECT shard_index, host_index, table_index, guid_time FROM guid_shards`)
		if err != nil {
			return nil, err
		}
		defer rows.Close()
		var entries []TimeEntry
		for rows.Next() {
			var e TimeEntry
			var hexTime string
			if err := rows.Scan(&e.Index, &e.Host, &e.Table, &hexTime); err != nil {
				return nil, err
			}
			if len(hexTime) < 8 {
				return nil, errors.Errorf("bad guid_time %q on shard %d", hexTime, e.Index)
			}
			e.Start, err = strconv.ParseInt(hexTime[:8], 16, 64)
			if err != nil {
				return nil, errors.Wrapf(err, "bad guid_time %q on shard %d", hexTime, e.Index)
			}
			entries = append(entries, e)
		}
		return entries, rows.Err()
	}
}

// UpdateProbe reads when the mount table last changed, as recorded by
// SignalUpdate. No signal ever recorded reads as the zero time.
func UpdateProbe(db *sql.DB) func() (time.Time, error) {
	return func() (time.Time, error) {
		var updated sql.NullInt64
		err := db.QueryRow(`SELECT max(updated) FROM mounts_update`).Scan(&updated)
		if err == sql.ErrNoRows || (err == nil && !updated.Valid) {
			return time.Time{}, nil
		}
		if err != nil {
			return time.Time{}, err
		}
		return time.Unix(updated.Int64, 0), nil
	}
}

// SignalUpdate records that the mount table changed, so every server's
// probe notices within one probe interval. driver selects the SQL
// dialect of the router database.
func SignalUpdate(db *sql.DB, driver string, now time.Time) error {
	var n int64
	var err error
	if driver == "mysql" {
		n, err = shards.Exec(db, `UPDATE mounts_update SET updated = ? WHERE id = 1`, now.Unix())
		if err == nil && n == 0 {
			_, err = shards.Exec(db, `INSERT INTO mounts_update (id, updated) VALUES (1, ?)`, now.Unix())
		}
	} else {
		n, err = shards.Exec(db, `UPDATE mounts_update SET updated = ?1 WHERE id == 1`, now.Unix())
		if err == nil && n == 0 {
			_, err = shards.Exec(db, `INSERT INTO mounts_update (id, updated) VALUES (1, ?1)`, now.Unix())
		}
	}
	return errors.Wrap(err, "signaling mount update")
}
