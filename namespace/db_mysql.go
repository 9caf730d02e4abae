package namespace

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ndlib/gridcat/mounts"
	"github.com/ndlib/gridcat/shards"
)

func unixOrZero(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.Unix()
}

func timeOrZero(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(n, 0)
}

// This file implements the namespace Store against MySQL shard hosts.

type msqlStore struct {
	reg *shards.Registry
}

var _ Store = &msqlStore{}

// NewMySQLStore returns a store reading shard connections from the
// given registry.
func NewMySQLStore(reg *shards.Registry) *msqlStore {
	return &msqlStore{reg: reg}
}

const nsColumns = `entry_id, parent_id, lfn, owner, gowner, perm, fsize, ftype, guid, guidtime, md5sum, ctime, expiretime, jobid, replicated, broken`

func scanEntry(rows interface {
	Scan(dest ...interface{}) error
}) (*Entry, error) {
	var e Entry
	var ftype, id string
	var ctime, expire int64
	var replicated, broken int
	err := rows.Scan(&e.EntryID, &e.Parent, &e.Path, &e.Owner, &e.Group,
		&e.Perm, &e.Size, &ftype, &id, &e.GUIDTime, &e.MD5,
		&ctime, &expire, &e.JobID, &replicated, &broken)
	if err != nil {
		return nil, err
	}
	if len(ftype) > 0 {
		e.Type = ftype[0]
	}
	if id != "" {
		e.GUID, err = uuid.Parse(id)
		if err != nil {
			return nil, err
		}
	}
	e.CTime = timeOrZero(ctime)
	e.Expire = timeOrZero(expire)
	e.Replicated = replicated != 0
	e.Broken = broken != 0
	return &e, nil
}

func entryGUID(e *Entry) string {
	if e.GUID == uuid.Nil {
		return ""
	}
	return e.GUID.String()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func (ms *msqlStore) db(ref mounts.Ref) (*sql.DB, error) {
	return ms.reg.DB(ref.Host)
}

func (ms *msqlStore) Lookup(ref mounts.Ref, rel string) (*Entry, error) {
	db, err := ms.db(ref)
	if err != nil {
		return nil, err
	}
	query := fmt.Sprintf(`SELECT %s FROM ns_%d WHERE lfn = ? LIMIT 1`, nsColumns, ref.Table)
	e, err := scanEntry(db.QueryRow(query, rel))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return e, err
}

func (ms *msqlStore) LookupMany(ref mounts.Ref, rels []string) ([]*Entry, error) {
	if len(rels) == 0 {
		return nil, nil
	}
	db, err := ms.db(ref)
	if err != nil {
		return nil, err
	}
	query := fmt.Sprintf(`SELECT %s FROM ns_%d WHERE lfn IN (%s)`,
		nsColumns, ref.Table, shards.Placeholders(len(rels)))
	args := make([]interface{}, len(rels))
	for i, rel := range rels {
		args[i] = rel
	}
	rows, err := db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return gatherEntries(rows)
}

func gatherEntries(rows *sql.Rows) ([]*Entry, error) {
	var result []*Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, e)
	}
	return result, rows.Err()
}

func (ms *msqlStore) ByGUID(ref mounts.Ref, id uuid.UUID) (*Entry, error) {
	db, err := ms.db(ref)
	if err != nil {
		return nil, err
	}
	query := fmt.Sprintf(`SELECT %s FROM ns_%d WHERE guid = ? LIMIT 1`, nsColumns, ref.Table)
	e, err := scanEntry(db.QueryRow(query, id.String()))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return e, err
}

func (ms *msqlStore) List(ref mounts.Ref, parentID int64) ([]*Entry, error) {
	db, err := ms.db(ref)
	if err != nil {
		return nil, err
	}
	query := fmt.Sprintf(`SELECT %s FROM ns_%d WHERE parent_id = ? AND entry_id <> ?`,
		nsColumns, ref.Table)
	rows, err := db.Query(query, parentID, parentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return gatherEntries(rows)
}

func (ms *msqlStore) Insert(ref mounts.Ref, e *Entry) (int64, error) {
	db, err := ms.db(ref)
	if err != nil {
		return 0, err
	}
	if old, err := ms.Lookup(ref, e.Path); err != nil {
		return 0, err
	} else if old != nil {
		return 0, ErrExists
	}
	query := fmt.Sprintf(`INSERT INTO ns_%d
		(parent_id, lfn, owner, gowner, perm, fsize, ftype, guid, guidtime, md5sum, ctime, expiretime, jobid, replicated, broken)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, ref.Table)
	result, err := db.Exec(query, e.Parent, e.Path, e.Owner, e.Group, e.Perm,
		e.Size, string(e.Type), entryGUID(e), e.GUIDTime, e.MD5,
		unixOrZero(e.CTime), unixOrZero(e.Expire), e.JobID,
		boolInt(e.Replicated), boolInt(e.Broken))
	if err != nil {
		return 0, err
	}
	return result.LastInsertId()
}

func (ms *msqlStore) Update(ref mounts.Ref, e *Entry) (int64, error) {
	db, err := ms.db(ref)
	if err != nil {
		return 0, err
	}
	query := fmt.Sprintf(`UPDATE ns_%d SET
		parent_id = ?, lfn = ?, owner = ?, gowner = ?, perm = ?,
		fsize = ?, ftype = ?, guid = ?, guidtime = ?, md5sum = ?,
		ctime = ?, expiretime = ?, jobid = ?, replicated = ?, broken = ?
		WHERE entry_id = ?`, ref.Table)
	result, err := db.Exec(query, e.Parent, e.Path, e.Owner, e.Group, e.Perm,
		e.Size, string(e.Type), entryGUID(e), e.GUIDTime, e.MD5,
		unixOrZero(e.CTime), unixOrZero(e.Expire), e.JobID,
		boolInt(e.Replicated), boolInt(e.Broken), e.EntryID)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

func (ms *msqlStore) SetExpire(ref mounts.Ref, entryID int64, expire time.Time) (int64, error) {
	db, err := ms.db(ref)
	if err != nil {
		return 0, err
	}
	query := fmt.Sprintf(`UPDATE ns_%d SET expiretime = ? WHERE entry_id = ?`, ref.Table)
	result, err := db.Exec(query, unixOrZero(expire), entryID)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

func (ms *msqlStore) Delete(ref mounts.Ref, entryID int64) (int64, error) {
	db, err := ms.db(ref)
	if err != nil {
		return 0, err
	}
	query := fmt.Sprintf(`DELETE FROM ns_%d WHERE entry_id = ?`, ref.Table)
	result, err := db.Exec(query, entryID)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}
