package namespace

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ndlib/gridcat/mounts"
	"github.com/ndlib/gridcat/shards"
)

// This file implements the namespace Store against the QL embedded
// database. It is intended for development servers; tests mostly use
// the Memory store.

type qlStore struct {
	reg *shards.Registry
}

var _ Store = &qlStore{}

// NewQlStore returns a store reading shard connections from the given
// registry, expecting every host to be a ql database.
func NewQlStore(reg *shards.Registry) *qlStore {
	return &qlStore{reg: reg}
}

// ql stores replicated and broken as bool columns, so the generic
// scanner does not apply.
func scanQlEntry(rows interface {
	Scan(dest ...interface{}) error
}) (*Entry, error) {
	var e Entry
	var ftype, id string
	var ctime, expire int64
	err := rows.Scan(&e.EntryID, &e.Parent, &e.Path, &e.Owner, &e.Group,
		&e.Perm, &e.Size, &ftype, &id, &e.GUIDTime, &e.MD5,
		&ctime, &expire, &e.JobID, &e.Replicated, &e.Broken)
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
	return &e, nil
}

func (qs *qlStore) db(ref mounts.Ref) (*sql.DB, error) {
	return qs.reg.DB(ref.Host)
}

func (qs *qlStore) Lookup(ref mounts.Ref, rel string) (*Entry, error) {
	db, err := qs.db(ref)
	if err != nil {
		return nil, err
	}
	query := fmt.Sprintf(`SELECT %s FROM ns_%d WHERE lfn == ?1 LIMIT 1`, nsColumns, ref.Table)
	e, err := scanQlEntry(db.QueryRow(query, rel))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return e, err
}

func (qs *qlStore) LookupMany(ref mounts.Ref, rels []string) ([]*Entry, error) {
	if len(rels) == 0 {
		return nil, nil
	}
	db, err := qs.db(ref)
	if err != nil {
		return nil, err
	}
	query := fmt.Sprintf(`SELECT %s FROM ns_%d WHERE lfn IN (%s)`,
		nsColumns, ref.Table, shards.QLPlaceholders(1, len(rels)))
	args := make([]interface{}, len(rels))
	for i, rel := range rels {
		args[i] = rel
	}
	rows, err := db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return gatherQlEntries(rows)
}

func gatherQlEntries(rows *sql.Rows) ([]*Entry, error) {
	var result []*Entry
	for rows.Next() {
		e, err := scanQlEntry(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, e)
	}
	return result, rows.Err()
}

func (qs *qlStore) ByGUID(ref mounts.Ref, id uuid.UUID) (*Entry, error) {
	db, err := qs.db(ref)
	if err != nil {
		return nil, err
	}
	query := fmt.Sprintf(`SELECT %s FROM ns_%d WHERE guid == ?1 LIMIT 1`, nsColumns, ref.Table)
	e, err := scanQlEntry(db.QueryRow(query, id.String()))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return e, err
}

func (qs *qlStore) List(ref mounts.Ref, parentID int64) ([]*Entry, error) {
	db, err := qs.db(ref)
	if err != nil {
		return nil, err
	}
	query := fmt.Sprintf(`SELECT %s FROM ns_%d WHERE parent_id == ?1 AND entry_id != ?2`,
		nsColumns, ref.Table)
	rows, err := db.Query(query, parentID, parentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return gatherQlEntries(rows)
}

func (qs *qlStore) Insert(ref mounts.Ref, e *Entry) (int64, error) {
	db, err := qs.db(ref)
	if err != nil {
		return 0, err
	}
	if old, err := qs.Lookup(ref, e.Path); err != nil {
		return 0, err
	} else if old != nil {
		return 0, ErrExists
	}
	tx, err := db.Begin()
	if err != nil {
		return 0, err
	}
	// ql has no autoincrement columns, so take the next id ourselves
	var next sql.NullInt64
	err = tx.QueryRow(fmt.Sprintf(`SELECT max(entry_id) FROM ns_%d`, ref.Table)).Scan(&next)
	if err != nil && err != sql.ErrNoRows {
		tx.Rollback()
		return 0, err
	}
	id := next.Int64 + 1
	_, err = tx.Exec(fmt.Sprintf(`INSERT INTO ns_%d
		(entry_id, parent_id, lfn, owner, gowner, perm, fsize, ftype, guid, guidtime, md5sum, ctime, expiretime, jobid, replicated, broken)
		VALUES (?1, ?2, ?3, ?4, ?5, ?6, ?7, ?8, ?9, ?10, ?11, ?12, ?13, ?14, ?15, ?16)`, ref.Table),
		id, e.Parent, e.Path, e.Owner, e.Group, e.Perm, e.Size,
		string(e.Type), entryGUID(e), e.GUIDTime, e.MD5,
		unixOrZero(e.CTime), unixOrZero(e.Expire), e.JobID, e.Replicated, e.Broken)
	if err != nil {
		tx.Rollback()
		return 0, err
	}
	return id, tx.Commit()
}

func (qs *qlStore) Update(ref mounts.Ref, e *Entry) (int64, error) {
	db, err := qs.db(ref)
	if err != nil {
		return 0, err
	}
	query := fmt.Sprintf(`UPDATE ns_%d SET
		parent_id = ?1, lfn = ?2, owner = ?3, gowner = ?4, perm = ?5,
		fsize = ?6, ftype = ?7, guid = ?8, guidtime = ?9, md5sum = ?10,
		ctime = ?11, expiretime = ?12, jobid = ?13, replicated = ?14, broken = ?15
		WHERE entry_id == ?16`, ref.Table)
	return shards.Exec(db, query, e.Parent, e.Path, e.Owner, e.Group, e.Perm,
		e.Size, string(e.Type), entryGUID(e), e.GUIDTime, e.MD5,
		unixOrZero(e.CTime), unixOrZero(e.Expire), e.JobID,
		e.Replicated, e.Broken, e.EntryID)
}

func (qs *qlStore) SetExpire(ref mounts.Ref, entryID int64, expire time.Time) (int64, error) {
	db, err := qs.db(ref)
	if err != nil {
		return 0, err
	}
	query := fmt.Sprintf(`UPDATE ns_%d SET expiretime = ?1 WHERE entry_id == ?2`, ref.Table)
	return shards.Exec(db, query, unixOrZero(expire), entryID)
}

func (qs *qlStore) Delete(ref mounts.Ref, entryID int64) (int64, error) {
	db, err := qs.db(ref)
	if err != nil {
		return 0, err
	}
	query := fmt.Sprintf(`DELETE FROM ns_%d WHERE entry_id == ?1`, ref.Table)
	return shards.Exec(db, query, entryID)
}
