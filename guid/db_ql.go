package guid

import (
	"database/sql"
	"fmt"

	"github.com/google/uuid"

	"github.com/ndlib/gridcat/mounts"
	"github.com/ndlib/gridcat/shards"
)

// This file implements the identity Store and OrphanStore against the
// QL embedded database. It is intended for development servers; tests
// mostly use the Memory store.

type qlStore struct {
	reg    *shards.Registry
	router *sql.DB
}

var _ Store = &qlStore{}
var _ OrphanStore = &qlStore{}

// NewQlStore returns a store reading shard connections from the given
// registry, expecting every host to be a ql database.
func NewQlStore(reg *shards.Registry) *qlStore {
	return &qlStore{reg: reg, router: reg.Router()}
}

func (qs *qlStore) db(ref mounts.Ref) (*sql.DB, error) {
	return qs.reg.DB(ref.Host)
}

func (qs *qlStore) Lookup(ref mounts.Ref, id uuid.UUID) (*GUID, error) {
	db, err := qs.db(ref)
	if err != nil {
		return nil, err
	}
	query := fmt.Sprintf(`SELECT %s FROM guid_%d WHERE guid == ?1 LIMIT 1`, guidColumns, ref.Table)
	g, err := scanGUID(db.QueryRow(query, id.String()))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return g, err
}

func (qs *qlStore) LookupMany(ref mounts.Ref, ids []uuid.UUID) ([]*GUID, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	db, err := qs.db(ref)
	if err != nil {
		return nil, err
	}
	query := fmt.Sprintf(`SELECT %s FROM guid_%d WHERE guid IN (%s)`,
		guidColumns, ref.Table, shards.QLPlaceholders(1, len(ids)))
	args := make([]interface{}, len(ids))
	for i, id := range ids {
		args[i] = id.String()
	}
	rows, err := db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var result []*GUID
	for rows.Next() {
		g, err := scanGUID(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, g)
	}
	return result, rows.Err()
}

func (qs *qlStore) Insert(ref mounts.Ref, g *GUID) (int64, error) {
	db, err := qs.db(ref)
	if err != nil {
		return 0, err
	}
	tx, err := db.Begin()
	if err != nil {
		return 0, err
	}
	// ql has no autoincrement columns, so take the next id ourselves
	var next sql.NullInt64
	err = tx.QueryRow(fmt.Sprintf(`SELECT max(guid_id) FROM guid_%d`, ref.Table)).Scan(&next)
	if err != nil && err != sql.ErrNoRows {
		tx.Rollback()
		return 0, err
	}
	id := next.Int64 + 1
	_, err = tx.Exec(fmt.Sprintf(`INSERT INTO guid_%d
		(guid_id, guid, owner, gowner, perm, fsize, md5sum, ftype, ctime, expiretime, se_list)
		VALUES (?1, ?2, ?3, ?4, ?5, ?6, ?7, ?8, ?9, ?10, ?11)`, ref.Table),
		id, g.ID.String(), g.Owner, g.Group, g.Perm, g.Size, g.MD5,
		string(g.Type), unixOrZero(g.CTime), unixOrZero(g.Expire), encodeSEList(g.SEs))
	if err != nil {
		tx.Rollback()
		return 0, err
	}
	return id, tx.Commit()
}

func (qs *qlStore) Update(ref mounts.Ref, g *GUID) (int64, error) {
	db, err := qs.db(ref)
	if err != nil {
		return 0, err
	}
	return shards.Exec(db, fmt.Sprintf(`UPDATE guid_%d SET owner = ?1, gowner = ?2, perm = ?3,
		fsize = ?4, md5sum = ?5, ftype = ?6, expiretime = ?7, se_list = ?8
		WHERE guid_id == ?9`, ref.Table),
		g.Owner, g.Group, g.Perm, g.Size, g.MD5, string(g.Type),
		unixOrZero(g.Expire), encodeSEList(g.SEs), g.GUIDId)
}

func (qs *qlStore) Delete(ref mounts.Ref, guidID int64) (int64, error) {
	db, err := qs.db(ref)
	if err != nil {
		return 0, err
	}
	return shards.Exec(db, fmt.Sprintf(`DELETE FROM guid_%d WHERE guid_id == ?1`, ref.Table), guidID)
}

func (qs *qlStore) Replicas(ref mounts.Ref, guidID int64) ([]PFN, error) {
	db, err := qs.db(ref)
	if err != nil {
		return nil, err
	}
	rows, err := db.Query(fmt.Sprintf(
		`SELECT se_number, pfn FROM guid_%d_pfn WHERE guid_id == ?1`, ref.Table), guidID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var result []PFN
	for rows.Next() {
		var p PFN
		if err := rows.Scan(&p.SENumber, &p.PFN); err != nil {
			return nil, err
		}
		result = append(result, p)
	}
	return result, rows.Err()
}

func (qs *qlStore) InsertReplica(ref mounts.Ref, guidID int64, seNumber int, pfn string) error {
	db, err := qs.db(ref)
	if err != nil {
		return err
	}
	_, err = shards.Exec(db, fmt.Sprintf(
		`INSERT INTO guid_%d_pfn (guid_id, se_number, pfn) VALUES (?1, ?2, ?3)`, ref.Table),
		guidID, seNumber, pfn)
	return err
}

func (qs *qlStore) DeleteReplica(ref mounts.Ref, guidID int64, seNumber int) (int64, error) {
	db, err := qs.db(ref)
	if err != nil {
		return 0, err
	}
	return shards.Exec(db, fmt.Sprintf(
		`DELETE FROM guid_%d_pfn WHERE guid_id == ?1 AND se_number == ?2`, ref.Table),
		guidID, seNumber)
}

func (qs *qlStore) Refs(ref mounts.Ref, guidID int64) ([]string, error) {
	db, err := qs.db(ref)
	if err != nil {
		return nil, err
	}
	rows, err := db.Query(fmt.Sprintf(
		`SELECT lfn_ref FROM guid_%d_ref WHERE guid_id == ?1`, ref.Table), guidID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var result []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, err
		}
		result = append(result, p)
	}
	return result, rows.Err()
}

func (qs *qlStore) InsertRef(ref mounts.Ref, guidID int64, path string) error {
	db, err := qs.db(ref)
	if err != nil {
		return err
	}
	_, err = shards.Exec(db, fmt.Sprintf(
		`INSERT INTO guid_%d_ref (guid_id, lfn_ref) VALUES (?1, ?2)`, ref.Table),
		guidID, path)
	return err
}

func (qs *qlStore) DeleteRef(ref mounts.Ref, guidID int64, path string) (int64, error) {
	db, err := qs.db(ref)
	if err != nil {
		return 0, err
	}
	return shards.Exec(db, fmt.Sprintf(
		`DELETE FROM guid_%d_ref WHERE guid_id == ?1 AND lfn_ref == ?2`, ref.Table),
		guidID, path)
}

func (qs *qlStore) batchDelete(ref mounts.Ref, table string, guidIDs []int64) (int64, error) {
	if len(guidIDs) == 0 {
		return 0, nil
	}
	db, err := qs.db(ref)
	if err != nil {
		return 0, err
	}
	query := fmt.Sprintf(`DELETE FROM %s WHERE guid_id IN (%s)`,
		table, shards.QLPlaceholders(1, len(guidIDs)))
	args := make([]interface{}, len(guidIDs))
	for i, id := range guidIDs {
		args[i] = id
	}
	return shards.Exec(db, query, args...)
}

func (qs *qlStore) DeleteRefRows(ref mounts.Ref, guidIDs []int64) (int64, error) {
	return qs.batchDelete(ref, fmt.Sprintf("guid_%d_ref", ref.Table), guidIDs)
}

func (qs *qlStore) DeleteReplicaRows(ref mounts.Ref, guidIDs []int64) (int64, error) {
	return qs.batchDelete(ref, fmt.Sprintf("guid_%d_pfn", ref.Table), guidIDs)
}

func (qs *qlStore) UsageBySE(ref mounts.Ref) (map[int]Usage, error) {
	// ql's join support is thin, so aggregate here instead
	db, err := qs.db(ref)
	if err != nil {
		return nil, err
	}
	sizes := make(map[int64]int64)
	rows, err := db.Query(fmt.Sprintf(`SELECT guid_id, fsize FROM guid_%d`, ref.Table))
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		var id, size int64
		if err := rows.Scan(&id, &size); err != nil {
			rows.Close()
			return nil, err
		}
		sizes[id] = size
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	result := make(map[int]Usage)
	rows, err = db.Query(fmt.Sprintf(`SELECT guid_id, se_number FROM guid_%d_pfn`, ref.Table))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var id int64
		var n int
		if err := rows.Scan(&id, &n); err != nil {
			return nil, err
		}
		u := result[n]
		u.Files++
		u.Size += sizes[id]
		result[n] = u
	}
	return result, rows.Err()
}

func (qs *qlStore) AddOrphans(rows []Orphan) error {
	for _, o := range rows {
		_, err := shards.Exec(qs.router,
			`INSERT INTO orphan_pfns (guid, se_number, fsize) VALUES (?1, ?2, ?3)`,
			o.ID.String(), o.SENumber, o.Size)
		if err != nil {
			return err
		}
	}
	return nil
}

func (qs *qlStore) ClearOrphan(id uuid.UUID, seNumber int) (int64, error) {
	return shards.Exec(qs.router,
		`DELETE FROM orphan_pfns WHERE guid == ?1 AND se_number == ?2`,
		id.String(), seNumber)
}

func (qs *qlStore) Orphans(limit int) ([]Orphan, error) {
	query := `SELECT guid, se_number, fsize FROM orphan_pfns`
	var args []interface{}
	if limit > 0 {
		query += ` LIMIT ?1`
		args = append(args, limit)
	}
	rows, err := qs.router.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var result []Orphan
	for rows.Next() {
		var o Orphan
		var id string
		if err := rows.Scan(&id, &o.SENumber, &o.Size); err != nil {
			return nil, err
		}
		o.ID, err = uuid.Parse(id)
		if err != nil {
			return nil, err
		}
		result = append(result, o)
	}
	return result, rows.Err()
}
