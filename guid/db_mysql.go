package guid

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ndlib/gridcat/mounts"
	"github.com/ndlib/gridcat/shards"
)

// This file implements the identity Store and OrphanStore against
// MySQL shard hosts.

type msqlStore struct {
	reg    *shards.Registry
	router *sql.DB
}

var _ Store = &msqlStore{}
var _ OrphanStore = &msqlStore{}

// NewMySQLStore returns a store reading shard connections from the
// given registry. Orphan rows go to the registry's router database.
func NewMySQLStore(reg *shards.Registry) *msqlStore {
	return &msqlStore{reg: reg, router: reg.Router()}
}

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

const guidColumns = `guid_id, guid, owner, gowner, perm, fsize, md5sum, ftype, ctime, expiretime, se_list`

func scanGUID(rows interface {
	Scan(dest ...interface{}) error
}) (*GUID, error) {
	var g GUID
	var id, ftype, seList string
	var ctime, expire int64
	err := rows.Scan(&g.GUIDId, &id, &g.Owner, &g.Group, &g.Perm,
		&g.Size, &g.MD5, &ftype, &ctime, &expire, &seList)
	if err != nil {
		return nil, err
	}
	g.ID, err = uuid.Parse(id)
	if err != nil {
		return nil, err
	}
	if len(ftype) > 0 {
		g.Type = ftype[0]
	}
	g.CTime = timeOrZero(ctime)
	g.Expire = timeOrZero(expire)
	g.SEs = decodeSEList(seList)
	return &g, nil
}

func (ms *msqlStore) db(ref mounts.Ref) (*sql.DB, error) {
	return ms.reg.DB(ref.Host)
}

func (ms *msqlStore) Lookup(ref mounts.Ref, id uuid.UUID) (*GUID, error) {
	db, err := ms.db(ref)
	if err != nil {
		return nil, err
	}
	query := fmt.Sprintf(`SELECT %s FROM guid_%d WHERE guid = ? LIMIT 1`, guidColumns, ref.Table)
	g, err := scanGUID(db.QueryRow(query, id.String()))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return g, err
}

func (ms *msqlStore) LookupMany(ref mounts.Ref, ids []uuid.UUID) ([]*GUID, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	db, err := ms.db(ref)
	if err != nil {
		return nil, err
	}
	query := fmt.Sprintf(`SELECT %s FROM guid_%d WHERE guid IN (%s)`,
		guidColumns, ref.Table, shards.Placeholders(len(ids)))
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

func (ms *msqlStore) Insert(ref mounts.Ref, g *GUID) (int64, error) {
	db, err := ms.db(ref)
	if err != nil {
		return 0, err
	}
	query := fmt.Sprintf(`INSERT INTO guid_%d
		(guid, owner, gowner, perm, fsize, md5sum, ftype, ctime, expiretime, se_list)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, ref.Table)
	result, err := db.Exec(query, g.ID.String(), g.Owner, g.Group, g.Perm,
		g.Size, g.MD5, string(g.Type), unixOrZero(g.CTime), unixOrZero(g.Expire),
		encodeSEList(g.SEs))
	if err != nil {
		return 0, err
	}
	return result.LastInsertId()
}

func (ms *msqlStore) Update(ref mounts.Ref, g *GUID) (int64, error) {
	db, err := ms.db(ref)
	if err != nil {
		return 0, err
	}
	query := fmt.Sprintf(`UPDATE guid_%d SET owner = ?, gowner = ?, perm = ?,
		fsize = ?, md5sum = ?, ftype = ?, expiretime = ?, se_list = ?
		WHERE guid_id = ?`, ref.Table)
	result, err := db.Exec(query, g.Owner, g.Group, g.Perm, g.Size, g.MD5,
		string(g.Type), unixOrZero(g.Expire), encodeSEList(g.SEs), g.GUIDId)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

func (ms *msqlStore) Delete(ref mounts.Ref, guidID int64) (int64, error) {
	db, err := ms.db(ref)
	if err != nil {
		return 0, err
	}
	result, err := db.Exec(fmt.Sprintf(`DELETE FROM guid_%d WHERE guid_id = ?`, ref.Table), guidID)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

func (ms *msqlStore) Replicas(ref mounts.Ref, guidID int64) ([]PFN, error) {
	db, err := ms.db(ref)
	if err != nil {
		return nil, err
	}
	rows, err := db.Query(fmt.Sprintf(
		`SELECT se_number, pfn FROM guid_%d_pfn WHERE guid_id = ?`, ref.Table), guidID)
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

func (ms *msqlStore) InsertReplica(ref mounts.Ref, guidID int64, seNumber int, pfn string) error {
	db, err := ms.db(ref)
	if err != nil {
		return err
	}
	_, err = db.Exec(fmt.Sprintf(
		`INSERT INTO guid_%d_pfn (guid_id, se_number, pfn) VALUES (?, ?, ?)`, ref.Table),
		guidID, seNumber, pfn)
	return err
}

func (ms *msqlStore) DeleteReplica(ref mounts.Ref, guidID int64, seNumber int) (int64, error) {
	db, err := ms.db(ref)
	if err != nil {
		return 0, err
	}
	result, err := db.Exec(fmt.Sprintf(
		`DELETE FROM guid_%d_pfn WHERE guid_id = ? AND se_number = ?`, ref.Table),
		guidID, seNumber)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

func (ms *msqlStore) Refs(ref mounts.Ref, guidID int64) ([]string, error) {
	db, err := ms.db(ref)
	if err != nil {
		return nil, err
	}
	rows, err := db.Query(fmt.Sprintf(
		`SELECT lfn_ref FROM guid_%d_ref WHERE guid_id = ?`, ref.Table), guidID)
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

func (ms *msqlStore) InsertRef(ref mounts.Ref, guidID int64, path string) error {
	db, err := ms.db(ref)
	if err != nil {
		return err
	}
	_, err = db.Exec(fmt.Sprintf(
		`INSERT INTO guid_%d_ref (guid_id, lfn_ref) VALUES (?, ?)`, ref.Table),
		guidID, path)
	return err
}

func (ms *msqlStore) DeleteRef(ref mounts.Ref, guidID int64, path string) (int64, error) {
	db, err := ms.db(ref)
	if err != nil {
		return 0, err
	}
	result, err := db.Exec(fmt.Sprintf(
		`DELETE FROM guid_%d_ref WHERE guid_id = ? AND lfn_ref = ?`, ref.Table),
		guidID, path)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

func (ms *msqlStore) batchDelete(ref mounts.Ref, table string, guidIDs []int64) (int64, error) {
	if len(guidIDs) == 0 {
		return 0, nil
	}
	db, err := ms.db(ref)
	if err != nil {
		return 0, err
	}
	query := fmt.Sprintf(`DELETE FROM %s WHERE guid_id IN (%s)`,
		table, shards.Placeholders(len(guidIDs)))
	args := make([]interface{}, len(guidIDs))
	for i, id := range guidIDs {
		args[i] = id
	}
	result, err := db.Exec(query, args...)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

func (ms *msqlStore) DeleteRefRows(ref mounts.Ref, guidIDs []int64) (int64, error) {
	return ms.batchDelete(ref, fmt.Sprintf("guid_%d_ref", ref.Table), guidIDs)
}

func (ms *msqlStore) DeleteReplicaRows(ref mounts.Ref, guidIDs []int64) (int64, error) {
	return ms.batchDelete(ref, fmt.Sprintf("guid_%d_pfn", ref.Table), guidIDs)
}

func (ms *msqlStore) UsageBySE(ref mounts.Ref) (map[int]Usage, error) {
	db, err := ms.db(ref)
	if err != nil {
		return nil, err
	}
	query := fmt.Sprintf(`SELECT p.se_number, count(*), sum(g.fsize)
		FROM guid_%d_pfn p JOIN guid_%d g ON p.guid_id = g.guid_id
		GROUP BY p.se_number`, ref.Table, ref.Table)
	rows, err := db.Query(query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	result := make(map[int]Usage)
	for rows.Next() {
		var n int
		var u Usage
		if err := rows.Scan(&n, &u.Files, &u.Size); err != nil {
			return nil, err
		}
		result[n] = u
	}
	return result, rows.Err()
}

func (ms *msqlStore) AddOrphans(rows []Orphan) error {
	for _, o := range rows {
		_, err := ms.router.Exec(
			`INSERT INTO orphan_pfns (guid, se_number, fsize) VALUES (?, ?, ?)`,
			o.ID.String(), o.SENumber, o.Size)
		if err != nil {
			return err
		}
	}
	return nil
}

func (ms *msqlStore) ClearOrphan(id uuid.UUID, seNumber int) (int64, error) {
	result, err := ms.router.Exec(
		`DELETE FROM orphan_pfns WHERE guid = ? AND se_number = ?`,
		id.String(), seNumber)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

func (ms *msqlStore) Orphans(limit int) ([]Orphan, error) {
	query := `SELECT guid, se_number, fsize FROM orphan_pfns`
	var args []interface{}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := ms.router.Query(query, args...)
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
