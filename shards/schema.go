package shards

import (
	"database/sql"
	"fmt"
	"log"

	"github.com/BurntSushi/migration"
	_ "github.com/cznic/ql/driver"
	_ "github.com/go-sql-driver/mysql"
)

// This file holds the schemas for the router database and for the
// per-shard namespace and identity tables. The router database is
// versioned with migrations; shard tables are created on demand when
// an admin grows the catalogue.

// List of migrations to perform. Add new ones to the end.
// DO NOT change the order of items already in this list.
var routerMigrations = []migration.Migrator{
	routerschema1,
}

var routerVersioning = dbVersion{
	GetSQL:    `SELECT max(version) FROM migration_version`,
	SetSQL:    `INSERT INTO migration_version (version, applied) VALUES (?, now())`,
	CreateSQL: `CREATE TABLE migration_version (version INTEGER, applied datetime)`,
}

// OpenRouter connects to the MySQL router database, bringing its
// schema up to date first.
func OpenRouter(dial string) (*sql.DB, error) {
	db, err := migration.OpenWith(
		"mysql",
		dial,
		routerMigrations,
		routerVersioning.Get,
		routerVersioning.Set)
	if err != nil {
		log.Printf("Open Router: %s", err.Error())
		return nil, err
	}
	return db, nil
}

func routerschema1(tx migration.LimitedTx) error {
	var s = []string{
		`CREATE TABLE IF NOT EXISTS hosts (
		host_index int PRIMARY KEY,
		address varchar(255),
		db_name varchar(64),
		driver varchar(32))`,

		`CREATE TABLE IF NOT EXISTS mounts (
		mount_index int PRIMARY KEY AUTO_INCREMENT,
		host_index int,
		table_index int,
		prefix varchar(255),
		UNIQUE INDEX mounts_prefix (prefix))`,

		`CREATE TABLE IF NOT EXISTS mounts_update (
		id int PRIMARY KEY,
		updated bigint)`,

		`CREATE TABLE IF NOT EXISTS guid_shards (
		shard_index int PRIMARY KEY AUTO_INCREMENT,
		host_index int,
		table_index int,
		guid_time char(16))`,

		`CREATE TABLE IF NOT EXISTS booking (
		lfn varchar(255),
		owner varchar(64),
		gowner varchar(64),
		md5sum varchar(32),
		expiretime bigint,
		fsize bigint,
		pfn varchar(255),
		se_name varchar(64),
		guid char(36),
		jobid bigint,
		existing int)`,

		`CREATE TABLE IF NOT EXISTS orphan_pfns (
		guid char(36),
		se_number int,
		fsize bigint)`,

		`CREATE TABLE IF NOT EXISTS se (
		se_number int PRIMARY KEY AUTO_INCREMENT,
		se_name varchar(64),
		qos varchar(255),
		storage_path varchar(255),
		io_daemons varchar(255),
		UNIQUE INDEX se_name_idx (se_name))`,

		`CREATE TABLE IF NOT EXISTS se_usage (
		se_number int PRIMARY KEY,
		nb_files bigint,
		total_size bigint)`,

		`CREATE TABLE IF NOT EXISTS quotas (
		owner varchar(64) PRIMARY KEY,
		nb_files bigint,
		max_files bigint,
		total_size bigint,
		max_size bigint)`,
	}
	return execlist(tx, s)
}

// execlist exec's each item in the list, return if there is an error.
// Used to work around mysql driver not handling compound exec statements.
func execlist(tx migration.LimitedTx, stms []string) error {
	var err error
	for _, s := range stms {
		_, err = tx.Exec(s)
		if err != nil {
			break
		}
	}
	return err
}

const qlRouterInit = `
CREATE TABLE IF NOT EXISTS hosts (
	host_index int,
	address string,
	db_name string,
	driver string
);
CREATE TABLE IF NOT EXISTS mounts (
	mount_index int,
	host_index int,
	table_index int,
	prefix string
);
CREATE TABLE IF NOT EXISTS mounts_update (
	id int,
	updated int64
);
CREATE TABLE IF NOT EXISTS guid_shards (
	shard_index int,
	host_index int,
	table_index int,
	guid_time string
);
CREATE TABLE IF NOT EXISTS booking (
	lfn string,
	owner string,
	gowner string,
	md5sum string,
	expiretime int64,
	fsize int64,
	pfn string,
	se_name string,
	guid string,
	jobid int64,
	existing int
);
CREATE TABLE IF NOT EXISTS orphan_pfns (
	guid string,
	se_number int,
	fsize int64
);
CREATE TABLE IF NOT EXISTS se (
	se_number int,
	se_name string,
	qos string,
	storage_path string,
	io_daemons string
);
CREATE TABLE IF NOT EXISTS se_usage (
	se_number int,
	nb_files int64,
	total_size int64
);
CREATE TABLE IF NOT EXISTS quotas (
	owner string,
	nb_files int64,
	max_files int64,
	total_size int64,
	max_size int64
);
`

// OpenRouterQL opens a file based router database, or an in-memory
// one if filename is "memory". Used by development servers and tests.
func OpenRouterQL(filename string) (*sql.DB, error) {
	var db *sql.DB
	var err error
	if filename == "memory" {
		db, err = sql.Open("ql-mem", "router.db")
	} else {
		db, err = sql.Open("ql", filename)
	}
	if err == nil {
		_, err = Exec(db, qlRouterInit)
	}
	if err != nil {
		log.Printf("Open Router QL: %s", err.Error())
		return nil, err
	}
	return db, nil
}

// CreateShardTables creates the namespace and identity tables with the
// given table index on a shard host. Safe to call when they already
// exist.
func CreateShardTables(db *sql.DB, driver string, table int) error {
	var stmts []string
	if driver == "mysql" {
		stmts = []string{
			fmt.Sprintf(`CREATE TABLE IF NOT EXISTS ns_%d (
			entry_id bigint PRIMARY KEY AUTO_INCREMENT,
			parent_id bigint,
			lfn varchar(255),
			owner varchar(64),
			gowner varchar(64),
			perm char(3),
			fsize bigint,
			ftype char(1),
			guid char(36),
			guidtime char(8),
			md5sum varchar(32),
			ctime bigint,
			expiretime bigint,
			jobid bigint,
			replicated int,
			broken int,
			UNIQUE INDEX ns_%d_lfn (lfn))`, table, table),

			fmt.Sprintf(`CREATE TABLE IF NOT EXISTS guid_%d (
			guid_id bigint PRIMARY KEY AUTO_INCREMENT,
			guid char(36),
			owner varchar(64),
			gowner varchar(64),
			perm char(3),
			fsize bigint,
			md5sum varchar(32),
			ftype char(1),
			ctime bigint,
			expiretime bigint,
			se_list text,
			UNIQUE INDEX guid_%d_guid (guid))`, table, table),

			fmt.Sprintf(`CREATE TABLE IF NOT EXISTS guid_%d_pfn (
			guid_id bigint,
			se_number int,
			pfn varchar(255))`, table),

			fmt.Sprintf(`CREATE TABLE IF NOT EXISTS guid_%d_ref (
			guid_id bigint,
			lfn_ref varchar(255))`, table),
		}
	} else {
		stmts = []string{
			fmt.Sprintf(`CREATE TABLE IF NOT EXISTS ns_%d (
			entry_id int64,
			parent_id int64,
			lfn string,
			owner string,
			gowner string,
			perm string,
			fsize int64,
			ftype string,
			guid string,
			guidtime string,
			md5sum string,
			ctime int64,
			expiretime int64,
			jobid int64,
			replicated bool,
			broken bool)`, table),

			fmt.Sprintf(`CREATE TABLE IF NOT EXISTS guid_%d (
			guid_id int64,
			guid string,
			owner string,
			gowner string,
			perm string,
			fsize int64,
			md5sum string,
			ftype string,
			ctime int64,
			expiretime int64,
			se_list string)`, table),

			fmt.Sprintf(`CREATE TABLE IF NOT EXISTS guid_%d_pfn (
			guid_id int64,
			se_number int,
			pfn string)`, table),

			fmt.Sprintf(`CREATE TABLE IF NOT EXISTS guid_%d_ref (
			guid_id int64,
			lfn_ref string)`, table),
		}
	}
	for _, s := range stmts {
		if _, err := Exec(db, s); err != nil {
			return err
		}
	}
	return nil
}
