// gcadmin administers the catalogue routing tables. It edits the
// router database directly, so it can be run while the servers are up.
// Servers notice mount table edits through the update signal within
// one probe interval.
package main

import (
	"database/sql"
	"flag"
	"fmt"
	"os"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/ndlib/gridcat/booking"
	"github.com/ndlib/gridcat/mounts"
	"github.com/ndlib/gridcat/shards"
)

var (
	mysql      = flag.String("mysql", "", "dial string for the router database")
	qlFile     = flag.String("ql", "gridcat.db", "name of a ql router database. only used when -mysql is not given")
	dbUser     = flag.String("db-user", "", "user to connect to the shard hosts as")
	dbPassword = flag.String("db-password", "", "password for the shard host user")

	usage = `
gcadmin <command> <command arguments>

Possible commands:
    hosts

    addhost <host index> <address> <db name> <driver>

    mounts

    addmount <prefix> <host index> <table index>

    shards

    addshard <guid time> <host index> <table index>

    se

    addse <name> <qos list> <storage path> <io daemons>

    quota <owner>

    setquota <owner> <max files> <max size>
`
)

func main() {
	flag.Parse()

	var (
		router *sql.DB
		driver string
		err    error
	)
	if *mysql != "" {
		driver = "mysql"
		router, err = shards.OpenRouter(*mysql)
	} else {
		driver = "ql"
		router, err = shards.OpenRouterQL(*qlFile)
	}
	if err != nil {
		fmt.Println(err.Error())
		os.Exit(1)
	}
	reg := shards.NewRegistry(router, *dbUser, *dbPassword)

	args := flag.Args()

	if len(args) == 0 {
		fmt.Println(usage)
		return
	}

	switch args[0] {
	case "hosts":
		dohosts(router)
	case "addhost":
		doaddhost(router, driver, args[1:])
	case "mounts":
		domounts(router)
	case "addmount":
		doaddmount(router, reg, driver, args[1:])
	case "shards":
		doshards(router)
	case "addshard":
		doaddshard(router, reg, driver, args[1:])
	case "se":
		dose(router)
	case "addse":
		doaddse(router, driver, args[1:])
	case "quota":
		if len(args) < 2 {
			fmt.Println(usage)
			return
		}
		doquota(router, driver, args[1])
	case "setquota":
		dosetquota(router, driver, args[1:])
	default:
		fmt.Println(usage)
	}
}

func dohosts(db *sql.DB) {
	rows, err := db.Query(`SELECT host_index, address, db_name, driver FROM hosts`)
	if err != nil {
		fmt.Println(err.Error())
		return
	}
	defer rows.Close()
	w := tabwriter.NewWriter(os.Stdout, 5, 1, 3, ' ', 0)
	fmt.Fprintln(w, "Host\tAddress\tDB\tDriver")
	for rows.Next() {
		var index int
		var address, name, driver string
		if err := rows.Scan(&index, &address, &name, &driver); err != nil {
			fmt.Println(err.Error())
			return
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\n", index, address, name, driver)
	}
	w.Flush()
}

func doaddhost(db *sql.DB, driver string, args []string) {
	if len(args) != 4 {
		fmt.Println(usage)
		return
	}
	index, err := strconv.Atoi(args[0])
	if err != nil {
		fmt.Println(err.Error())
		return
	}
	var q string
	if driver == "mysql" {
		q = `INSERT INTO hosts (host_index, address, db_name, driver) VALUES (?, ?, ?, ?)`
	} else {
		q = `INSERT INTO hosts (host_index, address, db_name, driver) VALUES (?1, ?2, ?3, ?4)`
	}
	if _, err := shards.Exec(db, q, index, args[1], args[2], args[3]); err != nil {
		fmt.Println(err.Error())
	}
}

func domounts(db *sql.DB) {
	entries, err := mounts.MountLoader(db)()
	if err != nil {
		fmt.Println(err.Error())
		return
	}
	w := tabwriter.NewWriter(os.Stdout, 5, 1, 3, ' ', 0)
	fmt.Fprintln(w, "Index\tHost\tTable\tPrefix")
	for _, e := range entries {
		fmt.Fprintf(w, "%d\t%d\t%d\t%s\n", e.Index, e.Host, e.Table, e.Prefix)
	}
	w.Flush()
}

// shardFor returns a connection to the given host along with its SQL
// dialect. With a ql router the shard tables live in the router
// database itself.
func shardFor(db *sql.DB, reg *shards.Registry, driver string, host int) (*sql.DB, string, error) {
	if driver != "mysql" {
		return db, driver, nil
	}
	h, err := reg.Host(host)
	if err != nil {
		return nil, "", err
	}
	conn, err := reg.DB(host)
	if err != nil {
		return nil, "", err
	}
	return conn, h.Driver, nil
}

// nextIndex picks the next free index for a ql routing table, which
// has no autoincrement columns.
func nextIndex(db *sql.DB, column, table string) int {
	var max sql.NullInt64
	db.QueryRow(`SELECT max(` + column + `) FROM ` + table).Scan(&max)
	return int(max.Int64) + 1
}

func doaddmount(db *sql.DB, reg *shards.Registry, driver string, args []string) {
	if len(args) != 3 {
		fmt.Println(usage)
		return
	}
	prefix := args[0]
	host, err1 := strconv.Atoi(args[1])
	table, err2 := strconv.Atoi(args[2])
	if err1 != nil || err2 != nil {
		fmt.Println(usage)
		return
	}
	conn, shardDriver, err := shardFor(db, reg, driver, host)
	if err != nil {
		fmt.Println(err.Error())
		return
	}
	if err := shards.CreateShardTables(conn, shardDriver, table); err != nil {
		fmt.Println(err.Error())
		return
	}
	if driver == "mysql" {
		_, err = shards.Exec(db,
			`INSERT INTO mounts (host_index, table_index, prefix) VALUES (?, ?, ?)`,
			host, table, prefix)
	} else {
		_, err = shards.Exec(db,
			`INSERT INTO mounts (mount_index, host_index, table_index, prefix) VALUES (?1, ?2, ?3, ?4)`,
			nextIndex(db, "mount_index", "mounts"), host, table, prefix)
	}
	if err != nil {
		fmt.Println(err.Error())
		return
	}
	if err := mounts.SignalUpdate(db, driver, time.Now()); err != nil {
		fmt.Println(err.Error())
	}
}

func doshards(db *sql.DB) {
	entries, err := mounts.TimeShardLoader(db)()
	if err != nil {
		fmt.Println(err.Error())
		return
	}
	w := tabwriter.NewWriter(os.Stdout, 5, 1, 3, ' ', 0)
	fmt.Fprintln(w, "Index\tHost\tTable\tStart")
	for _, e := range entries {
		fmt.Fprintf(w, "%d\t%d\t%d\t%08x\n", e.Index, e.Host, e.Table, e.Start)
	}
	w.Flush()
}

func doaddshard(db *sql.DB, reg *shards.Registry, driver string, args []string) {
	if len(args) != 3 {
		fmt.Println(usage)
		return
	}
	guidTime := args[0]
	if len(guidTime) < 8 {
		fmt.Println("guid time must be at least 8 hex digits")
		return
	}
	host, err1 := strconv.Atoi(args[1])
	table, err2 := strconv.Atoi(args[2])
	if err1 != nil || err2 != nil {
		fmt.Println(usage)
		return
	}
	conn, shardDriver, err := shardFor(db, reg, driver, host)
	if err != nil {
		fmt.Println(err.Error())
		return
	}
	if err := shards.CreateShardTables(conn, shardDriver, table); err != nil {
		fmt.Println(err.Error())
		return
	}
	if driver == "mysql" {
		_, err = shards.Exec(db,
			`INSERT INTO guid_shards (host_index, table_index, guid_time) VALUES (?, ?, ?)`,
			host, table, guidTime)
	} else {
		_, err = shards.Exec(db,
			`INSERT INTO guid_shards (shard_index, host_index, table_index, guid_time) VALUES (?1, ?2, ?3, ?4)`,
			nextIndex(db, "shard_index", "guid_shards"), host, table, guidTime)
	}
	if err != nil {
		fmt.Println(err.Error())
	}
}

func dose(db *sql.DB) {
	rows, err := db.Query(`SELECT se_number, se_name, qos, storage_path, io_daemons FROM se`)
	if err != nil {
		fmt.Println(err.Error())
		return
	}
	defer rows.Close()
	w := tabwriter.NewWriter(os.Stdout, 5, 1, 3, ' ', 0)
	fmt.Fprintln(w, "Number\tName\tQoS\tPath\tDaemons")
	for rows.Next() {
		var number int
		var name, qos, path, daemons string
		if err := rows.Scan(&number, &name, &qos, &path, &daemons); err != nil {
			fmt.Println(err.Error())
			return
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\n", number, name, qos, path, daemons)
	}
	w.Flush()
}

func doaddse(db *sql.DB, driver string, args []string) {
	if len(args) != 4 {
		fmt.Println(usage)
		return
	}
	var err error
	if driver == "mysql" {
		_, err = shards.Exec(db,
			`INSERT INTO se (se_name, qos, storage_path, io_daemons) VALUES (?, ?, ?, ?)`,
			args[0], args[1], args[2], args[3])
	} else {
		_, err = shards.Exec(db,
			`INSERT INTO se (se_number, se_name, qos, storage_path, io_daemons) VALUES (?1, ?2, ?3, ?4, ?5)`,
			nextIndex(db, "se_number", "se"), args[0], args[1], args[2], args[3])
	}
	if err != nil {
		fmt.Println(err.Error())
	}
}

func doquota(db *sql.DB, driver string, owner string) {
	q := `SELECT nb_files, max_files, total_size, max_size FROM quotas WHERE owner = ?`
	if driver != "mysql" {
		q = `SELECT nb_files, max_files, total_size, max_size FROM quotas WHERE owner == ?1`
	}
	row := db.QueryRow(q, owner)
	var files, maxFiles, size, maxSize int64
	err := row.Scan(&files, &maxFiles, &size, &maxSize)
	if err == sql.ErrNoRows {
		fmt.Printf("%s: no quota\n", owner)
		return
	}
	if err != nil {
		fmt.Println(err.Error())
		return
	}
	fmt.Printf("%s: %d of %d files, %d of %d bytes\n", owner, files, maxFiles, size, maxSize)
}

func dosetquota(db *sql.DB, driver string, args []string) {
	if len(args) != 3 {
		fmt.Println(usage)
		return
	}
	maxFiles, err1 := strconv.ParseInt(args[1], 10, 64)
	maxSize, err2 := strconv.ParseInt(args[2], 10, 64)
	if err1 != nil || err2 != nil {
		fmt.Println(usage)
		return
	}
	quota := booking.NewDBQuota(db, driver)
	if err := quota.SetLimit(args[0], maxFiles, maxSize); err != nil {
		fmt.Println(err.Error())
	}
}
