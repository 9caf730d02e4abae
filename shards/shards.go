// Package shards tracks the database hosts backing the catalogue and
// hands out connections to them. The router database holds the host
// list and all routing tables; the namespace and identity tables are
// spread over the shard hosts it names.
package shards

import (
	"database/sql"
	"fmt"
	"log"
	"sync"

	raven "github.com/getsentry/raven-go"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/pkg/errors"
)

var (
	// ErrNoHost means a routing entry pointed at a host index the
	// registry does not know about.
	ErrNoHost = errors.New("shards: no such host")

	// ErrUnavailable means a shard database could not be reached.
	ErrUnavailable = errors.New("shards: shard unavailable")
)

// Host describes one backing database server.
type Host struct {
	Index   int
	Address string // host:port, or a file name for ql databases
	DBName  string
	Driver  string // "mysql" or "ql-mem"
}

func (h Host) dsn(user, pass string) string {
	if h.Driver == "mysql" {
		return fmt.Sprintf("%s:%s@tcp(%s)/%s", user, pass, h.Address, h.DBName)
	}
	return h.DBName
}

// maxShardConns limits how many shard connections we keep open at
// once. Old ones are closed and reopened on demand.
const maxShardConns = 32

// Registry resolves host indexes to open database handles. The host
// list is read from the router database once and cached until Reload.
type Registry struct {
	router     *sql.DB
	user, pass string

	m     sync.Mutex
	hosts map[int]Host
	conns *lru.Cache[int, *sql.DB]
}

// NewRegistry creates a registry over the given router database. The
// user and password are applied to every shard host.
func NewRegistry(router *sql.DB, user, pass string) *Registry {
	conns, _ := lru.NewWithEvict(maxShardConns, func(index int, db *sql.DB) {
		db.Close()
	})
	return &Registry{
		router: router,
		user:   user,
		pass:   pass,
		conns:  conns,
	}
}

// Router returns the router database handle.
func (r *Registry) Router() *sql.DB {
	return r.router
}

// Host returns the host record with the given index.
func (r *Registry) Host(index int) (Host, error) {
	r.m.Lock()
	defer r.m.Unlock()
	if err := r.loadHosts(); err != nil {
		return Host{}, err
	}
	h, ok := r.hosts[index]
	if !ok {
		return Host{}, ErrNoHost
	}
	return h, nil
}

// Reload discards the cached host list. The next access rereads it.
func (r *Registry) Reload() {
	r.m.Lock()
	r.hosts = nil
	r.m.Unlock()
}

// loadHosts fills r.hosts from the router database. Call with the
// lock held.
func (r *Registry) loadHosts() error {
	if r.hosts != nil {
		return nil
	}
	rows, err := r.router.Query(`SELECT host_index, address, db_name, driver FROM hosts`)
	if err != nil {
		raven.CaptureError(err, nil)
		return errors.Wrap(err, "loading host list")
	}
	defer rows.Close()
	hosts := make(map[int]Host)
	for rows.Next() {
		var h Host
		if err := rows.Scan(&h.Index, &h.Address, &h.DBName, &h.Driver); err != nil {
			return errors.Wrap(err, "scanning host row")
		}
		hosts[h.Index] = h
	}
	if err := rows.Err(); err != nil {
		return errors.Wrap(err, "reading host list")
	}
	r.hosts = hosts
	return nil
}

// DB returns an open handle for the host with the given index,
// opening one if needed.
func (r *Registry) DB(index int) (*sql.DB, error) {
	r.m.Lock()
	defer r.m.Unlock()
	if db, ok := r.conns.Get(index); ok {
		return db, nil
	}
	if err := r.loadHosts(); err != nil {
		return nil, err
	}
	h, ok := r.hosts[index]
	if !ok {
		return nil, ErrNoHost
	}
	db, err := sql.Open(h.Driver, h.dsn(r.user, r.pass))
	if err != nil {
		log.Printf("Shards: open host %d: %s", index, err)
		raven.CaptureError(err, nil)
		return nil, ErrUnavailable
	}
	r.conns.Add(index, db)
	return db, nil
}

// AddConn installs an already open handle for a host index. Used by
// tests and by single-host development servers.
func (r *Registry) AddConn(index int, db *sql.DB) {
	r.m.Lock()
	r.conns.Add(index, db)
	r.m.Unlock()
}
