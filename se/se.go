// Package se is the directory of storage elements, the servers
// holding physical file replicas. The directory lives in the router
// database and is cached in memory.
package se

import (
	"database/sql"
	"strings"
	"sync"

	"github.com/pkg/errors"
)

// ErrUnknownSE means no storage element with that number or name is
// registered.
var ErrUnknownSE = errors.New("se: unknown storage element")

// SE is one storage element.
type SE struct {
	Number      int
	Name        string
	QoS         []string
	StoragePath string
	// IODaemons is the protocol and host to reach the storage,
	// such as "root://eos.cern.ch:1094". Empty means the element
	// cannot serve physical files.
	IODaemons string
}

// Addressable reports whether replicas on this element point at real
// storage that can be contacted, as opposed to placeholder entries.
func (s SE) Addressable() bool {
	return s.IODaemons != "" && !strings.EqualFold(s.Name, "no_se")
}

// HasQoS reports whether the element advertises the given quality of
// service class.
func (s SE) HasQoS(qos string) bool {
	qos = strings.ToLower(qos)
	for _, q := range s.QoS {
		if q == qos {
			return true
		}
	}
	return false
}

// Directory looks up storage elements in the router database. The
// table is small, so a miss loads the whole of it.
type Directory struct {
	db     *sql.DB
	driver string

	m        sync.Mutex
	byNumber map[int]SE
	byName   map[string]SE
}

// NewDirectory returns a directory over the given router database.
// driver selects the SQL dialect, "mysql" or "ql".
func NewDirectory(db *sql.DB, driver string) *Directory {
	return &Directory{db: db, driver: driver}
}

// Invalidate empties the cache, so edits to the se table are seen.
func (d *Directory) Invalidate() {
	d.m.Lock()
	d.byNumber = nil
	d.byName = nil
	d.m.Unlock()
}

// load fills the caches from the database. Call with the lock held.
func (d *Directory) load() error {
	if d.byNumber != nil {
		return nil
	}
	rows, err := d.db.Query(`SELECT se_number, se_name, qos, storage_path, io_daemons FROM se`)
	if err != nil {
		return errors.Wrap(err, "loading storage elements")
	}
	defer rows.Close()
	byNumber := make(map[int]SE)
	byName := make(map[string]SE)
	for rows.Next() {
		var s SE
		var qos string
		if err := rows.Scan(&s.Number, &s.Name, &qos, &s.StoragePath, &s.IODaemons); err != nil {
			return errors.Wrap(err, "reading storage element")
		}
		for _, q := range strings.Split(qos, ",") {
			q = strings.ToLower(strings.TrimSpace(q))
			if q != "" {
				s.QoS = append(s.QoS, q)
			}
		}
		byNumber[s.Number] = s
		byName[strings.ToLower(s.Name)] = s
	}
	if err := rows.Err(); err != nil {
		return errors.Wrap(err, "reading storage elements")
	}
	d.byNumber = byNumber
	d.byName = byName
	return nil
}

// SE returns the storage element with the given number.
func (d *Directory) SE(number int) (SE, error) {
	d.m.Lock()
	defer d.m.Unlock()
	if err := d.load(); err != nil {
		return SE{}, err
	}
	s, ok := d.byNumber[number]
	if !ok {
		return SE{}, ErrUnknownSE
	}
	return s, nil
}

// SEByName returns the storage element with the given name. Names are
// compared case insensitively.
func (d *Directory) SEByName(name string) (SE, error) {
	d.m.Lock()
	defer d.m.Unlock()
	if err := d.load(); err != nil {
		return SE{}, err
	}
	s, ok := d.byName[strings.ToLower(name)]
	if !ok {
		return SE{}, ErrUnknownSE
	}
	return s, nil
}

// All returns every registered storage element.
func (d *Directory) All() ([]SE, error) {
	d.m.Lock()
	defer d.m.Unlock()
	if err := d.load(); err != nil {
		return nil, err
	}
	var result []SE
	for _, s := range d.byNumber {
		result = append(result, s)
	}
	return result, nil
}
