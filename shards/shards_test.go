package shards

import (
	"testing"
)

func TestChunk(t *testing.T) {
	var runs [][2]int
	err := Chunk(250, func(lo, hi int) error {
		runs = append(runs, [2]int{lo, hi})
		return nil
	})
	if err != nil {
		t.Fatalf("received %s", err.Error())
	}
	expected := [][2]int{{0, 100}, {100, 200}, {200, 250}}
	if len(runs) != len(expected) {
		t.Fatalf("received %v, expected %v", runs, expected)
	}
	for i := range expected {
		if runs[i] != expected[i] {
			t.Errorf("run %d: received %v, expected %v", i, runs[i], expected[i])
		}
	}
	// nothing to do for an empty list
	err = Chunk(0, func(lo, hi int) error {
		t.Errorf("called on empty list")
		return nil
	})
	if err != nil {
		t.Fatalf("received %s", err.Error())
	}
}

func TestPlaceholders(t *testing.T) {
	if s := Placeholders(3); s != "?,?,?" {
		t.Errorf("received %q", s)
	}
	if s := Placeholders(0); s != "" {
		t.Errorf("received %q", s)
	}
	if s := QLPlaceholders(2, 3); s != "?2,?3,?4" {
		t.Errorf("received %q", s)
	}
}

func TestRegistryHosts(t *testing.T) {
	router, err := OpenRouterQL("memory")
	if err != nil {
		t.Fatalf("received %s", err.Error())
	}
	defer router.Close()

	_, err = Exec(router, `INSERT INTO hosts (host_index, address, db_name, driver) VALUES (?1, ?2, ?3, ?4)`,
		2, "db2.local:3306", "catalogue", "mysql")
	if err != nil {
		t.Fatalf("received %s", err.Error())
	}

	r := NewRegistry(router, "reader", "hunter2")
	h, err := r.Host(2)
	if err != nil {
		t.Fatalf("received %s", err.Error())
	}
	if h.Address != "db2.local:3306" || h.DBName != "catalogue" {
		t.Errorf("received %#v", h)
	}
	if _, err = r.Host(9); err != ErrNoHost {
		t.Errorf("received %v, expected ErrNoHost", err)
	}

	// new rows appear after a Reload
	_, err = Exec(router, `INSERT INTO hosts (host_index, address, db_name, driver) VALUES (?1, ?2, ?3, ?4)`,
		9, "db9.local:3306", "catalogue", "mysql")
	if err != nil {
		t.Fatalf("received %s", err.Error())
	}
	if _, err = r.Host(9); err != ErrNoHost {
		t.Errorf("host list reloaded without Reload")
	}
	r.Reload()
	if _, err = r.Host(9); err != nil {
		t.Errorf("received %v after Reload", err)
	}
}

func TestShardTablesQL(t *testing.T) {
	db, err := OpenRouterQL("memory")
	if err != nil {
		t.Fatalf("received %s", err.Error())
	}
	defer db.Close()
	if err := CreateShardTables(db, "ql", 42); err != nil {
		t.Fatalf("received %s", err.Error())
	}
	// creating again is fine
	if err := CreateShardTables(db, "ql", 42); err != nil {
		t.Fatalf("received %s", err.Error())
	}
	if _, err := Exec(db, `INSERT INTO ns_42 (entry_id, parent_id, lfn) VALUES (?1, ?2, ?3)`, 1, 0, "data/"); err != nil {
		t.Fatalf("received %s", err.Error())
	}
}
