package mounts

import (
	"testing"
	"time"

	"github.com/ndlib/gridcat/shards"
)

func TestLoaders(t *testing.T) {
	db, err := shards.OpenRouterQL("memory")
	if err != nil {
		t.Fatalf("received %s", err.Error())
	}

	inserts := []struct {
		query string
		args  []interface{}
	}{
		{`INSERT INTO mounts (mount_index, host_index, table_index, prefix) VALUES (?1, ?2, ?3, ?4)`,
			[]interface{}{1, 1, 4, "/data/2024/"}},
		{`INSERT INTO mounts (mount_index, host_index, table_index, prefix) VALUES (?1, ?2, ?3, ?4)`,
			[]interface{}{2, 2, 5, "/data/"}},
		{`INSERT INTO guid_shards (shard_index, host_index, table_index, guid_time) VALUES (?1, ?2, ?3, ?4)`,
			[]interface{}{1, 1, 4, "01a2b3c400000000"}},
	}
	for _, ins := range inserts {
		if _, err := shards.Exec(db, ins.query, ins.args...); err != nil {
			t.Fatalf("received %s", err.Error())
		}
	}

	entries, err := MountLoader(db)()
	if err != nil {
		t.Fatalf("received %s", err.Error())
	}
	if len(entries) != 2 {
		t.Fatalf("received %d mounts, expected 2", len(entries))
	}

	tentries, err := TimeShardLoader(db)()
	if err != nil {
		t.Fatalf("received %s", err.Error())
	}
	if len(tentries) != 1 {
		t.Fatalf("received %d time shards, expected 1", len(tentries))
	}
	if tentries[0].Start != 0x01a2b3c4 {
		t.Errorf("received start %x, expected 01a2b3c4", tentries[0].Start)
	}

	// no signal recorded yet
	probe := UpdateProbe(db)
	when, err := probe()
	if err != nil {
		t.Fatalf("received %s", err.Error())
	}
	if !when.IsZero() {
		t.Errorf("received %v, expected zero time", when)
	}

	now := time.Unix(1700000000, 0)
	if err := SignalUpdate(db, "ql", now); err != nil {
		t.Fatalf("received %s", err.Error())
	}
	when, err = probe()
	if err != nil {
		t.Fatalf("received %s", err.Error())
	}
	if !when.Equal(now) {
		t.Errorf("received %v, expected %v", when, now)
	}

	// signaling again overwrites the single row
	later := now.Add(time.Hour)
	if err := SignalUpdate(db, "ql", later); err != nil {
		t.Fatalf("received %s", err.Error())
	}
	when, _ = probe()
	if !when.Equal(later) {
		t.Errorf("received %v, expected %v", when, later)
	}
}
