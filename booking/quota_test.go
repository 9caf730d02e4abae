package booking

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ndlib/gridcat/shards"
)

func TestDBQuota(t *testing.T) {
	db, err := shards.OpenRouterQL("memory")
	require.NoError(t, err)
	q := NewDBQuota(db, "ql")

	// no row means no room
	ok, err := q.CanUpload("alice", 1, 100)
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, q.SetLimit("alice", 2, 1000))
	ok, err = q.CanUpload("alice", 2, 1000)
	require.NoError(t, err)
	require.True(t, ok, "the limit itself is allowed")
	ok, err = q.CanUpload("alice", 3, 10)
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, q.Charge("alice", 1, 600))
	ok, err = q.CanUpload("alice", 1, 400)
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = q.CanUpload("alice", 1, 401)
	require.NoError(t, err)
	require.False(t, ok)

	// shrinking the limit keeps the usage counters
	require.NoError(t, q.SetLimit("alice", 1, 500))
	ok, err = q.CanUpload("alice", 0, 0)
	require.NoError(t, err)
	require.False(t, ok)

	// charging an unknown owner is a no-op
	require.NoError(t, q.Charge("nobody", 1, 1))
	ok, err = q.CanUpload("nobody", 0, 0)
	require.NoError(t, err)
	require.False(t, ok)
}
