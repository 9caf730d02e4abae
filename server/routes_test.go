package server

import (
	"net/http/httptest"
	"testing"

	"github.com/ndlib/gridcat/auth"
	"github.com/ndlib/gridcat/booking"
	"github.com/ndlib/gridcat/guid"
	"github.com/ndlib/gridcat/mounts"
	"github.com/ndlib/gridcat/namespace"
	"github.com/pkg/errors"
)

func TestWriteErrorStatus(t *testing.T) {
	var table = []struct {
		err    error
		status int
	}{
		{auth.ErrDenied, 403},
		{booking.ErrQuotaExceeded, 403},
		{namespace.ErrNotFound, 404},
		{mounts.ErrNotFound, 404},
		{guid.ErrNotRegistered, 404},
		{namespace.ErrExists, 409},
		{namespace.ErrNotEmpty, 409},
		{guid.ErrDuplicateReplica, 409},
		{booking.ErrLeaseConflict, 409},
		{booking.ErrConflictingContent, 409},
		{errors.New("disk on fire"), 500},
	}
	for _, row := range table {
		w := httptest.NewRecorder()
		writeError(w, row.err)
		if w.Code != row.status {
			t.Errorf("For %v received %d, expected %d", row.err, w.Code, row.status)
		}
	}
}

func TestSetParam(t *testing.T) {
	ps := setParam(nil, "username", "alice")
	if ps.ByName("username") != "alice" {
		t.Errorf("received %s, expected alice", ps.ByName("username"))
	}
	ps = setParam(ps, "username", "bob")
	if len(ps) != 1 || ps.ByName("username") != "bob" {
		t.Errorf("received %v, expected a single replaced parameter", ps)
	}
}
