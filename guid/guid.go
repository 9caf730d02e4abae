// Package guid manages file identities, the time-sharded records
// binding a globally unique id to its size, checksum, ownership and
// replica locations.
package guid

import (
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

var (
	// ErrDuplicateReplica means the identity already has a replica
	// on that storage element.
	ErrDuplicateReplica = errors.New("guid: replica already registered on this storage element")

	// ErrNotRegistered means the identity is not in the catalogue.
	ErrNotRegistered = errors.New("guid: identity not registered")
)

// GUID is one identity record.
type GUID struct {
	ID    uuid.UUID
	Owner string
	Group string
	Perm  string
	Size  int64
	MD5   string
	Type  byte
	CTime time.Time
	// Expire is when the record may be reaped, zero for never.
	Expire time.Time

	// row id within the shard table, 0 until registered
	GUIDId int64
	// storage element numbers holding a replica
	SEs []int
}

// Exists reports whether the record was read from the catalogue
// rather than minted locally.
func (g *GUID) Exists() bool {
	return g.GUIDId != 0
}

func (g *GUID) GetOwner() string       { return g.Owner }
func (g *GUID) GetGroup() string       { return g.Group }
func (g *GUID) GetPermissions() string { return g.Perm }

// HasReplicaOn reports whether a replica is registered on the given
// storage element.
func (g *GUID) HasReplicaOn(seNumber int) bool {
	for _, n := range g.SEs {
		if n == seNumber {
			return true
		}
	}
	return false
}

func (g *GUID) addSE(seNumber int) {
	if !g.HasReplicaOn(seNumber) {
		g.SEs = append(g.SEs, seNumber)
	}
}

func (g *GUID) removeSE(seNumber int) {
	for i, n := range g.SEs {
		if n == seNumber {
			g.SEs = append(g.SEs[:i], g.SEs[i+1:]...)
			return
		}
	}
}

// The se membership list is stored as a comma delimited string with
// leading and trailing commas, so substring matching on ",N," works
// from SQL as well.

func encodeSEList(ses []int) string {
	if len(ses) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteByte(',')
	for _, n := range ses {
		b.WriteString(strconv.Itoa(n))
		b.WriteByte(',')
	}
	return b.String()
}

func decodeSEList(s string) []int {
	var result []int
	for _, part := range strings.Split(s, ",") {
		if part == "" {
			continue
		}
		n, err := strconv.Atoi(part)
		if err != nil {
			continue
		}
		result = append(result, n)
	}
	return result
}

// PFN is one replica location of an identity.
type PFN struct {
	ID       uuid.UUID
	SENumber int
	PFN      string
}

// IsReference reports whether this location points at another
// identity instead of physical storage, as members of archives do.
func (p PFN) IsReference() bool {
	return strings.HasPrefix(p.PFN, "guid:///")
}

// ReferencedID returns the identity a reference location points at.
func (p PFN) ReferencedID() (uuid.UUID, bool) {
	if !p.IsReference() {
		return uuid.Nil, false
	}
	s := strings.TrimPrefix(p.PFN, "guid:///")
	if i := strings.IndexByte(s, '?'); i >= 0 {
		s = s[:i]
	}
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, false
	}
	return id, true
}

// Orphan is a replica whose identity record is gone and whose
// physical file still needs to be reclaimed from its storage element.
type Orphan struct {
	ID       uuid.UUID
	SENumber int
	Size     int64
}
