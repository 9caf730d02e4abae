// Package auth provides identity and permission checking for catalogue
// entities. Entries and identities expose their ownership through the
// Entity interface, and an Authorizer decides whether a given principal
// may read or alter them.
package auth

import (
	"github.com/pkg/errors"
)

// ErrDenied is returned by operations the acting principal is not
// permitted to perform.
var ErrDenied = errors.New("auth: operation not permitted")

// Principal is an authenticated account with its group memberships.
// The first group is the default group applied to new entries.
type Principal struct {
	Name   string
	Groups []string
}

// DefaultGroup returns the group new entries are created under.
func (p Principal) DefaultGroup() string {
	if len(p.Groups) == 0 {
		return p.Name
	}
	return p.Groups[0]
}

// InGroup returns whether p is a member of the named group.
func (p Principal) InGroup(group string) bool {
	for _, g := range p.Groups {
		if g == group {
			return true
		}
	}
	return false
}

// Entity is anything carrying catalogue ownership information.
type Entity interface {
	GetOwner() string
	GetGroup() string
	GetPermissions() string
}

// An Authorizer decides access questions for catalogue entities.
type Authorizer interface {
	CanRead(e Entity, p Principal) bool
	CanWrite(e Entity, p Principal) bool
	IsOwner(e Entity, p Principal) bool
	// CanBecome reports whether p may act on behalf of the named
	// account, for example when renewing another user's lease.
	CanBecome(p Principal, owner string) bool
}

// Quota answers whether an account may add more files. Sizes are in
// bytes. An account unknown to the quota backend is denied.
type Quota interface {
	CanUpload(owner string, files, size int64) (bool, error)
}
