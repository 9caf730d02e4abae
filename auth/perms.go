package auth

// Perms checks access against the octal permission string stored on
// each entry, in the usual owner/group/other layout. Entries with a
// missing or malformed permission string fall back to owner-only
// access. The "admin" account bypasses all checks.
type Perms struct{}

const (
	bitRead  = 4
	bitWrite = 2
)

func digit(perm string, i int) int {
	if i >= len(perm) {
		return 0
	}
	c := perm[i]
	if c < '0' || c > '7' {
		return 0
	}
	return int(c - '0')
}

func (Perms) check(e Entity, p Principal, bit int) bool {
	if p.Name == "admin" {
		return true
	}
	perm := e.GetPermissions()
	if len(perm) < 3 {
		return p.Name == e.GetOwner()
	}
	switch {
	case p.Name == e.GetOwner():
		return digit(perm, 0)&bit != 0
	case p.InGroup(e.GetGroup()):
		return digit(perm, 1)&bit != 0
	}
	return digit(perm, 2)&bit != 0
}

func (a Perms) CanRead(e Entity, p Principal) bool {
	return a.check(e, p, bitRead)
}

func (a Perms) CanWrite(e Entity, p Principal) bool {
	return a.check(e, p, bitWrite)
}

func (Perms) IsOwner(e Entity, p Principal) bool {
	return p.Name == "admin" || p.Name == e.GetOwner() || p.InGroup(e.GetOwner())
}

// CanBecome allows acting as yourself, as any of your groups, or as
// anyone when admin.
func (Perms) CanBecome(p Principal, owner string) bool {
	return p.Name == "admin" || p.Name == owner || p.InGroup(owner)
}

var _ Authorizer = Perms{}
