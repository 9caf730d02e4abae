package auth

import "sync"

// NoQuota admits every upload. Useful for development servers.
type NoQuota struct{}

func (NoQuota) CanUpload(owner string, files, size int64) (bool, error) {
	return true, nil
}

// Limits is an in-memory quota table. Accounts not present are denied.
type Limits struct {
	m  sync.Mutex
	ql map[string]*limit
}

type limit struct {
	files, maxFiles int64
	size, maxSize   int64
}

// SetLimit registers an account with the given ceilings.
func (l *Limits) SetLimit(owner string, maxFiles, maxSize int64) {
	l.m.Lock()
	defer l.m.Unlock()
	if l.ql == nil {
		l.ql = make(map[string]*limit)
	}
	l.ql[owner] = &limit{maxFiles: maxFiles, maxSize: maxSize}
}

// Charge records files and bytes against an account's usage.
func (l *Limits) Charge(owner string, files, size int64) {
	l.m.Lock()
	defer l.m.Unlock()
	q := l.ql[owner]
	if q == nil {
		return
	}
	q.files += files
	q.size += size
}

func (l *Limits) CanUpload(owner string, files, size int64) (bool, error) {
	l.m.Lock()
	defer l.m.Unlock()
	q := l.ql[owner]
	if q == nil {
		return false, nil
	}
	return q.files+files <= q.maxFiles && q.size+size <= q.maxSize, nil
}

var (
	_ Quota = NoQuota{}
	_ Quota = (*Limits)(nil)
)
