package se

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// The two hash functions below spread files over two levels of
// directories on the storage. They operate on the hex digits of the
// identity, skipping the dashes, and must produce the same values as
// every other tool writing to the same storage.

func hexVal(c byte) int {
	switch {
	case c >= '0' && c <= '9':
		return int(c - '0')
	case c >= 'a' && c <= 'f':
		return int(c-'a') + 10
	case c >= 'A' && c <= 'F':
		return int(c-'A') + 10
	}
	return 0
}

// chash is the first directory level, 0..15.
func chash(id string) int {
	csum := 0
	for i := 0; i < len(id); i++ {
		if id[i] != '-' {
			csum += hexVal(id[i])
		}
	}
	return csum % 16
}

// hash is the second directory level, 0..65535. It is a Fletcher
// style sum over the hex digits.
func hash(id string) int {
	c0, c1 := 0, 0
	for i := 0; i < len(id); i++ {
		if id[i] != '-' {
			c0 += hexVal(id[i])
			c1 += c0
		}
	}
	c0 &= 0xFF
	c1 &= 0xFF
	x := c1 % 255
	y := (c1 - c0) % 255
	if y < 0 {
		y += 255
	}
	return (y << 8) + x
}

// Protocol returns the access protocol prefix of this element,
// including its storage path, or "" when the element has no daemons.
func (s SE) Protocol() string {
	if s.IODaemons == "" {
		return ""
	}
	ret := s.IODaemons
	if !strings.HasSuffix(ret, "/") || !strings.HasPrefix(s.StoragePath, "/") {
		ret += "/"
	}
	if s.StoragePath != "" && s.StoragePath != "/" {
		ret += s.StoragePath
	}
	return ret
}

// Path returns the storage-relative path for an identity, its two
// hash directories followed by the identity itself.
func Path(id uuid.UUID) string {
	su := id.String()
	return fmt.Sprintf("/%02d/%05d/%s", chash(su), hash(su), su)
}

// GeneratePFN returns the physical file name a new replica of the
// identity should be written to on this element, or "" when the
// element cannot hold physical files.
func (s SE) GeneratePFN(id uuid.UUID) string {
	p := s.Protocol()
	if p == "" {
		return ""
	}
	return p + Path(id)
}
