package server

import (
	"testing"
)

func TestAtoRole(t *testing.T) {
	var table = []struct {
		input  string
		output Role
	}{
		{"read", RoleRead},
		{"Read", RoleRead},
		{"Write", RoleWrite},
		{"write", RoleWrite},
		{"admin", RoleAdmin},
		{"Admin", RoleAdmin},
		{"other", RoleUnknown},
	}

	for _, row := range table {
		result := atoRole(row.input)
		if result != row.output {
			t.Errorf("For %v received %v, expected %v", row.input, result, row.output)
		}
	}
}

func TestListDecoder(t *testing.T) {
	const data = `
# comment lines and blanks are skipped

alice  alice,prod  write  tok-alice
bob    -           read   tok-bob
root   -           admin  tok-root
badline with_too many columns here
`
	d, err := NewListDecoderString(data)
	if err != nil {
		t.Fatalf("received %v, expected no error", err)
	}
	p, role, err := d.TokenDecode("tok-alice")
	if err != nil {
		t.Fatal(err)
	}
	if p.Name != "alice" || role != RoleWrite {
		t.Errorf("received %s/%v, expected alice/write", p.Name, role)
	}
	if len(p.Groups) != 2 || p.Groups[0] != "alice" || p.Groups[1] != "prod" {
		t.Errorf("received groups %v, expected [alice prod]", p.Groups)
	}
	p, role, _ = d.TokenDecode("tok-bob")
	if p.Name != "bob" || role != RoleRead || len(p.Groups) != 0 {
		t.Errorf("received %s/%v/%v, expected bob/read/no groups", p.Name, role, p.Groups)
	}
	// unknown tokens decode to nobody at all
	p, role, _ = d.TokenDecode("tok-eve")
	if p.Name != "" || role != RoleUnknown {
		t.Errorf("received %s/%v, expected empty principal", p.Name, role)
	}
}
