package auth

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Role is a principal's privilege tier. Higher tiers include lower ones.
type Role string

const (
	RoleViewer   Role = "viewer"
	RoleApprover Role = "approver"
	RoleOperator Role = "operator"
	RoleAdmin    Role = "admin"
)

var roleRank = map[Role]int{
	RoleViewer:   1,
	RoleApprover: 2,
	RoleOperator: 3,
	RoleAdmin:    4,
}

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	_, ok := roleRank[r]
	return ok
}

// AtLeast reports whether r grants everything min grants.
func (r Role) AtLeast(min Role) bool {
	return roleRank[r] >= roleRank[min]
}

// ErrInvalidCredentials is returned for an unknown name or a wrong key.
var ErrInvalidCredentials = errors.New("auth: invalid credentials")

// Principal is a named caller with a role and a hashed API key.
type Principal struct {
	Name    string
	Role    Role
	KeyHash string
}

// Directory holds the configured principals.
type Directory struct {
	principals map[string]Principal
}

// ParseDirectory reads "name:role:hash" entries separated by commas.
func ParseDirectory(spec string) (*Directory, error) {
	d := &Directory{principals: map[string]Principal{}}
	for _, entry := range strings.Split(spec, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		parts := strings.SplitN(entry, ":", 3)
		if len(parts) != 3 {
			return nil, fmt.Errorf("auth: principal entry %q: expected name:role:hash", entry)
		}
		p := Principal{Name: parts[0], Role: Role(parts[1]), KeyHash: parts[2]}
		if err := d.Add(p); err != nil {
			return nil, err
		}
	}
	return d, nil
}

// Add registers p, replacing any principal with the same name.
func (d *Directory) Add(p Principal) error {
	if p.Name == "" {
		return fmt.Errorf("auth: principal name is required")
	}
	if !p.Role.Valid() {
		return fmt.Errorf("auth: principal %s: unknown role %q", p.Name, p.Role)
	}
	if d.principals == nil {
		d.principals = map[string]Principal{}
	}
	d.principals[p.Name] = p
	return nil
}

// Names lists principal names in sorted order.
func (d *Directory) Names() []string {
	out := make([]string, 0, len(d.principals))
	for n := range d.principals {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// Authenticate verifies apiKey for name.
func (d *Directory) Authenticate(name, apiKey string) (Principal, error) {
	p, ok := d.principals[name]
	if !ok {
		DummyVerify()
		return Principal{}, ErrInvalidCredentials
	}
	valid, err := VerifyAPIKey(apiKey, p.KeyHash)
	if err != nil {
		return Principal{}, fmt.Errorf("auth: verify %s: %w", name, err)
	}
	if !valid {
		return Principal{}, ErrInvalidCredentials
	}
	return p, nil
}
