package permission

import (
	"fmt"
	"strconv"
	"strings"
)

// Role is a totally ordered permission level.
type Role uint8

const (
	None Role = iota
	ReadOnly
	Basic
	Advanced
	Admin
	Host
)

var roleNames = [...]string{"None", "ReadOnly", "Basic", "Advanced", "Admin", "Host"}

func (r Role) String() string {
	if int(r) < len(roleNames) {
		return roleNames[r]
	}
	return "Role(" + strconv.Itoa(int(r)) + ")"
}

func (r Role) Valid() bool {
	return r <= Host
}

// AtLeast reports whether r satisfies a requirement of min. None never does.
func (r Role) AtLeast(min Role) bool {
	return r != None && r >= min
}

// ParseRole accepts a role name in any case or its numeric value.
func ParseRole(value string) (Role, error) {
	v := strings.TrimSpace(value)
	for i, name := range roleNames {
		if strings.EqualFold(v, name) {
			return Role(i), nil
		}
	}
	if n, err := strconv.Atoi(v); err == nil && n >= 0 && n <= int(Host) {
		return Role(n), nil
	}
	return None, fmt.Errorf("invalid role %q", value)
}

func (r Role) MarshalText() ([]byte, error) {
	if !r.Valid() {
		return nil, fmt.Errorf("invalid role %d", r)
	}
	return []byte(r.String()), nil
}

func (r *Role) UnmarshalText(b []byte) error {
	parsed, err := ParseRole(string(b))
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}
