package barcode

import (
	"fmt"
	"strings"
	"time"
)

// Role is the logical identity of a scanning point, independent of the
// physical port bound to it.
type Role int

const (
	RoleEntry Role = iota
	RoleExit
)

// Roles lists every role in a fixed order.
var Roles = []Role{RoleEntry, RoleExit}

func (r Role) String() string {
	switch r {
	case RoleEntry:
		return "entry"
	case RoleExit:
		return "exit"
	default:
		return "unknown"
	}
}

// Valid reports whether r is one of Roles.
func (r Role) Valid() bool {
	return r == RoleEntry || r == RoleExit
}

// ParseRole parses "entry" or "exit" (case-insensitive).
func ParseRole(s string) (Role, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "entry":
		return RoleEntry, nil
	case "exit":
		return RoleExit, nil
	default:
		return 0, fmt.Errorf("unknown role %q", s)
	}
}

// MarshalText implements encoding.TextMarshaler
func (r Role) MarshalText() ([]byte, error) {
	if !r.Valid() {
		return nil, fmt.Errorf("invalid role %d", int(r))
	}
	return []byte(r.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler
func (r *Role) UnmarshalText(text []byte) error {
	role, err := ParseRole(string(text))
	if err != nil {
		return err
	}
	*r = role
	return nil
}

// Record is one completed scan. Records are immutable once created.
type Record struct {
	ID        string    `json:"id"`
	Seq       uint64    `json:"seq"`
	Role      Role      `json:"role"`
	Port      string    `json:"port"`
	Payload   string    `json:"payload"`
	Timestamp time.Time `json:"ts"`
}
