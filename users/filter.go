package users

import (
	"strconv"
	"strings"

	console "github.com/chimerakang/admin-console-go"
)

// Status values accepted by Filter.Status.
const (
	StatusAll      = ""
	StatusActive   = "active"
	StatusInactive = "inactive"
)

// Filter narrows a user list the way the dashboard table does.
type Filter struct {
	// Search matches name, email or id, case-insensitively.
	Search string
	Status string
	// Role is a role name; empty means any role.
	Role string
}

// Apply returns the users matching f, preserving order.
func (f Filter) Apply(users []console.User) []console.User {
	q := strings.ToLower(strings.TrimSpace(f.Search))
	out := make([]console.User, 0, len(users))
	for _, u := range users {
		if q != "" && !strings.Contains(strings.ToLower(u.Name), q) &&
			!strings.Contains(strings.ToLower(u.Email), q) &&
			!strings.Contains(strconv.FormatInt(u.ID, 10), q) {
			continue
		}
		switch f.Status {
		case StatusActive:
			if !u.Enabled {
				continue
			}
		case StatusInactive:
			if u.Enabled {
				continue
			}
		}
		if f.Role != "" && !u.HasRole(f.Role) {
			continue
		}
		out = append(out, u)
	}
	return out
}
