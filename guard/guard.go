// Package guard decides whether a route may be shown for an auth snapshot.
package guard

import (
	"strings"

	console "github.com/chimerakang/admin-console-go"
)

// Action is what the caller should do with a route.
type Action int

const (
	// Allow renders the route.
	Allow Action = iota
	// Wait shows a loading indicator until the auth state settles.
	Wait
	// Redirect sends the user to Decision.To.
	Redirect
)

func (a Action) String() string {
	switch a {
	case Allow:
		return "allow"
	case Wait:
		return "wait"
	case Redirect:
		return "redirect"
	default:
		return "unknown"
	}
}

// Decision is the outcome of a guard check. From is the requested route,
// kept so the destination can send the user back after signing in.
type Decision struct {
	Action Action
	To     string
	From   string
}

// Guard checks a route against an auth snapshot.
type Guard func(s console.Snapshot, route string) Decision

// Check applies g.
func (g Guard) Check(s console.Snapshot, route string) Decision { return g(s, route) }

func redirect(to, from string) Decision {
	return Decision{Action: Redirect, To: to, From: from}
}

// Public guards the auth pages: signed-in users are sent to their landing page.
func Public() Guard {
	return func(s console.Snapshot, route string) Decision {
		switch {
		case s.State == console.StateLoading:
			return Decision{Action: Wait}
		case s.IsAuthenticated():
			return redirect(console.LandingRoute(s.User), route)
		}
		return Decision{Action: Allow}
	}
}

// Protected requires a signed-in user holding at least one of roles.
// With no roles any signed-in user passes.
func Protected(roles ...string) Guard {
	return func(s console.Snapshot, route string) Decision {
		switch {
		case s.State == console.StateLoading:
			return Decision{Action: Wait}
		case !s.IsAuthenticated():
			return redirect(console.RouteSignIn, route)
		case len(roles) > 0 && !s.User.HasAnyRole(roles...):
			return redirect(console.RouteHome, route)
		}
		return Decision{Action: Allow}
	}
}

// Admin requires ROLE_ADMIN.
func Admin() Guard { return Protected(console.RoleAdmin) }

// Manager requires ROLE_MANAGER.
func Manager() Guard { return Protected(console.RoleManager) }

// User requires any signed-in user.
func User() Guard { return Protected() }

// Rule binds a guard to a route prefix.
type Rule struct {
	Prefix string
	Guard  Guard
}

// Table resolves routes to guards by longest matching prefix.
type Table []Rule

// DefaultTable is the console's route layout: auth pages are public, the
// admin area needs ROLE_ADMIN and everything else needs a signed-in user.
func DefaultTable() Table {
	return Table{
		{Prefix: "/auth", Guard: Public()},
		{Prefix: "/admin", Guard: Admin()},
		{Prefix: "/", Guard: User()},
	}
}

// Resolve returns the guard for route, or nil when no rule matches.
func (t Table) Resolve(route string) Guard {
	path := route
	if i := strings.IndexAny(path, "?#"); i >= 0 {
		path = path[:i]
	}

	var best *Rule
	for i := range t {
		r := &t[i]
		if !matches(path, r.Prefix) {
			continue
		}
		if best == nil || len(r.Prefix) > len(best.Prefix) {
			best = r
		}
	}
	if best == nil {
		return nil
	}
	return best.Guard
}

// Check resolves route and applies its guard. Unguarded routes are allowed.
func (t Table) Check(s console.Snapshot, route string) Decision {
	g := t.Resolve(route)
	if g == nil {
		return Decision{Action: Allow}
	}
	return g.Check(s, route)
}

func matches(path, prefix string) bool {
	if prefix == "/" {
		return strings.HasPrefix(path, "/")
	}
	return path == prefix || strings.HasPrefix(path, strings.TrimRight(prefix, "/")+"/")
}
