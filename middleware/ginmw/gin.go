// Package ginmw provides Gin HTTP middleware that applies console route guards.
//
// All middleware functions accept a console.Authenticator and read its current
// snapshot; they never call the backend themselves.
package ginmw

import (
	"net/http"
	"net/url"

	"github.com/gin-gonic/gin"

	console "github.com/chimerakang/admin-console-go"
	"github.com/chimerakang/admin-console-go/guard"
)

// Context keys for storing console data in gin.Context.
const (
	KeyUser     = "console_user"
	KeyEmail    = "console_email"
	KeyRoles    = "console_roles"
	KeyDecision = "console_decision"
)

// FromParam is the query parameter carrying the route a redirect came from.
const FromParam = "from"

// Option configures guard middleware behavior.
type Option func(*config)

type config struct {
	excludedPaths map[string]bool
}

// WithExcludedPaths sets paths that skip the guard (e.g. health checks).
func WithExcludedPaths(paths ...string) Option {
	return func(cfg *config) {
		for _, p := range paths {
			cfg.excludedPaths[p] = true
		}
	}
}

func newConfig(opts []Option) *config {
	cfg := &config{excludedPaths: make(map[string]bool)}
	for _, o := range opts {
		o(cfg)
	}
	return cfg
}

// Guard returns Gin middleware that applies g to every request.
// Responds with 503 while the auth state is loading and with a 302 to the
// guard's destination when access is refused. On success the signed-in user
// is stored in the context (retrievable via GetUser, GetEmail, GetRoles).
func Guard(auth console.Authenticator, g guard.Guard, opts ...Option) gin.HandlerFunc {
	return serve(auth, newConfig(opts), func(string) guard.Guard { return g })
}

// Table returns Gin middleware that resolves the guard per request path.
// Paths no rule matches are allowed.
func Table(auth console.Authenticator, t guard.Table, opts ...Option) gin.HandlerFunc {
	return serve(auth, newConfig(opts), t.Resolve)
}

func serve(auth console.Authenticator, cfg *config, resolve func(string) guard.Guard) gin.HandlerFunc {
	return func(c *gin.Context) {
		if cfg.excludedPaths[c.Request.URL.Path] {
			c.Next()
			return
		}

		g := resolve(c.Request.URL.Path)
		if g == nil {
			c.Next()
			return
		}

		snap := auth.Snapshot()
		d := g.Check(snap, c.Request.URL.RequestURI())
		c.Set(KeyDecision, d)

		switch d.Action {
		case guard.Wait:
			c.Header("Retry-After", "1")
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "authentication state is loading"})
			return
		case guard.Redirect:
			c.Redirect(http.StatusFound, redirectURL(d))
			c.Abort()
			return
		}

		if snap.User != nil {
			c.Set(KeyUser, snap.User)
			c.Set(KeyEmail, snap.User.Email)
			c.Set(KeyRoles, snap.User.RoleNames())
		}
		c.Next()
	}
}

func redirectURL(d guard.Decision) string {
	if d.From == "" || d.From == d.To {
		return d.To
	}
	u, err := url.Parse(d.To)
	if err != nil {
		return d.To
	}
	q := u.Query()
	q.Set(FromParam, d.From)
	u.RawQuery = q.Encode()
	return u.String()
}

// --- Context helpers ---

// GetUser returns the signed-in user from the Gin context.
func GetUser(c *gin.Context) *console.User {
	v, _ := c.Get(KeyUser)
	u, _ := v.(*console.User)
	return u
}

// GetEmail returns the user's email from the Gin context.
func GetEmail(c *gin.Context) string {
	v, _ := c.Get(KeyEmail)
	s, _ := v.(string)
	return s
}

// GetRoles returns the user's role names from the Gin context.
func GetRoles(c *gin.Context) []string {
	v, _ := c.Get(KeyRoles)
	r, _ := v.([]string)
	return r
}

// GetDecision returns the guard decision made for the request.
func GetDecision(c *gin.Context) (guard.Decision, bool) {
	v, ok := c.Get(KeyDecision)
	if !ok {
		return guard.Decision{}, false
	}
	d, ok := v.(guard.Decision)
	return d, ok
}
