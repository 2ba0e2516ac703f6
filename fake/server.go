// Package fake provides an in-process admin backend for tests and demos.
//
// The server speaks the same REST contract as the real console API: CSRF
// tokens, password plus OTP sign-in, cookie and JSON token renewal, and the
// admin user and role endpoints. Access tokens are HS256 JWTs; ExpireAccessTokens
// invalidates every token issued so far, which is how tests force a renewal.
package fake

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"

	console "github.com/chimerakang/admin-console-go"
)

// Seeded credentials.
const (
	AdminEmail    = "admin@example.com"
	AdminPassword = "password123"
	UserEmail     = "user@example.com"
	UserPassword  = "password123"
	DefaultOTP    = "123456"
)

// Cookie names set by the server.
const (
	AccessCookie  = "access_token"
	RefreshCookie = "refresh_token"
)

type account struct {
	user     console.User
	password string
}

// Server is a fake admin backend. The zero value is not usable; call NewServer.
type Server struct {
	*httptest.Server

	mu          sync.Mutex
	secret      []byte
	otp         string
	accessTTL   time.Duration
	generation  int
	accounts    map[int64]*account
	roles       map[int64]*console.Role
	nextUserID  int64
	nextRoleID  int64
	csrfTokens  map[string]bool
	refresh     map[string]int64 // refresh token → user id
	temp        map[string]int64 // temp token → user id
	reset       map[string]int64 // reset token → user id
	hits        map[string]int   // "METHOD /path" → count
	failures    map[string][]int // "METHOD /path" → queued statuses
	failRefresh bool
	refreshGate chan struct{}
	loginLimit  int
	loginWindow time.Duration
}

// Option configures the fake server.
type Option func(*Server)

// WithAccount adds an enabled account holding the named roles. Missing roles are created.
func WithAccount(email, password, name string, roles ...string) Option {
	return func(s *Server) { s.addAccount(email, password, name, true, roles...) }
}

// WithDisabledAccount adds an account that cannot sign in.
func WithDisabledAccount(email, password, name string) Option {
	return func(s *Server) { s.addAccount(email, password, name, false, console.RoleUser) }
}

// WithRole adds an unassigned role.
func WithRole(name string) Option {
	return func(s *Server) { s.ensureRole(name) }
}

// WithOTP sets the one-time code accepted by the verification endpoints.
func WithOTP(code string) Option {
	return func(s *Server) { s.otp = code }
}

// WithAccessTTL sets the lifetime of minted access tokens. Default: 15m.
func WithAccessTTL(d time.Duration) Option {
	return func(s *Server) { s.accessTTL = d }
}

// WithLoginRateLimit caps password and code attempts per client IP.
// Exceeding it yields 429.
func WithLoginRateLimit(requests int, window time.Duration) Option {
	return func(s *Server) { s.loginLimit, s.loginWindow = requests, window }
}

// NewServer starts a fake backend seeded with an admin and a regular user.
// The server is closed by Close.
func NewServer(opts ...Option) *Server {
	s := &Server{
		secret:     []byte("fake-console-secret"),
		otp:        DefaultOTP,
		accessTTL:  15 * time.Minute,
		accounts:   make(map[int64]*account),
		roles:      make(map[int64]*console.Role),
		nextUserID: 1,
		nextRoleID: 1,
		csrfTokens: make(map[string]bool),
		refresh:    make(map[string]int64),
		temp:       make(map[string]int64),
		reset:      make(map[string]int64),
		hits:       make(map[string]int),
		failures:   make(map[string][]int),
	}
	s.addAccount(AdminEmail, AdminPassword, "Admin", true, console.RoleAdmin)
	s.addAccount(UserEmail, UserPassword, "Regular User", true, console.RoleUser)
	for _, o := range opts {
		o(s)
	}
	s.Server = httptest.NewServer(s.routes())
	return s
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(s.count, s.inject, s.requireCSRF)

	r.Get(console.PathCSRFToken, s.handleCSRF)
	r.Post(console.PathRegister, s.handleRegister)
	r.Group(func(r chi.Router) {
		if s.loginLimit > 0 {
			r.Use(httprate.Limit(s.loginLimit, s.loginWindow,
				httprate.WithKeyFuncs(httprate.KeyByIP),
				httprate.WithLimitHandler(func(w http.ResponseWriter, _ *http.Request) {
					writeJSON(w, http.StatusTooManyRequests, "Too many attempts. Try again later.", nil)
				}),
			))
		}
		r.Post(console.PathLoginPassword, s.handleLoginPassword)
		r.Post(console.PathLoginEmailOTP, s.handleLoginEmailOTP)
		r.Post(console.PathAuthenticatorValidate, s.handleValidateCode)
		r.Post(console.PathForgotPasswordVerify, s.handleForgotVerify)
	})
	r.Put(console.PathForgotPasswordReset, s.handleForgotReset)
	r.Post(console.PathLogout, s.handleLogout)
	r.Post(console.PathRefresh, s.handleRefreshCookie)
	r.Post(console.PathRenewAccessToken, s.handleRenewJSON)

	r.Group(func(r chi.Router) {
		r.Use(s.authenticate, s.requireRole(console.RoleAdmin))
		r.Get(console.PathAdminUsers, s.handleListUsers)
		r.Put(console.PathAdminUsers, s.handleUpdateUser)
		r.Put(console.PathAdminUserEnable+"{id}", s.handleToggleUser)
		r.Post(console.PathAdminAddRoles, s.handleAddRoles)
		r.Delete(console.PathAdminRemoveRoles, s.handleRemoveRoles)
		r.Get(console.PathAdminRoles, s.handleListRoles)
		r.Post(console.PathAdminRoles+"/{name}", s.handleAddRole)
		r.Delete(console.PathAdminRoles+"/{id}", s.handleDeleteRole)
		r.Get(console.PathAdminRoleCount, s.handleRoleCount)
	})
	return r
}

// --- Test controls ---

// ExpireAccessTokens invalidates every access token issued so far.
func (s *Server) ExpireAccessTokens() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.generation++
}

// FailRefresh makes both renewal endpoints answer 401 while on is true.
func (s *Server) FailRefresh(on bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failRefresh = on
}

// FailNext queues status as the response to the next request to method and path.
func (s *Server) FailNext(method, path string, status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := hitKey(method, path)
	s.failures[k] = append(s.failures[k], status)
}

// HoldRefresh blocks renewal requests until the returned release func is called.
func (s *Server) HoldRefresh() (release func()) {
	gate := make(chan struct{})
	s.mu.Lock()
	s.refreshGate = gate
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			s.refreshGate = nil
			s.mu.Unlock()
			close(gate)
		})
	}
}

// Hits returns how many requests reached method and path.
func (s *Server) Hits(method, path string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hits[hitKey(method, path)]
}

// RefreshHits returns the number of renewal requests on either endpoint.
func (s *Server) RefreshHits() int {
	return s.Hits(http.MethodPost, console.PathRefresh) + s.Hits(http.MethodPost, console.PathRenewAccessToken)
}

// ResetHits zeroes every request counter.
func (s *Server) ResetHits() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hits = make(map[string]int)
}

// Users returns the stored users ordered by id.
func (s *Server) Users() []console.User {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listUsersLocked()
}

// Roles returns the stored roles ordered by id, with usage counts.
func (s *Server) Roles() []console.Role {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listRolesLocked()
}

// UserByEmail returns the stored user with email.
func (s *Server) UserByEmail(email string) (console.User, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a := s.accountByEmailLocked(email); a != nil {
		return cloneUser(a.user), true
	}
	return console.User{}, false
}

// --- Middleware ---

func hitKey(method, path string) string {
	return method + " " + strings.TrimRight(path, "/")
}

func (s *Server) count(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.hits[hitKey(r.Method, r.URL.Path)]++
		s.mu.Unlock()
		next.ServeHTTP(w, r)
	})
}

func (s *Server) inject(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		k := hitKey(r.Method, r.URL.Path)
		s.mu.Lock()
		var status int
		if q := s.failures[k]; len(q) > 0 {
			status, s.failures[k] = q[0], q[1:]
		}
		s.mu.Unlock()
		if status != 0 {
			writeError(w, status, "injected failure")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// requireCSRF consumes a single-use token on every mutating request.
func (s *Server) requireCSRF(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet, http.MethodHead, http.MethodOptions:
			next.ServeHTTP(w, r)
			return
		}
		token := r.Header.Get("X-XSRF-TOKEN")
		s.mu.Lock()
		ok := token != "" && s.csrfTokens[token]
		delete(s.csrfTokens, token)
		s.mu.Unlock()
		if !ok {
			writeError(w, http.StatusForbidden, "Invalid CSRF token")
			return
		}
		next.ServeHTTP(w, r)
	})
}
