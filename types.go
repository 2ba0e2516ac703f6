package console

import "net/http"

// User is an account as returned by the admin API. It is also the identity
// persisted in the durable session under the "user" key.
type User struct {
	ID      int64  `json:"id"`
	Email   string `json:"email"`
	Name    string `json:"name"`
	Enabled bool   `json:"enabled"`
	// CreatedAt and UpdatedAt are kept exactly as sent by the server.
	CreatedAt string `json:"createdAt,omitempty"`
	UpdatedAt string `json:"updatedAt,omitempty"`
	Roles     []Role `json:"roles"`
}

// HasRole reports whether the user holds the named role.
func (u *User) HasRole(name string) bool {
	if u == nil {
		return false
	}
	for _, r := range u.Roles {
		if r.Name == name {
			return true
		}
	}
	return false
}

// HasAnyRole reports whether the user holds at least one of the named roles.
func (u *User) HasAnyRole(names ...string) bool {
	for _, n := range names {
		if u.HasRole(n) {
			return true
		}
	}
	return false
}

// RoleNames returns the names of the roles held by the user.
func (u *User) RoleNames() []string {
	if u == nil {
		return nil
	}
	names := make([]string, len(u.Roles))
	for i, r := range u.Roles {
		names[i] = r.Name
	}
	return names
}

// Clone returns a deep copy of the user.
func (u *User) Clone() *User {
	if u == nil {
		return nil
	}
	c := *u
	c.Roles = append([]Role(nil), u.Roles...)
	return &c
}

// Role is a named role. Names follow the ROLE_ prefix convention.
type Role struct {
	ID         int64  `json:"id"`
	Name       string `json:"name"`
	UsersCount int    `json:"usersCount,omitempty"`
}

// RoleCount is one row of the role usage summary.
type RoleCount struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

// Envelope is the response wrapper used by every backend endpoint.
type Envelope[T any] struct {
	Success   bool   `json:"success"`
	Status    int    `json:"status"`
	Message   string `json:"message"`
	Data      T      `json:"data"`
	Timestamp string `json:"timestamp,omitempty"`
}

// Request describes one call through the authenticated API client.
type Request struct {
	// URL is either absolute or a path relative to Config.BaseURL.
	URL    string
	Method string // defaults to GET
	// Body is JSON-encoded when ContentType is application/json (the default);
	// otherwise it must be a []byte, string or io.Reader and is sent verbatim.
	Body        any
	ContentType string
	// SkipRenewal marks calls made before a session exists (sign-in, register).
	// They still carry cookies and a CSRF token but a 401/403 is returned as is.
	SkipRenewal bool
}

// Response is a fully read backend response.
type Response struct {
	Status int
	Header http.Header
	Body   []byte
}

// RefreshMode selects the backend's token renewal contract.
type RefreshMode string

const (
	// RefreshCookie renews via POST /v1/auth/refresh; the server keeps renewal state in cookies.
	RefreshCookie RefreshMode = "cookie"
	// RefreshJSON renews via POST /v1/renew-access-token with the stored refresh token
	// and persists the tokens returned in the body.
	RefreshJSON RefreshMode = "json"
)

// State is the authentication state of the console.
type State int

const (
	StateLoading State = iota
	StateUnauthenticated
	StatePendingVerification
	StateAuthenticated
)

func (s State) String() string {
	switch s {
	case StateLoading:
		return "loading"
	case StateUnauthenticated:
		return "unauthenticated"
	case StatePendingVerification:
		return "pending_verification"
	case StateAuthenticated:
		return "authenticated"
	default:
		return "unknown"
	}
}

// Purpose tells the verification step what a one-time code authorizes.
type Purpose string

const (
	PurposeVerifySignIn  Purpose = "verifySignIn"
	PurposeResetPassword Purpose = "resetPassword"
)

// Verification is the pending one-time-code step.
type Verification struct {
	Email   string
	Purpose Purpose
}

// Snapshot is a point-in-time view of the auth state.
type Snapshot struct {
	State   State
	User    *User
	Pending *Verification
}

// IsAuthenticated is true iff a user is present.
func (s Snapshot) IsAuthenticated() bool { return s.User != nil }

// Op names an auth operation for status reporting.
type Op string

const (
	OpRegister       Op = "register"
	OpSignIn         Op = "sign_in"
	OpRequestOTP     Op = "request_otp"
	OpVerifyOTP      Op = "verify_otp"
	OpSetNewPassword Op = "set_new_password"
	OpSignOut        Op = "sign_out"
)

// OpStatus is what a form needs to render an operation.
type OpStatus struct {
	Pending bool
	Err     error
}

// SignUpInput is the registration form.
type SignUpInput struct {
	Name     string `json:"name" validate:"required,max=100"`
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required,min=8"`
}

// Credentials is the password sign-in form.
type Credentials struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
}
