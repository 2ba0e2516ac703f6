package console

import "context"

// Navigator moves the UI to a route. The CLI prints it, a web shell redirects.
type Navigator interface {
	Navigate(route string)
}

// NavigatorFunc adapts a function to Navigator.
type NavigatorFunc func(route string)

// Navigate calls f(route).
func (f NavigatorFunc) Navigate(route string) { f(route) }

// Notifier shows user-visible messages (toasts in a browser, stderr in the CLI).
type Notifier interface {
	Success(msg string)
	Error(msg string)
}

// TokenSource provides anti-forgery tokens. An empty string means no token could be obtained.
type TokenSource interface {
	Fetch(ctx context.Context) string
}

// Renewer exchanges the refresh credential for a new access credential.
type Renewer interface {
	Renew(ctx context.Context) error
}

// Doer executes requests with credentials attached.
// Implementations: apiclient/.
type Doer interface {
	Do(ctx context.Context, req Request) (*Response, error)
}

// Authenticator drives the sign-up / sign-in / verification / reset / sign-out lifecycle.
// Implementations: auth/.
type Authenticator interface {
	// Start rehydrates the session from durable storage.
	Start(ctx context.Context) Snapshot
	Snapshot() Snapshot
	IsAuthenticated() bool
	Status(op Op) OpStatus
	Subscribe(fn func(Snapshot)) (unsubscribe func())

	Register(ctx context.Context, in SignUpInput) error
	SignIn(ctx context.Context, in Credentials) error
	RequestOTP(ctx context.Context, email string) error
	VerifyOTP(ctx context.Context, code string) error
	SetNewPassword(ctx context.Context, password, confirm string) error
	SignOut(ctx context.Context) error
}

// UserAdmin manages user accounts.
// Implementations: users/.
type UserAdmin interface {
	List(ctx context.Context) ([]User, error)
	Refresh(ctx context.Context) ([]User, error)
	AddRoles(ctx context.Context, userID int64, roles []Role) error
	RemoveRoles(ctx context.Context, userID int64, roles []Role) error
	ToggleEnabled(ctx context.Context, userID int64) error
	Update(ctx context.Context, user User) error
}

// RoleAdministrator manages role definitions.
// Implementations: roles/.
type RoleAdministrator interface {
	List(ctx context.Context) ([]Role, error)
	Refresh(ctx context.Context) ([]Role, error)
	Add(ctx context.Context, name string) error
	Delete(ctx context.Context, roleID int64, force bool) error
	Counts(ctx context.Context) ([]RoleCount, error)
}
