package console

import (
	"net/url"
	"strings"
)

// Console routes.
const (
	RouteHome           = "/"
	RouteAdminDashboard = "/admin/dashboard"
	RouteSignIn         = "/auth/sign-in"
	RouteSignUp         = "/auth/sign-up"
	RouteForgotPassword = "/auth/forget-password"
	RouteVerifyCode     = "/auth/verify-code"
	RouteNewPassword    = "/auth/new-password"
)

// Well-known role names.
const (
	RolePrefix  = "ROLE_"
	RoleAdmin   = "ROLE_ADMIN"
	RoleManager = "ROLE_MANAGER"
	RoleUser    = "ROLE_USER"
)

// VerifyCodeRoute builds the verify-code route for the given email and purpose.
func VerifyCodeRoute(email string, purpose Purpose) string {
	q := url.Values{}
	q.Set("email", email)
	q.Set("codeType", string(purpose))
	return RouteVerifyCode + "?" + q.Encode()
}

// LandingRoute is where a freshly authenticated user goes.
func LandingRoute(u *User) string {
	if u.HasRole(RoleAdmin) {
		return RouteAdminDashboard
	}
	return RouteHome
}

// FormatRoleName turns ROLE_SUPPORT_TEAM into "Support Team".
func FormatRoleName(name string) string {
	words := strings.Split(strings.ToLower(strings.TrimPrefix(name, RolePrefix)), "_")
	for i, w := range words {
		if w == "" {
			continue
		}
		words[i] = strings.ToUpper(w[:1]) + w[1:]
	}
	return strings.Join(words, " ")
}

// NormalizeRoleName turns "support team" or "support_team" into ROLE_SUPPORT_TEAM.
// Names that already carry the prefix are only upper-cased.
func NormalizeRoleName(name string) string {
	n := strings.ToUpper(strings.TrimSpace(name))
	n = strings.Join(strings.Fields(n), "_")
	if n == "" || strings.HasPrefix(n, RolePrefix) {
		return n
	}
	return RolePrefix + n
}
