package console

// Backend endpoints, relative to Config.BaseURL.
const (
	PathCSRFToken             = "/v1/csrf-token"
	PathRegister              = "/v1/register"
	PathLoginPassword         = "/v1/login-password"
	PathLoginEmailOTP         = "/v1/login-email-otp"
	PathForgotPasswordVerify  = "/v1/forgot-password-verify-email-otp"
	PathAuthenticatorValidate = "/v1/authenticator-validate-code"
	PathForgotPasswordReset   = "/v1/forgot-password-reset-password"
	PathLogout                = "/v1/logout"
	PathRefresh               = "/v1/auth/refresh"
	PathRenewAccessToken      = "/v1/renew-access-token"
	PathAdminUsers            = "/v1/admin/users"
	PathAdminUserEnable       = "/v1/admin/users/enable/"
	PathAdminAddRoles         = "/v1/admin/add-multiple-role"
	PathAdminRemoveRoles      = "/v1/admin/remove-multiple-role"
	PathAdminRoles            = "/v1/admin/roles"
	PathAdminRoleCount        = "/v1/admin/role-count"
)

// RefreshPath returns the renewal endpoint for mode.
func RefreshPath(mode RefreshMode) string {
	if mode == RefreshJSON {
		return PathRenewAccessToken
	}
	return PathRefresh
}
