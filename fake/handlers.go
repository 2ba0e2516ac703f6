package fake

import (
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	console "github.com/chimerakang/admin-console-go"
)

type accessClaims struct {
	Generation int      `json:"gen"`
	Email      string   `json:"email"`
	Roles      []string `json:"roles"`
	jwt.RegisteredClaims
}

// --- Response helpers ---

func writeJSON(w http.ResponseWriter, status int, message string, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(console.Envelope[any]{
		Success:   status >= 200 && status < 300,
		Status:    status,
		Message:   message,
		Data:      data,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, message, nil)
}

func decode(r *http.Request, v any) error {
	if r.Body == nil {
		return errors.New("empty body")
	}
	return json.NewDecoder(r.Body).Decode(v)
}

func cloneUser(u console.User) console.User {
	return *u.Clone()
}

// --- State helpers (callers hold s.mu) ---

func (s *Server) ensureRole(name string) *console.Role {
	for _, r := range s.roles {
		if r.Name == name {
			return r
		}
	}
	r := &console.Role{ID: s.nextRoleID, Name: name}
	s.nextRoleID++
	s.roles[r.ID] = r
	return r
}

func (s *Server) addAccount(email, password, name string, enabled bool, roles ...string) {
	now := time.Now().UTC().Format(time.RFC3339)
	u := console.User{ID: s.nextUserID, Email: email, Name: name, Enabled: enabled, CreatedAt: now, UpdatedAt: now}
	for _, rn := range roles {
		u.Roles = append(u.Roles, console.Role{ID: s.ensureRole(rn).ID, Name: rn})
	}
	s.accounts[u.ID] = &account{user: u, password: password}
	s.nextUserID++
}

func (s *Server) accountByEmailLocked(email string) *account {
	for _, a := range s.accounts {
		if strings.EqualFold(a.user.Email, email) {
			return a
		}
	}
	return nil
}

func (s *Server) usersCountLocked(roleID int64) int {
	n := 0
	for _, a := range s.accounts {
		for _, r := range a.user.Roles {
			if r.ID == roleID {
				n++
			}
		}
	}
	return n
}

func (s *Server) listUsersLocked() []console.User {
	out := make([]console.User, 0, len(s.accounts))
	for _, a := range s.accounts {
		out = append(out, cloneUser(a.user))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *Server) listRolesLocked() []console.Role {
	out := make([]console.Role, 0, len(s.roles))
	for _, r := range s.roles {
		c := *r
		c.UsersCount = s.usersCountLocked(r.ID)
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *Server) mintAccessLocked(u console.User) (string, error) {
	now := time.Now()
	claims := accessClaims{
		Generation: s.generation,
		Email:      u.Email,
		Roles:      u.RoleNames(),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   strconv.FormatInt(u.ID, 10),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.accessTTL)),
			ID:        uuid.NewString(),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
}

type sessionData struct {
	User         console.User `json:"user"`
	AccessToken  string       `json:"accessToken"`
	RefreshToken string       `json:"refreshToken"`
}

// issueSession mints a token pair for a, sets both cookies and returns the body payload.
func (s *Server) issueSession(w http.ResponseWriter, a *account) (sessionData, error) {
	s.mu.Lock()
	access, err := s.mintAccessLocked(a.user)
	refresh := uuid.NewString()
	if err == nil {
		s.refresh[refresh] = a.user.ID
	}
	u := cloneUser(a.user)
	s.mu.Unlock()
	if err != nil {
		return sessionData{}, err
	}

	http.SetCookie(w, &http.Cookie{Name: AccessCookie, Value: access, Path: "/", HttpOnly: true})
	http.SetCookie(w, &http.Cookie{Name: RefreshCookie, Value: refresh, Path: "/", HttpOnly: true})
	return sessionData{User: u, AccessToken: access, RefreshToken: refresh}, nil
}

// --- Authentication middleware ---

func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if raw == "" {
			if c, err := r.Cookie(AccessCookie); err == nil {
				raw = c.Value
			}
		}
		if raw == "" {
			writeError(w, http.StatusUnauthorized, "Authentication required")
			return
		}

		var claims accessClaims
		_, err := jwt.ParseWithClaims(raw, &claims, func(*jwt.Token) (any, error) {
			return s.secret, nil
		}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
		if err != nil {
			writeError(w, http.StatusUnauthorized, "Invalid or expired token")
			return
		}

		id, _ := strconv.ParseInt(claims.Subject, 10, 64)
		s.mu.Lock()
		a := s.accounts[id]
		valid := claims.Generation == s.generation && a != nil && a.user.Enabled
		s.mu.Unlock()
		if !valid {
			writeError(w, http.StatusUnauthorized, "Invalid or expired token")
			return
		}
		next.ServeHTTP(w, r.WithContext(withUserID(r.Context(), id)))
	})
}

func (s *Server) requireRole(role string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := userIDFrom(r.Context())
			s.mu.Lock()
			a := s.accounts[id]
			ok := a != nil && a.user.HasRole(role)
			s.mu.Unlock()
			if !ok {
				writeError(w, http.StatusForbidden, "Access denied")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// --- Auth endpoints ---

func (s *Server) handleCSRF(w http.ResponseWriter, r *http.Request) {
	token := uuid.NewString()
	s.mu.Lock()
	s.csrfTokens[token] = true
	s.mu.Unlock()
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"token": token})
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Name     string `json:"name"`
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := decode(r, &in); err != nil || in.Name == "" || in.Email == "" || in.Password == "" {
		writeError(w, http.StatusBadRequest, "Name, email and password are required")
		return
	}

	s.mu.Lock()
	if s.accountByEmailLocked(in.Email) != nil {
		s.mu.Unlock()
		writeError(w, http.StatusConflict, "Email already registered")
		return
	}
	s.addAccount(in.Email, in.Password, in.Name, true, console.RoleUser)
	a := s.accountByEmailLocked(in.Email)
	s.mu.Unlock()

	data, err := s.issueSession(w, a)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, "Registration successful", data)
}

func (s *Server) handleLoginPassword(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := decode(r, &in); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	a := s.accountByEmailLocked(in.Email)
	if a == nil || a.password != in.Password {
		writeError(w, http.StatusUnauthorized, "Invalid email or password")
		return
	}
	if !a.user.Enabled {
		writeError(w, http.StatusForbidden, "Account is disabled")
		return
	}
	temp := uuid.NewString()
	s.temp[temp] = a.user.ID
	writeJSON(w, http.StatusOK, "Verification code sent", map[string]any{
		"temp_token":           temp,
		"requiresVerification": true,
	})
}

func (s *Server) handleLoginEmailOTP(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Email string `json:"email"`
	}
	if err := decode(r, &in); err != nil || in.Email == "" {
		writeError(w, http.StatusBadRequest, "Email is required")
		return
	}
	s.mu.Lock()
	a := s.accountByEmailLocked(in.Email)
	s.mu.Unlock()
	if a == nil {
		writeError(w, http.StatusNotFound, "User not found")
		return
	}
	writeJSON(w, http.StatusOK, "Verification code sent", nil)
}

func (s *Server) handleValidateCode(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Email     string `json:"email"`
		OTP       string `json:"otp"`
		TempToken string `json:"temp_token"`
	}
	if err := decode(r, &in); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	s.mu.Lock()
	a := s.accountByEmailLocked(in.Email)
	valid := a != nil && in.OTP == s.otp
	if valid && in.TempToken != "" {
		valid = s.temp[in.TempToken] == a.user.ID
		delete(s.temp, in.TempToken)
	}
	s.mu.Unlock()
	if !valid {
		writeError(w, http.StatusBadRequest, "Invalid verification code")
		return
	}

	data, err := s.issueSession(w, a)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, "Signed in", data)
}

func (s *Server) handleForgotVerify(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Email string `json:"email"`
		OTP   string `json:"otp"`
	}
	if err := decode(r, &in); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	a := s.accountByEmailLocked(in.Email)
	if a == nil || in.OTP != s.otp {
		writeError(w, http.StatusBadRequest, "Invalid verification code")
		return
	}
	token := uuid.NewString()
	s.reset[token] = a.user.ID
	writeJSON(w, http.StatusOK, "Code verified", map[string]string{"reset_password_token": token})
}

func (s *Server) handleForgotReset(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Password           string `json:"password"`
		ResetPasswordToken string `json:"reset_password_token"`
	}
	if err := decode(r, &in); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.reset[in.ResetPasswordToken]
	if !ok {
		writeError(w, http.StatusBadRequest, "Reset token is invalid or expired")
		return
	}
	if len(in.Password) < 8 {
		writeError(w, http.StatusBadRequest, "Password must be at least 8 characters")
		return
	}
	delete(s.reset, in.ResetPasswordToken)
	s.accounts[id].password = in.Password
	writeJSON(w, http.StatusOK, "Password updated", nil)
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if c, err := r.Cookie(RefreshCookie); err == nil {
		s.mu.Lock()
		delete(s.refresh, c.Value)
		s.mu.Unlock()
	}
	for _, name := range []string{AccessCookie, RefreshCookie} {
		http.SetCookie(w, &http.Cookie{Name: name, Value: "", Path: "/", MaxAge: -1})
	}
	writeJSON(w, http.StatusOK, "Signed out", nil)
}

// waitGate blocks while a test holds renewals, and reports whether they should fail.
func (s *Server) waitGate(r *http.Request) (fail bool) {
	s.mu.Lock()
	gate := s.refreshGate
	s.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-r.Context().Done():
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failRefresh
}

func (s *Server) handleRefreshCookie(w http.ResponseWriter, r *http.Request) {
	if s.waitGate(r) {
		writeError(w, http.StatusUnauthorized, "Refresh token expired")
		return
	}
	c, err := r.Cookie(RefreshCookie)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "Refresh token missing")
		return
	}

	s.mu.Lock()
	id, ok := s.refresh[c.Value]
	var access string
	if ok {
		access, err = s.mintAccessLocked(s.accounts[id].user)
	}
	s.mu.Unlock()
	if !ok {
		writeError(w, http.StatusUnauthorized, "Refresh token expired")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	http.SetCookie(w, &http.Cookie{Name: AccessCookie, Value: access, Path: "/", HttpOnly: true})
	writeJSON(w, http.StatusOK, "Token refreshed", map[string]string{"accessToken": access})
}

func (s *Server) handleRenewJSON(w http.ResponseWriter, r *http.Request) {
	if s.waitGate(r) {
		writeError(w, http.StatusUnauthorized, "Refresh token expired")
		return
	}
	var in struct {
		RefreshToken string `json:"refreshToken"`
	}
	if err := decode(r, &in); err != nil || in.RefreshToken == "" {
		writeError(w, http.StatusBadRequest, "Refresh token is required")
		return
	}

	s.mu.Lock()
	id, ok := s.refresh[in.RefreshToken]
	if !ok {
		s.mu.Unlock()
		writeError(w, http.StatusUnauthorized, "Refresh token expired")
		return
	}
	// refresh tokens rotate on every use
	delete(s.refresh, in.RefreshToken)
	rotated := uuid.NewString()
	s.refresh[rotated] = id
	access, err := s.mintAccessLocked(s.accounts[id].user)
	s.mu.Unlock()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, "Token refreshed", map[string]string{
		"accessToken":  access,
		"refreshToken": rotated,
	})
}

// --- Admin endpoints ---

func (s *Server) handleListUsers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, "", s.Users())
}

func (s *Server) handleUpdateUser(w http.ResponseWriter, r *http.Request) {
	var in console.User
	if err := decode(r, &in); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[in.ID]
	if !ok {
		writeError(w, http.StatusNotFound, "User not found")
		return
	}
	if in.Email != "" {
		if other := s.accountByEmailLocked(in.Email); other != nil && other.user.ID != in.ID {
			writeError(w, http.StatusConflict, "Email already registered")
			return
		}
		a.user.Email = in.Email
	}
	if in.Name != "" {
		a.user.Name = in.Name
	}
	a.user.Enabled = in.Enabled
	if in.Roles != nil {
		roles := make([]console.Role, 0, len(in.Roles))
		for _, role := range in.Roles {
			stored, ok := s.roles[role.ID]
			if !ok {
				writeError(w, http.StatusBadRequest, "Unknown role "+strconv.FormatInt(role.ID, 10))
				return
			}
			roles = append(roles, console.Role{ID: stored.ID, Name: stored.Name})
		}
		a.user.Roles = roles
	}
	a.user.UpdatedAt = time.Now().UTC().Format(time.RFC3339)
	writeJSON(w, http.StatusOK, "User updated", cloneUser(a.user))
}

func (s *Server) handleToggleUser(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid user id")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[id]
	if !ok {
		writeError(w, http.StatusNotFound, "User not found")
		return
	}
	a.user.Enabled = !a.user.Enabled
	writeJSON(w, http.StatusOK, "User status updated", cloneUser(a.user))
}

type roleAssignment struct {
	UserID  int64   `json:"userId"`
	RoleIDs []int64 `json:"roleIds"`
}

func (s *Server) handleAddRoles(w http.ResponseWriter, r *http.Request) {
	s.assign(w, r, func(a *account, role console.Role) {
		if !a.user.HasRole(role.Name) {
			a.user.Roles = append(a.user.Roles, console.Role{ID: role.ID, Name: role.Name})
		}
	})
}

func (s *Server) handleRemoveRoles(w http.ResponseWriter, r *http.Request) {
	s.assign(w, r, func(a *account, role console.Role) {
		kept := a.user.Roles[:0]
		for _, held := range a.user.Roles {
			if held.ID != role.ID {
				kept = append(kept, held)
			}
		}
		a.user.Roles = kept
	})
}

func (s *Server) assign(w http.ResponseWriter, r *http.Request, apply func(*account, console.Role)) {
	var in roleAssignment
	if err := decode(r, &in); err != nil || len(in.RoleIDs) == 0 {
		writeError(w, http.StatusBadRequest, "userId and roleIds are required")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[in.UserID]
	if !ok {
		writeError(w, http.StatusNotFound, "User not found")
		return
	}
	for _, id := range in.RoleIDs {
		if _, ok := s.roles[id]; !ok {
			writeError(w, http.StatusBadRequest, "Unknown role "+strconv.FormatInt(id, 10))
			return
		}
	}
	for _, id := range in.RoleIDs {
		apply(a, *s.roles[id])
	}
	writeJSON(w, http.StatusOK, "Roles updated", cloneUser(a.user))
}

func (s *Server) handleListRoles(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, "", s.Roles())
}

func (s *Server) handleAddRole(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if !strings.HasPrefix(name, console.RolePrefix) || name != strings.ToUpper(name) {
		writeError(w, http.StatusBadRequest, "Role name must be upper case and start with ROLE_")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.roles {
		if existing.Name == name {
			writeError(w, http.StatusConflict, "Role already exists")
			return
		}
	}
	role := *s.ensureRole(name)
	writeJSON(w, http.StatusCreated, "Role created", role)
}

func (s *Server) handleDeleteRole(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid role id")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.roles[id]; !ok {
		writeError(w, http.StatusNotFound, "Role not found")
		return
	}
	if s.usersCountLocked(id) > 0 {
		writeError(w, http.StatusConflict, "Role is assigned to users")
		return
	}
	delete(s.roles, id)
	writeJSON(w, http.StatusOK, "Role deleted", nil)
}

func (s *Server) handleRoleCount(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	roles := s.listRolesLocked()
	s.mu.Unlock()

	counts := make([]console.RoleCount, len(roles))
	for i, role := range roles {
		counts[i] = console.RoleCount{Name: role.Name, Count: role.UsersCount}
	}
	writeJSON(w, http.StatusOK, "", counts)
}
