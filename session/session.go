package session

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	console "github.com/chimerakang/admin-console-go"
)

// Session is the signed-in principal on the client. Tokens are opaque; their
// validity is decided by the server.
type Session struct {
	User               *console.User
	AccessToken        string
	RefreshToken       string
	TempToken          string
	ResetPasswordToken string
}

// IsAuthenticated is true iff User is non-nil.
func (s Session) IsAuthenticated() bool { return s.User != nil }

// Tokens is a partial token update. Empty fields are left untouched.
type Tokens struct {
	AccessToken        string
	RefreshToken       string
	TempToken          string
	ResetPasswordToken string
}

// Manager mirrors the durable store in memory. Reads are served from memory;
// every write goes to the store first.
type Manager struct {
	store  Store
	logger *slog.Logger

	mu  sync.RWMutex
	cur Session
}

// Option configures the Manager.
type Option func(*Manager)

// WithLogger sets a structured logger for the manager.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// NewManager creates a manager over store. Call Rehydrate before first use.
func NewManager(store Store, opts ...Option) *Manager {
	m := &Manager{store: store, logger: slog.Default()}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Rehydrate loads the session from the store. A corrupt user entry is treated
// as no session: every key is removed and an empty session returned.
func (m *Manager) Rehydrate(ctx context.Context) Session {
	s, err := m.load(ctx)
	if err != nil {
		m.logger.Warn("session rehydrate failed, clearing stored session", "error", err)
		if delErr := m.store.Delete(ctx, AllKeys...); delErr != nil {
			m.logger.Error("session clear failed", "error", delErr)
		}
		s = Session{}
	}

	m.mu.Lock()
	m.cur = s
	m.mu.Unlock()
	return m.Current()
}

func (m *Manager) load(ctx context.Context) (Session, error) {
	var s Session

	raw, ok, err := m.store.Get(ctx, KeyUser)
	if err != nil {
		return Session{}, err
	}
	if ok && raw != "" {
		var u console.User
		if err := json.Unmarshal([]byte(raw), &u); err != nil {
			return Session{}, fmt.Errorf("console/session: decode user: %w", err)
		}
		s.User = &u
	}

	for key, dst := range map[string]*string{
		KeyAccessToken:        &s.AccessToken,
		KeyRefreshToken:       &s.RefreshToken,
		KeyTempToken:          &s.TempToken,
		KeyResetPasswordToken: &s.ResetPasswordToken,
	} {
		v, _, err := m.store.Get(ctx, key)
		if err != nil {
			return Session{}, err
		}
		*dst = v
	}
	return s, nil
}

// Current returns a copy of the in-memory session.
func (m *Manager) Current() Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s := m.cur
	s.User = m.cur.User.Clone()
	return s
}

// SetUser persists u as the current principal.
func (m *Manager) SetUser(ctx context.Context, u *console.User) error {
	if u == nil {
		return fmt.Errorf("console/session: user cannot be nil")
	}
	raw, err := json.Marshal(u)
	if err != nil {
		return fmt.Errorf("console/session: encode user: %w", err)
	}
	if err := m.store.Set(ctx, KeyUser, string(raw)); err != nil {
		return err
	}

	m.mu.Lock()
	m.cur.User = u.Clone()
	m.mu.Unlock()
	return nil
}

// SetTokens persists the non-empty fields of t.
func (m *Manager) SetTokens(ctx context.Context, t Tokens) error {
	updates := []struct {
		key string
		val string
		dst func(*Session) *string
	}{
		{KeyAccessToken, t.AccessToken, func(s *Session) *string { return &s.AccessToken }},
		{KeyRefreshToken, t.RefreshToken, func(s *Session) *string { return &s.RefreshToken }},
		{KeyTempToken, t.TempToken, func(s *Session) *string { return &s.TempToken }},
		{KeyResetPasswordToken, t.ResetPasswordToken, func(s *Session) *string { return &s.ResetPasswordToken }},
	}
	for _, u := range updates {
		if u.val == "" {
			continue
		}
		if err := m.store.Set(ctx, u.key, u.val); err != nil {
			return err
		}
		m.mu.Lock()
		*u.dst(&m.cur) = u.val
		m.mu.Unlock()
	}
	return nil
}

// Forget removes individual token keys, e.g. the temp token once verification is done.
func (m *Manager) Forget(ctx context.Context, keys ...string) error {
	if err := m.store.Delete(ctx, keys...); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range keys {
		switch k {
		case KeyUser:
			m.cur.User = nil
		case KeyAccessToken:
			m.cur.AccessToken = ""
		case KeyRefreshToken:
			m.cur.RefreshToken = ""
		case KeyTempToken:
			m.cur.TempToken = ""
		case KeyResetPasswordToken:
			m.cur.ResetPasswordToken = ""
		}
	}
	return nil
}

// Clear removes the whole session. The in-memory copy is cleared even when the
// store fails.
func (m *Manager) Clear(ctx context.Context) error {
	m.mu.Lock()
	m.cur = Session{}
	m.mu.Unlock()

	if err := m.store.Delete(ctx, AllKeys...); err != nil {
		return fmt.Errorf("console/session: clear: %w", err)
	}
	return nil
}
