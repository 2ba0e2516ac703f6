// Package renewal exchanges the refresh credential for a new access credential.
//
// It is the single recovery path for authentication expiry: when an exchange
// fails the session is cleared, the user is told the session expired and the
// console navigates to sign-in.
package renewal

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	console "github.com/chimerakang/admin-console-go"
	"github.com/chimerakang/admin-console-go/audit"
	"github.com/chimerakang/admin-console-go/csrf"
	"github.com/chimerakang/admin-console-go/metrics"
	"github.com/chimerakang/admin-console-go/session"
)

// ExpiredNotice is shown when a renewal fails.
const ExpiredNotice = "Session expired. Please sign in again."

// ErrNoRefreshToken is returned in JSON mode when no refresh token is stored.
var ErrNoRefreshToken = errors.New("console/renewal: no refresh token found")

// Renewer implements console.Renewer.
type Renewer struct {
	baseURL    string
	mode       console.RefreshMode
	httpClient *http.Client
	tokens     console.TokenSource
	sessions   *session.Manager
	navigator  console.Navigator
	notifier   console.Notifier
	logger     *slog.Logger
	metrics    *metrics.Metrics
	audit      *audit.Logger

	mu       sync.Mutex
	onExpire []func()
}

// compile-time check
var _ console.Renewer = (*Renewer)(nil)

// Option configures the Renewer.
type Option func(*Renewer)

// WithMode selects the backend renewal contract. Default: console.RefreshCookie.
func WithMode(m console.RefreshMode) Option {
	return func(r *Renewer) { r.mode = m }
}

// WithNavigator sets where the user is sent when the session expires.
func WithNavigator(n console.Navigator) Option {
	return func(r *Renewer) { r.navigator = n }
}

// WithNotifier sets the user-visible notice sink.
func WithNotifier(n console.Notifier) Option {
	return func(r *Renewer) { r.notifier = n }
}

// WithLogger sets a structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Renewer) { r.logger = l }
}

// WithMetrics records renewal outcomes.
func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Renewer) { r.metrics = m }
}

// WithAudit records renewals and expiries.
func WithAudit(a *audit.Logger) Option {
	return func(r *Renewer) { r.audit = a }
}

// New creates a Renewer for the API at baseURL.
func New(baseURL string, httpClient *http.Client, tokens console.TokenSource, sessions *session.Manager, opts ...Option) *Renewer {
	r := &Renewer{
		baseURL:    strings.TrimRight(baseURL, "/"),
		mode:       console.RefreshCookie,
		httpClient: httpClient,
		tokens:     tokens,
		sessions:   sessions,
		navigator:  console.NopNavigator,
		logger:     slog.Default(),
	}
	for _, o := range opts {
		o(r)
	}
	if r.httpClient == nil {
		r.httpClient = http.DefaultClient
	}
	if r.notifier == nil {
		r.notifier = console.LogNotifier{Logger: r.logger}
	}
	return r
}

// OnExpire registers fn to run after a failed renewal has cleared the session
// and before navigation. The auth orchestrator uses it to leave the
// authenticated state.
func (r *Renewer) OnExpire(fn func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onExpire = append(r.onExpire, fn)
}

// payload is the token-bearing body of the JSON contract. Cookie backends
// may return anything, including nothing.
type payload struct {
	AccessToken  string        `json:"accessToken"`
	RefreshToken string        `json:"refreshToken"`
	User         *console.User `json:"user"`
}

// Renew performs one exchange. There is no retry inside the unit: a non-2xx
// response is terminal for this attempt. A cancelled ctx returns an error
// without expiring the session.
func (r *Renewer) Renew(ctx context.Context) error {
	err := r.exchange(ctx)
	if err != nil && ctx.Err() != nil {
		// abandoned by the caller; the session may still be valid
		return fmt.Errorf("console/renewal: %w", err)
	}
	if err != nil {
		r.metrics.RecordRenewal(audit.ResultFailure)
		r.audit.Record(ctx, audit.ActionSessionExpired, r.email(), err)
		r.expire(ctx, err)
		return fmt.Errorf("console/renewal: %w", err)
	}
	r.metrics.RecordRenewal(audit.ResultSuccess)
	r.audit.Record(ctx, audit.ActionTokenRenewed, r.email(), nil)
	return nil
}

func (r *Renewer) exchange(ctx context.Context) error {
	token := r.tokens.Fetch(ctx)
	if token == "" {
		return csrf.ErrUnavailable
	}

	var body io.Reader
	if r.mode == console.RefreshJSON {
		refresh := r.sessions.Current().RefreshToken
		if refresh == "" {
			return ErrNoRefreshToken
		}
		raw, err := json.Marshal(map[string]string{"refreshToken": refresh})
		if err != nil {
			return fmt.Errorf("encode refresh request: %w", err)
		}
		body = bytes.NewReader(raw)
	}

	url := r.baseURL + console.RefreshPath(r.mode)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, body)
	if err != nil {
		return fmt.Errorf("create refresh request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set(csrf.HeaderName, token)
	if id := console.RequestIDFromContext(ctx); id != "" {
		req.Header.Set("X-Request-ID", id)
	}

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("refresh request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read refresh response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &console.APIError{Status: resp.StatusCode, Message: console.ResponseMessage(raw, resp.StatusCode)}
	}

	return r.persist(ctx, raw)
}

// persist stores tokens returned in the body. In cookie mode the body is optional.
func (r *Renewer) persist(ctx context.Context, raw []byte) error {
	var env console.Envelope[payload]
	if len(bytes.TrimSpace(raw)) > 0 {
		if err := json.Unmarshal(raw, &env); err != nil {
			if r.mode == console.RefreshJSON {
				return fmt.Errorf("decode refresh response: %w", err)
			}
			return nil
		}
	}

	p := env.Data
	if r.mode == console.RefreshJSON && p.AccessToken == "" {
		return fmt.Errorf("refresh response carried no access token")
	}
	if err := r.sessions.SetTokens(ctx, session.Tokens{AccessToken: p.AccessToken, RefreshToken: p.RefreshToken}); err != nil {
		return err
	}
	if p.User != nil {
		if err := r.sessions.SetUser(ctx, p.User); err != nil {
			return err
		}
	}
	return nil
}

func (r *Renewer) expire(ctx context.Context, cause error) {
	r.logger.Warn("token renewal failed, session expired", "mode", string(r.mode), "error", cause)

	if err := r.sessions.Clear(ctx); err != nil {
		r.logger.Error("failed to clear session", "error", err)
	}
	r.notifier.Error(ExpiredNotice)

	r.mu.Lock()
	hooks := append([]func(){}, r.onExpire...)
	r.mu.Unlock()
	for _, fn := range hooks {
		fn()
	}

	r.navigator.Navigate(console.RouteSignIn)
}

func (r *Renewer) email() string {
	if u := r.sessions.Current().User; u != nil {
		return u.Email
	}
	return ""
}
