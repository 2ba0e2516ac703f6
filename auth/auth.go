// Package auth is the console's authentication state machine.
//
// The Orchestrator moves between Loading, Unauthenticated, PendingVerification
// and Authenticated. Every transition persists or clears the session, issues
// one navigation and notifies subscribers. Operations report their progress
// through Status so forms can render pending and error states.
package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"reflect"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"

	console "github.com/chimerakang/admin-console-go"
	"github.com/chimerakang/admin-console-go/apiclient"
	"github.com/chimerakang/admin-console-go/audit"
	"github.com/chimerakang/admin-console-go/metrics"
	"github.com/chimerakang/admin-console-go/session"
)

// CodeLength is the length of a one-time verification code.
const CodeLength = 6

// Orchestrator implements console.Authenticator.
type Orchestrator struct {
	api       console.Doer
	sessions  *session.Manager
	validate  *validator.Validate
	navigator console.Navigator
	notifier  console.Notifier
	logger    *slog.Logger
	metrics   *metrics.Metrics
	audit     *audit.Logger
	onSignOut []func()

	mu        sync.Mutex
	state     console.State
	user      *console.User
	pending   *console.Verification
	ops       map[console.Op]console.OpStatus
	listeners map[int]func(console.Snapshot)
	nextID    int
}

// compile-time check
var _ console.Authenticator = (*Orchestrator)(nil)

// Option configures the Orchestrator.
type Option func(*Orchestrator)

// WithNavigator sets the navigation sink.
func WithNavigator(n console.Navigator) Option {
	return func(o *Orchestrator) { o.navigator = n }
}

// WithNotifier sets the user-visible notice sink.
func WithNotifier(n console.Notifier) Option {
	return func(o *Orchestrator) { o.notifier = n }
}

// WithLogger sets a structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

// WithMetrics records operation outcomes.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithAudit records lifecycle events.
func WithAudit(a *audit.Logger) Option {
	return func(o *Orchestrator) { o.audit = a }
}

// WithValidator shares a validator instance.
func WithValidator(v *validator.Validate) Option {
	return func(o *Orchestrator) { o.validate = v }
}

// OnSignOut registers fn to run when the session ends, by sign-out or expiry.
// Resource caches use it to drop data of the previous principal.
func OnSignOut(fn func()) Option {
	return func(o *Orchestrator) { o.onSignOut = append(o.onSignOut, fn) }
}

// NewValidator returns a validator that reports fields by their JSON names.
func NewValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// New creates an orchestrator in the Loading state. Call Start before use.
func New(api console.Doer, sessions *session.Manager, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		api:       api,
		sessions:  sessions,
		navigator: console.NopNavigator,
		logger:    slog.Default(),
		state:     console.StateLoading,
		ops:       make(map[console.Op]console.OpStatus),
		listeners: make(map[int]func(console.Snapshot)),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.validate == nil {
		o.validate = NewValidator()
	}
	if o.notifier == nil {
		o.notifier = console.LogNotifier{Logger: o.logger}
	}
	return o
}

// Start rehydrates the session. A stored user means Authenticated.
func (o *Orchestrator) Start(ctx context.Context) console.Snapshot {
	s := o.sessions.Rehydrate(ctx)
	o.transition(func() {
		o.pending = nil
		o.user = s.User
		if s.User != nil {
			o.state = console.StateAuthenticated
		} else {
			o.state = console.StateUnauthenticated
		}
	})
	return o.Snapshot()
}

// Snapshot returns the current state.
func (o *Orchestrator) Snapshot() console.Snapshot {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.snapshotLocked()
}

func (o *Orchestrator) snapshotLocked() console.Snapshot {
	s := console.Snapshot{State: o.state, User: o.user.Clone()}
	if o.pending != nil {
		p := *o.pending
		s.Pending = &p
	}
	return s
}

// IsAuthenticated reports whether a user is signed in.
func (o *Orchestrator) IsAuthenticated() bool {
	return o.Snapshot().IsAuthenticated()
}

// Status returns the progress of op.
func (o *Orchestrator) Status(op console.Op) console.OpStatus {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.ops[op]
}

// Subscribe registers fn to receive a snapshot after every transition.
func (o *Orchestrator) Subscribe(fn func(console.Snapshot)) (unsubscribe func()) {
	o.mu.Lock()
	id := o.nextID
	o.nextID++
	o.listeners[id] = fn
	o.mu.Unlock()

	return func() {
		o.mu.Lock()
		delete(o.listeners, id)
		o.mu.Unlock()
	}
}

// transition applies fn under the lock and notifies listeners outside it.
func (o *Orchestrator) transition(fn func()) {
	o.mu.Lock()
	fn()
	snap := o.snapshotLocked()
	fns := make([]func(console.Snapshot), 0, len(o.listeners))
	for _, l := range o.listeners {
		fns = append(fns, l)
	}
	o.mu.Unlock()

	for _, l := range fns {
		l(snap)
	}
}

func (o *Orchestrator) setStatus(op console.Op, st console.OpStatus) {
	o.mu.Lock()
	o.ops[op] = st
	o.mu.Unlock()
}

// run tracks op around fn and turns its error into a notice.
func (o *Orchestrator) run(ctx context.Context, op console.Op, action, email string, fn func() error) error {
	o.setStatus(op, console.OpStatus{Pending: true})
	err := fn()
	o.setStatus(op, console.OpStatus{Err: err})

	result := audit.ResultSuccess
	if err != nil {
		result = audit.ResultFailure
		o.logger.Warn("auth operation failed", "op", string(op), "error", err,
			"request_id", console.RequestIDFromContext(ctx))
		o.notifier.Error(notice(op, err))
	}
	o.metrics.RecordAuthOperation(string(op), result)
	o.audit.Record(ctx, action, email, err)
	return err
}

// requireState fails with ErrInvalidTransition unless the state is one of allowed.
func (o *Orchestrator) requireState(allowed ...console.State) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, s := range allowed {
		if o.state == s {
			return nil
		}
	}
	return fmt.Errorf("%w: %s", ErrInvalidTransition, o.state)
}

// authPayload is returned by register and by the sign-in completion step.
type authPayload struct {
	User         *console.User `json:"user"`
	AccessToken  string        `json:"accessToken"`
	RefreshToken string        `json:"refreshToken"`
}

type signInPayload struct {
	TempToken            string        `json:"temp_token"`
	RequiresVerification *bool         `json:"requiresVerification"`
	User                 *console.User `json:"user"`
	AccessToken          string        `json:"accessToken"`
	RefreshToken         string        `json:"refreshToken"`
}

type resetPayload struct {
	ResetPasswordToken string `json:"reset_password_token"`
}

type otpRequest struct {
	Email string `json:"email" validate:"required,email"`
}

type newPassword struct {
	Password string `json:"password" validate:"required,min=8"`
}

// post sends an unauthenticated form: CSRF protected, never renewed.
func post[T any](ctx context.Context, api console.Doer, method, path string, body any) (T, error) {
	return apiclient.Call[T](ctx, api, console.Request{URL: path, Method: method, Body: body, SkipRenewal: true})
}

// signedIn persists the principal and its tokens and enters Authenticated.
func (o *Orchestrator) signedIn(ctx context.Context, u *console.User, access, refresh string) error {
	if err := o.sessions.SetUser(ctx, u); err != nil {
		return err
	}
	if err := o.sessions.SetTokens(ctx, session.Tokens{AccessToken: access, RefreshToken: refresh}); err != nil {
		return err
	}
	if err := o.sessions.Forget(ctx, session.KeyTempToken); err != nil {
		return err
	}
	o.transition(func() {
		o.state = console.StateAuthenticated
		o.user = u.Clone()
		o.pending = nil
	})
	return nil
}

// Register creates an account. When the server returns the new user the
// console is signed in; otherwise the user is sent to sign in.
func (o *Orchestrator) Register(ctx context.Context, in console.SignUpInput) error {
	return o.run(ctx, console.OpRegister, audit.ActionSignUp, in.Email, func() error {
		if err := o.requireState(console.StateUnauthenticated, console.StatePendingVerification); err != nil {
			return err
		}
		in.Email = strings.TrimSpace(in.Email)
		if err := o.validate.Struct(in); err != nil {
			return err
		}

		p, err := post[authPayload](ctx, o.api, http.MethodPost, console.PathRegister, in)
		if err != nil {
			return err
		}
		if p.User == nil {
			o.transition(func() {
				o.state = console.StateUnauthenticated
				o.pending = nil
			})
			o.notifier.Success("Account created successfully. Please sign in.")
			o.navigator.Navigate(console.RouteSignIn)
			return nil
		}
		if err := o.signedIn(ctx, p.User, p.AccessToken, p.RefreshToken); err != nil {
			return err
		}
		o.notifier.Success("Account created successfully.")
		o.navigator.Navigate(console.RouteHome)
		return nil
	})
}

// SignIn checks the password. The server normally answers with a temp token
// and asks for a one-time code, which moves the console to PendingVerification.
func (o *Orchestrator) SignIn(ctx context.Context, in console.Credentials) error {
	return o.run(ctx, console.OpSignIn, audit.ActionSignIn, in.Email, func() error {
		if err := o.requireState(console.StateUnauthenticated, console.StatePendingVerification); err != nil {
			return err
		}
		in.Email = strings.TrimSpace(in.Email)
		if err := o.validate.Struct(in); err != nil {
			return err
		}

		p, err := post[signInPayload](ctx, o.api, http.MethodPost, console.PathLoginPassword, in)
		if err != nil {
			return err
		}

		if p.RequiresVerification != nil && !*p.RequiresVerification && p.User != nil {
			if err := o.signedIn(ctx, p.User, p.AccessToken, p.RefreshToken); err != nil {
				return err
			}
			o.notifier.Success("Signed in successfully.")
			o.navigator.Navigate(console.LandingRoute(p.User))
			return nil
		}

		if err := o.sessions.SetTokens(ctx, session.Tokens{TempToken: p.TempToken}); err != nil {
			return err
		}
		o.enterPending(in.Email, console.PurposeVerifySignIn)
		o.notifier.Success("OTP has been sent to your email.")
		o.navigator.Navigate(console.VerifyCodeRoute(in.Email, console.PurposeVerifySignIn))
		return nil
	})
}

func (o *Orchestrator) enterPending(email string, purpose console.Purpose) {
	o.transition(func() {
		o.state = console.StatePendingVerification
		o.user = nil
		o.pending = &console.Verification{Email: email, Purpose: purpose}
	})
}

// RequestOTP starts a password reset by mailing a one-time code to email.
func (o *Orchestrator) RequestOTP(ctx context.Context, email string) error {
	email = strings.TrimSpace(email)
	return o.run(ctx, console.OpRequestOTP, audit.ActionRequestOTP, email, func() error {
		if err := o.requireState(console.StateUnauthenticated, console.StatePendingVerification); err != nil {
			return err
		}
		in := otpRequest{Email: email}
		if err := o.validate.Struct(in); err != nil {
			return err
		}

		if _, err := post[any](ctx, o.api, http.MethodPost, console.PathLoginEmailOTP, in); err != nil {
			return err
		}
		o.enterPending(email, console.PurposeResetPassword)
		o.notifier.Success("OTP has been sent to your email.")
		o.navigator.Navigate(console.VerifyCodeRoute(email, console.PurposeResetPassword))
		return nil
	})
}

// VerifyOTP submits the code for the pending verification. A failed
// verification leaves the state unchanged so the code can be re-entered.
func (o *Orchestrator) VerifyOTP(ctx context.Context, code string) error {
	pending := o.Snapshot().Pending
	email := ""
	if pending != nil {
		email = pending.Email
	}
	return o.run(ctx, console.OpVerifyOTP, audit.ActionVerifyOTP, email, func() error {
		if pending == nil {
			return ErrNoPendingVerification
		}
		code = strings.TrimSpace(code)
		if len(code) != CodeLength {
			return ErrInvalidCode
		}

		if pending.Purpose == console.PurposeResetPassword {
			return o.verifyReset(ctx, pending.Email, code)
		}
		return o.verifySignIn(ctx, pending.Email, code)
	})
}

func (o *Orchestrator) verifySignIn(ctx context.Context, email, code string) error {
	body := map[string]string{
		"email":      email,
		"otp":        code,
		"temp_token": o.sessions.Current().TempToken,
	}
	p, err := post[authPayload](ctx, o.api, http.MethodPost, console.PathAuthenticatorValidate, body)
	if err != nil {
		return err
	}
	if p.User == nil {
		return errors.New("console/auth: verification response carried no user")
	}
	if err := o.signedIn(ctx, p.User, p.AccessToken, p.RefreshToken); err != nil {
		return err
	}
	o.notifier.Success("Signed in successfully.")
	o.navigator.Navigate(console.LandingRoute(p.User))
	return nil
}

func (o *Orchestrator) verifyReset(ctx context.Context, email, code string) error {
	body := map[string]string{"email": email, "otp": code}
	p, err := post[resetPayload](ctx, o.api, http.MethodPost, console.PathForgotPasswordVerify, body)
	if err != nil {
		return err
	}
	if p.ResetPasswordToken == "" {
		return errors.New("console/auth: verification response carried no reset token")
	}
	if err := o.sessions.SetTokens(ctx, session.Tokens{ResetPasswordToken: p.ResetPasswordToken}); err != nil {
		return err
	}
	o.notifier.Success("OTP verified successfully.")
	o.navigator.Navigate(console.RouteNewPassword)
	return nil
}

// SetNewPassword completes a password reset. Mismatched or short passwords
// are refused without a request.
func (o *Orchestrator) SetNewPassword(ctx context.Context, password, confirm string) error {
	pending := o.Snapshot().Pending
	email := ""
	if pending != nil {
		email = pending.Email
	}
	return o.run(ctx, console.OpSetNewPassword, audit.ActionPasswordReset, email, func() error {
		if pending == nil || pending.Purpose != console.PurposeResetPassword {
			return fmt.Errorf("%w: no password reset in progress", ErrInvalidTransition)
		}
		if password != confirm {
			return ErrPasswordMismatch
		}
		if err := o.validate.Struct(newPassword{Password: password}); err != nil {
			return err
		}
		token := o.sessions.Current().ResetPasswordToken
		if token == "" {
			return ErrNoResetToken
		}

		body := map[string]string{"password": password, "reset_password_token": token}
		if _, err := post[any](ctx, o.api, http.MethodPut, console.PathForgotPasswordReset, body); err != nil {
			return err
		}
		if err := o.sessions.Forget(ctx, session.KeyResetPasswordToken); err != nil {
			return err
		}
		o.transition(func() {
			o.state = console.StateUnauthenticated
			o.pending = nil
		})
		o.notifier.Success("Password updated. Please sign in.")
		o.navigator.Navigate(console.RouteSignIn)
		return nil
	})
}

// SignOut ends the session. The logout call is best effort: the local
// session is cleared whatever the server answers.
func (o *Orchestrator) SignOut(ctx context.Context) error {
	email := ""
	if u := o.Snapshot().User; u != nil {
		email = u.Email
	}
	return o.run(ctx, console.OpSignOut, audit.ActionSignOut, email, func() error {
		if err := o.requireState(console.StateAuthenticated, console.StatePendingVerification, console.StateUnauthenticated); err != nil {
			return err
		}

		if _, err := o.api.Do(ctx, console.Request{URL: console.PathLogout, Method: http.MethodPost, SkipRenewal: true}); err != nil {
			o.logger.Warn("logout request failed, clearing local session anyway", "error", err)
		}
		if err := o.sessions.Clear(ctx); err != nil {
			o.logger.Error("failed to clear session", "error", err)
		}
		o.ended()
		o.notifier.Success("Signed out successfully.")
		o.navigator.Navigate(console.RouteSignIn)
		return nil
	})
}

// Expire moves to Unauthenticated after the renewal unit has cleared the
// session. It does not navigate; the renewal unit already has.
func (o *Orchestrator) Expire() {
	o.ended()
}

func (o *Orchestrator) ended() {
	o.transition(func() {
		o.state = console.StateUnauthenticated
		o.user = nil
		o.pending = nil
	})
	for _, fn := range o.onSignOut {
		fn()
	}
}
