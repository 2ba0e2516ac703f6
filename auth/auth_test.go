package auth_test

import (
	"context"
	"net/http"
	"net/http/cookiejar"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	console "github.com/chimerakang/admin-console-go"
	"github.com/chimerakang/admin-console-go/apiclient"
	"github.com/chimerakang/admin-console-go/auth"
	"github.com/chimerakang/admin-console-go/csrf"
	"github.com/chimerakang/admin-console-go/fake"
	"github.com/chimerakang/admin-console-go/renewal"
	"github.com/chimerakang/admin-console-go/session"
)

type fixture struct {
	srv      *fake.Server
	store    session.Store
	sessions *session.Manager
	nav      *fake.Navigator
	notes    *fake.Notifier
	api      *apiclient.Client
	orch     *auth.Orchestrator
	signOuts int
}

func newFixture(t *testing.T, store session.Store) *fixture {
	t.Helper()
	srv := fake.NewServer()
	t.Cleanup(srv.Close)
	if store == nil {
		store = session.NewMemoryStore()
	}

	jar, err := cookiejar.New(nil)
	require.NoError(t, err)
	httpClient := &http.Client{Jar: jar}

	f := &fixture{
		srv:      srv,
		store:    store,
		sessions: session.NewManager(store),
		nav:      &fake.Navigator{},
		notes:    &fake.Notifier{},
	}
	tokens := csrf.New(srv.URL, httpClient)
	renewer := renewal.New(srv.URL, httpClient, tokens, f.sessions,
		renewal.WithNavigator(f.nav), renewal.WithNotifier(f.notes))
	f.api = apiclient.New(srv.URL, httpClient, tokens, renewer,
		apiclient.WithSessions(f.sessions), apiclient.WithNavigator(f.nav))
	f.orch = auth.New(f.api, f.sessions,
		auth.WithNavigator(f.nav),
		auth.WithNotifier(f.notes),
		auth.OnSignOut(func() { f.signOuts++ }))
	renewer.OnExpire(f.orch.Expire)
	return f
}

func (f *fixture) started(t *testing.T) *fixture {
	t.Helper()
	snap := f.orch.Start(context.Background())
	require.Equal(t, console.StateUnauthenticated, snap.State)
	return f
}

func (f *fixture) signInAndVerify(t *testing.T, email, password string) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, f.orch.SignIn(ctx, console.Credentials{Email: email, Password: password}))
	require.NoError(t, f.orch.VerifyOTP(ctx, fake.DefaultOTP))
}

func TestStart(t *testing.T) {
	store := session.NewMemoryStore()
	f := newFixture(t, store)
	assert.Equal(t, console.StateLoading, f.orch.Snapshot().State)

	snap := f.orch.Start(context.Background())
	assert.Equal(t, console.StateUnauthenticated, snap.State)
	assert.False(t, snap.IsAuthenticated())

	require.NoError(t, store.Set(context.Background(), session.KeyUser, `{"id":1,"email":"admin@example.com","roles":[{"id":1,"name":"ROLE_ADMIN"}]}`))
	snap = newFixture(t, store).orch.Start(context.Background())
	assert.Equal(t, console.StateAuthenticated, snap.State)
	assert.Equal(t, "admin@example.com", snap.User.Email)
}

func TestOperationsBeforeStartAreRejected(t *testing.T) {
	f := newFixture(t, nil)

	err := f.orch.SignIn(context.Background(), console.Credentials{Email: fake.AdminEmail, Password: fake.AdminPassword})

	require.ErrorIs(t, err, auth.ErrInvalidTransition)
	assert.Zero(t, f.srv.Hits(http.MethodPost, console.PathLoginPassword))
}

func TestSignInThenVerify(t *testing.T) {
	f := newFixture(t, nil).started(t)
	ctx := context.Background()
	var states []console.State
	unsubscribe := f.orch.Subscribe(func(s console.Snapshot) { states = append(states, s.State) })
	defer unsubscribe()

	require.NoError(t, f.orch.SignIn(ctx, console.Credentials{Email: fake.AdminEmail, Password: fake.AdminPassword}))

	snap := f.orch.Snapshot()
	require.Equal(t, console.StatePendingVerification, snap.State)
	assert.Equal(t, &console.Verification{Email: fake.AdminEmail, Purpose: console.PurposeVerifySignIn}, snap.Pending)
	assert.NotEmpty(t, f.sessions.Current().TempToken)
	assert.Equal(t, console.VerifyCodeRoute(fake.AdminEmail, console.PurposeVerifySignIn), f.nav.Last())

	require.NoError(t, f.orch.VerifyOTP(ctx, fake.DefaultOTP))

	snap = f.orch.Snapshot()
	assert.Equal(t, console.StateAuthenticated, snap.State)
	assert.True(t, f.orch.IsAuthenticated())
	assert.Equal(t, fake.AdminEmail, snap.User.Email)
	assert.Empty(t, f.sessions.Current().TempToken)
	assert.NotEmpty(t, f.sessions.Current().AccessToken)
	assert.Equal(t, console.RouteAdminDashboard, f.nav.Last(), "admins land on the dashboard")
	assert.Equal(t, []console.State{console.StatePendingVerification, console.StateAuthenticated}, states)
	assert.Len(t, f.nav.Routes(), 2, "one navigation per transition")
}

func TestNonAdminLandsHome(t *testing.T) {
	f := newFixture(t, nil).started(t)

	f.signInAndVerify(t, fake.UserEmail, fake.UserPassword)

	assert.Equal(t, console.RouteHome, f.nav.Last())
}

func TestSignIn_WrongPassword(t *testing.T) {
	f := newFixture(t, nil).started(t)

	err := f.orch.SignIn(context.Background(), console.Credentials{Email: fake.AdminEmail, Password: "nope"})

	var apiErr *console.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusUnauthorized, apiErr.Status)
	assert.Equal(t, console.StateUnauthenticated, f.orch.Snapshot().State)
	assert.Equal(t, []string{"Invalid email or password"}, f.notes.Errors())
	assert.Zero(t, f.srv.RefreshHits(), "sign-in failures never trigger renewal")

	st := f.orch.Status(console.OpSignIn)
	assert.False(t, st.Pending)
	assert.ErrorIs(t, st.Err, err)
}

func TestSignIn_ValidationFailsLocally(t *testing.T) {
	f := newFixture(t, nil).started(t)

	err := f.orch.SignIn(context.Background(), console.Credentials{Email: "not-an-email", Password: ""})

	require.Error(t, err)
	assert.Zero(t, f.srv.Hits(http.MethodPost, console.PathLoginPassword))
	require.Len(t, f.notes.Errors(), 1)
	assert.Contains(t, f.notes.Errors()[0], "email must be a valid email address.")
	assert.Contains(t, f.notes.Errors()[0], "password is required.")
}

func TestVerifyOTP_WrongCodeKeepsPending(t *testing.T) {
	f := newFixture(t, nil).started(t)
	ctx := context.Background()
	require.NoError(t, f.orch.SignIn(ctx, console.Credentials{Email: fake.AdminEmail, Password: fake.AdminPassword}))

	err := f.orch.VerifyOTP(ctx, "000000")

	require.Error(t, err)
	assert.Equal(t, console.StatePendingVerification, f.orch.Snapshot().State)
	assert.Equal(t, "Invalid verification code", f.notes.Errors()[0])
}

func TestVerifyOTP_RetryAfterFailure(t *testing.T) {
	f := newFixture(t, nil).started(t)
	ctx := context.Background()
	require.NoError(t, f.orch.SignIn(ctx, console.Credentials{Email: fake.AdminEmail, Password: fake.AdminPassword}))
	f.srv.FailNext(http.MethodPost, console.PathAuthenticatorValidate, http.StatusServiceUnavailable)

	require.Error(t, f.orch.VerifyOTP(ctx, fake.DefaultOTP))
	require.NoError(t, f.orch.VerifyOTP(ctx, fake.DefaultOTP))

	assert.Equal(t, console.StateAuthenticated, f.orch.Snapshot().State)
	assert.NoError(t, f.orch.Status(console.OpVerifyOTP).Err)
}

func TestVerifyOTP_Errors(t *testing.T) {
	f := newFixture(t, nil).started(t)
	ctx := context.Background()

	require.ErrorIs(t, f.orch.VerifyOTP(ctx, fake.DefaultOTP), auth.ErrNoPendingVerification)

	require.NoError(t, f.orch.RequestOTP(ctx, fake.AdminEmail))
	require.ErrorIs(t, f.orch.VerifyOTP(ctx, "123"), auth.ErrInvalidCode)
	assert.Zero(t, f.srv.Hits(http.MethodPost, console.PathForgotPasswordVerify))
}

func TestPasswordReset(t *testing.T) {
	f := newFixture(t, nil).started(t)
	ctx := context.Background()

	require.NoError(t, f.orch.RequestOTP(ctx, fake.UserEmail))
	snap := f.orch.Snapshot()
	require.Equal(t, console.StatePendingVerification, snap.State)
	assert.Equal(t, console.PurposeResetPassword, snap.Pending.Purpose)
	assert.Equal(t, console.VerifyCodeRoute(fake.UserEmail, console.PurposeResetPassword), f.nav.Last())

	require.NoError(t, f.orch.VerifyOTP(ctx, fake.DefaultOTP))
	assert.Equal(t, console.StatePendingVerification, f.orch.Snapshot().State)
	assert.NotEmpty(t, f.sessions.Current().ResetPasswordToken)
	assert.Equal(t, console.RouteNewPassword, f.nav.Last())

	require.ErrorIs(t, f.orch.SetNewPassword(ctx, "newpassword1", "different1"), auth.ErrPasswordMismatch)
	require.Error(t, f.orch.SetNewPassword(ctx, "short", "short"))
	assert.Zero(t, f.srv.Hits(http.MethodPut, console.PathForgotPasswordReset))

	require.NoError(t, f.orch.SetNewPassword(ctx, "newpassword1", "newpassword1"))
	assert.Equal(t, console.StateUnauthenticated, f.orch.Snapshot().State)
	assert.Empty(t, f.sessions.Current().ResetPasswordToken)
	assert.Equal(t, console.RouteSignIn, f.nav.Last())

	f.signInAndVerify(t, fake.UserEmail, "newpassword1")
	assert.True(t, f.orch.IsAuthenticated())
}

func TestSetNewPasswordWithoutReset(t *testing.T) {
	f := newFixture(t, nil).started(t)

	err := f.orch.SetNewPassword(context.Background(), "newpassword1", "newpassword1")

	require.ErrorIs(t, err, auth.ErrInvalidTransition)
}

func TestRegister(t *testing.T) {
	f := newFixture(t, nil).started(t)

	err := f.orch.Register(context.Background(), console.SignUpInput{Name: "Dana", Email: "dana@example.com", Password: "longenough"})

	require.NoError(t, err)
	snap := f.orch.Snapshot()
	assert.Equal(t, console.StateAuthenticated, snap.State)
	assert.Equal(t, "dana@example.com", snap.User.Email)
	assert.Equal(t, console.RouteHome, f.nav.Last())
	assert.Equal(t, []string{"Account created successfully."}, f.notes.Successes())
}

func TestRegister_Duplicate(t *testing.T) {
	f := newFixture(t, nil).started(t)

	err := f.orch.Register(context.Background(), console.SignUpInput{Name: "Admin", Email: fake.AdminEmail, Password: "longenough"})

	require.Error(t, err)
	assert.Equal(t, console.StateUnauthenticated, f.orch.Snapshot().State)
	assert.Equal(t, []string{"Email already registered"}, f.notes.Errors())
	assert.Empty(t, f.nav.Routes())
}

func TestSignOut(t *testing.T) {
	f := newFixture(t, nil).started(t)
	f.signInAndVerify(t, fake.AdminEmail, fake.AdminPassword)

	require.NoError(t, f.orch.SignOut(context.Background()))

	assert.Equal(t, console.StateUnauthenticated, f.orch.Snapshot().State)
	assert.False(t, f.sessions.Current().IsAuthenticated())
	assert.Equal(t, console.RouteSignIn, f.nav.Last())
	assert.Equal(t, 1, f.signOuts)
	assert.Equal(t, 1, f.srv.Hits(http.MethodPost, console.PathLogout))
	_, ok, _ := f.store.Get(context.Background(), session.KeyUser)
	assert.False(t, ok)
}

func TestSignOut_ServerFailureStillClears(t *testing.T) {
	f := newFixture(t, nil).started(t)
	f.signInAndVerify(t, fake.AdminEmail, fake.AdminPassword)
	f.srv.FailNext(http.MethodPost, console.PathLogout, http.StatusInternalServerError)

	require.NoError(t, f.orch.SignOut(context.Background()))

	assert.False(t, f.orch.IsAuthenticated())
	assert.Equal(t, console.RouteSignIn, f.nav.Last())
}

func TestRenewalFailureExpiresOrchestrator(t *testing.T) {
	f := newFixture(t, nil).started(t)
	f.signInAndVerify(t, fake.AdminEmail, fake.AdminPassword)
	f.nav.Reset()
	f.srv.ExpireAccessTokens()
	f.srv.FailRefresh(true)

	_, err := f.api.Do(context.Background(), console.Request{URL: console.PathAdminUsers})

	require.ErrorIs(t, err, console.ErrSessionExpired)
	assert.Equal(t, console.StateUnauthenticated, f.orch.Snapshot().State)
	assert.Equal(t, 1, f.signOuts)
	assert.Equal(t, []string{console.RouteSignIn}, f.nav.Routes(), "exactly one navigation on expiry")
}

func TestSubscribeConcurrent(t *testing.T) {
	f := newFixture(t, nil)
	var mu sync.Mutex
	seen := 0
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			f.orch.Subscribe(func(console.Snapshot) {
				mu.Lock()
				seen++
				mu.Unlock()
			})
		}()
	}
	wg.Wait()

	f.orch.Start(context.Background())

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 10, seen)
}
