package renewal_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/cookiejar"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	console "github.com/chimerakang/admin-console-go"
	"github.com/chimerakang/admin-console-go/csrf"
	"github.com/chimerakang/admin-console-go/fake"
	"github.com/chimerakang/admin-console-go/renewal"
	"github.com/chimerakang/admin-console-go/session"
)

type fixture struct {
	srv      *fake.Server
	client   *http.Client
	sessions *session.Manager
	nav      *fake.Navigator
	notes    *fake.Notifier
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	srv := fake.NewServer()
	t.Cleanup(srv.Close)
	jar, err := cookiejar.New(nil)
	require.NoError(t, err)

	f := &fixture{
		srv:      srv,
		client:   &http.Client{Jar: jar},
		sessions: session.NewManager(session.NewMemoryStore()),
		nav:      &fake.Navigator{},
		notes:    &fake.Notifier{},
	}
	f.sessions.Rehydrate(context.Background())
	return f
}

func (f *fixture) signIn(t *testing.T) fake.Credentials {
	t.Helper()
	creds, err := f.srv.SignIn(f.client, fake.AdminEmail, fake.AdminPassword)
	require.NoError(t, err)
	require.NoError(t, f.sessions.SetUser(context.Background(), &creds.User))
	return creds
}

func (f *fixture) renewer(opts ...renewal.Option) *renewal.Renewer {
	opts = append([]renewal.Option{renewal.WithNavigator(f.nav), renewal.WithNotifier(f.notes)}, opts...)
	return renewal.New(f.srv.URL, f.client, csrf.New(f.srv.URL, f.client), f.sessions, opts...)
}

func TestRenew_CookieMode(t *testing.T) {
	f := newFixture(t)
	f.signIn(t)

	err := f.renewer().Renew(context.Background())

	require.NoError(t, err)
	assert.Equal(t, 1, f.srv.Hits(http.MethodPost, console.PathRefresh))
	assert.True(t, f.sessions.Current().IsAuthenticated())
	assert.NotEmpty(t, f.sessions.Current().AccessToken)
	assert.Empty(t, f.nav.Routes())
	assert.Empty(t, f.notes.Errors())
}

func TestRenew_JSONModePersistsRotatedTokens(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	creds := f.signIn(t)
	require.NoError(t, f.sessions.SetTokens(ctx, session.Tokens{AccessToken: creds.AccessToken, RefreshToken: creds.RefreshToken}))

	err := f.renewer(renewal.WithMode(console.RefreshJSON)).Renew(ctx)

	require.NoError(t, err)
	s := f.sessions.Current()
	assert.NotEmpty(t, s.AccessToken)
	assert.NotEqual(t, creds.RefreshToken, s.RefreshToken)
	assert.Equal(t, 1, f.srv.Hits(http.MethodPost, console.PathRenewAccessToken))
	assert.Zero(t, f.srv.Hits(http.MethodPost, console.PathRefresh))
}

func TestRenew_JSONModeWithoutRefreshToken(t *testing.T) {
	f := newFixture(t)
	f.signIn(t)

	err := f.renewer(renewal.WithMode(console.RefreshJSON)).Renew(context.Background())

	require.ErrorIs(t, err, renewal.ErrNoRefreshToken)
	assert.Zero(t, f.srv.RefreshHits())
	assert.False(t, f.sessions.Current().IsAuthenticated())
	assert.Equal(t, console.RouteSignIn, f.nav.Last())
}

func TestRenew_FailureExpiresSession(t *testing.T) {
	f := newFixture(t)
	f.signIn(t)
	f.srv.FailRefresh(true)

	expired := 0
	r := f.renewer()
	r.OnExpire(func() { expired++ })

	err := r.Renew(context.Background())

	var apiErr *console.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusUnauthorized, apiErr.Status)
	assert.False(t, f.sessions.Current().IsAuthenticated())
	assert.Equal(t, []string{renewal.ExpiredNotice}, f.notes.Errors())
	assert.Equal(t, []string{console.RouteSignIn}, f.nav.Routes())
	assert.Equal(t, 1, expired)
}

func TestRenew_CSRFUnavailableSkipsRefresh(t *testing.T) {
	f := newFixture(t)
	f.signIn(t)
	f.srv.FailNext(http.MethodGet, console.PathCSRFToken, http.StatusInternalServerError)

	err := f.renewer().Renew(context.Background())

	require.True(t, errors.Is(err, csrf.ErrUnavailable))
	assert.Zero(t, f.srv.RefreshHits())
	assert.Equal(t, console.RouteSignIn, f.nav.Last())
}

func TestRenew_CancelledContextKeepsSession(t *testing.T) {
	f := newFixture(t)
	f.signIn(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := f.renewer().Renew(ctx)

	require.Error(t, err)
	assert.True(t, f.sessions.Current().IsAuthenticated())
	assert.Empty(t, f.nav.Routes())
	assert.Empty(t, f.notes.Errors())
}
