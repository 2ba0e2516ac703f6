package roles_test

import (
	"context"
	"net/http"
	"net/http/cookiejar"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	console "github.com/chimerakang/admin-console-go"
	"github.com/chimerakang/admin-console-go/apiclient"
	"github.com/chimerakang/admin-console-go/cache"
	"github.com/chimerakang/admin-console-go/csrf"
	"github.com/chimerakang/admin-console-go/fake"
	"github.com/chimerakang/admin-console-go/renewal"
	"github.com/chimerakang/admin-console-go/roles"
	"github.com/chimerakang/admin-console-go/session"
)

type fixture struct {
	srv   *fake.Server
	api   console.Doer
	store *cache.Store
	notes *fake.Notifier
	svc   *roles.Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	srv := fake.NewServer(fake.WithRole("ROLE_AUDITOR"))
	t.Cleanup(srv.Close)

	jar, err := cookiejar.New(nil)
	require.NoError(t, err)
	httpClient := &http.Client{Jar: jar}
	creds, err := srv.SignIn(httpClient, fake.AdminEmail, fake.AdminPassword)
	require.NoError(t, err)

	sessions := session.NewManager(session.NewMemoryStore())
	require.NoError(t, sessions.SetUser(ctx, &creds.User))
	require.NoError(t, sessions.SetTokens(ctx, session.Tokens{AccessToken: creds.AccessToken, RefreshToken: creds.RefreshToken}))

	tokens := csrf.New(srv.URL, httpClient)
	api := apiclient.New(srv.URL, httpClient, tokens, renewal.New(srv.URL, httpClient, tokens, sessions),
		apiclient.WithSessions(sessions))

	store := cache.New()
	notes := &fake.Notifier{}
	srv.ResetHits()
	return &fixture{srv: srv, api: api, store: store, notes: notes, svc: roles.New(api, store, roles.WithNotifier(notes))}
}

func find(list []console.Role, name string) (console.Role, bool) {
	for _, r := range list {
		if r.Name == name {
			return r, true
		}
	}
	return console.Role{}, false
}

// blockingDoer holds Do until release is closed, so a test can observe the optimistic state.
type blockingDoer struct {
	next    console.Doer
	method  string
	entered chan struct{}
	release chan struct{}
}

func (b *blockingDoer) Do(ctx context.Context, req console.Request) (*console.Response, error) {
	if req.Method == b.method {
		close(b.entered)
		<-b.release
	}
	return b.next.Do(ctx, req)
}

func TestList(t *testing.T) {
	f := newFixture(t)

	list, err := f.svc.List(context.Background())

	require.NoError(t, err)
	assert.Len(t, list, 3)
	admin, ok := find(list, console.RoleAdmin)
	require.True(t, ok)
	assert.Equal(t, 1, admin.UsersCount)
}

func TestAdd_OptimisticTempIDThenReconciles(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	blocking := &blockingDoer{next: f.api, method: http.MethodPost, entered: make(chan struct{}), release: make(chan struct{})}
	svc := roles.New(blocking, f.store, roles.WithNotifier(f.notes))

	_, err := svc.List(ctx)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- svc.Add(ctx, "ROLE_SUPPORT") }()

	<-blocking.entered
	pending, _, err := cache.Get[[]console.Role](f.store, roles.CacheKey)
	require.NoError(t, err)
	temp, ok := find(pending, "ROLE_SUPPORT")
	require.True(t, ok, "role must be listed before the server answers")
	assert.Negative(t, temp.ID)

	close(blocking.release)
	require.NoError(t, <-done)

	settled, _, err := cache.Get[[]console.Role](f.store, roles.CacheKey)
	require.NoError(t, err)
	role, ok := find(settled, "ROLE_SUPPORT")
	require.True(t, ok)
	assert.Positive(t, role.ID, "temp id replaced by the server id")
	assert.Equal(t, []string{"Role Support added."}, f.notes.Successes())
}

func TestAdd_NormalizesName(t *testing.T) {
	f := newFixture(t)

	require.NoError(t, f.svc.Add(context.Background(), "support team"))

	_, ok := find(f.srv.Roles(), "ROLE_SUPPORT_TEAM")
	assert.True(t, ok)
}

func TestAdd_InvalidNameNeverReachesServer(t *testing.T) {
	f := newFixture(t)

	err := f.svc.Add(context.Background(), "bad/name")

	require.Error(t, err)
	assert.Zero(t, f.srv.Hits(http.MethodPost, console.PathAdminRoles+"/ROLE_BAD/NAME"))
	assert.Len(t, f.notes.Errors(), 1)
}

func TestAdd_DuplicateIsRefusedLocally(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.svc.List(ctx)
	require.NoError(t, err)

	err = f.svc.Add(ctx, "auditor")

	require.ErrorIs(t, err, roles.ErrRoleExists)
	assert.Zero(t, f.srv.Hits(http.MethodPost, console.PathAdminRoles+"/ROLE_AUDITOR"))
}

func TestAdd_ServerFailureRollsBack(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.svc.List(ctx)
	require.NoError(t, err)
	before, _ := f.store.Raw(roles.CacheKey)
	f.srv.FailNext(http.MethodPost, console.PathAdminRoles+"/ROLE_SUPPORT", http.StatusInternalServerError)

	err = f.svc.Add(ctx, "ROLE_SUPPORT")

	require.Error(t, err)
	after, _ := f.store.Raw(roles.CacheKey)
	assert.Equal(t, before, after)
	assert.Equal(t, []string{"injected failure"}, f.notes.Errors())
}

func TestDelete_UnusedRole(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	list, err := f.svc.List(ctx)
	require.NoError(t, err)
	auditor, _ := find(list, "ROLE_AUDITOR")

	require.NoError(t, f.svc.Delete(ctx, auditor.ID, false))

	_, ok := find(f.srv.Roles(), "ROLE_AUDITOR")
	assert.False(t, ok)
	cached, _, _ := cache.Get[[]console.Role](f.store, roles.CacheKey)
	_, ok = find(cached, "ROLE_AUDITOR")
	assert.False(t, ok)
}

func TestDelete_InUseRefusedLocally(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	list, err := f.svc.List(ctx)
	require.NoError(t, err)
	admin, _ := find(list, console.RoleAdmin)

	err = f.svc.Delete(ctx, admin.ID, false)

	require.ErrorIs(t, err, roles.ErrRoleInUse)
	assert.Zero(t, f.srv.Hits(http.MethodDelete, console.PathAdminRoles+"/1"))
	assert.Equal(t, []string{"Role is assigned to users and cannot be deleted."}, f.notes.Errors())
}

func TestDelete_ForcedInUseRollsBackOnServerRejection(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	list, err := f.svc.List(ctx)
	require.NoError(t, err)
	before, _ := f.store.Raw(roles.CacheKey)
	admin, _ := find(list, console.RoleAdmin)

	err = f.svc.Delete(ctx, admin.ID, true)

	var apiErr *console.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusConflict, apiErr.Status)
	after, _ := f.store.Raw(roles.CacheKey)
	assert.Equal(t, before, after, "rollback restores the pre-mutation bytes")
	assert.Equal(t, []string{"Role is assigned to users"}, f.notes.Errors())
}

func TestCounts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	counts, err := f.svc.Counts(ctx)
	require.NoError(t, err)
	assert.Contains(t, counts, console.RoleCount{Name: console.RoleAdmin, Count: 1})

	_, err = f.svc.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, f.srv.Hits(http.MethodGet, console.PathAdminRoleCount))

	require.NoError(t, f.svc.Add(ctx, "ROLE_NEW"))
	_, err = f.svc.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, f.srv.Hits(http.MethodGet, console.PathAdminRoleCount), "role changes invalidate counts")
}

func TestRefreshAfterExpiredToken(t *testing.T) {
	f := newFixture(t)
	f.srv.ExpireAccessTokens()

	list, err := f.svc.Refresh(context.Background())

	require.NoError(t, err)
	assert.Len(t, list, 3)
	assert.Equal(t, 2, f.srv.Hits(http.MethodGet, console.PathAdminRoles))
	assert.Equal(t, 1, f.srv.RefreshHits())
}
