package ginmw

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"

	console "github.com/chimerakang/admin-console-go"
	"github.com/chimerakang/admin-console-go/guard"
)

type stubAuth struct {
	console.Authenticator
	snap console.Snapshot
}

func (s stubAuth) Snapshot() console.Snapshot { return s.snap }

func init() {
	gin.SetMode(gin.TestMode)
}

func admin() console.Snapshot {
	return console.Snapshot{
		State: console.StateAuthenticated,
		User:  &console.User{ID: 1, Email: "admin@example.com", Roles: []console.Role{{ID: 1, Name: console.RoleAdmin}}},
	}
}

func router(auth console.Authenticator, mw gin.HandlerFunc) *gin.Engine {
	r := gin.New()
	r.Use(mw)
	handler := func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"email": GetEmail(c), "roles": GetRoles(c)})
	}
	r.GET("/admin/dashboard", handler)
	r.GET("/auth/sign-in", handler)
	r.GET("/healthz", handler)
	r.GET("/", handler)
	return r
}

func get(r http.Handler, path string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
	return w
}

func TestGuard_Allow(t *testing.T) {
	r := router(stubAuth{snap: admin()}, Guard(stubAuth{snap: admin()}, guard.Admin()))

	w := get(r, "/admin/dashboard")

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if body := w.Body.String(); body != `{"email":"admin@example.com","roles":["ROLE_ADMIN"]}` {
		t.Errorf("body = %s", body)
	}
}

func TestGuard_RedirectsAnonymousWithFrom(t *testing.T) {
	auth := stubAuth{snap: console.Snapshot{State: console.StateUnauthenticated}}
	r := router(auth, Guard(auth, guard.Admin()))

	w := get(r, "/admin/dashboard")

	if w.Code != http.StatusFound {
		t.Fatalf("status = %d, want 302", w.Code)
	}
	if loc := w.Header().Get("Location"); loc != "/auth/sign-in?from=%2Fadmin%2Fdashboard" {
		t.Errorf("Location = %q", loc)
	}
}

func TestGuard_LoadingReturns503(t *testing.T) {
	auth := stubAuth{snap: console.Snapshot{State: console.StateLoading}}
	r := router(auth, Guard(auth, guard.User()))

	w := get(r, "/")

	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", w.Code)
	}
	if w.Header().Get("Retry-After") == "" {
		t.Error("expected Retry-After header")
	}
}

func TestGuard_ExcludedPaths(t *testing.T) {
	auth := stubAuth{snap: console.Snapshot{State: console.StateUnauthenticated}}
	r := router(auth, Guard(auth, guard.User(), WithExcludedPaths("/healthz")))

	if w := get(r, "/healthz"); w.Code != http.StatusOK {
		t.Errorf("excluded path status = %d, want 200", w.Code)
	}
}

func TestTable(t *testing.T) {
	auth := stubAuth{snap: admin()}
	r := router(auth, Table(auth, guard.DefaultTable()))

	w := get(r, "/auth/sign-in")
	if w.Code != http.StatusFound {
		t.Fatalf("status = %d, want 302", w.Code)
	}
	if loc := w.Header().Get("Location"); loc != "/admin/dashboard?from=%2Fauth%2Fsign-in" {
		t.Errorf("Location = %q", loc)
	}

	if w := get(r, "/admin/dashboard"); w.Code != http.StatusOK {
		t.Errorf("admin dashboard status = %d, want 200", w.Code)
	}
}
