package csrf_test

import (
	"context"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"testing"

	"github.com/chimerakang/admin-console-go/csrf"
)

func serve(t *testing.T, h http.HandlerFunc) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return srv
}

func TestFetch(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		want   string
	}{
		{name: "top level token", status: 200, body: `{"token":"abc"}`, want: "abc"},
		{name: "enveloped token", status: 200, body: `{"success":true,"data":{"token":"xyz"}}`, want: "xyz"},
		{name: "server error", status: 500, body: `{"message":"boom"}`, want: ""},
		{name: "malformed body", status: 200, body: `<html>`, want: ""},
		{name: "empty token", status: 200, body: `{"token":""}`, want: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := serve(t, func(w http.ResponseWriter, r *http.Request) {
				if r.URL.Path != "/v1/csrf-token" || r.Method != http.MethodGet {
					http.NotFound(w, r)
					return
				}
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			})

			got := csrf.New(srv.URL, srv.Client()).Fetch(context.Background())
			if got != tt.want {
				t.Errorf("Fetch() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestFetch_NetworkFailureReturnsEmpty(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	if got := csrf.New(url, nil).Fetch(context.Background()); got != "" {
		t.Errorf("Fetch() = %q, want empty", got)
	}
}

func TestFetch_SendsCookies(t *testing.T) {
	srv := serve(t, func(w http.ResponseWriter, r *http.Request) {
		if _, err := r.Cookie("XSRF-SESSION"); err != nil {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		_, _ = w.Write([]byte(`{"token":"with-cookie"}`))
	})

	jar, _ := cookiejar.New(nil)
	client := &http.Client{Jar: jar}
	req, _ := http.NewRequest(http.MethodGet, srv.URL, nil)
	jar.SetCookies(req.URL, []*http.Cookie{{Name: "XSRF-SESSION", Value: "1"}})

	if got := csrf.New(srv.URL, client).Fetch(context.Background()); got != "with-cookie" {
		t.Errorf("Fetch() = %q, want %q", got, "with-cookie")
	}
}

func TestFetch_FreshTokenEachCall(t *testing.T) {
	n := 0
	srv := serve(t, func(w http.ResponseWriter, r *http.Request) {
		n++
		_, _ = w.Write([]byte(`{"token":"t` + string(rune('0'+n)) + `"}`))
	})

	s := csrf.New(srv.URL, srv.Client())
	first := s.Fetch(context.Background())
	second := s.Fetch(context.Background())

	if first == second {
		t.Errorf("expected a fresh token per call, got %q twice", first)
	}
	if n != 2 {
		t.Errorf("expected 2 fetches, got %d", n)
	}
}
