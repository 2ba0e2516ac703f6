package main

import (
	"context"
	"fmt"
	"io"
	"strings"

	console "github.com/chimerakang/admin-console-go"
	"github.com/chimerakang/admin-console-go/bootstrap"
	"github.com/chimerakang/admin-console-go/fake"
	"github.com/chimerakang/admin-console-go/session"
)

// runDemo walks the console flows against an in-process backend.
func runDemo(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	fs := newFlags("demo", stderr)
	mode := fs.String("mode", string(console.RefreshCookie), "refresh mode: cookie or json")
	if err := fs.Parse(args); err != nil {
		return err
	}

	srv := fake.NewServer(fake.WithRole("ROLE_AUDITOR"))
	defer srv.Close()

	cfg := console.Config{BaseURL: srv.URL, RefreshMode: console.RefreshMode(*mode)}
	c, err := newCLI(cfg, strings.NewReader(""), stdout, stderr, bootstrap.WithSessionStore(session.NewMemoryStore()))
	if err != nil {
		return err
	}
	defer func() { _ = c.console.Close() }()
	c.console.Auth().Start(ctx)

	steps := []struct {
		title string
		args  []string
	}{
		{"sign in as " + fake.AdminEmail, []string{"signin", "-email", fake.AdminEmail, "-password", fake.AdminPassword, "-code", fake.DefaultOTP}},
		{"list users", []string{"users", "list"}},
		{"list roles", []string{"roles", "list"}},
		{"grant ROLE_AUDITOR to " + fake.UserEmail, []string{"users", "add-roles", "-id", userID(srv, fake.UserEmail), "-roles", "auditor"}},
		{"disable " + fake.UserEmail, []string{"users", "toggle", "-id", userID(srv, fake.UserEmail)}},
		{"add a role", []string{"roles", "add", "-name", "support team"}},
		{"role usage", []string{"roles", "counts"}},
	}
	for _, s := range steps {
		fmt.Fprintf(stdout, "\n== %s\n", s.title)
		if err := c.dispatch(ctx, s.args); err != nil {
			return fmt.Errorf("%s: %w", s.title, err)
		}
	}

	fmt.Fprintln(stdout, "\n== access token expires, next call renews it")
	srv.ExpireAccessTokens()
	if err := c.dispatch(ctx, []string{"users", "list", "-refresh", "-status", "inactive"}); err != nil {
		return err
	}
	fmt.Fprintf(stdout, "refresh calls: %d\n", srv.RefreshHits())

	fmt.Fprintln(stdout, "\n== sign out")
	return c.dispatch(ctx, []string{"signout"})
}

func userID(srv *fake.Server, email string) string {
	u, _ := srv.UserByEmail(email)
	return fmt.Sprint(u.ID)
}
