package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	console "github.com/chimerakang/admin-console-go"
)

func (c *cli) signUp(ctx context.Context, args []string) error {
	fs := newFlags("signup", c.errOut)
	name := fs.String("name", "", "display name")
	email := fs.String("email", "", "account email")
	password := fs.String("password", "", "password, at least 8 characters")
	if err := fs.Parse(args); err != nil {
		return err
	}
	return c.console.Auth().Register(ctx, console.SignUpInput{Name: *name, Email: *email, Password: *password})
}

func (c *cli) signIn(ctx context.Context, args []string) error {
	fs := newFlags("signin", c.errOut)
	email := fs.String("email", "", "account email")
	password := fs.String("password", "", "password")
	code := fs.String("code", "", "one-time code; prompted for when empty")
	if err := fs.Parse(args); err != nil {
		return err
	}

	a := c.console.Auth()
	if err := a.SignIn(ctx, console.Credentials{Email: *email, Password: *password}); err != nil {
		return err
	}
	if !a.IsAuthenticated() {
		otp, err := c.prompt(*code, "Verification code")
		if err != nil {
			return err
		}
		if err := a.VerifyOTP(ctx, otp); err != nil {
			return err
		}
	}
	return c.whoAmI()
}

func (c *cli) forgot(ctx context.Context, args []string) error {
	fs := newFlags("forgot", c.errOut)
	email := fs.String("email", "", "account email")
	code := fs.String("code", "", "one-time code; prompted for when empty")
	password := fs.String("password", "", "new password; prompted for when empty")
	if err := fs.Parse(args); err != nil {
		return err
	}

	a := c.console.Auth()
	if err := a.RequestOTP(ctx, *email); err != nil {
		return err
	}
	otp, err := c.prompt(*code, "Verification code")
	if err != nil {
		return err
	}
	if err := a.VerifyOTP(ctx, otp); err != nil {
		return err
	}
	pw, err := c.prompt(*password, "New password")
	if err != nil {
		return err
	}
	return a.SetNewPassword(ctx, pw, pw)
}

func (c *cli) whoAmI() error {
	snap := c.console.Auth().Snapshot()
	if snap.User == nil {
		fmt.Fprintln(c.out, "not signed in")
		return nil
	}
	u := snap.User
	fmt.Fprintf(c.out, "%s <%s> id=%d roles=%s\n", u.Name, u.Email, u.ID, strings.Join(u.RoleNames(), ","))

	if exp, ok := tokenExpiry(c.graph.Sessions.Current().AccessToken); ok {
		fmt.Fprintf(c.out, "access token expires %s (%s)\n", exp.Format(time.RFC3339), time.Until(exp).Round(time.Second))
	}
	return nil
}

// tokenExpiry reads exp from a JWT without verifying it. The server is the
// authority on validity; this is display only.
func tokenExpiry(token string) (time.Time, bool) {
	if token == "" {
		return time.Time{}, false
	}
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return time.Time{}, false
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}, false
	}
	return exp.Time, true
}
