// Package console provides a Go SDK for an administrative console backed by a
// REST + cookie/bearer-token API.
//
// The root package defines the shared types and the service interfaces. The
// implementations live in sub-packages (csrf, session, renewal, apiclient,
// auth, users, roles) and are injected via Option functions; bootstrap wires
// the full graph from a Config.
//
// Example:
//
//	client, err := bootstrap.New(console.Config{BaseURL: "https://api.example.com/api"})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close()
//
//	client.Auth().Start(ctx)
//	err = client.Auth().SignIn(ctx, console.Credentials{Email: "a@example.com", Password: "secret"})
package console

import (
	"fmt"
	"io"
	"log/slog"
)

// Client is the main entry point of the console SDK.
type Client struct {
	config  Config
	logger  *slog.Logger
	api     Doer
	auth    Authenticator
	users   UserAdmin
	roles   RoleAdministrator
	closers []io.Closer
}

// Option configures the Client.
type Option func(*Client)

// WithLogger sets a structured logger for the client.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// WithAPI sets the authenticated request executor.
func WithAPI(d Doer) Option {
	return func(c *Client) { c.api = d }
}

// WithAuthenticator sets the auth lifecycle implementation.
func WithAuthenticator(a Authenticator) Option {
	return func(c *Client) { c.auth = a }
}

// WithUserAdmin sets the user management implementation.
func WithUserAdmin(u UserAdmin) Option {
	return func(c *Client) { c.users = u }
}

// WithRoleAdmin sets the role management implementation.
func WithRoleAdmin(r RoleAdministrator) Option {
	return func(c *Client) { c.roles = r }
}

// WithCloser registers a resource released by Close.
func WithCloser(cl io.Closer) Option {
	return func(c *Client) {
		if cl != nil {
			c.closers = append(c.closers, cl)
		}
	}
}

// NewClient creates a new console client with the given configuration and options.
func NewClient(cfg Config, opts ...Option) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	c := &Client{config: cfg, logger: slog.Default()}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

// Config returns the client configuration.
func (c *Client) Config() Config { return c.config }

// Logger returns the client logger.
func (c *Client) Logger() *slog.Logger { return c.logger }

// API returns the authenticated request executor, or nil if not configured.
func (c *Client) API() Doer { return c.api }

// Auth returns the auth lifecycle, or nil if not configured.
func (c *Client) Auth() Authenticator { return c.auth }

// Users returns the user admin service, or nil if not configured.
func (c *Client) Users() UserAdmin { return c.users }

// Roles returns the role admin service, or nil if not configured.
func (c *Client) Roles() RoleAdministrator { return c.roles }

// Ready reports whether the services needed by the console are wired.
func (c *Client) Ready() error {
	if c.api == nil || c.auth == nil {
		return fmt.Errorf("console: api and authenticator must be configured")
	}
	return nil
}

// Close releases all resources held by the client, in reverse registration order.
func (c *Client) Close() error {
	var firstErr error
	for i := len(c.closers) - 1; i >= 0; i-- {
		if err := c.closers[i].Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
