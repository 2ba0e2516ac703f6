// Package bootstrap wires the console services from a Config.
package bootstrap

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/cookiejar"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/trace"

	console "github.com/chimerakang/admin-console-go"
	"github.com/chimerakang/admin-console-go/apiclient"
	"github.com/chimerakang/admin-console-go/audit"
	"github.com/chimerakang/admin-console-go/auth"
	"github.com/chimerakang/admin-console-go/cache"
	"github.com/chimerakang/admin-console-go/csrf"
	"github.com/chimerakang/admin-console-go/metrics"
	"github.com/chimerakang/admin-console-go/renewal"
	"github.com/chimerakang/admin-console-go/roles"
	"github.com/chimerakang/admin-console-go/session"
	"github.com/chimerakang/admin-console-go/users"
)

// Graph holds every wired component. Most callers only need Client.
type Graph struct {
	Client   *console.Client
	HTTP     *http.Client
	Sessions *session.Manager
	Cache    *cache.Store
	Metrics  *metrics.Metrics
	Audit    *audit.Logger
	CSRF     *csrf.Source
	Renewer  *renewal.Renewer
	API      *apiclient.Client
	Auth     *auth.Orchestrator
	Users    *users.Service
	Roles    *roles.Service
}

// Option configures the wiring.
type Option func(*options)

type options struct {
	logger     *slog.Logger
	navigator  console.Navigator
	notifier   console.Notifier
	store      session.Store
	httpClient *http.Client
	registry   prometheus.Registerer
	tracer     trace.Tracer
	audit      []audit.Option
}

// WithLogger sets the logger shared by all components.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithNavigator sets the navigation sink.
func WithNavigator(n console.Navigator) Option {
	return func(o *options) { o.navigator = n }
}

// WithNotifier sets the user-visible notice sink.
func WithNotifier(n console.Notifier) Option {
	return func(o *options) { o.notifier = n }
}

// WithSessionStore overrides the store chosen from the config.
func WithSessionStore(s session.Store) Option {
	return func(o *options) { o.store = s }
}

// WithHTTPClient overrides the cookie-jar client. The client must keep cookies
// for the cookie refresh mode to work.
func WithHTTPClient(c *http.Client) Option {
	return func(o *options) { o.httpClient = c }
}

// WithMetricsRegistry registers metrics on reg regardless of Config.MetricsEnabled.
func WithMetricsRegistry(reg prometheus.Registerer) Option {
	return func(o *options) { o.registry = reg }
}

// WithTracer sets the tracer for API request spans.
func WithTracer(t trace.Tracer) Option {
	return func(o *options) { o.tracer = t }
}

// WithAuditOptions adds audit handlers.
func WithAuditOptions(opts ...audit.Option) Option {
	return func(o *options) { o.audit = append(o.audit, opts...) }
}

// New wires the console and returns its client.
func New(cfg console.Config, opts ...Option) (*console.Client, error) {
	g, err := Build(cfg, opts...)
	if err != nil {
		return nil, err
	}
	return g.Client, nil
}

// Build wires the console and returns every component.
func Build(cfg console.Config, opts ...Option) (*Graph, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	o := &options{logger: slog.Default(), navigator: console.NopNavigator}
	for _, opt := range opts {
		opt(o)
	}
	if o.notifier == nil {
		o.notifier = console.LogNotifier{Logger: o.logger}
	}

	g := &Graph{HTTP: o.httpClient}
	if g.HTTP == nil {
		jar, err := cookiejar.New(nil)
		if err != nil {
			return nil, fmt.Errorf("console/bootstrap: cookie jar: %w", err)
		}
		g.HTTP = &http.Client{Jar: jar}
	}

	var closers []console.Option
	store := o.store
	if store == nil {
		s, closer, err := openStore(cfg, o.logger)
		if err != nil {
			return nil, err
		}
		store = s
		if closer != nil {
			closers = append(closers, console.WithCloser(closer))
		}
	}

	switch {
	case o.registry != nil:
		g.Metrics = metrics.NewWithRegistry(o.registry)
	default:
		g.Metrics = metrics.New(cfg.MetricsEnabled)
	}

	auditOpts := append([]audit.Option{audit.WithSlogHandler(o.logger.With("component", "audit"))}, o.audit...)
	g.Audit = audit.New(0, auditOpts...)

	g.Cache = cache.New(cache.WithLogger(o.logger), cache.WithMetrics(g.Metrics))
	g.Sessions = session.NewManager(store, session.WithLogger(o.logger))
	g.CSRF = csrf.New(cfg.BaseURL, g.HTTP, csrf.WithLogger(o.logger), csrf.WithMetrics(g.Metrics))
	g.Renewer = renewal.New(cfg.BaseURL, g.HTTP, g.CSRF, g.Sessions,
		renewal.WithMode(cfg.RefreshMode),
		renewal.WithNavigator(o.navigator),
		renewal.WithNotifier(o.notifier),
		renewal.WithLogger(o.logger),
		renewal.WithMetrics(g.Metrics),
		renewal.WithAudit(g.Audit),
	)
	apiOpts := []apiclient.Option{
		apiclient.WithSessions(g.Sessions),
		apiclient.WithNavigator(o.navigator),
		apiclient.WithLogger(o.logger),
		apiclient.WithMetrics(g.Metrics),
		apiclient.WithTimeout(cfg.RequestTimeout),
	}
	if o.tracer != nil {
		apiOpts = append(apiOpts, apiclient.WithTracer(o.tracer))
	}
	g.API = apiclient.New(cfg.BaseURL, g.HTTP, g.CSRF, g.Renewer, apiOpts...)
	g.Auth = auth.New(g.API, g.Sessions,
		auth.WithNavigator(o.navigator),
		auth.WithNotifier(o.notifier),
		auth.WithLogger(o.logger),
		auth.WithMetrics(g.Metrics),
		auth.WithAudit(g.Audit),
		auth.OnSignOut(g.Cache.InvalidateAll),
	)
	g.Renewer.OnExpire(g.Auth.Expire)
	g.Users = users.New(g.API, g.Cache, users.WithNotifier(o.notifier), users.WithLogger(o.logger))
	g.Roles = roles.New(g.API, g.Cache, roles.WithNotifier(o.notifier), roles.WithLogger(o.logger))

	clientOpts := append([]console.Option{
		console.WithLogger(o.logger),
		console.WithAPI(g.API),
		console.WithAuthenticator(g.Auth),
		console.WithUserAdmin(g.Users),
		console.WithRoleAdmin(g.Roles),
		console.WithCloser(g.Audit),
	}, closers...)
	client, err := console.NewClient(cfg, clientOpts...)
	if err != nil {
		return nil, err
	}
	g.Client = client
	return g, nil
}

// openStore picks redis when configured, then a session file, then memory.
func openStore(cfg console.Config, logger *slog.Logger) (session.Store, interface{ Close() error }, error) {
	switch {
	case cfg.RedisAddr != "":
		rdb, err := session.DialRedis(context.Background(), cfg.RedisAddr)
		if err != nil {
			return nil, nil, fmt.Errorf("console/bootstrap: %w", err)
		}
		logger.Debug("session store: redis", "addr", cfg.RedisAddr)
		return session.NewRedisStore(rdb), rdb, nil
	case cfg.SessionFile != "":
		logger.Debug("session store: file", "path", cfg.SessionFile)
		return session.NewFileStore(cfg.SessionFile), nil, nil
	default:
		return session.NewMemoryStore(), nil, nil
	}
}
