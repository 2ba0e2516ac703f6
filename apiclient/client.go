// Package apiclient is the authenticated transport every console call goes through.
//
// A request carries the bearer credential when one is stored, a fresh CSRF
// token when it mutates, and an X-Request-ID. A 401 or 403 triggers exactly one
// renewal shared by every request that failed concurrently, after which each
// request is retried once.
package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	console "github.com/chimerakang/admin-console-go"
	"github.com/chimerakang/admin-console-go/csrf"
	"github.com/chimerakang/admin-console-go/metrics"
	"github.com/chimerakang/admin-console-go/session"
)

const (
	renewKey     = "renew"
	tracerName   = "github.com/chimerakang/admin-console-go/apiclient"
	renewedEvent = "credentials renewed"
	rejectedAttr = "console.rejected_after_renewal"
)

var errRenewalTimedOut = errors.New("renewal timed out")

// Client implements console.Doer.
type Client struct {
	baseURL    string
	httpClient *http.Client
	tokens     console.TokenSource
	renewer    console.Renewer
	sessions   *session.Manager
	navigator  console.Navigator
	logger     *slog.Logger
	metrics    *metrics.Metrics
	timeout    time.Duration
	tracer     trace.Tracer

	group singleflight.Group
	// epoch counts successful renewals.
	epoch atomic.Uint64
}

// compile-time check
var _ console.Doer = (*Client)(nil)

// Option configures the Client.
type Option func(*Client)

// WithSessions attaches the bearer credential from the session to every request.
func WithSessions(m *session.Manager) Option {
	return func(c *Client) { c.sessions = m }
}

// WithNavigator sets where the user is sent when a retried request is still rejected.
func WithNavigator(n console.Navigator) Option {
	return func(c *Client) { c.navigator = n }
}

// WithLogger sets a structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// WithMetrics records request outcomes.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

// WithTimeout bounds every attempt. Zero means no per-attempt timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.timeout = d }
}

// WithTracer sets the tracer used for request spans. Default: the global provider.
func WithTracer(t trace.Tracer) Option {
	return func(c *Client) { c.tracer = t }
}

// New creates a client for the API at baseURL.
func New(baseURL string, httpClient *http.Client, tokens console.TokenSource, renewer console.Renewer, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpClient,
		tokens:     tokens,
		renewer:    renewer,
		navigator:  console.NopNavigator,
		logger:     slog.Default(),
	}
	for _, o := range opts {
		o(c)
	}
	if c.httpClient == nil {
		c.httpClient = http.DefaultClient
	}
	if c.tracer == nil {
		c.tracer = otel.Tracer(tracerName)
	}
	return c
}

// Do performs req. The returned error is a *console.APIError for non-2xx
// responses, wraps console.ErrSessionExpired when the renewal failed, and wraps
// csrf.ErrUnavailable when a mutating request could not obtain a token.
func (c *Client) Do(ctx context.Context, req console.Request) (resp *console.Response, err error) {
	if req.Method == "" {
		req.Method = http.MethodGet
	}
	if console.RequestIDFromContext(ctx) == "" {
		ctx = console.WithRequestID(ctx, uuid.NewString())
	}

	ctx, span := c.tracer.Start(ctx, "console.api "+req.Method,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("http.request.method", req.Method),
			attribute.String("url.path", req.URL),
			attribute.String("console.request_id", console.RequestIDFromContext(ctx)),
		))
	defer func() {
		if resp != nil {
			span.SetAttributes(attribute.Int("http.response.status_code", resp.Status))
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	return c.do(ctx, req)
}

func (c *Client) do(ctx context.Context, req console.Request) (*console.Response, error) {
	body, err := encodeBody(req)
	if err != nil {
		return nil, fmt.Errorf("console/apiclient: %w", err)
	}

	epoch := c.epoch.Load()
	resp, err := c.send(ctx, req, body)
	if err != nil {
		return nil, err
	}
	if !console.IsAuthStatus(resp.Status) || req.SkipRenewal || c.renewer == nil {
		return c.finish(ctx, req, resp)
	}

	c.logger.Debug("request rejected, renewing credentials",
		"method", req.Method, "url", req.URL, "status", resp.Status,
		"request_id", console.RequestIDFromContext(ctx))
	if err := c.renew(ctx, epoch); err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("console/apiclient: %w", ctx.Err())
		}
		if errors.Is(err, errRenewalTimedOut) {
			// abandoned, not refused; the session is left as is
			return nil, fmt.Errorf("console/apiclient: %w", err)
		}
		// the renewer has already cleared the session and navigated
		return nil, fmt.Errorf("%w: %w", console.ErrSessionExpired, err)
	}
	trace.SpanFromContext(ctx).AddEvent(renewedEvent)

	resp, err = c.send(ctx, req, body)
	if err == nil {
		resp, err = c.finish(ctx, req, resp)
	}
	if err != nil && ctx.Err() == nil {
		c.logger.Warn("request failed after renewal",
			"method", req.Method, "url", req.URL, "error", err,
			"request_id", console.RequestIDFromContext(ctx))
		trace.SpanFromContext(ctx).SetAttributes(attribute.Bool(rejectedAttr, true))
		c.navigator.Navigate(console.RouteSignIn)
	}
	return resp, err
}

// renew joins the in-flight renewal or starts one. A request sent before a
// renewal that has since succeeded is retried without renewing again. The
// shared renewal is detached from ctx so that one caller giving up does not
// fail the others, and is bounded by the client timeout when one is set.
func (c *Client) renew(ctx context.Context, sentAt uint64) error {
	if c.epoch.Load() != sentAt {
		return nil
	}
	ch := c.group.DoChan(renewKey, func() (any, error) {
		rctx := context.WithoutCancel(ctx)
		if c.timeout > 0 {
			var cancel context.CancelFunc
			rctx, cancel = context.WithTimeout(rctx, c.timeout)
			defer cancel()
		}
		if err := c.renewer.Renew(rctx); err != nil {
			if rctx.Err() != nil {
				return nil, fmt.Errorf("%w: %w", errRenewalTimedOut, rctx.Err())
			}
			return nil, err
		}
		c.epoch.Add(1)
		return nil, nil
	})
	select {
	case <-ctx.Done():
		return ctx.Err()
	case res := <-ch:
		return res.Err
	}
}

func encodeBody(req console.Request) ([]byte, error) {
	switch b := req.Body.(type) {
	case nil:
		return nil, nil
	case []byte:
		return b, nil
	case string:
		return []byte(b), nil
	case io.Reader:
		raw, err := io.ReadAll(b)
		if err != nil {
			return nil, fmt.Errorf("read request body: %w", err)
		}
		return raw, nil
	default:
		raw, err := json.Marshal(b)
		if err != nil {
			return nil, fmt.Errorf("encode request body: %w", err)
		}
		return raw, nil
	}
}

func mutating(method string) bool {
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return true
	}
	return false
}


// send performs one attempt. Headers are rebuilt each time so a retry sees the
// renewed credential and a fresh CSRF token.
func (c *Client) send(ctx context.Context, req console.Request, body []byte) (*console.Response, error) {
	var token string
	if mutating(req.Method) {
		if token = c.tokens.Fetch(ctx); token == "" {
			return nil, fmt.Errorf("console/apiclient: %s %s: %w", req.Method, req.URL, csrf.ErrUnavailable)
		}
	}

	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	var rdr io.Reader
	if body != nil {
		rdr = bytes.NewReader(body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, console.Config{BaseURL: c.baseURL}.URL(req.URL), rdr)
	if err != nil {
		return nil, fmt.Errorf("console/apiclient: create request: %w", err)
	}
	contentType := req.ContentType
	if contentType == "" {
		contentType = "application/json"
	}
	if body != nil {
		httpReq.Header.Set("Content-Type", contentType)
	}
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("X-Request-ID", console.RequestIDFromContext(ctx))
	if token != "" {
		httpReq.Header.Set(csrf.HeaderName, token)
	}
	if c.sessions != nil {
		if access := c.sessions.Current().AccessToken; access != "" {
			httpReq.Header.Set("Authorization", "Bearer "+access)
		}
	}

	start := time.Now()
	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		c.metrics.RecordRequest(req.Method, 0, time.Since(start))
		c.logger.Error("request failed", "method", req.Method, "url", req.URL, "error", err,
			"request_id", console.RequestIDFromContext(ctx))
		return nil, fmt.Errorf("console/apiclient: %s %s: %w", req.Method, req.URL, err)
	}
	defer func() { _ = httpResp.Body.Close() }()

	raw, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, fmt.Errorf("console/apiclient: read response: %w", err)
	}
	c.metrics.RecordRequest(req.Method, httpResp.StatusCode, time.Since(start))
	return &console.Response{Status: httpResp.StatusCode, Header: httpResp.Header, Body: raw}, nil
}

func (c *Client) finish(ctx context.Context, req console.Request, resp *console.Response) (*console.Response, error) {
	if resp.Status >= 200 && resp.Status <= 299 {
		return resp, nil
	}
	apiErr := &console.APIError{Status: resp.Status, Message: console.ResponseMessage(resp.Body, resp.Status)}
	c.logger.Warn("request returned error status",
		"method", req.Method, "url", req.URL, "status", resp.Status, "error", apiErr.Message,
		"request_id", console.RequestIDFromContext(ctx))
	return resp, apiErr
}

// Call performs req through d and decodes the envelope payload into T.
func Call[T any](ctx context.Context, d console.Doer, req console.Request) (T, error) {
	var zero T
	resp, err := d.Do(ctx, req)
	if err != nil {
		return zero, err
	}
	return Decode[T](resp)
}

// Decode unwraps the envelope data of resp. An empty body yields the zero value.
func Decode[T any](resp *console.Response) (T, error) {
	var env console.Envelope[T]
	if len(bytes.TrimSpace(resp.Body)) == 0 {
		return env.Data, nil
	}
	if err := json.Unmarshal(resp.Body, &env); err != nil {
		return env.Data, fmt.Errorf("console/apiclient: decode response: %w", err)
	}
	return env.Data, nil
}

// IsSessionExpired reports whether err came from a failed renewal.
func IsSessionExpired(err error) bool {
	return errors.Is(err, console.ErrSessionExpired)
}
