// Package csrf fetches anti-forgery tokens for state-changing requests.
package csrf

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	console "github.com/chimerakang/admin-console-go"
	"github.com/chimerakang/admin-console-go/metrics"
)

// HeaderName carries the token on mutating requests.
const HeaderName = "X-XSRF-TOKEN"

// ErrUnavailable is returned by callers that needed a token and got none.
// The mutating request is aborted before it reaches the network.
var ErrUnavailable = errors.New("console/csrf: token unavailable")

// Source implements console.TokenSource against the backend token endpoint.
type Source struct {
	endpoint   string
	httpClient *http.Client
	logger     *slog.Logger
	metrics    *metrics.Metrics
}

// compile-time check
var _ console.TokenSource = (*Source)(nil)

// Option configures the Source.
type Option func(*Source)

// WithLogger sets a structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Source) { s.logger = l }
}

// WithMetrics records fetch failures.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Source) { s.metrics = m }
}

// New creates a Source for the API at baseURL. httpClient must share the
// cookie jar used for the requests the token protects.
func New(baseURL string, httpClient *http.Client, opts ...Option) *Source {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	s := &Source{
		endpoint:   strings.TrimRight(baseURL, "/") + console.PathCSRFToken,
		httpClient: httpClient,
		logger:     slog.Default(),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// tokenResponse accepts both {"token": ".."} and the enveloped {"data": {"token": ".."}}.
type tokenResponse struct {
	Token string `json:"token"`
	Data  struct {
		Token string `json:"token"`
	} `json:"data"`
}

// Fetch returns a fresh token, or "" when none could be obtained. It never
// fails loudly; the cause is logged.
func (s *Source) Fetch(ctx context.Context) string {
	token, reason, err := s.fetch(ctx)
	if err != nil {
		s.logger.Warn("csrf token fetch failed", "url", s.endpoint, "reason", reason, "error", err)
		s.metrics.RecordCSRFFailure(reason)
		return ""
	}
	return token
}

func (s *Source) fetch(ctx context.Context) (string, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.endpoint, nil)
	if err != nil {
		return "", "request", fmt.Errorf("console/csrf: failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return "", "network", fmt.Errorf("console/csrf: request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", "network", fmt.Errorf("console/csrf: failed to read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", "status", fmt.Errorf("console/csrf: endpoint returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return "", "decode", fmt.Errorf("console/csrf: failed to decode response: %w", err)
	}
	token := tr.Token
	if token == "" {
		token = tr.Data.Token
	}
	if token == "" {
		return "", "empty", fmt.Errorf("console/csrf: empty token in response")
	}
	return token, "", nil
}
