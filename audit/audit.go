// Package audit records the session lifecycle of the console: sign-ins,
// verifications, password resets, renewals and expiries.
package audit

import (
	"context"
	"log/slog"
	"sync"
	"time"

	console "github.com/chimerakang/admin-console-go"
)

// Actions.
const (
	ActionSignUp         = "sign_up"
	ActionSignIn         = "sign_in"
	ActionRequestOTP     = "request_otp"
	ActionVerifyOTP      = "verify_otp"
	ActionPasswordReset  = "password_reset"
	ActionSignOut        = "sign_out"
	ActionTokenRenewed   = "token_renewed"
	ActionSessionExpired = "session_expired"
)

// Results.
const (
	ResultSuccess = "success"
	ResultFailure = "failure"
)

// Event is one audit record.
type Event struct {
	Timestamp time.Time `json:"timestamp"`
	RequestID string    `json:"request_id,omitempty"`
	UserID    int64     `json:"user_id,omitempty"`
	Email     string    `json:"email,omitempty"`
	Action    string    `json:"action"`
	Result    string    `json:"result"`
	Details   string    `json:"details,omitempty"`
	Error     string    `json:"error,omitempty"`
}

// Handler processes audit events. Implementations should not block.
type Handler func(event Event)

// Logger fans events out to handlers from a single background goroutine.
// A nil *Logger drops every event.
type Logger struct {
	handlers []Handler
	queue    chan Event
	done     chan struct{}
	once     sync.Once
	wg       sync.WaitGroup
}

// Option configures Logger behavior.
type Option func(*Logger)

// WithSlogHandler adds a handler that writes events to a structured logger.
func WithSlogHandler(l *slog.Logger) Option {
	return func(lg *Logger) {
		lg.AddHandler(func(e Event) {
			attrs := []any{
				"action", e.Action,
				"result", e.Result,
			}
			if e.RequestID != "" {
				attrs = append(attrs, "request_id", e.RequestID)
			}
			if e.Email != "" {
				attrs = append(attrs, "email", e.Email)
			}
			if e.UserID != 0 {
				attrs = append(attrs, "user_id", e.UserID)
			}
			if e.Details != "" {
				attrs = append(attrs, "details", e.Details)
			}
			if e.Error != "" {
				attrs = append(attrs, "error", e.Error)
			}
			l.Info("audit", attrs...)
		})
	}
}

// WithHandler adds a custom event handler.
func WithHandler(h Handler) Option {
	return func(l *Logger) {
		l.AddHandler(h)
	}
}

// New creates a new audit logger with buffered async emission.
// bufferSize: event queue buffer size (default: 256).
func New(bufferSize int, opts ...Option) *Logger {
	if bufferSize <= 0 {
		bufferSize = 256
	}

	logger := &Logger{
		queue: make(chan Event, bufferSize),
		done:  make(chan struct{}),
	}

	for _, opt := range opts {
		opt(logger)
	}

	logger.wg.Add(1)
	go logger.process()

	return logger
}

// AddHandler adds a handler to receive audit events. Call before the first Log.
func (l *Logger) AddHandler(h Handler) {
	l.handlers = append(l.handlers, h)
}

// Log emits an audit event asynchronously.
func (l *Logger) Log(event Event) {
	if l == nil {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	select {
	case <-l.done:
		// closed, event is dropped
		return
	default:
	}

	select {
	case l.queue <- event:
	case <-l.done:
	}
}

// Record builds and logs an event for action with the outcome of err.
func (l *Logger) Record(ctx context.Context, action, email string, err error) {
	if l == nil {
		return
	}
	e := Event{
		RequestID: console.RequestIDFromContext(ctx),
		Email:     email,
		Action:    action,
		Result:    ResultSuccess,
	}
	if err != nil {
		e.Result = ResultFailure
		e.Error = err.Error()
	}
	l.Log(e)
}

func (l *Logger) process() {
	defer l.wg.Done()

	for {
		select {
		case event := <-l.queue:
			l.dispatch(event)
		case <-l.done:
			for {
				select {
				case event := <-l.queue:
					l.dispatch(event)
				default:
					return
				}
			}
		}
	}
}

func (l *Logger) dispatch(e Event) {
	for _, h := range l.handlers {
		h(e)
	}
}

// Close flushes pending events and stops the logger. It is safe to call more than once.
func (l *Logger) Close() error {
	if l == nil {
		return nil
	}
	l.once.Do(func() { close(l.done) })
	l.wg.Wait()
	return nil
}
