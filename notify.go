package console

import "log/slog"

// LogNotifier writes notifications to a structured logger.
type LogNotifier struct {
	Logger *slog.Logger
}

func (n LogNotifier) logger() *slog.Logger {
	if n.Logger == nil {
		return slog.Default()
	}
	return n.Logger
}

// Success logs msg at info level.
func (n LogNotifier) Success(msg string) { n.logger().Info(msg, "notice", "success") }

// Error logs msg at error level.
func (n LogNotifier) Error(msg string) { n.logger().Error(msg, "notice", "error") }

type nopNavigator struct{}

func (nopNavigator) Navigate(string) {}

// NopNavigator ignores navigation requests.
var NopNavigator Navigator = nopNavigator{}
