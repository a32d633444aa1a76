package testutil

import "log/slog"

// DiscardLogger returns a slog.Logger that drops all records. Prefer
// log.NewNop() in packages that already import internal/log.
func DiscardLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}
