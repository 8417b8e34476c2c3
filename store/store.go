// Package store persists player totals and prediction rounds. Postgres is
// used for postgres:// DSNs, anything else is treated as a SQLite file path.
package store

import (
	"context"
	"io"
	"log/slog"
	"strings"

	"github.com/Seednode/txbattle/game"
)

// Open connects to the store named by dsn and creates the schema if needed.
func Open(ctx context.Context, dsn string, logger *slog.Logger) (game.Gateway, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	if IsPostgres(dsn) {
		return OpenPostgres(ctx, dsn, logger)
	}
	return OpenSQLite(ctx, strings.TrimPrefix(dsn, "sqlite://"), logger)
}

// IsPostgres reports whether dsn selects the Postgres gateway.
func IsPostgres(dsn string) bool {
	return strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://")
}

// Redact hides the password of a URL-style DSN for logging.
func Redact(dsn string) string {
	scheme, rest, ok := strings.Cut(dsn, "://")
	if !ok {
		return dsn
	}
	creds, host, ok := strings.Cut(rest, "@")
	if !ok {
		return dsn
	}
	user, _, hasPass := strings.Cut(creds, ":")
	if !hasPass {
		return dsn
	}
	return scheme + "://" + user + ":xxxxx@" + host
}
