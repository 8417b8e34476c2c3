package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/Seednode/txbattle/game"
)

var sqliteSchema = []string{
	`PRAGMA foreign_keys = ON`,
	`PRAGMA busy_timeout = 5000`,
	`PRAGMA journal_mode = WAL`,
	`CREATE TABLE IF NOT EXISTS players (
		fid INTEGER PRIMARY KEY,
		username TEXT NOT NULL DEFAULT '',
		display_name TEXT NOT NULL DEFAULT '',
		pfp_url TEXT NOT NULL DEFAULT '',
		bio TEXT NOT NULL DEFAULT '',
		total_score INTEGER NOT NULL DEFAULT 0,
		games_played INTEGER NOT NULL DEFAULT 0,
		correct_predictions INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP,
		CHECK (correct_predictions <= games_played)
	)`,
	`CREATE TABLE IF NOT EXISTS game_sessions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		player_fid INTEGER NOT NULL REFERENCES players(fid),
		block_height INTEGER NOT NULL,
		prediction INTEGER NOT NULL,
		actual_transactions INTEGER,
		points_earned INTEGER,
		created_at TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP,
		resolved_at TEXT
	)`,
	`CREATE INDEX IF NOT EXISTS idx_players_total_score ON players(total_score DESC)`,
	`CREATE INDEX IF NOT EXISTS idx_game_sessions_player_block ON game_sessions(player_fid, block_height)`,
}

// SQLite is the embedded gateway. All access goes through a single
// connection, which also keeps ":memory:" databases alive.
type SQLite struct {
	db  *sql.DB
	log *slog.Logger
}

// OpenSQLite opens (or creates) the database file at path. ":memory:"
// yields a private in-memory database.
func OpenSQLite(ctx context.Context, path string, logger *slog.Logger) (*SQLite, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("storage path is required")
	}
	if path != ":memory:" {
		path = filepath.Clean(path)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	for _, stmt := range sqliteSchema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("create schema: %w", err)
		}
	}

	logger.Info("opened sqlite store", slog.String("component", "store"), slog.String("path", path))

	return &SQLite{db: db, log: logger.With(slog.String("component", "store"))}, nil
}

func (s *SQLite) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLite) UpsertPlayer(ctx context.Context, p game.Profile) (game.Player, error) {
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO players (fid, username, display_name, pfp_url, bio, updated_at)
		VALUES (?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT (fid)
		DO UPDATE SET
			username = excluded.username,
			display_name = excluded.display_name,
			pfp_url = excluded.pfp_url,
			bio = excluded.bio,
			updated_at = CURRENT_TIMESTAMP
		RETURNING fid, username, display_name, pfp_url, bio, total_score, games_played, correct_predictions`,
		int64(p.FID), p.Username, p.DisplayName, p.AvatarURL, p.Bio,
	)

	player, err := scanPlayer(row)
	if err != nil {
		return game.Player{}, fmt.Errorf("upsert player %s: %w", p.FID, err)
	}
	return player, nil
}

func (s *SQLite) InsertPredictionRound(ctx context.Context, fid game.FID, roundKey uint64, prediction int64) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO game_sessions (player_fid, block_height, prediction) VALUES (?, ?, ?)`,
		int64(fid), int64(roundKey), prediction,
	)
	if err != nil {
		return fmt.Errorf("insert round %d for %s: %w", roundKey, fid, err)
	}
	return nil
}

func (s *SQLite) ResolvePredictionRound(ctx context.Context, fid game.FID, roundKey uint64, actual int64, points int) (int, int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, 0, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	var id, prediction int64
	err = tx.QueryRowContext(ctx, `
		SELECT id, prediction FROM game_sessions
		WHERE player_fid = ? AND block_height = ? AND actual_transactions IS NULL
		ORDER BY id DESC
		LIMIT 1`,
		int64(fid), int64(roundKey),
	).Scan(&id, &prediction)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, 0, fmt.Errorf("resolve round %d for %s: %w", roundKey, fid, game.ErrRoundNotFound)
	}
	if err != nil {
		return 0, 0, fmt.Errorf("select round %d for %s: %w", roundKey, fid, err)
	}

	var prevGames, prevCorrect int
	err = tx.QueryRowContext(ctx,
		`SELECT games_played, correct_predictions FROM players WHERE fid = ?`,
		int64(fid),
	).Scan(&prevGames, &prevCorrect)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, 0, fmt.Errorf("resolve round %d for %s: %w", roundKey, fid, game.ErrPlayerNotFound)
	}
	if err != nil {
		return 0, 0, fmt.Errorf("select player %s: %w", fid, err)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE game_sessions
		SET actual_transactions = ?, points_earned = ?, resolved_at = CURRENT_TIMESTAMP
		WHERE id = ?`,
		actual, points, id,
	); err != nil {
		return 0, 0, fmt.Errorf("update round %d: %w", id, err)
	}

	correct := 0
	if game.IsCorrect(prediction, actual) {
		correct = 1
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE players
		SET
			total_score = total_score + ?,
			games_played = games_played + 1,
			correct_predictions = correct_predictions + ?,
			updated_at = CURRENT_TIMESTAMP
		WHERE fid = ?`,
		points, correct, int64(fid),
	); err != nil {
		return 0, 0, fmt.Errorf("update player %s: %w", fid, err)
	}

	if err := tx.Commit(); err != nil {
		return 0, 0, fmt.Errorf("commit: %w", err)
	}
	return prevGames, prevCorrect, nil
}

func (s *SQLite) QueryLeaderboard(ctx context.Context, limit int) ([]game.Player, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT fid, username, display_name, pfp_url, bio, total_score, games_played, correct_predictions
		FROM players
		WHERE games_played > 0
		ORDER BY
			total_score DESC,
			(CAST(correct_predictions AS INTEGER) * 2000 + games_played) / (2 * games_played) DESC,
			fid ASC
		LIMIT ?`,
		game.NormalizeLimit(limit),
	)
	if err != nil {
		return nil, fmt.Errorf("query leaderboard: %w", err)
	}
	defer rows.Close()

	var players []game.Player
	for rows.Next() {
		p, err := scanPlayer(rows)
		if err != nil {
			return nil, fmt.Errorf("scan leaderboard: %w", err)
		}
		players = append(players, p)
	}
	return players, rows.Err()
}

func (s *SQLite) PlayerStats(ctx context.Context, fid game.FID) (game.Stats, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT
			p.fid, p.username, p.display_name, p.pfp_url, p.bio,
			p.total_score, p.games_played, p.correct_predictions,
			COUNT(gs.id),
			COUNT(gs.points_earned),
			COALESCE(AVG(gs.points_earned), 0.0),
			COALESCE(MAX(gs.points_earned), 0)
		FROM players p
		LEFT JOIN game_sessions gs ON gs.player_fid = p.fid
		WHERE p.fid = ?
		GROUP BY p.fid`,
		int64(fid),
	)

	stats, err := scanStats(row)
	if errors.Is(err, sql.ErrNoRows) {
		return game.Stats{}, fmt.Errorf("stats %s: %w", fid, game.ErrPlayerNotFound)
	}
	if err != nil {
		return game.Stats{}, fmt.Errorf("stats %s: %w", fid, err)
	}
	return stats, nil
}
