package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Seednode/txbattle/game"
)

var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS players (
		fid BIGINT PRIMARY KEY,
		username TEXT NOT NULL DEFAULT '',
		display_name TEXT NOT NULL DEFAULT '',
		pfp_url TEXT NOT NULL DEFAULT '',
		bio TEXT NOT NULL DEFAULT '',
		total_score INTEGER NOT NULL DEFAULT 0,
		games_played INTEGER NOT NULL DEFAULT 0,
		correct_predictions INTEGER NOT NULL DEFAULT 0,
		created_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
		CHECK (correct_predictions <= games_played)
	)`,
	`CREATE TABLE IF NOT EXISTS game_sessions (
		id BIGSERIAL PRIMARY KEY,
		player_fid BIGINT NOT NULL REFERENCES players(fid),
		block_height BIGINT NOT NULL,
		prediction BIGINT NOT NULL,
		actual_transactions BIGINT,
		points_earned INTEGER,
		created_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
		resolved_at TIMESTAMPTZ
	)`,
	`CREATE INDEX IF NOT EXISTS idx_players_total_score ON players(total_score DESC)`,
	`CREATE INDEX IF NOT EXISTS idx_game_sessions_player_block ON game_sessions(player_fid, block_height)`,
}

// Postgres is the pgx-backed gateway.
type Postgres struct {
	pool *pgxpool.Pool
	log  *slog.Logger
}

// OpenPostgres connects, pings and bootstraps the schema.
func OpenPostgres(ctx context.Context, dsn string, logger *slog.Logger) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to db: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping db: %w", err)
	}

	for _, stmt := range postgresSchema {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			pool.Close()
			return nil, fmt.Errorf("failed to create schema: %w", err)
		}
	}

	logger.Info("connected to postgres", slog.String("component", "store"), slog.String("dsn", Redact(dsn)))

	return &Postgres{pool: pool, log: logger.With(slog.String("component", "store"))}, nil
}

func (s *Postgres) Close() error {
	s.pool.Close()
	return nil
}

func (s *Postgres) UpsertPlayer(ctx context.Context, p game.Profile) (game.Player, error) {
	row := s.pool.QueryRow(ctx, `
		INSERT INTO players (fid, username, display_name, pfp_url, bio, updated_at)
		VALUES ($1, $2, $3, $4, $5, CURRENT_TIMESTAMP)
		ON CONFLICT (fid)
		DO UPDATE SET
			username = EXCLUDED.username,
			display_name = EXCLUDED.display_name,
			pfp_url = EXCLUDED.pfp_url,
			bio = EXCLUDED.bio,
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

func (s *Postgres) InsertPredictionRound(ctx context.Context, fid game.FID, roundKey uint64, prediction int64) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO game_sessions (player_fid, block_height, prediction) VALUES ($1, $2, $3)`,
		int64(fid), int64(roundKey), prediction,
	)
	if err != nil {
		return fmt.Errorf("insert round %d for %s: %w", roundKey, fid, err)
	}
	return nil
}

func (s *Postgres) ResolvePredictionRound(ctx context.Context, fid game.FID, roundKey uint64, actual int64, points int) (int, int, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, 0, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	var id, prediction int64
	err = tx.QueryRow(ctx, `
		SELECT id, prediction FROM game_sessions
		WHERE player_fid = $1 AND block_height = $2 AND actual_transactions IS NULL
		ORDER BY id DESC
		LIMIT 1
		FOR UPDATE`,
		int64(fid), int64(roundKey),
	).Scan(&id, &prediction)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, 0, fmt.Errorf("resolve round %d for %s: %w", roundKey, fid, game.ErrRoundNotFound)
	}
	if err != nil {
		return 0, 0, fmt.Errorf("select round %d for %s: %w", roundKey, fid, err)
	}

	var prevGames, prevCorrect int
	err = tx.QueryRow(ctx,
		`SELECT games_played, correct_predictions FROM players WHERE fid = $1 FOR UPDATE`,
		int64(fid),
	).Scan(&prevGames, &prevCorrect)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, 0, fmt.Errorf("resolve round %d for %s: %w", roundKey, fid, game.ErrPlayerNotFound)
	}
	if err != nil {
		return 0, 0, fmt.Errorf("select player %s: %w", fid, err)
	}

	if _, err := tx.Exec(ctx, `
		UPDATE game_sessions
		SET actual_transactions = $1, points_earned = $2, resolved_at = CURRENT_TIMESTAMP
		WHERE id = $3`,
		actual, points, id,
	); err != nil {
		return 0, 0, fmt.Errorf("update round %d: %w", id, err)
	}

	correct := 0
	if game.IsCorrect(prediction, actual) {
		correct = 1
	}

	if _, err := tx.Exec(ctx, `
		UPDATE players
		SET
			total_score = total_score + $1,
			games_played = games_played + 1,
			correct_predictions = correct_predictions + $2,
			updated_at = CURRENT_TIMESTAMP
		WHERE fid = $3`,
		points, correct, int64(fid),
	); err != nil {
		return 0, 0, fmt.Errorf("update player %s: %w", fid, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, 0, fmt.Errorf("commit: %w", err)
	}
	return prevGames, prevCorrect, nil
}

func (s *Postgres) QueryLeaderboard(ctx context.Context, limit int) ([]game.Player, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT fid, username, display_name, pfp_url, bio, total_score, games_played, correct_predictions
		FROM players
		WHERE games_played > 0
		ORDER BY
			total_score DESC,
			(correct_predictions::bigint * 2000 + games_played) / (2 * games_played::bigint) DESC,
			fid ASC
		LIMIT $1`,
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

func (s *Postgres) PlayerStats(ctx context.Context, fid game.FID) (game.Stats, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT
			p.fid, p.username, p.display_name, p.pfp_url, p.bio,
			p.total_score, p.games_played, p.correct_predictions,
			COUNT(gs.id),
			COUNT(gs.points_earned),
			COALESCE(AVG(gs.points_earned), 0)::float8,
			COALESCE(MAX(gs.points_earned), 0)
		FROM players p
		LEFT JOIN game_sessions gs ON gs.player_fid = p.fid
		WHERE p.fid = $1
		GROUP BY p.fid`,
		int64(fid),
	)

	stats, err := scanStats(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return game.Stats{}, fmt.Errorf("stats %s: %w", fid, game.ErrPlayerNotFound)
	}
	if err != nil {
		return game.Stats{}, fmt.Errorf("stats %s: %w", fid, err)
	}
	return stats, nil
}
