package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Seednode/txbattle/game"
)

func newTestSQLite(t *testing.T) *SQLite {
	t.Helper()

	s, err := OpenSQLite(context.Background(), ":memory:", discardLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	return s
}

func TestSQLiteUpsertPreservesTotals(t *testing.T) {
	ctx := context.Background()
	s := newTestSQLite(t)

	p, err := s.UpsertPlayer(ctx, game.Profile{FID: 3, Username: "dwr", DisplayName: "Dan"})
	require.NoError(t, err)
	assert.Equal(t, game.FID(3), p.FID)
	assert.Zero(t, p.GamesPlayed)

	require.NoError(t, s.InsertPredictionRound(ctx, 3, 100, 42))
	_, _, err = s.ResolvePredictionRound(ctx, 3, 100, 42, 100)
	require.NoError(t, err)

	p, err = s.UpsertPlayer(ctx, game.Profile{FID: 3, Username: "dwr.eth", DisplayName: "Dan R"})
	require.NoError(t, err)
	assert.Equal(t, "dwr.eth", p.Username)
	assert.Equal(t, "Dan R", p.DisplayName)
	assert.Equal(t, 100, p.TotalScore)
	assert.Equal(t, 1, p.GamesPlayed)
	assert.Equal(t, 1, p.CorrectPredictions)
}

func TestSQLiteResolvePredictionRound(t *testing.T) {
	ctx := context.Background()
	s := newTestSQLite(t)

	_, err := s.UpsertPlayer(ctx, game.Profile{FID: 7, Username: "seven"})
	require.NoError(t, err)
	require.NoError(t, s.InsertPredictionRound(ctx, 7, 10, 2500))
	require.NoError(t, s.InsertPredictionRound(ctx, 7, 11, 300))

	games, correct, err := s.ResolvePredictionRound(ctx, 7, 10, 2500, 100)
	require.NoError(t, err)
	assert.Zero(t, games)
	assert.Zero(t, correct)

	games, correct, err = s.ResolvePredictionRound(ctx, 7, 11, 320, 50)
	require.NoError(t, err)
	assert.Equal(t, 1, games)
	assert.Equal(t, 1, correct)

	stats, err := s.PlayerStats(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, 150, stats.TotalScore)
	assert.Equal(t, 2, stats.GamesPlayed)
	assert.Equal(t, 1, stats.CorrectPredictions)
	assert.Equal(t, 2, stats.Predictions)
	assert.Equal(t, 2, stats.Resolved)
	assert.InDelta(t, 75.0, stats.AveragePoints, 0.001)
	assert.Equal(t, 100, stats.BestPoints)
}

func TestSQLiteResolveTwiceFails(t *testing.T) {
	ctx := context.Background()
	s := newTestSQLite(t)

	_, err := s.UpsertPlayer(ctx, game.Profile{FID: 1})
	require.NoError(t, err)
	require.NoError(t, s.InsertPredictionRound(ctx, 1, 5, 10))

	_, _, err = s.ResolvePredictionRound(ctx, 1, 5, 10, 100)
	require.NoError(t, err)

	_, _, err = s.ResolvePredictionRound(ctx, 1, 5, 10, 100)
	require.ErrorIs(t, err, game.ErrRoundNotFound)

	p, err := s.UpsertPlayer(ctx, game.Profile{FID: 1})
	require.NoError(t, err)
	assert.Equal(t, 100, p.TotalScore)
	assert.Equal(t, 1, p.GamesPlayed)
}

func TestSQLiteResolveUnknownRound(t *testing.T) {
	ctx := context.Background()
	s := newTestSQLite(t)

	_, _, err := s.ResolvePredictionRound(ctx, 99, 1, 1, 0)
	require.ErrorIs(t, err, game.ErrRoundNotFound)
}

func TestSQLiteInsertRequiresPlayer(t *testing.T) {
	s := newTestSQLite(t)

	err := s.InsertPredictionRound(context.Background(), 404, 1, 1)
	require.Error(t, err)
}

func TestSQLiteLeaderboardOrder(t *testing.T) {
	ctx := context.Background()
	s := newTestSQLite(t)

	// A: 100 points over two rounds, one exact (50.0%).
	// B: 100 points over one exact round (100.0%).
	// C: 50 points.
	// D: joined, never played.
	seed := func(fid game.FID, rounds ...[3]int64) {
		_, err := s.UpsertPlayer(ctx, game.Profile{FID: fid})
		require.NoError(t, err)
		for i, r := range rounds {
			key := uint64(i + 1)
			require.NoError(t, s.InsertPredictionRound(ctx, fid, key, r[0]))
			_, _, err := s.ResolvePredictionRound(ctx, fid, key, r[1], int(r[2]))
			require.NoError(t, err)
		}
	}
	seed(1, [3]int64{10, 10, 100}, [3]int64{10, 500, 0})
	seed(2, [3]int64{20, 20, 100})
	seed(3, [3]int64{20, 40, 50})
	seed(4)

	players, err := s.QueryLeaderboard(ctx, 10)
	require.NoError(t, err)

	var fids []game.FID
	for _, p := range players {
		fids = append(fids, p.FID)
	}
	assert.Equal(t, []game.FID{2, 1, 3}, fids)

	players, err = s.QueryLeaderboard(ctx, 1)
	require.NoError(t, err)
	require.Len(t, players, 1)
	assert.Equal(t, game.FID(2), players[0].FID)
}

func TestSQLitePlayerStatsNotFound(t *testing.T) {
	s := newTestSQLite(t)

	_, err := s.PlayerStats(context.Background(), 12345)
	require.ErrorIs(t, err, game.ErrPlayerNotFound)
}

func TestSQLitePlayerStatsWithoutRounds(t *testing.T) {
	ctx := context.Background()
	s := newTestSQLite(t)

	_, err := s.UpsertPlayer(ctx, game.Profile{FID: 8, Username: "eight"})
	require.NoError(t, err)
	require.NoError(t, s.InsertPredictionRound(ctx, 8, 3, 100))

	stats, err := s.PlayerStats(ctx, 8)
	require.NoError(t, err)
	assert.Equal(t, "eight", stats.Username)
	assert.Equal(t, 1, stats.Predictions)
	assert.Zero(t, stats.Resolved)
	assert.Zero(t, stats.AveragePoints)
	assert.Zero(t, stats.BestPoints)
}

func TestSQLiteLeaderboardLargeCounts(t *testing.T) {
	ctx := context.Background()
	s := newTestSQLite(t)

	for _, fid := range []game.FID{1, 2} {
		_, err := s.UpsertPlayer(ctx, game.Profile{FID: fid})
		require.NoError(t, err)
	}

	_, err := s.db.ExecContext(ctx, `
		UPDATE players
		SET total_score = 5000000, games_played = 3000000,
			correct_predictions = CASE fid WHEN 1 THEN 1500000 ELSE 2000000 END`)
	require.NoError(t, err)

	players, err := s.QueryLeaderboard(ctx, 10)
	require.NoError(t, err)
	require.Len(t, players, 2)
	assert.Equal(t, game.FID(2), players[0].FID)
	assert.Equal(t, game.FID(1), players[1].FID)
}
