package game

import "context"

// Resolver looks up a profile by identifier. Implementations return
// ErrProfileNotFound when the identifier is unknown.
type Resolver interface {
	Resolve(ctx context.Context, fid FID) (Profile, error)
}

// Gateway is the durable store for player totals and prediction rounds.
type Gateway interface {
	// UpsertPlayer inserts the profile or refreshes its display fields and
	// returns the stored record including cumulative totals.
	UpsertPlayer(ctx context.Context, profile Profile) (Player, error)

	InsertPredictionRound(ctx context.Context, fid FID, roundKey uint64, prediction int64) error

	// ResolvePredictionRound scores the latest unresolved round for the key
	// and updates the player aggregates in one transaction. It returns the
	// aggregates as they were before the update, or ErrRoundNotFound.
	ResolvePredictionRound(ctx context.Context, fid FID, roundKey uint64, actual int64, points int) (prevGames, prevCorrect int, err error)

	// QueryLeaderboard returns up to limit players with at least one
	// resolved round, best first.
	QueryLeaderboard(ctx context.Context, limit int) ([]Player, error)

	PlayerStats(ctx context.Context, fid FID) (Stats, error)

	Close() error
}

// Metrics receives engine observations. Outcomes are short labels such as
// "ok", "not_found", "rejected" and "error".
type Metrics interface {
	ObserveJoin(outcome string)
	ObservePrediction(outcome string)
	ObserveResolution(outcome string, points int)
	ObserveChat()
	SetConnections(n int)
	SetPlayers(n int)
}

// NoOpMetrics discards every observation.
type NoOpMetrics struct{}

func (NoOpMetrics) ObserveJoin(string)            {}
func (NoOpMetrics) ObservePrediction(string)      {}
func (NoOpMetrics) ObserveResolution(string, int) {}
func (NoOpMetrics) ObserveChat()                  {}
func (NoOpMetrics) SetConnections(int)            {}
func (NoOpMetrics) SetPlayers(int)                {}
