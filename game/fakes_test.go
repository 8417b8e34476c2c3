package game

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeResolver struct {
	ResolveFunc func(ctx context.Context, fid FID) (Profile, error)
	calls       atomic.Int32
}

func (r *fakeResolver) Resolve(ctx context.Context, fid FID) (Profile, error) {
	r.calls.Add(1)
	if r.ResolveFunc != nil {
		return r.ResolveFunc(ctx, fid)
	}
	return Profile{FID: fid, Username: "user" + fid.String(), DisplayName: "User " + fid.String()}, nil
}

type memRound struct {
	fid        FID
	key        uint64
	prediction int64
	actual     *int64
}

// memGateway is an in-memory Gateway. The *Err fields inject failures.
type memGateway struct {
	mu      sync.Mutex
	players map[FID]*Player
	rounds  []*memRound

	UpsertErr  error
	InsertErr  error
	ResolveErr func(fid FID) error
	QueryErr   error
	upserts    int
}

func newMemGateway() *memGateway {
	return &memGateway{players: make(map[FID]*Player)}
}

func (g *memGateway) UpsertPlayer(_ context.Context, profile Profile) (Player, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.UpsertErr != nil {
		return Player{}, g.UpsertErr
	}
	g.upserts++
	p, ok := g.players[profile.FID]
	if !ok {
		p = &Player{}
		g.players[profile.FID] = p
	}
	p.Profile = profile
	return *p, nil
}

func (g *memGateway) InsertPredictionRound(_ context.Context, fid FID, roundKey uint64, prediction int64) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.InsertErr != nil {
		return g.InsertErr
	}
	if _, ok := g.players[fid]; !ok {
		return errors.New("foreign key violation")
	}
	g.rounds = append(g.rounds, &memRound{fid: fid, key: roundKey, prediction: prediction})
	return nil
}

func (g *memGateway) ResolvePredictionRound(_ context.Context, fid FID, roundKey uint64, actual int64, points int) (int, int, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.ResolveErr != nil {
		if err := g.ResolveErr(fid); err != nil {
			return 0, 0, err
		}
	}

	var r *memRound
	for i := len(g.rounds) - 1; i >= 0; i-- {
		if c := g.rounds[i]; c.fid == fid && c.key == roundKey && c.actual == nil {
			r = c
			break
		}
	}
	if r == nil {
		return 0, 0, ErrRoundNotFound
	}
	p := g.players[fid]
	prevGames, prevCorrect := p.GamesPlayed, p.CorrectPredictions

	r.actual = &actual
	p.TotalScore += points
	p.GamesPlayed++
	if IsCorrect(r.prediction, actual) {
		p.CorrectPredictions++
	}
	return prevGames, prevCorrect, nil
}

func (g *memGateway) QueryLeaderboard(context.Context, int) ([]Player, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.QueryErr != nil {
		return nil, g.QueryErr
	}
	out := make([]Player, 0, len(g.players))
	for _, p := range g.players {
		out = append(out, *p)
	}
	return out, nil
}

func (g *memGateway) PlayerStats(_ context.Context, fid FID) (Stats, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	p, ok := g.players[fid]
	if !ok {
		return Stats{}, ErrPlayerNotFound
	}
	stats := Stats{Player: *p}
	for _, r := range g.rounds {
		if r.fid == fid {
			stats.Predictions++
			if r.actual != nil {
				stats.Resolved++
			}
		}
	}
	return stats, nil
}

func (g *memGateway) Close() error { return nil }

func (g *memGateway) stored(fid FID) (Player, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	p, ok := g.players[fid]
	if !ok {
		return Player{}, false
	}
	return *p, true
}

func (g *memGateway) setResolveErr(fn func(FID) error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.ResolveErr = fn
}

type testEnv struct {
	engine   *Engine
	gateway  *memGateway
	resolver *fakeResolver
}

func newTestEnv(t *testing.T, configure ...func(*Options)) *testEnv {
	t.Helper()

	env := &testEnv{gateway: newMemGateway(), resolver: &fakeResolver{}}
	opts := Options{
		Resolver: env.resolver,
		Gateway:  env.gateway,
		Hub:      NewHub(256),
	}
	for _, fn := range configure {
		fn(&opts)
	}

	e, err := NewEngine(opts)
	require.NoError(t, err)
	env.engine = e
	t.Cleanup(e.Close)

	return env
}

// joined connects and joins fid, discarding the join traffic.
func (env *testEnv) joined(t *testing.T, fid FID) (string, <-chan any) {
	t.Helper()

	id, ch := env.engine.Connect()
	_, err := env.engine.Join(context.Background(), id, fid)
	require.NoError(t, err)
	drain(ch)

	return id, ch
}

// predict submits a prediction for key, opening the round first.
func (env *testEnv) predict(t *testing.T, connID string, key uint64, value int64) {
	t.Helper()

	if env.engine.Head() == 0 {
		env.engine.AdvanceHead(key - 1)
	}
	_, err := env.engine.SubmitPrediction(context.Background(), connID, key, value)
	require.NoError(t, err)
}

// drain returns every message queued on ch without blocking.
func drain(ch <-chan any) []any {
	var out []any
	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, msg)
		default:
			return out
		}
	}
}

func types(msgs []any) []string {
	out := make([]string, 0, len(msgs))
	for _, m := range msgs {
		switch v := m.(type) {
		case ProfileMessage:
			out = append(out, v.Type)
		case RosterMessage:
			out = append(out, v.Type)
		case ChatMessage:
			out = append(out, v.Type)
		case LeaderboardMessage:
			out = append(out, v.Type)
		case PredictionMessage:
			out = append(out, v.Type)
		case ResultMessage:
			out = append(out, v.Type)
		case RoundMessage:
			out = append(out, v.Type)
		case BlockMessage:
			out = append(out, v.Type)
		case ErrorMessage:
			out = append(out, v.Type)
		}
	}
	return out
}

func waitUntil(t *testing.T, cond func() bool) {
	t.Helper()
	require.Eventually(t, cond, 2*time.Second, 5*time.Millisecond)
}
