package game

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	DefaultResolverTimeout = 5 * time.Second
	DefaultStoreTimeout    = 5 * time.Second
	DefaultMaxPrediction   = 1_000_000
	DefaultRoundLead       = 1
)

// Options configures an Engine. Resolver and Gateway are required.
type Options struct {
	Resolver Resolver
	Gateway  Gateway
	Hub      *Hub
	Logger   *slog.Logger
	Metrics  Metrics
	Tracer   trace.Tracer

	ResolverTimeout time.Duration
	StoreTimeout    time.Duration

	// MaxPrediction bounds accepted prediction values (inclusive).
	MaxPrediction int64

	// RoundLead is how far past the observed head an implicit prediction
	// targets.
	RoundLead uint64

	// AllowPastRounds accepts predictions for blocks at or below the head.
	AllowPastRounds bool

	// PlayerTimeout purges disconnected players from the roster after the
	// given delay. Zero keeps them for the process lifetime.
	PlayerTimeout time.Duration

	Now   func() time.Time
	NewID func() string
}

// Engine owns the game state and applies join, chat, prediction and
// resolution events coming from any number of connections.
type Engine struct {
	sessions *SessionStore
	hub      *Hub
	resolver Resolver
	gateway  Gateway
	log      *slog.Logger
	metrics  Metrics
	tracer   trace.Tracer

	resolverTimeout time.Duration
	storeTimeout    time.Duration
	maxPrediction   int64
	roundLead       uint64
	allowPast       bool
	playerTimeout   time.Duration
	now             func() time.Time
	newID           func() string

	head atomic.Uint64

	// removals holds one pending roster purge per disconnected player.
	removalsMu sync.Mutex
	removals   map[FID]*time.Timer
	closed     bool
}

func NewEngine(opts Options) (*Engine, error) {
	if opts.Resolver == nil {
		return nil, errors.New("resolver must not be nil")
	}
	if opts.Gateway == nil {
		return nil, errors.New("gateway must not be nil")
	}

	e := &Engine{
		sessions:        NewSessionStore(),
		hub:             opts.Hub,
		resolver:        opts.Resolver,
		gateway:         opts.Gateway,
		log:             opts.Logger,
		metrics:         opts.Metrics,
		tracer:          opts.Tracer,
		resolverTimeout: opts.ResolverTimeout,
		storeTimeout:    opts.StoreTimeout,
		maxPrediction:   opts.MaxPrediction,
		roundLead:       opts.RoundLead,
		allowPast:       opts.AllowPastRounds,
		playerTimeout:   opts.PlayerTimeout,
		now:             opts.Now,
		newID:           opts.NewID,
		removals:        make(map[FID]*time.Timer),
	}

	if e.hub == nil {
		e.hub = NewHub(DefaultSendBuffer)
	}
	if e.log == nil {
		e.log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	e.log = e.log.With(slog.String("component", "engine"))
	if e.metrics == nil {
		e.metrics = NoOpMetrics{}
	}
	if e.tracer == nil {
		e.tracer = otel.Tracer("github.com/Seednode/txbattle/game")
	}
	if e.resolverTimeout <= 0 {
		e.resolverTimeout = DefaultResolverTimeout
	}
	if e.storeTimeout <= 0 {
		e.storeTimeout = DefaultStoreTimeout
	}
	if e.maxPrediction <= 0 {
		e.maxPrediction = DefaultMaxPrediction
	}
	if e.roundLead == 0 {
		e.roundLead = DefaultRoundLead
	}
	if e.now == nil {
		e.now = time.Now
	}
	if e.newID == nil {
		e.newID = uuid.NewString
	}

	return e, nil
}

// Connect registers a new connection and returns its id and outbound queue.
func (e *Engine) Connect() (string, <-chan any) {
	id := e.newID()
	ch := e.hub.Register(id)
	e.metrics.SetConnections(e.hub.Len())
	return id, ch
}

// Disconnect drops the connection. The player record is kept unless the
// roster retention policy purges it later.
func (e *Engine) Disconnect(connID string) {
	fid, joined := e.sessions.Detach(connID)
	e.hub.Unregister(connID)
	e.metrics.SetConnections(e.hub.Len())

	if !joined {
		return
	}
	e.log.Debug("player disconnected", slog.String("conn", connID), slog.Uint64("fid", uint64(fid)))
	if e.playerTimeout > 0 {
		e.scheduleRemoval(fid)
	}
}

func (e *Engine) scheduleRemoval(fid FID) {
	e.removalsMu.Lock()
	defer e.removalsMu.Unlock()

	if e.closed {
		return
	}
	if t, ok := e.removals[fid]; ok {
		t.Stop()
	}

	var t *time.Timer
	t = time.AfterFunc(e.playerTimeout, func() {
		e.removalsMu.Lock()
		current := e.removals[fid] == t
		if current {
			delete(e.removals, fid)
		}
		e.removalsMu.Unlock()
		if !current {
			return
		}

		if !e.sessions.Remove(fid) {
			return
		}
		e.log.Info("player removed from roster", slog.Uint64("fid", uint64(fid)))
		e.metrics.SetPlayers(e.sessions.Len())
		e.hub.Broadcast(rosterMessage(e.sessions.Players()))
	})
	e.removals[fid] = t
}

func (e *Engine) cancelRemoval(fid FID) {
	e.removalsMu.Lock()
	defer e.removalsMu.Unlock()

	if t, ok := e.removals[fid]; ok {
		t.Stop()
		delete(e.removals, fid)
	}
}

// Close stops every pending roster purge. Later disconnects schedule none.
func (e *Engine) Close() {
	e.removalsMu.Lock()
	defer e.removalsMu.Unlock()

	e.closed = true
	for fid, t := range e.removals {
		t.Stop()
		delete(e.removals, fid)
	}
}

// Join resolves the profile, persists it and attaches the connection to the
// player. Any failure leaves the roster untouched.
func (e *Engine) Join(ctx context.Context, connID string, fid FID) (Player, error) {
	ctx, span := e.tracer.Start(ctx, "game.Join", trace.WithAttributes(attribute.String("fid", fid.String())))
	defer span.End()

	if fid == 0 {
		e.metrics.ObserveJoin("rejected")
		return Player{}, e.fail(span, fmt.Errorf("join: %w", ErrInvalidFID))
	}
	if !e.hub.Has(connID) {
		e.metrics.ObserveJoin("rejected")
		return Player{}, e.fail(span, fmt.Errorf("join %s: %w", fid, ErrUnknownConnection))
	}

	rctx, cancel := context.WithTimeout(ctx, e.resolverTimeout)
	profile, err := e.resolver.Resolve(rctx, fid)
	cancel()
	if err != nil {
		if errors.Is(err, ErrProfileNotFound) {
			e.metrics.ObserveJoin("not_found")
			return Player{}, e.fail(span, fmt.Errorf("join %s: %w", fid, err))
		}
		e.metrics.ObserveJoin("error")
		if !errors.Is(err, ErrResolver) {
			err = fmt.Errorf("%w: %w", ErrResolver, err)
		}
		return Player{}, e.fail(span, fmt.Errorf("join %s: %w", fid, err))
	}
	profile.FID = fid

	sctx, cancel := context.WithTimeout(ctx, e.storeTimeout)
	stored, err := e.gateway.UpsertPlayer(sctx, profile)
	cancel()
	if err != nil {
		e.metrics.ObserveJoin("error")
		return Player{}, e.fail(span, fmt.Errorf("join %s: %w: %w", fid, ErrPersistence, err))
	}

	player, created := e.sessions.Enroll(connID, profile, &stored)
	if !e.hub.Has(connID) {
		e.sessions.Detach(connID)
	} else {
		e.cancelRemoval(fid)
	}

	e.metrics.ObserveJoin("ok")
	e.metrics.SetPlayers(e.sessions.Len())
	if created {
		e.log.Info("player joined", slog.Uint64("fid", uint64(fid)), slog.String("username", profile.Username))
	} else {
		e.log.Debug("player rejoined", slog.Uint64("fid", uint64(fid)), slog.String("conn", connID))
	}

	e.hub.Send(connID, ProfileMessage{Type: "profile", Profile: player.Profile})
	e.hub.Broadcast(rosterMessage(e.sessions.Players()))
	e.sendLeaderboard(ctx, connID)

	return player, nil
}

// Chat relays text verbatim to every connection.
func (e *Engine) Chat(connID, text string) error {
	if !e.hub.Has(connID) {
		return fmt.Errorf("chat: %w", ErrUnknownConnection)
	}

	msg := ChatMessage{Type: "chat", Text: text}
	if fid, ok := e.sessions.Member(connID); ok {
		if p, ok := e.sessions.Player(fid); ok {
			msg.From = p.Username
		}
	}

	e.hub.Broadcast(msg)
	e.metrics.ObserveChat()
	return nil
}

// Notice broadcasts a chat line without a sender.
func (e *Engine) Notice(text string) {
	e.hub.Broadcast(ChatMessage{Type: "chat", Text: text})
}

// Reply queues msg for one connection.
func (e *Engine) Reply(connID string, msg any) bool {
	return e.hub.Send(connID, msg)
}

// Head is the highest block height observed so far, or zero.
func (e *Engine) Head() uint64 {
	return e.head.Load()
}

// AdvanceHead records a newly observed block height. Heights never move
// backwards.
func (e *Engine) AdvanceHead(height uint64) bool {
	for {
		cur := e.head.Load()
		if height <= cur {
			return false
		}
		if e.head.CompareAndSwap(cur, height) {
			return true
		}
	}
}

// AnnounceBlock tells every connection about a newly observed block and the
// round an implicit prediction would now target.
func (e *Engine) AnnounceBlock(height uint64, transactions int64) {
	e.hub.Broadcast(BlockMessage{
		Type:         "block",
		Height:       height,
		Transactions: transactions,
		NextRound:    e.Head() + e.roundLead,
	})
}

// TargetRound picks the round key for a prediction. A non-zero cursor is
// used as is; otherwise the round follows the head by the configured lead.
func (e *Engine) TargetRound(cursor uint64) (uint64, error) {
	if cursor > 0 {
		return cursor, nil
	}
	head := e.Head()
	if head == 0 {
		return 0, ErrNoActiveRound
	}
	return head + e.roundLead, nil
}

// SubmitPrediction records a prediction for a joined connection. The round
// only becomes resolvable once the gateway has stored it.
func (e *Engine) SubmitPrediction(ctx context.Context, connID string, roundKey uint64, value int64) (Round, error) {
	ctx, span := e.tracer.Start(ctx, "game.SubmitPrediction", trace.WithAttributes(
		attribute.Int64("round", int64(roundKey)),
		attribute.Int64("value", value),
	))
	defer span.End()

	fid, ok := e.sessions.Member(connID)
	if !ok {
		e.metrics.ObservePrediction("rejected")
		return Round{}, e.fail(span, fmt.Errorf("predict: %w", ErrNotJoined))
	}
	if value < 0 || value > e.maxPrediction {
		e.metrics.ObservePrediction("rejected")
		return Round{}, e.fail(span, fmt.Errorf("%w: %d is outside [0, %d]", ErrInvalidPrediction, value, e.maxPrediction))
	}
	if roundKey == 0 {
		e.metrics.ObservePrediction("rejected")
		return Round{}, e.fail(span, fmt.Errorf("%w: missing round key", ErrInvalidPrediction))
	}
	if head := e.Head(); !e.allowPast && roundKey <= head {
		e.metrics.ObservePrediction("rejected")
		return Round{}, e.fail(span, fmt.Errorf("predict round %d (head %d): %w", roundKey, head, ErrRoundClosed))
	}

	round, err := e.sessions.AddRound(fid, roundKey, value, e.now())
	if err != nil {
		e.metrics.ObservePrediction("rejected")
		return Round{}, e.fail(span, err)
	}

	sctx, cancel := context.WithTimeout(ctx, e.storeTimeout)
	err = e.gateway.InsertPredictionRound(sctx, fid, roundKey, value)
	cancel()
	if err != nil {
		e.sessions.DropRound(fid, roundKey)
		e.metrics.ObservePrediction("error")
		return Round{}, e.fail(span, fmt.Errorf("predict round %d for %s: %w: %w", roundKey, fid, ErrPersistence, err))
	}
	e.sessions.ConfirmRound(fid, roundKey)
	round.busy = false

	e.metrics.ObservePrediction("ok")
	e.log.Debug("prediction recorded",
		slog.Uint64("fid", uint64(fid)),
		slog.Uint64("round", roundKey),
		slog.Int64("value", value),
	)
	e.hub.Send(connID, PredictionMessage{Type: "prediction", RoundKey: roundKey, Value: value})

	return round, nil
}

// ResolveRound scores the player's unresolved round for roundKey and
// broadcasts the refreshed leaderboard. When the gateway write fails nothing
// is applied and the round stays unresolved for a retry.
func (e *Engine) ResolveRound(ctx context.Context, fid FID, roundKey uint64, actual int64) (Resolution, error) {
	res, err := e.resolve(ctx, fid, roundKey, actual)
	if err != nil {
		return Resolution{}, err
	}
	e.publishLeaderboard(ctx)
	return res, nil
}

// ResolveBlock resolves every pending round for roundKey and broadcasts the
// leaderboard once. Failed rounds stay pending; their errors are joined.
func (e *Engine) ResolveBlock(ctx context.Context, roundKey uint64, actual int64) ([]Resolution, error) {
	var (
		out  []Resolution
		errs []error
	)
	for _, fid := range e.sessions.PendingFIDs(roundKey) {
		res, err := e.resolve(ctx, fid, roundKey, actual)
		switch {
		case err == nil:
		case errors.Is(err, ErrPersistence):
			errs = append(errs, err)
			continue
		case errors.Is(err, ErrRoundNotFound):
			// claimed by a concurrent resolution, or missing from the store
			continue
		default:
			errs = append(errs, err)
			continue
		}
		out = append(out, res)
	}
	if len(out) > 0 {
		e.publishLeaderboard(ctx)
	}
	return out, errors.Join(errs...)
}

// PendingRoundKeys lists round keys that still have unresolved predictions.
func (e *Engine) PendingRoundKeys() []uint64 {
	return e.sessions.PendingKeys()
}

func (e *Engine) resolve(ctx context.Context, fid FID, roundKey uint64, actual int64) (Resolution, error) {
	ctx, span := e.tracer.Start(ctx, "game.ResolveRound", trace.WithAttributes(
		attribute.String("fid", fid.String()),
		attribute.Int64("round", int64(roundKey)),
		attribute.Int64("actual", actual),
	))
	defer span.End()

	round, err := e.sessions.ReserveRound(fid, roundKey)
	if err != nil {
		e.metrics.ObserveResolution("not_found", 0)
		return Resolution{}, e.fail(span, err)
	}

	points := Score(round.Prediction, actual)
	correct := IsCorrect(round.Prediction, actual)

	sctx, cancel := context.WithTimeout(ctx, e.storeTimeout)
	prevGames, prevCorrect, err := e.gateway.ResolvePredictionRound(sctx, fid, roundKey, actual, points)
	cancel()
	if errors.Is(err, ErrRoundNotFound) {
		// the store holds no open row for it
		e.sessions.DropRound(fid, roundKey)
		e.metrics.ObserveResolution("not_found", 0)
		e.log.Warn("round missing from store, dropped",
			slog.Uint64("fid", uint64(fid)),
			slog.Uint64("round", roundKey),
		)
		return Resolution{}, e.fail(span, fmt.Errorf("resolve round %d for %s: %w", roundKey, fid, err))
	}
	if err != nil {
		e.sessions.ReleaseRound(fid, roundKey)
		e.metrics.ObserveResolution("error", 0)
		e.log.Warn("round resolution not persisted",
			slog.Uint64("fid", uint64(fid)),
			slog.Uint64("round", roundKey),
			slog.Any("error", err),
		)
		return Resolution{}, e.fail(span, fmt.Errorf("resolve round %d for %s: %w: %w", roundKey, fid, ErrPersistence, err))
	}

	_, player, err := e.sessions.CommitRound(fid, roundKey, actual, points)
	if err != nil {
		e.metrics.ObserveResolution("error", 0)
		return Resolution{}, e.fail(span, err)
	}

	wantCorrect := player.CorrectPredictions
	if correct {
		wantCorrect--
	}
	if prevGames != player.GamesPlayed-1 || prevCorrect != wantCorrect {
		e.log.Warn("persisted totals diverge from roster",
			slog.Uint64("fid", uint64(fid)),
			slog.Int("persisted_games", prevGames+1),
			slog.Int("roster_games", player.GamesPlayed),
		)
	}

	e.metrics.ObserveResolution("ok", points)
	e.log.Debug("round resolved",
		slog.Uint64("fid", uint64(fid)),
		slog.Uint64("round", roundKey),
		slog.Int("points", points),
	)

	result := ResultMessage{
		Type:       "result",
		RoundKey:   roundKey,
		Prediction: round.Prediction,
		Actual:     actual,
		Points:     points,
		TotalScore: player.TotalScore,
	}
	for _, id := range e.sessions.Connections(fid) {
		e.hub.Send(id, result)
	}

	return Resolution{
		FID:        fid,
		RoundKey:   roundKey,
		Prediction: round.Prediction,
		Actual:     actual,
		Points:     points,
		Correct:    correct,
		Player:     player,
	}, nil
}

// Leaderboard ranks the durable player totals.
func (e *Engine) Leaderboard(ctx context.Context, limit int) ([]Standing, error) {
	limit = NormalizeLimit(limit)

	sctx, cancel := context.WithTimeout(ctx, e.storeTimeout)
	defer cancel()

	rows, err := e.gateway.QueryLeaderboard(sctx, limit)
	if err != nil {
		return nil, fmt.Errorf("leaderboard: %w: %w", ErrPersistence, err)
	}
	return Project(rows, limit), nil
}

func (e *Engine) publishLeaderboard(ctx context.Context) {
	entries, err := e.Leaderboard(ctx, DefaultLeaderboardLimit)
	if err != nil {
		e.log.Warn("leaderboard refresh failed", slog.Any("error", err))
		return
	}
	e.hub.Broadcast(LeaderboardMessage{Type: "leaderboard", Entries: entries})
}

func (e *Engine) sendLeaderboard(ctx context.Context, connID string) {
	entries, err := e.Leaderboard(ctx, DefaultLeaderboardLimit)
	if err != nil {
		e.log.Warn("leaderboard refresh failed", slog.Any("error", err))
		return
	}
	e.hub.Send(connID, LeaderboardMessage{Type: "leaderboard", Entries: entries})
}

// Welcome sends the current roster and leaderboard to a fresh connection so
// spectators see the room before joining.
func (e *Engine) Welcome(ctx context.Context, connID string) {
	e.hub.Send(connID, rosterMessage(e.sessions.Players()))
	e.sendLeaderboard(ctx, connID)
}

// Connections is the number of live connections.
func (e *Engine) Connections() int {
	return e.hub.Len()
}

// Players is the roster snapshot in join order.
func (e *Engine) Players() []Player {
	return e.sessions.Players()
}

func (e *Engine) Player(fid FID) (Player, bool) {
	return e.sessions.Player(fid)
}

// Rounds returns the in-memory rounds of a player.
func (e *Engine) Rounds(fid FID) []Round {
	return e.sessions.Rounds(fid)
}

// PlayerStats reads the persisted history of a player.
func (e *Engine) PlayerStats(ctx context.Context, fid FID) (Stats, error) {
	sctx, cancel := context.WithTimeout(ctx, e.storeTimeout)
	defer cancel()

	stats, err := e.gateway.PlayerStats(sctx, fid)
	switch {
	case errors.Is(err, ErrPlayerNotFound):
		return Stats{}, fmt.Errorf("stats %s: %w", fid, err)
	case err != nil:
		return Stats{}, fmt.Errorf("stats %s: %w: %w", fid, ErrPersistence, err)
	}
	return stats, nil
}

func (e *Engine) fail(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}
