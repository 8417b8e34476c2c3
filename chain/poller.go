package chain

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/Seednode/txbattle/game"
)

const (
	DefaultPollInterval = 2 * time.Second

	observedCapacity = 1024
)

// Game is the part of the engine the poller drives.
type Game interface {
	Head() uint64
	AdvanceHead(height uint64) bool
	AnnounceBlock(height uint64, transactions int64)
	PendingRoundKeys() []uint64
	ResolveBlock(ctx context.Context, roundKey uint64, actual int64) ([]game.Resolution, error)
}

// Poller follows the chain head and resolves every pending round whose block
// has been observed.
type Poller struct {
	oracle   Oracle
	game     Game
	interval time.Duration
	log      *slog.Logger

	mu       sync.Mutex
	observed map[uint64]int64
	order    []uint64
}

func NewPoller(oracle Oracle, g Game, interval time.Duration, logger *slog.Logger) *Poller {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	return &Poller{
		oracle:   oracle,
		game:     g,
		interval: interval,
		log:      logger.With(slog.String("component", "poller")),
		observed: make(map[uint64]int64),
	}
}

// Run polls until ctx is cancelled.
func (p *Poller) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		if err := p.Poll(ctx); err != nil && ctx.Err() == nil {
			p.log.Warn("poll failed", slog.Any("error", err))
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Poll reads the head once, announces it when it moved, and resolves pending
// rounds at or below it. Rounds whose resolution fails stay pending for the
// next poll.
func (p *Poller) Poll(ctx context.Context) error {
	head, err := p.oracle.Head(ctx)
	if err != nil {
		return err
	}

	if p.game.AdvanceHead(head) {
		count, err := p.count(ctx, head)
		if err != nil {
			p.log.Debug("head count unavailable", slog.Uint64("height", head), slog.Any("error", err))
		} else {
			p.game.AnnounceBlock(head, count)
		}
	}

	var errs []error
	for _, key := range p.game.PendingRoundKeys() {
		if key > head {
			break
		}

		count, err := p.count(ctx, key)
		if errors.Is(err, ErrBlockNotFound) {
			continue
		}
		if err != nil {
			errs = append(errs, err)
			continue
		}

		resolved, err := p.game.ResolveBlock(ctx, key, count)
		if err != nil {
			errs = append(errs, err)
		}
		if len(resolved) > 0 {
			p.log.Info("block resolved",
				slog.Uint64("height", key),
				slog.Int64("transactions", count),
				slog.Int("rounds", len(resolved)))
		}
	}

	return errors.Join(errs...)
}

// Observed returns the transaction count of a block seen by this poller.
func (p *Poller) Observed(height uint64) (int64, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	n, ok := p.observed[height]
	return n, ok
}

func (p *Poller) count(ctx context.Context, height uint64) (int64, error) {
	if n, ok := p.Observed(height); ok {
		return n, nil
	}

	n, err := p.oracle.TransactionCount(ctx, height)
	if err != nil {
		return 0, err
	}
	p.remember(height, n)
	return n, nil
}

func (p *Poller) remember(height uint64, n int64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.observed[height]; ok {
		return
	}
	p.observed[height] = n
	p.order = append(p.order, height)
	if len(p.order) > observedCapacity {
		delete(p.observed, p.order[0])
		p.order = p.order[1:]
	}
}
