package chain

import (
	"context"
	"errors"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Seednode/txbattle/game"
)

type fakeOracle struct {
	mu     sync.Mutex
	head   uint64
	counts map[uint64]int64
	calls  map[uint64]int
}

func (o *fakeOracle) Head(context.Context) (uint64, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.head, nil
}

func (o *fakeOracle) TransactionCount(_ context.Context, height uint64) (int64, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.calls == nil {
		o.calls = make(map[uint64]int)
	}
	o.calls[height]++

	n, ok := o.counts[height]
	if !ok {
		return 0, ErrBlockNotFound
	}
	return n, nil
}

type resolveCall struct {
	key    uint64
	actual int64
}

type fakeGame struct {
	mu        sync.Mutex
	head      uint64
	pending   []uint64
	announced []uint64
	resolved  []resolveCall
	failKey   uint64
}

func (g *fakeGame) Head() uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.head
}

func (g *fakeGame) AdvanceHead(h uint64) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if h <= g.head {
		return false
	}
	g.head = h
	return true
}

func (g *fakeGame) AnnounceBlock(h uint64, _ int64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.announced = append(g.announced, h)
}

func (g *fakeGame) PendingRoundKeys() []uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return slices.Clone(g.pending)
}

func (g *fakeGame) ResolveBlock(_ context.Context, key uint64, actual int64) ([]game.Resolution, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if key == g.failKey {
		return nil, game.ErrPersistence
	}
	g.resolved = append(g.resolved, resolveCall{key, actual})
	g.pending = slices.DeleteFunc(g.pending, func(k uint64) bool { return k == key })
	return []game.Resolution{{RoundKey: key, Actual: actual}}, nil
}

func TestPollResolvesObservedBlocks(t *testing.T) {
	oracle := &fakeOracle{
		head:   101,
		counts: map[uint64]int64{100: 40, 101: 55},
	}
	g := &fakeGame{pending: []uint64{100, 101, 102}}
	p := NewPoller(oracle, g, time.Second, nil)

	require.NoError(t, p.Poll(context.Background()))

	assert.Equal(t, uint64(101), g.Head())
	assert.Equal(t, []uint64{101}, g.announced)
	assert.Equal(t, []resolveCall{{100, 40}, {101, 55}}, g.resolved)
	assert.Equal(t, []uint64{102}, g.PendingRoundKeys())

	// the head count is cached from the announcement
	assert.Equal(t, 1, oracle.calls[101])

	n, ok := p.Observed(100)
	assert.True(t, ok)
	assert.Equal(t, int64(40), n)
	_, ok = p.Observed(102)
	assert.False(t, ok)
}

func TestPollSkipsUnknownBlocks(t *testing.T) {
	oracle := &fakeOracle{head: 5, counts: map[uint64]int64{}}
	g := &fakeGame{pending: []uint64{5}}
	p := NewPoller(oracle, g, time.Second, nil)

	require.NoError(t, p.Poll(context.Background()))
	assert.Empty(t, g.resolved)
	assert.Empty(t, g.announced)
	assert.Equal(t, []uint64{5}, g.PendingRoundKeys())
}

func TestPollKeepsFailedRoundsPending(t *testing.T) {
	oracle := &fakeOracle{head: 10, counts: map[uint64]int64{9: 1, 10: 2}}
	g := &fakeGame{pending: []uint64{9, 10}, failKey: 9}
	p := NewPoller(oracle, g, time.Second, nil)

	err := p.Poll(context.Background())
	require.ErrorIs(t, err, game.ErrPersistence)
	assert.Equal(t, []resolveCall{{10, 2}}, g.resolved)
	assert.Equal(t, []uint64{9}, g.PendingRoundKeys())

	g.mu.Lock()
	g.failKey = 0
	g.mu.Unlock()

	require.NoError(t, p.Poll(context.Background()))
	assert.Empty(t, g.PendingRoundKeys())
	assert.Equal(t, 1, oracle.calls[9])
}

type brokenOracle struct{}

func (brokenOracle) Head(context.Context) (uint64, error) { return 0, ErrUnavailable }
func (brokenOracle) TransactionCount(context.Context, uint64) (int64, error) {
	return 0, errors.New("unreachable")
}

func TestPollHeadFailure(t *testing.T) {
	g := &fakeGame{pending: []uint64{1}}
	p := NewPoller(brokenOracle{}, g, time.Second, nil)

	require.ErrorIs(t, p.Poll(context.Background()), ErrUnavailable)
	assert.Zero(t, g.Head())
}

func TestRunStopsOnCancel(t *testing.T) {
	oracle := &fakeOracle{head: 3, counts: map[uint64]int64{3: 7}}
	g := &fakeGame{pending: []uint64{3}}
	p := NewPoller(oracle, g, 10*time.Millisecond, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		p.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return len(g.PendingRoundKeys()) == 0 }, time.Second, 5*time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("poller did not stop")
	}
}

func TestObservedIsBounded(t *testing.T) {
	p := NewPoller(&fakeOracle{}, &fakeGame{}, time.Second, nil)
	for h := uint64(1); h <= observedCapacity+10; h++ {
		p.remember(h, int64(h))
	}

	_, ok := p.Observed(1)
	assert.False(t, ok)
	n, ok := p.Observed(observedCapacity + 10)
	assert.True(t, ok)
	assert.Equal(t, int64(observedCapacity+10), n)
}
