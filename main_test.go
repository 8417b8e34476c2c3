package main

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/Seednode/txbattle/game"
	"github.com/Seednode/txbattle/metrics"
	"github.com/Seednode/txbattle/store"
)

// stubResolver knows a fixed set of profiles.
type stubResolver map[game.FID]game.Profile

func (s stubResolver) Resolve(_ context.Context, fid game.FID) (game.Profile, error) {
	p, ok := s[fid]
	if !ok {
		return game.Profile{}, game.ErrProfileNotFound
	}
	return p, nil
}

// staticBlocks serves observed transaction counts from a map.
type staticBlocks map[uint64]int64

func (b staticBlocks) Observed(height uint64) (int64, bool) {
	n, ok := b[height]
	return n, ok
}

type serverOptions struct {
	configure func(*Config)
	blocks    blockLookup
}

type testServer struct {
	cfg     *Config
	engine  *game.Engine
	gateway game.Gateway
	reg     *prometheus.Registry
	srv     *httptest.Server
}

func testConfig() *Config {
	return &Config{
		bind:            "127.0.0.1",
		database:        ":memory:",
		maxPrediction:   1_000_000,
		port:            8080,
		resolverTimeout: 5 * time.Second,
		roundLead:       1,
		pollInterval:    time.Second,
		storeTimeout:    5 * time.Second,
	}
}

func newTestServer(t *testing.T, opts serverOptions) *testServer {
	t.Helper()

	cfg := testConfig()
	if opts.configure != nil {
		opts.configure(cfg)
	}

	gateway, err := store.Open(context.Background(), cfg.database, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = gateway.Close() })

	reg := prometheus.NewRegistry()

	eopts := engineOptions(cfg)
	eopts.Resolver = stubResolver{
		42: {FID: 42, Username: "alice", DisplayName: "Alice", AvatarURL: "https://example.com/a.png"},
		43: {FID: 43, Username: "bob", DisplayName: "Bob"},
	}
	eopts.Gateway = gateway
	eopts.Metrics = metrics.New(reg)

	engine, err := game.NewEngine(eopts)
	require.NoError(t, err)

	errs := make(chan error, 64)
	b := &battle{cfg: cfg, engine: engine, blocks: opts.blocks}

	srv := httptest.NewServer(newRouter(cfg, b, reg, errs))
	t.Cleanup(srv.Close)

	return &testServer{cfg: cfg, engine: engine, gateway: gateway, reg: reg, srv: srv}
}

// event is the union of every field a server message may carry.
type event struct {
	Type       string          `json:"type"`
	Code       string          `json:"code"`
	Message    string          `json:"message"`
	Text       string          `json:"text"`
	From       string          `json:"from"`
	FID        game.FID        `json:"fid"`
	Username   string          `json:"username"`
	RoundKey   uint64          `json:"roundKey"`
	Head       uint64          `json:"head"`
	Following  bool            `json:"following"`
	Actual     *int64          `json:"actual"`
	Value      int64           `json:"value"`
	Prediction int64           `json:"prediction"`
	Points     int             `json:"points"`
	TotalScore int             `json:"totalScore"`
	Entries    []game.Standing `json:"entries"`
	Players    []game.Profile  `json:"players"`
}

func (ts *testServer) dial(t *testing.T) *websocket.Conn {
	t.Helper()

	url := "ws" + strings.TrimPrefix(ts.srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	return conn
}

func send(t *testing.T, conn *websocket.Conn, msg any) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(msg))
}

// expect reads until a message of the given type arrives, skipping others.
func expect(t *testing.T, conn *websocket.Conn, typ string) event {
	t.Helper()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	for {
		_, data, err := conn.ReadMessage()
		require.NoError(t, err, "waiting for %q", typ)

		var ev event
		require.NoError(t, json.Unmarshal(data, &ev))
		if ev.Type == typ {
			return ev
		}
	}
}

// expectError reads until an error message arrives and returns its code.
func expectError(t *testing.T, conn *websocket.Conn) string {
	t.Helper()
	return expect(t, conn, "error").Code
}
