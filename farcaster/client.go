// Package farcaster resolves player profiles through the Neynar bulk user API.
package farcaster

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sony/gobreaker"
	"github.com/tidwall/gjson"

	"github.com/Seednode/txbattle/game"
)

const (
	DefaultBaseURL = "https://api.neynar.com"

	defaultFailureThreshold = 5
	defaultOpenTimeout      = 30 * time.Second
	maxBodyBytes            = 1 << 20
)

// Client implements game.Resolver. Transport failures trip a circuit breaker
// so a dead upstream fails joins fast instead of holding connections open.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
	log     *slog.Logger

	threshold   uint32
	openTimeout time.Duration
	breaker     *gobreaker.CircuitBreaker
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) { c.log = logger }
}

// WithBreaker sets the consecutive failure count that opens the breaker and
// how long it stays open.
func WithBreaker(threshold uint32, openTimeout time.Duration) Option {
	return func(c *Client) {
		c.threshold = threshold
		c.openTimeout = openTimeout
	}
}

func New(baseURL, apiKey string, opts ...Option) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}

	c := &Client{
		baseURL:     strings.TrimSuffix(baseURL, "/"),
		apiKey:      apiKey,
		http:        &http.Client{Timeout: 10 * time.Second},
		threshold:   defaultFailureThreshold,
		openTimeout: defaultOpenTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.log == nil {
		c.log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	c.log = c.log.With(slog.String("component", "farcaster"))
	if c.threshold == 0 {
		c.threshold = defaultFailureThreshold
	}

	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "neynar",
		Timeout: c.openTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= c.threshold
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, game.ErrProfileNotFound) || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			c.log.Warn("breaker state changed",
				slog.String("breaker", name),
				slog.String("from", from.String()),
				slog.String("to", to.String()))
		},
	})

	return c
}

// Resolve looks up a single fid. Unknown identifiers return
// game.ErrProfileNotFound, everything else wraps game.ErrResolver.
func (c *Client) Resolve(ctx context.Context, fid game.FID) (game.Profile, error) {
	if fid == 0 {
		return game.Profile{}, game.ErrInvalidFID
	}

	out, err := c.breaker.Execute(func() (any, error) {
		return c.fetch(ctx, fid)
	})
	if err != nil {
		if errors.Is(err, game.ErrProfileNotFound) || errors.Is(err, game.ErrResolver) {
			return game.Profile{}, err
		}
		return game.Profile{}, fmt.Errorf("%w: %w", game.ErrResolver, err)
	}

	return out.(game.Profile), nil
}

func (c *Client) fetch(ctx context.Context, fid game.FID) (game.Profile, error) {
	endpoint := c.baseURL + "/v2/farcaster/user/bulk?fids=" + url.QueryEscape(fid.String())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return game.Profile{}, fmt.Errorf("%w: build request: %w", game.ErrResolver, err)
	}
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("api_key", c.apiKey)
		req.Header.Set("x-api-key", c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return game.Profile{}, fmt.Errorf("%w: %w", game.ErrResolver, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return game.Profile{}, fmt.Errorf("%w: read body: %w", game.ErrResolver, err)
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return game.Profile{}, fmt.Errorf("fid %s: %w", fid, game.ErrProfileNotFound)
	case resp.StatusCode != http.StatusOK:
		return game.Profile{}, fmt.Errorf("%w: unexpected status %d", game.ErrResolver, resp.StatusCode)
	}

	if !gjson.ValidBytes(body) {
		return game.Profile{}, fmt.Errorf("%w: malformed response", game.ErrResolver)
	}

	user := gjson.GetBytes(body, "users.0")
	if !user.Exists() {
		return game.Profile{}, fmt.Errorf("fid %s: %w", fid, game.ErrProfileNotFound)
	}

	profile := parseUser(user)
	if profile.FID == 0 {
		profile.FID = fid
	}
	if profile.FID != fid {
		return game.Profile{}, fmt.Errorf("%w: asked for fid %s, got %s", game.ErrResolver, fid, profile.FID)
	}

	c.log.Debug("resolved profile", slog.String("fid", fid.String()), slog.String("username", profile.Username))

	return profile, nil
}

func parseUser(user gjson.Result) game.Profile {
	return game.Profile{
		FID:         game.FID(user.Get("fid").Uint()),
		Username:    user.Get("username").String(),
		DisplayName: user.Get("display_name").String(),
		AvatarURL:   user.Get("pfp_url").String(),
		Bio:         user.Get("profile.bio.text").String(),
	}
}
