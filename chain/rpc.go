// Package chain observes block heights and transaction counts over EVM
// JSON-RPC and resolves prediction rounds as blocks land.
package chain

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/sony/gobreaker"
	"github.com/tidwall/gjson"
)

var (
	// ErrBlockNotFound means the node does not know the block yet.
	ErrBlockNotFound = errors.New("block not found")

	// ErrUnavailable wraps transport and protocol failures of the node.
	ErrUnavailable = errors.New("block oracle unavailable")
)

const (
	defaultFailureThreshold = 5
	defaultOpenTimeout      = 15 * time.Second
	maxBodyBytes            = 1 << 20
)

// Oracle reports the chain head and per-block transaction counts.
type Oracle interface {
	Head(ctx context.Context) (uint64, error)
	TransactionCount(ctx context.Context, height uint64) (int64, error)
}

// RPC is an Oracle backed by a JSON-RPC endpoint.
type RPC struct {
	url  string
	http *http.Client
	log  *slog.Logger

	threshold   uint32
	openTimeout time.Duration
	breaker     *gobreaker.CircuitBreaker

	nextID atomic.Uint64
}

type Option func(*RPC)

func WithHTTPClient(hc *http.Client) Option {
	return func(r *RPC) { r.http = hc }
}

func WithLogger(logger *slog.Logger) Option {
	return func(r *RPC) { r.log = logger }
}

// WithBreaker sets the consecutive failure count that opens the breaker and
// how long it stays open.
func WithBreaker(threshold uint32, openTimeout time.Duration) Option {
	return func(r *RPC) {
		r.threshold = threshold
		r.openTimeout = openTimeout
	}
}

func NewRPC(url string, opts ...Option) *RPC {
	r := &RPC{
		url:         url,
		http:        &http.Client{Timeout: 10 * time.Second},
		threshold:   defaultFailureThreshold,
		openTimeout: defaultOpenTimeout,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.log == nil {
		r.log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	r.log = r.log.With(slog.String("component", "chain"))
	if r.threshold == 0 {
		r.threshold = defaultFailureThreshold
	}

	r.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "rpc",
		Timeout: r.openTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= r.threshold
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, ErrBlockNotFound) || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			r.log.Warn("breaker state changed",
				slog.String("breaker", name),
				slog.String("from", from.String()),
				slog.String("to", to.String()))
		},
	})

	return r
}

// Head returns the latest block number.
func (r *RPC) Head(ctx context.Context) (uint64, error) {
	result, err := r.call(ctx, "eth_blockNumber")
	if err != nil {
		return 0, err
	}
	return parseQuantity(result)
}

// TransactionCount returns the number of transactions in the block at height.
func (r *RPC) TransactionCount(ctx context.Context, height uint64) (int64, error) {
	result, err := r.call(ctx, "eth_getBlockTransactionCountByNumber", "0x"+strconv.FormatUint(height, 16))
	if err != nil {
		return 0, err
	}
	if result.Type == gjson.Null {
		return 0, fmt.Errorf("block %d: %w", height, ErrBlockNotFound)
	}

	n, err := parseQuantity(result)
	if err != nil {
		return 0, err
	}
	if n > 1<<62 {
		return 0, fmt.Errorf("%w: transaction count %d out of range", ErrUnavailable, n)
	}
	return int64(n), nil
}

type request struct {
	JSONRPC string `json:"jsonrpc"`
	ID      uint64 `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
}

func (r *RPC) call(ctx context.Context, method string, params ...any) (gjson.Result, error) {
	if params == nil {
		params = []any{}
	}

	out, err := r.breaker.Execute(func() (any, error) {
		return r.do(ctx, request{
			JSONRPC: "2.0",
			ID:      r.nextID.Add(1),
			Method:  method,
			Params:  params,
		})
	})
	if err != nil {
		if errors.Is(err, ErrBlockNotFound) || errors.Is(err, ErrUnavailable) {
			return gjson.Result{}, err
		}
		return gjson.Result{}, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}

	return out.(gjson.Result), nil
}

func (r *RPC) do(ctx context.Context, payload request) (gjson.Result, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return gjson.Result{}, fmt.Errorf("%w: encode %s: %w", ErrUnavailable, payload.Method, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.url, bytes.NewReader(body))
	if err != nil {
		return gjson.Result{}, fmt.Errorf("%w: build request: %w", ErrUnavailable, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.http.Do(req)
	if err != nil {
		return gjson.Result{}, fmt.Errorf("%w: %s: %w", ErrUnavailable, payload.Method, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return gjson.Result{}, fmt.Errorf("%w: read %s: %w", ErrUnavailable, payload.Method, err)
	}
	if resp.StatusCode != http.StatusOK {
		return gjson.Result{}, fmt.Errorf("%w: %s: unexpected status %d", ErrUnavailable, payload.Method, resp.StatusCode)
	}
	if !gjson.ValidBytes(raw) {
		return gjson.Result{}, fmt.Errorf("%w: %s: malformed response", ErrUnavailable, payload.Method)
	}

	parsed := gjson.ParseBytes(raw)
	if rpcErr := parsed.Get("error"); rpcErr.Exists() && rpcErr.Type != gjson.Null {
		return gjson.Result{}, fmt.Errorf("%w: %s: %s (code %d)", ErrUnavailable,
			payload.Method, rpcErr.Get("message").String(), rpcErr.Get("code").Int())
	}

	result := parsed.Get("result")
	if !result.Exists() {
		return gjson.Result{}, fmt.Errorf("%w: %s: missing result", ErrUnavailable, payload.Method)
	}
	return result, nil
}

// parseQuantity decodes a hex encoded JSON-RPC quantity such as "0x1b4".
func parseQuantity(v gjson.Result) (uint64, error) {
	s := v.String()
	if v.Type != gjson.String || !strings.HasPrefix(s, "0x") {
		return 0, fmt.Errorf("%w: bad quantity %q", ErrUnavailable, v.Raw)
	}
	n, err := strconv.ParseUint(strings.TrimPrefix(s, "0x"), 16, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: bad quantity %q: %w", ErrUnavailable, s, err)
	}
	return n, nil
}
