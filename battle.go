// txbattle block prediction game
//
// Players join with their Farcaster FID and guess how many transactions the
// next block will carry. Each block is scored against every prediction made
// for it, and the leaderboard, roster and chat are pushed to everyone.
//
// Features:
// - One shared room over a single websocket endpoint: /ws
// - Profiles resolved through Neynar on join; rejoining refreshes the profile
// - Predictions target the next block unless the client navigates to another
// - Points are tiered by distance from the observed transaction count
// - Leaderboard ranked from the durable totals after every scored block
// - Per-connection message rate limiting
// - In-browser QR button to share the game, backed by go-qrcode

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"
	"github.com/skip2/go-qrcode"
	"golang.org/x/time/rate"

	"github.com/Seednode/txbattle/game"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
)

// ClientMessage is any message a browser sends.
type ClientMessage struct {
	Type     string  `json:"type"`               // "join", "chat", "predict", "prev_round", "curr_round"
	FID      numeric `json:"fid,omitempty"`      // join
	Text     string  `json:"text,omitempty"`     // chat
	RoundKey numeric `json:"roundKey,omitempty"` // predict, optional
	Value    numeric `json:"value,omitempty"`    // predict
}

// numeric accepts a JSON number or a string holding one.
type numeric string

func (n *numeric) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		*n = ""
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*n = numeric(strings.TrimSpace(s))
		return nil
	}
	*n = numeric(b)
	return nil
}

// blockLookup reports transaction counts of blocks that were already seen.
type blockLookup interface {
	Observed(height uint64) (int64, bool)
}

type battle struct {
	cfg    *Config
	engine *game.Engine
	blocks blockLookup
}

type Client struct {
	id      string
	conn    *websocket.Conn
	send    <-chan any
	limiter *rate.Limiter

	// cursor is the round picked with prev_round; zero follows the head.
	cursor uint64
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

func (b *battle) serveWS() httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logf(b.cfg, "SERVE: Websocket upgrade for %s failed: %v", realIP(r), err)
			return
		}

		id, send := b.engine.Connect()

		client := &Client{
			id:   id,
			conn: conn,
			send: send,
		}
		if b.cfg.messageRate > 0 {
			client.limiter = rate.NewLimiter(rate.Limit(b.cfg.messageRate), b.cfg.messageBurst)
		}

		logf(b.cfg, "GAMES: Connection %s opened from %s", id, realIP(r))

		go client.writePump()
		b.engine.Welcome(r.Context(), id)
		client.readPump(r.Context(), b)

		logf(b.cfg, "GAMES: Connection %s closed", id)
	}
}

func (c *Client) readPump(ctx context.Context, b *battle) {
	defer func() {
		b.engine.Disconnect(c.id)
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}

		if c.limiter != nil && !c.limiter.Allow() {
			b.reject(c, "rate_limited", nil)
			continue
		}

		var msg ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			b.reject(c, "bad_request", err)
			continue
		}

		b.handle(ctx, c, msg)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (b *battle) handle(ctx context.Context, c *Client, msg ClientMessage) {
	switch msg.Type {
	case "join":
		fid, err := game.ParseFID(string(msg.FID))
		if err != nil {
			b.reject(c, errorCode(err), err)
			return
		}

		p, err := b.engine.Join(ctx, c.id, fid)
		if err != nil {
			b.reject(c, errorCode(err), err)
			return
		}
		logf(b.cfg, "GAMES: %s joined as %s (fid %s)", c.id, p.Username, p.FID)
	case "chat":
		if err := b.engine.Chat(c.id, msg.Text); err != nil {
			b.reject(c, errorCode(err), err)
		}
	case "predict":
		b.predict(ctx, c, msg)
	case "prev_round":
		b.previousRound(c)
	case "curr_round":
		b.currentRound(c)
	default:
		b.reject(c, "bad_request", fmt.Errorf("unknown message type %q", msg.Type))
	}
}

func (b *battle) predict(ctx context.Context, c *Client, msg ClientMessage) {
	value, err := strconv.ParseInt(string(msg.Value), 10, 64)
	if err != nil {
		err = fmt.Errorf("%w: %q", game.ErrInvalidPrediction, msg.Value)
		b.reject(c, errorCode(err), err)
		return
	}

	key := c.cursor
	if msg.RoundKey != "" {
		key, err = strconv.ParseUint(string(msg.RoundKey), 10, 64)
		if err != nil || key == 0 {
			err = fmt.Errorf("%w: round %q", game.ErrInvalidPrediction, msg.RoundKey)
			b.reject(c, errorCode(err), err)
			return
		}
	}

	key, err = b.engine.TargetRound(key)
	if err != nil {
		b.reject(c, errorCode(err), err)
		return
	}

	if _, err := b.engine.SubmitPrediction(ctx, c.id, key, value); err != nil {
		b.reject(c, errorCode(err), err)
		return
	}
	logf(b.cfg, "GAMES: %s predicted %d for block %d", c.id, value, key)
}

func (b *battle) previousRound(c *Client) {
	key, err := b.engine.TargetRound(c.cursor)
	if err != nil {
		b.reject(c, errorCode(err), err)
		return
	}
	if key > 1 {
		key--
	}
	c.cursor = key

	b.engine.Reply(c.id, b.roundMessage(key, false))
	b.engine.Notice(fmt.Sprintf("Moved to previous block (%d)", key))
}

func (b *battle) currentRound(c *Client) {
	c.cursor = 0

	key, err := b.engine.TargetRound(0)
	if err != nil {
		b.reject(c, errorCode(err), err)
		return
	}

	b.engine.Reply(c.id, b.roundMessage(key, true))
	b.engine.Notice("Back to current block")
}

func (b *battle) roundMessage(key uint64, following bool) game.RoundMessage {
	msg := game.RoundMessage{
		Type:      "round",
		RoundKey:  key,
		Head:      b.engine.Head(),
		Following: following,
	}
	if b.blocks != nil {
		if n, ok := b.blocks.Observed(key); ok {
			msg.Actual = &n
		}
	}
	return msg
}

func (b *battle) reject(c *Client, code string, err error) {
	b.engine.Reply(c.id, game.ErrorMessage{
		Type:    "error",
		Code:    code,
		Message: errorText(code),
	})
	if err != nil {
		logf(b.cfg, "GAMES: Rejected message from %s (%s): %v", c.id, code, err)
	}
}

// qrHandler renders a PNG QR code pointing at the game page.
func qrHandler(cfg *Config) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		scheme := "http"
		if r.TLS != nil {
			scheme = "https"
		}
		if proto := r.Header.Get("X-Forwarded-Proto"); proto == "http" || proto == "https" {
			scheme = proto
		}

		url := scheme + "://" + r.Host + cfg.prefix + "/"

		const qrSize = 320
		png, err := qrcode.Encode(url, qrcode.Medium, qrSize)
		if err != nil {
			http.Error(w, "qr generation failed", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "image/png")
		w.Header().Set("Cache-Control", "public, max-age=3600")
		securityHeaders(cfg, w)
		_, _ = w.Write(png)
	}
}

// registerBattle sets up routes so that:
//   - /                      → HTML client
//   - /assets/battle/:file   → client scripts and styles
//   - /ws                    → websocket
//   - /qr                    → PNG QR code for the game URL
func registerBattle(cfg *Config, b *battle, mux *httprouter.Router, errs chan<- error) {
	mux.GET(cfg.prefix+"/", serveHomePage(cfg, errs))
	mux.GET(cfg.prefix+"/assets/battle/:file", serveAssets(cfg, errs))
	mux.GET(cfg.prefix+"/ws", b.serveWS())
	mux.GET(cfg.prefix+"/qr", qrHandler(cfg))
}
