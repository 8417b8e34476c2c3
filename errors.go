/*
Copyright © 2025 Seednode <seednode@seedno.de>
*/

package main

import (
	"errors"
	"fmt"
	"html"
	"log"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/Seednode/txbattle/game"
)

func logf(cfg *Config, format string, args ...any) {
	if !cfg.verbose {
		return
	}

	log.Printf("%s | "+format, append([]any{time.Now().Format(logDate)}, args...)...)
}

// newLogger builds the structured logger handed to the library packages.
// Without --verbose only warnings and errors are written.
func newLogger(cfg *Config) *slog.Logger {
	level := slog.LevelWarn
	if cfg.verbose {
		level = slog.LevelDebug
	}

	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
		ReplaceAttr: func(_ []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey {
				return slog.String(slog.TimeKey, a.Value.Time().Format(logDate))
			}
			return a
		},
	}))
}

// errorCode maps engine errors onto the codes sent to clients.
func errorCode(err error) string {
	switch {
	case errors.Is(err, game.ErrInvalidFID):
		return "invalid_fid"
	case errors.Is(err, game.ErrProfileNotFound):
		return "profile_not_found"
	case errors.Is(err, game.ErrResolver):
		return "resolver_unavailable"
	case errors.Is(err, game.ErrNotJoined):
		return "not_joined"
	case errors.Is(err, game.ErrInvalidPrediction):
		return "invalid_prediction"
	case errors.Is(err, game.ErrDuplicatePrediction):
		return "duplicate_prediction"
	case errors.Is(err, game.ErrRoundClosed):
		return "round_closed"
	case errors.Is(err, game.ErrNoActiveRound):
		return "no_active_round"
	case errors.Is(err, game.ErrRoundNotFound):
		return "round_not_found"
	case errors.Is(err, game.ErrPersistence):
		return "storage_unavailable"
	case errors.Is(err, game.ErrPlayerNotFound):
		return "player_not_found"
	default:
		return "internal"
	}
}

// errorText is the client-facing message for an error code. Internal
// details stay in the server log.
func errorText(code string) string {
	switch code {
	case "invalid_fid":
		return "That is not a valid FID."
	case "profile_not_found":
		return "No Farcaster profile exists for that FID."
	case "resolver_unavailable":
		return "Profile lookup is unavailable, please try again."
	case "not_joined":
		return "Join the game before predicting."
	case "invalid_prediction":
		return "Predictions must be whole numbers within range."
	case "duplicate_prediction":
		return "You already predicted this block."
	case "round_closed":
		return "That block has already been mined."
	case "no_active_round":
		return "Waiting for the first block."
	case "round_not_found":
		return "No open prediction for that block."
	case "storage_unavailable":
		return "Could not save, please try again."
	case "rate_limited":
		return "Slow down."
	case "bad_request":
		return "Malformed message."
	default:
		return "Something went wrong."
	}
}

func newPage(title, body string) string {
	var htmlBody strings.Builder

	htmlBody.WriteString(`<!DOCTYPE html><html lang="en"><head>`)
	htmlBody.WriteString(`<meta charset="utf-8"><meta name="viewport" content="width=device-width, initial-scale=1">`)
	htmlBody.WriteString(`<style>`)
	htmlBody.WriteString(`html,body,a{display:block;height:100%;width:100%;text-decoration:none;color:inherit;cursor:auto;}</style>`)
	htmlBody.WriteString(fmt.Sprintf("<title>%s</title></head>", html.EscapeString(title)))
	htmlBody.WriteString(fmt.Sprintf("<body><a href=\"/\">%s</a></body></html>", html.EscapeString(body)))

	return htmlBody.String()
}
