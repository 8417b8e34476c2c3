package main

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/julienschmidt/httprouter"

	"github.com/Seednode/txbattle/game"
)

const maxLeaderboardLimit = 100

type leaderboardResponse struct {
	Entries []game.Standing `json:"entries"`
}

type rosterResponse struct {
	Players []game.Player `json:"players"`
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) error {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)

	return json.NewEncoder(w).Encode(v)
}

func writeAPIError(w http.ResponseWriter, err error) error {
	code := errorCode(err)

	status := http.StatusInternalServerError
	switch code {
	case "invalid_fid", "bad_request":
		status = http.StatusBadRequest
	case "player_not_found":
		status = http.StatusNotFound
	case "storage_unavailable":
		status = http.StatusServiceUnavailable
	}

	return writeJSON(w, status, apiError{Code: code, Message: errorText(code)})
}

func serveLeaderboard(cfg *Config, b *battle, errs chan<- error) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		startTime := time.Now()
		securityHeaders(cfg, w)

		limit := game.DefaultLeaderboardLimit
		if n, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && n > 0 {
			limit = min(n, maxLeaderboardLimit)
		}

		entries, err := b.engine.Leaderboard(r.Context(), limit)
		if err != nil {
			logf(cfg, "SERVE: Leaderboard for %s failed: %v", realIP(r), err)
			_ = writeAPIError(w, err)

			return
		}

		if err := writeJSON(w, http.StatusOK, leaderboardResponse{Entries: entries}); err != nil {
			errs <- err

			return
		}

		logf(cfg, "SERVE: Leaderboard (%d entries) to %s in %s",
			len(entries),
			realIP(r),
			time.Since(startTime).Round(time.Microsecond),
		)
	}
}

func servePlayers(cfg *Config, b *battle, errs chan<- error) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		securityHeaders(cfg, w)

		players := b.engine.Players()
		if players == nil {
			players = []game.Player{}
		}

		if err := writeJSON(w, http.StatusOK, rosterResponse{Players: players}); err != nil {
			errs <- err
		}
	}
}

func servePlayerStats(cfg *Config, b *battle, errs chan<- error) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
		securityHeaders(cfg, w)

		fid, err := game.ParseFID(p.ByName("fid"))
		if err != nil {
			_ = writeAPIError(w, err)

			return
		}

		stats, err := b.engine.PlayerStats(r.Context(), fid)
		if err != nil {
			if !errors.Is(err, game.ErrPlayerNotFound) {
				logf(cfg, "SERVE: Stats for %s failed: %v", fid, err)
			}
			_ = writeAPIError(w, err)

			return
		}

		if err := writeJSON(w, http.StatusOK, stats); err != nil {
			errs <- err
		}
	}
}

func registerAPI(cfg *Config, b *battle, mux *httprouter.Router, errs chan<- error) {
	mux.GET(cfg.prefix+"/api/leaderboard", serveLeaderboard(cfg, b, errs))
	mux.GET(cfg.prefix+"/api/players", servePlayers(cfg, b, errs))
	mux.GET(cfg.prefix+"/api/players/:fid", servePlayerStats(cfg, b, errs))
}
