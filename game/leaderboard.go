package game

import (
	"cmp"
	"slices"
)

// DefaultLeaderboardLimit is used when no positive limit is requested.
const DefaultLeaderboardLimit = 10

// Standing is one ranked leaderboard row.
type Standing struct {
	Rank               int     `json:"rank"`
	FID                FID     `json:"fid"`
	Username           string  `json:"username"`
	DisplayName        string  `json:"displayName"`
	TotalScore         int     `json:"score"`
	GamesPlayed        int     `json:"gamesPlayed"`
	CorrectPredictions int     `json:"correctPredictions"`
	Accuracy           float64 `json:"accuracy"`

	tenths int
}

// NormalizeLimit maps non-positive limits to DefaultLeaderboardLimit.
func NormalizeLimit(limit int) int {
	if limit <= 0 {
		return DefaultLeaderboardLimit
	}
	return limit
}

// Accuracy returns correct/played as a percentage rounded half up to one
// decimal place. It is zero when nothing has been played.
func Accuracy(correct, played int) float64 {
	return float64(accuracyTenths(correct, played)) / 10
}

// accuracyTenths is computed in integers so ties at the rounding boundary
// are stable across the database and the projector.
func accuracyTenths(correct, played int) int {
	if played <= 0 {
		return 0
	}
	return (correct*2000 + played) / (2 * played)
}

// Project ranks players by total score, then accuracy, then identifier, and
// keeps the first limit rows. Players without a resolved round are skipped.
func Project(rows []Player, limit int) []Standing {
	limit = NormalizeLimit(limit)

	out := make([]Standing, 0, min(len(rows), limit))
	for _, p := range rows {
		if p.GamesPlayed <= 0 {
			continue
		}
		tenths := accuracyTenths(p.CorrectPredictions, p.GamesPlayed)
		out = append(out, Standing{
			FID:                p.FID,
			Username:           p.Username,
			DisplayName:        p.DisplayName,
			TotalScore:         p.TotalScore,
			GamesPlayed:        p.GamesPlayed,
			CorrectPredictions: p.CorrectPredictions,
			Accuracy:           float64(tenths) / 10,
			tenths:             tenths,
		})
	}

	slices.SortFunc(out, func(a, b Standing) int {
		if c := cmp.Compare(b.TotalScore, a.TotalScore); c != 0 {
			return c
		}
		if c := cmp.Compare(b.tenths, a.tenths); c != 0 {
			return c
		}
		return cmp.Compare(a.FID, b.FID)
	})

	if len(out) > limit {
		out = out[:limit]
	}
	for i := range out {
		out[i].Rank = i + 1
	}
	return out
}
