package game

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// FID is the Farcaster identifier a player joins with.
type FID uint64

// ParseFID parses a positive decimal identifier.
func ParseFID(s string) (FID, error) {
	v, err := strconv.ParseUint(strings.TrimSpace(s), 10, 64)
	if err != nil || v == 0 {
		return 0, fmt.Errorf("%w: %q", ErrInvalidFID, s)
	}
	return FID(v), nil
}

func (f FID) String() string {
	return strconv.FormatUint(uint64(f), 10)
}

// Profile is the display data returned by the profile resolver. None of the
// fields are validated here; renderers must escape them.
type Profile struct {
	FID         FID    `json:"fid"`
	Username    string `json:"username"`
	DisplayName string `json:"displayName"`
	AvatarURL   string `json:"avatarUrl"`
	Bio         string `json:"-"`
}

// Player is a roster entry together with its cumulative statistics.
type Player struct {
	Profile
	TotalScore         int `json:"totalScore"`
	GamesPlayed        int `json:"gamesPlayed"`
	CorrectPredictions int `json:"correctPredictions"`
}

// Round is a single prediction scored against a block height.
type Round struct {
	FID         FID
	RoundKey    uint64
	Prediction  int64
	Actual      *int64
	Points      *int
	SubmittedAt time.Time

	// busy is set while the round is being written to the gateway.
	busy bool
}

// Resolved reports whether the actual value has been applied.
func (r Round) Resolved() bool {
	return r.Actual != nil
}

// Resolution is the outcome of scoring a round.
type Resolution struct {
	FID        FID    `json:"fid"`
	RoundKey   uint64 `json:"roundKey"`
	Prediction int64  `json:"prediction"`
	Actual     int64  `json:"actual"`
	Points     int    `json:"points"`
	Correct    bool   `json:"correct"`
	Player     Player `json:"player"`
}

// Stats summarises a player's persisted prediction history.
type Stats struct {
	Player
	Predictions   int     `json:"predictions"`
	Resolved      int     `json:"resolved"`
	AveragePoints float64 `json:"averagePoints"`
	BestPoints    int     `json:"bestPoints"`
}
