package game

// Messages sent to clients. Each carries its event name in Type.

type ProfileMessage struct {
	Type string `json:"type"` // "profile"
	Profile
}

type RosterMessage struct {
	Type    string    `json:"type"` // "roster"
	Players []Profile `json:"players"`
}

type ChatMessage struct {
	Type string `json:"type"`           // "chat"
	Text string `json:"text"`           // relayed verbatim
	From string `json:"from,omitempty"` // sender username, empty for notices
}

type LeaderboardMessage struct {
	Type    string     `json:"type"` // "leaderboard"
	Entries []Standing `json:"entries"`
}

// PredictionMessage acknowledges a prediction to the submitting connection.
type PredictionMessage struct {
	Type     string `json:"type"` // "prediction"
	RoundKey uint64 `json:"roundKey"`
	Value    int64  `json:"value"`
}

// ResultMessage tells a player how one of their rounds was scored.
type ResultMessage struct {
	Type       string `json:"type"` // "result"
	RoundKey   uint64 `json:"roundKey"`
	Prediction int64  `json:"prediction"`
	Actual     int64  `json:"actual"`
	Points     int    `json:"points"`
	TotalScore int    `json:"totalScore"`
}

// RoundMessage answers block navigation requests.
type RoundMessage struct {
	Type      string `json:"type"` // "round"
	RoundKey  uint64 `json:"roundKey"`
	Head      uint64 `json:"head"`
	Actual    *int64 `json:"actual,omitempty"`
	Following bool   `json:"following"`
}

// BlockMessage announces a newly observed block to every connection.
type BlockMessage struct {
	Type         string `json:"type"` // "block"
	Height       uint64 `json:"height"`
	Transactions int64  `json:"transactions"`
	NextRound    uint64 `json:"nextRound"`
}

type ErrorMessage struct {
	Type    string `json:"type"` // "error"
	Code    string `json:"code"`
	Message string `json:"message"`
}

func rosterMessage(players []Player) RosterMessage {
	profiles := make([]Profile, 0, len(players))
	for _, p := range players {
		profiles = append(profiles, p.Profile)
	}
	return RosterMessage{Type: "roster", Players: profiles}
}
