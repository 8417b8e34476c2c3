package store

import "github.com/Seednode/txbattle/game"

// rowScanner is satisfied by pgx rows and database/sql rows alike.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanPlayer(row rowScanner) (game.Player, error) {
	var (
		p   game.Player
		fid int64
	)
	err := row.Scan(&fid, &p.Username, &p.DisplayName, &p.AvatarURL, &p.Bio,
		&p.TotalScore, &p.GamesPlayed, &p.CorrectPredictions)
	if err != nil {
		return game.Player{}, err
	}
	p.FID = game.FID(fid)
	return p, nil
}

func scanStats(row rowScanner) (game.Stats, error) {
	var (
		s   game.Stats
		fid int64
	)
	err := row.Scan(&fid, &s.Username, &s.DisplayName, &s.AvatarURL, &s.Bio,
		&s.TotalScore, &s.GamesPlayed, &s.CorrectPredictions,
		&s.Predictions, &s.Resolved, &s.AveragePoints, &s.BestPoints)
	if err != nil {
		return game.Stats{}, err
	}
	s.FID = game.FID(fid)
	return s, nil
}
