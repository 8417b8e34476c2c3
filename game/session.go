package game

import (
	"cmp"
	"fmt"
	"slices"
	"sync"
	"time"
)

type entry struct {
	player Player
	rounds []*Round
}

// SessionStore is the authoritative in-memory roster. Every mutation holds
// mu for the duration of the in-memory change only; callers perform any
// external I/O before or after.
type SessionStore struct {
	mu      sync.RWMutex
	players map[FID]*entry
	order   []FID
	members map[string]FID
}

func NewSessionStore() *SessionStore {
	return &SessionStore{
		players: make(map[FID]*entry),
		members: make(map[string]FID),
	}
}

// Upsert inserts the player or refreshes its display fields. Cumulative
// statistics of an existing player are never touched; a new player is seeded
// from persisted when it is not nil.
func (s *SessionStore) Upsert(profile Profile, persisted *Player) (Player, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.upsertLocked(profile, persisted)
}

// Enroll upserts the player and attaches the connection in one step, so a
// roster purge cannot slip in between.
func (s *SessionStore) Enroll(connID string, profile Profile, persisted *Player) (Player, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, created := s.upsertLocked(profile, persisted)
	s.members[connID] = profile.FID
	return p, created
}

func (s *SessionStore) upsertLocked(profile Profile, persisted *Player) (Player, bool) {
	if e, ok := s.players[profile.FID]; ok {
		e.player.Profile = profile
		return e.player, false
	}

	p := Player{Profile: profile}
	if persisted != nil {
		p.TotalScore = persisted.TotalScore
		p.GamesPlayed = persisted.GamesPlayed
		p.CorrectPredictions = persisted.CorrectPredictions
	}
	s.players[profile.FID] = &entry{player: p}
	s.order = append(s.order, profile.FID)

	return p, true
}

// Player returns a copy of the player record.
func (s *SessionStore) Player(fid FID) (Player, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.players[fid]
	if !ok {
		return Player{}, false
	}
	return e.player, true
}

// Players returns every player joined in the process lifetime, in join order.
func (s *SessionStore) Players() []Player {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Player, 0, len(s.order))
	for _, fid := range s.order {
		out = append(out, s.players[fid].player)
	}
	return out
}

func (s *SessionStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return len(s.order)
}

// Attach associates a live connection with a joined player.
func (s *SessionStore) Attach(connID string, fid FID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.players[fid]; !ok {
		return fmt.Errorf("attach %s: %w", connID, ErrPlayerNotFound)
	}
	s.members[connID] = fid
	return nil
}

// Detach removes the connection membership only. The player record stays.
func (s *SessionStore) Detach(connID string) (FID, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	fid, ok := s.members[connID]
	delete(s.members, connID)
	return fid, ok
}

// Member returns the player a connection joined as.
func (s *SessionStore) Member(connID string) (FID, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	fid, ok := s.members[connID]
	return fid, ok
}

// Connections lists the live connections of a player, sorted.
func (s *SessionStore) Connections(fid FID) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []string
	for id, f := range s.members {
		if f == fid {
			out = append(out, id)
		}
	}
	slices.Sort(out)
	return out
}

// Remove purges a player from the roster. It refuses while the player still
// has a live connection or an unresolved round.
func (s *SessionStore) Remove(fid FID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.players[fid]
	if !ok {
		return false
	}
	for _, f := range s.members {
		if f == fid {
			return false
		}
	}
	for _, r := range e.rounds {
		if !r.Resolved() {
			return false
		}
	}

	delete(s.players, fid)
	s.order = slices.DeleteFunc(s.order, func(f FID) bool { return f == fid })
	return true
}

// AddRound records a new prediction in the busy state. It fails when the
// player already has an unresolved round for the key.
func (s *SessionStore) AddRound(fid FID, roundKey uint64, prediction int64, at time.Time) (Round, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.players[fid]
	if !ok {
		return Round{}, fmt.Errorf("add round %d: %w", roundKey, ErrPlayerNotFound)
	}
	if e.unresolved(roundKey, true) != nil {
		return Round{}, fmt.Errorf("add round %d for %d: %w", roundKey, fid, ErrDuplicatePrediction)
	}

	r := &Round{
		FID:         fid,
		RoundKey:    roundKey,
		Prediction:  prediction,
		SubmittedAt: at,
		busy:        true,
	}
	e.rounds = append(e.rounds, r)
	return *r, nil
}

// ConfirmRound makes a freshly added round resolvable.
func (s *SessionStore) ConfirmRound(fid FID, roundKey uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.players[fid]; ok {
		if r := e.unresolved(roundKey, true); r != nil {
			r.busy = false
		}
	}
}

// DropRound discards a freshly added round whose write failed.
func (s *SessionStore) DropRound(fid FID, roundKey uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.players[fid]; ok {
		e.rounds = slices.DeleteFunc(e.rounds, func(r *Round) bool {
			return r.RoundKey == roundKey && r.busy && !r.Resolved()
		})
	}
}

// ReserveRound marks the most recent unresolved round for the key as busy so
// no concurrent resolution can claim it.
func (s *SessionStore) ReserveRound(fid FID, roundKey uint64) (Round, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.players[fid]
	if !ok {
		return Round{}, fmt.Errorf("reserve round %d for %d: %w", roundKey, fid, ErrRoundNotFound)
	}
	r := e.unresolved(roundKey, false)
	if r == nil {
		return Round{}, fmt.Errorf("reserve round %d for %d: %w", roundKey, fid, ErrRoundNotFound)
	}
	r.busy = true
	return *r, nil
}

// ReleaseRound returns a reserved round to the unresolved state.
func (s *SessionStore) ReleaseRound(fid FID, roundKey uint64) {
	s.ConfirmRound(fid, roundKey)
}

// CommitRound applies a reserved resolution and the matching player stats in
// one critical section.
func (s *SessionStore) CommitRound(fid FID, roundKey uint64, actual int64, points int) (Round, Player, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.players[fid]
	if !ok {
		return Round{}, Player{}, fmt.Errorf("commit round %d for %d: %w", roundKey, fid, ErrRoundNotFound)
	}
	var r *Round
	for i := len(e.rounds) - 1; i >= 0; i-- {
		if c := e.rounds[i]; c.RoundKey == roundKey && c.busy && !c.Resolved() {
			r = c
			break
		}
	}
	if r == nil {
		return Round{}, Player{}, fmt.Errorf("commit round %d for %d: %w", roundKey, fid, ErrRoundNotFound)
	}

	r.Actual = &actual
	r.Points = &points
	r.busy = false

	e.player.TotalScore += points
	e.player.GamesPlayed++
	if IsCorrect(r.Prediction, actual) {
		e.player.CorrectPredictions++
	}

	return *r, e.player, nil
}

// Rounds returns copies of a player's rounds in submission order.
func (s *SessionStore) Rounds(fid FID) []Round {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.players[fid]
	if !ok {
		return nil
	}
	out := make([]Round, 0, len(e.rounds))
	for _, r := range e.rounds {
		out = append(out, *r)
	}
	return out
}

// PendingFIDs lists players with a resolvable round for the key, in join order.
func (s *SessionStore) PendingFIDs(roundKey uint64) []FID {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []FID
	for _, fid := range s.order {
		if s.players[fid].unresolved(roundKey, false) != nil {
			out = append(out, fid)
		}
	}
	return out
}

// PendingKeys lists every round key with at least one unresolved round, ascending.
func (s *SessionStore) PendingKeys() []uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seen := make(map[uint64]struct{})
	for _, e := range s.players {
		for _, r := range e.rounds {
			if !r.Resolved() {
				seen[r.RoundKey] = struct{}{}
			}
		}
	}

	out := make([]uint64, 0, len(seen))
	for k := range seen {
		out = append(out, k)
	}
	slices.SortFunc(out, cmp.Compare[uint64])
	return out
}

// unresolved finds the latest unresolved round for the key. Busy rounds are
// only considered when includeBusy is set. Callers hold s.mu.
func (e *entry) unresolved(roundKey uint64, includeBusy bool) *Round {
	for i := len(e.rounds) - 1; i >= 0; i-- {
		r := e.rounds[i]
		if r.RoundKey != roundKey || r.Resolved() {
			continue
		}
		if r.busy && !includeBusy {
			continue
		}
		return r
	}
	return nil
}
