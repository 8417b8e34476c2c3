package game

import "errors"

var (
	// ErrInvalidFID is returned for identifiers that are not positive integers.
	ErrInvalidFID = errors.New("invalid fid")

	// ErrProfileNotFound means the resolver has no profile for the identifier.
	ErrProfileNotFound = errors.New("profile not found")

	// ErrResolver wraps transport failures and timeouts of the profile resolver.
	ErrResolver = errors.New("profile resolver unavailable")

	// ErrUnknownConnection is returned for connection ids the hub does not know.
	ErrUnknownConnection = errors.New("unknown connection")

	// ErrNotJoined rejects predictions from connections that have not joined.
	ErrNotJoined = errors.New("connection has not joined")

	// ErrPlayerNotFound is returned when no player exists for an identifier.
	ErrPlayerNotFound = errors.New("player not found")

	// ErrInvalidPrediction rejects non-numeric or out of range values.
	ErrInvalidPrediction = errors.New("invalid prediction")

	// ErrDuplicatePrediction means the player already has an unresolved round
	// for the round key.
	ErrDuplicatePrediction = errors.New("prediction already submitted for round")

	// ErrRoundClosed rejects predictions for blocks that were already observed.
	ErrRoundClosed = errors.New("round is closed")

	// ErrNoActiveRound is returned before the first block has been observed.
	ErrNoActiveRound = errors.New("no active round")

	// ErrRoundNotFound means there is no unresolved round for (fid, round key).
	ErrRoundNotFound = errors.New("round not found")

	// ErrPersistence wraps gateway failures. The operation had no effect and
	// may be retried.
	ErrPersistence = errors.New("persistence failure")
)
