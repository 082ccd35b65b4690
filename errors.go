package main

import "errors"

// Sentinels for every rejection the coordinator can hand back to a client.
// None of these are fatal to a connection; they surface as "error" events
// sent to the originating client only.
var (
	// ErrRoomNotFound covers both unknown room ids and rooms whose state
	// has expired. At connect time it closes the connection; everywhere
	// else it is an ordinary error event.
	ErrRoomNotFound = errors.New("room not found")

	// ErrParticipantNotFound is returned for an identity that has no
	// record in the room's roster.
	ErrParticipantNotFound = errors.New("participant not found")

	ErrGameAlreadyStarted = errors.New("game already started")
	ErrGameNotStarted     = errors.New("game not started")
	ErrNotEnoughPlayers   = errors.New("not enough participants to start the game")
	ErrEmptyMessage       = errors.New("empty message")
	ErrNicknameRequired   = errors.New("nickname is required")
)

// phaseError reports whether err is a wrong-phase rejection.
func phaseError(err error) bool {
	return errors.Is(err, ErrGameAlreadyStarted) || errors.Is(err, ErrGameNotStarted)
}
