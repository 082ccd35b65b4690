package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

const (
	startingFingers = 5
	recordVersion   = 1
)

// Participant is one identified member of a room. Records are stored as
// versioned JSON in the room's roster list; the list's order doubles as the
// turn order, which is why a game start rewrites the whole list.
type Participant struct {
	Version  int    `json:"v"`
	UserID   string `json:"userId"`
	Nickname string `json:"nickname"`
	IsHost   bool   `json:"is_host"`
	Fingers  int    `json:"fingers"`
	// Seat is the join sequence number. The stored list order changes when
	// a game start shuffles it, so ranking ties fall back on Seat to keep
	// "joined earlier wins" stable across sessions.
	Seat int `json:"seat"`
}

// ChatEntry is one message in a room's append-only chat log.
type ChatEntry struct {
	Version  int       `json:"v"`
	UserID   string    `json:"userId"`
	Nickname string    `json:"nickname"`
	Message  string    `json:"message"`
	SentAt   time.Time `json:"sentAt"`
}

func roomInfoKey(roomID string) string         { return "room:" + roomID + ":info" }
func roomParticipantsKey(roomID string) string { return "room:" + roomID + ":participants" }
func roomTurnKey(roomID string) string         { return "room:" + roomID + ":turn" }
func roomPhaseKey(roomID string) string        { return "room:" + roomID + ":phase" }
func roomChatKey(roomID string) string         { return "room:" + roomID + ":chat" }

func encodeParticipant(p Participant) (string, error) {
	p.Version = recordVersion
	raw, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("encode participant: %w", err)
	}
	return string(raw), nil
}

func decodeParticipant(raw string) (Participant, error) {
	var p Participant
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return Participant{}, fmt.Errorf("decode participant: %w", err)
	}
	return p, nil
}

// participantRegistry owns the roster of one room. It holds no locks of its
// own: every mutation runs inside the room hub's command loop, which is
// what makes the read-modify-write sequences below safe.
type participantRegistry struct {
	roomID string
	store  SessionStore
	ttl    time.Duration
}

// touch renews the room's expiry. Called from every mutating operation so
// an active room never expires mid-game.
func (pr *participantRegistry) touch(ctx context.Context) {
	for _, key := range []string{
		roomInfoKey(pr.roomID),
		roomParticipantsKey(pr.roomID),
		roomTurnKey(pr.roomID),
		roomPhaseKey(pr.roomID),
		roomChatKey(pr.roomID),
	} {
		_ = pr.store.Expire(ctx, key, pr.ttl)
	}
}

// List returns the roster in stored order: insertion order until a game
// start freezes a shuffled order, that frozen order afterwards.
func (pr *participantRegistry) List(ctx context.Context) ([]Participant, error) {
	raw, err := pr.store.ListRange(ctx, roomParticipantsKey(pr.roomID))
	if err != nil {
		return nil, err
	}
	out := make([]Participant, 0, len(raw))
	for _, r := range raw {
		p, err := decodeParticipant(r)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

// Join adds an identity to the roster. Joining with an identity that is
// already present returns the existing record unchanged, which is what
// makes reconnects restore counter and turn state. The first participant
// of an otherwise empty roster becomes host.
func (pr *participantRegistry) Join(ctx context.Context, userID, nickname string) (Participant, error) {
	roster, err := pr.List(ctx)
	if err != nil {
		return Participant{}, err
	}
	for _, p := range roster {
		if p.UserID == userID {
			return p, nil
		}
	}

	seat := 0
	for _, p := range roster {
		if p.Seat >= seat {
			seat = p.Seat + 1
		}
	}
	p := Participant{
		UserID:   userID,
		Nickname: nickname,
		IsHost:   len(roster) == 0,
		Fingers:  startingFingers,
		Seat:     seat,
	}
	raw, err := encodeParticipant(p)
	if err != nil {
		return Participant{}, err
	}
	if err := pr.store.ListAppend(ctx, roomParticipantsKey(pr.roomID), raw); err != nil {
		return Participant{}, err
	}
	pr.touch(ctx)
	return p, nil
}

// Adjust applies delta to a participant's counter. A result outside [0,5]
// leaves the record untouched and reports applied=false; that is a no-op,
// not an error. Unknown identities are an error.
func (pr *participantRegistry) Adjust(ctx context.Context, userID string, delta int) (p Participant, applied bool, err error) {
	roster, err := pr.List(ctx)
	if err != nil {
		return Participant{}, false, err
	}
	for idx, cur := range roster {
		if cur.UserID != userID {
			continue
		}
		next := cur.Fingers + delta
		if next < 0 || next > startingFingers {
			return cur, false, nil
		}
		cur.Fingers = next
		raw, err := encodeParticipant(cur)
		if err != nil {
			return Participant{}, false, err
		}
		if err := pr.store.ListSet(ctx, roomParticipantsKey(pr.roomID), idx, raw); err != nil {
			return Participant{}, false, err
		}
		pr.touch(ctx)
		return cur, true, nil
	}
	return Participant{}, false, ErrParticipantNotFound
}

// Remove deletes an identity from the roster and returns its index in the
// stored order, so the caller can fix up the turn pointer mid-game.
func (pr *participantRegistry) Remove(ctx context.Context, userID string) (removedIndex int, err error) {
	roster, err := pr.List(ctx)
	if err != nil {
		return 0, err
	}
	removedIndex = -1
	next := make([]Participant, 0, len(roster))
	for idx, p := range roster {
		if p.UserID == userID {
			removedIndex = idx
			continue
		}
		next = append(next, p)
	}
	if removedIndex == -1 {
		return 0, ErrParticipantNotFound
	}
	if err := pr.replaceAll(ctx, next); err != nil {
		return 0, err
	}
	return removedIndex, nil
}

// replaceAll rewrites the stored roster, preserving the order of ps.
func (pr *participantRegistry) replaceAll(ctx context.Context, ps []Participant) error {
	raw := make([]string, 0, len(ps))
	for _, p := range ps {
		r, err := encodeParticipant(p)
		if err != nil {
			return err
		}
		raw = append(raw, r)
	}
	if err := pr.store.ListReplace(ctx, roomParticipantsKey(pr.roomID), raw); err != nil {
		return err
	}
	pr.touch(ctx)
	return nil
}
