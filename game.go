package main

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"sort"
	"time"
)

type gamePhase string

const (
	phaseLobby  gamePhase = "lobby"
	phaseActive gamePhase = "active"
	phaseEnded  gamePhase = "ended"
)

// GameEnd carries everything the end-of-game broadcast needs.
type GameEnd struct {
	Loser   Participant
	Ranking []Participant
	Message string
}

// handGame is the lifecycle controller for one room's finger-folding game.
// It decides when a game may start, which actions are legal in the current
// phase, and when the game ends. All state lives in the session store; the
// struct itself only carries collaborators, so it is safe to rebuild at any
// time for the same room. Methods must be called from the room hub's
// command loop.
type handGame struct {
	roomID     string
	store      SessionStore
	reg        *participantRegistry
	turns      *turnTracker
	rng        *rand.Rand
	minPlayers int
	maxChat    int
}

func newHandGame(roomID string, store SessionStore, ttl time.Duration, minPlayers, maxChat int, rng *rand.Rand) *handGame {
	return &handGame{
		roomID:     roomID,
		store:      store,
		reg:        &participantRegistry{roomID: roomID, store: store, ttl: ttl},
		turns:      &turnTracker{roomID: roomID, store: store},
		rng:        rng,
		minPlayers: minPlayers,
		maxChat:    maxChat,
	}
}

// RoomExists reports whether the room was provisioned and has not expired.
func (g *handGame) RoomExists(ctx context.Context) (bool, error) {
	return g.store.Exists(ctx, roomInfoKey(g.roomID))
}

func (g *handGame) Phase(ctx context.Context) (gamePhase, error) {
	raw, err := g.store.Get(ctx, roomPhaseKey(g.roomID))
	if err == ErrKeyNotFound {
		return phaseLobby, nil
	}
	if err != nil {
		return "", err
	}
	return gamePhase(raw), nil
}

func (g *handGame) setPhase(ctx context.Context, p gamePhase) error {
	return g.store.Set(ctx, roomPhaseKey(g.roomID), string(p))
}

// Start begins a fresh session: every counter back to 5, a new uniformly
// shuffled order frozen for the session, turn pointer on the first entry.
// Legal from lobby and ended; starting an active game is rejected, not
// queued.
func (g *handGame) Start(ctx context.Context) (first Participant, roster []Participant, err error) {
	phase, err := g.Phase(ctx)
	if err != nil {
		return Participant{}, nil, err
	}
	if phase == phaseActive {
		return Participant{}, nil, ErrGameAlreadyStarted
	}

	roster, err = g.reg.List(ctx)
	if err != nil {
		return Participant{}, nil, err
	}
	if len(roster) == 0 || (g.minPlayers > 0 && len(roster) < g.minPlayers) {
		return Participant{}, nil, ErrNotEnoughPlayers
	}

	for i := range roster {
		roster[i].Fingers = startingFingers
	}
	roster, err = g.turns.StartOrder(ctx, g.reg, roster, g.rng)
	if err != nil {
		return Participant{}, nil, err
	}
	if err := g.setPhase(ctx, phaseActive); err != nil {
		return Participant{}, nil, err
	}
	g.reg.touch(ctx)
	return roster[0], roster, nil
}

// Fold folds one of the caller's fingers. A counter already at 0 makes the
// call a no-op; a counter that just reached 0 ends the game. Either way the
// fresh roster is returned for the participants_update broadcast.
func (g *handGame) Fold(ctx context.Context, userID string) (roster []Participant, end *GameEnd, err error) {
	phase, err := g.Phase(ctx)
	if err != nil {
		return nil, nil, err
	}
	if phase != phaseActive {
		return nil, nil, ErrGameNotStarted
	}

	p, applied, err := g.reg.Adjust(ctx, userID, -1)
	if err != nil {
		return nil, nil, err
	}
	roster, err = g.reg.List(ctx)
	if err != nil {
		return nil, nil, err
	}

	if applied && p.Fingers == 0 {
		if err := g.setPhase(ctx, phaseEnded); err != nil {
			return nil, nil, err
		}
		end = &GameEnd{
			Loser:   p,
			Ranking: ranking(roster),
			Message: fmt.Sprintf("Game has ended! Loser is %s.", p.Nickname),
		}
	}
	return roster, end, nil
}

// Unfold restores one folded finger. Counters already at 5 stay put.
func (g *handGame) Unfold(ctx context.Context, userID string) ([]Participant, error) {
	phase, err := g.Phase(ctx)
	if err != nil {
		return nil, err
	}
	if phase != phaseActive {
		return nil, ErrGameNotStarted
	}
	if _, _, err := g.reg.Adjust(ctx, userID, 1); err != nil {
		return nil, err
	}
	return g.reg.List(ctx)
}

// AdvanceTurn hands the turn to the next participant in the frozen order.
func (g *handGame) AdvanceTurn(ctx context.Context) (next Participant, roster []Participant, err error) {
	phase, err := g.Phase(ctx)
	if err != nil {
		return Participant{}, nil, err
	}
	if phase != phaseActive {
		return Participant{}, nil, ErrGameNotStarted
	}
	roster, err = g.reg.List(ctx)
	if err != nil {
		return Participant{}, nil, err
	}
	next, err = g.turns.Advance(ctx, roster)
	if err != nil {
		return Participant{}, nil, err
	}
	g.reg.touch(ctx)
	return next, roster, nil
}

// End force-ends an active game without a loser (the HTTP lifecycle
// trigger). Ending a game that is not running is a phase error.
func (g *handGame) End(ctx context.Context) error {
	phase, err := g.Phase(ctx)
	if err != nil {
		return err
	}
	if phase != phaseActive {
		return ErrGameNotStarted
	}
	return g.setPhase(ctx, phaseEnded)
}

// Chat appends a message to the room's log, which is trimmed to the
// configured history length. Legal in any phase, but only for identities
// present in the roster.
func (g *handGame) Chat(ctx context.Context, userID, text string) (ChatEntry, error) {
	if text == "" {
		return ChatEntry{}, ErrEmptyMessage
	}
	roster, err := g.reg.List(ctx)
	if err != nil {
		return ChatEntry{}, err
	}
	nickname := ""
	for _, p := range roster {
		if p.UserID == userID {
			nickname = p.Nickname
			break
		}
	}
	if nickname == "" {
		return ChatEntry{}, ErrParticipantNotFound
	}

	entry := ChatEntry{
		Version:  recordVersion,
		UserID:   userID,
		Nickname: nickname,
		Message:  text,
		SentAt:   time.Now().UTC(),
	}
	raw, err := json.Marshal(entry)
	if err != nil {
		return ChatEntry{}, fmt.Errorf("encode chat entry: %w", err)
	}
	if err := g.store.ListAppend(ctx, roomChatKey(g.roomID), string(raw)); err != nil {
		return ChatEntry{}, err
	}
	if g.maxChat > 0 {
		_ = g.store.ListTrim(ctx, roomChatKey(g.roomID), g.maxChat)
	}
	g.reg.touch(ctx)
	return entry, nil
}

// ChatHistory returns the stored log, oldest first.
func (g *handGame) ChatHistory(ctx context.Context) ([]ChatEntry, error) {
	raw, err := g.store.ListRange(ctx, roomChatKey(g.roomID))
	if err != nil {
		return nil, err
	}
	out := make([]ChatEntry, 0, len(raw))
	for _, r := range raw {
		var e ChatEntry
		if err := json.Unmarshal([]byte(r), &e); err != nil {
			return nil, fmt.Errorf("decode chat entry: %w", err)
		}
		out = append(out, e)
	}
	return out, nil
}

// ranking sorts all participants by remaining fingers, highest first.
// Ties go to whoever joined the room earlier.
func ranking(roster []Participant) []Participant {
	ranked := make([]Participant, len(roster))
	copy(ranked, roster)
	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].Fingers != ranked[j].Fingers {
			return ranked[i].Fingers > ranked[j].Fingers
		}
		return ranked[i].Seat < ranked[j].Seat
	})
	return ranked
}
