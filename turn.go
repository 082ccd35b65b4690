package main

import (
	"context"
	"math/rand"
	"strconv"
)

// turnTracker keeps the current-turn index for one room in the session
// store. The index points into the roster's stored order, which is frozen
// by StartOrder until the next game start. Like the registry it relies on
// the hub loop for serialization.
type turnTracker struct {
	roomID string
	store  SessionStore
}

// StartOrder shuffles ps with rng, persists the result as the new frozen
// order and resets the turn index to 0. The shuffled slice is returned in
// its final order. rng is injected so games are reproducible under test.
func (tt *turnTracker) StartOrder(ctx context.Context, reg *participantRegistry, ps []Participant, rng *rand.Rand) ([]Participant, error) {
	shuffled := make([]Participant, len(ps))
	copy(shuffled, ps)
	rng.Shuffle(len(shuffled), func(i, j int) {
		shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
	})

	if err := reg.replaceAll(ctx, shuffled); err != nil {
		return nil, err
	}
	if err := tt.store.Set(ctx, roomTurnKey(tt.roomID), "0"); err != nil {
		return nil, err
	}
	return shuffled, nil
}

func (tt *turnTracker) index(ctx context.Context) (int, error) {
	raw, err := tt.store.Get(ctx, roomTurnKey(tt.roomID))
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(raw)
}

// Current returns the participant the turn pointer rests on.
func (tt *turnTracker) Current(ctx context.Context, roster []Participant) (Participant, error) {
	idx, err := tt.index(ctx)
	if err != nil {
		return Participant{}, err
	}
	if len(roster) == 0 || idx < 0 || idx >= len(roster) {
		return Participant{}, ErrParticipantNotFound
	}
	return roster[idx], nil
}

// Advance moves the pointer to the next participant, wrapping modulo the
// roster length. Participants whose counter has reached 0 stay in the
// roster but are skipped. If every candidate is at 0 the pointer simply
// wraps once, so a malformed roster cannot loop forever.
func (tt *turnTracker) Advance(ctx context.Context, roster []Participant) (Participant, error) {
	if len(roster) == 0 {
		return Participant{}, ErrParticipantNotFound
	}
	idx, err := tt.index(ctx)
	if err != nil {
		return Participant{}, err
	}

	next := (idx + 1) % len(roster)
	for i := 0; i < len(roster); i++ {
		candidate := (idx + 1 + i) % len(roster)
		if roster[candidate].Fingers > 0 {
			next = candidate
			break
		}
	}

	if err := tt.store.Set(ctx, roomTurnKey(tt.roomID), strconv.Itoa(next)); err != nil {
		return Participant{}, err
	}
	return roster[next], nil
}

// noteRemoval fixes the turn pointer after the participant at removedIndex
// left a roster that now has newLen entries. Removing someone earlier in
// the order shifts the pointer left; removing the current holder hands the
// turn to whoever now occupies the slot.
func (tt *turnTracker) noteRemoval(ctx context.Context, removedIndex, newLen int) error {
	idx, err := tt.index(ctx)
	if err != nil {
		return err
	}
	if removedIndex < idx {
		idx--
	}
	if newLen > 0 {
		idx %= newLen
	} else {
		idx = 0
	}
	return tt.store.Set(ctx, roomTurnKey(tt.roomID), strconv.Itoa(idx))
}
