package main

import (
	"context"
	"math/rand"
	"testing"
	"time"
)

func testTurnSetup(t *testing.T, users ...string) (*participantRegistry, *turnTracker) {
	t.Helper()
	ctx := context.Background()
	store := newMemoryStore()
	reg := &participantRegistry{roomID: "r1", store: store, ttl: time.Hour}
	for _, u := range users {
		if _, err := reg.Join(ctx, u, "nick-"+u); err != nil {
			t.Fatalf("join %s: %v", u, err)
		}
	}
	return reg, &turnTracker{roomID: "r1", store: store}
}

func TestStartOrderIsAFrozenPermutation(t *testing.T) {
	ctx := context.Background()
	reg, tt := testTurnSetup(t, "u1", "u2", "u3", "u4", "u5")

	before, _ := reg.List(ctx)
	shuffled, err := tt.StartOrder(ctx, reg, before, rand.New(rand.NewSource(42)))
	if err != nil {
		t.Fatalf("start order: %v", err)
	}

	if len(shuffled) != len(before) {
		t.Fatalf("expected %d participants, got %d", len(before), len(shuffled))
	}
	seen := make(map[string]bool)
	for _, p := range shuffled {
		seen[p.UserID] = true
	}
	for _, p := range before {
		if !seen[p.UserID] {
			t.Fatalf("participant %s missing from shuffled order", p.UserID)
		}
	}

	// The stored roster now IS the frozen order.
	stored, _ := reg.List(ctx)
	for i := range stored {
		if stored[i].UserID != shuffled[i].UserID {
			t.Fatalf("stored order differs from shuffled order at %d", i)
		}
	}

	// Same seed, same permutation.
	again, err := tt.StartOrder(ctx, reg, before, rand.New(rand.NewSource(42)))
	if err != nil {
		t.Fatalf("second start order: %v", err)
	}
	for i := range again {
		if again[i].UserID != shuffled[i].UserID {
			t.Fatal("seeded shuffle should be reproducible")
		}
	}
}

func TestAdvanceWrapsAroundTheOrder(t *testing.T) {
	ctx := context.Background()
	reg, tt := testTurnSetup(t, "u1", "u2", "u3")

	roster, _ := reg.List(ctx)
	roster, err := tt.StartOrder(ctx, reg, roster, rand.New(rand.NewSource(7)))
	if err != nil {
		t.Fatalf("start order: %v", err)
	}

	first, err := tt.Current(ctx, roster)
	if err != nil {
		t.Fatalf("current: %v", err)
	}
	if first.UserID != roster[0].UserID {
		t.Fatalf("expected first turn %s, got %s", roster[0].UserID, first.UserID)
	}

	// N advances land back on the first participant.
	var last Participant
	for i := 0; i < len(roster); i++ {
		last, err = tt.Advance(ctx, roster)
		if err != nil {
			t.Fatalf("advance %d: %v", i, err)
		}
	}
	if last.UserID != first.UserID {
		t.Fatalf("expected to wrap back to %s, got %s", first.UserID, last.UserID)
	}
}

func TestAdvanceSkipsZeroCounters(t *testing.T) {
	ctx := context.Background()
	reg, tt := testTurnSetup(t, "u1", "u2", "u3")

	roster, _ := reg.List(ctx)
	roster, err := tt.StartOrder(ctx, reg, roster, rand.New(rand.NewSource(1)))
	if err != nil {
		t.Fatalf("start order: %v", err)
	}

	// Zero out the participant after the current one.
	for i := 0; i < 5; i++ {
		if _, _, err := reg.Adjust(ctx, roster[1].UserID, -1); err != nil {
			t.Fatalf("adjust: %v", err)
		}
	}
	roster, _ = reg.List(ctx)

	next, err := tt.Advance(ctx, roster)
	if err != nil {
		t.Fatalf("advance: %v", err)
	}
	if next.UserID == roster[1].UserID {
		t.Fatal("advance should skip a zero-counter participant")
	}
	if next.UserID != roster[2].UserID {
		t.Fatalf("expected turn to land on %s, got %s", roster[2].UserID, next.UserID)
	}
}

func TestNoteRemovalFixesTheTurnPointer(t *testing.T) {
	ctx := context.Background()
	reg, tt := testTurnSetup(t, "u1", "u2", "u3", "u4")

	roster, _ := reg.List(ctx)
	roster, err := tt.StartOrder(ctx, reg, roster, rand.New(rand.NewSource(3)))
	if err != nil {
		t.Fatalf("start order: %v", err)
	}

	// Move the pointer to index 2.
	if _, err := tt.Advance(ctx, roster); err != nil {
		t.Fatalf("advance: %v", err)
	}
	if _, err := tt.Advance(ctx, roster); err != nil {
		t.Fatalf("advance: %v", err)
	}
	current, _ := tt.Current(ctx, roster)

	// Remove the participant at index 0; the pointer shifts left but stays
	// on the same participant.
	idx, err := reg.Remove(ctx, roster[0].UserID)
	if err != nil {
		t.Fatalf("remove: %v", err)
	}
	shrunk, _ := reg.List(ctx)
	if err := tt.noteRemoval(ctx, idx, len(shrunk)); err != nil {
		t.Fatalf("note removal: %v", err)
	}

	after, err := tt.Current(ctx, shrunk)
	if err != nil {
		t.Fatalf("current: %v", err)
	}
	if after.UserID != current.UserID {
		t.Fatalf("expected pointer to stay on %s, got %s", current.UserID, after.UserID)
	}
}

func TestNoteRemovalOfCurrentHolder(t *testing.T) {
	ctx := context.Background()
	reg, tt := testTurnSetup(t, "u1", "u2", "u3")

	roster, _ := reg.List(ctx)
	roster, err := tt.StartOrder(ctx, reg, roster, rand.New(rand.NewSource(9)))
	if err != nil {
		t.Fatalf("start order: %v", err)
	}

	// Pointer on index 0; removing that participant hands the turn to the
	// next one in order.
	idx, err := reg.Remove(ctx, roster[0].UserID)
	if err != nil {
		t.Fatalf("remove: %v", err)
	}
	shrunk, _ := reg.List(ctx)
	if err := tt.noteRemoval(ctx, idx, len(shrunk)); err != nil {
		t.Fatalf("note removal: %v", err)
	}

	after, err := tt.Current(ctx, shrunk)
	if err != nil {
		t.Fatalf("current: %v", err)
	}
	if after.UserID != roster[1].UserID {
		t.Fatalf("expected turn to pass to %s, got %s", roster[1].UserID, after.UserID)
	}
}
