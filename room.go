package main

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/julienschmidt/httprouter"
	"github.com/rs/zerolog/log"
)

const (
	roomIDLength  = 12
	roomIDLetters = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"
)

// randomRoomID draws each character by rejection sampling, so every letter
// is equally likely.
func randomRoomID() (string, error) {
	// Largest byte value that maps onto the alphabet without bias.
	limit := 256 - (256 % len(roomIDLetters))

	out := make([]byte, 0, roomIDLength)
	buf := make([]byte, 1)
	for len(out) < roomIDLength {
		if _, err := rand.Read(buf); err != nil {
			return "", err
		}
		if int(buf[0]) >= limit {
			continue
		}
		out = append(out, roomIDLetters[int(buf[0])%len(roomIDLetters)])
	}
	return string(out), nil
}

// newRoomID generates a crypto-random room id that is not already present
// in the store.
func newRoomID(ctx context.Context, store SessionStore) (string, error) {
	for {
		id, err := randomRoomID()
		if err != nil {
			return "", err
		}

		exists, err := store.Exists(ctx, roomInfoKey(id))
		if err != nil {
			return "", err
		}
		if !exists {
			return id, nil
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// createRoom provisions a room: an info record, a TTL, and the host seeded
// into the roster. The host's token doubles as its user id and is handed
// back both in the response body and as the identity cookie.
func createRoom(cfg *Config, store SessionStore) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		var req struct {
			HostName string `json:"host_name"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.HostName == "" {
			writeJSONError(w, http.StatusBadRequest, "host_name is required.")
			return
		}

		ctx, cancel := context.WithTimeout(r.Context(), cfg.storeTimeout)
		defer cancel()

		roomID, err := newRoomID(ctx, store)
		if err != nil {
			writeJSONError(w, http.StatusInternalServerError, err.Error())
			return
		}
		hostToken := uuid.NewString()

		if err := store.HSet(ctx, roomInfoKey(roomID), "host_name", req.HostName); err != nil {
			writeJSONError(w, http.StatusInternalServerError, err.Error())
			return
		}
		if err := store.HSet(ctx, roomInfoKey(roomID), "host_token", hostToken); err != nil {
			writeJSONError(w, http.StatusInternalServerError, err.Error())
			return
		}

		reg := &participantRegistry{roomID: roomID, store: store, ttl: cfg.roomTTL}
		if _, err := reg.Join(ctx, hostToken, req.HostName); err != nil {
			writeJSONError(w, http.StatusInternalServerError, err.Error())
			return
		}

		http.SetCookie(w, &http.Cookie{
			Name:     userCookieName,
			Value:    hostToken,
			Path:     "/",
			HttpOnly: true,
			SameSite: http.SameSiteLaxMode,
		})

		log.Info().Str("room", roomID).Str("host", req.HostName).Str("addr", realIP(r)).Msg("room created")
		writeJSON(w, http.StatusCreated, map[string]string{
			"room_id":    roomID,
			"user_token": hostToken,
		})
	}
}

// roomInfo reports a room's host and current roster.
func roomInfo(cfg *Config, store SessionStore) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		roomID := ps.ByName("roomid")

		ctx, cancel := context.WithTimeout(r.Context(), cfg.storeTimeout)
		defer cancel()

		exists, err := store.Exists(ctx, roomInfoKey(roomID))
		if err != nil {
			writeJSONError(w, http.StatusInternalServerError, err.Error())
			return
		}
		if !exists {
			writeJSONError(w, http.StatusNotFound, "Room not found")
			return
		}

		hostName, err := store.HGet(ctx, roomInfoKey(roomID), "host_name")
		if err != nil && !errors.Is(err, ErrKeyNotFound) {
			writeJSONError(w, http.StatusInternalServerError, err.Error())
			return
		}

		reg := &participantRegistry{roomID: roomID, store: store, ttl: cfg.roomTTL}
		roster, err := reg.List(ctx)
		if err != nil {
			writeJSONError(w, http.StatusInternalServerError, err.Error())
			return
		}

		writeJSON(w, http.StatusOK, map[string]any{
			"room_id":      roomID,
			"host_name":    hostName,
			"participants": roster,
		})
	}
}

// listGames enumerates the games a room can run.
func listGames() httprouter.Handle {
	return func(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
		writeJSON(w, http.StatusOK, map[string]any{
			"games": []map[string]string{
				{"id": "hand", "name": "Hand Game"},
			},
		})
	}
}

// startGame is the HTTP lifecycle trigger. It routes through the room's
// hub, so it produces exactly the same transition and broadcasts as a
// "start" message on the websocket.
func startGame(cfg *Config, hm *HubManager) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		roomID := ps.ByName("roomid")

		ctx, cancel := context.WithTimeout(r.Context(), cfg.storeTimeout)
		exists, err := hm.store.Exists(ctx, roomInfoKey(roomID))
		cancel()
		if err != nil {
			writeJSONError(w, http.StatusInternalServerError, err.Error())
			return
		}
		if !exists {
			writeJSONError(w, http.StatusNotFound, "Room not found")
			return
		}

		err = hm.getHub(roomID).exec(ClientMessage{Type: "start"})
		switch {
		case err == nil:
			writeJSON(w, http.StatusCreated, map[string]any{"room_id": roomID, "is_active": true, "created_at": time.Now().UTC()})
		case errors.Is(err, ErrGameAlreadyStarted):
			writeJSONError(w, http.StatusConflict, err.Error())
		case errors.Is(err, ErrNotEnoughPlayers):
			writeJSONError(w, http.StatusBadRequest, err.Error())
		default:
			writeJSONError(w, http.StatusInternalServerError, err.Error())
		}
	}
}

// endGame force-ends a room's active game through the same hub queue.
func endGame(cfg *Config, hm *HubManager) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		roomID := ps.ByName("roomid")

		ctx, cancel := context.WithTimeout(r.Context(), cfg.storeTimeout)
		exists, err := hm.store.Exists(ctx, roomInfoKey(roomID))
		cancel()
		if err != nil {
			writeJSONError(w, http.StatusInternalServerError, err.Error())
			return
		}
		if !exists {
			writeJSONError(w, http.StatusNotFound, "Room not found")
			return
		}

		err = hm.getHub(roomID).execEnd()
		switch {
		case err == nil:
			writeJSON(w, http.StatusOK, map[string]string{"message": "Game ended successfully."})
		case phaseError(err):
			writeJSONError(w, http.StatusNotFound, "Active game not found.")
		default:
			writeJSONError(w, http.StatusInternalServerError, err.Error())
		}
	}
}
