package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/julienschmidt/httprouter"
)

func testRouter(t *testing.T) (*httprouter.Router, *memoryStore) {
	t.Helper()
	cfg := testHubConfig()
	cfg.minPlayers = 0
	store := newMemoryStore()
	hm := newHubManager(cfg, store)

	mux := httprouter.New()
	mux.POST("/api/rooms", createRoom(cfg, store))
	mux.GET("/api/rooms/:roomid", roomInfo(cfg, store))
	mux.GET("/api/games", listGames())
	mux.POST("/api/games/hand/:roomid/start", startGame(cfg, hm))
	mux.POST("/api/games/hand/:roomid/end", endGame(cfg, hm))
	mux.GET("/hand/:roomid/qr", qrHandler)
	return mux, store
}

func createTestRoom(t *testing.T, mux *httprouter.Router, hostName string) (roomID, userToken string) {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/api/rooms", strings.NewReader(`{"host_name":"`+hostName+`"}`))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("create room: expected 201, got %d (%s)", rec.Code, rec.Body.String())
	}
	var body map[string]string
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(body["room_id"]) != roomIDLength {
		t.Fatalf("unexpected room id %q", body["room_id"])
	}
	if body["user_token"] == "" {
		t.Fatal("expected a host token")
	}

	gotCookie := false
	for _, c := range rec.Result().Cookies() {
		if c.Name == userCookieName && c.Value == body["user_token"] {
			gotCookie = true
		}
	}
	if !gotCookie {
		t.Fatal("host token should also be set as the identity cookie")
	}
	return body["room_id"], body["user_token"]
}

func TestCreateRoomSeedsHost(t *testing.T) {
	mux, store := testRouter(t)

	roomID, userToken := createTestRoom(t, mux, "Dae")

	reg := &participantRegistry{roomID: roomID, store: store, ttl: time.Hour}
	roster, err := reg.List(context.Background())
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(roster) != 1 {
		t.Fatalf("expected seeded host, got %v", roster)
	}
	host := roster[0]
	if host.UserID != userToken || host.Nickname != "Dae" || !host.IsHost {
		t.Fatalf("unexpected host record: %+v", host)
	}
	if host.Fingers != startingFingers {
		t.Fatalf("host should start at %d fingers, got %d", startingFingers, host.Fingers)
	}
}

func TestCreateRoomRequiresHostName(t *testing.T) {
	mux, _ := testRouter(t)

	for _, payload := range []string{`{}`, `not json`, `{"host_name":""}`} {
		req := httptest.NewRequest(http.MethodPost, "/api/rooms", strings.NewReader(payload))
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, req)
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("payload %q: expected 400, got %d", payload, rec.Code)
		}
	}
}

func TestRoomInfo(t *testing.T) {
	mux, _ := testRouter(t)

	roomID, _ := createTestRoom(t, mux, "Dae")

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/rooms/"+roomID, nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body struct {
		RoomID       string        `json:"room_id"`
		HostName     string        `json:"host_name"`
		Participants []Participant `json:"participants"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.RoomID != roomID || body.HostName != "Dae" || len(body.Participants) != 1 {
		t.Fatalf("unexpected info: %+v", body)
	}

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/rooms/nosuchroom00", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("unknown room: expected 404, got %d", rec.Code)
	}
}

func TestListGames(t *testing.T) {
	mux, _ := testRouter(t)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/games", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"hand"`) {
		t.Fatalf("expected the hand game in the listing: %s", rec.Body.String())
	}
}

func TestGameLifecycleEndpoints(t *testing.T) {
	mux, _ := testRouter(t)

	roomID, _ := createTestRoom(t, mux, "Dae")

	start := func() *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/games/hand/"+roomID+"/start", nil))
		return rec
	}
	end := func() *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/games/hand/"+roomID+"/end", nil))
		return rec
	}

	if rec := start(); rec.Code != http.StatusCreated {
		t.Fatalf("start: expected 201, got %d (%s)", rec.Code, rec.Body.String())
	}
	if rec := start(); rec.Code != http.StatusConflict {
		t.Fatalf("double start: expected 409, got %d", rec.Code)
	}
	if rec := end(); rec.Code != http.StatusOK {
		t.Fatalf("end: expected 200, got %d (%s)", rec.Code, rec.Body.String())
	}
	if rec := end(); rec.Code != http.StatusNotFound {
		t.Fatalf("end without active game: expected 404, got %d", rec.Code)
	}

	// Lifecycle calls against unknown rooms never reach a hub.
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/games/hand/nosuchroom00/start", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("start on unknown room: expected 404, got %d", rec.Code)
	}
}

func TestStartRejectsBelowMinimum(t *testing.T) {
	cfg := testHubConfig()
	cfg.minPlayers = 2
	store := newMemoryStore()
	hm := newHubManager(cfg, store)

	mux := httprouter.New()
	mux.POST("/api/rooms", createRoom(cfg, store))
	mux.POST("/api/games/hand/:roomid/start", startGame(cfg, hm))

	roomID, _ := createTestRoom(t, mux, "Dae")

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/games/hand/"+roomID+"/start", nil))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 with one participant, got %d", rec.Code)
	}
}

func TestRandomRoomID(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 32; i++ {
		id, err := randomRoomID()
		if err != nil {
			t.Fatalf("generate: %v", err)
		}
		if len(id) != roomIDLength {
			t.Fatalf("expected %d characters, got %q", roomIDLength, id)
		}
		for _, r := range id {
			if !strings.ContainsRune(roomIDLetters, r) {
				t.Fatalf("unexpected character %q in %q", r, id)
			}
		}
		seen[id] = true
	}
	if len(seen) != 32 {
		t.Fatalf("expected 32 distinct ids, got %d", len(seen))
	}
}

func TestGetOrSetUserID(t *testing.T) {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/hand/abc/ws", nil)

	id := getOrSetUserID(rec, req)
	if id == "" {
		t.Fatal("expected a generated identity")
	}
	cookies := rec.Result().Cookies()
	if len(cookies) != 1 || cookies[0].Name != userCookieName || cookies[0].Value != id {
		t.Fatalf("expected identity cookie, got %v", cookies)
	}
	if !cookies[0].HttpOnly {
		t.Fatal("identity cookie should be http-only")
	}

	// A returning caller keeps its identity and gets no new cookie.
	rec = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/hand/abc/ws", nil)
	req.AddCookie(&http.Cookie{Name: userCookieName, Value: id})
	if got := getOrSetUserID(rec, req); got != id {
		t.Fatalf("expected %s, got %s", id, got)
	}
	if len(rec.Result().Cookies()) != 0 {
		t.Fatal("returning caller should not get a new cookie")
	}
}

func TestQRHandler(t *testing.T) {
	mux, _ := testRouter(t)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/hand/abc123/qr", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "image/png" {
		t.Fatalf("expected image/png, got %q", ct)
	}
	if rec.Body.Len() == 0 {
		t.Fatal("expected PNG bytes")
	}
}
