// PartyLink hand game ("fold a finger until someone reaches zero")
//
// Participants join a provisioned room over a websocket, every member holds
// five fingers, and the game walks a frozen shuffled turn order. On their
// turn a participant names something; everyone it applies to folds a
// finger. The first counter to reach zero ends the game and produces the
// final ranking.
//
// Implementation details:
// - One hub goroutine per room id; every mutation is a command consumed by
//   that goroutine, run to completion before the next is taken. The HTTP
//   lifecycle endpoints inject commands into the same queue.
// - Authoritative state lives in the session store, keyed by room id, so a
//   reconnect with the same cookie lands back on its counter and turn slot.
// - Identity comes from the user_id cookie, resolved once per connection.
// - Hubs idle past the session timeout are reaped; room state expires on
//   its own TTL.

package main

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"
	"github.com/rs/zerolog/log"
	"github.com/skip2/go-qrcode"
)

// Messages coming from clients
type ClientMessage struct {
	Type     string `json:"type"`               // "join", "start", "fold", "undo_fold", "next_turn", "chat", "chat_list"
	Nickname string `json:"nickname,omitempty"` // join
	Message  string `json:"message,omitempty"`  // chat
}

// Messages sent to clients
type ParticipantsUpdateMessage struct {
	Type         string        `json:"type"` // "participants_update"
	Participants []Participant `json:"participants"`
}

type SelfIDMessage struct {
	Type   string `json:"type"` // "self_id"
	UserID string `json:"userId"`
}

type GameStartedMessage struct {
	Type    string `json:"type"` // "game_started"
	Message string `json:"message"`
}

type TurnUpdateMessage struct {
	Type         string        `json:"type"` // "turn_update"
	TurnUser     Participant   `json:"turn_user"`
	Participants []Participant `json:"participants"`
}

type GameEndMessage struct {
	Type    string        `json:"type"` // "game_end"
	Loser   *Participant  `json:"loser,omitempty"`
	Ranking []Participant `json:"ranking"`
	Message string        `json:"message"`
}

type NewChatMessage struct {
	Type     string    `json:"type"` // "new_chat"
	UserID   string    `json:"userId"`
	Nickname string    `json:"nickname"`
	Message  string    `json:"message"`
	SentAt   time.Time `json:"sentAt"`
}

type MessageListMessage struct {
	Type     string      `json:"type"` // "message_list"
	Messages []ChatEntry `json:"messages"`
}

type ErrorMessage struct {
	Type    string `json:"type"` // "error"
	Message string `json:"message"`
}

type Client struct {
	conn   *websocket.Conn
	send   chan any
	userID string
}

// action is one serialized mutation on a room. ws traffic leaves reply nil;
// the HTTP lifecycle endpoints block on it to learn the outcome.
type action struct {
	client *Client
	msg    ClientMessage
	reply  chan error
}

// Hub owns one room: the set of connected clients and the game state
// machine. Its run loop is the room's command queue; nothing else touches
// the room's store keys.
type Hub struct {
	id   string
	cfg  *Config
	game *handGame

	clients map[*Client]bool

	register chan *Client
	unreg    chan *Client
	actions  chan action
	removals chan string
	ends     chan chan error
	done     chan struct{}

	lastActive atomic.Int64

	handlers map[string]func(context.Context, *Client, ClientMessage) error
}

func newHub(cfg *Config, store SessionStore, roomID string) *Hub {
	h := &Hub{
		id:       roomID,
		cfg:      cfg,
		game:     newHandGame(roomID, store, cfg.roomTTL, cfg.minPlayers, cfg.chatHistory, cfg.newRand()),
		clients:  make(map[*Client]bool),
		register: make(chan *Client),
		unreg:    make(chan *Client),
		actions:  make(chan action),
		removals: make(chan string),
		ends:     make(chan chan error),
		done:     make(chan struct{}),
	}
	h.handlers = map[string]func(context.Context, *Client, ClientMessage) error{
		"join":      h.handleJoin,
		"start":     h.handleStart,
		"fold":      h.handleFold,
		"undo_fold": h.handleUndoFold,
		"next_turn": h.handleNextTurn,
		"chat":      h.handleChat,
		"chat_list": h.handleChatList,
	}
	h.touch()
	return h
}

func (h *Hub) touch() {
	h.lastActive.Store(time.Now().UnixNano())
}

func (h *Hub) idleSince() time.Time {
	return time.Unix(0, h.lastActive.Load())
}

func (h *Hub) opCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), h.cfg.storeTimeout)
}

func (h *Hub) run() {
	for {
		select {
		case c := <-h.register:
			h.touch()
			h.clients[c] = true

			// New connections get a roster snapshot right away.
			ctx, cancel := h.opCtx()
			roster, err := h.game.reg.List(ctx)
			cancel()
			if err != nil {
				h.sendTo(c, ErrorMessage{Type: "error", Message: err.Error()})
				continue
			}
			h.sendTo(c, ParticipantsUpdateMessage{Type: "participants_update", Participants: roster})

		case c := <-h.unreg:
			h.touch()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
			}
			// Disconnecting only leaves the fan-out set. The roster entry
			// survives until the identity stays away long enough.
			if c.userID != "" && h.cfg.playerTimeout > 0 {
				go h.scheduleRemoval(c.userID, h.cfg.playerTimeout)
			}

		case a := <-h.actions:
			h.touch()
			ctx, cancel := h.opCtx()
			handler, ok := h.handlers[a.msg.Type]
			var err error
			if !ok {
				err = nil
				if a.client != nil {
					h.sendTo(a.client, ErrorMessage{Type: "error", Message: "Unknown message type: " + a.msg.Type})
				}
			} else {
				err = handler(ctx, a.client, a.msg)
			}
			cancel()
			if err != nil && a.client != nil {
				h.sendTo(a.client, ErrorMessage{Type: "error", Message: err.Error()})
			}
			if a.reply != nil {
				a.reply <- err
			}

		case userID := <-h.removals:
			h.touch()
			h.removeIdle(userID)

		case replyc := <-h.ends:
			h.touch()
			ctx, cancel := h.opCtx()
			err := h.game.End(ctx)
			var roster []Participant
			if err == nil {
				roster, err = h.game.reg.List(ctx)
			}
			if err == nil {
				h.game.reg.touch(ctx)
			}
			cancel()
			if err == nil {
				log.Info().Str("room", h.id).Msg("game ended by lifecycle endpoint")
				h.broadcast(GameEndMessage{Type: "game_end", Ranking: ranking(roster), Message: "Game has ended!"})
			}
			replyc <- err

		case <-h.done:
			for c := range h.clients {
				close(c.send)
				if c.conn != nil {
					_ = c.conn.Close()
				}
				delete(h.clients, c)
			}
			return
		}
	}
}

// scheduleRemoval waits for d and then asks the hub loop to drop the
// identity, unless it has reconnected in the meantime. The loop re-checks
// connected clients, so a reconnect within the window always wins.
func (h *Hub) scheduleRemoval(userID string, d time.Duration) {
	select {
	case <-time.After(d):
	case <-h.done:
		return
	}
	select {
	case h.removals <- userID:
	case <-h.done:
	}
}

func (h *Hub) removeIdle(userID string) {
	for c := range h.clients {
		if c.userID == userID {
			return
		}
	}

	ctx, cancel := h.opCtx()
	defer cancel()

	idx, err := h.game.reg.Remove(ctx, userID)
	if err != nil {
		return
	}
	roster, err := h.game.reg.List(ctx)
	if err != nil {
		return
	}

	// Mid-game the turn pointer has to follow the shrunken order.
	if phase, err := h.game.Phase(ctx); err == nil && phase == phaseActive {
		_ = h.game.turns.noteRemoval(ctx, idx, len(roster))
	}

	log.Info().Str("room", h.id).Str("user", userID).Msg("removed idle participant")
	h.broadcast(ParticipantsUpdateMessage{Type: "participants_update", Participants: roster})
}

func (h *Hub) handleJoin(ctx context.Context, c *Client, msg ClientMessage) error {
	if c == nil {
		return ErrParticipantNotFound
	}
	if msg.Nickname == "" {
		return ErrNicknameRequired
	}
	p, err := h.game.reg.Join(ctx, c.userID, msg.Nickname)
	if err != nil {
		return err
	}
	log.Info().Str("room", h.id).Str("user", p.UserID).Str("nickname", p.Nickname).Msg("participant joined")

	h.sendTo(c, SelfIDMessage{Type: "self_id", UserID: p.UserID})
	roster, err := h.game.reg.List(ctx)
	if err != nil {
		return err
	}
	h.broadcast(ParticipantsUpdateMessage{Type: "participants_update", Participants: roster})
	return nil
}

func (h *Hub) handleStart(ctx context.Context, _ *Client, _ ClientMessage) error {
	first, roster, err := h.game.Start(ctx)
	if err != nil {
		return err
	}
	log.Info().Str("room", h.id).Int("participants", len(roster)).Msg("game started")

	h.broadcast(GameStartedMessage{Type: "game_started", Message: "Game started successfully!"})
	h.broadcast(TurnUpdateMessage{Type: "turn_update", TurnUser: first, Participants: roster})
	return nil
}

func (h *Hub) handleFold(ctx context.Context, c *Client, _ ClientMessage) error {
	userID := ""
	if c != nil {
		userID = c.userID
	}
	roster, end, err := h.game.Fold(ctx, userID)
	if err != nil {
		return err
	}
	h.broadcast(ParticipantsUpdateMessage{Type: "participants_update", Participants: roster})
	if end != nil {
		log.Info().Str("room", h.id).Str("loser", end.Loser.UserID).Msg("game ended")
		loser := end.Loser
		h.broadcast(GameEndMessage{
			Type:    "game_end",
			Loser:   &loser,
			Ranking: end.Ranking,
			Message: end.Message,
		})
	}
	return nil
}

func (h *Hub) handleUndoFold(ctx context.Context, c *Client, _ ClientMessage) error {
	userID := ""
	if c != nil {
		userID = c.userID
	}
	roster, err := h.game.Unfold(ctx, userID)
	if err != nil {
		return err
	}
	h.broadcast(ParticipantsUpdateMessage{Type: "participants_update", Participants: roster})
	return nil
}

func (h *Hub) handleNextTurn(ctx context.Context, _ *Client, _ ClientMessage) error {
	next, roster, err := h.game.AdvanceTurn(ctx)
	if err != nil {
		return err
	}
	h.broadcast(TurnUpdateMessage{Type: "turn_update", TurnUser: next, Participants: roster})
	return nil
}

func (h *Hub) handleChat(ctx context.Context, c *Client, msg ClientMessage) error {
	if c == nil {
		return ErrParticipantNotFound
	}
	entry, err := h.game.Chat(ctx, c.userID, msg.Message)
	if err != nil {
		return err
	}
	h.broadcast(NewChatMessage{
		Type:     "new_chat",
		UserID:   entry.UserID,
		Nickname: entry.Nickname,
		Message:  entry.Message,
		SentAt:   entry.SentAt,
	})
	return nil
}

func (h *Hub) handleChatList(ctx context.Context, c *Client, _ ClientMessage) error {
	entries, err := h.game.ChatHistory(ctx)
	if err != nil {
		return err
	}
	if c != nil {
		h.sendTo(c, MessageListMessage{Type: "message_list", Messages: entries})
	}
	return nil
}

// exec runs one command through the hub loop on behalf of an HTTP caller
// and waits for the outcome.
func (h *Hub) exec(msg ClientMessage) error {
	reply := make(chan error, 1)
	select {
	case h.actions <- action{msg: msg, reply: reply}:
	case <-h.done:
		return ErrRoomNotFound
	}
	select {
	case err := <-reply:
		return err
	case <-h.done:
		return ErrRoomNotFound
	}
}

// execEnd force-ends the room's game through the hub loop.
func (h *Hub) execEnd() error {
	reply := make(chan error, 1)
	select {
	case h.ends <- reply:
	case <-h.done:
		return ErrRoomNotFound
	}
	select {
	case err := <-reply:
		return err
	case <-h.done:
		return ErrRoomNotFound
	}
}

// broadcast fans a payload out to every connected client. A client whose
// send buffer is full is dropped rather than allowed to stall the room.
func (h *Hub) broadcast(msg any) {
	for client := range h.clients {
		select {
		case client.send <- msg:
		default:
			delete(h.clients, client)
			close(client.send)
		}
	}
}

// sendTo delivers a payload to a single client, dropping it if stalled.
func (h *Hub) sendTo(c *Client, msg any) {
	if !h.clients[c] {
		return
	}
	select {
	case c.send <- msg:
	default:
		delete(h.clients, c)
		close(c.send)
	}
}

// HubManager holds the hub for each room id, so every room runs its own
// isolated command queue.
type HubManager struct {
	mu    sync.Mutex
	hubs  map[string]*Hub
	cfg   *Config
	store SessionStore
}

func newHubManager(cfg *Config, store SessionStore) *HubManager {
	hm := &HubManager{
		hubs:  make(map[string]*Hub),
		cfg:   cfg,
		store: store,
	}
	if cfg.sessionTimeout > 0 {
		go hm.reaperLoop()
	}
	return hm
}

func (hm *HubManager) getHub(roomID string) *Hub {
	hm.mu.Lock()
	defer hm.mu.Unlock()

	if hub, ok := hm.hubs[roomID]; ok {
		return hub
	}

	hub := newHub(hm.cfg, hm.store, roomID)
	hm.hubs[roomID] = hub
	go hub.run()
	return hub
}

// reaperLoop shuts down hubs whose rooms have gone quiet. Room state in the
// store expires on its own TTL; this only reclaims the goroutine and
// connection set.
func (hm *HubManager) reaperLoop() {
	ticker := time.NewTicker(hm.cfg.sessionTimeout / 2)
	for range ticker.C {
		cutoff := time.Now().Add(-hm.cfg.sessionTimeout)

		hm.mu.Lock()
		for id, hub := range hm.hubs {
			if hub.idleSince().Before(cutoff) {
				delete(hm.hubs, id)
				close(hub.done)
				log.Debug().Str("room", id).Msg("reaped idle hub")
			}
		}
		hm.mu.Unlock()
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

const userCookieName = "user_id"

// userIdentity resolves the caller's identity from the cookie, minting a
// fresh one when absent. The returned cookie is non-nil only for fresh
// identities; the caller decides how to deliver it, since a hijacked
// websocket handshake cannot use http.SetCookie.
func userIdentity(r *http.Request) (string, *http.Cookie) {
	if c, err := r.Cookie(userCookieName); err == nil && c.Value != "" {
		return c.Value, nil
	}

	id := uuid.NewString()
	return id, &http.Cookie{
		Name:     userCookieName,
		Value:    id,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	}
}

// getOrSetUserID is the plain-HTTP variant: identities minted here ride a
// regular Set-Cookie header.
func getOrSetUserID(w http.ResponseWriter, r *http.Request) string {
	id, cookie := userIdentity(r)
	if cookie != nil {
		http.SetCookie(w, cookie)
	}
	return id
}

// serveWS upgrades a connection into a room. Unknown or expired rooms fail
// closed: the client gets one error event and the connection is closed.
func serveWS(cfg *Config, hm *HubManager) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		roomID := ps.ByName("roomid")
		if roomID == "" {
			http.Error(w, "missing room id", http.StatusBadRequest)
			return
		}

		// The upgrade hijacks the connection and writes the 101 response
		// itself, so a fresh identity cookie has to travel in the handshake
		// headers; http.SetCookie on w would be silently dropped.
		userID, cookie := userIdentity(r)
		var handshakeHeader http.Header
		if cookie != nil {
			handshakeHeader = http.Header{"Set-Cookie": {cookie.String()}}
		}

		conn, err := upgrader.Upgrade(w, r, handshakeHeader)
		if err != nil {
			log.Error().Err(err).Str("addr", realIP(r)).Msg("websocket upgrade failed")
			return
		}

		ctx, cancel := context.WithTimeout(r.Context(), cfg.storeTimeout)
		exists, err := hm.store.Exists(ctx, roomInfoKey(roomID))
		cancel()
		if err != nil || !exists {
			msg := ErrorMessage{Type: "error", Message: ErrRoomNotFound.Error()}
			if err != nil {
				msg.Message = err.Error()
			}
			_ = conn.WriteJSON(msg)
			_ = conn.Close()
			return
		}

		hub := hm.getHub(roomID)

		client := &Client{
			conn:   conn,
			send:   make(chan any, 8),
			userID: userID,
		}

		select {
		case hub.register <- client:
		case <-hub.done:
			_ = conn.Close()
			return
		}

		go client.writePump()
		client.readPump(hub)
	}
}

func (c *Client) readPump(h *Hub) {
	defer func() {
		select {
		case h.unreg <- c:
		case <-h.done:
		}
		_ = c.conn.Close()
	}()

	for {
		var msg ClientMessage
		if err := c.conn.ReadJSON(&msg); err != nil {
			return
		}

		select {
		case h.actions <- action{client: c, msg: msg}:
		case <-h.done:
			return
		}
	}
}

func (c *Client) writePump() {
	defer c.conn.Close()

	for msg := range c.send {
		if err := c.conn.WriteJSON(msg); err != nil {
			return
		}
	}
}

// qrHandler generates a PNG QR code pointing at the room's join URL.
func qrHandler(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	roomID := ps.ByName("roomid")
	if roomID == "" {
		http.Error(w, "missing room id", http.StatusBadRequest)
		return
	}

	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
		scheme = proto
	}

	path := strings.TrimSuffix(r.URL.Path, "/qr")
	url := scheme + "://" + r.Host + path

	const qrSize = 320
	png, err := qrcode.Encode(url, qrcode.Medium, qrSize)
	if err != nil {
		http.Error(w, "qr generation failed", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "image/png")
	_, _ = w.Write(png)
}
