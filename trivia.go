// Quizbox Professor Trivia
//
// Players join a party via a shared code and answer timed trivia rounds
// about professors and their course reviews. The host drives the game:
// it starts rounds, supplies the authoritative question data once
// fetched, and ends rounds (or lets the round timer do it). The server
// keeps the roster and scores, tallies answers, and broadcasts results.
//
// Features:
// - WebSockets per party ID: /path/:partyid and /path/:partyid/ws
// - Two round modes: guess-the-professor and real-or-fake review
// - One answer per player per round, flat 100 points for a correct one
// - Rounds accept answers while the host is still fetching the question
// - Round auto-expiry timer with manual end_round taking the same path
// - Live scoreboard broadcast after every accepted answer
// - Players identified by cookie (playerID) as a fallback identity
// - Parties auto-reaped after configurable idle timeout
// - Random 8-char party IDs via crypto/rand, with server-side collision check
// - In-browser QR button to share the current party, backed by go-qrcode

package main

import (
	"crypto/rand"
	_ "embed"
	"encoding/hex"
	"encoding/json"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"
	"github.com/skip2/go-qrcode"
)

// Messages coming from clients
type ClientMessage struct {
	Type          string          `json:"type"` // "join", "start_round", "update_round", "submit_answer", "end_round"
	PlayerID      string          `json:"player_id,omitempty"`      // join
	PartyID       string          `json:"party_id,omitempty"`       // join / start_round
	DisplayName   string          `json:"display_name,omitempty"`   // join
	IsHost        bool            `json:"is_host,omitempty"`        // join
	RoundID       string          `json:"round_id,omitempty"`       // start_round / update_round / submit_answer / end_round
	Mode          string          `json:"mode,omitempty"`           // start_round: "A"|"guess_professor" or "B"|"real_or_fake"
	Loading       bool            `json:"loading,omitempty"`        // start_round
	Options       []string        `json:"options,omitempty"`        // start_round / update_round
	CorrectAnswer json.RawMessage `json:"correct_answer,omitempty"` // update_round
	GameData      json.RawMessage `json:"game_data,omitempty"`      // update_round
	Choice        json.RawMessage `json:"choice,omitempty"`         // submit_answer
}

// Sent to the joining client only, acknowledging the join.
type ConnectedMessage struct {
	Type     string `json:"type"` // "connected"
	PlayerID string `json:"player_id"`
	PartyID  string `json:"party_id"`
}

// PlayersUpdateMessage carries the live roster and scores, in roster order.
type PlayersUpdateMessage struct {
	Type    string           `json:"type"` // "players_update"
	Players []PlayerStanding `json:"players"`
}

// PhaseChangeMessage tells clients which screen to render.
type PhaseChangeMessage struct {
	Type  string `json:"type"`  // "phase_change"
	Phase string `json:"phase"` // "lobby", "round", "leaderboard"
}

type RoundStartedMessage struct {
	Type    string   `json:"type"` // "round_started"
	RoundID string   `json:"round_id"`
	Mode    string   `json:"mode"`
	Options []string `json:"options"`
	Loading bool     `json:"loading"`
}

// RoundDataReadyMessage carries the authoritative question data once the
// host has fetched it.
type RoundDataReadyMessage struct {
	Type     string          `json:"type"` // "round_data_ready"
	RoundID  string          `json:"round_id"`
	Options  []string        `json:"options"`
	GameData json.RawMessage `json:"game_data,omitempty"`
}

// AnswerAckMessage is sent only to the submitting client.
type AnswerAckMessage struct {
	Type     string `json:"type"` // "answer_ack"
	RoundID  string `json:"round_id"`
	Accepted bool   `json:"accepted"`
	Correct  bool   `json:"correct,omitempty"`
	Points   int    `json:"points,omitempty"`
}

// RoundResultsMessage broadcasts the outcome of a finalized round.
// CorrectAnswer is null when the round ended before the host ever
// delivered one; everyone scores as incorrect in that case.
type RoundResultsMessage struct {
	Type          string           `json:"type"` // "round_results"
	RoundID       string           `json:"round_id"`
	Mode          string           `json:"mode"`
	CorrectAnswer *string          `json:"correct_answer"`
	Counts        map[string]int   `json:"counts"`
	Players       []PlayerStanding `json:"players"`
	RoundNumber   int              `json:"round_number"`
}

type Client struct {
	conn *websocket.Conn
	send chan any

	cookieID string

	// Connection-scoped session state, set by the join handler and
	// fixed for the life of the connection.
	playerID string
	partyID  string
	isHost   bool
}

type joinRequest struct {
	client *Client
	msg    ClientMessage
}

type hostCommand struct {
	client *Client
	msg    ClientMessage
}

type answerRequest struct {
	client *Client
	msg    ClientMessage
}

type Hub struct {
	id      string
	clients map[*Client]bool

	register chan *Client
	unreg    chan *Client
	joins    chan joinRequest
	hostCmds chan hostCommand
	answers  chan answerRequest
	expired  chan string // round IDs whose expiry timer fired

	mu sync.RWMutex

	lastActive time.Time

	roundCount   int
	roundNumbers map[string]int // round ID -> ordinal within this party
}

func newHub(partyID string) *Hub {
	return &Hub{
		id:           partyID,
		clients:      make(map[*Client]bool),
		register:     make(chan *Client),
		unreg:        make(chan *Client),
		joins:        make(chan joinRequest),
		hostCmds:     make(chan hostCommand),
		answers:      make(chan answerRequest),
		expired:      make(chan string, 8),
		lastActive:   time.Now(),
		roundNumbers: make(map[string]int),
	}
}

func (h *Hub) run(cfg *Config, parties *PartyRegistry, rounds *RoundRegistry) {
	for {
		select {
		case c := <-h.register:
			h.mu.Lock()
			h.lastActive = time.Now()
			h.clients[c] = true

			// New connections immediately see the current roster, so
			// a spectator's scoreboard is live before they join.
			select {
			case c.send <- PlayersUpdateMessage{
				Type:    "players_update",
				Players: parties.Snapshot(h.id, false),
			}:
			default:
				delete(h.clients, c)
				close(c.send)
			}
			h.mu.Unlock()

		case c := <-h.unreg:
			h.mu.Lock()
			h.lastActive = time.Now()

			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
			}

			// The departing player leaves the roster but keeps any
			// score, and any round they were part of keeps running.
			if c.playerID != "" {
				parties.Leave(h.id, c.playerID)
				h.broadcastPlayersLocked(parties)
			}
			h.mu.Unlock()

		case jr := <-h.joins:
			h.guard(cfg, func() { h.handleJoin(cfg, parties, jr) })

		case cmd := <-h.hostCmds:
			h.guard(cfg, func() { h.handleHostCommand(cfg, parties, rounds, cmd) })

		case ar := <-h.answers:
			h.guard(cfg, func() { h.handleAnswer(cfg, parties, rounds, ar) })

		case roundID := <-h.expired:
			h.guard(cfg, func() {
				h.mu.Lock()
				defer h.mu.Unlock()
				h.lastActive = time.Now()
				h.finalizeRoundLocked(cfg, parties, rounds, roundID)
			})
		}
	}
}

// guard isolates one message's handling so a panic cannot take down the
// party's loop for everyone else.
func (h *Hub) guard(cfg *Config, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			logf(cfg, "GAMES: Recovered handler panic in party %s: %v", h.id, r)
		}
	}()

	fn()
}

// handleJoin processes "join" messages.
func (h *Hub) handleJoin(cfg *Config, parties *PartyRegistry, jr joinRequest) {
	msg := jr.msg
	c := jr.client

	playerID := msg.PlayerID
	if playerID == "" {
		playerID = c.cookieID
	}
	if playerID == "" {
		return
	}

	// The party is fixed by the URL this connection arrived on; a join
	// naming a different party is dropped.
	if msg.PartyID != "" && msg.PartyID != h.id {
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	h.lastActive = time.Now()

	c.playerID = playerID
	c.partyID = h.id
	c.isHost = msg.IsHost

	parties.Join(h.id, playerID, msg.DisplayName, msg.IsHost)

	logf(cfg, "GAMES: Player %q joined %s", msg.DisplayName, h.id)

	h.sendLocked(c, ConnectedMessage{
		Type:     "connected",
		PlayerID: playerID,
		PartyID:  h.id,
	})

	h.broadcastPlayersLocked(parties)

	// The first host join bootstraps the room phase for everyone.
	if msg.IsHost {
		h.broadcastLocked(PhaseChangeMessage{Type: "phase_change", Phase: "lobby"})
	}
}

// handleHostCommand processes host-only messages: start_round,
// update_round, end_round. Anything unauthorized or malformed is
// dropped without telling the sender.
func (h *Hub) handleHostCommand(cfg *Config, parties *PartyRegistry, rounds *RoundRegistry, cmd hostCommand) {
	c := cmd.client
	msg := cmd.msg

	h.mu.Lock()
	defer h.mu.Unlock()

	h.lastActive = time.Now()

	if !c.isHost {
		logf(cfg, "GAMES: Dropped %s from non-host in party %s", msg.Type, h.id)
		return
	}

	switch msg.Type {
	case "start_round":
		mode, ok := parseMode(msg.Mode)
		if !ok {
			logf(cfg, "GAMES: Dropped start_round with unknown mode %q in party %s", msg.Mode, h.id)
			return
		}

		roundID := msg.RoundID
		if roundID == "" {
			roundID = uuid.NewString()
		}

		err := rounds.Start(roundID, h.id, mode, msg.Options, cfg.roundDuration, func() {
			h.expired <- roundID
		})
		if err != nil {
			logf(cfg, "GAMES: Dropped start_round %s in party %s: %v", roundID, h.id, err)
			return
		}

		h.roundCount++
		h.roundNumbers[roundID] = h.roundCount

		logf(cfg, "ROUNDS: Round %s (%s) started in party %s", roundID, mode, h.id)

		h.broadcastLocked(PhaseChangeMessage{Type: "phase_change", Phase: "round"})
		h.broadcastLocked(RoundStartedMessage{
			Type:    "round_started",
			RoundID: roundID,
			Mode:    string(mode),
			Options: nonNil(msg.Options),
			Loading: msg.Loading,
		})

	case "update_round":
		if err := rounds.UpdateAnswer(msg.RoundID, msg.CorrectAnswer, msg.Options); err != nil {
			logf(cfg, "GAMES: Dropped update_round %s in party %s: %v", msg.RoundID, h.id, err)
			return
		}

		h.broadcastLocked(RoundDataReadyMessage{
			Type:     "round_data_ready",
			RoundID:  msg.RoundID,
			Options:  nonNil(msg.Options),
			GameData: msg.GameData,
		})

	case "end_round":
		h.finalizeRoundLocked(cfg, parties, rounds, msg.RoundID)
	}
}

// handleAnswer processes a player's answer submission. A rejection is
// the one failure the sender hears about, since a legitimate player
// needs to know their vote did not count.
func (h *Hub) handleAnswer(cfg *Config, parties *PartyRegistry, rounds *RoundRegistry, ar answerRequest) {
	c := ar.client
	msg := ar.msg

	if c.playerID == "" || c.partyID == "" {
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	h.lastActive = time.Now()

	res := rounds.Submit(msg.RoundID, c.playerID, msg.Choice)

	if !res.Accepted {
		h.sendLocked(c, AnswerAckMessage{
			Type:    "answer_ack",
			RoundID: msg.RoundID,
		})
		return
	}

	parties.AwardPoints(h.id, c.playerID, res.Points)

	h.sendLocked(c, AnswerAckMessage{
		Type:     "answer_ack",
		RoundID:  msg.RoundID,
		Accepted: true,
		Correct:  res.Correct,
		Points:   res.Points,
	})

	// Spectators' scoreboards move in real time, before the round ends.
	h.broadcastPlayersLocked(parties)
}

// finalizeRoundLocked is the single finalize path shared by end_round
// and timer expiry. Finalize removes the round on first call, so when
// the two race, the loser fails with ErrUnknownRound and broadcasts
// nothing. Assumes h.mu is held.
func (h *Hub) finalizeRoundLocked(cfg *Config, parties *PartyRegistry, rounds *RoundRegistry, roundID string) {
	res, err := rounds.Finalize(roundID)
	if err != nil {
		logf(cfg, "ROUNDS: Dropped finalize for %s in party %s: %v", roundID, h.id, err)
		return
	}

	number := h.roundNumbers[roundID]
	delete(h.roundNumbers, roundID)

	logf(cfg, "ROUNDS: Round %s finalized in party %s", roundID, h.id)

	h.broadcastLocked(PhaseChangeMessage{Type: "phase_change", Phase: "leaderboard"})
	h.broadcastLocked(RoundResultsMessage{
		Type:          "round_results",
		RoundID:       roundID,
		Mode:          string(res.Mode),
		CorrectAnswer: res.Answer,
		Counts:        res.Tally,
		Players:       parties.Snapshot(h.id, true),
		RoundNumber:   number,
	})
}

// sendLocked delivers to one client, dropping it if its buffer is full.
// Assumes h.mu is held.
func (h *Hub) sendLocked(c *Client, msg any) {
	select {
	case c.send <- msg:
	default:
		delete(h.clients, c)
		close(c.send)
	}
}

// broadcastLocked fans out to every client in the party, best effort:
// no acknowledgement, slow clients are dropped. Assumes h.mu is held.
func (h *Hub) broadcastLocked(msg any) {
	for client := range h.clients {
		select {
		case client.send <- msg:
		default:
			delete(h.clients, client)
			close(client.send)
		}
	}
}

func (h *Hub) broadcastPlayersLocked(parties *PartyRegistry) {
	h.broadcastLocked(PlayersUpdateMessage{
		Type:    "players_update",
		Players: parties.Snapshot(h.id, false),
	})
}

// closeAll disconnects all clients of this hub (used by reaper).
func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for c := range h.clients {
		close(c.send)
		_ = c.conn.Close()
		delete(h.clients, c)
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

const playerCookieName = "quizbox_id"

func getOrSetPlayerID(w http.ResponseWriter, r *http.Request) string {
	if c, err := r.Cookie(playerCookieName); err == nil && c.Value != "" {
		return c.Value
	}

	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		log.Println("rand.Read error:", err)
		return ""
	}
	id := hex.EncodeToString(buf)

	http.SetCookie(w, &http.Cookie{
		Name:     playerCookieName,
		Value:    id,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})

	return id
}

// PartyManager holds a set of hubs keyed by party ID, so each
// $path/$partyid is its own isolated session. It also owns the two
// registries, constructed once and handed to every hub.
type PartyManager struct {
	mu          sync.Mutex
	hubs        map[string]*Hub
	parties     *PartyRegistry
	rounds      *RoundRegistry
	idleTimeout time.Duration
}

func newPartyManager(idleTimeout time.Duration, parties *PartyRegistry, rounds *RoundRegistry) *PartyManager {
	pm := &PartyManager{
		hubs:        make(map[string]*Hub),
		parties:     parties,
		rounds:      rounds,
		idleTimeout: idleTimeout,
	}
	if idleTimeout > 0 {
		go pm.reaperLoop()
	}
	return pm
}

func (pm *PartyManager) getHub(cfg *Config, partyID string) *Hub {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	if hub, ok := pm.hubs[partyID]; ok {
		return hub
	}

	hub := newHub(partyID)
	pm.hubs[partyID] = hub
	go hub.run(cfg, pm.parties, pm.rounds)
	return hub
}

// newPartyID generates a crypto-random party ID and ensures it doesn't
// collide with existing parties.
func (pm *PartyManager) newPartyID() string {
	const letters = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"
	for {
		buf := make([]byte, 8)
		if _, err := rand.Read(buf); err != nil {
			panic("crypto/rand failure: " + err.Error())
		}
		out := make([]byte, 8)
		for i := range out {
			out[i] = letters[int(buf[i])%len(letters)]
		}
		id := string(out)

		pm.mu.Lock()
		_, exists := pm.hubs[id]
		pm.mu.Unlock()

		if !exists {
			return id
		}
	}
}

// reaperLoop periodically removes parties that have been idle longer
// than idleTimeout, dropping their registry entries and any live rounds.
func (pm *PartyManager) reaperLoop() {
	ticker := time.NewTicker(pm.idleTimeout / 2)
	for range ticker.C {
		cutoff := time.Now().Add(-pm.idleTimeout)

		pm.mu.Lock()
		for id, hub := range pm.hubs {
			hub.mu.RLock()
			last := hub.lastActive
			hub.mu.RUnlock()

			if last.Before(cutoff) {
				delete(pm.hubs, id)
				go func(id string, hub *Hub) {
					hub.closeAll()
					pm.rounds.DropParty(id)
					pm.parties.Remove(id)
				}(id, hub)
			}
		}
		pm.mu.Unlock()
	}
}

// WebSocket handler that picks the hub based on :partyid
func serveWSForManager(cfg *Config, pm *PartyManager) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		partyID := ps.ByName("partyid")
		if partyID == "" {
			http.Error(w, "missing party id", http.StatusBadRequest)
			return
		}

		cookieID := getOrSetPlayerID(w, r)

		hub := pm.getHub(cfg, partyID)

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Println("upgrade error:", err)
			return
		}

		client := &Client{
			conn:     conn,
			send:     make(chan any, 8),
			cookieID: cookieID,
		}

		hub.register <- client

		go client.writePump()
		client.readPump(hub)
	}
}

func (c *Client) readPump(h *Hub) {
	defer func() {
		h.unreg <- c
		_ = c.conn.Close()
	}()

	for {
		var msg ClientMessage
		if err := c.conn.ReadJSON(&msg); err != nil {
			return
		}

		switch msg.Type {
		case "join":
			h.joins <- joinRequest{
				client: c,
				msg:    msg,
			}
		case "start_round", "update_round", "end_round":
			h.hostCmds <- hostCommand{
				client: c,
				msg:    msg,
			}
		case "submit_answer":
			h.answers <- answerRequest{
				client: c,
				msg:    msg,
			}
		default:
			// ignore unknown types
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

func nonNil(opts []string) []string {
	if opts == nil {
		return []string{}
	}
	return opts
}

// QR handler: generates a PNG QR code for the current party URL using go-qrcode.
func qrHandler(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	partyID := ps.ByName("partyid")
	if partyID == "" {
		http.Error(w, "missing party id", http.StatusBadRequest)
		return
	}

	// Derive scheme (respecting TLS and X-Forwarded-Proto if present).
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
		scheme = proto
	}

	// We are at /.../:partyid/qr; strip trailing "/qr" to get the party URL.
	path := strings.TrimSuffix(r.URL.Path, "/qr")

	url := scheme + "://" + r.Host + path

	const qrSize = 320 // mobile-friendly size
	png, err := qrcode.Encode(url, qrcode.Medium, qrSize)
	if err != nil {
		http.Error(w, "qr generation failed", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "image/png")
	_, _ = w.Write(png)
}

// ---- Static file paths ----

//go:embed trivia/index.html
var indexHTML []byte

//go:embed trivia/app.css
var quizboxCSS []byte

//go:embed trivia/app.js
var quizboxJS []byte

func getIndexHandler(cfg *Config) func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Header().Set("Cache-Control", "public, max-age=3600")
		w.Header().Set("Expires", time.Now().Add(time.Hour).UTC().Format(http.TimeFormat))
		securityHeaders(cfg, w)

		_ = getOrSetPlayerID(w, r)

		_, _ = w.Write(indexHTML)
	}
}

func getCssHandler(cfg *Config) func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		w.Header().Set("Content-Type", "text/css; charset=utf-8")
		w.Header().Set("Cache-Control", "public, max-age=3600")
		w.Header().Set("Expires", time.Now().Add(time.Hour).UTC().Format(http.TimeFormat))
		securityHeaders(cfg, w)

		_, _ = w.Write(quizboxCSS)
	}
}

func getJsHandler(cfg *Config) func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		w.Header().Set("Content-Type", "application/javascript; charset=utf-8")
		w.Header().Set("Cache-Control", "public, max-age=3600")
		w.Header().Set("Expires", time.Now().Add(time.Hour).UTC().Format(http.TimeFormat))
		securityHeaders(cfg, w)

		_, _ = w.Write(quizboxJS)
	}
}

// redirectNewParty handles GET /path by generating a new random party ID
// (with server-side collision detection) and redirecting to /path/:partyid.
func redirectNewParty(cfg *Config, path string, pm *PartyManager) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		partyID := pm.newPartyID()
		logf(cfg, "GAMES: Created party %s/%s", path, partyID)
		http.Redirect(w, r, path+"/"+partyID, http.StatusTemporaryRedirect)
	}
}

// registerTriviaGame sets up routes so that:
//   - $path                  → redirects to new random party (8-char ID)
//   - $path/:partyid         → HTML client
//   - $path/:partyid/ws      → WebSocket for that party
//   - $path/:partyid/qr      → PNG QR code for that party URL
func registerTriviaGame(cfg *Config, path string, mux *httprouter.Router) {
	pm := newPartyManager(cfg.partyTimeout, NewPartyRegistry(), NewRoundRegistry())

	// Root path → redirect to new random party
	mux.GET(path, redirectNewParty(cfg, path, pm))

	// Per-party client view (HTML)
	mux.GET(cfg.prefix+path+"/:partyid", getIndexHandler(cfg))

	// Shared assets (no partyid in route)
	mux.GET(cfg.prefix+"/assets/trivia/app.css", getCssHandler(cfg))
	mux.GET(cfg.prefix+"/assets/trivia/app.js", getJsHandler(cfg))

	// Per-party websocket
	mux.GET(cfg.prefix+path+"/:partyid/ws", serveWSForManager(cfg, pm))

	// Per-party QR code
	mux.GET(cfg.prefix+path+"/:partyid/qr", qrHandler)
}
