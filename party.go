package main

import (
	"sort"
	"sync"
)

// PlayerStanding is one roster entry plus its cumulative score, as sent
// to clients in players_update and round_results messages.
type PlayerStanding struct {
	DisplayName string `json:"display_name"`
	Points      int    `json:"points"`
	IsHost      bool   `json:"is_host"`
}

type rosterEntry struct {
	playerID    string
	displayName string
	isHost      bool
}

type partyState struct {
	roster []rosterEntry
	scores map[string]int
}

// PartyRegistry is the authoritative roster and score ledger for every
// party in the process. Parties are created implicitly on first write;
// unknown party IDs never error. Scores are keyed by player ID, not
// connection, so a rejoin under the same ID keeps its standing.
type PartyRegistry struct {
	mu      sync.Mutex
	parties map[string]*partyState
}

func NewPartyRegistry() *PartyRegistry {
	return &PartyRegistry{
		parties: make(map[string]*partyState),
	}
}

func (pr *PartyRegistry) getLocked(partyID string) *partyState {
	p, ok := pr.parties[partyID]
	if !ok {
		p = &partyState{scores: make(map[string]int)}
		pr.parties[partyID] = p
	}
	return p
}

// Join adds or overwrites the roster entry for playerID. Overwriting
// replaces the display name and host flag but never touches the score.
func (pr *PartyRegistry) Join(partyID, playerID, displayName string, isHost bool) {
	pr.mu.Lock()
	defer pr.mu.Unlock()

	p := pr.getLocked(partyID)

	for i := range p.roster {
		if p.roster[i].playerID == playerID {
			p.roster[i].displayName = displayName
			p.roster[i].isHost = isHost
			return
		}
	}

	p.roster = append(p.roster, rosterEntry{
		playerID:    playerID,
		displayName: displayName,
		isHost:      isHost,
	})
}

// Leave removes the roster entry. The score entry is kept so a
// transient disconnect does not lose standing.
func (pr *PartyRegistry) Leave(partyID, playerID string) {
	pr.mu.Lock()
	defer pr.mu.Unlock()

	p := pr.getLocked(partyID)

	dst := p.roster[:0]
	for _, e := range p.roster {
		if e.playerID == playerID {
			continue
		}
		dst = append(dst, e)
	}
	p.roster = dst
}

// AwardPoints adds delta to the player's cumulative score, creating a
// zero-initialized entry if absent.
func (pr *PartyRegistry) AwardPoints(partyID, playerID string, delta int) {
	pr.mu.Lock()
	defer pr.mu.Unlock()

	p := pr.getLocked(partyID)
	p.scores[playerID] += delta
}

// Snapshot returns the current roster and scores. With byPoints the
// result is sorted by descending points for leaderboard display;
// otherwise entries appear in roster (join) order.
func (pr *PartyRegistry) Snapshot(partyID string, byPoints bool) []PlayerStanding {
	pr.mu.Lock()
	defer pr.mu.Unlock()

	p := pr.getLocked(partyID)

	players := make([]PlayerStanding, 0, len(p.roster))
	for _, e := range p.roster {
		players = append(players, PlayerStanding{
			DisplayName: e.displayName,
			Points:      p.scores[e.playerID],
			IsHost:      e.isHost,
		})
	}

	if byPoints {
		sort.SliceStable(players, func(i, j int) bool {
			return players[i].Points > players[j].Points
		})
	}

	return players
}

// Remove drops a party and all of its scores. Used by the idle-party
// reaper; live gameplay never removes parties.
func (pr *PartyRegistry) Remove(partyID string) {
	pr.mu.Lock()
	defer pr.mu.Unlock()

	delete(pr.parties, partyID)
}
