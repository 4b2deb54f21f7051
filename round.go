package main

import (
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"
)

// Mode selects how a round's answers are interpreted and scored.
type Mode string

const (
	// ModeGuessProfessor rounds offer several option identifiers and
	// score an exact match against one of them.
	ModeGuessProfessor Mode = "guess_professor"
	// ModeRealOrFake rounds ask for a boolean judgment: was this
	// review written by an AI or a real student.
	ModeRealOrFake Mode = "real_or_fake"
)

// Canonical labels for ModeRealOrFake answers.
const (
	labelAI   = "ai"
	labelReal = "real"
)

const correctPoints = 100

var (
	ErrDuplicateRound = errors.New("round id already live")
	ErrUnknownRound   = errors.New("unknown round id")
)

// parseMode accepts both the short wire form and the long name.
func parseMode(s string) (Mode, bool) {
	switch s {
	case "A", string(ModeGuessProfessor):
		return ModeGuessProfessor, true
	case "B", string(ModeRealOrFake):
		return ModeRealOrFake, true
	default:
		return "", false
	}
}

// normalizeChoice coerces the wire shapes accepted for an answer into a
// single canonical label. ModeGuessProfessor takes an option identifier
// string. ModeRealOrFake takes a bare boolean (true = AI), an
// {"isAI": bool} object, or the literal labels "ai"/"real". All
// permissiveness lives here; past this point a choice is just a label.
func normalizeChoice(mode Mode, raw json.RawMessage) (string, bool) {
	if len(raw) == 0 {
		return "", false
	}

	switch mode {
	case ModeGuessProfessor:
		var s string
		if err := json.Unmarshal(raw, &s); err != nil || s == "" {
			return "", false
		}
		return s, true

	case ModeRealOrFake:
		var b bool
		if err := json.Unmarshal(raw, &b); err == nil {
			if b {
				return labelAI, true
			}
			return labelReal, true
		}

		var obj struct {
			IsAI *bool `json:"isAI"`
		}
		if err := json.Unmarshal(raw, &obj); err == nil && obj.IsAI != nil {
			if *obj.IsAI {
				return labelAI, true
			}
			return labelReal, true
		}

		var s string
		if err := json.Unmarshal(raw, &s); err == nil {
			switch strings.ToLower(s) {
			case labelAI:
				return labelAI, true
			case labelReal:
				return labelReal, true
			}
		}
	}

	return "", false
}

type round struct {
	partyID string
	mode    Mode

	// answer holds the normalized correct label once update_round has
	// delivered it. A round finalized before that broadcasts a null
	// answer and scores everyone as incorrect.
	answer    string
	answerSet bool

	options  map[string]bool
	answered map[string]bool
	tally    map[string]int

	expiry *time.Timer
}

// SubmitResult is the outcome of one answer submission. The registry
// decides correctness and points; recording them against the score
// ledger is the caller's job.
type SubmitResult struct {
	Accepted bool
	Correct  bool
	Points   int
	PartyID  string
}

// RoundResults is the snapshot returned by Finalize for broadcast.
type RoundResults struct {
	PartyID string
	Mode    Mode
	Answer  *string
	Tally   map[string]int
}

// RoundRegistry tracks every live round in the process: its mode,
// correct answer, submission tally, answered set, and expiry timer.
// Rounds are single-use; Finalize removes them.
type RoundRegistry struct {
	mu     sync.Mutex
	rounds map[string]*round
}

func NewRoundRegistry() *RoundRegistry {
	return &RoundRegistry{
		rounds: make(map[string]*round),
	}
}

// Start creates a round and, when expiry is non-zero, arms a timer that
// invokes onExpire once. The caller is expected to route onExpire back
// into the same finalize path a manual end_round takes; Finalize's
// remove-on-call behavior makes whichever caller loses that race fail
// harmlessly with ErrUnknownRound.
func (rr *RoundRegistry) Start(roundID, partyID string, mode Mode, options []string, expiry time.Duration, onExpire func()) error {
	rr.mu.Lock()
	defer rr.mu.Unlock()

	if _, exists := rr.rounds[roundID]; exists {
		return ErrDuplicateRound
	}

	rd := &round{
		partyID:  partyID,
		mode:     mode,
		options:  make(map[string]bool, len(options)),
		answered: make(map[string]bool),
		tally:    make(map[string]int),
	}
	for _, opt := range options {
		rd.options[opt] = true
	}

	if expiry > 0 && onExpire != nil {
		rd.expiry = time.AfterFunc(expiry, onExpire)
	}

	rr.rounds[roundID] = rd

	return nil
}

// UpdateAnswer replaces the round's correct answer and accepted options
// with the now-authoritative question data. The answer arrives in the
// same wire shapes as a submission and is normalized the same way; an
// uncoercible value leaves the answer unset.
func (rr *RoundRegistry) UpdateAnswer(roundID string, answer json.RawMessage, options []string) error {
	rr.mu.Lock()
	defer rr.mu.Unlock()

	rd, ok := rr.rounds[roundID]
	if !ok {
		return ErrUnknownRound
	}

	if label, ok := normalizeChoice(rd.mode, answer); ok {
		rd.answer = label
		rd.answerSet = true
	}

	if options != nil {
		rd.options = make(map[string]bool, len(options))
		for _, opt := range options {
			rd.options[opt] = true
		}
	}

	return nil
}

// Submit records one player's answer. It rejects, with no state change,
// an unknown round, a second submission from the same player, an
// uncoercible choice, or (ModeGuessProfessor) a choice outside the
// options valid at submission time.
func (rr *RoundRegistry) Submit(roundID, playerID string, choice json.RawMessage) SubmitResult {
	rr.mu.Lock()
	defer rr.mu.Unlock()

	rd, ok := rr.rounds[roundID]
	if !ok {
		return SubmitResult{}
	}

	if rd.answered[playerID] {
		return SubmitResult{PartyID: rd.partyID}
	}

	label, ok := normalizeChoice(rd.mode, choice)
	if !ok {
		return SubmitResult{PartyID: rd.partyID}
	}

	if rd.mode == ModeGuessProfessor && !rd.options[label] {
		return SubmitResult{PartyID: rd.partyID}
	}

	rd.answered[playerID] = true
	rd.tally[label]++

	correct := rd.answerSet && label == rd.answer

	points := 0
	if correct {
		points = correctPoints
	}

	return SubmitResult{
		Accepted: true,
		Correct:  correct,
		Points:   points,
		PartyID:  rd.partyID,
	}
}

// Finalize cancels any pending expiry timer, removes the round, and
// returns its results for broadcast. A second call for the same round
// ID fails with ErrUnknownRound; finalize is deliberately not
// idempotent so a finished round can never be broadcast twice.
func (rr *RoundRegistry) Finalize(roundID string) (RoundResults, error) {
	rr.mu.Lock()
	defer rr.mu.Unlock()

	rd, ok := rr.rounds[roundID]
	if !ok {
		return RoundResults{}, ErrUnknownRound
	}

	if rd.expiry != nil {
		rd.expiry.Stop()
	}

	delete(rr.rounds, roundID)

	res := RoundResults{
		PartyID: rd.partyID,
		Mode:    rd.mode,
		Tally:   rd.tally,
	}
	if rd.answerSet {
		answer := rd.answer
		res.Answer = &answer
	}

	return res, nil
}

// DropParty removes every live round belonging to partyID, stopping
// their timers. Used by the idle-party reaper.
func (rr *RoundRegistry) DropParty(partyID string) {
	rr.mu.Lock()
	defer rr.mu.Unlock()

	for id, rd := range rr.rounds {
		if rd.partyID != partyID {
			continue
		}
		if rd.expiry != nil {
			rd.expiry.Stop()
		}
		delete(rr.rounds, id)
	}
}
