package main

import (
	"encoding/json"
	"testing"
	"time"
)

func raw(s string) json.RawMessage {
	return json.RawMessage(s)
}

func mustStart(t *testing.T, rr *RoundRegistry, roundID, partyID string, mode Mode, options []string) {
	t.Helper()
	if err := rr.Start(roundID, partyID, mode, options, 0, nil); err != nil {
		t.Fatalf("start %s: %v", roundID, err)
	}
}

func TestNormalizeChoice(t *testing.T) {
	cases := []struct {
		mode  Mode
		raw   string
		label string
		ok    bool
	}{
		{ModeGuessProfessor, `"prof-42"`, "prof-42", true},
		{ModeGuessProfessor, `""`, "", false},
		{ModeGuessProfessor, `true`, "", false},
		{ModeRealOrFake, `true`, labelAI, true},
		{ModeRealOrFake, `false`, labelReal, true},
		{ModeRealOrFake, `{"isAI":true}`, labelAI, true},
		{ModeRealOrFake, `{"isAI":false}`, labelReal, true},
		{ModeRealOrFake, `"ai"`, labelAI, true},
		{ModeRealOrFake, `"Real"`, labelReal, true},
		{ModeRealOrFake, `"maybe"`, "", false},
		{ModeRealOrFake, `{}`, "", false},
	}

	for _, c := range cases {
		label, ok := normalizeChoice(c.mode, raw(c.raw))
		if label != c.label || ok != c.ok {
			t.Fatalf("normalizeChoice(%s, %s) = (%q, %v), want (%q, %v)",
				c.mode, c.raw, label, ok, c.label, c.ok)
		}
	}
}

func TestRoundRegistry_DuplicateRoundID(t *testing.T) {
	rr := NewRoundRegistry()

	mustStart(t, rr, "r1", "ABC123", ModeRealOrFake, nil)

	if err := rr.Start("r1", "ABC123", ModeRealOrFake, nil, 0, nil); err != ErrDuplicateRound {
		t.Fatalf("want ErrDuplicateRound, got %v", err)
	}
}

func TestRoundRegistry_SubmitUnknownRound(t *testing.T) {
	rr := NewRoundRegistry()

	if res := rr.Submit("nope", "p1", raw(`true`)); res.Accepted {
		t.Fatalf("unknown round must reject, got %+v", res)
	}
}

func TestRoundRegistry_OneAnswerPerPlayer(t *testing.T) {
	rr := NewRoundRegistry()

	mustStart(t, rr, "r1", "ABC123", ModeRealOrFake, nil)
	if err := rr.UpdateAnswer("r1", raw(`true`), nil); err != nil {
		t.Fatalf("update: %v", err)
	}

	first := rr.Submit("r1", "p1", raw(`{"isAI":true}`))
	if !first.Accepted || !first.Correct || first.Points != 100 {
		t.Fatalf("first submission: want accepted/correct/100, got %+v", first)
	}

	second := rr.Submit("r1", "p1", raw(`{"isAI":false}`))
	if second.Accepted {
		t.Fatalf("second submission by same player must be rejected, got %+v", second)
	}

	res, err := rr.Finalize("r1")
	if err != nil {
		t.Fatalf("finalize: %v", err)
	}
	if res.Tally[labelAI] != 1 || res.Tally[labelReal] != 0 {
		t.Fatalf("rejected resubmission must leave tally unchanged: %+v", res.Tally)
	}
}

func TestRoundRegistry_ChoiceValidatedAgainstOptionsAtSubmissionTime(t *testing.T) {
	rr := NewRoundRegistry()

	mustStart(t, rr, "r1", "ABC123", ModeGuessProfessor, []string{"X", "Y"})

	// Submitted before the authoritative answer arrives: accepted because
	// "X" is in the options passed at start, but scored against the
	// answer present right now, which is none.
	early := rr.Submit("r1", "p1", raw(`"X"`))
	if !early.Accepted {
		t.Fatalf("choice within initial options must be accepted, got %+v", early)
	}
	if early.Correct || early.Points != 0 {
		t.Fatalf("submission before the answer arrives scores as incorrect, got %+v", early)
	}

	if res := rr.Submit("r1", "p2", raw(`"Z"`)); res.Accepted {
		t.Fatalf("choice outside options must be rejected, got %+v", res)
	}

	if err := rr.UpdateAnswer("r1", raw(`"X"`), []string{"X", "Y"}); err != nil {
		t.Fatalf("update: %v", err)
	}

	late := rr.Submit("r1", "p3", raw(`"X"`))
	if !late.Accepted || !late.Correct || late.Points != 100 {
		t.Fatalf("submission after the answer arrives scores against it, got %+v", late)
	}
}

func TestRoundRegistry_UpdateAnswerUnknownRound(t *testing.T) {
	rr := NewRoundRegistry()

	if err := rr.UpdateAnswer("nope", raw(`true`), nil); err != ErrUnknownRound {
		t.Fatalf("want ErrUnknownRound, got %v", err)
	}
}

func TestRoundRegistry_FinalizeIsSingleUse(t *testing.T) {
	rr := NewRoundRegistry()

	mustStart(t, rr, "r1", "ABC123", ModeRealOrFake, nil)

	if _, err := rr.Finalize("r1"); err != nil {
		t.Fatalf("first finalize: %v", err)
	}
	if _, err := rr.Finalize("r1"); err != ErrUnknownRound {
		t.Fatalf("second finalize must fail with ErrUnknownRound, got %v", err)
	}
}

func TestRoundRegistry_FinalizeWithoutAnswerReportsNull(t *testing.T) {
	rr := NewRoundRegistry()

	mustStart(t, rr, "r1", "ABC123", ModeGuessProfessor, []string{"X"})

	sub := rr.Submit("r1", "p1", raw(`"X"`))
	if !sub.Accepted || sub.Correct {
		t.Fatalf("without an answer everyone scores incorrect, got %+v", sub)
	}

	res, err := rr.Finalize("r1")
	if err != nil {
		t.Fatalf("finalize: %v", err)
	}
	if res.Answer != nil {
		t.Fatalf("answer must be null when never set, got %q", *res.Answer)
	}
	if res.PartyID != "ABC123" || res.Mode != ModeGuessProfessor {
		t.Fatalf("unexpected results snapshot: %+v", res)
	}
}

func TestRoundRegistry_ExpiryTimerFires(t *testing.T) {
	rr := NewRoundRegistry()

	fired := make(chan struct{}, 1)
	err := rr.Start("r1", "ABC123", ModeRealOrFake, nil, 30*time.Millisecond, func() {
		fired <- struct{}{}
	})
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	select {
	case <-fired:
	case <-time.After(500 * time.Millisecond):
		t.Fatalf("expiry callback never fired")
	}

	// The callback only notifies; the round stays live until the
	// caller routes it into finalize.
	if _, err := rr.Finalize("r1"); err != nil {
		t.Fatalf("finalize after expiry notification: %v", err)
	}
}

func TestRoundRegistry_ZeroDurationDisablesExpiry(t *testing.T) {
	rr := NewRoundRegistry()

	err := rr.Start("r1", "ABC123", ModeRealOrFake, nil, 0, func() {
		t.Errorf("expiry must not fire for a 0-duration round")
	})
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	time.Sleep(100 * time.Millisecond)

	if res := rr.Submit("r1", "p1", raw(`true`)); !res.Accepted {
		t.Fatalf("round must remain live indefinitely, got %+v", res)
	}
}

func TestRoundRegistry_FinalizeCancelsExpiry(t *testing.T) {
	rr := NewRoundRegistry()

	fired := make(chan struct{}, 1)
	err := rr.Start("r1", "ABC123", ModeRealOrFake, nil, 50*time.Millisecond, func() {
		fired <- struct{}{}
	})
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	if _, err := rr.Finalize("r1"); err != nil {
		t.Fatalf("finalize: %v", err)
	}

	select {
	case <-fired:
		t.Fatalf("expiry fired after manual finalize")
	case <-time.After(150 * time.Millisecond):
	}
}

func TestRoundRegistry_DropPartyRemovesItsRounds(t *testing.T) {
	rr := NewRoundRegistry()

	mustStart(t, rr, "r1", "ABC123", ModeRealOrFake, nil)
	mustStart(t, rr, "r2", "XYZ789", ModeRealOrFake, nil)

	rr.DropParty("ABC123")

	if _, err := rr.Finalize("r1"); err != ErrUnknownRound {
		t.Fatalf("dropped party's round must be gone, got %v", err)
	}
	if _, err := rr.Finalize("r2"); err != nil {
		t.Fatalf("other party's round must survive: %v", err)
	}
}
