// SPDX-License-Identifier: BSD-3-Clause

package fsm

import (
	"context"
	"errors"
	"testing"
	"time"
)

func basicConfig() Config {
	return Config{
		Name:         "test",
		InitialState: "A",
		States:       []string{"A", "B", "C"},
		Transitions: []Transition{
			{From: "A", To: "B", Trigger: "go"},
			{From: "B", To: "C", Trigger: "go"},
		},
	}
}

func TestNewRejectsUnknownInitialState(t *testing.T) {
	cfg := basicConfig()
	cfg.InitialState = "Z"
	if _, err := New(cfg); err == nil {
		t.Fatal("expected an error for an undeclared initial state")
	}
}

func TestNewRejectsUnknownTransitionState(t *testing.T) {
	cfg := basicConfig()
	cfg.Transitions = append(cfg.Transitions, Transition{From: "A", To: "Z", Trigger: "bad"})
	if _, err := New(cfg); err == nil {
		t.Fatal("expected an error for a transition naming an undeclared state")
	}
}

func TestFireAdvancesState(t *testing.T) {
	m, err := New(basicConfig())
	if err != nil {
		t.Fatal(err)
	}
	if m.State() != "A" {
		t.Fatalf("initial state = %q, want A", m.State())
	}
	if err := m.Fire(context.Background(), "go"); err != nil {
		t.Fatalf("Fire: %v", err)
	}
	if m.State() != "B" {
		t.Fatalf("state after one Fire = %q, want B", m.State())
	}
	if err := m.Fire(context.Background(), "go"); err != nil {
		t.Fatalf("Fire: %v", err)
	}
	if m.State() != "C" {
		t.Fatalf("state after two Fires = %q, want C", m.State())
	}
}

func TestCanFireReflectsCurrentState(t *testing.T) {
	m, err := New(basicConfig())
	if err != nil {
		t.Fatal(err)
	}
	if !m.CanFire(context.Background(), "go") {
		t.Fatal("expected go to be permitted from A")
	}
	_ = m.Fire(context.Background(), "go")
	_ = m.Fire(context.Background(), "go")
	if m.CanFire(context.Background(), "go") {
		t.Fatal("expected go to be refused once C has no outgoing transition")
	}
}

func TestGuardBlocksTransition(t *testing.T) {
	cfg := basicConfig()
	allow := false
	cfg.Transitions[0].Guard = func(ctx context.Context) bool { return allow }

	m, err := New(cfg)
	if err != nil {
		t.Fatal(err)
	}
	if m.CanFire(context.Background(), "go") {
		t.Fatal("expected the guard to block go while allow is false")
	}
	allow = true
	if !m.CanFire(context.Background(), "go") {
		t.Fatal("expected the guard to permit go once allow is true")
	}
}

func TestTransitionActionRuns(t *testing.T) {
	cfg := basicConfig()
	ran := false
	cfg.Transitions[0].Action = func(ctx context.Context) error {
		ran = true
		return nil
	}
	m, err := New(cfg)
	if err != nil {
		t.Fatal(err)
	}
	if err := m.Fire(context.Background(), "go"); err != nil {
		t.Fatal(err)
	}
	if !ran {
		t.Fatal("expected the transition action to have run")
	}
}

func TestOnTransitionCallback(t *testing.T) {
	cfg := basicConfig()
	var gotTrigger, gotState string
	cfg.OnTransition = func(trigger, state string) {
		gotTrigger, gotState = trigger, state
	}
	m, err := New(cfg)
	if err != nil {
		t.Fatal(err)
	}
	if err := m.Fire(context.Background(), "go"); err != nil {
		t.Fatal(err)
	}
	if gotTrigger != "go" || gotState != "B" {
		t.Fatalf("OnTransition observed (%q, %q), want (\"go\", \"B\")", gotTrigger, gotState)
	}
}

func TestStateTimeoutBoundsFire(t *testing.T) {
	cfg := basicConfig()
	cfg.StateTimeout = 10 * time.Millisecond
	// The action (run via OnTransitioned) receives the bounded fireCtx; it
	// sleeps without watching ctx so that it outlasts the timeout and Fire
	// has to give up on it.
	cfg.Transitions[0].Action = func(ctx context.Context) error {
		time.Sleep(200 * time.Millisecond)
		return nil
	}
	m, err := New(cfg)
	if err != nil {
		t.Fatal(err)
	}
	err = m.Fire(context.Background(), "go")
	if err == nil {
		t.Fatal("expected Fire to time out")
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected a deadline-exceeded error, got %v", err)
	}
}
