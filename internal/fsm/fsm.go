// SPDX-License-Identifier: BSD-3-Clause

// Package fsm wraps github.com/qmuntal/stateless behind a small,
// context-aware configuration surface: named states, named triggers,
// optional guards, and transition actions that take the context passed to
// Fire/CanFire so long-running actions (building a gadget, waiting for a
// UDC to report "configured") can be cancelled. There are no state
// entry/exit hooks. Adapted from u-bmc's
// pkg/state package, which wraps the same library but is internally
// inconsistent between its config.go (context-free GuardFunc/ActionFunc),
// state.go (context-aware invocations of those same hooks) and builders.go
// (constructs a type named Machine that state.go never defines). This
// package picks the context-aware shape throughout, since the
// Supervisor's own transition actions need to observe cancellation.
package fsm

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/qmuntal/stateless"
)

// GuardFunc reports whether a transition may fire.
type GuardFunc func(ctx context.Context) bool

// ActionFunc runs as part of a transition.
type ActionFunc func(ctx context.Context) error

// Transition declares one edge of the state graph.
type Transition struct {
	From    string
	To      string
	Trigger string
	Guard   GuardFunc
	Action  ActionFunc
}

// Config fully describes a state machine before construction.
type Config struct {
	Name         string
	InitialState string
	States       []string
	Transitions  []Transition
	// StateTimeout bounds every Fire call; zero disables the bound.
	StateTimeout time.Duration
	// OnTransition is called, if set, after every successful Fire, with
	// the trigger name and the resulting state.
	OnTransition func(trigger, state string)
}

// Machine is a named, running instance of a Config.
type Machine struct {
	name    string
	sm      *stateless.StateMachine
	timeout time.Duration
	mu      sync.Mutex
	onTrans func(trigger, state string)
}

// New builds a Machine from cfg. Returns an error if cfg names an unknown
// state in InitialState or any Transition.
func New(cfg Config) (*Machine, error) {
	known := make(map[string]bool, len(cfg.States))
	for _, s := range cfg.States {
		known[s] = true
	}
	if !known[cfg.InitialState] {
		return nil, fmt.Errorf("fsm: initial state %q not declared", cfg.InitialState)
	}
	for _, t := range cfg.Transitions {
		if !known[t.From] || !known[t.To] {
			return nil, fmt.Errorf("fsm: transition %s--%s-->%s references an undeclared state", t.From, t.Trigger, t.To)
		}
	}

	sm := stateless.NewStateMachine(cfg.InitialState)

	byFrom := make(map[string][]Transition)
	for _, t := range cfg.Transitions {
		byFrom[t.From] = append(byFrom[t.From], t)
	}
	for _, state := range cfg.States {
		cfgr := sm.Configure(state)
		for _, t := range byFrom[state] {
			t := t
			if t.Guard != nil {
				cfgr.Permit(t.Trigger, t.To, func(ctx context.Context, _ ...any) bool {
					return t.Guard(ctx)
				})
			} else {
				cfgr.Permit(t.Trigger, t.To)
			}
		}
	}

	m := &Machine{name: cfg.Name, sm: sm, timeout: cfg.StateTimeout, onTrans: cfg.OnTransition}

	// Run transition actions after the library commits the state change,
	// since stateless's OnTransitioned callback fires post-commit.
	sm.OnTransitioned(func(ctx context.Context, t stateless.Transition) {
		for _, tr := range byFrom[fmt.Sprint(t.Source)] {
			if tr.To == fmt.Sprint(t.Destination) && tr.Trigger == fmt.Sprint(t.Trigger) && tr.Action != nil {
				_ = tr.Action(ctx)
			}
		}
		if m.onTrans != nil {
			m.onTrans(fmt.Sprint(t.Trigger), fmt.Sprint(t.Destination))
		}
	})

	return m, nil
}

// Fire triggers a transition, bounding it by the configured StateTimeout
// when one is set.
func (m *Machine) Fire(ctx context.Context, trigger string, args ...any) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.timeout <= 0 {
		return m.sm.FireCtx(ctx, trigger, args...)
	}

	fireCtx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- m.sm.FireCtx(fireCtx, trigger, args...) }()

	select {
	case err := <-done:
		return err
	case <-fireCtx.Done():
		return fmt.Errorf("fsm: %s: transition %q timed out: %w", m.name, trigger, fireCtx.Err())
	}
}

// State returns the current state name.
func (m *Machine) State() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return fmt.Sprint(m.sm.MustState())
}

// CanFire reports whether trigger is permitted from the current state.
func (m *Machine) CanFire(ctx context.Context, trigger string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	ok, _ := m.sm.CanFireCtx(ctx, trigger)
	return ok
}
