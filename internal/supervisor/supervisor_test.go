// SPDX-License-Identifier: BSD-3-Clause

//go:build linux
// +build linux

package supervisor

import (
	"context"
	"log/slog"
	"strings"
	"testing"

	"github.com/hidproxy/hid-proxy/internal/hidtypes"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(new(strings.Builder), nil))
}

func TestSelectCandidateTargetMatchWins(t *testing.T) {
	s := &Supervisor{opts: Options{Target: "046d:c52b", Log: discardLogger()}}
	candidates := []hidtypes.CompoundDevice{
		{VendorID: 0x1234, ProductID: 0x5678},
		{VendorID: 0x046d, ProductID: 0xc52b},
	}
	idx, err := s.selectCandidate(candidates)
	if err != nil {
		t.Fatalf("selectCandidate: %v", err)
	}
	if idx != 1 {
		t.Fatalf("idx = %d, want 1", idx)
	}
}

func TestSelectCandidateTargetNoMatch(t *testing.T) {
	s := &Supervisor{opts: Options{Target: "dead:beef", Log: discardLogger()}}
	candidates := []hidtypes.CompoundDevice{{VendorID: 0x1234, ProductID: 0x5678}}
	idx, err := s.selectCandidate(candidates)
	if err != nil {
		t.Fatalf("selectCandidate: %v", err)
	}
	if idx != -1 {
		t.Fatalf("idx = %d, want -1", idx)
	}
}

func TestSelectCandidateSingleAutoSelects(t *testing.T) {
	s := &Supervisor{opts: Options{Log: discardLogger()}}
	candidates := []hidtypes.CompoundDevice{{VendorID: 0x1234, ProductID: 0x5678}}
	idx, err := s.selectCandidate(candidates)
	if err != nil {
		t.Fatalf("selectCandidate: %v", err)
	}
	if idx != 0 {
		t.Fatalf("idx = %d, want 0", idx)
	}
}

func TestSelectCandidateMultipleUsesPrompt(t *testing.T) {
	promptCalled := false
	s := &Supervisor{opts: Options{
		Log: discardLogger(),
		Prompt: func(candidates []hidtypes.CompoundDevice) (int, error) {
			promptCalled = true
			return 1, nil
		},
	}}
	candidates := []hidtypes.CompoundDevice{
		{VendorID: 0x1111, ProductID: 0x1111},
		{VendorID: 0x2222, ProductID: 0x2222},
	}
	idx, err := s.selectCandidate(candidates)
	if err != nil {
		t.Fatalf("selectCandidate: %v", err)
	}
	if !promptCalled {
		t.Fatal("expected the prompt to be invoked for multiple candidates with no target")
	}
	if idx != 1 {
		t.Fatalf("idx = %d, want 1", idx)
	}
}

func TestSelectCandidateMultipleNoPromptDefaultsFirst(t *testing.T) {
	s := &Supervisor{opts: Options{Log: discardLogger()}}
	candidates := []hidtypes.CompoundDevice{
		{VendorID: 0x1111, ProductID: 0x1111},
		{VendorID: 0x2222, ProductID: 0x2222},
	}
	idx, err := s.selectCandidate(candidates)
	if err != nil {
		t.Fatalf("selectCandidate: %v", err)
	}
	if idx != 0 {
		t.Fatalf("idx = %d, want 0 with no prompt configured", idx)
	}
}

func TestBuildMachineTransitionTable(t *testing.T) {
	s := &Supervisor{opts: Options{Log: discardLogger()}}
	m, err := s.buildMachine()
	if err != nil {
		t.Fatalf("buildMachine: %v", err)
	}
	if m.State() != "INIT" {
		t.Fatalf("initial state = %q, want INIT", m.State())
	}

	steps := []struct {
		trigger string
		want    string
	}{
		{"start", "DISCOVER"},
		{"found", "SELECT"},
		{"chosen", "PREPARE"},
		{"ready", "BUILD_GADGET"},
		{"built", "AWAIT_HOST"},
		{"host_ready", "RUN"},
		{"loop_exited", "TEARDOWN"},
		{"rediscover", "DISCOVER"},
	}
	ctx := context.Background()
	for _, step := range steps {
		if err := m.Fire(ctx, step.trigger); err != nil {
			t.Fatalf("Fire(%q) from %q: %v", step.trigger, m.State(), err)
		}
		if m.State() != step.want {
			t.Fatalf("after Fire(%q): state = %q, want %q", step.trigger, m.State(), step.want)
		}
	}
}

func TestBuildMachineEmptyAndNoMatchBranches(t *testing.T) {
	s := &Supervisor{opts: Options{Log: discardLogger()}}
	m, err := s.buildMachine()
	if err != nil {
		t.Fatalf("buildMachine: %v", err)
	}
	ctx := context.Background()
	if err := m.Fire(ctx, "start"); err != nil {
		t.Fatal(err)
	}
	if err := m.Fire(ctx, "empty"); err != nil {
		t.Fatal(err)
	}
	if m.State() != "WAIT_HOTPLUG" {
		t.Fatalf("state after empty = %q, want WAIT_HOTPLUG", m.State())
	}
	if err := m.Fire(ctx, "rediscover"); err != nil {
		t.Fatal(err)
	}
	if err := m.Fire(ctx, "found"); err != nil {
		t.Fatal(err)
	}
	if err := m.Fire(ctx, "no_match"); err != nil {
		t.Fatal(err)
	}
	if m.State() != "WAIT_HOTPLUG" {
		t.Fatalf("state after no_match = %q, want WAIT_HOTPLUG", m.State())
	}
}

func TestBuildMachineGadgetBuildFailedBranch(t *testing.T) {
	s := &Supervisor{opts: Options{Log: discardLogger()}}
	m, err := s.buildMachine()
	if err != nil {
		t.Fatalf("buildMachine: %v", err)
	}
	ctx := context.Background()
	for _, trigger := range []string{"start", "found", "chosen", "ready"} {
		if err := m.Fire(ctx, trigger); err != nil {
			t.Fatal(err)
		}
	}
	if m.State() != "BUILD_GADGET" {
		t.Fatalf("state = %q, want BUILD_GADGET", m.State())
	}
	if err := m.Fire(ctx, "build_failed"); err != nil {
		t.Fatal(err)
	}
	if m.State() != "COOLDOWN" {
		t.Fatalf("state after build_failed = %q, want COOLDOWN", m.State())
	}
	if err := m.Fire(ctx, "rediscover"); err != nil {
		t.Fatal(err)
	}
	if m.State() != "DISCOVER" {
		t.Fatalf("state after cooldown rediscover = %q, want DISCOVER", m.State())
	}
}

func TestFirstNonEmpty(t *testing.T) {
	if got := firstNonEmpty("", "", "c"); got != "c" {
		t.Fatalf("firstNonEmpty = %q, want c", got)
	}
	if got := firstNonEmpty("a", "b"); got != "a" {
		t.Fatalf("firstNonEmpty = %q, want a", got)
	}
	if got := firstNonEmpty("", ""); got != "" {
		t.Fatalf("firstNonEmpty = %q, want empty", got)
	}
}

func TestPromptTableValidSelection(t *testing.T) {
	candidates := []hidtypes.CompoundDevice{
		{VendorID: 0x1111, ProductID: 0x1111},
		{VendorID: 0x2222, ProductID: 0x2222},
	}
	out := &strings.Builder{}
	idx, err := PromptTable(out, strings.NewReader("1\n"), candidates)
	if err != nil {
		t.Fatalf("PromptTable: %v", err)
	}
	if idx != 1 {
		t.Fatalf("idx = %d, want 1", idx)
	}
}

func TestPromptTableReprompts(t *testing.T) {
	candidates := []hidtypes.CompoundDevice{
		{VendorID: 0x1111, ProductID: 0x1111},
		{VendorID: 0x2222, ProductID: 0x2222},
	}
	out := &strings.Builder{}
	idx, err := PromptTable(out, strings.NewReader("nope\n5\n0\n"), candidates)
	if err != nil {
		t.Fatalf("PromptTable: %v", err)
	}
	if idx != 0 {
		t.Fatalf("idx = %d, want 0", idx)
	}
	if !strings.Contains(out.String(), "invalid input") || !strings.Contains(out.String(), "out of range") {
		t.Fatalf("expected both reprompt messages, got: %s", out.String())
	}
}
