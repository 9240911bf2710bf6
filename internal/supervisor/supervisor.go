// SPDX-License-Identifier: BSD-3-Clause

//go:build linux
// +build linux

// Package supervisor drives the session lifecycle: discovery, device
// selection, script preparation, gadget construction, host-ready wait,
// proxy run, and teardown, looping back to discovery until SIGINT.
// Grounded on original_source/src/main.rs's top-level cycle and
// service/operator/operator.go's supervision-tree construction
// (oversight.New + nursery.RunConcurrentlyWithContext), generalized from
// "one child per named service field" to "one child per physical-interface
// router pair plus one tick-timer child," built fresh per session instead
// of fixed at process start.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"cirello.io/oversight/v2"
	"github.com/arunsworld/nursery"
	"github.com/google/uuid"

	"github.com/hidproxy/hid-proxy/internal/fsm"
	"github.com/hidproxy/hid-proxy/internal/gadget"
	"github.com/hidproxy/hid-proxy/internal/harvest"
	"github.com/hidproxy/hid-proxy/internal/hidtypes"
	"github.com/hidproxy/hid-proxy/internal/hotplug"
	"github.com/hidproxy/hid-proxy/internal/obslog"
	"github.com/hidproxy/hid-proxy/internal/router"
	"github.com/hidproxy/hid-proxy/internal/script"
	"github.com/hidproxy/hid-proxy/internal/termstate"
)

const (
	cooldownAfterBuildFailure = 5 * time.Second
	hotplugPollInterval       = 2 * time.Second
	tickPeriod                = 10 * time.Millisecond
	childRestartTimeout       = 3 * time.Second
)

// Options configures one Supervisor instance; built from CLI flags and an
// optional config file by cmd/hid-proxy.
type Options struct {
	ScriptName string
	Target     string
	Log        *slog.Logger
	// Prompt, when set, renders the interactive selection table and reads
	// the user's choice; nil disables interactive selection (used by
	// tests and by --target-only automation).
	Prompt func(candidates []hidtypes.CompoundDevice) (int, error)
}

// Supervisor owns one run of the INIT..EXIT state machine.
type Supervisor struct {
	opts      Options
	harvester *harvest.Harvester
	machine   *fsm.Machine
	hotplug   *hotplug.Watcher

	candidates []hidtypes.CompoundDevice
	selected   hidtypes.CompoundDevice
	sessionID  string
}

// New builds a Supervisor ready to Run. The Harvester's libusb context is
// owned by the Supervisor and closed on Run's return.
func New(opts Options) *Supervisor {
	return &Supervisor{opts: opts, harvester: harvest.New()}
}

// Run drives sessions until ctx is cancelled (normally by SIGINT). On
// return the configfs gadget, if any, has already been torn down.
func (s *Supervisor) Run(ctx context.Context) error {
	defer s.harvester.Close()

	s.hotplug = hotplug.Watch(ctx)
	defer s.hotplug.Close()

	machine, err := s.buildMachine()
	if err != nil {
		return err
	}
	s.machine = machine

	for ctx.Err() == nil {
		if err := s.runOneCycle(ctx); err != nil {
			if errors.Is(err, context.Canceled) {
				break
			}
			s.opts.Log.Error("session cycle ended in error", "error", err, "state", s.machine.State())
		}
	}

	s.emergencyTeardown(context.Background())
	return nil
}

// buildMachine declares the Supervisor's state graph. Actions are no-ops:
// runOneCycle drives the actual work and uses Fire purely to keep
// s.machine.State() observable for logging and tests.
func (s *Supervisor) buildMachine() (*fsm.Machine, error) {
	states := []string{
		"INIT", "DISCOVER", "WAIT_HOTPLUG", "SELECT", "PREPARE",
		"BUILD_GADGET", "AWAIT_HOST", "RUN", "TEARDOWN", "COOLDOWN",
	}
	transitions := []fsm.Transition{
		{From: "INIT", To: "DISCOVER", Trigger: "start"},
		{From: "DISCOVER", To: "SELECT", Trigger: "found"},
		{From: "DISCOVER", To: "WAIT_HOTPLUG", Trigger: "empty"},
		{From: "WAIT_HOTPLUG", To: "DISCOVER", Trigger: "rediscover"},
		{From: "SELECT", To: "PREPARE", Trigger: "chosen"},
		{From: "SELECT", To: "WAIT_HOTPLUG", Trigger: "no_match"},
		{From: "PREPARE", To: "BUILD_GADGET", Trigger: "ready"},
		{From: "BUILD_GADGET", To: "AWAIT_HOST", Trigger: "built"},
		{From: "BUILD_GADGET", To: "COOLDOWN", Trigger: "build_failed"},
		{From: "COOLDOWN", To: "DISCOVER", Trigger: "rediscover"},
		{From: "AWAIT_HOST", To: "RUN", Trigger: "host_ready"},
		{From: "RUN", To: "TEARDOWN", Trigger: "loop_exited"},
		{From: "TEARDOWN", To: "DISCOVER", Trigger: "rediscover"},
	}
	return fsm.New(fsm.Config{
		Name:         "supervisor",
		InitialState: "INIT",
		States:       states,
		Transitions:  transitions,
		OnTransition: func(trigger, state string) {
			s.opts.Log.Debug("state transition", "trigger", trigger, "state", state)
		},
	})
}

// runOneCycle executes DISCOVER..TEARDOWN (or ..WAIT_HOTPLUG/COOLDOWN) once.
func (s *Supervisor) runOneCycle(ctx context.Context) error {
	if s.machine.State() == "INIT" {
		if err := s.machine.Fire(ctx, "start"); err != nil {
			return err
		}
	}

	candidates, err := s.harvester.Enumerate(ctx)
	if err != nil {
		return fmt.Errorf("supervisor: enumerate: %w", err)
	}
	s.candidates = candidates

	if len(candidates) == 0 {
		_ = s.machine.Fire(ctx, "empty")
		return s.waitForHotplug(ctx)
	}
	_ = s.machine.Fire(ctx, "found")

	idx, err := s.selectCandidate(candidates)
	if err != nil {
		return err
	}
	if idx < 0 {
		_ = s.machine.Fire(ctx, "no_match")
		return s.waitForHotplug(ctx)
	}
	s.selected = candidates[idx]
	_ = s.machine.Fire(ctx, "chosen")

	s.sessionID = uuid.New().String()
	s.opts.Log.Info("session starting", "session_id", s.sessionID, "device", s.selected.String())

	return s.runSession(ctx)
}

// selectCandidate applies the tie-break rules for choosing among harvested
// devices: a --target match wins outright; with no target a single
// candidate auto-selects; otherwise the interactive prompt (if any)
// decides. Returns -1 when the caller should fall back to WAIT_HOTPLUG (a
// target was given but never matched).
func (s *Supervisor) selectCandidate(candidates []hidtypes.CompoundDevice) (int, error) {
	if s.opts.Target != "" {
		for i, c := range candidates {
			if c.Matches(s.opts.Target) {
				return i, nil
			}
		}
		return -1, nil
	}
	if len(candidates) == 1 {
		return 0, nil
	}
	if s.opts.Prompt == nil {
		return 0, nil
	}
	return s.opts.Prompt(candidates)
}

// waitForHotplug blocks until a udev usb event arrives or, absent a
// working udev monitor (or on a quiet bus), the poll interval elapses,
// then re-enters DISCOVER. Hotplug event listening is treated as an
// abstract wait-for-event signal upstream; the udev wiring here is the
// concrete stand-in this implementation chooses.
func (s *Supervisor) waitForHotplug(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.hotplug.Events:
	case <-time.After(hotplugPollInterval):
	}
	return s.machine.Fire(ctx, "rediscover")
}

// runSession carries one device from PREPARE through TEARDOWN.
func (s *Supervisor) runSession(ctx context.Context) error {
	sessionCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	state := hidtypes.NewGlobalState(s.selected.Interfaces[0], len(s.selected.Interfaces), nil)

	scriptPath := ""
	if s.opts.ScriptName != "" {
		p, err := script.Resolve(s.opts.ScriptName)
		if err != nil {
			return fmt.Errorf("supervisor: resolving script: %w", err)
		}
		scriptPath = p
	}

	primary := s.selected.Interfaces[0]
	host, err := script.Load(scriptPath, state, script.DeviceInfo{
		VendorID:      s.selected.VendorID,
		ProductID:     s.selected.ProductID,
		InterfaceNum:  primary.InterfaceNumber,
		Protocol:      primary.Protocol,
		ProductString: s.selected.Product,
	}, nil)
	if err != nil {
		return fmt.Errorf("supervisor: %w", err)
	}

	if err := host.RunInit(sessionCtx); err != nil {
		s.opts.Log.Warn("script init() returned an error", "error", err)
	}
	virtuals := host.Freeze()

	_ = s.machine.Fire(ctx, "ready")

	sessions, err := s.openPhysicalSessions(sessionCtx)
	if err != nil {
		return err
	}
	defer func() {
		for _, sess := range sessions {
			_ = sess.Close()
		}
	}()

	functions := gadget.FunctionsFor(s.selected.Interfaces, virtuals)
	cfg := gadget.Config{
		VendorID:     s.selected.VendorID,
		ProductID:    s.selected.ProductID,
		BCDDevice:    primary.BCDDevice,
		BCDUSB:       primary.BCDUSB,
		Manufacturer: firstNonEmpty(s.selected.Manufacturer, "HID Proxy"),
		Product:      firstNonEmpty(s.selected.Product, "HID Proxy Device"),
		SerialNumber: firstNonEmpty(s.selected.Serial, s.sessionID[:8]),
		Functions:    functions,
	}

	if err := gadget.Create(sessionCtx, cfg); err != nil {
		_ = s.machine.Fire(ctx, "build_failed")
		s.opts.Log.Error("gadget build failed", "error", err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(cooldownAfterBuildFailure):
		}
		return s.machine.Fire(ctx, "rediscover")
	}
	if err := gadget.Bind(sessionCtx); err != nil {
		_ = s.machine.Fire(ctx, "build_failed")
		_ = gadget.Teardown(context.Background())
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(cooldownAfterBuildFailure):
		}
		return s.machine.Fire(ctx, "rediscover")
	}
	_ = s.machine.Fire(ctx, "built")

	gadgetFiles, err := openGadgetFiles(functions)
	if err != nil {
		_ = gadget.Teardown(context.Background())
		return fmt.Errorf("supervisor: opening gadget char devices: %w", err)
	}
	defer func() {
		for _, f := range gadgetFiles {
			_ = f.Close()
		}
	}()
	for i, f := range gadgetFiles {
		state.SetGadgetWriter(i, f)
	}

	notified := false
	if err := gadget.AwaitHostReady(sessionCtx, func() {
		if !notified {
			s.opts.Log.Info("awaiting host enumeration")
			notified = true
		}
	}); err != nil {
		_ = gadget.Teardown(context.Background())
		return fmt.Errorf("supervisor: awaiting host: %w", err)
	}
	_ = s.machine.Fire(ctx, "host_ready")

	runErr := s.runLoops(sessionCtx, sessions, host, state, gadgetFiles)

	_ = s.machine.Fire(context.Background(), "loop_exited")
	s.opts.Log.Info("session ended", "session_id", s.sessionID, "reason", runErr)

	// Zero every gadget function before tearing it down, whether the
	// session ended normally (host disconnect, re-enumeration) or via
	// SIGINT: scenario 6 requires the same 64 zero bytes either way so no
	// key or button is ever left "held" on the upstream host.
	gadget.EmergencyZero(state.GadgetWriters, 64)
	if err := gadget.Teardown(context.Background()); err != nil {
		s.opts.Log.Error("teardown failed", "error", err)
	}
	return s.machine.Fire(context.Background(), "rediscover")
}

// openPhysicalSessions claims every physical interface's USB endpoints.
func (s *Supervisor) openPhysicalSessions(ctx context.Context) ([]*harvest.Session, error) {
	sessions := make([]*harvest.Session, 0, len(s.selected.Interfaces))
	for _, iface := range s.selected.Interfaces {
		sess, err := s.harvester.Open(ctx, s.selected.Bus, s.selected.Address,
			iface.InterfaceNumber, iface.EndpointIn, iface.EndpointOut, iface.HasEndpointOut)
		if err != nil {
			for _, opened := range sessions {
				_ = opened.Close()
			}
			return nil, fmt.Errorf("supervisor: claiming interface %d: %w", iface.InterfaceNumber, err)
		}
		sessions = append(sessions, sess)
	}
	return sessions, nil
}

// runLoops supervises one router.Loop per physical interface plus a 100 Hz
// tick child under an oversight tree, matching service/operator.go's
// NeverHalt+DefaultRestartStrategy+Transient-child construction, and
// returns once every child has exited (normal session end or a fatal
// error). Router loops are added as Transient children, which oversight
// restarts after an error return; each router child cancels the session
// context before it returns, so the tree stops instead and a router loop
// ending ends the whole session rather than being restarted in place.
func (s *Supervisor) runLoops(ctx context.Context, sessions []*harvest.Session, host *script.Host, state *hidtypes.GlobalState, gadgetFiles []*os.File) error {
	tree := oversight.New(
		oversight.NeverHalt(),
		oversight.DefaultRestartStrategy(),
		oversight.WithLogger(obslog.NewOversightLogger(s.opts.Log)),
	)

	sessionCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var firstErr error
	errCh := make(chan error, len(sessions)+1)

	for i, sess := range sessions {
		i, sess := i, sess
		iface := s.selected.Interfaces[i]
		loop := &router.Loop{
			Index:           i,
			Interface:       iface,
			Device:          sess,
			Host:            host,
			State:           state,
			GadgetReadWrite: gadgetFiles[i],
		}
		child := func(ctx context.Context) error {
			err := loop.Run(ctx)
			errCh <- err
			cancel()
			return err
		}
		if err := tree.Add(child, oversight.Transient(), oversight.Timeout(childRestartTimeout), fmt.Sprintf("router-%d", i)); err != nil {
			return fmt.Errorf("supervisor: adding router child %d: %w", i, err)
		}
	}

	tickChild := func(ctx context.Context) error {
		ticker := time.NewTicker(tickPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				if err := host.Tick(ctx); err != nil {
					s.opts.Log.Warn("tick() error", "error", err)
				}
			}
		}
	}
	if err := tree.Add(tickChild, oversight.Transient(), oversight.Timeout(childRestartTimeout), "tick"); err != nil {
		return fmt.Errorf("supervisor: adding tick child: %w", err)
	}

	supervise := func(ctx context.Context, c chan error) {
		c <- tree.Start(ctx)
	}
	await := func(ctx context.Context, c chan error) {
		select {
		case err := <-errCh:
			firstErr = err
			cancel()
		case <-ctx.Done():
		}
		c <- nil
	}
	_ = nursery.RunConcurrentlyWithContext(sessionCtx, supervise, await)
	return firstErr
}

// emergencyTeardown runs once Run's loop observes ctx cancellation.
// runSession already zeroes and tears down the gadget for the session that
// was active at cancellation time, so this is a defensive backstop for a
// gadget left bound by an abnormal exit (e.g. a panic recovered upstream of
// Run); Teardown and SetEcho are both idempotent, so it never double-acts
// on a session that already cleaned up normally.
func (s *Supervisor) emergencyTeardown(ctx context.Context) {
	_ = gadget.Teardown(ctx)
	termstate.SetEcho(true)
}

func openGadgetFiles(functions []gadget.FunctionConfig) ([]*os.File, error) {
	files := make([]*os.File, 0, len(functions))
	for _, fn := range functions {
		f, err := os.OpenFile(gadget.DevicePath(fn.Index), os.O_RDWR, 0)
		if err != nil {
			for _, opened := range files {
				_ = opened.Close()
			}
			return nil, err
		}
		files = append(files, f)
	}
	return files, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// PromptTable renders the fixed tabular device-selection layout to w and
// reads the user's numeric choice from r, re-prompting on invalid input.
// Grounded on original_source/src/main.rs's select_device_interactive.
func PromptTable(w io.Writer, r io.Reader, candidates []hidtypes.CompoundDevice) (int, error) {
	fmt.Fprintln(w, "Multiple HID devices found:")
	for i, c := range candidates {
		fmt.Fprintf(w, "  [%d] %s\n", i, c.String())
	}
	for {
		fmt.Fprint(w, "Select a device by number: ")
		// Read the whole token first so an invalid line is consumed rather
		// than left in r for the next attempt.
		var line string
		if _, err := fmt.Fscanln(r, &line); err != nil {
			fmt.Fprintln(w, "invalid input, try again")
			continue
		}
		var choice int
		if _, err := fmt.Sscan(line, &choice); err != nil {
			fmt.Fprintln(w, "invalid input, try again")
			continue
		}
		if choice < 0 || choice >= len(candidates) {
			fmt.Fprintln(w, "out of range, try again")
			continue
		}
		return choice, nil
	}
}
