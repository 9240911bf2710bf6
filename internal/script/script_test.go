// SPDX-License-Identifier: BSD-3-Clause

package script

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/hidproxy/hid-proxy/internal/hiderrors"
	"github.com/hidproxy/hid-proxy/internal/hidtypes"
)

func TestResolveFindsPlainPath(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "probe.js")
	if err := os.WriteFile(p, []byte("function process(){}"), 0o644); err != nil {
		t.Fatal(err)
	}
	got, err := Resolve(p)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got != p {
		t.Fatalf("Resolve(%q) = %q, want %q", p, got, p)
	}
}

func TestResolveAppliesJsSuffix(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "probe.js")
	if err := os.WriteFile(p, []byte("function process(){}"), 0o644); err != nil {
		t.Fatal(err)
	}
	withoutSuffix := p[:len(p)-len(".js")]
	got, err := Resolve(withoutSuffix)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got != p {
		t.Fatalf("Resolve(%q) = %q, want %q", withoutSuffix, got, p)
	}
}

func TestResolveNotFound(t *testing.T) {
	_, err := Resolve("definitely-not-a-real-script-xyz")
	var scriptErr *hiderrors.ScriptError
	if !errors.As(err, &scriptErr) || scriptErr.Kind != hiderrors.ScriptNotFound {
		t.Fatalf("expected a ScriptNotFound error, got %v", err)
	}
}

func writeTempScript(t *testing.T, src string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "script.js")
	if err := os.WriteFile(p, []byte(src), 0o644); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestLoadEmptyPathHasNoScript(t *testing.T) {
	state := hidtypes.NewGlobalState(hidtypes.Interface{}, 1, nil)
	h, err := Load("", state, DeviceInfo{}, nil)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if h.HasScript() {
		t.Fatalf("expected HasScript() false for an empty path")
	}
	if err := h.RunInit(context.Background()); err != nil {
		t.Fatalf("RunInit on a scriptless host returned an error: %v", err)
	}
	if err := h.Tick(context.Background()); err != nil {
		t.Fatalf("Tick on a scriptless host returned an error: %v", err)
	}
}

func TestLoadCompileFailure(t *testing.T) {
	p := writeTempScript(t, "function process( this is not valid js {")
	state := hidtypes.NewGlobalState(hidtypes.Interface{}, 1, nil)
	_, err := Load(p, state, DeviceInfo{}, nil)
	var scriptErr *hiderrors.ScriptError
	if !errors.As(err, &scriptErr) || scriptErr.Kind != hiderrors.ScriptCompile {
		t.Fatalf("expected a ScriptCompile error, got %v", err)
	}
}

func TestRunInitCreatesVirtualInterfaces(t *testing.T) {
	src := `
	var kbd;
	function init() {
	    kbd = create_virtual_keyboard();
	}
	`
	p := writeTempScript(t, src)
	state := hidtypes.NewGlobalState(hidtypes.Interface{}, 1, nil)
	h, err := Load(p, state, DeviceInfo{}, nil)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := h.RunInit(context.Background()); err != nil {
		t.Fatalf("RunInit: %v", err)
	}

	virtuals := h.Freeze()
	if len(virtuals) != 1 || virtuals[0].Kind != hidtypes.VirtualKeyboard {
		t.Fatalf("expected one frozen virtual keyboard, got %+v", virtuals)
	}
}

func TestProcessForwardsViaSendTo(t *testing.T) {
	src := `
	function process(iface, dir, data) {
	    iface.send_to(dir, data);
	}
	`
	p := writeTempScript(t, src)
	state := hidtypes.NewGlobalState(hidtypes.Interface{}, 1, nil)
	h, err := Load(p, state, DeviceInfo{}, nil)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	var forwarded []byte
	onDevice := func(direction string, data []byte) error {
		forwarded = append([]byte(nil), data...)
		return nil
	}
	iface := h.PhysicalHandle(0, hidtypes.ProtocolNone, onDevice)

	if err := h.Process(context.Background(), iface, "OUT", []byte{9, 8, 7}); err != nil {
		t.Fatalf("Process: %v", err)
	}
	if string(forwarded) != string([]byte{9, 8, 7}) {
		t.Fatalf("forwarded = %v, want [9 8 7]", forwarded)
	}
}

func TestProcessRuntimeErrorIsScriptError(t *testing.T) {
	src := `
	function process(iface, dir, data) {
	    throw new Error("boom");
	}
	`
	p := writeTempScript(t, src)
	state := hidtypes.NewGlobalState(hidtypes.Interface{}, 1, nil)
	h, err := Load(p, state, DeviceInfo{}, nil)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	iface := h.PhysicalHandle(0, hidtypes.ProtocolNone, nil)
	err = h.Process(context.Background(), iface, "IN", []byte{1})
	var scriptErr *hiderrors.ScriptError
	if !errors.As(err, &scriptErr) || scriptErr.Kind != hiderrors.ScriptRuntime {
		t.Fatalf("expected a ScriptRuntime error, got %v", err)
	}
}
