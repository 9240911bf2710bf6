// SPDX-License-Identifier: BSD-3-Clause

// Package script implements the Script Host: it resolves, loads, and
// compiles a user script, owns its persistent goja runtime, and exposes
// the binding surface (timestamp, hex formatting, virtual-interface
// creation, Interface handles) scripts use to inspect and transform HID
// traffic. Grounded on original_source/src/scripting.rs's
// load/compile/scope lifecycle and bindings.rs's
// native-function-registration pattern, reimplemented against
// github.com/dop251/goja in place of Rhai.
package script

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/dop251/goja"

	"github.com/hidproxy/hid-proxy/internal/hiderrors"
	"github.com/hidproxy/hid-proxy/internal/hidtypes"
	"github.com/hidproxy/hid-proxy/internal/virtualhid"
)

const systemScriptDir = "/usr/local/share/hid-proxy/examples"

// Resolve finds the absolute path of a named script, checking, in order:
// as given, ./examples/<name>, and the system-wide share directory; each
// location is also tried with a ".js" suffix appended. Mirrors
// original_source/src/setup.rs's resolve_script_path.
func Resolve(name string) (string, error) {
	candidates := []string{
		name,
		filepath.Join("examples", name),
		filepath.Join(systemScriptDir, name),
	}
	for _, c := range candidates {
		if _, err := os.Stat(c); err == nil {
			return filepath.Abs(c)
		}
		withSuffix := c + ".js"
		if _, err := os.Stat(withSuffix); err == nil {
			return filepath.Abs(withSuffix)
		}
	}
	return "", &hiderrors.ScriptError{Kind: hiderrors.ScriptNotFound, Err: fmt.Errorf("script %q not found", name)}
}

// Handle wraps a hidtypes.InterfaceHandle for exposure to goja: exported
// methods become the JS-visible method set via goja's reflection binding.
type Handle struct {
	h        hidtypes.InterfaceHandle
	onDevice func(direction string, data []byte) error
}

func (h Handle) IsPhysical() bool { return h.h.IsPhysical() }
func (h Handle) IsVirtual() bool  { return h.h.IsVirtual() }
func (h Handle) IsKeyboard() bool { return h.h.IsKeyboard() }
func (h Handle) IsMouse() bool    { return h.h.IsMouse() }

// SendTo is valid only on a physical handle: "IN" writes to the gadget
// writer for this index, "OUT" writes to the physical device. Wrong
// direction or handle kind returns an error, which the script sees as a
// thrown exception; it never ends the session. Nothing is logged here: an
// uncaught exception makes Process or Tick return a ScriptRuntime error,
// and the router drops Process errors without logging them.
func (h Handle) SendTo(direction string, data []goja.Value) error {
	if !h.h.IsPhysical() {
		return fmt.Errorf("send_to called on a non-physical interface")
	}
	bytes := toBytes(data)
	switch direction {
	case "IN":
		return h.h.State.WriteGadget(h.h.Index, bytes)
	case "OUT":
		if h.onDevice != nil {
			return h.onDevice("OUT", bytes)
		}
		return fmt.Errorf("no device sink bound for OUT direction")
	default:
		return fmt.Errorf("invalid direction %q", direction)
	}
}

// SendReport is valid only on a virtual handle: writes to the gadget
// writer for this index.
func (h Handle) SendReport(data []goja.Value) error {
	if !h.h.IsVirtual() {
		return fmt.Errorf("send_report called on a non-virtual interface")
	}
	return h.h.State.WriteGadget(h.h.Index, toBytes(data))
}

func toBytes(values []goja.Value) []byte {
	out := make([]byte, len(values))
	for i, v := range values {
		out[i] = byte(v.ToInteger())
	}
	return out
}

// DeviceInfo exposes the primary physical interface's identity fields to
// scripts (vendor_id, product_id, interface_num, protocol, product_string).
type DeviceInfo struct {
	VendorID      uint16
	ProductID     uint16
	InterfaceNum  byte
	Protocol      hidtypes.Protocol
	ProductString string
}

// Host owns one proxy session's compiled script and persistent scope.
type Host struct {
	vm       *goja.Runtime
	mu       sync.Mutex
	hasInit  bool
	hasProc  bool
	hasTick  bool
	present  bool
	state    *hidtypes.GlobalState
	registry *virtualhid.Registry
}

// Load reads scriptPath (already resolved; empty means no script, and the
// resulting Host drops every report because nothing calls send_to),
// registers bindings, and compiles the program. Compilation failure is a
// fatal ScriptError for the session.
func Load(scriptPath string, state *hidtypes.GlobalState, device DeviceInfo, onDevice func(direction string, data []byte) error) (*Host, error) {
	h := &Host{state: state, registry: virtualhid.NewRegistry(state)}
	if scriptPath == "" {
		return h, nil
	}

	src, err := os.ReadFile(scriptPath)
	if err != nil {
		return nil, &hiderrors.ScriptError{Kind: hiderrors.ScriptNotFound, Err: err}
	}

	vm := goja.New()
	h.registerBindings(vm, device, onDevice)

	if _, err := vm.RunScript(scriptPath, string(src)); err != nil {
		return nil, &hiderrors.ScriptError{Kind: hiderrors.ScriptCompile, Err: err}
	}

	h.vm = vm
	h.present = true
	h.hasInit = isCallable(vm, "init")
	h.hasProc = isCallable(vm, "process")
	h.hasTick = isCallable(vm, "tick")
	return h, nil
}

func isCallable(vm *goja.Runtime, name string) bool {
	_, ok := goja.AssertFunction(vm.Get(name))
	return ok
}

func (h *Host) registerBindings(vm *goja.Runtime, device DeviceInfo, onDevice func(string, []byte) error) {
	_ = vm.Set("get_timestamp_ms", func() int64 {
		return time.Now().UnixMilli()
	})
	_ = vm.Set("to_hex", func(n, width int64) string {
		return fmt.Sprintf("%0*x", width, n)
	})
	_ = vm.Set("create_virtual_keyboard", func() goja.Value {
		idx := h.registry.RequestKeyboard()
		return h.wrapHandle(vm, idx, hidtypes.VirtualKeyboard, onDevice)
	})
	_ = vm.Set("create_virtual_mouse", func() goja.Value {
		idx := h.registry.RequestMouse()
		return h.wrapHandle(vm, idx, hidtypes.VirtualMouse, onDevice)
	})
	_ = vm.Set("device", map[string]any{
		"vendor_id":      device.VendorID,
		"product_id":     device.ProductID,
		"interface_num":  device.InterfaceNum,
		"protocol":       device.Protocol,
		"product_string": device.ProductString,
	})
}

func (h *Host) wrapHandle(vm *goja.Runtime, index int, kind hidtypes.VirtualKind, onDevice func(string, []byte) error) goja.Value {
	if index < 0 {
		// Registry already frozen: return an inert handle whose methods
		// always fail loudly rather than panicking the script.
		return vm.ToValue(Handle{h: hidtypes.InterfaceHandle{Kind: hidtypes.HandleVirtual, Index: -1, VKind: kind, State: h.state}})
	}
	return vm.ToValue(Handle{
		h:        hidtypes.InterfaceHandle{Kind: hidtypes.HandleVirtual, Index: index, VKind: kind, State: h.state},
		onDevice: onDevice,
	})
}

// PhysicalHandle builds the Interface handle for a physical interface,
// bound to a device-side sink used for the OUT direction of send_to.
// protocol carries the harvested interface's boot-protocol role through to
// the handle's is_keyboard/is_mouse so a compound device's script can tell
// its interfaces apart.
func (h *Host) PhysicalHandle(index int, protocol hidtypes.Protocol, onDevice func(direction string, data []byte) error) Handle {
	return Handle{
		h:        hidtypes.InterfaceHandle{Kind: hidtypes.HandlePhysical, Index: index, Protocol: protocol, State: h.state},
		onDevice: onDevice,
	}
}

// RunInit invokes init() once, if defined. The only script-visible globals
// are the bindings registered at Load time (including device); no
// global_state variable is exposed.
// A missing function is silent; any other error is returned for the
// caller to log as a warning.
func (h *Host) RunInit(ctx context.Context) error {
	if !h.present || !h.hasInit {
		return nil
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	fn, _ := goja.AssertFunction(h.vm.Get("init"))
	_, err := fn(goja.Undefined())
	return err
}

// Freeze finalizes the virtual-interface request list; called once, when
// RunInit returns, before BUILD_GADGET.
func (h *Host) Freeze() []hidtypes.VirtualInterface {
	return h.registry.Freeze()
}

// Process invokes process(interface, direction, bytes) under the scope
// mutex. A script with no process function drops every report silently.
// Forwarding is entirely the script's responsibility via iface's send_to/
// send_report; this function's return value is deliberately not
// interpreted as a payload.
func (h *Host) Process(ctx context.Context, iface Handle, direction string, data []byte) error {
	if !h.present || !h.hasProc {
		return nil
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	fn, _ := goja.AssertFunction(h.vm.Get("process"))
	arr := make([]interface{}, len(data))
	for i, b := range data {
		arr[i] = int(b)
	}
	_, err := fn(goja.Undefined(), h.vm.ToValue(iface), h.vm.ToValue(direction), h.vm.ToValue(arr))
	if err != nil {
		return &hiderrors.ScriptError{Kind: hiderrors.ScriptRuntime, Err: err}
	}
	return nil
}

// Tick invokes tick() under the scope mutex; called at 100Hz by a single
// timer task. Absence is silent.
func (h *Host) Tick(ctx context.Context) error {
	if !h.present || !h.hasTick {
		return nil
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	fn, _ := goja.AssertFunction(h.vm.Get("tick"))
	_, err := fn(goja.Undefined())
	if err != nil {
		return &hiderrors.ScriptError{Kind: hiderrors.ScriptRuntime, Err: err}
	}
	return nil
}

// HasScript reports whether a script was loaded (vs. a pass-through-less
// no-op session run without --script).
func (h *Host) HasScript() bool { return h.present }
