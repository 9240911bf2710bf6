// SPDX-License-Identifier: BSD-3-Clause

// Package virtualhid holds the canonical boot-protocol HID report
// descriptors for synthetic keyboard and mouse interfaces, and the request
// queue scripts populate during init. Descriptor bytes are taken verbatim
// from original_source/src/virtual_device.rs, which takes precedence over
// u-bmc's own pkg/usb/hid.go descriptors (an absolute-axis, report-ID
// mouse variant unsuited to boot protocol).
package virtualhid

import "github.com/hidproxy/hid-proxy/internal/hidtypes"

// KeyboardReportDescriptor is the 8-byte boot-protocol keyboard report:
// one modifier byte, one reserved byte, six keycode bytes as input; one LED
// byte as output.
var KeyboardReportDescriptor = []byte{
	0x05, 0x01, // Usage Page (Generic Desktop)
	0x09, 0x06, // Usage (Keyboard)
	0xA1, 0x01, // Collection (Application)
	0x05, 0x07, // Usage Page (Key Codes)
	0x19, 0xE0, // Usage Minimum (224)
	0x29, 0xE7, // Usage Maximum (231)
	0x15, 0x00, // Logical Minimum (0)
	0x25, 0x01, // Logical Maximum (1)
	0x75, 0x01, // Report Size (1)
	0x95, 0x08, // Report Count (8)
	0x81, 0x02, // Input (Data, Var, Abs)
	0x95, 0x01, // Report Count (1)
	0x75, 0x08, // Report Size (8)
	0x81, 0x01, // Input (Constant)
	0x95, 0x06, // Report Count (6)
	0x75, 0x08, // Report Size (8)
	0x15, 0x00, // Logical Minimum (0)
	0x25, 0x65, // Logical Maximum (101)
	0x05, 0x07, // Usage Page (Key Codes)
	0x19, 0x00, // Usage Minimum (0)
	0x29, 0x65, // Usage Maximum (101)
	0x81, 0x00, // Input (Data, Array)
	0x05, 0x08, // Usage Page (LEDs)
	0x19, 0x01, // Usage Minimum (Num Lock)
	0x29, 0x05, // Usage Maximum (Kana)
	0x95, 0x05, // Report Count (5)
	0x75, 0x01, // Report Size (1)
	0x91, 0x02, // Output (Data, Var, Abs)
	0x95, 0x01, // Report Count (1)
	0x75, 0x03, // Report Size (3)
	0x91, 0x03, // Output (Const, Var, Abs)
	0xC0, // End Collection
}

// MouseReportDescriptor is the boot-protocol mouse report: 5 buttons plus 3
// padding bits, then signed relative X, Y, wheel bytes.
var MouseReportDescriptor = []byte{
	0x05, 0x01, // Usage Page (Generic Desktop)
	0x09, 0x02, // Usage (Mouse)
	0xA1, 0x01, // Collection (Application)
	0x09, 0x01, //   Usage (Pointer)
	0xA1, 0x00, //   Collection (Physical)
	0x05, 0x09, //     Usage Page (Buttons)
	0x19, 0x01, //     Usage Minimum (1)
	0x29, 0x05, //     Usage Maximum (5)
	0x15, 0x00, //     Logical Minimum (0)
	0x25, 0x01, //     Logical Maximum (1)
	0x95, 0x05, //     Report Count (5)
	0x75, 0x01, //     Report Size (1)
	0x81, 0x02, //     Input (Data, Variable, Absolute)
	0x95, 0x01, //     Report Count (1)
	0x75, 0x03, //     Report Size (3)
	0x81, 0x01, //     Input (Constant)
	0x05, 0x01, //     Usage Page (Generic Desktop)
	0x09, 0x30, //     Usage (X)
	0x09, 0x31, //     Usage (Y)
	0x09, 0x38, //     Usage (Wheel)
	0x15, 0x81, //     Logical Minimum (-127)
	0x25, 0x7F, //     Logical Maximum (127)
	0x75, 0x08, //     Report Size (8)
	0x95, 0x03, //     Report Count (3)
	0x81, 0x06, //     Input (Data, Variable, Relative)
	0xC0,       //   End Collection
	0xC0,       // End Collection
}

// Descriptor returns the canonical VirtualInterface for kind.
func Descriptor(kind hidtypes.VirtualKind) hidtypes.VirtualInterface {
	switch kind {
	case hidtypes.VirtualKeyboard:
		return hidtypes.VirtualInterface{
			Kind:         hidtypes.VirtualKeyboard,
			ReportDesc:   KeyboardReportDescriptor,
			Protocol:     hidtypes.ProtocolKeyboard,
			Subclass:     0,
			ReportLength: 8,
		}
	case hidtypes.VirtualMouse:
		return hidtypes.VirtualInterface{
			Kind:         hidtypes.VirtualMouse,
			ReportDesc:   MouseReportDescriptor,
			Protocol:     hidtypes.ProtocolMouse,
			Subclass:     0,
			ReportLength: 4,
		}
	default:
		panic("virtualhid: unknown kind")
	}
}

// Registry holds the ordered list of virtual-interface requests a script
// makes during init. Writable only until Freeze is called.
type Registry struct {
	state *hidtypes.GlobalState
}

// NewRegistry binds a Registry to the session's GlobalState, which owns the
// actual request list and its freeze flag (see hidtypes.GlobalState).
func NewRegistry(state *hidtypes.GlobalState) *Registry {
	return &Registry{state: state}
}

// RequestKeyboard enqueues a virtual keyboard request and returns its
// assigned gadget index, or -1 if the registry is already frozen.
func (r *Registry) RequestKeyboard() int {
	return r.state.RequestVirtual(hidtypes.VirtualKeyboard)
}

// RequestMouse enqueues a virtual mouse request and returns its assigned
// gadget index, or -1 if the registry is already frozen.
func (r *Registry) RequestMouse() int {
	return r.state.RequestVirtual(hidtypes.VirtualMouse)
}

// Freeze finalizes the request list; called once, when init returns.
func (r *Registry) Freeze() []hidtypes.VirtualInterface {
	kinds := r.state.FreezeVirtualRequests()
	out := make([]hidtypes.VirtualInterface, len(kinds))
	for i, k := range kinds {
		out[i] = Descriptor(k)
	}
	return out
}
