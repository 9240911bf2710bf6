// SPDX-License-Identifier: BSD-3-Clause

// Package hidtypes holds the data model shared by every component of the
// proxy: harvested physical devices and interfaces, virtual interfaces, the
// tagged handle scripts see, and the per-session global state.
package hidtypes

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/hidproxy/hid-proxy/internal/hiderrors"
)

const gadgetWriteRetry = 1 * time.Millisecond

// ErrHostDisconnected re-exports hiderrors.ErrHostDisconnected for callers
// that only import hidtypes.
var ErrHostDisconnected = hiderrors.ErrHostDisconnected

// Protocol identifies the HID boot-protocol role of an interface.
type Protocol byte

const (
	ProtocolNone     Protocol = 0
	ProtocolKeyboard Protocol = 1
	ProtocolMouse    Protocol = 2
)

// VirtualKind identifies the kind of a synthetic (non-physical) interface.
type VirtualKind int

const (
	VirtualKeyboard VirtualKind = iota
	VirtualMouse
)

func (k VirtualKind) String() string {
	switch k {
	case VirtualKeyboard:
		return "keyboard"
	case VirtualMouse:
		return "mouse"
	default:
		return "unknown"
	}
}

// Interface describes one physical HID interface harvested from a device.
type Interface struct {
	InterfaceNumber byte
	Class           byte
	Subclass        byte
	Protocol        Protocol
	ReportLength    int
	EndpointIn      uint8
	EndpointOut     uint8
	HasEndpointOut  bool
	ReportDesc      []byte
	BCDUSB          uint16
	BCDDevice       uint16
	ProductString   string
}

// VirtualInterface describes one script-requested synthetic interface.
type VirtualInterface struct {
	Kind       VirtualKind
	ReportDesc []byte
	Protocol   Protocol
	Subclass   byte
	// ReportLength is the input-report size: 8 for keyboard, 4 for mouse.
	ReportLength int
}

// CompoundDevice is every physical HID interface sharing one bus address.
type CompoundDevice struct {
	VendorID     uint16
	ProductID    uint16
	Bus          uint8
	Address      uint8
	Manufacturer string
	Product      string
	Serial       string
	Interfaces   []Interface
}

// Matches reports whether target (a lowercase "vvvv:pppp" hex pair) names
// this device's vendor/product id.
func (d CompoundDevice) Matches(target string) bool {
	return target == fmt.Sprintf("%04x:%04x", d.VendorID, d.ProductID)
}

// String renders the row used by the interactive selection table.
func (d CompoundDevice) String() string {
	product := d.Product
	if product == "" {
		product = "Unknown"
	}
	return fmt.Sprintf("%04x:%04x | %03d:%03d | %d ifaces | %s",
		d.VendorID, d.ProductID, d.Bus, d.Address, len(d.Interfaces), product)
}

// HandleKind tags an InterfaceHandle as physical or virtual.
type HandleKind int

const (
	HandlePhysical HandleKind = iota
	HandleVirtual
)

// GlobalState is the process-wide state shared by the router and the
// script host for the duration of one RUN session. Constructed once per
// session, dropped entirely on teardown; never a package-level singleton.
type GlobalState struct {
	TargetInfo     Interface
	PhysicalCount  int
	USBHandle      USBHandle
	writersMu      sync.Mutex
	GadgetWriters  map[int]GadgetWriter
	requestsMu     sync.Mutex
	virtualReqs    []VirtualKind
	virtualsFrozen bool
}

// NewGlobalState builds an empty, unfrozen GlobalState for a new session.
func NewGlobalState(target Interface, physicalCount int, usbHandle USBHandle) *GlobalState {
	return &GlobalState{
		TargetInfo:    target,
		PhysicalCount: physicalCount,
		USBHandle:     usbHandle,
		GadgetWriters: make(map[int]GadgetWriter),
	}
}

// USBHandle is the subset of a physical USB device handle the router and
// script bindings need. No type in this repository implements it: the
// supervisor and the tests pass nil, and device-bound writes go through
// router.Device (implemented by *harvest.Session) instead.
type USBHandle interface {
	WriteInterruptOut(endpoint uint8, data []byte) error
	SetReportControl(interfaceNumber byte, data []byte) error
}

// GadgetWriter is the write half of a gadget character device; satisfied by
// *os.File in production.
type GadgetWriter interface {
	Write(p []byte) (int, error)
}

// SetGadgetWriter installs the writer for gadget index i under the shared
// mutex; called once per index at session start.
func (g *GlobalState) SetGadgetWriter(index int, w GadgetWriter) {
	g.writersMu.Lock()
	defer g.writersMu.Unlock()
	g.GadgetWriters[index] = w
}

// WriteGadget serializes a single write_all to gadget index i, retrying on
// EAGAIN (errno 11) with a 1ms backoff and surfacing ESHUTDOWN (errno 108)
// as ErrHostDisconnected, so a host unbind never looks like an ordinary
// write failure. Both the router and script bindings (send_to/send_report)
// go through this single path, so the mutex covers every writer of a
// given index.
func (g *GlobalState) WriteGadget(index int, data []byte) error {
	g.writersMu.Lock()
	defer g.writersMu.Unlock()

	w, ok := g.GadgetWriters[index]
	if !ok {
		return fmt.Errorf("hidtypes: no gadget writer for index %d", index)
	}

	for {
		_, err := w.Write(data)
		if err == nil {
			return nil
		}
		if errors.Is(err, unix.EAGAIN) {
			time.Sleep(gadgetWriteRetry)
			continue
		}
		if errors.Is(err, unix.ESHUTDOWN) {
			return ErrHostDisconnected
		}
		return fmt.Errorf("hidtypes: gadget write index %d: %w", index, err)
	}
}

// RequestVirtual appends a virtual-interface request during init and
// returns its assigned gadget index, or -1 if the request list is already
// frozen (called from process/tick after init returned).
func (g *GlobalState) RequestVirtual(kind VirtualKind) int {
	g.requestsMu.Lock()
	defer g.requestsMu.Unlock()
	if g.virtualsFrozen {
		return -1
	}
	g.virtualReqs = append(g.virtualReqs, kind)
	return g.PhysicalCount + len(g.virtualReqs) - 1
}

// FreezeVirtualRequests is called once, when init returns, before gadget
// build. Subsequent RequestVirtual calls are rejected.
func (g *GlobalState) FreezeVirtualRequests() []VirtualKind {
	g.requestsMu.Lock()
	defer g.requestsMu.Unlock()
	g.virtualsFrozen = true
	frozen := make([]VirtualKind, len(g.virtualReqs))
	copy(frozen, g.virtualReqs)
	return frozen
}

// InterfaceHandle is the tagged variant scripts hold: Physical(index) or
// Virtual(index, kind), plus a reference to the session's GlobalState.
type InterfaceHandle struct {
	Kind     HandleKind
	Index    int
	VKind    VirtualKind
	Protocol Protocol
	State    *GlobalState
}

func (h InterfaceHandle) IsPhysical() bool { return h.Kind == HandlePhysical }
func (h InterfaceHandle) IsVirtual() bool  { return h.Kind == HandleVirtual }

// IsKeyboard reports whether this handle's interface speaks the keyboard
// boot protocol: a virtual keyboard interface, or a physical interface
// harvested with Interface.Protocol == ProtocolKeyboard.
func (h InterfaceHandle) IsKeyboard() bool {
	if h.Kind == HandleVirtual {
		return h.VKind == VirtualKeyboard
	}
	return h.Protocol == ProtocolKeyboard
}

// IsMouse is IsKeyboard's mouse counterpart.
func (h InterfaceHandle) IsMouse() bool {
	if h.Kind == HandleVirtual {
		return h.VKind == VirtualMouse
	}
	return h.Protocol == ProtocolMouse
}
