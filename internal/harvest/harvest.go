// SPDX-License-Identifier: BSD-3-Clause

//go:build linux
// +build linux

// Package harvest enumerates USB devices and extracts HID interfaces:
// endpoints, class/subclass/protocol, strings, BCD versions, and the raw
// HID report descriptor. Grounded on original_source/src/device.rs's
// enumeration/BCD-conversion walk and on the gousb usage pattern seen in
// other_examples' daedaluz/gousb HID wrapper, implemented against
// github.com/google/gousb.
package harvest

import (
	"context"
	"fmt"
	"time"

	"github.com/google/gousb"

	"github.com/hidproxy/hid-proxy/internal/hidtypes"
)

const (
	classHID = 0x03

	descriptorTypeHIDReport = 0x22

	reqGetDescriptorIn = gousb.ControlIn | gousb.ControlStandard | gousb.ControlInterface
	bRequestGetDesc    = 0x06

	getDescriptorTimeout = 2 * time.Second
)

// Harvester enumerates devices using a shared libusb context.
type Harvester struct {
	ctx *gousb.Context
}

// New opens a libusb context for the harvester's lifetime. Callers must
// call Close when the harvester is no longer needed.
func New() *Harvester {
	return &Harvester{ctx: gousb.NewContext()}
}

// Close releases the underlying libusb context.
func (h *Harvester) Close() error {
	return h.ctx.Close()
}

// Enumerate walks every USB device visible on the bus and extracts every
// HID interface into CompoundDevice records keyed by (bus, address).
// Devices that cannot be opened or read are silently skipped rather than
// aborting the whole enumeration.
func (h *Harvester) Enumerate(ctx context.Context) ([]hidtypes.CompoundDevice, error) {
	// OpenDevices reports an error if any single device failed to open but
	// still returns the ones that did; only an empty result is fatal.
	devices, err := h.ctx.OpenDevices(func(desc *gousb.DeviceDesc) bool { return true })
	if err != nil && len(devices) == 0 {
		return nil, fmt.Errorf("harvest: listing devices: %w", err)
	}
	defer func() {
		for _, d := range devices {
			_ = d.Close()
		}
	}()

	byAddr := make(map[[2]uint8]*hidtypes.CompoundDevice)
	var order [][2]uint8

	for _, dev := range devices {
		ifaces := harvestDevice(dev)
		if len(ifaces) == 0 {
			continue
		}
		key := [2]uint8{uint8(dev.Desc.Bus), uint8(dev.Desc.Address)}
		cd, ok := byAddr[key]
		if !ok {
			manufacturer, _ := dev.Manufacturer()
			product, _ := dev.Product()
			serial, _ := dev.SerialNumber()
			cd = &hidtypes.CompoundDevice{
				VendorID:     uint16(dev.Desc.Vendor),
				ProductID:    uint16(dev.Desc.Product),
				Bus:          uint8(dev.Desc.Bus),
				Address:      uint8(dev.Desc.Address),
				Manufacturer: manufacturer,
				Product:      product,
				Serial:       serial,
			}
			byAddr[key] = cd
			order = append(order, key)
		}
		cd.Interfaces = append(cd.Interfaces, ifaces...)
	}

	out := make([]hidtypes.CompoundDevice, 0, len(order))
	for _, key := range order {
		out = append(out, *byAddr[key])
	}
	return out, nil
}

// harvestDevice extracts every usable HID interface from one device,
// swallowing per-interface errors so one misbehaving interface never hides
// a usable sibling.
func harvestDevice(dev *gousb.Device) []hidtypes.Interface {
	cfgDesc, err := dev.ConfigDescription(1)
	if err != nil {
		return nil
	}

	var out []hidtypes.Interface
	for _, ifaceDesc := range cfgDesc.Interfaces {
		for _, alt := range ifaceDesc.AltSettings {
			if alt.Class != gousb.ClassHID {
				continue
			}

			var epIn, epOut gousb.EndpointDesc
			var haveIn, haveOut bool
			for _, ep := range alt.Endpoints {
				if ep.TransferType != gousb.TransferTypeInterrupt {
					continue
				}
				if ep.Direction == gousb.EndpointDirectionIn {
					epIn, haveIn = ep, true
				} else {
					epOut, haveOut = ep, true
				}
			}
			if !haveIn {
				continue
			}

			_ = dev.SetAutoDetach(true)

			reportDesc, err := fetchReportDescriptor(dev, byte(ifaceDesc.Number))
			if err != nil || len(reportDesc) == 0 {
				continue
			}

			reportLength := epIn.MaxPacketSize
			if reportLength == 0 {
				reportLength = 64
			}

			iface := hidtypes.Interface{
				InterfaceNumber: byte(ifaceDesc.Number),
				Class:           byte(alt.Class),
				Subclass:        byte(alt.SubClass),
				Protocol:        protocolFor(byte(alt.Protocol)),
				ReportLength:    reportLength,
				EndpointIn:      uint8(epIn.Number) | 0x80,
				ReportDesc:      reportDesc,
				BCDUSB:          packBCD(dev.Desc.Spec),
				BCDDevice:       packBCD(dev.Desc.Device),
			}
			if haveOut {
				iface.EndpointOut = uint8(epOut.Number)
				iface.HasEndpointOut = true
			}
			out = append(out, iface)
		}
	}
	return out
}

func protocolFor(p byte) hidtypes.Protocol {
	switch p {
	case 1:
		return hidtypes.ProtocolKeyboard
	case 2:
		return hidtypes.ProtocolMouse
	default:
		return hidtypes.ProtocolNone
	}
}

// packBCD converts a gousb.Version (itself already a packed BCD-ish value
// in recent gousb releases) into the (major<<8)|(minor<<4)|sub_minor form
// USB descriptors use for bcdHID/bcdDevice fields.
func packBCD(v gousb.Version) uint16 {
	major, minor, sub := v.Major(), v.Minor(), v.SubMinor()
	return uint16(major)<<8 | uint16(minor)<<4 | uint16(sub)
}

func fetchReportDescriptor(dev *gousb.Device, interfaceNumber byte) ([]byte, error) {
	buf := make([]byte, 4096)
	n, err := dev.Control(
		reqGetDescriptorIn,
		bRequestGetDesc,
		uint16(descriptorTypeHIDReport)<<8,
		uint16(interfaceNumber),
		buf,
	)
	if err != nil {
		return nil, err
	}
	return buf[:n], nil
}

const (
	reqSetReportOut = gousb.ControlOut | gousb.ControlClass | gousb.ControlInterface
	bRequestSetRpt  = 0x09
	setReportValue  = 0x0200 // Output, report id 0

	setReportTimeout  = 100 * time.Millisecond
	interruptOutTimeo = 100 * time.Millisecond
)

// Session wraps one opened, claimed USB interface for the lifetime of a
// router loop pair. It satisfies internal/router's Device interface
// without that package needing to import gousb directly.
type Session struct {
	dev   *gousb.Device
	cfg   *gousb.Config
	iface *gousb.Interface
	in    *gousb.InEndpoint
	out   *gousb.OutEndpoint // nil when the interface has no OUT endpoint
}

// Open claims one interface of the device at bus/address and prepares its
// endpoints for the router loop pair. bus/address identify the physical device;
// interfaceNumber/endpointIn/endpointOut/hasOut come from the harvested
// Interface record.
func (h *Harvester) Open(ctx context.Context, bus, address uint8, interfaceNumber byte, endpointIn, endpointOut uint8, hasOut bool) (*Session, error) {
	devices, err := h.ctx.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		return uint8(desc.Bus) == bus && uint8(desc.Address) == address
	})
	if err != nil || len(devices) == 0 {
		return nil, fmt.Errorf("harvest: target device vanished before open: %w", err)
	}
	dev := devices[0]

	_ = dev.SetAutoDetach(true)

	cfg, err := dev.Config(1)
	if err != nil {
		return nil, fmt.Errorf("harvest: claiming config: %w", err)
	}
	iface, err := cfg.Interface(int(interfaceNumber), 0)
	if err != nil {
		return nil, fmt.Errorf("harvest: claiming interface %d: %w", interfaceNumber, err)
	}

	in, err := iface.InEndpoint(int(endpointIn & 0x7f))
	if err != nil {
		return nil, fmt.Errorf("harvest: opening IN endpoint: %w", err)
	}

	s := &Session{dev: dev, cfg: cfg, iface: iface, in: in}
	if hasOut {
		out, err := iface.OutEndpoint(int(endpointOut))
		if err != nil {
			return nil, fmt.Errorf("harvest: opening OUT endpoint: %w", err)
		}
		s.out = out
	}
	return s, nil
}

// Close releases the claimed interface and config.
func (s *Session) Close() error {
	s.iface.Close()
	return s.cfg.Close()
}

// ReadInterruptIn implements internal/router's Device interface.
func (s *Session) ReadInterruptIn(ctx context.Context, timeout time.Duration, buf []byte) (int, error) {
	readCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return s.in.ReadContext(readCtx, buf)
}

// WriteInterruptOut implements internal/router's Device interface.
func (s *Session) WriteInterruptOut(data []byte) error {
	if s.out == nil {
		return fmt.Errorf("harvest: interface has no OUT endpoint")
	}
	ctx, cancel := context.WithTimeout(context.Background(), interruptOutTimeo)
	defer cancel()
	_, err := s.out.WriteContext(ctx, data)
	return err
}

// SetReportControl implements internal/router's Device interface: the
// SET_REPORT control-transfer fallback used when the interface has no
// interrupt-OUT endpoint.
func (s *Session) SetReportControl(interfaceNumber byte, data []byte) error {
	_, err := s.dev.Control(reqSetReportOut, bRequestSetRpt, setReportValue, uint16(interfaceNumber), data)
	return err
}
