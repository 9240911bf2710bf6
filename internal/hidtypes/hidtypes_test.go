// SPDX-License-Identifier: BSD-3-Clause

package hidtypes

import (
	"errors"
	"testing"

	"golang.org/x/sys/unix"
)

type fakeWriter struct {
	writes [][]byte
	errs   []error
}

func (f *fakeWriter) Write(p []byte) (int, error) {
	var err error
	if len(f.errs) > 0 {
		err = f.errs[0]
		f.errs = f.errs[1:]
	}
	if err != nil {
		return 0, err
	}
	cp := append([]byte(nil), p...)
	f.writes = append(f.writes, cp)
	return len(p), nil
}

func TestCompoundDeviceMatches(t *testing.T) {
	d := CompoundDevice{VendorID: 0x046d, ProductID: 0xc52b}
	if !d.Matches("046d:c52b") {
		t.Fatalf("expected match")
	}
	if d.Matches("dead:beef") {
		t.Fatalf("expected no match")
	}
}

func TestWriteGadgetRetriesOnEAGAIN(t *testing.T) {
	w := &fakeWriter{errs: []error{unix.EAGAIN, nil}}
	g := NewGlobalState(Interface{}, 1, nil)
	g.SetGadgetWriter(0, w)

	if err := g.WriteGadget(0, []byte{1, 2, 3}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(w.writes) != 1 || len(w.writes[0]) != 3 {
		t.Fatalf("expected exactly one successful write of 3 bytes, got %v", w.writes)
	}
}

func TestWriteGadgetSurfacesHostDisconnect(t *testing.T) {
	w := &fakeWriter{errs: []error{unix.ESHUTDOWN}}
	g := NewGlobalState(Interface{}, 1, nil)
	g.SetGadgetWriter(0, w)

	err := g.WriteGadget(0, []byte{1})
	if !errors.Is(err, ErrHostDisconnected) {
		t.Fatalf("expected ErrHostDisconnected, got %v", err)
	}
}

func TestWriteGadgetUnknownIndex(t *testing.T) {
	g := NewGlobalState(Interface{}, 1, nil)
	if err := g.WriteGadget(5, []byte{1}); err == nil {
		t.Fatalf("expected error for unknown gadget index")
	}
}

func TestRequestVirtualFreezeDeterminism(t *testing.T) {
	g := NewGlobalState(Interface{}, 2, nil)

	kbdIdx := g.RequestVirtual(VirtualKeyboard)
	mouseIdx := g.RequestVirtual(VirtualMouse)
	if kbdIdx != 2 || mouseIdx != 3 {
		t.Fatalf("expected indices 2,3; got %d,%d", kbdIdx, mouseIdx)
	}

	frozen := g.FreezeVirtualRequests()
	if len(frozen) != 2 || frozen[0] != VirtualKeyboard || frozen[1] != VirtualMouse {
		t.Fatalf("unexpected frozen request order: %v", frozen)
	}

	if idx := g.RequestVirtual(VirtualMouse); idx != -1 {
		t.Fatalf("expected -1 after freeze, got %d", idx)
	}
}

func TestInterfaceHandlePredicates(t *testing.T) {
	state := NewGlobalState(Interface{}, 1, nil)
	phys := InterfaceHandle{Kind: HandlePhysical, Index: 0, State: state}
	if !phys.IsPhysical() || phys.IsVirtual() || phys.IsKeyboard() || phys.IsMouse() {
		t.Fatalf("physical handle predicates wrong: %+v", phys)
	}

	vk := InterfaceHandle{Kind: HandleVirtual, Index: 1, VKind: VirtualKeyboard, State: state}
	if !vk.IsVirtual() || !vk.IsKeyboard() || vk.IsMouse() || vk.IsPhysical() {
		t.Fatalf("virtual keyboard handle predicates wrong: %+v", vk)
	}

	physKbd := InterfaceHandle{Kind: HandlePhysical, Index: 0, Protocol: ProtocolKeyboard, State: state}
	if !physKbd.IsPhysical() || !physKbd.IsKeyboard() || physKbd.IsMouse() {
		t.Fatalf("physical keyboard-protocol handle predicates wrong: %+v", physKbd)
	}

	physMouse := InterfaceHandle{Kind: HandlePhysical, Index: 0, Protocol: ProtocolMouse, State: state}
	if !physMouse.IsPhysical() || !physMouse.IsMouse() || physMouse.IsKeyboard() {
		t.Fatalf("physical mouse-protocol handle predicates wrong: %+v", physMouse)
	}
}
