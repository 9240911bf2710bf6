// SPDX-License-Identifier: BSD-3-Clause

//go:build linux
// +build linux

// Package router implements the Report Router: per physical interface, a
// pair of cooperating loops forwarding reports between the physical
// endpoint and the gadget character device through the script host.
// Grounded on original_source/src/proxy.rs's two-loop shape and 100ms
// timeouts. EAGAIN/ESHUTDOWN handling for gadget writes lives in
// hidtypes.GlobalState.WriteGadget, not here. Loop.Run starts both loops
// and returns when the first one ends, cancelling the other; there are no
// readiness flags or periodic status checks.
package router

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"golang.org/x/sys/unix"

	"github.com/hidproxy/hid-proxy/internal/hiderrors"
	"github.com/hidproxy/hid-proxy/internal/hidtypes"
	"github.com/hidproxy/hid-proxy/internal/script"
)

const interruptReadTimeout = 100 * time.Millisecond

// Device is the subset of a physical USB interface handle a router loop
// needs: blocking interrupt reads, interrupt/control writes. Satisfied by
// *harvest-backed device wrappers in production and a fake in tests.
type Device interface {
	ReadInterruptIn(ctx context.Context, timeout time.Duration, buf []byte) (int, error)
	WriteInterruptOut(data []byte) error
	SetReportControl(interfaceNumber byte, data []byte) error
}

// Loop runs both directions for one physical interface until either side
// ends the session, then returns the terminating error
// (hiderrors.ErrHostDisconnected on a normal host-disconnect end, nil when
// ctx was cancelled).
type Loop struct {
	Index           int
	Interface       hidtypes.Interface
	Device          Device
	Host            *script.Host
	State           *hidtypes.GlobalState
	GadgetReadWrite *os.File
}

// Run starts both directions and blocks until one of them ends the
// session: either direction ending always ends the whole loop.
func (l *Loop) Run(ctx context.Context) error {
	errCh := make(chan error, 2)
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() { errCh <- l.deviceToHost(ctx) }()
	go func() { errCh <- l.hostToDevice(ctx) }()

	err := <-errCh
	cancel()
	<-errCh
	return err
}

func (l *Loop) iface() script.Handle {
	return l.Host.PhysicalHandle(l.Index, l.Interface.Protocol, l.writeToDevice)
}

// deviceToHost reads the interrupt-IN endpoint and hands each nonzero
// report to the script; the script is solely responsible for forwarding
// it onward via an explicit send_to call.
func (l *Loop) deviceToHost(ctx context.Context) error {
	buf := make([]byte, l.Interface.ReportLength)
	iface := l.iface()

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		n, err := l.Device.ReadInterruptIn(ctx, interruptReadTimeout, buf)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			if isTimeout(err) {
				continue
			}
			return &hiderrors.RouterError{Kind: hiderrors.RouterUsbRead, Err: err}
		}
		if n == 0 {
			continue
		}
		// A non-nil return here is always a ScriptError (Process only
		// ever wraps one); the report is dropped either way and the
		// session continues rather than tearing down over a script bug.
		_ = l.Host.Process(ctx, iface, "IN", buf[:n])
	}
}

// hostToDevice reads the gadget character device (host→device direction:
// LED state, output reports) and hands each nonzero read to the script.
// A zero-byte read or any non-timeout I/O error ends the loop as a normal
// session-end condition (host likely disconnected). Each Read is bounded by
// a read deadline, mirroring deviceToHost's interrupt-read timeout, so a
// cancelled ctx is noticed between deadlines instead of leaving this
// goroutine parked in a blocking Read that cancel() cannot interrupt.
func (l *Loop) hostToDevice(ctx context.Context) error {
	buf := make([]byte, 64)
	iface := l.iface()

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		if err := l.GadgetReadWrite.SetReadDeadline(time.Now().Add(interruptReadTimeout)); err != nil {
			return hiderrors.ErrHostDisconnected
		}
		n, err := l.GadgetReadWrite.Read(buf)
		if err != nil {
			if isTimeout(err) {
				continue
			}
			return hiderrors.ErrHostDisconnected
		}
		if n == 0 {
			return hiderrors.ErrHostDisconnected
		}
		_ = l.Host.Process(ctx, iface, "OUT", buf[:n])
	}
}

// writeToDevice implements the OUT half of Interface.send_to: interrupt
// write if the interface has an OUT endpoint, otherwise a SET_REPORT
// control transfer.
func (l *Loop) writeToDevice(direction string, data []byte) error {
	if direction != "OUT" {
		return fmt.Errorf("router: unexpected direction %q for device write", direction)
	}
	if l.Interface.HasEndpointOut {
		return l.Device.WriteInterruptOut(data)
	}
	return l.Device.SetReportControl(l.Interface.InterfaceNumber, data)
}

func isTimeout(err error) bool {
	var to interface{ Timeout() bool }
	if errors.As(err, &to) {
		return to.Timeout()
	}
	return errors.Is(err, context.DeadlineExceeded) || errors.Is(err, unix.ETIMEDOUT)
}
