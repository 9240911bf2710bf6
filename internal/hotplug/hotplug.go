// SPDX-License-Identifier: BSD-3-Clause

//go:build linux
// +build linux

// Package hotplug wraps a udev netlink monitor filtered to the usb
// subsystem, used by the Supervisor's WAIT_HOTPLUG state to wake up as
// soon as a device is plugged in rather than purely polling. Grounded on
// other_examples/85028bb9_rosmo-go-hidproxy's udev.Udev{}/NewMonitorFromNetlink
// usage, narrowed from the Bluetooth subsystem filter there to "usb".
package hotplug

import (
	"context"

	"github.com/jochenvg/go-udev"
)

// Watcher emits a device on Events for every udev event in the usb
// subsystem (any action, not only add/remove).
type Watcher struct {
	Events <-chan *udev.Device
	cancel context.CancelFunc
}

// Watch starts a netlink monitor scoped to the usb subsystem. Call Close to
// stop it. Errors starting the monitor are non-fatal to the caller: Watch
// then returns a Watcher whose Events channel is nil, which a select treats
// as never ready, so callers fall back to pure polling.
func Watch(ctx context.Context) *Watcher {
	u := udev.Udev{}
	m := u.NewMonitorFromNetlink("udev")
	if err := m.FilterAddMatchSubsystem("usb"); err != nil {
		return &Watcher{}
	}

	watchCtx, cancel := context.WithCancel(ctx)
	ch, err := m.DeviceChan(watchCtx)
	if err != nil {
		cancel()
		return &Watcher{}
	}
	return &Watcher{Events: ch, cancel: cancel}
}

// Close stops the monitor, if one was started.
func (w *Watcher) Close() {
	if w.cancel != nil {
		w.cancel()
	}
}
