// SPDX-License-Identifier: BSD-3-Clause

// Package termstate toggles the controlling terminal's ECHO flag, used to
// hide keystrokes while a proxied physical keyboard is active and restore
// them on exit or the interactive device-selection prompt. Grounded on
// original_source/src/setup.rs's toggle_terminal_echo and the hidraw/
// termios ioctl style seen in other_examples.
package termstate

import "golang.org/x/sys/unix"

// SetEcho enables or disables terminal echo on stdin. Best-effort: errors
// are swallowed, matching toggle_terminal_echo's own disregard for
// tcsetattr's return value (not running from a terminal at all, e.g. under
// systemd, is not an error condition here).
func SetEcho(enable bool) {
	termios, err := unix.IoctlGetTermios(int(unix.Stdin), ioctlGetTermios)
	if err != nil {
		return
	}
	if enable {
		termios.Lflag |= unix.ECHO
	} else {
		termios.Lflag &^= unix.ECHO
	}
	_ = unix.IoctlSetTermios(int(unix.Stdin), ioctlSetTermios, termios)
}
