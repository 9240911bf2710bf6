// SPDX-License-Identifier: BSD-3-Clause

// Package hiderrors defines the error taxonomy used across the proxy:
// flat sentinels for the cases that need only identity comparison, and
// small tagged types for the cases that carry a variant (RouterError,
// ScriptError). Modeled on pkg/usb/errors.go's sentinel-error style.
package hiderrors

import (
	"errors"
	"fmt"
)

var (
	// ErrPreflightFailed is fatal; the process exits 1.
	ErrPreflightFailed = errors.New("preflight check failed")
	// ErrGadgetOperation is session-level; triggers teardown and a 5s
	// cooldown before the supervisor returns to DISCOVER.
	ErrGadgetOperation = errors.New("gadget operation failed")
	// ErrHostDisconnected is a normal session-end condition, not a failure.
	ErrHostDisconnected = errors.New("host disconnected")
)

// RouterErrorKind distinguishes the two ways a router loop can fail.
type RouterErrorKind int

const (
	RouterUsbRead RouterErrorKind = iota
	RouterGadgetWrite
)

// RouterError is a session-level failure originating in a report router
// loop; it always ends the current session and returns to DISCOVER.
type RouterError struct {
	Kind RouterErrorKind
	Err  error
}

func (e *RouterError) Error() string {
	switch e.Kind {
	case RouterGadgetWrite:
		return fmt.Sprintf("router: gadget write: %v", e.Err)
	default:
		return fmt.Sprintf("router: usb read: %v", e.Err)
	}
}

func (e *RouterError) Unwrap() error { return e.Err }

// ScriptErrorKind distinguishes the script-host failure modes.
type ScriptErrorKind int

const (
	// ScriptNotFound: the script file could not be resolved; fatal for
	// the session unless the user opted to run without a script.
	ScriptNotFound ScriptErrorKind = iota
	// ScriptCompile: the script failed to parse/compile; fatal.
	ScriptCompile
	// ScriptRuntime: a callback raised an error; logged, the offending
	// report is dropped, the session continues.
	ScriptRuntime
)

// ScriptError carries a Kind distinguishing fatal load/compile failures
// from non-fatal runtime failures.
type ScriptError struct {
	Kind ScriptErrorKind
	Err  error
}

func (e *ScriptError) Error() string {
	return fmt.Sprintf("script: %v", e.Err)
}

func (e *ScriptError) Unwrap() error { return e.Err }

// Fatal reports whether the error should end the process (NotFound,
// Compile) rather than just the current session/report (Runtime).
func (e *ScriptError) Fatal() bool {
	return e.Kind == ScriptNotFound || e.Kind == ScriptCompile
}
