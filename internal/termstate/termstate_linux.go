// SPDX-License-Identifier: BSD-3-Clause

//go:build linux
// +build linux

package termstate

import "golang.org/x/sys/unix"

const (
	ioctlGetTermios = unix.TCGETS
	ioctlSetTermios = unix.TCSETS
)
