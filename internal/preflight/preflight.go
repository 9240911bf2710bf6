// SPDX-License-Identifier: BSD-3-Clause

// Package preflight runs the fatal-on-failure environment checks required
// before any proxy session starts: root privilege, the dwc2 device-tree
// overlay, the libcomposite kernel module, and UDC controller
// availability. Grounded on original_source/src/setup.rs's check_root/
// check_config_txt/check_kernel_setup.
package preflight

import (
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/hidproxy/hid-proxy/internal/hiderrors"
)

const configTxtPath = "/boot/firmware/config.txt"

// Check runs every pre-flight test in order and returns the first failure
// wrapped in hiderrors.ErrPreflightFailed.
func Check() error {
	if err := checkRoot(); err != nil {
		return err
	}
	if err := checkConfigTxt(); err != nil {
		return err
	}
	if err := checkKernelSetup(); err != nil {
		return err
	}
	return nil
}

func checkRoot() error {
	if os.Geteuid() != 0 {
		return fmt.Errorf("%w: this tool requires root privileges", hiderrors.ErrPreflightFailed)
	}
	return nil
}

func checkConfigTxt() error {
	content, err := os.ReadFile(configTxtPath)
	if err != nil {
		return fmt.Errorf("%w: could not read %s: %v", hiderrors.ErrPreflightFailed, configTxtPath, err)
	}
	for _, line := range strings.Split(string(content), "\n") {
		if strings.HasPrefix(strings.TrimSpace(line), "dtoverlay=dwc2") {
			return nil
		}
	}
	return fmt.Errorf("%w: 'dtoverlay=dwc2' not found or commented out in %s", hiderrors.ErrPreflightFailed, configTxtPath)
}

func checkKernelSetup() error {
	out, err := exec.Command("lsmod").Output()
	if err != nil {
		return fmt.Errorf("%w: failed to execute lsmod: %v", hiderrors.ErrPreflightFailed, err)
	}
	if !strings.Contains(string(out), "libcomposite") {
		return fmt.Errorf("%w: kernel module 'libcomposite' is not loaded", hiderrors.ErrPreflightFailed)
	}

	entries, err := os.ReadDir("/sys/class/udc")
	if err != nil || len(entries) == 0 {
		return fmt.Errorf("%w: no active USB Device Controller (UDC) found in /sys/class/udc", hiderrors.ErrPreflightFailed)
	}
	return nil
}
