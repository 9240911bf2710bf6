// SPDX-License-Identifier: BSD-3-Clause

//go:build linux
// +build linux

// Package gadget builds and tears down the configfs USB gadget exposed to
// the upstream host: one gadget, one configuration, N HID functions (N =
// physical interfaces + requested virtual interfaces). Adapted from
// pkg/usb/gadget.go and pkg/usb/hid.go, generalized from a fixed
// keyboard+mouse+mass-storage triple to a loop over an arbitrary ordered
// list of FunctionConfig.
package gadget

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/samber/lo"

	"github.com/hidproxy/hid-proxy/internal/hiderrors"
	"github.com/hidproxy/hid-proxy/internal/hidtypes"
)

const (
	configfsPath = "/sys/kernel/config"
	gadgetRoot   = "/sys/kernel/config/usb_gadget"
	udcPath      = "/sys/class/udc"
	// GadgetName is the fixed configfs gadget directory name.
	GadgetName = "hid_proxy"
)

// FunctionConfig describes one HID function to create at a given gadget
// index, whether sourced from a harvested physical interface or from the
// virtual-device registry.
type FunctionConfig struct {
	Index        int
	Protocol     hidtypes.Protocol
	Subclass     byte
	ReportLength int
	ReportDesc   []byte
}

// Config describes the whole gadget to build.
type Config struct {
	VendorID     uint16
	ProductID    uint16
	BCDDevice    uint16
	BCDUSB       uint16
	Manufacturer string
	Product      string
	SerialNumber string
	Functions    []FunctionConfig
}

// FunctionsFor builds the ordered FunctionConfig list: physical interfaces
// first (in harvest order), then virtual interfaces (in request order),
// a fixed ordering every caller can rely on for stable function indices.
func FunctionsFor(physical []hidtypes.Interface, virtual []hidtypes.VirtualInterface) []FunctionConfig {
	fns := make([]FunctionConfig, 0, len(physical)+len(virtual))
	fns = append(fns, lo.Map(physical, func(iface hidtypes.Interface, i int) FunctionConfig {
		return FunctionConfig{
			Index:        i,
			Protocol:     iface.Protocol,
			Subclass:     iface.Subclass,
			ReportLength: iface.ReportLength,
			ReportDesc:   iface.ReportDesc,
		}
	})...)
	base := len(physical)
	fns = append(fns, lo.Map(virtual, func(v hidtypes.VirtualInterface, i int) FunctionConfig {
		return FunctionConfig{
			Index:        base + i,
			Protocol:     v.Protocol,
			Subclass:     v.Subclass,
			ReportLength: v.ReportLength,
			ReportDesc:   v.ReportDesc,
		}
	})...)
	return fns
}

// Create builds the full gadget tree described by cfg but does not bind it
// to a UDC. Any prior instance is torn down first (Teardown is idempotent).
func Create(ctx context.Context, cfg Config) error {
	if err := Teardown(ctx); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("gadget: removing prior instance: %w", err)
	}

	if err := ensureConfigFSMounted(); err != nil {
		return err
	}

	gadgetDir := filepath.Join(gadgetRoot, GadgetName)
	if err := os.MkdirAll(gadgetDir, 0o755); err != nil {
		return fmt.Errorf("%w: creating gadget dir: %v", hiderrors.ErrGadgetOperation, err)
	}

	if err := writeGadgetAttributes(gadgetDir, cfg); err != nil {
		return err
	}
	if err := writeStrings(filepath.Join(gadgetDir, "strings/0x409"), map[string]string{
		"serialnumber": cfg.SerialNumber,
		"manufacturer": cfg.Manufacturer,
		"product":      cfg.Product,
	}); err != nil {
		return err
	}

	configDir := filepath.Join(gadgetDir, "configs/c.1")
	if err := os.MkdirAll(configDir, 0o755); err != nil {
		return fmt.Errorf("%w: creating config dir: %v", hiderrors.ErrGadgetOperation, err)
	}
	if err := writeFile(filepath.Join(configDir, "MaxPower"), "500"); err != nil {
		return err
	}
	if err := writeStrings(filepath.Join(configDir, "strings/0x409"), map[string]string{
		"configuration": "Config 1: HID Proxy",
	}); err != nil {
		return err
	}

	for _, fn := range cfg.Functions {
		if err := createFunction(gadgetDir, configDir, fn); err != nil {
			return fmt.Errorf("%w: function %d: %v", hiderrors.ErrGadgetOperation, fn.Index, err)
		}
	}

	return nil
}

func createFunction(gadgetDir, configDir string, fn FunctionConfig) error {
	funcName := fmt.Sprintf("hid.usb%d", fn.Index)
	funcDir := filepath.Join(gadgetDir, "functions", funcName)
	if err := os.MkdirAll(funcDir, 0o755); err != nil {
		return err
	}

	if err := writeFile(filepath.Join(funcDir, "protocol"), fmt.Sprintf("%d", fn.Protocol)); err != nil {
		return err
	}
	if err := writeFile(filepath.Join(funcDir, "subclass"), fmt.Sprintf("%d", fn.Subclass)); err != nil {
		return err
	}
	if err := writeFile(filepath.Join(funcDir, "report_length"), fmt.Sprintf("%d", fn.ReportLength)); err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(funcDir, "report_desc"), fn.ReportDesc, 0o644); err != nil {
		return err
	}

	link := filepath.Join(configDir, funcName)
	_ = os.Remove(link)
	return os.Symlink(funcDir, link)
}

// Bind discovers an unattached UDC and binds the gadget to it.
func Bind(ctx context.Context) error {
	udc, err := findAvailableUDC()
	if err != nil {
		return err
	}
	return writeFile(filepath.Join(gadgetRoot, GadgetName, "UDC"), udc)
}

// Unbind clears the gadget's UDC file.
func Unbind(ctx context.Context) error {
	gadgetDir := filepath.Join(gadgetRoot, GadgetName)
	if _, err := os.Stat(gadgetDir); os.IsNotExist(err) {
		return nil
	}
	return writeFile(filepath.Join(gadgetDir, "UDC"), "")
}

// Teardown runs the reverse of Create: unbind, remove function symlinks,
// remove function dirs, remove strings, remove the gadget root. Idempotent:
// running it twice leaves the filesystem in the same state as running it
// once, because every step no-ops when its target is already gone.
func Teardown(ctx context.Context) error {
	gadgetDir := filepath.Join(gadgetRoot, GadgetName)
	if _, err := os.Stat(gadgetDir); os.IsNotExist(err) {
		return nil
	}

	_ = Unbind(ctx)

	configDir := filepath.Join(gadgetDir, "configs/c.1")
	if entries, err := os.ReadDir(configDir); err == nil {
		for _, e := range entries {
			if e.Type()&os.ModeSymlink != 0 {
				_ = os.Remove(filepath.Join(configDir, e.Name()))
			}
		}
	}

	functionsDir := filepath.Join(gadgetDir, "functions")
	if entries, err := os.ReadDir(functionsDir); err == nil {
		for _, e := range entries {
			_ = os.RemoveAll(filepath.Join(functionsDir, e.Name()))
		}
	}

	return os.RemoveAll(gadgetDir)
}

// AwaitHostReady polls /sys/class/udc/{name}/state every 500ms until it
// reports "configured", or ctx is cancelled. Surfaces a single "awaiting
// host" notice via onWaiting after the first non-configured read.
func AwaitHostReady(ctx context.Context, onWaiting func()) error {
	gadgetDir := filepath.Join(gadgetRoot, GadgetName)
	udcContent, err := readFile(filepath.Join(gadgetDir, "UDC"))
	if err != nil {
		return err
	}
	udc := strings.TrimSpace(udcContent)

	statePath := filepath.Join(udcPath, udc, "state")
	notified := false
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		state, err := readFile(statePath)
		if err == nil && strings.TrimSpace(state) == "configured" {
			return nil
		}
		if !notified && onWaiting != nil {
			onWaiting()
			notified = true
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// EmergencyZero writes a zero-filled buffer of size reportLength to each
// open gadget writer, releasing any held keys/buttons on the upstream
// host, before Teardown runs. Write errors are ignored — best effort
// during an emergency teardown.
func EmergencyZero(writers map[int]hidtypes.GadgetWriter, reportLength int) {
	zero := make([]byte, reportLength)
	for _, w := range writers {
		_, _ = w.Write(zero)
	}
}

func ensureConfigFSMounted() error {
	if _, err := os.Stat(configfsPath); os.IsNotExist(err) {
		return fmt.Errorf("%w: configfs not mounted", hiderrors.ErrGadgetOperation)
	}
	if _, err := os.Stat(gadgetRoot); os.IsNotExist(err) {
		return fmt.Errorf("%w: usb_gadget subsystem not present", hiderrors.ErrGadgetOperation)
	}
	return nil
}

func writeGadgetAttributes(gadgetDir string, cfg Config) error {
	attrs := map[string]string{
		"idVendor":  fmt.Sprintf("0x%04x", cfg.VendorID),
		"idProduct": fmt.Sprintf("0x%04x", cfg.ProductID),
		"bcdDevice": fmt.Sprintf("0x%04x", cfg.BCDDevice),
		"bcdUSB":    fmt.Sprintf("0x%04x", cfg.BCDUSB),
	}
	for attr, value := range attrs {
		if err := writeFile(filepath.Join(gadgetDir, attr), value); err != nil {
			return fmt.Errorf("%w: %s: %v", hiderrors.ErrGadgetOperation, attr, err)
		}
	}
	return nil
}

func writeStrings(dir string, values map[string]string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("%w: %v", hiderrors.ErrGadgetOperation, err)
	}
	for name, value := range values {
		if err := writeFile(filepath.Join(dir, name), value); err != nil {
			return fmt.Errorf("%w: %s: %v", hiderrors.ErrGadgetOperation, name, err)
		}
	}
	return nil
}

func findAvailableUDC() (string, error) {
	entries, err := os.ReadDir(udcPath)
	if err != nil {
		return "", fmt.Errorf("%w: no UDC controllers available", hiderrors.ErrGadgetOperation)
	}
	// Entries under /sys/class/udc are symlinks to the controller devices.
	for _, entry := range entries {
		if !entry.IsDir() && entry.Type()&os.ModeSymlink == 0 {
			continue
		}
		statePath := filepath.Join(udcPath, entry.Name(), "state")
		if state, err := readFile(statePath); err == nil && strings.TrimSpace(state) == "not attached" {
			return entry.Name(), nil
		}
	}
	// Fall back to the first entry, matching find_udc_controller's less
	// defensive behavior when every UDC already reports a state (e.g. a
	// controller with no "state" file at all on some SoCs).
	for _, entry := range entries {
		if entry.IsDir() || entry.Type()&os.ModeSymlink != 0 {
			return entry.Name(), nil
		}
	}
	return "", fmt.Errorf("%w: no UDC controllers available", hiderrors.ErrGadgetOperation)
}

func writeFile(path, content string) error {
	err := os.WriteFile(path, []byte(content), 0o644)
	if err != nil {
		if pathErr, ok := err.(*os.PathError); ok && pathErr.Err == syscall.ENOENT {
			return fmt.Errorf("%w: %s not found", hiderrors.ErrGadgetOperation, path)
		}
		return fmt.Errorf("%w: writing %s: %v", hiderrors.ErrGadgetOperation, path, err)
	}
	return nil
}

func readFile(path string) (string, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return string(content), nil
}

// DevicePath returns the gadget character device path for function index i.
func DevicePath(index int) string {
	return fmt.Sprintf("/dev/hidg%d", index)
}
