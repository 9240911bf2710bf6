// SPDX-License-Identifier: BSD-3-Clause

// Command hid-proxy is the USB HID man-in-the-middle proxy CLI: it runs
// pre-flight checks, builds the structured logger, and hands control to
// the Supervisor until SIGINT. Grounded on original_source/src/main.rs's
// top-level argument handling and cli.rs's --list device-diagnostic
// subcommand, built on github.com/spf13/cobra (enrichment from the wider
// retrieval pack; u-bmc has no CLI framework of its own since its
// services are started by the operator, not a terminal invocation).
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/hidproxy/hid-proxy/internal/cliopts"
	"github.com/hidproxy/hid-proxy/internal/harvest"
	"github.com/hidproxy/hid-proxy/internal/hidtypes"
	"github.com/hidproxy/hid-proxy/internal/obslog"
	"github.com/hidproxy/hid-proxy/internal/preflight"
	"github.com/hidproxy/hid-proxy/internal/supervisor"
	"github.com/hidproxy/hid-proxy/internal/termstate"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "hid-proxy",
		Short:         "USB HID man-in-the-middle proxy",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	fs := root.PersistentFlags()
	opts := cliopts.Register(fs)
	root.RunE = func(cmd *cobra.Command, args []string) error {
		return runProxy(cmd.Context(), opts, fs)
	}
	root.AddCommand(newDevicesCommand())
	return root
}

func runProxy(ctx context.Context, opts *cliopts.Options, fs *pflag.FlagSet) error {
	if err := opts.Resolve(fs); err != nil {
		return err
	}

	if err := preflight.Check(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		return err
	}

	logger, closeLog, err := obslog.New(opts.Verbosity, opts.LogFilePath)
	if err != nil {
		return fmt.Errorf("hid-proxy: %w", err)
	}
	defer closeLog()

	sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	termstate.SetEcho(false)
	defer termstate.SetEcho(true)

	sup := supervisor.New(supervisor.Options{
		ScriptName: opts.ScriptName,
		Target:     opts.Target,
		Log:        logger,
		Prompt: func(candidates []hidtypes.CompoundDevice) (int, error) {
			termstate.SetEcho(true)
			defer termstate.SetEcho(false)
			return supervisor.PromptTable(os.Stdout, os.Stdin, candidates)
		},
	})
	return sup.Run(sigCtx)
}

func newDevicesCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "devices",
		Short: "list every HID device currently visible on the bus",
		RunE: func(cmd *cobra.Command, args []string) error {
			h := harvest.New()
			defer h.Close()
			devices, err := h.Enumerate(cmd.Context())
			if err != nil {
				return err
			}
			if len(devices) == 0 {
				fmt.Println("no HID devices found")
				return nil
			}
			for _, d := range devices {
				fmt.Println(d.String())
			}
			return nil
		},
	}
}
