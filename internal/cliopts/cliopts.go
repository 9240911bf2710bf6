// SPDX-License-Identifier: BSD-3-Clause

// Package cliopts declares the command-line flag surface (--script,
// --target, -v/-vv) plus this implementation's ambient additions
// (--config, --log-file), and merges them with an optional on-disk config
// file loaded via internal/runconfig. Enrichment grounded on cobra/pflag
// usage seen across the retrieval pack's manifests (gravitational-teleport,
// malivvan-aegis, OpenTraceLab-OpenTraceJTAG all carry cobra in their
// go.mod), not present in u-bmc's own stack.
package cliopts

import (
	"fmt"

	"github.com/spf13/pflag"

	"github.com/hidproxy/hid-proxy/internal/obslog"
	"github.com/hidproxy/hid-proxy/internal/runconfig"
)

// Options is the fully-resolved set of flags the Supervisor and logger
// construction need, after merging CLI flags over an optional config file.
type Options struct {
	ScriptName  string
	Target      string
	Verbosity   obslog.Verbosity
	LogFilePath string
	ConfigPath  string

	verbosity int
}

// Register binds the proxy's flags onto fs, returning the Options that
// Resolve will finish populating once fs.Parse has run.
func Register(fs *pflag.FlagSet) *Options {
	o := &Options{}
	fs.StringVar(&o.ScriptName, "script", "", "inspection/transformation script name or path")
	fs.StringVar(&o.Target, "target", "", "vendor:product hex pair to select, e.g. 046d:c52b")
	fs.StringVar(&o.LogFilePath, "log-file", "", "optional path for a JSON log file, in addition to console output")
	fs.StringVar(&o.ConfigPath, "config", "", "optional TOML file providing flag defaults")
	fs.CountVarP(&o.verbosity, "verbose", "v", "increase logging verbosity (-v debug, -vv trace)")
	return o
}

// Resolve finishes building Options after fs.Parse(args) has run: it
// derives Verbosity from the -v count, then loads --config (if
// set) and layers CLI flags that were actually Changed on top of its
// values — CLI always wins over the config file.
func (o *Options) Resolve(fs *pflag.FlagSet) error {
	switch {
	case o.verbosity >= 2:
		o.Verbosity = obslog.VerbosityTrace
	case o.verbosity == 1:
		o.Verbosity = obslog.VerbosityDebug
	default:
		o.Verbosity = obslog.VerbosityInfo
	}

	if o.ConfigPath == "" {
		return nil
	}
	file, err := runconfig.Load(o.ConfigPath)
	if err != nil {
		return fmt.Errorf("cliopts: loading %s: %w", o.ConfigPath, err)
	}
	if !fs.Changed("script") && file.Script != "" {
		o.ScriptName = file.Script
	}
	if !fs.Changed("target") && file.Target != "" {
		o.Target = file.Target
	}
	if !fs.Changed("log-file") && file.LogFilePath != "" {
		o.LogFilePath = file.LogFilePath
	}
	return nil
}
