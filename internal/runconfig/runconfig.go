// SPDX-License-Identifier: BSD-3-Clause

// Package runconfig loads the optional TOML configuration file that
// supplies CLI flag defaults, so a systemd unit can run the proxy
// unattended without a wrapper shell script, built on
// github.com/BurntSushi/toml, which u-bmc's own go.mod already carries
// for its own service configuration files.
package runconfig

import "github.com/BurntSushi/toml"

// File is the optional on-disk shape of --config.
type File struct {
	Script      string `toml:"script"`
	Target      string `toml:"target"`
	LogFilePath string `toml:"log_file"`
}

// Load parses path into a File. A missing file is the caller's concern
// (Load only wraps the TOML decode).
func Load(path string) (File, error) {
	var f File
	_, err := toml.DecodeFile(path, &f)
	return f, err
}
