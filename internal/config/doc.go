// Package config provides user configuration management for the dps150 tools.
//
// This package manages a YAML file holding the serial port selection, reply
// timeouts, telemetry bridge settings and named profiles of set-points and
// protection thresholds. The file follows OS-specific conventions for its
// location.
//
// # Configuration File Location
//
// The configuration file is stored in platform-appropriate locations:
//   - Linux: $XDG_CONFIG_HOME/dps150/config.yaml or $HOME/.config/dps150/config.yaml
//   - macOS: $HOME/.config/dps150/config.yaml
//   - Windows: %LOCALAPPDATA%\dps150\config.yaml
//
// # Usage Example
//
//	cfg, err := config.Load("")
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	cfg.SetProfile("usb5v", &config.Profile{Voltage: 5, Current: 1})
//
//	// Save changes atomically
//	if err := cfg.Save(""); err != nil {
//	    log.Fatal(err)
//	}
//
// # Thread Safety
//
// Save holds a package mutex so concurrent saves do not interleave. A Config
// value itself is not safe for concurrent mutation.
package config
