// Package config provides configuration management for the scanner.
package config

import (
	"fmt"
	"time"

	"github.com/opd-ai/torscan/pkg/autoconfig"
)

// Config represents the scanner's configuration, merged from defaults, an
// optional INI config file, and command-line flags (flags win).
type Config struct {
	// Task selection
	Modules []string // positional task names

	// Exit selection (mutually exclusive at the CLI layer; see cmd/torscan)
	Country     string   // -C/--country
	Exit        string   // -e/--exit (single fingerprint)
	ExitFile    string   // -E/--exit-file (path to newline-delimited fingerprints)
	Nickname    string   // -N/--nickname (substring filter)
	Address     string   // -A/--address (substring filter)
	BadExits    bool     // -b/--bad-exits
	AllExits    bool     // -l/--all-exits
	Fingerprints []string // resolved whitelist, populated from Exit/ExitFile

	// Circuit build pacing
	BuildDelay time.Duration // -d/--build-delay (default 3s)
	DelayNoise time.Duration // -n/--delay-noise (default 0)
	FirstHop   string        // -i/--first-hop fixed fingerprint, else random per circuit

	// Directories
	TorDir      string // -t/--tor-dir
	AnalysisDir string // -a/--analysis-dir

	// Logging
	Verbosity string // -v/--verbosity: debug, info, warn, error
	LogFile   string // -o/--logfile
	ConfigFile string // -f/--config-file (not persisted into the INI itself)

	// Tor process / controller (ambient — auto-assigned unless overridden)
	SocksPort   int
	ControlPort int

	// Monitoring (domain stack — Prometheus exposition)
	MetricsPort   int
	EnableMetrics bool

	// Country filtering data sources (supplemented — see pkg/geoip)
	GeoIPPath string // path to a MaxMind-format database; empty disables offline lookup
	UseOnionoo bool  // query onionoo.torproject.org for country membership
}

// DefaultConfig returns a configuration with the scanner's baseline defaults:
// good-exits-only, a 3-second build delay with no jitter, and auto-assigned
// SOCKS/control ports (resolved once Tor actually starts, via its startup
// log lines — see pkg/torproc).
func DefaultConfig() *Config {
	torDir, err := autoconfig.GetDefaultDataDir()
	if err != nil {
		torDir = "./torscan-data"
	}

	return &Config{
		Modules:       []string{},
		BuildDelay:    3 * time.Second,
		DelayNoise:    0,
		TorDir:        torDir,
		Verbosity:     "info",
		SocksPort:     0,
		ControlPort:   0,
		MetricsPort:   0,
		EnableMetrics: false,
		UseOnionoo:    true,
	}
}

// Validate checks if the configuration is internally consistent.
func (c *Config) Validate() error {
	if len(c.Modules) == 0 {
		return fmt.Errorf("at least one task module must be specified")
	}

	exclusive := 0
	if c.Country != "" {
		exclusive++
	}
	if c.Exit != "" {
		exclusive++
	}
	if c.ExitFile != "" {
		exclusive++
	}
	if exclusive > 1 {
		return fmt.Errorf("-C/--country, -e/--exit, and -E/--exit-file are mutually exclusive")
	}

	if c.BadExits && c.AllExits {
		return fmt.Errorf("-b/--bad-exits and -l/--all-exits are mutually exclusive")
	}

	if c.BuildDelay < 0 {
		return fmt.Errorf("BuildDelay must be non-negative")
	}
	if c.DelayNoise < 0 {
		return fmt.Errorf("DelayNoise must be non-negative")
	}

	if c.SocksPort < 0 || c.SocksPort > 65535 {
		return fmt.Errorf("invalid SocksPort: %d", c.SocksPort)
	}
	if c.ControlPort < 0 || c.ControlPort > 65535 {
		return fmt.Errorf("invalid ControlPort: %d", c.ControlPort)
	}
	if c.MetricsPort < 0 || c.MetricsPort > 65535 {
		return fmt.Errorf("invalid MetricsPort: %d", c.MetricsPort)
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Verbosity] {
		return fmt.Errorf("invalid Verbosity: %s (must be debug, info, warn, or error)", c.Verbosity)
	}

	return nil
}

// Clone creates a deep copy of the configuration.
func (c *Config) Clone() *Config {
	clone := *c
	clone.Modules = append([]string{}, c.Modules...)
	clone.Fingerprints = append([]string{}, c.Fingerprints...)
	return &clone
}

// GoodExitsOnly reports whether the flag filter should require EXIT and
// reject BADEXIT — the default unless -b or -l was given.
func (c *Config) GoodExitsOnly() bool {
	return !c.BadExits && !c.AllExits
}
