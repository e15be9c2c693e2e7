// Package config provides configuration file loading for the scanner's
// `-f/--config-file` INI files.
package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/ini.v1"
)

// LoadFromFile loads defaults from an INI file's `[Defaults]` section into
// cfg. Every key present in the section overwrites the matching field on
// cfg, whatever it held before; cmd/torscan calls this before applying the
// flags set on the command line, so those flags take precedence.
func LoadFromFile(path string, cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config cannot be nil")
	}
	if err := validatePath(path); err != nil {
		return fmt.Errorf("path validation failed: %w", err)
	}

	f, err := ini.Load(path)
	if err != nil {
		return fmt.Errorf("failed to load config file: %w", err)
	}

	section := f.Section("Defaults")

	if k := section.Key("BuildDelay"); k.String() != "" {
		d, err := time.ParseDuration(appendSeconds(k.String()))
		if err != nil {
			return fmt.Errorf("invalid BuildDelay: %w", err)
		}
		cfg.BuildDelay = d
	}
	if k := section.Key("DelayNoise"); k.String() != "" {
		d, err := time.ParseDuration(appendSeconds(k.String()))
		if err != nil {
			return fmt.Errorf("invalid DelayNoise: %w", err)
		}
		cfg.DelayNoise = d
	}
	if k := section.Key("TorDir"); k.String() != "" {
		cfg.TorDir = k.String()
	}
	if k := section.Key("AnalysisDir"); k.String() != "" {
		cfg.AnalysisDir = k.String()
	}
	if k := section.Key("Verbosity"); k.String() != "" {
		cfg.Verbosity = k.String()
	}
	if k := section.Key("LogFile"); k.String() != "" {
		cfg.LogFile = k.String()
	}
	if k := section.Key("FirstHop"); k.String() != "" {
		cfg.FirstHop = k.String()
	}
	if k := section.Key("SocksPort"); k.String() != "" {
		port, err := k.Int()
		if err != nil {
			return fmt.Errorf("invalid SocksPort: %w", err)
		}
		cfg.SocksPort = port
	}
	if k := section.Key("ControlPort"); k.String() != "" {
		port, err := k.Int()
		if err != nil {
			return fmt.Errorf("invalid ControlPort: %w", err)
		}
		cfg.ControlPort = port
	}
	if k := section.Key("MetricsPort"); k.String() != "" {
		port, err := k.Int()
		if err != nil {
			return fmt.Errorf("invalid MetricsPort: %w", err)
		}
		cfg.MetricsPort = port
	}
	if k := section.Key("EnableMetrics"); k.String() != "" {
		cfg.EnableMetrics = k.MustBool(false)
	}
	if k := section.Key("GeoIPPath"); k.String() != "" {
		cfg.GeoIPPath = k.String()
	}
	if k := section.Key("UseOnionoo"); k.String() != "" {
		cfg.UseOnionoo = k.MustBool(true)
	}

	return nil
}

// appendSeconds lets bare integers in the INI file ("3") be read as seconds
// ("3s"), matching the CLI flags' own unit (-d/--build-delay <seconds>).
func appendSeconds(s string) string {
	s = strings.TrimSpace(s)
	for _, c := range s {
		if (c < '0' || c > '9') && c != '.' && c != '-' {
			return s
		}
	}
	return s + "s"
}

// validatePath validates a file path to prevent directory traversal attacks.
func validatePath(path string) error {
	cleanPath := filepath.Clean(path)
	if strings.Contains(cleanPath, "..") {
		return fmt.Errorf("invalid path: directory traversal detected")
	}
	if !filepath.IsAbs(path) && filepath.IsAbs(cleanPath) {
		return fmt.Errorf("invalid path: attempts to escape working directory")
	}
	return nil
}
