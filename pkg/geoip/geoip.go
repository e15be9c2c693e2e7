// Package geoip resolves an exit relay's IPv4 address to an ISO country
// code, either from a local MaxMind-format database or from onionoo.
package geoip

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	maxminddb "github.com/oschwald/maxminddb-golang"

	"github.com/opd-ai/torscan/pkg/logger"
)

// DB wraps a local MaxMind country database.
type DB struct {
	reader *maxminddb.Reader
	logger *logger.Logger
}

type countryRecord struct {
	Country struct {
		ISOCode string `maxminddb:"iso_code"`
	} `maxminddb:"country"`
}

// Open loads a MaxMind-format (.mmdb) database from path.
func Open(path string, log *logger.Logger) (*DB, error) {
	reader, err := maxminddb.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open geoip database %q: %w", path, err)
	}
	return &DB{reader: reader, logger: log.Component("geoip")}, nil
}

// Close releases the underlying database file.
func (d *DB) Close() error {
	return d.reader.Close()
}

// Country looks up ip's two-letter ISO country code. Returns "" if ip has
// no entry in the database.
//
// maxminddb.Reader.Lookup already performs an iterative (non-recursive)
// binary search over the database's internal node array; we never
// reimplement the range search by hand.
func (d *DB) Country(ip net.IP) (string, error) {
	var record countryRecord
	if err := d.reader.Lookup(ip, &record); err != nil {
		return "", fmt.Errorf("geoip lookup failed for %s: %w", ip, err)
	}
	return strings.ToUpper(record.Country.ISOCode), nil
}

// onionooBaseURL is a package variable rather than a constant so tests can
// point it at an httptest.Server.
var onionooBaseURL = "https://onionoo.torproject.org"

// OnionooLookup queries onionoo.torproject.org for every relay fingerprint
// currently reporting the given two-letter country code. It is the primary
// country-filter path: it reflects the consensus's own view of relay
// geolocation rather than a possibly stale local database.
func OnionooLookup(ctx context.Context, countryCode string, log *logger.Logger) ([]string, error) {
	l := log.Component("geoip")
	countryCode = strings.ToLower(countryCode)

	url := fmt.Sprintf("%s/details?country=%s&fields=fingerprint", onionooBaseURL, countryCode)
	l.Info("querying onionoo for country", "country", countryCode)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build onionoo request: %w", err)
	}

	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("onionoo request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("onionoo returned status %d", resp.StatusCode)
	}

	var body struct {
		Relays []struct {
			Fingerprint string `json:"fingerprint"`
		} `json:"relays"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("failed to decode onionoo response: %w", err)
	}

	fingerprints := make([]string, 0, len(body.Relays))
	for _, r := range body.Relays {
		fingerprints = append(fingerprints, strings.ToUpper(r.Fingerprint))
	}

	l.Info("onionoo returned relays", "country", countryCode, "count", len(fingerprints))
	return fingerprints, nil
}
