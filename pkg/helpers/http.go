// Package helpers bridges a task's circuit-bound SOCKS scope with common
// Go networking patterns, so probing tasks can use net/http instead of
// writing raw bytes to a dialed connection.
package helpers

import (
	"crypto/tls"
	"fmt"
	"net/http"
	"time"

	"github.com/opd-ai/torscan/pkg/socks"
)

// HTTPClientConfig configures the HTTP client built over a SOCKS scope.
type HTTPClientConfig struct {
	// Timeout for whole HTTP requests (default: 30s)
	Timeout time.Duration

	// TLSHandshakeTimeout for TLS handshake (default: 10s)
	TLSHandshakeTimeout time.Duration

	// DisableKeepAlives disables HTTP keep-alives (default: true). A
	// probing task makes one request per circuit, so an idle pooled
	// connection would only hold the exit's stream open for nothing.
	DisableKeepAlives bool

	// InsecureSkipVerify skips TLS certificate verification. Some probes
	// deliberately fetch through exits that tamper with TLS and inspect
	// what comes back rather than refusing to connect.
	InsecureSkipVerify bool
}

// DefaultHTTPClientConfig returns the defaults described above.
func DefaultHTTPClientConfig() *HTTPClientConfig {
	return &HTTPClientConfig{
		Timeout:             30 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
		DisableKeepAlives:   true,
	}
}

// NewHTTPClient creates an http.Client whose every connection is dialed
// through scope's circuit. Hostnames in request URLs are passed to the
// proxy verbatim, so DNS resolution happens at the exit relay, not
// locally.
//
// Example:
//
//	client, _ := helpers.NewHTTPClient(scope, nil)
//	resp, _ := client.Get("https://check.torproject.org/api/ip")
func NewHTTPClient(scope *socks.Scope, config *HTTPClientConfig) (*http.Client, error) {
	transport, err := NewHTTPTransport(scope, config)
	if err != nil {
		return nil, err
	}
	if config == nil {
		config = DefaultHTTPClientConfig()
	}
	return &http.Client{
		Transport: transport,
		Timeout:   config.Timeout,
	}, nil
}

// NewHTTPTransport creates an http.Transport dialing through scope, for
// callers that need to compose their own http.Client.
func NewHTTPTransport(scope *socks.Scope, config *HTTPClientConfig) (*http.Transport, error) {
	if scope == nil {
		return nil, fmt.Errorf("scope cannot be nil")
	}
	if config == nil {
		config = DefaultHTTPClientConfig()
	}

	transport := &http.Transport{
		DialContext:         scope.DialContext,
		TLSHandshakeTimeout: config.TLSHandshakeTimeout,
		DisableKeepAlives:   config.DisableKeepAlives,
	}
	if config.InsecureSkipVerify {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}
	return transport, nil
}
