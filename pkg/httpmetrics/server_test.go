package httpmetrics

import (
	"bytes"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/opd-ai/torscan/pkg/logger"
	"github.com/opd-ai/torscan/pkg/metrics"
)

func testLogger() *logger.Logger {
	return logger.New(slog.LevelError, &bytes.Buffer{})
}

func TestNewServer(t *testing.T) {
	s := NewServer("127.0.0.1:0", metrics.New(), testLogger())
	if s == nil {
		t.Fatal("NewServer() returned nil")
	}
}

func TestServerStartStop(t *testing.T) {
	s := NewServer("127.0.0.1:0", metrics.New(), testLogger())

	if err := s.Start(); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}
	defer s.Stop()

	addr := s.GetAddress()
	if addr == "" || strings.HasSuffix(addr, ":0") {
		t.Errorf("GetAddress() = %q, expected a resolved address", addr)
	}

	if err := s.Stop(); err != nil {
		t.Fatalf("Stop() failed: %v", err)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	m := metrics.New()
	m.RecordCircuitBuild(true, 2*time.Second)
	m.RecordAttach(true)

	s := NewServer("127.0.0.1:0", m, testLogger())
	if err := s.Start(); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}
	defer s.Stop()

	resp, err := http.Get("http://" + s.GetAddress() + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("failed to read response body: %v", err)
	}

	if !strings.Contains(string(body), "torscan_circuits_built_total") {
		t.Error("expected response to contain torscan_circuits_built_total")
	}
	if !strings.Contains(string(body), "torscan_attach_success_total") {
		t.Error("expected response to contain torscan_attach_success_total")
	}
}

func TestIndexEndpoint(t *testing.T) {
	s := NewServer("127.0.0.1:0", metrics.New(), testLogger())
	if err := s.Start(); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}
	defer s.Stop()

	resp, err := http.Get("http://" + s.GetAddress() + "/")
	if err != nil {
		t.Fatalf("GET / failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
}

func TestIndexEndpointNotFound(t *testing.T) {
	s := NewServer("127.0.0.1:0", metrics.New(), testLogger())
	if err := s.Start(); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}
	defer s.Stop()

	resp, err := http.Get("http://" + s.GetAddress() + "/does-not-exist")
	if err != nil {
		t.Fatalf("GET failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}
