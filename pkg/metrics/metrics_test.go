package metrics

import (
	"testing"
	"time"

	dto "github.com/prometheus/client_model/go"
)

func counterValue(t *testing.T, c interface{ Write(*dto.Metric) error }) float64 {
	t.Helper()
	var m dto.Metric
	if err := c.Write(&m); err != nil {
		t.Fatalf("failed to write metric: %v", err)
	}
	if m.Counter != nil {
		return m.Counter.GetValue()
	}
	if m.Gauge != nil {
		return m.Gauge.GetValue()
	}
	t.Fatal("metric has neither counter nor gauge value")
	return 0
}

func TestNew(t *testing.T) {
	m := New()
	if m == nil {
		t.Fatal("New() returned nil")
	}
	if m.Registry == nil {
		t.Fatal("New() did not initialize a registry")
	}
}

func TestRecordCircuitBuild(t *testing.T) {
	tests := []struct {
		name    string
		success bool
	}{
		{"successful build", true},
		{"failed build", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := New()
			m.RecordCircuitBuild(tt.success, 250*time.Millisecond)

			built := counterValue(t, m.CircuitsBuilt)
			failed := counterValue(t, m.CircuitsFailed)

			if tt.success && built != 1 {
				t.Errorf("CircuitsBuilt = %v, want 1", built)
			}
			if !tt.success && failed != 1 {
				t.Errorf("CircuitsFailed = %v, want 1", failed)
			}
		})
	}
}

func TestRecordAttach(t *testing.T) {
	m := New()
	m.RecordAttach(true)
	m.RecordAttach(false)
	m.RecordAttach(false)

	if v := counterValue(t, m.AttachSuccess); v != 1 {
		t.Errorf("AttachSuccess = %v, want 1", v)
	}
	if v := counterValue(t, m.AttachFailure); v != 2 {
		t.Errorf("AttachFailure = %v, want 2", v)
	}
}

func TestRecordSOCKSError(t *testing.T) {
	m := New()
	m.RecordSOCKSError(0x04)
	m.RecordSOCKSError(0x04)
	m.RecordSOCKSError(0x05)

	families, err := m.Registry.Gather()
	if err != nil {
		t.Fatalf("Gather() failed: %v", err)
	}

	var found bool
	for _, fam := range families {
		if fam.GetName() != "torscan_socks_errors_total" {
			continue
		}
		found = true
		if len(fam.Metric) != 2 {
			t.Errorf("expected 2 distinct SOCKS error code labels, got %d", len(fam.Metric))
		}
	}
	if !found {
		t.Error("torscan_socks_errors_total metric family not found")
	}
}

func TestFormatCode(t *testing.T) {
	tests := []struct {
		code byte
		want string
	}{
		{0x00, "0x00"},
		{0x04, "0x04"},
		{0xff, "0xff"},
	}
	for _, tt := range tests {
		if got := formatCode(tt.code); got != tt.want {
			t.Errorf("formatCode(%#x) = %s, want %s", tt.code, got, tt.want)
		}
	}
}
