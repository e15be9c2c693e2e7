package captiveportal

import (
	"testing"

	"github.com/opd-ai/torscan/pkg/task"
)

func TestRegistered(t *testing.T) {
	factory, ok := task.DefaultRegistry.Get("captiveportal")
	if !ok {
		t.Fatal("captiveportal is not in the default registry")
	}
	if got := factory().Name(); got != "captiveportal" {
		t.Errorf("Name() = %q, want captiveportal", got)
	}
}

func TestParseCheckReply(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		wantTor bool
		wantIP  string
		wantErr bool
	}{
		{
			name:    "tor answer",
			body:    `{"IsTor":true,"IP":"198.51.100.7"}`,
			wantTor: true,
			wantIP:  "198.51.100.7",
		},
		{
			name:    "false negative",
			body:    `{"IsTor":false,"IP":"203.0.113.9"}`,
			wantTor: false,
			wantIP:  "203.0.113.9",
		},
		{
			name:    "padded address",
			body:    `{"IsTor":true,"IP":" 198.51.100.7\n"}`,
			wantTor: true,
			wantIP:  "198.51.100.7",
		},
		{
			name:    "portal login page instead of JSON",
			body:    `<html><body>Welcome to the hotel wifi</body></html>`,
			wantErr: true,
		},
		{
			name:    "empty body",
			body:    "",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reply, err := parseCheckReply([]byte(tt.body))
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected a parse error")
				}
				return
			}
			if err != nil {
				t.Fatalf("parseCheckReply() failed: %v", err)
			}
			if reply.IsTor != tt.wantTor || reply.IP != tt.wantIP {
				t.Errorf("got IsTor=%v IP=%q, want IsTor=%v IP=%q", reply.IsTor, reply.IP, tt.wantTor, tt.wantIP)
			}
		})
	}
}
