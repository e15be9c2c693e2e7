package dnscheck

import (
	"context"
	"encoding/binary"
	"io"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/opd-ai/torscan/pkg/directory"
	"github.com/opd-ai/torscan/pkg/logger"
	"github.com/opd-ai/torscan/pkg/socks"
	"github.com/opd-ai/torscan/pkg/task"
)

func TestRegistered(t *testing.T) {
	factory, ok := task.DefaultRegistry.Get("dnscheck")
	if !ok {
		t.Fatal("dnscheck is not in the default registry")
	}
	if got := factory().Name(); got != "dnscheck" {
		t.Errorf("Name() = %q, want dnscheck", got)
	}
}

func TestDestinationsEmpty(t *testing.T) {
	if dests := New().Destinations(); dests != nil {
		t.Errorf("Destinations() = %v, want nil for a resolve-only task", dests)
	}
}

func TestAnswerExpected(t *testing.T) {
	whitelist := []net.IP{net.ParseIP("93.184.216.34"), net.ParseIP("93.184.216.35")}

	tests := []struct {
		name   string
		answer net.IP
		want   bool
	}{
		{"listed address", net.ParseIP("93.184.216.34"), true},
		{"second listed address", net.ParseIP("93.184.216.35"), true},
		{"unlisted address", net.ParseIP("10.0.0.1"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := answerExpected(tt.answer, whitelist); got != tt.want {
				t.Errorf("answerExpected(%v) = %v, want %v", tt.answer, got, tt.want)
			}
		})
	}

	if answerExpected(net.ParseIP("93.184.216.34"), nil) {
		t.Error("an empty whitelist must not match anything")
	}
}

// fakeResolver answers every SOCKS5 request, RESOLVE included, with a
// fixed IPv4 address.
func fakeResolver(t *testing.T, answer net.IP) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()

				greeting := make([]byte, 2)
				if _, err := io.ReadFull(c, greeting); err != nil {
					return
				}
				io.ReadFull(c, make([]byte, greeting[1]))
				c.Write([]byte{0x05, 0x00})

				header := make([]byte, 4)
				if _, err := io.ReadFull(c, header); err != nil {
					return
				}
				switch header[3] {
				case 0x01:
					io.ReadFull(c, make([]byte, 4))
				case 0x03:
					lenByte := make([]byte, 1)
					io.ReadFull(c, lenByte)
					io.ReadFull(c, make([]byte, lenByte[0]))
				}
				io.ReadFull(c, make([]byte, 2))

				reply := []byte{0x05, 0x00, 0x00, 0x01}
				reply = append(reply, answer.To4()...)
				reply = binary.BigEndian.AppendUint16(reply, 0)
				c.Write(reply)
			}(conn)
		}
	}()
	return ln.Addr().String()
}

func TestProbeComparesAgainstWhitelist(t *testing.T) {
	answer := net.ParseIP("93.184.216.34")
	addr := fakeResolver(t, answer)

	quiet := logger.New(slog.LevelError, io.Discard)
	tk := &Task{
		whitelist: map[string][]net.IP{
			"www.torproject.org": {answer},
		},
	}
	scope := socks.NewScope(addr, "circ-1", nil, quiet)
	exit := &directory.ExitCandidate{Fingerprint: "EXIT1"}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ctx = logger.WithContext(ctx, quiet)
	if err := tk.Probe(ctx, exit, scope); err != nil {
		t.Fatalf("Probe() failed: %v", err)
	}
}
