package socks

import (
	"context"
	"io"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/opd-ai/torscan/pkg/ipc"
	"github.com/opd-ai/torscan/pkg/logger"
)

func testLogger() *logger.Logger {
	return logger.New(slog.LevelDebug, io.Discard)
}

// fakeSOCKSServer accepts one connection, completes no-auth negotiation,
// reads one request, and replies with the given code and a fixed bound
// address of 127.0.0.1:0 (or the IP supplied by resolveIP for RESOLVE
// requests).
func fakeSOCKSServer(t *testing.T, code byte, resolveIP net.IP) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		defer ln.Close()

		buf := make([]byte, 3)
		if _, err := io.ReadFull(conn, buf); err != nil {
			return
		}
		conn.Write([]byte{socksVersion5, methodNoAuth})

		header := make([]byte, 4)
		if _, err := io.ReadFull(conn, header); err != nil {
			return
		}
		addrType := header[3]
		switch addrType {
		case addrTypeIPv4:
			io.ReadFull(conn, make([]byte, 4))
		case addrTypeIPv6:
			io.ReadFull(conn, make([]byte, 16))
		case addrTypeDomain:
			lenByte := make([]byte, 1)
			io.ReadFull(conn, lenByte)
			io.ReadFull(conn, make([]byte, lenByte[0]))
		}
		io.ReadFull(conn, make([]byte, 2)) // destination port

		reply := []byte{socksVersion5, code, 0x00}
		if resolveIP != nil {
			if ip4 := resolveIP.To4(); ip4 != nil {
				reply = append(reply, addrTypeIPv4)
				reply = append(reply, ip4...)
			} else {
				reply = append(reply, addrTypeIPv6)
				reply = append(reply, resolveIP.To16()...)
			}
		} else {
			reply = append(reply, addrTypeIPv4)
			reply = append(reply, 127, 0, 0, 1)
		}
		reply = append(reply, 0, 0) // bound port
		conn.Write(reply)

		if code == replySucceeded {
			io.Copy(io.Discard, conn)
		}
	}()
	return ln.Addr().String()
}

func TestDialContextSuccess(t *testing.T) {
	addr := fakeSOCKSServer(t, replySucceeded, nil)
	queue := ipc.NewQueue(4)
	s := NewScope(addr, "circ-1", queue, testLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	conn, err := s.DialContext(ctx, "tcp", "example.com:443")
	if err != nil {
		t.Fatalf("DialContext failed: %v", err)
	}
	defer conn.Close()

	select {
	case msg := <-queue:
		if msg.Kind != ipc.KindNewConn || msg.CircuitID != "circ-1" {
			t.Errorf("unexpected ipc message: %+v", msg)
		}
	default:
		t.Error("expected a NewConn message to be queued")
	}
}

func TestDialContextRejected(t *testing.T) {
	addr := fakeSOCKSServer(t, 0x05, nil) // connection refused
	s := NewScope(addr, "circ-2", nil, testLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err := s.DialContext(ctx, "tcp", "example.com:443")
	if err == nil {
		t.Fatal("expected an error for a rejected CONNECT")
	}
}

func TestDialContextRejectsUDP(t *testing.T) {
	s := NewScope("127.0.0.1:1", "circ-3", nil, testLogger())
	if _, err := s.DialContext(context.Background(), "udp", "example.com:53"); err == nil {
		t.Error("expected an error for a non-tcp network")
	}
}

func TestResolveContextSuccess(t *testing.T) {
	want := net.ParseIP("93.184.216.34").To4()
	addr := fakeSOCKSServer(t, replySucceeded, want)
	s := NewScope(addr, "circ-4", nil, testLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	got, err := s.ResolveContext(ctx, "example.com")
	if err != nil {
		t.Fatalf("ResolveContext failed: %v", err)
	}
	if !got.Equal(want) {
		t.Errorf("ResolveContext() = %v, want %v", got, want)
	}
}

func TestEncodeRequestDomain(t *testing.T) {
	req, err := encodeRequest(cmdConnect, "example.com", 443)
	if err != nil {
		t.Fatalf("encodeRequest failed: %v", err)
	}
	if req[3] != addrTypeDomain {
		t.Errorf("addr type = %d, want domain", req[3])
	}
	if req[4] != byte(len("example.com")) {
		t.Errorf("domain length byte = %d, want %d", req[4], len("example.com"))
	}
}

func TestEncodeRequestIPv4(t *testing.T) {
	req, err := encodeRequest(cmdConnect, "127.0.0.1", 80)
	if err != nil {
		t.Fatalf("encodeRequest failed: %v", err)
	}
	if req[3] != addrTypeIPv4 {
		t.Errorf("addr type = %d, want ipv4", req[3])
	}
}

func TestEncodeRequestHostnameTooLong(t *testing.T) {
	long := make([]byte, 256)
	for i := range long {
		long[i] = 'a'
	}
	if _, err := encodeRequest(cmdConnect, string(long), 80); err == nil {
		t.Error("expected an error for an oversized hostname")
	}
}

func TestReplyMessageUnknownCode(t *testing.T) {
	if got := replyMessage(0xFF); got != "unknown SOCKS server error" {
		t.Errorf("replyMessage(0xFF) = %q", got)
	}
}
