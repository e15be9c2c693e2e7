// Package socks is a SOCKSv5 client for the scanner's own Tor instance.
//
// The scanner's Tor process is configured with __LeaveStreamsUnattached, so
// a normal blocking SOCKS client would deadlock: Tor withholds the CONNECT
// reply until the controller attaches the stream to a circuit, and nothing
// attaches the stream until the client has reported which local port it
// used. So this client reports its source port over pkg/ipc immediately
// after reaching the proxy and before reading the server's reply, mirroring
// the ordering the reference client used when it patched Python's socket
// module to do the same thing. That ordering requirement is also why this
// package hand-rolls the protocol instead of using a general-purpose SOCKS5
// dialer: a blocking one-shot Dial call has no hook to report the port
// between "connected to proxy" and "handshake complete".
package socks

import (
	"context"
	"encoding/binary"
	"fmt"
	"net"
	"strconv"

	"github.com/opd-ai/torscan/pkg/errors"
	"github.com/opd-ai/torscan/pkg/ipc"
	"github.com/opd-ai/torscan/pkg/logger"
)

const (
	socksVersion5    = 0x05
	methodNoAuth     = 0x00
	cmdConnect       = 0x01
	cmdResolve       = 0xF0 // Tor's RESOLVE extension to the CONNECT command.
	addrTypeIPv4     = 0x01
	addrTypeDomain   = 0x03
	addrTypeIPv6     = 0x04
	replySucceeded   = 0x00
)

// replyMessages mirrors the reference client's socks5_errors table: a
// human-readable reason for each documented SOCKSv5 reply code.
var replyMessages = map[byte]string{
	0x00: "succeeded",
	0x01: "general SOCKS server failure",
	0x02: "connection not allowed by ruleset",
	0x03: "network unreachable",
	0x04: "host unreachable",
	0x05: "connection refused",
	0x06: "TTL expired",
	0x07: "command not supported",
	0x08: "address type not supported",
}

func replyMessage(code byte) string {
	if msg, ok := replyMessages[code]; ok {
		return msg
	}
	return "unknown SOCKS server error"
}

// Scope is everything one task invocation needs to make SOCKS connections
// through a specific circuit. It replaces the reference implementation's
// process-wide monkey-patch of socket.socket with a value a task carries
// explicitly, since Go has no equivalent of swapping out a builtin globally
// and goroutines are cheap enough that tasks don't need one.
type Scope struct {
	SocksAddr string
	CircuitID string
	Queue     ipc.Queue
	log       *logger.Logger
}

// NewScope creates a Scope bound to one circuit. queue may be nil, in which
// case no port is ever reported and attaching streams to circuits is the
// caller's problem (useful for tests that talk to a bare SOCKS5 fixture).
func NewScope(socksAddr, circuitID string, queue ipc.Queue, log *logger.Logger) *Scope {
	return &Scope{SocksAddr: socksAddr, CircuitID: circuitID, Queue: queue, log: log}
}

// DialContext connects to address (host:port) through the proxy, using
// Tor's circuit-bound SOCKS port. Only "tcp" is supported, matching Tor's
// own SOCKS server.
func (s *Scope) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	if network != "tcp" {
		return nil, errors.InternalError("socks only supports tcp", fmt.Errorf("network %q", network))
	}

	host, portStr, err := net.SplitHostPort(address)
	if err != nil {
		return nil, errors.InternalError("invalid address", err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, errors.InternalError("invalid port", err)
	}

	conn, err := s.connect(ctx)
	if err != nil {
		return nil, err
	}

	req, err := encodeRequest(cmdConnect, host, port)
	if err != nil {
		conn.Close()
		return nil, err
	}
	if _, err := conn.Write(req); err != nil {
		conn.Close()
		return nil, errors.WrapRetryable(errors.CategorySOCKS, errors.SeverityMedium, "failed to send CONNECT request", err)
	}

	if _, _, err := readReply(conn); err != nil {
		conn.Close()
		return nil, err
	}
	return conn, nil
}

// ResolveContext resolves hostname to an IP address using Tor's RESOLVE
// SOCKS extension (command 0xF0), the only way to do DNS resolution that
// stays inside the Tor circuit instead of leaking to the local resolver.
func (s *Scope) ResolveContext(ctx context.Context, hostname string) (net.IP, error) {
	conn, err := s.connect(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	// The destination port field is meaningless for RESOLVE; Tor ignores
	// it, so zero is as good as any value.
	req, err := encodeRequest(cmdResolve, hostname, 0)
	if err != nil {
		return nil, err
	}
	if _, err := conn.Write(req); err != nil {
		return nil, errors.WrapRetryable(errors.CategorySOCKS, errors.SeverityMedium, "failed to send RESOLVE request", err)
	}

	addrType, addr, err := readReply(conn)
	if err != nil {
		return nil, err
	}
	if addrType != addrTypeIPv4 && addrType != addrTypeIPv6 {
		return nil, errors.SOCKSError("RESOLVE returned a non-IP address type", addrType)
	}
	return net.IP(addr), nil
}

// connect opens the TCP connection to the proxy, reports the local source
// port over the IPC queue, and completes method negotiation (no auth,
// which is all Tor's SOCKS server offers). It does not send the
// CONNECT/RESOLVE request; callers do that so they can choose the command.
func (s *Scope) connect(ctx context.Context) (net.Conn, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", s.SocksAddr)
	if err != nil {
		return nil, errors.WrapRetryable(errors.CategorySOCKS, errors.SeverityMedium, "failed to connect to local SOCKS port", err)
	}

	s.reportPort(conn)

	if _, err := conn.Write([]byte{socksVersion5, 0x01, methodNoAuth}); err != nil {
		conn.Close()
		return nil, errors.WrapRetryable(errors.CategorySOCKS, errors.SeverityMedium, "failed to send method negotiation", err)
	}
	methodResp := make([]byte, 2)
	if _, err := readFull(conn, methodResp); err != nil {
		conn.Close()
		return nil, errors.WrapRetryable(errors.CategorySOCKS, errors.SeverityMedium, "failed to read method negotiation reply", err)
	}
	if methodResp[0] != socksVersion5 || methodResp[1] != methodNoAuth {
		conn.Close()
		return nil, errors.SOCKSError("proxy rejected no-auth method", methodResp[1])
	}

	return conn, nil
}

// reportPort tells the engine which local port this connection bound, so
// it can attach the controller-reported stream to this task's circuit. It
// must happen before the request that would make Tor start withholding its
// reply pending that attach, or the scan deadlocks.
func (s *Scope) reportPort(conn net.Conn) {
	if s.Queue == nil {
		return
	}
	addr, ok := conn.LocalAddr().(*net.TCPAddr)
	if !ok {
		if s.log != nil {
			s.log.Warn("local address is not TCP, cannot report port for attach")
		}
		return
	}
	s.Queue <- ipc.NewConn(s.CircuitID, addr.Port)
}

func encodeRequest(cmd byte, host string, port int) ([]byte, error) {
	req := []byte{socksVersion5, cmd, 0x00}

	if ip := net.ParseIP(host); ip != nil {
		if ip4 := ip.To4(); ip4 != nil {
			req = append(req, addrTypeIPv4)
			req = append(req, ip4...)
		} else {
			req = append(req, addrTypeIPv6)
			req = append(req, ip.To16()...)
		}
	} else {
		if len(host) > 255 {
			return nil, errors.InternalError("hostname too long for SOCKS5", fmt.Errorf("%d bytes", len(host)))
		}
		req = append(req, addrTypeDomain, byte(len(host)))
		req = append(req, host...)
	}

	portBytes := make([]byte, 2)
	binary.BigEndian.PutUint16(portBytes, uint16(port))
	return append(req, portBytes...), nil
}

// readReply parses a SOCKS5 reply header and its address, returning the
// address type and raw address bytes for the caller to interpret.
func readReply(conn net.Conn) (byte, []byte, error) {
	header := make([]byte, 4)
	if _, err := readFull(conn, header); err != nil {
		return 0, nil, errors.WrapRetryable(errors.CategorySOCKS, errors.SeverityMedium, "failed to read reply header", err)
	}
	if header[0] != socksVersion5 {
		return 0, nil, errors.SOCKSError("malformed SOCKS5 reply version", header[0])
	}
	if header[1] != replySucceeded {
		return 0, nil, errors.SOCKSError(replyMessage(header[1]), header[1])
	}

	addrType := header[3]
	var addr []byte
	switch addrType {
	case addrTypeIPv4:
		addr = make([]byte, 4)
	case addrTypeIPv6:
		addr = make([]byte, 16)
	case addrTypeDomain:
		lenByte := make([]byte, 1)
		if _, err := readFull(conn, lenByte); err != nil {
			return 0, nil, errors.WrapRetryable(errors.CategorySOCKS, errors.SeverityMedium, "failed to read domain length", err)
		}
		addr = make([]byte, lenByte[0])
	default:
		return 0, nil, errors.SOCKSError("unsupported address type in reply", addrType)
	}
	if len(addr) > 0 {
		if _, err := readFull(conn, addr); err != nil {
			return 0, nil, errors.WrapRetryable(errors.CategorySOCKS, errors.SeverityMedium, "failed to read reply address", err)
		}
	}

	// Bound port, unused by callers but must be drained from the stream.
	port := make([]byte, 2)
	if _, err := readFull(conn, port); err != nil {
		return 0, nil, errors.WrapRetryable(errors.CategorySOCKS, errors.SeverityMedium, "failed to read reply port", err)
	}

	return addrType, addr, nil
}

func readFull(conn net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := conn.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}
