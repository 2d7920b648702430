package firecracker

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"strings"
	"time"
)

// Retry defaults for vsock connection establishment.
const (
	dialMaxRetries  = 5
	dialBaseBackoff = 100 * time.Millisecond
)

// GuestConn wraps a connection to the guest agent inside a Firecracker microVM.
// Each GuestConn is used by a single goroutine.
type GuestConn struct {
	conn   net.Conn
	reader io.Reader // buffered reader preserving any bytes read ahead during handshake
}

// DialGuest connects to the guest agent via Firecracker's vsock UDS bridge.
// The udsPath is the Unix socket created by Firecracker for vsock communication.
// The port is the vsock port the guest agent listens on.
// Retries with exponential backoff on connection failure.
func DialGuest(ctx context.Context, udsPath string, port uint32) (*GuestConn, error) {
	var lastErr error
	backoff := dialBaseBackoff

	for attempt := range dialMaxRetries {
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("dial guest: %w", ctx.Err())
		default:
		}

		gc, err := dialVsockUDS(ctx, udsPath, port)
		if err != nil {
			lastErr = err
			if attempt < dialMaxRetries-1 {
				select {
				case <-time.After(backoff):
				case <-ctx.Done():
					return nil, fmt.Errorf("dial guest: %w", ctx.Err())
				}
				backoff *= 2
			}
			continue
		}

		// Set overall deadline from context if present.
		if deadline, ok := ctx.Deadline(); ok {
			if err := gc.conn.SetDeadline(deadline); err != nil {
				gc.conn.Close()
				return nil, fmt.Errorf("set deadline: %w", err)
			}
		}

		return gc, nil
	}

	return nil, fmt.Errorf("dial guest after %d attempts: %w", dialMaxRetries, lastErr)
}

// dialVsockUDS connects to Firecracker's UDS and sends the CONNECT handshake.
// Firecracker bridges the UDS connection to the guest's vsock listener.
// Protocol: send "CONNECT <port>\n", receive "OK <host_port>\n".
// Returns a GuestConn with a buffered reader to prevent protocol desynchronization.
func dialVsockUDS(ctx context.Context, udsPath string, port uint32) (*GuestConn, error) {
	dialer := net.Dialer{}
	conn, err := dialer.DialContext(ctx, "unix", udsPath)
	if err != nil {
		return nil, fmt.Errorf("connect to UDS %s: %w", udsPath, err)
	}

	connectMsg := fmt.Sprintf("CONNECT %d\n", port)
	if _, err := conn.Write([]byte(connectMsg)); err != nil {
		conn.Close()
		return nil, fmt.Errorf("send CONNECT: %w", err)
	}

	// Read response (expect "OK <port>\n").
	// Use a buffered reader and keep it for all subsequent reads to avoid
	// losing bytes that the buffer may have read ahead.
	reader := bufio.NewReader(conn)
	response, err := reader.ReadString('\n')
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("read CONNECT response: %w", err)
	}

	response = strings.TrimSpace(response)
	if !strings.HasPrefix(response, "OK ") {
		conn.Close()
		return nil, fmt.Errorf("vsock CONNECT failed: %s", response)
	}

	return &GuestConn{conn: conn, reader: reader}, nil
}

// Command sends a HostMessage and waits for the guest's ack. Used for ping,
// policy, and reset commands.
func (gc *GuestConn) Command(msg HostMessage) error {
	if err := WriteMessage(gc.conn, &msg); err != nil {
		return fmt.Errorf("send %s: %w", msg.Type, err)
	}

	var resp GuestMessage
	if err := ReadMessage(gc.reader, &resp); err != nil {
		return fmt.Errorf("read %s ack: %w", msg.Type, err)
	}
	if resp.Type != MsgTypeAck {
		return fmt.Errorf("unexpected response type %q to %s", resp.Type, msg.Type)
	}
	if resp.Error != "" {
		return fmt.Errorf("guest rejected %s: %s", msg.Type, resp.Error)
	}
	return nil
}

// RunExec sends an exec request and reads back streaming log lines and the
// final result. Each log line is passed to logWriter in real time.
func (gc *GuestConn) RunExec(req ExecRequest, logWriter func(string)) (ExecResponse, error) {
	msg := HostMessage{Type: MsgTypeExec, Exec: &req}
	if err := WriteMessage(gc.conn, &msg); err != nil {
		return ExecResponse{}, fmt.Errorf("send exec: %w", err)
	}
	return gc.readMessages(logWriter)
}

// readMessages reads GuestMessage frames from the connection in a loop.
// Log lines are delivered to logWriter; the final result message terminates the loop.
func (gc *GuestConn) readMessages(logWriter func(string)) (ExecResponse, error) {
	for {
		var msg GuestMessage
		if err := ReadMessage(gc.reader, &msg); err != nil {
			return ExecResponse{}, fmt.Errorf("read guest message: %w", err)
		}

		switch msg.Type {
		case MsgTypeLog:
			if logWriter != nil {
				logWriter(msg.Line)
			}
		case MsgTypeResult:
			if msg.Result == nil {
				return ExecResponse{}, fmt.Errorf("received result message with nil result")
			}
			return *msg.Result, nil
		default:
			return ExecResponse{}, fmt.Errorf("unknown message type: %q", msg.Type)
		}
	}
}

// Close closes the underlying connection.
func (gc *GuestConn) Close() error {
	return gc.conn.Close()
}
