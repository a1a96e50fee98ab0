package visa

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"time"
)

const (
	// rawIdleGap ends a raw read once data stops arriving.
	rawIdleGap = 200 * time.Millisecond
	dialTimeout = 5 * time.Second
)

// SocketTransport speaks raw SCPI over TCP, one newline-terminated line per
// message. Socket instruments have no message framing, so payloads that
// carry newlines must be read with ReadRaw semantics (see ReadMessage).
type SocketTransport struct {
	conn   net.Conn
	reader *bufio.Reader

	chunkSize int
	timeout   time.Duration

	// raw switches the next ReadMessage to idle-gap termination.
	raw bool
}

// NewSocketTransport dials the instrument addressed by res.
func NewSocketTransport(res Resource) (*SocketTransport, error) {
	addr := net.JoinHostPort(res.Host, strconv.Itoa(res.Port))
	conn, err := net.DialTimeout("tcp", addr, dialTimeout)
	if err != nil {
		return nil, disconnectedError("open", err)
	}
	return newSocketTransport(conn), nil
}

func newSocketTransport(conn net.Conn) *SocketTransport {
	return &SocketTransport{
		conn:      conn,
		reader:    bufio.NewReaderSize(conn, DefaultChunkSize),
		chunkSize: DefaultChunkSize,
		timeout:   DefaultTimeout,
	}
}

// Write sends data followed by a newline.
func (t *SocketTransport) Write(data []byte) error {
	if t.conn == nil {
		return &TransportError{Op: "write", Kind: KindDisconnected, Err: ErrClosed}
	}
	if err := t.conn.SetWriteDeadline(time.Now().Add(t.timeout)); err != nil {
		return disconnectedError("write", err)
	}
	msg := make([]byte, 0, len(data)+1)
	msg = append(msg, data...)
	msg = append(msg, '\n')
	if _, err := t.conn.Write(msg); err != nil {
		return classifyNetError("write", err)
	}
	return nil
}

// ExpectRaw makes the next ReadMessage return everything that arrives until
// the line goes quiet, instead of stopping at the first newline.
func (t *SocketTransport) ExpectRaw() { t.raw = true }

// ReadMessage reads one newline-terminated response. After ExpectRaw it
// instead reads until the connection has been idle for rawIdleGap.
func (t *SocketTransport) ReadMessage() ([]byte, error) {
	if t.conn == nil {
		return nil, &TransportError{Op: "read", Kind: KindDisconnected, Err: ErrClosed}
	}
	if t.raw {
		t.raw = false
		return t.readRaw()
	}
	if err := t.conn.SetReadDeadline(time.Now().Add(t.timeout)); err != nil {
		return nil, disconnectedError("read", err)
	}
	line, err := t.reader.ReadBytes('\n')
	if err != nil {
		return nil, classifyNetError("read", err)
	}
	return line, nil
}

func (t *SocketTransport) readRaw() ([]byte, error) {
	if err := t.conn.SetReadDeadline(time.Now().Add(t.timeout)); err != nil {
		return nil, disconnectedError("read", err)
	}
	buf := make([]byte, t.chunkSize)
	var out []byte
	for {
		n, err := t.reader.Read(buf)
		out = append(out, buf[:n]...)
		if err != nil {
			if len(out) > 0 && errors.Is(err, os.ErrDeadlineExceeded) {
				return out, nil
			}
			return nil, classifyNetError("read", err)
		}
		if n > 0 {
			if err := t.conn.SetReadDeadline(time.Now().Add(rawIdleGap)); err != nil {
				return nil, disconnectedError("read", err)
			}
		}
	}
}

// Clear drops anything already buffered locally. Raw sockets have no
// device-clear primitive, so stale device output is left to the caller's
// drain loop.
func (t *SocketTransport) Clear() error {
	if t.conn == nil {
		return &TransportError{Op: "clear", Kind: KindDisconnected, Err: ErrClosed}
	}
	t.reader.Reset(t.conn)
	return nil
}

func (t *SocketTransport) SetTimeout(timeout time.Duration) { t.timeout = timeout }

func (t *SocketTransport) SetChunkSize(n int) {
	if n > 0 {
		t.chunkSize = n
	}
}

func (t *SocketTransport) Close() error {
	if t.conn == nil {
		return nil
	}
	err := t.conn.Close()
	t.conn = nil
	return err
}

func classifyNetError(op string, err error) error {
	var ne net.Error
	switch {
	case errors.Is(err, os.ErrDeadlineExceeded):
		return timeoutError(op, err)
	case errors.As(err, &ne) && ne.Timeout():
		return timeoutError(op, err)
	case errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed):
		return disconnectedError(op, err)
	}
	return &TransportError{Op: op, Kind: KindDisconnected, Err: fmt.Errorf("socket: %w", err)}
}
