package visa

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// State is the logical lifecycle position of a Session.
type State uint8

const (
	StateDisconnected State = iota
	StateSyncingBuffer
	StateVerified
	StateConfigured
	StateAcquiring
	StateIdle
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateSyncingBuffer:
		return "syncing-buffer"
	case StateVerified:
		return "verified"
	case StateConfigured:
		return "configured"
	case StateAcquiring:
		return "acquiring"
	case StateIdle:
		return "idle"
	case StateClosed:
		return "closed"
	}
	return fmt.Sprintf("state(%d)", uint8(s))
}

// rawExpecter is implemented by transports without message framing that
// need to know a binary payload is coming.
type rawExpecter interface {
	ExpectRaw()
}

// Session is the single exclusive conversation with one instrument. It owns
// the transport, tracks the current timeout and the lifecycle state.
type Session struct {
	transport Transport
	resource  Resource

	timeout   time.Duration
	chunkSize int
	state     State

	closeOnce sync.Once
	closeErr  error

	logger *logrus.Entry
}

// Open parses resource, opens the matching transport via opener and wraps it
// in a Session. A nil opener uses DefaultOpener.
func Open(resource string, opener Opener) (*Session, error) {
	res, err := ParseResource(resource)
	if err != nil {
		return nil, err
	}
	if opener == nil {
		opener = DefaultOpener
	}
	t, err := opener(res)
	if err != nil {
		return nil, fmt.Errorf("visa: open %s: %w", res, err)
	}
	s := NewSession(t)
	s.resource = res
	s.logger = s.logger.WithField("resource", res.String())
	return s, nil
}

// NewSession wraps an already open transport.
func NewSession(t Transport) *Session {
	s := &Session{
		transport: t,
		timeout:   DefaultTimeout,
		chunkSize: DefaultChunkSize,
		logger:    logrus.WithField("component", "Session"),
	}
	t.SetTimeout(s.timeout)
	return s
}

// Resource returns the parsed address the session was opened with.
func (s *Session) Resource() Resource { return s.resource }

// Transport exposes the underlying transport, mainly for tests.
func (s *Session) Transport() Transport { return s.transport }

// State returns the current lifecycle state.
func (s *Session) State() State { return s.state }

// Advance moves the session forward to next. Moving backward is rejected,
// except that any state may move to StateClosed. Re-entering the current
// state is a no-op.
func (s *Session) Advance(next State) error {
	if next == s.state {
		return nil
	}
	if s.state == StateClosed {
		return fmt.Errorf("visa: session closed, cannot enter %s", next)
	}
	if next < s.state {
		return fmt.Errorf("visa: illegal state transition %s -> %s", s.state, next)
	}
	s.logger.WithFields(logrus.Fields{
		"from": s.state.String(),
		"to":   next.String(),
	}).Debug("Session state change")
	s.state = next
	return nil
}

// Timeout returns the current I/O timeout.
func (s *Session) Timeout() time.Duration { return s.timeout }

// SetTimeout replaces the I/O timeout.
func (s *Session) SetTimeout(timeout time.Duration) {
	s.timeout = timeout
	s.transport.SetTimeout(timeout)
}

// WithTimeout installs timeout for the duration of fn and restores the
// previous value afterwards, whether fn succeeds, fails or panics.
func (s *Session) WithTimeout(timeout time.Duration, fn func() error) error {
	prev := s.timeout
	s.SetTimeout(timeout)
	defer s.SetTimeout(prev)
	return fn()
}

// ChunkSize returns the current read chunk size.
func (s *Session) ChunkSize() int { return s.chunkSize }

// SetChunkSize sets the maximum bytes requested per read transfer.
func (s *Session) SetChunkSize(n int) {
	s.chunkSize = n
	s.transport.SetChunkSize(n)
}

// Write sends one command.
func (s *Session) Write(cmd string) error {
	if s.state == StateClosed {
		return &TransportError{Op: "write", Kind: KindDisconnected, Err: ErrClosed}
	}
	s.logger.WithField("cmd", cmd).Trace("write")
	return s.transport.Write([]byte(cmd))
}

// Read reads one text response with surrounding whitespace removed.
func (s *Session) Read() (string, error) {
	if s.state == StateClosed {
		return "", &TransportError{Op: "read", Kind: KindDisconnected, Err: ErrClosed}
	}
	msg, err := s.transport.ReadMessage()
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(msg)), nil
}

// Query writes cmd and reads the text response.
func (s *Session) Query(cmd string) (string, error) {
	if err := s.Write(cmd); err != nil {
		return "", err
	}
	resp, err := s.Read()
	if err != nil {
		return "", err
	}
	s.logger.WithFields(logrus.Fields{"cmd": cmd, "resp": resp}).Trace("query")
	return resp, nil
}

// ReadRaw reads one message as untouched bytes. No header or length parsing
// is done; the transport framing delimits the payload.
func (s *Session) ReadRaw() ([]byte, error) {
	if s.state == StateClosed {
		return nil, &TransportError{Op: "read", Kind: KindDisconnected, Err: ErrClosed}
	}
	if r, ok := s.transport.(rawExpecter); ok {
		r.ExpectRaw()
	}
	return s.transport.ReadMessage()
}

// Clear issues a device clear.
func (s *Session) Clear() error {
	if s.state == StateClosed {
		return &TransportError{Op: "clear", Kind: KindDisconnected, Err: ErrClosed}
	}
	return s.transport.Clear()
}

// Close releases the transport and its resource manager. Only the first call
// does any work; later calls return the first result.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.state = StateClosed
		s.closeErr = s.transport.Close()
		s.logger.Debug("Session closed")
	})
	return s.closeErr
}
