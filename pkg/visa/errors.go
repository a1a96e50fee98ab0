package visa

import (
	"errors"
	"fmt"
)

// ErrorKind classifies transport failures so callers can decide which ones
// are expected for the operation at hand.
type ErrorKind uint8

const (
	KindTimeout ErrorKind = iota + 1
	KindDisconnected
	KindFraming
)

func (k ErrorKind) String() string {
	switch k {
	case KindTimeout:
		return "timeout"
	case KindDisconnected:
		return "disconnected"
	case KindFraming:
		return "framing"
	default:
		return "unknown"
	}
}

// Sentinels matched through errors.Is against any *TransportError.
var (
	ErrTimeout      = errors.New("visa: timeout")
	ErrDisconnected = errors.New("visa: disconnected")
	ErrFraming      = errors.New("visa: malformed framing")
	ErrClosed       = errors.New("visa: session closed")
)

// TransportError is returned by every Transport and Session operation.
type TransportError struct {
	Op   string
	Kind ErrorKind
	Err  error
}

func (e *TransportError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("visa: %s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("visa: %s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// Is lets errors.Is(err, ErrTimeout) and friends match on Kind.
func (e *TransportError) Is(target error) bool {
	switch target {
	case ErrTimeout:
		return e.Kind == KindTimeout
	case ErrDisconnected:
		return e.Kind == KindDisconnected
	case ErrFraming:
		return e.Kind == KindFraming
	}
	return false
}

func timeoutError(op string, err error) error {
	return &TransportError{Op: op, Kind: KindTimeout, Err: err}
}

func disconnectedError(op string, err error) error {
	return &TransportError{Op: op, Kind: KindDisconnected, Err: err}
}

func framingError(op string, format string, args ...any) error {
	return &TransportError{Op: op, Kind: KindFraming, Err: fmt.Errorf(format, args...)}
}

// IsTimeout reports whether err is a transport timeout.
func IsTimeout(err error) bool { return errors.Is(err, ErrTimeout) }

// IsDisconnected reports whether err means the device is gone.
func IsDisconnected(err error) bool {
	return errors.Is(err, ErrDisconnected) || errors.Is(err, ErrClosed)
}

// KindOf returns the kind of a transport error, or 0 if err is not one.
func KindOf(err error) ErrorKind {
	var te *TransportError
	if errors.As(err, &te) {
		return te.Kind
	}
	return 0
}
