package visa

import (
	"fmt"
	"time"
)

// Transport moves whole messages to and from one instrument. Implementations
// are not safe for concurrent use; a Session serializes access.
type Transport interface {
	// Write sends one complete command message.
	Write(data []byte) error
	// ReadMessage blocks until one complete response message arrives or the
	// current timeout elapses.
	ReadMessage() ([]byte, error)
	// Clear asks the device to discard pending input and output.
	Clear() error
	SetTimeout(timeout time.Duration)
	// SetChunkSize bounds how many bytes are requested per read transfer.
	SetChunkSize(n int)
	// Close releases the connection and its resource manager.
	Close() error
}

// Opener constructs a Transport for a parsed resource. Tests replace it to
// avoid touching hardware.
type Opener func(res Resource) (Transport, error)

// DefaultOpener dispatches to the driver matching res.Kind.
func DefaultOpener(res Resource) (Transport, error) {
	switch res.Kind {
	case ResourceUSB:
		return NewUSBTMCTransport(res)
	case ResourceSocket:
		return NewSocketTransport(res)
	case ResourceSimulator:
		return NewSimInstrument(DefaultSimConfig()), nil
	}
	return nil, fmt.Errorf("visa: no transport for resource kind %q", res.Kind)
}
