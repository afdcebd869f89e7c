package transport

import (
	"errors"
	"fmt"
	"net"
)

var (
	// ErrTransportClosed is returned when operation is attempted on closed transport
	ErrTransportClosed = errors.New("transport closed")

	// ErrAlreadyListening is returned by a second Listen call
	ErrAlreadyListening = errors.New("transport already listening")

	// ErrNotListening is returned by Send before Listen
	ErrNotListening = errors.New("transport not listening")

	// ErrInvalidAddress is returned for malformed addresses
	ErrInvalidAddress = errors.New("invalid address")

	// ErrMessageTooLarge is returned when message exceeds maximum size
	ErrMessageTooLarge = errors.New("message too large")

	// ErrMissingContentLength is returned for stream messages without Content-Length
	ErrMissingContentLength = errors.New("missing content-length on stream transport")

	// ErrUnsupportedNetwork is returned by New for unknown networks
	ErrUnsupportedNetwork = errors.New("unsupported network")
)

// TransportError ошибка транспортной операции
type TransportError struct {
	Transport string
	Operation string
	Addr      string
	Err       error
	Temporary bool
}

func (e *TransportError) Error() string {
	if e.Addr != "" {
		return fmt.Sprintf("%s %s %s: %v", e.Transport, e.Operation, e.Addr, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Transport, e.Operation, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
