package transport

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// UDPTransport UDP транспорт
type UDPTransport struct {
	cfg *Config

	mu             sync.RWMutex
	conn           net.PacketConn
	messageHandler MessageHandler
	errorHandler   ErrorHandler

	closed atomic.Bool
	stats  counters
	wg     sync.WaitGroup
}

// NewUDPTransport создает новый UDP транспорт
func NewUDPTransport(cfg *Config) *UDPTransport {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	return &UDPTransport{cfg: cfg}
}

func (t *UDPTransport) Network() string { return "udp" }
func (t *UDPTransport) Reliable() bool  { return false }

func (t *UDPTransport) Listen(ctx context.Context, addr string) error {
	if t.closed.Load() {
		return ErrTransportClosed
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn != nil {
		return ErrAlreadyListening
	}

	lc := net.ListenConfig{Control: control(t.cfg)}
	conn, err := lc.ListenPacket(ctx, "udp", addr)
	if err != nil {
		return &TransportError{
			Transport: "udp",
			Operation: "listen",
			Addr:      addr,
			Err:       err,
		}
	}
	t.conn = conn

	// Запускаем чтение
	t.wg.Add(1)
	go t.readLoop(conn)

	return nil
}

func (t *UDPTransport) Close() error {
	if !t.closed.CompareAndSwap(false, true) {
		return nil
	}

	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()

	var err error
	if conn != nil {
		err = conn.Close()
	}
	t.wg.Wait()
	return err
}

func (t *UDPTransport) Send(data []byte, addr string) error {
	if t.closed.Load() {
		return ErrTransportClosed
	}
	if t.cfg.MaxMessageSize > 0 && len(data) > t.cfg.MaxMessageSize {
		return &TransportError{Transport: "udp", Operation: "send", Addr: addr, Err: ErrMessageTooLarge}
	}

	t.mu.RLock()
	conn := t.conn
	t.mu.RUnlock()
	if conn == nil {
		return ErrNotListening
	}

	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return &TransportError{
			Transport: "udp",
			Operation: "resolve",
			Addr:      addr,
			Err:       errors.Join(ErrInvalidAddress, err),
		}
	}

	if t.cfg.WriteTimeout > 0 {
		_ = conn.SetWriteDeadline(time.Now().Add(t.cfg.WriteTimeout))
	}
	n, err := conn.WriteTo(data, udpAddr)
	if err != nil {
		t.stats.onError()
		return &TransportError{
			Transport: "udp",
			Operation: "send",
			Addr:      addr,
			Err:       err,
			Temporary: isTimeout(err),
		}
	}
	t.stats.onSent(n)
	return nil
}

func (t *UDPTransport) OnMessage(handler MessageHandler) {
	t.mu.Lock()
	t.messageHandler = handler
	t.mu.Unlock()
}

func (t *UDPTransport) OnError(handler ErrorHandler) {
	t.mu.Lock()
	t.errorHandler = handler
	t.mu.Unlock()
}

func (t *UDPTransport) LocalAddr() net.Addr {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.conn == nil {
		return nil
	}
	return t.conn.LocalAddr()
}

func (t *UDPTransport) Stats() Stats {
	return t.stats.snapshot()
}

func (t *UDPTransport) readLoop(conn net.PacketConn) {
	defer t.wg.Done()

	size := t.cfg.MaxMessageSize
	if size <= 0 {
		size = 65535
	}
	buf := make([]byte, size)

	for {
		n, addr, err := conn.ReadFrom(buf)
		if err != nil {
			if t.closed.Load() || errors.Is(err, net.ErrClosed) {
				return
			}
			t.stats.onError()
			t.reportError(&TransportError{Transport: "udp", Operation: "read", Err: err, Temporary: isTimeout(err)})
			continue
		}

		// CRLF keep-alive
		if isKeepAlive(buf[:n]) {
			continue
		}

		t.stats.onReceived(n)

		data := make([]byte, n)
		copy(data, buf[:n])

		t.mu.RLock()
		handler := t.messageHandler
		t.mu.RUnlock()
		if handler != nil {
			handler(data, addr)
		}
	}
}

func (t *UDPTransport) reportError(err error) {
	t.mu.RLock()
	handler := t.errorHandler
	t.mu.RUnlock()
	if handler != nil {
		handler(err)
	}
}
