package transport

import (
	"bufio"
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// TCPTransport TCP транспорт. Соединения переиспользуются по адресу
// удаленной стороны, входящие и исходящие хранятся в одном пуле.
type TCPTransport struct {
	cfg *Config

	mu             sync.RWMutex
	listener       net.Listener
	conns          map[string]*tcpConn
	messageHandler MessageHandler
	errorHandler   ErrorHandler

	closed atomic.Bool
	stats  counters
	wg     sync.WaitGroup
}

type tcpConn struct {
	net.Conn
	writeMu sync.Mutex
}

// NewTCPTransport создает новый TCP транспорт
func NewTCPTransport(cfg *Config) *TCPTransport {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	return &TCPTransport{
		cfg:   cfg,
		conns: make(map[string]*tcpConn),
	}
}

func (t *TCPTransport) Network() string { return "tcp" }
func (t *TCPTransport) Reliable() bool  { return true }

func (t *TCPTransport) Listen(ctx context.Context, addr string) error {
	if t.closed.Load() {
		return ErrTransportClosed
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.listener != nil {
		return ErrAlreadyListening
	}

	lc := net.ListenConfig{Control: control(t.cfg)}
	listener, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return &TransportError{
			Transport: "tcp",
			Operation: "listen",
			Addr:      addr,
			Err:       err,
		}
	}
	t.listener = listener

	// Запускаем accept loop
	t.wg.Add(1)
	go t.acceptLoop(listener)

	return nil
}

func (t *TCPTransport) Close() error {
	if !t.closed.CompareAndSwap(false, true) {
		return nil
	}

	t.mu.Lock()
	var err error
	if t.listener != nil {
		err = t.listener.Close()
	}
	// Закрываем все соединения
	for key, c := range t.conns {
		_ = c.Close()
		delete(t.conns, key)
	}
	t.mu.Unlock()

	t.wg.Wait()
	return err
}

func (t *TCPTransport) Send(data []byte, addr string) error {
	if t.closed.Load() {
		return ErrTransportClosed
	}
	if t.cfg.MaxMessageSize > 0 && len(data) > t.cfg.MaxMessageSize {
		return &TransportError{Transport: "tcp", Operation: "send", Addr: addr, Err: ErrMessageTooLarge}
	}

	c, err := t.connection(addr)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	if t.cfg.WriteTimeout > 0 {
		_ = c.SetWriteDeadline(time.Now().Add(t.cfg.WriteTimeout))
	}
	n, err := c.Write(data)
	c.writeMu.Unlock()
	if err != nil {
		t.stats.onError()
		t.drop(addr, c)
		return &TransportError{
			Transport: "tcp",
			Operation: "send",
			Addr:      addr,
			Err:       err,
			Temporary: isTimeout(err),
		}
	}
	t.stats.onSent(n)
	return nil
}

// connection возвращает соединение из пула или устанавливает новое
func (t *TCPTransport) connection(addr string) (*tcpConn, error) {
	key, err := canonical(addr)
	if err != nil {
		return nil, &TransportError{Transport: "tcp", Operation: "resolve", Addr: addr, Err: errors.Join(ErrInvalidAddress, err)}
	}

	t.mu.RLock()
	c, ok := t.conns[key]
	t.mu.RUnlock()
	if ok {
		return c, nil
	}

	d := net.Dialer{Timeout: t.cfg.DialTimeout}
	netConn, err := d.Dial("tcp", key)
	if err != nil {
		return nil, &TransportError{
			Transport: "tcp",
			Operation: "dial",
			Addr:      addr,
			Err:       err,
			Temporary: isTimeout(err),
		}
	}

	t.mu.Lock()
	if t.closed.Load() {
		t.mu.Unlock()
		_ = netConn.Close()
		return nil, ErrTransportClosed
	}
	if existing, ok := t.conns[key]; ok {
		// соединение успели открыть параллельно
		t.mu.Unlock()
		_ = netConn.Close()
		return existing, nil
	}
	c = &tcpConn{Conn: netConn}
	t.conns[key] = c
	t.wg.Add(1)
	t.mu.Unlock()

	go t.readLoop(key, c)
	return c, nil
}

func (t *TCPTransport) drop(key string, c *tcpConn) {
	if k, err := canonical(key); err == nil {
		key = k
	}
	t.mu.Lock()
	if t.conns[key] == c {
		delete(t.conns, key)
	}
	t.mu.Unlock()
	_ = c.Close()
}

func (t *TCPTransport) OnMessage(handler MessageHandler) {
	t.mu.Lock()
	t.messageHandler = handler
	t.mu.Unlock()
}

func (t *TCPTransport) OnError(handler ErrorHandler) {
	t.mu.Lock()
	t.errorHandler = handler
	t.mu.Unlock()
}

func (t *TCPTransport) LocalAddr() net.Addr {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.listener == nil {
		return nil
	}
	return t.listener.Addr()
}

func (t *TCPTransport) Stats() Stats {
	return t.stats.snapshot()
}

func (t *TCPTransport) acceptLoop(listener net.Listener) {
	defer t.wg.Done()

	for {
		netConn, err := listener.Accept()
		if err != nil {
			if t.closed.Load() || errors.Is(err, net.ErrClosed) {
				return
			}
			t.stats.onError()
			t.reportError(&TransportError{Transport: "tcp", Operation: "accept", Err: err, Temporary: isTimeout(err)})
			continue
		}

		key := netConn.RemoteAddr().String()
		c := &tcpConn{Conn: netConn}

		t.mu.Lock()
		if t.closed.Load() {
			t.mu.Unlock()
			_ = netConn.Close()
			return
		}
		t.conns[key] = c
		t.wg.Add(1)
		t.mu.Unlock()

		go t.readLoop(key, c)
	}
}

func (t *TCPTransport) readLoop(key string, c *tcpConn) {
	defer t.wg.Done()
	defer t.drop(key, c)

	reader := bufio.NewReaderSize(c, 4096)
	for {
		if t.cfg.IdleTimeout > 0 {
			_ = c.SetReadDeadline(time.Now().Add(t.cfg.IdleTimeout))
		}

		data, err := readMessage(reader, t.cfg.MaxMessageSize)
		if err != nil {
			if t.closed.Load() || errors.Is(err, net.ErrClosed) || isEOF(err) {
				return
			}
			t.stats.onError()
			t.reportError(&TransportError{Transport: "tcp", Operation: "read", Addr: key, Err: err, Temporary: isTimeout(err)})
			// поток после ошибки кадрирования не восстановить
			return
		}

		t.stats.onReceived(len(data))

		t.mu.RLock()
		handler := t.messageHandler
		t.mu.RUnlock()
		if handler != nil {
			handler(data, c.RemoteAddr())
		}
	}
}

func (t *TCPTransport) reportError(err error) {
	t.mu.RLock()
	handler := t.errorHandler
	t.mu.RUnlock()
	if handler != nil {
		handler(err)
	}
}

// canonical приводит host:port к виду, в котором его возвращает RemoteAddr
func canonical(addr string) (string, error) {
	tcpAddr, err := net.ResolveTCPAddr("tcp", addr)
	if err != nil {
		return "", err
	}
	return tcpAddr.String(), nil
}
