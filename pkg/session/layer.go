package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"

	"github.com/emiago/sipgo/sip"

	"github.com/arzzra/sipua/internal/log"
	"github.com/arzzra/sipua/pkg/profile"
	"github.com/arzzra/sipua/pkg/sip/resolver"
	"github.com/arzzra/sipua/pkg/sip/transport"
)

var (
	// ErrLayerNotOpen операция требует открытого слоя
	ErrLayerNotOpen = errors.New("session layer is not open")
	// ErrLayerClosed слой уже закрыт
	ErrLayerClosed = errors.New("session layer is closed")
)

// inboxSize очередь принятых сообщений между транспортом и разбором
const inboxSize = 256

type datagram struct {
	data   []byte
	source string
}

// Layer владеет транспортом и маршрутизирует входящие сообщения в сессии по
// Call-ID. Запросы с неизвестным Call-ID обрабатываются без состояния,
// кроме нового INVITE, для которого создается сессия с Listener по умолчанию.
type Layer struct {
	cfg        *Config
	logger     *slog.Logger
	metrics    *metrics
	dispatcher Dispatcher
	parser     *sip.Parser

	mu       sync.Mutex
	tp       transport.Transport
	open     bool
	closed   bool
	sessions map[string]*Session
	live     map[*Session]struct{}
	fallback Listener

	contactHost string
	contactPort int
	proxyAddr   string

	inbox chan datagram
	stop  chan struct{}
	wg    sync.WaitGroup
	// execs горутины executor всех сессий
	execs sync.WaitGroup
}

// NewLayer создает слой. Транспорт создается в Open.
func NewLayer(opts ...Option) *Layer {
	cfg := DefaultConfig()
	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.Logger == nil {
		cfg.Logger = log.Noop
	}
	if cfg.Resolver == nil {
		cfg.Resolver = &resolver.Resolver{Timeout: cfg.ResolveTimeout}
	}
	d := cfg.Dispatcher
	if d == nil {
		d = inline
	}

	return &Layer{
		cfg:        cfg,
		logger:     cfg.Logger.With(slog.String("component", "session_layer")),
		metrics:    newMetrics(cfg.Registerer),
		dispatcher: d,
		parser:     sip.NewParser(),
		sessions:   make(map[string]*Session),
		live:       make(map[*Session]struct{}),
	}
}

// Open запускает транспорт на addr ("host:port"). Повторный вызов ничего
// не делает.
func (l *Layer) Open(ctx context.Context, addr string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return ErrLayerClosed
	}
	if l.open {
		return nil
	}

	tp := l.cfg.Transport
	if tp == nil {
		var err error
		tp, err = transport.New(l.cfg.Network, l.cfg.TransportConfig)
		if err != nil {
			return err
		}
	}
	l.inbox = make(chan datagram, inboxSize)
	l.stop = make(chan struct{})
	tp.OnMessage(l.receive)
	tp.OnError(func(err error) {
		l.logger.Warn("transport error", slog.Any("error", err))
	})
	if err := tp.Listen(ctx, addr); err != nil {
		return fmt.Errorf("listen %s %s: %w", tp.Network(), addr, err)
	}

	host, port, err := l.contactAddress(tp)
	if err != nil {
		_ = tp.Close()
		return err
	}
	if proxy := l.cfg.OutboundProxy; proxy != "" {
		addr, err := l.resolveHostPort(ctx, tp.Network(), proxy)
		if err != nil {
			_ = tp.Close()
			return fmt.Errorf("resolve outbound proxy %s: %w", proxy, err)
		}
		l.proxyAddr = addr
	}

	l.tp = tp
	l.contactHost, l.contactPort = host, port
	l.open = true
	registerTransport(l.cfg.Registerer, tp)

	l.wg.Add(1)
	go l.dispatchLoop()

	l.logger.Info("session layer opened",
		slog.String("network", tp.Network()),
		slog.Any("local_addr", tp.LocalAddr()),
		slog.String("contact", net.JoinHostPort(host, strconv.Itoa(port))),
		slog.String("proxy", l.proxyAddr),
	)
	return nil
}

// contactAddress адрес для Via и Contact
func (l *Layer) contactAddress(tp transport.Transport) (string, int, error) {
	local, localPort, err := splitHostPort(tp.LocalAddr().String())
	if err != nil {
		return "", 0, err
	}

	if c := l.cfg.ContactAddress; c != "" {
		host, port, err := splitHostPort(c)
		if err != nil {
			return "", 0, fmt.Errorf("invalid contact address %q: %w", c, err)
		}
		if port == 0 {
			port = localPort
		}
		return host, port, nil
	}

	if ip := net.ParseIP(local); ip == nil || ip.IsUnspecified() {
		local = outboundIP()
	}
	return local, localPort, nil
}

// outboundIP локальный адрес маршрута по умолчанию. UDP Dial не отправляет
// пакетов.
func outboundIP() string {
	conn, err := net.Dial("udp", "192.0.2.1:5060")
	if err != nil {
		return "127.0.0.1"
	}
	defer conn.Close()
	return conn.LocalAddr().(*net.UDPAddr).IP.String()
}

func splitHostPort(hostport string) (string, int, error) {
	host, portStr, err := net.SplitHostPort(hostport)
	if err != nil {
		// адрес без порта
		return hostport, 0, nil
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return "", 0, fmt.Errorf("invalid port %q", portStr)
	}
	return host, port, nil
}

func (l *Layer) resolveHostPort(ctx context.Context, network, hostport string) (string, error) {
	host, port, err := splitHostPort(hostport)
	if err != nil {
		return "", err
	}
	ctx, cancel := context.WithTimeout(ctx, l.cfg.ResolveTimeout)
	defer cancel()
	return l.cfg.Resolver.Resolve(ctx, network, host, port)
}

// CreateSession создает сессию для локального профиля
func (l *Layer) CreateSession(local *profile.Profile, listener Listener) (*Session, error) {
	if local == nil {
		return nil, &Fault{Kind: InvalidOperation, Message: "local profile is required"}
	}
	if listener == nil {
		listener = NopListener{}
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil, ErrLayerClosed
	}
	if !l.open {
		return nil, ErrLayerNotOpen
	}
	return l.newSessionLocked(local, listener), nil
}

func (l *Layer) newSessionLocked(local *profile.Profile, listener Listener) *Session {
	s := newSession(l, local, listener)
	l.live[s] = struct{}{}
	l.metrics.sessionsCreated.Inc()
	l.metrics.sessionsActive.Inc()
	return s
}

// SetDefaultListener задает Listener для сессий входящих звонков. Без него
// входящие INVITE отклоняются 480.
func (l *Layer) SetDefaultListener(listener Listener) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.fallback = listener
}

// Session возвращает сессию по Call-ID
func (l *Layer) Session(callID string) (*Session, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.sessions[callID]
	return s, ok
}

// Sessions возвращает все живые сессии
func (l *Layer) Sessions() []*Session {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]*Session, 0, len(l.live))
	for s := range l.live {
		out = append(out, s)
	}
	return out
}

// LocalAddr адрес транспорта, nil до Open
func (l *Layer) LocalAddr() net.Addr {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.tp == nil {
		return nil
	}
	return l.tp.LocalAddr()
}

// Close завершает все сессии и закрывает транспорт. Нельзя вызывать из
// обработчиков Listener.
func (l *Layer) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	wasOpen := l.open
	l.open = false
	if wasOpen {
		close(l.stop)
	}
	l.mu.Unlock()

	if !wasOpen {
		return nil
	}
	l.wg.Wait()

	for _, s := range l.Sessions() {
		s.shutdown()
	}
	l.execs.Wait()

	l.mu.Lock()
	clear(l.sessions)
	clear(l.live)
	tp := l.tp
	l.mu.Unlock()

	l.logger.Info("session layer closed", slog.Any("stats", log.CalcValue(func() any { return tp.Stats() })))
	return tp.Close()
}

// receive вызывается транспортом
func (l *Layer) receive(data []byte, remote net.Addr) {
	select {
	case l.inbox <- datagram{data: data, source: remote.String()}:
	case <-l.stop:
	}
}

func (l *Layer) dispatchLoop() {
	defer l.wg.Done()
	for {
		select {
		case <-l.stop:
			return
		case d := <-l.inbox:
			l.dispatch(d)
		}
	}
}

func (l *Layer) dispatch(d datagram) {
	msg, err := l.parser.ParseSIP(d.data)
	if err != nil {
		l.metrics.faults.WithLabelValues(ParseFault.String()).Inc()
		l.logger.Warn("unparsable message dropped",
			slog.String("remote_addr", d.source),
			slog.Any("error", err),
		)
		return
	}

	switch m := msg.(type) {
	case *sip.Request:
		if !wellFormed(m) {
			l.metrics.faults.WithLabelValues(ParseFault.String()).Inc()
			l.logger.Warn("request without mandatory headers dropped", slog.String("remote_addr", d.source))
			return
		}
		l.metrics.messages.WithLabelValues("in", m.Method.String()).Inc()
		l.routeRequest(m, d.source)

	case *sip.Response:
		if !wellFormed(m) {
			l.metrics.faults.WithLabelValues(ParseFault.String()).Inc()
			l.logger.Warn("response without mandatory headers dropped", slog.String("remote_addr", d.source))
			return
		}
		l.metrics.messages.WithLabelValues("in", m.CSeq().MethodName.String()).Inc()
		l.routeResponse(m)
	}
}

type mandatoryHeaders interface {
	Via() *sip.ViaHeader
	From() *sip.FromHeader
	To() *sip.ToHeader
	CallID() *sip.CallIDHeader
	CSeq() *sip.CSeqHeader
}

func wellFormed(m mandatoryHeaders) bool {
	return m.Via() != nil && m.From() != nil && m.To() != nil && m.CallID() != nil && m.CSeq() != nil
}

func (l *Layer) routeResponse(resp *sip.Response) {
	callID := resp.CallID().Value()
	l.mu.Lock()
	s := l.sessions[callID]
	l.mu.Unlock()

	if s == nil || !s.exec.post(func() { s.handleResponse(resp) }) {
		l.logger.Debug("response for unknown dialog dropped",
			slog.String("call_id", callID),
			slog.Int("status", resp.StatusCode),
		)
	}
}

func (l *Layer) routeRequest(req *sip.Request, source string) {
	callID := req.CallID().Value()

	l.mu.Lock()
	s := l.sessions[callID]
	if s == nil && req.Method == sip.INVITE && tagOf(req.To().Params) == "" && l.fallback != nil && l.open {
		local, err := profile.NewBuilder(req.To().Address.String()).
			DisplayName(req.To().DisplayName).Build()
		if err == nil {
			s = l.newSessionLocked(local, l.fallback)
			s.callID = callID
			l.sessions[callID] = s
		}
	}
	l.mu.Unlock()

	if s != nil && s.exec.post(func() { s.handleRequest(req, source) }) {
		return
	}

	// запрос вне известного диалога
	switch {
	case req.Method == sip.ACK:
		l.logger.Debug("ACK for unknown dialog dropped", slog.String("call_id", callID))
	case req.Method == sip.OPTIONS:
		l.replyStateless(req, source, sip.StatusOK, "OK")
	case req.Method == sip.INVITE && tagOf(req.To().Params) == "":
		l.logger.Info("incoming call rejected, no listener", slog.String("call_id", callID))
		l.replyStateless(req, source, statusTemporarilyUnavailable, "Temporarily Unavailable")
	default:
		l.replyStateless(req, source, statusTransactionNotExist, "Call/Transaction Does Not Exist")
	}
}

// replyStateless отвечает на запрос без сессии
func (l *Layer) replyStateless(req *sip.Request, dest string, code int, reason string) {
	resp := sip.NewResponseFromRequest(req, code, reason, nil)
	if to := resp.To(); to != nil && tagOf(to.Params) == "" {
		if to.Params == nil {
			to.Params = sip.NewParams()
		}
		to.Params["tag"] = newTag()
	}
	if req.Method == sip.OPTIONS {
		resp.AppendHeader(sip.NewHeader("Allow", allowedMethods))
	}
	setBody(resp, nil)
	if err := l.send(req.Method, []byte(resp.String()), dest); err != nil {
		l.logger.Warn("stateless response not sent",
			slog.Int("status", code),
			slog.String("remote_addr", dest),
			slog.Any("error", err),
		)
	}
}

func (l *Layer) bind(callID string, s *Session) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sessions[callID] = s
}

// unbind удаляет привязку, только если Call-ID указывает на s
func (l *Layer) unbind(callID string, s *Session) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.sessions[callID] == s {
		delete(l.sessions, callID)
	}
}

// rebind переносит Call-ID на другую сессию
func (l *Layer) rebind(callID string, s *Session) {
	l.bind(callID, s)
}

// release убирает сессию из таблиц слоя
func (l *Layer) release(s *Session) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.sessions[s.callID] == s {
		delete(l.sessions, s.callID)
	}
	if _, ok := l.live[s]; ok {
		delete(l.live, s)
		l.metrics.sessionsActive.Dec()
	}
}

// adopt создает сессию, которой передается регистрация
func (l *Layer) adopt(local *profile.Profile, listener Listener) *Session {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.newSessionLocked(local, listener)
}

func (l *Layer) contactHostPort() (string, int) {
	return l.contactHost, l.contactPort
}

func (l *Layer) network() string {
	if l.tp != nil {
		return l.tp.Network()
	}
	return l.cfg.Network
}

func (l *Layer) reliable() bool {
	return l.tp != nil && l.tp.Reliable()
}

// resolve адрес назначения запроса вне диалога
func (l *Layer) resolve(ctx context.Context, uri sip.Uri) (string, error) {
	if l.proxyAddr != "" {
		return l.proxyAddr, nil
	}
	if addr, ok := directAddr(uri); ok {
		return addr, nil
	}
	network := l.network()
	if uri.UriParams != nil {
		if t, ok := uri.UriParams.Get("transport"); ok && t != "" {
			network = t
		}
	}
	return l.cfg.Resolver.Resolve(ctx, network, uri.Host, uri.Port)
}

func (l *Layer) send(method sip.RequestMethod, data []byte, dest string) error {
	if l.tp == nil {
		return ErrLayerNotOpen
	}
	l.metrics.messages.WithLabelValues("out", method.String()).Inc()
	return l.tp.Send(data, dest)
}

// sender SendFunc транзакции для фиксированного адреса
func (l *Layer) sender(method sip.RequestMethod, dest string) func(data []byte) error {
	return func(data []byte) error {
		return l.send(method, data, dest)
	}
}
