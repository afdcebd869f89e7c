// Package session реализует автомат состояний SIP сессии и слой сессий,
// который владеет транспортом и маршрутизирует входящие сообщения по Call-ID.
//
// Каждая Session представляет ровно одну регистрацию или один звонок. Все
// изменения сессии и события Listener выполняются последовательно в ее
// собственном контексте; разные сессии работают параллельно.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/google/uuid"
	"github.com/looplab/fsm"

	"github.com/arzzra/sipua/pkg/profile"
	"github.com/arzzra/sipua/pkg/sdp"
	"github.com/arzzra/sipua/pkg/sip/transaction"
)

type role int

const (
	roleNone role = iota
	roleRegistration
	roleCall
)

// outbound исходящий запрос, ожидающий ответа
type outbound struct {
	req *sip.Request
	// build строит запрос заново (новый branch и CSeq) для повтора
	build  func() *sip.Request
	target sip.Uri
	dest   string
	tx     *transaction.Client

	expires     int
	reinvite    bool
	offer       *sdp.SessionDescription
	authTried   bool
	provisional bool
	cancelLater bool
	// done финальный ответ обработан, запрос ждет повтора
	done bool
}

// inbound входящий INVITE и его серверная транзакция
type inbound struct {
	req    *sip.Request
	source string
	tx     *transaction.Server
	offer  *sdp.SessionDescription
}

type sentAck struct {
	cseq uint32
	data []byte
	dest string
}

// Session автомат состояний одной регистрации или одного звонка
type Session struct {
	layer    *Layer
	local    *profile.Profile
	listener Listener
	exec     *executor

	mu     sync.Mutex
	fsm    *fsm.FSM
	state  State
	role   role
	logger *slog.Logger

	callID     string
	localTag   string
	remoteTag  string
	cseq       uint32
	localURI   sip.Uri
	localName  string
	remoteURI  sip.Uri
	remoteName string
	// remoteTarget адрес из Contact собеседника для запросов внутри диалога
	remoteTarget sip.Uri
	routeSet     []sip.Uri
	// dest адрес, куда ушел первый запрос или откуда пришел INVITE
	dest      string
	confirmed bool

	peer      *profile.Profile
	localSDP  *sdp.SessionDescription
	remoteSDP *sdp.SessionDescription
	hold      bool

	pending  map[sip.RequestMethod]*outbound
	invite   *inbound
	reinvite *inbound
	lastAck  *sentAck

	expires       int
	refresh       transaction.Timer
	refreshAt     time.Time
	retry         transaction.Timer
	regRetries    int
	changeRetries int

	released bool
}

func newSession(l *Layer, local *profile.Profile, listener Listener) *Session {
	s := &Session{
		layer:    l,
		local:    local,
		listener: listener,
		exec:     newExecutor(l.logger, &l.execs),
		state:    StateReady,
		logger:   l.logger,
		pending:  make(map[sip.RequestMethod]*outbound),
	}
	s.fsm = newStateMachine(s.onStateChange)
	return s
}

// State возвращает текущее состояние
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Status строка состояния для отображения
func (s *Session) Status() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.Status(s.hold)
}

// CallID идентификатор диалога, пустой до первого запроса
func (s *Session) CallID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.callID
}

// Local профиль, к которому привязана сессия
func (s *Session) Local() *profile.Profile {
	return s.local
}

// Peer профиль собеседника, nil до начала звонка
func (s *Session) Peer() *profile.Profile {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peer
}

// LocalDescription последнее согласованное локальное описание
func (s *Session) LocalDescription() *sdp.SessionDescription {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.localSDP
}

// RemoteDescription последнее согласованное описание собеседника
func (s *Session) RemoteDescription() *sdp.SessionDescription {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remoteSDP
}

// IsHold сообщает, находится ли звонок на удержании
func (s *Session) IsHold() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hold
}

func (s *Session) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fmt.Sprintf("session(%s, %s)", s.callID, s.state)
}

// MakeCall отправляет INVITE с offer. Из REGISTERED регистрация передается
// новой сессии слоя с тем же Listener.
func (s *Session) MakeCall(peer *profile.Profile, offer *sdp.SessionDescription) error {
	if peer == nil {
		return &Fault{Kind: InvalidOperation, Message: "peer profile is required"}
	}
	if err := offer.Validate(); err != nil {
		return &Fault{Kind: InvalidOperation, Message: "invalid offer", Err: err}
	}
	body, err := offer.Marshal()
	if err != nil {
		return &Fault{Kind: InvalidOperation, Message: "invalid offer", Err: err}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.role == roleCall || !s.fsm.Can(evInvite) {
		return invalidOperation("make call", s.state)
	}
	if s.state == StateRegistered {
		s.handOffRegistration()
	}

	s.role = roleCall
	s.peer = peer
	s.bindDialog(uuid.NewString())
	s.localURI, s.localName = s.local.URI(), s.local.DisplayName()
	s.remoteURI, s.remoteName = peer.URI(), peer.DisplayName()
	s.remoteTarget = peer.URI()
	s.localSDP = offer

	s.fire(evInvite)

	target := peer.URI()
	out := &outbound{target: target, offer: offer}
	out.build = func() *sip.Request { return s.newRequest(sip.INVITE, target, body) }
	out.req = out.build()
	s.start(out)
	return nil
}

// AnswerCall принимает входящий звонок: 200 OK с answer повторяется до ACK
func (s *Session) AnswerCall(answer *sdp.SessionDescription) error {
	if err := answer.Validate(); err != nil {
		return &Fault{Kind: InvalidOperation, Message: "invalid answer", Err: err}
	}
	body, err := answer.Marshal()
	if err != nil {
		return &Fault{Kind: InvalidOperation, Message: "invalid answer", Err: err}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.fsm.Can(evAnswer) || s.invite == nil {
		return invalidOperation("answer call", s.state)
	}
	s.fire(evAnswer)
	s.localSDP = answer

	in := s.invite
	resp := s.response(in.req, sip.StatusOK, "OK", body)
	s.exec.post(func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.invite != in || s.state != StateIncomingAnswering {
			return
		}
		if err := in.tx.Respond(sip.StatusOK, []byte(resp.String())); err != nil {
			s.fail(&Fault{Kind: TransportFault, Message: "send 200 OK", Err: err})
		}
	})
	return nil
}

// ChangeCall отправляет re-INVITE с новым offer
func (s *Session) ChangeCall(offer *sdp.SessionDescription) error {
	if err := offer.Validate(); err != nil {
		return &Fault{Kind: InvalidOperation, Message: "invalid offer", Err: err}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.fsm.Can(evChange) || s.pending[sip.INVITE] != nil {
		return invalidOperation("change call", s.state)
	}
	offer = nextVersion(offer, s.localSDP)
	body, err := offer.Marshal()
	if err != nil {
		return &Fault{Kind: InvalidOperation, Message: "invalid offer", Err: err}
	}

	s.fire(evChange)
	s.changeRetries = 0
	s.sendReinvite(offer, body)
	return nil
}

// EndCall завершает сессию: CANCEL для исходящего звонка без ответа, BYE для
// установленного диалога, отказ для входящего, снятие регистрации для
// регистрационной сессии.
func (s *Session) EndCall() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case StateReady, StateEnded, StateOutgoingCanceling:
		return invalidOperation("end call", s.state)

	case StateRegistering:
		s.cancelPending()
		s.end(true)

	case StateRegistered:
		s.unregister()
		s.end(true)

	case StateOutgoingCall, StateOutgoingRingBack:
		out := s.pending[sip.INVITE]
		if out == nil || out.tx == nil {
			// INVITE еще не ушел
			s.cancelPending()
			s.end(true)
			return nil
		}
		s.fire(evCancel)
		if out.provisional {
			s.sendCancel(out)
		} else {
			out.cancelLater = true
		}

	case StateIncomingCall:
		in := s.invite
		resp := s.response(in.req, sip.StatusBusyHere, "Busy Here", nil)
		_ = in.tx.Respond(sip.StatusBusyHere, []byte(resp.String()))
		s.end(true)

	case StateError:
		s.cancelPending()
		if s.confirmed {
			s.sendBye()
		}
		s.end(true)

	default:
		// диалог установлен или ожидает ACK
		s.cancelPending()
		s.sendBye()
		s.end(true)
	}
	return nil
}

func (s *Session) bindDialog(callID string) {
	if s.callID != "" {
		s.layer.unbind(s.callID, s)
	}
	s.callID = callID
	s.localTag = newTag()
	s.remoteTag = ""
	s.cseq = 0
	s.routeSet = nil
	s.dest = ""
	s.confirmed = false
	s.logger = s.layer.logger.With(slog.String("call_id", callID))
	s.layer.bind(callID, s)
}

// onStateChange вызывается автоматом под s.mu
func (s *Session) onStateChange(from, to State) {
	s.state = to
	s.layer.metrics.transitions.WithLabelValues(to.String()).Inc()
	s.logger.Debug("session state changed",
		slog.String("from", from.String()),
		slog.String("state", to.String()),
	)
}

// fire выполняет переход. Недопустимый переход логируется как
// ProtocolFault без смены состояния.
func (s *Session) fire(event string) bool {
	if err := s.fsm.Event(context.Background(), event); err != nil {
		var noTransition fsm.NoTransitionError
		if !errors.As(err, &noTransition) {
			s.logger.Warn("unexpected event for state",
				slog.String("event", event),
				slog.String("state", s.state.String()),
				slog.Any("error", err),
			)
		}
		return false
	}
	return true
}

// emit ставит событие Listener в очередь сессии
func (s *Session) emit(fn func(l Listener)) {
	l := s.listener
	d := s.layer.dispatcher
	s.exec.post(func() {
		d.Dispatch(func() { fn(l) })
	})
}

// fail сообщает об ошибке и переводит сессию в ERROR
func (s *Session) fail(f *Fault) {
	s.layer.metrics.faults.WithLabelValues(f.Kind.String()).Inc()
	s.logger.Warn("session failed",
		slog.String("state", s.state.String()),
		slog.Any("error", f),
	)
	s.cancelPending()
	s.stopTimers()
	if !s.fire(evFail) {
		return
	}
	s.emit(func(l Listener) { l.OnError(s, f) })
}

// notify сообщает об ошибке без смены состояния
func (s *Session) notify(f *Fault) {
	s.layer.metrics.faults.WithLabelValues(f.Kind.String()).Inc()
	s.emit(func(l Listener) { l.OnError(s, f) })
}

// end переводит сессию в ENDED. Сессия освобождается после завершения
// отправленного BYE.
func (s *Session) end(notify bool) {
	if !s.fire(evEnd) {
		return
	}
	s.stopTimers()
	for method, out := range s.pending {
		if method == sip.BYE || (method == sip.REGISTER && out.expires == 0) {
			continue
		}
		if out.tx != nil {
			out.tx.Cancel()
		}
		delete(s.pending, method)
	}
	if s.invite != nil {
		s.invite.tx.Cancel()
	}
	if s.reinvite != nil {
		s.reinvite.tx.Cancel()
	}
	if notify {
		s.emit(func(l Listener) { l.OnCallEnded(s) })
	}
	s.releaseIfIdle()
}

func (s *Session) releaseIfIdle() {
	if s.state != StateEnded || s.released || len(s.pending) > 0 {
		return
	}
	s.release()
}

func (s *Session) release() {
	if s.released {
		return
	}
	s.released = true
	s.layer.release(s)
	s.exec.close()
}

// cancelPending останавливает исходящие транзакции и таймеры повторов
func (s *Session) cancelPending() {
	for method, out := range s.pending {
		if method == sip.BYE {
			continue
		}
		if out.tx != nil {
			out.tx.Cancel()
		}
		delete(s.pending, method)
	}
	if s.retry != nil {
		s.retry.Stop()
		s.retry = nil
	}
}

func (s *Session) stopTimers() {
	if s.refresh != nil {
		s.refresh.Stop()
		s.refresh = nil
	}
	if s.retry != nil {
		s.retry.Stop()
		s.retry = nil
	}
}

// start регистрирует исходящий запрос и ставит его отправку в очередь
func (s *Session) start(out *outbound) {
	s.pending[out.req.Method] = out
	s.exec.post(func() { s.deliver(out) })
}

func (s *Session) current(out *outbound) bool {
	return s.pending[out.req.Method] == out
}

// deliver разрешает адрес назначения и запускает клиентскую транзакцию.
// Разрешение имен выполняется без блокировки сессии.
func (s *Session) deliver(out *outbound) {
	s.mu.Lock()
	if !s.current(out) {
		s.mu.Unlock()
		return
	}
	dest, target := out.dest, out.target
	s.mu.Unlock()

	if dest == "" {
		ctx, cancel := context.WithTimeout(context.Background(), s.layer.cfg.ResolveTimeout)
		addr, err := s.layer.resolve(ctx, target)
		cancel()

		if err != nil {
			s.mu.Lock()
			if s.current(out) {
				s.sendFailed(out, fmt.Errorf("resolve %s: %w", target.Host, err))
			}
			s.mu.Unlock()
			return
		}
		dest = addr
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.current(out) {
		return
	}

	out.dest = dest
	if s.dest == "" {
		s.dest = dest
	}
	method := out.req.Method
	out.tx = transaction.NewClient(transaction.ClientConfig{
		Method:    method.String(),
		Request:   []byte(out.req.String()),
		Send:      s.layer.sender(method, dest),
		Reliable:  s.layer.reliable(),
		Timers:    s.layer.cfg.Timers,
		Scheduler: s.exec,
		OnTimeout: func() { s.timeout(out) },
		OnSendError: func(err error) {
			s.logger.Warn("retransmission failed",
				slog.String("method", method.String()),
				slog.Any("error", err),
			)
		},
	})
	if err := out.tx.Start(); err != nil {
		s.sendFailed(out, err)
	}
}

// sendFailed обрабатывает ошибку отправки или разрешения адреса
func (s *Session) sendFailed(out *outbound, err error) {
	delete(s.pending, out.req.Method)
	f := &Fault{Kind: TransportFault, Message: "send " + out.req.Method.String(), Err: err}

	switch out.req.Method {
	case sip.REGISTER:
		if s.state == StateRegistering {
			s.layer.metrics.faults.WithLabelValues(f.Kind.String()).Inc()
			s.fire(evRegistrationFailed)
			s.emit(func(l Listener) { l.OnRegistrationFailed(s, f) })
		}
		s.releaseIfIdle()
	case sip.BYE:
		s.logger.Warn("BYE not sent", slog.Any("error", err))
		s.releaseIfIdle()
	case sip.CANCEL:
		// INVITE транзакция завершится по Timer B
		s.logger.Warn("CANCEL not sent", slog.Any("error", err))
	default:
		s.fail(f)
	}
}

// timeout вызывается клиентской транзакцией по Timer B/F
func (s *Session) timeout(out *outbound) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.current(out) {
		return
	}

	switch out.req.Method {
	case sip.REGISTER:
		s.registerTimeout(out)
	case sip.INVITE:
		if out.reinvite {
			s.changeTimeout(out)
		} else {
			s.inviteTimeout(out)
		}
	case sip.BYE:
		delete(s.pending, sip.BYE)
		s.logger.Warn("BYE timed out")
		s.releaseIfIdle()
	case sip.CANCEL:
		delete(s.pending, sip.CANCEL)
	}
}

// sendBye отправляет BYE внутри диалога
func (s *Session) sendBye() {
	out := &outbound{target: s.remoteTarget, dest: s.dialogDest()}
	out.build = func() *sip.Request { return s.newRequest(sip.BYE, s.remoteTarget, nil) }
	out.req = out.build()
	s.start(out)
}

// sendAck отправляет ACK без транзакции и запоминает его для повторных 2xx
func (s *Session) sendAck(ack *sip.Request, dest string) {
	data := []byte(ack.String())
	s.lastAck = &sentAck{cseq: ack.CSeq().SeqNo, data: data, dest: dest}
	if err := s.layer.send(sip.ACK, data, dest); err != nil {
		s.logger.Warn("ACK not sent", slog.Any("error", err))
	}
}

// dialogDest адрес для запросов внутри диалога
func (s *Session) dialogDest() string {
	if s.layer.proxyAddr != "" {
		return s.layer.proxyAddr
	}
	target := s.remoteTarget
	if len(s.routeSet) > 0 {
		target = s.routeSet[0]
	}
	if addr, ok := directAddr(target); ok {
		return addr
	}
	return s.dest
}

func (s *Session) backoff(attempt int) time.Duration {
	d := s.layer.cfg.RetryBackoff << (attempt - 1)
	if d <= 0 || d > maxBackoff {
		return maxBackoff
	}
	return d
}

const maxBackoff = 30 * time.Second

// nextVersion увеличивает версию origin относительно предыдущего описания
// той же сессии
func nextVersion(offer, prev *sdp.SessionDescription) *sdp.SessionDescription {
	if prev == nil || offer.Origin.SessionID != prev.Origin.SessionID ||
		offer.Origin.SessionVersion > prev.Origin.SessionVersion {
		return offer
	}
	c := offer.Clone()
	c.Origin.SessionVersion = prev.Origin.SessionVersion + 1
	return c
}

// shutdown принудительно завершает сессию при закрытии слоя без событий
// Listener. Сессии в ERROR остаются в ERROR.
func (s *Session) shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case StateRegistered:
		if s.dest != "" {
			req := s.registerRequest(0)
			_ = s.layer.send(sip.REGISTER, []byte(req.String()), s.dest)
		}
	case StateOutgoingCall, StateOutgoingRingBack, StateOutgoingCanceling:
		if out := s.pending[sip.INVITE]; out != nil && out.tx != nil && out.provisional {
			_ = s.layer.send(sip.CANCEL, []byte(cancelFor(out.req).String()), out.dest)
		}
	case StateIncomingCall:
		if in := s.invite; in != nil {
			resp := s.response(in.req, statusTemporarilyUnavailable, "Temporarily Unavailable", nil)
			_ = s.layer.send(sip.INVITE, []byte(resp.String()), in.source)
		}
	case StateIncomingAnswering, StateInCall, StateInCallChanging, StateInCallAnswering:
		bye := s.newRequest(sip.BYE, s.remoteTarget, nil)
		_ = s.layer.send(sip.BYE, []byte(bye.String()), s.dialogDest())
	}

	if !s.state.Terminal() {
		s.end(false)
	}
	for method, out := range s.pending {
		if out.tx != nil {
			out.tx.Cancel()
		}
		delete(s.pending, method)
	}
	s.stopTimers()
	if s.invite != nil {
		s.invite.tx.Cancel()
	}
	if s.reinvite != nil {
		s.reinvite.tx.Cancel()
	}
	s.release()
}
