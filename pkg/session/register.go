package session

import (
	"log/slog"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/google/uuid"
)

// Register отправляет REGISTER на домен профиля. Результат приходит в
// OnRegistrationDone, OnRegistrationFailed или OnRegistrationTimeout.
func (s *Session) Register() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.role == roleCall || !s.fsm.Can(evRegister) {
		return invalidOperation("register", s.state)
	}
	if s.role == roleNone {
		s.role = roleRegistration
		s.bindDialog(uuid.NewString())
		s.localURI, s.localName = s.local.URI(), s.local.DisplayName()
		s.remoteURI, s.remoteName = s.localURI, s.localName
	}

	s.stopTimers()
	s.regRetries = 0
	s.fire(evRegister)
	s.sendRegister(int(s.layer.cfg.RegisterExpires / time.Second))
	return nil
}

func (s *Session) sendRegister(expires int) {
	registrar := sip.Uri{Scheme: "sip", Host: s.local.Domain(), Port: s.local.Port()}
	out := &outbound{target: registrar, expires: expires, dest: s.dest}
	out.build = func() *sip.Request { return s.registerRequest(expires) }
	out.req = out.build()
	s.start(out)
}

// unregister снимает регистрацию, ответ не ожидается слушателем
func (s *Session) unregister() {
	if s.expires == 0 && s.dest == "" {
		return
	}
	s.stopTimers()
	s.cancelPending()
	s.sendRegister(0)
}

func (s *Session) onRegisterResponse(out *outbound, resp *sip.Response) {
	out.tx.Receive(resp.StatusCode)
	code := resp.StatusCode
	if code < 200 {
		return
	}
	delete(s.pending, sip.REGISTER)

	if out.expires == 0 {
		// ответ на снятие регистрации
		s.logger.Debug("unregistered", slog.Int("status", code))
		s.releaseIfIdle()
		return
	}
	if s.state != StateRegistering {
		return
	}

	switch {
	case code < 300:
		granted := grantedExpires(resp, out.expires)
		if granted <= 0 {
			granted = out.expires
		}
		s.expires = granted
		s.regRetries = 0
		s.fire(evRegistered)
		s.scheduleRefresh(time.Duration(granted) * time.Second / 2)
		s.logger.Info("registered", slog.Int("expires", granted))
		s.emit(func(l Listener) { l.OnRegistrationDone(s) })

	case isAuthChallenge(code) && !out.authTried:
		if s.retryWithAuth(out, resp) {
			return
		}
		s.registrationFailed(&Fault{Kind: Rejected, Code: code, Message: resp.Reason})

	case code == statusIntervalTooBrief && !out.authTried:
		if least, ok := minExpires(resp); ok && least > out.expires {
			s.sendRegister(least)
			return
		}
		s.registrationFailed(&Fault{Kind: Rejected, Code: code, Message: resp.Reason})

	default:
		s.registrationFailed(&Fault{Kind: Rejected, Code: code, Message: resp.Reason})
	}
}

func (s *Session) registrationFailed(f *Fault) {
	s.layer.metrics.faults.WithLabelValues(f.Kind.String()).Inc()
	s.logger.Warn("registration failed", slog.Any("error", f))
	s.fire(evRegistrationFailed)
	s.emit(func(l Listener) { l.OnRegistrationFailed(s, f) })
}

// registerTimeout повторяет REGISTER с экспоненциальной задержкой. После
// исчерпания попыток OnRegistrationTimeout вызывается ровно один раз.
func (s *Session) registerTimeout(out *outbound) {
	if out.expires == 0 {
		delete(s.pending, sip.REGISTER)
		s.releaseIfIdle()
		return
	}
	if s.state != StateRegistering {
		delete(s.pending, sip.REGISTER)
		return
	}

	if s.regRetries < s.layer.cfg.MaxRegisterRetries {
		s.regRetries++
		delay := s.backoff(s.regRetries)
		s.logger.Info("registration timed out, retrying",
			slog.Int("attempt", s.regRetries),
			slog.Duration("backoff", delay),
		)
		s.retry = s.exec.AfterFunc(delay, func() { s.retryRequest(out) })
		return
	}

	delete(s.pending, sip.REGISTER)
	s.layer.metrics.faults.WithLabelValues(TransportFault.String()).Inc()
	s.logger.Warn("registration timed out", slog.Int("attempts", s.regRetries+1))
	s.fire(evRegistrationFailed)
	s.emit(func(l Listener) { l.OnRegistrationTimeout(s) })
}

// retryRequest повторяет запрос после таймаута, если он все еще актуален
func (s *Session) retryRequest(out *outbound) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.current(out) {
		return
	}
	s.retry = nil

	next := &outbound{
		build:     out.build,
		target:    out.target,
		dest:      out.dest,
		expires:   out.expires,
		reinvite:  out.reinvite,
		offer:     out.offer,
		authTried: out.authTried,
	}
	next.req = next.build()
	s.start(next)
}

// retryWithAuth повторяет запрос с digest авторизацией. Возвращает false,
// если ответить на вызов нечем.
func (s *Session) retryWithAuth(out *outbound, resp *sip.Response) bool {
	if s.local.Password() == "" {
		return false
	}
	next := &outbound{
		build:     out.build,
		target:    out.target,
		dest:      out.dest,
		expires:   out.expires,
		reinvite:  out.reinvite,
		offer:     out.offer,
		authTried: true,
	}
	next.req = next.build()
	name, value, err := authorize(next.req, resp, s.local)
	if err != nil {
		s.logger.Warn("digest authentication failed", slog.Any("error", err))
		return false
	}
	next.req.AppendHeader(sip.NewHeader(name, value))
	s.start(next)
	return true
}

func (s *Session) scheduleRefresh(after time.Duration) {
	if after <= 0 {
		return
	}
	if s.refresh != nil {
		s.refresh.Stop()
	}
	s.refreshAt = time.Now().Add(after)
	s.refresh = s.exec.AfterFunc(after, s.refreshRegistration)
}

// refreshRegistration обновляет регистрацию до истечения срока
func (s *Session) refreshRegistration() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateRegistered {
		return
	}
	s.refresh = nil
	s.regRetries = 0
	s.fire(evRegister)
	s.sendRegister(int(s.layer.cfg.RegisterExpires / time.Second))
}

// handOffRegistration передает регистрацию новой сессии слоя, чтобы эта
// сессия стала звонком. Вызывается под s.mu.
func (s *Session) handOffRegistration() {
	r := s.layer.adopt(s.local, s.listener)

	r.mu.Lock()
	r.role = roleRegistration
	r.callID = s.callID
	r.localTag = s.localTag
	r.cseq = s.cseq
	r.localURI, r.localName = s.localURI, s.localName
	r.remoteURI, r.remoteName = s.remoteURI, s.remoteName
	r.dest = s.dest
	r.expires = s.expires
	r.logger = s.logger
	r.fsm.SetState(StateRegistered.String())
	r.state = StateRegistered
	if remaining := time.Until(s.refreshAt); s.refresh != nil {
		r.scheduleRefresh(max(remaining, time.Millisecond))
	}
	r.mu.Unlock()

	s.layer.rebind(s.callID, r)
	s.stopTimers()
	s.callID = ""
	s.role = roleNone
	s.logger.Debug("registration handed off", slog.String("session", r.callID))
}
