package session

import (
	"log/slog"

	"github.com/emiago/sipgo/sip"

	"github.com/arzzra/sipua/pkg/profile"
	"github.com/arzzra/sipua/pkg/sip/transaction"
)

// handleRequest применяет входящий запрос к сессии
func (s *Session) handleRequest(req *sip.Request, source string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch req.Method {
	case sip.INVITE:
		s.onInvite(req, source)
	case sip.ACK:
		s.onAck(req)
	case sip.CANCEL:
		s.onCancel(req, source)
	case sip.BYE:
		s.onBye(req, source)
	case sip.OPTIONS:
		s.reply(req, source, sip.StatusOK, "OK")
	default:
		s.logger.Warn("unsupported request", slog.String("method", req.Method.String()))
		s.reply(req, source, sip.StatusMethodNotAllowed, "Method Not Allowed")
	}
}

// reply отправляет ответ без серверной транзакции
func (s *Session) reply(req *sip.Request, dest string, code int, reason string) {
	resp := s.response(req, code, reason, nil)
	if code == sip.StatusMethodNotAllowed || req.Method == sip.OPTIONS {
		resp.AppendHeader(sip.NewHeader("Allow", allowedMethods))
	}
	if err := s.layer.send(req.Method, []byte(resp.String()), dest); err != nil {
		s.logger.Warn("response not sent",
			slog.Int("status", code),
			slog.String("remote_addr", dest),
			slog.Any("error", err),
		)
	}
}

func (s *Session) onInvite(req *sip.Request, source string) {
	seq := req.CSeq().SeqNo

	// повтор INVITE, на который уже есть транзакция
	for _, in := range []*inbound{s.invite, s.reinvite} {
		if in != nil && in.req.CSeq().SeqNo == seq {
			if err := in.tx.Retransmit(); err != nil {
				s.logger.Warn("response retransmission failed", slog.Any("error", err))
			}
			return
		}
	}

	switch s.state {
	case StateReady, StateRegistered:
		if s.invite == nil && s.role != roleRegistration {
			s.onInitialInvite(req, source)
			return
		}
	case StateInCall:
		s.onReinvite(req, source)
		return
	case StateInCallChanging, StateInCallAnswering:
		// встречный re-INVITE
		s.reply(req, source, statusRequestPending, "Request Pending")
		return
	}

	s.logger.Warn("INVITE unexpected for state", slog.String("state", s.state.String()))
	s.reply(req, source, statusRequestPending, "Request Pending")
}

// onInitialInvite входящий звонок: 100 Trying и 180 Ringing отправляются
// автоматически, offer передается в OnRinging
func (s *Session) onInitialInvite(req *sip.Request, source string) {
	offer, err := parseBody(req)
	if err != nil {
		s.layer.metrics.faults.WithLabelValues(ParseFault.String()).Inc()
		s.logger.Warn("invalid offer in INVITE", slog.Any("error", err))
		s.reply(req, source, statusNotAcceptableHere, "Not Acceptable Here")
		s.release()
		return
	}

	s.role = roleCall
	s.callID = req.CallID().Value()
	s.localTag = newTag()
	s.remoteTag = tagOf(req.From().Params)
	s.localURI, s.localName = req.To().Address, req.To().DisplayName
	s.remoteURI, s.remoteName = req.From().Address, req.From().DisplayName
	s.remoteTarget = req.From().Address
	if c := req.Contact(); c != nil {
		s.remoteTarget = c.Address
	}
	s.routeSet = recordRoutes(req, false)
	s.dest = source
	s.logger = s.layer.logger.With(slog.String("call_id", s.callID))
	if peer, err := profile.NewBuilder(req.From().Address.String()).
		DisplayName(req.From().DisplayName).Build(); err == nil {
		s.peer = peer
	}

	in := &inbound{req: req, source: source, offer: offer}
	in.tx = transaction.NewServer(transaction.ServerConfig{
		Send:      s.layer.sender(sip.INVITE, source),
		Reliable:  s.layer.reliable(),
		Timers:    s.layer.cfg.Timers,
		Scheduler: s.exec,
		OnTimeout: func() { s.ackTimeout(in) },
	})
	s.invite = in

	for _, r := range []struct {
		code   int
		reason string
	}{
		{sip.StatusTrying, "Trying"},
		{sip.StatusRinging, "Ringing"},
	} {
		resp := s.response(req, r.code, r.reason, nil)
		if err := in.tx.Respond(r.code, []byte(resp.String())); err != nil {
			s.fail(&Fault{Kind: TransportFault, Message: "send provisional response", Err: err})
			return
		}
	}

	s.remoteSDP = offer
	s.fire(evIncoming)
	s.logger.Info("incoming call", slog.String("remote_addr", source))
	s.emit(func(l Listener) { l.OnRinging(s, offer) })
}

func (s *Session) onAck(req *sip.Request) {
	seq := req.CSeq().SeqNo

	switch {
	case s.state == StateIncomingAnswering && s.invite != nil && s.invite.req.CSeq().SeqNo == seq:
		s.invite.tx.Ack()
		s.confirmed = true
		remote := s.remoteSDP
		if remote == nil {
			// поздний offer: answer приходит в ACK
			answer, err := parseBody(req)
			if err != nil || answer == nil {
				s.sendBye()
				s.fail(&Fault{Kind: ParseFault, Message: "invalid or missing answer in ACK", Err: err})
				return
			}
			remote = answer
			s.remoteSDP = answer
		}
		s.fire(evEstablish)
		s.logger.Info("call established", slog.String("remote_addr", s.dest))
		s.emit(func(l Listener) { l.OnCallEstablished(s, remote) })

	case s.state == StateInCallAnswering && s.reinvite != nil && s.reinvite.req.CSeq().SeqNo == seq:
		s.reinvite.tx.Ack()
		s.completeRemoteChange(req)

	case s.invite != nil && s.invite.req.CSeq().SeqNo == seq:
		s.invite.tx.Ack()

	default:
		s.logger.Debug("ACK ignored", slog.String("state", s.state.String()))
	}
}

// ackTimeout Timer H: ACK на финальный ответ не получен
func (s *Session) ackTimeout(in *inbound) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch {
	case s.invite == in && s.state == StateIncomingAnswering:
		s.sendBye()
		s.fail(&Fault{Kind: TransportFault, Message: "ACK not received"})
	case s.reinvite == in && s.state == StateInCallAnswering:
		s.fail(&Fault{Kind: TransportFault, Message: "ACK not received for session change"})
	}
}

func (s *Session) onCancel(req *sip.Request, source string) {
	in := s.invite
	if in == nil || in.req.CSeq().SeqNo != req.CSeq().SeqNo {
		s.reply(req, source, statusTransactionNotExist, "Call/Transaction Does Not Exist")
		return
	}
	s.reply(req, source, sip.StatusOK, "OK")

	if s.state != StateIncomingCall {
		// финальный ответ уже отправлен, CANCEL ничего не меняет
		return
	}
	resp := s.response(in.req, statusRequestTerminated, "Request Terminated", nil)
	if err := in.tx.Respond(statusRequestTerminated, []byte(resp.String())); err != nil {
		s.logger.Warn("487 not sent", slog.Any("error", err))
	}
	s.logger.Info("incoming call cancelled")
	s.end(true)
}

func (s *Session) onBye(req *sip.Request, source string) {
	s.reply(req, source, sip.StatusOK, "OK")

	if s.state == StateEnded {
		return
	}
	if s.state == StateInCallChanging {
		s.notify(&Fault{Kind: ProtocolFault, Message: "session change superseded by BYE"})
	}
	if s.state == StateIncomingCall && s.invite != nil {
		resp := s.response(s.invite.req, statusRequestTerminated, "Request Terminated", nil)
		_ = s.invite.tx.Respond(statusRequestTerminated, []byte(resp.String()))
	}
	s.logger.Info("call ended by peer")
	s.cancelPending()
	s.end(true)
}
