package session

import (
	"log/slog"

	"github.com/emiago/sipgo/sip"

	"github.com/arzzra/sipua/pkg/sdp"
	"github.com/arzzra/sipua/pkg/sip/transaction"
)

// sendReinvite отправляет re-INVITE внутри установленного диалога
func (s *Session) sendReinvite(offer *sdp.SessionDescription, body []byte) {
	target := s.remoteTarget
	out := &outbound{target: target, dest: s.dialogDest(), reinvite: true, offer: offer}
	out.build = func() *sip.Request { return s.newRequest(sip.INVITE, target, body) }
	out.req = out.build()
	s.start(out)
}

func (s *Session) onChangeResponse(out *outbound, resp *sip.Response) {
	code := resp.StatusCode
	out.tx.Receive(code)
	if code < 200 {
		return
	}
	delete(s.pending, sip.INVITE)

	if code < 300 {
		s.sendAck(s.ackFor(out.req), s.dialogDest())
		if s.state != StateInCallChanging {
			return
		}
		answer, err := parseBody(resp)
		if err != nil || answer == nil {
			s.logger.Warn("invalid answer to re-INVITE", slog.Any("error", err))
			s.fire(evChanged)
			s.notify(&Fault{Kind: ParseFault, Code: code, Message: "invalid or missing answer", Err: err})
			return
		}
		change := changeFor(out.offer)
		s.localSDP = out.offer
		s.remoteSDP = answer
		s.hold = change == CallHold
		s.changeRetries = 0
		s.fire(evChanged)
		s.logger.Info("session changed", slog.String("change", change.String()))
		s.emit(func(l Listener) { l.OnCallChanged(s, change) })
		return
	}

	s.sendAck(ackForFailure(out.req, resp), out.dest)
	if s.state != StateInCallChanging {
		return
	}

	switch {
	case code == statusRequestPending:
		s.retryChange(out, "request pending")
	case isAuthChallenge(code) && !out.authTried && s.retryWithAuth(out, resp):
	default:
		s.fire(evChanged)
		s.notify(&Fault{Kind: Rejected, Code: code, Message: resp.Reason})
	}
}

// changeTimeout Timer B для re-INVITE
func (s *Session) changeTimeout(out *outbound) {
	if s.state != StateInCallChanging {
		delete(s.pending, sip.INVITE)
		return
	}
	s.retryChange(out, "timeout")
}

// retryChange повторяет re-INVITE с экспоненциальной задержкой. Запрос
// остается в pending до повтора, чтобы новый ChangeCall был отклонен.
func (s *Session) retryChange(out *outbound, reason string) {
	if s.changeRetries >= s.layer.cfg.MaxChangeRetries {
		delete(s.pending, sip.INVITE)
		s.fail(&Fault{Kind: TransportFault, Message: "session change failed: " + reason})
		return
	}
	s.changeRetries++
	out.done = true
	delay := s.backoff(s.changeRetries)
	s.logger.Info("session change retry",
		slog.String("reason", reason),
		slog.Int("attempt", s.changeRetries),
		slog.Duration("backoff", delay),
	)
	s.pending[sip.INVITE] = out
	s.retry = s.exec.AfterFunc(delay, func() { s.retryRequest(out) })
}

// onReinvite входящий re-INVITE: ответ строится из локального описания с
// зеркальным направлением
func (s *Session) onReinvite(req *sip.Request, source string) {
	offer, err := parseBody(req)
	if err != nil {
		s.layer.metrics.faults.WithLabelValues(ParseFault.String()).Inc()
		s.logger.Warn("invalid offer in re-INVITE", slog.Any("error", err))
		s.reply(req, source, statusNotAcceptableHere, "Not Acceptable Here")
		return
	}
	if s.localSDP == nil {
		s.reply(req, source, statusNotAcceptableHere, "Not Acceptable Here")
		return
	}

	var answer *sdp.SessionDescription
	if offer != nil {
		answer = nextVersion(s.localSDP.WithDirection(offer.Direction().Reverse()), s.localSDP)
	} else {
		answer = nextVersion(s.localSDP.Clone(), s.localSDP)
	}
	body, err := answer.Marshal()
	if err != nil {
		s.reply(req, source, statusServerInternalError, "Server Internal Error")
		return
	}
	if c := req.Contact(); c != nil {
		s.remoteTarget = c.Address
	}

	in := &inbound{req: req, source: source, offer: offer}
	in.tx = transaction.NewServer(transaction.ServerConfig{
		Send:      s.layer.sender(sip.INVITE, source),
		Reliable:  s.layer.reliable(),
		Timers:    s.layer.cfg.Timers,
		Scheduler: s.exec,
		OnTimeout: func() { s.ackTimeout(in) },
	})
	if s.reinvite != nil {
		s.reinvite.tx.Cancel()
	}
	s.reinvite = in
	s.fire(evRemoteChange)
	s.localSDP = answer

	resp := s.response(req, sip.StatusOK, "OK", body)
	if err := in.tx.Respond(sip.StatusOK, []byte(resp.String())); err != nil {
		s.fail(&Fault{Kind: TransportFault, Message: "send 200 OK to re-INVITE", Err: err})
	}
}

// completeRemoteChange применяет offer входящего re-INVITE после ACK
func (s *Session) completeRemoteChange(ack *sip.Request) {
	offer := s.reinvite.offer
	if offer == nil {
		// re-INVITE без SDP: описание собеседника приходит в ACK
		answer, err := parseBody(ack)
		if err != nil || answer == nil {
			s.logger.Warn("invalid answer in ACK", slog.Any("error", err))
			answer = s.remoteSDP
		}
		offer = answer
	}
	change := changeFor(offer)
	s.remoteSDP = offer
	s.hold = change == CallHold
	s.fire(evChanged)
	s.logger.Info("session changed by peer", slog.String("change", change.String()))
	s.emit(func(l Listener) { l.OnCallChanged(s, change) })
}
