package session

import (
	"log/slog"

	"github.com/emiago/sipgo/sip"
)

// handleResponse сопоставляет ответ с ожидающим запросом по CSeq
func (s *Session) handleResponse(resp *sip.Response) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cseq := resp.CSeq()
	if cseq == nil {
		return
	}
	out := s.pending[cseq.MethodName]
	if out == nil || out.tx == nil || out.done || out.req.CSeq().SeqNo != cseq.SeqNo {
		s.strayResponse(resp)
		return
	}

	switch cseq.MethodName {
	case sip.REGISTER:
		s.onRegisterResponse(out, resp)
	case sip.INVITE:
		if out.reinvite {
			s.onChangeResponse(out, resp)
		} else {
			s.onInviteResponse(out, resp)
		}
	case sip.BYE:
		s.onByeResponse(out, resp)
	case sip.CANCEL:
		out.tx.Receive(resp.StatusCode)
		if resp.StatusCode >= 200 {
			delete(s.pending, sip.CANCEL)
		}
	}
}

// strayResponse обрабатывает повторы финальных ответов на INVITE, для
// которых транзакция уже завершена: ACK отправляется повторно.
func (s *Session) strayResponse(resp *sip.Response) {
	cseq := resp.CSeq()
	if cseq.MethodName == sip.INVITE && resp.StatusCode >= 200 &&
		s.lastAck != nil && s.lastAck.cseq == cseq.SeqNo {
		if err := s.layer.send(sip.ACK, s.lastAck.data, s.lastAck.dest); err != nil {
			s.logger.Warn("ACK retransmission failed", slog.Any("error", err))
		}
		return
	}
	s.logger.Debug("response without pending request dropped",
		slog.Int("status", resp.StatusCode),
		slog.String("method", cseq.MethodName.String()),
	)
}

func (s *Session) onInviteResponse(out *outbound, resp *sip.Response) {
	code := resp.StatusCode
	out.tx.Receive(code)

	if code < 200 {
		s.onProvisional(out, resp)
		return
	}
	delete(s.pending, sip.INVITE)

	if code < 300 {
		s.onInviteSuccess(out, resp)
		return
	}

	s.sendAck(ackForFailure(out.req, resp), out.dest)
	canceling := s.state == StateOutgoingCanceling

	switch {
	case canceling:
		s.end(true)
	case isAuthChallenge(code) && !out.authTried && s.retryWithAuth(out, resp):
	case isBusy(code):
		s.logger.Info("call busy", slog.Int("status", code))
		s.emit(func(l Listener) { l.OnCallBusy(s) })
		s.end(false)
	default:
		s.fail(&Fault{Kind: Rejected, Code: code, Message: resp.Reason})
	}
}

func (s *Session) onProvisional(out *outbound, resp *sip.Response) {
	out.provisional = true
	if tag := tagOf(resp.To().Params); tag != "" {
		s.remoteTag = tag
	}

	if out.cancelLater {
		out.cancelLater = false
		s.sendCancel(out)
		return
	}
	if resp.StatusCode > 100 && s.state == StateOutgoingCall {
		s.fire(evRingBack)
		s.emit(func(l Listener) { l.OnRingingBack(s) })
	}
}

// onInviteSuccess подтверждает диалог ACK и передает answer слушателю
func (s *Session) onInviteSuccess(out *outbound, resp *sip.Response) {
	s.remoteTag = tagOf(resp.To().Params)
	if c := resp.Contact(); c != nil {
		s.remoteTarget = c.Address
	}
	s.routeSet = recordRoutes(resp, true)
	s.confirmed = true
	s.sendAck(s.ackFor(out.req), s.dialogDest())

	if s.state == StateOutgoingCanceling {
		// 2xx обогнал CANCEL
		s.cancelPending()
		s.sendBye()
		s.end(true)
		return
	}

	answer, err := parseBody(resp)
	if err != nil || answer == nil {
		s.logger.Warn("invalid answer in 2xx", slog.Any("error", err))
		s.sendBye()
		s.fail(&Fault{Kind: ParseFault, Code: resp.StatusCode, Message: "invalid or missing answer", Err: err})
		return
	}

	s.remoteSDP = answer
	s.hold = false
	if !s.fire(evEstablish) {
		return
	}
	s.logger.Info("call established", slog.String("remote_addr", s.dialogDest()))
	s.emit(func(l Listener) { l.OnCallEstablished(s, answer) })
}

// inviteTimeout Timer B: при отмене звонок завершается, иначе ошибка
func (s *Session) inviteTimeout(out *outbound) {
	delete(s.pending, sip.INVITE)
	if s.state == StateOutgoingCanceling {
		s.end(true)
		return
	}
	s.fail(&Fault{Kind: TransportFault, Message: "INVITE timed out"})
}

// sendCancel отменяет INVITE после предварительного ответа
func (s *Session) sendCancel(invite *outbound) {
	out := &outbound{target: invite.target, dest: invite.dest}
	out.build = func() *sip.Request { return cancelFor(invite.req) }
	out.req = out.build()
	s.start(out)
}

func (s *Session) onByeResponse(out *outbound, resp *sip.Response) {
	out.tx.Receive(resp.StatusCode)
	if resp.StatusCode < 200 {
		return
	}
	delete(s.pending, sip.BYE)
	s.logger.Debug("BYE completed", slog.Int("status", resp.StatusCode))
	s.releaseIfIdle()
}
