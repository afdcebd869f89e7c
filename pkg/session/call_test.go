package session

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arzzra/sipua/pkg/sdp"
)

// establish проводит исходящий звонок до IN_CALL и возвращает INVITE
func establish(t *testing.T, p *peer, s *Session, rec *recorder) peerRequest {
	t.Helper()

	require.NoError(t, s.MakeCall(p.profile("bob"), testOffer(t, "alice", 40000)))
	invite := p.expect(sip.INVITE)
	p.respond(invite, sip.StatusTrying, "Trying", nil)
	p.respond(invite, sip.StatusRinging, "Ringing", nil)
	rec.expect(t, "ringing_back")

	answer := testOffer(t, "bob", 50000)
	p.respond(invite, sip.StatusOK, "OK", marshal(t, answer))
	e := rec.expect(t, "established")
	require.NotNil(t, e.sdp)

	ack := p.expect(sip.ACK)
	assert.Equal(t, invite.CSeq().SeqNo, ack.CSeq().SeqNo)
	return invite
}

// peerDialog сторона собеседника в установленном исходящем звонке
func peerDialog(p *peer, l *Layer, invite peerRequest) *dialog {
	return &dialog{
		p:         p,
		layer:     l.LocalAddr().(*net.UDPAddr),
		callID:    invite.CallID().Value(),
		target:    invite.From().Address,
		localTag:  p.tag,
		remoteTag: tagOf(invite.From().Params),
	}
}

func TestOutgoingCallEstablished(t *testing.T) {
	p := newPeer(t)
	l := newTestLayer(t)
	rec := newRecorder()

	s, err := l.CreateSession(p.profile("alice"), rec)
	require.NoError(t, err)
	assert.Equal(t, StateReady, s.State())
	assert.Equal(t, "Ready for call", s.Status())

	offer := testOffer(t, "alice", 40000)
	require.NoError(t, s.MakeCall(p.profile("bob"), offer))
	assert.Equal(t, StateOutgoingCall, s.State())

	// второй звонок в той же сессии недопустим
	err = s.MakeCall(p.profile("carol"), offer)
	assert.ErrorIs(t, err, ErrInvalidOperation)

	invite := p.expect(sip.INVITE)
	assert.Equal(t, "bob", invite.Recipient.User)
	assert.Equal(t, "application/sdp", invite.GetHeader("Content-Type").Value())
	got, err := sdp.Parse(invite.Body())
	require.NoError(t, err)
	assert.Equal(t, 40000, got.Media[0].Port)

	p.respond(invite, sip.StatusRinging, "Ringing", nil)
	rec.expect(t, "ringing_back")
	assert.Equal(t, StateOutgoingRingBack, s.State())

	answer := testOffer(t, "bob", 50000)
	p.respond(invite, sip.StatusOK, "OK", marshal(t, answer))
	e := rec.expect(t, "established")
	host, port, err := e.sdp.MediaAddress("audio")
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1", host)
	assert.Equal(t, 50000, port)

	ack := p.expect(sip.ACK)
	assert.Equal(t, "bob", ack.Recipient.User)
	assert.Equal(t, invite.CallID().Value(), ack.CallID().Value())
	tag, _ := ack.To().Params.Get("tag")
	assert.Equal(t, p.tag, tag)

	assert.Equal(t, StateInCall, s.State())
	assert.Equal(t, "Established", s.Status())
	assert.Equal(t, "bob", s.Peer().User())
	assert.Equal(t, 50000, s.RemoteDescription().Media[0].Port)
}

func TestConcurrentMakeCall(t *testing.T) {
	p := newPeer(t)
	l := newTestLayer(t)

	s, err := l.CreateSession(p.profile("alice"), newRecorder())
	require.NoError(t, err)

	offers := []*sdp.SessionDescription{testOffer(t, "alice", 40000), testOffer(t, "alice", 40002)}
	peer := p.profile("bob")
	errs := make(chan error, len(offers))
	var wg sync.WaitGroup
	for _, offer := range offers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- s.MakeCall(peer, offer)
		}()
	}
	wg.Wait()
	close(errs)

	var ok, rejected int
	for err := range errs {
		if err == nil {
			ok++
			continue
		}
		assert.ErrorIs(t, err, ErrInvalidOperation)
		rejected++
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, 1, rejected)

	p.expect(sip.INVITE)
	p.silent(sip.INVITE, 50*time.Millisecond)
	assert.Equal(t, StateOutgoingCall, s.State())
}

func TestMakeCallValidatesOffer(t *testing.T) {
	p := newPeer(t)
	l := newTestLayer(t)

	s, err := l.CreateSession(p.profile("alice"), newRecorder())
	require.NoError(t, err)

	err = s.MakeCall(p.profile("bob"), &sdp.SessionDescription{})
	assert.ErrorIs(t, err, ErrInvalidOperation)
	err = s.MakeCall(nil, testOffer(t, "alice", 40000))
	assert.ErrorIs(t, err, ErrInvalidOperation)
	assert.Equal(t, StateReady, s.State())
}

func TestEndCallSendsBye(t *testing.T) {
	p := newPeer(t)
	l := newTestLayer(t)
	rec := newRecorder()

	s, err := l.CreateSession(p.profile("alice"), rec)
	require.NoError(t, err)
	invite := establish(t, p, s, rec)

	require.NoError(t, s.EndCall())
	rec.expect(t, "ended")
	assert.Equal(t, StateEnded, s.State())

	bye := p.expect(sip.BYE)
	assert.Equal(t, invite.CallID().Value(), bye.CallID().Value())
	assert.Greater(t, bye.CSeq().SeqNo, invite.CSeq().SeqNo)
	p.respond(bye, sip.StatusOK, "OK", nil)

	require.Eventually(t, func() bool {
		_, ok := l.Session(s.CallID())
		return !ok
	}, waitTimeout, 5*time.Millisecond)
	assert.ErrorIs(t, s.EndCall(), ErrInvalidOperation)
}

func TestCancelOutgoingCall(t *testing.T) {
	p := newPeer(t)
	l := newTestLayer(t)
	rec := newRecorder()

	s, err := l.CreateSession(p.profile("alice"), rec)
	require.NoError(t, err)
	require.NoError(t, s.MakeCall(p.profile("bob"), testOffer(t, "alice", 40000)))

	invite := p.expect(sip.INVITE)
	p.respond(invite, sip.StatusTrying, "Trying", nil)
	require.Eventually(t, func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		out := s.pending[sip.INVITE]
		return out != nil && out.provisional
	}, waitTimeout, 5*time.Millisecond)

	require.NoError(t, s.EndCall())
	assert.Equal(t, StateOutgoingCanceling, s.State())
	assert.ErrorIs(t, s.EndCall(), ErrInvalidOperation)

	cancel := p.expect(sip.CANCEL)
	assert.Equal(t, invite.CSeq().SeqNo, cancel.CSeq().SeqNo)
	ib, _ := invite.Via().Params.Get("branch")
	cb, _ := cancel.Via().Params.Get("branch")
	assert.Equal(t, ib, cb)

	p.respond(cancel, sip.StatusOK, "OK", nil)
	p.respond(invite, statusRequestTerminated, "Request Terminated", nil)

	p.expect(sip.ACK)
	rec.expect(t, "ended")
	assert.Equal(t, StateEnded, s.State())
}

func TestCancelBeforeProvisionalIsDeferred(t *testing.T) {
	p := newPeer(t)
	l := newTestLayer(t)
	rec := newRecorder()

	s, err := l.CreateSession(p.profile("alice"), rec)
	require.NoError(t, err)
	require.NoError(t, s.MakeCall(p.profile("bob"), testOffer(t, "alice", 40000)))

	invite := p.expect(sip.INVITE)
	require.Eventually(t, func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		out := s.pending[sip.INVITE]
		return out != nil && out.tx != nil
	}, waitTimeout, 5*time.Millisecond)

	require.NoError(t, s.EndCall())
	p.silent(sip.CANCEL, 50*time.Millisecond)

	p.respond(invite, sip.StatusRinging, "Ringing", nil)
	cancel := p.expect(sip.CANCEL)
	p.respond(cancel, sip.StatusOK, "OK", nil)
	p.respond(invite, statusRequestTerminated, "Request Terminated", nil)
	rec.expect(t, "ended")
}

func TestOutgoingCallBusy(t *testing.T) {
	p := newPeer(t)
	l := newTestLayer(t)
	rec := newRecorder()

	s, err := l.CreateSession(p.profile("alice"), rec)
	require.NoError(t, err)
	require.NoError(t, s.MakeCall(p.profile("bob"), testOffer(t, "alice", 40000)))

	invite := p.expect(sip.INVITE)
	p.respond(invite, sip.StatusBusyHere, "Busy Here", nil)

	ack := p.expect(sip.ACK)
	ib, _ := invite.Via().Params.Get("branch")
	ab, _ := ack.Via().Params.Get("branch")
	assert.Equal(t, ib, ab)

	rec.expect(t, "busy")
	rec.none(t, 50*time.Millisecond)
	assert.Equal(t, StateEnded, s.State())
}

func TestOutgoingCallRejected(t *testing.T) {
	p := newPeer(t)
	l := newTestLayer(t)
	rec := newRecorder()

	s, err := l.CreateSession(p.profile("alice"), rec)
	require.NoError(t, err)
	require.NoError(t, s.MakeCall(p.profile("bob"), testOffer(t, "alice", 40000)))

	invite := p.expect(sip.INVITE)
	p.respond(invite, 404, "Not Found", nil)

	e := rec.expect(t, "error")
	assert.Equal(t, Rejected, e.fault.Kind)
	assert.Equal(t, 404, e.fault.Code)
	assert.Equal(t, StateError, s.State())

	require.NoError(t, s.EndCall())
	rec.expect(t, "ended")
	p.silent(sip.BYE, 50*time.Millisecond)
}

func TestOutgoingCallInvalidAnswer(t *testing.T) {
	p := newPeer(t)
	l := newTestLayer(t)
	rec := newRecorder()

	s, err := l.CreateSession(p.profile("alice"), rec)
	require.NoError(t, err)
	require.NoError(t, s.MakeCall(p.profile("bob"), testOffer(t, "alice", 40000)))

	invite := p.expect(sip.INVITE)
	p.respond(invite, sip.StatusOK, "OK", []byte("v=0\r\nbroken\r\n"))

	p.expect(sip.ACK)
	p.expect(sip.BYE)
	e := rec.expect(t, "error")
	assert.Equal(t, ParseFault, e.fault.Kind)
	assert.Equal(t, StateError, s.State())
}

func TestChangeCallHoldAndResume(t *testing.T) {
	p := newPeer(t)
	l := newTestLayer(t)
	rec := newRecorder()

	s, err := l.CreateSession(p.profile("alice"), rec)
	require.NoError(t, err)
	invite := establish(t, p, s, rec)
	before := s.LocalDescription()

	require.NoError(t, s.ChangeCall(before.WithDirection(sdp.SendOnly)))
	assert.Equal(t, StateInCallChanging, s.State())
	assert.ErrorIs(t, s.ChangeCall(before), ErrInvalidOperation)

	reinvite := p.expect(sip.INVITE)
	assert.Equal(t, invite.CallID().Value(), reinvite.CallID().Value())
	assert.Greater(t, reinvite.CSeq().SeqNo, invite.CSeq().SeqNo)
	offer, err := sdp.Parse(reinvite.Body())
	require.NoError(t, err)
	assert.Equal(t, sdp.SendOnly, offer.Direction())
	assert.Greater(t, offer.Origin.SessionVersion, before.Origin.SessionVersion)

	answer := testOffer(t, "bob", 50000).WithDirection(sdp.RecvOnly)
	p.respond(reinvite, sip.StatusOK, "OK", marshal(t, answer))
	p.expect(sip.ACK)

	e := rec.expect(t, "changed")
	assert.Equal(t, CallHold, e.change)
	assert.True(t, s.IsHold())
	assert.Equal(t, "On hold", s.Status())

	require.NoError(t, s.ChangeCall(before.WithDirection(sdp.SendRecv)))
	reinvite = p.expect(sip.INVITE)
	p.respond(reinvite, sip.StatusOK, "OK", marshal(t, testOffer(t, "bob", 50000)))
	p.expect(sip.ACK)

	e = rec.expect(t, "changed")
	assert.Equal(t, CallResume, e.change)
	assert.False(t, s.IsHold())
	assert.Equal(t, StateInCall, s.State())
}

func TestChangeCallRejectedKeepsCall(t *testing.T) {
	p := newPeer(t)
	l := newTestLayer(t)
	rec := newRecorder()

	s, err := l.CreateSession(p.profile("alice"), rec)
	require.NoError(t, err)
	establish(t, p, s, rec)

	require.NoError(t, s.ChangeCall(s.LocalDescription().WithDirection(sdp.SendOnly)))
	reinvite := p.expect(sip.INVITE)
	p.respond(reinvite, statusNotAcceptableHere, "Not Acceptable Here", nil)
	p.expect(sip.ACK)

	e := rec.expect(t, "error")
	assert.Equal(t, Rejected, e.fault.Kind)
	assert.Equal(t, statusNotAcceptableHere, e.fault.Code)
	assert.Equal(t, StateInCall, s.State())
	assert.False(t, s.IsHold())
}

func TestChangeCallRetriedOnRequestPending(t *testing.T) {
	p := newPeer(t)
	l := newTestLayer(t)
	rec := newRecorder()

	s, err := l.CreateSession(p.profile("alice"), rec)
	require.NoError(t, err)
	establish(t, p, s, rec)

	require.NoError(t, s.ChangeCall(s.LocalDescription().WithDirection(sdp.Inactive)))
	first := p.expect(sip.INVITE)
	p.respond(first, statusRequestPending, "Request Pending", nil)
	p.expect(sip.ACK)

	second := p.expect(sip.INVITE)
	assert.Greater(t, second.CSeq().SeqNo, first.CSeq().SeqNo)
	assert.Equal(t, StateInCallChanging, s.State())
	p.respond(second, sip.StatusOK, "OK", marshal(t, testOffer(t, "bob", 50000).WithDirection(sdp.Inactive)))

	e := rec.expect(t, "changed")
	assert.Equal(t, CallHold, e.change)
}

func TestChangeCallRetriesExhausted(t *testing.T) {
	p := newPeer(t)
	l := newTestLayer(t, WithRetries(3, 1))
	rec := newRecorder()

	s, err := l.CreateSession(p.profile("alice"), rec)
	require.NoError(t, err)
	establish(t, p, s, rec)

	require.NoError(t, s.ChangeCall(s.LocalDescription().WithDirection(sdp.SendOnly)))
	for range 2 {
		reinvite := p.expect(sip.INVITE)
		p.respond(reinvite, statusRequestPending, "Request Pending", nil)
		p.expect(sip.ACK)
	}

	e := rec.expect(t, "error")
	assert.Equal(t, TransportFault, e.fault.Kind)
	assert.Equal(t, StateError, s.State())
	p.silent(sip.INVITE, 50*time.Millisecond)

	// из ERROR звонок закрывается BYE
	require.NoError(t, s.EndCall())
	rec.expect(t, "ended")
	p.expect(sip.BYE)
}

func TestReinviteGlareAnswered491(t *testing.T) {
	p := newPeer(t)
	l := newTestLayer(t)
	rec := newRecorder()

	s, err := l.CreateSession(p.profile("alice"), rec)
	require.NoError(t, err)
	invite := establish(t, p, s, rec)

	require.NoError(t, s.ChangeCall(s.LocalDescription().WithDirection(sdp.SendOnly)))
	reinvite := p.expect(sip.INVITE)

	d := peerDialog(p, l, invite)
	d.send(d.request(sip.INVITE, 2, "", marshal(t, testOffer(t, "bob", 50000).WithDirection(sdp.SendOnly))))
	p.expectResponse(sip.INVITE, statusRequestPending)
	assert.Equal(t, StateInCallChanging, s.State())

	// свой re-INVITE продолжается
	p.respond(reinvite, sip.StatusOK, "OK", marshal(t, testOffer(t, "bob", 50000).WithDirection(sdp.RecvOnly)))
	e := rec.expect(t, "changed")
	assert.Equal(t, CallHold, e.change)
	assert.Equal(t, StateInCall, s.State())
}

func TestPeerByeDuringChange(t *testing.T) {
	p := newPeer(t)
	l := newTestLayer(t)
	rec := newRecorder()

	s, err := l.CreateSession(p.profile("alice"), rec)
	require.NoError(t, err)
	invite := establish(t, p, s, rec)

	require.NoError(t, s.ChangeCall(s.LocalDescription().WithDirection(sdp.SendOnly)))
	p.expect(sip.INVITE)

	d := peerDialog(p, l, invite)
	d.send(d.request(sip.BYE, 1, "", nil))
	p.expectResponse(sip.BYE, sip.StatusOK)

	e := rec.expect(t, "error")
	assert.Equal(t, ProtocolFault, e.fault.Kind)
	rec.expect(t, "ended")
	assert.Equal(t, StateEnded, s.State())
}

func TestCloseEndsEstablishedCall(t *testing.T) {
	p := newPeer(t)
	l := newTestLayer(t)
	rec := newRecorder()

	s, err := l.CreateSession(p.profile("alice"), rec)
	require.NoError(t, err)
	invite := establish(t, p, s, rec)

	require.NoError(t, l.Close())
	bye := p.expect(sip.BYE)
	assert.Equal(t, invite.CallID().Value(), bye.CallID().Value())
	assert.Equal(t, StateEnded, s.State())
	assert.Empty(t, l.Sessions())
	rec.none(t, 50*time.Millisecond)
}

func TestCloseCancelsRingingCall(t *testing.T) {
	p := newPeer(t)
	l := newTestLayer(t)
	rec := newRecorder()

	s, err := l.CreateSession(p.profile("alice"), rec)
	require.NoError(t, err)
	require.NoError(t, s.MakeCall(p.profile("bob"), testOffer(t, "alice", 40000)))
	invite := p.expect(sip.INVITE)
	p.respond(invite, sip.StatusRinging, "Ringing", nil)
	rec.expect(t, "ringing_back")

	require.NoError(t, l.Close())
	cancel := p.expect(sip.CANCEL)
	assert.Equal(t, invite.CSeq().SeqNo, cancel.CSeq().SeqNo)
	assert.Equal(t, StateEnded, s.State())
	rec.none(t, 50*time.Millisecond)
}

func TestPeerEndsCall(t *testing.T) {
	p := newPeer(t)
	l := newTestLayer(t)
	rec := newRecorder()

	s, err := l.CreateSession(p.profile("alice"), rec)
	require.NoError(t, err)
	invite := establish(t, p, s, rec)

	d := peerDialog(p, l, invite)
	d.send(d.request(sip.BYE, 1, "", nil))

	p.expectResponse(sip.BYE, sip.StatusOK)
	rec.expect(t, "ended")
	assert.Equal(t, StateEnded, s.State())
	_, ok := l.Session(invite.CallID().Value())
	assert.False(t, ok)
}

func TestMakeCallFromRegisteredHandsOffRegistration(t *testing.T) {
	p := newPeer(t)
	l := newTestLayer(t)
	rec := newRecorder()

	s, err := l.CreateSession(p.profile("alice"), rec)
	require.NoError(t, err)
	require.NoError(t, s.Register())
	register := p.expect(sip.REGISTER)
	p.respond(register, sip.StatusOK, "OK", nil)
	rec.expect(t, "registration_done")
	regCallID := s.CallID()

	establish(t, p, s, rec)
	assert.NotEqual(t, regCallID, s.CallID())

	reg, ok := l.Session(regCallID)
	require.True(t, ok)
	assert.NotSame(t, s, reg)
	assert.Equal(t, StateRegistered, reg.State())
	assert.Len(t, l.Sessions(), 2)
}
