package session

import (
	"testing"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/icholy/digest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/arzzra/sipua/pkg/profile"
)

func waitClosed(t *testing.T, ch <-chan struct{}) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(waitTimeout):
		t.Fatal("listener was not called")
	}
}

func TestRegisterSuccess(t *testing.T) {
	p := newPeer(t)
	l := newTestLayer(t)

	ctrl := gomock.NewController(t)
	listener := NewMockListener(ctrl)
	done := make(chan struct{})
	listener.EXPECT().OnRegistrationDone(gomock.Any()).Do(func(*Session) { close(done) }).Times(1)

	s, err := l.CreateSession(p.profile("alice"), listener)
	require.NoError(t, err)
	require.NoError(t, s.Register())
	assert.Equal(t, StateRegistering, s.State())
	assert.Equal(t, "Registering...", s.Status())

	req := p.expect(sip.REGISTER)
	assert.Equal(t, "3600", req.GetHeader("Expires").Value())
	assert.Equal(t, p.uri("alice").User, req.From().Address.User)
	require.NotNil(t, req.Contact())
	assert.Equal(t, "alice", req.Contact().Address.User)

	p.respond(req, sip.StatusOK, "OK", nil, func(r *sip.Response) {
		r.AppendHeader(sip.NewHeader("Expires", "120"))
	})
	waitClosed(t, done)

	assert.Equal(t, StateRegistered, s.State())
	assert.Equal(t, "Registered", s.Status())
	assert.NotEmpty(t, s.CallID())

	got, ok := l.Session(s.CallID())
	require.True(t, ok)
	assert.Same(t, s, got)
}

func TestRegisterTimeoutReportedOnce(t *testing.T) {
	p := newPeer(t)
	l := newTestLayer(t, WithRetries(1, 1))

	ctrl := gomock.NewController(t)
	listener := NewMockListener(ctrl)
	done := make(chan struct{})
	listener.EXPECT().OnRegistrationTimeout(gomock.Any()).Do(func(*Session) { close(done) }).Times(1)

	s, err := l.CreateSession(p.profile("alice"), listener)
	require.NoError(t, err)
	require.NoError(t, s.Register())

	first := p.expect(sip.REGISTER)
	second := p.expect(sip.REGISTER)
	assert.Greater(t, second.CSeq().SeqNo, first.CSeq().SeqNo)
	assert.Equal(t, first.CallID().Value(), second.CallID().Value())

	waitClosed(t, done)
	waitState(t, s, StateReady)
	p.silent(sip.REGISTER, 100*time.Millisecond)
}

func TestRegisterRejected(t *testing.T) {
	p := newPeer(t)
	l := newTestLayer(t)

	ctrl := gomock.NewController(t)
	listener := NewMockListener(ctrl)
	faults := make(chan *Fault, 1)
	listener.EXPECT().OnRegistrationFailed(gomock.Any(), gomock.Any()).
		Do(func(_ *Session, f *Fault) { faults <- f }).Times(1)

	s, err := l.CreateSession(p.profile("alice"), listener)
	require.NoError(t, err)
	require.NoError(t, s.Register())

	req := p.expect(sip.REGISTER)
	p.respond(req, 403, "Forbidden", nil)

	select {
	case f := <-faults:
		assert.Equal(t, Rejected, f.Kind)
		assert.Equal(t, 403, f.Code)
	case <-time.After(waitTimeout):
		t.Fatal("registration failure not reported")
	}
	waitState(t, s, StateReady)
}

func TestRegisterDigestAuth(t *testing.T) {
	p := newPeer(t)
	l := newTestLayer(t)

	local, err := profile.NewBuilder(p.addr("alice")).
		AuthUsername("alice-auth").
		Password("secret").
		Build()
	require.NoError(t, err)

	rec := newRecorder()
	s, err := l.CreateSession(local, rec)
	require.NoError(t, err)
	require.NoError(t, s.Register())

	req := p.expect(sip.REGISTER)
	assert.Nil(t, req.GetHeader("Authorization"))

	chal := digest.Challenge{Realm: "sipua.test", Nonce: "5f1c2d", Algorithm: "MD5"}
	p.respond(req, sip.StatusUnauthorized, "Unauthorized", nil, func(r *sip.Response) {
		r.AppendHeader(sip.NewHeader("WWW-Authenticate", chal.String()))
	})

	req = p.expect(sip.REGISTER)
	h := req.GetHeader("Authorization")
	require.NotNil(t, h)
	cred, err := digest.ParseCredentials(h.Value())
	require.NoError(t, err)
	assert.Equal(t, "alice-auth", cred.Username)
	assert.Equal(t, "sipua.test", cred.Realm)

	want, err := digest.Digest(&chal, digest.Options{
		Method:   "REGISTER",
		URI:      cred.URI,
		Username: "alice-auth",
		Password: "secret",
	})
	require.NoError(t, err)
	assert.Equal(t, want.Response, cred.Response)

	p.respond(req, sip.StatusOK, "OK", nil)
	rec.expect(t, "registration_done")
	assert.Equal(t, StateRegistered, s.State())
}

func TestRegisterChallengeAnsweredOnce(t *testing.T) {
	p := newPeer(t)
	l := newTestLayer(t)

	local, err := profile.NewBuilder(p.addr("alice")).Password("wrong").Build()
	require.NoError(t, err)

	rec := newRecorder()
	s, err := l.CreateSession(local, rec)
	require.NoError(t, err)
	require.NoError(t, s.Register())

	chal := digest.Challenge{Realm: "sipua.test", Nonce: "n1", Algorithm: "MD5"}
	for range 2 {
		req := p.expect(sip.REGISTER)
		p.respond(req, sip.StatusUnauthorized, "Unauthorized", nil, func(r *sip.Response) {
			r.AppendHeader(sip.NewHeader("WWW-Authenticate", chal.String()))
		})
	}

	e := rec.expect(t, "registration_failed")
	assert.Equal(t, Rejected, e.fault.Kind)
	assert.Equal(t, sip.StatusUnauthorized, e.fault.Code)
	waitState(t, s, StateReady)
}

func TestEndRegistrationUnregisters(t *testing.T) {
	p := newPeer(t)
	l := newTestLayer(t)

	rec := newRecorder()
	s, err := l.CreateSession(p.profile("alice"), rec)
	require.NoError(t, err)
	require.NoError(t, s.Register())
	p.respond(p.expect(sip.REGISTER), sip.StatusOK, "OK", nil)
	rec.expect(t, "registration_done")

	require.NoError(t, s.EndCall())
	req := p.expect(sip.REGISTER)
	assert.Equal(t, "0", req.GetHeader("Expires").Value())
	rec.expect(t, "ended")
	p.respond(req, sip.StatusOK, "OK", nil)

	require.Eventually(t, func() bool {
		_, ok := l.Session(s.CallID())
		return !ok
	}, waitTimeout, 5*time.Millisecond)
	assert.Equal(t, StateEnded, s.State())
	assert.ErrorIs(t, s.Register(), ErrInvalidOperation)
}

func TestCloseUnregisters(t *testing.T) {
	p := newPeer(t)
	l := NewLayer(WithTimers(testTimers))
	require.NoError(t, l.Open(t.Context(), "127.0.0.1:0"))

	rec := newRecorder()
	s, err := l.CreateSession(p.profile("alice"), rec)
	require.NoError(t, err)
	require.NoError(t, s.Register())
	p.respond(p.expect(sip.REGISTER), sip.StatusOK, "OK", nil)
	rec.expect(t, "registration_done")

	require.NoError(t, l.Close())
	req := p.expect(sip.REGISTER)
	assert.Equal(t, "0", req.GetHeader("Expires").Value())
	assert.Equal(t, StateEnded, s.State())
	assert.Empty(t, l.Sessions())

	_, err = l.CreateSession(p.profile("alice"), rec)
	assert.ErrorIs(t, err, ErrLayerClosed)
}
