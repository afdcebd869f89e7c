package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/arzzra/sipua/internal/config"
	"github.com/arzzra/sipua/pkg/media"
	"github.com/arzzra/sipua/pkg/profile"
	"github.com/arzzra/sipua/pkg/sdp"
	"github.com/arzzra/sipua/pkg/session"
)

// phone связывает команды пользователя, события сессий и медиа поток.
// Одновременно ведется один звонок.
type phone struct {
	session.NopListener

	ctx    context.Context
	layer  *session.Layer
	local  *profile.Profile
	conf   *config.Config
	logger *slog.Logger
	out    io.Writer

	mu     sync.Mutex
	reg    *session.Session
	call   *session.Session
	stream *media.Stream
	// sdpID идентификатор origin текущего звонка
	sdpID uint64
}

func newPhone(ctx context.Context, layer *session.Layer, local *profile.Profile, conf *config.Config, logger *slog.Logger, out io.Writer) *phone {
	return &phone{
		ctx:    ctx,
		layer:  layer,
		local:  local,
		conf:   conf,
		logger: logger,
		out:    out,
	}
}

func (p *phone) printf(format string, args ...any) {
	fmt.Fprintf(p.out, format+"\n", args...)
}

func (p *phone) exec(cmd command) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch cmd.name {
	case cmdHelp:
		p.printf("%s", usage)
		return nil
	case cmdStatus:
		p.status()
		return nil
	case cmdRegister:
		return p.register()
	case cmdCall:
		return p.dial(cmd.arg)
	}

	if p.call == nil {
		return fmt.Errorf("no call")
	}
	switch cmd.name {
	case cmdAnswer:
		offer, err := p.offer(sdp.SendRecv)
		if err != nil {
			return err
		}
		return p.call.AnswerCall(offer)
	case cmdHold:
		offer, err := p.offer(sdp.SendOnly)
		if err != nil {
			return err
		}
		return p.call.ChangeCall(offer)
	case cmdResume:
		offer, err := p.offer(sdp.SendRecv)
		if err != nil {
			return err
		}
		return p.call.ChangeCall(offer)
	case cmdHangup:
		return p.call.EndCall()
	}
	return fmt.Errorf("unknown command %q", cmd.name)
}

func (p *phone) status() {
	if p.reg != nil {
		p.printf("registration: %s", p.reg.Status())
	} else {
		p.printf("registration: none")
	}
	if p.call != nil {
		p.printf("call %s: %s", p.call.Peer(), p.call.Status())
	} else {
		p.printf("call: none")
	}
}

func (p *phone) register() error {
	if p.reg != nil && !p.reg.State().Terminal() {
		return p.reg.Register()
	}
	s, err := p.layer.CreateSession(p.local, p)
	if err != nil {
		return err
	}
	p.reg = s
	return s.Register()
}

func (p *phone) dial(uri string) error {
	if p.call != nil {
		return fmt.Errorf("call in progress")
	}
	peer, err := profile.NewBuilder(uri).Build()
	if err != nil {
		return err
	}

	// из REGISTERED сессия становится звонком, регистрацию продолжает новая
	s, regID := p.reg, ""
	if s == nil || s.State() != session.StateRegistered {
		if s, err = p.layer.CreateSession(p.local, p); err != nil {
			return err
		}
	} else {
		regID = s.CallID()
	}

	p.sdpID = uint64(time.Now().UnixNano())
	offer, err := p.offer(sdp.SendRecv)
	if err != nil {
		return err
	}
	if err := s.MakeCall(peer, offer); err != nil {
		return err
	}
	p.call = s
	if regID != "" {
		p.reg, _ = p.layer.Session(regID)
	}
	return nil
}

// offer описание локального медиа с направлением dir. Поток открывается
// при первом вызове для звонка.
func (p *phone) offer(dir sdp.Direction) (*sdp.SessionDescription, error) {
	if p.stream == nil {
		st, err := media.Listen(media.Config{
			LocalAddr:   net.JoinHostPort("0.0.0.0", strconv.Itoa(p.conf.Media.Port)),
			PayloadType: p.conf.Media.PayloadType,
			DSCP:        media.DefaultConfig().DSCP,
			Logger:      p.logger,
		})
		if err != nil {
			return nil, err
		}
		p.stream = st
	}
	if p.sdpID == 0 {
		p.sdpID = uint64(time.Now().UnixNano())
	}

	addr := p.mediaHost()
	pt := int(p.conf.Media.PayloadType)
	b := sdp.NewBuilder("sipua").
		Origin(p.local.User(), p.sdpID, 1, addr).
		Connection(addr).
		AddMedia("audio", p.stream.LocalAddr().Port, "RTP/AVP", pt).
		AddMediaAttribute("ptime", "20")
	if name, ok := rtpmap[p.conf.Media.PayloadType]; ok {
		b.AddMediaAttribute("rtpmap", fmt.Sprintf("%d %s", pt, name))
	}
	d, err := b.Build()
	if err != nil {
		return nil, err
	}
	return d.WithDirection(dir), nil
}

var rtpmap = map[uint8]string{
	media.PayloadPCMU: "PCMU/8000",
	media.PayloadPCMA: "PCMA/8000",
}

// mediaHost адрес для c= строки: из конфигурации, адрес SIP сокета или
// адрес интерфейса маршрута по умолчанию
func (p *phone) mediaHost() string {
	if p.conf.Media.Address != "" {
		return p.conf.Media.Address
	}
	if udp, ok := p.layer.LocalAddr().(*net.UDPAddr); ok && !udp.IP.IsUnspecified() {
		return udp.IP.String()
	}
	if tcp, ok := p.layer.LocalAddr().(*net.TCPAddr); ok && !tcp.IP.IsUnspecified() {
		return tcp.IP.String()
	}
	conn, err := net.Dial("udp", "192.0.2.1:9")
	if err != nil {
		return "127.0.0.1"
	}
	defer conn.Close()
	return conn.LocalAddr().(*net.UDPAddr).IP.String()
}

// stopMedia закрывает поток текущего звонка
func (p *phone) stopMedia() {
	if p.stream != nil {
		if err := p.stream.Close(); err != nil {
			p.logger.Debug("close media", slog.Any("error", err))
		}
		p.stream = nil
	}
	p.sdpID = 0
}

func (p *phone) finish(s *session.Session) {
	if p.call == s {
		p.call = nil
		p.stopMedia()
	}
	if p.reg == s {
		p.reg = nil
	}
}

func (p *phone) close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stopMedia()
}

func (p *phone) OnRegistrationDone(s *session.Session) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.reg == nil {
		p.reg = s
	}
	p.printf("registered as %s", s.Local())
}

func (p *phone) OnRegistrationFailed(s *session.Session, fault *session.Fault) {
	p.printf("registration failed: %v", fault)
}

func (p *phone) OnRegistrationTimeout(s *session.Session) {
	p.printf("registration timed out")
}

func (p *phone) OnRinging(s *session.Session, offer *sdp.SessionDescription) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.call != nil {
		_ = s.EndCall()
		return
	}
	p.call = s
	p.printf("incoming call from %s, type 'answer' or 'hangup'", s.Peer())
}

func (p *phone) OnRingingBack(s *session.Session) {
	p.printf("ringing %s", s.Peer())
}

func (p *phone) OnCallEstablished(s *session.Session, remote *sdp.SessionDescription) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.printf("call established with %s", s.Peer())

	if p.call != s || p.stream == nil || remote == nil {
		return
	}
	host, port, err := remote.MediaAddress("audio")
	if err != nil {
		p.logger.Warn("no remote media address", slog.Any("error", err))
		return
	}
	if err := p.stream.SetRemote(host, port); err != nil {
		p.logger.Warn("set remote media", slog.Any("error", err))
		return
	}
	p.stream.SetPaused(remote.IsHold())
	if err := p.stream.Start(p.ctx); err != nil {
		p.logger.Warn("start media", slog.Any("error", err))
	}
}

func (p *phone) OnCallChanged(s *session.Session, change session.CallChange) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.printf("call %s", change)
	if p.call == s && p.stream != nil {
		p.stream.SetPaused(change == session.CallHold)
	}
}

func (p *phone) OnCallBusy(s *session.Session) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.printf("%s is busy", s.Peer())
	p.finish(s)
}

func (p *phone) OnCallEnded(s *session.Session) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.call == s {
		p.printf("call ended")
	}
	p.finish(s)
}

// OnError не всегда завершает сессию: отклоненный re-INVITE оставляет звонок
// в IN_CALL, а из ERROR диалог закрывается только через EndCall.
func (p *phone) OnError(s *session.Session, fault *session.Fault) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.printf("error: %v", fault)

	switch s.State() {
	case session.StateEnded:
		p.finish(s)
	case session.StateError:
		if p.reg == s {
			_ = s.EndCall()
			p.reg = nil
		}
		if p.call == s {
			if p.stream != nil {
				p.stream.SetPaused(true)
			}
			p.printf("call failed, type 'hangup' to release it")
		}
	}
}
