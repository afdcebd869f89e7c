package session

import (
	"github.com/arzzra/sipua/pkg/sdp"
)

// CallChange результат изменения сессии re-INVITE
type CallChange int

const (
	// CallHold предложение с sendonly, inactive или нулевым адресом
	CallHold CallChange = iota + 1
	// CallResume предложение с sendrecv или recvonly
	CallResume
)

func (c CallChange) String() string {
	switch c {
	case CallHold:
		return "hold"
	case CallResume:
		return "resume"
	default:
		return "unknown"
	}
}

func changeFor(offer *sdp.SessionDescription) CallChange {
	if offer != nil && offer.IsHold() {
		return CallHold
	}
	return CallResume
}

//go:generate mockgen -source=listener.go -destination=mock_listener_test.go -package=session Listener

// Listener получает события сессии. Все методы вызываются в
// последовательном контексте сессии.
type Listener interface {
	OnRegistrationDone(s *Session)
	OnRegistrationFailed(s *Session, fault *Fault)
	OnRegistrationTimeout(s *Session)
	// OnRinging входящий вызов; offer nil, если INVITE пришел без SDP
	OnRinging(s *Session, offer *sdp.SessionDescription)
	OnRingingBack(s *Session)
	// OnCallEstablished передает согласованное описание удаленной стороны
	OnCallEstablished(s *Session, remote *sdp.SessionDescription)
	OnCallChanged(s *Session, change CallChange)
	OnCallBusy(s *Session)
	OnCallEnded(s *Session)
	OnError(s *Session, fault *Fault)
}

// NopListener пустая реализация Listener для встраивания
type NopListener struct{}

func (NopListener) OnRegistrationDone(*Session)                         {}
func (NopListener) OnRegistrationFailed(*Session, *Fault)               {}
func (NopListener) OnRegistrationTimeout(*Session)                      {}
func (NopListener) OnRinging(*Session, *sdp.SessionDescription)         {}
func (NopListener) OnRingingBack(*Session)                              {}
func (NopListener) OnCallEstablished(*Session, *sdp.SessionDescription) {}
func (NopListener) OnCallChanged(*Session, CallChange)                  {}
func (NopListener) OnCallBusy(*Session)                                 {}
func (NopListener) OnCallEnded(*Session)                                {}
func (NopListener) OnError(*Session, *Fault)                            {}

// ListenerFuncs адаптер Listener из функций. Незаданные поля игнорируются.
type ListenerFuncs struct {
	RegistrationDone    func(s *Session)
	RegistrationFailed  func(s *Session, fault *Fault)
	RegistrationTimeout func(s *Session)
	Ringing             func(s *Session, offer *sdp.SessionDescription)
	RingingBack         func(s *Session)
	CallEstablished     func(s *Session, remote *sdp.SessionDescription)
	CallChanged         func(s *Session, change CallChange)
	CallBusy            func(s *Session)
	CallEnded           func(s *Session)
	Error               func(s *Session, fault *Fault)
}

func (l ListenerFuncs) OnRegistrationDone(s *Session) {
	if l.RegistrationDone != nil {
		l.RegistrationDone(s)
	}
}

func (l ListenerFuncs) OnRegistrationFailed(s *Session, fault *Fault) {
	if l.RegistrationFailed != nil {
		l.RegistrationFailed(s, fault)
	}
}

func (l ListenerFuncs) OnRegistrationTimeout(s *Session) {
	if l.RegistrationTimeout != nil {
		l.RegistrationTimeout(s)
	}
}

func (l ListenerFuncs) OnRinging(s *Session, offer *sdp.SessionDescription) {
	if l.Ringing != nil {
		l.Ringing(s, offer)
	}
}

func (l ListenerFuncs) OnRingingBack(s *Session) {
	if l.RingingBack != nil {
		l.RingingBack(s)
	}
}

func (l ListenerFuncs) OnCallEstablished(s *Session, remote *sdp.SessionDescription) {
	if l.CallEstablished != nil {
		l.CallEstablished(s, remote)
	}
}

func (l ListenerFuncs) OnCallChanged(s *Session, change CallChange) {
	if l.CallChanged != nil {
		l.CallChanged(s, change)
	}
}

func (l ListenerFuncs) OnCallBusy(s *Session) {
	if l.CallBusy != nil {
		l.CallBusy(s)
	}
}

func (l ListenerFuncs) OnCallEnded(s *Session) {
	if l.CallEnded != nil {
		l.CallEnded(s)
	}
}

func (l ListenerFuncs) OnError(s *Session, fault *Fault) {
	if l.Error != nil {
		l.Error(s, fault)
	}
}
