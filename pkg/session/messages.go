package session

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/emiago/sipgo/sip"
	"github.com/icholy/digest"

	"github.com/arzzra/sipua/pkg/profile"
	"github.com/arzzra/sipua/pkg/sdp"
)

const (
	contentTypeSDP = "application/sdp"
	maxForwards    = 70
	tagLength      = 10
	defaultSIPPort = 5060
)

// Коды ответов без констант в sip
const (
	statusTemporarilyUnavailable = 480
	statusTransactionNotExist    = 481
	statusRequestTerminated      = 487
	statusNotAcceptableHere      = 488
	statusRequestPending         = 491
	statusBusyEverywhere         = 600
	statusDecline                = 603
	statusIntervalTooBrief       = 423
	statusServerInternalError    = 500
)

const allowedMethods = "INVITE, ACK, CANCEL, BYE, OPTIONS"

var errNoChallenge = errors.New("no authentication challenge in response")

type headerAppender interface {
	AppendHeader(h sip.Header)
	SetBody(body []byte)
}

type headerGetter interface {
	GetHeader(name string) sip.Header
	GetHeaders(name string) []sip.Header
}

type bodyCarrier interface {
	headerGetter
	Body() []byte
}

// setBody выставляет тело и Content-Type. Пустое тело дает Content-Length: 0.
func setBody(m headerAppender, body []byte) {
	if len(body) > 0 {
		ct := sip.ContentTypeHeader(contentTypeSDP)
		m.AppendHeader(&ct)
	}
	m.SetBody(body)
}

func newTag() string {
	return sip.RandString(tagLength)
}

func tagOf(params sip.HeaderParams) string {
	if params == nil {
		return ""
	}
	tag, _ := params.Get("tag")
	return tag
}

// via строит Via с новым или заданным branch
func (s *Session) via(branch string) *sip.ViaHeader {
	host, port := s.layer.contactHostPort()
	return &sip.ViaHeader{
		ProtocolName:    "SIP",
		ProtocolVersion: "2.0",
		Transport:       strings.ToUpper(s.layer.network()),
		Host:            host,
		Port:            port,
		Params:          sip.NewParams().Add("branch", branch),
	}
}

func (s *Session) contact() *sip.ContactHeader {
	host, port := s.layer.contactHostPort()
	uri := sip.Uri{
		Scheme: "sip",
		User:   s.local.User(),
		Host:   host,
		Port:   port,
	}
	if s.layer.network() == "tcp" {
		uri.UriParams = sip.NewParams().Add("transport", "tcp")
	}
	return &sip.ContactHeader{Address: uri}
}

// newRequest строит запрос внутри диалога сессии с очередным CSeq
func (s *Session) newRequest(method sip.RequestMethod, target sip.Uri, body []byte) *sip.Request {
	s.cseq++

	req := sip.NewRequest(method, target)
	req.AppendHeader(s.via(sip.GenerateBranch()))
	req.AppendHeader(&sip.FromHeader{
		DisplayName: s.localName,
		Address:     s.localURI,
		Params:      sip.HeaderParams{"tag": s.localTag},
	})
	to := &sip.ToHeader{
		DisplayName: s.remoteName,
		Address:     s.remoteURI,
		Params:      sip.NewParams(),
	}
	if s.remoteTag != "" {
		to.Params["tag"] = s.remoteTag
	}
	req.AppendHeader(to)

	callID := sip.CallIDHeader(s.callID)
	req.AppendHeader(&callID)
	req.AppendHeader(&sip.CSeqHeader{SeqNo: s.cseq, MethodName: method})
	maxFwd := sip.MaxForwardsHeader(maxForwards)
	req.AppendHeader(&maxFwd)

	for _, route := range s.routeSet {
		req.AppendHeader(&sip.RouteHeader{Address: route})
	}
	if method != sip.BYE && method != sip.CANCEL {
		req.AppendHeader(s.contact())
	}
	if ua := s.layer.cfg.UserAgent; ua != "" {
		req.AppendHeader(sip.NewHeader("User-Agent", ua))
	}

	setBody(req, body)
	return req
}

// registerRequest строит REGISTER на домен профиля
func (s *Session) registerRequest(expires int) *sip.Request {
	registrar := sip.Uri{
		Scheme: "sip",
		Host:   s.local.Domain(),
		Port:   s.local.Port(),
	}
	s.cseq++

	req := sip.NewRequest(sip.REGISTER, registrar)
	req.AppendHeader(s.via(sip.GenerateBranch()))
	req.AppendHeader(&sip.FromHeader{
		DisplayName: s.local.DisplayName(),
		Address:     s.local.URI(),
		Params:      sip.HeaderParams{"tag": s.localTag},
	})
	req.AppendHeader(&sip.ToHeader{
		DisplayName: s.local.DisplayName(),
		Address:     s.local.URI(),
		Params:      sip.NewParams(),
	})
	callID := sip.CallIDHeader(s.callID)
	req.AppendHeader(&callID)
	req.AppendHeader(&sip.CSeqHeader{SeqNo: s.cseq, MethodName: sip.REGISTER})
	maxFwd := sip.MaxForwardsHeader(maxForwards)
	req.AppendHeader(&maxFwd)
	req.AppendHeader(s.contact())
	req.AppendHeader(sip.NewHeader("Expires", strconv.Itoa(expires)))
	if ua := s.layer.cfg.UserAgent; ua != "" {
		req.AppendHeader(sip.NewHeader("User-Agent", ua))
	}

	setBody(req, nil)
	return req
}

// ackFor строит ACK на 2xx: отдельная транзакция, CSeq как у INVITE
func (s *Session) ackFor(invite *sip.Request) *sip.Request {
	req := sip.NewRequest(sip.ACK, s.remoteTarget)
	req.AppendHeader(s.via(sip.GenerateBranch()))
	req.AppendHeader(&sip.FromHeader{
		DisplayName: s.localName,
		Address:     s.localURI,
		Params:      sip.HeaderParams{"tag": s.localTag},
	})
	req.AppendHeader(&sip.ToHeader{
		DisplayName: s.remoteName,
		Address:     s.remoteURI,
		Params:      sip.HeaderParams{"tag": s.remoteTag},
	})
	callID := sip.CallIDHeader(s.callID)
	req.AppendHeader(&callID)
	req.AppendHeader(&sip.CSeqHeader{SeqNo: invite.CSeq().SeqNo, MethodName: sip.ACK})
	maxFwd := sip.MaxForwardsHeader(maxForwards)
	req.AppendHeader(&maxFwd)
	for _, route := range s.routeSet {
		req.AppendHeader(&sip.RouteHeader{Address: route})
	}
	setBody(req, nil)
	return req
}

// ackForFailure строит ACK на не-2xx финальный ответ внутри той же
// транзакции: branch и Request-URI берутся из INVITE, To из ответа.
func ackForFailure(invite *sip.Request, resp *sip.Response) *sip.Request {
	req := sip.NewRequest(sip.ACK, invite.Recipient)
	req.AppendHeader(invite.Via())
	req.AppendHeader(invite.From())
	req.AppendHeader(resp.To())
	req.AppendHeader(invite.CallID())
	req.AppendHeader(&sip.CSeqHeader{SeqNo: invite.CSeq().SeqNo, MethodName: sip.ACK})
	maxFwd := sip.MaxForwardsHeader(maxForwards)
	req.AppendHeader(&maxFwd)
	for _, h := range invite.GetHeaders("Route") {
		req.AppendHeader(h)
	}
	setBody(req, nil)
	return req
}

// cancelFor строит CANCEL для отправленного INVITE
func cancelFor(invite *sip.Request) *sip.Request {
	req := sip.NewRequest(sip.CANCEL, invite.Recipient)
	req.AppendHeader(invite.Via())
	req.AppendHeader(invite.From())
	req.AppendHeader(invite.To())
	req.AppendHeader(invite.CallID())
	req.AppendHeader(&sip.CSeqHeader{SeqNo: invite.CSeq().SeqNo, MethodName: sip.CANCEL})
	maxFwd := sip.MaxForwardsHeader(maxForwards)
	req.AppendHeader(&maxFwd)
	for _, h := range invite.GetHeaders("Route") {
		req.AppendHeader(h)
	}
	setBody(req, nil)
	return req
}

// response строит ответ на входящий запрос диалога. Для 2xx и 18x на INVITE
// добавляется Contact, Record-Route копирует sip.NewResponseFromRequest.
func (s *Session) response(req *sip.Request, code int, reason string, body []byte) *sip.Response {
	resp := sip.NewResponseFromRequest(req, code, reason, nil)
	if code > 100 && s.localTag != "" {
		to := resp.To()
		if to.Params == nil {
			to.Params = sip.NewParams()
		}
		to.Params["tag"] = s.localTag
	}
	if req.Method == sip.INVITE && code > 100 && code < 300 {
		resp.AppendHeader(s.contact())
	}
	setBody(resp, body)
	return resp
}

// authorize вычисляет digest ответ на 401/407 по учетным данным профиля.
// Возвращает имя заголовка и его значение.
func authorize(req *sip.Request, resp *sip.Response, p *profile.Profile) (string, string, error) {
	challengeName, credentialsName := "WWW-Authenticate", "Authorization"
	if resp.StatusCode == sip.StatusProxyAuthRequired {
		challengeName, credentialsName = "Proxy-Authenticate", "Proxy-Authorization"
	}

	h := resp.GetHeader(challengeName)
	if h == nil {
		return "", "", errNoChallenge
	}
	chal, err := digest.ParseChallenge(h.Value())
	if err != nil {
		return "", "", fmt.Errorf("invalid challenge %q: %w", h.Value(), err)
	}
	cred, err := digest.Digest(chal, digest.Options{
		Method:   req.Method.String(),
		URI:      req.Recipient.String(),
		Username: p.AuthUsername(),
		Password: p.Password(),
	})
	if err != nil {
		return "", "", err
	}
	return credentialsName, cred.String(), nil
}

// parseBody разбирает SDP тело сообщения. Пустое тело дает nil без ошибки.
func parseBody(msg bodyCarrier) (*sdp.SessionDescription, error) {
	body := msg.Body()
	if len(body) == 0 {
		return nil, nil
	}
	if ct := msg.GetHeader("Content-Type"); ct != nil && !strings.HasPrefix(strings.ToLower(ct.Value()), contentTypeSDP) {
		return nil, fmt.Errorf("unsupported content type %q", ct.Value())
	}
	return sdp.Parse(body)
}

// grantedExpires возвращает срок регистрации из Contact или Expires ответа
func grantedExpires(resp *sip.Response, requested int) int {
	if c := resp.Contact(); c != nil && c.Params != nil {
		if v, ok := c.Params.Get("expires"); ok {
			if n, err := strconv.Atoi(v); err == nil {
				return n
			}
		}
	}
	if h := resp.GetHeader("Expires"); h != nil {
		if n, err := strconv.Atoi(strings.TrimSpace(h.Value())); err == nil {
			return n
		}
	}
	return requested
}

func minExpires(resp *sip.Response) (int, bool) {
	h := resp.GetHeader("Min-Expires")
	if h == nil {
		return 0, false
	}
	n, err := strconv.Atoi(strings.TrimSpace(h.Value()))
	return n, err == nil && n > 0
}

// recordRoutes извлекает маршрут из Record-Route. UAC использует обратный порядок.
func recordRoutes(msg headerGetter, reverse bool) []sip.Uri {
	hdrs := msg.GetHeaders("Record-Route")
	routes := make([]sip.Uri, 0, len(hdrs))
	for _, h := range hdrs {
		rr, ok := h.(*sip.RecordRouteHeader)
		if !ok {
			continue
		}
		routes = append(routes, rr.Address)
	}
	if reverse {
		for i, j := 0, len(routes)-1; i < j; i, j = i+1, j-1 {
			routes[i], routes[j] = routes[j], routes[i]
		}
	}
	return routes
}

// directAddr возвращает адрес назначения для URI с IP адресом без DNS
func directAddr(uri sip.Uri) (string, bool) {
	if net.ParseIP(strings.Trim(uri.Host, "[]")) == nil {
		return "", false
	}
	port := uri.Port
	if port == 0 {
		port = defaultSIPPort
	}
	return net.JoinHostPort(strings.Trim(uri.Host, "[]"), strconv.Itoa(port)), true
}

func isBusy(code int) bool {
	return code == sip.StatusBusyHere || code == statusBusyEverywhere || code == statusDecline
}

func isAuthChallenge(code int) bool {
	return code == sip.StatusUnauthorized || code == sip.StatusProxyAuthRequired
}
