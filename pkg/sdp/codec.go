package sdp

import (
	"bytes"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/pion/sdp/v3"
)

var (
	// pion сообщает фрагмент, на котором споткнулся разбор, в обратных кавычках
	pionFragment = regexp.MustCompile("`([^`]*)`")
	// или позицию байта во входе
	pionPosition = regexp.MustCompile(`at pos (\d+)`)
)

// pion принимает только зарегистрированные в IANA типы медиа и протоколы.
// Строки "m=" передаются ему с нейтральными значениями, исходные
// восстанавливаются после разбора.
const (
	neutralMediaType = "audio"
	neutralProtocol  = "RTP/AVP"
)

// mediaName тип и протокол строки "m=" в том виде, в котором они пришли
type mediaName struct {
	typ   string
	proto string
}

// Parse разбирает текст SDP. Ошибки разбора имеют тип *ParseError
// и указывают строку, вызвавшую ошибку.
func Parse(data []byte) (*SessionDescription, error) {
	lines, names, err := scanLines(data)
	if err != nil {
		return nil, err
	}

	input := neutralLines(lines)
	var psd sdp.SessionDescription
	if err := psd.Unmarshal([]byte(strings.Join(input, "\r\n") + "\r\n")); err != nil {
		return nil, locate(input, lines, err)
	}

	d := fromPion(&psd)
	for i := range d.Media {
		if i < len(names) {
			d.Media[i].Type = names[i].typ
			d.Media[i].Protocol = names[i].proto
		}
	}
	if err := d.Validate(); err != nil {
		return nil, &ParseError{Err: err}
	}
	return d, nil
}

// Serialize кодирует описание в текст SDP с детерминированным порядком полей:
// origin, имя, connection, время, атрибуты сессии, затем медиа блоки в порядке добавления.
func Serialize(d *SessionDescription) ([]byte, error) {
	if err := d.Validate(); err != nil {
		return nil, err
	}
	return toPion(d).Marshal()
}

// Marshal то же самое, что Serialize(d)
func (d *SessionDescription) Marshal() ([]byte, error) {
	return Serialize(d)
}

// scanLines нормализует переводы строк и проверяет строки, которые модель использует.
// names содержит тип и протокол каждой строки "m=" по порядку.
func scanLines(data []byte) (lines []string, names []mediaName, err error) {
	raw := strings.Split(string(bytes.TrimRight(data, "\r\n\t ")), "\n")
	if len(raw) == 1 && strings.TrimSpace(raw[0]) == "" {
		return nil, nil, &ParseError{Err: ErrEmpty}
	}

	lines = make([]string, 0, len(raw))
	var (
		hasOrigin   bool
		hasName     bool
		hasTiming   bool
		sessionConn bool
		mediaCount  int
		mediaHasC   bool
		mediaLine   int
		mediaText   string
	)

	for i, line := range raw {
		n := i + 1
		line = strings.TrimRight(line, "\r")
		if len(line) < 2 || line[1] != '=' || line[0] < 'a' || line[0] > 'z' {
			return nil, nil, &ParseError{Line: n, Text: line, Err: ErrSyntax}
		}
		if n == 1 && line != "v=0" {
			return nil, nil, &ParseError{Line: n, Text: line, Err: fmt.Errorf("%w: expected v=0", ErrSyntax)}
		}

		value := line[2:]
		switch line[0] {
		case 'o':
			if err := checkOrigin(value); err != nil {
				return nil, nil, &ParseError{Line: n, Text: line, Err: err}
			}
			hasOrigin = true
		case 's':
			hasName = true
		case 't':
			hasTiming = true
		case 'c':
			if err := checkConnection(value); err != nil {
				return nil, nil, &ParseError{Line: n, Text: line, Err: err}
			}
			if mediaCount == 0 {
				sessionConn = true
			} else {
				mediaHasC = true
			}
		case 'm':
			name, err := checkMedia(value)
			if err != nil {
				return nil, nil, &ParseError{Line: n, Text: line, Err: err}
			}
			if mediaCount == 0 {
				switch {
				case !hasName:
					return nil, nil, &ParseError{Line: n, Text: line, Err: fmt.Errorf("%w: missing s= before media", ErrSyntax)}
				case !hasTiming:
					return nil, nil, &ParseError{Line: n, Text: line, Err: fmt.Errorf("%w: missing t= before media", ErrSyntax)}
				}
			}
			// у предыдущего медиа должен быть адрес, свой или сессии
			if mediaCount > 0 && !mediaHasC && !sessionConn {
				return nil, nil, &ParseError{Line: mediaLine, Text: mediaText, Err: ErrNoConnection}
			}
			mediaCount++
			mediaHasC = false
			mediaLine, mediaText = n, line
			names = append(names, name)
		case 'a':
			if value == "" || strings.HasPrefix(value, ":") {
				return nil, nil, &ParseError{Line: n, Text: line, Err: ErrInvalidAttribute}
			}
		}
		lines = append(lines, line)
	}

	if !hasOrigin {
		return nil, nil, &ParseError{Err: ErrNoOrigin}
	}
	if mediaCount == 0 {
		return nil, nil, &ParseError{Err: ErrNoMedia}
	}
	if !mediaHasC && !sessionConn {
		return nil, nil, &ParseError{Line: mediaLine, Text: mediaText, Err: ErrNoConnection}
	}
	return lines, names, nil
}

func checkOrigin(value string) error {
	f := strings.Fields(value)
	if len(f) != 6 {
		return fmt.Errorf("%w: expected 6 fields", ErrNoOrigin)
	}
	if _, err := strconv.ParseUint(f[1], 10, 64); err != nil {
		return fmt.Errorf("%w: session id %q", ErrNoOrigin, f[1])
	}
	if _, err := strconv.ParseUint(f[2], 10, 64); err != nil {
		return fmt.Errorf("%w: session version %q", ErrNoOrigin, f[2])
	}
	return nil
}

func checkConnection(value string) error {
	f := strings.Fields(value)
	if len(f) != 3 || f[0] != NetworkInternet || (f[1] != AddressTypeIP4 && f[1] != AddressTypeIP6) {
		return fmt.Errorf("%w: connection", ErrSyntax)
	}
	return nil
}

func checkMedia(value string) (mediaName, error) {
	f := strings.Fields(value)
	if len(f) < 4 {
		return mediaName{}, fmt.Errorf("%w: expected media, port, proto and formats", ErrInvalidMedia)
	}
	if !isToken(f[0]) || !isProto(f[2]) {
		return mediaName{}, fmt.Errorf("%w: %q %q", ErrInvalidMedia, f[0], f[2])
	}
	port, _, _ := strings.Cut(f[1], "/")
	p, err := strconv.Atoi(port)
	if err != nil || p < 0 || p > 65535 {
		return mediaName{}, fmt.Errorf("%w: %q", ErrInvalidPort, f[1])
	}
	return mediaName{typ: f[0], proto: f[2]}, nil
}

// neutralLines копия строк, в которой "m=" имеют те же порт и форматы,
// но тип и протокол, известные pion
func neutralLines(lines []string) []string {
	out := make([]string, len(lines))
	for i, line := range lines {
		if !strings.HasPrefix(line, "m=") {
			out[i] = line
			continue
		}
		f := strings.Fields(line[2:])
		out[i] = "m=" + strings.Join(append([]string{neutralMediaType, f[1], neutralProtocol}, f[3:]...), " ")
	}
	return out
}

// isToken проверяет token по RFC 4566
func isToken(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		case strings.IndexByte("!#$%&'*+-.^_`{|}~", c) >= 0:
		default:
			return false
		}
	}
	return true
}

// isProto проверяет proto: token *("/" token)
func isProto(s string) bool {
	for _, part := range strings.Split(s, "/") {
		if !isToken(part) {
			return false
		}
	}
	return true
}

// locate сопоставляет ошибку pion со строкой входа: по фрагменту в
// кавычках или по позиции байта в input. Текст строки берется из original.
func locate(input, original []string, err error) error {
	wrapped := fmt.Errorf("%w: %v", ErrSyntax, err)
	if m := pionFragment.FindStringSubmatch(err.Error()); m != nil && m[1] != "" {
		for i, line := range input {
			if strings.Contains(line, m[1]) {
				return &ParseError{Line: i + 1, Text: original[i], Err: wrapped}
			}
		}
	}
	if m := pionPosition.FindStringSubmatch(err.Error()); m != nil {
		if pos, perr := strconv.Atoi(m[1]); perr == nil {
			if n := lineAt(input, pos); n > 0 {
				return &ParseError{Line: n, Text: original[n-1], Err: wrapped}
			}
		}
	}
	return &ParseError{Err: wrapped}
}

// lineAt номер строки, содержащей байт pos текста, склеенного через CRLF
func lineAt(lines []string, pos int) int {
	offset := 0
	for i, line := range lines {
		offset += len(line) + 2
		if pos < offset {
			return i + 1
		}
	}
	return 0
}

func fromPion(psd *sdp.SessionDescription) *SessionDescription {
	d := &SessionDescription{
		Origin: Origin{
			Username:       psd.Origin.Username,
			SessionID:      psd.Origin.SessionID,
			SessionVersion: psd.Origin.SessionVersion,
			NetworkType:    psd.Origin.NetworkType,
			AddressType:    psd.Origin.AddressType,
			Address:        psd.Origin.UnicastAddress,
		},
		Connection:     connectionAddress(psd.ConnectionInformation),
		ConnectionType: connectionType(psd.ConnectionInformation),
		Attributes:     fromPionAttributes(psd.Attributes),
	}
	if name := string(psd.SessionName); name != "-" {
		d.Name = name
	}

	for _, pm := range psd.MediaDescriptions {
		m := MediaDescription{
			Type:       pm.MediaName.Media,
			Port:       pm.MediaName.Port.Value,
			Protocol:   strings.Join(pm.MediaName.Protos, "/"),
			Connection:     connectionAddress(pm.ConnectionInformation),
			ConnectionType: connectionType(pm.ConnectionInformation),
			Attributes:     fromPionAttributes(pm.Attributes),
		}
		if len(pm.MediaName.Formats) > 0 {
			m.Formats = append([]string(nil), pm.MediaName.Formats...)
		}
		d.Media = append(d.Media, m)
	}
	return d
}

func toPion(d *SessionDescription) *sdp.SessionDescription {
	name := d.Name
	if name == "" {
		name = "-"
	}

	psd := &sdp.SessionDescription{
		Version: 0,
		Origin: sdp.Origin{
			Username:       d.Origin.Username,
			SessionID:      d.Origin.SessionID,
			SessionVersion: d.Origin.SessionVersion,
			NetworkType:    d.Origin.NetworkType,
			AddressType:    d.Origin.AddressType,
			UnicastAddress: d.Origin.Address,
		},
		SessionName:           sdp.SessionName(name),
		ConnectionInformation: connectionInformation(d.Connection, d.ConnectionType),
		TimeDescriptions: []sdp.TimeDescription{
			{Timing: sdp.Timing{StartTime: 0, StopTime: 0}},
		},
		Attributes: toPionAttributes(d.Attributes),
	}

	for _, m := range d.Media {
		psd.MediaDescriptions = append(psd.MediaDescriptions, &sdp.MediaDescription{
			MediaName: sdp.MediaName{
				Media:   m.Type,
				Port:    sdp.RangedPort{Value: m.Port},
				Protos:  strings.Split(m.Protocol, "/"),
				Formats: append([]string(nil), m.Formats...),
			},
			ConnectionInformation: connectionInformation(m.Connection, m.ConnectionType),
			Attributes:            toPionAttributes(m.Attributes),
		})
	}
	return psd
}

func connectionAddress(ci *sdp.ConnectionInformation) string {
	if ci == nil || ci.Address == nil {
		return ""
	}
	return ci.Address.Address
}

// connectionType тип адреса, если он не совпадает с выводимым из самого адреса
func connectionType(ci *sdp.ConnectionInformation) string {
	if ci == nil || ci.Address == nil || ci.AddressType == addressType(ci.Address.Address) {
		return ""
	}
	return ci.AddressType
}

func connectionInformation(addr, typ string) *sdp.ConnectionInformation {
	if addr == "" {
		return nil
	}
	if typ == "" {
		typ = addressType(addr)
	}
	return &sdp.ConnectionInformation{
		NetworkType: NetworkInternet,
		AddressType: typ,
		Address:     &sdp.Address{Address: addr},
	}
}

func fromPionAttributes(attrs []sdp.Attribute) []Attribute {
	var out []Attribute
	for _, a := range attrs {
		out = append(out, Attribute{Name: a.Key, Value: a.Value})
	}
	return out
}

func toPionAttributes(attrs []Attribute) []sdp.Attribute {
	var out []sdp.Attribute
	for _, a := range attrs {
		if a.Value == "" {
			out = append(out, sdp.NewPropertyAttribute(a.Name))
			continue
		}
		out = append(out, sdp.NewAttribute(a.Name, a.Value))
	}
	return out
}
