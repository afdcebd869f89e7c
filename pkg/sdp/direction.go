package sdp

import "strings"

// Direction направление медиа потока (RFC 3264, раздел 6.1)
type Direction string

const (
	SendRecv Direction = "sendrecv"
	SendOnly Direction = "sendonly"
	RecvOnly Direction = "recvonly"
	Inactive Direction = "inactive"
)

func (d Direction) String() string { return string(d) }

// Reverse возвращает направление, которым отвечают на offer с направлением d
func (d Direction) Reverse() Direction {
	switch d {
	case SendOnly:
		return RecvOnly
	case RecvOnly:
		return SendOnly
	default:
		return d
	}
}

// IsHold сообщает, означает ли направление offer'а постановку на удержание
func (d Direction) IsHold() bool {
	return d == SendOnly || d == Inactive
}

func parseDirection(name string) (Direction, bool) {
	switch Direction(strings.ToLower(name)) {
	case SendRecv:
		return SendRecv, true
	case SendOnly:
		return SendOnly, true
	case RecvOnly:
		return RecvOnly, true
	case Inactive:
		return Inactive, true
	}
	return "", false
}

func findDirection(attrs []Attribute) (Direction, bool) {
	for _, a := range attrs {
		if a.Value != "" {
			continue
		}
		if dir, ok := parseDirection(a.Name); ok {
			return dir, true
		}
	}
	return "", false
}

// Direction возвращает действующее направление аудио потока: атрибут первого
// аудио медиа, затем атрибут уровня сессии, иначе sendrecv.
// Адрес 0.0.0.0 (удержание по RFC 2543) трактуется как inactive.
func (d *SessionDescription) Direction() Direction {
	m, ok := d.FindMedia("audio")
	if !ok {
		m, ok = d.FindMedia("")
	}

	if ok {
		conn := m.Connection
		if conn == "" {
			conn = d.Connection
		}
		if conn == "0.0.0.0" {
			return Inactive
		}
		if dir, found := findDirection(m.Attributes); found {
			return dir
		}
	}
	if dir, found := findDirection(d.Attributes); found {
		return dir
	}
	return SendRecv
}

// IsHold сообщает, ставит ли это описание собеседника на удержание
func (d *SessionDescription) IsHold() bool {
	return d.Direction().IsHold()
}

// WithDirection возвращает копию описания, где у каждого медиа установлено
// направление dir, а атрибуты направления уровня сессии удалены.
func (d *SessionDescription) WithDirection(dir Direction) *SessionDescription {
	c := d.Clone()
	c.Attributes = withoutDirection(c.Attributes)
	for i := range c.Media {
		c.Media[i].Attributes = append(withoutDirection(c.Media[i].Attributes), Attribute{Name: string(dir)})
	}
	return c
}

func withoutDirection(attrs []Attribute) []Attribute {
	var out []Attribute
	for _, a := range attrs {
		if _, ok := parseDirection(a.Name); ok && a.Value == "" {
			continue
		}
		out = append(out, a)
	}
	return out
}
