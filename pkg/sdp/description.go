// Package sdp реализует модель и кодек Session Description Protocol (RFC 4566)
// в объеме, необходимом для offer/answer обмена в SIP звонках.
package sdp

import (
	"fmt"
	"net"
	"strings"
)

const (
	NetworkInternet = "IN"
	AddressTypeIP4  = "IP4"
	AddressTypeIP6  = "IP6"
)

// Origin строка "o=" описания сессии
type Origin struct {
	Username       string
	SessionID      uint64
	SessionVersion uint64
	NetworkType    string
	AddressType    string
	Address        string
}

// Attribute строка "a=". Пустое значение означает атрибут-флаг (например "a=sendonly").
type Attribute struct {
	Name  string
	Value string
}

func (a Attribute) String() string {
	if a.Value == "" {
		return a.Name
	}
	return a.Name + ":" + a.Value
}

// MediaDescription блок "m=" с его атрибутами в порядке добавления
type MediaDescription struct {
	Type     string
	Port     int
	Protocol string
	// Formats список payload types из строки "m="
	Formats []string
	// Connection адрес из "c=" уровня медиа, пустой если не задан
	Connection string
	// ConnectionType тип адреса "c=" (IP4 или IP6). Пустой тип выводится из адреса.
	ConnectionType string
	Attributes     []Attribute
}

// Attr возвращает значение первого атрибута с указанным именем
func (m *MediaDescription) Attr(name string) (string, bool) {
	return lookup(m.Attributes, name)
}

// HasAttr сообщает, есть ли у медиа атрибут с указанным именем
func (m *MediaDescription) HasAttr(name string) bool {
	_, ok := m.Attr(name)
	return ok
}

// SessionDescription описание сессии. После построения не изменяется;
// методы, меняющие содержимое, возвращают копию.
type SessionDescription struct {
	Origin Origin
	// Name строка "s=". Пустое имя сериализуется как "-", а "s=-" разбирается
	// в пустое имя: "" и "-" одно и то же значение.
	Name string
	// Connection адрес из "c=" уровня сессии
	Connection string
	// ConnectionType тип адреса "c=" уровня сессии, пустой выводится из адреса
	ConnectionType string
	Attributes     []Attribute
	Media          []MediaDescription
}

// Attr возвращает значение первого атрибута уровня сессии
func (d *SessionDescription) Attr(name string) (string, bool) {
	return lookup(d.Attributes, name)
}

// FindMedia возвращает первое медиа указанного типа. Пустой тип означает первое медиа.
func (d *SessionDescription) FindMedia(mediaType string) (*MediaDescription, bool) {
	for i := range d.Media {
		if mediaType == "" || strings.EqualFold(d.Media[i].Type, mediaType) {
			return &d.Media[i], true
		}
	}
	return nil, false
}

// MediaAddress возвращает адрес и порт, на которые удаленная сторона ожидает медиа
// указанного типа. Используется внешним медиа-слоем после установления звонка.
func (d *SessionDescription) MediaAddress(mediaType string) (string, int, error) {
	m, ok := d.FindMedia(mediaType)
	if !ok {
		return "", 0, fmt.Errorf("sdp: no %q media", mediaType)
	}
	host := m.Connection
	if host == "" {
		host = d.Connection
	}
	if host == "" {
		return "", 0, ErrNoConnection
	}
	return host, m.Port, nil
}

// Validate проверяет инварианты описания, необходимые для offer/answer
func (d *SessionDescription) Validate() error {
	if d == nil {
		return ErrEmpty
	}
	o := d.Origin
	if o.Username == "" || o.NetworkType == "" || o.AddressType == "" || o.Address == "" {
		return ErrNoOrigin
	}
	if len(d.Media) == 0 {
		return ErrNoMedia
	}
	for i, m := range d.Media {
		if m.Type == "" || m.Protocol == "" || len(m.Formats) == 0 {
			return fmt.Errorf("%w: media %d", ErrInvalidMedia, i)
		}
		if m.Port < 0 || m.Port > 65535 {
			return fmt.Errorf("%w: %d", ErrInvalidPort, m.Port)
		}
		if m.Connection == "" && d.Connection == "" {
			return ErrNoConnection
		}
		for _, a := range m.Attributes {
			if a.Name == "" {
				return fmt.Errorf("%w: media %d", ErrInvalidAttribute, i)
			}
		}
	}
	for _, a := range d.Attributes {
		if a.Name == "" {
			return ErrInvalidAttribute
		}
	}
	return nil
}

// Clone возвращает глубокую копию
func (d *SessionDescription) Clone() *SessionDescription {
	if d == nil {
		return nil
	}
	c := *d
	c.Attributes = cloneAttributes(d.Attributes)
	if d.Media != nil {
		c.Media = make([]MediaDescription, len(d.Media))
		for i, m := range d.Media {
			m.Attributes = cloneAttributes(m.Attributes)
			if m.Formats != nil {
				m.Formats = append([]string(nil), m.Formats...)
			}
			c.Media[i] = m
		}
	}
	return &c
}

func (d *SessionDescription) String() string {
	b, err := Serialize(d)
	if err != nil {
		return "<invalid sdp: " + err.Error() + ">"
	}
	return string(b)
}

func lookup(attrs []Attribute, name string) (string, bool) {
	for _, a := range attrs {
		if strings.EqualFold(a.Name, name) {
			return a.Value, true
		}
	}
	return "", false
}

func cloneAttributes(attrs []Attribute) []Attribute {
	if attrs == nil {
		return nil
	}
	return append([]Attribute(nil), attrs...)
}

// addressType определяет IP4/IP6 по записи адреса; имена хостов считаются IP4
func addressType(addr string) string {
	if ip := net.ParseIP(addr); ip != nil && ip.To4() == nil {
		return AddressTypeIP6
	}
	return AddressTypeIP4
}
