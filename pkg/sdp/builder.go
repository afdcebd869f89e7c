package sdp

import (
	"strconv"
)

// Builder пошагово собирает SessionDescription. Первая ошибка запоминается и
// возвращается из Build.
type Builder struct {
	d   SessionDescription
	err error
}

// NewBuilder начинает описание с именем сессии name ("s=")
func NewBuilder(name string) *Builder {
	if name == "-" {
		name = ""
	}
	return &Builder{d: SessionDescription{Name: name}}
}

// Origin задает строку "o=". Пустой username заменяется на "-".
func (b *Builder) Origin(username string, sessionID, version uint64, address string) *Builder {
	if username == "" {
		username = "-"
	}
	b.d.Origin = Origin{
		Username:       username,
		SessionID:      sessionID,
		SessionVersion: version,
		NetworkType:    NetworkInternet,
		AddressType:    addressType(address),
		Address:        address,
	}
	return b
}

// Connection задает адрес "c=" уровня сессии
func (b *Builder) Connection(address string) *Builder {
	b.d.Connection = address
	return b
}

// AddAttribute добавляет атрибут уровня сессии
func (b *Builder) AddAttribute(name, value string) *Builder {
	b.d.Attributes = append(b.d.Attributes, Attribute{Name: name, Value: value})
	return b
}

// AddMedia добавляет медиа блок; payload types задаются числами
func (b *Builder) AddMedia(mediaType string, port int, protocol string, payloadTypes ...int) *Builder {
	formats := make([]string, 0, len(payloadTypes))
	for _, pt := range payloadTypes {
		formats = append(formats, strconv.Itoa(pt))
	}
	b.d.Media = append(b.d.Media, MediaDescription{
		Type:     mediaType,
		Port:     port,
		Protocol: protocol,
		Formats:  formats,
	})
	return b
}

// AddMediaAttribute добавляет атрибут к последнему добавленному медиа.
// Пустое значение дает атрибут-флаг.
func (b *Builder) AddMediaAttribute(name, value string) *Builder {
	if len(b.d.Media) == 0 {
		if b.err == nil {
			b.err = ErrNoMediaSelected
		}
		return b
	}
	m := &b.d.Media[len(b.d.Media)-1]
	m.Attributes = append(m.Attributes, Attribute{Name: name, Value: value})
	return b
}

// Build проверяет и возвращает копию собранного описания
func (b *Builder) Build() (*SessionDescription, error) {
	if b.err != nil {
		return nil, b.err
	}
	if err := b.d.Validate(); err != nil {
		return nil, err
	}
	return b.d.Clone(), nil
}
