// Package profile описывает SIP идентичность локального или удаленного участника.
package profile

import (
	"errors"
	"fmt"
	"strings"

	"github.com/emiago/sipgo/sip"
)

var (
	// ErrEmptyURI возвращается при попытке построить профиль без URI
	ErrEmptyURI = errors.New("profile: empty uri")
	// ErrInvalidURI возвращается для URI без пользователя или хоста
	ErrInvalidURI = errors.New("profile: invalid uri")
)

// Profile неизменяемое описание SIP идентичности: URI, отображаемое имя и учетные данные.
//
// Профиль принадлежит вызывающему коду; сессии только ссылаются на него.
type Profile struct {
	uri          sip.Uri
	displayName  string
	authUsername string
	password     string
}

// URI возвращает копию SIP URI профиля
func (p *Profile) URI() sip.Uri {
	u := p.uri
	if p.uri.UriParams != nil {
		u.UriParams = make(sip.HeaderParams, len(p.uri.UriParams))
		for k, v := range p.uri.UriParams {
			u.UriParams[k] = v
		}
	}
	return u
}

func (p *Profile) DisplayName() string { return p.displayName }

// AuthUsername имя для digest аутентификации, по умолчанию пользователь из URI
func (p *Profile) AuthUsername() string { return p.authUsername }

func (p *Profile) Password() string { return p.password }

func (p *Profile) User() string { return p.uri.User }

// Domain возвращает хост URI без порта
func (p *Profile) Domain() string { return p.uri.Host }

// Port возвращает порт из URI или 0 если он не указан
func (p *Profile) Port() int { return p.uri.Port }

// HostPort возвращает host[:port] из URI
func (p *Profile) HostPort() string {
	if p.uri.Port > 0 {
		return fmt.Sprintf("%s:%d", p.uri.Host, p.uri.Port)
	}
	return p.uri.Host
}

// Address строит name-addr для From/To заголовков
func (p *Profile) Address() string {
	if p.displayName == "" {
		return "<" + p.uri.String() + ">"
	}
	return fmt.Sprintf("%q <%s>", p.displayName, p.uri.String())
}

func (p *Profile) String() string {
	return p.uri.String()
}

// Builder собирает Profile. Ошибки разбора откладываются до Build.
type Builder struct {
	raw          string
	displayName  string
	authUsername string
	password     string
}

// NewBuilder создает builder для URI вида "sip:alice@example.com:5060".
// Схема "sip:" подставляется, если она опущена.
func NewBuilder(uri string) *Builder {
	return &Builder{raw: strings.TrimSpace(uri)}
}

func (b *Builder) DisplayName(name string) *Builder {
	b.displayName = strings.TrimSpace(name)
	return b
}

func (b *Builder) AuthUsername(name string) *Builder {
	b.authUsername = strings.TrimSpace(name)
	return b
}

func (b *Builder) Password(password string) *Builder {
	b.password = password
	return b
}

// Build разбирает URI и возвращает неизменяемый профиль
func (b *Builder) Build() (*Profile, error) {
	if b.raw == "" {
		return nil, ErrEmptyURI
	}

	raw := b.raw
	lower := strings.ToLower(raw)
	if !strings.HasPrefix(lower, "sip:") && !strings.HasPrefix(lower, "sips:") {
		raw = "sip:" + raw
	}

	var uri sip.Uri
	if err := sip.ParseUri(raw, &uri); err != nil {
		return nil, fmt.Errorf("%w: %q: %v", ErrInvalidURI, b.raw, err)
	}
	if uri.User == "" || uri.Host == "" {
		return nil, fmt.Errorf("%w: %q: user and host are required", ErrInvalidURI, b.raw)
	}

	authUsername := b.authUsername
	if authUsername == "" {
		authUsername = uri.User
	}

	return &Profile{
		uri:          uri,
		displayName:  b.displayName,
		authUsername: authUsername,
		password:     b.password,
	}, nil
}

// MustParse строит профиль без учетных данных и паникует при ошибке.
// Предназначен для тестов и констант.
func MustParse(uri string) *Profile {
	p, err := NewBuilder(uri).Build()
	if err != nil {
		panic(err)
	}
	return p
}
