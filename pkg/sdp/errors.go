package sdp

import (
	"errors"
	"fmt"
)

var (
	ErrEmpty            = errors.New("sdp: empty description")
	ErrSyntax           = errors.New("sdp: invalid syntax")
	ErrNoOrigin         = errors.New("sdp: missing or incomplete origin")
	ErrNoMedia          = errors.New("sdp: no media description")
	ErrNoConnection     = errors.New("sdp: no connection address")
	ErrInvalidMedia     = errors.New("sdp: invalid media description")
	ErrInvalidPort      = errors.New("sdp: invalid port")
	ErrInvalidAttribute = errors.New("sdp: invalid attribute")
	ErrNoMediaSelected  = errors.New("sdp: attribute before any media")
)

// ParseError ошибка разбора с номером и текстом проблемной строки.
// Line равен 0, если ошибка не относится к конкретной строке.
type ParseError struct {
	Line int
	Text string
	Err  error
}

func (e *ParseError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("line %d %q: %v", e.Line, e.Text, e.Err)
	}
	return e.Err.Error()
}

func (e *ParseError) Unwrap() error {
	return e.Err
}
