package session

import (
	"errors"
	"fmt"
)

// FaultKind класс ошибки сессии
type FaultKind int

const (
	// ParseFault некорректное SIP или SDP сообщение
	ParseFault FaultKind = iota + 1
	// ProtocolFault неожиданное для состояния сообщение
	ProtocolFault
	// TransportFault ошибка отправки или исчерпанные ретрансмиссии
	TransportFault
	// InvalidOperation операция недопустима в текущем состоянии
	InvalidOperation
	// Rejected финальный отказ на локальный запрос
	Rejected
)

func (k FaultKind) String() string {
	switch k {
	case ParseFault:
		return "parse"
	case ProtocolFault:
		return "protocol"
	case TransportFault:
		return "transport"
	case InvalidOperation:
		return "invalid_operation"
	case Rejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// ErrInvalidOperation возвращается синхронно, если операция недопустима
// в текущем состоянии сессии
var ErrInvalidOperation = errors.New("invalid operation")

// Fault описание ошибки, передаваемое в Listener.OnError и возвращаемое
// синхронно для InvalidOperation
type Fault struct {
	Kind FaultKind
	// Code SIP код ответа для Rejected, иначе 0
	Code    int
	Message string
	Err     error
}

func (f *Fault) Error() string {
	msg := f.Kind.String()
	if f.Code != 0 {
		msg = fmt.Sprintf("%s %d", msg, f.Code)
	}
	if f.Message != "" {
		msg += ": " + f.Message
	}
	if f.Err != nil {
		msg += ": " + f.Err.Error()
	}
	return msg
}

func (f *Fault) Unwrap() error {
	return f.Err
}

// Is сопоставляет InvalidOperation с ErrInvalidOperation
func (f *Fault) Is(target error) bool {
	return target == ErrInvalidOperation && f.Kind == InvalidOperation
}

func invalidOperation(op string, st State) *Fault {
	return &Fault{
		Kind:    InvalidOperation,
		Message: fmt.Sprintf("%s not allowed in state %s", op, st),
	}
}
