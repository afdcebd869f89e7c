// Package transport доставляет байты SIP сообщений по UDP и TCP.
//
// Транспорт не разбирает сообщения: обработчик получает целое сообщение
// (датаграмму или кадр потока) и адрес отправителя. Send безопасен для
// конкурентного вызова.
package transport

import (
	"context"
	"fmt"
	"net"
	"strings"
	"sync/atomic"
	"time"
)

// MessageHandler вызывается для каждого принятого сообщения
type MessageHandler func(data []byte, remote net.Addr)

// ErrorHandler вызывается при ошибках чтения и кадрирования
type ErrorHandler func(err error)

// Transport сетевой транспорт SIP
type Transport interface {
	// Network возвращает "udp" или "tcp"
	Network() string
	// Reliable true для потоковых транспортов, где ретрансмиссии не нужны
	Reliable() bool

	Listen(ctx context.Context, addr string) error
	Send(data []byte, addr string) error
	Close() error

	OnMessage(handler MessageHandler)
	OnError(handler ErrorHandler)

	LocalAddr() net.Addr
	Stats() Stats
}

// Stats счетчики транспорта
type Stats struct {
	MessagesSent     uint64
	MessagesReceived uint64
	BytesSent        uint64
	BytesReceived    uint64
	Errors           uint64
}

// Config параметры транспорта
type Config struct {
	// Размеры буферов сокета, 0 оставляет системные значения
	ReadBufferSize  int
	WriteBufferSize int
	// ReuseAddr выставляет SO_REUSEADDR на слушающем сокете
	ReuseAddr bool

	// MaxMessageSize ограничивает размер одного сообщения
	MaxMessageSize int

	DialTimeout  time.Duration
	WriteTimeout time.Duration
	// IdleTimeout закрывает TCP соединения без трафика, 0 отключает
	IdleTimeout time.Duration
}

// DefaultConfig возвращает конфигурацию по умолчанию
func DefaultConfig() *Config {
	return &Config{
		ReadBufferSize:  2 * 1024 * 1024,
		WriteBufferSize: 2 * 1024 * 1024,
		ReuseAddr:       true,
		MaxMessageSize:  65535,
		DialTimeout:     5 * time.Second,
		WriteTimeout:    5 * time.Second,
		IdleTimeout:     5 * time.Minute,
	}
}

// New создает транспорт для сети "udp" или "tcp"
func New(network string, cfg *Config) (Transport, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	switch strings.ToLower(network) {
	case "", "udp":
		return NewUDPTransport(cfg), nil
	case "tcp":
		return NewTCPTransport(cfg), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedNetwork, network)
	}
}

// counters атомарные счетчики, общие для реализаций
type counters struct {
	sent, received, bytesSent, bytesReceived, errors atomic.Uint64
}

func (c *counters) onSent(n int) {
	c.sent.Add(1)
	c.bytesSent.Add(uint64(n))
}

func (c *counters) onReceived(n int) {
	c.received.Add(1)
	c.bytesReceived.Add(uint64(n))
}

func (c *counters) onError() {
	c.errors.Add(1)
}

func (c *counters) snapshot() Stats {
	return Stats{
		MessagesSent:     c.sent.Load(),
		MessagesReceived: c.received.Load(),
		BytesSent:        c.bytesSent.Load(),
		BytesReceived:    c.bytesReceived.Load(),
		Errors:           c.errors.Load(),
	}
}
