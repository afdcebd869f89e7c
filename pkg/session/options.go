package session

import (
	"context"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/arzzra/sipua/internal/log"
	"github.com/arzzra/sipua/pkg/sip/transaction"
	"github.com/arzzra/sipua/pkg/sip/transport"
)

// AddressResolver разрешает host[:port] SIP URI в адрес назначения "ip:port"
type AddressResolver interface {
	Resolve(ctx context.Context, network, host string, port int) (string, error)
}

// Config параметры Layer
type Config struct {
	// Network "udp" или "tcp", игнорируется при заданном Transport
	Network         string
	Transport       transport.Transport
	TransportConfig *transport.Config

	// ContactAddress host[:port] для Via и Contact. По умолчанию локальный
	// адрес транспорта.
	ContactAddress string
	// OutboundProxy host:port, на который уходят все запросы
	OutboundProxy string
	Resolver      AddressResolver
	ResolveTimeout time.Duration

	Timers transaction.Timers

	RegisterExpires    time.Duration
	MaxRegisterRetries int
	MaxChangeRetries   int
	// RetryBackoff начальная задержка повтора, удваивается с каждой попыткой
	RetryBackoff time.Duration

	UserAgent  string
	Logger     *slog.Logger
	Registerer prometheus.Registerer
	Dispatcher Dispatcher
}

// DefaultConfig возвращает конфигурацию по умолчанию
func DefaultConfig() *Config {
	return &Config{
		Network:            "udp",
		ResolveTimeout:     5 * time.Second,
		Timers:             transaction.DefaultTimers(),
		RegisterExpires:    time.Hour,
		MaxRegisterRetries: 3,
		MaxChangeRetries:   3,
		RetryBackoff:       time.Second,
		UserAgent:          "sipua",
		Logger:             log.Noop,
	}
}

// Option функциональная опция Layer
type Option func(*Config)

func WithNetwork(network string) Option {
	return func(c *Config) { c.Network = network }
}

// WithTransport использует готовый транспорт вместо создаваемого по Network
func WithTransport(tp transport.Transport) Option {
	return func(c *Config) { c.Transport = tp }
}

func WithTransportConfig(cfg *transport.Config) Option {
	return func(c *Config) { c.TransportConfig = cfg }
}

func WithContactAddress(hostport string) Option {
	return func(c *Config) { c.ContactAddress = hostport }
}

func WithOutboundProxy(hostport string) Option {
	return func(c *Config) { c.OutboundProxy = hostport }
}

func WithResolver(r AddressResolver) Option {
	return func(c *Config) { c.Resolver = r }
}

func WithTimers(t transaction.Timers) Option {
	return func(c *Config) { c.Timers = t }
}

func WithRegisterExpires(d time.Duration) Option {
	return func(c *Config) { c.RegisterExpires = d }
}

// WithRetries задает число повторов REGISTER и re-INVITE после таймаута
func WithRetries(register, change int) Option {
	return func(c *Config) {
		c.MaxRegisterRetries = register
		c.MaxChangeRetries = change
	}
}

func WithRetryBackoff(d time.Duration) Option {
	return func(c *Config) { c.RetryBackoff = d }
}

func WithUserAgent(ua string) Option {
	return func(c *Config) { c.UserAgent = ua }
}

func WithLogger(logger *slog.Logger) Option {
	return func(c *Config) { c.Logger = logger }
}

// WithMetrics регистрирует метрики в reg
func WithMetrics(reg prometheus.Registerer) Option {
	return func(c *Config) { c.Registerer = reg }
}

// WithDispatcher переносит доставку событий Listener в контекст вызывающего
func WithDispatcher(d Dispatcher) Option {
	return func(c *Config) { c.Dispatcher = d }
}
