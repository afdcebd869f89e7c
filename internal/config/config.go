// Package config загружает конфигурацию softphone из YAML файла.
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	DefaultListen          = "0.0.0.0:5060"
	DefaultTransport       = "udp"
	DefaultRegisterExpires = 3600 * time.Second
	DefaultMediaPort       = 4000
	DefaultPayloadType     = 8 // PCMA
	DefaultRetries         = 3
)

// Profile учетная запись пользователя
type Profile struct {
	URI          string `yaml:"uri"`
	DisplayName  string `yaml:"display_name"`
	AuthUsername string `yaml:"auth_username"`
	Password     string `yaml:"password"`
}

// Timers базовые таймеры RFC 3261, нули означают значения по умолчанию
type Timers struct {
	T1 time.Duration `yaml:"t1"`
	T2 time.Duration `yaml:"t2"`
	T4 time.Duration `yaml:"t4"`
}

// Retries число повторов после таймаута
type Retries struct {
	Register int `yaml:"register"`
	Change   int `yaml:"change"`
}

// Media параметры локального RTP потока
type Media struct {
	Address     string `yaml:"address"` // адрес в SDP, по умолчанию адрес listen
	Port        int    `yaml:"port"`
	PayloadType uint8  `yaml:"payload_type"`
}

type Log struct {
	Format string `yaml:"format"` // console, dev, json
	Level  string `yaml:"level"`
}

type Metrics struct {
	Listen string `yaml:"listen"` // пусто отключает /metrics
}

type Config struct {
	Listen          string        `yaml:"listen"`
	Transport       string        `yaml:"transport"`
	OutboundProxy   string        `yaml:"outbound_proxy"`
	NameServer      string        `yaml:"name_server"`
	RegisterExpires time.Duration `yaml:"register_expires"`

	Profile Profile `yaml:"profile"`
	Timers  Timers  `yaml:"timers"`
	Retries Retries `yaml:"retries"`
	Media   Media   `yaml:"media"`
	Log     Log     `yaml:"log"`
	Metrics Metrics `yaml:"metrics"`
}

// Load читает файл path. Пустой путь дает конфигурацию по умолчанию.
func Load(path string) (*Config, error) {
	if path == "" {
		conf := &Config{}
		conf.Init()
		return conf, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

// Parse разбирает YAML и заполняет значения по умолчанию
func Parse(data []byte) (*Config, error) {
	conf := &Config{}
	if err := yaml.Unmarshal(data, conf); err != nil {
		return nil, fmt.Errorf("could not parse config: %w", err)
	}
	conf.Init()
	return conf, nil
}

// Init заполняет незаданные поля значениями по умолчанию
func (c *Config) Init() {
	if c.Listen == "" {
		c.Listen = DefaultListen
	}
	if c.Transport == "" {
		c.Transport = DefaultTransport
	}
	c.Transport = strings.ToLower(c.Transport)
	if c.RegisterExpires == 0 {
		c.RegisterExpires = DefaultRegisterExpires
	}
	if c.Retries.Register == 0 {
		c.Retries.Register = DefaultRetries
	}
	if c.Retries.Change == 0 {
		c.Retries.Change = DefaultRetries
	}
	if c.Media.Port == 0 {
		c.Media.Port = DefaultMediaPort
	}
	if c.Media.PayloadType == 0 {
		c.Media.PayloadType = DefaultPayloadType
	}
	if c.Log.Format == "" {
		c.Log.Format = "console"
	}
}

// Validate проверяет обязательные поля и согласованность значений
func (c *Config) Validate() error {
	var errs []error

	if c.Profile.URI == "" {
		errs = append(errs, errors.New("profile.uri is required"))
	}
	if c.Transport != "udp" && c.Transport != "tcp" {
		errs = append(errs, fmt.Errorf("transport %q is not supported", c.Transport))
	}
	if _, _, err := net.SplitHostPort(c.Listen); err != nil {
		errs = append(errs, fmt.Errorf("listen: %w", err))
	}
	if c.OutboundProxy != "" {
		if _, _, err := net.SplitHostPort(c.OutboundProxy); err != nil {
			errs = append(errs, fmt.Errorf("outbound_proxy: %w", err))
		}
	}
	if c.RegisterExpires < time.Second {
		errs = append(errs, errors.New("register_expires must be at least 1s"))
	}
	if c.Timers.T2 != 0 && c.Timers.T1 > c.Timers.T2 {
		errs = append(errs, errors.New("timers.t1 must not exceed timers.t2"))
	}
	if c.Retries.Register < 0 || c.Retries.Change < 0 {
		errs = append(errs, errors.New("retries must not be negative"))
	}
	if c.Media.Port < 0 || c.Media.Port > 65535 {
		errs = append(errs, fmt.Errorf("media.port %d out of range", c.Media.Port))
	}
	if c.Media.PayloadType > 127 {
		errs = append(errs, fmt.Errorf("media.payload_type %d out of range", c.Media.PayloadType))
	}
	switch c.Log.Format {
	case "console", "dev", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format %q is not supported", c.Log.Format))
	}

	return errors.Join(errs...)
}
