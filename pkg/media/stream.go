// Package media отправляет и принимает RTP поток на адрес, согласованный в SDP.
// Аудио не кодируется: поток передает кадры тишины выбранного payload type.
package media

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/rtp"

	"github.com/arzzra/sipua/internal/log"
)

const (
	minPacketSize = 12
	maxPacketSize = 1500
	rtpVersion    = 2

	// PayloadPCMU и PayloadPCMA статические типы G.711
	PayloadPCMU uint8 = 0
	PayloadPCMA uint8 = 8

	clockRate = 8000
)

var (
	ErrStreamClosed  = errors.New("media stream closed")
	ErrNoRemote      = errors.New("remote address not set")
	ErrInvalidPacket = errors.New("invalid rtp packet")
)

// Config параметры потока
type Config struct {
	// LocalAddr адрес привязки, порт 0 выбирает свободный
	LocalAddr   string
	PayloadType uint8
	// Ptime длительность кадра
	Ptime time.Duration
	// DSCP маркировка исходящих пакетов, 0 не меняет TOS
	DSCP   int
	Logger *slog.Logger
}

// DefaultConfig PCMA, кадры по 20 мс, DSCP EF
func DefaultConfig() Config {
	return Config{
		LocalAddr:   "0.0.0.0:0",
		PayloadType: PayloadPCMA,
		Ptime:       20 * time.Millisecond,
		DSCP:        46,
	}
}

// Stats счетчики потока
type Stats struct {
	PacketsSent     uint64
	PacketsReceived uint64
	PacketsDropped  uint64
	LastSSRC        uint32
}

// Stream RTP поток одного звонка
type Stream struct {
	conn   *net.UDPConn
	cfg    Config
	logger *slog.Logger

	mu     sync.Mutex
	remote *net.UDPAddr
	paused bool

	ssrc uint32
	seq  uint16
	ts   uint32

	sent     atomic.Uint64
	received atomic.Uint64
	dropped  atomic.Uint64
	lastSSRC atomic.Uint32

	onPacket func(*rtp.Packet, net.Addr)

	cancel context.CancelFunc
	wg     sync.WaitGroup
	closed atomic.Bool
}

// Listen открывает UDP сокет потока. Отправка начинается после Start.
func Listen(cfg Config) (*Stream, error) {
	def := DefaultConfig()
	if cfg.LocalAddr == "" {
		cfg.LocalAddr = def.LocalAddr
	}
	if cfg.Ptime <= 0 {
		cfg.Ptime = def.Ptime
	}
	if cfg.PayloadType > 127 {
		return nil, fmt.Errorf("payload type %d out of range", cfg.PayloadType)
	}
	if cfg.Logger == nil {
		cfg.Logger = log.Noop
	}

	laddr, err := net.ResolveUDPAddr("udp", cfg.LocalAddr)
	if err != nil {
		return nil, fmt.Errorf("resolve local address: %w", err)
	}
	conn, err := net.ListenUDP("udp", laddr)
	if err != nil {
		return nil, fmt.Errorf("listen rtp: %w", err)
	}
	if cfg.DSCP > 0 {
		if err := setDSCP(conn, cfg.DSCP); err != nil {
			cfg.Logger.Debug("dscp not applied", slog.Any("error", err))
		}
	}

	return &Stream{
		conn:   conn,
		cfg:    cfg,
		logger: cfg.Logger,
		ssrc:   random32(),
		seq:    uint16(random32()),
		ts:     random32(),
	}, nil
}

// LocalAddr адрес сокета для SDP
func (s *Stream) LocalAddr() *net.UDPAddr {
	return s.conn.LocalAddr().(*net.UDPAddr)
}

// SSRC локального источника
func (s *Stream) SSRC() uint32 {
	return s.ssrc
}

// SetRemote задает адрес собеседника из SDP
func (s *Stream) SetRemote(host string, port int) error {
	addr, err := net.ResolveUDPAddr("udp", net.JoinHostPort(host, fmt.Sprint(port)))
	if err != nil {
		return fmt.Errorf("resolve remote address: %w", err)
	}
	s.mu.Lock()
	s.remote = addr
	s.mu.Unlock()
	return nil
}

// SetPaused останавливает отправку на время удержания. Прием продолжается.
func (s *Stream) SetPaused(paused bool) {
	s.mu.Lock()
	s.paused = paused
	s.mu.Unlock()
}

// OnPacket задает обработчик входящих пакетов; вызывать до Start
func (s *Stream) OnPacket(fn func(*rtp.Packet, net.Addr)) {
	s.onPacket = fn
}

// Start запускает циклы приема и отправки
func (s *Stream) Start(ctx context.Context) error {
	if s.closed.Load() {
		return ErrStreamClosed
	}
	s.mu.Lock()
	if s.cancel != nil {
		s.mu.Unlock()
		return nil
	}
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.mu.Unlock()

	s.wg.Add(2)
	go s.readLoop(ctx)
	go s.sendLoop(ctx)
	return nil
}

// Close останавливает поток и закрывает сокет
func (s *Stream) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	err := s.conn.Close()
	s.wg.Wait()

	s.logger.Debug("media stream closed",
		slog.Uint64("sent", s.sent.Load()),
		slog.Uint64("received", s.received.Load()),
	)
	return err
}

// Stats возвращает текущие счетчики
func (s *Stream) Stats() Stats {
	return Stats{
		PacketsSent:     s.sent.Load(),
		PacketsReceived: s.received.Load(),
		PacketsDropped:  s.dropped.Load(),
		LastSSRC:        s.lastSSRC.Load(),
	}
}

// WritePacket отправляет один кадр payload с текущими seq и timestamp
func (s *Stream) WritePacket(payload []byte) error {
	if s.closed.Load() {
		return ErrStreamClosed
	}
	s.mu.Lock()
	remote := s.remote
	pkt := &rtp.Packet{
		Header: rtp.Header{
			Version:        rtpVersion,
			PayloadType:    s.cfg.PayloadType,
			SequenceNumber: s.seq,
			Timestamp:      s.ts,
			SSRC:           s.ssrc,
		},
		Payload: payload,
	}
	s.seq++
	s.ts += uint32(len(payload))
	s.mu.Unlock()

	if remote == nil {
		return ErrNoRemote
	}
	data, err := pkt.Marshal()
	if err != nil {
		return fmt.Errorf("marshal rtp: %w", err)
	}
	if len(data) > maxPacketSize {
		return fmt.Errorf("%w: %d bytes", ErrInvalidPacket, len(data))
	}
	if _, err := s.conn.WriteToUDP(data, remote); err != nil {
		return fmt.Errorf("write rtp: %w", err)
	}
	s.sent.Add(1)
	return nil
}

func (s *Stream) sendLoop(ctx context.Context) {
	defer s.wg.Done()

	frame := silence(s.cfg.PayloadType, int(clockRate*s.cfg.Ptime/time.Second))
	ticker := time.NewTicker(s.cfg.Ptime)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		s.mu.Lock()
		skip := s.paused || s.remote == nil
		if s.paused {
			// timestamp идет и во время паузы
			s.ts += uint32(len(frame))
		}
		s.mu.Unlock()
		if skip {
			continue
		}

		if err := s.WritePacket(frame); err != nil {
			if errors.Is(err, ErrStreamClosed) || errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Debug("rtp send failed", slog.Any("error", err))
		}
	}
}

func (s *Stream) readLoop(ctx context.Context) {
	defer s.wg.Done()

	buf := make([]byte, maxPacketSize)
	for {
		n, addr, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Debug("rtp read failed", slog.Any("error", err))
			continue
		}

		pkt, err := parsePacket(buf[:n])
		if err != nil {
			s.dropped.Add(1)
			continue
		}
		s.received.Add(1)
		s.lastSSRC.Store(pkt.SSRC)
		if s.onPacket != nil {
			s.onPacket(pkt, addr)
		}
	}
}

func parsePacket(data []byte) (*rtp.Packet, error) {
	if len(data) < minPacketSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrInvalidPacket, len(data))
	}
	pkt := &rtp.Packet{}
	if err := pkt.Unmarshal(append([]byte(nil), data...)); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidPacket, err)
	}
	if pkt.Version != rtpVersion {
		return nil, fmt.Errorf("%w: version %d", ErrInvalidPacket, pkt.Version)
	}
	return pkt, nil
}

// silence кадр тишины G.711; для прочих типов нули
func silence(pt uint8, size int) []byte {
	var b byte
	switch pt {
	case PayloadPCMU:
		b = 0xFF
	case PayloadPCMA:
		b = 0xD5
	}
	frame := make([]byte, size)
	for i := range frame {
		frame[i] = b
	}
	return frame
}

func random32() uint32 {
	var v uint32
	_ = binary.Read(rand.Reader, binary.BigEndian, &v)
	return v
}
