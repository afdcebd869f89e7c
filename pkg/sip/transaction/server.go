package transaction

import (
	"context"
	"sync"
	"time"

	"github.com/qmuntal/stateless"
)

// ServerConfig параметры серверной INVITE транзакции
type ServerConfig struct {
	Send SendFunc

	Reliable  bool
	Timers    Timers
	Scheduler Scheduler

	// OnTimeout вызывается один раз, если ACK на финальный ответ не пришел
	// за Timer H
	OnTimeout func()
}

// Server серверная INVITE транзакция: хранит последний ответ, повторяет
// финальный ответ по Timer G до ACK.
type Server struct {
	mu sync.Mutex

	send      SendFunc
	reliable  bool
	timers    Timers
	set       *timerSet
	interval  time.Duration
	last      []byte
	onTimeout func()

	sm *stateless.StateMachine
}

// NewServer создает транзакцию в состоянии Proceeding
func NewServer(cfg ServerConfig) *Server {
	timers := cfg.Timers
	if timers.T1 == 0 {
		timers = DefaultTimers()
	}
	if cfg.Reliable {
		timers = timers.ForReliable()
	}

	s := &Server{
		send:      cfg.Send,
		reliable:  cfg.Reliable,
		timers:    timers,
		set:       newTimerSet(cfg.Scheduler),
		interval:  timers.TimerG,
		onTimeout: cfg.OnTimeout,
	}

	s.sm = stateless.NewStateMachine(StateProceeding)
	s.sm.Configure(StateProceeding).
		Ignore(triggerProvisional).
		Permit(triggerSuccess, StateAccepted).
		Permit(triggerFinal, StateCompleted).
		Permit(triggerCancel, StateTerminated)
	s.sm.Configure(StateAccepted).
		OnEntry(s.onFinal).
		Permit(triggerAck, StateConfirmed).
		Permit(triggerTimeout, StateTerminated).
		Permit(triggerCancel, StateTerminated)
	s.sm.Configure(StateCompleted).
		OnEntry(s.onFinal).
		Permit(triggerAck, StateConfirmed).
		Permit(triggerTimeout, StateTerminated).
		Permit(triggerCancel, StateTerminated)
	s.sm.Configure(StateConfirmed).
		OnEntry(s.onDone).
		Ignore(triggerAck).
		Ignore(triggerTimeout).
		Permit(triggerCancel, StateTerminated)
	s.sm.Configure(StateTerminated).
		OnEntry(s.onDone).
		Ignore(triggerAck).
		Ignore(triggerTimeout).
		Ignore(triggerCancel)

	return s
}

// State возвращает текущее состояние
func (s *Server) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state()
}

func (s *Server) state() State {
	return s.sm.MustState().(State)
}

// Respond отправляет ответ. Финальный ответ переводит транзакцию в ожидание
// ACK, после чего новые ответы не принимаются.
func (s *Server) Respond(statusCode int, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state() != StateProceeding {
		return ErrTerminated
	}
	s.last = data
	if err := s.send(data); err != nil {
		return err
	}

	switch {
	case statusCode < 200:
		return s.sm.Fire(triggerProvisional)
	case statusCode < 300:
		return s.sm.Fire(triggerSuccess)
	default:
		return s.sm.Fire(triggerFinal)
	}
}

// Retransmit повторяет последний ответ на повторный INVITE
func (s *Server) Retransmit() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.last == nil || s.state() == StateTerminated {
		return nil
	}
	return s.send(s.last)
}

// Ack сообщает о полученном ACK. Возвращает true, если транзакция ждала ACK.
func (s *Server) Ack() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.state()
	if st != StateAccepted && st != StateCompleted {
		return false
	}
	_ = s.sm.Fire(triggerAck)
	return true
}

// Cancel останавливает таймеры без уведомлений
func (s *Server) Cancel() {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.sm.Fire(triggerCancel)
}

func (s *Server) onFinal(_ context.Context, _ ...any) error {
	if !s.reliable {
		s.set.start(TimerG, s.interval, s.retransmit)
	}
	s.set.start(TimerH, s.timers.TimerH, s.timeout)
	return nil
}

func (s *Server) onDone(_ context.Context, _ ...any) error {
	s.set.stopAll()
	return nil
}

func (s *Server) retransmit() {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.state()
	if st != StateAccepted && st != StateCompleted {
		return
	}
	// ошибка отправки не прерывает ожидание ACK, Timer H ограничит попытки
	_ = s.send(s.last)
	s.interval = NextInterval(s.interval, s.timers.T2)
	s.set.start(TimerG, s.interval, s.retransmit)
}

func (s *Server) timeout() {
	s.mu.Lock()
	st := s.state()
	if st != StateAccepted && st != StateCompleted {
		s.mu.Unlock()
		return
	}
	_ = s.sm.Fire(triggerTimeout)
	cb := s.onTimeout
	s.mu.Unlock()

	if cb != nil {
		cb()
	}
}
