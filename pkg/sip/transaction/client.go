// Package transaction реализует ретрансмиссии и таймауты транзакций RFC 3261.
//
// Транзакции не разбирают и не маршрутизируют сообщения: владелец (сессия)
// передает им готовые байты и сообщает о полученных ответах или ACK, а
// транзакция решает, когда повторить отправку и когда сдаться.
package transaction

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/qmuntal/stateless"
)

// State состояние транзакции
type State string

const (
	StateCalling    State = "Calling"    // INVITE отправлен
	StateTrying     State = "Trying"     // non-INVITE отправлен
	StateProceeding State = "Proceeding" // получен/отправлен 1xx
	StateCompleted  State = "Completed"  // финальный ответ
	StateAccepted   State = "Accepted"   // 2xx на INVITE отправлен, ждем ACK
	StateConfirmed  State = "Confirmed"  // ACK получен
	StateTerminated State = "Terminated"
)

type trigger string

const (
	triggerProvisional trigger = "provisional"
	triggerFinal       trigger = "final"
	triggerSuccess     trigger = "success"
	triggerAck         trigger = "ack"
	triggerTimeout     trigger = "timeout"
	triggerExpire      trigger = "expire"
	triggerCancel      trigger = "cancel"
)

// ErrTerminated возвращается при операциях над завершенной транзакцией
var ErrTerminated = errors.New("transaction terminated")

// SendFunc отправляет байты сообщения по транспорту
type SendFunc func(data []byte) error

// ClientConfig параметры клиентской транзакции
type ClientConfig struct {
	// Method метод запроса, INVITE включает таймеры A/B
	Method  string
	Request []byte
	Send    SendFunc

	Reliable  bool
	Timers    Timers
	Scheduler Scheduler

	// OnTimeout вызывается один раз по Timer B/F
	OnTimeout func()
	// OnSendError вызывается при ошибке повторной отправки
	OnSendError func(err error)
}

// Client клиентская транзакция
type Client struct {
	mu sync.Mutex

	invite    bool
	request   []byte
	send      SendFunc
	timers    Timers
	set       *timerSet
	interval  time.Duration
	onTimeout func()
	onSendErr func(error)

	sm *stateless.StateMachine
}

// NewClient создает клиентскую транзакцию. Запрос уходит по Start.
func NewClient(cfg ClientConfig) *Client {
	timers := cfg.Timers
	if timers.T1 == 0 {
		timers = DefaultTimers()
	}
	if cfg.Reliable {
		timers = timers.ForReliable()
	}

	c := &Client{
		invite:    cfg.Method == "INVITE",
		request:   cfg.Request,
		send:      cfg.Send,
		timers:    timers,
		set:       newTimerSet(cfg.Scheduler),
		onTimeout: cfg.OnTimeout,
		onSendErr: cfg.OnSendError,
	}

	initial := StateTrying
	if c.invite {
		initial = StateCalling
		c.interval = timers.TimerA
	} else {
		c.interval = timers.TimerE
	}

	c.sm = stateless.NewStateMachine(initial)
	c.sm.Configure(initial).
		Permit(triggerProvisional, StateProceeding).
		Permit(triggerFinal, StateCompleted).
		Permit(triggerSuccess, StateTerminated).
		Permit(triggerTimeout, StateTerminated).
		Permit(triggerCancel, StateTerminated)
	c.sm.Configure(StateProceeding).
		OnEntry(c.onProceeding).
		Ignore(triggerProvisional).
		Permit(triggerFinal, StateCompleted).
		Permit(triggerSuccess, StateTerminated).
		Permit(triggerTimeout, StateTerminated).
		Permit(triggerCancel, StateTerminated)
	c.sm.Configure(StateCompleted).
		OnEntry(c.onCompleted).
		Ignore(triggerProvisional).
		Ignore(triggerFinal).
		Ignore(triggerSuccess).
		Ignore(triggerTimeout).
		Permit(triggerExpire, StateTerminated).
		Permit(triggerCancel, StateTerminated)
	c.sm.Configure(StateTerminated).
		OnEntry(c.onTerminated).
		Ignore(triggerProvisional).
		Ignore(triggerFinal).
		Ignore(triggerSuccess).
		Ignore(triggerTimeout).
		Ignore(triggerExpire).
		Ignore(triggerCancel)

	return c
}

// State возвращает текущее состояние
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state()
}

func (c *Client) state() State {
	return c.sm.MustState().(State)
}

// Start отправляет запрос и запускает таймеры ретрансмиссии и таймаута
func (c *Client) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state() == StateTerminated {
		return ErrTerminated
	}
	if err := c.send(c.request); err != nil {
		_ = c.sm.Fire(triggerCancel)
		return err
	}

	if c.invite {
		c.set.start(TimerA, c.interval, c.retransmit)
		c.set.start(TimerB, c.timers.TimerB, c.timeout)
	} else {
		c.set.start(TimerE, c.interval, c.retransmit)
		c.set.start(TimerF, c.timers.TimerF, c.timeout)
	}
	return nil
}

// Receive сообщает транзакции о полученном ответе
func (c *Client) Receive(statusCode int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch {
	case statusCode < 200:
		_ = c.sm.Fire(triggerProvisional)
	case statusCode < 300 && c.invite:
		// 2xx на INVITE завершает транзакцию, ACK отправляет ядро UA
		_ = c.sm.Fire(triggerSuccess)
	default:
		_ = c.sm.Fire(triggerFinal)
	}
}

// Cancel останавливает все таймеры без уведомлений
func (c *Client) Cancel() {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.sm.Fire(triggerCancel)
}

func (c *Client) retransmit() {
	c.mu.Lock()

	st := c.state()
	if st == StateCompleted || st == StateTerminated || (c.invite && st == StateProceeding) {
		c.mu.Unlock()
		return
	}

	err := c.send(c.request)
	if c.invite {
		c.interval *= 2
		c.set.start(TimerA, c.interval, c.retransmit)
	} else {
		c.interval = NextInterval(c.interval, c.timers.T2)
		c.set.start(TimerE, c.interval, c.retransmit)
	}
	onErr := c.onSendErr
	c.mu.Unlock()

	if err != nil && onErr != nil {
		onErr(err)
	}
}

func (c *Client) timeout() {
	c.mu.Lock()
	st := c.state()
	if st == StateCompleted || st == StateTerminated {
		c.mu.Unlock()
		return
	}
	_ = c.sm.Fire(triggerTimeout)
	cb := c.onTimeout
	c.mu.Unlock()

	if cb != nil {
		cb()
	}
}

func (c *Client) onProceeding(_ context.Context, _ ...any) error {
	if c.invite {
		c.set.stop(TimerA)
		return nil
	}
	// non-INVITE в Proceeding повторяется с интервалом T2
	c.interval = c.timers.T2
	if c.set.active(TimerE) {
		c.set.start(TimerE, c.interval, c.retransmit)
	}
	return nil
}

func (c *Client) onCompleted(_ context.Context, _ ...any) error {
	c.set.stop(TimerA)
	c.set.stop(TimerB)
	c.set.stop(TimerE)
	c.set.stop(TimerF)

	wait := c.timers.TimerK
	id := TimerK
	if c.invite {
		wait, id = c.timers.TimerD, TimerD
	}
	if wait <= 0 {
		// надежный транспорт: сразу Terminated
		c.set.start(id, time.Nanosecond, c.expire)
		return nil
	}
	c.set.start(id, wait, c.expire)
	return nil
}

func (c *Client) onTerminated(_ context.Context, _ ...any) error {
	c.set.stopAll()
	return nil
}

func (c *Client) expire() {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.sm.Fire(triggerExpire)
}
