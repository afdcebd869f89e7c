package transaction

import (
	"sync"
	"time"
)

// TimerID идентификатор таймера
type TimerID string

const (
	// Таймеры согласно RFC 3261
	TimerA TimerID = "A" // INVITE request retransmit
	TimerB TimerID = "B" // INVITE transaction timeout
	TimerD TimerID = "D" // Response retransmit
	TimerE TimerID = "E" // Non-INVITE request retransmit
	TimerF TimerID = "F" // Non-INVITE transaction timeout
	TimerG TimerID = "G" // INVITE response retransmit
	TimerH TimerID = "H" // ACK receipt
	TimerI TimerID = "I" // ACK retransmit
	TimerJ TimerID = "J" // Non-INVITE response wait
	TimerK TimerID = "K" // Non-INVITE response retransmit
)

// Timers таймеры транзакций
type Timers struct {
	T1 time.Duration // RTT estimate (default 500ms)
	T2 time.Duration // Max retransmit interval (default 4s)
	T4 time.Duration // Max duration message in network (default 5s)

	TimerA time.Duration
	TimerB time.Duration
	TimerD time.Duration
	TimerE time.Duration
	TimerF time.Duration
	TimerG time.Duration
	TimerH time.Duration
	TimerI time.Duration
	TimerJ time.Duration
	TimerK time.Duration
}

// DefaultTimers возвращает таймеры RFC 3261 по умолчанию
func DefaultTimers() Timers {
	return NewTimers(500*time.Millisecond, 4*time.Second, 5*time.Second)
}

// NewTimers выводит таймеры A..K из T1, T2 и T4. Нулевые значения
// заменяются значениями по умолчанию.
func NewTimers(t1, t2, t4 time.Duration) Timers {
	if t1 <= 0 {
		t1 = 500 * time.Millisecond
	}
	if t2 <= 0 {
		t2 = 4 * time.Second
	}
	if t2 < t1 {
		t2 = t1
	}
	if t4 <= 0 {
		t4 = 5 * time.Second
	}

	return Timers{
		T1: t1,
		T2: t2,
		T4: t4,

		TimerA: t1,      // Initially T1
		TimerB: 64 * t1, // 64*T1
		TimerD: 32 * time.Second,
		TimerE: t1,      // Initially T1
		TimerF: 64 * t1, // 64*T1
		TimerG: t1,      // Initially T1
		TimerH: 64 * t1, // 64*T1
		TimerI: t4,
		TimerJ: 64 * t1,
		TimerK: t4,
	}
}

// Duration возвращает длительность таймера по идентификатору
func (t Timers) Duration(id TimerID) time.Duration {
	switch id {
	case TimerA:
		return t.TimerA
	case TimerB:
		return t.TimerB
	case TimerD:
		return t.TimerD
	case TimerE:
		return t.TimerE
	case TimerF:
		return t.TimerF
	case TimerG:
		return t.TimerG
	case TimerH:
		return t.TimerH
	case TimerI:
		return t.TimerI
	case TimerJ:
		return t.TimerJ
	case TimerK:
		return t.TimerK
	default:
		return 0
	}
}

// ForReliable корректирует таймеры для надежного транспорта
func (t Timers) ForReliable() Timers {
	adjusted := t
	// Для надежного транспорта ретрансмиссии не используются
	adjusted.TimerA = 0
	adjusted.TimerD = 0
	adjusted.TimerE = 0
	adjusted.TimerG = 0
	adjusted.TimerI = 0
	adjusted.TimerJ = 0
	adjusted.TimerK = 0
	return adjusted
}

// NextInterval вычисляет следующий интервал ретрансмиссии
// согласно RFC 3261 (удваивается до T2)
func NextInterval(current, t2 time.Duration) time.Duration {
	next := current * 2
	if next > t2 {
		return t2
	}
	return next
}

// Timer остановка запланированного вызова
type Timer interface {
	Stop() bool
}

// Scheduler планирует отложенные вызовы. Сессия подставляет реализацию,
// которая выполняет f в своем последовательном контексте.
type Scheduler interface {
	AfterFunc(d time.Duration, f func()) Timer
}

// SchedulerFunc адаптер функции к Scheduler
type SchedulerFunc func(d time.Duration, f func()) Timer

func (fn SchedulerFunc) AfterFunc(d time.Duration, f func()) Timer {
	return fn(d, f)
}

// RealScheduler планирует вызовы через time.AfterFunc
var RealScheduler Scheduler = SchedulerFunc(func(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
})

// timerSet набор именованных таймеров транзакции
type timerSet struct {
	mu        sync.Mutex
	scheduler Scheduler
	timers    map[TimerID]Timer
}

func newTimerSet(s Scheduler) *timerSet {
	if s == nil {
		s = RealScheduler
	}
	return &timerSet{
		scheduler: s,
		timers:    make(map[TimerID]Timer),
	}
}

// start запускает таймер, заменяя ранее запущенный с тем же id
func (ts *timerSet) start(id TimerID, d time.Duration, f func()) {
	if d <= 0 {
		return
	}
	ts.mu.Lock()
	defer ts.mu.Unlock()
	if old, ok := ts.timers[id]; ok {
		old.Stop()
	}
	ts.timers[id] = ts.scheduler.AfterFunc(d, f)
}

func (ts *timerSet) stop(id TimerID) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	if t, ok := ts.timers[id]; ok {
		t.Stop()
		delete(ts.timers, id)
	}
}

func (ts *timerSet) stopAll() {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	for id, t := range ts.timers {
		t.Stop()
		delete(ts.timers, id)
	}
}

func (ts *timerSet) active(id TimerID) bool {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	_, ok := ts.timers[id]
	return ok
}
