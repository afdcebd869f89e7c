package transaction

import (
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

// fakeClock ручной планировщик для детерминированных тестов таймеров
type fakeClock struct {
	mu      sync.Mutex
	now     time.Duration
	pending []*fakeTimer
}

type fakeTimer struct {
	clock   *fakeClock
	at      time.Duration
	f       func()
	stopped bool
	fired   bool
}

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	active := !t.stopped && !t.fired
	t.stopped = true
	return active
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{clock: c, at: c.now + d, f: f}
	c.pending = append(c.pending, t)
	return t
}

// Advance сдвигает время и выполняет созревшие таймеры по порядку
func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	target := c.now + d
	c.mu.Unlock()

	for {
		c.mu.Lock()
		sort.SliceStable(c.pending, func(i, j int) bool { return c.pending[i].at < c.pending[j].at })
		var next *fakeTimer
		for _, t := range c.pending {
			if !t.stopped && !t.fired && t.at <= target {
				next = t
				break
			}
		}
		if next == nil {
			c.now = target
			c.mu.Unlock()
			return
		}
		c.now = next.at
		next.fired = true
		c.mu.Unlock()

		next.f()
	}
}

func TestDefaultTimers(t *testing.T) {
	timers := DefaultTimers()

	// Проверяем базовые таймеры
	assert.Equal(t, 500*time.Millisecond, timers.T1)
	assert.Equal(t, 4*time.Second, timers.T2)
	assert.Equal(t, 5*time.Second, timers.T4)

	// Проверяем производные таймеры
	assert.Equal(t, timers.T1, timers.TimerA)
	assert.Equal(t, 64*timers.T1, timers.TimerB)
	assert.Equal(t, 64*timers.T1, timers.TimerF)
	assert.Equal(t, 64*timers.T1, timers.TimerH)
	assert.Equal(t, timers.T4, timers.TimerK)
}

func TestNewTimersScale(t *testing.T) {
	timers := NewTimers(10*time.Millisecond, 40*time.Millisecond, 50*time.Millisecond)
	assert.Equal(t, 640*time.Millisecond, timers.TimerB)
	assert.Equal(t, 10*time.Millisecond, timers.TimerE)
	assert.Equal(t, 40*time.Millisecond, timers.T2)

	// нули заменяются значениями по умолчанию
	assert.Equal(t, DefaultTimers(), NewTimers(0, 0, 0))
}

func TestDuration(t *testing.T) {
	timers := DefaultTimers()

	tests := []struct {
		id       TimerID
		expected time.Duration
	}{
		{TimerA, timers.TimerA},
		{TimerB, timers.TimerB},
		{TimerD, timers.TimerD},
		{TimerE, timers.TimerE},
		{TimerF, timers.TimerF},
		{TimerG, timers.TimerG},
		{TimerH, timers.TimerH},
		{TimerI, timers.TimerI},
		{TimerJ, timers.TimerJ},
		{TimerK, timers.TimerK},
		{"invalid", 0},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.expected, timers.Duration(tt.id), "timer %s", tt.id)
	}
}

func TestForReliable(t *testing.T) {
	timers := DefaultTimers()
	adjusted := timers.ForReliable()

	// таймеры ретрансмиссий обнулены
	for _, id := range []TimerID{TimerA, TimerD, TimerE, TimerG, TimerI, TimerJ, TimerK} {
		assert.Zero(t, adjusted.Duration(id), "timer %s", id)
	}

	// таймауты не изменились
	for _, id := range []TimerID{TimerB, TimerF, TimerH} {
		assert.Equal(t, timers.Duration(id), adjusted.Duration(id), "timer %s", id)
	}
}

func TestNextInterval(t *testing.T) {
	t2 := 4 * time.Second

	tests := []struct {
		current  time.Duration
		expected time.Duration
	}{
		{500 * time.Millisecond, 1 * time.Second},
		{1 * time.Second, 2 * time.Second},
		{2 * time.Second, 4 * time.Second},
		{4 * time.Second, 4 * time.Second}, // достигли T2
		{8 * time.Second, 4 * time.Second}, // остаемся на T2
	}

	for _, tt := range tests {
		assert.Equal(t, tt.expected, NextInterval(tt.current, t2))
	}
}

func TestTimerSet(t *testing.T) {
	clock := &fakeClock{}
	set := newTimerSet(clock)

	called := map[TimerID]int{}
	set.start(TimerA, 50*time.Millisecond, func() { called[TimerA]++ })
	set.start(TimerB, 100*time.Millisecond, func() { called[TimerB]++ })

	assert.True(t, set.active(TimerA))
	assert.True(t, set.active(TimerB))

	set.stop(TimerA)
	assert.False(t, set.active(TimerA))

	clock.Advance(150 * time.Millisecond)
	assert.Zero(t, called[TimerA])
	assert.Equal(t, 1, called[TimerB])

	// нулевая длительность не запускает таймер
	set.start(TimerD, 0, func() { called[TimerD]++ })
	assert.False(t, set.active(TimerD))

	set.start(TimerE, time.Second, func() { called[TimerE]++ })
	set.stopAll()
	clock.Advance(2 * time.Second)
	assert.Zero(t, called[TimerE])
}

func TestRealScheduler(t *testing.T) {
	done := make(chan struct{})
	RealScheduler.AfterFunc(10*time.Millisecond, func() { close(done) })

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("callback was not called")
	}

	stopped := RealScheduler.AfterFunc(time.Hour, func() {})
	assert.True(t, stopped.Stop())
}
