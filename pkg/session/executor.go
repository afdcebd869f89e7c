package session

import (
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/arzzra/sipua/pkg/sip/transaction"
)

// Dispatcher доставляет события Listener. Dispatch вызывается в
// последовательном контексте сессии и в порядке возникновения событий.
type Dispatcher interface {
	Dispatch(f func())
}

// DispatcherFunc адаптер функции к Dispatcher
type DispatcherFunc func(f func())

func (fn DispatcherFunc) Dispatch(f func()) { fn(f) }

// inline выполняет событие сразу в контексте сессии
var inline = DispatcherFunc(func(f func()) { f() })

// executor последовательно выполняет задачи сессии в одной горутине.
// post не блокируется: очередь не ограничена.
type executor struct {
	mu     sync.Mutex
	cond   *sync.Cond
	queue  []func()
	closed bool
	done   chan struct{}
	logger *slog.Logger
}

func newExecutor(logger *slog.Logger, wg *sync.WaitGroup) *executor {
	e := &executor{
		done:   make(chan struct{}),
		logger: logger,
	}
	e.cond = sync.NewCond(&e.mu)
	wg.Add(1)
	go func() {
		defer wg.Done()
		e.run()
	}()
	return e
}

// post ставит задачу в очередь. После close задачи отбрасываются.
func (e *executor) post(f func()) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return false
	}
	e.queue = append(e.queue, f)
	e.cond.Signal()
	return true
}

// close запрещает новые задачи; уже поставленные будут выполнены
func (e *executor) close() {
	e.mu.Lock()
	e.closed = true
	e.cond.Signal()
	e.mu.Unlock()
}

// wait ждет завершения горутины после close. Нельзя вызывать из задачи
// этого же executor.
func (e *executor) wait() {
	<-e.done
}

func (e *executor) run() {
	defer close(e.done)
	for {
		e.mu.Lock()
		for len(e.queue) == 0 && !e.closed {
			e.cond.Wait()
		}
		if len(e.queue) == 0 {
			e.mu.Unlock()
			return
		}
		f := e.queue[0]
		e.queue[0] = nil
		e.queue = e.queue[1:]
		e.mu.Unlock()

		e.safe(f)
	}
}

func (e *executor) safe(f func()) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("panic recovered in session task",
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())),
			)
		}
	}()
	f()
}

// AfterFunc реализует transaction.Scheduler: f выполняется в контексте
// сессии по истечении d
func (e *executor) AfterFunc(d time.Duration, f func()) transaction.Timer {
	return time.AfterFunc(d, func() { e.post(f) })
}
